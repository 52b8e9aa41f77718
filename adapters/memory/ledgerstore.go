package memory

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/artpar/geometer/domain/quota"
	"github.com/artpar/geometer/ports"
)

// ledgerShard is a single shard of the ledger store.
type ledgerShard struct {
	mu      sync.RWMutex
	entries map[string]quota.Entry
	// applied tracks which request IDs are already counted in each entry,
	// whether by Apply or by a rebuild from the event log. Apply for a
	// counted ID is a no-op, so a rebuild racing a commit never
	// double-counts.
	applied map[string]map[string]struct{}
}

// LedgerStore is a sharded in-memory implementation of ports.LedgerStore.
// Uses sharding to reduce lock contention for high throughput. When an
// event store is configured, entries missing from memory are rebuilt from
// the event log, so the ledger survives a restart as long as the log does.
type LedgerStore struct {
	shards     []*ledgerShard
	numShards  int
	eventStore ports.EventStore
	cleanup    *time.Ticker
	done       chan struct{}
	closeOnce  sync.Once
}

// LedgerStoreConfig configures the ledger store.
type LedgerStoreConfig struct {
	NumShards       int              // Number of shards (default: 32)
	CleanupInterval time.Duration    // How often to drop old periods (default: 1h)
	EventStore      ports.EventStore // Optional: rebuild entries from the event log
}

// NewLedgerStore creates a new sharded in-memory ledger store.
func NewLedgerStore(cfg LedgerStoreConfig) *LedgerStore {
	if cfg.NumShards <= 0 {
		cfg.NumShards = 32
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Hour
	}

	s := &LedgerStore{
		shards:     make([]*ledgerShard, cfg.NumShards),
		numShards:  cfg.NumShards,
		eventStore: cfg.EventStore,
		done:       make(chan struct{}),
	}

	for i := range s.shards {
		s.shards[i] = &ledgerShard{
			entries: make(map[string]quota.Entry),
			applied: make(map[string]map[string]struct{}),
		}
	}

	s.cleanup = time.NewTicker(cfg.CleanupInterval)
	go s.cleanupLoop()

	return s
}

// key generates the map key for a user and period.
func (s *LedgerStore) key(userID string, periodStart time.Time) string {
	return fmt.Sprintf("%s:%s", userID, periodStart.Format("2006-01"))
}

// getShard returns the shard for a given key using consistent hashing.
func (s *LedgerStore) getShard(key string) *ledgerShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return s.shards[h.Sum32()%uint32(s.numShards)]
}

// Get retrieves the entry for a user's billing period.
func (s *LedgerStore) Get(ctx context.Context, userID string, periodStart time.Time) (quota.Entry, error) {
	k := s.key(userID, periodStart)
	shard := s.getShard(k)

	shard.mu.RLock()
	entry, ok := shard.entries[k]
	shard.mu.RUnlock()

	if ok {
		return entry, nil
	}

	// Not in memory, rebuild from the event log.
	if s.eventStore != nil {
		periodEnd := periodStart.AddDate(0, 1, 0)
		events, err := s.eventStore.ListByUser(ctx, userID, periodStart, periodEnd)
		if err == nil && len(events) > 0 {
			shard.mu.Lock()
			defer shard.mu.Unlock()

			// An Apply may have created the entry while the log was being
			// read; that entry is authoritative.
			if entry, ok := shard.entries[k]; ok {
				return entry, nil
			}

			entry = quota.Entry{
				UserID:      userID,
				PeriodStart: periodStart,
			}
			ids := make(map[string]struct{}, len(events))
			for _, e := range events {
				entry.RequestsUsed++
				entry.CostAccrued += e.Cost.TotalCost
				entry.DataMbUsed += e.DataSizeMb
				if e.Timestamp.After(entry.LastUpdated) {
					entry.LastUpdated = e.Timestamp
				}
				ids[e.RequestID] = struct{}{}
			}

			shard.entries[k] = entry
			shard.applied[k] = ids

			return entry, nil
		}
	}

	return quota.Entry{
		UserID:      userID,
		PeriodStart: periodStart,
	}, nil
}

// Apply atomically commits an estimate to the entry, returns the new entry.
// An estimate whose request ID was already counted (by a rebuild from the
// event log) is a no-op.
func (s *LedgerStore) Apply(ctx context.Context, userID string, periodStart time.Time, requestID string, est quota.Estimate, now time.Time) (quota.Entry, error) {
	k := s.key(userID, periodStart)
	shard := s.getShard(k)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	if requestID != "" {
		if _, counted := shard.applied[k][requestID]; counted {
			return shard.entries[k], nil
		}
	}

	entry, ok := shard.entries[k]
	if !ok {
		entry = quota.Entry{
			UserID:      userID,
			PeriodStart: periodStart,
		}
	}

	entry = quota.Apply(entry, est, now)
	shard.entries[k] = entry

	if requestID != "" {
		if shard.applied[k] == nil {
			shard.applied[k] = make(map[string]struct{})
		}
		shard.applied[k][requestID] = struct{}{}
	}
	return entry, nil
}

// cleanupLoop periodically removes old period entries.
func (s *LedgerStore) cleanupLoop() {
	for {
		select {
		case <-s.cleanup.C:
			s.doCleanup()
		case <-s.done:
			return
		}
	}
}

// doCleanup removes entries for periods older than 2 months.
func (s *LedgerStore) doCleanup() {
	cutoff := time.Now().AddDate(0, -2, 0)

	for _, shard := range s.shards {
		shard.mu.Lock()
		for k, entry := range shard.entries {
			if entry.PeriodStart.Before(cutoff) {
				delete(shard.entries, k)
				delete(shard.applied, k)
			}
		}
		shard.mu.Unlock()
	}
}

// Close stops the cleanup goroutine.
func (s *LedgerStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.cleanup.Stop()
	})
	return nil
}

// Clear removes all entries (for testing).
func (s *LedgerStore) Clear() {
	for _, shard := range s.shards {
		shard.mu.Lock()
		shard.entries = make(map[string]quota.Entry)
		shard.applied = make(map[string]map[string]struct{})
		shard.mu.Unlock()
	}
}

// Len returns the total number of entries across all shards (for testing).
func (s *LedgerStore) Len() int {
	total := 0
	for _, shard := range s.shards {
		shard.mu.RLock()
		total += len(shard.entries)
		shard.mu.RUnlock()
	}
	return total
}

// Ensure interface compliance.
var _ ports.LedgerStore = (*LedgerStore)(nil)
