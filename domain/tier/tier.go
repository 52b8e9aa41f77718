// Package tier provides subscription tier value types and pricing lookup.
package tier

import (
	"errors"
	"fmt"
)

// Tier is a named subscription level.
type Tier string

const (
	Free       Tier = "free"
	Basic      Tier = "basic"
	Premium    Tier = "premium"
	Enterprise Tier = "enterprise"
)

// ErrUnknownTier indicates a tier outside the configured set.
var ErrUnknownTier = errors.New("unknown tier")

// Parse validates a tier name.
func Parse(s string) (Tier, error) {
	switch Tier(s) {
	case Free, Basic, Premium, Enterprise:
		return Tier(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTier, s)
}

// Config represents the pricing and quota configuration for a tier
// (immutable value type, loaded at startup).
//
// A zero MonthlyRequestLimit or MonthlyDataLimitMb means unlimited.
// Whether the tier may issue requests at all is carried by the explicit
// AllowsRequests flag, never inferred from a zero limit: the free tier has
// zero limits AND AllowsRequests=false, which means no access.
type Config struct {
	Tier                Tier
	BaseCostPerRequest  float64
	PerMbCost           float64
	VolumeDiscount      float64 // [0,1); applied to PerMbCost
	MonthlyRequestLimit int64   // 0 = unlimited
	MonthlyDataLimitMb  float64 // 0 = unlimited
	AllowsRequests      bool
}

// EffectivePerMbCost returns the per-MB cost after the volume discount.
func (c Config) EffectivePerMbCost() float64 {
	return c.PerMbCost * (1 - c.VolumeDiscount)
}

// Validate checks a single tier configuration.
func (c Config) Validate() error {
	if _, err := Parse(string(c.Tier)); err != nil {
		return err
	}
	if c.BaseCostPerRequest < 0 {
		return fmt.Errorf("tier %s: base cost must be non-negative", c.Tier)
	}
	if c.PerMbCost < 0 {
		return fmt.Errorf("tier %s: per-MB cost must be non-negative", c.Tier)
	}
	if c.VolumeDiscount < 0 || c.VolumeDiscount >= 1 {
		return fmt.Errorf("tier %s: volume discount %v outside [0,1)", c.Tier, c.VolumeDiscount)
	}
	if c.MonthlyRequestLimit < 0 {
		return fmt.Errorf("tier %s: monthly request limit must be non-negative", c.Tier)
	}
	if c.MonthlyDataLimitMb < 0 {
		return fmt.Errorf("tier %s: monthly data limit must be non-negative", c.Tier)
	}
	return nil
}

// Policy maps tiers to their configurations. Immutable after construction;
// hot reload swaps the whole Policy.
type Policy struct {
	configs map[Tier]Config
}

// NewPolicy builds a policy from tier configurations.
func NewPolicy(configs []Config) (*Policy, error) {
	m := make(map[Tier]Config, len(configs))
	for _, c := range configs {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if _, dup := m[c.Tier]; dup {
			return nil, fmt.Errorf("duplicate tier %s", c.Tier)
		}
		m[c.Tier] = c
	}
	return &Policy{configs: m}, nil
}

// DefaultPolicy returns the built-in tier table.
func DefaultPolicy() *Policy {
	p, _ := NewPolicy([]Config{
		{Tier: Free, BaseCostPerRequest: 0, PerMbCost: 0, VolumeDiscount: 0,
			MonthlyRequestLimit: 0, MonthlyDataLimitMb: 0, AllowsRequests: false},
		{Tier: Basic, BaseCostPerRequest: 0.05, PerMbCost: 0.01, VolumeDiscount: 0,
			MonthlyRequestLimit: 1000, MonthlyDataLimitMb: 1000, AllowsRequests: true},
		{Tier: Premium, BaseCostPerRequest: 0.03, PerMbCost: 0.01, VolumeDiscount: 0.20,
			MonthlyRequestLimit: 10000, MonthlyDataLimitMb: 10000, AllowsRequests: true},
		{Tier: Enterprise, BaseCostPerRequest: 0.02, PerMbCost: 0.01, VolumeDiscount: 0.50,
			MonthlyRequestLimit: 0, MonthlyDataLimitMb: 0, AllowsRequests: true},
	})
	return p
}

// Lookup retrieves the configuration for a tier.
func (p *Policy) Lookup(t Tier) (Config, error) {
	c, ok := p.configs[t]
	if !ok {
		return Config{}, fmt.Errorf("%w: %q", ErrUnknownTier, t)
	}
	return c, nil
}

// Tiers returns all configured tiers.
func (p *Policy) Tiers() []Config {
	out := make([]Config, 0, len(p.configs))
	for _, t := range []Tier{Free, Basic, Premium, Enterprise} {
		if c, ok := p.configs[t]; ok {
			out = append(out, c)
		}
	}
	return out
}
