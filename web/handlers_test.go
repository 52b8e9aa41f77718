package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/artpar/geometer/adapters/clock"
	"github.com/artpar/geometer/adapters/memory"
	"github.com/artpar/geometer/adapters/metrics"
	"github.com/artpar/geometer/app"
	"github.com/artpar/geometer/domain/cost"
	"github.com/artpar/geometer/domain/tier"
	"github.com/artpar/geometer/domain/usage"
	"github.com/artpar/geometer/ports"
)

var testNow = time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

// brokenEventStore fails every operation while broken is set.
type brokenEventStore struct {
	*memory.EventStore
	broken bool
}

func (s *brokenEventStore) Append(ctx context.Context, e usage.Event) (bool, error) {
	if s.broken {
		return false, errors.New("disk full")
	}
	return s.EventStore.Append(ctx, e)
}

func (s *brokenEventStore) ListSince(ctx context.Context, since time.Time) ([]usage.Event, error) {
	if s.broken {
		return nil, errors.New("disk full")
	}
	return s.EventStore.ListSince(ctx, since)
}

func newTestRouter(t *testing.T, events ports.EventStore) http.Handler {
	t.Helper()

	entries := memory.NewLedgerStore(memory.LedgerStoreConfig{NumShards: 4})
	t.Cleanup(func() { entries.Close() })

	fc := clock.NewFake(testNow)
	m := metrics.NewWithRegistry(prometheus.NewRegistry())

	ledger := app.NewLedger(app.LedgerConfig{
		Events:        events,
		Entries:       entries,
		Clock:         fc,
		Logger:        zerolog.Nop(),
		Metrics:       m,
		RetryInterval: time.Hour,
	})
	t.Cleanup(func() { ledger.Close() })

	estimator := app.NewEstimator(ledger, tier.DefaultPolicy(), cost.DefaultRates(), zerolog.Nop(), m)

	aggregator := app.NewAggregator(app.AggregatorConfig{
		Events:  events,
		Clock:   fc,
		Logger:  zerolog.Nop(),
		Metrics: m,
	})

	h := NewHandler(Config{
		Estimator:  estimator,
		Ledger:     ledger,
		Aggregator: aggregator,
		Clock:      fc,
		Logger:     zerolog.Nop(),
		Metrics:    m,
	})
	return h.Router()
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func regionBody(radiusKm float64, dataType string) map[string]any {
	return map[string]any{
		"center":    map[string]float64{"lat": 12.97, "lon": 79.16},
		"radius_km": radiusKm,
		"data_type": dataType,
	}
}

func premiumHeaders() map[string]string {
	return map[string]string{"X-User-ID": "user-1", "X-User-Tier": "premium"}
}

func TestEstimateRegion_OK(t *testing.T) {
	router := newTestRouter(t, memory.NewEventStore())

	w := doJSON(t, router, "POST", "/api/v1/estimate-cost/region", regionBody(5, "potholes"), premiumHeaders())
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}

	var resp app.Estimate
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Cost.CoverageAreaKm2 < 78.5 || resp.Cost.CoverageAreaKm2 > 78.6 {
		t.Errorf("coverageAreaKm2 = %v, want ~78.54", resp.Cost.CoverageAreaKm2)
	}
	if !resp.Admission.Allowed {
		t.Errorf("fresh premium user denied: %q", resp.Admission.Reason)
	}
}

func TestEstimateRegion_MissingUser(t *testing.T) {
	router := newTestRouter(t, memory.NewEventStore())

	w := doJSON(t, router, "POST", "/api/v1/estimate-cost/region", regionBody(5, "potholes"), nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestEstimateRegion_InvalidGeometry(t *testing.T) {
	router := newTestRouter(t, memory.NewEventStore())

	body := map[string]any{
		"center":    map[string]float64{"lat": 95, "lon": 0},
		"radius_km": 5,
		"data_type": "potholes",
	}
	w := doJSON(t, router, "POST", "/api/v1/estimate-cost/region", body, premiumHeaders())
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400: %s", w.Code, w.Body.String())
	}
}

func TestEstimateRegion_UnknownDataType(t *testing.T) {
	router := newTestRouter(t, memory.NewEventStore())

	w := doJSON(t, router, "POST", "/api/v1/estimate-cost/region", regionBody(5, "weather"), premiumHeaders())
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestEstimateRegion_UnknownTier(t *testing.T) {
	router := newTestRouter(t, memory.NewEventStore())

	headers := map[string]string{"X-User-ID": "user-1", "X-User-Tier": "platinum"}
	w := doJSON(t, router, "POST", "/api/v1/estimate-cost/region", regionBody(5, "potholes"), headers)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestEstimateRegion_QuotaDenied(t *testing.T) {
	router := newTestRouter(t, memory.NewEventStore())

	// No tier header falls back to free, which never allows requests.
	headers := map[string]string{"X-User-ID": "user-1"}
	w := doJSON(t, router, "POST", "/api/v1/estimate-cost/region", regionBody(5, "potholes"), headers)
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402: %s", w.Code, w.Body.String())
	}

	var doc struct {
		Errors []struct {
			Code string `json:"code"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(doc.Errors) != 1 || doc.Errors[0].Code != "quota_exceeded" {
		t.Errorf("error envelope = %s", w.Body.String())
	}
}

func TestEstimatePath_OK(t *testing.T) {
	router := newTestRouter(t, memory.NewEventStore())

	body := map[string]any{
		"start":         map[string]float64{"lat": 12.9165, "lon": 79.1325},
		"end":           map[string]float64{"lat": 13.0827, "lon": 80.2707},
		"buffer_meters": 500,
		"data_type":     "uhi",
	}
	w := doJSON(t, router, "POST", "/api/v1/estimate-cost/path", body, premiumHeaders())
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}

	var resp app.Estimate
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Cost.PathLengthKm <= 0 {
		t.Errorf("pathLengthKm = %v, want > 0", resp.Cost.PathLengthKm)
	}
}

func recordBody(requestID string) usage.Event {
	return usage.Event{
		RequestID:  requestID,
		UserID:     "user-1",
		Tier:       tier.Basic,
		Timestamp:  testNow,
		Endpoint:   "/api/v1/estimate-cost/region",
		Method:     "POST",
		Cost:       cost.Breakdown{TotalCost: 0.5, Currency: "USD"},
		DataSizeMb: 10,
	}
}

func TestRecordUsage_Idempotent(t *testing.T) {
	router := newTestRouter(t, memory.NewEventStore())

	for i := 0; i < 2; i++ {
		w := doJSON(t, router, "POST", "/api/v1/usage/record", recordBody("req-1"), nil)
		if w.Code != http.StatusOK {
			t.Fatalf("attempt %d: status = %d: %s", i, w.Code, w.Body.String())
		}
	}

	headers := map[string]string{"X-User-ID": "user-1", "X-User-Tier": "basic"}
	w := doJSON(t, router, "GET", "/api/v1/user/cost-summary", nil, headers)
	if w.Code != http.StatusOK {
		t.Fatalf("cost summary: status = %d: %s", w.Code, w.Body.String())
	}

	var resp app.CostSummary
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.CurrentMonthUsage.Requests != 1 {
		t.Errorf("requests = %d, want 1 (no double count)", resp.CurrentMonthUsage.Requests)
	}
}

func TestRecordUsage_Invalid(t *testing.T) {
	router := newTestRouter(t, memory.NewEventStore())

	e := recordBody("req-1")
	e.UserID = ""
	w := doJSON(t, router, "POST", "/api/v1/usage/record", e, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestRecordUsage_GeneratesMissingRequestID(t *testing.T) {
	router := newTestRouter(t, memory.NewEventStore())

	e := recordBody("")
	w := doJSON(t, router, "POST", "/api/v1/usage/record", e, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["requestId"] == "" {
		t.Error("no request ID assigned")
	}
}

func TestRecordUsage_StoreDown(t *testing.T) {
	store := &brokenEventStore{EventStore: memory.NewEventStore(), broken: true}
	router := newTestRouter(t, store)

	w := doJSON(t, router, "POST", "/api/v1/usage/record", recordBody("req-1"), nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503: %s", w.Code, w.Body.String())
	}
}

func TestUsageMetrics_OK(t *testing.T) {
	store := memory.NewEventStore()
	ctx := context.Background()
	e := recordBody("req-1")
	e.Timestamp = testNow.Add(-time.Minute)
	store.Append(ctx, e)

	router := newTestRouter(t, store)

	w := doJSON(t, router, "GET", "/api/v1/usage/metrics", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	var m usage.Metrics
	if err := json.Unmarshal(w.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.TotalRequests != 1 {
		t.Errorf("totalRequests = %d, want 1", m.TotalRequests)
	}
}

func TestUsageMetrics_Unavailable(t *testing.T) {
	store := &brokenEventStore{EventStore: memory.NewEventStore(), broken: true}
	router := newTestRouter(t, store)

	w := doJSON(t, router, "GET", "/api/v1/usage/metrics", nil, nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestHourlyTrends_BadHours(t *testing.T) {
	router := newTestRouter(t, memory.NewEventStore())

	for _, q := range []string{"hours=0", "hours=169", "hours=abc"} {
		w := doJSON(t, router, "GET", "/api/v1/usage/trends/hourly?"+q, nil, nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, w.Code)
		}
	}
}

func TestHourlyTrends_DefaultWindow(t *testing.T) {
	router := newTestRouter(t, memory.NewEventStore())

	w := doJSON(t, router, "GET", "/api/v1/usage/trends/hourly", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Hours   int                `json:"hours"`
		Buckets []usage.HourBucket `json:"buckets"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Hours != 24 || len(resp.Buckets) != 24 {
		t.Errorf("hours = %d, buckets = %d, want 24/24", resp.Hours, len(resp.Buckets))
	}
}

func TestCostBreakdown_BadGroupBy(t *testing.T) {
	router := newTestRouter(t, memory.NewEventStore())

	w := doJSON(t, router, "GET", "/api/v1/usage/costs/breakdown?group_by=color", nil, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestInstances_TierFilter(t *testing.T) {
	store := memory.NewEventStore()
	ctx := context.Background()

	premium := recordBody("req-premium")
	premium.Tier = tier.Premium
	premium.Timestamp = testNow.Add(-time.Minute)
	store.Append(ctx, premium)

	basic := recordBody("req-basic")
	basic.Timestamp = testNow.Add(-2 * time.Minute)
	store.Append(ctx, basic)

	router := newTestRouter(t, store)

	w := doJSON(t, router, "GET", "/api/v1/usage/instances?tier=premium", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Count     int           `json:"count"`
		Instances []usage.Event `json:"instances"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 1 || resp.Instances[0].RequestID != "req-premium" {
		t.Errorf("instances = %s", w.Body.String())
	}
}

func TestEndpointUsage(t *testing.T) {
	store := memory.NewEventStore()
	ctx := context.Background()
	e := recordBody("req-1")
	e.Timestamp = testNow.Add(-time.Minute)
	store.Append(ctx, e)

	router := newTestRouter(t, store)

	w := doJSON(t, router, "GET", "/api/v1/usage/endpoint/api/v1/estimate-cost/region", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	var resp app.EndpointUsage
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.TotalRequests != 1 {
		t.Errorf("totalRequests = %d, want 1", resp.TotalRequests)
	}
}

func TestCostSummary_MissingUser(t *testing.T) {
	router := newTestRouter(t, memory.NewEventStore())

	w := doJSON(t, router, "GET", "/api/v1/user/cost-summary", nil, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestHealthz(t *testing.T) {
	router := newTestRouter(t, memory.NewEventStore())

	w := doJSON(t, router, "GET", "/healthz", nil, nil)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestOpenAPISpec(t *testing.T) {
	router := newTestRouter(t, memory.NewEventStore())

	w := doJSON(t, router, "GET", "/.well-known/openapi.json", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var doc map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &doc); err != nil {
		t.Fatalf("spec is not valid JSON: %v", err)
	}
	if doc["openapi"] == "" {
		t.Error("missing openapi version field")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	router := newTestRouter(t, memory.NewEventStore())

	w := doJSON(t, router, "GET", "/metrics", nil, nil)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}
