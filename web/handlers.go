package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/artpar/geometer/app"
	"github.com/artpar/geometer/domain/cost"
	"github.com/artpar/geometer/domain/geo"
	"github.com/artpar/geometer/domain/tier"
	"github.com/artpar/geometer/domain/usage"
	"github.com/artpar/geometer/pkg/jsonapi"
)

// Identity headers set by the upstream auth service.
const (
	headerUserID   = "X-User-ID"
	headerUserTier = "X-User-Tier"
)

// LatLonRequest is a coordinate pair in a request body.
type LatLonRequest struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// RegionEstimateRequest is the body of POST /estimate-cost/region.
type RegionEstimateRequest struct {
	Center   LatLonRequest `json:"center"`
	RadiusKm float64       `json:"radius_km"`
	DataType string        `json:"data_type"`
}

// PathEstimateRequest is the body of POST /estimate-cost/path.
type PathEstimateRequest struct {
	Start        LatLonRequest `json:"start"`
	End          LatLonRequest `json:"end"`
	BufferMeters float64       `json:"buffer_meters"`
	DataType     string        `json:"data_type"`
}

// EstimateRegion estimates the cost of a circular region query.
//
//	@Summary		Estimate region query cost
//	@Description	Computes the cost breakdown for a circular coverage area and checks it against the caller's quota
//	@Tags			Estimates
//	@Accept			json
//	@Produce		json
//	@Param			X-User-ID	header		string					true	"User ID"
//	@Param			X-User-Tier	header		string					false	"Subscription tier"
//	@Param			request		body		RegionEstimateRequest	true	"Region query"
//	@Success		200			{object}	app.Estimate
//	@Failure		400			{object}	jsonapi.Document
//	@Failure		402			{object}	jsonapi.Document	"Quota exceeded"
//	@Router			/api/v1/estimate-cost/region [post]
func (h *Handler) EstimateRegion(w http.ResponseWriter, r *http.Request) {
	userID, t, ok := h.identity(w, r)
	if !ok {
		return
	}

	var req RegionEstimateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonapi.WriteBadRequest(w, "invalid request body: "+err.Error())
		return
	}

	region := geo.Region{
		Center:   geo.LatLon{Lat: req.Center.Lat, Lon: req.Center.Lon},
		RadiusKm: req.RadiusKm,
	}

	est, err := h.estimator.EstimateRegion(r.Context(), userID, t, region, cost.DataType(req.DataType))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeEstimate(w, est)
}

// EstimatePath estimates the cost of a buffered path query.
//
//	@Summary		Estimate path query cost
//	@Description	Computes the cost breakdown for a buffered route corridor and checks it against the caller's quota
//	@Tags			Estimates
//	@Accept			json
//	@Produce		json
//	@Param			X-User-ID	header		string				true	"User ID"
//	@Param			X-User-Tier	header		string				false	"Subscription tier"
//	@Param			request		body		PathEstimateRequest	true	"Path query"
//	@Success		200			{object}	app.Estimate
//	@Failure		400			{object}	jsonapi.Document
//	@Failure		402			{object}	jsonapi.Document	"Quota exceeded"
//	@Router			/api/v1/estimate-cost/path [post]
func (h *Handler) EstimatePath(w http.ResponseWriter, r *http.Request) {
	userID, t, ok := h.identity(w, r)
	if !ok {
		return
	}

	var req PathEstimateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonapi.WriteBadRequest(w, "invalid request body: "+err.Error())
		return
	}

	path := geo.Path{
		Start:        geo.LatLon{Lat: req.Start.Lat, Lon: req.Start.Lon},
		End:          geo.LatLon{Lat: req.End.Lat, Lon: req.End.Lon},
		BufferMeters: req.BufferMeters,
	}

	est, err := h.estimator.EstimatePath(r.Context(), userID, t, path, cost.DataType(req.DataType))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeEstimate(w, est)
}

// writeEstimate maps a denied admission to 402; the body always carries the
// full breakdown and limits so the dashboard can show an upgrade prompt.
func (h *Handler) writeEstimate(w http.ResponseWriter, est app.Estimate) {
	if !est.Admission.Allowed {
		e := jsonapi.ErrQuotaExceeded(est.Admission.Reason)
		e.Meta = jsonapi.Meta{
			"costEstimate": est.Cost,
			"usageLimits":  est.Admission,
		}
		jsonapi.WriteError(w, e)
		return
	}
	writeJSON(w, http.StatusOK, est)
}

// RecordUsage records a completed request delivered by the data service
// callback. Idempotent: redelivering the same requestId never double-counts.
//
//	@Summary		Record a completed request
//	@Tags			Usage
//	@Accept			json
//	@Produce		json
//	@Param			event	body		usage.Event	true	"Completed request event"
//	@Success		200		{object}	map[string]string
//	@Failure		400		{object}	jsonapi.Document
//	@Failure		503		{object}	jsonapi.Document	"Write queued for retry"
//	@Router			/api/v1/usage/record [post]
func (h *Handler) RecordUsage(w http.ResponseWriter, r *http.Request) {
	var e usage.Event
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		jsonapi.WriteBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = h.clock.Now()
	}
	// Legacy collaborators may deliver events without an idempotency key;
	// such events are treated as unique.
	if e.RequestID == "" {
		e.RequestID = h.idgen.New()
	}

	if err := h.ledger.Record(r.Context(), e); err != nil {
		if errors.Is(err, app.ErrLedgerWrite) {
			h.writeDomainError(w, err)
			return
		}
		jsonapi.WriteBadRequest(w, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "recorded",
		"requestId": e.RequestID,
	})
}

// UsageMetrics returns the real-time metrics snapshot.
//
//	@Summary		Real-time usage metrics
//	@Tags			Usage
//	@Produce		json
//	@Param			force_refresh	query		bool	false	"Bypass the cached snapshot"
//	@Success		200				{object}	usage.Metrics
//	@Failure		503				{object}	jsonapi.Document
//	@Router			/api/v1/usage/metrics [get]
func (h *Handler) UsageMetrics(w http.ResponseWriter, r *http.Request) {
	force := queryBool(r, "force_refresh")

	m, err := h.aggregator.Metrics(r.Context(), force)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// HourlyTrends returns gapless per-hour buckets.
//
//	@Summary		Hourly usage trends
//	@Tags			Usage
//	@Produce		json
//	@Param			hours	query		int	false	"Window in hours (1-168)"	default(24)
//	@Success		200		{object}	map[string]any
//	@Failure		400		{object}	jsonapi.Document
//	@Router			/api/v1/usage/trends/hourly [get]
func (h *Handler) HourlyTrends(w http.ResponseWriter, r *http.Request) {
	hours, err := queryInt(r, "hours", 24)
	if err != nil {
		jsonapi.WriteBadRequest(w, err.Error())
		return
	}
	if hours < 1 || hours > 168 {
		jsonapi.WriteError(w, jsonapi.NewError(400, "bad_request", "Bad Request").
			Detailf("hours %d outside range [1,168]", hours).
			Parameter("hours").
			Build())
		return
	}

	buckets, err := h.aggregator.HourlyTrends(r.Context(), hours)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"hours":   hours,
		"buckets": buckets,
	})
}

// CostBreakdown groups costs over a trailing window.
//
//	@Summary		Cost breakdown
//	@Tags			Usage
//	@Produce		json
//	@Param			hours		query		int		false	"Window in hours"	default(24)
//	@Param			group_by	query		string	false	"endpoint, dataType, or tier"
//	@Success		200			{object}	usage.BreakdownSummary
//	@Failure		400			{object}	jsonapi.Document
//	@Router			/api/v1/usage/costs/breakdown [get]
func (h *Handler) CostBreakdown(w http.ResponseWriter, r *http.Request) {
	hours, err := queryInt(r, "hours", 24)
	if err != nil {
		jsonapi.WriteBadRequest(w, err.Error())
		return
	}

	groupBy := usage.GroupByEndpoint
	if s := r.URL.Query().Get("group_by"); s != "" {
		groupBy, err = usage.ParseGroupBy(s)
		if err != nil {
			jsonapi.WriteBadRequest(w, err.Error())
			return
		}
	}

	summary, err := h.aggregator.CostBreakdown(r.Context(), hours, groupBy)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// SlowestRequests returns the slowest requests in a trailing window.
//
//	@Summary		Slowest requests
//	@Tags			Performance
//	@Produce		json
//	@Param			limit	query		int	false	"Max results"		default(10)
//	@Param			hours	query		int	false	"Window in hours"	default(24)
//	@Success		200		{object}	map[string]any
//	@Router			/api/v1/usage/performance/slowest [get]
func (h *Handler) SlowestRequests(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 10)
	if err != nil {
		jsonapi.WriteBadRequest(w, err.Error())
		return
	}
	hours, err := queryInt(r, "hours", 24)
	if err != nil {
		jsonapi.WriteBadRequest(w, err.Error())
		return
	}

	events, err := h.aggregator.SlowestRequests(r.Context(), limit, hours)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"hours":    hours,
		"requests": events,
	})
}

// ErrorAnalysis summarizes failed requests in a trailing window.
//
//	@Summary		Error analysis
//	@Tags			Performance
//	@Produce		json
//	@Param			hours	query		int	false	"Window in hours"	default(24)
//	@Success		200		{object}	usage.ErrorReport
//	@Router			/api/v1/usage/performance/errors [get]
func (h *Handler) ErrorAnalysis(w http.ResponseWriter, r *http.Request) {
	hours, err := queryInt(r, "hours", 24)
	if err != nil {
		jsonapi.WriteBadRequest(w, err.Error())
		return
	}

	report, err := h.aggregator.ErrorAnalysis(r.Context(), hours)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Instances returns raw usage events, newest first.
//
//	@Summary		Raw usage events
//	@Tags			Usage
//	@Produce		json
//	@Param			limit		query		int		false	"Max results"		default(100)
//	@Param			minutes		query		int		false	"Window in minutes"	default(60)
//	@Param			endpoint	query		string	false	"Filter by endpoint"
//	@Param			tier		query		string	false	"Filter by tier"
//	@Success		200			{object}	map[string]any
//	@Router			/api/v1/usage/instances [get]
func (h *Handler) Instances(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		jsonapi.WriteBadRequest(w, err.Error())
		return
	}
	minutes, err := queryInt(r, "minutes", 60)
	if err != nil {
		jsonapi.WriteBadRequest(w, err.Error())
		return
	}

	events, err := h.aggregator.Instances(r.Context(), app.InstanceFilter{
		Limit:    limit,
		Minutes:  minutes,
		Endpoint: r.URL.Query().Get("endpoint"),
		Tier:     r.URL.Query().Get("tier"),
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":     len(events),
		"instances": events,
	})
}

// EndpointUsage summarizes one endpoint's usage.
//
//	@Summary		Per-endpoint usage summary
//	@Tags			Usage
//	@Produce		json
//	@Param			endpoint	path		string	true	"Endpoint path"
//	@Param			hours		query		int		false	"Window in hours"	default(24)
//	@Success		200			{object}	app.EndpointUsage
//	@Router			/api/v1/usage/endpoint/{endpoint} [get]
func (h *Handler) EndpointUsage(w http.ResponseWriter, r *http.Request) {
	hours, err := queryInt(r, "hours", 24)
	if err != nil {
		jsonapi.WriteBadRequest(w, err.Error())
		return
	}

	endpoint := "/" + chi.URLParam(r, "*")

	u, err := h.aggregator.EndpointUsage(r.Context(), endpoint, hours)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// CostSummary returns the caller's billing view.
//
//	@Summary		User cost summary
//	@Tags			User
//	@Produce		json
//	@Param			X-User-ID	header		string	true	"User ID"
//	@Param			X-User-Tier	header		string	false	"Subscription tier"
//	@Param			days		query		int		false	"Summary window in days"	default(30)
//	@Success		200			{object}	app.CostSummary
//	@Failure		401			{object}	jsonapi.Document
//	@Router			/api/v1/user/cost-summary [get]
func (h *Handler) CostSummary(w http.ResponseWriter, r *http.Request) {
	userID, t, ok := h.identity(w, r)
	if !ok {
		return
	}
	days, err := queryInt(r, "days", 30)
	if err != nil {
		jsonapi.WriteBadRequest(w, err.Error())
		return
	}

	tc, err := h.estimator.Policy().Lookup(t)
	if err != nil {
		jsonapi.WriteBadRequest(w, err.Error())
		return
	}

	summary, err := h.aggregator.CostSummary(r.Context(), userID, tc, h.ledger, days)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// identity extracts the caller from the auth headers. A missing user ID on
// a user-scoped route is a 401; a missing tier falls back to free.
func (h *Handler) identity(w http.ResponseWriter, r *http.Request) (string, tier.Tier, bool) {
	userID := r.Header.Get(headerUserID)
	if userID == "" {
		jsonapi.WriteError(w, jsonapi.NewError(401, "unauthorized", "Unauthorized").
			Detail("missing user identity").
			Header(headerUserID).
			Build())
		return "", "", false
	}

	t := tier.Free
	if s := r.Header.Get(headerUserTier); s != "" {
		t = tier.Tier(s)
	}
	return userID, t, true
}

// writeDomainError maps service errors onto HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, geo.ErrInvalidGeometry),
		errors.Is(err, tier.ErrUnknownTier),
		errors.Is(err, cost.ErrUnknownDataType):
		jsonapi.WriteBadRequest(w, err.Error())
	case errors.Is(err, app.ErrLedgerWrite):
		jsonapi.WriteServiceUnavailable(w, "usage recording temporarily unavailable, retry later")
	case errors.Is(err, app.ErrAggregationUnavailable):
		jsonapi.WriteServiceUnavailable(w, "usage analytics temporarily unavailable")
	default:
		h.logger.Error().Err(err).Msg("unhandled service error")
		jsonapi.WriteInternalError(w, "")
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, s)
	}
	return v, nil
}

func queryBool(r *http.Request, name string) bool {
	switch r.URL.Query().Get(name) {
	case "true", "1", "yes":
		return true
	}
	return false
}
