// Package requestlog implements read-side queries over the append-only
// request ledger, exposed as the shapes the administrative HTTP surface
// renders (per-principal usage, per-period per-model usage trend, the daily
// usage heatmap, and per-day/per-hour success rate). Aggregation runs as
// direct SQL plus Go-side time-zone bucketing against the store rather than
// an in-memory cache, since the ledger already lives in SQLite.
package requestlog

import (
	"context"
	"time"

	"llmgate/internal/store/sqlite"
)

// Aggregator answers read queries against the request log.
type Aggregator struct {
	store *sqlite.Store
}

// New builds an Aggregator over the given store.
func New(store *sqlite.Store) *Aggregator {
	return &Aggregator{store: store}
}

// Append records one completed request. Orchestrator writes its logs through
// the store directly, from a background goroutine off the request's hot
// path; this wrapper exists for callers (tests,
// backfill tools) that want the same shape without reaching into sqlite.
func (a *Aggregator) Append(ctx context.Context, l sqlite.RequestLog) error {
	return a.store.InsertRequestLog(ctx, l)
}

// PrincipalReport is one principal's usage for the window queried.
type PrincipalReport struct {
	PrincipalID      string  `json:"principal_id"`
	TotalRequests    int64   `json:"total_requests"`
	SuccessRequests  int64   `json:"success_requests"`
	FailedRequests   int64   `json:"failed_requests"`
	SuccessRate      float64 `json:"success_rate"`
	TotalTokens      int64   `json:"total_tokens"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
}

// ByPrincipal reports usage per principal since the given window start.
func (a *Aggregator) ByPrincipal(ctx context.Context, since time.Time) ([]PrincipalReport, error) {
	rows, err := a.store.UsageByPrincipal(ctx, since)
	if err != nil {
		return nil, err
	}
	out := make([]PrincipalReport, 0, len(rows))
	for _, r := range rows {
		rep := PrincipalReport{
			PrincipalID:      r.PrincipalID,
			TotalRequests:    r.TotalRequests,
			SuccessRequests:  r.SuccessRequests,
			FailedRequests:   r.FailedRequests,
			TotalTokens:      r.TotalTokens,
			PromptTokens:     r.PromptTokens,
			CompletionTokens: r.CompletionTokens,
		}
		if rep.TotalRequests > 0 {
			rep.SuccessRate = float64(rep.SuccessRequests) / float64(rep.TotalRequests)
		}
		out = append(out, rep)
	}
	return out, nil
}

// UsageTrend reports per-period, per-model counts over a (unit, offset,
// numPeriods) window, in the caller's time zone.
func (a *Aggregator) UsageTrend(ctx context.Context, unit string, offset, numPeriods int, kind string, loc *time.Location) (sqlite.TrendResult, error) {
	return a.store.UsageTrend(ctx, unit, offset, numPeriods, kind, loc)
}

// DailyUsageHeatmap reports per-day request or token totals over the past
// `days` days, with day boundaries computed in the caller's time zone.
func (a *Aggregator) DailyUsageHeatmap(ctx context.Context, days int, kind string, loc *time.Location) ([]sqlite.HeatmapPoint, error) {
	return a.store.DailyUsageHeatmap(ctx, days, kind, loc)
}

// SuccessRate reports per-day-per-model success percentages over the past
// `days` days (hourly=false), or an hour-of-day breakdown aggregated across
// that window (hourly=true), in the caller's time zone.
func (a *Aggregator) SuccessRate(ctx context.Context, days int, hourly bool, loc *time.Location) ([]sqlite.SuccessRatePoint, error) {
	return a.store.SuccessRate(ctx, days, hourly, loc)
}
