package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"
)

// RequestLog is one row of the append-only request ledger.
type RequestLog struct {
	PrincipalID       string
	KeyID             string
	Dialect           string
	Model             string
	StatusCode        int
	ErrorKind         string
	Streamed          bool
	Retried           bool
	PromptTokens      int64
	CompletionTokens  int64
	TotalTokens       int64
	DurationMS        int64
}

// InsertRequestLog appends one completed-request record. Called once per
// dispatched request regardless of outcome, off the request's hot path.
func (s *Store) InsertRequestLog(ctx context.Context, l RequestLog) error {
	_, err := s.Writer.ExecContext(ctx, `
		INSERT INTO request_logs
			(principal_id, key_id, dialect, model, status_code, error_kind, streamed, retried,
			 prompt_tokens, completion_tokens, total_tokens, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.PrincipalID, nullableString(strOrNil(l.KeyID)), l.Dialect, l.Model, l.StatusCode, l.ErrorKind,
		l.Streamed, l.Retried, l.PromptTokens, l.CompletionTokens, l.TotalTokens, l.DurationMS)
	return err
}

func strOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// RequestLogRow is one queried request log record, including the fields
// assigned at write time (id, created_at) that RequestLog itself omits.
type RequestLogRow struct {
	ID               int64
	PrincipalID      string
	KeyID            string
	Dialect          string
	Model            string
	StatusCode       int
	ErrorKind        string
	Streamed         bool
	Retried          bool
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	DurationMS       int64
	CreatedAt        time.Time
}

// RequestLogFilter narrows a QueryRequestLogs call.
type RequestLogFilter struct {
	Since       time.Time
	PrincipalID string
	KeyID       string
	Model       string
	Success     *bool // nil means both
	Limit       int
	Offset      int
}

// RequestLogPage is a paginated slice of logs plus the total matching row
// count and the full time bound of the underlying table, so a caller (e.g.
// an admin UI) can constrain its time picker without a separate query.
type RequestLogPage struct {
	Rows    []RequestLogRow
	Total   int64
	MinTime time.Time
	MaxTime time.Time
}

// QueryRequestLogs runs a filtered, paginated read against request_logs.
func (s *Store) QueryRequestLogs(ctx context.Context, f RequestLogFilter) (RequestLogPage, error) {
	var page RequestLogPage

	where := []string{"created_at >= ?"}
	args := []any{f.Since}
	if f.PrincipalID != "" {
		where = append(where, "principal_id = ?")
		args = append(args, f.PrincipalID)
	}
	if f.KeyID != "" {
		where = append(where, "key_id = ?")
		args = append(args, f.KeyID)
	}
	if f.Model != "" {
		where = append(where, "model = ?")
		args = append(args, f.Model)
	}
	if f.Success != nil {
		if *f.Success {
			where = append(where, "status_code < 400")
		} else {
			where = append(where, "status_code >= 400")
		}
	}
	whereClause := strings.Join(where, " AND ")

	if err := s.Reader.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM request_logs WHERE `+whereClause, args...,
	).Scan(&page.Total); err != nil {
		return page, err
	}

	var minT, maxT sql.NullTime
	if err := s.Reader.QueryRowContext(ctx,
		`SELECT MIN(created_at), MAX(created_at) FROM request_logs`,
	).Scan(&minT, &maxT); err != nil {
		return page, err
	}
	if minT.Valid {
		page.MinTime = minT.Time
	}
	if maxT.Valid {
		page.MaxTime = maxT.Time
	}

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	pageArgs := append(append([]any{}, args...), limit, f.Offset)
	rows, err := s.Reader.QueryContext(ctx,
		`SELECT id, principal_id, COALESCE(key_id, ''), dialect, model, status_code, error_kind,
		        streamed, retried, prompt_tokens, completion_tokens, total_tokens, duration_ms, created_at
		 FROM request_logs WHERE `+whereClause+`
		 ORDER BY created_at DESC, id DESC
		 LIMIT ? OFFSET ?`, pageArgs...)
	if err != nil {
		return page, err
	}
	defer rows.Close()

	for rows.Next() {
		var r RequestLogRow
		if err := rows.Scan(&r.ID, &r.PrincipalID, &r.KeyID, &r.Dialect, &r.Model, &r.StatusCode, &r.ErrorKind,
			&r.Streamed, &r.Retried, &r.PromptTokens, &r.CompletionTokens, &r.TotalTokens, &r.DurationMS, &r.CreatedAt); err != nil {
			return page, err
		}
		page.Rows = append(page.Rows, r)
	}
	return page, rows.Err()
}

// PrincipalUsage aggregates request counts/tokens for one principal over a window.
type PrincipalUsage struct {
	PrincipalID      string
	TotalRequests    int64
	SuccessRequests  int64
	FailedRequests   int64
	TotalTokens      int64
	PromptTokens     int64
	CompletionTokens int64
}

// UsageByPrincipal aggregates request_logs since `since` grouped by principal.
func (s *Store) UsageByPrincipal(ctx context.Context, since time.Time) ([]PrincipalUsage, error) {
	rows, err := s.Reader.QueryContext(ctx, `
		SELECT principal_id,
		       COUNT(*),
		       SUM(CASE WHEN status_code < 400 THEN 1 ELSE 0 END),
		       SUM(CASE WHEN status_code >= 400 THEN 1 ELSE 0 END),
		       COALESCE(SUM(total_tokens), 0),
		       COALESCE(SUM(prompt_tokens), 0),
		       COALESCE(SUM(completion_tokens), 0)
		FROM request_logs
		WHERE created_at >= ?
		GROUP BY principal_id
		ORDER BY principal_id`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PrincipalUsage
	for rows.Next() {
		var u PrincipalUsage
		if err := rows.Scan(&u.PrincipalID, &u.TotalRequests, &u.SuccessRequests, &u.FailedRequests,
			&u.TotalTokens, &u.PromptTokens, &u.CompletionTokens); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// period is one labeled bucket of a time-zone-aware trend/heatmap window.
// Boundaries are computed in Go against the caller's *time.Location rather
// than delegated to SQLite's UTC-only date()/strftime(), since day, week,
// and month boundaries must follow the caller's clock, not the engine's.
type period struct {
	start, end time.Time
	label      string
}

// periodBounds returns numPeriods consecutive, non-overlapping buckets of
// the given unit, oldest first, ending at the period that starts `offset`
// whole units before the one containing now. offset=0 means the window
// ends with the current (in-progress) period.
func periodBounds(unit string, offset, numPeriods int, loc *time.Location, now time.Time) []period {
	now = now.In(loc)
	periods := make([]period, numPeriods)
	for i := 0; i < numPeriods; i++ {
		n := offset - (numPeriods - 1 - i)
		var start, end time.Time
		var label string
		switch unit {
		case "week":
			weekStart := startOfWeek(now, loc)
			start = weekStart.AddDate(0, 0, 7*n)
			end = start.AddDate(0, 0, 7)
			label = start.Format("2006-01-02")
		case "month":
			monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, loc)
			start = monthStart.AddDate(0, n, 0)
			end = start.AddDate(0, 1, 0)
			label = start.Format("2006-01")
		default: // "day"
			dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
			start = dayStart.AddDate(0, 0, n)
			end = start.AddDate(0, 0, 1)
			label = start.Format("2006-01-02")
		}
		periods[i] = period{start: start, end: end, label: label}
	}
	return periods
}

func startOfWeek(t time.Time, loc *time.Location) time.Time {
	d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	return d.AddDate(0, 0, -int(d.Weekday()))
}

func periodIndexFor(periods []period, t time.Time) int {
	for i, p := range periods {
		if !t.Before(p.start) && t.Before(p.end) {
			return i
		}
	}
	return -1
}

// TrendSeries is one model's per-period counts for a usage-trend window.
type TrendSeries struct {
	Label string  `json:"label"`
	Data  []int64 `json:"data"`
}

// TrendResult is a usage-trend response: one label per period plus one
// data series per model observed in the window.
type TrendResult struct {
	Labels []string      `json:"labels"`
	Series []TrendSeries `json:"series"`
}

// UsageTrend buckets request_logs into numPeriods consecutive periods of
// the given unit ("day", "week", or "month"), offset by whole periods from
// now, grouped per model. kind selects whether each bucket counts requests
// or sums total_tokens. Boundaries are computed in loc.
func (s *Store) UsageTrend(ctx context.Context, unit string, offset, numPeriods int, kind string, loc *time.Location) (TrendResult, error) {
	if loc == nil {
		loc = time.UTC
	}
	if numPeriods <= 0 {
		numPeriods = 7
	}
	periods := periodBounds(unit, offset, numPeriods, loc, time.Now())
	windowStart, windowEnd := periods[0].start, periods[len(periods)-1].end

	rows, err := s.Reader.QueryContext(ctx, `
		SELECT created_at, model, total_tokens
		FROM request_logs
		WHERE created_at >= ? AND created_at < ?`, windowStart.UTC(), windowEnd.UTC())
	if err != nil {
		return TrendResult{}, err
	}
	defer rows.Close()

	type bucketKey struct {
		model string
		idx   int
	}
	counts := make(map[bucketKey]int64)
	seen := make(map[string]bool)
	var models []string

	for rows.Next() {
		var createdAt time.Time
		var model string
		var tokens int64
		if err := rows.Scan(&createdAt, &model, &tokens); err != nil {
			return TrendResult{}, err
		}
		idx := periodIndexFor(periods, createdAt.In(loc))
		if idx < 0 {
			continue
		}
		if !seen[model] {
			seen[model] = true
			models = append(models, model)
		}
		if kind == "tokens" {
			counts[bucketKey{model, idx}] += tokens
		} else {
			counts[bucketKey{model, idx}]++
		}
	}
	if err := rows.Err(); err != nil {
		return TrendResult{}, err
	}
	sort.Strings(models)

	result := TrendResult{Labels: make([]string, numPeriods)}
	for i, p := range periods {
		result.Labels[i] = p.label
	}
	for _, m := range models {
		data := make([]int64, numPeriods)
		for i := range periods {
			data[i] = counts[bucketKey{m, i}]
		}
		result.Series = append(result.Series, TrendSeries{Label: m, Data: data})
	}
	return result, nil
}

// HeatmapPoint is one calendar day's request or token total.
type HeatmapPoint struct {
	Day   string `json:"day"`
	Value int64  `json:"value"`
}

// DailyUsageHeatmap buckets request_logs into the past `days` calendar days
// in loc, summing request counts or token totals (kind) per day.
func (s *Store) DailyUsageHeatmap(ctx context.Context, days int, kind string, loc *time.Location) ([]HeatmapPoint, error) {
	if loc == nil {
		loc = time.UTC
	}
	if days <= 0 {
		days = 30
	}
	periods := periodBounds("day", 0, days, loc, time.Now())
	windowStart := periods[0].start

	rows, err := s.Reader.QueryContext(ctx, `
		SELECT created_at, total_tokens FROM request_logs WHERE created_at >= ?`, windowStart.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make([]int64, len(periods))
	for rows.Next() {
		var createdAt time.Time
		var tokens int64
		if err := rows.Scan(&createdAt, &tokens); err != nil {
			return nil, err
		}
		idx := periodIndexFor(periods, createdAt.In(loc))
		if idx < 0 {
			continue
		}
		if kind == "tokens" {
			counts[idx] += tokens
		} else {
			counts[idx]++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]HeatmapPoint, len(periods))
	for i, p := range periods {
		out[i] = HeatmapPoint{Day: p.label, Value: counts[i]}
	}
	return out, nil
}

// SuccessRatePoint is one bucket's success percentage (0-100): either a calendar day
// split per model, or an hour-of-day bucket aggregated across every day in
// the window (Model is empty in the hourly case).
type SuccessRatePoint struct {
	Bucket  string  `json:"bucket"`
	Model   string  `json:"model,omitempty"`
	Total   int64   `json:"total"`
	Success int64   `json:"success"`
	Rate    float64 `json:"rate"`
}

// SuccessRate reports success percentages over the past `days` days in loc.
// With hourly=false it buckets by calendar day and model. With hourly=true
// it ignores model and buckets by hour-of-day (00-23), aggregated across
// every day in the window.
func (s *Store) SuccessRate(ctx context.Context, days int, hourly bool, loc *time.Location) ([]SuccessRatePoint, error) {
	if loc == nil {
		loc = time.UTC
	}
	if days <= 0 {
		days = 7
	}
	since := time.Now().In(loc).AddDate(0, 0, -days)

	rows, err := s.Reader.QueryContext(ctx, `
		SELECT created_at, model, status_code FROM request_logs WHERE created_at >= ?`, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type bucketKey struct {
		bucket string
		model  string
	}
	agg := make(map[bucketKey]*SuccessRatePoint)
	var order []bucketKey

	for rows.Next() {
		var createdAt time.Time
		var model string
		var status int
		if err := rows.Scan(&createdAt, &model, &status); err != nil {
			return nil, err
		}
		local := createdAt.In(loc)
		var bk bucketKey
		if hourly {
			bk = bucketKey{bucket: fmt.Sprintf("%02d", local.Hour())}
		} else {
			bk = bucketKey{bucket: local.Format("2006-01-02"), model: model}
		}
		pt, ok := agg[bk]
		if !ok {
			pt = &SuccessRatePoint{Bucket: bk.bucket, Model: bk.model}
			agg[bk] = pt
			order = append(order, bk)
		}
		pt.Total++
		if status < 400 {
			pt.Success++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(order, func(i, j int) bool {
		if order[i].bucket != order[j].bucket {
			return order[i].bucket < order[j].bucket
		}
		return order[i].model < order[j].model
	})

	out := make([]SuccessRatePoint, 0, len(order))
	for _, bk := range order {
		pt := agg[bk]
		if pt.Total > 0 {
			pt.Rate = float64(pt.Success) / float64(pt.Total) * 100
		}
		out = append(out, *pt)
	}
	return out, nil
}
