package scaledb

import (
	"context"
	"math"
	"strconv"

	"scale-ingest/internal/collector"
	"scale-ingest/internal/model"
)

// CurrentStates returns the latest measurement of every scale.
func (c *Client) CurrentStates(ctx context.Context) ([]Measurement, error) {
	rows, err := c.store.CurrentStates(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Measurement, 0, len(rows))
	for _, r := range rows {
		out = append(out, fromEvent(r.Event()))
	}
	return out, nil
}

func (c *Client) CurrentState(ctx context.Context, scaleID string) (Measurement, error) {
	row, err := c.store.CurrentState(ctx, scaleID)
	if err != nil {
		return Measurement{}, err
	}
	return fromEvent(row.Event()), nil
}

// History returns up to limit measurements of a scale, newest first.
func (c *Client) History(ctx context.Context, scaleID string, limit int) ([]Measurement, error) {
	rows, err := c.store.History(ctx, scaleID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Measurement, 0, len(rows))
	for _, r := range rows {
		out = append(out, fromEvent(r.Event()))
	}
	return out, nil
}

// ActiveIssues lists open health issues; scaleID "" means every scale.
func (c *Client) ActiveIssues(ctx context.Context, scaleID string) ([]Issue, error) {
	rows, err := c.store.ActiveIssues(ctx, scaleID)
	if err != nil {
		return nil, err
	}
	return issues(rows), nil
}

// IssueHistory lists open and resolved issues of a scale, newest first.
func (c *Client) IssueHistory(ctx context.Context, scaleID string, limit int) ([]Issue, error) {
	rows, err := c.store.IssueHistory(ctx, scaleID, limit)
	if err != nil {
		return nil, err
	}
	return issues(rows), nil
}

func issues(rows []model.ScaleHealthStatus) []Issue {
	out := make([]Issue, 0, len(rows))
	for _, r := range rows {
		out = append(out, fromIssue(r))
	}
	return out
}

func (c *Client) Shifts(ctx context.Context, activeOnly bool) ([]Shift, error) {
	rows, err := c.store.Shifts(ctx, activeOnly)
	if err != nil {
		return nil, err
	}
	out := make([]Shift, 0, len(rows))
	for _, r := range rows {
		out = append(out, fromShift(r))
	}
	return out, nil
}

// SaveShifts inserts or updates shifts by code. A running collector picks them up
// on its next shift refresh.
func (c *Client) SaveShifts(ctx context.Context, shifts ...Shift) error {
	rows := make([]model.Shift, 0, len(shifts))
	for _, s := range shifts {
		rows = append(rows, toShift(s))
	}
	return c.store.UpsertShifts(ctx, rows)
}

// Readings lists snapshot readings, newest first; scaleID "" means every scale.
func (c *Client) Readings(ctx context.Context, scaleID string, limit int) ([]Reading, error) {
	rows, err := c.store.ManualReadings(ctx, scaleID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Reading, 0, len(rows))
	for _, r := range rows {
		out = append(out, fromReading(r))
	}
	return out, nil
}

// ScaleConfigs returns the scale configurations kept in the store.
func (c *Client) ScaleConfigs(ctx context.Context) ([]collector.ScaleConfig, error) {
	recs, err := c.store.ScaleConfigs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]collector.ScaleConfig, 0, len(recs))
	for _, r := range recs {
		cfg, err := collector.FromRecord(r)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, nil
}

// SaveScaleConfigs validates and stores scale configurations for a db-sourced collector.
func (c *Client) SaveScaleConfigs(ctx context.Context, cfgs ...collector.ScaleConfig) error {
	recs := make([]model.ScaleConfigRecord, 0, len(cfgs))
	for _, cfg := range cfgs {
		if err := cfg.Validate(); err != nil {
			return err
		}
		r, err := cfg.ToRecord()
		if err != nil {
			return err
		}
		recs = append(recs, r)
	}
	return c.store.UpsertScaleConfigs(ctx, recs)
}

// Stats summarizes one field over a scale's recent history.
type Stats struct {
	ScaleID string  `json:"scale_id"`
	Field   string  `json:"field"`
	Samples int     `json:"samples"`
	Skipped int     `json:"skipped"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Avg     float64 `json:"avg"`
	Last    float64 `json:"last"`
}

// FieldStats computes min/max/avg of the named field (the first field when empty)
// over the last limit measurements. Non-numeric values are counted as skipped.
func (c *Client) FieldStats(ctx context.Context, scaleID, field string, limit int) (Stats, error) {
	rows, err := c.History(ctx, scaleID, limit)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{ScaleID: scaleID, Field: field, Min: math.Inf(1), Max: math.Inf(-1)}
	var sum float64
	for _, m := range rows {
		v, ok := fieldValue(m, &st.Field)
		if !ok {
			st.Skipped++
			continue
		}
		if st.Samples == 0 {
			st.Last = v
		}
		st.Samples++
		sum += v
		st.Min = math.Min(st.Min, v)
		st.Max = math.Max(st.Max, v)
	}
	if st.Samples == 0 {
		st.Min, st.Max = 0, 0
		return st, nil
	}
	st.Avg = sum / float64(st.Samples)
	return st, nil
}

func fieldValue(m Measurement, name *string) (float64, bool) {
	for _, f := range m.Fields {
		if *name == "" {
			*name = f.Name
		}
		if f.Name != *name {
			continue
		}
		v, err := strconv.ParseFloat(f.Value, 64)
		return v, err == nil
	}
	return 0, false
}
