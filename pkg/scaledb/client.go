// Package scaledb is the read API over the ingestion store for reporting and
// administration tools. It also lets administration maintain shifts and scale configs.
package scaledb

import (
	"context"
	"time"

	dbpkg "scale-ingest/internal/db"
	"scale-ingest/internal/model"
)

// ErrNotFound is returned when a scale has no stored row.
var ErrNotFound = dbpkg.ErrNotFound

// Client exposes a stable API for third-party packages to access the store.
type Client struct{ store dbpkg.Store }

// Open opens the store for driver ("sqlite" or "postgres"), creating the schema if needed.
func Open(ctx context.Context, driver, dsn string) (*Client, error) {
	s, err := dbpkg.Open(ctx, driver, dsn)
	if err != nil {
		return nil, err
	}
	return &Client{store: s}, nil
}

// OpenSQLite opens a SQLite database file.
func OpenSQLite(path string) (*Client, error) {
	return Open(context.Background(), "sqlite", path)
}

func (c *Client) Close() error { return c.store.Close() }

// --------------------
// DTOs
// --------------------

type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Measurement is one poll result of one scale.
type Measurement struct {
	ScaleID  string    `json:"scale_id"`
	Time     time.Time `json:"time"`
	Status   string    `json:"status"`
	Fields   []Field   `json:"fields"`
	Degraded bool      `json:"degraded,omitempty"`
}

// Issue is a health issue, open when ResolvedAt is nil.
type Issue struct {
	ID              string     `json:"id"`
	ScaleID         string     `json:"scale_id"`
	Status          string     `json:"health_status"`
	Type            string     `json:"issue_type"`
	DetectedAt      time.Time  `json:"detected_at"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	DurationSeconds int64      `json:"duration_seconds"`
	Failures        int        `json:"consecutive_failures"`
	LastKnownValue  string     `json:"last_known_value,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
}

type Shift struct {
	ID        uint   `json:"id"`
	Code      string `json:"code"`
	Name      string `json:"name"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Active    bool   `json:"active"`
}

// Reading is a shift-boundary or manual snapshot of one scale.
type Reading struct {
	ID      string    `json:"id"`
	ScaleID string    `json:"scale_id"`
	ShiftID *uint     `json:"shift_id,omitempty"`
	Type    string    `json:"reading_type"`
	TakenAt time.Time `json:"taken_at"`
	Status  string    `json:"status"`
	Fields  []Field   `json:"fields"`
	Error   string    `json:"error_message,omitempty"`
}

// --------------------
// Converters
// --------------------

func fromEvent(ev model.MeasurementEvent) Measurement {
	m := Measurement{ScaleID: ev.ScaleID, Time: ev.LastTime, Status: ev.Status, Degraded: ev.ReadErrors > 0}
	for _, f := range ev.Fields() {
		if f != nil {
			m.Fields = append(m.Fields, Field{Name: f.Name, Value: f.Value})
		}
	}
	return m
}

func fromIssue(h model.ScaleHealthStatus) Issue {
	return Issue{
		ID:              h.ID,
		ScaleID:         h.ScaleID,
		Status:          string(h.HealthStatus),
		Type:            string(h.IssueType),
		DetectedAt:      h.DetectedAt,
		ResolvedAt:      h.ResolvedAt,
		DurationSeconds: h.DurationSeconds,
		Failures:        h.ConsecutiveFailures,
		LastKnownValue:  h.LastKnownValue,
		ErrorMessage:    h.ErrorMessage,
	}
}

func fromShift(s model.Shift) Shift {
	return Shift{ID: s.ID, Code: s.Code, Name: s.Name, StartTime: s.StartTime, EndTime: s.EndTime, Active: s.Active}
}

func toShift(s Shift) model.Shift {
	return model.Shift{ID: s.ID, Code: s.Code, Name: s.Name, StartTime: s.StartTime, EndTime: s.EndTime, Active: s.Active}
}

func fromReading(r model.ManualReading) Reading {
	out := Reading{
		ID:      r.ID,
		ScaleID: r.ScaleID,
		ShiftID: r.ShiftID,
		Type:    string(r.ReadingType),
		TakenAt: r.TakenAt,
		Status:  r.Status,
		Error:   r.ErrorMessage,
	}
	names := [model.MaxDataFields]string{r.Name1, r.Name2, r.Name3, r.Name4, r.Name5}
	values := [model.MaxDataFields]*string{r.Data1, r.Data2, r.Data3, r.Data4, r.Data5}
	for i := range names {
		if values[i] != nil {
			out.Fields = append(out.Fields, Field{Name: names[i], Value: *values[i]})
		}
	}
	return out
}
