package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"scale-ingest/internal/model"
)

// Store is the persistence layer used by the ingestion core. Both the SQLite (gorm)
// and the Postgres (pgx) backends implement it.
type Store interface {
	// InsertMeasurements appends history rows; rows whose (scale_id, last_time)
	// already exist are skipped so a replayed batch is harmless.
	InsertMeasurements(ctx context.Context, events []model.MeasurementEvent) error
	// UpsertCurrentState overwrites the scale's row unless it already holds a newer event.
	UpsertCurrentState(ctx context.Context, ev model.MeasurementEvent) error
	CurrentState(ctx context.Context, scaleID string) (model.ScaleCurrentState, error)
	CurrentStates(ctx context.Context) ([]model.ScaleCurrentState, error)
	History(ctx context.Context, scaleID string, limit int) ([]model.MeasurementRecord, error)

	ActiveIssue(ctx context.Context, scaleID string) (*model.ScaleHealthStatus, error)
	// ActiveIssues lists open issues, for every scale when scaleID is empty.
	ActiveIssues(ctx context.Context, scaleID string) ([]model.ScaleHealthStatus, error)
	IssueHistory(ctx context.Context, scaleID string, limit int) ([]model.ScaleHealthStatus, error)
	UpdateIssue(ctx context.Context, issue *model.ScaleHealthStatus) error
	// TransitionIssue saves resolved and inserts opened in one transaction; either may be nil.
	TransitionIssue(ctx context.Context, resolved, opened *model.ScaleHealthStatus) error

	SaveManualReadings(ctx context.Context, readings []model.ManualReading) error
	ManualReadings(ctx context.Context, scaleID string, limit int) ([]model.ManualReading, error)

	Shifts(ctx context.Context, activeOnly bool) ([]model.Shift, error)
	UpsertShifts(ctx context.Context, shifts []model.Shift) error
	ScaleConfigs(ctx context.Context) ([]model.ScaleConfigRecord, error)
	UpsertScaleConfigs(ctx context.Context, cfgs []model.ScaleConfigRecord) error

	Ping(ctx context.Context) error
	Close() error
}

// Open returns the store for driver: "sqlite" (dsn is a file path) or "postgres" (dsn is a URL).
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite", "sqlite3":
		return OpenSQLite(dsn)
	case "postgres", "postgresql", "pgx":
		return OpenPostgres(ctx, dsn)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedDriver, driver)
}

const defaultHistoryLimit = 100

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	if limit > 10000 {
		return 10000
	}
	return limit
}

func nowUTC() time.Time { return time.Now().UTC() }
