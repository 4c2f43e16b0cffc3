package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"scale-ingest/internal/model"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS measurements (
	id          BIGSERIAL PRIMARY KEY,
	scale_id    TEXT NOT NULL,
	last_time   TIMESTAMPTZ NOT NULL,
	status      TEXT,
	name1 TEXT, data1 TEXT,
	name2 TEXT, data2 TEXT,
	name3 TEXT, data3 TEXT,
	name4 TEXT, data4 TEXT,
	name5 TEXT, data5 TEXT,
	read_errors INTEGER NOT NULL DEFAULT 0,
	received_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_measurements_scale_time ON measurements(scale_id, last_time);

CREATE TABLE IF NOT EXISTS scale_current_state (
	scale_id    TEXT PRIMARY KEY,
	last_time   TIMESTAMPTZ NOT NULL,
	status      TEXT,
	name1 TEXT, data1 TEXT,
	name2 TEXT, data2 TEXT,
	name3 TEXT, data3 TEXT,
	name4 TEXT, data4 TEXT,
	name5 TEXT, data5 TEXT,
	read_errors INTEGER NOT NULL DEFAULT 0,
	updated_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS scale_health_status (
	id                   TEXT PRIMARY KEY,
	scale_id             TEXT NOT NULL,
	health_status        VARCHAR(32) NOT NULL,
	issue_type           VARCHAR(32) NOT NULL,
	detected_at          TIMESTAMPTZ NOT NULL,
	resolved_at          TIMESTAMPTZ,
	duration_seconds     BIGINT NOT NULL DEFAULT 0,
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	last_known_value     TEXT,
	error_message        TEXT,
	is_active_issue      BOOLEAN NOT NULL,
	updated_at           TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_health_scale ON scale_health_status(scale_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_health_one_active ON scale_health_status(scale_id) WHERE is_active_issue;

CREATE TABLE IF NOT EXISTS shifts (
	id         BIGSERIAL PRIMARY KEY,
	code       TEXT NOT NULL UNIQUE,
	name       TEXT,
	start_time TEXT NOT NULL,
	end_time   TEXT NOT NULL,
	active     BOOLEAN NOT NULL DEFAULT true
);

CREATE TABLE IF NOT EXISTS manual_readings (
	id            TEXT PRIMARY KEY,
	scale_id      TEXT NOT NULL,
	shift_id      BIGINT,
	reading_type  VARCHAR(16) NOT NULL,
	taken_at      TIMESTAMPTZ NOT NULL,
	status        TEXT,
	name1 TEXT, data1 TEXT,
	name2 TEXT, data2 TEXT,
	name3 TEXT, data3 TEXT,
	name4 TEXT, data4 TEXT,
	name5 TEXT, data5 TEXT,
	error_message TEXT
);
CREATE INDEX IF NOT EXISTS idx_manual_readings_scale ON manual_readings(scale_id, taken_at);

CREATE TABLE IF NOT EXISTS scale_configs (
	scale_id         TEXT PRIMARY KEY,
	name             TEXT,
	protocol         TEXT NOT NULL,
	connection       TEXT,
	poll_interval_ms INTEGER NOT NULL,
	active           BOOLEAN NOT NULL,
	fields           TEXT
);
`

// PGStore is the Postgres store on a pgx connection pool.
type PGStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PGStore)(nil)

// OpenPostgres connects to url and creates the schema if needed.
func OpenPostgres(ctx context.Context, url string) (*PGStore, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("%w: parse postgres url: %v", ErrFailedOpenDB, err)
	}
	if cfg.MaxConns < 4 {
		cfg.MaxConns = 4
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFailedOpenDB, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ping: %v", ErrFailedOpenDB, err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: %v", ErrFailedToInit, err)
	}
	return &PGStore{pool: pool}, nil
}

func (s *PGStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PGStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

const insertMeasurementSQL = `
INSERT INTO measurements (scale_id, last_time, status,
	name1, data1, name2, data2, name3, data3, name4, data4, name5, data5, read_errors)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (scale_id, last_time) DO NOTHING`

func (s *PGStore) InsertMeasurements(ctx context.Context, events []model.MeasurementEvent) error {
	batch := &pgx.Batch{}
	for _, ev := range events {
		r := model.NewMeasurementRecord(ev)
		batch.Queue(insertMeasurementSQL, r.ScaleID, r.LastTime, r.Status,
			r.Name1, r.Data1, r.Name2, r.Data2, r.Name3, r.Data3,
			r.Name4, r.Data4, r.Name5, r.Data5, r.ReadErrors)
	}
	if err := sendBatchExecAll(ctx, batch, s.pool.SendBatch, "measurements"); err != nil {
		return fmt.Errorf("%w: %v", ErrFailedToInsert, err)
	}
	return nil
}

const upsertCurrentStateSQL = `
INSERT INTO scale_current_state (scale_id, last_time, status,
	name1, data1, name2, data2, name3, data3, name4, data4, name5, data5, read_errors, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
ON CONFLICT (scale_id) DO UPDATE SET
	last_time = EXCLUDED.last_time, status = EXCLUDED.status,
	name1 = EXCLUDED.name1, data1 = EXCLUDED.data1,
	name2 = EXCLUDED.name2, data2 = EXCLUDED.data2,
	name3 = EXCLUDED.name3, data3 = EXCLUDED.data3,
	name4 = EXCLUDED.name4, data4 = EXCLUDED.data4,
	name5 = EXCLUDED.name5, data5 = EXCLUDED.data5,
	read_errors = EXCLUDED.read_errors, updated_at = EXCLUDED.updated_at
WHERE EXCLUDED.last_time >= scale_current_state.last_time`

func (s *PGStore) UpsertCurrentState(ctx context.Context, ev model.MeasurementEvent) error {
	r := model.NewCurrentState(ev, nowUTC())
	_, err := s.pool.Exec(ctx, upsertCurrentStateSQL, r.ScaleID, r.LastTime, r.Status,
		r.Name1, r.Data1, r.Name2, r.Data2, r.Name3, r.Data3,
		r.Name4, r.Data4, r.Name5, r.Data5, r.ReadErrors, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("%w: current state %s: %v", ErrFailedToInsert, ev.ScaleID, err)
	}
	return nil
}

const currentStateColumns = `scale_id, last_time, COALESCE(status, ''),
	COALESCE(name1, ''), data1, COALESCE(name2, ''), data2, COALESCE(name3, ''), data3,
	COALESCE(name4, ''), data4, COALESCE(name5, ''), data5, read_errors, updated_at`

func scanCurrentState(row pgx.Row) (model.ScaleCurrentState, error) {
	var r model.ScaleCurrentState
	err := row.Scan(&r.ScaleID, &r.LastTime, &r.Status,
		&r.Name1, &r.Data1, &r.Name2, &r.Data2, &r.Name3, &r.Data3,
		&r.Name4, &r.Data4, &r.Name5, &r.Data5, &r.ReadErrors, &r.UpdatedAt)
	return r, err
}

func (s *PGStore) CurrentState(ctx context.Context, scaleID string) (model.ScaleCurrentState, error) {
	r, err := scanCurrentState(s.pool.QueryRow(ctx,
		`SELECT `+currentStateColumns+` FROM scale_current_state WHERE scale_id = $1`, scaleID))
	if errors.Is(err, pgx.ErrNoRows) {
		return r, fmt.Errorf("%w: current state %s", ErrNotFound, scaleID)
	}
	return r, err
}

func (s *PGStore) CurrentStates(ctx context.Context) ([]model.ScaleCurrentState, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+currentStateColumns+` FROM scale_current_state ORDER BY scale_id`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFailedToQuery, err)
	}
	defer rows.Close()

	var out []model.ScaleCurrentState
	for rows.Next() {
		r, err := scanCurrentState(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFailedToQuery, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PGStore) History(ctx context.Context, scaleID string, limit int) ([]model.MeasurementRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, scale_id, last_time, COALESCE(status, ''),
			COALESCE(name1, ''), data1, COALESCE(name2, ''), data2, COALESCE(name3, ''), data3,
			COALESCE(name4, ''), data4, COALESCE(name5, ''), data5, read_errors, received_at
		FROM measurements WHERE scale_id = $1
		ORDER BY last_time DESC LIMIT $2`, scaleID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFailedToQuery, err)
	}
	defer rows.Close()

	var out []model.MeasurementRecord
	for rows.Next() {
		var r model.MeasurementRecord
		var id int64
		if err := rows.Scan(&id, &r.ScaleID, &r.LastTime, &r.Status,
			&r.Name1, &r.Data1, &r.Name2, &r.Data2, &r.Name3, &r.Data3,
			&r.Name4, &r.Data4, &r.Name5, &r.Data5, &r.ReadErrors, &r.ReceivedAt); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFailedToQuery, err)
		}
		r.ID = uint(id)
		out = append(out, r)
	}
	return out, rows.Err()
}

const issueColumns = `id, scale_id, health_status, issue_type, detected_at, resolved_at,
	duration_seconds, consecutive_failures, COALESCE(last_known_value, ''),
	COALESCE(error_message, ''), is_active_issue, updated_at`

func (s *PGStore) queryIssues(ctx context.Context, sql string, args ...any) ([]model.ScaleHealthStatus, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFailedToQuery, err)
	}
	defer rows.Close()

	var out []model.ScaleHealthStatus
	for rows.Next() {
		var h model.ScaleHealthStatus
		var status, issue string
		if err := rows.Scan(&h.ID, &h.ScaleID, &status, &issue, &h.DetectedAt, &h.ResolvedAt,
			&h.DurationSeconds, &h.ConsecutiveFailures, &h.LastKnownValue,
			&h.ErrorMessage, &h.IsActiveIssue, &h.UpdatedAt); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFailedToQuery, err)
		}
		h.HealthStatus = model.HealthStatus(status)
		h.IssueType = model.IssueType(issue)
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *PGStore) ActiveIssue(ctx context.Context, scaleID string) (*model.ScaleHealthStatus, error) {
	rows, err := s.queryIssues(ctx,
		`SELECT `+issueColumns+` FROM scale_health_status WHERE scale_id = $1 AND is_active_issue LIMIT 1`, scaleID)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}

func (s *PGStore) ActiveIssues(ctx context.Context, scaleID string) ([]model.ScaleHealthStatus, error) {
	if scaleID == "" {
		return s.queryIssues(ctx,
			`SELECT `+issueColumns+` FROM scale_health_status WHERE is_active_issue ORDER BY detected_at`)
	}
	return s.queryIssues(ctx,
		`SELECT `+issueColumns+` FROM scale_health_status WHERE is_active_issue AND scale_id = $1 ORDER BY detected_at`, scaleID)
}

func (s *PGStore) IssueHistory(ctx context.Context, scaleID string, limit int) ([]model.ScaleHealthStatus, error) {
	return s.queryIssues(ctx,
		`SELECT `+issueColumns+` FROM scale_health_status WHERE scale_id = $1 ORDER BY detected_at DESC LIMIT $2`,
		scaleID, clampLimit(limit))
}

const upsertIssueSQL = `
INSERT INTO scale_health_status (id, scale_id, health_status, issue_type, detected_at, resolved_at,
	duration_seconds, consecutive_failures, last_known_value, error_message, is_active_issue, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (id) DO UPDATE SET
	health_status = EXCLUDED.health_status, issue_type = EXCLUDED.issue_type,
	resolved_at = EXCLUDED.resolved_at, duration_seconds = EXCLUDED.duration_seconds,
	consecutive_failures = EXCLUDED.consecutive_failures, last_known_value = EXCLUDED.last_known_value,
	error_message = EXCLUDED.error_message, is_active_issue = EXCLUDED.is_active_issue,
	updated_at = EXCLUDED.updated_at`

func issueArgs(h *model.ScaleHealthStatus) []any {
	return []any{h.ID, h.ScaleID, string(h.HealthStatus), string(h.IssueType), h.DetectedAt, h.ResolvedAt,
		h.DurationSeconds, h.ConsecutiveFailures, h.LastKnownValue, h.ErrorMessage, h.IsActiveIssue, h.UpdatedAt}
}

func (s *PGStore) UpdateIssue(ctx context.Context, issue *model.ScaleHealthStatus) error {
	if _, err := s.pool.Exec(ctx, upsertIssueSQL, issueArgs(issue)...); err != nil {
		return fmt.Errorf("%w: issue %s: %v", ErrFailedToInsert, issue.ID, err)
	}
	return nil
}

func (s *PGStore) TransitionIssue(ctx context.Context, resolved, opened *model.ScaleHealthStatus) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// resolve first so the partial unique index accepts the new active row
		for _, h := range []*model.ScaleHealthStatus{resolved, opened} {
			if h == nil {
				continue
			}
			if _, err := tx.Exec(ctx, upsertIssueSQL, issueArgs(h)...); err != nil {
				return fmt.Errorf("%w: issue for %s: %v", ErrFailedToInsert, h.ScaleID, err)
			}
		}
		return nil
	})
}

const insertManualReadingSQL = `
INSERT INTO manual_readings (id, scale_id, shift_id, reading_type, taken_at, status,
	name1, data1, name2, data2, name3, data3, name4, data4, name5, data5, error_message)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

func (s *PGStore) SaveManualReadings(ctx context.Context, readings []model.ManualReading) error {
	batch := &pgx.Batch{}
	for _, r := range readings {
		var shiftID *int64
		if r.ShiftID != nil {
			v := int64(*r.ShiftID)
			shiftID = &v
		}
		batch.Queue(insertManualReadingSQL, r.ID, r.ScaleID, shiftID, string(r.ReadingType), r.TakenAt, r.Status,
			r.Name1, r.Data1, r.Name2, r.Data2, r.Name3, r.Data3, r.Name4, r.Data4, r.Name5, r.Data5, r.ErrorMessage)
	}
	if err := sendBatchExecAll(ctx, batch, s.pool.SendBatch, "manual readings"); err != nil {
		return fmt.Errorf("%w: %v", ErrFailedToInsert, err)
	}
	return nil
}

func (s *PGStore) ManualReadings(ctx context.Context, scaleID string, limit int) ([]model.ManualReading, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, scale_id, shift_id, reading_type, taken_at, COALESCE(status, ''),
			COALESCE(name1, ''), data1, COALESCE(name2, ''), data2, COALESCE(name3, ''), data3,
			COALESCE(name4, ''), data4, COALESCE(name5, ''), data5, COALESCE(error_message, '')
		FROM manual_readings WHERE ($1 = '' OR scale_id = $1)
		ORDER BY taken_at DESC LIMIT $2`, scaleID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFailedToQuery, err)
	}
	defer rows.Close()

	var out []model.ManualReading
	for rows.Next() {
		var r model.ManualReading
		var shiftID *int64
		var rt string
		if err := rows.Scan(&r.ID, &r.ScaleID, &shiftID, &rt, &r.TakenAt, &r.Status,
			&r.Name1, &r.Data1, &r.Name2, &r.Data2, &r.Name3, &r.Data3,
			&r.Name4, &r.Data4, &r.Name5, &r.Data5, &r.ErrorMessage); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFailedToQuery, err)
		}
		if shiftID != nil {
			v := uint(*shiftID)
			r.ShiftID = &v
		}
		r.ReadingType = model.ReadingType(rt)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PGStore) Shifts(ctx context.Context, activeOnly bool) ([]model.Shift, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, code, COALESCE(name, ''), start_time, end_time, active
		FROM shifts WHERE active OR NOT $1 ORDER BY start_time`, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFailedToQuery, err)
	}
	defer rows.Close()

	var out []model.Shift
	for rows.Next() {
		var sh model.Shift
		var id int64
		if err := rows.Scan(&id, &sh.Code, &sh.Name, &sh.StartTime, &sh.EndTime, &sh.Active); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFailedToQuery, err)
		}
		sh.ID = uint(id)
		out = append(out, sh)
	}
	return out, rows.Err()
}

func (s *PGStore) UpsertShifts(ctx context.Context, shifts []model.Shift) error {
	batch := &pgx.Batch{}
	for _, sh := range shifts {
		batch.Queue(`
			INSERT INTO shifts (code, name, start_time, end_time, active) VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (code) DO UPDATE SET name = EXCLUDED.name, start_time = EXCLUDED.start_time,
				end_time = EXCLUDED.end_time, active = EXCLUDED.active`,
			sh.Code, sh.Name, sh.StartTime, sh.EndTime, sh.Active)
	}
	return sendBatchExecAll(ctx, batch, s.pool.SendBatch, "shifts")
}

func (s *PGStore) ScaleConfigs(ctx context.Context) ([]model.ScaleConfigRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT scale_id, COALESCE(name, ''), protocol, COALESCE(connection, ''), poll_interval_ms, active, COALESCE(fields, '')
		FROM scale_configs ORDER BY scale_id`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFailedToQuery, err)
	}
	defer rows.Close()

	var out []model.ScaleConfigRecord
	for rows.Next() {
		var r model.ScaleConfigRecord
		if err := rows.Scan(&r.ScaleID, &r.Name, &r.Protocol, &r.Connection, &r.PollIntervalMs, &r.Active, &r.Fields); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFailedToQuery, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PGStore) UpsertScaleConfigs(ctx context.Context, cfgs []model.ScaleConfigRecord) error {
	batch := &pgx.Batch{}
	for _, r := range cfgs {
		batch.Queue(`
			INSERT INTO scale_configs (scale_id, name, protocol, connection, poll_interval_ms, active, fields)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (scale_id) DO UPDATE SET name = EXCLUDED.name, protocol = EXCLUDED.protocol,
				connection = EXCLUDED.connection, poll_interval_ms = EXCLUDED.poll_interval_ms,
				active = EXCLUDED.active, fields = EXCLUDED.fields`,
			r.ScaleID, r.Name, r.Protocol, r.Connection, r.PollIntervalMs, r.Active, r.Fields)
	}
	return sendBatchExecAll(ctx, batch, s.pool.SendBatch, "scale configs")
}
