package db

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	_ "modernc.org/sqlite" // pure-Go driver registered as "sqlite"

	"scale-ingest/internal/logger"
	"scale-ingest/internal/model"
)

// DB is the SQLite store, accessed through GORM.
type DB struct {
	ORM *gorm.DB
}

var _ Store = (*DB)(nil)

// openORM opens a GORM SQLite connection on the pure-Go driver.
func openORM(path string, log zerolog.Logger) (*gorm.DB, error) {
	dsn := path
	if !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	}
	g, err := gorm.Open(sqlite.New(sqlite.Config{DriverName: "sqlite", DSN: dsn}), &gorm.Config{
		Logger: newGormLogger(log),
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := g.DB()
	if err != nil {
		return nil, err
	}
	// one writer; SQLite serializes anyway and this avoids SQLITE_BUSY under load
	sqlDB.SetMaxOpenConns(1)
	return g, nil
}

// migrateORM ensures the schema for all models exists.
func migrateORM(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&model.MeasurementRecord{},
		&model.ScaleCurrentState{},
		&model.ScaleHealthStatus{},
		&model.Shift{},
		&model.ManualReading{},
		&model.ScaleConfigRecord{},
	); err != nil {
		return err
	}
	// at most one open issue per scale
	return db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_health_one_active
		ON scale_health_status(scale_id) WHERE is_active_issue`).Error
}

// closeORM closes the underlying SQL DB associated with the GORM connection.
func closeORM(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// OpenSQLite opens (creating if needed) the database file and runs migrations.
func OpenSQLite(path string) (*DB, error) {
	if path == "" {
		path = "data/scales.db"
	}
	if dir := filepath.Dir(path); dir != "." && !strings.HasPrefix(path, "file:") && path != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: mkdir %s: %v", ErrFailedOpenDB, dir, err)
		}
	}
	g, err := openORM(path, logger.WithComponent("sqlite"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFailedOpenDB, err)
	}
	if err := migrateORM(g); err != nil {
		_ = closeORM(g)
		return nil, fmt.Errorf("%w: %v", ErrFailedToInit, err)
	}
	return &DB{ORM: g}, nil
}

func (d *DB) Close() error { return closeORM(d.ORM) }

func (d *DB) Ping(ctx context.Context) error {
	sqlDB, err := d.ORM.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (d *DB) InsertMeasurements(ctx context.Context, events []model.MeasurementEvent) error {
	if len(events) == 0 {
		return nil
	}
	rows := make([]model.MeasurementRecord, 0, len(events))
	for _, ev := range events {
		rows = append(rows, model.NewMeasurementRecord(ev))
	}
	err := d.ORM.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(rows, 200).Error
	if err != nil {
		return fmt.Errorf("%w: measurements: %v", ErrFailedToInsert, err)
	}
	return nil
}

func (d *DB) UpsertCurrentState(ctx context.Context, ev model.MeasurementEvent) error {
	row := model.NewCurrentState(ev, ev.LastTime)
	row.UpdatedAt = nowUTC()
	err := d.ORM.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "scale_id"}},
		UpdateAll: true,
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "excluded.last_time >= scale_current_state.last_time"},
		}},
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("%w: current state %s: %v", ErrFailedToInsert, ev.ScaleID, err)
	}
	return nil
}

func (d *DB) CurrentState(ctx context.Context, scaleID string) (model.ScaleCurrentState, error) {
	var row model.ScaleCurrentState
	err := d.ORM.WithContext(ctx).Where("scale_id = ?", scaleID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return row, fmt.Errorf("%w: current state %s", ErrNotFound, scaleID)
	}
	return row, err
}

func (d *DB) CurrentStates(ctx context.Context) ([]model.ScaleCurrentState, error) {
	var rows []model.ScaleCurrentState
	if err := d.ORM.WithContext(ctx).Order("scale_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFailedToQuery, err)
	}
	return rows, nil
}

// History returns the latest measurements of a scale, newest first.
func (d *DB) History(ctx context.Context, scaleID string, limit int) ([]model.MeasurementRecord, error) {
	var rows []model.MeasurementRecord
	err := d.ORM.WithContext(ctx).
		Where("scale_id = ?", scaleID).
		Order("last_time DESC").
		Limit(clampLimit(limit)).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFailedToQuery, err)
	}
	return rows, nil
}

func (d *DB) ActiveIssue(ctx context.Context, scaleID string) (*model.ScaleHealthStatus, error) {
	var rows []model.ScaleHealthStatus
	err := d.ORM.WithContext(ctx).
		Where("scale_id = ? AND is_active_issue = ?", scaleID, true).
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFailedToQuery, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (d *DB) ActiveIssues(ctx context.Context, scaleID string) ([]model.ScaleHealthStatus, error) {
	q := d.ORM.WithContext(ctx).Where("is_active_issue = ?", true)
	if scaleID != "" {
		q = q.Where("scale_id = ?", scaleID)
	}
	var rows []model.ScaleHealthStatus
	if err := q.Order("detected_at").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFailedToQuery, err)
	}
	return rows, nil
}

func (d *DB) IssueHistory(ctx context.Context, scaleID string, limit int) ([]model.ScaleHealthStatus, error) {
	var rows []model.ScaleHealthStatus
	err := d.ORM.WithContext(ctx).
		Where("scale_id = ?", scaleID).
		Order("detected_at DESC").
		Limit(clampLimit(limit)).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFailedToQuery, err)
	}
	return rows, nil
}

func (d *DB) UpdateIssue(ctx context.Context, issue *model.ScaleHealthStatus) error {
	return d.ORM.WithContext(ctx).Save(issue).Error
}

func (d *DB) TransitionIssue(ctx context.Context, resolved, opened *model.ScaleHealthStatus) error {
	return d.ORM.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if resolved != nil {
			if err := tx.Save(resolved).Error; err != nil {
				return fmt.Errorf("resolve issue %s: %w", resolved.ID, err)
			}
		}
		if opened != nil {
			if err := tx.Create(opened).Error; err != nil {
				return fmt.Errorf("%w: issue for %s: %v", ErrFailedToInsert, opened.ScaleID, err)
			}
		}
		return nil
	})
}

func (d *DB) SaveManualReadings(ctx context.Context, readings []model.ManualReading) error {
	if len(readings) == 0 {
		return nil
	}
	if err := d.ORM.WithContext(ctx).Create(&readings).Error; err != nil {
		return fmt.Errorf("%w: manual readings: %v", ErrFailedToInsert, err)
	}
	return nil
}

func (d *DB) ManualReadings(ctx context.Context, scaleID string, limit int) ([]model.ManualReading, error) {
	q := d.ORM.WithContext(ctx)
	if scaleID != "" {
		q = q.Where("scale_id = ?", scaleID)
	}
	var rows []model.ManualReading
	if err := q.Order("taken_at DESC").Limit(clampLimit(limit)).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFailedToQuery, err)
	}
	return rows, nil
}

func (d *DB) Shifts(ctx context.Context, activeOnly bool) ([]model.Shift, error) {
	q := d.ORM.WithContext(ctx)
	if activeOnly {
		q = q.Where("active = ?", true)
	}
	var rows []model.Shift
	if err := q.Order("start_time").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFailedToQuery, err)
	}
	return rows, nil
}

func (d *DB) UpsertShifts(ctx context.Context, shifts []model.Shift) error {
	if len(shifts) == 0 {
		return nil
	}
	return d.ORM.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "code"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "start_time", "end_time", "active"}),
	}).Create(&shifts).Error
}

func (d *DB) ScaleConfigs(ctx context.Context) ([]model.ScaleConfigRecord, error) {
	var rows []model.ScaleConfigRecord
	if err := d.ORM.WithContext(ctx).Order("scale_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFailedToQuery, err)
	}
	return rows, nil
}

func (d *DB) UpsertScaleConfigs(ctx context.Context, cfgs []model.ScaleConfigRecord) error {
	if len(cfgs) == 0 {
		return nil
	}
	return d.ORM.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "scale_id"}},
		UpdateAll: true,
	}).Create(&cfgs).Error
}
