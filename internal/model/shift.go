package model

import "time"

// Shift is a work shift owned by administration. Times are "HH:MM" or "HH:MM:SS" local time.
// Table: shifts
type Shift struct {
	ID        uint   `gorm:"column:id;primaryKey" yaml:"id" json:"id"`
	Code      string `gorm:"column:code;uniqueIndex" yaml:"code" json:"code"`
	Name      string `gorm:"column:name" yaml:"name" json:"name"`
	StartTime string `gorm:"column:start_time" yaml:"start_time" json:"start_time"`
	EndTime   string `gorm:"column:end_time" yaml:"end_time" json:"end_time"`
	Active    bool   `gorm:"column:active" yaml:"active" json:"active"`
}

func (Shift) TableName() string { return "shifts" }

// ReadingType tags a manual reading with what triggered it.
type ReadingType string

const (
	ReadingShiftStart ReadingType = "SHIFT_START"
	ReadingShiftEnd   ReadingType = "SHIFT_END"
	ReadingManual     ReadingType = "MANUAL"
)

// ManualReading is a snapshot taken outside the continuous stream.
// Table: manual_readings
type ManualReading struct {
	ID           string      `gorm:"column:id;primaryKey" json:"id"`
	ScaleID      string      `gorm:"column:scale_id;index" json:"scale_id"`
	ShiftID      *uint       `gorm:"column:shift_id;index" json:"shift_id,omitempty"`
	ReadingType  ReadingType `gorm:"column:reading_type;type:varchar(16)" json:"reading_type"`
	TakenAt      time.Time   `gorm:"column:taken_at;index" json:"taken_at"`
	Status       string      `gorm:"column:status" json:"status"`
	Name1        string      `gorm:"column:name1" json:"name1,omitempty"`
	Data1        *string     `gorm:"column:data1" json:"data1,omitempty"`
	Name2        string      `gorm:"column:name2" json:"name2,omitempty"`
	Data2        *string     `gorm:"column:data2" json:"data2,omitempty"`
	Name3        string      `gorm:"column:name3" json:"name3,omitempty"`
	Data3        *string     `gorm:"column:data3" json:"data3,omitempty"`
	Name4        string      `gorm:"column:name4" json:"name4,omitempty"`
	Data4        *string     `gorm:"column:data4" json:"data4,omitempty"`
	Name5        string      `gorm:"column:name5" json:"name5,omitempty"`
	Data5        *string     `gorm:"column:data5" json:"data5,omitempty"`
	ErrorMessage string      `gorm:"column:error_message" json:"error_message,omitempty"`
}

func (ManualReading) TableName() string { return "manual_readings" }

// NewManualReading copies the fields of ev into a reading row.
func NewManualReading(id string, ev MeasurementEvent, rt ReadingType, shiftID *uint, takenAt time.Time) ManualReading {
	r := NewMeasurementRecord(ev)
	return ManualReading{
		ID:          id,
		ScaleID:     ev.ScaleID,
		ShiftID:     shiftID,
		ReadingType: rt,
		TakenAt:     takenAt,
		Status:      ev.Status,
		Name1:       r.Name1,
		Data1:       r.Data1,
		Name2:       r.Name2,
		Data2:       r.Data2,
		Name3:       r.Name3,
		Data3:       r.Data3,
		Name4:       r.Name4,
		Data4:       r.Data4,
		Name5:       r.Name5,
		Data5:       r.Data5,
	}
}

// ScaleConfigRecord is the administration-owned scale configuration row.
// Connection and Fields hold JSON documents.
// Table: scale_configs
type ScaleConfigRecord struct {
	ScaleID        string `gorm:"column:scale_id;primaryKey"`
	Name           string `gorm:"column:name"`
	Protocol       string `gorm:"column:protocol"`
	Connection     string `gorm:"column:connection"`
	PollIntervalMs int    `gorm:"column:poll_interval_ms"`
	Active         bool   `gorm:"column:active"`
	Fields         string `gorm:"column:fields"`
}

func (ScaleConfigRecord) TableName() string { return "scale_configs" }
