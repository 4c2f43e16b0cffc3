package model

import "time"

// ScaleCurrentState stores the latest measurement of each scale, overwritten in place.
// Table: scale_current_state
type ScaleCurrentState struct {
	ScaleID    string    `gorm:"column:scale_id;primaryKey"`
	LastTime   time.Time `gorm:"column:last_time;index"`
	Status     string    `gorm:"column:status"`
	Name1      string    `gorm:"column:name1"`
	Data1      *string   `gorm:"column:data1"`
	Name2      string    `gorm:"column:name2"`
	Data2      *string   `gorm:"column:data2"`
	Name3      string    `gorm:"column:name3"`
	Data3      *string   `gorm:"column:data3"`
	Name4      string    `gorm:"column:name4"`
	Data4      *string   `gorm:"column:data4"`
	Name5      string    `gorm:"column:name5"`
	Data5      *string   `gorm:"column:data5"`
	ReadErrors int       `gorm:"column:read_errors"`
	UpdatedAt  time.Time `gorm:"column:updated_at"`
}

func (ScaleCurrentState) TableName() string { return "scale_current_state" }

// NewCurrentState converts an event into the current-state row for its scale.
func NewCurrentState(ev MeasurementEvent, now time.Time) ScaleCurrentState {
	r := NewMeasurementRecord(ev)
	return ScaleCurrentState{
		ScaleID:    r.ScaleID,
		LastTime:   r.LastTime,
		Status:     r.Status,
		Name1:      r.Name1,
		Data1:      r.Data1,
		Name2:      r.Name2,
		Data2:      r.Data2,
		Name3:      r.Name3,
		Data3:      r.Data3,
		Name4:      r.Name4,
		Data4:      r.Data4,
		Name5:      r.Name5,
		Data5:      r.Data5,
		ReadErrors: r.ReadErrors,
		UpdatedAt:  now,
	}
}

// Event rebuilds the last known measurement event.
func (s ScaleCurrentState) Event() MeasurementEvent {
	ev := MeasurementEvent{
		ScaleID:    s.ScaleID,
		LastTime:   s.LastTime,
		Status:     s.Status,
		ReadErrors: s.ReadErrors,
	}
	fillFields(&ev,
		[MaxDataFields]string{s.Name1, s.Name2, s.Name3, s.Name4, s.Name5},
		[MaxDataFields]*string{s.Data1, s.Data2, s.Data3, s.Data4, s.Data5})
	return ev
}

// PrimaryValue is the first populated data field, the one health checks look at.
func (s ScaleCurrentState) PrimaryValue() (string, bool) {
	for _, v := range []*string{s.Data1, s.Data2, s.Data3, s.Data4, s.Data5} {
		if v != nil {
			return *v, true
		}
	}
	return "", false
}
