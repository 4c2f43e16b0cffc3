package model

import "time"

// MaxDataFields is the number of data fields a scale may declare.
const MaxDataFields = 5

// Event status tags. Devices may also report their own status code.
const (
	StatusOK    = "OK"
	StatusError = "ERROR"
)

// DataField is one decoded value, always carried in string form.
type DataField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// MeasurementEvent is the result of one poll cycle of one scale.
// LastTime is taken at the device boundary, not at ingestion.
type MeasurementEvent struct {
	ScaleID  string     `json:"scale_id"`
	LastTime time.Time  `json:"last_time"`
	Status   string     `json:"status"`
	Data1    *DataField `json:"data1,omitempty"`
	Data2    *DataField `json:"data2,omitempty"`
	Data3    *DataField `json:"data3,omitempty"`
	Data4    *DataField `json:"data4,omitempty"`
	Data5    *DataField `json:"data5,omitempty"`

	// ReadErrors counts fields that failed to read or decode in this cycle.
	ReadErrors int `json:"read_errors,omitempty"`
}

// Fields returns the five field slots in declaration order; absent slots are nil.
func (e *MeasurementEvent) Fields() [MaxDataFields]*DataField {
	return [MaxDataFields]*DataField{e.Data1, e.Data2, e.Data3, e.Data4, e.Data5}
}

// SetField stores f in slot i (0-based). Out of range indexes are ignored.
func (e *MeasurementEvent) SetField(i int, f *DataField) {
	switch i {
	case 0:
		e.Data1 = f
	case 1:
		e.Data2 = f
	case 2:
		e.Data3 = f
	case 3:
		e.Data4 = f
	case 4:
		e.Data5 = f
	}
}

// DecodedFields reports how many slots carry a value.
func (e *MeasurementEvent) DecodedFields() int {
	n := 0
	for _, f := range e.Fields() {
		if f != nil {
			n++
		}
	}
	return n
}

// Healthy is true for a fully successful cycle.
func (e *MeasurementEvent) Healthy() bool {
	return e.Status == StatusOK && e.ReadErrors == 0
}

// MeasurementRecord is one row of measurement history.
// Table: measurements. (scale_id, last_time) is unique so a redelivered batch is a no-op.
type MeasurementRecord struct {
	ID         uint      `gorm:"column:id;primaryKey;autoIncrement"`
	ScaleID    string    `gorm:"column:scale_id;uniqueIndex:idx_measurements_scale_time;not null"`
	LastTime   time.Time `gorm:"column:last_time;uniqueIndex:idx_measurements_scale_time;not null"`
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
	ReceivedAt time.Time `gorm:"column:received_at;autoCreateTime"`
}

func (MeasurementRecord) TableName() string { return "measurements" }

// NewMeasurementRecord flattens an event into a history row.
func NewMeasurementRecord(ev MeasurementEvent) MeasurementRecord {
	r := MeasurementRecord{
		ScaleID:    ev.ScaleID,
		LastTime:   ev.LastTime,
		Status:     ev.Status,
		ReadErrors: ev.ReadErrors,
	}
	names := [MaxDataFields]*string{&r.Name1, &r.Name2, &r.Name3, &r.Name4, &r.Name5}
	values := [MaxDataFields]**string{&r.Data1, &r.Data2, &r.Data3, &r.Data4, &r.Data5}
	for i, f := range ev.Fields() {
		if f == nil {
			continue
		}
		v := f.Value
		*names[i] = f.Name
		*values[i] = &v
	}
	return r
}

// Event rebuilds the measurement event stored in the row.
func (r MeasurementRecord) Event() MeasurementEvent {
	ev := MeasurementEvent{
		ScaleID:    r.ScaleID,
		LastTime:   r.LastTime,
		Status:     r.Status,
		ReadErrors: r.ReadErrors,
	}
	fillFields(&ev,
		[MaxDataFields]string{r.Name1, r.Name2, r.Name3, r.Name4, r.Name5},
		[MaxDataFields]*string{r.Data1, r.Data2, r.Data3, r.Data4, r.Data5})
	return ev
}

func fillFields(ev *MeasurementEvent, names [MaxDataFields]string, values [MaxDataFields]*string) {
	for i := range values {
		if values[i] == nil {
			continue
		}
		ev.SetField(i, &DataField{Name: names[i], Value: *values[i]})
	}
}
