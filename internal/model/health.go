package model

import "time"

// HealthStatus is the evaluated condition of a scale.
type HealthStatus string

const (
	HealthHealthy        HealthStatus = "HEALTHY"
	HealthStopped        HealthStatus = "STOPPED"
	HealthNoData         HealthStatus = "NO_DATA"
	HealthConnectionLost HealthStatus = "CONNECTION_LOST"
	HealthReadError      HealthStatus = "READ_ERROR"
	HealthDegraded       HealthStatus = "DEGRADED"
)

// Valid reports whether s is one of the declared statuses.
func (s HealthStatus) Valid() bool {
	switch s {
	case HealthHealthy, HealthStopped, HealthNoData, HealthConnectionLost, HealthReadError, HealthDegraded:
		return true
	}
	return false
}

// IssueType classifies the cause of an unhealthy status.
type IssueType string

const (
	IssueNone           IssueType = "NONE"
	IssueZeroValue      IssueType = "ZERO_VALUE"
	IssueStaleData      IssueType = "STALE_DATA"
	IssueConnectionLost IssueType = "CONNECTION_LOST"
	IssueReadError      IssueType = "READ_ERROR"
	IssueDegraded       IssueType = "DEGRADED"
)

// IssueFor maps a status to the issue recorded for it.
func IssueFor(s HealthStatus) IssueType {
	switch s {
	case HealthStopped:
		return IssueZeroValue
	case HealthNoData:
		return IssueStaleData
	case HealthConnectionLost:
		return IssueConnectionLost
	case HealthReadError:
		return IssueReadError
	case HealthDegraded:
		return IssueDegraded
	case HealthHealthy:
		return IssueNone
	}
	return IssueNone
}

// ScaleHealthStatus is one detected issue of a scale.
// An open issue has IsActiveIssue=true and ResolvedAt=nil; at most one is open per scale.
// Table: scale_health_status
type ScaleHealthStatus struct {
	ID                  string       `gorm:"column:id;primaryKey" json:"id"`
	ScaleID             string       `gorm:"column:scale_id;index;not null" json:"scale_id"`
	HealthStatus        HealthStatus `gorm:"column:health_status;type:varchar(32)" json:"health_status"`
	IssueType           IssueType    `gorm:"column:issue_type;type:varchar(32)" json:"issue_type"`
	DetectedAt          time.Time    `gorm:"column:detected_at" json:"detected_at"`
	ResolvedAt          *time.Time   `gorm:"column:resolved_at" json:"resolved_at,omitempty"`
	DurationSeconds     int64        `gorm:"column:duration_seconds" json:"duration_seconds"`
	ConsecutiveFailures int          `gorm:"column:consecutive_failures" json:"consecutive_failures"`
	LastKnownValue      string       `gorm:"column:last_known_value" json:"last_known_value,omitempty"`
	ErrorMessage        string       `gorm:"column:error_message" json:"error_message,omitempty"`
	IsActiveIssue       bool         `gorm:"column:is_active_issue;index" json:"is_active_issue"`
	UpdatedAt           time.Time    `gorm:"column:updated_at" json:"updated_at"`
}

func (ScaleHealthStatus) TableName() string { return "scale_health_status" }

// Resolve closes the issue at t.
func (h *ScaleHealthStatus) Resolve(t time.Time) {
	h.ResolvedAt = &t
	h.DurationSeconds = int64(t.Sub(h.DetectedAt) / time.Second)
	h.IsActiveIssue = false
	h.UpdatedAt = t
}

// HealthTransition is published whenever a scale changes health status.
type HealthTransition struct {
	ScaleID   string       `json:"scale_id"`
	From      HealthStatus `json:"from"`
	To        HealthStatus `json:"to"`
	IssueType IssueType    `json:"issue_type"`
	Message   string       `json:"message,omitempty"`
	At        time.Time    `json:"at"`
}
