package audit

import (
	"time"

	"github.com/google/uuid"
)

// Level classifies how urgently an event must reach the sink.
type Level string

// Event levels. Critical and error events are flushed synchronously before
// the triggering call returns; info and warning events may be batched.
const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelError    Level = "error"
	LevelCritical Level = "critical"
)

// Event types and subtypes emitted by this service.
const (
	TypeAuthz    = "authz"
	TypeAdmin    = "admin"
	TypeAuth     = "auth"
	TypeSecurity = "security"

	SubtypeDecision       = "decision"
	SubtypeGrantValidated = "grant_validated"
	SubtypeRoleAssigned   = "role_assigned"
	SubtypeRoleRevoked    = "role_revoked"
	SubtypeRoleCreated    = "role_created"
	SubtypePermAttached   = "permission_attached"
	SubtypePermDetached   = "permission_detached"
	SubtypeElevated       = "elevated"
	SubtypeLogin          = "login"
	SubtypeLoginFailed    = "login_failed"
	SubtypeAlert          = "alert"
)

// Outcomes recorded on events.
const (
	OutcomeGranted = "granted"
	OutcomeDenied  = "denied"
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeError   = "error"
)

// Event is the immutable record handed to the audit sink. The field set
// and JSON names are fixed by the sink contract.
type Event struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	Type         string         `json:"type"`
	Subtype      string         `json:"subtype"`
	Level        Level          `json:"level"`
	UserID       int64          `json:"userId,omitempty"`
	SessionID    string         `json:"sessionId,omitempty"`
	TenantID     int64          `json:"tenantId,omitempty"`
	ResourceType string         `json:"resourceType,omitempty"`
	ResourceID   string         `json:"resourceId,omitempty"`
	Action       string         `json:"action,omitempty"`
	Outcome      string         `json:"outcome"`
	Metadata     map[string]any `json:"metadata"`
}

// stamp fills the identity fields an event must carry before delivery.
func (e *Event) stamp(traceID string) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Level == "" {
		e.Level = LevelInfo
	}
	if e.Metadata == nil {
		e.Metadata = make(map[string]any)
	}
	if traceID != "" {
		e.Metadata["trace_id"] = traceID
	}
}
