package domain

import (
	"time"
)

// CallStatus is the authoritative lifecycle state of an outbound call attempt.
type CallStatus string

const (
	CallStatusQueued     CallStatus = "queued"
	CallStatusInitiating CallStatus = "initiating"
	CallStatusRinging    CallStatus = "ringing"
	CallStatusAnswered   CallStatus = "answered"
	CallStatusConnected  CallStatus = "connected"
	CallStatusEnded      CallStatus = "ended"
	CallStatusFailed     CallStatus = "failed"
	CallStatusBusy       CallStatus = "busy"
	CallStatusNoAnswer   CallStatus = "no-answer"
	CallStatusCanceled   CallStatus = "canceled"
)

// IsTerminal reports whether no further transitions are permitted from s.
func (s CallStatus) IsTerminal() bool {
	switch s {
	case CallStatusEnded, CallStatusFailed, CallStatusBusy, CallStatusNoAnswer, CallStatusCanceled:
		return true
	}
	return false
}

// NonTerminalStatuses lists every status a live call can be in. Used as the
// expected-prior-status guard for conditional updates.
func NonTerminalStatuses() []CallStatus {
	return []CallStatus{
		CallStatusQueued,
		CallStatusInitiating,
		CallStatusRinging,
		CallStatusAnswered,
		CallStatusConnected,
	}
}

// CallRecord is one outbound call attempt. The reconciler is the only writer
// after creation; everything else reads through the status endpoint.
type CallRecord struct {
	ID             string     `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	VoiceAgentID   string     `json:"voice_agent_id" gorm:"type:varchar(255);not null;index"`
	ContactID      *string    `json:"contact_id,omitempty" gorm:"type:uuid;index"`
	ContactNumber  string     `json:"contact_number" gorm:"type:varchar(32);not null"`
	CallerNumber   string     `json:"caller_number" gorm:"type:varchar(32)"`
	ExternalCallID string     `json:"external_call_id" gorm:"type:varchar(64);index"`
	VoiceSessionID string     `json:"voice_session_id,omitempty" gorm:"type:varchar(128)"`
	Status         CallStatus `json:"status" gorm:"type:varchar(16);not null;index"`
	SignedURL      string     `json:"signed_url,omitempty" gorm:"type:text"`
	FailureReason  string     `json:"failure_reason,omitempty" gorm:"type:text"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	DurationSecs   int        `json:"duration_secs" gorm:"default:0"`
	CreatedAt      time.Time  `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt      time.Time  `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName sets the table name for CallRecord
func (CallRecord) TableName() string {
	return "call_records"
}

// EventKind classifies a normalized provider callback.
type EventKind string

const (
	EventKindAccepted     EventKind = "accepted"
	EventKindRinging      EventKind = "ringing"
	EventKindAnswered     EventKind = "answered"
	EventKindStreamStatus EventKind = "stream-status"
	EventKindTerminal     EventKind = "terminal"
	// EventKindUnhandled is the passthrough for raw statuses we do not map.
	// The reconciler logs and ignores it.
	EventKindUnhandled EventKind = "unhandled"

	// Internal events, generated by the orchestration flow rather than a
	// provider callback.
	EventKindCredentialAcquired EventKind = "credential-acquired"
	EventKindCredentialFailed   EventKind = "credential-failed"
	EventKindHangupRequested    EventKind = "hangup-requested"
)

// LifecycleEvent is a transient, normalized signal derived from one provider
// callback. Consumed once by the reconciler, never persisted.
type LifecycleEvent struct {
	Kind           EventKind
	RawStatus      string
	SourceCallID   string
	TerminalStatus CallStatus // set only for Kind == EventKindTerminal
	Reason         string
	DurationSecs   int
	DisconnectedBy string
	SignedURL      string // set only for Kind == EventKindCredentialAcquired
	Timestamp      time.Time
}

// CallStatusView is the poll-endpoint payload consumed by the dashboard.
type CallStatusView struct {
	ID             string     `json:"id"`
	Status         CallStatus `json:"status"`
	SignedURL      string     `json:"signedUrl,omitempty"`
	ExternalCallID string     `json:"externalCallId,omitempty"`
	FailureReason  string     `json:"failureReason,omitempty"`
	DurationSecs   int        `json:"durationSecs,omitempty"`
}

// StatusView projects a record onto the dashboard payload. The signed URL is
// exposed only while the call is connected; correlation internals never leave
// the server.
func (c *CallRecord) StatusView() CallStatusView {
	v := CallStatusView{
		ID:             c.ID,
		Status:         c.Status,
		ExternalCallID: c.ExternalCallID,
		FailureReason:  c.FailureReason,
		DurationSecs:   c.DurationSecs,
	}
	if c.Status == CallStatusConnected {
		v.SignedURL = c.SignedURL
	}
	return v
}

// InitiateCallRequest is the dashboard request to place an outbound call.
type InitiateCallRequest struct {
	VoiceAgentID  string  `json:"agent_id" validate:"required"`
	ContactID     *string `json:"contact_id,omitempty"`
	ContactNumber string  `json:"contact_number,omitempty"`
}

// VoiceSessionReport carries the conversation id the dashboard observed on
// its live channel, so the record links back to the voice provider's session.
type VoiceSessionReport struct {
	VoiceSessionID string `json:"voiceSessionId"`
}

// InitiateCallResponse is returned once the provider accepted the call request.
type InitiateCallResponse struct {
	CallID         string     `json:"callId"`
	ExternalCallID string     `json:"externalCallId,omitempty"`
	Status         CallStatus `json:"status"`
}
