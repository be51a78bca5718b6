// Package domain defines the persistence models and lifecycle rules for
// notification requests. These types are mapped with GORM and form the core
// data layer of the notification pipeline.
package domain

import (
	"time"
)

// Status is the lifecycle state of a notification request.
//
// Transitions are strictly monotonic over the order
// queued < processing < {sent, failed}; Sent and Failed are terminal.
type Status string

// Lifecycle states for a Request.
const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
)

// allowedTransitions is the directed graph of legal state changes.
// Terminal states map to the empty set.
var allowedTransitions = map[Status][]Status{
	StatusQueued:     {StatusProcessing},
	StatusProcessing: {StatusSent, StatusFailed},
	StatusSent:       {},
	StatusFailed:     {},
}

// CanTransition reports whether moving from one status to another is legal.
// Unknown origin states allow nothing.
func CanTransition(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s is a final state (no further transitions).
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed
}

// Valid reports whether s is one of the enumerated lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusSent, StatusFailed:
		return true
	}
	return false
}

// Request represents one natural-language notification request and its
// progress through the pipeline.
//
// Fields:
//   - ID: stable UUID primary key (char(36)), assigned at creation.
//   - UserInput: original natural-language text, immutable once stored.
//   - Status: lifecycle state; mutated only through the repo's conditional
//     transition so at most one processing attempt is in flight per id.
//   - IntentTo / IntentMessage / IntentType: the normalized extraction result,
//     set only when extraction and guardrail validation both succeed.
//   - ProviderID: the provider-assigned acknowledgment id, set only on "sent".
//   - FailureReason: diagnostic detail, set only on "failed".
//   - CreatedAt / UpdatedAt: timestamps managed by GORM for lifecycle auditing.
type Request struct {
	ID            string    `json:"id"             gorm:"type:char(36);primaryKey"`
	UserInput     string    `json:"user_input"     gorm:"type:text;not null"`
	Status        Status    `json:"status"         gorm:"type:varchar(16);not null;index;check:status IN ('queued','processing','sent','failed')"`
	IntentTo      string    `json:"intent_to,omitempty"      gorm:"type:varchar(255)"`
	IntentMessage string    `json:"intent_message,omitempty" gorm:"type:text"`
	IntentType    string    `json:"intent_type,omitempty"    gorm:"type:varchar(8)"`
	ProviderID    string    `json:"provider_id,omitempty"    gorm:"type:varchar(64)"`
	FailureReason string    `json:"failure_reason,omitempty" gorm:"type:text"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// TableName returns the database table name for Request.
func (Request) TableName() string { return "requests" }

// Intent is the fully validated structured extraction result.
//
// An Intent either has all three fields present and well-typed or it does not
// exist at all; the guardrail normalizer is its sole producer. Type is always
// stored lowercase ("email" or "sms").
type Intent struct {
	To      string `json:"to"`
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Notification channel types accepted by the provider.
const (
	IntentTypeEmail = "email"
	IntentTypeSMS   = "sms"
)

// Intent returns the request's extracted intent, or nil when extraction has
// not (yet) produced one.
func (r *Request) Intent() *Intent {
	if r.IntentTo == "" || r.IntentMessage == "" || r.IntentType == "" {
		return nil
	}
	return &Intent{To: r.IntentTo, Message: r.IntentMessage, Type: r.IntentType}
}
