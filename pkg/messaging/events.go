package messaging

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types
const (
	EventTypeReadingAccepted = "reading.accepted"
	EventTypeReadingFlagged  = "reading.flagged"
	EventTypeReadingVerified = "reading.verified"
	EventTypeReadingRejected = "reading.rejected"

	EventTypeSessionStarted  = "session.started"
	EventTypeSessionVote     = "session.vote"
	EventTypeSessionResolved = "session.resolved"
	EventTypeSessionExpired  = "session.expired"

	EventTypeValidatorAdded   = "validator.added"
	EventTypeValidatorRemoved = "validator.removed"
	EventTypeValidatorWeight  = "validator.weight_changed"
)

// Event is the base event structure
type Event struct {
	ID        uuid.UUID       `json:"id"`
	Type      string          `json:"type"`
	DeviceID  string          `json:"device_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	Metadata  EventMetadata   `json:"metadata"`
}

// EventMetadata contains event metadata
type EventMetadata struct {
	CorrelationID string `json:"correlation_id"`
	CausationID   string `json:"causation_id"`
	Source        string `json:"source"`
}

// ReadingEvent contains accepted-reading data
type ReadingEvent struct {
	DeviceID        string    `json:"device_id"`
	Sequence        uint64    `json:"sequence"`
	Timestamp       time.Time `json:"timestamp"`
	Value           int64     `json:"value"`
	SuspiciousScore int       `json:"suspicious_score"`
	SubmittedBy     string    `json:"submitted_by"`
}

// FlaggedEvent is emitted when a reading crosses the high-severity threshold
type FlaggedEvent struct {
	DeviceID        string    `json:"device_id"`
	Sequence        uint64    `json:"sequence"`
	SuspiciousScore int       `json:"suspicious_score"`
	Reasons         []string  `json:"reasons"`
	FlaggedAt       time.Time `json:"flagged_at"`
}

// SessionEvent contains consensus session lifecycle data
type SessionEvent struct {
	DeviceID       string    `json:"device_id"`
	Sequence       uint64    `json:"sequence"`
	StartedBy      string    `json:"started_by,omitempty"`
	WeightSnapshot int64     `json:"weight_snapshot"`
	RequiredWeight int64     `json:"required_weight"`
	Deadline       time.Time `json:"deadline"`
}

// VoteEvent contains a single consensus vote
type VoteEvent struct {
	DeviceID  string    `json:"device_id"`
	Sequence  uint64    `json:"sequence"`
	Voter     string    `json:"voter"`
	Choice    bool      `json:"choice"`
	Weight    int64     `json:"weight"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// VerdictEvent contains the outcome of a resolved session
type VerdictEvent struct {
	DeviceID   string    `json:"device_id"`
	Sequence   uint64    `json:"sequence"`
	Outcome    bool      `json:"outcome"`
	YesWeight  int64     `json:"yes_weight"`
	NoWeight   int64     `json:"no_weight"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// ValidatorEvent contains roster change data
type ValidatorEvent struct {
	ValidatorID string `json:"validator_id"`
	Weight      int64  `json:"weight,omitempty"`
	TotalWeight int64  `json:"total_weight"`
	Reason      string `json:"reason,omitempty"`
}
