package model

import "time"

// Tier is a resolved subscription tier. Tier resolution itself is external;
// the engine only consumes the result.
type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
)

// SessionStatus represents the current state of a transfer session.
type SessionStatus string

const (
	SessionPending    SessionStatus = "pending"
	SessionProcessing SessionStatus = "processing"
	SessionVerifying  SessionStatus = "verifying"
	SessionPaused     SessionStatus = "paused"
	SessionCompleted  SessionStatus = "completed"
	SessionFailed     SessionStatus = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

// TargetService identifies the map provider transfers are aimed at.
type TargetService string

const (
	TargetGoogleMaps TargetService = "google"
	TargetAppleMaps  TargetService = "apple"
)

// TransferPackSession tracks one batch run end to end: matching progress,
// verification, execution. Terminal once completed or failed.
type TransferPackSession struct {
	ID               string        `json:"id"`
	PackID           string        `json:"pack_id"`
	UserID           string        `json:"user_id"`
	Tier             Tier          `json:"tier"`
	Status           SessionStatus `json:"status"`
	TotalPlaces      int           `json:"total_places"`
	ProcessedPlaces  int           `json:"processed_places"`
	VerifiedPlaces   int           `json:"verified_places"`
	CompletedPlaces  int           `json:"completed_places"`
	APICallsUsed     int           `json:"api_calls_used"`
	ProcessingTimeMs int64         `json:"processing_time_ms"`
	ErrorCount       int           `json:"error_count"`
	LastError        string        `json:"last_error,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// SessionProgress is the pull-based stats view for one session: the
// persisted counters joined with current record status counts. Rebuilt on
// every query so it never goes stale across a pause/resume boundary.
type SessionProgress struct {
	SessionID        string        `json:"session_id"`
	Status           SessionStatus `json:"status"`
	TotalPlaces      int           `json:"total_places"`
	ProcessedPlaces  int           `json:"processed_places"`
	VerifiedPlaces   int           `json:"verified_places"`
	CompletedPlaces  int           `json:"completed_places"`
	APICallsUsed     int           `json:"api_calls_used"`
	ProcessingTimeMs int64         `json:"processing_time_ms"`
	ErrorCount       int           `json:"error_count"`
	PendingRecords   int           `json:"pending_records"`
	AcceptedRecords  int           `json:"accepted_records"`
	RejectedRecords  int           `json:"rejected_records"`
	ManualRecords    int           `json:"manual_records"`
	TotalRecords     int           `json:"total_records"`
}
