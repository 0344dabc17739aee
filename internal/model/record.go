package model

import "time"

// VerificationStatus is the review state of one match record.
type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "pending"
	VerificationAccepted VerificationStatus = "accepted"
	VerificationRejected VerificationStatus = "rejected"
	VerificationManual   VerificationStatus = "manual"
)

// PlaceMatchRecord is the persisted outcome of matching one place within a
// session. Created exactly once per (session, original place) during batch
// processing; mutated only by the verification workflow; deleted only by
// session cascade.
type PlaceMatchRecord struct {
	ID                  string               `json:"id"`
	SessionID           string               `json:"session_id"`
	OriginalPlaceID     string               `json:"original_place_id"`
	TargetPlace         *NormalizedCandidate `json:"target_place,omitempty"`
	ConfidenceScore     int                  `json:"confidence_score"`
	ConfidenceLevel     ConfidenceLevel      `json:"confidence_level"`
	MatchFactors        []MatchFactor        `json:"match_factors,omitempty"`
	VerificationStatus  VerificationStatus   `json:"verification_status"`
	VerifiedBy          string               `json:"verified_by,omitempty"`
	VerifiedAt          *time.Time           `json:"verified_at,omitempty"`
	UserNotes           string               `json:"user_notes,omitempty"`
	ManualSearchQuery   string               `json:"manual_search_query,omitempty"`
	ManualSelectedPlace *NormalizedCandidate `json:"manual_selected_place,omitempty"`
	CreatedAt           time.Time            `json:"created_at"`
	UpdatedAt           time.Time            `json:"updated_at"`
}

// EffectiveTarget returns the candidate a transfer should use: the manually
// selected place for manual records, the matched target otherwise.
func (r PlaceMatchRecord) EffectiveTarget() *NormalizedCandidate {
	if r.VerificationStatus == VerificationManual && r.ManualSelectedPlace != nil {
		return r.ManualSelectedPlace
	}
	return r.TargetPlace
}
