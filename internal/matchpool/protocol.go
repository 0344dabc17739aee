// Package matchpool runs matching work on a dedicated worker pool so
// CPU-bound scoring stays off the orchestration path. Callers and workers
// speak a small request/response protocol correlated by an opaque id; the
// protocol is the contract, the transport is channels.
package matchpool

import (
	"github.com/mapmigrate/transfer-cli/internal/matching"
	"github.com/mapmigrate/transfer-cli/internal/model"
)

// RequestKind discriminates offload requests.
type RequestKind string

const (
	KindMatchPlaces         RequestKind = "MATCH_PLACES"
	KindCalculateSimilarity RequestKind = "CALCULATE_SIMILARITY"
	KindBatchMatch          RequestKind = "BATCH_MATCH"
)

// ResponseKind discriminates offload responses.
type ResponseKind string

const (
	KindMatchResult      ResponseKind = "MATCH_RESULT"
	KindSimilarityResult ResponseKind = "SIMILARITY_RESULT"
	KindBatchResult      ResponseKind = "BATCH_RESULT"
	KindProgress         ResponseKind = "PROGRESS"
	KindError            ResponseKind = "ERROR"
)

// MatchRequest is one place scored against its candidates.
type MatchRequest struct {
	Place      model.Place                 `json:"place"`
	Candidates []model.NormalizedCandidate `json:"candidates"`
	Options    matching.Options            `json:"options"`
}

// SimilarityRequest compares two strings.
type SimilarityRequest struct {
	A string `json:"a"`
	B string `json:"b"`
}

// Request is one unit of offloaded work. Exactly one payload field matching
// Kind must be set.
type Request struct {
	ID         string             `json:"id"`
	Kind       RequestKind        `json:"kind"`
	Match      *MatchRequest      `json:"match,omitempty"`
	Similarity *SimilarityRequest `json:"similarity,omitempty"`
	Batch      []MatchRequest     `json:"batch,omitempty"`
}

// Progress reports per-item advancement of a BATCH_MATCH.
type Progress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// Response carries one protocol message back to the submitter. ERROR
// responses carry a message only, never a partial payload.
type Response struct {
	ID         string                 `json:"id"`
	Kind       ResponseKind           `json:"kind"`
	Match      *model.MatchingResult  `json:"match,omitempty"`
	Similarity int                    `json:"similarity,omitempty"`
	Batch      []model.MatchingResult `json:"batch,omitempty"`
	Progress   *Progress              `json:"progress,omitempty"`
	Error      string                 `json:"error,omitempty"`
}
