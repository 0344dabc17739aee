package model

// FactorType identifies one scoring dimension of a match.
type FactorType string

const (
	FactorName     FactorType = "name"
	FactorAddress  FactorType = "address"
	FactorDistance FactorType = "distance"
	FactorCategory FactorType = "category"
)

// MatchFactor is one scored dimension of a candidate comparison. Never
// persisted on its own; embedded in a match.
type MatchFactor struct {
	Type          FactorType `json:"type"`
	Score         int        `json:"score"`
	Weight        int        `json:"weight"`
	WeightedScore float64    `json:"weighted_score"`
	Explanation   string     `json:"explanation,omitempty"`
}

// ConfidenceLevel buckets a 0-100 confidence score.
type ConfidenceLevel string

const (
	ConfidenceHigh   ConfidenceLevel = "high"
	ConfidenceMedium ConfidenceLevel = "medium"
	ConfidenceLow    ConfidenceLevel = "low"
)

// ConfidenceLevelFor maps a confidence score to its band:
// high >= 90, medium 70-89, low below 70.
func ConfidenceLevelFor(score int) ConfidenceLevel {
	switch {
	case score >= 90:
		return ConfidenceHigh
	case score >= 70:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// PlaceMatch pairs an original place with one scored candidate. Ephemeral
// output of the matching engine; the chosen one is persisted as a
// PlaceMatchRecord.
type PlaceMatch struct {
	Place           Place               `json:"place"`
	Candidate       NormalizedCandidate `json:"candidate"`
	ConfidenceScore int                 `json:"confidence_score"`
	ConfidenceLevel ConfidenceLevel     `json:"confidence_level"`
	Factors         []MatchFactor       `json:"factors"`
	Rank            int                 `json:"rank"`
}

// MatchingResult is the full outcome of matching one place against a
// candidate list. BestMatch is nil when no candidate clears the
// minimum-confidence threshold.
type MatchingResult struct {
	Matches           []PlaceMatch `json:"matches"`
	BestMatch         *PlaceMatch  `json:"best_match,omitempty"`
	AverageConfidence int          `json:"average_confidence"`
}
