package matching

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/mapmigrate/transfer-cli/internal/model"
)

// strictNameFloor is the minimum name-factor score a candidate must reach
// under strict mode before its weighted total is considered at all.
const strictNameFloor = 40

// Weights control the relative contribution of each factor to the
// confidence score. Each weighted contribution is score*weight/100.
type Weights struct {
	Name     int `json:"name" yaml:"name"`
	Address  int `json:"address" yaml:"address"`
	Distance int `json:"distance" yaml:"distance"`
	Category int `json:"category" yaml:"category"`
}

// Options tune a single matching call. The zero value means defaults.
type Options struct {
	Weights            Weights `json:"weights" yaml:"weights"`
	MaxDistanceMeters  float64 `json:"max_distance_meters" yaml:"max_distance_meters"`
	MinConfidenceScore int     `json:"min_confidence_score" yaml:"min_confidence_score"`
	StrictMode         bool    `json:"strict_mode" yaml:"strict_mode"`
}

// DefaultOptions returns the standard profile: name 40, address 30,
// distance 20, category 10; 1000 m distance falloff; minimum confidence 30.
func DefaultOptions() Options {
	return Options{
		Weights:            Weights{Name: 40, Address: 30, Distance: 20, Category: 10},
		MaxDistanceMeters:  1000,
		MinConfidenceScore: 30,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Weights == (Weights{}) {
		o.Weights = def.Weights
	}
	if o.MaxDistanceMeters <= 0 {
		o.MaxDistanceMeters = def.MaxDistanceMeters
	}
	if o.MinConfidenceScore <= 0 {
		o.MinConfidenceScore = def.MinConfidenceScore
	}
	return o
}

// Validate rejects unusable option profiles.
func (o Options) Validate() error {
	w := o.Weights
	if w.Name < 0 || w.Address < 0 || w.Distance < 0 || w.Category < 0 {
		return eris.New("matching: factor weights must be non-negative")
	}
	if w.Name+w.Address+w.Distance+w.Category == 0 {
		return eris.New("matching: at least one factor weight must be positive")
	}
	if o.MaxDistanceMeters <= 0 {
		return eris.New("matching: max distance must be positive")
	}
	if o.MinConfidenceScore < 0 || o.MinConfidenceScore > 100 {
		return eris.New("matching: min confidence score must be within 0-100")
	}
	return nil
}

// Match scores every candidate against the original place and returns the
// survivors ranked by confidence. Pure and deterministic for identical
// inputs; malformed candidate data drops the affected factor instead of
// failing the call.
func Match(original model.Place, candidates []model.NormalizedCandidate, opts Options) model.MatchingResult {
	opts = opts.withDefaults()

	matches := make([]model.PlaceMatch, 0, len(candidates))
	for _, cand := range candidates {
		if m, ok := scoreCandidate(original, cand, opts); ok {
			matches = append(matches, m)
		}
	}

	// Stable so equal scores keep candidate input order.
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].ConfidenceScore > matches[j].ConfidenceScore
	})
	for i := range matches {
		matches[i].Rank = i + 1
	}

	result := model.MatchingResult{Matches: matches}
	if len(matches) > 0 {
		best := matches[0]
		result.BestMatch = &best
		sum := 0
		for _, m := range matches {
			sum += m.ConfidenceScore
		}
		result.AverageConfidence = int(math.Round(float64(sum) / float64(len(matches))))
	}
	return result
}

// scoreCandidate computes the per-factor breakdown for one candidate.
// The second return is false when the candidate does not survive the
// confidence threshold or the strict-mode name gate.
func scoreCandidate(original model.Place, cand model.NormalizedCandidate, opts Options) (model.PlaceMatch, bool) {
	var factors []model.MatchFactor

	nameScore := StringSimilarity(original.Name, cand.Name)
	factors = append(factors, newFactor(model.FactorName, nameScore, opts.Weights.Name,
		fmt.Sprintf("name similarity %d%%", nameScore)))

	if original.Address != "" && cand.Address != "" {
		score := StringSimilarity(original.Address, cand.Address)
		factors = append(factors, newFactor(model.FactorAddress, score, opts.Weights.Address,
			fmt.Sprintf("address similarity %d%%", score)))
	}

	if oc, ok := original.Coord(); ok {
		if cc, ok := cand.Coord(); ok {
			dist := Haversine(oc, cc)
			score := distanceScore(dist, opts.MaxDistanceMeters)
			factors = append(factors, newFactor(model.FactorDistance, score, opts.Weights.Distance,
				fmt.Sprintf("%.0f m apart", dist)))
		}
	}

	catScore, catExplain := categoryOverlap(original.Categories, cand.Categories)
	factors = append(factors, newFactor(model.FactorCategory, catScore, opts.Weights.Category, catExplain))

	total := 0.0
	for _, f := range factors {
		total += f.WeightedScore
	}
	confidence := int(math.Round(math.Min(100, math.Max(0, total))))

	if opts.StrictMode && nameScore < strictNameFloor {
		return model.PlaceMatch{}, false
	}
	if confidence < opts.MinConfidenceScore {
		return model.PlaceMatch{}, false
	}

	return model.PlaceMatch{
		Place:           original,
		Candidate:       cand,
		ConfidenceScore: confidence,
		ConfidenceLevel: model.ConfidenceLevelFor(confidence),
		Factors:         factors,
	}, true
}

func newFactor(t model.FactorType, score, weight int, explanation string) model.MatchFactor {
	return model.MatchFactor{
		Type:          t,
		Score:         score,
		Weight:        weight,
		WeightedScore: float64(score) * float64(weight) / 100,
		Explanation:   explanation,
	}
}

// distanceScore falls off linearly from 100 at zero distance to 0 at
// maxDistance, never negative.
func distanceScore(distance, maxDistance float64) int {
	score := math.Round((maxDistance - distance) / maxDistance * 100)
	return int(math.Max(0, score))
}

// categoryOverlap scores the share of original categories that appear in
// the candidate's, using case-insensitive substring containment in either
// direction. Neutral 50 when either side has no categories.
func categoryOverlap(original, candidate []string) (int, string) {
	if len(original) == 0 || len(candidate) == 0 {
		return 50, "no categories to compare"
	}
	matched := 0
	for _, oc := range original {
		lo := strings.ToLower(strings.TrimSpace(oc))
		if lo == "" {
			continue
		}
		for _, cc := range candidate {
			lc := strings.ToLower(strings.TrimSpace(cc))
			if lc == "" {
				continue
			}
			if strings.Contains(lo, lc) || strings.Contains(lc, lo) {
				matched++
				break
			}
		}
	}
	score := int(math.Round(float64(matched) / float64(len(original)) * 100))
	return score, fmt.Sprintf("%d of %d categories overlap", matched, len(original))
}
