package places

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/mapmigrate/transfer-cli/internal/model"
	"github.com/mapmigrate/transfer-cli/internal/resilience"
)

// Searcher turns saved places into candidate lists. It satisfies the batch
// engine's CandidateSource and owns one circuit breaker, so a provider
// outage sheds load for the whole run instead of burning every place's
// retry budget.
type Searcher struct {
	client  Client
	breaker *resilience.Breaker
}

// SearcherOption configures a Searcher.
type SearcherOption func(*Searcher)

// WithBreaker replaces the default circuit breaker.
func WithBreaker(b *resilience.Breaker) SearcherOption {
	return func(s *Searcher) { s.breaker = b }
}

// NewSearcher wraps a provider client for use as a candidate source.
func NewSearcher(client Client, opts ...SearcherOption) *Searcher {
	s := &Searcher{
		client:  client,
		breaker: resilience.NewBreaker(resilience.DefaultBreakerConfig()),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Search queries the provider with the place's name and address and returns
// normalized candidates. An empty result is a valid answer, not an error.
func (s *Searcher) Search(ctx context.Context, place model.Place) ([]model.NormalizedCandidate, error) {
	query := searchQuery(place)
	if query == "" {
		return nil, eris.Errorf("places: place %s has no searchable text", place.ID)
	}

	resp, err := resilience.ExecuteVal(ctx, s.breaker, func(ctx context.Context) (*TextSearchResponse, error) {
		return s.client.TextSearch(ctx, query)
	})
	if err != nil {
		return nil, err
	}

	candidates := make([]model.NormalizedCandidate, 0, len(resp.Places))
	for _, p := range resp.Places {
		candidates = append(candidates, normalize(p))
	}
	return candidates, nil
}

// searchQuery builds the provider query text: name plus address when both
// exist, whichever is present otherwise.
func searchQuery(place model.Place) string {
	return strings.TrimSpace(strings.TrimSpace(place.Name) + " " + strings.TrimSpace(place.Address))
}

// normalize maps one raw hit to the engine's candidate shape.
func normalize(p Place) model.NormalizedCandidate {
	c := model.NormalizedCandidate{
		ID:         p.ID,
		Name:       p.DisplayName.Text,
		Address:    p.FormattedAddress,
		Categories: p.Types,
		Rating:     p.Rating,
		URL:        p.GoogleMapsURI,
	}
	if p.Location != nil {
		c.Latitude = model.Float64Ptr(p.Location.Latitude)
		c.Longitude = model.Float64Ptr(p.Location.Longitude)
	}
	return c
}
