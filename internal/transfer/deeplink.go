package transfer

import (
	"net/url"
	"strings"

	"github.com/mapmigrate/transfer-cli/internal/model"
)

const (
	googleMapsSearchURL = "https://www.google.com/maps/search/"
	appleMapsURL        = "https://maps.apple.com/"
)

// buildDeepLink renders a provider URL for a candidate. Callers must have
// checked hasUsableData first; with nothing usable the query side ends up
// empty.
func buildDeepLink(target model.TargetService, c *model.NormalizedCandidate) string {
	if target == model.TargetAppleMaps {
		return buildAppleMapsURL(c)
	}
	return buildGoogleMapsURL(c)
}

// buildGoogleMapsURL uses the Maps URLs search scheme. The query is the
// name and address when present, otherwise the raw coordinates. A known
// place ID pins the result to that exact listing.
func buildGoogleMapsURL(c *model.NormalizedCandidate) string {
	query := strings.TrimSpace(strings.TrimSpace(c.Name) + " " + strings.TrimSpace(c.Address))
	if query == "" {
		if coord, ok := c.Coord(); ok {
			query = formatCoord(coord[1]) + "," + formatCoord(coord[0])
		}
	}

	vals := url.Values{}
	vals.Set("api", "1")
	vals.Set("query", query)
	if c.ID != "" {
		vals.Set("query_place_id", c.ID)
	}
	return googleMapsSearchURL + "?" + vals.Encode()
}

// buildAppleMapsURL includes only the parts the candidate actually has:
// q for the name, ll for coordinates, address for the street address.
func buildAppleMapsURL(c *model.NormalizedCandidate) string {
	vals := url.Values{}
	if name := strings.TrimSpace(c.Name); name != "" {
		vals.Set("q", name)
	}
	if coord, ok := c.Coord(); ok {
		vals.Set("ll", formatCoord(coord[1])+","+formatCoord(coord[0]))
	}
	if addr := strings.TrimSpace(c.Address); addr != "" {
		vals.Set("address", addr)
	}
	return appleMapsURL + "?" + vals.Encode()
}
