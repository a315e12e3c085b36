package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"googlemaps.github.io/maps"
)

// Google reverse geocodes with the Google Maps Geocoding API. The city is the first locality
// component of the best result.
type Google struct {
	client *maps.Client
}

func NewGoogle(apiKey string, opts ...maps.ClientOption) (*Google, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("google maps api key is required")
	}
	client, err := maps.NewClient(append([]maps.ClientOption{maps.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("create maps client: %w", err)
	}
	return &Google{client: client}, nil
}

func (g *Google) Reverse(ctx context.Context, lat, lon float64, lang string) (*Location, error) {
	results, err := g.client.ReverseGeocode(ctx, &maps.GeocodingRequest{
		LatLng:   &maps.LatLng{Lat: lat, Lng: lon},
		Language: strings.TrimSpace(lang),
	})
	if err != nil {
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ctx.Err()
		}
		return nil, classify(err)
	}

	loc := &Location{Provider: "google", GeocodeKey: cacheKey(lat, lon)}
	if len(results) == 0 {
		return loc, nil
	}
	loc.DisplayName = results[0].FormattedAddress
	for _, res := range results {
		for _, comp := range res.AddressComponents {
			switch {
			case loc.City == "" && hasType(comp.Types, "locality"):
				loc.City = strings.TrimSpace(comp.LongName)
			case loc.Country == "" && hasType(comp.Types, "country"):
				loc.Country = strings.TrimSpace(comp.LongName)
			}
		}
		if loc.City != "" {
			break
		}
	}
	if raw, err := json.Marshal(results[0]); err == nil && len(raw) <= maxRawJSON {
		loc.RawJSON = string(raw)
	}
	return loc, nil
}

func hasType(types []string, want string) bool {
	for _, t := range types {
		if t == want {
			return true
		}
	}
	return false
}
