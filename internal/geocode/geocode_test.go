package geocode

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"googlemaps.github.io/maps"

	"birdphotos/birdsync/internal/db"
	"birdphotos/birdsync/internal/retry"
)

type scriptedGeocoder struct {
	calls   int
	results []scriptedResult
}

type scriptedResult struct {
	loc *Location
	err error
}

func (s *scriptedGeocoder) Reverse(context.Context, float64, float64, string) (*Location, error) {
	i := s.calls
	s.calls++
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	return s.results[i].loc, s.results[i].err
}

func instantPolicy(attempts int, pauses *[]time.Duration) retry.Policy {
	return retry.Policy{
		MaxAttempts: attempts,
		Backoff:     retry.Fixed(2 * time.Second),
		Sleep: func(_ context.Context, d time.Duration) error {
			if pauses != nil {
				*pauses = append(*pauses, d)
			}
			return nil
		},
	}
}

func TestResolverTimeoutFallback(t *testing.T) {
	t.Parallel()

	timeout := fmt.Errorf("%w: slow upstream", ErrTimeout)
	for _, tc := range []struct {
		name         string
		timeoutPlace string
		want         string
	}{
		{name: "default", timeoutPlace: "", want: PlaceUnknown},
		{name: "unknown", timeoutPlace: PlaceUnknown, want: PlaceUnknown},
		{name: "timeout variant", timeoutPlace: PlaceTimeout, want: PlaceTimeout},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			geo := &scriptedGeocoder{results: []scriptedResult{{err: timeout}}}
			var pauses []time.Duration
			r := &Resolver{
				Geocoder:     geo,
				Language:     "en",
				Policy:       instantPolicy(3, &pauses),
				TimeoutPlace: tc.timeoutPlace,
				Logger:       zaptest.NewLogger(t),
			}
			if got := r.PlaceName(context.Background(), 40.4461, -79.9822); got != tc.want {
				t.Fatalf("PlaceName = %q, want %q", got, tc.want)
			}
			if geo.calls != 3 {
				t.Fatalf("geocoder calls = %d, want 3", geo.calls)
			}
			if len(pauses) != 2 || pauses[0] != 2*time.Second {
				t.Fatalf("pauses = %v, want two 2s pauses", pauses)
			}
		})
	}
}

func TestResolverRecoversAfterTimeout(t *testing.T) {
	t.Parallel()

	geo := &scriptedGeocoder{results: []scriptedResult{
		{err: ErrTimeout},
		{loc: &Location{City: "Pittsburgh"}},
	}}
	r := &Resolver{Geocoder: geo, Policy: instantPolicy(3, nil)}
	if got := r.PlaceName(context.Background(), 40.4461, -79.9822); got != "Pittsburgh" {
		t.Fatalf("PlaceName = %q, want Pittsburgh", got)
	}
	if geo.calls != 2 {
		t.Fatalf("geocoder calls = %d, want 2", geo.calls)
	}
}

func TestResolverOtherErrorsAreNotRetried(t *testing.T) {
	t.Parallel()

	geo := &scriptedGeocoder{results: []scriptedResult{{err: errors.New("geocoder status: 500")}}}
	r := &Resolver{Geocoder: geo, Policy: instantPolicy(3, nil), TimeoutPlace: PlaceTimeout}
	if got := r.PlaceName(context.Background(), 1, 2); got != PlaceUnknown {
		t.Fatalf("PlaceName = %q, want %q", got, PlaceUnknown)
	}
	if geo.calls != 1 {
		t.Fatalf("geocoder calls = %d, want 1", geo.calls)
	}
}

func TestResolverMissingCity(t *testing.T) {
	t.Parallel()

	geo := &scriptedGeocoder{results: []scriptedResult{{loc: &Location{Country: "Chile"}}}}
	r := &Resolver{Geocoder: geo, Policy: instantPolicy(3, nil)}
	if got := r.PlaceName(context.Background(), -33.86, -70.65); got != PlaceUnknown {
		t.Fatalf("PlaceName = %q, want %q", got, PlaceUnknown)
	}
	if (&Resolver{}).PlaceName(context.Background(), 0, 0) != PlaceUnknown {
		t.Fatalf("resolver without geocoder should yield Unknown")
	}
}

func TestNominatimReverse(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/reverse" {
			t.Errorf("path = %s, want /reverse", r.URL.Path)
		}
		if got := r.URL.Query().Get("accept-language"); got != "de" {
			t.Errorf("accept-language = %q, want de", got)
		}
		if got := r.Header.Get("User-Agent"); got != "MyBirdPhotoApp" {
			t.Errorf("User-Agent = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"display_name":"Pittsburgh, PA","address":{"city":"Pittsburgh","country":"USA","country_code":"us"}}`)
	}))
	defer srv.Close()

	n := NewNominatim(NominatimOptions{BaseURL: srv.URL, Timeout: time.Second})
	loc, err := n.Reverse(context.Background(), 40.4461, -79.9822, "de")
	if err != nil {
		t.Fatalf("Reverse: %v", err)
	}
	if loc.City != "Pittsburgh" || loc.Country != "USA" || loc.GeocodeKey != "40.446,-79.982" {
		t.Fatalf("Reverse = %+v", loc)
	}
}

func TestNominatimCityFieldOnly(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"display_name":"Marblemount","address":{"village":"Marblemount","country":"USA"}}`)
	}))
	defer srv.Close()

	loc, err := NewNominatim(NominatimOptions{BaseURL: srv.URL}).Reverse(context.Background(), 48.5, -121.4, "en")
	if err != nil {
		t.Fatalf("Reverse: %v", err)
	}
	if loc.City != "" {
		t.Fatalf("City = %q, want empty for a village-only address", loc.City)
	}
}

func TestNominatimTimeoutIsClassified(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	n := NewNominatim(NominatimOptions{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	_, err := n.Reverse(context.Background(), 1, 2, "en")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Reverse error = %v, want ErrTimeout", err)
	}
}

func TestNominatimGatewayTimeout(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGatewayTimeout)
	}))
	defer srv.Close()

	_, err := NewNominatim(NominatimOptions{BaseURL: srv.URL}).Reverse(context.Background(), 1, 2, "en")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Reverse error = %v, want ErrTimeout", err)
	}

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()
	_, err = NewNominatim(NominatimOptions{BaseURL: bad.URL}).Reverse(context.Background(), 1, 2, "en")
	if err == nil || errors.Is(err, ErrTimeout) {
		t.Fatalf("Reverse error = %v, want a non-timeout error", err)
	}
}

func TestCachedAvoidsSecondRequest(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, `{"display_name":"Boulder","address":{"city":"Boulder","country":"USA"}}`)
	}))
	defer srv.Close()

	store := openTestStore(t)
	geo := NewCached(store, "nominatim", NewNominatim(NominatimOptions{BaseURL: srv.URL}), zaptest.NewLogger(t))

	for i := 0; i < 2; i++ {
		loc, err := geo.Reverse(context.Background(), 40.01499, -105.27055, "en")
		if err != nil {
			t.Fatalf("Reverse #%d: %v", i, err)
		}
		if loc.City != "Boulder" {
			t.Fatalf("Reverse #%d city = %q", i, loc.City)
		}
	}
	if hits.Load() != 1 {
		t.Fatalf("upstream hits = %d, want 1", hits.Load())
	}

	if _, err := geo.Reverse(context.Background(), 40.01499, -105.27055, "fr"); err != nil {
		t.Fatalf("Reverse fr: %v", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("upstream hits = %d, want a separate lookup per language", hits.Load())
	}
}

func TestCachedDoesNotStoreFailures(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	geo := &scriptedGeocoder{results: []scriptedResult{
		{err: ErrTimeout},
		{loc: &Location{City: "Lima"}},
	}}
	cached := NewCached(store, "fake", geo, nil)

	if _, err := cached.Reverse(context.Background(), -12.04, -77.04, "es"); !errors.Is(err, ErrTimeout) {
		t.Fatalf("first Reverse error = %v, want ErrTimeout", err)
	}
	loc, err := cached.Reverse(context.Background(), -12.04, -77.04, "es")
	if err != nil || loc.City != "Lima" {
		t.Fatalf("second Reverse = %+v, %v", loc, err)
	}
}

func TestGoogleReverse(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/maps/api/geocode/json" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("language"); got != "en" {
			t.Errorf("language = %q, want en", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"OK","results":[{"formatted_address":"Denver, CO, USA","address_components":[
			{"long_name":"Denver","short_name":"Denver","types":["locality","political"]},
			{"long_name":"United States","short_name":"US","types":["country","political"]}]}]}`)
	}))
	defer srv.Close()

	g, err := NewGoogle("test-key", maps.WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("NewGoogle: %v", err)
	}
	loc, err := g.Reverse(context.Background(), 39.7392, -104.9903, "en")
	if err != nil {
		t.Fatalf("Reverse: %v", err)
	}
	if loc.City != "Denver" || loc.Country != "United States" || loc.DisplayName != "Denver, CO, USA" {
		t.Fatalf("Reverse = %+v", loc)
	}

	if _, err := NewGoogle(""); err == nil {
		t.Fatalf("expected error for empty api key")
	}
}

func openTestStore(t *testing.T) *db.Store {
	t.Helper()

	store, err := db.Open(filepath.Join(t.TempDir(), "geocode-test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}
