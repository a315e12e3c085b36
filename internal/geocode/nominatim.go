package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	DefaultNominatimURL = "https://nominatim.openstreetmap.org"
	// NominatimMinInterval keeps us inside the public instance's one request per second policy.
	NominatimMinInterval = 1100 * time.Millisecond

	maxRawJSON = 64 * 1024
)

type NominatimOptions struct {
	BaseURL   string
	UserAgent string
	// Timeout bounds a single request.
	Timeout time.Duration
	// MinInterval is the minimum spacing between requests. Zero disables spacing.
	MinInterval time.Duration
	Client      *http.Client
}

// Nominatim queries an OpenStreetMap Nominatim reverse endpoint.
type Nominatim struct {
	baseURL     string
	userAgent   string
	timeout     time.Duration
	minInterval time.Duration
	client      *http.Client

	rateMu sync.Mutex
	nextAt time.Time
}

func NewNominatim(opts NominatimOptions) *Nominatim {
	n := &Nominatim{
		baseURL:     strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		userAgent:   strings.TrimSpace(opts.UserAgent),
		timeout:     opts.Timeout,
		minInterval: opts.MinInterval,
		client:      opts.Client,
		nextAt:      time.Now(),
	}
	if n.baseURL == "" {
		n.baseURL = DefaultNominatimURL
	}
	if n.userAgent == "" {
		// Nominatim rejects requests without a User-Agent.
		n.userAgent = "MyBirdPhotoApp"
	}
	if n.timeout <= 0 {
		n.timeout = 10 * time.Second
	}
	if n.client == nil {
		n.client = &http.Client{}
	}
	return n
}

func (n *Nominatim) Reverse(ctx context.Context, lat, lon float64, lang string) (*Location, error) {
	if err := n.wait(ctx); err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	q := url.Values{}
	q.Set("format", "jsonv2")
	q.Set("lat", fmt.Sprintf("%.8f", lat))
	q.Set("lon", fmt.Sprintf("%.8f", lon))
	q.Set("zoom", "18")
	q.Set("addressdetails", "1")
	if lang = strings.TrimSpace(lang); lang != "" {
		q.Set("accept-language", lang)
	}
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, n.baseURL+"/reverse?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", n.userAgent)
	if lang != "" {
		req.Header.Set("Accept-Language", lang)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classify(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusGatewayTimeout || resp.StatusCode == http.StatusRequestTimeout:
		return nil, fmt.Errorf("%w: geocoder status %s", ErrTimeout, resp.Status)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("geocoder status: %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, classify(err)
	}
	var parsed struct {
		DisplayName string         `json:"display_name"`
		Address     map[string]any `json:"address"`
		Error       string         `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode geocoder response: %w", err)
	}
	if parsed.Error != "" {
		return nil, fmt.Errorf("geocoder: %s", parsed.Error)
	}

	get := func(key string) string {
		s, _ := parsed.Address[key].(string)
		return strings.TrimSpace(s)
	}

	// Only the city field counts; towns and villages stay "Unknown".
	loc := &Location{
		Provider:    "nominatim",
		City:        get("city"),
		Country:     get("country"),
		DisplayName: strings.TrimSpace(parsed.DisplayName),
		GeocodeKey:  cacheKey(lat, lon),
	}
	if len(body) > maxRawJSON {
		body = body[:maxRawJSON]
	}
	loc.RawJSON = string(body)
	return loc, nil
}

func (n *Nominatim) wait(ctx context.Context) error {
	if n.minInterval <= 0 {
		return nil
	}
	n.rateMu.Lock()
	if wait := time.Until(n.nextAt); wait > 0 {
		timer := time.NewTimer(wait)
		n.rateMu.Unlock()
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		n.rateMu.Lock()
	}
	n.nextAt = time.Now().Add(n.minInterval)
	n.rateMu.Unlock()
	return nil
}
