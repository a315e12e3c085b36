package species

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const DefaultEBirdURL = "https://api.ebird.org"

// TaxonEntry is one row of the eBird taxonomy.
type TaxonEntry struct {
	CommonName     string `json:"comName"`
	ScientificName string `json:"sciName"`
	Family         string `json:"familyComName"`
	Order          string `json:"order"`
	Extinct        bool   `json:"extinct"`
}

// Status renders the extinct flag the way bird_species stores it.
func (e TaxonEntry) Status() string {
	if e.Extinct {
		return "Extinct"
	}
	return "Not Extinct"
}

type EBird struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewEBird(baseURL, apiKey string, client *http.Client) *EBird {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultEBirdURL
	}
	if client == nil {
		// The full taxonomy is several megabytes.
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	return &EBird{baseURL: baseURL, apiKey: strings.TrimSpace(apiKey), client: client}
}

func (e *EBird) Taxonomy(ctx context.Context, locale string) ([]TaxonEntry, error) {
	q := url.Values{}
	q.Set("fmt", "json")
	if locale = strings.TrimSpace(locale); locale != "" {
		q.Set("locale", locale)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/v2/ref/taxonomy/ebird?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	if e.apiKey != "" {
		req.Header.Set("X-eBirdApiToken", e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch ebird taxonomy: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("ebird taxonomy status: %s", resp.Status)
	}

	var entries []TaxonEntry
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<20)).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode ebird taxonomy: %w", err)
	}
	return entries, nil
}
