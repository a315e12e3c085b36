package species

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	DefaultSuggestLimit = 5
	minQueryLen         = 2
)

// TaxonomyFetcher downloads the full taxonomy. EBird implements it.
type TaxonomyFetcher interface {
	Taxonomy(ctx context.Context, locale string) ([]TaxonEntry, error)
}

// Taxonomy is an in-memory species list used for name suggestions and enrichment.
type Taxonomy struct {
	entries []TaxonEntry
	byName  map[string]TaxonEntry

	memoMu sync.Mutex
	memo   map[string][]string
}

func NewTaxonomy(entries []TaxonEntry) *Taxonomy {
	t := &Taxonomy{
		entries: make([]TaxonEntry, 0, len(entries)),
		byName:  make(map[string]TaxonEntry, len(entries)),
		memo:    map[string][]string{},
	}
	for _, e := range entries {
		e.CommonName = strings.TrimSpace(e.CommonName)
		if e.CommonName == "" {
			continue
		}
		key := strings.ToLower(e.CommonName)
		if _, dup := t.byName[key]; dup {
			continue
		}
		t.byName[key] = e
		t.entries = append(t.entries, e)
	}
	return t
}

// LoadTaxonomy reads the cache file when present. Otherwise it fetches the taxonomy and writes
// the cache. A cache holding only a list of common names is accepted as well.
func LoadTaxonomy(ctx context.Context, cachePath string, fetcher TaxonomyFetcher, locale string) (*Taxonomy, error) {
	if cachePath != "" {
		raw, err := os.ReadFile(cachePath)
		switch {
		case err == nil:
			entries, parseErr := parseTaxonomyCache(raw)
			if parseErr != nil {
				return nil, fmt.Errorf("parse taxonomy cache %s: %w", cachePath, parseErr)
			}
			return NewTaxonomy(entries), nil
		case !errors.Is(err, fs.ErrNotExist):
			return nil, fmt.Errorf("read taxonomy cache: %w", err)
		}
	}

	if fetcher == nil {
		return nil, errors.New("taxonomy cache missing and no fetcher configured")
	}
	entries, err := fetcher.Taxonomy(ctx, locale)
	if err != nil {
		return nil, err
	}
	if cachePath != "" {
		if err := writeTaxonomyCache(cachePath, entries); err != nil {
			return nil, err
		}
	}
	return NewTaxonomy(entries), nil
}

func parseTaxonomyCache(raw []byte) ([]TaxonEntry, error) {
	var entries []TaxonEntry
	if err := json.Unmarshal(raw, &entries); err == nil {
		return entries, nil
	}
	var names []string
	if err := json.Unmarshal(raw, &names); err != nil {
		return nil, err
	}
	entries = make([]TaxonEntry, 0, len(names))
	for _, name := range names {
		entries = append(entries, TaxonEntry{CommonName: name})
	}
	return entries, nil
}

func writeTaxonomyCache(path string, entries []TaxonEntry) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create taxonomy cache dir: %w", err)
	}
	b, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o640); err != nil {
		return fmt.Errorf("write taxonomy cache: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace taxonomy cache: %w", err)
	}
	return nil
}

func (t *Taxonomy) Len() int { return len(t.entries) }

// Lookup finds an entry by common name, ignoring case.
func (t *Taxonomy) Lookup(commonName string) (TaxonEntry, bool) {
	e, ok := t.byName[strings.ToLower(strings.TrimSpace(commonName))]
	return e, ok
}

// Suggest returns up to limit common names starting with query, ignoring case, in taxonomy
// order. Queries shorter than two characters return nothing.
func (t *Taxonomy) Suggest(query string, limit int) []string {
	q := strings.ToLower(strings.TrimSpace(query))
	if len([]rune(q)) < minQueryLen {
		return []string{}
	}
	if limit <= 0 {
		limit = DefaultSuggestLimit
	}
	memoKey := fmt.Sprintf("%d|%s", limit, q)

	t.memoMu.Lock()
	defer t.memoMu.Unlock()
	if cached, ok := t.memo[memoKey]; ok {
		return append([]string(nil), cached...)
	}

	out := make([]string, 0, limit)
	for _, e := range t.entries {
		if strings.HasPrefix(strings.ToLower(e.CommonName), q) {
			out = append(out, e.CommonName)
			if len(out) == limit {
				break
			}
		}
	}
	t.memo[memoKey] = out
	return append([]string(nil), out...)
}
