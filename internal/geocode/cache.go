package geocode

import (
	"context"

	"go.uber.org/zap"

	"birdphotos/birdsync/internal/db"
)

// Cached serves repeated lookups from the geocode_cache table. Only successful lookups are
// stored, so timeouts and errors are retried on the next sync.
type Cached struct {
	store    *db.Store
	provider string
	next     Geocoder
	logger   *zap.Logger
}

func NewCached(store *db.Store, provider string, next Geocoder, logger *zap.Logger) *Cached {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cached{store: store, provider: provider, next: next, logger: logger}
}

func (c *Cached) Reverse(ctx context.Context, lat, lon float64, lang string) (*Location, error) {
	key := cacheKey(lat, lon)
	if c.store != nil {
		cached, ok, err := c.store.GetGeocodeCache(ctx, c.provider, lang, key)
		if err != nil {
			c.logger.Warn("geocode cache read failed", zap.String("key", key), zap.Error(err))
		} else if ok {
			return &Location{
				Provider:    cached.Provider,
				City:        cached.City,
				Country:     cached.Country,
				DisplayName: cached.Display,
				RawJSON:     cached.RawJSON,
				GeocodeKey:  cached.GeocodeKey,
			}, nil
		}
	}

	loc, err := c.next.Reverse(ctx, lat, lon, lang)
	if err != nil || loc == nil || c.store == nil {
		return loc, err
	}
	if err := c.store.UpsertGeocodeCache(ctx, &db.GeocodeCacheEntry{
		Provider:   c.provider,
		Language:   lang,
		GeocodeKey: key,
		City:       loc.City,
		Country:    loc.Country,
		Display:    loc.DisplayName,
		RawJSON:    loc.RawJSON,
	}); err != nil {
		// Non-fatal.
		c.logger.Warn("geocode cache write failed", zap.String("key", key), zap.Error(err))
	}
	return loc, nil
}
