package geocode

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"strings"

	"go.uber.org/zap"

	"birdphotos/birdsync/internal/retry"
)

const (
	PlaceUnknown = "Unknown"
	PlaceTimeout = "Timeout"
)

// ErrTimeout marks a lookup that timed out. Only these failures are retried.
var ErrTimeout = errors.New("reverse geocode timed out")

type Location struct {
	Provider    string `json:"provider"`
	City        string `json:"city"`
	Country     string `json:"country"`
	DisplayName string `json:"display_name"`
	RawJSON     string `json:"raw_json"`
	GeocodeKey  string `json:"geocode_key"`
}

// Geocoder maps a coordinate pair to a structured address in the requested language.
type Geocoder interface {
	Reverse(ctx context.Context, lat, lon float64, lang string) (*Location, error)
}

// IsTimeout reports whether err is a timeout-class failure.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// classify wraps timeout-class transport errors in ErrTimeout and leaves the rest alone.
func classify(err error) error {
	if err == nil || errors.Is(err, ErrTimeout) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

// Resolver turns coordinates into the place name stored with a photo. It never fails: lookups
// that error out or come back without a city yield "Unknown", and a lookup that keeps timing
// out yields TimeoutPlace.
type Resolver struct {
	Geocoder     Geocoder
	Language     string
	Policy       retry.Policy
	TimeoutPlace string
	Logger       *zap.Logger
}

func (r *Resolver) PlaceName(ctx context.Context, lat, lon float64) string {
	if r == nil || r.Geocoder == nil {
		return PlaceUnknown
	}
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var loc *Location
	attempts, err := retry.Do(ctx, r.Policy, IsTimeout, func(ctx context.Context) error {
		found, err := r.Geocoder.Reverse(ctx, lat, lon, r.Language)
		if err != nil {
			return err
		}
		loc = found
		return nil
	})
	if err != nil {
		if IsTimeout(err) {
			logger.Warn("reverse geocode timed out",
				zap.Float64("lat", lat), zap.Float64("lon", lon), zap.Int("attempts", attempts))
			return r.timeoutPlace()
		}
		logger.Warn("reverse geocode failed",
			zap.Float64("lat", lat), zap.Float64("lon", lon), zap.Error(err))
		return PlaceUnknown
	}
	if loc == nil || strings.TrimSpace(loc.City) == "" {
		return PlaceUnknown
	}
	return strings.TrimSpace(loc.City)
}

func (r *Resolver) timeoutPlace() string {
	if strings.TrimSpace(r.TimeoutPlace) == "" {
		return PlaceUnknown
	}
	return r.TimeoutPlace
}

// cacheKey rounds to three decimals (about 100 m) so neighbouring shots share a lookup.
func cacheKey(lat, lon float64) string {
	return fmt.Sprintf("%.3f,%.3f", round(lat, 3), round(lon, 3))
}

func round(v float64, decimals int) float64 {
	if decimals < 0 {
		return v
	}
	p := math.Pow10(decimals)
	if p == 0 {
		return v
	}
	return math.Round(v*p) / p
}
