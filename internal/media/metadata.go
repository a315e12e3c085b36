package media

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rwcarlsen/goexif/exif"
	"github.com/rwcarlsen/goexif/tiff"
)

const (
	PlaceUnknown = "Unknown"

	exifTimeLayout    = "2006:01:02 15:04:05"
	captureTimeLayout = "2006-01-02 15:04:05"
)

// PlaceResolver turns a coordinate pair into a place name. Implementations never fail; they
// return a sentinel such as "Unknown" instead.
type PlaceResolver interface {
	PlaceName(ctx context.Context, lat, lon float64) string
}

type Metadata struct {
	CaptureTime sql.NullString
	GPSLat      sql.NullFloat64
	GPSLon      sql.NullFloat64
	PlaceName   string
	Checksum    string
	// Warnings are per-item diagnostics; they never block the insert.
	Warnings []string
}

type Extractor struct {
	Places PlaceResolver
	// IgnoreHemisphere keeps south latitudes and west longitudes positive, matching catalogs
	// built before the reference tags were honored.
	IgnoreHemisphere bool
}

// Extract reads capture time and GPS position from data and resolves a place name. It never
// returns an error; missing or broken metadata leaves NULL fields and an "Unknown" place.
func (e *Extractor) Extract(ctx context.Context, data []byte) Metadata {
	meta := Metadata{PlaceName: PlaceUnknown}
	if len(data) == 0 {
		meta.Warnings = append(meta.Warnings, "empty image data")
		return meta
	}
	meta.Checksum = Checksum(data)

	if err := checkEXIFBounds(data); err != nil {
		meta.Warnings = append(meta.Warnings, "exif: "+err.Error())
		return meta
	}

	x, err := decodeEXIF(data)
	if err != nil {
		if !isNoExifError(err) {
			meta.Warnings = append(meta.Warnings, "exif: "+err.Error())
		}
		if x == nil {
			return meta
		}
	}

	if tag, err := x.Get(exif.DateTimeOriginal); err == nil {
		if raw, convErr := tag.StringVal(); convErr == nil {
			meta.CaptureTime = NormalizeCaptureTime(raw)
			if !meta.CaptureTime.Valid {
				meta.Warnings = append(meta.Warnings, fmt.Sprintf("unparsable DateTimeOriginal %q", raw))
			}
		}
	}

	lat, lon, ok, err := e.coordinates(x)
	if err != nil {
		meta.Warnings = append(meta.Warnings, "gps: "+err.Error())
	}
	if !ok {
		return meta
	}
	meta.GPSLat = sql.NullFloat64{Float64: lat, Valid: true}
	meta.GPSLon = sql.NullFloat64{Float64: lon, Valid: true}

	if e.Places != nil {
		if place := strings.TrimSpace(e.Places.PlaceName(ctx, lat, lon)); place != "" {
			meta.PlaceName = place
		}
	}
	return meta
}

func decodeEXIF(data []byte) (x *exif.Exif, err error) {
	defer func() {
		if r := recover(); r != nil {
			x, err = nil, fmt.Errorf("decoder panic: %v", r)
		}
	}()
	return exif.Decode(bytes.NewReader(data))
}

func (e *Extractor) coordinates(x *exif.Exif) (lat, lon float64, ok bool, err error) {
	latTag, latErr := x.Get(exif.GPSLatitude)
	lonTag, lonErr := x.Get(exif.GPSLongitude)
	if latErr != nil || lonErr != nil {
		return 0, 0, false, nil
	}

	lat, err = tagToDecimal(latTag)
	if err != nil {
		return 0, 0, false, fmt.Errorf("latitude: %w", err)
	}
	lon, err = tagToDecimal(lonTag)
	if err != nil {
		return 0, 0, false, fmt.Errorf("longitude: %w", err)
	}

	if !e.IgnoreHemisphere {
		if refIs(x, exif.GPSLatitudeRef, "S") {
			lat = -lat
		}
		if refIs(x, exif.GPSLongitudeRef, "W") {
			lon = -lon
		}
	}
	return lat, lon, true, nil
}

func tagToDecimal(tag *tiff.Tag) (float64, error) {
	if tag.Count < 3 {
		return 0, fmt.Errorf("want 3 rationals, got %d", tag.Count)
	}
	var parts [3]float64
	for i := range parts {
		num, den, err := tag.Rat2(i)
		if err != nil {
			return 0, err
		}
		if den == 0 {
			return 0, errors.New("zero denominator")
		}
		parts[i] = float64(num) / float64(den)
	}
	return DMSToDecimal(parts[0], parts[1], parts[2]), nil
}

func refIs(x *exif.Exif, name exif.FieldName, want string) bool {
	tag, err := x.Get(name)
	if err != nil {
		return false
	}
	ref, err := tag.StringVal()
	if err != nil {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(ref), want)
}

// DMSToDecimal converts degrees, minutes and seconds to decimal degrees.
func DMSToDecimal(degrees, minutes, seconds float64) float64 {
	return degrees + minutes/60 + seconds/3600
}

// NormalizeCaptureTime rewrites an EXIF "YYYY:MM:DD HH:MM:SS" timestamp as
// "YYYY-MM-DD HH:MM:SS". Anything else yields NULL.
func NormalizeCaptureTime(raw string) sql.NullString {
	tm, err := time.Parse(exifTimeLayout, strings.TrimSpace(raw))
	if err != nil {
		return sql.NullString{}
	}
	return sql.NullString{String: tm.Format(captureTimeLayout), Valid: true}
}

func isNoExifError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "no exif") || strings.Contains(lower, "invalid jpeg format")
}
