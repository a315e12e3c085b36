package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/oauth2/google"
)

const (
	DefaultPort             = 3000
	DefaultIdentifierPrefix = "/images/"
	DefaultGeocodeLanguage  = "en"
	DefaultGeocodeUserAgent = "MyBirdPhotoApp"
	DefaultGeocodeAttempts  = 3
	DefaultGeocodeBackoff   = 2 * time.Second
	DefaultGeocodeTimeout   = 10 * time.Second
	DefaultWatchDebounce    = 3 * time.Second

	SourceFilesystem = "filesystem"
	SourceGCS        = "gcs"
	SourceS3         = "s3"

	GeocoderNominatim = "nominatim"
	GeocoderGoogle    = "google"
	GeocoderOff       = "off"

	PlaceUnknown = "Unknown"
	PlaceTimeout = "Timeout"
)

// ErrNoCredentials is returned when a source needs a service-account credential and none is set.
var ErrNoCredentials = errors.New("no service account credentials configured")

var SupportedImageExtensions = map[string]struct{}{
	".jpg": {}, ".jpeg": {}, ".png": {}, ".webp": {}, ".heic": {}, ".tif": {}, ".tiff": {},
}

func IsSupportedImage(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	_, ok := SupportedImageExtensions[ext]
	return ok
}

type Config struct {
	DataDir string
	DBPath  string

	Source           string
	ImagesDir        string
	IdentifierPrefix string

	GCSBucket string
	GCSPrefix string
	GCSPublic bool

	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Bucket    string
	S3Prefix    string
	S3UseSSL    bool

	Geocoder         string
	GeocodeLanguage  string
	GeocodeUserAgent string
	GeocodeAttempts  int
	GeocodeBackoff   time.Duration
	GeocodeTimeout   time.Duration
	TimeoutPlace     string
	GoogleMapsAPIKey string
	IgnoreHemisphere bool

	RecognizerURL   string
	RecognizerToken string

	EBirdAPIKey       string
	TaxonomyCachePath string

	Bind          string
	Port          int
	APIToken      string
	WatchDebounce time.Duration
	WatchInterval time.Duration

	CredentialsJSON string
	CredentialsFile string

	BackupToken string
}

// LoadEnvFile applies KEY=VALUE pairs from path without overriding variables that are already
// set. A missing file is not an error.
func LoadEnvFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func FromEnv() Config {
	dataDir := DataDir()
	cfg := Config{
		DataDir: dataDir,
		DBPath:  envString("BIRDSYNC_DB_PATH", filepath.Join(dataDir, "birds.db")),

		Source:           strings.ToLower(envString("BIRDSYNC_SOURCE", SourceFilesystem)),
		ImagesDir:        envString("BIRDSYNC_IMAGES_DIR", filepath.Join("public", "images")),
		IdentifierPrefix: envString("BIRDSYNC_IDENTIFIER_PREFIX", DefaultIdentifierPrefix),

		GCSBucket: envString("BIRDSYNC_GCS_BUCKET", ""),
		GCSPrefix: envString("BIRDSYNC_GCS_PREFIX", ""),
		GCSPublic: envBool("BIRDSYNC_GCS_PUBLIC", false),

		S3Endpoint:  envString("BIRDSYNC_S3_ENDPOINT", "localhost:9000"),
		S3AccessKey: envString("BIRDSYNC_S3_ACCESS_KEY", ""),
		S3SecretKey: envString("BIRDSYNC_S3_SECRET_KEY", ""),
		S3Bucket:    envString("BIRDSYNC_S3_BUCKET", "images"),
		S3Prefix:    envString("BIRDSYNC_S3_PREFIX", ""),
		S3UseSSL:    envBool("BIRDSYNC_S3_SSL", false),

		Geocoder:         strings.ToLower(envString("BIRDSYNC_GEOCODER", GeocoderNominatim)),
		GeocodeLanguage:  envString("BIRDSYNC_GEOCODE_LANG", DefaultGeocodeLanguage),
		GeocodeUserAgent: envString("BIRDSYNC_GEOCODE_UA", DefaultGeocodeUserAgent),
		GeocodeAttempts:  envInt("BIRDSYNC_GEOCODE_ATTEMPTS", DefaultGeocodeAttempts, 1),
		GeocodeBackoff:   envDuration("BIRDSYNC_GEOCODE_BACKOFF", DefaultGeocodeBackoff),
		GeocodeTimeout:   envDuration("BIRDSYNC_GEOCODE_TIMEOUT", DefaultGeocodeTimeout),
		TimeoutPlace:     normalizeTimeoutPlace(envString("BIRDSYNC_GEOCODE_TIMEOUT_PLACE", PlaceUnknown)),
		GoogleMapsAPIKey: envString("BIRDSYNC_GOOGLE_MAPS_API_KEY", ""),
		IgnoreHemisphere: envBool("BIRDSYNC_IGNORE_HEMISPHERE", false),

		RecognizerURL:   envString("BIRDSYNC_RECOGNIZER_URL", ""),
		RecognizerToken: envString("BIRDSYNC_RECOGNIZER_TOKEN", ""),

		EBirdAPIKey:       envString("BIRDSYNC_EBIRD_API_KEY", ""),
		TaxonomyCachePath: envString("BIRDSYNC_TAXONOMY_CACHE", filepath.Join(dataDir, "species_cache.json")),

		Bind:          envString("BIRDSYNC_BIND", "127.0.0.1"),
		Port:          envPort("BIRDSYNC_PORT", DefaultPort),
		APIToken:      strings.TrimSpace(os.Getenv("BIRDSYNC_API_TOKEN")),
		WatchDebounce: envDuration("BIRDSYNC_WATCH_DEBOUNCE", DefaultWatchDebounce),
		WatchInterval: envDuration("BIRDSYNC_WATCH_INTERVAL", 0),

		CredentialsJSON: os.Getenv("BIRDSYNC_CREDENTIALS_JSON"),
		CredentialsFile: envString("BIRDSYNC_CREDENTIALS_FILE", ""),

		BackupToken: strings.TrimSpace(os.Getenv("BIRDSYNC_BACKUP_TOKEN")),
	}
	return cfg
}

func (c Config) Validate() error {
	switch c.Source {
	case SourceFilesystem:
		if strings.TrimSpace(c.ImagesDir) == "" {
			return errors.New("BIRDSYNC_IMAGES_DIR is required for the filesystem source")
		}
	case SourceGCS:
		if strings.TrimSpace(c.GCSBucket) == "" {
			return errors.New("BIRDSYNC_GCS_BUCKET is required for the gcs source")
		}
	case SourceS3:
		if strings.TrimSpace(c.S3Bucket) == "" {
			return errors.New("BIRDSYNC_S3_BUCKET is required for the s3 source")
		}
	default:
		return fmt.Errorf("unsupported source %q (want filesystem, gcs or s3)", c.Source)
	}

	switch c.Geocoder {
	case GeocoderNominatim, GeocoderOff:
	case GeocoderGoogle:
		if strings.TrimSpace(c.GoogleMapsAPIKey) == "" {
			return errors.New("BIRDSYNC_GOOGLE_MAPS_API_KEY is required for the google geocoder")
		}
	default:
		return fmt.Errorf("unsupported geocoder %q (want nominatim, google or off)", c.Geocoder)
	}
	return nil
}

// Credentials parses the service-account blob from the environment or from disk.
func (c Config) Credentials(ctx context.Context, scopes ...string) (*google.Credentials, error) {
	raw := []byte(strings.TrimSpace(c.CredentialsJSON))
	if len(raw) == 0 && strings.TrimSpace(c.CredentialsFile) != "" {
		b, err := os.ReadFile(c.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("read credentials file: %w", err)
		}
		raw = b
	}
	if len(raw) == 0 {
		return nil, ErrNoCredentials
	}
	creds, err := google.CredentialsFromJSON(ctx, raw, scopes...)
	if err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	return creds, nil
}

func DataDir() string {
	if raw := os.Getenv("BIRDSYNC_DATA_DIR"); raw != "" {
		return raw
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "data"
	}
	return filepath.Join(cwd, "data")
}

func normalizeTimeoutPlace(raw string) string {
	if strings.EqualFold(strings.TrimSpace(raw), PlaceTimeout) {
		return PlaceTimeout
	}
	return PlaceUnknown
}

func envString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return fallback
}

func envInt(key string, fallback, min int) int {
	if raw := os.Getenv(key); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= min {
			return parsed
		}
	}
	return fallback
}

func envPort(key string, fallback int) int {
	if raw := os.Getenv(key); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 65535 {
			return parsed
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if raw := strings.TrimSpace(os.Getenv(key)); raw != "" {
		if parsed, err := time.ParseDuration(raw); err == nil && parsed >= 0 {
			return parsed
		}
	}
	return fallback
}
