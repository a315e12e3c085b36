package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestIsSupportedImageCaseInsensitive(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		"robin.jpg":      true,
		"ROBIN.JPG":      true,
		"heron.Jpeg":     true,
		"wren.png":       true,
		"owl.webp":       true,
		"notes.txt":      false,
		"archive.tar.gz": false,
		"noext":          false,
	}
	for name, want := range cases {
		if got := IsSupportedImage(name); got != want {
			t.Fatalf("IsSupportedImage(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestFromEnvDefaults(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv("BIRDSYNC_DATA_DIR", dataDir)
	t.Setenv("BIRDSYNC_SOURCE", "")
	t.Setenv("BIRDSYNC_GEOCODE_TIMEOUT_PLACE", "")

	cfg := FromEnv()
	if cfg.DBPath != filepath.Join(dataDir, "birds.db") {
		t.Fatalf("DBPath = %q", cfg.DBPath)
	}
	if cfg.Source != SourceFilesystem {
		t.Fatalf("Source = %q, want %q", cfg.Source, SourceFilesystem)
	}
	if cfg.GeocodeAttempts != 3 || cfg.GeocodeBackoff != 2*time.Second {
		t.Fatalf("retry defaults = %d/%s", cfg.GeocodeAttempts, cfg.GeocodeBackoff)
	}
	if cfg.TimeoutPlace != PlaceUnknown {
		t.Fatalf("TimeoutPlace = %q, want %q", cfg.TimeoutPlace, PlaceUnknown)
	}
	if cfg.Port != DefaultPort {
		t.Fatalf("Port = %d, want %d", cfg.Port, DefaultPort)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("BIRDSYNC_DATA_DIR", t.TempDir())
	t.Setenv("BIRDSYNC_SOURCE", "GCS")
	t.Setenv("BIRDSYNC_GCS_BUCKET", "bird-pictures")
	t.Setenv("BIRDSYNC_GEOCODE_TIMEOUT_PLACE", "timeout")
	t.Setenv("BIRDSYNC_GEOCODE_ATTEMPTS", "0")
	t.Setenv("BIRDSYNC_IGNORE_HEMISPHERE", "yes")
	t.Setenv("BIRDSYNC_PORT", "70000")

	cfg := FromEnv()
	if cfg.Source != SourceGCS {
		t.Fatalf("Source = %q", cfg.Source)
	}
	if cfg.TimeoutPlace != PlaceTimeout {
		t.Fatalf("TimeoutPlace = %q, want %q", cfg.TimeoutPlace, PlaceTimeout)
	}
	if cfg.GeocodeAttempts != DefaultGeocodeAttempts {
		t.Fatalf("GeocodeAttempts = %d, want default for out-of-range value", cfg.GeocodeAttempts)
	}
	if !cfg.IgnoreHemisphere {
		t.Fatalf("IgnoreHemisphere = false, want true")
	}
	if cfg.Port != DefaultPort {
		t.Fatalf("Port = %d, want default for invalid port", cfg.Port)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejectsIncompleteSources(t *testing.T) {
	t.Parallel()

	cases := []Config{
		{Source: SourceGCS, Geocoder: GeocoderNominatim},
		{Source: "ftp", Geocoder: GeocoderNominatim},
		{Source: SourceFilesystem, ImagesDir: "x", Geocoder: GeocoderGoogle},
		{Source: SourceFilesystem, ImagesDir: "x", Geocoder: "bing"},
	}
	for i, cfg := range cases {
		if err := cfg.Validate(); err == nil {
			t.Fatalf("case %d: expected validation error for %+v", i, cfg)
		}
	}
}

func TestCredentialsMissing(t *testing.T) {
	t.Parallel()

	_, err := Config{}.Credentials(context.Background())
	if !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("Credentials error = %v, want ErrNoCredentials", err)
	}
}

func TestCredentialsInvalidJSON(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "firebase_key.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write credentials: %v", err)
	}
	if _, err := (Config{CredentialsFile: path}).Credentials(context.Background()); err == nil {
		t.Fatalf("expected parse error for invalid credentials")
	}
}

func TestLoadEnvFileMissingIsNotAnError(t *testing.T) {
	t.Parallel()

	if err := LoadEnvFile(filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Fatalf("LoadEnvFile: %v", err)
	}
}

func TestLoadEnvFileDoesNotOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("BIRDSYNC_GCS_BUCKET=from-file\nBIRDSYNC_S3_BUCKET=from-file\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("BIRDSYNC_GCS_BUCKET", "from-env")
	t.Setenv("BIRDSYNC_S3_BUCKET", "")
	os.Unsetenv("BIRDSYNC_S3_BUCKET")

	if err := LoadEnvFile(path); err != nil {
		t.Fatalf("LoadEnvFile: %v", err)
	}
	if got := os.Getenv("BIRDSYNC_GCS_BUCKET"); got != "from-env" {
		t.Fatalf("BIRDSYNC_GCS_BUCKET = %q, want from-env", got)
	}
	if got := os.Getenv("BIRDSYNC_S3_BUCKET"); got != "from-file" {
		t.Fatalf("BIRDSYNC_S3_BUCKET = %q, want from-file", got)
	}
}
