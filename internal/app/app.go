package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	storage "google.golang.org/api/storage/v1"

	"birdphotos/birdsync/internal/audit"
	"birdphotos/birdsync/internal/backup"
	"birdphotos/birdsync/internal/config"
	"birdphotos/birdsync/internal/db"
	"birdphotos/birdsync/internal/geocode"
	"birdphotos/birdsync/internal/media"
	"birdphotos/birdsync/internal/reconcile"
	"birdphotos/birdsync/internal/retry"
	"birdphotos/birdsync/internal/source"
	"birdphotos/birdsync/internal/species"
	"birdphotos/birdsync/internal/watch"
)

// ErrSyncRunning is returned when a sync is requested while another one is in progress.
var ErrSyncRunning = errors.New("sync already running")

type App struct {
	cfg        config.Config
	store      *db.Store
	audit      *audit.Logger
	backups    *backup.Manager
	source     source.ImageSource
	places     media.PlaceResolver
	reconciler *reconcile.Reconciler
	logger     *zap.Logger
	httpServer *http.Server

	syncing atomic.Bool

	taxMu    sync.Mutex
	taxonomy *species.Taxonomy
}

func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := db.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	auditLogger := audit.New(store, logger.Named("audit"))

	src, err := newSource(ctx, cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	geocoder, err := newGeocoder(cfg, store, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	extractor := &media.Extractor{IgnoreHemisphere: cfg.IgnoreHemisphere}
	if geocoder != nil {
		extractor.Places = &geocode.Resolver{
			Geocoder: geocoder,
			Language: cfg.GeocodeLanguage,
			Policy: retry.Policy{
				MaxAttempts: cfg.GeocodeAttempts,
				Backoff:     retry.Fixed(cfg.GeocodeBackoff),
			},
			TimeoutPlace: cfg.TimeoutPlace,
			Logger:       logger.Named("geocode"),
		}
	}

	// A typed nil would pass the reconciler's nil check, so only assign a real recognizer.
	var recognizer reconcile.Recognizer
	if cfg.RecognizerURL != "" {
		recognizer = species.NewRecognizer(species.RecognizerOptions{
			Endpoint: cfg.RecognizerURL,
			Token:    cfg.RecognizerToken,
			Logger:   logger.Named("recognizer"),
		})
	}

	return &App{
		cfg:        cfg,
		store:      store,
		audit:      auditLogger,
		backups:    backup.NewManager(store, logger.Named("backup"), cfg.TaxonomyCachePath),
		source:     src,
		places:     extractor.Places,
		reconciler: reconcile.New(src, store, extractor, recognizer, auditLogger, logger.Named("sync")),
		logger:     logger,
	}, nil
}

func newSource(ctx context.Context, cfg config.Config) (source.ImageSource, error) {
	switch cfg.Source {
	case config.SourceGCS:
		var opts []option.ClientOption
		if cfg.GCSPublic {
			opts = append(opts, option.WithoutAuthentication())
		} else {
			creds, err := cfg.Credentials(ctx, storage.DevstorageReadOnlyScope)
			if err != nil {
				return nil, fmt.Errorf("gcs source: %w", err)
			}
			opts = append(opts, option.WithCredentials(creds))
		}
		return source.NewGCS(ctx, cfg.GCSBucket, cfg.GCSPrefix, opts...)
	case config.SourceS3:
		return source.NewS3(source.S3Options{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			Prefix:    cfg.S3Prefix,
			UseSSL:    cfg.S3UseSSL,
		})
	default:
		return source.NewFilesystem(cfg.ImagesDir, cfg.IdentifierPrefix), nil
	}
}

// newGeocoder returns nil when reverse geocoding is switched off.
func newGeocoder(cfg config.Config, store *db.Store, logger *zap.Logger) (geocode.Geocoder, error) {
	switch cfg.Geocoder {
	case config.GeocoderOff:
		return nil, nil
	case config.GeocoderGoogle:
		g, err := geocode.NewGoogle(cfg.GoogleMapsAPIKey)
		if err != nil {
			return nil, err
		}
		return geocode.NewCached(store, config.GeocoderGoogle, g, logger.Named("geocode")), nil
	default:
		n := geocode.NewNominatim(geocode.NominatimOptions{
			UserAgent:   cfg.GeocodeUserAgent,
			Timeout:     cfg.GeocodeTimeout,
			MinInterval: geocode.NominatimMinInterval,
		})
		return geocode.NewCached(store, config.GeocoderNominatim, n, logger.Named("geocode")), nil
	}
}

func (a *App) Close() error {
	if a.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = a.httpServer.Shutdown(ctx)
	}
	return a.store.Close()
}

func (a *App) Store() *db.Store { return a.store }

// Sync runs one reconciliation pass. Concurrent calls fail fast with ErrSyncRunning.
func (a *App) Sync(ctx context.Context) (reconcile.Result, error) {
	if !a.syncing.CompareAndSwap(false, true) {
		return reconcile.Result{}, ErrSyncRunning
	}
	defer a.syncing.Store(false)

	res, err := a.reconciler.Sync(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.audit.Record(ctx, audit.ActorSync, audit.ActionSyncFailed, map[string]any{
			"run_id": res.RunID,
			"source": res.Source,
			"error":  err.Error(),
		})
	}
	return res, err
}

// Watch syncs once, then again whenever the image folder changes or the interval elapses.
// Only the filesystem source gets change notifications. They are attached before the first
// pass, so changes made during it trigger another one.
func (a *App) Watch(ctx context.Context) error {
	dir := ""
	if a.cfg.Source == config.SourceFilesystem {
		dir = a.cfg.ImagesDir
	}
	if dir == "" && a.cfg.WatchInterval <= 0 {
		return fmt.Errorf("watching the %s source needs BIRDSYNC_WATCH_INTERVAL", a.cfg.Source)
	}
	w := watch.New(dir, a.cfg.WatchDebounce, a.cfg.WatchInterval, a.logger.Named("watch"), a.syncOnChange)
	w.FireOnStart = true
	return w.Run(ctx)
}

// syncOnChange adapts Sync to the watcher; a run already in progress is reported as busy so the
// change is picked up by a later pass.
func (a *App) syncOnChange(ctx context.Context) error {
	_, err := a.Sync(ctx)
	switch {
	case errors.Is(err, ErrSyncRunning):
		return watch.ErrBusy
	case ctx.Err() != nil:
		return nil
	}
	return err
}

func (a *App) syncLogged(ctx context.Context) {
	if _, err := a.Sync(ctx); err != nil {
		if errors.Is(err, ErrSyncRunning) {
			a.logger.Info("sync skipped, another run is in progress")
			return
		}
		if ctx.Err() == nil {
			a.logger.Error("sync failed", zap.Error(err))
		}
	}
}

// EnrichSpecies fills taxonomy fields for catalog species from the cached or downloaded eBird
// taxonomy.
func (a *App) EnrichSpecies(ctx context.Context, actor string) (species.EnrichResult, error) {
	tax, err := a.loadTaxonomy(ctx)
	if err != nil {
		return species.EnrichResult{}, err
	}
	res, err := species.Enrich(ctx, a.store, tax, a.logger.Named("species"))
	if err != nil {
		return res, err
	}
	a.audit.Record(ctx, actor, audit.ActionSpeciesEnriched, map[string]any{
		"checked":   res.Checked,
		"updated":   res.Updated,
		"unmatched": len(res.Unmatched),
	})
	return res, nil
}

func (a *App) loadTaxonomy(ctx context.Context) (*species.Taxonomy, error) {
	a.taxMu.Lock()
	defer a.taxMu.Unlock()
	if a.taxonomy != nil {
		return a.taxonomy, nil
	}
	var fetcher species.TaxonomyFetcher
	if a.cfg.EBirdAPIKey != "" {
		fetcher = species.NewEBird("", a.cfg.EBirdAPIKey, nil)
	}
	tax, err := species.LoadTaxonomy(ctx, a.cfg.TaxonomyCachePath, fetcher, a.cfg.GeocodeLanguage)
	if err != nil {
		return nil, fmt.Errorf("load taxonomy: %w", err)
	}
	a.taxonomy = tax
	a.logger.Info("species taxonomy loaded", zap.Int("species", tax.Len()))
	return tax, nil
}

// SourceReport describes what a source listing found without changing the catalog.
type SourceReport struct {
	Source  string `json:"source"`
	Listed  int    `json:"listed"`
	Stored  int    `json:"stored"`
	Missing int    `json:"missing"`
	Stale   int    `json:"stale"`
}

func (a *App) CheckSource(ctx context.Context) (SourceReport, error) {
	report := SourceReport{Source: a.source.Kind()}
	listed, err := a.source.ListIdentifiers(ctx)
	if err != nil {
		return report, fmt.Errorf("list %s source: %w", report.Source, err)
	}
	stored, err := a.store.ListIdentifiers(ctx)
	if err != nil {
		return report, fmt.Errorf("list catalog: %w", err)
	}
	stale, fresh := reconcile.Diff(stored, listed)
	report.Listed = len(listed)
	report.Stored = len(stored)
	report.Missing = len(fresh)
	report.Stale = len(stale)
	return report, nil
}

// VerifyAudit returns the id of the first tampered audit row, or 0.
func (a *App) VerifyAudit(ctx context.Context) (int64, error) {
	return a.audit.Verify(ctx)
}

// BackfillResult reports a place backfill pass.
type BackfillResult struct {
	Checked  int  `json:"checked"`
	Resolved int  `json:"resolved"`
	Applied  bool `json:"applied"`
}

// BackfillPlaces retries reverse geocoding for photos whose place stayed Unknown or Timeout.
// Without apply it only reports what would change.
func (a *App) BackfillPlaces(ctx context.Context, apply bool, limit int) (BackfillResult, error) {
	res := BackfillResult{Applied: apply}
	if a.places == nil {
		return res, errors.New("reverse geocoding is disabled")
	}
	todos, err := a.store.ListPlaceTodos(ctx, []string{config.PlaceUnknown, config.PlaceTimeout}, limit)
	if err != nil {
		return res, fmt.Errorf("list unresolved places: %w", err)
	}
	logger := a.logger.Named("backfill")
	for _, todo := range todos {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Checked++
		place := a.places.PlaceName(ctx, todo.Lat, todo.Lon)
		if place == config.PlaceUnknown || place == config.PlaceTimeout || place == todo.PlaceName {
			continue
		}
		res.Resolved++
		logger.Info("place resolved",
			zap.String("identifier", todo.Identifier),
			zap.String("location", place),
			zap.Bool("apply", apply))
		if !apply {
			continue
		}
		if err := a.store.UpdatePhotoLocation(ctx, todo.ID, place); err != nil {
			return res, fmt.Errorf("update %s: %w", todo.Identifier, err)
		}
		a.audit.Record(ctx, audit.ActorCLI, audit.ActionLocationUpdated, map[string]any{
			"photo_id": todo.ID,
			"location": place,
			"previous": todo.PlaceName,
		})
	}
	return res, nil
}

// Backup writes a catalog archive to dest: a local path, an s3://bucket/key URL using the S3
// settings, or an http(s) URL that accepts PUT.
func (a *App) Backup(ctx context.Context, dest string) (backup.Result, error) {
	sink, err := a.backupSink(dest)
	if err != nil {
		return backup.Result{}, err
	}
	res, err := a.backups.Run(ctx, sink)
	if err != nil {
		return res, err
	}
	a.audit.Record(ctx, audit.ActorCLI, audit.ActionBackupCompleted, map[string]any{
		"destination": res.Destination,
		"files":       res.Files,
		"bytes":       res.Bytes,
	})
	return res, nil
}

func (a *App) backupSink(dest string) (backup.Sink, error) {
	dest = strings.TrimSpace(dest)
	switch {
	case dest == "":
		return nil, errors.New("backup destination is required")
	case strings.HasPrefix(dest, "s3://"):
		bucket, key, err := backup.ParseS3URL(dest)
		if err != nil {
			return nil, err
		}
		client, err := minio.New(a.cfg.S3Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(a.cfg.S3AccessKey, a.cfg.S3SecretKey, ""),
			Secure: a.cfg.S3UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("create s3 client: %w", err)
		}
		return backup.S3Sink{Client: client, Bucket: bucket, Key: key}, nil
	case strings.HasPrefix(dest, "https://"), strings.HasPrefix(dest, "http://"):
		return backup.HTTPSink{URL: dest, Token: a.cfg.BackupToken}, nil
	default:
		return backup.FileSink{Path: dest}, nil
	}
}
