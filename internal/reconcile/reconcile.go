// Package reconcile keeps the photo catalog equal to the set of images in a source.
package reconcile

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"birdphotos/birdsync/internal/audit"
	"birdphotos/birdsync/internal/db"
	"birdphotos/birdsync/internal/media"
	"birdphotos/birdsync/internal/source"
)

// LastSyncSetting holds the JSON summary of the most recent completed run.
const LastSyncSetting = "last_sync"

// Recognizer suggests species for an image. It never fails; it returns "Unknown" instead.
type Recognizer interface {
	Suggest(ctx context.Context, filename string, data []byte) string
}

type Result struct {
	RunID      string `json:"run_id"`
	Source     string `json:"source"`
	Listed     int    `json:"listed"`
	Stored     int    `json:"stored"`
	Deleted    int    `json:"deleted"`
	Inserted   int    `json:"inserted"`
	Degraded   int    `json:"degraded"`
	Errors     int    `json:"errors"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at"`
}

type Reconciler struct {
	src        source.ImageSource
	store      *db.Store
	extractor  *media.Extractor
	recognizer Recognizer
	audit      *audit.Logger
	logger     *zap.Logger
}

// New builds a Reconciler. recognizer and auditLogger may be nil.
func New(src source.ImageSource, store *db.Store, extractor *media.Extractor, recognizer Recognizer, auditLogger *audit.Logger, logger *zap.Logger) *Reconciler {
	if extractor == nil {
		extractor = &media.Extractor{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		src:        src,
		store:      store,
		extractor:  extractor,
		recognizer: recognizer,
		audit:      auditLogger,
		logger:     logger,
	}
}

// Sync deletes catalog rows whose image is gone and inserts rows for new images. Rows present
// on both sides are never touched. A listing failure returns an error before any change.
func (r *Reconciler) Sync(ctx context.Context) (Result, error) {
	res := Result{
		RunID:     uuid.NewString(),
		Source:    r.src.Kind(),
		StartedAt: time.Now().UTC().Format(time.RFC3339),
	}
	logger := r.logger.With(zap.String("run_id", res.RunID), zap.String("source", res.Source))

	listed, err := r.src.ListIdentifiers(ctx)
	if err != nil {
		logger.Error("listing source failed", zap.Error(err))
		return res, fmt.Errorf("list %s source: %w", res.Source, err)
	}
	stored, err := r.store.ListIdentifiers(ctx)
	if err != nil {
		return res, fmt.Errorf("list catalog: %w", err)
	}
	res.Listed = len(listed)
	res.Stored = len(stored)

	stale, fresh := Diff(stored, listed)
	logger.Info("sync started", zap.Int("listed", res.Listed), zap.Int("stored", res.Stored),
		zap.Int("stale", len(stale)), zap.Int("fresh", len(fresh)))

	for _, id := range stale {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		deleted, err := r.store.DeletePhoto(ctx, id)
		if err != nil {
			res.Errors++
			logger.Error("delete failed", zap.String("identifier", id), zap.Error(err))
			continue
		}
		if deleted {
			res.Deleted++
			logger.Info("photo deleted", zap.String("identifier", id))
			r.audit.Record(ctx, audit.ActorSync, audit.ActionPhotoDeleted, map[string]any{
				"identifier": id,
				"run_id":     res.RunID,
			})
		}
	}

	for _, id := range fresh {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		r.insert(ctx, logger, id, &res)
	}

	res.FinishedAt = time.Now().UTC().Format(time.RFC3339)
	if summary, err := json.Marshal(res); err == nil {
		if err := r.store.SetSetting(ctx, LastSyncSetting, string(summary)); err != nil {
			logger.Warn("saving sync summary failed", zap.Error(err))
		}
	}
	r.audit.Record(ctx, audit.ActorSync, audit.ActionSyncCompleted, map[string]any{
		"run_id":   res.RunID,
		"source":   res.Source,
		"inserted": res.Inserted,
		"deleted":  res.Deleted,
		"degraded": res.Degraded,
		"errors":   res.Errors,
	})
	logger.Info("sync completed", zap.Int("inserted", res.Inserted), zap.Int("deleted", res.Deleted),
		zap.Int("degraded", res.Degraded), zap.Int("errors", res.Errors))
	return res, nil
}

func (r *Reconciler) insert(ctx context.Context, logger *zap.Logger, id string, res *Result) {
	degraded := false
	meta := media.Metadata{PlaceName: media.PlaceUnknown}

	data, err := r.src.FetchBytes(ctx, id)
	if err != nil {
		degraded = true
		logger.Warn("fetch failed, inserting without metadata", zap.String("identifier", id), zap.Error(err))
	} else {
		meta = r.extractor.Extract(ctx, data)
		for _, w := range meta.Warnings {
			logger.Warn("metadata degraded", zap.String("identifier", id), zap.String("warning", w))
		}
		if len(meta.Warnings) > 0 {
			degraded = true
		}
	}

	rec := &db.PhotoRecord{
		Identifier:  id,
		CaptureTime: meta.CaptureTime,
		PlaceName:   meta.PlaceName,
		Latitude:    meta.GPSLat,
		Longitude:   meta.GPSLon,
		Source:      r.src.Kind(),
	}
	if meta.Checksum != "" {
		rec.Checksum = sql.NullString{String: meta.Checksum, Valid: true}
	}
	if r.recognizer != nil {
		suggestion := "Unknown"
		if data != nil {
			suggestion = r.recognizer.Suggest(ctx, path.Base(id), data)
		}
		rec.SpeciesSuggestions = sql.NullString{String: suggestion, Valid: true}
	}

	inserted, err := r.store.InsertPhoto(ctx, rec)
	if err != nil {
		res.Errors++
		logger.Error("insert failed", zap.String("identifier", id), zap.Error(err))
		return
	}
	if !inserted {
		return
	}
	res.Inserted++
	if degraded {
		res.Degraded++
	}
	logger.Info("photo inserted",
		zap.String("identifier", id),
		zap.String("date_taken", rec.CaptureTime.String),
		zap.String("location", rec.PlaceName),
		zap.Bool("degraded", degraded))
	r.audit.Record(ctx, audit.ActorSync, audit.ActionPhotoInserted, map[string]any{
		"identifier": id,
		"run_id":     res.RunID,
		"location":   rec.PlaceName,
		"degraded":   degraded,
	})
}

// Diff returns the stored identifiers missing from authoritative and the authoritative
// identifiers missing from stored, both sorted.
func Diff(stored, authoritative []string) (stale, fresh []string) {
	have := make(map[string]struct{}, len(stored))
	for _, id := range stored {
		have[id] = struct{}{}
	}
	want := make(map[string]struct{}, len(authoritative))
	for _, id := range authoritative {
		want[id] = struct{}{}
	}

	stale = make([]string, 0)
	for id := range have {
		if _, ok := want[id]; !ok {
			stale = append(stale, id)
		}
	}
	fresh = make([]string, 0)
	for id := range want {
		if _, ok := have[id]; !ok {
			fresh = append(fresh, id)
		}
	}
	sort.Strings(stale)
	sort.Strings(fresh)
	return stale, fresh
}

// LastResult loads the summary saved by the most recent completed run.
func LastResult(ctx context.Context, store *db.Store) (Result, bool, error) {
	raw, ok, err := store.GetSetting(ctx, LastSyncSetting)
	if err != nil || !ok {
		return Result{}, false, err
	}
	var res Result
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return Result{}, false, fmt.Errorf("decode last sync: %w", err)
	}
	return res, true, nil
}
