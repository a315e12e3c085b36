package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"birdphotos/birdsync/internal/audit"
	"birdphotos/birdsync/internal/config"
	"birdphotos/birdsync/internal/db"
	"birdphotos/birdsync/internal/reconcile"
	"birdphotos/birdsync/internal/security"
	"birdphotos/birdsync/internal/species"
)

const (
	maxJSONBody     = 1 << 20
	shutdownTimeout = 5 * time.Second
)

// Serve runs the catalog API until ctx is cancelled. A sync is started in the background when
// the server comes up.
func (a *App) Serve(ctx context.Context) error {
	addr := net.JoinHostPort(a.cfg.Bind, strconv.Itoa(a.cfg.Port))
	a.httpServer = &http.Server{
		Addr:              addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	go a.syncLogged(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = a.httpServer.Shutdown(shutdownCtx)
	}()

	a.logger.Info("bird catalog listening", zap.String("url", "http://"+addr))
	if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler returns the API router wrapped in the logging and security middleware.
func (a *App) Handler() http.Handler {
	r := mux.NewRouter()
	a.registerRoutes(r)
	return a.securityHeaders(a.requestLogger(r))
}

func (a *App) registerRoutes(r *mux.Router) {
	r.HandleFunc("/api/status", a.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/photos", a.handlePhotos).Methods(http.MethodGet)
	r.HandleFunc("/api/photos/{id:[0-9]+}/image", a.handlePhotoImage).Methods(http.MethodGet)
	r.HandleFunc("/api/species-suggestions", a.handleSpeciesSuggestions).Methods(http.MethodGet)
	r.HandleFunc("/api/species-suggestions-ai", a.handleAISuggestions).Methods(http.MethodGet)
	r.HandleFunc("/api/update-location", a.withToken(a.handleUpdateLocation)).Methods(http.MethodPost)
	r.HandleFunc("/api/update-species", a.withToken(a.handleUpdateSpecies)).Methods(http.MethodPost)
	r.HandleFunc("/api/remove-species", a.withToken(a.handleRemoveSpecies)).Methods(http.MethodPost)
	r.HandleFunc("/api/sync", a.withToken(a.handleSync)).Methods(http.MethodPost)
	r.HandleFunc("/api/audit", a.handleAudit).Methods(http.MethodGet)

	if prefix := a.staticPrefix(); prefix != "" {
		r.PathPrefix(prefix).Handler(http.StripPrefix(prefix, http.FileServer(http.Dir(a.cfg.ImagesDir)))).Methods(http.MethodGet, http.MethodHead)
	}
}

// withToken guards a mutating route when BIRDSYNC_API_TOKEN is set.
func (a *App) withToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.cfg.APIToken != "" && !security.TokenMatches(security.BearerToken(r), a.cfg.APIToken) {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "authentication required"})
			return
		}
		next(w, r)
	}
}

// staticPrefix is the URL prefix the image folder is served under, or "" when identifiers are
// not paths on this server.
func (a *App) staticPrefix() string {
	if a.cfg.Source != config.SourceFilesystem || !strings.HasPrefix(a.cfg.IdentifierPrefix, "/") {
		return ""
	}
	prefix := a.cfg.IdentifierPrefix
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix
}

func (a *App) handleStatus(w http.ResponseWriter, r *http.Request) {
	count, err := a.store.CountPhotos(r.Context())
	if err != nil {
		a.serverError(w, "failed to count photos", err)
		return
	}
	resp := map[string]any{
		"ok":           true,
		"source":       a.source.Kind(),
		"photos":       count,
		"sync_running": a.syncing.Load(),
	}
	if last, ok, err := reconcile.LastResult(r.Context(), a.store); err == nil && ok {
		resp["last_sync"] = last
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) handlePhotos(w http.ResponseWriter, r *http.Request) {
	limit := parsePositiveInt(r.URL.Query().Get("limit"), 1000)
	offset := parseNonNegativeInt(r.URL.Query().Get("offset"), 0)

	photos, err := a.store.ListPhotos(r.Context(), limit, offset)
	if err != nil {
		a.serverError(w, "error fetching photos", err)
		return
	}
	out := make([]map[string]any, 0, len(photos))
	for _, p := range photos {
		out = append(out, map[string]any{
			"id":             p.ID,
			"image_filename": p.Identifier,
			"image_url":      a.imageURL(p.PhotoRecord),
			"date_taken":     nullString(p.CaptureTime),
			"location":       p.PlaceName,
			"latitude":       nullFloat(p.Latitude),
			"longitude":      nullFloat(p.Longitude),
			"species_names":  p.SpeciesNames,
			"source":         p.Source,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// imageURL is what a browser loads for a photo. Filesystem and Firebase identifiers are
// already URLs; anything else is proxied through the API.
func (a *App) imageURL(rec db.PhotoRecord) string {
	id := rec.Identifier
	if strings.HasPrefix(id, "https://") || strings.HasPrefix(id, "http://") {
		return id
	}
	if prefix := a.staticPrefix(); prefix != "" && strings.HasPrefix(id, prefix) {
		return id
	}
	return fmt.Sprintf("/api/photos/%d/image", rec.ID)
}

func (a *App) handlePhotoImage(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid photo id"})
		return
	}
	rec, err := a.store.GetPhotoByID(r.Context(), id)
	if err != nil {
		a.serverError(w, "failed to load photo", err)
		return
	}
	if rec == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "photo not found"})
		return
	}
	data, err := a.source.FetchBytes(r.Context(), rec.Identifier)
	if err != nil {
		a.logger.Warn("image fetch failed", zap.String("identifier", rec.Identifier), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": "image unavailable"})
		return
	}
	contentType := mime.TypeByExtension(strings.ToLower(path.Ext(rec.Identifier)))
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "private, max-age=300")
	_, _ = w.Write(data)
}

func (a *App) handleSpeciesSuggestions(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("query"))
	if len(query) < 2 {
		writeJSON(w, http.StatusOK, []string{})
		return
	}
	tax, err := a.loadTaxonomy(r.Context())
	if err != nil {
		a.logger.Warn("species suggestions unavailable", zap.Error(err))
		writeJSON(w, http.StatusOK, []string{})
		return
	}
	writeJSON(w, http.StatusOK, tax.Suggest(query, species.DefaultSuggestLimit))
}

func (a *App) handleAISuggestions(w http.ResponseWriter, r *http.Request) {
	rows, err := a.store.ListAISuggestions(r.Context())
	if err != nil {
		a.serverError(w, "error fetching species suggestions", err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

type locationRequest struct {
	PhotoID  int64  `json:"photo_id"`
	Location string `json:"location"`
}

func (a *App) handleUpdateLocation(w http.ResponseWriter, r *http.Request) {
	var req locationRequest
	if err := decodeJSONBody(r, &req, maxJSONBody); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid payload"})
		return
	}
	req.Location = strings.TrimSpace(req.Location)
	if req.PhotoID <= 0 || req.Location == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "missing required fields"})
		return
	}
	if err := a.store.UpdatePhotoLocation(r.Context(), req.PhotoID, req.Location); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "photo not found"})
			return
		}
		a.serverError(w, "failed to update location", err)
		return
	}
	a.audit.Record(r.Context(), audit.ActorAPI, audit.ActionLocationUpdated, map[string]any{
		"photo_id": req.PhotoID,
		"location": req.Location,
	})
	writeJSON(w, http.StatusOK, map[string]any{"message": "location updated"})
}

type speciesRequest struct {
	PhotoID    int64  `json:"photo_id"`
	CommonName string `json:"common_name"`
}

func (a *App) decodeSpeciesRequest(w http.ResponseWriter, r *http.Request) (speciesRequest, bool) {
	var req speciesRequest
	if err := decodeJSONBody(r, &req, maxJSONBody); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid payload"})
		return req, false
	}
	req.CommonName = strings.TrimSpace(req.CommonName)
	if req.PhotoID <= 0 || req.CommonName == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "missing required fields"})
		return req, false
	}
	return req, true
}

// handleUpdateSpecies links a species to a photo, creating the species first when the name is
// new to the catalog.
func (a *App) handleUpdateSpecies(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decodeSpeciesRequest(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	photo, err := a.store.GetPhotoByID(ctx, req.PhotoID)
	if err != nil {
		a.serverError(w, "database error", err)
		return
	}
	if photo == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "photo not found"})
		return
	}

	created := false
	sp, err := a.store.GetSpeciesByCommonName(ctx, req.CommonName)
	if err != nil {
		a.serverError(w, "database error", err)
		return
	}
	var speciesID int64
	if sp != nil {
		speciesID = sp.ID
	} else {
		speciesID, err = a.store.CreateSpecies(ctx, req.CommonName)
		if err != nil {
			a.serverError(w, "failed to add species", err)
			return
		}
		created = true
	}
	if err := a.store.LinkSpecies(ctx, req.PhotoID, speciesID); err != nil {
		a.serverError(w, "failed to associate species", err)
		return
	}
	a.audit.Record(ctx, audit.ActorAPI, audit.ActionSpeciesLinked, map[string]any{
		"photo_id":    req.PhotoID,
		"species_id":  speciesID,
		"common_name": req.CommonName,
		"created":     created,
	})

	msg := "species added"
	if created {
		msg = fmt.Sprintf("new species %q added and linked", req.CommonName)
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": msg, "species_id": speciesID, "created": created})
}

func (a *App) handleRemoveSpecies(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decodeSpeciesRequest(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	sp, err := a.store.GetSpeciesByCommonName(ctx, req.CommonName)
	if err != nil {
		a.serverError(w, "database error", err)
		return
	}
	if sp == nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "species not found"})
		return
	}
	if err := a.store.UnlinkSpecies(ctx, req.PhotoID, sp.ID); err != nil {
		a.serverError(w, "failed to remove species", err)
		return
	}
	a.audit.Record(ctx, audit.ActorAPI, audit.ActionSpeciesUnlinked, map[string]any{
		"photo_id":    req.PhotoID,
		"species_id":  sp.ID,
		"common_name": sp.CommonName,
	})
	writeJSON(w, http.StatusOK, map[string]any{"message": "species removed"})
}

func (a *App) handleSync(w http.ResponseWriter, r *http.Request) {
	res, err := a.Sync(r.Context())
	if err != nil {
		if errors.Is(err, ErrSyncRunning) {
			writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error()})
			return
		}
		a.logger.Error("sync failed", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": "sync failed", "detail": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *App) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := parsePositiveInt(r.URL.Query().Get("limit"), 200)
	rows, err := a.store.ListAudit(r.Context(), limit)
	if err != nil {
		a.serverError(w, "failed to load audit log", err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (a *App) serverError(w http.ResponseWriter, msg string, err error) {
	a.logger.Error(msg, zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, map[string]any{"error": msg})
}

func (a *App) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		a.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("took", time.Since(start)))
	})
}

func (a *App) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		next.ServeHTTP(w, r)
	})
}

func decodeJSONBody(r *http.Request, out any, maxBytes int64) error {
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBytes+1))
	if err != nil {
		return err
	}
	if int64(len(body)) > maxBytes {
		return errors.New("JSON payload too large")
	}
	if len(body) == 0 {
		return errors.New("empty JSON payload")
	}

	dec := json.NewDecoder(strings.NewReader(string(body)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	var extra any
	if err := dec.Decode(&extra); err != io.EOF {
		return errors.New("invalid JSON payload")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func parsePositiveInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

func parseNonNegativeInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}

func nullFloat(v sql.NullFloat64) any {
	if !v.Valid {
		return nil
	}
	return v.Float64
}

func nullString(v sql.NullString) any {
	if !v.Valid {
		return nil
	}
	return v.String
}
