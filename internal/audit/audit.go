// Package audit appends catalog mutations to a hash-chained log.
package audit

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"birdphotos/birdsync/internal/db"
)

const (
	ActorSync = "sync"
	ActorAPI  = "api"
	ActorCLI  = "cli"

	ActionPhotoInserted   = "photo_inserted"
	ActionPhotoDeleted    = "photo_deleted"
	ActionSyncCompleted   = "sync_completed"
	ActionSyncFailed      = "sync_failed"
	ActionLocationUpdated = "location_updated"
	ActionSpeciesLinked   = "species_linked"
	ActionSpeciesUnlinked = "species_unlinked"
	ActionSpeciesEnriched = "species_enriched"
	ActionBackupCompleted = "backup_completed"
)

// Logger writes audit rows. Each row's hash covers the previous row's hash, so edits to
// history break the chain.
type Logger struct {
	store  *db.Store
	logger *zap.Logger
	mu     sync.Mutex
}

func New(store *db.Store, logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{store: store, logger: logger}
}

func (l *Logger) Log(ctx context.Context, actor, action string, details map[string]any) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	ts := time.Now().UTC().Format(time.RFC3339Nano)
	prev, err := l.store.LastAuditHash(ctx)
	if err != nil {
		return err
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return err
	}
	hash := entryHash(ts, actor, action, string(detailsJSON), prev)
	return l.store.InsertAudit(ctx, ts, actor, action, details, prev, hash)
}

// Record logs and swallows failures; audit problems never block a catalog change.
func (l *Logger) Record(ctx context.Context, actor, action string, details map[string]any) {
	if err := l.Log(ctx, actor, action, details); err != nil {
		l.logger.Warn("audit write failed", zap.String("action", action), zap.Error(err))
	}
}

// Verify walks the chain from the first row and returns the id of the first row whose hash
// does not match, or 0 when the chain is intact.
func (l *Logger) Verify(ctx context.Context) (int64, error) {
	links, err := l.store.AuditChain(ctx)
	if err != nil {
		return 0, err
	}
	prev := ""
	for _, link := range links {
		if link.PrevHash != prev {
			return link.ID, nil
		}
		if entryHash(link.TS, link.Actor, link.Action, link.DetailsJSON, link.PrevHash) != link.Hash {
			return link.ID, nil
		}
		prev = link.Hash
	}
	return 0, nil
}

func entryHash(ts, actor, action, detailsJSON, prev string) string {
	sum := blake2b.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s|%s", ts, actor, action, detailsJSON, prev)))
	return hex.EncodeToString(sum[:])
}
