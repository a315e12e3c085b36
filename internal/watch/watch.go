// Package watch triggers catalog syncs when the image folder changes.
package watch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"birdphotos/birdsync/internal/source"
)

const DefaultDebounce = 3 * time.Second

// ErrBusy is returned by an onChange handler that could not run because other work holds the
// target. The watcher tries again after the debounce delay.
var ErrBusy = errors.New("change handler busy")

// Watcher collapses bursts of image create, remove and rename events in one directory into
// a single onChange call. With a non-zero interval it also fires on a fixed schedule, which
// covers object stores and filesystems where notifications are unreliable.
//
// onChange never runs concurrently with itself. A trigger that arrives while it runs is
// remembered and causes exactly one more call once the current one returns.
type Watcher struct {
	logger   *zap.Logger
	dir      string
	debounce time.Duration
	interval time.Duration
	onChange func(context.Context) error

	// FireOnStart makes Run call onChange once as soon as notifications are attached.
	FireOnStart bool

	mu      sync.Mutex
	timer   *time.Timer
	running bool
	pending bool
	stopped bool
	idle    chan struct{}
}

func New(dir string, debounce, interval time.Duration, logger *zap.Logger, onChange func(context.Context) error) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		logger:   logger,
		dir:      dir,
		debounce: debounce,
		interval: interval,
		onChange: onChange,
	}
}

// Run blocks until ctx is cancelled and any running onChange call has returned. An empty dir
// disables notifications and leaves only the periodic trigger. A Watcher runs once.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.shutdown()

	var events <-chan fsnotify.Event
	var errs <-chan error
	if w.dir != "" {
		fw, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("create watcher: %w", err)
		}
		defer fw.Close()
		if err := fw.Add(w.dir); err != nil {
			return fmt.Errorf("watch %s: %w", w.dir, err)
		}
		events, errs = fw.Events, fw.Errors
		w.logger.Info("watching image folder", zap.String("dir", w.dir), zap.Duration("debounce", w.debounce))
	}

	var tick <-chan time.Time
	if w.interval > 0 {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		tick = ticker.C
		w.logger.Info("periodic sync enabled", zap.Duration("interval", w.interval))
	}

	if w.FireOnStart {
		go w.fire(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if relevant(ev) {
				w.logger.Debug("image folder changed", zap.String("path", ev.Name), zap.String("op", ev.Op.String()))
				w.schedule(ctx)
			}
		case err, ok := <-errs:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", zap.Error(err))
		case <-tick:
			go w.fire(ctx)
		}
	}
}

func relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return false
	}
	return source.IsImageName(ev.Name)
}

func (w *Watcher) schedule(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.scheduleLocked(ctx)
}

func (w *Watcher) scheduleLocked(ctx context.Context) {
	if w.stopped {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		if ctx.Err() != nil {
			return
		}
		w.fire(ctx)
	})
}

// shutdown stops future triggers and waits for a running onChange call.
func (w *Watcher) shutdown() {
	w.mu.Lock()
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	var idle chan struct{}
	if w.running {
		idle = w.idle
	}
	w.mu.Unlock()
	if idle != nil {
		<-idle
	}
}

func (w *Watcher) fire(ctx context.Context) {
	if w.onChange == nil {
		return
	}
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	if w.running {
		w.pending = true
		w.mu.Unlock()
		return
	}
	w.running = true
	w.idle = make(chan struct{})
	w.mu.Unlock()

	for {
		err := w.onChange(ctx)
		switch {
		case errors.Is(err, ErrBusy):
			w.logger.Info("change handler busy, retrying", zap.Duration("after", w.debounce))
		case err != nil && ctx.Err() == nil:
			w.logger.Error("change handler failed", zap.Error(err))
		}

		w.mu.Lock()
		if errors.Is(err, ErrBusy) {
			w.scheduleLocked(ctx)
		}
		if !w.pending || w.stopped || ctx.Err() != nil {
			w.running = false
			w.pending = false
			close(w.idle)
			w.mu.Unlock()
			return
		}
		w.pending = false
		w.mu.Unlock()
	}
}
