// Package filewatch observes protected paths for access events, using
// OS-native change notification with a checksum polling fallback for paths
// fsnotify cannot watch.
package filewatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/EcclahNdege/securewatch/pkg/config"
	"github.com/EcclahNdege/securewatch/pkg/errors"
	"github.com/EcclahNdege/securewatch/pkg/events"
	"github.com/EcclahNdege/securewatch/pkg/model"
	"github.com/EcclahNdege/securewatch/pkg/policy"
	"github.com/EcclahNdege/securewatch/pkg/store"
)

// Watcher drives protected-path observation. Every observed access is handed
// to the policy engine, which owns the alerting and locking decisions.
type Watcher struct {
	engine       *policy.Engine
	store        *store.Store
	bus          *events.Bus
	logger       zerolog.Logger
	pollInterval time.Duration

	mu       sync.Mutex
	watched  map[string]bool   // paths on the fsnotify watcher
	polled   map[string]string // fallback paths -> last checksum
	notified map[string]bool   // fallback paths already logged
}

// NewWatcher wires the file watcher.
func NewWatcher(cfg config.FileWatchConfig, engine *policy.Engine, st *store.Store, bus *events.Bus, logger zerolog.Logger) *Watcher {
	return &Watcher{
		engine:       engine,
		store:        st,
		bus:          bus,
		logger:       logger.With().Str("component", "filewatch").Logger(),
		pollInterval: cfg.PollFallbackInterval,
		watched:      make(map[string]bool),
		polled:       make(map[string]string),
		notified:     make(map[string]bool),
	}
}

func (w *Watcher) Name() string { return "filewatch" }

// Interval is zero: the watcher is a continuous loop, not a ticked monitor.
func (w *Watcher) Interval() time.Duration { return 0 }

// Run blocks until ctx is cancelled. In-flight events are classified before
// exit; no enforcement action is left half-applied by shutdown.
func (w *Watcher) Run(ctx context.Context) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Error().Err(err).Msg("Failed to create fsnotify watcher, polling everything")
		fw = nil
	}
	if fw != nil {
		defer fw.Close()
	}

	w.syncWatchList(fw)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		if fw == nil {
			select {
			case <-ticker.C:
				w.syncWatchList(nil)
				w.pollFallbackPaths(ctx)
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, event)
		case werr, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(werr).Msg("Filesystem watcher error")
		case <-ticker.C:
			w.syncWatchList(fw)
			w.pollFallbackPaths(ctx)
		case <-ctx.Done():
			w.drain(ctx, fw)
			return
		}
	}
}

// drain classifies whatever events are already queued, then returns.
func (w *Watcher) drain(ctx context.Context, fw *fsnotify.Watcher) {
	for {
		select {
		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, event)
		default:
			return
		}
	}
}

// syncWatchList reconciles the fsnotify watch set with the protected-file
// store. Paths the watcher cannot observe fall back to checksum polling with
// a single warning-level log entry per path.
func (w *Watcher) syncWatchList(fw *fsnotify.Watcher) {
	files, err := w.store.ListProtectedFiles("")
	if err != nil {
		w.logger.Error().Err(err).Msg("Failed to list protected files")
		return
	}

	current := make(map[string]bool, len(files))
	for _, f := range files {
		current[f.Path] = true
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for path := range w.watched {
		if !current[path] {
			if fw != nil {
				fw.Remove(path)
			}
			delete(w.watched, path)
			continue
		}
		// An externally removed path silently loses its kernel watch. Drop
		// it here so the add loop below re-establishes observation, by
		// re-adding or by falling back to polling.
		if _, err := os.Stat(path); err != nil {
			if fw != nil {
				fw.Remove(path)
			}
			delete(w.watched, path)
		}
	}
	for path := range w.polled {
		if !current[path] {
			delete(w.polled, path)
			delete(w.notified, path)
		}
	}

	for path := range current {
		if w.watched[path] {
			continue
		}
		if _, polling := w.polled[path]; polling {
			continue
		}
		if fw != nil {
			if err := fw.Add(path); err == nil {
				w.watched[path] = true
				continue
			} else {
				w.noteFallback(path, err)
			}
		}
		sum, _ := checksum(path)
		w.polled[path] = sum
	}
}

// noteFallback records the observation gap once per path. Caller holds w.mu.
func (w *Watcher) noteFallback(path string, cause error) {
	if w.notified[path] {
		return
	}
	w.notified[path] = true
	gap := errors.ObservationGap("filewatch.watch", cause, "cannot watch %s, falling back to polling", path)
	w.logger.Warn().Err(gap).Str("path", path).Msg("Falling back to checksum polling")

	entry := &model.LogEntry{
		Level:    model.LogWarning,
		Category: model.CategorySystem,
		Message:  "File watch degraded to polling: " + path,
		Details:  cause.Error(),
	}
	if err := w.store.CreateLog(entry); err != nil {
		w.logger.Error().Err(err).Msg("Failed to persist observation gap log entry")
		return
	}
	w.bus.Publish(events.TopicNewLog, entry)
}

// handleEvent maps one fsnotify event onto a protected path and hands it to
// the policy engine. Chmod events are ignored: locking a file is itself a
// chmod, and reacting to it would make enforcement look like an attack.
func (w *Watcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	var op policy.FileAccessOp
	switch {
	case event.Op&fsnotify.Write == fsnotify.Write:
		op = policy.FileOpWrite
	case event.Op&fsnotify.Create == fsnotify.Create:
		op = policy.FileOpWrite
	case event.Op&fsnotify.Remove == fsnotify.Remove:
		op = policy.FileOpDelete
	case event.Op&fsnotify.Rename == fsnotify.Rename:
		op = policy.FileOpMove
	default:
		return
	}

	path := w.resolveProtected(event.Name)
	if path == "" {
		return
	}

	// Remove and rename take the kernel watch with them. Forget the path so
	// the next sync re-adds it or demotes it to polling.
	if op == policy.FileOpDelete || op == policy.FileOpMove {
		w.mu.Lock()
		if event.Name == path && w.watched[path] {
			delete(w.watched, path)
		}
		w.mu.Unlock()
	}

	if err := w.engine.HandleFileAccess(ctx, path, op); err != nil && !errors.IsKind(err, errors.KindNotFound) {
		w.logger.Error().Err(err).Str("path", path).Msg("Failed to handle file access")
	}
}

// resolveProtected maps an event path to the protected record it belongs to:
// the path itself, or the protected directory containing it.
func (w *Watcher) resolveProtected(name string) string {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.watched[name] {
		return name
	}
	dir := filepath.Dir(name)
	for path := range w.watched {
		if path == dir || strings.HasPrefix(name, path+string(os.PathSeparator)) {
			return path
		}
	}
	return ""
}

// pollFallbackPaths is the degraded observation mode: compare checksums and
// synthesize events for what changed.
func (w *Watcher) pollFallbackPaths(ctx context.Context) {
	w.mu.Lock()
	snapshot := make(map[string]string, len(w.polled))
	for path, sum := range w.polled {
		snapshot[path] = sum
	}
	w.mu.Unlock()

	for path, prev := range snapshot {
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) && prev != "" {
				w.updatePolled(path, "")
				w.dispatch(ctx, path, policy.FileOpDelete)
			}
			continue
		}
		sum, err := checksum(path)
		if err != nil {
			// Unreadable, often because the file is locked. Not a change.
			continue
		}
		if prev != "" && sum != prev {
			w.dispatch(ctx, path, policy.FileOpWrite)
		}
		w.updatePolled(path, sum)
	}
}

func (w *Watcher) updatePolled(path, sum string) {
	w.mu.Lock()
	if _, ok := w.polled[path]; ok {
		w.polled[path] = sum
	}
	w.mu.Unlock()
}

func (w *Watcher) dispatch(ctx context.Context, path string, op policy.FileAccessOp) {
	if err := w.engine.HandleFileAccess(ctx, path, op); err != nil && !errors.IsKind(err, errors.KindNotFound) {
		w.logger.Error().Err(err).Str("path", path).Msg("Failed to handle polled file access")
	}
}

func checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
