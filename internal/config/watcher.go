package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces the burst of fsnotify events editors emit for a
// single save into one reload.
const watchDebounce = 250 * time.Millisecond

// ReloadEvent is delivered when a watched configuration file changes.
type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher observes config.yaml, policy.yaml, and agents.yaml under the home
// directory and reports changes so policy and agent definitions can be
// reloaded without a restart.
type Watcher struct {
	homeDir string
	files   []string
	logger  *slog.Logger
	events  chan ReloadEvent
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir: homeDir,
		files: []string{
			filepath.Join(homeDir, "config.yaml"),
			filepath.Join(homeDir, "policy.yaml"),
			filepath.Join(homeDir, "agents.yaml"),
		},
		logger: logger.With("component", "config_watcher"),
		events: make(chan ReloadEvent, 16),
	}
}

// Events is the reload stream. Closed when the watcher stops.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start watches until the context is canceled. Files that don't exist yet are
// still registered through their directory so a later create is seen.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
		return err
	}

	watched := make(map[string]struct{}, len(w.files))
	for _, file := range w.files {
		watched[file] = struct{}{}
	}

	go w.run(ctx, fsw, watched)
	return nil
}

func (w *Watcher) run(ctx context.Context, fsw *fsnotify.Watcher, watched map[string]struct{}) {
	defer fsw.Close()
	defer close(w.events)

	lastSent := make(map[string]time.Time, len(watched))
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if _, tracked := watched[filepath.Clean(ev.Name)]; !tracked {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			now := time.Now()
			if now.Sub(lastSent[ev.Name]) < watchDebounce {
				continue
			}
			lastSent[ev.Name] = now

			select {
			case w.events <- ReloadEvent{Path: ev.Name, Op: ev.Op}:
				w.logger.Info("config file changed", "path", ev.Name, "op", ev.Op.String())
			default:
				w.logger.Warn("reload event dropped, consumer lagging", "path", ev.Name)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}
