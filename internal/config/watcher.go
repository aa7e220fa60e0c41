package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadEvent reports that a watched file settled after one or more writes.
type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher observes config.yaml and policy.yaml in the home directory. The
// directory is watched, not the files, so editors that save by rename still
// produce events. Bursts of writes to one file collapse into a single
// ReloadEvent once the file has been quiet for Debounce.
type Watcher struct {
	Debounce time.Duration

	homeDir string
	names   map[string]bool
	logger  *slog.Logger
	events  chan ReloadEvent
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		Debounce: 200 * time.Millisecond,
		homeDir:  homeDir,
		names:    map[string]bool{"config.yaml": true, "policy.yaml": true},
		logger:   logger.With("component", "config_watcher"),
		events:   make(chan ReloadEvent, 16),
	}
}

// Events is closed when the watcher stops.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
		return err
	}
	go w.run(ctx, fsw)
	return nil
}

func (w *Watcher) run(ctx context.Context, fsw *fsnotify.Watcher) {
	defer close(w.events)
	defer fsw.Close()

	pending := map[string]fsnotify.Op{}
	settle := time.NewTimer(time.Hour)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if !w.names[filepath.Base(ev.Name)] || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			pending[ev.Name] |= ev.Op
			settle.Reset(w.Debounce)
		case <-settle.C:
			w.flush(pending)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}

// flush emits one event per settled file, in path order. A full channel
// drops the event; the next write produces another.
func (w *Watcher) flush(pending map[string]fsnotify.Op) {
	paths := make([]string, 0, len(pending))
	for p := range pending {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		op := pending[p]
		delete(pending, p)
		select {
		case w.events <- ReloadEvent{Path: p, Op: op}:
			w.logger.Info("config file changed", "path", p, "op", op.String())
		default:
			w.logger.Warn("reload event dropped; consumer is behind", "path", p)
		}
	}
}
