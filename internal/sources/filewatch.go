package sources

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"assistd/internal/eventbus"
	"assistd/internal/rules"
	"assistd/pkg/logx"
)

const EventFileChange = string(rules.TriggerFileChange)

type FileWatchConfig struct {
	Dirs     []string
	Debounce time.Duration
}

// FileWatcher emits one file_change event per path after changes settle.
type FileWatcher struct {
	cfg  FileWatchConfig
	sink rules.EventSink
	log  logx.Logger
	bus  eventbus.Bus
}

func NewFileWatcher(cfg FileWatchConfig, sink rules.EventSink, log logx.Logger, bus eventbus.Bus) *FileWatcher {
	if cfg.Debounce <= 0 {
		cfg.Debounce = 500 * time.Millisecond
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &FileWatcher{cfg: cfg, sink: sink, log: log, bus: bus}
}

// Run watches until ctx is done. It returns an error when the watcher breaks
// so a supervisor can restart it.
func (w *FileWatcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	for _, d := range w.cfg.Dirs {
		if err := fw.Add(d); err != nil {
			return fmt.Errorf("watch %s: %w", d, err)
		}
	}
	w.log.Debug("file watcher started", logx.Strings("dirs", w.cfg.Dirs))

	pending := map[string]fsnotify.Op{}
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return errors.New("file watcher events closed")
			}
			if ev.Op == 0 {
				continue
			}
			pending[ev.Name] |= ev.Op
			timer.Reset(w.cfg.Debounce)
		case err, ok := <-fw.Errors:
			if !ok {
				return errors.New("file watcher errors closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.log.Warn("file watcher overflow; events lost", logx.Err(err))
				continue
			}
			w.log.Warn("file watcher error", logx.Err(err))
		case <-timer.C:
			w.flush(ctx, pending)
			pending = map[string]fsnotify.Op{}
		}
	}
}

func (w *FileWatcher) flush(ctx context.Context, pending map[string]fsnotify.Op) {
	paths := make([]string, 0, len(pending))
	for p := range pending {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		data := fileData(p, pending[p])
		w.bus.Publish(eventbus.Event{Type: eventbus.SourceItemEmitted, Time: time.Now(), Data: map[string]any{"source": "file", "path": p}})
		if w.sink != nil {
			w.sink.EvaluateTriggers(ctx, EventFileChange, data)
		}
	}
}

// fileData describes a settled change. op is the most significant one seen:
// remove, rename, create, write, then chmod.
func fileData(path string, op fsnotify.Op) map[string]any {
	kind := "chmod"
	switch {
	case op.Has(fsnotify.Remove):
		kind = "remove"
	case op.Has(fsnotify.Rename):
		kind = "rename"
	case op.Has(fsnotify.Create):
		kind = "create"
	case op.Has(fsnotify.Write):
		kind = "write"
	}
	name := filepath.Base(path)
	return map[string]any{
		"source": "file",
		"path":   path,
		"dir":    filepath.Dir(path),
		"name":   name,
		"ext":    strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), "."),
		"op":     kind,
	}
}
