// Package backup snapshots every state collection into a gzipped JSON
// archive on local disk and optionally uploads it to S3-compatible storage.
package backup

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"assistd/internal/eventbus"
	"assistd/internal/storage"
	"assistd/pkg/clock"
	"assistd/pkg/logx"
)

const filePrefix = "assistd-"

var ErrNoStore = errors.New("backup: no state store")

type Config struct {
	Dir string
	// Keep is the number of local archives retained. Zero keeps all.
	Keep int
	S3   S3Config
}

// Archive is the on-disk backup format.
type Archive struct {
	CreatedAt   time.Time                  `json:"createdAt"`
	Label       string                     `json:"label,omitempty"`
	Collections map[string]json.RawMessage `json:"collections"`
}

type Result struct {
	Name        string    `json:"name"`
	Path        string    `json:"path"`
	Bytes       int64     `json:"bytes"`
	Collections int       `json:"collections"`
	Uploaded    bool      `json:"uploaded"`
	At          time.Time `json:"at"`
}

// Uploader copies an archive to remote storage.
type Uploader interface {
	Upload(ctx context.Context, name string, r io.Reader, size int64) error
}

type Option func(*Service)

func WithClock(c clock.Clock) Option { return func(s *Service) { s.clock = c } }

func WithUploader(u Uploader) Option { return func(s *Service) { s.up = u } }

type Service struct {
	mu    sync.Mutex // serializes runs
	cfg   Config
	store storage.Store
	up    Uploader
	log   logx.Logger
	bus   eventbus.Bus
	clock clock.Clock
}

func New(cfg Config, store storage.Store, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	s := &Service{cfg: cfg, store: store, log: log, bus: bus, clock: clock.Real()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run writes one archive of all collections. label is sanitized into the file name.
func (s *Service) Run(ctx context.Context, label string) (Result, error) {
	if s.store == nil {
		return Result{}, ErrNoStore
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	start := s.clock.Now()
	arc := Archive{CreatedAt: start.UTC(), Label: label, Collections: map[string]json.RawMessage{}}
	for _, c := range storage.Collections() {
		b, ok, err := s.store.Load(ctx, c)
		if err != nil {
			return Result{}, fmt.Errorf("backup: load %s: %w", c, err)
		}
		if ok && json.Valid(b) {
			arc.Collections[c] = json.RawMessage(b)
		}
	}
	data, err := encode(arc)
	if err != nil {
		return Result{}, err
	}

	name := filePrefix + start.UTC().Format("20060102T150405Z")
	if l := sanitize(label); l != "" {
		name += "-" + l
	}
	name += ".json.gz"
	res := Result{Name: name, Bytes: int64(len(data)), Collections: len(arc.Collections), At: start}

	if dir := strings.TrimSpace(s.cfg.Dir); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return Result{}, fmt.Errorf("backup: %w", err)
		}
		res.Path = filepath.Join(dir, name)
		if err := writeAtomic(res.Path, data); err != nil {
			return Result{}, fmt.Errorf("backup: %w", err)
		}
		if err := s.prune(dir); err != nil {
			s.log.Warn("backup prune failed", logx.Err(err))
		}
	}
	if s.up != nil {
		if err := s.up.Upload(ctx, name, bytes.NewReader(data), int64(len(data))); err != nil {
			s.finish(ctx, res, start, err)
			return res, fmt.Errorf("backup: upload: %w", err)
		}
		res.Uploaded = true
	}
	if res.Path == "" && !res.Uploaded {
		err := errors.New("backup: neither dir nor remote configured")
		s.finish(ctx, res, start, err)
		return Result{}, err
	}
	s.finish(ctx, res, start, nil)
	return res, nil
}

// Restore loads an archive from path and overwrites the collections it holds.
// Services must be reloaded afterwards.
func (s *Service) Restore(ctx context.Context, path string) (int, error) {
	if s.store == nil {
		return 0, ErrNoStore
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("restore: %w", err)
	}
	defer f.Close()
	arc, err := decode(f)
	if err != nil {
		return 0, fmt.Errorf("restore: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range storage.Collections() {
		raw, ok := arc.Collections[c]
		if !ok {
			continue
		}
		if err := s.store.Save(ctx, c, raw); err != nil {
			return n, fmt.Errorf("restore %s: %w", c, err)
		}
		n++
	}
	s.log.Info("backup restored", logx.String("path", path), logx.Int("collections", n))
	return n, nil
}

// List returns local archive names, newest first.
func (s *Service) List() ([]string, error) {
	dir := strings.TrimSpace(s.cfg.Dir)
	if dir == "" {
		return nil, nil
	}
	return listArchives(dir)
}

func (s *Service) finish(ctx context.Context, res Result, start time.Time, err error) {
	took := s.clock.Now().Sub(start)
	entry := storage.AuditEntry{At: start, Kind: "backup", Subject: res.Name, Status: "ok", OK: res.Collections, TookMS: took.Milliseconds()}
	if err != nil {
		entry.Status, entry.Fail, entry.Error = "failed", 1, err.Error()
		s.log.Error("backup failed", logx.String("name", res.Name), logx.Err(err))
	} else {
		s.log.Info("backup written", logx.String("name", res.Name), logx.Int64("bytes", res.Bytes), logx.Bool("uploaded", res.Uploaded))
		s.bus.Publish(eventbus.Event{Type: eventbus.BackupCompleted, Time: start, Data: res})
	}
	if aerr := s.store.AppendAudit(ctx, entry); aerr != nil {
		s.log.Warn("backup audit not written", logx.Err(aerr))
	}
}

func (s *Service) prune(dir string) error {
	if s.cfg.Keep <= 0 {
		return nil
	}
	names, err := listArchives(dir)
	if err != nil {
		return err
	}
	var errs []error
	for _, n := range names[min(s.cfg.Keep, len(names)):] {
		if err := os.Remove(filepath.Join(dir, n)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func listArchives(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasPrefix(e.Name(), filePrefix) && strings.HasSuffix(e.Name(), ".json.gz") {
			names = append(names, e.Name())
		}
	}
	// Timestamps in the name sort lexically.
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}

func encode(arc Archive) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(zw).Encode(arc); err != nil {
		return nil, fmt.Errorf("backup: encode: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("backup: compress: %w", err)
	}
	return buf.Bytes(), nil
}

func decode(r io.Reader) (Archive, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return Archive{}, err
	}
	defer zr.Close()
	var arc Archive
	if err := json.NewDecoder(zr).Decode(&arc); err != nil {
		return Archive{}, err
	}
	return arc, nil
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ' || r == '.':
			b.WriteRune('-')
		}
	}
	out := b.String()
	if len(out) > 40 {
		out = out[:40]
	}
	return out
}
