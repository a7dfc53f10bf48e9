// Package tasks keeps the user's to-do list, fed by task-creation actions.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"assistd/internal/eventbus"
	"assistd/internal/storage"
	"assistd/pkg/clock"
	"assistd/pkg/logx"
)

var (
	ErrNotFound = errors.New("task not found")
	ErrInvalid  = errors.New("invalid task")
)

type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Notes       string     `json:"notes,omitempty"`
	Priority    string     `json:"priority,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	Due         *time.Time `json:"due,omitempty"`
	Source      string     `json:"source,omitempty"`
	Done        bool       `json:"done"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

type Service struct {
	mu    sync.Mutex
	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store
	clock clock.Clock
	items map[string]*Task
}

func New(store storage.Store, clk clock.Clock, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Service{log: log, bus: bus, store: store, clock: clk, items: map[string]*Task{}}
}

func (s *Service) Load(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	list, err := storage.LoadAll[Task](ctx, s.store, storage.CollectionTasks)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string]*Task, len(list))
	for i := range list {
		t := list[i]
		s.items[t.ID] = &t
	}
	return nil
}

func (s *Service) Create(ctx context.Context, t Task) (Task, error) {
	t.Title = strings.TrimSpace(t.Title)
	if t.Title == "" {
		return Task{}, fmt.Errorf("%w: title is required", ErrInvalid)
	}
	now := s.clock.Now()
	t.ID = ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()
	t.CreatedAt = now
	t.Done, t.CompletedAt = false, nil
	t.Tags = append([]string(nil), t.Tags...)

	s.mu.Lock()
	stored := t
	s.items[t.ID] = &stored
	s.saveLocked(ctx)
	s.mu.Unlock()

	s.log.Info("task created", logx.String("id", t.ID), logx.String("title", t.Title))
	s.bus.Publish(eventbus.Event{Type: eventbus.TaskCreated, Time: now, Data: t})
	return t, nil
}

// Complete marks id done. Completing twice keeps the first completion time.
func (s *Service) Complete(ctx context.Context, id string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.items[id]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !t.Done {
		now := s.clock.Now()
		t.Done, t.CompletedAt = true, &now
		s.saveLocked(ctx)
	}
	return *t, nil
}

func (s *Service) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.items, id)
	s.saveLocked(ctx)
	return nil
}

// List returns tasks in creation order; open tasks only unless includeDone.
func (s *Service) List(includeDone bool) []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked(includeDone)
}

func (s *Service) listLocked(includeDone bool) []Task {
	out := make([]Task, 0, len(s.items))
	for _, t := range s.items {
		if t.Done && !includeDone {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Service) saveLocked(ctx context.Context) {
	if s.store == nil {
		return
	}
	if err := storage.SaveAll(ctx, s.store, storage.CollectionTasks, s.listLocked(true)); err != nil {
		s.log.Error("tasks not persisted", logx.Err(err))
	}
}
