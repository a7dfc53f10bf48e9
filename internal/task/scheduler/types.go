package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"assistd/internal/task/engine"
	"assistd/pkg/logx"
)

type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Europe/Berlin"
}

type TaskOptions = engine.TaskOptions

const (
	OverlapAllow         = engine.OverlapAllow
	OverlapSkipIfRunning = engine.OverlapSkipIfRunning
)

type scheduleDef struct {
	name    string
	spec    string // cron spec or @every
	timeout time.Duration
	job     func(ctx context.Context) error
	entryID cron.EntryID
	opt     TaskOptions
	state   *engine.RunState
}

// onceDef survives Stop/Start so pending one-shot timers resume.
type onceDef struct {
	at      time.Time
	timeout time.Duration
	job     func(ctx context.Context) error
	ver     uint64
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location

	engine *engine.Service

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time

	tmu    sync.Mutex
	timers map[string]*time.Timer
	once   map[string]*onceDef
	seq    uint64
}

type ScheduleInfo struct {
	Name    string        `json:"name"`
	Spec    string        `json:"spec"`
	Timeout time.Duration `json:"timeout"`
	Next    time.Time     `json:"next,omitempty"`
	Prev    time.Time     `json:"prev,omitempty"`
}

type OnceInfo struct {
	Name string    `json:"name"`
	At   time.Time `json:"at"`
}

type Snapshot struct {
	Enabled   bool            `json:"enabled"`
	Timezone  string          `json:"timezone"`
	Schedules []ScheduleInfo  `json:"schedules"`
	Once      []OnceInfo      `json:"once"`
	Engine    engine.Snapshot `json:"engine"`
}
