package sources

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mmcdole/gofeed"

	"assistd/internal/eventbus"
	"assistd/internal/rules"
	"assistd/internal/storage"
	"assistd/pkg/clock"
	"assistd/pkg/logx"
)

const EventFeedItem = string(rules.TriggerFeedItem)

type FeedConfig struct {
	Name     string
	URL      string
	Interval time.Duration
}

// Scheduler registers periodic jobs.
type Scheduler interface {
	AddSchedule(name, schedule string, timeout time.Duration, job func(ctx context.Context) error) (string, error)
	Remove(name string) bool
}

type FeedOption func(*FeedPoller)

func WithFeedClock(c clock.Clock) FeedOption { return func(p *FeedPoller) { p.clock = c } }

// WithSeenTTL sets how long an item key is remembered. Default 30 days.
func WithSeenTTL(d time.Duration) FeedOption { return func(p *FeedPoller) { p.seenTTL = d } }

// FeedPoller fetches feeds on an interval and emits unseen items once.
type FeedPoller struct {
	feeds  []FeedConfig
	parser *gofeed.Parser
	sink   rules.EventSink
	store  storage.Store
	log    logx.Logger
	bus    eventbus.Bus
	clock  clock.Clock

	seenTTL time.Duration
	mu      sync.Mutex
	seen    map[string]time.Time // used when store is nil
}

func NewFeedPoller(feeds []FeedConfig, sink rules.EventSink, store storage.Store, log logx.Logger, bus eventbus.Bus, opts ...FeedOption) *FeedPoller {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	p := &FeedPoller{
		feeds:   feeds,
		parser:  gofeed.NewParser(),
		sink:    sink,
		store:   store,
		log:     log,
		bus:     bus,
		clock:   clock.Real(),
		seenTTL: 30 * 24 * time.Hour,
		seen:    map[string]time.Time{},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func feedJobName(name string) string { return "feed:" + name }

// Register schedules one polling job per feed.
func (p *FeedPoller) Register(sched Scheduler) error {
	var errs []error
	for _, f := range p.feeds {
		f := f
		if f.Interval <= 0 {
			f.Interval = 15 * time.Minute
		}
		_, err := sched.AddSchedule(feedJobName(f.Name), f.Interval.String(), time.Minute, func(ctx context.Context) error {
			_, err := p.Poll(ctx, f)
			return err
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("feed %s: %w", f.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (p *FeedPoller) Unregister(sched Scheduler) {
	for _, f := range p.feeds {
		sched.Remove(feedJobName(f.Name))
	}
}

// Poll fetches f and emits its unseen items oldest first. It returns the number emitted.
func (p *FeedPoller) Poll(ctx context.Context, f FeedConfig) (int, error) {
	feed, err := p.parser.ParseURLWithContext(f.URL, ctx)
	if err != nil {
		p.log.Warn("feed fetch failed", logx.String("feed", f.Name), logx.Err(err))
		return 0, fmt.Errorf("feed %s: %w", f.Name, err)
	}
	emitted := 0
	for i := len(feed.Items) - 1; i >= 0; i-- {
		item := feed.Items[i]
		id := itemKey(item)
		if id == "" {
			continue
		}
		if !p.markNew(ctx, "feed:"+f.Name+":"+id) {
			continue
		}
		data := itemData(f.Name, feed, item)
		p.bus.Publish(eventbus.Event{Type: eventbus.SourceItemEmitted, Time: p.clock.Now(), Data: map[string]any{"source": "feed", "feed": f.Name, "id": id}})
		if p.sink != nil {
			p.sink.EvaluateTriggers(ctx, EventFeedItem, data)
		}
		emitted++
	}
	if emitted > 0 {
		p.log.Info("feed items emitted", logx.String("feed", f.Name), logx.Int("count", emitted))
	}
	return emitted, nil
}

// markNew records key and reports whether it was unseen.
func (p *FeedPoller) markNew(ctx context.Context, key string) bool {
	now := p.clock.Now()
	until := now.Add(p.seenTTL)
	if p.store != nil {
		if exp, ok, err := p.store.GetDedup(ctx, key); err == nil && ok && exp.After(now) {
			return false
		} else if err != nil {
			p.log.Warn("feed dedup lookup failed", logx.String("key", key), logx.Err(err))
		}
		if err := p.store.PutDedup(ctx, key, until); err != nil {
			p.log.Warn("feed dedup write failed", logx.String("key", key), logx.Err(err))
		}
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if exp, ok := p.seen[key]; ok && exp.After(now) {
		return false
	}
	p.seen[key] = until
	return true
}

func itemKey(it *gofeed.Item) string {
	if g := strings.TrimSpace(it.GUID); g != "" {
		return g
	}
	return strings.TrimSpace(it.Link)
}

func itemData(feedName string, feed *gofeed.Feed, it *gofeed.Item) map[string]any {
	data := map[string]any{
		"source":      "feed",
		"feed":        feedName,
		"feedTitle":   feed.Title,
		"guid":        itemKey(it),
		"title":       it.Title,
		"link":        it.Link,
		"description": it.Description,
		"categories":  append([]string(nil), it.Categories...),
	}
	if it.PublishedParsed != nil {
		data["published"] = it.PublishedParsed.UTC().Format(time.RFC3339)
	} else if it.UpdatedParsed != nil {
		data["published"] = it.UpdatedParsed.UTC().Format(time.RFC3339)
	}
	if len(it.Authors) > 0 && it.Authors[0] != nil {
		data["author"] = it.Authors[0].Name
	}
	return data
}
