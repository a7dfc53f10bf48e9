package sources

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assistd/internal/rules"
	"assistd/internal/storage"
	"assistd/pkg/logx"
)

type recordSink struct {
	mu     sync.Mutex
	events []recorded
}

type recorded struct {
	typ  string
	data map[string]any
}

func (r *recordSink) EvaluateTriggers(_ context.Context, eventType string, data map[string]any) []rules.Rule {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recorded{typ: eventType, data: data})
	return nil
}

func (r *recordSink) all() []recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recorded(nil), r.events...)
}

const rssTwo = `<?xml version="1.0"?>
<rss version="2.0"><channel><title>Ops blog</title>
<item><guid>post-2</guid><title>Second</title><link>https://x/2</link><pubDate>Tue, 03 Mar 2026 10:00:00 GMT</pubDate></item>
<item><guid>post-1</guid><title>First</title><link>https://x/1</link><category>release</category></item>
</channel></rss>`

const rssThree = `<?xml version="1.0"?>
<rss version="2.0"><channel><title>Ops blog</title>
<item><guid>post-3</guid><title>Third</title><link>https://x/3</link></item>
<item><guid>post-2</guid><title>Second</title><link>https://x/2</link></item>
<item><guid>post-1</guid><title>First</title><link>https://x/1</link></item>
</channel></rss>`

func TestFeedPollerEmitsEachItemOnce(t *testing.T) {
	var mu sync.Mutex
	body := rssTwo
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	for name, st := range map[string]storage.Store{"memory-map": nil, "store": storage.NewMemory()} {
		t.Run(name, func(t *testing.T) {
			sink := &recordSink{}
			feed := FeedConfig{Name: "ops", URL: srv.URL}
			p := NewFeedPoller([]FeedConfig{feed}, sink, st, logx.Nop(), nil)

			mu.Lock()
			body = rssTwo
			mu.Unlock()
			n, err := p.Poll(context.Background(), feed)
			require.NoError(t, err)
			assert.Equal(t, 2, n)
			ev := sink.all()
			require.Len(t, ev, 2)
			assert.Equal(t, EventFeedItem, ev[0].typ)
			assert.Equal(t, "First", ev[0].data["title"], "oldest first")
			assert.Equal(t, []string{"release"}, ev[0].data["categories"])
			assert.Equal(t, "2026-03-03T10:00:00Z", ev[1].data["published"])

			n, err = p.Poll(context.Background(), feed)
			require.NoError(t, err)
			assert.Equal(t, 0, n)

			mu.Lock()
			body = rssThree
			mu.Unlock()
			n, err = p.Poll(context.Background(), feed)
			require.NoError(t, err)
			assert.Equal(t, 1, n)
			assert.Equal(t, "post-3", sink.all()[2].data["guid"])
		})
	}
}

type schedRecorder struct {
	names map[string]string
}

func (s *schedRecorder) AddSchedule(name, schedule string, _ time.Duration, _ func(ctx context.Context) error) (string, error) {
	s.names[name] = schedule
	return name, nil
}

func (s *schedRecorder) Remove(name string) bool {
	_, ok := s.names[name]
	delete(s.names, name)
	return ok
}

func TestFeedRegister(t *testing.T) {
	sched := &schedRecorder{names: map[string]string{}}
	p := NewFeedPoller([]FeedConfig{{Name: "a", URL: "http://a", Interval: time.Hour}, {Name: "b", URL: "http://b"}}, nil, nil, logx.Nop(), nil)
	require.NoError(t, p.Register(sched))
	assert.Equal(t, map[string]string{"feed:a": "1h0m0s", "feed:b": "15m0s"}, sched.names)
	p.Unregister(sched)
	assert.Empty(t, sched.names)

	_, err := p.Poll(context.Background(), FeedConfig{Name: "bad", URL: "http://127.0.0.1:1/none"})
	require.Error(t, err)
}

func TestFileData(t *testing.T) {
	d := fileData("/in/Report.PDF", fsnotify.Create|fsnotify.Write)
	assert.Equal(t, "create", d["op"])
	assert.Equal(t, "Report.PDF", d["name"])
	assert.Equal(t, "pdf", d["ext"])
	assert.Equal(t, "/in", d["dir"])
	assert.Equal(t, "remove", fileData("/x", fsnotify.Write|fsnotify.Remove)["op"])
	assert.Equal(t, "write", fileData("/x", fsnotify.Write|fsnotify.Chmod)["op"])
}

func TestFileWatcherDebounces(t *testing.T) {
	dir := t.TempDir()
	sink := &recordSink{}
	w := NewFileWatcher(FileWatchConfig{Dirs: []string{dir}, Debounce: 100 * time.Millisecond}, sink, logx.Nop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	// let the watcher register before writing
	time.Sleep(100 * time.Millisecond)

	path := filepath.Join(dir, "invoice.txt")
	require.NoError(t, os.WriteFile(path, []byte("a"), 0o644))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("b")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.Eventually(t, func() bool { return len(sink.all()) >= 1 }, 3*time.Second, 20*time.Millisecond)
	time.Sleep(250 * time.Millisecond)
	ev := sink.all()
	require.Len(t, ev, 1, "writes to one path collapse into one event")
	assert.Equal(t, EventFileChange, ev[0].typ)
	assert.Equal(t, "invoice.txt", ev[0].data["name"])
	assert.Equal(t, "create", ev[0].data["op"])

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}

	require.Error(t, NewFileWatcher(FileWatchConfig{Dirs: []string{filepath.Join(dir, "missing")}}, nil, logx.Nop(), nil).Run(context.Background()))
}
