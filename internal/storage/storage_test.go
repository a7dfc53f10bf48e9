package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"assistd/pkg/logx"
)

type record struct {
	ID        string     `json:"id"`
	Status    string     `json:"status"`
	Count     int        `json:"count"`
	CreatedAt time.Time  `json:"createdAt"`
	Due       *time.Time `json:"due,omitempty"`
}

func openDrivers(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()

	fileStore, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "state.json")}, logx.Nop())
	require.NoError(t, err)

	sqliteStore, err := Open(Config{Driver: "sqlite", Path: filepath.Join(dir, "state.db"), BusyTimeout: time.Second}, logx.Nop())
	require.NoError(t, err)

	badgerStore, err := Open(Config{Driver: "badger", Path: ":memory:"}, logx.Nop())
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	redisStore := NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test", 0, logx.Nop())

	stores := map[string]Store{
		"memory": NewMemory(),
		"file":   fileStore,
		"sqlite": sqliteStore,
		"badger": badgerStore,
		"redis":  redisStore,
	}
	t.Cleanup(func() {
		for _, st := range stores {
			_ = st.Close()
		}
	})
	return stores
}

func TestOpenDisabled(t *testing.T) {
	st, err := Open(Config{Driver: "none"}, logx.Nop())
	require.NoError(t, err)
	require.Nil(t, st)

	_, err = Open(Config{Driver: "etcd"}, logx.Nop())
	require.Error(t, err)
}

func TestCollectionRoundTrip(t *testing.T) {
	ctx := context.Background()
	created := time.Date(2026, 3, 2, 9, 30, 0, 123000000, time.UTC)
	due := created.Add(48 * time.Hour)
	want := []record{
		{ID: "a", Status: "pending", Count: 3, CreatedAt: created, Due: &due},
		{ID: "b", Status: "delivered", Count: 0, CreatedAt: created.Add(time.Minute)},
	}

	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			empty, err := LoadAll[record](ctx, st, CollectionRules)
			require.NoError(t, err)
			require.Empty(t, empty)

			require.NoError(t, SaveAll(ctx, st, CollectionRules, want))
			got, err := LoadAll[record](ctx, st, CollectionRules)
			require.NoError(t, err)
			require.Len(t, got, 2)
			for i := range want {
				require.Equal(t, want[i].ID, got[i].ID)
				require.Equal(t, want[i].Status, got[i].Status)
				require.Equal(t, want[i].Count, got[i].Count)
				require.True(t, want[i].CreatedAt.Equal(got[i].CreatedAt))
			}
			require.NotNil(t, got[0].Due)
			require.True(t, due.Equal(*got[0].Due))
			require.Nil(t, got[1].Due)

			// overwrite replaces the whole collection
			require.NoError(t, SaveAll(ctx, st, CollectionRules, want[:1]))
			got, err = LoadAll[record](ctx, st, CollectionRules)
			require.NoError(t, err)
			require.Len(t, got, 1)
		})
	}
}

func TestValueRoundTrip(t *testing.T) {
	ctx := context.Background()
	type prefs struct {
		QuietStart string `json:"quietStart"`
	}
	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			var p prefs
			ok, err := LoadValue(ctx, st, CollectionPreferences, &p)
			require.NoError(t, err)
			require.False(t, ok)

			require.NoError(t, SaveValue(ctx, st, CollectionPreferences, prefs{QuietStart: "22:00"}))
			ok, err = LoadValue(ctx, st, CollectionPreferences, &p)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, "22:00", p.QuietStart)
		})
	}
}

func TestDedupAndAudit(t *testing.T) {
	ctx := context.Background()
	until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := st.GetDedup(ctx, "feed:item-1")
			require.NoError(t, err)
			require.False(t, ok)

			require.NoError(t, st.PutDedup(ctx, "feed:item-1", until))
			got, ok, err := st.GetDedup(ctx, "feed:item-1")
			require.NoError(t, err)
			require.True(t, ok)
			require.True(t, until.Equal(got), "got %s want %s", got, until)

			require.NoError(t, st.AppendAudit(ctx, AuditEntry{Kind: "rule.execute", Subject: "r1", Status: "completed", OK: 2}))
		})
	}
}

func TestMemoryAuditCap(t *testing.T) {
	st := NewMemory()
	for i := 0; i < 1005; i++ {
		require.NoError(t, st.AppendAudit(context.Background(), AuditEntry{Kind: "k"}))
	}
	require.Len(t, st.(AuditLister).Audit(), 1000)
}

func TestBadgerAuditOrder(t *testing.T) {
	st, err := Open(Config{Driver: "badger"}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	base := time.Now()
	for i, subject := range []string{"first", "second", "third"} {
		require.NoError(t, st.AppendAudit(context.Background(), AuditEntry{At: base.Add(time.Duration(i) * time.Second), Subject: subject}))
	}
	entries, err := st.(*badgerStore).AuditEntries()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, "first", entries[0].Subject)
	require.Equal(t, "third", entries[2].Subject)
}

func TestFileStoreRejectsBadCollectionName(t *testing.T) {
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "s.json")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	require.Error(t, st.Save(context.Background(), "../escape", []byte("[]")))
}

func TestClosedMemoryStore(t *testing.T) {
	st := NewMemory()
	require.NoError(t, st.Close())
	require.ErrorIs(t, st.Save(context.Background(), "x", nil), ErrClosed)
}
