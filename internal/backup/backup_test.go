package backup

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assistd/internal/storage"
	"assistd/pkg/clock"
	"assistd/pkg/logx"
)

type memUploader struct {
	name string
	data []byte
	err  error
}

func (u *memUploader) Upload(_ context.Context, name string, r io.Reader, size int64) error {
	if u.err != nil {
		return u.err
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if int64(len(b)) != size {
		return errors.New("size mismatch")
	}
	u.name, u.data = name, b
	return nil
}

func seed(t *testing.T, st storage.Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.Save(ctx, storage.CollectionRules, []byte(`[{"id":"r1"}]`)))
	require.NoError(t, st.Save(ctx, storage.CollectionTasks, []byte(`[{"id":"t1","title":"x"}]`)))
}

func TestRunWritesArchiveAndRestores(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	st := storage.NewMemory()
	seed(t, st)
	clk := clock.NewManual(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	up := &memUploader{}
	svc := New(Config{Dir: dir}, st, logx.Nop(), nil, WithClock(clk), WithUploader(up))

	res, err := svc.Run(ctx, "Nightly run")
	require.NoError(t, err)
	assert.Equal(t, "assistd-20260302T090000Z-nightly-run.json.gz", res.Name)
	assert.Equal(t, 2, res.Collections)
	assert.True(t, res.Uploaded)
	assert.Equal(t, res.Name, up.name)

	raw, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Equal(t, raw, up.data)
	arc, err := decode(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":"r1"}]`, string(arc.Collections[storage.CollectionRules]))

	other := storage.NewMemory()
	n, err := New(Config{}, other, logx.Nop(), nil).Restore(ctx, res.Path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	b, ok, err := other.Load(ctx, storage.CollectionTasks)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `[{"id":"t1","title":"x"}]`, string(b))

	audit := st.(storage.AuditLister).Audit()
	require.NotEmpty(t, audit)
	assert.Equal(t, "backup", audit[len(audit)-1].Kind)
}

func TestPruneKeepsNewest(t *testing.T) {
	dir := t.TempDir()
	st := storage.NewMemory()
	seed(t, st)
	clk := clock.NewManual(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	svc := New(Config{Dir: dir, Keep: 2}, st, logx.Nop(), nil, WithClock(clk))
	for i := 0; i < 4; i++ {
		_, err := svc.Run(context.Background(), "")
		require.NoError(t, err)
		clk.Advance(time.Hour)
	}
	names, err := svc.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"assistd-20260302T120000Z.json.gz", "assistd-20260302T110000Z.json.gz"}, names)
	_, err = os.Stat(filepath.Join(dir, "assistd-20260302T090000Z.json.gz"))
	assert.True(t, os.IsNotExist(err))
}

func TestRunFailures(t *testing.T) {
	ctx := context.Background()
	_, err := New(Config{Dir: t.TempDir()}, nil, logx.Nop(), nil).Run(ctx, "")
	require.ErrorIs(t, err, ErrNoStore)

	_, err = New(Config{}, storage.NewMemory(), logx.Nop(), nil).Run(ctx, "")
	require.Error(t, err)

	up := &memUploader{err: errors.New("bucket gone")}
	_, err = New(Config{}, storage.NewMemory(), logx.Nop(), nil, WithUploader(up)).Run(ctx, "")
	require.ErrorContains(t, err, "bucket gone")

	assert.Equal(t, "a-b_c", sanitize(" A.b_c!? "))
}
