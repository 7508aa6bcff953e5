package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type reloadRecorder struct {
	mu    sync.Mutex
	kinds []Kind
}

func (r *reloadRecorder) record(k Kind) {
	r.mu.Lock()
	r.kinds = append(r.kinds, k)
	r.mu.Unlock()
}

func (r *reloadRecorder) snapshot() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Kind, len(r.kinds))
	copy(out, r.kinds)
	return out
}

func newTestWatcher(t *testing.T, dir string, ignore []string, rec *reloadRecorder) *Watcher {
	t.Helper()
	w, err := New(dir, ignore, rec.record)
	require.NoError(t, err)
	w.settle = 50 * time.Millisecond
	return w
}

func TestStartStopNoLeaks(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	w, err := New(dir, nil, func(Kind) {})
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))
	w.Stop()
	// Second Stop must be a no-op.
	w.Stop()
}

func TestStopWithoutStart(t *testing.T) {
	defer goleak.VerifyNone(t)

	w, err := New(t.TempDir(), nil, func(Kind) {})
	require.NoError(t, err)
	w.Stop()
}

func TestGoChangeTriggersFullReload(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0o755))

	rec := &reloadRecorder{}
	w := newTestWatcher(t, dir, nil, rec)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "main.go"), []byte("package main\n"), 0o644))

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) > 0
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, ReloadFull, rec.snapshot()[0])
}

func TestConfigChangeTriggersLightReload(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "klisk.config.yaml"), []byte("name: X\n"), 0o644))

	rec := &reloadRecorder{}
	w := newTestWatcher(t, dir, nil, rec)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "klisk.config.yaml"), []byte("name: Y\n"), 0o644))

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) > 0
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, ReloadLight, rec.snapshot()[0])
}

func TestBurstCollapsesIntoOneReload(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0o755))

	rec := &reloadRecorder{}
	w := newTestWatcher(t, dir, nil, rec)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	// A .go save and a config save inside one burst settle together and
	// upgrade to a full reload.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "klisk.config.yaml"), []byte("name: X\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "main.go"), []byte("package main\n"), 0o644))

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) > 0
	}, 3*time.Second, 20*time.Millisecond)

	time.Sleep(200 * time.Millisecond)
	kinds := rec.snapshot()
	assert.Equal(t, ReloadFull, kinds[0])
	assert.Len(t, kinds, 1, "burst should collapse into one callback")
}

func TestIgnoredPathsDoNotTrigger(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "generated"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0o755))

	rec := &reloadRecorder{}
	w := newTestWatcher(t, dir, []string{"generated/**"}, rec)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "generated", "big.go"), []byte("package g\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0o644))

	time.Sleep(400 * time.Millisecond)
	assert.Empty(t, rec.snapshot())
}

func TestNewDirectoryIsPickedUp(t *testing.T) {
	dir := t.TempDir()

	rec := &reloadRecorder{}
	w := newTestWatcher(t, dir, nil, rec)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	sub := filepath.Join(dir, "src", "tools")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	// Give the watcher a beat to register the new directories.
	time.Sleep(150 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(sub, "extra.go"), []byte("package tools\n"), 0o644))

	require.Eventually(t, func() bool {
		kinds := rec.snapshot()
		return len(kinds) > 0 && kinds[len(kinds)-1] == ReloadFull
	}, 3*time.Second, 20*time.Millisecond)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "full", ReloadFull.String())
	assert.Equal(t, "light", ReloadLight.String())
}
