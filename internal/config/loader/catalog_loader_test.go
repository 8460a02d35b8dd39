package loader

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"quantflow/internal/checker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const catalogV1 = `strategies:
  macd:
    checks:
      - kind: min_strength
        params: {threshold: 0.2}
`

const catalogV2 = `strategies:
  macd:
    checks:
      - kind: min_strength
        params: {threshold: 0.5}
  bollinger: {}
`

type recordingRegistrar struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingRegistrar) Register(id string, _ checker.Checker) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	return nil
}

func (r *recordingRegistrar) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

func writeCatalog(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestCatalogLoaderReloadKeepsLastGoodSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkers.yaml")
	writeCatalog(t, path, catalogV1)

	l, err := NewCatalogLoader(path, false)
	require.NoError(t, err)
	snap := l.Snapshot()
	assert.Equal(t, int64(1), snap.Version)
	assert.Equal(t, []string{"macd"}, snap.IDs())

	writeCatalog(t, path, "strategies:\n  macd:\n    checks:\n      - kind: nope\n")
	require.Error(t, l.Reload())
	assert.Equal(t, int64(1), l.Snapshot().Version)

	writeCatalog(t, path, catalogV2)
	require.NoError(t, l.Reload())
	snap = l.Snapshot()
	assert.Equal(t, int64(2), snap.Version)
	assert.Equal(t, []string{"bollinger", "macd"}, snap.IDs())
}

func TestCatalogLoaderBindRegistersAndNotifies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkers.yaml")
	writeCatalog(t, path, catalogV1)
	l, err := NewCatalogLoader(path, false)
	require.NoError(t, err)

	reg := &recordingRegistrar{}
	require.NoError(t, l.Bind(reg))
	assert.Equal(t, []string{"macd"}, reg.snapshot())

	l.Subscribe(func(CatalogSnapshot) { panic("listener boom") })
	writeCatalog(t, path, catalogV2)
	require.NoError(t, l.Reload())
	l.notify()
	assert.Equal(t, []string{"macd", "bollinger", "macd"}, reg.snapshot())
}

func TestCatalogLoaderWatchesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkers.yaml")
	writeCatalog(t, path, catalogV1)
	l, err := NewCatalogLoader(path, true)
	require.NoError(t, err)

	changed := make(chan CatalogSnapshot, 4)
	l.Subscribe(func(s CatalogSnapshot) { changed <- s })
	writeCatalog(t, path, catalogV2)

	select {
	case snap := <-changed:
		assert.GreaterOrEqual(t, snap.Version, int64(2))
		assert.Contains(t, snap.IDs(), "bollinger")
	case <-time.After(5 * time.Second):
		t.Fatal("catalog change not observed")
	}
}

func TestCatalogLoaderRequiresReadableFile(t *testing.T) {
	_, err := NewCatalogLoader("", false)
	assert.Error(t, err)
	_, err = NewCatalogLoader(filepath.Join(t.TempDir(), "missing.yaml"), false)
	assert.Error(t, err)
}
