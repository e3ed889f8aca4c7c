package mapped

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casmesh/casmesh/testutil"
)

func TestPool_AllocRelease(t *testing.T) {
	p := NewPool(zerolog.Nop())

	v, err := p.Alloc(4096, Transient)
	require.NoError(t, err)
	assert.Equal(t, 4096, v.Len())
	assert.True(t, v.Writable())
	assert.False(t, v.Persistent())
	for _, b := range v.Bytes() {
		require.Zero(t, b)
	}
	assert.Equal(t, Stats{LiveViews: 1, MemoryBytes: 4096}, p.Stats())

	v.Retain()
	v.Release()
	assert.Equal(t, 1, p.Stats().LiveViews, "still referenced")
	v.Release()
	assert.Equal(t, Stats{}, p.Stats())

	require.NoError(t, p.Close())
}

func TestPool_CreateAndOpenFile(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	p := NewPool(zerolog.Nop())
	defer func() { _ = p.Close() }()

	path := filepath.Join(dir, "blob")
	data := testutil.RandomBytes(100_000, 3)

	w, err := p.CreateFile(path, int64(len(data)), Persistent)
	require.NoError(t, err)
	assert.True(t, w.Persistent())
	copy(w.Bytes(), data)
	require.NoError(t, w.Flush())
	assert.Equal(t, int64(len(data)), p.Stats().MappedBytes)
	w.Release()

	onDisk, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, onDisk)

	r, err := p.OpenFile(path, Transient)
	require.NoError(t, err)
	assert.False(t, r.Writable())
	assert.Equal(t, data, r.Bytes())
	assert.Equal(t, path, r.Path())
	r.Release()

	assert.Equal(t, Stats{}, p.Stats())
}

func TestPool_EmptyFile(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	p := NewPool(zerolog.Nop())
	defer func() { _ = p.Close() }()

	path := testutil.TempFile(t, dir, "empty", "")
	v, err := p.OpenFile(path, Transient)
	require.NoError(t, err)
	assert.Equal(t, 0, v.Len())
	v.Release()

	_, err = p.OpenFile(filepath.Join(dir, "missing"), Transient)
	assert.True(t, os.IsNotExist(err))
}

func TestScope_ReleasesOnEveryPath(t *testing.T) {
	p := NewPool(zerolog.Nop())
	defer func() { _ = p.Close() }()

	work := func(fail bool) error {
		var scope Scope
		defer scope.Close()
		for i := 0; i < 3; i++ {
			v, err := p.Alloc(128, Transient)
			if err != nil {
				return err
			}
			scope.Add(v)
		}
		if fail {
			return os.ErrInvalid
		}
		return nil
	}

	assert.Error(t, work(true))
	assert.Equal(t, 0, p.Stats().LiveViews)
	assert.NoError(t, work(false))
	assert.Equal(t, 0, p.Stats().LiveViews)
}

func TestPool_CloseForceReleases(t *testing.T) {
	p := NewPool(zerolog.Nop())
	v, err := p.Alloc(64, Persistent)
	require.NoError(t, err)

	require.NoError(t, p.Close())
	assert.Equal(t, 0, p.Stats().LiveViews)

	// A late release after Close is harmless.
	v.Release()

	_, err = p.Alloc(64, Transient)
	assert.Error(t, err)
}
