package client

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/persistence/snapshot"
	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/tile"
)

type recordingListener struct {
	mu       sync.Mutex
	changed  []tile.Pos
	unloaded []tile.Pos
}

func (l *recordingListener) TileChanged(s *tile.Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changed = append(l.changed, s.Pos)
}

func (l *recordingListener) TileUnloaded(pos tile.Pos) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unloaded = append(l.unloaded, pos)
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 7)
	}
	return b
}

func TestMirror_ReceiveReplacesAndDropsStale(t *testing.T) {
	pool := tile.NewBufferPool()
	m := NewMirror()
	l := &recordingListener{}
	m.AddListener(l)
	pos := tile.Pos{Level: 1, X: 2, Z: -3}

	first := tile.NewSnapshot(pool, pos, 5, []byte{1, 2, 3})
	require.True(t, m.Receive(first))
	assert.Equal(t, int32(1), first.Refs())

	newer := tile.NewSnapshot(pool, pos, 6, []byte{4, 5})
	require.True(t, m.Receive(newer))
	assert.Equal(t, int32(0), first.Refs(), "replaced snapshot is released")

	stale := tile.NewSnapshot(pool, pos, 4, []byte{9})
	assert.False(t, m.Receive(stale))
	assert.Equal(t, int32(0), stale.Refs())

	got := m.Get(pos)
	require.NotNil(t, got)
	assert.Equal(t, int64(6), got.Timestamp)
	assert.Equal(t, int32(2), got.Refs())
	got.Release()

	st := m.Stats()
	assert.Equal(t, int64(1), st.TileCount)
	assert.Equal(t, int64(1), st.TileCountWithData)
	assert.Equal(t, int64(2), st.Total)
	assert.Equal(t, int64(2), st.Uncompressed)
	assert.GreaterOrEqual(t, st.Allocated, st.Total)

	assert.Equal(t, []tile.Pos{pos, pos}, l.changed)
}

func TestMirror_SameTimestampReplaces(t *testing.T) {
	m := NewMirror()
	pos := tile.Pos{X: 1}
	m.Receive(tile.NewEmpty(pos, 3))
	assert.True(t, m.Receive(tile.NewSnapshot(tile.NewBufferPool(), pos, 3, []byte{1})))
	assert.Equal(t, int64(1), m.Stats().TileCountWithData)
}

func TestMirror_UnloadAndPositions(t *testing.T) {
	pool := tile.NewBufferPool()
	m := NewMirror()
	l := &recordingListener{}
	m.AddListener(l)

	a := tile.Pos{Level: 0, X: 5}
	b := tile.Pos{Level: 0, X: -1}
	c := tile.Pos{Level: 1, X: 0}
	for _, p := range []tile.Pos{c, a, b} {
		m.Receive(tile.NewSnapshot(pool, p, 1, []byte{1}))
	}
	m.Receive(tile.NewEmpty(tile.Pos{Level: 2}, 1))

	assert.Equal(t, []tile.Pos{b, a, c, {Level: 2}}, m.Positions())
	assert.Equal(t, int64(3), m.Stats().TileCountWithData)

	assert.True(t, m.Unload(a))
	assert.False(t, m.Unload(a))
	assert.Nil(t, m.Get(a))
	assert.Equal(t, []tile.Pos{a}, l.unloaded)
	assert.Equal(t, int64(3), m.Stats().TileCount)
}

func TestMirror_TryCompress(t *testing.T) {
	pool := tile.NewBufferPool()
	m := NewMirror()
	pos := tile.Pos{Level: 0, X: 1, Z: 1}
	raw := payload(4096)
	orig := tile.NewSnapshot(pool, pos, 1, raw)
	m.Receive(orig.Retain())

	ok, err := m.TryCompress(pos)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int32(1), orig.Refs(), "mirror dropped its reference on the original")
	orig.Release()

	got := m.Get(pos)
	require.NotNil(t, got)
	defer got.Release()
	assert.True(t, got.IsCompressed())
	back, err := got.RawPayload()
	require.NoError(t, err)
	assert.Equal(t, raw, back)

	st := m.Stats()
	assert.Equal(t, int64(len(raw)), st.Uncompressed)
	assert.Less(t, st.Total, int64(len(raw)))

	ok, err = m.TryCompress(pos)
	require.NoError(t, err)
	assert.False(t, ok, "already compressed")

	m.Receive(tile.NewEmpty(tile.Pos{Level: 3}, 1))
	ok, err = m.TryCompress(tile.Pos{Level: 3})
	require.NoError(t, err)
	assert.False(t, ok, "empty tiles have nothing to compress")

	ok, err = m.TryCompress(tile.Pos{Level: 9})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMirror_ClearReleasesAndNotifies(t *testing.T) {
	pool := tile.NewBufferPool()
	m := NewMirror()
	l := &recordingListener{}
	m.AddListener(l)
	a := tile.NewSnapshot(pool, tile.Pos{X: 1}, 1, []byte{1})
	b := tile.NewSnapshot(pool, tile.Pos{X: 2}, 1, []byte{2})
	m.Receive(a.Retain())
	m.Receive(b.Retain())

	m.Clear()
	assert.Equal(t, 0, m.Len())
	assert.Equal(t, MirrorStats{}, m.Stats())
	assert.Equal(t, int32(1), a.Refs())
	assert.Equal(t, int32(1), b.Refs())
	assert.Equal(t, []tile.Pos{{X: 1}, {X: 2}}, l.unloaded)
	a.Release()
	b.Release()
	assert.Zero(t, pool.Live())
}

func TestMirror_DumpRestore(t *testing.T) {
	pool := tile.NewBufferPool()
	m := NewMirror()
	m.Receive(tile.NewSnapshot(pool, tile.Pos{Level: 1, X: 3, Y: 4, Z: 5}, 7, payload(300)))
	m.Receive(tile.NewEmpty(tile.Pos{X: -2}, 2))
	_, err := m.TryCompress(tile.Pos{Level: 1, X: 3, Y: 4, Z: 5})
	require.NoError(t, err)

	dump, err := m.Dump(tile.Profile3D, "sess")
	require.NoError(t, err)
	require.Len(t, dump.Tiles, 2)
	assert.True(t, dump.Tiles[0].Empty)
	assert.Equal(t, payload(300), dump.Tiles[1].Payload)

	path := filepath.Join(t.TempDir(), "mirror.snap.zst")
	require.NoError(t, snapshot.WriteSnapshot(path, dump))
	loaded, err := snapshot.ReadSnapshot(path)
	require.NoError(t, err)
	assert.Equal(t, "3d", loaded.Header.Profile)

	restored := NewMirror()
	restored.Restore(tile.NewBufferPool(), loaded)
	assert.Equal(t, m.Positions(), restored.Positions())
	s := restored.Get(tile.Pos{Level: 1, X: 3, Y: 4, Z: 5})
	require.NotNil(t, s)
	defer s.Release()
	assert.Equal(t, int64(7), s.Timestamp)
	raw, err := s.RawPayload()
	require.NoError(t, err)
	assert.Equal(t, payload(300), raw)
}
