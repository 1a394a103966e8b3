package client

import (
	"time"

	"github.com/sasha-s/go-deadlock"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/persistence/snapshot"
	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/tile"
)

// Listener observes mirror changes. Snapshots passed to TileChanged are only
// valid for the duration of the call; Retain to keep them.
type Listener interface {
	TileChanged(s *tile.Snapshot)
	TileUnloaded(pos tile.Pos)
}

type MirrorStats struct {
	TileCount         int64 `json:"tile_count"`
	TileCountWithData int64 `json:"tile_count_with_data"`
	Allocated         int64 `json:"allocated_bytes"`
	Total             int64 `json:"total_bytes"`
	Uncompressed      int64 `json:"uncompressed_bytes"`
}

// Mirror is the client's copy of the tiles the server has sent. It owns one
// reference on every snapshot it holds.
type Mirror struct {
	mu        deadlock.RWMutex
	tiles     map[tile.Pos]*tile.Snapshot
	withData  int64
	sizes     tile.SnapshotStats
	listeners []Listener
}

func NewMirror() *Mirror {
	return &Mirror{tiles: make(map[tile.Pos]*tile.Snapshot)}
}

func (m *Mirror) AddListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *Mirror) addLocked(s *tile.Snapshot) {
	m.tiles[s.Pos] = s
	m.sizes = m.sizes.Add(s.Stats())
	if !s.Empty() {
		m.withData++
	}
}

func (m *Mirror) removeLocked(s *tile.Snapshot) {
	delete(m.tiles, s.Pos)
	m.sizes = m.sizes.Sub(s.Stats())
	if !s.Empty() {
		m.withData--
	}
}

// Receive stores s, taking over the caller's reference. A snapshot older than
// the cached one is released instead and Receive reports false.
func (m *Mirror) Receive(s *tile.Snapshot) bool {
	m.mu.Lock()
	old := m.tiles[s.Pos]
	if old != nil && old.Timestamp > s.Timestamp {
		m.mu.Unlock()
		s.Release()
		return false
	}
	if old != nil {
		m.removeLocked(old)
	}
	m.addLocked(s)
	ls := m.listeners
	s.Retain()
	m.mu.Unlock()

	if old != nil {
		old.Release()
	}
	for _, l := range ls {
		l.TileChanged(s)
	}
	s.Release()
	return true
}

// Unload drops pos and reports whether it was present.
func (m *Mirror) Unload(pos tile.Pos) bool {
	m.mu.Lock()
	old := m.tiles[pos]
	if old == nil {
		m.mu.Unlock()
		return false
	}
	m.removeLocked(old)
	ls := m.listeners
	m.mu.Unlock()

	old.Release()
	for _, l := range ls {
		l.TileUnloaded(pos)
	}
	return true
}

// Get returns a new reference to the snapshot at pos, or nil.
func (m *Mirror) Get(pos tile.Pos) *tile.Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.tiles[pos]
	if s == nil {
		return nil
	}
	return s.Retain()
}

// Positions returns every cached position in ascending order.
func (m *Mirror) Positions() []tile.Pos {
	m.mu.RLock()
	out := maps.Keys(m.tiles)
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b tile.Pos) bool { return a.Less(b) })
	return out
}

func (m *Mirror) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tiles)
}

// TryCompress replaces the snapshot at pos with a compressed copy. It reports
// false when there is nothing to compress or the tile changed meanwhile.
func (m *Mirror) TryCompress(pos tile.Pos) (bool, error) {
	cur := m.Get(pos)
	if cur == nil {
		return false, nil
	}
	defer cur.Release()
	if cur.Empty() || cur.IsCompressed() {
		return false, nil
	}
	packed, err := cur.Compressed()
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	if m.tiles[pos] != cur {
		m.mu.Unlock()
		packed.Release()
		return false, nil
	}
	m.removeLocked(cur)
	m.addLocked(packed)
	m.mu.Unlock()

	// The map's reference.
	cur.Release()
	return true, nil
}

// Clear drops every tile, notifying listeners of each unload.
func (m *Mirror) Clear() {
	m.mu.Lock()
	old := m.tiles
	m.tiles = make(map[tile.Pos]*tile.Snapshot)
	m.sizes = tile.SnapshotStats{}
	m.withData = 0
	ls := m.listeners
	m.mu.Unlock()

	positions := maps.Keys(old)
	slices.SortFunc(positions, func(a, b tile.Pos) bool { return a.Less(b) })
	for _, pos := range positions {
		old[pos].Release()
		for _, l := range ls {
			l.TileUnloaded(pos)
		}
	}
}

func (m *Mirror) Stats() MirrorStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return MirrorStats{
		TileCount:         int64(len(m.tiles)),
		TileCountWithData: m.withData,
		Allocated:         m.sizes.AllocatedBytes,
		Total:             m.sizes.TotalBytes,
		Uncompressed:      m.sizes.UncompressedBytes,
	}
}

// Dump copies the mirror into a snapshot file body with raw payloads.
func (m *Mirror) Dump(prof tile.Profile, sessionID string) (snapshot.MirrorV1, error) {
	m.mu.RLock()
	held := make([]*tile.Snapshot, 0, len(m.tiles))
	for _, s := range m.tiles {
		held = append(held, s.Retain())
	}
	m.mu.RUnlock()
	defer func() {
		for _, s := range held {
			s.Release()
		}
	}()
	slices.SortFunc(held, func(a, b *tile.Snapshot) bool { return a.Pos.Less(b.Pos) })

	out := snapshot.MirrorV1{
		Header: snapshot.Header{Profile: prof.String(), SessionID: sessionID, CreatedAt: time.Now().UTC()},
		Tiles:  make([]snapshot.TileV1, 0, len(held)),
	}
	for _, s := range held {
		t := snapshot.TileV1{Level: s.Pos.Level, X: s.Pos.X, Y: s.Pos.Y, Z: s.Pos.Z, Timestamp: s.Timestamp, Empty: s.Empty()}
		if !s.Empty() {
			raw, err := s.RawPayload()
			if err != nil {
				return snapshot.MirrorV1{}, err
			}
			t.Payload = append([]byte(nil), raw...)
		}
		out.Tiles = append(out.Tiles, t)
	}
	return out, nil
}

// Restore loads a dump into the mirror, subject to the usual timestamp rule.
func (m *Mirror) Restore(pool *tile.BufferPool, dump snapshot.MirrorV1) {
	for _, t := range dump.Tiles {
		pos := tile.Pos{Level: t.Level, X: t.X, Y: t.Y, Z: t.Z}
		if t.Empty {
			m.Receive(tile.NewEmpty(pos, t.Timestamp))
		} else {
			m.Receive(tile.NewSnapshot(pool, pos, t.Timestamp, t.Payload))
		}
	}
}
