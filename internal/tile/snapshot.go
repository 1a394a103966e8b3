package tile

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"
)

// Snapshot is one version of a tile's payload. A nil payload means the tile is
// known to be empty. Snapshots are reference counted: every holder owns one
// reference and must Release it exactly once.
type Snapshot struct {
	Pos       Pos
	Timestamp int64

	buf        *Buffer
	compressed bool
	rawLen     int

	refs atomic.Int32
}

// NewSnapshot copies payload into a buffer from pool. A nil payload makes an
// empty snapshot.
func NewSnapshot(pool *BufferPool, pos Pos, ts int64, payload []byte) *Snapshot {
	s := &Snapshot{Pos: pos, Timestamp: ts}
	if payload != nil {
		s.buf = pool.Copy(payload)
		s.rawLen = len(payload)
	}
	s.refs.Store(1)
	return s
}

// NewEmpty makes a snapshot for a tile with no content.
func NewEmpty(pos Pos, ts int64) *Snapshot {
	s := &Snapshot{Pos: pos, Timestamp: ts}
	s.refs.Store(1)
	return s
}

func (s *Snapshot) String() string {
	return fmt.Sprintf("snapshot{%s ts=%d empty=%t compressed=%t}", s.Pos, s.Timestamp, s.Empty(), s.compressed)
}

func (s *Snapshot) Empty() bool { return s.buf == nil }

func (s *Snapshot) IsCompressed() bool { return s.compressed }

// Retain adds a reference and returns s.
func (s *Snapshot) Retain() *Snapshot {
	for {
		n := s.refs.Load()
		if n <= 0 {
			panic("tile: retain of released snapshot " + s.Pos.String())
		}
		if s.refs.CompareAndSwap(n, n+1) {
			return s
		}
	}
}

// Release drops one reference; the last one frees the payload buffer.
func (s *Snapshot) Release() {
	n := s.refs.Add(-1)
	if n < 0 {
		panic("tile: snapshot released too many times " + s.Pos.String())
	}
	if n == 0 && s.buf != nil {
		s.buf.Release()
	}
}

// Refs is the current reference count.
func (s *Snapshot) Refs() int32 { return s.refs.Load() }

// RawPayload returns the uncompressed payload. For uncompressed snapshots the
// returned slice aliases the buffer and is valid while the caller holds a reference.
func (s *Snapshot) RawPayload() ([]byte, error) {
	if s.buf == nil {
		return nil, nil
	}
	if !s.compressed {
		return s.buf.Bytes(), nil
	}
	dec, err := decoder()
	if err != nil {
		return nil, err
	}
	out, err := dec.DecodeAll(s.buf.Bytes(), make([]byte, 0, s.rawLen))
	if err != nil {
		return nil, fmt.Errorf("tile: decompress %s: %w", s.Pos, err)
	}
	if len(out) != s.rawLen {
		return nil, fmt.Errorf("tile: decompressed %d bytes want %d", len(out), s.rawLen)
	}
	return out, nil
}

// Compressed returns a compressed snapshot with the same contents. If s is
// already compressed (or empty) it returns a new reference to s.
func (s *Snapshot) Compressed() (*Snapshot, error) {
	if s.buf == nil || s.compressed || s.buf.Len() == 0 {
		return s.Retain(), nil
	}
	enc, err := encoder()
	if err != nil {
		return nil, err
	}
	packed := enc.EncodeAll(s.buf.Bytes(), nil)
	out := &Snapshot{
		Pos:        s.Pos,
		Timestamp:  s.Timestamp,
		buf:        s.buf.pool.Copy(packed),
		compressed: true,
		rawLen:     s.rawLen,
	}
	out.refs.Store(1)
	return out, nil
}

// Uncompressed returns an uncompressed snapshot with the same contents. If s is
// not compressed it returns a new reference to s.
func (s *Snapshot) Uncompressed() (*Snapshot, error) {
	if s.buf == nil || !s.compressed {
		return s.Retain(), nil
	}
	raw, err := s.RawPayload()
	if err != nil {
		return nil, err
	}
	out := &Snapshot{
		Pos:       s.Pos,
		Timestamp: s.Timestamp,
		buf:       s.buf.pool.Copy(raw),
		rawLen:    len(raw),
	}
	out.refs.Store(1)
	return out, nil
}

func (s *Snapshot) Stats() SnapshotStats {
	if s == nil || s.buf == nil {
		return SnapshotStats{}
	}
	return SnapshotStats{
		AllocatedBytes:    int64(s.buf.Cap()),
		TotalBytes:        int64(s.buf.Len()),
		UncompressedBytes: int64(s.rawLen),
	}
}

var (
	codecOnce sync.Once
	zenc      *zstd.Encoder
	zdec      *zstd.Decoder
	codecErr  error
)

func initCodec() {
	zenc, codecErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if codecErr != nil {
		return
	}
	zdec, codecErr = zstd.NewReader(nil)
}

func encoder() (*zstd.Encoder, error) {
	codecOnce.Do(initCodec)
	return zenc, codecErr
}

func decoder() (*zstd.Decoder, error) {
	codecOnce.Do(initCodec)
	return zdec, codecErr
}
