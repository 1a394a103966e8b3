// Package tilestore persists generated tile payloads in a bolt database so a
// restarted server serves the same content without regenerating it.
package tilestore

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/boltdb/bolt"
	"github.com/klauspost/compress/zstd"

	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/tile"
)

var (
	tileBucket = []byte("tile")
	metaBucket = []byte("meta")

	maxTimestampKey = []byte("max_ts")
)

const (
	flagEmpty byte = 0
	flagData  byte = 1

	valueHeader = 9
)

// Store implements tilecache.Store. Values are an 8 byte timestamp, a flag
// byte and the zstd compressed payload.
type Store struct {
	db *bolt.DB

	codecOnce sync.Once
	enc       *zstd.Encoder
	dec       *zstd.Decoder
	codecErr  error
}

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open tile store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(tileBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	db.NoSync = true
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s.enc != nil {
		_ = s.enc.Close()
	}
	if s.dec != nil {
		s.dec.Close()
	}
	return s.db.Close()
}

func (s *Store) codec() error {
	s.codecOnce.Do(func() {
		s.enc, s.codecErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if s.codecErr != nil {
			return
		}
		s.dec, s.codecErr = zstd.NewReader(nil)
	})
	return s.codecErr
}

func (s *Store) Load(pos tile.Pos) (ts int64, payload []byte, found bool, err error) {
	if err := s.codec(); err != nil {
		return 0, nil, false, err
	}
	key := pos.Key()
	err = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(tileBucket).Get(key[:])
		if v == nil {
			return nil
		}
		if len(v) < valueHeader {
			return fmt.Errorf("tile store: short value for %s", pos)
		}
		found = true
		ts = int64(binary.BigEndian.Uint64(v[:8]))
		if v[8] == flagEmpty {
			return nil
		}
		out, err := s.dec.DecodeAll(v[valueHeader:], nil)
		if err != nil {
			return fmt.Errorf("tile store: decode %s: %w", pos, err)
		}
		payload = out
		if payload == nil {
			payload = []byte{}
		}
		return nil
	})
	if err != nil {
		return 0, nil, false, err
	}
	return ts, payload, found, nil
}

func (s *Store) Save(pos tile.Pos, ts int64, payload []byte) error {
	if err := s.codec(); err != nil {
		return err
	}
	v := make([]byte, valueHeader, valueHeader+len(payload)/2)
	binary.BigEndian.PutUint64(v[:8], uint64(ts))
	if payload == nil {
		v[8] = flagEmpty
	} else {
		v[8] = flagData
		v = s.enc.EncodeAll(payload, v)
	}
	key := pos.Key()
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(tileBucket).Put(key[:], v); err != nil {
			return err
		}
		meta := tx.Bucket(metaBucket)
		if cur := meta.Get(maxTimestampKey); cur == nil || int64(binary.BigEndian.Uint64(cur)) < ts {
			var b [8]byte
			binary.BigEndian.PutUint64(b[:], uint64(ts))
			return meta.Put(maxTimestampKey, b[:])
		}
		return nil
	})
}

// MaxTimestamp is the newest timestamp ever saved, or 0.
func (s *Store) MaxTimestamp() (int64, error) {
	var ts int64
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(metaBucket).Get(maxTimestampKey); len(v) == 8 {
			ts = int64(binary.BigEndian.Uint64(v))
		}
		return nil
	})
	return ts, err
}

// Entry describes one stored tile without decoding it.
type Entry struct {
	Pos         tile.Pos `json:"pos"`
	Timestamp   int64    `json:"timestamp"`
	Empty       bool     `json:"empty"`
	StoredBytes int      `json:"stored_bytes"`
}

// Range calls fn for stored tiles of level in key order, stopping early when
// fn returns false.
func (s *Store) Range(level uint8, fn func(Entry) bool) error {
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(tileBucket).Cursor()
		for k, v := c.Seek([]byte{level}); k != nil && k[0] == level; k, v = c.Next() {
			pos, err := tile.PosFromKey(k)
			if err != nil {
				return err
			}
			if len(v) < valueHeader {
				return fmt.Errorf("tile store: short value for %s", pos)
			}
			e := Entry{
				Pos:         pos,
				Timestamp:   int64(binary.BigEndian.Uint64(v[:8])),
				Empty:       v[8] == flagEmpty,
				StoredBytes: len(v),
			}
			if !fn(e) {
				return nil
			}
		}
		return nil
	})
}

type Stats struct {
	Tiles int `json:"tiles"`
	Bytes int `json:"bytes"`
}

func (s *Store) Stats() (Stats, error) {
	var st Stats
	err := s.db.View(func(tx *bolt.Tx) error {
		bs := tx.Bucket(tileBucket).Stats()
		st.Tiles = bs.KeyN
		st.Bytes = bs.LeafInuse + bs.BranchInuse
		return nil
	})
	return st, err
}
