package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/tile"
)

// MaxFrameSize bounds a single frame on every transport.
const MaxFrameSize = 64 << 20

// Encode serializes msg into one frame. Positions use prof's wire layout.
func Encode(prof tile.Profile, msg Message) ([]byte, error) {
	dst := []byte{byte(msg.Type())}
	switch m := msg.(type) {
	case *Handshake:
		dst = binary.LittleEndian.AppendUint16(dst, m.Version)
		dst = append(dst, byte(m.Profile))
	case *SessionBegin:
		dst = binary.AppendUvarint(dst, uint64(len(m.Limits)))
		for _, b := range m.Limits {
			dst = appendBox(dst, b)
		}
	case *SessionEnd, *ClientReady, *DebugDropAllTiles:
	case *ConfigMerged:
		dst = appendNullableJSON(dst, m.Config)
	case *ConfigServer:
		dst = appendNullableJSON(dst, m.Config)
	case *ClientConfig:
		dst = appendNullableJSON(dst, m.Config)
	case *TileData:
		var err error
		if dst, err = appendTiles(dst, prof, m.Tiles); err != nil {
			return nil, err
		}
	case *TileUnload:
		dst = m.Pos.AppendWire(dst, prof)
	case *TileUnloadBatch:
		dst = binary.AppendUvarint(dst, uint64(len(m.Positions)))
		for _, p := range m.Positions {
			dst = p.AppendWire(dst, prof)
		}
	case *DebugStats:
		dst = appendBytes(dst, m.JSON)
	case *Disconnect:
		dst = appendBytes(dst, []byte(m.Code))
		dst = appendBytes(dst, []byte(m.Reason))
	case *AnchorUpdate:
		dst = binary.LittleEndian.AppendUint64(dst, math.Float64bits(m.X))
		dst = binary.LittleEndian.AppendUint64(dst, math.Float64bits(m.Y))
		dst = binary.LittleEndian.AppendUint64(dst, math.Float64bits(m.Z))
	case *TileAck:
		dst = binary.AppendUvarint(dst, m.Session)
		dst = binary.AppendUvarint(dst, m.Batch)
		dst = binary.AppendUvarint(dst, m.Size)
	default:
		return nil, fmt.Errorf("protocol: cannot encode %T", msg)
	}
	if len(dst) > MaxFrameSize {
		return nil, fmt.Errorf("protocol: %s frame of %d bytes exceeds limit", msg.Type(), len(dst))
	}
	return dst, nil
}

func appendBox(dst []byte, b tile.Box) []byte {
	dst = append(dst, b.Level)
	for i := 0; i < 3; i++ {
		dst = binary.AppendVarint(dst, int64(b.Min[i]))
		dst = binary.AppendVarint(dst, int64(b.Max[i]))
	}
	return dst
}

func appendBytes(dst, b []byte) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(b)))
	return append(dst, b...)
}

// appendNullableJSON writes a presence byte before the document.
func appendNullableJSON(dst []byte, doc json.RawMessage) []byte {
	if isNull(doc) {
		return append(dst, 0)
	}
	dst = append(dst, 1)
	return appendBytes(dst, doc)
}

func isNull(doc json.RawMessage) bool {
	return len(doc) == 0 || string(doc) == "null"
}

// appendTiles writes each tile as position, timestamp (i64 LE), payload length
// (i32 LE, negative for an empty tile) and the raw payload.
func appendTiles(dst []byte, prof tile.Profile, tiles []*tile.Snapshot) ([]byte, error) {
	dst = binary.AppendUvarint(dst, uint64(len(tiles)))
	for _, s := range tiles {
		dst = s.Pos.AppendWire(dst, prof)
		dst = binary.LittleEndian.AppendUint64(dst, uint64(s.Timestamp))
		if s.Empty() {
			dst = binary.LittleEndian.AppendUint32(dst, math.MaxUint32)
			continue
		}
		raw, err := s.RawPayload()
		if err != nil {
			return nil, err
		}
		if len(raw) > math.MaxInt32 {
			return nil, fmt.Errorf("protocol: tile %s payload too large", s.Pos)
		}
		dst = binary.LittleEndian.AppendUint32(dst, uint32(len(raw)))
		dst = append(dst, raw...)
	}
	return dst, nil
}

// Decoder turns frames back into messages. Decoded tile payloads are copied
// into buffers from Pool.
type Decoder struct {
	Profile tile.Profile
	Pool    *tile.BufferPool
}

func (d Decoder) Decode(frame []byte) (Message, error) {
	if len(frame) == 0 {
		return nil, Errorf(ErrProtoDecode, "empty frame")
	}
	typ := Type(frame[0])
	r := &reader{b: frame, off: 1}
	var msg Message
	switch typ {
	case TypeHandshake:
		m := &Handshake{Version: r.u16(), Profile: tile.Profile(r.u8())}
		msg = m
	case TypeSessionBegin:
		n := r.count(7)
		m := &SessionBegin{Limits: make([]tile.Box, 0, n)}
		for i := 0; i < n && r.err == nil; i++ {
			m.Limits = append(m.Limits, r.box())
		}
		msg = m
	case TypeSessionEnd:
		msg = &SessionEnd{}
	case TypeConfigMerged:
		msg = &ConfigMerged{Config: r.nullableJSON()}
	case TypeConfigServer:
		msg = &ConfigServer{Config: r.nullableJSON()}
	case TypeTileData:
		m, err := d.decodeTiles(r)
		if err != nil {
			return nil, err
		}
		msg = m
	case TypeTileUnload:
		msg = &TileUnload{Pos: r.pos(d.Profile)}
	case TypeTileUnloadBatch:
		n := r.count(3)
		m := &TileUnloadBatch{Positions: make([]tile.Pos, 0, n)}
		for i := 0; i < n && r.err == nil; i++ {
			m.Positions = append(m.Positions, r.pos(d.Profile))
		}
		msg = m
	case TypeDebugStats:
		msg = &DebugStats{JSON: json.RawMessage(r.bytes())}
	case TypeDisconnect:
		msg = &Disconnect{Code: string(r.bytes()), Reason: string(r.bytes())}
	case TypeClientReady:
		msg = &ClientReady{}
	case TypeClientConfig:
		msg = &ClientConfig{Config: r.nullableJSON()}
	case TypeAnchorUpdate:
		msg = &AnchorUpdate{X: r.f64(), Y: r.f64(), Z: r.f64()}
	case TypeDebugDropAllTiles:
		msg = &DebugDropAllTiles{}
	case TypeTileAck:
		msg = &TileAck{Session: r.uvarint(), Batch: r.uvarint(), Size: r.uvarint()}
	default:
		return nil, Errorf(ErrProtoUnknownType, "message type %d", uint8(typ))
	}
	if err := r.finish(typ); err != nil {
		if td, ok := msg.(*TileData); ok {
			td.Release()
		}
		return nil, err
	}
	return msg, nil
}

func (d Decoder) decodeTiles(r *reader) (*TileData, error) {
	pool := d.Pool
	if pool == nil {
		pool = tile.NewBufferPool()
	}
	n := r.count(15)
	m := &TileData{Tiles: make([]*tile.Snapshot, 0, n)}
	seen := make(map[tile.Pos]struct{}, n)
	for i := 0; i < n && r.err == nil; i++ {
		pos := r.pos(d.Profile)
		ts := int64(r.u64())
		size := int32(r.u32())
		var payload []byte
		if size >= 0 {
			payload = r.raw(int(size))
		}
		if r.err != nil {
			break
		}
		if _, dup := seen[pos]; dup {
			m.Release()
			return nil, Errorf(ErrProtoDuplicateTile, "tile %s repeated in one frame", pos)
		}
		seen[pos] = struct{}{}
		if payload == nil {
			m.Tiles = append(m.Tiles, tile.NewEmpty(pos, ts))
		} else {
			m.Tiles = append(m.Tiles, tile.NewSnapshot(pool, pos, ts, payload))
		}
	}
	return m, nil
}

type reader struct {
	b   []byte
	off int
	err error
}

func (r *reader) fail(format string, args ...any) {
	if r.err == nil {
		r.err = Errorf(ErrProtoDecode, format, args...)
	}
}

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if n < 0 || len(r.b)-r.off < n {
		r.fail("short frame at offset %d", r.off)
		return false
	}
	return true
}

func (r *reader) u8() byte {
	if !r.need(1) {
		return 0
	}
	v := r.b[r.off]
	r.off++
	return v
}

func (r *reader) u16() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(r.b[r.off:])
	r.off += 2
	return v
}

func (r *reader) u32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(r.b[r.off:])
	r.off += 4
	return v
}

func (r *reader) u64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(r.b[r.off:])
	r.off += 8
	return v
}

func (r *reader) f64() float64 { return math.Float64frombits(r.u64()) }

func (r *reader) uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.b[r.off:])
	if n <= 0 {
		r.fail("bad uvarint at offset %d", r.off)
		return 0
	}
	r.off += n
	return v
}

func (r *reader) varint32() int32 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Varint(r.b[r.off:])
	if n <= 0 || v < math.MinInt32 || v > math.MaxInt32 {
		r.fail("bad varint at offset %d", r.off)
		return 0
	}
	r.off += n
	return int32(v)
}

// count reads an element count, rejecting counts the remaining bytes cannot
// hold at minSize bytes per element.
func (r *reader) count(minSize int) int {
	n := r.uvarint()
	if r.err != nil {
		return 0
	}
	if n > uint64((len(r.b)-r.off)/minSize) {
		r.fail("count %d exceeds frame", n)
		return 0
	}
	return int(n)
}

func (r *reader) raw(n int) []byte {
	if !r.need(n) {
		return nil
	}
	v := r.b[r.off : r.off+n : r.off+n]
	r.off += n
	return v
}

func (r *reader) bytes() []byte {
	n := r.uvarint()
	if r.err != nil {
		return nil
	}
	if n > uint64(len(r.b)-r.off) {
		r.fail("length %d exceeds frame", n)
		return nil
	}
	return append([]byte(nil), r.raw(int(n))...)
}

func (r *reader) nullableJSON() json.RawMessage {
	switch r.u8() {
	case 0:
		return nil
	case 1:
		doc := r.bytes()
		if r.err == nil && !json.Valid(doc) {
			r.fail("invalid json document")
		}
		return doc
	default:
		r.fail("bad presence flag")
		return nil
	}
}

func (r *reader) pos(prof tile.Profile) tile.Pos {
	if r.err != nil {
		return tile.Pos{}
	}
	p, n, err := tile.ReadWire(r.b[r.off:], prof)
	if err != nil {
		r.fail("position: %v", err)
		return tile.Pos{}
	}
	r.off += n
	return p
}

func (r *reader) box() tile.Box {
	b := tile.Box{Level: r.u8()}
	for i := 0; i < 3; i++ {
		b.Min[i] = r.varint32()
		b.Max[i] = r.varint32()
	}
	return b
}

func (r *reader) finish(typ Type) error {
	if r.err != nil {
		return fmt.Errorf("decode %s: %w", typ, r.err)
	}
	if r.off != len(r.b) {
		return Errorf(ErrProtoDecode, "%s: %d trailing bytes", typ, len(r.b)-r.off)
	}
	return nil
}
