package tile

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const KeySize = 13

var ErrShortPos = errors.New("tile: short position encoding")

// AppendWire appends the level byte and zigzag varints of the profile's axes.
// 2D positions omit Y.
func (p Pos) AppendWire(dst []byte, prof Profile) []byte {
	dst = append(dst, p.Level)
	dst = binary.AppendVarint(dst, int64(p.X))
	if prof == Profile3D {
		dst = binary.AppendVarint(dst, int64(p.Y))
	}
	dst = binary.AppendVarint(dst, int64(p.Z))
	return dst
}

// ReadWire decodes one position and returns the number of bytes consumed.
func ReadWire(b []byte, prof Profile) (Pos, int, error) {
	var p Pos
	if len(b) < 1 {
		return p, 0, ErrShortPos
	}
	p.Level = b[0]
	if p.Level >= MaxLevels {
		return p, 0, fmt.Errorf("tile: level %d out of range", p.Level)
	}
	off := 1
	read := func() (int32, error) {
		v, n := binary.Varint(b[off:])
		if n <= 0 {
			return 0, ErrShortPos
		}
		if v < -1<<31 || v > 1<<31-1 {
			return 0, fmt.Errorf("tile: coordinate %d overflows int32", v)
		}
		off += n
		return int32(v), nil
	}
	var err error
	if p.X, err = read(); err != nil {
		return Pos{}, 0, err
	}
	if prof == Profile3D {
		if p.Y, err = read(); err != nil {
			return Pos{}, 0, err
		}
	}
	if p.Z, err = read(); err != nil {
		return Pos{}, 0, err
	}
	return p, off, nil
}

// Key is a fixed-size storage key whose byte order matches Compare.
func (p Pos) Key() [KeySize]byte {
	var k [KeySize]byte
	k[0] = p.Level
	binary.BigEndian.PutUint32(k[1:5], uint32(p.X)^0x80000000)
	binary.BigEndian.PutUint32(k[5:9], uint32(p.Y)^0x80000000)
	binary.BigEndian.PutUint32(k[9:13], uint32(p.Z)^0x80000000)
	return k
}

func PosFromKey(k []byte) (Pos, error) {
	if len(k) != KeySize {
		return Pos{}, fmt.Errorf("tile: key length %d want %d", len(k), KeySize)
	}
	return Pos{
		Level: k[0],
		X:     int32(binary.BigEndian.Uint32(k[1:5]) ^ 0x80000000),
		Y:     int32(binary.BigEndian.Uint32(k[5:9]) ^ 0x80000000),
		Z:     int32(binary.BigEndian.Uint32(k[9:13]) ^ 0x80000000),
	}, nil
}
