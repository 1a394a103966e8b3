// Package gen produces far tile payloads from a seeded hash-noise heightmap.
//
// A payload starts with one kind byte followed by run-length encoded values:
// a 2D tile holds one surface height per column, a 3D tile one block id per
// voxel in x, z, y order. 3D tiles that are all air are empty.
package gen

import (
	"context"
	"fmt"
	"math"

	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/mathx"
	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/tile"
)

const (
	KindHeightmap byte = 1
	KindVoxels    byte = 2
)

// Block ids stored in voxel payloads.
const (
	Air int64 = iota
	Stone
	Dirt
	Grass
	Water
)

const (
	columns = tile.TileVoxels * tile.TileVoxels
	voxels  = columns * tile.TileVoxels
)

type Config struct {
	Seed      int64
	Profile   tile.Profile
	SeaLevel  int64
	Amplitude int64
}

// Terrain implements tilecache.Generator.
type Terrain struct {
	cfg Config
}

func New(cfg Config) *Terrain {
	if cfg.SeaLevel == 0 {
		cfg.SeaLevel = 64
	}
	if cfg.Amplitude <= 0 {
		cfg.Amplitude = 48
	}
	return &Terrain{cfg: cfg}
}

func (t *Terrain) Generate(ctx context.Context, pos tile.Pos) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if pos.Level >= tile.MaxLevels {
		return nil, fmt.Errorf("gen: level %d out of range", pos.Level)
	}
	heights := t.heights(pos)
	if t.cfg.Profile == tile.Profile2D {
		return AppendRLE([]byte{KindHeightmap}, heights), nil
	}

	ids := make([]int64, 0, voxels)
	solid := false
	baseY := int64(pos.Y) << tile.TileShift
	for _, h := range heights {
		for y := int64(0); y < tile.TileVoxels; y++ {
			b := t.block((baseY+y)<<pos.Level, h)
			if b != Air {
				solid = true
			}
			ids = append(ids, b)
		}
	}
	if !solid {
		return nil, nil
	}
	return AppendRLE([]byte{KindVoxels}, ids), nil
}

// heights samples the surface height of every column of pos, x-major.
func (t *Terrain) heights(pos tile.Pos) []int64 {
	out := make([]int64, 0, columns)
	baseX := int64(pos.X) << tile.TileShift
	baseZ := int64(pos.Z) << tile.TileShift
	for x := int64(0); x < tile.TileVoxels; x++ {
		for z := int64(0); z < tile.TileVoxels; z++ {
			out = append(out, t.HeightAt((baseX+x)<<pos.Level, (baseZ+z)<<pos.Level))
		}
	}
	return out
}

func (t *Terrain) block(wy, height int64) int64 {
	switch {
	case wy < height-4:
		return Stone
	case wy < height-1:
		return Dirt
	case wy < height:
		if height <= t.cfg.SeaLevel {
			return Dirt
		}
		return Grass
	case wy < t.cfg.SeaLevel:
		return Water
	default:
		return Air
	}
}

// HeightAt is the surface height of the voxel column at (wx, wz).
func (t *Terrain) HeightAt(wx, wz int64) int64 {
	var h float64
	amp := float64(t.cfg.Amplitude)
	for octave, shift := 0, uint(8); octave < 4; octave, shift = octave+1, shift-1 {
		h += amp * (valueNoise(t.cfg.Seed+int64(octave)*7919, wx, wz, shift) - 0.5)
		amp /= 2
	}
	return t.cfg.SeaLevel + int64(math.Round(h))
}

// valueNoise interpolates lattice hashes on a grid of 2^shift voxels.
func valueNoise(seed, wx, wz int64, shift uint) float64 {
	gx, gz := wx>>shift, wz>>shift
	cell := float64(int64(1) << shift)
	fx := float64(wx-gx<<shift) / cell
	fz := float64(wz-gz<<shift) / cell

	v00 := lattice(seed, gx, gz)
	v10 := lattice(seed, gx+1, gz)
	v01 := lattice(seed, gx, gz+1)
	v11 := lattice(seed, gx+1, gz+1)
	sx, sz := smooth(fx), smooth(fz)
	a := v00 + (v10-v00)*sx
	b := v01 + (v11-v01)*sx
	return a + (b-a)*sz
}

func lattice(seed, x, z int64) float64 {
	return float64(mathx.Hash2(seed, int(x), int(z))>>11) / float64(uint64(1)<<53)
}

func smooth(f float64) float64 { return f * f * (3 - 2*f) }

// Heightmap decodes a 2D payload into per-column heights.
func Heightmap(payload []byte) ([]int64, error) {
	if len(payload) == 0 || payload[0] != KindHeightmap {
		return nil, fmt.Errorf("gen: not a heightmap payload")
	}
	v, err := DecodeRLE(payload[1:], columns)
	if err != nil {
		return nil, err
	}
	if len(v) != columns {
		return nil, fmt.Errorf("gen: heightmap has %d columns, want %d", len(v), columns)
	}
	return v, nil
}

// Voxels decodes a 3D payload into block ids, x-major then z then y.
func Voxels(payload []byte) ([]int64, error) {
	if len(payload) == 0 || payload[0] != KindVoxels {
		return nil, fmt.Errorf("gen: not a voxel payload")
	}
	v, err := DecodeRLE(payload[1:], voxels)
	if err != nil {
		return nil, err
	}
	if len(v) != voxels {
		return nil, fmt.Errorf("gen: voxel payload has %d voxels, want %d", len(v), voxels)
	}
	return v, nil
}
