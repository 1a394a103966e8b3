package tile

import (
	"math"

	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/mathx"
)

// Limits bounds the world in voxel coordinates. Max is exclusive.
type Limits struct {
	Min [3]int64
	Max [3]int64
}

// Unbounded covers the full int32 voxel range on every axis.
func Unbounded() Limits {
	return Limits{
		Min: [3]int64{math.MinInt32, math.MinInt32, math.MinInt32},
		Max: [3]int64{math.MaxInt32, math.MaxInt32, math.MaxInt32},
	}
}

// Level converts the voxel bounds into the tile box of one detail level. For
// Profile2D the Y axis collapses to the single row 0.
func (l Limits) Level(level uint8, prof Profile) Box {
	shift := uint(TileShift + int(level))
	b := Box{Level: level}
	for i := 0; i < 3; i++ {
		if prof == Profile2D && i == 1 {
			b.Min[i], b.Max[i] = 0, 1
			continue
		}
		b.Min[i] = mathx.ClampInt32(l.Min[i] >> shift)
		b.Max[i] = mathx.ClampInt32(((l.Max[i] - 1) >> shift) + 1)
	}
	return b
}

// Boxes returns the per-level boxes for levels 0..maxLevel inclusive.
func (l Limits) Boxes(maxLevel uint8, prof Profile) []Box {
	out := make([]Box, 0, int(maxLevel)+1)
	for lvl := 0; lvl <= int(maxLevel); lvl++ {
		out = append(out, l.Level(uint8(lvl), prof))
	}
	return out
}
