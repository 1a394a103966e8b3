package tracker

import (
	"github.com/go-gl/mathgl/mgl64"

	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/mathx"
	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/tile"
)

// View is what one session should see: detail levels MinLevel..MaxLevel
// (inclusive) around Anchor, Cutoff tiles in each direction.
type View struct {
	Anchor     mgl64.Vec3
	Cutoff     int32
	MinLevel   uint8
	MaxLevel   uint8
	SkipLevel0 bool
}

// Active reports whether level is part of the view.
func (v View) Active(level uint8) bool {
	if level < v.MinLevel || level > v.MaxLevel {
		return false
	}
	return !(v.SkipLevel0 && level == 0)
}

// sameShape ignores the anchor.
func (v View) sameShape(o View) bool {
	return v.Cutoff == o.Cutoff && v.MinLevel == o.MinLevel && v.MaxLevel == o.MaxLevel && v.SkipLevel0 == o.SkipLevel0
}

// AnchorTile is the tile at level nearest to the anchor.
func (v View) AnchorTile(level uint8) tile.Pos {
	shift := uint(tile.TileShift + int(level))
	return tile.Pos{
		Level: level,
		X:     mathx.ClampInt32(mathx.AsrRound(v.Anchor.X(), shift)),
		Y:     mathx.ClampInt32(mathx.AsrRound(v.Anchor.Y(), shift)),
		Z:     mathx.ClampInt32(mathx.AsrRound(v.Anchor.Z(), shift)),
	}
}

// LevelPolicy decides which tiles of one level a view should see.
type LevelPolicy interface {
	TargetPositions(v View, level uint8, yield func(tile.Pos) bool)
}

// WindowPolicy is a LevelPolicy whose targets always form one box per level.
// The tracker diffs consecutive boxes instead of whole target sets.
type WindowPolicy interface {
	LevelPolicy
	Window(v View, level uint8) tile.Box
}

// CubePolicy targets the tiles within Cutoff of the anchor tile on every axis
// of the profile, clipped to the world limits.
type CubePolicy struct {
	Profile tile.Profile
	Limits  tile.Limits
}

func (p CubePolicy) Window(v View, level uint8) tile.Box {
	if !v.Active(level) || v.Cutoff < 0 {
		return tile.Box{Level: level}
	}
	at := v.AnchorTile(level).Coords()
	b := tile.Box{Level: level}
	for i := 0; i < 3; i++ {
		if p.Profile == tile.Profile2D && i == 1 {
			b.Min[i], b.Max[i] = 0, 1
			continue
		}
		b.Min[i] = mathx.ClampInt32(int64(at[i]) - int64(v.Cutoff))
		b.Max[i] = mathx.ClampInt32(int64(at[i]) + int64(v.Cutoff) + 1)
	}
	out, ok := b.Intersect(p.Limits.Level(level, p.Profile))
	if !ok {
		return tile.Box{Level: level}
	}
	return out
}

func (p CubePolicy) TargetPositions(v View, level uint8, yield func(tile.Pos) bool) {
	p.Window(v, level).Each(yield)
}

// Priority orders requests: coarser levels last, then by Manhattan distance to
// the anchor tile. Lower is more urgent.
func Priority(v View, prof tile.Profile, pos tile.Pos) int64 {
	at := v.AnchorTile(pos.Level)
	if prof == tile.Profile2D {
		at.Y = 0
	}
	d := pos.ManhattanTo(at)
	if d > 1<<32-1 {
		d = 1<<32 - 1
	}
	return int64(pos.Level)<<32 | d
}
