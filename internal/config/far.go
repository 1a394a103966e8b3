package config

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/go-gl/mathgl/mgl64"
	"golang.org/x/exp/slices"

	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/protocol"
	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/tile"
	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/tracker"
	"github.com/PorkStudios/FarPlaneTwo-sub014/schemas"
)

// Far is one side's far tile session config. A nil *Far is the JSON null and
// means that side does not want far tiles.
type Far struct {
	MaxLevels      int      `json:"maxLevels" yaml:"max_levels"`
	CutoffDistance int      `json:"cutoffDistance" yaml:"cutoff_distance"`
	RenderModes    []string `json:"renderModes,omitempty" yaml:"render_modes,omitempty"`
	Debug          FarDebug `json:"debug,omitempty" yaml:"debug,omitempty"`
}

type FarDebug struct {
	SkipLevelZero bool `json:"skipLevelZero,omitempty" yaml:"skip_level_zero,omitempty"`
}

func DefaultFar() *Far {
	return &Far{MaxLevels: 3, CutoffDistance: 256, RenderModes: []string{"voxel"}}
}

// ParseFar validates doc against the far config schema and decodes it. An
// empty or null document yields nil.
func ParseFar(doc json.RawMessage) (*Far, error) {
	doc = bytes.TrimSpace(doc)
	if len(doc) == 0 || string(doc) == "null" {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(doc, &v); err != nil {
		return nil, protocol.Errorf(protocol.ErrBadConfig, "json: %v", err)
	}
	s, err := schemas.Get(schemas.FarConfig)
	if err != nil {
		return nil, err
	}
	if err := s.Validate(v); err != nil {
		return nil, protocol.Errorf(protocol.ErrBadConfig, "%v", err)
	}
	var f Far
	if err := json.Unmarshal(doc, &f); err != nil {
		return nil, protocol.Errorf(protocol.ErrBadConfig, "json: %v", err)
	}
	return &f, nil
}

// JSON encodes f; nil encodes as no document.
func (f *Far) JSON() json.RawMessage {
	if f == nil {
		return nil
	}
	b, err := json.Marshal(f)
	if err != nil {
		panic(fmt.Sprintf("config: marshal far config: %v", err))
	}
	return b
}

// Equal compares by value. Two nil configs are equal.
func (f *Far) Equal(o *Far) bool {
	if f == nil || o == nil {
		return f == nil && o == nil
	}
	return f.MaxLevels == o.MaxLevels &&
		f.CutoffDistance == o.CutoffDistance &&
		f.Debug == o.Debug &&
		slices.Equal(f.RenderModes, o.RenderModes)
}

func (f *Far) Clone() *Far {
	if f == nil {
		return nil
	}
	c := *f
	c.RenderModes = slices.Clone(f.RenderModes)
	return &c
}

// MergeFar combines the server and client configs. The result is nil when
// either side is nil; otherwise it is the client config capped by the
// server's levels and distance, keeping only render modes both allow.
func MergeFar(server, client *Far) *Far {
	if server == nil || client == nil {
		return nil
	}
	m := client.Clone()
	m.MaxLevels = min(server.MaxLevels, client.MaxLevels)
	m.CutoffDistance = min(server.CutoffDistance, client.CutoffDistance)
	m.RenderModes = nil
	for _, mode := range client.RenderModes {
		if slices.Contains(server.RenderModes, mode) {
			m.RenderModes = append(m.RenderModes, mode)
		}
	}
	return m
}

// View turns f into a tracker view around anchor. The cutoff distance is in
// voxels and applies to every level in tiles of that level.
func (f *Far) View(anchor mgl64.Vec3) tracker.View {
	levels := min(max(f.MaxLevels, 1), tile.MaxLevels)
	cutoff := (f.CutoffDistance + tile.TileVoxels - 1) / tile.TileVoxels
	return tracker.View{
		Anchor:     anchor,
		Cutoff:     int32(cutoff),
		MinLevel:   0,
		MaxLevel:   uint8(levels - 1),
		SkipLevel0: f.Debug.SkipLevelZero,
	}
}
