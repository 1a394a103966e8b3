package protocol

import (
	"encoding/json"

	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/tile"
)

type Message interface {
	Type() Type
}

// Handshake opens every connection (server -> client).
type Handshake struct {
	Version uint16
	Profile tile.Profile
}

// SessionBegin starts tile streaming and carries the tile bounds of every
// level the server may send.
type SessionBegin struct {
	Limits []tile.Box
}

type SessionEnd struct{}

// ConfigMerged and ConfigServer carry a JSON document; nil means null.
type ConfigMerged struct {
	Config json.RawMessage
}

type ConfigServer struct {
	Config json.RawMessage
}

// TileData carries tile snapshots. A decoded TileData owns one reference on
// each snapshot; Release drops them.
type TileData struct {
	Tiles []*tile.Snapshot
}

func (m *TileData) Release() {
	for _, s := range m.Tiles {
		s.Release()
	}
	m.Tiles = nil
}

type TileUnload struct {
	Pos tile.Pos
}

type TileUnloadBatch struct {
	Positions []tile.Pos
}

// DebugStats is a JSON stats report.
type DebugStats struct {
	JSON json.RawMessage
}

// Disconnect is the last frame before the server closes the connection.
type Disconnect struct {
	Code   string
	Reason string
}

type ClientReady struct{}

// ClientConfig sets the client's half of the session config; nil means null.
type ClientConfig struct {
	Config json.RawMessage
}

// AnchorUpdate moves the client's view anchor, in voxel coordinates.
type AnchorUpdate struct {
	X, Y, Z float64
}

type DebugDropAllTiles struct{}

// TileAck confirms one TILE_DATA frame. Session counts the connection's
// SESSION_BEGIN frames from 1 and Batch the session's TILE_DATA frames from 1.
// Size is the sum of the frame's payload lengths.
type TileAck struct {
	Session uint64
	Batch   uint64
	Size    uint64
}

func (*Handshake) Type() Type         { return TypeHandshake }
func (*SessionBegin) Type() Type      { return TypeSessionBegin }
func (*SessionEnd) Type() Type        { return TypeSessionEnd }
func (*ConfigMerged) Type() Type      { return TypeConfigMerged }
func (*ConfigServer) Type() Type      { return TypeConfigServer }
func (*TileData) Type() Type          { return TypeTileData }
func (*TileUnload) Type() Type        { return TypeTileUnload }
func (*TileUnloadBatch) Type() Type   { return TypeTileUnloadBatch }
func (*DebugStats) Type() Type        { return TypeDebugStats }
func (*Disconnect) Type() Type        { return TypeDisconnect }
func (*ClientReady) Type() Type       { return TypeClientReady }
func (*ClientConfig) Type() Type      { return TypeClientConfig }
func (*AnchorUpdate) Type() Type      { return TypeAnchorUpdate }
func (*DebugDropAllTiles) Type() Type { return TypeDebugDropAllTiles }
func (*TileAck) Type() Type           { return TypeTileAck }
