// Package protocol defines the binary frames exchanged between the far-tile
// server and its clients. Every frame is one message type byte followed by the
// message body.
package protocol

import "fmt"

// Version is bumped on any incompatible wire change.
const Version uint16 = 2

type Type uint8

// Server to client.
const (
	TypeHandshake Type = iota + 1
	TypeSessionBegin
	TypeSessionEnd
	TypeConfigMerged
	TypeConfigServer
	TypeTileData
	TypeTileUnload
	TypeTileUnloadBatch
	TypeDebugStats
	TypeDisconnect
)

// Client to server.
const (
	TypeClientReady Type = iota + 0x40
	TypeClientConfig
	TypeAnchorUpdate
	TypeDebugDropAllTiles
	TypeTileAck
)

var typeNames = map[Type]string{
	TypeHandshake:         "HANDSHAKE",
	TypeSessionBegin:      "SESSION_BEGIN",
	TypeSessionEnd:        "SESSION_END",
	TypeConfigMerged:      "CONFIG_MERGED",
	TypeConfigServer:      "CONFIG_SERVER",
	TypeTileData:          "TILE_DATA",
	TypeTileUnload:        "TILE_UNLOAD",
	TypeTileUnloadBatch:   "TILE_UNLOAD_BATCH",
	TypeDebugStats:        "DEBUG_STATS",
	TypeDisconnect:        "DISCONNECT",
	TypeClientReady:       "CLIENT_READY",
	TypeClientConfig:      "CLIENT_CONFIG",
	TypeAnchorUpdate:      "ANCHOR_UPDATE",
	TypeDebugDropAllTiles: "DEBUG_DROP_ALL_TILES",
	TypeTileAck:           "TILE_ACK",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("TYPE_%d", uint8(t))
}

// FromServer reports whether t only travels server to client.
func (t Type) FromServer() bool { return t >= TypeHandshake && t <= TypeDisconnect }

// FromClient reports whether t only travels client to server.
func (t Type) FromClient() bool { return t >= TypeClientReady && t <= TypeTileAck }
