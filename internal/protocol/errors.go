package protocol

import (
	"errors"
	"fmt"
)

const (
	// Framing and decoding.
	ErrProtoDecode        = "E_PROTO_DECODE"
	ErrProtoUnknownType   = "E_PROTO_UNKNOWN_TYPE"
	ErrProtoDuplicateTile = "E_PROTO_DUPLICATE_TILE"

	// Session state machine.
	ErrProtoViolation = "E_PROTO_VIOLATION"
	ErrProtoVersion   = "E_PROTO_VERSION"
	ErrBadConfig      = "E_BAD_CONFIG"

	// Connection management.
	ErrSlowConsumer   = "E_SLOW_CONSUMER"
	ErrServerShutdown = "E_SERVER_SHUTDOWN"
	ErrServerFull     = "E_SERVER_FULL"
	ErrInternal       = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoDecode:        {},
	ErrProtoUnknownType:   {},
	ErrProtoDuplicateTile: {},
	ErrProtoViolation:     {},
	ErrProtoVersion:       {},
	ErrBadConfig:          {},
	ErrSlowConsumer:       {},
	ErrServerShutdown:     {},
	ErrServerFull:         {},
	ErrInternal:           {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

// Error is a protocol failure with a reason code sent to the peer.
type Error struct {
	Code string
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Code
	}
	return e.Code + ": " + e.Msg
}

func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the reason code from err, or ErrInternal.
func CodeOf(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ErrInternal
}
