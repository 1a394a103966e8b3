package protocol

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsKnownCode(t *testing.T) {
	cases := []string{
		"",
		ErrProtoDecode,
		ErrProtoUnknownType,
		ErrProtoDuplicateTile,
		ErrProtoViolation,
		ErrProtoVersion,
		ErrBadConfig,
		ErrSlowConsumer,
		ErrServerShutdown,
		ErrServerFull,
		ErrInternal,
	}
	for _, c := range cases {
		if !IsKnownCode(c) {
			t.Fatalf("expected known code: %q", c)
		}
	}
	if IsKnownCode("E_NOT_DEFINED") {
		t.Fatalf("expected unknown code rejected")
	}
}

func TestCodeOf(t *testing.T) {
	err := fmt.Errorf("read loop: %w", Errorf(ErrProtoViolation, "second %s", TypeClientReady))
	if got := CodeOf(err); got != ErrProtoViolation {
		t.Fatalf("code=%q", got)
	}
	if got := err.Error(); got != "read loop: E_PROTO_VIOLATION: second CLIENT_READY" {
		t.Fatalf("message=%q", got)
	}
	if got := CodeOf(errors.New("plain")); got != ErrInternal {
		t.Fatalf("code=%q", got)
	}
}
