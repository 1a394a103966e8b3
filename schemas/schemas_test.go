package schemas

import (
	"encoding/json"
	"testing"
)

func decode(t *testing.T, s string) any {
	t.Helper()
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return v
}

func TestFarConfigSchema(t *testing.T) {
	s, err := Get(FarConfig)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	ok := []string{
		`{"maxLevels":3,"cutoffDistance":256}`,
		`{"maxLevels":1,"cutoffDistance":0,"renderModes":["voxel"],"debug":{"skipLevelZero":true}}`,
	}
	for _, doc := range ok {
		if err := s.Validate(decode(t, doc)); err != nil {
			t.Fatalf("validate %s: %v", doc, err)
		}
	}
	bad := []string{
		`{}`,
		`{"maxLevels":0,"cutoffDistance":256}`,
		`{"maxLevels":3,"cutoffDistance":-1}`,
		`{"maxLevels":3,"cutoffDistance":256,"extra":1}`,
		`{"maxLevels":3,"cutoffDistance":256,"renderModes":["a","a"]}`,
		`[]`,
	}
	for _, doc := range bad {
		if err := s.Validate(decode(t, doc)); err == nil {
			t.Fatalf("expected %s rejected", doc)
		}
	}
}

func TestDebugStatsSchema(t *testing.T) {
	s, err := Get(DebugStats)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	doc := `{
	  "tick": 40,
	  "session_id": "0b8f6c1e-0000-4000-8000-000000000000",
	  "tracker": {"tracked": 9, "pending": 0, "loaded": 9, "errored": 0, "avg_update_us": 12},
	  "cache": {"entries": 9, "queued": 0, "running": 0},
	  "send": {"loads_sent": 9, "unloads_sent": 0, "bytes_sent": 4096}
	}`
	if err := s.Validate(decode(t, doc)); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if err := s.Validate(decode(t, `{"tick":1}`)); err == nil {
		t.Fatalf("expected incomplete report rejected")
	}
	if _, err := Get("nope.json"); err == nil {
		t.Fatalf("expected unknown schema error")
	}
}
