// Package schemas embeds the JSON schemas of the documents carried inside
// protocol frames.
package schemas

import (
	"bytes"
	_ "embed"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed far_config.schema.json
var FarConfigJSON []byte

//go:embed debug_stats.schema.json
var DebugStatsJSON []byte

const (
	FarConfig  = "far_config.schema.json"
	DebugStats = "debug_stats.schema.json"
)

var (
	once     sync.Once
	compiled map[string]*jsonschema.Schema
	compErr  error
)

func compileAll() {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	docs := map[string][]byte{FarConfig: FarConfigJSON, DebugStats: DebugStatsJSON}
	for name, doc := range docs {
		if err := c.AddResource(name, bytes.NewReader(doc)); err != nil {
			compErr = fmt.Errorf("schemas: add %s: %w", name, err)
			return
		}
	}
	compiled = make(map[string]*jsonschema.Schema, len(docs))
	for name := range docs {
		s, err := c.Compile(name)
		if err != nil {
			compErr = fmt.Errorf("schemas: compile %s: %w", name, err)
			return
		}
		compiled[name] = s
	}
}

// Get returns the compiled schema called name.
func Get(name string) (*jsonschema.Schema, error) {
	once.Do(compileAll)
	if compErr != nil {
		return nil, compErr
	}
	s, ok := compiled[name]
	if !ok {
		return nil, fmt.Errorf("schemas: unknown schema %q", name)
	}
	return s, nil
}
