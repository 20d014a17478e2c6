package registry

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/songzhibin97/process-engine/types"
)

//go:embed definition.schema.json
var definitionSchema []byte

var schemaLoader = gojsonschema.NewBytesLoader(definitionSchema)

// ParseDefinitions decodes workflow definitions from YAML or JSON. The payload
// may hold a single definition, a list of definitions, or a mapping with a
// "workflows" list. Every definition is checked against the definition schema.
func ParseDefinitions(data []byte) ([]types.WorkflowDefinition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: definition payload is empty", ErrConfiguration)
	}
	var raw interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: decode definitions: %v", ErrConfiguration, err)
	}

	var items []interface{}
	switch v := raw.(type) {
	case []interface{}:
		items = v
	case map[string]interface{}:
		if list, ok := v["workflows"].([]interface{}); ok {
			items = list
		} else {
			items = []interface{}{v}
		}
	default:
		return nil, fmt.Errorf("%w: unexpected definition document of type %T", ErrConfiguration, raw)
	}

	defs := make([]types.WorkflowDefinition, 0, len(items))
	for i, item := range items {
		def, err := decodeDefinition(item)
		if err != nil {
			return nil, fmt.Errorf("definition %d: %w", i, err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func decodeDefinition(item interface{}) (types.WorkflowDefinition, error) {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewGoLoader(item))
	if err != nil {
		return types.WorkflowDefinition{}, fmt.Errorf("%w: schema validation: %v", ErrConfiguration, err)
	}
	if !result.Valid() {
		cfgErr := &ConfigurationError{}
		if m, ok := item.(map[string]interface{}); ok {
			cfgErr.WorkflowID, _ = m["id"].(string)
		}
		for _, e := range result.Errors() {
			cfgErr.Problems = append(cfgErr.Problems, e.String())
		}
		return types.WorkflowDefinition{}, cfgErr
	}

	encoded, err := yaml.Marshal(item)
	if err != nil {
		return types.WorkflowDefinition{}, fmt.Errorf("%w: re-encode definition: %v", ErrConfiguration, err)
	}
	var def types.WorkflowDefinition
	if err := yaml.Unmarshal(encoded, &def); err != nil {
		return types.WorkflowDefinition{}, fmt.Errorf("%w: decode definition: %v", ErrConfiguration, err)
	}
	return def, nil
}

// LoadFile reads definitions from a single YAML or JSON file.
func LoadFile(path string) ([]types.WorkflowDefinition, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	defs, err := ParseDefinitions(content)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return defs, nil
}

// LoadDir reads every *.yaml, *.yml and *.json file of dir in lexical order.
func LoadDir(dir string) ([]types.WorkflowDefinition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read workflow dir %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml", ".json":
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	var defs []types.WorkflowDefinition
	for _, name := range names {
		fileDefs, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		defs = append(defs, fileDefs...)
	}
	return defs, nil
}

// DirSource returns a Source reading dir on every call.
func DirSource(dir string) Source {
	return func(ctx context.Context) ([]types.WorkflowDefinition, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return LoadDir(dir)
	}
}
