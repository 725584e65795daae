package schema

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParseDefinition decodes a workflow definition from JSON or YAML. YAML input
// is normalized to JSON first so config blocks land in json.RawMessage fields
// the same way for both formats.
func ParseDefinition(data []byte) (*WorkflowDefinition, error) {
	trimmed := strings.TrimLeftFunc(string(data), func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
	if strings.HasPrefix(trimmed, "{") {
		def := &WorkflowDefinition{}
		if err := json.Unmarshal(data, def); err != nil {
			return nil, fmt.Errorf("parse definition JSON: %w", err)
		}
		return def, nil
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse definition YAML: %w", err)
	}
	raw, err := json.Marshal(normalizeKeys(doc))
	if err != nil {
		return nil, fmt.Errorf("normalize definition YAML: %w", err)
	}
	def := &WorkflowDefinition{}
	if err := json.Unmarshal(raw, def); err != nil {
		return nil, fmt.Errorf("parse definition: %w", err)
	}
	return def, nil
}

// LoadDefinitionDir reads every .yaml, .yml, and .json file directly under dir
// and parses each as one workflow definition, sorted by file name.
func LoadDefinitionDir(dir string) ([]*WorkflowDefinition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read definition dir: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch filepath.Ext(entry.Name()) {
		case ".yaml", ".yml", ".json":
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	defs := make([]*WorkflowDefinition, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read definition file %s: %w", name, err)
		}
		def, err := ParseDefinition(data)
		if err != nil {
			return nil, fmt.Errorf("definition file %s: %w", name, err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// normalizeKeys converts map[any]any trees produced by YAML decoding into
// map[string]any trees that encoding/json accepts.
func normalizeKeys(v any) any {
	switch val := v.(type) {
	case map[any]any:
		m := make(map[string]any, len(val))
		for k, child := range val {
			m[fmt.Sprintf("%v", k)] = normalizeKeys(child)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(val))
		for k, child := range val {
			m[k] = normalizeKeys(child)
		}
		return m
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = normalizeKeys(child)
		}
		return out
	default:
		return v
	}
}
