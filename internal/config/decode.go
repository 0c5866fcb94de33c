package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// decodeConfig parses raw file content into a Config. The file extension
// selects the format: .yaml/.yml goes through a YAML pass first, everything
// else is treated as JSON. Both formats end up in the same strict JSON
// decoder, so unknown keys fail identically regardless of format.
func decodeConfig(path string, data []byte) (*Config, error) {
	jb := data
	if isYAMLPath(path) {
		var err error
		jb, err = yamlToJSON(data)
		if err != nil {
			return nil, fmt.Errorf("config %s: %w", filepath.Base(path), err)
		}
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", filepath.Base(path), err)
	}
	switch err := dec.Decode(&struct{}{}); err {
	case io.EOF:
	case nil:
		return nil, fmt.Errorf("config %s: trailing data after document", filepath.Base(path))
	default:
		return nil, fmt.Errorf("config %s: %w", filepath.Base(path), err)
	}
	return &cfg, nil
}

func isYAMLPath(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// yamlToJSON re-encodes a YAML document as JSON so the Config schema only
// needs json tags. YAML allows non-string map keys, which json.Marshal
// rejects, so keys are stringified on the way through.
func yamlToJSON(data []byte) ([]byte, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return json.Marshal(stringifyKeys(doc))
}

func stringifyKeys(v any) any {
	switch x := v.(type) {
	case map[string]any:
		for k, e := range x {
			x[k] = stringifyKeys(e)
		}
		return x
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[fmt.Sprint(k)] = stringifyKeys(e)
		}
		return out
	case []any:
		for i := range x {
			x[i] = stringifyKeys(x[i])
		}
		return x
	default:
		return v
	}
}
