// Package output renders command results as JSON, YAML or TOML.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"reflect"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Format is an output encoding.
type Format string

const (
	JSON Format = "json"
	YAML Format = "yaml"
	TOML Format = "toml"
)

// Formats lists the supported formats.
var Formats = []Format{JSON, YAML, TOML}

// ParseFormat parses a format name. "yml" is accepted for YAML.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json":
		return JSON, nil
	case "yaml", "yml":
		return YAML, nil
	case "toml":
		return TOML, nil
	}
	return "", fmt.Errorf("unknown output format %q (want json, yaml or toml)", s)
}

// Write encodes v to w in format f.
//
// TOML documents must be tables, so lists are written under an "items"
// key and nil values are dropped.
func Write(w io.Writer, f Format, v any) error {
	switch f {
	case JSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case YAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	case TOML:
		v = tomlSafe(v)
		if rv := reflect.ValueOf(v); rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
			v = map[string]any{"items": v}
		}
		return toml.NewEncoder(w).Encode(v)
	}
	return fmt.Errorf("unknown output format %q", f)
}

// tomlSafe normalizes records through JSON and strips nulls, which TOML
// cannot represent. Whole numbers are kept as integers.
func tomlSafe(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return v
	}
	return stripNil(generic)
}

func stripNil(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if val != nil {
				out[k] = stripNil(val)
			}
		}
		return out
	case []any:
		out := make([]any, 0, len(t))
		for _, val := range t {
			if val != nil {
				out = append(out, stripNil(val))
			}
		}
		return out
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<53 {
			return int64(t)
		}
	}
	return v
}

// Decode parses data as JSON, YAML or TOML into out, chosen by format.
func Decode(data []byte, f Format, out any) error {
	switch f {
	case JSON:
		return json.Unmarshal(data, out)
	case YAML:
		return yaml.Unmarshal(data, out)
	case TOML:
		return toml.Unmarshal(data, out)
	}
	return fmt.Errorf("unknown input format %q", f)
}

// FormatFromPath picks a format from a file extension, defaulting to JSON.
func FormatFromPath(path string) Format {
	switch {
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		return YAML
	case strings.HasSuffix(path, ".toml"):
		return TOML
	}
	return JSON
}
