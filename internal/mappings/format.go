package mappings

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// ErrInvalidDocument is returned for files that are not a flat object of
// non-empty strings.
var ErrInvalidDocument = errors.New("mappings: invalid document")

//go:embed schema/mappings.schema.json
var schemaJSON []byte

const schemaURL = "mappings.schema.json"

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, schemaErr = compiler.Compile(schemaURL)
	})
	return schema, schemaErr
}

// Format is a document encoding.
type Format int

const (
	FormatJSON Format = iota
	FormatYAML
	FormatTOML
)

// FormatForPath picks the format from the file extension; unknown
// extensions are JSON.
func FormatForPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	case ".toml":
		return FormatTOML
	default:
		return FormatJSON
	}
}

func (f Format) String() string {
	switch f {
	case FormatYAML:
		return "yaml"
	case FormatTOML:
		return "toml"
	default:
		return "json"
	}
}

// Decode parses and schema-validates a mappings document.
func Decode(data []byte, f Format) (*Table, error) {
	var doc any
	switch f {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("%w: decode YAML: %v", ErrInvalidDocument, err)
		}
	case FormatTOML:
		var m map[string]any
		if _, err := toml.Decode(string(data), &m); err != nil {
			return nil, fmt.Errorf("%w: decode TOML: %v", ErrInvalidDocument, err)
		}
		doc = m
	default:
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("%w: decode JSON: %v", ErrInvalidDocument, err)
		}
	}

	// An empty YAML document decodes to nil.
	if doc == nil {
		return Empty, nil
	}

	s, err := compiledSchema()
	if err != nil {
		return nil, err
	}
	if err := s.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: top level is not an object", ErrInvalidDocument)
	}
	m := make(map[string]string, len(obj))
	for k, v := range obj {
		m[k] = v.(string)
	}
	return newTable(m), nil
}

// Encode writes the table in the given format. JSON uses two-space
// indentation with sorted keys and unescaped non-ASCII text.
func Encode(t *Table, f Format) ([]byte, error) {
	switch f {
	case FormatYAML:
		return yaml.Marshal(t.m)
	case FormatTOML:
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(t.m); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		enc.SetIndent("", "  ")
		if err := enc.Encode(t.m); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
}
