// ABOUTME: Metadata field schema loaded from TOML with environment variable expansion
// ABOUTME: Defines which descriptive fields must be present before processing starts

package schema

import (
	"fmt"
	"os"
	"regexp"
	"sort"

	"github.com/BurntSushi/toml"
)

// Field describes one metadata field the pipeline knows about.
type Field struct {
	Name        string `toml:"name"`
	Required    bool   `toml:"required"`
	Description string `toml:"description"`
	Example     string `toml:"example"`
}

// Schema is the set of metadata fields for a deployment.
type Schema struct {
	Fields []Field `toml:"field"`
}

// Default returns the built-in schema used when no schema file is configured.
func Default() *Schema {
	return &Schema{
		Fields: []Field{
			{Name: "subject_id", Required: true, Description: "Identifier of the recorded subject", Example: "m1"},
			{Name: "species", Required: true, Description: "Species of the recorded subject", Example: "Mus musculus"},
			{Name: "session_description", Required: false, Description: "Free-text description of the recording session"},
			{Name: "experimenter", Required: false, Description: "Name of the experimenter"},
		},
	}
}

// Load reads a schema from the given TOML path, expanding ${VAR} references.
func Load(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading schema file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var s Schema
	if _, err := toml.Decode(expanded, &s); err != nil {
		return nil, fmt.Errorf("parsing schema: %w", err)
	}

	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("validating schema: %w", err)
	}
	return &s, nil
}

// Validate checks the schema for empty or duplicate field names.
func (s *Schema) Validate() error {
	if len(s.Fields) == 0 {
		return fmt.Errorf("schema defines no fields")
	}
	seen := make(map[string]bool, len(s.Fields))
	for _, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("field with empty name")
		}
		if seen[f.Name] {
			return fmt.Errorf("duplicate field %q", f.Name)
		}
		seen[f.Name] = true
	}
	return nil
}

// Required returns the names of all required fields in stable order.
func (s *Schema) Required() []string {
	var names []string
	for _, f := range s.Fields {
		if f.Required {
			names = append(names, f.Name)
		}
	}
	sort.Strings(names)
	return names
}

// Missing returns the required fields absent from the given metadata,
// in stable order. An empty result means processing may start.
func (s *Schema) Missing(metadata map[string]string) []string {
	var missing []string
	for _, name := range s.Required() {
		if metadata[name] == "" {
			missing = append(missing, name)
		}
	}
	return missing
}

// expandEnvVars replaces ${VAR_NAME} patterns with environment variable values.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
