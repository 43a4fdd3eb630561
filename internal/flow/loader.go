package flow

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/BTreeMap/CheckinPipe/internal/models"
	goyaml "gopkg.in/yaml.v3"
)

// ErrLintFailed is returned by strict loads of definitions with lint findings.
var ErrLintFailed = errors.New("flow definition failed lint")

// definitionFile is the on-disk shape of a flow definition. JSON files parse too.
type definitionFile struct {
	Name  string        `yaml:"name"`
	Steps []models.Step `yaml:"steps"`
}

// LoadOpts holds configuration for loading definitions.
type LoadOpts struct {
	StrictLint bool
}

// LoadOption configures definition loading.
type LoadOption func(*LoadOpts)

// WithStrictLint rejects definitions that produce lint findings.
func WithStrictLint(strict bool) LoadOption {
	return func(o *LoadOpts) {
		o.StrictLint = strict
	}
}

// ParseDefinition decodes and validates a YAML or JSON definition.
func ParseDefinition(data []byte, opts ...LoadOption) (*Definition, error) {
	var cfg LoadOpts
	for _, opt := range opts {
		opt(&cfg)
	}

	var file definitionFile
	if err := goyaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("error unmarshalling flow definition: %w", err)
	}
	name := strings.TrimSpace(file.Name)
	if name == "" {
		name = "custom"
	}

	def, err := NewDefinition(name, file.Steps)
	if err != nil {
		return nil, fmt.Errorf("invalid flow definition %q: %w", name, err)
	}

	issues := def.Lint()
	for _, issue := range issues {
		slog.Warn("flow definition lint", "definition", name, "issue", issue.String())
	}
	if cfg.StrictLint && len(issues) > 0 {
		return nil, fmt.Errorf("%w: %d issue(s), first: %s", ErrLintFailed, len(issues), issues[0])
	}
	return def, nil
}

// LoadDefinitionFile loads the definition at path. An empty path, an unreadable file or a
// malformed or empty definition falls back to the built-in default, which is always returned
// in place of an error.
func LoadDefinitionFile(path string, opts ...LoadOption) *Definition {
	if path == "" {
		slog.Debug("No flow definition file configured, using built-in definition")
		return DefaultDefinition()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("Failed to read flow definition file, using built-in definition", "path", path, "error", err)
		return DefaultDefinition()
	}

	def, err := ParseDefinition(data, opts...)
	if err != nil {
		slog.Warn("Flow definition file rejected, using built-in definition", "path", path, "error", err)
		return DefaultDefinition()
	}

	slog.Info("Loaded flow definition", "path", path, "name", def.Name(), "steps", def.Len())
	return def
}
