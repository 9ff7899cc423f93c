// Package agent implements schema-enforced model invocation. A declarative
// Definition names the model, instructions, tool allowlist, output schema,
// and tool-call budget for one specialist agent; the Invoker executes a
// definition against a provider with the tool loop and output validation the
// rest of the pipeline relies on.
package agent

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed definitions/*.agent.yaml
var embeddedDefinitions embed.FS

// DefaultMaxToolCalls bounds the tool loop when a definition doesn't set one.
const DefaultMaxToolCalls = 4

// Definition is a declarative agent configuration, loaded once at startup
// and passed by reference into the Invoker — never re-parsed per request.
type Definition struct {
	Name         string   `yaml:"name"`
	Model        string   `yaml:"model"`
	SystemPrompt string   `yaml:"system_prompt"`
	Tools        []string `yaml:"tools"`
	OutputSchema string   `yaml:"output_schema"`
	MaxToolCalls int      `yaml:"max_tool_calls"`
	Temperature  float64  `yaml:"temperature"`
	Stream       bool     `yaml:"stream"`
}

func (d *Definition) validate() error {
	if d.Name == "" {
		return fmt.Errorf("agent definition missing name")
	}
	if d.Model == "" {
		return fmt.Errorf("agent %q missing model", d.Name)
	}
	if d.OutputSchema == "" {
		return fmt.Errorf("agent %q missing output_schema", d.Name)
	}
	if d.MaxToolCalls < 0 {
		return fmt.Errorf("agent %q has negative max_tool_calls", d.Name)
	}
	if d.MaxToolCalls == 0 {
		d.MaxToolCalls = DefaultMaxToolCalls
	}
	return nil
}

// Registry holds loaded agent definitions by name.
type Registry struct {
	defs map[string]*Definition
}

// LoadRegistry loads the embedded agent definitions, then overlays
// *.agent.yaml files from overrideDir when set. Definitions load once; the
// registry is read-only afterwards.
func LoadRegistry(overrideDir string) (*Registry, error) {
	r := &Registry{defs: make(map[string]*Definition)}

	entries, err := fs.Glob(embeddedDefinitions, "definitions/*.agent.yaml")
	if err != nil {
		return nil, fmt.Errorf("listing embedded agent definitions: %w", err)
	}
	for _, path := range entries {
		content, err := embeddedDefinitions.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading embedded definition %s: %w", path, err)
		}
		if err := r.add(content, path); err != nil {
			return nil, err
		}
	}

	if overrideDir != "" {
		files, err := filepath.Glob(filepath.Join(overrideDir, "*.agent.yaml"))
		if err != nil {
			return nil, fmt.Errorf("listing agent definitions in %s: %w", overrideDir, err)
		}
		for _, path := range files {
			content, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("reading definition %s: %w", path, err)
			}
			if err := r.add(content, path); err != nil {
				return nil, err
			}
		}
	}

	if len(r.defs) == 0 {
		return nil, fmt.Errorf("no agent definitions found")
	}
	return r, nil
}

func (r *Registry) add(content []byte, source string) error {
	var def Definition
	if err := yaml.Unmarshal(content, &def); err != nil {
		return fmt.Errorf("parsing agent definition %s: %w", source, err)
	}
	if err := def.validate(); err != nil {
		return fmt.Errorf("%s: %w", source, err)
	}
	r.defs[def.Name] = &def
	return nil
}

// Get returns the named agent definition.
func (r *Registry) Get(name string) (*Definition, error) {
	def, ok := r.defs[name]
	if !ok {
		available := make([]string, 0, len(r.defs))
		for n := range r.defs {
			available = append(available, n)
		}
		sort.Strings(available)
		return nil, fmt.Errorf("agent %q is not defined (available: %s)", name, strings.Join(available, ", "))
	}
	return def, nil
}

// Names returns the defined agent names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.defs))
	for n := range r.defs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
