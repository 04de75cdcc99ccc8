package workflow

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/l1x/crabitat/internal/core"
)

// Meta is the [workflow] block of a manifest.
type Meta struct {
	Name        string `toml:"name"`
	Description string `toml:"description"`
	Version     string `toml:"version"`
}

// Step is one [[steps]] table of a manifest.
type Step struct {
	ID          string   `toml:"id"`
	Role        string   `toml:"role"`
	PromptFile  string   `toml:"prompt_file"`
	DependsOn   []string `toml:"depends_on"`
	Condition   string   `toml:"condition"`
	MaxRetries  int      `toml:"max_retries"`
	RetryTarget string   `toml:"retry_target"`
}

// Manifest is a parsed workflow file.
type Manifest struct {
	Workflow Meta   `toml:"workflow"`
	Steps    []Step `toml:"steps"`
}

// ParseManifest decodes TOML manifest bytes without validating them.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &m, nil
}

// Workflow is a validated manifest with its prompt templates resolved,
// indexed into the registry by name. Immutable after load.
type Workflow struct {
	Meta  Meta
	Steps []Step

	// RetryStepID/RetryTargetID name the single synthesized retry edge,
	// both empty when the workflow has none.
	RetryStepID   string
	RetryTargetID string

	prompts map[string]string // step id -> template text
	byID    map[string]*Step
}

// Step returns the step with the given id, or nil.
func (w *Workflow) Step(id string) *Step {
	return w.byID[id]
}

// PromptTemplate returns the template text for a step id.
func (w *Workflow) PromptTemplate(stepID string) string {
	return w.prompts[stepID]
}

// RoleFor returns the role a step requires, defaulting to any for an
// undeclared step id (unknown roles are rejected at load).
func (w *Workflow) RoleFor(stepID string) core.Role {
	if s := w.byID[stepID]; s != nil {
		return core.Role(s.Role)
	}
	return core.RoleAny
}
