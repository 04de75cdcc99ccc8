package workflow

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gammazero/toposort"

	"github.com/l1x/crabitat/internal/core"
)

// Registry holds every valid workflow loaded at boot, indexed by name.
// It is read-only after Load returns.
type Registry struct {
	byName map[string]*Workflow
}

// Load reads every *.toml manifest under dir, validates it, and indexes the
// valid ones by workflow name. An invalid manifest is rejected with a
// diagnostic and skipped; boot continues with the rest.
func Load(dir string, logger *slog.Logger) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read workflows dir: %w", err)
	}

	reg := &Registry{byName: make(map[string]*Workflow)}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".toml") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		wf, err := loadManifest(path)
		if err != nil {
			logger.Error("invalid workflow manifest", "path", path, "err", err)
			continue
		}
		if _, exists := reg.byName[wf.Meta.Name]; exists {
			logger.Error("duplicate workflow name", "path", path, "name", wf.Meta.Name)
			continue
		}
		reg.byName[wf.Meta.Name] = wf
		logger.Info("workflow loaded", "name", wf.Meta.Name, "version", wf.Meta.Version, "steps", len(wf.Steps))
	}
	return reg, nil
}

// Get returns the workflow with the given name.
func (r *Registry) Get(name string) (*Workflow, bool) {
	wf, ok := r.byName[name]
	return wf, ok
}

// Names returns the sorted names of all loaded workflows.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func loadManifest(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, err
	}
	return buildWorkflow(m, filepath.Dir(path))
}

func buildWorkflow(m *Manifest, baseDir string) (*Workflow, error) {
	if strings.TrimSpace(m.Workflow.Name) == "" {
		return nil, fmt.Errorf("workflow name is required")
	}
	if len(m.Steps) == 0 {
		return nil, fmt.Errorf("workflow %q declares no steps", m.Workflow.Name)
	}

	wf := &Workflow{
		Meta:    m.Workflow,
		Steps:   m.Steps,
		prompts: make(map[string]string, len(m.Steps)),
		byID:    make(map[string]*Step, len(m.Steps)),
	}

	for i := range wf.Steps {
		step := &wf.Steps[i]
		if step.ID == "" {
			return nil, fmt.Errorf("step %d has no id", i)
		}
		if _, dup := wf.byID[step.ID]; dup {
			return nil, fmt.Errorf("duplicate step id %q", step.ID)
		}
		wf.byID[step.ID] = step

		if !core.ValidRole(core.Role(step.Role)) {
			return nil, fmt.Errorf("step %q: unknown role %q", step.ID, step.Role)
		}
		if step.MaxRetries < 0 {
			return nil, fmt.Errorf("step %q: max_retries must be positive", step.ID)
		}

		if step.PromptFile == "" {
			return nil, fmt.Errorf("step %q: prompt_file is required", step.ID)
		}
		promptPath := step.PromptFile
		if !filepath.IsAbs(promptPath) {
			promptPath = filepath.Join(baseDir, promptPath)
		}
		text, err := os.ReadFile(promptPath)
		if err != nil {
			return nil, fmt.Errorf("step %q: prompt template: %w", step.ID, err)
		}
		wf.prompts[step.ID] = string(text)
	}

	// Prerequisites must reference declared steps.
	for i := range wf.Steps {
		step := &wf.Steps[i]
		for _, dep := range step.DependsOn {
			if _, ok := wf.byID[dep]; !ok {
				return nil, fmt.Errorf("step %q depends on undeclared step %q", step.ID, dep)
			}
			if dep == step.ID {
				return nil, fmt.Errorf("step %q depends on itself", step.ID)
			}
		}
		if step.Condition != "" {
			cond, err := core.ParseCondition(step.Condition)
			if err != nil {
				return nil, err
			}
			// The condition is evaluated when the step leaves blocked, so
			// the referenced step must be one of its prerequisites.
			referencesPrereq := false
			for _, dep := range step.DependsOn {
				if dep == cond.Step {
					referencesPrereq = true
					break
				}
			}
			if !referencesPrereq {
				return nil, fmt.Errorf("step %q: condition references %q, which is not a prerequisite", step.ID, cond.Step)
			}
		}
	}

	if err := checkAcyclic(wf); err != nil {
		return nil, err
	}
	if err := resolveRetryEdge(wf); err != nil {
		return nil, err
	}
	return wf, nil
}

func checkAcyclic(wf *Workflow) error {
	var edges []toposort.Edge
	for i := range wf.Steps {
		step := &wf.Steps[i]
		if len(step.DependsOn) == 0 {
			edges = append(edges, toposort.Edge{nil, step.ID})
			continue
		}
		for _, dep := range step.DependsOn {
			edges = append(edges, toposort.Edge{dep, step.ID})
		}
	}
	if _, err := toposort.Toposort(edges); err != nil {
		return fmt.Errorf("workflow %q: dependency cycle: %w", wf.Meta.Name, err)
	}
	return nil
}

// resolveRetryEdge identifies the workflow's single synthesized retry edge.
// A step is the retry step when it declares retry_target explicitly, or when
// it has a positive max_retries and a condition naming a declared step; the
// target defaults to the step named in its condition. v1 permits at most one
// retry edge per workflow.
func resolveRetryEdge(wf *Workflow) error {
	for i := range wf.Steps {
		step := &wf.Steps[i]
		target := step.RetryTarget
		if target == "" {
			if step.MaxRetries <= 0 || step.Condition == "" {
				continue
			}
			cond, err := core.ParseCondition(step.Condition)
			if err != nil {
				continue
			}
			target = cond.Step
		}
		if _, ok := wf.byID[target]; !ok {
			return fmt.Errorf("step %q: retry target %q is not a declared step", step.ID, target)
		}
		if target == step.ID {
			return fmt.Errorf("step %q: retry target must be a different step", step.ID)
		}
		if wf.RetryStepID != "" {
			return fmt.Errorf("workflow %q declares more than one retry edge (%s, %s)", wf.Meta.Name, wf.RetryStepID, step.ID)
		}
		wf.RetryStepID = step.ID
		wf.RetryTargetID = target
	}
	return nil
}
