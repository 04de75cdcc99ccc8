package workflow

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func writePrompts(t *testing.T, dir string, steps ...string) {
	t.Helper()
	for _, step := range steps {
		writeFile(t, dir, "prompts/"+step+".md", "{{mission_prompt}}\n{{context}}\n")
	}
}

const featureManifest = `
[workflow]
name = "feature"
description = "plan, implement, review, ship"
version = "1"

[[steps]]
id = "plan"
role = "planner"
prompt_file = "prompts/plan.md"

[[steps]]
id = "implement"
role = "worker"
prompt_file = "prompts/implement.md"
depends_on = ["plan"]

[[steps]]
id = "review"
role = "reviewer"
prompt_file = "prompts/review.md"
depends_on = ["implement"]

[[steps]]
id = "pr"
role = "worker"
prompt_file = "prompts/pr.md"
depends_on = ["review"]
condition = "review.result == 'PASS'"

[[steps]]
id = "fix"
role = "worker"
prompt_file = "prompts/fix.md"
depends_on = ["review"]
condition = "review.result == 'FAIL'"
max_retries = 2
`

func TestLoadValidManifest(t *testing.T) {
	dir := t.TempDir()
	writePrompts(t, dir, "plan", "implement", "review", "pr", "fix")
	writeFile(t, dir, "feature.toml", featureManifest)

	reg, err := Load(dir, discardLogger())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	wf, ok := reg.Get("feature")
	if !ok {
		t.Fatal("workflow feature not indexed")
	}
	if len(wf.Steps) != 5 {
		t.Fatalf("steps = %d, want 5", len(wf.Steps))
	}
	if wf.Step("review") == nil || wf.Step("missing") != nil {
		t.Error("Step lookup broken")
	}
	if wf.PromptTemplate("plan") == "" {
		t.Error("prompt template not loaded")
	}
	// fix has max_retries and a condition naming review, so it is the
	// retry step and review its target.
	if wf.RetryStepID != "fix" || wf.RetryTargetID != "review" {
		t.Errorf("retry edge = (%s, %s), want (fix, review)", wf.RetryStepID, wf.RetryTargetID)
	}
	if got := reg.Names(); len(got) != 1 || got[0] != "feature" {
		t.Errorf("Names() = %v", got)
	}
}

func TestLoadExplicitRetryTarget(t *testing.T) {
	dir := t.TempDir()
	writePrompts(t, dir, "build", "check", "repair")
	writeFile(t, dir, "wf.toml", `
[workflow]
name = "repairloop"
description = ""
version = "1"

[[steps]]
id = "build"
role = "worker"
prompt_file = "prompts/build.md"

[[steps]]
id = "check"
role = "reviewer"
prompt_file = "prompts/check.md"
depends_on = ["build"]

[[steps]]
id = "repair"
role = "worker"
prompt_file = "prompts/repair.md"
depends_on = ["check"]
condition = "check.result == 'FAIL'"
retry_target = "check"
`)

	reg, err := Load(dir, discardLogger())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	wf, ok := reg.Get("repairloop")
	if !ok {
		t.Fatal("workflow not loaded")
	}
	if wf.RetryStepID != "repair" || wf.RetryTargetID != "check" {
		t.Errorf("retry edge = (%s, %s)", wf.RetryStepID, wf.RetryTargetID)
	}
}

func TestLoadRejectsInvalidManifests(t *testing.T) {
	cases := []struct {
		name     string
		manifest string
	}{
		{"duplicate step id", `
[workflow]
name = "w"
version = "1"
[[steps]]
id = "a"
role = "worker"
prompt_file = "prompts/a.md"
[[steps]]
id = "a"
role = "worker"
prompt_file = "prompts/a.md"
`},
		{"undeclared dependency", `
[workflow]
name = "w"
version = "1"
[[steps]]
id = "a"
role = "worker"
prompt_file = "prompts/a.md"
depends_on = ["ghost"]
`},
		{"dependency cycle", `
[workflow]
name = "w"
version = "1"
[[steps]]
id = "a"
role = "worker"
prompt_file = "prompts/a.md"
depends_on = ["b"]
[[steps]]
id = "b"
role = "worker"
prompt_file = "prompts/b.md"
depends_on = ["a"]
`},
		{"unknown role", `
[workflow]
name = "w"
version = "1"
[[steps]]
id = "a"
role = "wizard"
prompt_file = "prompts/a.md"
`},
		{"condition on non-prerequisite", `
[workflow]
name = "w"
version = "1"
[[steps]]
id = "a"
role = "worker"
prompt_file = "prompts/a.md"
[[steps]]
id = "b"
role = "worker"
prompt_file = "prompts/b.md"
condition = "a.result == 'PASS'"
`},
		{"missing template", `
[workflow]
name = "w"
version = "1"
[[steps]]
id = "a"
role = "worker"
prompt_file = "prompts/nope.md"
`},
		{"two retry edges", `
[workflow]
name = "w"
version = "1"
[[steps]]
id = "a"
role = "reviewer"
prompt_file = "prompts/a.md"
[[steps]]
id = "b"
role = "worker"
prompt_file = "prompts/b.md"
depends_on = ["a"]
condition = "a.result == 'FAIL'"
max_retries = 1
[[steps]]
id = "c"
role = "worker"
prompt_file = "prompts/c.md"
depends_on = ["a"]
condition = "a.result == 'FAIL'"
max_retries = 1
`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			writePrompts(t, dir, "a", "b", "c")
			writeFile(t, dir, "w.toml", tc.manifest)

			reg, err := Load(dir, discardLogger())
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if _, ok := reg.Get("w"); ok {
				t.Error("invalid manifest was indexed")
			}
		})
	}
}

func TestLoadSkipsInvalidKeepsValid(t *testing.T) {
	dir := t.TempDir()
	writePrompts(t, dir, "plan", "implement", "review", "pr", "fix")
	writeFile(t, dir, "feature.toml", featureManifest)
	writeFile(t, dir, "broken.toml", "this is not toml [")

	reg, err := Load(dir, discardLogger())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := reg.Get("feature"); !ok {
		t.Error("valid manifest should survive a broken sibling")
	}
}

func TestRender(t *testing.T) {
	vars := Vars("build the widget", "/burrows/mission-1", "### plan\nstep one", "TICKET-7")
	out := Render("do {{mission_prompt}} in {{worktree_path}} for {{ external_ref }} given\n{{context}}\nunknown: {{nope}}!", vars)
	want := "do build the widget in /burrows/mission-1 for TICKET-7 given\n### plan\nstep one\nunknown: !"
	if out != want {
		t.Errorf("Render = %q, want %q", out, want)
	}
}
