package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/l1x/crabitat/internal/burrow"
	"github.com/l1x/crabitat/internal/bus"
	"github.com/l1x/crabitat/internal/core"
	"github.com/l1x/crabitat/internal/store"
	"github.com/l1x/crabitat/internal/workflow"
)

const testFeatureManifest = `
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
retry_target = "review"
`

const testPairManifest = `
[workflow]
name = "pair"
description = "two independent steps"
version = "1"

[[steps]]
id = "left"
role = "any"
prompt_file = "prompts/left.md"

[[steps]]
id = "right"
role = "any"
prompt_file = "prompts/right.md"
`

type harness struct {
	t      *testing.T
	ctx    context.Context
	engine *Engine
	store  *store.Store
	bus    *bus.Bus
	colony *core.Colony
}

func newHarness(t *testing.T) *harness {
	return newHarnessWithTimeout(t, 90*time.Second)
}

func newHarnessWithTimeout(t *testing.T, heartbeatTimeout time.Duration) *harness {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.Open(ctx, filepath.Join(dir, "state"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	wfDir := filepath.Join(dir, "workflows")
	writeTestFile(t, wfDir, "feature.toml", testFeatureManifest)
	writeTestFile(t, wfDir, "pair.toml", testPairManifest)
	for _, step := range []string{"plan", "implement", "review", "pr", "fix", "left", "right"} {
		writeTestFile(t, wfDir, "prompts/"+step+".md",
			"step "+step+": {{mission_prompt}}\nworktree: {{worktree_path}}\n{{context}}")
	}
	registry, err := workflow.Load(wfDir, logger)
	if err != nil {
		t.Fatalf("load workflows: %v", err)
	}

	eventBus := bus.New()
	t.Cleanup(eventBus.Close)

	burrows := burrow.NewManager(filepath.Join(dir, "burrows"))
	eng := New(st, registry, eventBus, burrows, nil, heartbeatTimeout, logger)

	h := &harness{t: t, ctx: ctx, engine: eng, store: st, bus: eventBus}
	colony, err := eng.CreateColony(ctx, "reef", "test colony", nil)
	if err != nil {
		t.Fatalf("create colony: %v", err)
	}
	h.colony = colony
	return h
}

func writeTestFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func (h *harness) registerCrab(id string, role core.Role) *core.Crab {
	h.t.Helper()
	crab, err := h.engine.RegisterCrab(h.ctx, RegisterCrabRequest{
		ID:       id,
		ColonyID: h.colony.ID,
		Name:     id,
		Role:     role,
	})
	if err != nil {
		h.t.Fatalf("register crab %s: %v", id, err)
	}
	return crab
}

func (h *harness) createMission(workflowName string) *core.Mission {
	h.t.Helper()
	req := CreateMissionRequest{ColonyID: h.colony.ID, Prompt: "ship the widget"}
	if workflowName != "" {
		req.WorkflowName = &workflowName
	}
	mission, err := h.engine.CreateMission(h.ctx, req)
	if err != nil {
		h.t.Fatalf("create mission: %v", err)
	}
	return mission
}

func (h *harness) taskByStep(missionID, stepID string) *core.Task {
	h.t.Helper()
	tasks, err := h.store.ListMissionTasks(h.ctx, missionID)
	if err != nil {
		h.t.Fatalf("list mission tasks: %v", err)
	}
	for _, task := range tasks {
		if task.StepID == stepID {
			return task
		}
	}
	h.t.Fatalf("no task for step %q in mission %s", stepID, missionID)
	return nil
}

func (h *harness) expectStep(missionID, stepID string, want core.TaskStatus) {
	h.t.Helper()
	task := h.taskByStep(missionID, stepID)
	if task.Status != want {
		h.t.Fatalf("step %s status = %s, want %s", stepID, task.Status, want)
	}
}

func (h *harness) tick() {
	h.t.Helper()
	if err := h.engine.Tick(h.ctx); err != nil {
		h.t.Fatalf("tick: %v", err)
	}
}

// runStep ticks the scheduler, starts a run on the step once assigned, and
// completes it with the given outcome.
func (h *harness) runStep(missionID, stepID string, runStatus core.RunStatus, result, summary string) *core.Run {
	h.t.Helper()
	h.tick()
	task := h.taskByStep(missionID, stepID)
	if task.Status != core.TaskStatusAssigned {
		h.t.Fatalf("step %s status = %s, want assigned", stepID, task.Status)
	}
	if task.AssignedCrabID == nil {
		h.t.Fatalf("step %s has no assigned crab", stepID)
	}
	run, err := h.engine.StartRun(h.ctx, StartRunRequest{TaskID: task.ID, CrabID: *task.AssignedCrabID})
	if err != nil {
		h.t.Fatalf("start run for %s: %v", stepID, err)
	}
	req := CompleteRunRequest{RunID: run.ID, Status: runStatus}
	if result != "" {
		req.Result = &result
	}
	if summary != "" {
		req.Summary = &summary
	}
	completed, err := h.engine.CompleteRun(h.ctx, req)
	if err != nil {
		h.t.Fatalf("complete run for %s: %v", stepID, err)
	}
	return completed
}

func (h *harness) missionStatus(missionID string) core.MissionStatus {
	h.t.Helper()
	mission, err := h.store.GetMission(h.ctx, missionID)
	if err != nil {
		h.t.Fatalf("get mission: %v", err)
	}
	return mission.Status
}

func TestMissionExpansion(t *testing.T) {
	h := newHarness(t)
	mission := h.createMission("feature")

	if mission.Status != core.MissionStatusPending {
		t.Errorf("mission status = %s, want pending", mission.Status)
	}
	h.expectStep(mission.ID, "plan", core.TaskStatusQueued)
	for _, step := range []string{"implement", "review", "pr", "fix"} {
		h.expectStep(mission.ID, step, core.TaskStatusBlocked)
	}

	plan := h.taskByStep(mission.ID, "plan")
	if plan.Prompt == "" {
		t.Error("plan prompt not rendered")
	}
	if plan.Role != core.RolePlanner {
		t.Errorf("plan role = %s", plan.Role)
	}
	fix := h.taskByStep(mission.ID, "fix")
	if fix.Condition == nil || *fix.Condition != "review.result == 'FAIL'" {
		t.Errorf("fix condition = %v", fix.Condition)
	}
	// The retry budget lives on the target row.
	review := h.taskByStep(mission.ID, "review")
	if review.MaxRetries != 2 {
		t.Errorf("review max_retries = %d, want 2", review.MaxRetries)
	}
}

func TestHappyPath(t *testing.T) {
	h := newHarness(t)
	h.registerCrab("c-any", core.RoleAny)
	mission := h.createMission("feature")

	h.runStep(mission.ID, "plan", core.RunStatusCompleted, "", "plan written")
	h.expectStep(mission.ID, "implement", core.TaskStatusQueued)
	if got := h.missionStatus(mission.ID); got != core.MissionStatusRunning {
		t.Fatalf("mission status = %s, want running", got)
	}

	h.runStep(mission.ID, "implement", core.RunStatusCompleted, "", "code written")
	h.expectStep(mission.ID, "review", core.TaskStatusQueued)

	// Accumulated context carries the upstream summaries in manifest order.
	review := h.taskByStep(mission.ID, "review")
	if review.Context == "" {
		t.Error("review context is empty")
	}

	h.runStep(mission.ID, "review", core.RunStatusCompleted, "PASS", "looks good")
	h.expectStep(mission.ID, "pr", core.TaskStatusQueued)
	h.expectStep(mission.ID, "fix", core.TaskStatusSkipped)

	h.runStep(mission.ID, "pr", core.RunStatusCompleted, "", "pr opened")
	if got := h.missionStatus(mission.ID); got != core.MissionStatusCompleted {
		t.Fatalf("mission status = %s, want completed", got)
	}
}

func TestFailRetryPass(t *testing.T) {
	h := newHarness(t)
	h.registerCrab("c-any", core.RoleAny)
	mission := h.createMission("feature")

	h.runStep(mission.ID, "plan", core.RunStatusCompleted, "", "plan written")
	h.runStep(mission.ID, "implement", core.RunStatusCompleted, "", "code written")

	h.runStep(mission.ID, "review", core.RunStatusCompleted, "FAIL", "tests broken")
	h.expectStep(mission.ID, "fix", core.TaskStatusQueued)
	h.expectStep(mission.ID, "pr", core.TaskStatusBlocked)

	h.runStep(mission.ID, "fix", core.RunStatusCompleted, "", "tests repaired")
	h.expectStep(mission.ID, "review", core.TaskStatusQueued)
	review := h.taskByStep(mission.ID, "review")
	if review.RetryCount != 1 {
		t.Fatalf("review retry_count = %d, want 1", review.RetryCount)
	}
	// The fix loop returned its conditional dependents to blocked.
	h.expectStep(mission.ID, "fix", core.TaskStatusBlocked)
	h.expectStep(mission.ID, "pr", core.TaskStatusBlocked)
	// Fresh context includes the fix summary.
	if review.Context == "" {
		t.Error("review retry context is empty")
	}

	h.runStep(mission.ID, "review", core.RunStatusCompleted, "PASS", "all green")
	h.expectStep(mission.ID, "pr", core.TaskStatusQueued)
	h.expectStep(mission.ID, "fix", core.TaskStatusSkipped)

	h.runStep(mission.ID, "pr", core.RunStatusCompleted, "", "pr opened")
	if got := h.missionStatus(mission.ID); got != core.MissionStatusCompleted {
		t.Fatalf("mission status = %s, want completed", got)
	}
}

func TestRetriesExhausted(t *testing.T) {
	h := newHarness(t)
	h.registerCrab("c-any", core.RoleAny)
	mission := h.createMission("feature")

	h.runStep(mission.ID, "plan", core.RunStatusCompleted, "", "plan written")
	h.runStep(mission.ID, "implement", core.RunStatusCompleted, "", "code written")

	for attempt := 1; attempt <= 2; attempt++ {
		h.runStep(mission.ID, "review", core.RunStatusCompleted, "FAIL", "still broken")
		h.expectStep(mission.ID, "fix", core.TaskStatusQueued)
		h.runStep(mission.ID, "fix", core.RunStatusCompleted, "", "attempted a fix")
		h.expectStep(mission.ID, "review", core.TaskStatusQueued)
		review := h.taskByStep(mission.ID, "review")
		if review.RetryCount != attempt {
			t.Fatalf("review retry_count = %d, want %d", review.RetryCount, attempt)
		}
	}

	// Third failure: the budget is spent, so the fix never queues and the
	// review is failed instead.
	h.runStep(mission.ID, "review", core.RunStatusCompleted, "FAIL", "still broken")
	h.expectStep(mission.ID, "fix", core.TaskStatusSkipped)
	h.expectStep(mission.ID, "review", core.TaskStatusFailed)
	if got := h.missionStatus(mission.ID); got != core.MissionStatusFailed {
		t.Fatalf("mission status = %s, want failed", got)
	}
}

func TestRunFailureCascades(t *testing.T) {
	h := newHarness(t)
	h.registerCrab("c-any", core.RoleAny)
	mission := h.createMission("feature")

	h.runStep(mission.ID, "plan", core.RunStatusCompleted, "", "plan written")
	h.runStep(mission.ID, "implement", core.RunStatusFailed, "", "crab crashed")

	h.expectStep(mission.ID, "implement", core.TaskStatusFailed)
	h.expectStep(mission.ID, "review", core.TaskStatusFailed)
	h.expectStep(mission.ID, "pr", core.TaskStatusFailed)
	h.expectStep(mission.ID, "fix", core.TaskStatusFailed)
	if got := h.missionStatus(mission.ID); got != core.MissionStatusFailed {
		t.Fatalf("mission status = %s, want failed", got)
	}
}

func TestWildcardPreemptionGuard(t *testing.T) {
	h := newHarness(t)
	reviewer := h.registerCrab("c-reviewer", core.RoleReviewer)
	wildcard := h.registerCrab("c-any", core.RoleAny)

	// Two separate missions so both tasks are simultaneously eligible.
	planMission := h.createMission("")
	if _, err := h.engine.CreateAdHocTask(h.ctx, planMission.ID, "draft the plan", core.RolePlanner); err != nil {
		t.Fatalf("create plan task: %v", err)
	}
	reviewMission := h.createMission("")
	if _, err := h.engine.CreateAdHocTask(h.ctx, reviewMission.ID, "review the diff", core.RoleReviewer); err != nil {
		t.Fatalf("create review task: %v", err)
	}

	h.tick()

	planTask := h.taskByStep(planMission.ID, "adhoc-1")
	reviewTask := h.taskByStep(reviewMission.ID, "adhoc-1")
	if planTask.AssignedCrabID == nil || *planTask.AssignedCrabID != wildcard.ID {
		t.Errorf("plan assigned to %v, want wildcard %s", planTask.AssignedCrabID, wildcard.ID)
	}
	if reviewTask.AssignedCrabID == nil || *reviewTask.AssignedCrabID != reviewer.ID {
		t.Errorf("review assigned to %v, want reviewer %s", reviewTask.AssignedCrabID, reviewer.ID)
	}
}

func TestWorkingDirectoryExclusivity(t *testing.T) {
	h := newHarness(t)
	h.registerCrab("c-one", core.RoleAny)
	h.registerCrab("c-two", core.RoleAny)
	mission := h.createMission("pair")

	h.expectStep(mission.ID, "left", core.TaskStatusQueued)
	h.expectStep(mission.ID, "right", core.TaskStatusQueued)

	h.tick()
	left := h.taskByStep(mission.ID, "left")
	right := h.taskByStep(mission.ID, "right")
	activeCount := 0
	if left.Status.Active() {
		activeCount++
	}
	if right.Status.Active() {
		activeCount++
	}
	if activeCount != 1 {
		t.Fatalf("active tasks after tick = %d, want exactly 1", activeCount)
	}

	// Finishing the first frees the burrow for the second.
	first := left
	if right.Status.Active() {
		first = right
	}
	run, err := h.engine.StartRun(h.ctx, StartRunRequest{TaskID: first.ID, CrabID: *first.AssignedCrabID})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	if _, err := h.engine.CompleteRun(h.ctx, CompleteRunRequest{RunID: run.ID, Status: core.RunStatusCompleted}); err != nil {
		t.Fatalf("complete run: %v", err)
	}

	h.tick()
	second := h.taskByStep(mission.ID, "right")
	if first.ID == second.ID {
		second = h.taskByStep(mission.ID, "left")
	}
	if !second.Status.Active() {
		t.Fatalf("second task status = %s, want active after the first finished", second.Status)
	}
}

func TestRegistrationConflict(t *testing.T) {
	h := newHarness(t)
	h.registerCrab("c-worker", core.RoleWorker)

	_, err := h.engine.RegisterCrab(h.ctx, RegisterCrabRequest{
		ID:       "c-intruder",
		ColonyID: h.colony.ID,
		Name:     "intruder",
		Role:     core.RoleWorker,
	})
	var conflict *core.RoleConflictError
	if err == nil {
		t.Fatal("second worker registration should conflict")
	}
	if !errors.As(err, &conflict) {
		t.Fatalf("error = %v, want RoleConflictError", err)
	}
	if conflict.HolderID != "c-worker" {
		t.Errorf("conflict holder = %s", conflict.HolderID)
	}

	// The same identity may re-register with the same role.
	if _, err := h.engine.RegisterCrab(h.ctx, RegisterCrabRequest{
		ID:       "c-worker",
		ColonyID: h.colony.ID,
		Name:     "worker renamed",
		Role:     core.RoleWorker,
	}); err != nil {
		t.Fatalf("same-identity re-registration: %v", err)
	}

	// A wildcard registration is exempt from the uniqueness rule.
	if _, err := h.engine.RegisterCrab(h.ctx, RegisterCrabRequest{
		ID:       "c-intruder",
		ColonyID: h.colony.ID,
		Name:     "intruder",
		Role:     core.RoleAny,
	}); err != nil {
		t.Fatalf("any-role registration: %v", err)
	}

	crabs, err := h.store.ListCrabs(h.ctx, &h.colony.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(crabs) != 2 {
		t.Errorf("crab count = %d, want 2", len(crabs))
	}
}

func TestReRegistrationIsIdempotent(t *testing.T) {
	h := newHarness(t)
	first := h.registerCrab("c-worker", core.RoleWorker)
	second := h.registerCrab("c-worker", core.RoleWorker)

	if first.ID != second.ID || first.Role != second.Role || first.State != second.State {
		t.Errorf("re-registration changed observable state: %+v vs %+v", first, second)
	}
	crabs, err := h.store.ListCrabs(h.ctx, &h.colony.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(crabs) != 1 {
		t.Errorf("crab count = %d, want 1", len(crabs))
	}
}

func TestCompleteRunReplayIsNoOp(t *testing.T) {
	h := newHarness(t)
	h.registerCrab("c-any", core.RoleAny)
	mission := h.createMission("feature")

	run := h.runStep(mission.ID, "plan", core.RunStatusCompleted, "", "plan written")
	h.expectStep(mission.ID, "implement", core.TaskStatusQueued)

	// Replaying the completion must not disturb the cascade state.
	result := "SOMETHING_ELSE"
	replayed, err := h.engine.CompleteRun(h.ctx, CompleteRunRequest{
		RunID:  run.ID,
		Status: core.RunStatusFailed,
		Result: &result,
	})
	if err != nil {
		t.Fatalf("replay complete-run: %v", err)
	}
	if replayed.Status != core.RunStatusCompleted {
		t.Errorf("replayed run status = %s, want completed", replayed.Status)
	}
	if replayed.CompletedAtMS == nil || run.CompletedAtMS == nil || *replayed.CompletedAtMS != *run.CompletedAtMS {
		t.Error("replay changed completion timestamp")
	}
	h.expectStep(mission.ID, "plan", core.TaskStatusCompleted)
	h.expectStep(mission.ID, "implement", core.TaskStatusQueued)
}

func TestHeartbeatTimeoutFailsInFlightTask(t *testing.T) {
	h := newHarnessWithTimeout(t, time.Millisecond)
	h.registerCrab("c-any", core.RoleAny)
	mission := h.createMission("feature")

	h.tick()
	task := h.taskByStep(mission.ID, "plan")
	if task.Status != core.TaskStatusAssigned {
		t.Fatalf("plan status = %s, want assigned", task.Status)
	}
	if _, err := h.engine.StartRun(h.ctx, StartRunRequest{TaskID: task.ID, CrabID: *task.AssignedCrabID}); err != nil {
		t.Fatalf("start run: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	if err := h.engine.SweepHeartbeats(h.ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	crab, err := h.store.GetCrab(h.ctx, "c-any")
	if err != nil {
		t.Fatal(err)
	}
	if crab.State != core.CrabStateOffline {
		t.Errorf("crab state = %s, want offline", crab.State)
	}
	h.expectStep(mission.ID, "plan", core.TaskStatusFailed)
	if got := h.missionStatus(mission.ID); got != core.MissionStatusFailed {
		t.Errorf("mission status = %s, want failed", got)
	}

	// A heartbeat brings the crab back to idle.
	if err := h.engine.Heartbeat(h.ctx, "c-any"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	crab, err = h.store.GetCrab(h.ctx, "c-any")
	if err != nil {
		t.Fatal(err)
	}
	if crab.State != core.CrabStateIdle {
		t.Errorf("crab state after heartbeat = %s, want idle", crab.State)
	}
}

func TestAssignmentDeliveredToCrabInbox(t *testing.T) {
	h := newHarness(t)
	crab := h.registerCrab("c-any", core.RoleAny)
	inbox := h.bus.CrabInbox(crab.ID)

	mission := h.createMission("feature")
	h.tick()

	select {
	case assignment := <-inbox:
		if assignment.MissionID != mission.ID {
			t.Errorf("assignment mission = %s, want %s", assignment.MissionID, mission.ID)
		}
		if assignment.StepID != "plan" {
			t.Errorf("assignment step = %s, want plan", assignment.StepID)
		}
		if assignment.Prompt == "" || assignment.BurrowPath == "" {
			t.Error("assignment missing prompt or burrow path")
		}
	default:
		t.Fatal("no assignment delivered to crab inbox")
	}
}
