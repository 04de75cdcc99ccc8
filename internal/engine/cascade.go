package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/l1x/crabitat/internal/bus"
	"github.com/l1x/crabitat/internal/core"
	"github.com/l1x/crabitat/internal/store"
	"github.com/l1x/crabitat/internal/workflow"
)

// cascadeLocked re-evaluates a mission's DAG after the given task reached a
// terminal status. The caller must hold the mission lock. The whole pass
// runs in one transaction so two concurrent run completions within one
// mission cannot interleave partial transitions.
func (e *Engine) cascadeLocked(ctx context.Context, missionID, triggerTaskID string) error {
	var (
		events          []bus.Event
		terminalMission *core.Mission
	)
	err := e.store.WithTx(ctx, func(q *store.Queries) error {
		mission, err := q.GetMission(ctx, missionID)
		if err != nil {
			return err
		}
		if mission.Status.Terminal() {
			return nil
		}

		tasks, err := q.ListMissionTasks(ctx, missionID)
		if err != nil {
			return err
		}
		deps, err := q.ListMissionDeps(ctx, missionID)
		if err != nil {
			return err
		}

		c := &cascade{
			engine:   e,
			q:        q,
			ctx:      ctx,
			mission:  mission,
			byID:     make(map[string]*core.Task, len(tasks)),
			byStep:   make(map[string]*core.Task, len(tasks)),
			deps:     deps,
			dependents: make(map[string][]string),
		}
		for _, task := range tasks {
			c.byID[task.ID] = task
			c.byStep[task.StepID] = task
		}
		for taskID, prereqs := range deps {
			for _, dep := range prereqs {
				c.dependents[dep] = append(c.dependents[dep], taskID)
			}
		}
		if mission.WorkflowName != nil {
			if wf, ok := e.registry.Get(*mission.WorkflowName); ok {
				c.wf = wf
			}
		}
		if err := c.buildContextMap(tasks); err != nil {
			return err
		}

		if err := c.run(triggerTaskID); err != nil {
			return err
		}
		events = c.events

		// Resolve the mission once every task is terminal.
		allTerminal, anyFailed := true, false
		for _, task := range c.byID {
			if !task.Status.Terminal() {
				allTerminal = false
				break
			}
			if task.Status == core.TaskStatusFailed {
				anyFailed = true
			}
		}
		if allTerminal {
			status := core.MissionStatusCompleted
			if anyFailed {
				status = core.MissionStatusFailed
			}
			if err := q.SetMissionStatus(ctx, missionID, status, core.NowMS()); err != nil {
				return err
			}
			mission.Status = status
			terminalMission = mission
			events = append(events, recordEvent(ctx, q, bus.Event{
				Kind:      bus.KindMissionUpdated,
				ColonyID:  mission.ColonyID,
				MissionID: missionID,
				Status:    string(status),
			}))
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.publish(events)

	if terminalMission != nil {
		title := fmt.Sprintf("mission %s %s", shortMissionID(terminalMission.ID), terminalMission.Status)
		if err := e.notifier.Send(ctx, title, terminalMission.Prompt); err != nil {
			e.logger.Warn("mission notification", "mission_id", terminalMission.ID, "err", err)
		}
	}
	return nil
}

// cascade carries one pass's working state.
type cascade struct {
	engine     *Engine
	q          *store.Queries
	ctx        context.Context
	mission    *core.Mission
	wf         *workflow.Workflow
	byID       map[string]*core.Task
	byStep     map[string]*core.Task
	deps       map[string][]string
	dependents map[string][]string
	contextMap map[string]string
	summaries  map[string]string // task id -> latest completed run summary
	events     []bus.Event

	// extraTriggers collects tasks whose status changed as a side effect of
	// evaluating another candidate (the retry-exhausted target).
	extraTriggers []string
}

// buildContextMap collects the latest completed run per step and indexes
// its result discriminator and summary by step identifier.
func (c *cascade) buildContextMap(tasks []*core.Task) error {
	c.contextMap = make(map[string]string)
	c.summaries = make(map[string]string)
	for _, task := range tasks {
		run, err := c.q.LatestCompletedRunForTask(c.ctx, task.ID)
		if err != nil {
			return err
		}
		if run == nil {
			continue
		}
		summary := ""
		if run.Summary != nil {
			summary = *run.Summary
		}
		c.summaries[task.ID] = summary
		c.contextMap[task.StepID+".summary"] = summary
		if run.Result != nil && *run.Result != "" {
			c.contextMap[task.StepID+".result"] = *run.Result
		}
	}
	return nil
}

// run walks the DAG from the trigger, transitioning each candidate whose
// prerequisites just became terminal, and synthesizing the retry edge.
func (c *cascade) run(triggerTaskID string) error {
	queue := []string{triggerTaskID}
	for len(queue) > 0 {
		taskID := queue[0]
		queue = queue[1:]
		trigger, ok := c.byID[taskID]
		if !ok {
			continue
		}

		for _, depID := range c.sortedDependents(taskID) {
			candidate := c.byID[depID]
			if candidate.Status != core.TaskStatusBlocked {
				continue
			}
			next, err := c.evaluate(candidate)
			if err != nil {
				return err
			}
			if next.Terminal() {
				queue = append(queue, candidate.ID)
			}
			if len(c.extraTriggers) > 0 {
				queue = append(queue, c.extraTriggers...)
				c.extraTriggers = nil
			}
		}

		if next, err := c.applyRetryEdge(trigger); err != nil {
			return err
		} else {
			queue = append(queue, next...)
		}
	}
	return nil
}

// evaluate gates one blocked candidate on its prerequisites and condition.
// It returns the candidate's resulting status (which may still be blocked).
func (c *cascade) evaluate(candidate *core.Task) (core.TaskStatus, error) {
	anyFailed := false
	for _, prereqID := range c.deps[candidate.ID] {
		prereq := c.byID[prereqID]
		if !prereq.Status.Terminal() {
			return core.TaskStatusBlocked, nil
		}
		if prereq.Status == core.TaskStatusFailed {
			anyFailed = true
		}
	}
	if anyFailed {
		// Cascaded failure skips the condition entirely.
		return c.transition(candidate, core.TaskStatusFailed)
	}

	condTrue := true
	if candidate.Condition != nil {
		ok, err := core.EvaluateCondition(*candidate.Condition, c.contextMap)
		if err != nil {
			c.events = append(c.events, recordEvent(c.ctx, c.q, bus.Event{
				Kind:      bus.KindConditionSkipped,
				ColonyID:  c.mission.ColonyID,
				MissionID: c.mission.ID,
				TaskID:    candidate.ID,
				Detail:    err.Error(),
			}))
		}
		condTrue = ok
	}
	if !condTrue {
		// While a retry round on the target is imminent, its other
		// conditional dependents wait: the target's result is provisional
		// and may flip on the next pass.
		if c.retryRoundImminent(candidate) {
			return core.TaskStatusBlocked, nil
		}
		return c.transition(candidate, core.TaskStatusSkipped)
	}

	// Queueing the retry step past its target's budget would loop forever;
	// the loop ends here instead, failing the target.
	if c.wf != nil && candidate.StepID == c.wf.RetryStepID {
		if target := c.byStep[c.wf.RetryTargetID]; target != nil && target.RetryCount >= target.MaxRetries {
			c.events = append(c.events, recordEvent(c.ctx, c.q, bus.Event{
				Kind:      bus.KindRetryExhausted,
				ColonyID:  c.mission.ColonyID,
				MissionID: c.mission.ID,
				TaskID:    target.ID,
				Detail:    fmt.Sprintf("%s retried %d of %d times", target.StepID, target.RetryCount, target.MaxRetries),
			}))
			if _, err := c.transition(candidate, core.TaskStatusSkipped); err != nil {
				return candidate.Status, err
			}
			if _, err := c.transition(target, core.TaskStatusFailed); err != nil {
				return candidate.Status, err
			}
			c.extraTriggers = append(c.extraTriggers, target.ID)
			return core.TaskStatusSkipped, nil
		}
	}

	contextText := c.accumulateContext(candidate)
	prompt := c.renderPrompt(candidate, contextText)
	now := core.NowMS()
	if err := c.q.QueueTask(c.ctx, candidate.ID, contextText, prompt, now); err != nil {
		return candidate.Status, err
	}
	candidate.Status = core.TaskStatusQueued
	candidate.Context = contextText
	candidate.Prompt = prompt
	c.events = append(c.events, recordEvent(c.ctx, c.q, bus.Event{
		Kind:      bus.KindTaskUpdated,
		ColonyID:  c.mission.ColonyID,
		MissionID: c.mission.ID,
		TaskID:    candidate.ID,
		Status:    string(core.TaskStatusQueued),
		Detail:    candidate.StepID,
	}))
	return core.TaskStatusQueued, nil
}

// retryRoundImminent reports whether candidate's false condition should be
// deferred rather than skipped: candidate is conditioned on the retry
// target, it is not the retry step itself, the budget has room, and the
// retry step's own condition holds.
func (c *cascade) retryRoundImminent(candidate *core.Task) bool {
	if c.wf == nil || c.wf.RetryStepID == "" || candidate.StepID == c.wf.RetryStepID {
		return false
	}
	if candidate.Condition == nil {
		return false
	}
	cond, err := core.ParseCondition(*candidate.Condition)
	if err != nil || cond.Step != c.wf.RetryTargetID {
		return false
	}
	target := c.byStep[c.wf.RetryTargetID]
	retryStep := c.byStep[c.wf.RetryStepID]
	if target == nil || retryStep == nil || target.RetryCount >= target.MaxRetries {
		return false
	}
	if retryStep.Condition == nil {
		return true
	}
	ok, _ := core.EvaluateCondition(*retryStep.Condition, c.contextMap)
	return ok
}

// applyRetryEdge requeues the retry target after the retry step completes,
// within budget, clearing the target's conditional dependents back to
// blocked. The returned slice of additional trigger task ids is always nil.
func (c *cascade) applyRetryEdge(trigger *core.Task) ([]string, error) {
	if c.wf == nil || c.wf.RetryStepID == "" || trigger.StepID != c.wf.RetryStepID {
		return nil, nil
	}
	if trigger.Status != core.TaskStatusCompleted {
		return nil, nil
	}
	target := c.byStep[c.wf.RetryTargetID]
	if target == nil || !target.Status.Terminal() {
		return nil, nil
	}
	if target.RetryCount >= target.MaxRetries {
		return nil, nil
	}

	contextText := c.accumulateContext(target)
	if summary, ok := c.summaries[trigger.ID]; ok {
		contextText = joinContext(contextText, contextSection(trigger.StepID, summary))
	}
	prompt := c.renderPrompt(target, contextText)
	now := core.NowMS()
	if err := c.q.ResetTaskForRetry(c.ctx, target.ID, target.RetryCount+1, contextText, prompt, now); err != nil {
		return nil, err
	}
	target.Status = core.TaskStatusQueued
	target.RetryCount++
	target.Context = contextText
	target.Prompt = prompt
	target.AssignedCrabID = nil
	c.events = append(c.events, recordEvent(c.ctx, c.q, bus.Event{
		Kind:      bus.KindTaskUpdated,
		ColonyID:  c.mission.ColonyID,
		MissionID: c.mission.ID,
		TaskID:    target.ID,
		Status:    string(core.TaskStatusQueued),
		Detail:    fmt.Sprintf("%s retry %d", target.StepID, target.RetryCount),
	}))

	// The target's prior result is void; tasks conditioned on it return to
	// blocked and re-evaluate once the target completes again.
	for _, depID := range c.sortedDependents(target.ID) {
		dependent := c.byID[depID]
		if dependent.Condition == nil {
			continue
		}
		cond, err := core.ParseCondition(*dependent.Condition)
		if err != nil || cond.Step != target.StepID {
			continue
		}
		if dependent.Status == core.TaskStatusBlocked {
			continue
		}
		if _, err := c.transition(dependent, core.TaskStatusBlocked); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (c *cascade) transition(task *core.Task, status core.TaskStatus) (core.TaskStatus, error) {
	if err := c.q.SetTaskStatus(c.ctx, task.ID, status, core.NowMS()); err != nil {
		return task.Status, err
	}
	task.Status = status
	c.events = append(c.events, recordEvent(c.ctx, c.q, bus.Event{
		Kind:      bus.KindTaskUpdated,
		ColonyID:  c.mission.ColonyID,
		MissionID: c.mission.ID,
		TaskID:    task.ID,
		Status:    string(status),
		Detail:    task.StepID,
	}))
	return status, nil
}

// accumulateContext concatenates, in manifest order, the latest completed
// run summary of each direct prerequisite, delimited by a short header
// bearing the step identifier.
func (c *cascade) accumulateContext(task *core.Task) string {
	prereqs := make([]*core.Task, 0, len(c.deps[task.ID]))
	for _, prereqID := range c.deps[task.ID] {
		prereqs = append(prereqs, c.byID[prereqID])
	}
	sort.Slice(prereqs, func(i, j int) bool { return prereqs[i].Seq < prereqs[j].Seq })

	var sections []string
	for _, prereq := range prereqs {
		summary, ok := c.summaries[prereq.ID]
		if !ok {
			continue
		}
		sections = append(sections, contextSection(prereq.StepID, summary))
	}
	return strings.Join(sections, "\n\n")
}

func (c *cascade) renderPrompt(task *core.Task, contextText string) string {
	if c.wf == nil {
		return task.Prompt
	}
	template := c.wf.PromptTemplate(task.StepID)
	if template == "" {
		return task.Prompt
	}
	vars := workflow.Vars(c.mission.Prompt, c.mission.BurrowPath, contextText, derefOrEmpty(c.mission.ExternalRef))
	return workflow.Render(template, vars)
}

func (c *cascade) sortedDependents(taskID string) []string {
	ids := append([]string(nil), c.dependents[taskID]...)
	sort.Slice(ids, func(i, j int) bool { return c.byID[ids[i]].Seq < c.byID[ids[j]].Seq })
	return ids
}

func contextSection(stepID, summary string) string {
	return fmt.Sprintf("### %s\n%s", stepID, summary)
}

func joinContext(a, b string) string {
	if a == "" {
		return b
	}
	return a + "\n\n" + b
}

func shortMissionID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
