package core

// Role is the capability class a crab advertises and a task requires.
type Role string

const (
	RolePlanner  Role = "planner"
	RoleWorker   Role = "worker"
	RoleReviewer Role = "reviewer"
	RoleAny      Role = "any"
)

// ValidRole reports whether r is a member of the closed role set.
func ValidRole(r Role) bool {
	switch r {
	case RolePlanner, RoleWorker, RoleReviewer, RoleAny:
		return true
	}
	return false
}

// CrabState describes the availability of an executor.
type CrabState string

const (
	CrabStateIdle    CrabState = "idle"
	CrabStateBusy    CrabState = "busy"
	CrabStateOffline CrabState = "offline"
)

// MissionStatus describes the lifecycle state of a mission.
type MissionStatus string

const (
	MissionStatusPending   MissionStatus = "pending"
	MissionStatusRunning   MissionStatus = "running"
	MissionStatusCompleted MissionStatus = "completed"
	MissionStatusFailed    MissionStatus = "failed"
)

// Terminal reports whether the mission will not change status again.
func (s MissionStatus) Terminal() bool {
	return s == MissionStatusCompleted || s == MissionStatusFailed
}

// TaskStatus describes the lifecycle state of a task within a mission DAG.
type TaskStatus string

const (
	TaskStatusBlocked   TaskStatus = "blocked"
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusAssigned  TaskStatus = "assigned"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusSkipped   TaskStatus = "skipped"
)

// Terminal reports whether the task has reached a final status.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusSkipped:
		return true
	}
	return false
}

// Active reports whether the task currently holds its mission's burrow.
func (s TaskStatus) Active() bool {
	return s == TaskStatusAssigned || s == TaskStatusRunning
}

// RunStatus describes the state of a single execution attempt.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether the run has finished.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// Colony is the tenancy boundary owning crabs and missions.
type Colony struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	RepoURL     *string `json:"repo_url,omitempty"`
	CreatedAtMS int64   `json:"created_at_ms"`
}

// Crab is a long-lived executor registered to a colony.
type Crab struct {
	ID            string    `json:"id"`
	ColonyID      string    `json:"colony_id"`
	Name          string    `json:"name"`
	Role          Role      `json:"role"`
	State         CrabState `json:"state"`
	CurrentTaskID *string   `json:"current_task_id,omitempty"`
	CurrentRunID  *string   `json:"current_run_id,omitempty"`
	LastSeenAtMS  int64     `json:"last_seen_at_ms"`
	UpdatedAtMS   int64     `json:"updated_at_ms"`
}

// Mission is an operator-submitted objective that expands into a task DAG.
type Mission struct {
	ID           string        `json:"id"`
	ColonyID     string        `json:"colony_id"`
	Prompt       string        `json:"prompt"`
	WorkflowName *string       `json:"workflow_name,omitempty"`
	ExternalRef  *string       `json:"external_ref,omitempty"`
	Status       MissionStatus `json:"status"`
	BurrowPath   string        `json:"burrow_path"`
	CreatedAtMS  int64         `json:"created_at_ms"`
	UpdatedAtMS  int64         `json:"updated_at_ms"`
}

// Task is one node of a mission's workflow DAG.
type Task struct {
	ID             string     `json:"id"`
	MissionID      string     `json:"mission_id"`
	StepID         string     `json:"step_id"`
	Role           Role       `json:"role"`
	Status         TaskStatus `json:"status"`
	AssignedCrabID *string    `json:"assigned_crab_id,omitempty"`
	Prompt         string     `json:"prompt"`
	Context        string     `json:"context"`
	Condition      *string    `json:"condition,omitempty"`
	MaxRetries     int        `json:"max_retries"`
	RetryCount     int        `json:"retry_count"`
	Seq            int        `json:"seq"`
	CreatedAtMS    int64      `json:"created_at_ms"`
	UpdatedAtMS    int64      `json:"updated_at_ms"`
}

// RunMetrics carries token counts and latency buckets reported by crabs.
type RunMetrics struct {
	PromptTokens        int    `json:"prompt_tokens"`
	CompletionTokens    int    `json:"completion_tokens"`
	TotalTokens         int    `json:"total_tokens"`
	FirstTokenMS        *int64 `json:"first_token_ms,omitempty"`
	LLMDurationMS       *int64 `json:"llm_duration_ms,omitempty"`
	ExecutionDurationMS *int64 `json:"execution_duration_ms,omitempty"`
	EndToEndMS          *int64 `json:"end_to_end_ms,omitempty"`
}

// Run captures a single execution attempt of a task by a crab.
type Run struct {
	ID              string     `json:"id"`
	MissionID       string     `json:"mission_id"`
	TaskID          string     `json:"task_id"`
	CrabID          string     `json:"crab_id"`
	Status          RunStatus  `json:"status"`
	BurrowPath      string     `json:"burrow_path"`
	ProgressMessage string     `json:"progress_message"`
	Result          *string    `json:"result,omitempty"`
	Summary         *string    `json:"summary,omitempty"`
	Metrics         RunMetrics `json:"metrics"`
	StartedAtMS     int64      `json:"started_at_ms"`
	UpdatedAtMS     int64      `json:"updated_at_ms"`
	CompletedAtMS   *int64     `json:"completed_at_ms,omitempty"`
}

// Event is a durable record of a state change, mirrored onto the bus.
type Event struct {
	ID          string  `json:"id"`
	ColonyID    *string `json:"colony_id,omitempty"`
	MissionID   *string `json:"mission_id,omitempty"`
	Kind        string  `json:"kind"`
	Payload     string  `json:"payload"`
	CreatedAtMS int64   `json:"created_at_ms"`
}
