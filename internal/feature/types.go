package feature

import (
	"strings"
	"time"
)

// Status is a feature's board status.
type Status string

const (
	// StatusBacklog means the feature is queued and eligible for dispatch.
	StatusBacklog Status = "backlog"
	// StatusInProgress means an execution is (or was) underway.
	StatusInProgress Status = "in_progress"
	// StatusWaitingApproval means a human decision is required.
	StatusWaitingApproval Status = "waiting_approval"
	// StatusVerified means implementation finished and automated checks ran.
	StatusVerified Status = "verified"
	// StatusCompleted means the feature was accepted and closed out.
	StatusCompleted Status = "completed"

	// pipelinePrefix prefixes the per-step statuses (pipeline_<stepID>).
	pipelinePrefix = "pipeline_"
)

// PipelineStatus returns the status encoding a pipeline step position.
func PipelineStatus(stepID string) Status {
	return Status(pipelinePrefix + stepID)
}

// PipelineStepID extracts the step id from a pipeline status.
// Returns false when the status is not pipeline-scoped.
func (s Status) PipelineStepID() (string, bool) {
	raw := string(s)
	if !strings.HasPrefix(raw, pipelinePrefix) {
		return "", false
	}
	return strings.TrimPrefix(raw, pipelinePrefix), true
}

// IsReady reports whether the feature can be picked up by the scheduler.
func (s Status) IsReady() bool {
	return s == StatusBacklog || s == ""
}

// IsDone reports whether the status satisfies a dependency edge.
func (s Status) IsDone() bool {
	return s == StatusCompleted || s == StatusVerified
}

// PlanningMode controls whether and how a plan is generated before
// implementation.
type PlanningMode string

const (
	// PlanningSkip goes straight to implementation.
	PlanningSkip PlanningMode = "skip"
	// PlanningLite asks for a short outline before implementing.
	PlanningLite PlanningMode = "lite"
	// PlanningSpec produces a structured spec with a task list.
	PlanningSpec PlanningMode = "spec"
	// PlanningFull produces a full multi-phase plan.
	PlanningFull PlanningMode = "full"
)

// PlanStatus is the lifecycle state of a PlanSpec.
type PlanStatus string

const (
	PlanPending    PlanStatus = "pending"
	PlanGenerating PlanStatus = "generating"
	PlanGenerated  PlanStatus = "generated"
	PlanApproved   PlanStatus = "approved"
	PlanRejected   PlanStatus = "rejected"
)

// TaskStatus is the state of one parsed plan task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskCompleted TaskStatus = "completed"
)

// ParsedTask is one task projected out of structured plan text.
// It is derived state, never independently persisted.
type ParsedTask struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	FilePath    string     `json:"file_path,omitempty"`
	Phase       string     `json:"phase,omitempty"`
	Status      TaskStatus `json:"status"`
}

// PlanSpec is the generated plan attached to a feature. It is created
// lazily on first plan generation and only superseded, never deleted.
type PlanSpec struct {
	Status         PlanStatus   `json:"status"`
	Content        string       `json:"content"`
	Version        int          `json:"version"`
	Tasks          []ParsedTask `json:"tasks,omitempty"`
	TasksCompleted int          `json:"tasks_completed"`
	TasksTotal     int          `json:"tasks_total"`
	CurrentTaskID  string       `json:"current_task_id,omitempty"`
	ReviewedByUser bool         `json:"reviewed_by_user"`
}

// SetContent replaces the plan content and bumps the version.
func (p *PlanSpec) SetContent(content string) {
	p.Content = content
	p.Version++
}

// Feature is one user-defined unit of work on the board.
type Feature struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Status      Status `json:"status"`

	SkipTests           bool         `json:"skip_tests"`
	Model               string       `json:"model,omitempty"`
	PlanningMode        PlanningMode `json:"planning_mode,omitempty"`
	RequirePlanApproval bool         `json:"require_plan_approval"`

	Dependencies []string `json:"dependencies,omitempty"`

	// Set once isolation is established.
	BranchName   string `json:"branch_name,omitempty"`
	WorktreePath string `json:"worktree_path,omitempty"`

	PlanSpec *PlanSpec `json:"plan_spec,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EnsurePlanSpec returns the feature's plan spec, creating it on first use.
func (f *Feature) EnsurePlanSpec() *PlanSpec {
	if f.PlanSpec == nil {
		f.PlanSpec = &PlanSpec{Status: PlanPending}
	}
	return f.PlanSpec
}
