// Package plan parses generated plan text: the ready-for-review marker
// and the structured task list.
package plan

import (
	"regexp"
	"strings"

	"github.com/halvardlabs/autoboard/internal/feature"
)

// ReadyMarker is the sentinel the agent is instructed to print once the
// plan is complete and ready for human review. Everything before the
// marker is the plan body.
const ReadyMarker = "[[PLAN_READY]]"

// OutcomeKind tags what a finished provider stream produced.
type OutcomeKind int

const (
	// Continuing means no plan marker appeared; the stream was ordinary
	// implementation output.
	Continuing OutcomeKind = iota
	// PlanReady means the stream produced a plan awaiting review.
	PlanReady
)

// Outcome is the tagged result of scanning a transcript.
type Outcome struct {
	Kind OutcomeKind
	// Content is the plan body (marker stripped) when Kind is PlanReady.
	Content string
}

// DetectOutcome scans the accumulated transcript for the ready marker.
func DetectOutcome(transcript string) Outcome {
	idx := strings.Index(transcript, ReadyMarker)
	if idx < 0 {
		return Outcome{Kind: Continuing}
	}
	return Outcome{
		Kind:    PlanReady,
		Content: strings.TrimSpace(transcript[:idx]),
	}
}

var (
	phaseRe = regexp.MustCompile(`^#{2,4}\s*Phase\s*\d*[:.]?\s*(.*)$`)
	taskRe  = regexp.MustCompile(`^[-*]\s*\[([ xX])\]\s*(T\d+)[:.]?\s*(.+?)(?:\s*\(file:\s*([^)]+)\))?\s*$`)
)

// ParseTasks projects the ordered task list out of structured plan text.
//
// Recognized shapes:
//
//	## Phase 1: Setup
//	- [ ] T001: create the migration (file: db/migrate.sql)
//	- [x] T002: wire the handler
//
// Anything else is prose and ignored.
func ParseTasks(content string) []feature.ParsedTask {
	var tasks []feature.ParsedTask
	phase := ""

	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)

		if m := phaseRe.FindStringSubmatch(line); m != nil {
			phase = strings.TrimSpace(m[1])
			continue
		}

		m := taskRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}

		status := feature.TaskPending
		if m[1] == "x" || m[1] == "X" {
			status = feature.TaskCompleted
		}

		tasks = append(tasks, feature.ParsedTask{
			ID:          m[2],
			Description: strings.TrimSpace(m[3]),
			FilePath:    strings.TrimSpace(m[4]),
			Phase:       phase,
			Status:      status,
		})
	}

	return tasks
}

// Apply refreshes the spec's task projection from its content.
func Apply(spec *feature.PlanSpec) {
	spec.Tasks = ParseTasks(spec.Content)
	spec.TasksTotal = len(spec.Tasks)

	completed := 0
	current := ""
	for _, t := range spec.Tasks {
		if t.Status == feature.TaskCompleted {
			completed++
		} else if current == "" {
			current = t.ID
		}
	}
	spec.TasksCompleted = completed
	spec.CurrentTaskID = current
}
