package orchestrator

import (
	"fmt"
	"strings"

	"github.com/halvardlabs/autoboard/internal/feature"
	"github.com/halvardlabs/autoboard/internal/plan"
)

// continuationContext re-enters an execution with a pre-built prompt,
// bypassing resume classification. Used by approval recovery after a
// process restart.
type continuationContext struct {
	prompt string
}

// initialPrompt builds the first provider prompt for a feature, shaped by
// its planning mode.
func initialPrompt(f *feature.Feature, attachedContext string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "## Feature\n\n%s\n\n", f.Description)
	if attachedContext != "" {
		fmt.Fprintf(&b, "## Additional context\n\n%s\n\n", attachedContext)
	}

	switch f.PlanningMode {
	case feature.PlanningLite:
		b.WriteString("Before implementing, write a short outline of your approach ")
		b.WriteString("(a few bullet points).\n")
		planInstructions(&b)
	case feature.PlanningSpec:
		b.WriteString("Before implementing, produce a structured specification with ")
		b.WriteString("a task list. Group tasks under `## Phase N: <name>` headings and ")
		b.WriteString("write each task as `- [ ] T001: description (file: path)`.\n")
		planInstructions(&b)
	case feature.PlanningFull:
		b.WriteString("Before implementing, produce a full multi-phase plan: goals, ")
		b.WriteString("design decisions, risks, and a complete task list. Group tasks ")
		b.WriteString("under `## Phase N: <name>` headings and write each task as ")
		b.WriteString("`- [ ] T001: description (file: path)`.\n")
		planInstructions(&b)
	default:
		b.WriteString("Implement this feature. Make the changes, run the relevant ")
		b.WriteString("checks, and summarize what you did.\n")
	}

	return b.String()
}

func planInstructions(b *strings.Builder) {
	fmt.Fprintf(b, "\nWhen the plan is complete, print the exact marker %s on its own line and stop. Do not implement anything yet.\n", plan.ReadyMarker)
}

// implementPrompt asks the provider to carry out an approved plan.
func implementPrompt(planContent string) string {
	var b strings.Builder
	b.WriteString("The plan below has been approved. Implement it now, ")
	b.WriteString("working through the tasks in order and checking them off as you go.\n\n")
	fmt.Fprintf(&b, "## Approved plan\n\n%s\n", planContent)
	return b.String()
}

// revisePrompt asks for another plan draft incorporating reviewer feedback.
func revisePrompt(priorPlan, feedback string) string {
	var b strings.Builder
	b.WriteString("The plan below was reviewed and needs revision. ")
	b.WriteString("Produce an updated plan that addresses the feedback.\n\n")
	fmt.Fprintf(&b, "## Previous plan\n\n%s\n\n", priorPlan)
	if feedback != "" {
		fmt.Fprintf(&b, "## Reviewer feedback\n\n%s\n", feedback)
	}
	planInstructions(&b)
	return b.String()
}

// continuePrompt resumes an interrupted implementation from its transcript.
func continuePrompt(f *feature.Feature, transcript string) string {
	var b strings.Builder
	b.WriteString("A previous session on this feature was interrupted. ")
	b.WriteString("Review the work so far, verify what is already done, and continue ")
	b.WriteString("from where it stopped. Do not redo completed work.\n\n")
	fmt.Fprintf(&b, "## Feature\n\n%s\n\n", f.Description)
	fmt.Fprintf(&b, "## Work so far\n\n%s\n", transcript)
	return b.String()
}
