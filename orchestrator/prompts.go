package orchestrator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/specflowhq/specflow/state"
)

// Skill names passed to the agent. Implement and heal carry batch context
// in their prompts; the rest run once per phase.
const (
	SkillDesign    = "design"
	SkillAnalyze   = "analyze"
	SkillImplement = "implement-batch"
	SkillVerify    = "verify"
	SkillMerge     = "merge"
	SkillHeal      = "heal"
)

func phasePrompt(skill string) string {
	switch skill {
	case SkillDesign:
		return "Run the design phase: produce the design document for the current roadmap phase and record open questions."
	case SkillAnalyze:
		return "Run the analyze phase: review the design, derive the implementation plan, and emit the tasks document with `##` section headings and checkbox tasks."
	case SkillVerify:
		return "Run the verify phase: execute the test suite and acceptance checks for the implemented tasks, fixing only verification-level issues."
	case SkillMerge:
		return "Run the merge phase: integrate the completed work into the main branch and report the merge result."
	}
	return fmt.Sprintf("Run the %s phase.", skill)
}

func batchPrompt(batch *state.BatchItem) string {
	return fmt.Sprintf(
		"Implement the tasks of section %q from the tasks document.\nTask ids: %s.\nMark each task's checkbox as you complete it. Do not work on tasks outside this batch.",
		batch.Section, strings.Join(batch.TaskIDs, ", "))
}

// healPrompt builds the targeted fixer prompt for a failed batch.
func healPrompt(batch *state.BatchItem, completed, failed []string, errContext string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "The implementation batch for section %q failed and needs a targeted fix.\n", batch.Section)
	fmt.Fprintf(&sb, "Tasks attempted: %s.\n", strings.Join(batch.TaskIDs, ", "))
	if len(completed) > 0 {
		fmt.Fprintf(&sb, "Tasks already completed: %s.\n", strings.Join(completed, ", "))
	}
	if len(failed) > 0 {
		fmt.Fprintf(&sb, "Tasks still failing: %s.\n", strings.Join(failed, ", "))
	}
	if errContext != "" {
		fmt.Fprintf(&sb, "Captured error context:\n%s\n", errContext)
	}
	sb.WriteString("Fix the failing tasks only; leave completed work untouched. Mark checkboxes as tasks pass.")
	return sb.String()
}

// answersPrompt formats drained answers as the resume prompt.
func answersPrompt(answers map[string]string) string {
	ids := make([]string, 0, len(answers))
	for id := range answers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var sb strings.Builder
	sb.WriteString("Answers to your questions:\n")
	for _, id := range ids {
		fmt.Fprintf(&sb, "- %s: %s\n", id, answers[id])
	}
	sb.WriteString("Continue the workflow with these answers.")
	return sb.String()
}
