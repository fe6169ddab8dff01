package orchestrator

import (
	"fmt"

	"github.com/specflowhq/specflow/planner"
	"github.com/specflowhq/specflow/state"
)

// HealVerdict is the auto-healer's call on a failed batch.
type HealVerdict int

const (
	// HealSpawn means spawn a fixer workflow for the batch.
	HealSpawn HealVerdict = iota
	// HealEscalate means surface needs_attention with recovery options.
	HealEscalate
)

// Healer decides whether a failed batch gets another fixer subprocess or
// escalates to the user.
type Healer struct{}

// Assess applies the healing gates: the configured attempt cap and the
// healing budget. Disabled auto-heal always escalates.
func (h *Healer) Assess(exec *state.Execution, batch *state.BatchItem) (HealVerdict, string) {
	if !exec.Config.AutoHealEnabled {
		return HealEscalate, fmt.Sprintf("batch %q failed and auto-heal is disabled", batch.Section)
	}
	if batch.HealAttempts >= exec.Config.MaxHealAttempts {
		return HealEscalate, fmt.Sprintf("batch %q failed after %d heal attempt(s)", batch.Section, batch.HealAttempts)
	}
	if cap := exec.Config.Budget.HealingBudget; cap > 0 && exec.HealingCostUSD >= cap {
		return HealEscalate, fmt.Sprintf("healing budget exhausted for batch %q", batch.Section)
	}
	return HealSpawn, fmt.Sprintf("healing batch %q, attempt %d", batch.Section, batch.HealAttempts+1)
}

// Prompt builds the fixer prompt. Completed and failed task ids are
// derived from the checkboxes in the current tasks document, so the fixer
// sees exactly what the failed invocation managed to finish.
func (h *Healer) Prompt(tasksContent string, batch *state.BatchItem, errContext string) string {
	inBatch := make(map[string]bool, len(batch.TaskIDs))
	for _, id := range batch.TaskIDs {
		inBatch[id] = true
	}

	var completed, failed []string
	done := make(map[string]bool)
	for _, task := range planner.ParseTasks(tasksContent) {
		if inBatch[task.ID] && task.Completed {
			done[task.ID] = true
		}
	}
	for _, id := range batch.TaskIDs {
		if done[id] {
			completed = append(completed, id)
		} else {
			failed = append(failed, id)
		}
	}

	return healPrompt(batch, completed, failed, errContext)
}
