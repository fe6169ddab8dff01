// Package planner parses the project's task document and partitions the
// tasks into sequential implementation batches.
package planner

import (
	"regexp"
	"strconv"
	"strings"
)

// UncategorizedSection is the synthetic batch holding tasks that appear
// outside any section heading.
const UncategorizedSection = "Uncategorized"

// Task represents one task extracted from the tasks document.
type Task struct {
	// ID is the task identifier, either explicit in the document
	// (e.g. "T001", "1.2") or synthesized from document position.
	ID string

	// Section is the section heading the task belongs to; empty when the
	// task appears before any heading.
	Section string

	// Description is the task description text, without the identifier.
	Description string

	// Completed indicates if the task checkbox is checked.
	Completed bool
}

// Batch is one group of task identifiers executed together.
type Batch struct {
	Section string   `json:"section"`
	TaskIDs []string `json:"task_ids"`
}

// BatchPlan is the derived partition of the task document. It is computed
// on demand and never persisted.
type BatchPlan struct {
	Batches      []Batch `json:"batches"`
	UsedFallback bool    `json:"used_fallback"`
}

// taskLinePattern matches markdown checkbox items: - [ ] or - [x]
var taskLinePattern = regexp.MustCompile(`^[-*]\s*\[([ xX])\]\s*(.+)$`)

// sectionPattern matches second-level markdown headers: ## Section Name
var sectionPattern = regexp.MustCompile(`^##\s+(.+)$`)

// taskIDPattern matches a well-formed identifier at the start of a task
// description: T-prefixed ("T001") or dotted numeric ("1.2").
var taskIDPattern = regexp.MustCompile(`^((?:T\d+)|(?:\d+(?:\.\d+)+))[:.]?\s+`)

// ParseTasks parses a tasks document into structured task data. Tasks are
// markdown checkboxes under `##` section headers. Tasks carrying an
// explicit identifier keep it; the rest get positional "{section}.{n}" ids.
func ParseTasks(content string) []Task {
	var tasks []Task
	var currentSection string
	sectionNum := 0
	taskNum := 0

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)

		if matches := sectionPattern.FindStringSubmatch(trimmed); matches != nil {
			currentSection = strings.TrimSpace(matches[1])
			sectionNum++
			taskNum = 0
			continue
		}

		matches := taskLinePattern.FindStringSubmatch(trimmed)
		if matches == nil {
			continue
		}
		checkbox := matches[1]
		description := strings.TrimSpace(matches[2])
		taskNum++

		id := ""
		if idMatch := taskIDPattern.FindStringSubmatch(description); idMatch != nil {
			id = idMatch[1]
			description = strings.TrimSpace(description[len(idMatch[0]):])
		} else {
			num := sectionNum
			if num == 0 {
				num = 1
			}
			id = strconv.Itoa(num) + "." + strconv.Itoa(taskNum)
		}

		tasks = append(tasks, Task{
			ID:          id,
			Section:     currentSection,
			Description: description,
			Completed:   checkbox == "x" || checkbox == "X",
		})
	}

	return tasks
}

// Stats returns summary statistics for parsed tasks.
func Stats(tasks []Task) (total, completed int) {
	total = len(tasks)
	for _, t := range tasks {
		if t.Completed {
			completed++
		}
	}
	return total, completed
}

// Plan partitions a task document into batches.
//
// When at least one section heading yields tasks, the batches are the
// non-empty sections in document order, with tasks outside any heading
// collected into a final "Uncategorized" batch. Otherwise the flat task
// list is chunked into fixed-size batches of fallbackSize. Duplicate task
// ids within a section are kept on first occurrence only. Plan is
// deterministic: the same content always yields the same plan.
func Plan(content string, fallbackSize int) BatchPlan {
	return PlanTasks(ParseTasks(content), fallbackSize)
}

// PlanTasks partitions already-parsed tasks into batches.
func PlanTasks(tasks []Task, fallbackSize int) BatchPlan {
	if len(tasks) == 0 {
		return BatchPlan{UsedFallback: true}
	}

	var sectionOrder []string
	sectionTasks := make(map[string][]string)
	seen := make(map[string]map[string]bool)
	var uncategorized []string
	uncatSeen := make(map[string]bool)

	for _, t := range tasks {
		if t.Section == "" {
			if !uncatSeen[t.ID] {
				uncatSeen[t.ID] = true
				uncategorized = append(uncategorized, t.ID)
			}
			continue
		}
		if _, ok := sectionTasks[t.Section]; !ok {
			sectionOrder = append(sectionOrder, t.Section)
			sectionTasks[t.Section] = nil
			seen[t.Section] = make(map[string]bool)
		}
		if !seen[t.Section][t.ID] {
			seen[t.Section][t.ID] = true
			sectionTasks[t.Section] = append(sectionTasks[t.Section], t.ID)
		}
	}

	if len(sectionOrder) > 0 {
		var batches []Batch
		for _, section := range sectionOrder {
			ids := sectionTasks[section]
			if len(ids) == 0 {
				continue
			}
			batches = append(batches, Batch{Section: section, TaskIDs: ids})
		}
		if len(uncategorized) > 0 {
			batches = append(batches, Batch{Section: UncategorizedSection, TaskIDs: uncategorized})
		}
		return BatchPlan{Batches: batches, UsedFallback: false}
	}

	// No usable sections: chunk the flat list.
	if fallbackSize <= 0 {
		fallbackSize = 15
	}
	var batches []Batch
	for start := 0; start < len(uncategorized); start += fallbackSize {
		end := start + fallbackSize
		if end > len(uncategorized) {
			end = len(uncategorized)
		}
		batches = append(batches, Batch{
			Section: "Batch " + strconv.Itoa(len(batches)+1),
			TaskIDs: uncategorized[start:end],
		})
	}
	return BatchPlan{Batches: batches, UsedFallback: true}
}
