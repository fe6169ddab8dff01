package planner

import (
	"fmt"
	"reflect"
	"strings"
	"testing"
)

func TestParseTasks(t *testing.T) {
	content := `# Implementation Tasks

## Backend

- [ ] T001 Add refresh_token field to User model
- [x] T002 Implement token refresh endpoint
- [ ] Add token expiry validation

## Frontend

- [ ] 2.1 Create refresh token logic
- [ ] Update auth context
`

	tasks := ParseTasks(content)
	if len(tasks) != 5 {
		t.Fatalf("expected 5 tasks, got %d", len(tasks))
	}

	if tasks[0].ID != "T001" {
		t.Errorf("task 0 ID = %q, want T001", tasks[0].ID)
	}
	if tasks[0].Section != "Backend" {
		t.Errorf("task 0 Section = %q, want Backend", tasks[0].Section)
	}
	if tasks[0].Description != "Add refresh_token field to User model" {
		t.Errorf("task 0 Description = %q", tasks[0].Description)
	}
	if tasks[0].Completed {
		t.Error("task 0 should not be completed")
	}

	if !tasks[1].Completed {
		t.Error("task 1 should be completed")
	}

	// No explicit id: positional fallback within the section.
	if tasks[2].ID != "1.3" {
		t.Errorf("task 2 ID = %q, want 1.3", tasks[2].ID)
	}

	if tasks[3].Section != "Frontend" {
		t.Errorf("task 3 Section = %q, want Frontend", tasks[3].Section)
	}
	if tasks[3].ID != "2.1" {
		t.Errorf("task 3 ID = %q, want 2.1", tasks[3].ID)
	}
	if tasks[4].ID != "2.2" {
		t.Errorf("task 4 ID = %q, want 2.2", tasks[4].ID)
	}
}

func TestParseTasksEmpty(t *testing.T) {
	if tasks := ParseTasks(""); len(tasks) != 0 {
		t.Errorf("expected 0 tasks for empty content, got %d", len(tasks))
	}
}

func TestStats(t *testing.T) {
	tasks := []Task{
		{ID: "1.1", Completed: false},
		{ID: "1.2", Completed: true},
		{ID: "2.1", Completed: true},
		{ID: "2.2", Completed: false},
	}

	total, completed := Stats(tasks)
	if total != 4 {
		t.Errorf("total = %d, want 4", total)
	}
	if completed != 2 {
		t.Errorf("completed = %d, want 2", completed)
	}
}

func TestPlanSections(t *testing.T) {
	content := `# Tasks

## A

- [ ] T001 first
- [ ] T002 second

## B

- [ ] T003 third

## C

- [ ] T004 fourth
- [ ] T005 fifth
`

	plan := Plan(content, 15)
	if plan.UsedFallback {
		t.Error("sectioned document should not use fallback")
	}
	want := []Batch{
		{Section: "A", TaskIDs: []string{"T001", "T002"}},
		{Section: "B", TaskIDs: []string{"T003"}},
		{Section: "C", TaskIDs: []string{"T004", "T005"}},
	}
	if !reflect.DeepEqual(plan.Batches, want) {
		t.Errorf("batches = %+v, want %+v", plan.Batches, want)
	}
}

func TestPlanDeterministic(t *testing.T) {
	content := `## A
- [ ] T001 one
## B
- [ ] T002 two
- [ ] T003 three
`
	first := Plan(content, 15)
	for i := 0; i < 10; i++ {
		if next := Plan(content, 15); !reflect.DeepEqual(first, next) {
			t.Fatalf("plan not deterministic: %+v vs %+v", first, next)
		}
	}
}

func TestPlanDeduplicates(t *testing.T) {
	content := `## A
- [ ] T001 one
- [ ] T001 one again
- [ ] T002 two
`
	plan := Plan(content, 15)
	if len(plan.Batches) != 1 {
		t.Fatalf("expected 1 batch, got %d", len(plan.Batches))
	}
	want := []string{"T001", "T002"}
	if !reflect.DeepEqual(plan.Batches[0].TaskIDs, want) {
		t.Errorf("task ids = %v, want %v", plan.Batches[0].TaskIDs, want)
	}
}

func TestPlanUncategorized(t *testing.T) {
	content := `- [ ] T000 stray before headings

## A

- [ ] T001 one
`
	plan := Plan(content, 15)
	if plan.UsedFallback {
		t.Error("should not use fallback when a section yields tasks")
	}
	if len(plan.Batches) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(plan.Batches))
	}
	last := plan.Batches[len(plan.Batches)-1]
	if last.Section != UncategorizedSection {
		t.Errorf("final batch section = %q, want %q", last.Section, UncategorizedSection)
	}
	if !reflect.DeepEqual(last.TaskIDs, []string{"T000"}) {
		t.Errorf("uncategorized ids = %v, want [T000]", last.TaskIDs)
	}
}

func TestPlanFallbackChunking(t *testing.T) {
	var sb strings.Builder
	for i := 1; i <= 32; i++ {
		fmt.Fprintf(&sb, "- [ ] T%03d task %d\n", i, i)
	}

	plan := Plan(sb.String(), 15)
	if !plan.UsedFallback {
		t.Error("flat document must use fallback")
	}
	if len(plan.Batches) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(plan.Batches))
	}
	sizes := []int{len(plan.Batches[0].TaskIDs), len(plan.Batches[1].TaskIDs), len(plan.Batches[2].TaskIDs)}
	if sizes[0] != 15 || sizes[1] != 15 || sizes[2] != 2 {
		t.Errorf("batch sizes = %v, want [15 15 2]", sizes)
	}
	if plan.Batches[0].TaskIDs[0] != "T001" {
		t.Errorf("first task = %q, want T001", plan.Batches[0].TaskIDs[0])
	}
	if plan.Batches[2].TaskIDs[1] != "T032" {
		t.Errorf("last task = %q, want T032", plan.Batches[2].TaskIDs[1])
	}
}

func TestPlanSingleFallbackBatch(t *testing.T) {
	content := `- [ ] T001 one
- [ ] T002 two
`
	plan := Plan(content, 15)
	if !plan.UsedFallback {
		t.Error("expected fallback")
	}
	if len(plan.Batches) != 1 {
		t.Fatalf("expected single batch, got %d", len(plan.Batches))
	}
}

func TestPlanEmptyDocument(t *testing.T) {
	plan := Plan("", 15)
	if !plan.UsedFallback {
		t.Error("empty document must report fallback")
	}
	if len(plan.Batches) != 0 {
		t.Errorf("expected no batches, got %d", len(plan.Batches))
	}
}

func TestPlanDropsEmptySections(t *testing.T) {
	content := `## Empty

## A

- [ ] T001 one
`
	plan := Plan(content, 15)
	if len(plan.Batches) != 1 {
		t.Fatalf("expected 1 batch, got %d", len(plan.Batches))
	}
	if plan.Batches[0].Section != "A" {
		t.Errorf("section = %q, want A", plan.Batches[0].Section)
	}
}
