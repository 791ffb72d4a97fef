package tasks

import (
	"context"
	"errors"
	"testing"
)

func TestMemorySaveAssignsDoer(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDirectory()
	if err := d.Save(ctx, Task{ID: "task-1", TaskerID: "tasker-1", EscrowRef: "ref-1"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := d.Save(ctx, Task{ID: "task-1", TaskerID: "tasker-1", DoerID: "doer-1", EscrowRef: "ref-1"}); err != nil {
		t.Fatalf("assign doer: %v", err)
	}
	got, err := d.Task(ctx, "task-1")
	if err != nil {
		t.Fatalf("task: %v", err)
	}
	if got.DoerID != "doer-1" || got.EscrowRef != "ref-1" || got.CreatedAt.IsZero() {
		t.Fatalf("unexpected task %+v", got)
	}
}

func TestMemorySaveRejectsChangedOwnerOrReference(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDirectory()
	if err := d.Save(ctx, Task{ID: "task-1", TaskerID: "tasker-1", EscrowRef: "ref-1"}); err != nil {
		t.Fatalf("save: %v", err)
	}

	cases := []struct {
		name string
		task Task
	}{
		{"tasker changed", Task{ID: "task-1", TaskerID: "tasker-2", EscrowRef: "ref-1"}},
		{"reference changed", Task{ID: "task-1", TaskerID: "tasker-1", EscrowRef: "ref-x"}},
		{"reference cleared", Task{ID: "task-1", TaskerID: "tasker-1"}},
		{"reference shared", Task{ID: "task-2", TaskerID: "tasker-1", EscrowRef: "ref-1"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := d.Save(ctx, tc.task); !errors.Is(err, ErrTaskConflict) {
				t.Fatalf("expected ErrTaskConflict, got %v", err)
			}
		})
	}

	got, err := d.Task(ctx, "task-1")
	if err != nil {
		t.Fatalf("task: %v", err)
	}
	if got.TaskerID != "tasker-1" || got.EscrowRef != "ref-1" {
		t.Fatalf("rejected saves changed the task: %+v", got)
	}
	if _, err := d.Task(ctx, "task-2"); err == nil {
		t.Fatal("task-2 should not exist")
	}
}

func TestEscrowKeyDefaultsToTaskID(t *testing.T) {
	if got := (Task{ID: "task-1"}).EscrowKey(); got != "task-1" {
		t.Fatalf("EscrowKey() = %q", got)
	}
	if got := (Task{ID: "task-1", EscrowRef: "ref"}).EscrowKey(); got != "ref" {
		t.Fatalf("EscrowKey() = %q", got)
	}
}
