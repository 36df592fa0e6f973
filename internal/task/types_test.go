package task

import "testing"

func TestTaskStatusTransitions(t *testing.T) {
	tk := New("task-001", "test task", 3)

	if err := tk.TransitionTo(StatusInProgress); err != nil {
		t.Errorf("expected valid transition, got: %v", err)
	}
	if tk.AssignedAt == nil {
		t.Error("expected AssignedAt to be set on entering InProgress")
	}

	if err := tk.TransitionTo(StatusCompleted); err != nil {
		t.Errorf("expected valid transition, got: %v", err)
	}
	if tk.CompletedAt == nil {
		t.Error("expected CompletedAt to be set on reaching a terminal status")
	}

	// Completed is terminal: no further transitions allowed (I1).
	if err := tk.TransitionTo(StatusInProgress); err == nil {
		t.Error("expected terminal status to reject further transitions")
	}
}

func TestTaskValidate(t *testing.T) {
	tests := []struct {
		name    string
		task    *Task
		wantErr bool
	}{
		{"valid", &Task{Name: "x", MaxRetries: 2, Progress: 50}, false},
		{"missing name", &Task{Name: "", MaxRetries: 0}, true},
		{"negative retries", &Task{Name: "x", MaxRetries: -1}, true},
		{"progress out of range", &Task{Name: "x", Progress: 101}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.task.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("expected no error, got: %v", err)
			}
		})
	}
}

func TestNew(t *testing.T) {
	tk := New("task-xyz", "do the thing", 5)

	if tk.ID != "task-xyz" {
		t.Errorf("expected id to be preserved, got %s", tk.ID)
	}
	if tk.Status != StatusPending {
		t.Errorf("expected pending status, got: %s", tk.Status)
	}
	if tk.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}
}

func TestResetForRetry(t *testing.T) {
	tk := New("task-1", "x", 1)
	tk.AssignedAgentID = "agent-1"
	_ = tk.TransitionTo(StatusInProgress)

	tk.ResetForRetry()

	if tk.Status != StatusPending {
		t.Errorf("expected pending status after reset, got %s", tk.Status)
	}
	if tk.AssignedAgentID != "" {
		t.Error("expected assignment cleared after reset")
	}
	if tk.AssignedAt != nil {
		t.Error("expected AssignedAt cleared after reset")
	}
}

func TestActualDuration(t *testing.T) {
	tk := New("task-1", "x", 1)
	if d := tk.ActualDuration(); d != 0 {
		t.Errorf("expected zero duration before assignment/completion, got %v", d)
	}
}
