package domain_test

import (
	"testing"

	"github.com/Hasbicom1/Tagent-sub007/internal/domain"
)

func TestTaskStatusConstants(t *testing.T) {
	tests := []struct {
		status domain.TaskStatus
		want   string
	}{
		{domain.StatusPending, "PENDING"},
		{domain.StatusProcessing, "PROCESSING"},
		{domain.StatusCompleted, "COMPLETED"},
		{domain.StatusFailed, "FAILED"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if string(tt.status) != tt.want {
				t.Errorf("TaskStatus value = %q, want %q", tt.status, tt.want)
			}
		})
	}
}

func TestTaskStatus_IsTerminal(t *testing.T) {
	for _, s := range []domain.TaskStatus{domain.StatusCompleted, domain.StatusFailed} {
		t.Run(string(s), func(t *testing.T) {
			if !s.IsTerminal() {
				t.Errorf("IsTerminal(%q) = false, want true", s)
			}
		})
	}
	for _, s := range []domain.TaskStatus{domain.StatusPending, domain.StatusProcessing} {
		t.Run(string(s), func(t *testing.T) {
			if s.IsTerminal() {
				t.Errorf("IsTerminal(%q) = true, want false", s)
			}
		})
	}
}

func TestParsePriority(t *testing.T) {
	tests := []struct {
		in   string
		want domain.Priority
	}{
		{"HIGH", domain.PriorityHigh},
		{"MEDIUM", domain.PriorityMedium},
		{"LOW", domain.PriorityLow},
		{"", domain.PriorityMedium},
		{"bogus", domain.PriorityMedium},
	}
	for _, tt := range tests {
		if got := domain.ParsePriority(tt.in); got != tt.want {
			t.Errorf("ParsePriority(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestPriorityOrdering(t *testing.T) {
	if !(domain.PriorityHigh > domain.PriorityMedium && domain.PriorityMedium > domain.PriorityLow) {
		t.Error("priority constants must order HIGH > MEDIUM > LOW for claim sorting")
	}
}

func TestValidTaskType(t *testing.T) {
	for _, typ := range []domain.TaskType{
		domain.TypeBrowserAutomation, domain.TypeSessionStart, domain.TypeSessionEnd,
	} {
		if !domain.ValidTaskType(typ) {
			t.Errorf("ValidTaskType(%q) = false, want true", typ)
		}
	}
	if domain.ValidTaskType("EMAIL") {
		t.Error("ValidTaskType should reject unknown types")
	}
}
