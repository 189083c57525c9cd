package gitlab

import (
	"strings"
	"testing"
)

func TestPriorityFromLabels(t *testing.T) {
	tests := []struct {
		name   string
		labels []string
		want   string
	}{
		{"critical", []string{"bug", "priority::critical"}, "urgent"},
		{"high", []string{"priority::High"}, "high"},
		{"low", []string{"priority::low", "backend"}, "low"},
		{"unknown value", []string{"priority::someday"}, ""},
		{"no priority label", []string{"bug"}, ""},
		{"nil", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PriorityFromLabels(tt.labels); got != tt.want {
				t.Errorf("PriorityFromLabels(%v) = %q, want %q", tt.labels, got, tt.want)
			}
		})
	}
}

func TestPriorityLabel(t *testing.T) {
	tests := []struct {
		priority string
		want     string
	}{
		{"urgent", "priority::critical"},
		{"high", "priority::high"},
		{"medium", "priority::medium"},
		{"low", "priority::low"},
		{"none", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := PriorityLabel(tt.priority); got != tt.want {
			t.Errorf("PriorityLabel(%q) = %q, want %q", tt.priority, got, tt.want)
		}
	}
}

func TestHasLabel(t *testing.T) {
	if !HasLabel([]string{"bug", "Plane"}, ExternalSyncLabel) {
		t.Error("HasLabel(Plane) = false, want true")
	}
	if HasLabel([]string{"bug"}, ExternalSyncLabel) {
		t.Error("HasLabel(bug) = true, want false")
	}
}

func TestFilterNonScopedLabels(t *testing.T) {
	tests := []struct {
		in   []string
		want []string
	}{
		{[]string{"type::bug", "priority::high", "status::in_progress", "backend", "team::infra", "urgent"}, []string{"backend", "team::infra", "urgent"}},
		{[]string{"priority::low"}, []string{}},
		{nil, []string{}},
	}
	for _, tt := range tests {
		got := FilterNonScopedLabels(tt.in)
		if strings.Join(got, ",") != strings.Join(tt.want, ",") {
			t.Errorf("FilterNonScopedLabels(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
