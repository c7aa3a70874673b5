package task

import (
	"testing"
	"time"
)

func mkTask(name string, st ScheduleType, p Priority, tags ...string) *Task {
	tk := New(name, st)
	tk.Priority = p
	tk.Metadata.Tags = tags
	return tk
}

func TestFilterMatches(t *testing.T) {
	t.Parallel()
	now := time.Now()

	tk := mkTask("daily digest", ScheduleExplicit, PriorityHigh, "report", "email")
	tk.ScheduledTime = now.Add(-time.Hour)
	tk.Metadata.Extra = map[string]any{"agent": "a1"}

	lo, hi := PriorityMedium, PriorityUrgent
	tests := []struct {
		name string
		f    Filter
		want bool
	}{
		{name: "zero filter", f: Filter{}, want: true},
		{name: "id match", f: Filter{IDs: []string{tk.ID}}, want: true},
		{name: "id miss", f: Filter{IDs: []string{"nope"}}, want: false},
		{name: "exact name", f: Filter{Name: "daily digest"}, want: true},
		{name: "substring name", f: Filter{NameContains: "DIGEST"}, want: true},
		{name: "substring miss", f: Filter{NameContains: "weekly"}, want: false},
		{name: "status set", f: Filter{Statuses: []Status{StatusPending, StatusRunning}}, want: true},
		{name: "status miss", f: Filter{Statuses: []Status{StatusCompleted}}, want: false},
		{name: "type set", f: Filter{ScheduleTypes: []ScheduleType{ScheduleExplicit}}, want: true},
		{name: "priority bounds", f: Filter{PriorityMin: &lo, PriorityMax: &hi}, want: true},
		{name: "priority below min", f: Filter{PriorityMin: &hi}, want: false},
		{name: "tags any", f: Filter{TagsAny: []string{"email", "missing"}}, want: true},
		{name: "tags all hit", f: Filter{TagsAll: []string{"report", "email"}}, want: true},
		{name: "tags all miss", f: Filter{TagsAll: []string{"report", "missing"}}, want: false},
		{name: "overdue", f: Filter{Overdue: true}, want: true},
		{name: "due now", f: Filter{DueNow: true}, want: true},
		{name: "scheduled range", f: Filter{ScheduledRange: TimeRange{From: now.Add(-2 * time.Hour), To: now}}, want: true},
		{name: "scheduled range miss", f: Filter{ScheduledRange: TimeRange{From: now}}, want: false},
		{name: "metadata extra", f: Filter{MetadataExtra: map[string]any{"agent": "a1"}}, want: true},
		{name: "metadata extra miss", f: Filter{MetadataExtra: map[string]any{"agent": "a2"}}, want: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.f.Matches(tk, now); got != tt.want {
				t.Fatalf("Matches = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFilterOverdueNeedsPending(t *testing.T) {
	t.Parallel()
	now := time.Now()
	tk := NewExplicit("done", now.Add(-time.Hour))
	tk.Status = StatusCompleted
	if (Filter{Overdue: true}).Matches(tk, now) {
		t.Fatalf("completed task reported overdue")
	}
	if (Filter{Overdue: true}).Matches(NewExplicit("future", now.Add(time.Hour)), now) {
		t.Fatalf("future task reported overdue")
	}
}

func TestFilterApplySortAndPaginate(t *testing.T) {
	t.Parallel()
	now := time.Now()
	a := mkTask("a", SchedulePriority, 1)
	b := mkTask("b", SchedulePriority, 9)
	c := mkTask("c", SchedulePriority, 5)

	got := Filter{SortBy: SortByPriority, SortDesc: true}.Apply([]*Task{a, b, c}, now)
	if len(got) != 3 || got[0] != b || got[1] != c || got[2] != a {
		t.Fatalf("descending priority order wrong: %v", names(got))
	}

	got = Filter{SortBy: SortByPriority, Limit: 1, Offset: 1}.Apply([]*Task{a, b, c}, now)
	if len(got) != 1 || got[0] != c {
		t.Fatalf("pagination wrong: %v", names(got))
	}

	got = Filter{Offset: 10}.Apply([]*Task{a, b, c}, now)
	if len(got) != 0 {
		t.Fatalf("offset past end should return nothing, got %v", names(got))
	}
}

func TestSortTasksStableOnEqualKeys(t *testing.T) {
	t.Parallel()
	a := mkTask("x", SchedulePriority, 5)
	b := mkTask("y", SchedulePriority, 5)
	tasks := []*Task{b, a}
	SortTasks(tasks, SortByPriority, false)
	// Equal priorities fall back to ID order (creation order for v7 IDs).
	if tasks[0].ID > tasks[1].ID {
		t.Fatalf("equal-key tiebreak not by ID: %s, %s", tasks[0].ID, tasks[1].ID)
	}
}

func names(ts []*Task) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.Name
	}
	return out
}
