package task

import (
	"sort"
	"strings"
	"time"
)

// SortKey selects the field Find results are ordered by.
type SortKey string

const (
	SortByCreatedAt     SortKey = "created_at"
	SortByUpdatedAt     SortKey = "updated_at"
	SortByScheduledTime SortKey = "scheduled_time"
	SortByPriority      SortKey = "priority"
	SortByName          SortKey = "name"
	SortByLastExecuted  SortKey = "last_executed_at"
)

// TimeRange bounds a timestamp field. A zero From or To leaves that side open.
type TimeRange struct {
	From time.Time
	To   time.Time
}

func (r TimeRange) IsZero() bool { return r.From.IsZero() && r.To.IsZero() }

func (r TimeRange) contains(t time.Time) bool {
	if t.IsZero() {
		return false
	}
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && t.After(r.To) {
		return false
	}
	return true
}

// Filter narrows a task query. The zero value matches everything.
//
// Registries may push the cheap predicates down to their backend and apply
// Matches for the rest; Matches is the authoritative definition either way.
type Filter struct {
	IDs           []string
	Name          string // exact match
	NameContains  string // substring match, case-insensitive
	Statuses      []Status
	ScheduleTypes []ScheduleType

	// Priority bounds, inclusive. Nil = unbounded.
	PriorityMin *Priority
	PriorityMax *Priority

	// TagsAny matches tasks carrying at least one of the tags (union);
	// TagsAll requires every tag (intersection).
	TagsAny []string
	TagsAll []string

	CreatedRange      TimeRange
	ScheduledRange    TimeRange
	LastExecutedRange TimeRange

	// Overdue matches PENDING tasks whose scheduled time is strictly in the
	// past; DueNow additionally admits tasks scheduled exactly now.
	Overdue bool
	DueNow  bool

	// MetadataExtra matches tasks whose Metadata.Extra holds every given
	// key with an equal (==-comparable) value.
	MetadataExtra map[string]any

	Limit  int
	Offset int

	SortBy   SortKey
	SortDesc bool
}

// Matches reports whether t satisfies every constraint, evaluated at now.
func (f Filter) Matches(t *Task, now time.Time) bool {
	if t == nil {
		return false
	}
	if len(f.IDs) > 0 && !containsString(f.IDs, t.ID) {
		return false
	}
	if f.Name != "" && t.Name != f.Name {
		return false
	}
	if f.NameContains != "" && !strings.Contains(strings.ToLower(t.Name), strings.ToLower(f.NameContains)) {
		return false
	}
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if t.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.ScheduleTypes) > 0 {
		ok := false
		for _, st := range f.ScheduleTypes {
			if t.ScheduleType == st {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.PriorityMin != nil && t.Priority < *f.PriorityMin {
		return false
	}
	if f.PriorityMax != nil && t.Priority > *f.PriorityMax {
		return false
	}
	if len(f.TagsAny) > 0 {
		ok := false
		for _, tag := range f.TagsAny {
			if t.HasTag(tag) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	for _, tag := range f.TagsAll {
		if !t.HasTag(tag) {
			return false
		}
	}
	if !f.CreatedRange.IsZero() && !f.CreatedRange.contains(t.CreatedAt) {
		return false
	}
	if !f.ScheduledRange.IsZero() && !f.ScheduledRange.contains(t.ScheduledTime) {
		return false
	}
	if !f.LastExecutedRange.IsZero() && !f.LastExecutedRange.contains(t.LastExecutedAt) {
		return false
	}
	if f.Overdue {
		if t.Status != StatusPending || t.ScheduledTime.IsZero() || !t.ScheduledTime.Before(now) {
			return false
		}
	}
	if f.DueNow {
		if t.Status != StatusPending || t.ScheduledTime.IsZero() || t.ScheduledTime.After(now) {
			return false
		}
	}
	for k, want := range f.MetadataExtra {
		got, ok := t.Metadata.Extra[k]
		if !ok || got != want {
			return false
		}
	}
	return true
}

// Apply filters, sorts and paginates tasks in process. Used by the in-memory
// registry and as the post-pass for backends that can only pre-filter.
func (f Filter) Apply(tasks []*Task, now time.Time) []*Task {
	out := make([]*Task, 0, len(tasks))
	for _, t := range tasks {
		if f.Matches(t, now) {
			out = append(out, t)
		}
	}
	SortTasks(out, f.SortBy, f.SortDesc)

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out
}

// SortTasks orders tasks by key in place. The sort is stable; equal keys keep
// ID order, which is creation order thanks to time-ordered IDs.
func SortTasks(tasks []*Task, key SortKey, desc bool) {
	if key == "" {
		key = SortByCreatedAt
	}
	less := func(a, b *Task) bool {
		switch key {
		case SortByUpdatedAt:
			return a.UpdatedAt.Before(b.UpdatedAt)
		case SortByScheduledTime:
			return a.ScheduledTime.Before(b.ScheduledTime)
		case SortByPriority:
			return a.Priority < b.Priority
		case SortByName:
			return a.Name < b.Name
		case SortByLastExecuted:
			return a.LastExecutedAt.Before(b.LastExecutedAt)
		default:
			return a.CreatedAt.Before(b.CreatedAt)
		}
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if less(a, b) == less(b, a) {
			// Equal on the key; fall back to ID order.
			if desc {
				return a.ID > b.ID
			}
			return a.ID < b.ID
		}
		if desc {
			return less(b, a)
		}
		return less(a, b)
	})
}

func containsString(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}
