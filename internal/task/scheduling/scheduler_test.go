package scheduling

import (
	"testing"
	"time"

	"github.com/gabmichels/cw-agent-swarm-sub017/internal/task"
	"github.com/gabmichels/cw-agent-swarm-sub017/internal/task/strategy"
	"github.com/gabmichels/cw-agent-swarm-sub017/pkg/logx"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

// fakeStrategy gives tests full control over applicability, due-ness, and the
// reported next time.
type fakeStrategy struct {
	id      string
	applies bool
	due     bool
	next    time.Time
}

func (f *fakeStrategy) ID() string                { return f.id }
func (f *fakeStrategy) Name() string              { return f.id }
func (f *fakeStrategy) AppliesTo(*task.Task) bool { return f.applies }
func (f *fakeStrategy) IsDue(*task.Task, time.Time) bool {
	return f.applies && f.due
}
func (f *fakeStrategy) NextExecution(*task.Task, time.Time) (time.Time, bool) {
	return f.next, !f.next.IsZero()
}

func TestAddRemoveStrategy(t *testing.T) {
	t.Parallel()
	s, err := New(logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := s.AddStrategy(strategy.NewExplicit()); err != nil {
		t.Fatalf("AddStrategy: %v", err)
	}
	err = s.AddStrategy(strategy.NewExplicit())
	if task.CodeOf(err) != task.CodeDuplicateStrategy {
		t.Fatalf("duplicate add: code = %q, want DUPLICATE_STRATEGY", task.CodeOf(err))
	}
	if err := s.AddStrategy(nil); task.CodeOf(err) != task.CodeInvalidStrategy {
		t.Fatalf("nil add: code = %q, want INVALID_STRATEGY", task.CodeOf(err))
	}

	if err := s.RemoveStrategy("explicit-time"); err != nil {
		t.Fatalf("RemoveStrategy: %v", err)
	}
	if err := s.RemoveStrategy("explicit-time"); task.CodeOf(err) != task.CodeInvalidStrategy {
		t.Fatalf("remove unknown: code = %q, want INVALID_STRATEGY", task.CodeOf(err))
	}
}

func TestDueTasksEmptyStrategySet(t *testing.T) {
	t.Parallel()
	s, _ := New(logx.Nop())
	_, err := s.DueTasks([]*task.Task{task.New("t", task.ScheduleExplicit)}, testNow)
	if task.CodeOf(err) != task.CodeNoStrategies {
		t.Fatalf("code = %q, want NO_STRATEGIES", task.CodeOf(err))
	}
	if _, err := s.IsDue(task.New("t", task.ScheduleExplicit), testNow); task.CodeOf(err) != task.CodeNoStrategies {
		t.Fatalf("IsDue code = %q, want NO_STRATEGIES", task.CodeOf(err))
	}
}

func TestDueTasksORSemantics(t *testing.T) {
	t.Parallel()
	// One strategy says not due, the other says due; OR means due.
	s, err := New(logx.Nop(),
		&fakeStrategy{id: "a", applies: true, due: false},
		&fakeStrategy{id: "b", applies: true, due: true},
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tk := task.New("t", task.ScheduleExplicit)
	due, err := s.DueTasks([]*task.Task{tk}, testNow)
	if err != nil {
		t.Fatalf("DueTasks: %v", err)
	}
	if len(due) != 1 || due[0] != tk {
		t.Fatalf("due = %v, want the single task", due)
	}
}

func TestDueTasksSkipsInapplicable(t *testing.T) {
	t.Parallel()
	// The only strategy applies to nothing; every task is skipped, no error.
	s, _ := New(logx.Nop(), &fakeStrategy{id: "a", applies: false, due: true})

	due, err := s.DueTasks([]*task.Task{task.New("t", task.ScheduleExplicit)}, testNow)
	if err != nil {
		t.Fatalf("DueTasks: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("due = %v, want empty", due)
	}
}

func TestDueTasksPreservesOrder(t *testing.T) {
	t.Parallel()
	s, _ := New(logx.Nop(), strategy.NewExplicit())

	var tasks []*task.Task
	for i := 0; i < 5; i++ {
		tk := task.NewExplicit("t", testNow.Add(-time.Duration(i+1)*time.Minute))
		tasks = append(tasks, tk)
	}
	due, err := s.DueTasks(tasks, testNow)
	if err != nil {
		t.Fatalf("DueTasks: %v", err)
	}
	if len(due) != len(tasks) {
		t.Fatalf("len(due) = %d, want %d", len(due), len(tasks))
	}
	for i := range tasks {
		if due[i] != tasks[i] {
			t.Fatalf("order not preserved at index %d", i)
		}
	}
}

func TestNextExecutionMinRule(t *testing.T) {
	t.Parallel()
	early := testNow.Add(time.Hour)
	late := testNow.Add(3 * time.Hour)
	s, _ := New(logx.Nop(),
		&fakeStrategy{id: "late", applies: true, next: late},
		&fakeStrategy{id: "early", applies: true, next: early},
		&fakeStrategy{id: "none", applies: true}, // no next time
	)

	next, ok, err := s.NextExecution(task.New("t", task.ScheduleExplicit), testNow)
	if err != nil {
		t.Fatalf("NextExecution: %v", err)
	}
	if !ok || !next.Equal(early) {
		t.Fatalf("next = %v, %v; want %v", next, ok, early)
	}
}

func TestNextExecutionNoneReported(t *testing.T) {
	t.Parallel()
	s, _ := New(logx.Nop(), &fakeStrategy{id: "none", applies: true})
	if _, ok, err := s.NextExecution(task.New("t", task.SchedulePriority), testNow); err != nil || ok {
		t.Fatalf("got ok=%v err=%v, want no next time and no error", ok, err)
	}
}

// A task can be due now under one strategy while another reports a later next
// time; the two answers are independent.
func TestDueNowWithLaterNextTime(t *testing.T) {
	t.Parallel()
	later := testNow.Add(2 * time.Hour)
	s, _ := New(logx.Nop(),
		&fakeStrategy{id: "due-now", applies: true, due: true},
		&fakeStrategy{id: "timed", applies: true, next: later},
	)

	tk := task.New("t", task.ScheduleExplicit)
	due, err := s.IsDue(tk, testNow)
	if err != nil || !due {
		t.Fatalf("IsDue = %v, %v; want true", due, err)
	}
	next, ok, err := s.NextExecution(tk, testNow)
	if err != nil || !ok || !next.Equal(later) {
		t.Fatalf("NextExecution = %v, %v, %v; want %v", next, ok, err, later)
	}
}
