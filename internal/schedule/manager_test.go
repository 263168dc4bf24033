package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"herald/internal/eventbus"
	logx "herald/pkg/logx"
)

type memStore struct {
	mu      sync.Mutex
	tasks   []Task
	puts    int
	failPut bool
}

func (s *memStore) GetAll(ctx context.Context) ([]Task, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Clone())
	}
	return out, nil
}

func (s *memStore) ReplaceAll(ctx context.Context, tasks []Task) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPut {
		return errors.New("disk full")
	}
	s.puts++
	s.tasks = tasks
	return nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) putCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts
}

func (s *memStore) find(id string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.ID == id {
			return t.Clone(), true
		}
	}
	return Task{}, false
}

type stubRunner struct {
	mu    sync.Mutex
	out   Outcome
	calls []Task
}

func (r *stubRunner) Run(ctx context.Context, t Task) Outcome {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, t)
	return r.out
}

func (r *stubRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newTestManager(store *memStore, runner Runner, bus eventbus.Bus) *Manager {
	return NewManager(Config{HistoryLimit: 3}, store, runner, bus, logx.Nop())
}

func timerIDs(m *Manager) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.timers))
	for id := range m.timers {
		ids = append(ids, id)
	}
	return ids
}

func timerVersion(m *Manager, id string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timerVer[id]
}

// waitStatus drains sub until an update for id with the wanted status arrives.
func waitStatus(t *testing.T, sub <-chan eventbus.Event, id string, want RunStatus) StatusUpdate {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-sub:
			u, ok := ev.Data.(StatusUpdate)
			if !ok {
				t.Fatalf("unexpected event payload %T", ev.Data)
			}
			if u.TaskID == id && u.Status == want {
				return u
			}
		case <-deadline:
			t.Fatalf("no %q status for task %s", want, id)
		}
	}
}

func TestAddArmsEnabledOnly(t *testing.T) {
	t.Parallel()
	store := &memStore{}
	m := newTestManager(store, &stubRunner{}, eventbus.New())

	on, err := m.Add(context.Background(), Task{
		RoomNames: []string{"A"}, Message: "x", RepeatRule: "30 9 * * *", Enabled: true,
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if on.ID == "" || on.Status != StatusPending || on.OneTime {
		t.Fatalf("unexpected task %+v", on)
	}
	off, err := m.Add(context.Background(), Task{
		RoomNames: []string{"A"}, Message: "x", RepeatRule: "0 12 * * *",
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	ids := timerIDs(m)
	if len(ids) != 1 || ids[0] != on.ID {
		t.Fatalf("timers = %v, want only %s", ids, on.ID)
	}
	if _, ok := store.find(off.ID); !ok {
		t.Fatal("disabled task must still be persisted")
	}
	if _, ok := m.NextFire(off.ID); ok {
		t.Fatal("disabled task must not report a next firing")
	}
	if next, ok := m.NextFire(on.ID); !ok || next.Hour() != 9 || next.Minute() != 30 {
		t.Fatalf("NextFire = %v %v", next, ok)
	}
}

func TestAddRejectsBadRuleBeforeStore(t *testing.T) {
	t.Parallel()
	store := &memStore{}
	m := newTestManager(store, &stubRunner{}, eventbus.New())

	if _, err := m.Add(context.Background(), Task{RepeatRule: "61 9 * * *", Enabled: true}); err == nil {
		t.Fatal("expected rule error")
	}
	if store.putCount() != 0 {
		t.Fatal("nothing may be persisted for a rejected task")
	}
	if len(timerIDs(m)) != 0 {
		t.Fatal("nothing may be armed for a rejected task")
	}
}

func TestAddRollsBackOnStoreFailure(t *testing.T) {
	t.Parallel()
	store := &memStore{failPut: true}
	m := newTestManager(store, &stubRunner{}, eventbus.New())

	_, err := m.Add(context.Background(), Task{RoomNames: []string{"A"}, RepeatRule: "30 9 * * *", Enabled: true})
	if err == nil {
		t.Fatal("expected persistence error")
	}
	if len(timerIDs(m)) != 0 {
		t.Fatal("persist-then-arm: a failed save must not leave a timer")
	}
	if got := m.Tasks(); len(got) != 0 {
		t.Fatalf("task set = %v, want empty after rollback", got)
	}
}

func TestAtMostOneTimerAcrossMutations(t *testing.T) {
	t.Parallel()
	store := &memStore{}
	m := newTestManager(store, &stubRunner{}, eventbus.New())
	ctx := context.Background()

	task, err := m.Add(ctx, Task{RoomNames: []string{"A"}, Message: "x", RepeatRule: "30 9 * * *", Enabled: true})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	id := task.ID

	assertTimers := func(want int) {
		t.Helper()
		if got := timerIDs(m); len(got) != want {
			t.Fatalf("timers = %v, want %d", got, want)
		}
	}
	assertTimers(1)

	// Re-enabling an already enabled task replaces, never duplicates.
	ver := timerVersion(m, id)
	if err := m.Toggle(ctx, id, true); err != nil {
		t.Fatalf("Toggle: %v", err)
	}
	assertTimers(1)
	if timerVersion(m, id) <= ver {
		t.Fatal("re-arming must invalidate the previous timer's callbacks")
	}

	if err := m.Toggle(ctx, id, false); err != nil {
		t.Fatalf("Toggle: %v", err)
	}
	assertTimers(0)

	if err := m.Toggle(ctx, id, true); err != nil {
		t.Fatalf("Toggle: %v", err)
	}
	assertTimers(1)

	task.RepeatRule = "0 18 * * 1,3"
	task.Enabled = true
	if _, err := m.Update(ctx, task); err != nil {
		t.Fatalf("Update: %v", err)
	}
	assertTimers(1)

	if err := m.Delete(ctx, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	assertTimers(0)
	if _, ok := store.find(id); ok {
		t.Fatal("deleted task must leave the store")
	}
}

func TestToggleUnknownIsNoop(t *testing.T) {
	t.Parallel()
	store := &memStore{}
	m := newTestManager(store, &stubRunner{}, eventbus.New())

	if err := m.Toggle(context.Background(), "ghost", true); err != nil {
		t.Fatalf("Toggle: %v", err)
	}
	if store.putCount() != 0 {
		t.Fatal("unknown id must not touch the store")
	}
	if err := m.Delete(context.Background(), "ghost"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
}

func TestUpdateUnknownFails(t *testing.T) {
	t.Parallel()
	m := newTestManager(&memStore{}, &stubRunner{}, eventbus.New())
	_, err := m.Update(context.Background(), Task{ID: "ghost", RepeatRule: "30 9 * * *"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestInitArmsOnlyRunnableTasks(t *testing.T) {
	t.Parallel()
	store := &memStore{tasks: []Task{
		{ID: "runnable", RepeatRule: "30 9 * * *", Enabled: true, Status: StatusPending},
		{ID: "disabled", RepeatRule: "30 9 * * *", Enabled: false, Status: StatusPending},
		{ID: "archived", RepeatRule: "0 9 1 1 *", Enabled: true, Status: StatusCompleted, Archived: true, OneTime: true},
		{ID: "broken", RepeatRule: "99 9 * * *", Enabled: true, Status: StatusPending},
	}}
	m := newTestManager(store, &stubRunner{}, eventbus.New())

	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer m.Stop()

	ids := timerIDs(m)
	if len(ids) != 1 || ids[0] != "runnable" {
		t.Fatalf("timers = %v, want only runnable", ids)
	}
	broken, ok := store.find("broken")
	if !ok || broken.Status != StatusFailed || broken.Error == "" {
		t.Fatalf("broken task = %+v, want persisted failed status", broken)
	}
	if arch, _ := store.find("archived"); arch.Status != StatusCompleted {
		t.Fatalf("archived task must keep its terminal state, got %+v", arch)
	}
}

func TestStopCancelsAllTimers(t *testing.T) {
	t.Parallel()
	m := newTestManager(&memStore{}, &stubRunner{}, eventbus.New())
	ctx := context.Background()
	for _, rule := range []string{"30 9 * * *", "0 12 * * 1"} {
		if _, err := m.Add(ctx, Task{RoomNames: []string{"A"}, RepeatRule: rule, Enabled: true}); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	m.Stop()
	if got := timerIDs(m); len(got) != 0 {
		t.Fatalf("timers = %v after Stop", got)
	}
}

func TestOneTimeSuccessArchives(t *testing.T) {
	t.Parallel()
	store := &memStore{}
	runner := &stubRunner{out: Outcome{Sent: 1}}
	bus := eventbus.New()
	sub, unsub := bus.Subscribe(16, EventTaskStatus)
	defer unsub()
	m := newTestManager(store, runner, bus)

	// Jan 1 is long past for the current year, so the timer fires immediately.
	task, err := m.Add(context.Background(), Task{
		RoomNames: []string{"A"}, Message: "x", RepeatRule: "0 9 1 1 *", Enabled: true,
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !task.OneTime {
		t.Fatal("date-pinned rule must be classified one-time")
	}

	waitStatus(t, sub, task.ID, RunRunning)
	waitStatus(t, sub, task.ID, RunSuccess)

	got, ok := store.find(task.ID)
	if !ok {
		t.Fatal("task missing from store")
	}
	if got.Status != StatusCompleted || !got.Archived {
		t.Fatalf("task = %+v, want completed and archived", got)
	}
	if got.LastStatus != RunSuccess || len(got.History) != 1 {
		t.Fatalf("run record = %+v", got)
	}
	if len(timerIDs(m)) != 0 {
		t.Fatal("archived one-time task must not re-arm")
	}
}

func TestOneTimeFailureStaysVisible(t *testing.T) {
	t.Parallel()
	store := &memStore{}
	runner := &stubRunner{out: Outcome{
		Sent:     1,
		Failures: []RoomFailure{{Room: "B", Reason: "room not found"}},
	}}
	bus := eventbus.New()
	sub, unsub := bus.Subscribe(16, EventTaskStatus)
	defer unsub()
	m := newTestManager(store, runner, bus)

	task, err := m.Add(context.Background(), Task{
		RoomNames: []string{"A", "B"}, Message: "x", RepeatRule: "0 9 1 1 *", Enabled: true,
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	u := waitStatus(t, sub, task.ID, RunFailed)
	if u.Message != "B: room not found" {
		t.Fatalf("status message = %q", u.Message)
	}

	got, _ := store.find(task.ID)
	if got.Status != StatusFailed || got.Archived {
		t.Fatalf("task = %+v, want failed and not archived", got)
	}
	if got.Error != "B: room not found" {
		t.Fatalf("task error = %q", got.Error)
	}
}

func TestRecurringFiringRearms(t *testing.T) {
	t.Parallel()
	store := &memStore{}
	runner := &stubRunner{out: Outcome{Sent: 2}}
	m := newTestManager(store, runner, eventbus.New())

	task, err := m.Add(context.Background(), Task{
		RoomNames: []string{"A", "B"}, Message: "x", RepeatRule: "30 9 * * *", Enabled: true,
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	// Drive the pending timer's callback directly instead of waiting for 09:30.
	m.fire(task.ID, timerVersion(m, task.ID))

	if runner.callCount() != 1 {
		t.Fatalf("runner calls = %d, want 1", runner.callCount())
	}
	got, _ := store.find(task.ID)
	if got.Status != StatusPending || got.LastStatus != RunSuccess {
		t.Fatalf("task = %+v, want pending with successful last run", got)
	}
	if ids := timerIDs(m); len(ids) != 1 {
		t.Fatalf("timers = %v, recurring task must re-arm", ids)
	}
}

func TestStaleTimerCallbackIgnored(t *testing.T) {
	t.Parallel()
	runner := &stubRunner{out: Outcome{Sent: 1}}
	m := newTestManager(&memStore{}, runner, eventbus.New())
	ctx := context.Background()

	task, err := m.Add(ctx, Task{RoomNames: []string{"A"}, RepeatRule: "30 9 * * *", Enabled: true})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	ver := timerVersion(m, task.ID)
	if err := m.Toggle(ctx, task.ID, false); err != nil {
		t.Fatalf("Toggle: %v", err)
	}

	// The callback from the cancelled timer carries the old version.
	m.fire(task.ID, ver)
	if runner.callCount() != 0 {
		t.Fatal("callback from a cancelled timer must not run the task")
	}
}

func TestHistoryCapped(t *testing.T) {
	t.Parallel()
	store := &memStore{}
	runner := &stubRunner{out: Outcome{Sent: 1}}
	m := newTestManager(store, runner, eventbus.New()) // HistoryLimit: 3

	task, err := m.Add(context.Background(), Task{
		RoomNames: []string{"A"}, Message: "x", RepeatRule: "30 9 * * *", Enabled: true,
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	for i := 0; i < 5; i++ {
		m.fire(task.ID, timerVersion(m, task.ID))
	}

	got, _ := store.find(task.ID)
	if len(got.History) != 3 {
		t.Fatalf("history length = %d, want capped at 3", len(got.History))
	}
}

func TestUpdateResetsFailedTask(t *testing.T) {
	t.Parallel()
	store := &memStore{}
	runner := &stubRunner{out: Outcome{Failures: []RoomFailure{{Room: "A", Reason: "boom"}}}}
	m := newTestManager(store, runner, eventbus.New())
	ctx := context.Background()

	task, err := m.Add(ctx, Task{RoomNames: []string{"A"}, Message: "x", RepeatRule: "0 9 1 1 *", Enabled: true})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	// One-time failure parks the task in the failed state.
	for i := 0; i < 100; i++ {
		if got, _ := store.find(task.ID); got.Status == StatusFailed {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got, _ := store.find(task.ID); got.Status != StatusFailed {
		t.Fatalf("task = %+v, want failed before update", got)
	}

	task.RepeatRule = "30 9 * * *"
	task.Enabled = true
	updated, err := m.Update(ctx, task)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Status != StatusPending || updated.Archived || updated.Error != "" {
		t.Fatalf("updated = %+v, want a clean pending task", updated)
	}
	if len(timerIDs(m)) != 1 {
		t.Fatal("updated enabled task must be armed")
	}
}
