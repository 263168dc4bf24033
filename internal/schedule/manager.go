package schedule

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"herald/internal/eventbus"
	logx "herald/pkg/logx"
)

// Config tunes the scheduler facade.
type Config struct {
	// Timezone is an IANA TZ name, e.g. "Asia/Shanghai". Empty means local.
	Timezone string
	// HistoryLimit caps each task's execution history. <=0 means default.
	HistoryLimit int
}

const defaultHistoryLimit = 50

// Manager is the scheduling facade: it owns the persisted task set, keeps at
// most one live timer per task, and coordinates firings through a Runner.
//
// The source of this design is a single-threaded event loop; the Go port
// serializes every mutation (task set, persistence, timer registry) under one
// mutex so the at-most-one-timer-per-task and no-duplicate-persistence
// invariants survive concurrent timer callbacks. Executor runs happen outside
// the lock, so firings of different tasks still interleave freely.
type Manager struct {
	log    logx.Logger
	bus    eventbus.Bus
	store  TaskStore
	runner Runner
	loc    *time.Location

	historyLimit int
	now          func() time.Time

	mu    sync.Mutex
	tasks []Task
	index map[string]int // id -> position in tasks

	// Timer registry, guarded by mu. Versions follow the registry so a stale
	// AfterFunc callback from a cancelled timer is ignored.
	timers   map[string]*time.Timer
	timerVer map[string]uint64

	runCtx context.Context
	cancel context.CancelFunc
}

func NewManager(cfg Config, store TaskStore, runner Runner, bus eventbus.Bus, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	loc := loadLocation(cfg.Timezone, log)
	limit := cfg.HistoryLimit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	m := &Manager{
		log:          log,
		bus:          bus,
		store:        store,
		runner:       runner,
		loc:          loc,
		historyLimit: limit,
		index:        map[string]int{},
		timers:       map[string]*time.Timer{},
		timerVer:     map[string]uint64{},
	}
	m.now = func() time.Time { return time.Now().In(loc) }
	return m
}

func loadLocation(tz string, log logx.Logger) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// Init loads the task set from the store and arms every enabled, non-archived
// pending task. Call once at startup; firings missed while the process was
// down are not replayed.
func (m *Manager) Init(ctx context.Context) error {
	tasks, err := m.store.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.runCtx, m.cancel = context.WithCancel(ctx)
	m.tasks = tasks
	m.reindexLocked()

	dirty := false
	armed := 0
	for i := range m.tasks {
		t := &m.tasks[i]
		if !t.Enabled || t.Archived || t.Status != StatusPending {
			continue
		}
		rule, err := ParseRule(t.RepeatRule)
		if err != nil {
			// Permanent scheduling failure: never armed.
			t.Status = StatusFailed
			t.Error = err.Error()
			dirty = true
			m.log.Error("task has unusable repeat rule", logx.String("task", t.ID), logx.Err(err))
			continue
		}
		m.armLocked(t.ID, rule)
		armed++
	}
	if dirty {
		if err := m.store.ReplaceAll(ctx, m.snapshotLocked()); err != nil {
			m.log.Warn("persisting rule failures on init", logx.Err(err))
		}
	}
	m.log.Info("scheduler initialized", logx.Int("tasks", len(tasks)), logx.Int("armed", armed))
	return nil
}

// Stop cancels every pending timer. In-flight firings finish on their own.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		m.cancel()
	}
	for id, tmr := range m.timers {
		_ = tmr.Stop()
		m.timerVer[id]++
	}
	m.timers = map[string]*time.Timer{}
	m.log.Info("scheduler stopped")
}

// Add persists a new task and, if enabled, arms its timer.
// A malformed repeat rule is rejected before anything is stored.
func (m *Manager) Add(ctx context.Context, t Task) (Task, error) {
	rule, err := ParseRule(t.RepeatRule)
	if err != nil {
		return Task{}, err
	}
	if strings.TrimSpace(t.ID) == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = m.now()
	}
	t.RepeatRule = rule.String()
	t.OneTime = rule.OneTime()
	t.Status = StatusPending
	t.Archived = false

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.index[t.ID]; exists {
		return Task{}, fmt.Errorf("task %s already exists", t.ID)
	}
	m.tasks = append(m.tasks, t)
	m.index[t.ID] = len(m.tasks) - 1

	// Persist-then-arm: on store failure the registry must not hold a timer
	// for a task that was never saved.
	if err := m.store.ReplaceAll(ctx, m.snapshotLocked()); err != nil {
		m.tasks = m.tasks[:len(m.tasks)-1]
		delete(m.index, t.ID)
		return Task{}, fmt.Errorf("persist task: %w", err)
	}

	if t.Enabled {
		m.armLocked(t.ID, rule)
	}
	m.log.Info("task added",
		logx.String("task", t.ID),
		logx.String("rule", t.RepeatRule),
		logx.Int("rooms", len(t.RoomNames)),
		logx.Bool("enabled", t.Enabled))
	return t, nil
}

// Toggle enables or disables a task. Unknown IDs are a no-op.
func (m *Manager) Toggle(ctx context.Context, id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i, ok := m.index[id]
	if !ok {
		return nil
	}
	prev := m.tasks[i].Enabled
	m.tasks[i].Enabled = enabled
	t := m.tasks[i]

	if err := m.store.ReplaceAll(ctx, m.snapshotLocked()); err != nil {
		m.tasks[i].Enabled = prev
		return fmt.Errorf("persist task: %w", err)
	}

	if !enabled {
		m.cancelTimerLocked(id)
		m.log.Info("task disabled", logx.String("task", id))
		return nil
	}
	if t.Archived || t.Status != StatusPending {
		return nil
	}
	rule, err := ParseRule(t.RepeatRule)
	if err != nil {
		return err
	}
	m.armLocked(id, rule)
	m.log.Info("task enabled", logx.String("task", id), logx.String("rule", t.RepeatRule))
	return nil
}

// Delete removes a task and cancels any live timer for it.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i, ok := m.index[id]
	if !ok {
		return nil
	}
	removed := m.tasks[i]
	m.tasks = append(m.tasks[:i], m.tasks[i+1:]...)
	m.reindexLocked()

	if err := m.store.ReplaceAll(ctx, m.snapshotLocked()); err != nil {
		m.tasks = append(m.tasks, removed)
		m.reindexLocked()
		return fmt.Errorf("persist task: %w", err)
	}
	m.cancelTimerLocked(id)
	m.log.Info("task deleted", logx.String("task", id))
	return nil
}

// Update replaces a task's rooms, message, rule and enabled flag, keeping its
// identity and history. The task returns to the pending state and its timer
// is re-derived from the new rule.
func (m *Manager) Update(ctx context.Context, t Task) (Task, error) {
	rule, err := ParseRule(t.RepeatRule)
	if err != nil {
		return Task{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	i, ok := m.index[t.ID]
	if !ok {
		return Task{}, ErrNotFound
	}
	prev := m.tasks[i].Clone()

	cur := &m.tasks[i]
	cur.RoomNames = append([]string(nil), t.RoomNames...)
	cur.Message = t.Message
	cur.RepeatRule = rule.String()
	cur.Enabled = t.Enabled
	cur.OneTime = rule.OneTime()
	cur.Status = StatusPending
	cur.Archived = false
	cur.Error = ""
	updated := cur.Clone()

	if err := m.store.ReplaceAll(ctx, m.snapshotLocked()); err != nil {
		m.tasks[i] = prev
		return Task{}, fmt.Errorf("persist task: %w", err)
	}

	// Old timer always dies; a new one is armed only while enabled.
	m.cancelTimerLocked(t.ID)
	if updated.Enabled {
		m.armLocked(t.ID, rule)
	}
	m.log.Info("task updated", logx.String("task", t.ID), logx.String("rule", updated.RepeatRule))
	return updated, nil
}

// Tasks returns a deep-copied snapshot of all tasks in store order.
func (m *Manager) Tasks() []Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// NextFire reports the pending timer's target time for diagnostics.
// Second return is false when the task holds no live timer.
func (m *Manager) NextFire(id string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	i, ok := m.index[id]
	if !ok {
		return time.Time{}, false
	}
	if _, armed := m.timers[id]; !armed {
		return time.Time{}, false
	}
	rule, err := ParseRule(m.tasks[i].RepeatRule)
	if err != nil {
		return time.Time{}, false
	}
	return rule.Next(m.now()), true
}

// ---- internals ----

// reindexLocked rebuilds the id index after slice surgery. Call with mu held.
func (m *Manager) reindexLocked() {
	m.index = make(map[string]int, len(m.tasks))
	for i, t := range m.tasks {
		m.index[t.ID] = i
	}
}

// snapshotLocked deep-copies the task set for persistence. Call with mu held.
func (m *Manager) snapshotLocked() []Task {
	out := make([]Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t.Clone())
	}
	return out
}

// armLocked cancels any existing timer for id and arms a fresh one. Call with
// mu held. Two timers for the same task must never coexist.
func (m *Manager) armLocked(id string, rule Rule) {
	if tmr, ok := m.timers[id]; ok {
		_ = tmr.Stop()
		delete(m.timers, id)
	}
	ver := m.timerVer[id] + 1
	m.timerVer[id] = ver

	next := rule.Next(m.now())
	if next.IsZero() {
		m.log.Error("rule produced no next occurrence", logx.String("task", id), logx.String("rule", rule.String()))
		return
	}
	delay := next.Sub(m.now())
	if delay < 0 {
		// One-time rules already in the past fire immediately.
		delay = 0
	}
	m.timers[id] = time.AfterFunc(delay, func() { m.fire(id, ver) })
	m.log.Debug("timer armed",
		logx.String("task", id),
		logx.Time("at", next),
		logx.Duration("in", delay))
}

// cancelTimerLocked stops a pending timer and invalidates callbacks already
// in flight. Call with mu held. It cannot interrupt a firing that has
// already passed its version check.
func (m *Manager) cancelTimerLocked(id string) {
	if tmr, ok := m.timers[id]; ok {
		_ = tmr.Stop()
		delete(m.timers, id)
	}
	m.timerVer[id]++
}

// fire runs one firing of id. It is the timer callback: every failure is
// captured into the task record and the status event, nothing propagates.
func (m *Manager) fire(id string, ver uint64) {
	m.mu.Lock()
	if m.timerVer[id] != ver {
		// Cancelled or replaced after this callback was already scheduled.
		m.mu.Unlock()
		return
	}
	delete(m.timers, id)
	i, ok := m.index[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	t := m.tasks[i].Clone()
	ctx := m.runCtx
	m.mu.Unlock()

	if !t.Enabled || t.Archived {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	m.publish(StatusUpdate{TaskID: id, Status: RunRunning,
		Message: fmt.Sprintf("sending to %d room(s)", len(t.RoomNames))})

	// The batch itself runs unlocked so other tasks' timers fire freely.
	out := m.runner.Run(ctx, t)
	firedAt := m.now()

	rec := ExecutionRecord{At: firedAt, Status: RunSuccess}
	if out.Failed() {
		rec.Status = RunFailed
		rec.Error = out.ErrorText()
	}

	m.mu.Lock()
	i, ok = m.index[id]
	if !ok {
		// Deleted while running; nothing to record.
		m.mu.Unlock()
		return
	}
	cur := &m.tasks[i]
	cur.LastRun = firedAt
	cur.LastStatus = rec.Status
	cur.Error = rec.Error
	cur.History = append(cur.History, rec)
	if len(cur.History) > m.historyLimit {
		cur.History = cur.History[len(cur.History)-m.historyLimit:]
	}
	if cur.OneTime {
		if out.Failed() {
			// Failed one-time tasks stay visible with their error.
			cur.Status = StatusFailed
		} else {
			cur.Status = StatusCompleted
			cur.Archived = true
		}
	}
	if err := m.store.ReplaceAll(ctx, m.snapshotLocked()); err != nil {
		m.log.Error("persisting firing outcome", logx.String("task", id), logx.Err(err))
	}
	// Recurring tasks re-arm for their next natural occurrence while they
	// stay enabled.
	if !cur.OneTime && cur.Enabled {
		if rule, err := ParseRule(cur.RepeatRule); err == nil {
			m.armLocked(id, rule)
		}
	}
	m.mu.Unlock()

	if out.Failed() {
		m.log.Warn("task firing failed",
			logx.String("task", id),
			logx.Int("sent", out.Sent),
			logx.String("err", rec.Error))
		m.publish(StatusUpdate{TaskID: id, Status: RunFailed, Message: rec.Error})
	} else {
		m.log.Info("task fired",
			logx.String("task", id),
			logx.Int("sent", out.Sent))
		m.publish(StatusUpdate{TaskID: id, Status: RunSuccess,
			Message: fmt.Sprintf("delivered to %d room(s)", out.Sent)})
	}
}

// publish pushes a status update to the sink. Fire-and-forget; must never
// block or panic out of a timer callback.
func (m *Manager) publish(u StatusUpdate) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{Type: EventTaskStatus, Data: u})
}
