package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"herald/internal/session"
	logx "herald/pkg/logx"
)

type fakeRoom struct {
	name    string
	sendErr error
	parent  *fakeSession
}

func (r *fakeRoom) Name() string { return r.name }

func (r *fakeRoom) Send(ctx context.Context, text string) error {
	_ = ctx
	if r.sendErr != nil {
		return r.sendErr
	}
	r.parent.mu.Lock()
	r.parent.sent = append(r.parent.sent, r.name+"|"+text)
	r.parent.mu.Unlock()
	return nil
}

type fakeSession struct {
	mu       sync.Mutex
	ready    bool
	rooms    []*fakeRoom
	roomsErr error
	sent     []string
}

func newFakeSession(roomNames ...string) *fakeSession {
	s := &fakeSession{ready: true}
	for _, n := range roomNames {
		s.rooms = append(s.rooms, &fakeRoom{name: n, parent: s})
	}
	return s
}

func (s *fakeSession) Ready() bool { return s.ready }

func (s *fakeSession) Rooms(ctx context.Context) ([]session.Room, error) {
	_ = ctx
	if s.roomsErr != nil {
		return nil, s.roomsErr
	}
	out := make([]session.Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		out = append(out, r)
	}
	return out, nil
}

func (s *fakeSession) Room(ctx context.Context, name string) (session.Room, error) {
	_ = ctx
	for _, r := range s.rooms {
		if r.name == name {
			return r, nil
		}
	}
	return nil, session.ErrRoomNotFound
}

func (s *fakeSession) sentTo() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

type delayRecord struct{ min, max time.Duration }

// newTestExecutor wires an executor with instant sleeps that record the
// requested delay bounds instead of waiting.
func newTestExecutor(sess session.Session) (*Executor, *[]delayRecord) {
	e := NewExecutor(ExecutorConfig{RatePerSec: 1000}, sess, logx.Nop())
	recs := &[]delayRecord{}
	e.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	e.randDelay = func(min, max time.Duration) time.Duration {
		*recs = append(*recs, delayRecord{min, max})
		return 0
	}
	return e, recs
}

func TestRunPartialFailure(t *testing.T) {
	t.Parallel()
	sess := newFakeSession("A", "C")
	e, _ := newTestExecutor(sess)

	out := e.Run(context.Background(), Task{
		ID:        "t1",
		RoomNames: []string{"A", "B", "C"},
		Message:   "hi",
	})

	if out.Fatal != nil {
		t.Fatalf("unexpected fatal: %v", out.Fatal)
	}
	if out.Sent != 2 {
		t.Fatalf("Sent = %d, want 2", out.Sent)
	}
	want := []string{"A|hi", "C|hi"}
	got := sess.sentTo()
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("sent = %v, want %v", got, want)
	}
	if len(out.Failures) != 1 || out.Failures[0].Room != "B" {
		t.Fatalf("Failures = %v, want one for B", out.Failures)
	}
	if !out.Failed() {
		t.Fatal("outcome with failures must report Failed")
	}
	if out.ErrorText() != "B: room not found" {
		t.Fatalf("ErrorText = %q", out.ErrorText())
	}
}

func TestRunSendErrorContinuesBatch(t *testing.T) {
	t.Parallel()
	sess := newFakeSession("A", "B", "C")
	sess.rooms[1].sendErr = errors.New("kicked from room")
	e, _ := newTestExecutor(sess)

	out := e.Run(context.Background(), Task{ID: "t1", RoomNames: []string{"A", "B", "C"}, Message: "x"})

	if out.Sent != 2 {
		t.Fatalf("Sent = %d, want 2", out.Sent)
	}
	if len(out.Failures) != 1 || out.Failures[0].Room != "B" || out.Failures[0].Reason != "kicked from room" {
		t.Fatalf("Failures = %v", out.Failures)
	}
}

func TestRunNoSessionIsFatal(t *testing.T) {
	t.Parallel()
	e, _ := newTestExecutor(nil)
	out := e.Run(context.Background(), Task{ID: "t1", RoomNames: []string{"A"}})
	if !errors.Is(out.Fatal, session.ErrNotReady) {
		t.Fatalf("Fatal = %v, want ErrNotReady", out.Fatal)
	}

	sess := newFakeSession("A")
	sess.ready = false
	e.SetSession(sess)
	out = e.Run(context.Background(), Task{ID: "t1", RoomNames: []string{"A"}})
	if !errors.Is(out.Fatal, session.ErrNotReady) {
		t.Fatalf("Fatal = %v, want ErrNotReady", out.Fatal)
	}
	if len(sess.sentTo()) != 0 {
		t.Fatal("no rooms may be attempted without a ready session")
	}
}

func TestRunBulkResolutionFailureIsFatal(t *testing.T) {
	t.Parallel()
	sess := newFakeSession("A")
	sess.roomsErr = errors.New("connection reset")
	e, _ := newTestExecutor(sess)
	out := e.Run(context.Background(), Task{ID: "t1", RoomNames: []string{"A"}})
	if out.Fatal == nil {
		t.Fatal("expected fatal outcome")
	}
}

func TestRunEmptyRoomListIsNoop(t *testing.T) {
	t.Parallel()
	sess := newFakeSession("A")
	e, _ := newTestExecutor(sess)
	out := e.Run(context.Background(), Task{ID: "t1"})
	if out.Failed() || out.Sent != 0 {
		t.Fatalf("empty room list must no-op, got %+v", out)
	}
	if len(sess.sentTo()) != 0 {
		t.Fatal("nothing may be sent for an empty room list")
	}
}

func TestRunPacing(t *testing.T) {
	t.Parallel()
	names := make([]string, 12)
	for i := range names {
		names[i] = string(rune('a' + i))
	}
	sess := newFakeSession(names...)
	e, recs := newTestExecutor(sess)

	out := e.Run(context.Background(), Task{ID: "t1", RoomNames: names, Message: "x"})
	if out.Failed() || out.Sent != 12 {
		t.Fatalf("unexpected outcome %+v", out)
	}

	short, long := 0, 0
	for _, r := range *recs {
		switch {
		case r.min == roomDelayMin && r.max == roomDelayMax:
			short++
		case r.min == longPauseMin && r.max == longPauseMax:
			long++
		default:
			t.Fatalf("unexpected delay bounds %v", r)
		}
	}
	// One short delay before each room but the first; one long pause after
	// the 10th successful send.
	if short != 11 {
		t.Errorf("short delays = %d, want 11", short)
	}
	if long != 1 {
		t.Errorf("long pauses = %d, want 1", long)
	}
}

func TestRunNoLongPauseAtBatchEnd(t *testing.T) {
	t.Parallel()
	names := make([]string, 10)
	for i := range names {
		names[i] = string(rune('a' + i))
	}
	sess := newFakeSession(names...)
	e, recs := newTestExecutor(sess)

	if out := e.Run(context.Background(), Task{ID: "t1", RoomNames: names, Message: "x"}); out.Sent != 10 {
		t.Fatalf("Sent = %d", out.Sent)
	}
	for _, r := range *recs {
		if r.min == longPauseMin {
			t.Fatal("long pause must not follow the final send")
		}
	}
}

func TestRandDelayBounds(t *testing.T) {
	t.Parallel()
	for i := 0; i < 200; i++ {
		d := randDelayBetween(roomDelayMin, roomDelayMax)
		if d < roomDelayMin || d >= roomDelayMax {
			t.Fatalf("delay %v outside [%v,%v)", d, roomDelayMin, roomDelayMax)
		}
	}
}

func TestDirectSend(t *testing.T) {
	t.Parallel()
	sess := newFakeSession("ops")
	e, _ := newTestExecutor(sess)

	if err := e.DirectSend(context.Background(), "ops", "ping"); err != nil {
		t.Fatalf("DirectSend: %v", err)
	}
	if got := sess.sentTo(); len(got) != 1 || got[0] != "ops|ping" {
		t.Fatalf("sent = %v", got)
	}

	err := e.DirectSend(context.Background(), "nope", "ping")
	if !errors.Is(err, session.ErrRoomNotFound) {
		t.Fatalf("err = %v, want ErrRoomNotFound", err)
	}

	e.SetSession(nil)
	if err := e.DirectSend(context.Background(), "ops", "ping"); !errors.Is(err, session.ErrNotReady) {
		t.Fatalf("err = %v, want ErrNotReady", err)
	}
}
