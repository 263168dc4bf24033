package schedule

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"herald/internal/session"
	logx "herald/pkg/logx"
)

// Pacing bounds. Deliveries within a batch are deliberately spread out so a
// burst of identical messages doesn't look like a bot.
const (
	roomDelayMin = 2 * time.Second
	roomDelayMax = 5 * time.Second

	longPauseEvery = 10
	longPauseMin   = 30 * time.Second
	longPauseMax   = 60 * time.Second
)

// ExecutorConfig tunes the executor. Zero values get defaults.
type ExecutorConfig struct {
	// RatePerSec caps the raw send rate across all batches.
	RatePerSec int
}

// Executor performs one firing of a task against the live chat session:
// bulk room resolution, paced sequential sends, per-room outcome collection.
//
// It never retries a batch; retrying a misfired schedule is the caller's
// business (re-enable or re-add the task).
type Executor struct {
	log     logx.Logger
	limiter *rate.Limiter

	mu   sync.Mutex
	sess session.Session

	// Injectable for tests; real runs use wall-clock sleeps and math/rand.
	sleep     func(ctx context.Context, d time.Duration) error
	randDelay func(min, max time.Duration) time.Duration
}

func NewExecutor(cfg ExecutorConfig, sess session.Session, log logx.Logger) *Executor {
	if log.IsZero() {
		log = logx.Nop()
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 5
	}
	return &Executor{
		log:       log,
		limiter:   rate.NewLimiter(rate.Limit(rps), rps),
		sess:      sess,
		sleep:     sleepCtx,
		randDelay: randDelayBetween,
	}
}

// SetSession swaps the live session (login/logout happens outside this repo).
// A nil session means "not logged in".
func (e *Executor) SetSession(sess session.Session) {
	e.mu.Lock()
	e.sess = sess
	e.mu.Unlock()
}

func (e *Executor) session() session.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess
}

// Run executes one firing of t. All failures are captured in the Outcome;
// Run itself never panics out of a timer callback.
func (e *Executor) Run(ctx context.Context, t Task) Outcome {
	// Validation happens upstream; an empty room list sends nothing.
	if len(t.RoomNames) == 0 {
		return Outcome{}
	}

	sess := e.session()
	if sess == nil || !sess.Ready() {
		return Outcome{Fatal: session.ErrNotReady}
	}

	// Single bulk resolution for the whole batch.
	rooms, err := sess.Rooms(ctx)
	if err != nil {
		return Outcome{Fatal: fmt.Errorf("resolve rooms: %w", err)}
	}
	byName := make(map[string]session.Room, len(rooms))
	for _, r := range rooms {
		byName[r.Name()] = r
	}

	var out Outcome
	for i, name := range t.RoomNames {
		if i > 0 {
			if err := e.sleep(ctx, e.randDelay(roomDelayMin, roomDelayMax)); err != nil {
				out.Fatal = err
				return out
			}
		}

		room, ok := byName[name]
		if !ok {
			// A missing room does not abort the batch.
			out.Failures = append(out.Failures, RoomFailure{Room: name, Reason: "room not found"})
			e.log.Warn("room missing, skipping", logx.String("task", t.ID), logx.String("room", name))
			continue
		}

		if err := e.limiter.Wait(ctx); err != nil {
			out.Fatal = err
			return out
		}
		if err := room.Send(ctx, t.Message); err != nil {
			out.Failures = append(out.Failures, RoomFailure{Room: name, Reason: err.Error()})
			e.log.Warn("send failed", logx.String("task", t.ID), logx.String("room", name), logx.Err(err))
			continue
		}
		out.Sent++
		e.log.Debug("sent", logx.String("task", t.ID), logx.String("room", name), logx.Int("sent", out.Sent))

		// Longer breather after every 10th delivery, unless the batch is done.
		if out.Sent%longPauseEvery == 0 && i < len(t.RoomNames)-1 {
			if err := e.sleep(ctx, e.randDelay(longPauseMin, longPauseMax)); err != nil {
				out.Fatal = err
				return out
			}
		}
	}
	return out
}

// DirectSend bypasses scheduling entirely: one room, one message, right now.
// Used by the diagnostics endpoint.
func (e *Executor) DirectSend(ctx context.Context, roomName, text string) error {
	sess := e.session()
	if sess == nil || !sess.Ready() {
		return session.ErrNotReady
	}
	room, err := sess.Room(ctx, roomName)
	if err != nil {
		return fmt.Errorf("%s: %w", roomName, err)
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return err
	}
	return room.Send(ctx, text)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}

// randDelayBetween draws uniformly from [min, max).
func randDelayBetween(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}
