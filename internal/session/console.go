package session

import (
	"context"

	logx "herald/pkg/logx"
)

// Console is a loopback session used for dry runs and local development.
// Sends are written to the log instead of a chat network.
type Console struct {
	log   logx.Logger
	rooms []string
}

func NewConsole(rooms []string, log logx.Logger) *Console {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Console{log: log, rooms: append([]string(nil), rooms...)}
}

func (c *Console) Ready() bool { return true }

func (c *Console) Rooms(ctx context.Context) ([]Room, error) {
	_ = ctx
	out := make([]Room, 0, len(c.rooms))
	for _, name := range c.rooms {
		out = append(out, &consoleRoom{name: name, log: c.log})
	}
	return out, nil
}

func (c *Console) Room(ctx context.Context, name string) (Room, error) {
	_ = ctx
	for _, r := range c.rooms {
		if r == name {
			return &consoleRoom{name: name, log: c.log}, nil
		}
	}
	return nil, ErrRoomNotFound
}

type consoleRoom struct {
	name string
	log  logx.Logger
}

func (r *consoleRoom) Name() string { return r.name }

func (r *consoleRoom) Send(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.log.Info("console send", logx.String("room", r.name), logx.String("text", text))
	return nil
}
