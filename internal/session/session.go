// Package session defines the narrow contract the scheduler has with the
// live chat account. Login, QR exchange and room discovery belong to the
// transport that implements it, not to this repo.
package session

import (
	"context"
	"errors"
)

var (
	// ErrNotReady is returned when no logged-in chat session is available.
	ErrNotReady = errors.New("chat session not ready")
	// ErrRoomNotFound is returned when a room name does not resolve.
	ErrRoomNotFound = errors.New("room not found")
)

// Room is a resolved chat room the session can deliver messages to.
type Room interface {
	Name() string
	Send(ctx context.Context, text string) error
}

// Session is the send-side view of a chat account.
//
// The scheduler never manages login state; it only checks Ready() before
// executing a batch.
type Session interface {
	Ready() bool
	// Rooms resolves every room the account currently knows, in one call.
	Rooms(ctx context.Context) ([]Room, error)
	// Room resolves a single room by exact display name.
	// Returns ErrRoomNotFound when the name does not match any room.
	Room(ctx context.Context, name string) (Room, error)
}
