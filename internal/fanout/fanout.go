package fanout

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/channel27tech/clubmaster-sub004/internal/obslog"
	"github.com/channel27tech/clubmaster-sub004/internal/session"
)

// Sender delivers one event frame to a specific connection. The gateway is the
// production implementation; tests plug in a recorder.
type Sender interface {
	Send(ctx context.Context, connectionID, event string, payload any) error
}

var errNoTarget = errors.New("no reachable connection")

// Fanout routes events to a connection, to every connection of a user, or
// direct-first with an identity-based fallback. Delivery is best-effort:
// a fully unreachable party is dropped silently, never an error that blocks
// the coordinator.
type Fanout struct {
	reg    *session.Registry
	sender Sender
}

func New(reg *session.Registry, sender Sender) *Fanout {
	return &Fanout{reg: reg, sender: sender}
}

// ToConnection sends to one specific connection.
func (f *Fanout) ToConnection(ctx context.Context, connectionID, event string, payload any) error {
	if strings.TrimSpace(connectionID) == "" {
		return errNoTarget
	}
	return f.sender.Send(ctx, connectionID, event, payload)
}

// ToUser sends to every open connection of the user. Returns the number of
// successful deliveries; zero means the user is offline.
func (f *Fanout) ToUser(ctx context.Context, userID, event string, payload any) int {
	delivered := 0
	for _, id := range f.reg.ConnectionsFor(userID) {
		if err := f.sender.Send(ctx, id, event, payload); err != nil {
			obslog.L().Debug("fanout_send_failed",
				zap.String("event", event),
				zap.String("connection_id", id),
				zap.Error(err))
			continue
		}
		delivered++
	}
	return delivered
}

// Direct tries the given connection first and degrades to the user's identity
// channel when that connection is stale, closed, or unknown. When both yield
// nothing the event is dropped silently (the party is offline).
func (f *Fanout) Direct(ctx context.Context, connectionID, userID, event string, payload any) bool {
	if strings.TrimSpace(connectionID) != "" {
		if err := f.sender.Send(ctx, connectionID, event, payload); err == nil {
			return true
		}
		obslog.L().Debug("fanout_direct_fallback",
			zap.String("event", event),
			zap.String("connection_id", connectionID),
			zap.String("user_id", userID))
	}
	if strings.TrimSpace(userID) == "" {
		return false
	}
	if f.ToUser(ctx, userID, event, payload) > 0 {
		return true
	}
	obslog.L().Debug("fanout_dropped", zap.String("event", event), zap.String("user_id", userID))
	return false
}
