package session

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/channel27tech/clubmaster-sub004/internal/obslog"
)

// Connection is one open transport endpoint. UserID is empty until identity
// verification completes and never changes once set.
type Connection struct {
	ID          string
	UserID      string
	ConnectedAt time.Time
}

// Registry maps user identities to their open connections. A user may hold
// several connections at once (multi-device); removing the last one makes the
// user offline. All operations are total: absence is an empty result, never
// an error.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection // connection id -> connection
	users map[string][]string    // user id -> connection ids, bind order
}

func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]*Connection),
		users: make(map[string][]string),
	}
}

// Open records a freshly accepted connection before its identity is known.
func (r *Registry) Open(connectionID string) {
	connectionID = strings.TrimSpace(connectionID)
	if connectionID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[connectionID]; ok {
		return
	}
	r.conns[connectionID] = &Connection{ID: connectionID, ConnectedAt: time.Now()}
}

// Bind registers the connection under the user's set. Idempotent for the same
// pair; a connection's user never changes once bound. Only connections that
// Open registered and Unbind has not destroyed can be bound: identity
// resolution completes asynchronously, and a bind landing after the transport
// closed must not resurrect the dead connection into the user's set.
func (r *Registry) Bind(connectionID, userID string) {
	connectionID = strings.TrimSpace(connectionID)
	userID = strings.TrimSpace(userID)
	if connectionID == "" || userID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connectionID]
	if !ok {
		obslog.L().Debug("session_bind_dropped",
			zap.String("connection_id", connectionID),
			zap.String("user_id", userID))
		return
	}
	if c.UserID != "" {
		return // already bound; rebinding is a no-op
	}
	c.UserID = userID
	r.users[userID] = append(r.users[userID], connectionID)
	obslog.L().Debug("session_bind", zap.String("connection_id", connectionID), zap.String("user_id", userID))
}

// Unbind removes the specific connection from its user's set. A no-op when the
// connection is unknown or already unbound: disconnect events may arrive after
// the user has reconnected with a new connection, and must never clear the
// newer mapping.
func (r *Registry) Unbind(connectionID string) {
	connectionID = strings.TrimSpace(connectionID)
	if connectionID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connectionID]
	if !ok {
		return
	}
	delete(r.conns, connectionID)
	if c.UserID == "" {
		return
	}
	ids := r.users[c.UserID]
	for i, id := range ids {
		if id == connectionID {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(r.users, c.UserID)
	} else {
		r.users[c.UserID] = ids
	}
	obslog.L().Debug("session_unbind", zap.String("connection_id", connectionID), zap.String("user_id", c.UserID))
}

// ConnectionsFor returns the user's open connection ids in bind order.
func (r *Registry) ConnectionsFor(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.users[strings.TrimSpace(userID)]
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

// PrimaryConnectionFor returns the most recently bound connection id, or ""
// when the user is offline.
func (r *Registry) PrimaryConnectionFor(userID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.users[strings.TrimSpace(userID)]
	if len(ids) == 0 {
		return ""
	}
	return ids[len(ids)-1]
}

// UserFor returns the identity bound to a connection, or "" when the
// connection is unknown or not yet authenticated.
func (r *Registry) UserFor(connectionID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.conns[strings.TrimSpace(connectionID)]; ok {
		return c.UserID
	}
	return ""
}

// Count returns the number of open connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
