// Package gateway is the websocket transport boundary. Each connection gets
// its own read goroutine; writes to a connection are serialized by a per-conn
// mutex. Payloads are decoded into one concrete type per event name and
// validated before anything reaches a coordinator.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/channel27tech/clubmaster-sub004/internal/challenge"
	"github.com/channel27tech/clubmaster-sub004/internal/fanout"
	"github.com/channel27tech/clubmaster-sub004/internal/gamesync"
	"github.com/channel27tech/clubmaster-sub004/internal/metrics"
	"github.com/channel27tech/clubmaster-sub004/internal/msgcat"
	"github.com/channel27tech/clubmaster-sub004/internal/obslog"
	"github.com/channel27tech/clubmaster-sub004/internal/session"
	"github.com/channel27tech/clubmaster-sub004/pkg/livemsg"
)

// IdentityResolver resolves a connection's authenticated user id. Resolution
// is asynchronous: the connection is live and registered before it completes,
// and identity-requiring operations fail NOT_AUTHENTICATED until then.
type IdentityResolver interface {
	Resolve(ctx context.Context, r *http.Request, connectionID string) (string, error)
}

// HeaderResolver trusts the X-User-Id handshake header, set by the auth proxy
// in front of this service.
type HeaderResolver struct{}

func (HeaderResolver) Resolve(_ context.Context, r *http.Request, _ string) (string, error) {
	return strings.TrimSpace(r.Header.Get("X-User-Id")), nil
}

// ChallengeOps is the coordinator surface the gateway drives.
type ChallengeOps interface {
	Create(ctx context.Context, challengerID string, req livemsg.CreateBetChallenge) (*challenge.Challenge, error)
	Respond(ctx context.Context, challengeID, responderID string, accepted bool) (*challenge.Challenge, error)
	Cancel(ctx context.Context, challengeID, requesterID string) error
	GetStatus(challengeID string) (*livemsg.BetChallengeStatus, error)
}

// GameOps is the session-sync surface the gateway drives.
type GameOps interface {
	ApplyMove(ctx context.Context, userID string, mv livemsg.MoveMade) (*gamesync.GameSession, bool, error)
	Resync(ctx context.Context, userID string, req livemsg.RequestBoardSync) (*livemsg.BoardSync, error)
	Resign(ctx context.Context, gameID, userID string) (*gamesync.GameSession, error)
	Rejoin(ctx context.Context, gameID, userID, connectionID string) (*gamesync.GameSession, error)
	ActiveSessionFor(ctx context.Context, userID string) (*gamesync.GameSession, error)
}

type Options struct {
	Registry   *session.Registry
	Challenges ChallengeOps
	Games      GameOps
	Resolver   IdentityResolver
	Messages   *msgcat.Catalog
	Metrics    *metrics.Collector
	MsgsPerSec float64
	Burst      int
}

type clientConn struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex
	limiter *rate.Limiter
}

type Server struct {
	reg        *session.Registry
	challenges ChallengeOps
	games      GameOps
	resolver   IdentityResolver
	msgs       *msgcat.Catalog
	metrics    *metrics.Collector
	fan        *fanout.Fanout

	msgsPerSec float64
	burst      int

	mu    sync.RWMutex
	conns map[string]*clientConn
}

func NewServer(o Options) *Server {
	if o.MsgsPerSec <= 0 {
		o.MsgsPerSec = 20
	}
	if o.Burst <= 0 {
		o.Burst = 40
	}
	if o.Resolver == nil {
		o.Resolver = HeaderResolver{}
	}
	return &Server{
		reg:        o.Registry,
		challenges: o.Challenges,
		games:      o.Games,
		resolver:   o.Resolver,
		msgs:       o.Messages,
		metrics:    o.Metrics,
		msgsPerSec: o.MsgsPerSec,
		burst:      o.Burst,
		conns:      make(map[string]*clientConn),
	}
}

// SetFanout wires the outbound router after construction; the fanout needs
// the server as its Sender, so the two are tied together in main.
func (s *Server) SetFanout(f *fanout.Fanout) { s.fan = f }

// SetChallenges wires the coordinator after construction. The coordinator
// notifies through the fanout, which in turn sends through this server, so
// the three are assembled in stages.
func (s *Server) SetChallenges(c ChallengeOps) { s.challenges = c }

// Send implements fanout.Sender.
func (s *Server) Send(ctx context.Context, connectionID, event string, payload any) error {
	s.mu.RLock()
	c, ok := s.conns[connectionID]
	s.mu.RUnlock()
	if !ok {
		return errConnGone
	}
	return c.write(ctx, frame(event, payload))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		obslog.L().Warn("ws_accept_error", zap.Error(err))
		return
	}

	connID := "conn-" + uuid.NewString()
	c := &clientConn{
		id:      connID,
		conn:    ws,
		limiter: rate.NewLimiter(rate.Limit(s.msgsPerSec), s.burst),
	}

	s.mu.Lock()
	s.conns[connID] = c
	s.mu.Unlock()
	s.reg.Open(connID)
	s.metrics.SetOpenConnections(s.reg.Count())
	obslog.L().Info("ws_open", zap.String("connection_id", connID))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go s.resolveIdentity(ctx, r, c)

	s.readLoop(ctx, c)

	s.mu.Lock()
	delete(s.conns, connID)
	s.mu.Unlock()
	s.reg.Unbind(connID)
	s.metrics.SetOpenConnections(s.reg.Count())
	_ = ws.Close(websocket.StatusNormalClosure, "bye")
	obslog.L().Info("ws_close", zap.String("connection_id", connID))
}

// resolveIdentity binds the user id once the resolver answers, then pushes the
// authoritative board of any running game so a reconnecting client converges
// without polling.
func (s *Server) resolveIdentity(ctx context.Context, r *http.Request, c *clientConn) {
	userID, err := s.resolver.Resolve(ctx, r, c.id)
	if err != nil || strings.TrimSpace(userID) == "" {
		obslog.L().Debug("ws_unresolved_identity",
			zap.String("connection_id", c.id),
			zap.Error(err))
		return
	}
	s.reg.Bind(c.id, userID)
	if s.reg.UserFor(c.id) != userID {
		// The transport closed before identity resolved; the bind was dropped.
		return
	}
	obslog.L().Info("ws_bound",
		zap.String("connection_id", c.id),
		zap.String("user_id", userID))

	g, err := s.games.ActiveSessionFor(ctx, userID)
	if err != nil || g == nil {
		return
	}
	if _, err := s.games.Rejoin(ctx, g.ID, userID, c.id); err != nil {
		obslog.L().Warn("ws_rejoin_error", zap.String("game_id", g.ID), zap.Error(err))
		return
	}
	_ = c.write(ctx, frame(livemsg.EvBoardSync, &livemsg.BoardSync{
		GameID:  g.ID,
		FEN:     g.FEN,
		MoveSeq: g.MoveSeq,
		Turn:    string(g.Turn),
		Status:  string(g.Status),
	}))
}

func (s *Server) readLoop(ctx context.Context, c *clientConn) {
	for {
		var env livemsg.Envelope
		if err := wsjson.Read(ctx, c.conn, &env); err != nil {
			return
		}
		if !c.limiter.Allow() {
			_ = c.write(ctx, s.errFrame("RATE_LIMITED", "error.rate_limited"))
			continue
		}
		opCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		for _, reply := range s.dispatch(opCtx, c.id, env) {
			if err := c.write(opCtx, reply); err != nil {
				cancel()
				return
			}
		}
		cancel()
	}
}

func (c *clientConn) write(ctx context.Context, env livemsg.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsjson.Write(ctx, c.conn, &env)
}

func frame(event string, payload any) livemsg.Envelope {
	raw, err := json.Marshal(payload)
	if err != nil {
		obslog.L().Error("frame_marshal_error", zap.String("event", event), zap.Error(err))
		raw = []byte("{}")
	}
	return livemsg.Envelope{Event: event, Data: raw}
}
