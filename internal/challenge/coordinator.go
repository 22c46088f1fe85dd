// Package challenge owns the lifecycle of wagered challenges between two
// players. All transitions away from PENDING are compare-and-swap on the
// status field, so a race between accept, reject, cancel and the expiry timer
// resolves exactly one of them.
package challenge

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/channel27tech/clubmaster-sub004/internal/gamesync"
	"github.com/channel27tech/clubmaster-sub004/internal/matchmaking"
	"github.com/channel27tech/clubmaster-sub004/internal/metrics"
	"github.com/channel27tech/clubmaster-sub004/internal/msgcat"
	"github.com/channel27tech/clubmaster-sub004/internal/obslog"
	"github.com/channel27tech/clubmaster-sub004/internal/profile"
	"github.com/channel27tech/clubmaster-sub004/internal/session"
	"github.com/channel27tech/clubmaster-sub004/pkg/livemsg"
)

// Notifier delivers lifecycle events. *fanout.Fanout is the production
// implementation.
type Notifier interface {
	Direct(ctx context.Context, connectionID, userID, event string, payload any) bool
	ToUser(ctx context.Context, userID, event string, payload any) int
}

// Linker is the queue fallback used when direct game creation cannot proceed.
// *matchmaking.Bridge satisfies it.
type Linker interface {
	Enqueue(e matchmaking.QueueEntry) error
	ProcessLinked(ctx context.Context, challengeID string) bool
}

// Coordinator holds the in-memory challenge table. One mutex guards the table
// and every status transition; game creation and notification happen outside
// the lock.
type Coordinator struct {
	mu    sync.Mutex
	table map[string]*Challenge

	reg      *session.Registry
	notifier Notifier
	creator  matchmaking.GameCreator
	linker   Linker
	profiles profile.Lookup
	msgs     *msgcat.Catalog
	metrics  *metrics.Collector

	ttl time.Duration

	// now is swappable for expiry tests.
	now func() time.Time
}

type Deps struct {
	Registry *session.Registry
	Notifier Notifier
	Creator  matchmaking.GameCreator
	Linker   Linker
	Profiles profile.Lookup
	Messages *msgcat.Catalog
	Metrics  *metrics.Collector
	TTL      time.Duration
}

func NewCoordinator(d Deps) *Coordinator {
	if d.TTL <= 0 {
		d.TTL = 30 * time.Second
	}
	return &Coordinator{
		table:    make(map[string]*Challenge),
		reg:      d.Registry,
		notifier: d.Notifier,
		creator:  d.Creator,
		linker:   d.Linker,
		profiles: d.Profiles,
		msgs:     d.Messages,
		metrics:  d.Metrics,
		ttl:      d.TTL,
		now:      time.Now,
	}
}

// Create opens a PENDING challenge and delivers bet_challenge_received to the
// opponent side, direct connection first. A duplicate pending create from the
// same challenger to the same opponent returns the existing challenge.
func (co *Coordinator) Create(ctx context.Context, challengerID string, req livemsg.CreateBetChallenge) (*Challenge, error) {
	if strings.TrimSpace(challengerID) == "" {
		return nil, ErrInvalidPayload
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	opponentID := strings.TrimSpace(req.OpponentID)
	opponentConn := strings.TrimSpace(req.OpponentConnectionID)
	if opponentID == "" && opponentConn != "" {
		// The target connection may already have a resolved identity.
		opponentID = co.reg.UserFor(opponentConn)
	}
	if opponentID == challengerID {
		return nil, fmt.Errorf("%w: cannot challenge yourself", ErrInvalidPayload)
	}

	now := co.now()
	ch := &Challenge{
		ID:                   "bet-" + uuid.NewString(),
		ChallengerID:         challengerID,
		OpponentID:           opponentID,
		OpponentConnectionID: opponentConn,
		BetType:              req.BetType,
		StakeAmount:          req.StakeAmount,
		GameMode:             req.GameMode,
		TimeControl:          req.TimeControl,
		PreferredSide:        req.PreferredSide,
		Status:               StatusPending,
		CreatedAt:            now,
		ExpiresAt:            now.Add(co.ttl),
	}

	co.mu.Lock()
	if dup := co.pendingDuplicateLocked(challengerID, opponentID, opponentConn); dup != nil {
		out := dup.clone()
		co.mu.Unlock()
		return out, nil
	}
	id := ch.ID
	ch.timer = time.AfterFunc(co.ttl, func() { co.expire(id) })
	co.table[id] = ch
	out := ch.clone()
	co.mu.Unlock()

	co.metrics.RecordChallengeCreated()
	obslog.L().Info("challenge_created",
		zap.String("challenge_id", ch.ID),
		zap.String("challenger_id", challengerID),
		zap.String("opponent_id", opponentID),
		zap.String("bet_type", ch.BetType),
		zap.Int("stake", ch.StakeAmount))

	co.notifyOpponent(ctx, out)
	return out, nil
}

func (co *Coordinator) pendingDuplicateLocked(challengerID, opponentID, opponentConn string) *Challenge {
	for _, c := range co.table {
		if c.Status != StatusPending || c.ChallengerID != challengerID {
			continue
		}
		if opponentID != "" && c.OpponentID == opponentID {
			return c
		}
		if opponentID == "" && opponentConn != "" && c.OpponentConnectionID == opponentConn {
			return c
		}
	}
	return nil
}

func (co *Coordinator) notifyOpponent(ctx context.Context, ch *Challenge) {
	recv := &livemsg.BetChallengeReceived{
		ID:           ch.ID,
		ChallengerID: ch.ChallengerID,
		BetType:      ch.BetType,
		StakeAmount:  ch.StakeAmount,
		GameMode:     ch.GameMode,
		TimeControl:  ch.TimeControl,
		ExpiresAt:    ch.ExpiresAt,
	}
	recv.ChallengerName = ch.ChallengerID
	if co.profiles != nil {
		if p, err := co.profiles.GetProfile(ctx, ch.ChallengerID); err == nil {
			recv.ChallengerName = p.DisplayName
			recv.ChallengerPhoto = p.PhotoURL
			co.setChallengerProfile(ch.ID, p)
		} else {
			obslog.L().Debug("challenge_profile_degraded",
				zap.String("challenge_id", ch.ID),
				zap.Error(err))
		}
	}
	co.notifier.Direct(ctx, ch.OpponentConnectionID, ch.OpponentID, livemsg.EvBetChallengeReceived, recv)
}

func (co *Coordinator) setChallengerProfile(id string, p *profile.Profile) {
	co.mu.Lock()
	defer co.mu.Unlock()
	if c, ok := co.table[id]; ok {
		c.ChallengerName = p.DisplayName
		c.ChallengerPhoto = p.PhotoURL
		c.ChallengerRating = p.Rating
	}
}

// Respond resolves a PENDING challenge. Rejection is terminal and notifies
// the challenger. Acceptance stops the expiry timer and starts the game,
// falling back to a linked queue pairing when a side has no live connection.
func (co *Coordinator) Respond(ctx context.Context, challengeID, responderID string, accepted bool) (*Challenge, error) {
	co.mu.Lock()
	ch, ok := co.table[challengeID]
	if !ok {
		co.mu.Unlock()
		return nil, ErrNotFound
	}
	if responderID == ch.ChallengerID {
		co.mu.Unlock()
		return nil, ErrForbidden
	}
	if ch.OpponentID != "" && responderID != ch.OpponentID {
		co.mu.Unlock()
		return nil, ErrForbidden
	}
	if ch.Status != StatusPending {
		co.mu.Unlock()
		return nil, ErrAlreadyResolved
	}
	if ch.OpponentID == "" {
		// Connection-addressed challenge; the first responder binds.
		ch.OpponentID = responderID
	}
	if accepted {
		ch.Status = StatusAccepted
	} else {
		ch.Status = StatusRejected
	}
	stopTimerLocked(ch)
	out := ch.clone()
	co.mu.Unlock()

	if !accepted {
		co.metrics.RecordChallengeResolved(string(StatusRejected))
		obslog.L().Info("challenge_rejected",
			zap.String("challenge_id", out.ID),
			zap.String("responder_id", responderID))
		co.notifyChallenger(ctx, out, "challenge.rejected", map[string]string{"Opponent": responderID})
		return out, nil
	}

	obslog.L().Info("challenge_accepted",
		zap.String("challenge_id", out.ID),
		zap.String("responder_id", responderID))
	return co.startGame(ctx, out)
}

// startGame runs the accept path after the ACCEPTED transition: direct
// creation when both parties have a live connection, linked queue fallback
// with a virtual entry otherwise.
func (co *Coordinator) startGame(ctx context.Context, ch *Challenge) (*Challenge, error) {
	challengerConn := co.reg.PrimaryConnectionFor(ch.ChallengerID)
	opponentConn := co.reg.PrimaryConnectionFor(ch.OpponentID)

	opts := gamesync.Options{
		GameMode:      ch.GameMode,
		TimeControl:   ch.TimeControl,
		PreferredSide: ch.PreferredSide,
	}

	// Both seats are enriched once, so the direct path and the queue fallback
	// carry the same names and ratings.
	chSeat := co.seat(ch.ChallengerID, challengerConn, ch.ChallengerRating, ch.ChallengerName)
	opSeat := co.seat(ch.OpponentID, opponentConn, 0, "")

	if challengerConn != "" && opponentConn != "" {
		g, err := co.creator.CreateSession(ctx, chSeat, opSeat, opts)
		if err == nil {
			co.metrics.RecordMatch("direct")
			co.finishLink(ctx, ch.ID, g)
			return co.GetChallenge(ch.ID)
		}
		obslog.L().Error("challenge_direct_create_error",
			zap.String("challenge_id", ch.ID),
			zap.Error(err))
	} else {
		obslog.L().Info("challenge_linked_fallback",
			zap.String("challenge_id", ch.ID),
			zap.Bool("challenger_connected", challengerConn != ""),
			zap.Bool("opponent_connected", opponentConn != ""))
	}

	// Linked fallback. A side without a connection gets a virtual entry and
	// its seat is created disconnected.
	err1 := co.linker.Enqueue(matchmaking.QueueEntry{
		UserID:            chSeat.UserID,
		ConnectionID:      chSeat.ConnectionID,
		Rating:            chSeat.Rating,
		DisplayName:       chSeat.DisplayName,
		Options:           opts,
		LinkedChallengeID: ch.ID,
	})
	err2 := co.linker.Enqueue(matchmaking.QueueEntry{
		UserID:            opSeat.UserID,
		ConnectionID:      opSeat.ConnectionID,
		Rating:            opSeat.Rating,
		DisplayName:       opSeat.DisplayName,
		Options:           opts,
		LinkedChallengeID: ch.ID,
	})
	if err1 != nil || err2 != nil {
		co.fail(ctx, ch.ID)
		return nil, fmt.Errorf("%w: queue admission failed", ErrOpponentUnreachable)
	}
	co.linker.ProcessLinked(ctx, ch.ID)
	return co.GetChallenge(ch.ID)
}

func (co *Coordinator) seat(userID, connID string, rating int, name string) gamesync.Seat {
	if name == "" {
		name = userID
	}
	if co.profiles != nil {
		if p, err := co.profiles.GetProfile(context.Background(), userID); err == nil {
			name = p.DisplayName
			rating = p.Rating
		}
	}
	return gamesync.Seat{
		UserID:       userID,
		DisplayName:  name,
		Rating:       rating,
		ConnectionID: connID,
		Connected:    connID != "",
	}
}

// OnLinked is the bridge callback for a completed linked pairing. It CASes
// ACCEPTED to LINKED and announces the game.
func (co *Coordinator) OnLinked(challengeID string, g *gamesync.GameSession) {
	co.finishLink(context.Background(), challengeID, g)
}

func (co *Coordinator) finishLink(ctx context.Context, challengeID string, g *gamesync.GameSession) {
	co.mu.Lock()
	ch, ok := co.table[challengeID]
	if !ok || ch.Status != StatusAccepted {
		co.mu.Unlock()
		return
	}
	ch.Status = StatusLinked
	ch.GameID = g.ID
	co.mu.Unlock()

	co.metrics.RecordChallengeResolved(string(StatusLinked))
	obslog.L().Info("challenge_linked",
		zap.String("challenge_id", challengeID),
		zap.String("game_id", g.ID))

	ready := &livemsg.BetGameReady{GameID: g.ID}
	for i := range g.Players {
		p := &g.Players[i]
		co.notifier.Direct(ctx, p.ConnectionID, p.UserID, livemsg.EvBetGameReady, ready)
		co.notifier.Direct(ctx, p.ConnectionID, p.UserID, livemsg.EvMatchFound, &livemsg.MatchFound{
			GameID:        g.ID,
			PlayerColor:   string(p.Color),
			OpponentColor: string(p.Color.Opponent()),
			GameMode:      g.GameMode,
			TimeControl:   g.TimeControl,
		})
	}
}

// fail CASes ACCEPTED to FAILED when game creation could not proceed at all.
func (co *Coordinator) fail(ctx context.Context, challengeID string) {
	co.mu.Lock()
	ch, ok := co.table[challengeID]
	if !ok || ch.Status != StatusAccepted {
		co.mu.Unlock()
		return
	}
	ch.Status = StatusFailed
	out := ch.clone()
	co.mu.Unlock()

	co.metrics.RecordChallengeResolved(string(StatusFailed))
	obslog.L().Warn("challenge_failed", zap.String("challenge_id", challengeID))
	co.notifyChallenger(ctx, out, "challenge.failed", nil)
}

// Cancel is restricted to the original challenger and only while PENDING.
func (co *Coordinator) Cancel(ctx context.Context, challengeID, requesterID string) error {
	co.mu.Lock()
	ch, ok := co.table[challengeID]
	if !ok {
		co.mu.Unlock()
		return ErrNotFound
	}
	if requesterID != ch.ChallengerID {
		co.mu.Unlock()
		return ErrForbidden
	}
	if ch.Status != StatusPending {
		co.mu.Unlock()
		return ErrAlreadyResolved
	}
	ch.Status = StatusCancelled
	stopTimerLocked(ch)
	out := ch.clone()
	co.mu.Unlock()

	co.metrics.RecordChallengeResolved(string(StatusCancelled))
	obslog.L().Info("challenge_cancelled",
		zap.String("challenge_id", challengeID),
		zap.String("requester_id", requesterID))

	if out.OpponentID != "" || out.OpponentConnectionID != "" {
		co.notifier.Direct(ctx, out.OpponentConnectionID, out.OpponentID, livemsg.EvBetChallengeUpdate, &livemsg.BetChallengeUpdate{
			BetID:   out.ID,
			Status:  string(StatusCancelled),
			Message: co.render("challenge.cancelled", nil),
		})
	}
	return nil
}

// expire fires from the per-challenge timer. The status check makes a late
// fire after resolution a no-op; the challenger is notified exactly once.
func (co *Coordinator) expire(challengeID string) {
	co.mu.Lock()
	ch, ok := co.table[challengeID]
	if !ok || ch.Status != StatusPending {
		co.mu.Unlock()
		return
	}
	ch.Status = StatusExpired
	out := ch.clone()
	co.mu.Unlock()

	co.metrics.RecordChallengeResolved(string(StatusExpired))
	obslog.L().Info("challenge_expired", zap.String("challenge_id", challengeID))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	opponent := out.OpponentID
	if opponent == "" {
		opponent = "your opponent"
	}
	co.notifyChallenger(ctx, out, "challenge.expired", map[string]string{"Opponent": opponent})
}

// GetStatus serves reconnect polling. An evicted or unknown id is NotFound.
func (co *Coordinator) GetStatus(challengeID string) (*livemsg.BetChallengeStatus, error) {
	ch, err := co.GetChallenge(challengeID)
	if err != nil {
		return nil, err
	}
	return &livemsg.BetChallengeStatus{
		BetID:  ch.ID,
		Status: string(ch.Status),
		GameID: ch.GameID,
	}, nil
}

// GetChallenge returns a copy of the challenge record.
func (co *Coordinator) GetChallenge(challengeID string) (*Challenge, error) {
	co.mu.Lock()
	defer co.mu.Unlock()
	ch, ok := co.table[challengeID]
	if !ok {
		return nil, ErrNotFound
	}
	return ch.clone(), nil
}

// Shutdown stops every outstanding expiry timer.
func (co *Coordinator) Shutdown() {
	co.mu.Lock()
	defer co.mu.Unlock()
	for _, ch := range co.table {
		stopTimerLocked(ch)
	}
}

func (co *Coordinator) notifyChallenger(ctx context.Context, ch *Challenge, msgKey string, data map[string]string) {
	co.notifier.ToUser(ctx, ch.ChallengerID, livemsg.EvBetChallengeUpdate, &livemsg.BetChallengeUpdate{
		BetID:   ch.ID,
		Status:  string(ch.Status),
		Message: co.render(msgKey, data),
	})
}

func (co *Coordinator) render(key string, data map[string]string) string {
	if co.msgs == nil {
		return ""
	}
	return co.msgs.MustRender(key, data)
}

func stopTimerLocked(ch *Challenge) {
	if ch.timer != nil {
		ch.timer.Stop()
		ch.timer = nil
	}
}
