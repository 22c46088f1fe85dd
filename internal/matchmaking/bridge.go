// Package matchmaking pairs queued participants into game sessions, either by
// rating proximity or by explicit challenge linkage. A participant without a
// live connection may still be queued; its seat is created disconnected and
// reattached on reconnect.
package matchmaking

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/channel27tech/clubmaster-sub004/internal/gamesync"
	"github.com/channel27tech/clubmaster-sub004/internal/metrics"
	"github.com/channel27tech/clubmaster-sub004/internal/obslog"
	"github.com/channel27tech/clubmaster-sub004/pkg/livemsg"
)

// QueueEntry is one waiting participant. ConnectionID is empty for a virtual
// entry. A user has at most one active entry at a time.
type QueueEntry struct {
	UserID            string
	ConnectionID      string
	Rating            int
	DisplayName       string
	Options           gamesync.Options
	LinkedChallengeID string
	EnqueuedAt        time.Time
}

// GameCreator builds a session from two resolved seats. *gamesync.Manager is
// the production implementation.
type GameCreator interface {
	CreateSession(ctx context.Context, a, b gamesync.Seat, opts gamesync.Options) (*gamesync.GameSession, error)
}

// Notifier delivers matchFound to the paired participants.
type Notifier interface {
	Direct(ctx context.Context, connectionID, userID, event string, payload any) bool
}

// LinkedCallback reports a completed linked pairing back to the challenge
// coordinator so the challenge can transition to LINKED.
type LinkedCallback func(challengeID string, g *gamesync.GameSession)

var ErrInvalidEntry = errors.New("invalid queue entry")

type Config struct {
	RatingWindow int
	EntryTTL     time.Duration
	Tick         time.Duration
}

type Bridge struct {
	mu      sync.Mutex
	entries []*QueueEntry // FIFO by enqueue time

	creator  GameCreator
	notifier Notifier
	onLinked LinkedCallback
	metrics  *metrics.Collector

	window   int
	entryTTL time.Duration
	tick     time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewBridge(creator GameCreator, notifier Notifier, cfg Config) *Bridge {
	if cfg.RatingWindow <= 0 {
		cfg.RatingWindow = 200
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 2 * time.Minute
	}
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	return &Bridge{
		creator:  creator,
		notifier: notifier,
		window:   cfg.RatingWindow,
		entryTTL: cfg.EntryTTL,
		tick:     cfg.Tick,
		stopCh:   make(chan struct{}),
	}
}

// SetLinkedCallback wires the challenge coordinator. Must be called before
// Start; the callback runs on the bridge goroutine.
func (b *Bridge) SetLinkedCallback(cb LinkedCallback) { b.onLinked = cb }

func (b *Bridge) AttachMetrics(c *metrics.Collector) { b.metrics = c }

// Start launches the steady-state matching and sweep loop.
func (b *Bridge) Start() {
	b.wg.Add(1)
	go b.loop()
}

func (b *Bridge) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	b.wg.Wait()
}

func (b *Bridge) loop() {
	defer b.wg.Done()
	t := time.NewTicker(b.tick)
	defer t.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			b.matchPass(ctx)
			b.sweep()
			cancel()
		}
	}
}

// Enqueue admits an entry. An existing entry for the same user is replaced,
// keeping the one-active-entry invariant.
func (b *Bridge) Enqueue(e QueueEntry) error {
	if strings.TrimSpace(e.UserID) == "" {
		return ErrInvalidEntry
	}
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(e.UserID)
	entry := e
	b.entries = append(b.entries, &entry)
	obslog.L().Info("queue_enqueue",
		zap.String("user_id", e.UserID),
		zap.String("linked_challenge_id", e.LinkedChallengeID),
		zap.Bool("virtual", e.ConnectionID == ""),
		zap.Int("rating", e.Rating))
	return nil
}

// EnqueueWithoutConnection admits a virtual entry for a participant whose
// connection could not be resolved. The game is still created; that seat is
// marked disconnected until the participant rejoins.
func (b *Bridge) EnqueueWithoutConnection(userID string, opts gamesync.Options, rating int, displayName, linkedChallengeID string) error {
	return b.Enqueue(QueueEntry{
		UserID:            userID,
		Rating:            rating,
		DisplayName:       displayName,
		Options:           opts,
		LinkedChallengeID: linkedChallengeID,
	})
}

// Remove drops the user's entry, if any. Used when a queued user disconnects
// for good or cancels.
func (b *Bridge) Remove(userID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(userID)
}

// ProcessLinked forces an immediate pairing attempt for the two entries
// sharing a challenge linkage, independent of the matching tick. A linked
// pairing has exactly one valid counterpart and should not wait for batch
// processing. Returns true when the pair was matched.
func (b *Bridge) ProcessLinked(ctx context.Context, challengeID string) bool {
	challengeID = strings.TrimSpace(challengeID)
	if challengeID == "" {
		return false
	}
	b.mu.Lock()
	var pair []*QueueEntry
	for _, e := range b.entries {
		if e.LinkedChallengeID == challengeID {
			pair = append(pair, e)
			if len(pair) == 2 {
				break
			}
		}
	}
	if len(pair) < 2 || pair[0].UserID == pair[1].UserID {
		b.mu.Unlock()
		return false
	}
	b.removeLocked(pair[0].UserID)
	b.removeLocked(pair[1].UserID)
	b.mu.Unlock()

	return b.pair(ctx, pair[0], pair[1], "linked")
}

// Waiting returns the number of queued entries.
func (b *Bridge) Waiting() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// matchPass runs one steady-state cycle: FIFO pairing of linked counterparts
// and entries inside the rating window. Pairs are selected and removed under
// one lock acquisition so no entry is picked twice; entries requeued after a
// creation failure wait for the next pass.
func (b *Bridge) matchPass(ctx context.Context) {
	type chosen struct {
		a, c *QueueEntry
		kind string
	}
	var pairs []chosen

	b.mu.Lock()
	for {
		found := false
		for i, a := range b.entries {
			for _, c := range b.entries[i+1:] {
				var kind string
				switch {
				case a.LinkedChallengeID != "" && a.LinkedChallengeID == c.LinkedChallengeID:
					kind = "linked"
				case a.LinkedChallengeID == "" && c.LinkedChallengeID == "" &&
					abs(a.Rating-c.Rating) <= b.window && compatibleOptions(a, c):
					kind = "rating"
				default:
					continue
				}
				b.removeLocked(a.UserID)
				b.removeLocked(c.UserID)
				pairs = append(pairs, chosen{a, c, kind})
				found = true
				break
			}
			if found {
				break
			}
		}
		if !found {
			break
		}
	}
	b.mu.Unlock()

	for _, p := range pairs {
		b.pair(ctx, p.a, p.c, p.kind)
	}
}

// pair creates the session and delivers matchFound to both seats, directly or
// through the linked callback. On creator failure both entries are requeued
// and the TTL sweep bounds their lifetime.
func (b *Bridge) pair(ctx context.Context, a, c *QueueEntry, kind string) bool {
	g, err := b.creator.CreateSession(ctx, seatOf(a), seatOf(c), a.Options)
	if err != nil {
		obslog.L().Error("match_create_error",
			zap.String("user_a", a.UserID),
			zap.String("user_b", c.UserID),
			zap.String("kind", kind),
			zap.Error(err))
		_ = b.Enqueue(*a)
		_ = b.Enqueue(*c)
		return false
	}

	b.metrics.RecordMatch(kind)
	obslog.L().Info("match_found",
		zap.String("game_id", g.ID),
		zap.String("kind", kind),
		zap.String("white_id", g.Players[0].UserID),
		zap.String("black_id", g.Players[1].UserID))

	// A linked pairing with a coordinator wired hands delivery to the
	// callback; the coordinator notifies both seats exactly once alongside
	// the challenge transition.
	if kind == "linked" && b.onLinked != nil {
		b.onLinked(a.LinkedChallengeID, g)
		return true
	}

	for _, e := range []*QueueEntry{a, c} {
		player := g.PlayerByID(e.UserID)
		if player == nil {
			continue
		}
		b.notifier.Direct(ctx, e.ConnectionID, e.UserID, livemsg.EvMatchFound, &livemsg.MatchFound{
			GameID:        g.ID,
			PlayerColor:   string(player.Color),
			OpponentColor: string(player.Color.Opponent()),
			GameMode:      g.GameMode,
			TimeControl:   g.TimeControl,
		})
	}
	return true
}

// sweep drops entries older than the entry TTL, including half-complete
// linked pairs whose counterpart never arrived.
func (b *Bridge) sweep() {
	cutoff := time.Now().Add(-b.entryTTL)
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.entries[:0]
	for _, e := range b.entries {
		if e.EnqueuedAt.Before(cutoff) {
			obslog.L().Info("queue_evict",
				zap.String("user_id", e.UserID),
				zap.String("linked_challenge_id", e.LinkedChallengeID))
			continue
		}
		kept = append(kept, e)
	}
	b.entries = kept
}

func (b *Bridge) removeLocked(userID string) {
	for i, e := range b.entries {
		if e.UserID == userID {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			return
		}
	}
}

func seatOf(e *QueueEntry) gamesync.Seat {
	return gamesync.Seat{
		UserID:       e.UserID,
		DisplayName:  e.DisplayName,
		Rating:       e.Rating,
		ConnectionID: e.ConnectionID,
		Connected:    e.ConnectionID != "",
	}
}

// compatibleOptions reports whether two unlinked entries asked for the same
// game. Rating proximity alone is not enough: a blitz seeker must never be
// seated into a rapid game.
func compatibleOptions(a, c *QueueEntry) bool {
	return a.Options.GameMode == c.Options.GameMode &&
		a.Options.TimeControl == c.Options.TimeControl
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
