package matchmaking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/channel27tech/clubmaster-sub004/internal/gamesync"
	"github.com/channel27tech/clubmaster-sub004/pkg/livemsg"
)

type stubCreator struct {
	mu       sync.Mutex
	failNext int
	games    []*gamesync.GameSession
}

func (s *stubCreator) CreateSession(_ context.Context, a, b gamesync.Seat, opts gamesync.Options) (*gamesync.GameSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext > 0 {
		s.failNext--
		return nil, errors.New("store unavailable")
	}
	g := &gamesync.GameSession{
		ID:          fmt.Sprintf("game-%d", len(s.games)+1),
		GameMode:    opts.GameMode,
		TimeControl: opts.TimeControl,
		Status:      gamesync.StatusActive,
		Turn:        gamesync.White,
	}
	g.Players[0] = gamesync.Player{UserID: a.UserID, DisplayName: a.DisplayName, Color: gamesync.White, Rating: a.Rating, ConnectionID: a.ConnectionID, Connected: a.Connected}
	g.Players[1] = gamesync.Player{UserID: b.UserID, DisplayName: b.DisplayName, Color: gamesync.Black, Rating: b.Rating, ConnectionID: b.ConnectionID, Connected: b.Connected}
	s.games = append(s.games, g)
	return g, nil
}

type delivery struct {
	connectionID string
	userID       string
	event        string
	payload      any
}

type recordingNotifier struct {
	mu    sync.Mutex
	sends []delivery
}

func (r *recordingNotifier) Direct(_ context.Context, connectionID, userID, event string, payload any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sends = append(r.sends, delivery{connectionID, userID, event, payload})
	return true
}

func (r *recordingNotifier) byUser(userID string) []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []delivery
	for _, d := range r.sends {
		if d.userID == userID {
			out = append(out, d)
		}
	}
	return out
}

func newTestBridge(creator GameCreator, notifier Notifier) *Bridge {
	return NewBridge(creator, notifier, Config{RatingWindow: 200, EntryTTL: time.Minute, Tick: time.Hour})
}

func entry(userID string, rating int) QueueEntry {
	return QueueEntry{
		UserID:       userID,
		ConnectionID: "conn-" + userID,
		Rating:       rating,
		DisplayName:  userID,
		Options:      gamesync.Options{TimeControl: "5+0"},
	}
}

func TestMatchWithinRatingWindow(t *testing.T) {
	creator := &stubCreator{}
	notifier := &recordingNotifier{}
	b := newTestBridge(creator, notifier)

	if err := b.Enqueue(entry("alice", 1500)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := b.Enqueue(entry("bob", 1560)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	b.matchPass(context.Background())

	if len(creator.games) != 1 {
		t.Fatalf("games created = %d, want 1", len(creator.games))
	}
	if got := b.Waiting(); got != 0 {
		t.Fatalf("Waiting() = %d, want 0", got)
	}
	for _, user := range []string{"alice", "bob"} {
		sends := notifier.byUser(user)
		if len(sends) != 1 || sends[0].event != livemsg.EvMatchFound {
			t.Fatalf("deliveries for %s = %+v, want one matchFound", user, sends)
		}
	}
}

func TestMatchFoundColorsAreComplementary(t *testing.T) {
	creator := &stubCreator{}
	notifier := &recordingNotifier{}
	b := newTestBridge(creator, notifier)

	b.Enqueue(entry("alice", 1500))
	b.Enqueue(entry("bob", 1500))
	b.matchPass(context.Background())

	a := notifier.byUser("alice")[0].payload.(*livemsg.MatchFound)
	c := notifier.byUser("bob")[0].payload.(*livemsg.MatchFound)
	if a.PlayerColor == c.PlayerColor {
		t.Fatalf("both players got color %q", a.PlayerColor)
	}
	if a.PlayerColor != c.OpponentColor || c.PlayerColor != a.OpponentColor {
		t.Fatalf("colors not complementary: %+v vs %+v", a, c)
	}
	if a.GameID != c.GameID || a.GameID == "" {
		t.Fatalf("game ids differ: %q vs %q", a.GameID, c.GameID)
	}
}

func TestNoMatchOutsideRatingWindow(t *testing.T) {
	creator := &stubCreator{}
	b := newTestBridge(creator, &recordingNotifier{})

	b.Enqueue(entry("alice", 1500))
	b.Enqueue(entry("bob", 1900))
	b.matchPass(context.Background())

	if len(creator.games) != 0 {
		t.Fatalf("games created = %d, want 0", len(creator.games))
	}
	if got := b.Waiting(); got != 2 {
		t.Fatalf("Waiting() = %d, want 2", got)
	}
}

func TestNoMatchAcrossTimeControls(t *testing.T) {
	creator := &stubCreator{}
	b := newTestBridge(creator, &recordingNotifier{})

	blitz := entry("alice", 1500)
	rapid := entry("bob", 1500)
	rapid.Options.TimeControl = "10+0"
	b.Enqueue(blitz)
	b.Enqueue(rapid)
	b.matchPass(context.Background())

	if len(creator.games) != 0 {
		t.Fatalf("games created = %d, want 0 for mismatched time controls", len(creator.games))
	}
	if got := b.Waiting(); got != 2 {
		t.Fatalf("Waiting() = %d, want 2", got)
	}

	// A compatible third entry still pairs with the blitz seeker.
	b.Enqueue(entry("carol", 1510))
	b.matchPass(context.Background())
	if len(creator.games) != 1 {
		t.Fatalf("games created = %d, want 1", len(creator.games))
	}
	g := creator.games[0]
	if g.PlayerByID("alice") == nil || g.PlayerByID("carol") == nil {
		t.Fatalf("expected alice paired with carol, got %s vs %s",
			g.Players[0].UserID, g.Players[1].UserID)
	}
}

func TestNoMatchAcrossGameModes(t *testing.T) {
	creator := &stubCreator{}
	b := newTestBridge(creator, &recordingNotifier{})

	ranked := entry("alice", 1500)
	ranked.Options.GameMode = "ranked"
	casual := entry("bob", 1500)
	casual.Options.GameMode = "casual"
	b.Enqueue(ranked)
	b.Enqueue(casual)
	b.matchPass(context.Background())

	if len(creator.games) != 0 {
		t.Fatalf("games created = %d, want 0 for mismatched modes", len(creator.games))
	}
}

func TestFIFOPairingOrder(t *testing.T) {
	creator := &stubCreator{}
	b := newTestBridge(creator, &recordingNotifier{})

	// alice waits longest; carol is compatible with both alice and bob.
	b.Enqueue(entry("alice", 1500))
	b.Enqueue(entry("bob", 1510))
	b.Enqueue(entry("carol", 1505))
	b.matchPass(context.Background())

	if len(creator.games) != 1 {
		t.Fatalf("games created = %d, want 1", len(creator.games))
	}
	g := creator.games[0]
	if g.PlayerByID("alice") == nil || g.PlayerByID("bob") == nil {
		t.Fatalf("expected alice paired with bob (FIFO), got %s vs %s",
			g.Players[0].UserID, g.Players[1].UserID)
	}
	if b.Waiting() != 1 {
		t.Fatalf("Waiting() = %d, want carol alone", b.Waiting())
	}
}

func TestEnqueueReplacesExistingEntry(t *testing.T) {
	creator := &stubCreator{}
	b := newTestBridge(creator, &recordingNotifier{})

	b.Enqueue(entry("alice", 1500))
	b.Enqueue(entry("alice", 1550))
	if got := b.Waiting(); got != 1 {
		t.Fatalf("Waiting() = %d, want 1 after re-enqueue", got)
	}

	b.matchPass(context.Background())
	if len(creator.games) != 0 {
		t.Fatalf("a lone user must never be matched against themselves")
	}
}

func TestLinkedPairIgnoresRatingWindow(t *testing.T) {
	creator := &stubCreator{}
	notifier := &recordingNotifier{}
	b := newTestBridge(creator, notifier)

	var cbGame *gamesync.GameSession
	var cbChallenge string
	b.SetLinkedCallback(func(challengeID string, g *gamesync.GameSession) {
		cbChallenge = challengeID
		cbGame = g
	})

	a := entry("alice", 1000)
	a.LinkedChallengeID = "ch-1"
	c := entry("bob", 2400)
	c.LinkedChallengeID = "ch-1"
	b.Enqueue(a)
	b.Enqueue(c)

	if !b.ProcessLinked(context.Background(), "ch-1") {
		t.Fatal("ProcessLinked returned false for a complete pair")
	}
	if len(creator.games) != 1 {
		t.Fatalf("games created = %d, want 1", len(creator.games))
	}
	if cbChallenge != "ch-1" || cbGame == nil {
		t.Fatalf("linked callback: challenge=%q game=%v", cbChallenge, cbGame)
	}
	// With a coordinator wired, delivery belongs to the callback side.
	if n := len(notifier.sends); n != 0 {
		t.Fatalf("bridge sent %d deliveries for a linked pair, want 0", n)
	}
}

func TestProcessLinkedNeedsBothEntries(t *testing.T) {
	creator := &stubCreator{}
	b := newTestBridge(creator, &recordingNotifier{})

	a := entry("alice", 1500)
	a.LinkedChallengeID = "ch-2"
	b.Enqueue(a)

	if b.ProcessLinked(context.Background(), "ch-2") {
		t.Fatal("ProcessLinked matched with only one entry present")
	}
	if b.Waiting() != 1 {
		t.Fatalf("lone linked entry must stay queued, Waiting() = %d", b.Waiting())
	}
}

func TestVirtualEntryProducesDisconnectedSeat(t *testing.T) {
	creator := &stubCreator{}
	notifier := &recordingNotifier{}
	b := newTestBridge(creator, notifier)

	a := entry("alice", 1500)
	a.LinkedChallengeID = "ch-3"
	b.Enqueue(a)
	if err := b.EnqueueWithoutConnection("bob", gamesync.Options{TimeControl: "5+0"}, 1500, "bob", "ch-3"); err != nil {
		t.Fatalf("EnqueueWithoutConnection: %v", err)
	}

	if !b.ProcessLinked(context.Background(), "ch-3") {
		t.Fatal("ProcessLinked returned false")
	}
	g := creator.games[0]
	bob := g.PlayerByID("bob")
	if bob == nil || bob.Connected {
		t.Fatalf("virtual seat should be disconnected, got %+v", bob)
	}
	// The virtual participant is still notified through the user fallback.
	sends := notifier.byUser("bob")
	if len(sends) != 1 || sends[0].connectionID != "" {
		t.Fatalf("virtual delivery = %+v", sends)
	}
}

func TestLinkedEntriesNotPairedWithStrangers(t *testing.T) {
	creator := &stubCreator{}
	b := newTestBridge(creator, &recordingNotifier{})

	a := entry("alice", 1500)
	a.LinkedChallengeID = "ch-4"
	b.Enqueue(a)
	b.Enqueue(entry("bob", 1500))
	b.matchPass(context.Background())

	if len(creator.games) != 0 {
		t.Fatalf("a linked entry must only pair with its counterpart")
	}
}

func TestCreatorFailureRequeuesBoth(t *testing.T) {
	creator := &stubCreator{failNext: 1}
	b := newTestBridge(creator, &recordingNotifier{})

	b.Enqueue(entry("alice", 1500))
	b.Enqueue(entry("bob", 1500))
	b.matchPass(context.Background())

	if len(creator.games) != 0 {
		t.Fatalf("games created = %d during failing pass, want 0", len(creator.games))
	}
	if b.Waiting() != 2 {
		t.Fatalf("Waiting() = %d, want both requeued", b.Waiting())
	}

	// The next pass retries the requeued pair.
	b.matchPass(context.Background())
	if len(creator.games) != 1 {
		t.Fatalf("games created = %d, want 1 after retry", len(creator.games))
	}
	if b.Waiting() != 0 {
		t.Fatalf("Waiting() = %d, want 0", b.Waiting())
	}
}

func TestSweepEvictsStaleEntries(t *testing.T) {
	b := newTestBridge(&stubCreator{}, &recordingNotifier{})

	stale := entry("alice", 1500)
	stale.EnqueuedAt = time.Now().Add(-2 * time.Minute)
	b.Enqueue(stale)
	b.Enqueue(entry("bob", 3000))

	b.sweep()
	if got := b.Waiting(); got != 1 {
		t.Fatalf("Waiting() = %d, want 1 after sweep", got)
	}
}

func TestRemoveDropsEntry(t *testing.T) {
	b := newTestBridge(&stubCreator{}, &recordingNotifier{})
	b.Enqueue(entry("alice", 1500))
	b.Remove("alice")
	b.Remove("alice") // no-op on repeat
	if b.Waiting() != 0 {
		t.Fatalf("Waiting() = %d, want 0", b.Waiting())
	}
}
