package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/channel27tech/clubmaster-sub004/internal/challenge"
	"github.com/channel27tech/clubmaster-sub004/internal/fanout"
	"github.com/channel27tech/clubmaster-sub004/internal/gamesync"
	"github.com/channel27tech/clubmaster-sub004/internal/msgcat"
	"github.com/channel27tech/clubmaster-sub004/internal/session"
	"github.com/channel27tech/clubmaster-sub004/pkg/livemsg"
)

type stubChallenges struct {
	created    *challenge.Challenge
	createErr  error
	responded  *challenge.Challenge
	respondErr error
	cancelErr  error
	status     *livemsg.BetChallengeStatus
	statusErr  error
}

func (s *stubChallenges) Create(_ context.Context, _ string, _ livemsg.CreateBetChallenge) (*challenge.Challenge, error) {
	return s.created, s.createErr
}

func (s *stubChallenges) Respond(_ context.Context, _, _ string, _ bool) (*challenge.Challenge, error) {
	return s.responded, s.respondErr
}

func (s *stubChallenges) Cancel(_ context.Context, _, _ string) error { return s.cancelErr }

func (s *stubChallenges) GetStatus(_ string) (*livemsg.BetChallengeStatus, error) {
	return s.status, s.statusErr
}

type stubGames struct {
	session  *gamesync.GameSession
	applied  bool
	applyErr error
	sync     *livemsg.BoardSync
	syncErr  error
}

func (s *stubGames) ApplyMove(_ context.Context, _ string, _ livemsg.MoveMade) (*gamesync.GameSession, bool, error) {
	return s.session, s.applied, s.applyErr
}

func (s *stubGames) Resync(_ context.Context, _ string, _ livemsg.RequestBoardSync) (*livemsg.BoardSync, error) {
	return s.sync, s.syncErr
}

func (s *stubGames) Resign(_ context.Context, _, _ string) (*gamesync.GameSession, error) {
	return s.session, s.applyErr
}

func (s *stubGames) Rejoin(_ context.Context, _, _, _ string) (*gamesync.GameSession, error) {
	return s.session, nil
}

func (s *stubGames) ActiveSessionFor(_ context.Context, _ string) (*gamesync.GameSession, error) {
	return nil, nil
}

type recorderSender struct {
	mu    sync.Mutex
	sends []struct {
		connID  string
		event   string
		payload any
	}
}

func (r *recorderSender) Send(_ context.Context, connID, event string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sends = append(r.sends, struct {
		connID  string
		event   string
		payload any
	}{connID, event, payload})
	return nil
}

type env struct {
	reg *session.Registry
	ch  *stubChallenges
	gm  *stubGames
	out *recorderSender
	srv *Server
}

func newEnv(t *testing.T) *env {
	t.Helper()
	msgs, err := msgcat.New("")
	if err != nil {
		t.Fatalf("msgcat.New: %v", err)
	}
	e := &env{
		reg: session.NewRegistry(),
		ch:  &stubChallenges{},
		gm:  &stubGames{},
		out: &recorderSender{},
	}
	e.srv = NewServer(Options{
		Registry:   e.reg,
		Challenges: e.ch,
		Games:      e.gm,
		Messages:   msgs,
	})
	e.srv.SetFanout(fanout.New(e.reg, e.out))
	return e
}

func (e *env) bind(connID, userID string) {
	e.reg.Open(connID)
	e.reg.Bind(connID, userID)
}

func envelope(t *testing.T, event string, payload any) livemsg.Envelope {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return livemsg.Envelope{Event: event, Data: raw}
}

func decodeData[T any](t *testing.T, e livemsg.Envelope) *T {
	t.Helper()
	var v T
	if err := json.Unmarshal(e.Data, &v); err != nil {
		t.Fatalf("decode %s payload: %v", e.Event, err)
	}
	return &v
}

func TestDispatchRequiresIdentity(t *testing.T) {
	e := newEnv(t)
	e.reg.Open("conn-1") // open but unresolved

	replies := e.srv.dispatch(context.Background(), "conn-1", envelope(t, livemsg.EvCreateBetChallenge, &livemsg.CreateBetChallenge{
		OpponentID:  "bob",
		BetType:     livemsg.BetProfileLock,
		TimeControl: "5+0",
	}))
	if len(replies) != 1 || replies[0].Event != livemsg.EvError {
		t.Fatalf("replies = %+v, want single error frame", replies)
	}
	ef := decodeData[livemsg.ErrorFrame](t, replies[0])
	if ef.Code != "NOT_AUTHENTICATED" {
		t.Fatalf("code = %s, want NOT_AUTHENTICATED", ef.Code)
	}
}

func TestDispatchRejectsInvalidPayloadBeforeCoordinator(t *testing.T) {
	e := newEnv(t)
	e.bind("conn-1", "alice")

	// Missing both opponent identifiers fails validation at the boundary.
	replies := e.srv.dispatch(context.Background(), "conn-1", envelope(t, livemsg.EvCreateBetChallenge, &livemsg.CreateBetChallenge{
		BetType:     livemsg.BetProfileLock,
		TimeControl: "5+0",
	}))
	ef := decodeData[livemsg.ErrorFrame](t, replies[0])
	if ef.Code != "INVALID_PAYLOAD" {
		t.Fatalf("code = %s, want INVALID_PAYLOAD", ef.Code)
	}

	replies = e.srv.dispatch(context.Background(), "conn-1", livemsg.Envelope{
		Event: livemsg.EvMoveMade,
		Data:  json.RawMessage(`{"gameId": 42}`),
	})
	ef = decodeData[livemsg.ErrorFrame](t, replies[0])
	if ef.Code != "INVALID_PAYLOAD" {
		t.Fatalf("malformed json: code = %s, want INVALID_PAYLOAD", ef.Code)
	}
}

func TestCreateChallengeAck(t *testing.T) {
	e := newEnv(t)
	e.bind("conn-1", "alice")
	e.ch.created = &challenge.Challenge{ID: "bet-1", ExpiresAt: time.Now().Add(30 * time.Second)}

	replies := e.srv.dispatch(context.Background(), "conn-1", envelope(t, livemsg.EvCreateBetChallenge, &livemsg.CreateBetChallenge{
		OpponentID:  "bob",
		BetType:     livemsg.BetRatingStake,
		StakeAmount: 40,
		TimeControl: "5+0",
	}))
	if len(replies) != 1 || replies[0].Event != livemsg.EvBetChallengeAck {
		t.Fatalf("replies = %+v", replies)
	}
	ack := decodeData[livemsg.BetChallengeAck](t, replies[0])
	if !ack.Success || ack.BetID != "bet-1" || ack.ExpiresAt.IsZero() {
		t.Fatalf("ack = %+v", ack)
	}
}

func TestRespondErrorFrame(t *testing.T) {
	e := newEnv(t)
	e.bind("conn-1", "bob")
	e.ch.respondErr = challenge.ErrAlreadyResolved

	replies := e.srv.dispatch(context.Background(), "conn-1", envelope(t, livemsg.EvRespondToBetChallenge, &livemsg.RespondToBetChallenge{
		ChallengeID: "bet-1",
		Accepted:    true,
	}))
	if replies[0].Event != livemsg.EvBetResponseError {
		t.Fatalf("event = %s, want bet_response_error", replies[0].Event)
	}
	resp := decodeData[livemsg.BetResponse](t, replies[0])
	if resp.Success || resp.BetID != "bet-1" || resp.Message == "" {
		t.Fatalf("response = %+v", resp)
	}
}

func TestMoveAppliedBroadcastsToOpponent(t *testing.T) {
	e := newEnv(t)
	e.bind("conn-a", "alice")
	e.bind("conn-b", "bob")

	g := &gamesync.GameSession{ID: "game-1", FEN: "server-fen", Status: gamesync.StatusActive}
	g.Players[0] = gamesync.Player{UserID: "alice", Color: gamesync.White, ConnectionID: "conn-a", Connected: true}
	g.Players[1] = gamesync.Player{UserID: "bob", Color: gamesync.Black, ConnectionID: "conn-b", Connected: true}
	e.gm.session = g
	e.gm.applied = true

	replies := e.srv.dispatch(context.Background(), "conn-a", envelope(t, livemsg.EvMoveMade, &livemsg.MoveMade{
		GameID: "game-1",
		MoveID: "mv-1",
		From:   "e2",
		To:     "e4",
		FEN:    "client-fen",
	}))
	conf := decodeData[livemsg.MoveConfirmed](t, replies[0])
	if !conf.Success || conf.MoveID != "mv-1" {
		t.Fatalf("confirmation = %+v", conf)
	}

	if len(e.out.sends) != 1 {
		t.Fatalf("broadcasts = %d, want 1", len(e.out.sends))
	}
	sent := e.out.sends[0]
	if sent.connID != "conn-b" || sent.event != livemsg.EvMoveMade {
		t.Fatalf("broadcast = %+v", sent)
	}
	mv := sent.payload.(*livemsg.MoveMade)
	if mv.FEN != "server-fen" {
		t.Fatalf("broadcast FEN = %q, want the server state", mv.FEN)
	}
}

func TestRejectedMoveConfirmsFalseWithoutBroadcast(t *testing.T) {
	e := newEnv(t)
	e.bind("conn-a", "alice")
	e.gm.session = &gamesync.GameSession{ID: "game-1", Status: gamesync.StatusActive}
	e.gm.applied = false

	replies := e.srv.dispatch(context.Background(), "conn-a", envelope(t, livemsg.EvMoveMade, &livemsg.MoveMade{
		GameID: "game-1", MoveID: "mv-9", From: "e2", To: "e5",
	}))
	conf := decodeData[livemsg.MoveConfirmed](t, replies[0])
	if conf.Success {
		t.Fatal("rejected move confirmed success=true")
	}
	if len(e.out.sends) != 0 {
		t.Fatalf("broadcasts = %d, want none", len(e.out.sends))
	}
}

func TestBoardSyncReply(t *testing.T) {
	e := newEnv(t)
	e.bind("conn-a", "alice")
	e.gm.sync = &livemsg.BoardSync{GameID: "game-1", FEN: "fen", MoveSeq: 7, Turn: "black", Status: "ACTIVE"}

	replies := e.srv.dispatch(context.Background(), "conn-a", envelope(t, livemsg.EvRequestBoardSync, &livemsg.RequestBoardSync{
		GameID: "game-1",
		Reason: "confirmation_timeout",
	}))
	if replies[0].Event != livemsg.EvBoardSync {
		t.Fatalf("event = %s, want board_sync", replies[0].Event)
	}
	bs := decodeData[livemsg.BoardSync](t, replies[0])
	if bs.MoveSeq != 7 || bs.FEN != "fen" {
		t.Fatalf("board_sync = %+v", bs)
	}
}

func TestResignBroadcastsGameOver(t *testing.T) {
	e := newEnv(t)
	e.bind("conn-a", "alice")
	e.bind("conn-b", "bob")

	g := &gamesync.GameSession{ID: "game-1", Status: gamesync.StatusResigned, Winner: "bob", Outcome: "resign"}
	g.Players[0] = gamesync.Player{UserID: "alice", ConnectionID: "conn-a", Connected: true}
	g.Players[1] = gamesync.Player{UserID: "bob", ConnectionID: "conn-b", Connected: true}
	e.gm.session = g

	replies := e.srv.dispatch(context.Background(), "conn-a", envelope(t, livemsg.EvResignGame, &livemsg.ResignGame{GameID: "game-1"}))
	if len(replies) != 0 {
		t.Fatalf("replies = %+v, want none (game_over goes through fanout)", replies)
	}
	if len(e.out.sends) != 2 {
		t.Fatalf("broadcasts = %d, want both seats", len(e.out.sends))
	}
	over := e.out.sends[0].payload.(*livemsg.GameOver)
	if over.Winner != "bob" || over.Outcome != "resign" {
		t.Fatalf("game_over = %+v", over)
	}
}

func TestUnknownEventAnswered(t *testing.T) {
	e := newEnv(t)
	e.bind("conn-1", "alice")

	replies := e.srv.dispatch(context.Background(), "conn-1", livemsg.Envelope{Event: "warp_pieces"})
	if len(replies) != 1 || replies[0].Event != livemsg.EvError {
		t.Fatalf("replies = %+v, want error frame", replies)
	}
	ef := decodeData[livemsg.ErrorFrame](t, replies[0])
	if ef.Code != "UNKNOWN_EVENT" {
		t.Fatalf("code = %s, want UNKNOWN_EVENT", ef.Code)
	}
}

func TestStatusLookup(t *testing.T) {
	e := newEnv(t)
	e.bind("conn-1", "alice")
	e.ch.status = &livemsg.BetChallengeStatus{BetID: "bet-1", Status: "LINKED", GameID: "game-1"}

	replies := e.srv.dispatch(context.Background(), "conn-1", envelope(t, livemsg.EvGetBetChallengeStatus, &livemsg.GetBetChallengeStatus{BetID: "bet-1"}))
	st := decodeData[livemsg.BetChallengeStatus](t, replies[0])
	if st.Status != "LINKED" || st.GameID != "game-1" {
		t.Fatalf("status = %+v", st)
	}

	e.ch.status = nil
	e.ch.statusErr = challenge.ErrNotFound
	replies = e.srv.dispatch(context.Background(), "conn-1", envelope(t, livemsg.EvGetBetChallengeStatus, &livemsg.GetBetChallengeStatus{BetID: "bet-x"}))
	ef := decodeData[livemsg.ErrorFrame](t, replies[0])
	if ef.Code != "NOT_FOUND" {
		t.Fatalf("code = %s, want NOT_FOUND", ef.Code)
	}
}
