package gamesync

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	nchess "github.com/corentings/chess/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/channel27tech/clubmaster-sub004/internal/metrics"
	"github.com/channel27tech/clubmaster-sub004/internal/obslog"
	"github.com/channel27tech/clubmaster-sub004/pkg/livemsg"
)

const sessionTTL = 24 * time.Hour

// Manager owns move exchange and reconciliation for live game sessions.
// Sessions are persisted as JSON in Redis; every move is applied inside a
// WATCH transaction so MoveSeq stays monotonic and concurrent applications
// of the same session abort instead of interleaving.
type Manager struct {
	rdb     *redis.Client
	repo    *Repository
	metrics *metrics.Collector
}

func NewManager(redisURL string) (*Manager, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, fmt.Errorf("REDIS_URL required for game session manager")
	}
	opts, err := parseRedisURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Manager{rdb: rdb}, nil
}

// NewManagerWithClient shares an existing Redis client (tests, composition).
func NewManagerWithClient(rdb *redis.Client) *Manager {
	return &Manager{rdb: rdb}
}

func (m *Manager) Close() error {
	if m == nil || m.rdb == nil {
		return nil
	}
	return m.rdb.Close()
}

// AttachRepository wires a database repository for persisting final results.
func (m *Manager) AttachRepository(r *Repository) {
	if m != nil {
		m.repo = r
	}
}

// AttachMetrics wires the prometheus collector.
func (m *Manager) AttachMetrics(c *metrics.Collector) {
	if m != nil {
		m.metrics = c
	}
}

// CreateSession creates a game from two resolved seats. The first seat's side
// preference is honored; random assignment uses crypto/rand.
func (m *Manager) CreateSession(ctx context.Context, a, b Seat, opts Options) (*GameSession, error) {
	if m == nil || m.rdb == nil {
		return nil, fmt.Errorf("game session manager not initialized")
	}
	if strings.TrimSpace(a.UserID) == "" || strings.TrimSpace(b.UserID) == "" {
		return nil, fmt.Errorf("invalid participants")
	}
	if a.UserID == b.UserID {
		return nil, fmt.Errorf("participants must differ")
	}

	white, black := a, b
	switch strings.ToLower(strings.TrimSpace(opts.PreferredSide)) {
	case "white", "w":
		// first seat already white
	case "black", "b":
		white, black = b, a
	default:
		if n, _ := rand.Int(rand.Reader, big.NewInt(2)); n != nil && n.Int64() == 0 {
			white, black = b, a
		}
	}

	board := nchess.NewGame()
	g := &GameSession{
		ID:  fmt.Sprintf("game-%s", uuid.NewString()),
		FEN: board.FEN(),
		Players: [2]Player{
			seatToPlayer(white, White),
			seatToPlayer(black, Black),
		},
		MovesUCI:    []string{},
		MovesSAN:    []string{},
		Turn:        White,
		Status:      StatusActive,
		GameMode:    strings.TrimSpace(opts.GameMode),
		TimeControl: strings.TrimSpace(opts.TimeControl),
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}

	if err := m.save(ctx, g); err != nil {
		return nil, err
	}
	if err := m.indexParticipants(ctx, g.ID, g.Players[0].UserID, g.Players[1].UserID); err != nil {
		return nil, err
	}
	obslog.L().Info("game_create",
		zap.String("game_id", g.ID),
		zap.String("white_id", g.Players[0].UserID),
		zap.String("black_id", g.Players[1].UserID),
		zap.String("time_control", g.TimeControl),
		zap.Bool("white_connected", g.Players[0].Connected),
		zap.Bool("black_connected", g.Players[1].Connected),
	)
	return g, nil
}

func seatToPlayer(s Seat, color Color) Player {
	return Player{
		UserID:       strings.TrimSpace(s.UserID),
		DisplayName:  strings.TrimSpace(s.DisplayName),
		Color:        color,
		Rating:       s.Rating,
		ConnectionID: strings.TrimSpace(s.ConnectionID),
		Connected:    s.Connected,
	}
}

// ApplyMove validates and applies a move inside a WATCH transaction. The
// returned bool reports whether the move was accepted; rejected moves
// (illegal, out of turn) return false with a nil error so the caller can send
// move_confirmed{success:false}. A duplicate MoveID of the last applied move
// re-confirms without re-applying.
func (m *Manager) ApplyMove(ctx context.Context, userID string, mv livemsg.MoveMade) (*GameSession, bool, error) {
	if m == nil || m.rdb == nil {
		return nil, false, fmt.Errorf("game session manager not initialized")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, false, ErrNotInGame
	}

	gameK := gameKey(mv.GameID)
	var (
		result    *GameSession
		rejectErr error
	)

	err := m.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, gameK).Bytes()
		if err == redis.Nil {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var cur GameSession
		if jerr := json.Unmarshal(raw, &cur); jerr != nil {
			return jerr
		}
		if cur.Status != StatusActive {
			return ErrGameOver
		}
		player := cur.PlayerByID(userID)
		if player == nil {
			return ErrNotInGame
		}

		// At-most-once: the sender retransmitted the last applied move.
		if cur.LastMoveID != "" && cur.LastMoveID == mv.MoveID {
			result = &cur
			return nil
		}
		if cur.Turn != player.Color {
			rejectErr = ErrOutOfTurn
			result = &cur
			return nil
		}

		next, san, uci, aerr := advance(&cur, mv)
		if aerr != nil {
			rejectErr = ErrIllegalMove
			result = &cur
			return nil
		}
		cur.FEN = next.fen
		cur.Turn = next.turn
		cur.MovesUCI = append(cur.MovesUCI, uci)
		cur.MovesSAN = append(cur.MovesSAN, san)
		cur.MoveSeq++
		cur.LastMoveID = mv.MoveID
		cur.UpdatedAt = time.Now()
		if next.outcome != "" {
			cur.Outcome = next.outcome
			switch next.outcome {
			case "white":
				cur.Status = StatusFinished
				cur.Winner = cur.Players[0].UserID
			case "black":
				cur.Status = StatusFinished
				cur.Winner = cur.Players[1].UserID
			case "draw":
				cur.Status = StatusDraw
			}
		}

		pipe := tx.TxPipeline()
		newRaw, _ := json.Marshal(&cur)
		pipe.Set(ctx, gameK, newRaw, sessionTTL)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		result = &cur
		return nil
	}, gameK)

	if err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			// concurrent update: the sender must resync rather than retry blind
			m.metrics.RecordMoveRejected()
			return nil, false, ErrIllegalMove
		}
		return nil, false, err
	}
	if rejectErr != nil {
		m.metrics.RecordMoveRejected()
		obslog.L().Warn("move_rejected",
			zap.String("game_id", mv.GameID),
			zap.String("user_id", userID),
			zap.String("move_id", mv.MoveID),
			zap.Error(rejectErr))
		return result, false, nil
	}

	m.metrics.RecordMoveApplied()
	obslog.L().Info("move_apply",
		zap.String("game_id", result.ID),
		zap.String("user_id", userID),
		zap.String("move_id", mv.MoveID),
		zap.Int("move_seq", result.MoveSeq),
		zap.String("status", string(result.Status)),
	)
	if result.Status != StatusActive {
		_ = m.persistIfFinal(ctx, result, terminationMethod(result))
	}
	return result, true, nil
}

// boardAdvance is the computed next state of one move application.
type boardAdvance struct {
	fen     string
	turn    Color
	outcome string // "", "white", "black", "draw"
}

// advance applies one move to the session's current position. Preference
// order: UCI coordinates, then algebraic notation, then the client's FEN
// snapshot as the authoritative last resort (convergence guarantee when the
// two sides' move generation differs).
func advance(cur *GameSession, mv livemsg.MoveMade) (boardAdvance, string, string, error) {
	game, err := gameFromFEN(cur.FEN)
	if err != nil {
		return boardAdvance{}, "", "", err
	}
	pos := game.Position()
	uci := strings.ToLower(strings.TrimSpace(mv.From) + strings.TrimSpace(mv.To) + strings.TrimSpace(mv.Promotion))

	if decoded, derr := (nchess.UCINotation{}).Decode(pos, uci); derr == nil {
		san := nchess.AlgebraicNotation{}.Encode(pos, decoded)
		if merr := game.Move(decoded, nil); merr == nil {
			return advanceResult(game), san, uci, nil
		}
	}
	if notation := strings.TrimSpace(mv.Notation); notation != "" {
		if err := game.PushNotationMove(notation, nchess.AlgebraicNotation{}, nil); err == nil {
			moves := game.Moves()
			last := moves[len(moves)-1]
			return advanceResult(game), notation, last.String(), nil
		}
	}
	if fen := strings.TrimSpace(mv.FEN); fen != "" {
		snap, serr := gameFromFEN(fen)
		if serr == nil {
			san := strings.TrimSpace(mv.Notation)
			if san == "" {
				san = uci
			}
			return advanceResult(snap), san, uci, nil
		}
	}
	return boardAdvance{}, "", "", ErrIllegalMove
}

func advanceResult(game *nchess.Game) boardAdvance {
	adv := boardAdvance{fen: game.FEN(), turn: colorFrom(game.Position().Turn())}
	switch game.Outcome() {
	case nchess.WhiteWon:
		adv.outcome = "white"
	case nchess.BlackWon:
		adv.outcome = "black"
	case nchess.Draw:
		adv.outcome = "draw"
	}
	return adv
}

func gameFromFEN(fen string) (*nchess.Game, error) {
	opt, err := nchess.FEN(fen)
	if err != nil {
		return nil, fmt.Errorf("parse fen: %w", err)
	}
	return nchess.NewGame(opt), nil
}

func colorFrom(c nchess.Color) Color {
	if c == nchess.White {
		return White
	}
	return Black
}

// Resync returns the authoritative board state for a reconciliation request.
// The client's divergent state is logged, never adopted: the stored session is
// the single source of truth once a desync is reported.
func (m *Manager) Resync(ctx context.Context, userID string, req livemsg.RequestBoardSync) (*livemsg.BoardSync, error) {
	g, err := m.get(ctx, req.GameID)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, ErrNotFound
	}
	if g.PlayerByID(userID) == nil {
		return nil, ErrNotInGame
	}
	if strings.TrimSpace(req.ClientState) != "" && req.ClientState != g.FEN {
		obslog.L().Warn("board_desync",
			zap.String("game_id", g.ID),
			zap.String("user_id", userID),
			zap.String("reason", req.Reason))
	}
	m.metrics.RecordBoardResync()
	return &livemsg.BoardSync{
		GameID:  g.ID,
		FEN:     g.FEN,
		MoveSeq: g.MoveSeq,
		Turn:    string(g.Turn),
		Status:  string(g.Status),
	}, nil
}

// Rejoin reattaches a user to a running game after a reconnect, updating the
// seat's connection. Used for seats created disconnected by the virtual-queue
// fallback as well as for ordinary reconnects.
func (m *Manager) Rejoin(ctx context.Context, gameID, userID, connectionID string) (*GameSession, error) {
	gameK := gameKey(gameID)
	var result *GameSession
	err := m.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, gameK).Bytes()
		if err == redis.Nil {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var cur GameSession
		if jerr := json.Unmarshal(raw, &cur); jerr != nil {
			return jerr
		}
		player := cur.PlayerByID(userID)
		if player == nil {
			return ErrNotInGame
		}
		player.ConnectionID = strings.TrimSpace(connectionID)
		player.Connected = true
		cur.UpdatedAt = time.Now()

		pipe := tx.TxPipeline()
		newRaw, _ := json.Marshal(&cur)
		pipe.Set(ctx, gameK, newRaw, sessionTTL)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		result = &cur
		return nil
	}, gameK)
	if err != nil {
		return nil, err
	}
	obslog.L().Info("game_rejoin",
		zap.String("game_id", gameID),
		zap.String("user_id", userID),
		zap.String("connection_id", connectionID))
	return result, nil
}

// Resign ends the game in the opponent's favor.
func (m *Manager) Resign(ctx context.Context, gameID, userID string) (*GameSession, error) {
	gameK := gameKey(gameID)
	var result *GameSession
	err := m.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, gameK).Bytes()
		if err == redis.Nil {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var cur GameSession
		if jerr := json.Unmarshal(raw, &cur); jerr != nil {
			return jerr
		}
		if cur.Status != StatusActive {
			return ErrGameOver
		}
		opp := cur.OpponentOf(userID)
		if opp == nil {
			return ErrNotInGame
		}
		cur.Status = StatusResigned
		cur.Winner = opp.UserID
		cur.Outcome = "resign"
		cur.UpdatedAt = time.Now()

		pipe := tx.TxPipeline()
		newRaw, _ := json.Marshal(&cur)
		pipe.Set(ctx, gameK, newRaw, sessionTTL)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		result = &cur
		return nil
	}, gameK)
	if err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return nil, ErrGameOver
		}
		return nil, err
	}
	obslog.L().Info("game_resign",
		zap.String("game_id", gameID),
		zap.String("resigner", userID),
		zap.String("winner", result.Winner))
	_ = m.persistIfFinal(ctx, result, "resignation")
	return result, nil
}

// LoadSession returns the session by id, nil when absent.
func (m *Manager) LoadSession(ctx context.Context, id string) (*GameSession, error) {
	return m.get(ctx, id)
}

// ActiveSessionFor returns the most recently updated ACTIVE session the user
// participates in, nil when there is none. Used for reconnect resolution.
func (m *Manager) ActiveSessionFor(ctx context.Context, userID string) (*GameSession, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, nil
	}
	ids, err := m.rdb.SMembers(ctx, idxUserKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	var list []*GameSession
	for _, id := range ids {
		g, gerr := m.get(ctx, id)
		if gerr == nil && g != nil && g.Status == StatusActive {
			list = append(list, g)
		}
	}
	if len(list) == 0 {
		return nil, nil
	}
	sort.Slice(list, func(i, j int) bool { return list[i].UpdatedAt.After(list[j].UpdatedAt) })
	return list[0], nil
}

func (m *Manager) save(ctx context.Context, g *GameSession) error {
	raw, err := json.Marshal(g)
	if err != nil {
		return err
	}
	return m.rdb.Set(ctx, gameKey(g.ID), raw, sessionTTL).Err()
}

func (m *Manager) get(ctx context.Context, id string) (*GameSession, error) {
	raw, err := m.rdb.Get(ctx, gameKey(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var g GameSession
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

func (m *Manager) indexParticipants(ctx context.Context, id string, users ...string) error {
	for _, u := range users {
		if strings.TrimSpace(u) == "" {
			continue
		}
		key := idxUserKey(u)
		if err := m.rdb.SAdd(ctx, key, id).Err(); err != nil {
			return err
		}
		_ = m.rdb.Expire(ctx, key, sessionTTL).Err()
	}
	return nil
}

func (m *Manager) persistIfFinal(ctx context.Context, g *GameSession, method string) error {
	if m == nil || m.repo == nil || g == nil || g.Status == StatusActive {
		return nil
	}
	if err := m.repo.SaveResult(ctx, g, method); err != nil {
		obslog.L().Error("game_result_persist_error",
			zap.String("game_id", g.ID),
			zap.String("outcome", g.Outcome),
			zap.Error(err))
		return err
	}
	obslog.L().Info("game_result_persist",
		zap.String("game_id", g.ID),
		zap.String("outcome", g.Outcome),
		zap.String("method", method))
	return nil
}

func terminationMethod(g *GameSession) string {
	switch g.Status {
	case StatusFinished:
		return "checkmate"
	case StatusDraw:
		return "draw"
	case StatusResigned:
		return "resignation"
	case StatusAbandoned:
		return "abandonment"
	default:
		return ""
	}
}

func gameKey(id string) string    { return "live:game:" + strings.TrimSpace(id) }
func idxUserKey(id string) string { return "live:index:user:" + strings.TrimSpace(id) }

func parseRedisURL(raw string) (*redis.Options, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	db := 0
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			db = n
		}
	}
	pass, _ := u.User.Password()
	return &redis.Options{Addr: u.Host, Password: pass, DB: db}, nil
}
