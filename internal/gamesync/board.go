package gamesync

import (
	"strings"
	"sync"

	nchess "github.com/corentings/chess/v2"

	"github.com/channel27tech/clubmaster-sub004/pkg/livemsg"
)

// Board is the local board state a client keeps between confirmations. An
// incoming move is applied with the preference chain of the protocol: the
// full FEN snapshot first (authoritative), then algebraic notation, then raw
// from/to coordinates.
type Board struct {
	mu   sync.Mutex
	game *nchess.Game
}

func NewBoard() *Board {
	return &Board{game: nchess.NewGame()}
}

// FEN returns the current position.
func (b *Board) FEN() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.game.FEN()
}

// Apply incorporates an opponent move. Returns the applied channel: one of
// "snapshot", "notation", "coords".
func (b *Board) Apply(mv livemsg.MoveMade) (string, error) {
	if fen := strings.TrimSpace(mv.FEN); fen != "" {
		if err := b.ApplySnapshot(fen); err == nil {
			return "snapshot", nil
		}
	}
	if notation := strings.TrimSpace(mv.Notation); notation != "" {
		if err := b.ApplySAN(notation); err == nil {
			return "notation", nil
		}
	}
	if err := b.ApplyCoords(mv.From, mv.To, mv.Promotion); err != nil {
		return "", err
	}
	return "coords", nil
}

// ApplySnapshot replaces the local position with a full FEN snapshot.
// Idempotent: re-applying the current position is a no-op.
func (b *Board) ApplySnapshot(fen string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.game.FEN() == fen {
		return nil
	}
	next, err := gameFromFEN(fen)
	if err != nil {
		return err
	}
	b.game = next
	return nil
}

// ApplySAN applies a move in algebraic notation against the local position.
func (b *Board) ApplySAN(notation string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.game.PushNotationMove(notation, nchess.AlgebraicNotation{}, nil)
}

// ApplyCoords applies raw from/to coordinates, the last-resort channel.
func (b *Board) ApplyCoords(from, to, promotion string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	uci := strings.ToLower(strings.TrimSpace(from) + strings.TrimSpace(to) + strings.TrimSpace(promotion))
	return b.game.PushNotationMove(uci, nchess.UCINotation{}, nil)
}
