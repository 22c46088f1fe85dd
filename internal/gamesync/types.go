package gamesync

import (
	"errors"
	"time"
)

// Color identifies a side of the board.
type Color string

const (
	White Color = "white"
	Black Color = "black"
)

func (c Color) Opponent() Color {
	if c == White {
		return Black
	}
	return White
}

// Status is the live session lifecycle.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusFinished  Status = "FINISHED"
	StatusResigned  Status = "RESIGNED"
	StatusDraw      Status = "DRAW"
	StatusAbandoned Status = "ABANDONED"
)

// Player is one seat of a session. Connected is false for a seat created
// through the virtual-queue fallback; the player may rejoin later.
type Player struct {
	UserID       string `json:"user_id"`
	DisplayName  string `json:"display_name"`
	Color        Color  `json:"color"`
	Rating       int    `json:"rating"`
	ConnectionID string `json:"connection_id,omitempty"`
	Connected    bool   `json:"connected"`
}

// GameSession is the persisted state of a live game. MoveSeq is monotonically
// non-decreasing; LastMoveID identifies the most recently applied move for
// duplicate suppression.
type GameSession struct {
	ID          string    `json:"id"`
	Players     [2]Player `json:"players"`
	FEN         string    `json:"fen"`
	MovesUCI    []string  `json:"moves_uci"`
	MovesSAN    []string  `json:"moves_san"`
	Turn        Color     `json:"turn"`
	MoveSeq     int       `json:"move_seq"`
	LastMoveID  string    `json:"last_move_id,omitempty"`
	Status      Status    `json:"status"`
	GameMode    string    `json:"game_mode,omitempty"`
	TimeControl string    `json:"time_control"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Winner      string    `json:"winner,omitempty"`
	Outcome     string    `json:"outcome,omitempty"`
}

// PlayerByID returns the seat for the user, or nil.
func (g *GameSession) PlayerByID(userID string) *Player {
	for i := range g.Players {
		if g.Players[i].UserID == userID {
			return &g.Players[i]
		}
	}
	return nil
}

// OpponentOf returns the other seat, or nil when userID is not a participant.
func (g *GameSession) OpponentOf(userID string) *Player {
	for i := range g.Players {
		if g.Players[i].UserID == userID {
			return &g.Players[1-i]
		}
	}
	return nil
}

// Seat describes a participant when creating a session.
type Seat struct {
	UserID       string
	DisplayName  string
	Rating       int
	ConnectionID string
	Connected    bool
}

// Options carries the negotiated game parameters into session creation.
type Options struct {
	GameMode      string
	TimeControl   string
	PreferredSide string // side preference of the first seat: white|black|random
}

var (
	ErrNotFound    = errors.New("game not found")
	ErrNotInGame   = errors.New("user is not a participant of this game")
	ErrOutOfTurn   = errors.New("not your turn")
	ErrIllegalMove = errors.New("illegal move")
	ErrGameOver    = errors.New("game is no longer active")
)
