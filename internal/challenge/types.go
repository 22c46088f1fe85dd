package challenge

import (
	"errors"
	"time"
)

// Status is the challenge lifecycle. PENDING is initial; REJECTED, EXPIRED,
// CANCELLED, LINKED and FAILED are terminal. ACCEPTED is transient while game
// creation is in flight.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusAccepted  Status = "ACCEPTED"
	StatusRejected  Status = "REJECTED"
	StatusExpired   Status = "EXPIRED"
	StatusCancelled Status = "CANCELLED"
	StatusLinked    Status = "LINKED"
	StatusFailed    Status = "FAILED"
)

// Challenge is one wagered invitation. OpponentID may be empty while the
// challenge addresses a raw connection whose identity has not resolved yet;
// the first responder binds it.
type Challenge struct {
	ID                   string    `json:"id"`
	ChallengerID         string    `json:"challenger_id"`
	ChallengerName       string    `json:"challenger_name,omitempty"`
	ChallengerPhoto      string    `json:"challenger_photo,omitempty"`
	ChallengerRating     int       `json:"challenger_rating,omitempty"`
	OpponentID           string    `json:"opponent_id,omitempty"`
	OpponentConnectionID string    `json:"opponent_connection_id,omitempty"`
	BetType              string    `json:"bet_type"`
	StakeAmount          int       `json:"stake_amount,omitempty"`
	GameMode             string    `json:"game_mode,omitempty"`
	TimeControl          string    `json:"time_control"`
	PreferredSide        string    `json:"preferred_side,omitempty"`
	Status               Status    `json:"status"`
	GameID               string    `json:"game_id,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
	ExpiresAt            time.Time `json:"expires_at"`

	timer *time.Timer
}

func (c *Challenge) clone() *Challenge {
	cp := *c
	cp.timer = nil
	return &cp
}

var (
	ErrNotFound            = errors.New("challenge not found")
	ErrAlreadyResolved     = errors.New("challenge already resolved")
	ErrForbidden           = errors.New("not allowed")
	ErrInvalidPayload      = errors.New("invalid challenge payload")
	ErrOpponentUnreachable = errors.New("opponent unreachable")
)
