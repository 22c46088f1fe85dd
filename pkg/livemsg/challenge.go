package livemsg

import (
	"errors"
	"strings"
	"time"
)

// Bet kinds accepted on challenge creation.
const (
	BetProfileControl = "PROFILE_CONTROL"
	BetProfileLock    = "PROFILE_LOCK"
	BetRatingStake    = "RATING_STAKE"
)

// CreateBetChallenge asks the coordinator to open a wagered challenge. Either
// OpponentID or OpponentConnectionID must be present; a connection-addressed
// challenge is allowed before the opponent's identity has been resolved.
type CreateBetChallenge struct {
	OpponentID           string `json:"opponentId,omitempty"`
	OpponentConnectionID string `json:"opponentConnectionId,omitempty"`
	BetType              string `json:"betType"`
	StakeAmount          int    `json:"stakeAmount,omitempty"`
	GameMode             string `json:"gameMode"`
	TimeControl          string `json:"timeControl"`
	PreferredSide        string `json:"preferredSide,omitempty"`
}

func (m *CreateBetChallenge) Validate() error {
	if strings.TrimSpace(m.OpponentID) == "" && strings.TrimSpace(m.OpponentConnectionID) == "" {
		return errors.New("either opponentId or opponentConnectionId is required")
	}
	switch m.BetType {
	case BetProfileControl, BetProfileLock:
	case BetRatingStake:
		if m.StakeAmount <= 0 {
			return errors.New("stakeAmount is required for RATING_STAKE")
		}
	default:
		return errors.New("unknown betType")
	}
	if strings.TrimSpace(m.TimeControl) == "" {
		return errors.New("timeControl is required")
	}
	return nil
}

// BetChallengeAck answers create_bet_challenge on the same connection.
type BetChallengeAck struct {
	Success   bool      `json:"success"`
	BetID     string    `json:"betId,omitempty"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// BetChallengeReceived is delivered to the opponent side.
type BetChallengeReceived struct {
	ID              string    `json:"id"`
	ChallengerID    string    `json:"challengerId"`
	ChallengerName  string    `json:"challengerName"`
	ChallengerPhoto string    `json:"challengerPhoto,omitempty"`
	BetType         string    `json:"betType"`
	StakeAmount     int       `json:"stakeAmount,omitempty"`
	GameMode        string    `json:"gameMode"`
	TimeControl     string    `json:"timeControl"`
	ExpiresAt       time.Time `json:"expiresAt"`
}

type RespondToBetChallenge struct {
	ChallengeID string `json:"challengeId"`
	Accepted    bool   `json:"accepted"`
}

func (m *RespondToBetChallenge) Validate() error {
	if strings.TrimSpace(m.ChallengeID) == "" {
		return errors.New("challengeId is required")
	}
	return nil
}

// BetResponse answers respond_to_bet_challenge (success or error variant is
// chosen by the event name, the payload shape is shared).
type BetResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	BetID   string `json:"betId"`
}

type BetGameReady struct {
	GameID string `json:"gameId"`
}

type CancelBetChallenge struct {
	BetID string `json:"betId"`
}

func (m *CancelBetChallenge) Validate() error {
	if strings.TrimSpace(m.BetID) == "" {
		return errors.New("betId is required")
	}
	return nil
}

type GetBetChallengeStatus struct {
	BetID string `json:"betId"`
}

func (m *GetBetChallengeStatus) Validate() error {
	if strings.TrimSpace(m.BetID) == "" {
		return errors.New("betId is required")
	}
	return nil
}

type BetChallengeStatus struct {
	BetID  string `json:"betId"`
	Status string `json:"status"`
	GameID string `json:"gameId,omitempty"`
}

// BetChallengeUpdate announces a lifecycle change (expiry, rejection,
// cancellation) with a human-readable message.
type BetChallengeUpdate struct {
	BetID   string `json:"betId"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// MatchFound announces a created game session to one participant.
type MatchFound struct {
	GameID        string `json:"gameId"`
	PlayerColor   string `json:"playerColor"`
	OpponentColor string `json:"opponentColor"`
	GameMode      string `json:"gameMode"`
	TimeControl   string `json:"timeControl"`
}
