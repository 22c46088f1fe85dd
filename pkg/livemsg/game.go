package livemsg

import (
	"errors"
	"strings"
)

// MoveMade carries one optimistic move in either direction. The FEN snapshot
// is authoritative for the receiving side; notation and from/to are fallbacks.
type MoveMade struct {
	GameID    string `json:"gameId"`
	MoveID    string `json:"moveId"`
	From      string `json:"from"`
	To        string `json:"to"`
	Promotion string `json:"promotion,omitempty"`
	Notation  string `json:"notation,omitempty"`
	FEN       string `json:"fen,omitempty"`
}

func (m *MoveMade) Validate() error {
	if strings.TrimSpace(m.GameID) == "" {
		return errors.New("gameId is required")
	}
	if strings.TrimSpace(m.MoveID) == "" {
		return errors.New("moveId is required")
	}
	if strings.TrimSpace(m.From) == "" || strings.TrimSpace(m.To) == "" {
		return errors.New("from and to are required")
	}
	return nil
}

// MoveConfirmed acknowledges a move back to its sender.
type MoveConfirmed struct {
	MoveID  string `json:"moveId"`
	Success bool   `json:"success"`
}

// RequestBoardSync asks the session to reconcile after a confirmation timeout
// or a rejected move. ClientState is the sender's current FEN.
type RequestBoardSync struct {
	GameID      string `json:"gameId"`
	Reason      string `json:"reason,omitempty"`
	ClientState string `json:"clientState,omitempty"`
}

func (m *RequestBoardSync) Validate() error {
	if strings.TrimSpace(m.GameID) == "" {
		return errors.New("gameId is required")
	}
	return nil
}

// BoardSync carries the authoritative server state back to a client.
type BoardSync struct {
	GameID  string `json:"gameId"`
	FEN     string `json:"fen"`
	MoveSeq int    `json:"moveSeq"`
	Turn    string `json:"turn"`
	Status  string `json:"status"`
}

type ResignGame struct {
	GameID string `json:"gameId"`
}

func (m *ResignGame) Validate() error {
	if strings.TrimSpace(m.GameID) == "" {
		return errors.New("gameId is required")
	}
	return nil
}

// GameOver announces a finished game to both seats.
type GameOver struct {
	GameID  string `json:"gameId"`
	Winner  string `json:"winner,omitempty"`
	Outcome string `json:"outcome"`
	Reason  string `json:"reason,omitempty"`
}
