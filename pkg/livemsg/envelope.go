package livemsg

import "encoding/json"

// Event names carried on the wire. One concrete payload type per event; the
// gateway decodes and validates before anything reaches a coordinator.
const (
	EvCreateBetChallenge    = "create_bet_challenge"
	EvBetChallengeAck       = "bet_challenge_ack"
	EvBetChallengeReceived  = "bet_challenge_received"
	EvRespondToBetChallenge = "respond_to_bet_challenge"
	EvBetResponseSuccess    = "bet_response_success"
	EvBetResponseError      = "bet_response_error"
	EvBetGameReady          = "bet_game_ready"
	EvMatchFound            = "matchFound"
	EvCancelBetChallenge    = "cancel_bet_challenge"
	EvGetBetChallengeStatus = "get_bet_challenge_status"
	EvBetChallengeStatus    = "bet_challenge_status"
	EvBetChallengeUpdate    = "bet_challenge_update"
	EvMoveMade              = "move_made"
	EvMoveConfirmed         = "move_confirmed"
	EvRequestBoardSync      = "request_board_sync"
	EvBoardSync             = "board_sync"
	EvResignGame            = "resign_game"
	EvGameOver              = "game_over"
	EvError                 = "error"
)

// Envelope is the outer frame for every websocket message.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ErrorFrame reports a recoverable operation failure to the initiating client.
type ErrorFrame struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}
