package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/channel27tech/clubmaster-sub004/internal/challenge"
	"github.com/channel27tech/clubmaster-sub004/internal/gamesync"
	"github.com/channel27tech/clubmaster-sub004/internal/obslog"
	"github.com/channel27tech/clubmaster-sub004/pkg/livemsg"
)

var errConnGone = errors.New("connection gone")

// dispatch routes one inbound envelope and returns the reply frames for the
// originating connection. Broadcasts to other parties go through the fanout.
// A coordinator error never closes the connection; it becomes a structured
// failure frame.
func (s *Server) dispatch(ctx context.Context, connID string, env livemsg.Envelope) []livemsg.Envelope {
	userID := s.reg.UserFor(connID)

	switch env.Event {
	case livemsg.EvCreateBetChallenge:
		return s.handleCreate(ctx, connID, userID, env.Data)
	case livemsg.EvRespondToBetChallenge:
		return s.handleRespond(ctx, userID, env.Data)
	case livemsg.EvCancelBetChallenge:
		return s.handleCancel(ctx, userID, env.Data)
	case livemsg.EvGetBetChallengeStatus:
		return s.handleStatus(userID, env.Data)
	case livemsg.EvMoveMade:
		return s.handleMove(ctx, userID, env.Data)
	case livemsg.EvRequestBoardSync:
		return s.handleBoardSync(ctx, userID, env.Data)
	case livemsg.EvResignGame:
		return s.handleResign(ctx, userID, env.Data)
	default:
		obslog.L().Warn("ws_unknown_event",
			zap.String("connection_id", connID),
			zap.String("event", env.Event))
		return []livemsg.Envelope{s.errFrame("UNKNOWN_EVENT", "error.invalid_payload")}
	}
}

func (s *Server) handleCreate(ctx context.Context, connID, userID string, data json.RawMessage) []livemsg.Envelope {
	var req livemsg.CreateBetChallenge
	if fr, ok := s.decode(userID, data, &req); !ok {
		return fr
	}
	ch, err := s.challenges.Create(ctx, userID, req)
	if err != nil {
		obslog.L().Warn("challenge_create_denied",
			zap.String("connection_id", connID),
			zap.String("user_id", userID),
			zap.Error(err))
		return []livemsg.Envelope{frame(livemsg.EvBetChallengeAck, &livemsg.BetChallengeAck{
			Success: false,
			Message: s.failureText(err),
		})}
	}
	return []livemsg.Envelope{frame(livemsg.EvBetChallengeAck, &livemsg.BetChallengeAck{
		Success:   true,
		BetID:     ch.ID,
		ExpiresAt: ch.ExpiresAt,
	})}
}

func (s *Server) handleRespond(ctx context.Context, userID string, data json.RawMessage) []livemsg.Envelope {
	var req livemsg.RespondToBetChallenge
	if fr, ok := s.decode(userID, data, &req); !ok {
		return fr
	}
	ch, err := s.challenges.Respond(ctx, req.ChallengeID, userID, req.Accepted)
	if err != nil {
		return []livemsg.Envelope{frame(livemsg.EvBetResponseError, &livemsg.BetResponse{
			Success: false,
			Message: s.failureText(err),
			BetID:   req.ChallengeID,
		})}
	}
	return []livemsg.Envelope{frame(livemsg.EvBetResponseSuccess, &livemsg.BetResponse{
		Success: true,
		BetID:   ch.ID,
	})}
}

func (s *Server) handleCancel(ctx context.Context, userID string, data json.RawMessage) []livemsg.Envelope {
	var req livemsg.CancelBetChallenge
	if fr, ok := s.decode(userID, data, &req); !ok {
		return fr
	}
	if err := s.challenges.Cancel(ctx, req.BetID, userID); err != nil {
		return []livemsg.Envelope{frame(livemsg.EvBetResponseError, &livemsg.BetResponse{
			Success: false,
			Message: s.failureText(err),
			BetID:   req.BetID,
		})}
	}
	return []livemsg.Envelope{frame(livemsg.EvBetResponseSuccess, &livemsg.BetResponse{
		Success: true,
		BetID:   req.BetID,
	})}
}

func (s *Server) handleStatus(userID string, data json.RawMessage) []livemsg.Envelope {
	var req livemsg.GetBetChallengeStatus
	if fr, ok := s.decode(userID, data, &req); !ok {
		return fr
	}
	st, err := s.challenges.GetStatus(req.BetID)
	if err != nil {
		return []livemsg.Envelope{s.failure(err)}
	}
	return []livemsg.Envelope{frame(livemsg.EvBetChallengeStatus, st)}
}

func (s *Server) handleMove(ctx context.Context, userID string, data json.RawMessage) []livemsg.Envelope {
	var mv livemsg.MoveMade
	if fr, ok := s.decode(userID, data, &mv); !ok {
		return fr
	}
	start := time.Now()
	g, applied, err := s.games.ApplyMove(ctx, userID, mv)
	if err != nil {
		return []livemsg.Envelope{s.failure(err)}
	}
	s.metrics.RecordConfirmLatency(time.Since(start))
	if applied {
		s.broadcastMove(ctx, g, userID, mv)
		if g.Status != gamesync.StatusActive {
			s.broadcastGameOver(ctx, g, "")
		}
	}
	return []livemsg.Envelope{frame(livemsg.EvMoveConfirmed, &livemsg.MoveConfirmed{
		MoveID:  mv.MoveID,
		Success: applied,
	})}
}

func (s *Server) handleBoardSync(ctx context.Context, userID string, data json.RawMessage) []livemsg.Envelope {
	var req livemsg.RequestBoardSync
	if fr, ok := s.decode(userID, data, &req); !ok {
		return fr
	}
	bs, err := s.games.Resync(ctx, userID, req)
	if err != nil {
		return []livemsg.Envelope{s.failure(err)}
	}
	return []livemsg.Envelope{frame(livemsg.EvBoardSync, bs)}
}

func (s *Server) handleResign(ctx context.Context, userID string, data json.RawMessage) []livemsg.Envelope {
	var req livemsg.ResignGame
	if fr, ok := s.decode(userID, data, &req); !ok {
		return fr
	}
	g, err := s.games.Resign(ctx, req.GameID, userID)
	if err != nil {
		return []livemsg.Envelope{s.failure(err)}
	}
	s.broadcastGameOver(ctx, g, "resignation")
	return nil
}

// broadcastMove relays the sender's move, snapshot included, to the opponent.
func (s *Server) broadcastMove(ctx context.Context, g *gamesync.GameSession, senderID string, mv livemsg.MoveMade) {
	if s.fan == nil {
		return
	}
	opp := g.OpponentOf(senderID)
	if opp == nil {
		return
	}
	out := mv
	out.FEN = g.FEN // server state is what the receiver must converge to
	s.fan.Direct(ctx, opp.ConnectionID, opp.UserID, livemsg.EvMoveMade, &out)
}

func (s *Server) broadcastGameOver(ctx context.Context, g *gamesync.GameSession, reason string) {
	if s.fan == nil {
		return
	}
	over := &livemsg.GameOver{
		GameID:  g.ID,
		Winner:  g.Winner,
		Outcome: g.Outcome,
		Reason:  reason,
	}
	for i := range g.Players {
		p := &g.Players[i]
		s.fan.Direct(ctx, p.ConnectionID, p.UserID, livemsg.EvGameOver, over)
	}
}

type validator interface {
	Validate() error
}

// decode gates every client operation: identity first, then payload shape.
func (s *Server) decode(userID string, data json.RawMessage, into validator) ([]livemsg.Envelope, bool) {
	if userID == "" {
		return []livemsg.Envelope{s.errFrame("NOT_AUTHENTICATED", "error.not_authenticated")}, false
	}
	if err := json.Unmarshal(data, into); err != nil {
		return []livemsg.Envelope{s.errFrame("INVALID_PAYLOAD", "error.invalid_payload")}, false
	}
	if err := into.Validate(); err != nil {
		return []livemsg.Envelope{frame(livemsg.EvError, &livemsg.ErrorFrame{
			Code:    "INVALID_PAYLOAD",
			Message: err.Error(),
		})}, false
	}
	return nil, true
}

func (s *Server) failure(err error) livemsg.Envelope {
	return frame(livemsg.EvError, &livemsg.ErrorFrame{
		Code:    failureCode(err),
		Message: s.failureText(err),
	})
}

func failureCode(err error) string {
	switch {
	case errors.Is(err, challenge.ErrNotFound), errors.Is(err, gamesync.ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, challenge.ErrAlreadyResolved):
		return "ALREADY_RESOLVED"
	case errors.Is(err, challenge.ErrForbidden), errors.Is(err, gamesync.ErrNotInGame):
		return "FORBIDDEN"
	case errors.Is(err, challenge.ErrInvalidPayload):
		return "INVALID_PAYLOAD"
	case errors.Is(err, gamesync.ErrGameOver):
		return "GAME_OVER"
	default:
		return "INTERNAL"
	}
}

func (s *Server) failureText(err error) string {
	switch {
	case errors.Is(err, challenge.ErrNotFound), errors.Is(err, gamesync.ErrNotFound):
		return s.text("error.not_found")
	case errors.Is(err, challenge.ErrAlreadyResolved):
		return s.text("error.already_resolved")
	case errors.Is(err, challenge.ErrForbidden):
		return s.text("error.forbidden")
	case errors.Is(err, challenge.ErrInvalidPayload):
		return err.Error()
	default:
		obslog.L().Error("operation_error", zap.Error(err))
		return s.text("error.internal")
	}
}

func (s *Server) errFrame(code, msgKey string) livemsg.Envelope {
	return frame(livemsg.EvError, &livemsg.ErrorFrame{Code: code, Message: s.text(msgKey)})
}

func (s *Server) text(key string) string {
	if s.msgs == nil {
		return ""
	}
	return s.msgs.MustRender(key, nil)
}
