package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/kapu/codearena/internal/authx"
	"github.com/kapu/codearena/internal/connreg"
	"github.com/kapu/codearena/internal/duel"
	"github.com/kapu/codearena/internal/match"
	"github.com/kapu/codearena/internal/obslog"
	"github.com/kapu/codearena/internal/trivia"
	"github.com/kapu/codearena/pkg/arenadto"
)

// Server accepts websocket clients, authenticates them, and dispatches
// their events to the session managers. One read loop per connection;
// event handling that can block on external calls runs off-loop.
type Server struct {
	auth   authx.Verifier
	reg    *connreg.Registry
	hub    *Hub
	duels  *duel.Manager
	rounds *trivia.Manager
}

func NewServer(auth authx.Verifier, reg *connreg.Registry, hub *Hub, duels *duel.Manager, rounds *trivia.Manager) *Server {
	return &Server{auth: auth, reg: reg, hub: hub, duels: duels, rounds: rounds}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		obslog.L().Debug("ws_accept_failed", zap.Error(err))
		return
	}

	conn := newWSConn(ws)

	actx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	ident, err := s.auth.Verify(actx, bearerToken(r))
	cancel()
	if err != nil {
		_ = conn.Send(r.Context(), arenadto.ServerEvent{Type: arenadto.EvError, Payload: arenadto.ErrorEvent{
			Code:    arenadto.CodeUnauthenticated,
			Message: "authentication failed",
		}})
		conn.close(websocket.StatusPolicyViolation, "unauthenticated")
		return
	}

	s.reg.Register(ident.UserID, conn)
	obslog.L().Info("ws_connected",
		zap.String("user_id", ident.UserID),
		zap.String("conn_id", conn.ID()),
	)

	s.readLoop(r.Context(), conn, ident)

	// The loop only returns once the socket is dead or superseded.
	s.reg.UnregisterIfCurrent(ident.UserID, conn)
	for _, sessionID := range s.hub.SessionsOf(ident.UserID) {
		if isDuelID(sessionID) {
			s.duels.OnTransportLoss(sessionID, ident.UserID, conn.ID())
		} else {
			s.rounds.OnTransportLoss(sessionID, ident.UserID, conn.ID())
		}
	}
	obslog.L().Info("ws_disconnected",
		zap.String("user_id", ident.UserID),
		zap.String("conn_id", conn.ID()),
	)
}

func (s *Server) readLoop(ctx context.Context, conn *wsConn, ident *authx.Identity) {
	for {
		var ev arenadto.ClientEvent
		if err := wsjson.Read(ctx, conn.ws, &ev); err != nil {
			return
		}
		s.dispatch(ctx, conn, ident, ev)
	}
}

func (s *Server) dispatch(ctx context.Context, conn *wsConn, ident *authx.Identity, ev arenadto.ClientEvent) {
	switch ev.Type {
	case arenadto.EvFindMatch:
		var req arenadto.FindMatchRequest
		if err := json.Unmarshal(ev.Payload, &req); err != nil {
			s.sendErr(ctx, conn, arenadto.InvalidState("malformed find-match payload"))
			return
		}
		s.handleFindMatch(ctx, conn, ident, req.Mode)

	case arenadto.EvJoinSession:
		var req arenadto.JoinSessionRequest
		if err := json.Unmarshal(ev.Payload, &req); err != nil {
			s.sendErr(ctx, conn, arenadto.InvalidState("malformed join-session payload"))
			return
		}
		s.handleJoin(ctx, conn, ident, req.SessionID)

	case arenadto.EvSubmitCode:
		var req arenadto.SubmitCodeRequest
		if err := json.Unmarshal(ev.Payload, &req); err != nil {
			s.sendErr(ctx, conn, arenadto.InvalidState("malformed submit-code payload"))
			return
		}
		// Judging polls an external service; keep the read loop free.
		go s.handleSubmitCode(conn, ident, req)

	case arenadto.EvSubmitAnswer:
		var req arenadto.SubmitAnswerRequest
		if err := json.Unmarshal(ev.Payload, &req); err != nil {
			s.sendErr(ctx, conn, arenadto.InvalidState("malformed submit-answer payload"))
			return
		}
		res, err := s.rounds.Answer(ctx, req.SessionID, ident.UserID, req.QuestionID, req.Option)
		if err != nil {
			s.sendErr(ctx, conn, err)
			return
		}
		_ = conn.Send(ctx, arenadto.ServerEvent{Type: arenadto.EvAnswerResult, Payload: res})

	case arenadto.EvLeaveSession:
		var req arenadto.LeaveSessionRequest
		if err := json.Unmarshal(ev.Payload, &req); err != nil {
			s.sendErr(ctx, conn, arenadto.InvalidState("malformed leave-session payload"))
			return
		}
		var err error
		if isDuelID(req.SessionID) {
			err = s.duels.Leave(ctx, req.SessionID, ident.UserID)
		} else {
			err = s.rounds.Leave(ctx, req.SessionID, ident.UserID)
		}
		if err != nil {
			s.sendErr(ctx, conn, err)
			return
		}
		s.hub.Unsubscribe(req.SessionID, ident.UserID)

	case arenadto.EvCodeUpdate:
		var req arenadto.CodeUpdateRequest
		if err := json.Unmarshal(ev.Payload, &req); err != nil {
			return
		}
		s.relayTyping(ctx, ident.UserID, req)

	default:
		s.sendErr(ctx, conn, arenadto.InvalidState("unknown event type: "+ev.Type))
	}
}

func (s *Server) handleFindMatch(ctx context.Context, conn *wsConn, ident *authx.Identity, mode string) {
	var (
		snap arenadto.SessionSnapshot
		err  error
	)
	switch mode {
	case string(match.ModeTrivia):
		var sess *trivia.Session
		sess, _, err = s.rounds.FindMatch(ctx, ident.UserID, ident.Name)
		if err == nil {
			snap = sess.Snapshot()
		}
	default:
		var sess *duel.Session
		sess, _, err = s.duels.FindMatch(ctx, ident.UserID, ident.Name)
		if err == nil {
			snap = sess.Snapshot()
		}
	}
	if err != nil {
		s.sendErr(ctx, conn, err)
		return
	}
	s.hub.Subscribe(snap.SessionID, ident.UserID)
	_ = conn.Send(ctx, arenadto.ServerEvent{Type: arenadto.EvSnapshot, Payload: snap})
}

func (s *Server) handleJoin(ctx context.Context, conn *wsConn, ident *authx.Identity, sessionID string) {
	var (
		snap arenadto.SessionSnapshot
		err  error
	)
	if isDuelID(sessionID) {
		var sess *duel.Session
		sess, _, err = s.duels.Join(ctx, sessionID, ident.UserID, ident.Name)
		if err == nil {
			snap = sess.Snapshot()
		}
	} else {
		var sess *trivia.Session
		sess, _, err = s.rounds.Join(ctx, sessionID, ident.UserID, ident.Name)
		if err == nil {
			snap = sess.Snapshot()
		}
	}
	if err != nil {
		s.sendErr(ctx, conn, err)
		return
	}
	s.hub.Subscribe(sessionID, ident.UserID)
	_ = conn.Send(ctx, arenadto.ServerEvent{Type: arenadto.EvSnapshot, Payload: snap})
}

func (s *Server) handleSubmitCode(conn *wsConn, ident *authx.Identity, req arenadto.SubmitCodeRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()
	res, err := s.duels.Submit(ctx, req.SessionID, ident.UserID, req.Code, req.Language)
	if err != nil {
		s.sendErr(ctx, conn, err)
		return
	}
	_ = conn.Send(ctx, arenadto.ServerEvent{Type: arenadto.EvSubmissionResult, Payload: res})
}

// relayTyping forwards a typing signal to the opponent only. Code
// content never leaves the submitter's connection.
func (s *Server) relayTyping(ctx context.Context, userID string, req arenadto.CodeUpdateRequest) {
	sess, err := s.duels.Session(ctx, req.SessionID)
	if err != nil || sess == nil {
		return
	}
	sig := arenadto.ServerEvent{Type: arenadto.EvOpponentTyping, Payload: arenadto.TypingSignal{
		SessionID: req.SessionID,
		UserID:    userID,
		Length:    len(req.Code),
	}}
	for _, p := range sess.Players {
		if p.UserID != userID {
			s.hub.NotifyUser(ctx, p.UserID, sig)
		}
	}
}

func (s *Server) sendErr(ctx context.Context, conn *wsConn, err error) {
	var de arenadto.DomainError
	if !errors.As(err, &de) {
		obslog.L().Warn("event_handler_error", zap.Error(err))
		de = arenadto.DomainError{Code: "INTERNAL", Message: "internal error"}
	}
	_ = conn.Send(ctx, arenadto.ServerEvent{Type: arenadto.EvError, Payload: arenadto.ErrorEvent{
		Code:      de.Code,
		Message:   de.Message,
		Retryable: de.Retryable,
	}})
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

func isDuelID(sessionID string) bool { return strings.HasPrefix(sessionID, "duel-") }

var _ connreg.Conn = (*wsConn)(nil)
