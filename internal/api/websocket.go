package api

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/nugget/hearth/internal/agent"
)

// Frame types a websocket client may send.
const (
	frameChat     = "chat"
	frameApproval = "approval"
)

// inboundFrame is one client message on /v1/ws.
type inboundFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id,omitempty"`
	Message        string `json:"message,omitempty"`
	ApprovalID     string `json:"approval_id,omitempty"`
	Approved       bool   `json:"approved,omitempty"`
}

// outboundFrame is an agent event tagged with its conversation.
type outboundFrame struct {
	ConversationID string `json:"conversation_id,omitempty"`
	agent.Event
}

// wsSession serializes writes to one connection. Turns run in their
// own goroutines so an approval frame can arrive while a turn waits.
type wsSession struct {
	conn   *websocket.Conn
	connMu sync.Mutex
	turns  sync.WaitGroup
}

func (ws *wsSession) send(frame outboundFrame) error {
	ws.connMu.Lock()
	defer ws.connMu.Unlock()
	return ws.conn.WriteJSON(frame)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ws := &wsSession{conn: conn}
	defer ws.turns.Wait()

	// Cancelled before Wait, so turns still streaming or awaiting
	// approval unblock once the client goes away.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	s.logger.Debug("websocket connected", "remote", r.RemoteAddr)

	for {
		var frame inboundFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket closed", "remote", r.RemoteAddr)
			} else {
				s.logger.Debug("websocket read failed", "remote", r.RemoteAddr, "error", err)
			}
			return
		}

		switch frame.Type {
		case frameChat:
			s.wsChat(ctx, ws, frame, r)
		case frameApproval:
			if err := s.control.ResolveApproval(frame.ApprovalID, frame.Approved); err != nil {
				ws.reportError(frame.ConversationID, "approval "+frame.ApprovalID+": "+err.Error())
			}
		default:
			ws.reportError(frame.ConversationID, "unknown frame type "+frame.Type)
		}
	}
}

func (s *Server) wsChat(ctx context.Context, ws *wsSession, frame inboundFrame, r *http.Request) {
	if strings.TrimSpace(frame.Message) == "" {
		ws.reportError(frame.ConversationID, "message is required")
		return
	}
	req := ChatRequest{Message: frame.Message, ConversationID: frame.ConversationID}
	if req.ConversationID == "" {
		req.ConversationID = defaultConversationID
	}

	ws.turns.Add(1)
	go func() {
		defer ws.turns.Done()
		_, _ = s.runTurn(r.WithContext(ctx), req, func(ev agent.Event) {
			if err := ws.send(outboundFrame{ConversationID: req.ConversationID, Event: ev}); err != nil {
				s.logger.Debug("websocket write failed", "error", err)
			}
		})
	}()
}

func (ws *wsSession) reportError(conversationID, msg string) {
	_ = ws.send(outboundFrame{
		ConversationID: conversationID,
		Event:          agent.Event{Type: agent.EventError, Error: msg},
	})
}
