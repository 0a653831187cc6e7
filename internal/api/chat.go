package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/hearth/internal/agent"
	"github.com/nugget/hearth/internal/llm"
)

const defaultConversationID = "default"

// ChatRequest is the body of POST /v1/chat.
type ChatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
	// Stream selects an SSE response. An Accept header of
	// text/event-stream selects it too.
	Stream bool `json:"stream,omitempty"`
}

// ChatResponse is the non-streaming reply to POST /v1/chat.
type ChatResponse struct {
	ConversationID string   `json:"conversation_id"`
	Response       string   `json:"response"`
	ToolCalls      []string `json:"tool_calls,omitempty"`
	Warnings       []string `json:"warnings,omitempty"`
	Error          string   `json:"error,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}
	if req.ConversationID == "" {
		req.ConversationID = defaultConversationID
	}

	if req.Stream || strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		s.streamChat(w, r, req)
		return
	}

	resp := ChatResponse{ConversationID: req.ConversationID}
	result, err := s.runTurn(r, req, func(ev agent.Event) {
		switch ev.Type {
		case agent.EventWarnings:
			resp.Warnings = append(resp.Warnings, ev.Warnings...)
		case agent.EventToolCallStart:
			resp.ToolCalls = append(resp.ToolCalls, ev.ToolCall.Name)
		}
	})
	resp.Response = result.Text
	if err != nil {
		resp.Error = err.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.WriteHeader(http.StatusBadGateway)
	}
	writeJSON(w, resp, s.logger)
}

// streamChat writes each agent event as one SSE frame named by its
// type. The stream ends after the done or error frame.
func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, req ChatRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.Header().Set("X-Conversation-ID", req.ConversationID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	rc := http.NewResponseController(w)
	_, _ = s.runTurn(r, req, func(ev agent.Event) {
		s.writeSSE(w, string(ev.Type), ev)
		flusher.Flush()
		// Approval waits and tool loops can outlast the server's write
		// timeout; push the deadline out after every event.
		if err := rc.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			s.logger.Debug("failed to reset write deadline", "error", err)
		}
	})
}

// runTurn runs one turn against the stored history. The loop reads and
// records the history while it holds the conversation.
func (s *Server) runTurn(r *http.Request, req ChatRequest, emit func(agent.Event)) (*agent.Result, error) {
	result, err := s.runner.Run(r.Context(), agent.Request{
		ConversationID: req.ConversationID,
		Messages:       []llm.Message{llm.NewText(llm.RoleUser, req.Message)},
		Transcript:     s.conversations,
	}, emit)
	if result == nil {
		result = &agent.Result{}
	}
	if err != nil {
		s.logger.Warn("chat turn failed", "conversation", req.ConversationID, "error", err)
	}
	return result, err
}

func (s *Server) writeSSE(w http.ResponseWriter, name string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Debug("failed to marshal SSE event", "error", err)
		return
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		s.logger.Debug("failed to write SSE event", "error", err)
	}
}

// handleEvents streams the operational event bus as SSE until the
// client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	if s.bus == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}

	sub := s.bus.Subscribe(64)
	defer s.bus.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	rc := http.NewResponseController(w)
	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			s.writeSSE(w, ev.Kind, ev)
		case <-keepalive.C:
			fmt.Fprintf(w, ": keepalive\n\n")
		}
		flusher.Flush()
		if err := rc.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			s.logger.Debug("failed to reset write deadline", "error", err)
		}
	}
}
