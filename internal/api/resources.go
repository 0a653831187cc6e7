package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/nugget/hearth/internal/approval"
	"github.com/nugget/hearth/internal/runtime"
)

// ApprovalDecision is the body of POST /v1/approvals/{id}.
type ApprovalDecision struct {
	Approved bool `json:"approved"`
}

func (s *Server) handleApprovalList(w http.ResponseWriter, r *http.Request) {
	pending := s.control.PendingApprovals()
	if pending == nil {
		pending = []approval.Request{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"approvals": pending, "count": len(pending)}, s.logger)
}

func (s *Server) handleApprovalResolve(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var d ApprovalDecision
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := s.control.ResolveApproval(id, d.Approved)
	switch {
	case errors.Is(err, approval.ErrUnknownApproval):
		s.errorResponse(w, http.StatusNotFound, "no pending approval "+id)
		return
	case err != nil:
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"id": id, "approved": d.Approved}, s.logger)
}

func (s *Server) handleMemoryStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.control.MemoryStatus(r.Context())
	if err != nil {
		s.logger.Error("memory status failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, status, s.logger)
}

// handleMemoryMigrate runs the migration synchronously; the response
// is sent once every entry has been re-embedded.
func (s *Server) handleMemoryMigrate(w http.ResponseWriter, r *http.Request) {
	report, err := s.control.Migrate(r.Context())
	switch {
	case errors.Is(err, runtime.ErrMemoryDisabled):
		s.errorResponse(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.logger.Error("memory migration failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, report, s.logger)
}

func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request) {
	type summary struct {
		ID        string `json:"id"`
		Messages  int    `json:"messages"`
		UpdatedAt string `json:"updated_at"`
	}
	convs := s.conversations.List()
	out := make([]summary, len(convs))
	for i, c := range convs {
		out[i] = summary{ID: c.ID, Messages: len(c.Messages), UpdatedAt: c.UpdatedAt.UTC().Format(time.RFC3339)}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"conversations": out, "count": len(out)}, s.logger)
}

func (s *Server) handleConversationGet(w http.ResponseWriter, r *http.Request) {
	conv := s.conversations.Get(r.PathValue("id"))
	if conv == nil {
		s.errorResponse(w, http.StatusNotFound, "conversation not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, conv, s.logger)
}

// handleConversationDelete removes the history. Delete hooks release
// the conversation's working memory and approval state.
func (s *Server) handleConversationDelete(w http.ResponseWriter, r *http.Request) {
	if !s.conversations.Delete(r.PathValue("id")) {
		s.errorResponse(w, http.StatusNotFound, "conversation not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
