package web

import (
	"net/http"

	"github.com/haasonsaas/threadgate/internal/dispatch"
	"github.com/haasonsaas/threadgate/pkg/models"
)

type createThreadRequest struct {
	TenantID string `json:"tenant_id"`
	Title    string `json:"title"`
}

type chatRequest struct {
	TenantID    string                 `json:"tenant_id"`
	Message     string                 `json:"message"`
	AgentID     string                 `json:"agent_id,omitempty"`
	MaxSteps    int                    `json:"max_steps,omitempty"`
	Attachments []models.AttachmentRef `json:"attachments,omitempty"`
}

type messagesResponse struct {
	Messages []*models.Message `json:"messages"`
}

type approvalsResponse struct {
	Approvals []*models.Approval `json:"approvals"`
}

func (s *Server) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req createThreadRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	thread, err := s.config.Chats.CreateThread(r.Context(), caller, req.TenantID, req.Title)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, thread)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	threadID, err := requirePath(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	result, err := s.config.Chats.StartChat(r.Context(), caller, dispatch.StartChatRequest{
		ThreadID:    threadID,
		TenantID:    req.TenantID,
		Message:     req.Message,
		AgentID:     req.AgentID,
		MaxSteps:    req.MaxSteps,
		Attachments: req.Attachments,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusAccepted
	if result.AlreadyExists {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	threadID, err := requirePath(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := intParam(r, "limit", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	msgs, err := s.config.Chats.Messages(r.Context(), caller, tenantFrom(r), threadID, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []*models.Message{}
	}
	writeJSON(w, http.StatusOK, messagesResponse{Messages: msgs})
}
