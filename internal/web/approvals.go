package web

import (
	"errors"
	"net/http"
	"strings"

	"github.com/haasonsaas/threadgate/internal/approvals"
	"github.com/haasonsaas/threadgate/internal/errdefs"
	"github.com/haasonsaas/threadgate/pkg/models"
)

type decisionRequest struct {
	Decision models.ApprovalStatus `json:"decision"`
	Comments string                `json:"comments,omitempty"`
}

type responseRequest struct {
	Response *models.ResponseValue `json:"response"`
}

func (s *Server) handleThreadApprovals(w http.ResponseWriter, r *http.Request) {
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
	q := r.URL.Query()
	opts := approvals.ListOptions{
		ResourceType: models.ResourceType(strings.TrimSpace(q.Get("resource_type"))),
		Status:       models.ApprovalStatus(strings.TrimSpace(q.Get("status"))),
		Limit:        limit,
	}
	list, err := s.config.Approvals.ListForThread(r.Context(), caller, tenantFrom(r), threadID, opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*models.Approval{}
	}
	writeJSON(w, http.StatusOK, approvalsResponse{Approvals: list})
}

func (s *Server) handleCreateApproval(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req models.ApprovalRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	approval, err := s.config.Approvals.CreateForCaller(r.Context(), caller, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, approval)
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := requirePath(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	approval, err := s.config.Approvals.Get(r.Context(), caller, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, approval)
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := requirePath(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req decisionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	approval, err := s.config.Approvals.Decide(r.Context(), caller, id, req.Decision, req.Comments)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, approval)
}

func (s *Server) handleResponse(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := requirePath(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req responseRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Response == nil {
		s.writeError(w, r, errdefs.Validationf("response is required"))
		return
	}
	result, err := s.config.Approvals.Respond(r.Context(), caller, id, *req.Response)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleExecute returns the recorded approval even when the side effect
// failed, with 502 so clients can tell the attempt happened.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := requirePath(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	approval, err := s.config.Approvals.Execute(r.Context(), caller, id)
	if err != nil {
		if approval != nil && errors.Is(err, errdefs.ErrExecution) {
			writeJSON(w, http.StatusBadGateway, approval)
			return
		}
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, approval)
}
