package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/haasonsaas/threadgate/internal/auth"
	"github.com/haasonsaas/threadgate/internal/errdefs"
	"github.com/haasonsaas/threadgate/pkg/models"
)

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) (int, string) {
	switch errdefs.Kind(err) {
	case errdefs.ErrUnauthenticated:
		return http.StatusUnauthorized, "unauthenticated"
	case errdefs.ErrNotFound:
		return http.StatusNotFound, "not_found"
	case errdefs.ErrConflict:
		return http.StatusConflict, "conflict"
	case errdefs.ErrValidation:
		return http.StatusBadRequest, "validation"
	case errdefs.ErrExecution:
		return http.StatusBadGateway, "execution_failed"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		s.config.Metrics.RecordError("web", "internal")
		msg = "internal server error"
	}
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

func decodeJSON(r *http.Request, dst any) error {
	body := io.LimitReader(r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errdefs.Validationf("request body is required")
		}
		return errdefs.Validationf("invalid request body: %v", err)
	}
	return nil
}

func callerFrom(r *http.Request) (*models.User, error) {
	return auth.RequireCaller(r.Context())
}

// tenantFrom reads the tenant for GET routes, which carry no body.
func tenantFrom(r *http.Request) string {
	if tenant := strings.TrimSpace(r.URL.Query().Get("tenant_id")); tenant != "" {
		return tenant
	}
	return strings.TrimSpace(r.Header.Get("X-Tenant-ID"))
}

func intParam(r *http.Request, name string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, errdefs.Validationf("%s must be a non-negative integer", name)
	}
	return v, nil
}

func int64Param(r *http.Request, name string) (int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, errdefs.Validationf("%s must be a non-negative integer", name)
	}
	return v, nil
}

func requirePath(r *http.Request, name string) (string, error) {
	v := strings.TrimSpace(r.PathValue(name))
	if v == "" {
		return "", errdefs.Validationf("%s is required", name)
	}
	return v, nil
}
