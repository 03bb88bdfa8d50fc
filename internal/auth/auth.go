// Package auth resolves the caller identity of API requests from bearer JWTs
// or static API keys, and answers tenant membership questions.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/haasonsaas/threadgate/internal/errdefs"
	"github.com/haasonsaas/threadgate/pkg/models"
)

var (
	ErrAuthDisabled  = errors.New("auth disabled")
	ErrInvalidToken  = errdefs.Unauthenticatedf("invalid token")
	ErrInvalidKey    = errdefs.Unauthenticatedf("invalid api key")
	ErrNoCredentials = errdefs.Unauthenticatedf("missing credentials")
)

// Config configures authentication.
type Config struct {
	JWTSecret   string
	Issuer      string
	TokenExpiry time.Duration
	APIKeys     []APIKeyConfig

	// AnonymousUserID is attached to every request when neither a JWT
	// secret nor API keys are configured. Intended for local development.
	AnonymousUserID string
}

// APIKeyConfig declares a static API key and associated identity.
type APIKeyConfig struct {
	Key    string `yaml:"key"`
	UserID string `yaml:"user_id"`
	Email  string `yaml:"email"`
	Name   string `yaml:"name"`
}

// Service validates JWTs and API keys.
type Service struct {
	jwt       *JWTService
	apiKeys   map[string]*models.User
	anonymous *models.User
}

// NewService constructs an auth service from static configuration.
func NewService(cfg Config) *Service {
	service := &Service{}
	if strings.TrimSpace(cfg.JWTSecret) != "" {
		service.jwt = NewJWTService(cfg.JWTSecret, cfg.TokenExpiry, cfg.Issuer)
	}
	service.apiKeys = buildAPIKeyMap(cfg.APIKeys)
	if id := strings.TrimSpace(cfg.AnonymousUserID); id != "" {
		service.anonymous = &models.User{ID: id, Name: "anonymous"}
	}
	return service
}

// Enabled reports whether credentials are checked.
func (s *Service) Enabled() bool {
	return s != nil && (s.jwt != nil || len(s.apiKeys) > 0)
}

// GenerateJWT issues a signed token for the given user.
func (s *Service) GenerateJWT(user *models.User) (string, error) {
	if s == nil || s.jwt == nil {
		return "", ErrAuthDisabled
	}
	return s.jwt.Generate(user)
}

// ValidateJWT validates a JWT and returns the associated user.
func (s *Service) ValidateJWT(token string) (*models.User, error) {
	if s == nil || s.jwt == nil {
		return nil, ErrAuthDisabled
	}
	return s.jwt.Validate(token)
}

// ValidateAPIKey validates an API key and returns the associated user.
// Every configured key is compared in constant time.
func (s *Service) ValidateAPIKey(key string) (*models.User, error) {
	if s == nil || len(s.apiKeys) == 0 {
		return nil, ErrAuthDisabled
	}
	inputKey := strings.TrimSpace(key)
	var matchedUser *models.User
	for storedKey, user := range s.apiKeys {
		if subtle.ConstantTimeCompare([]byte(inputKey), []byte(storedKey)) == 1 {
			matchedUser = user
		}
	}
	if matchedUser == nil {
		return nil, ErrInvalidKey
	}
	return matchedUser, nil
}

// Authenticate resolves the caller of r. Credentials are tried in order:
// bearer token, X-API-Key header, then the token query parameter used by
// browser WebSocket clients.
func (s *Service) Authenticate(r *http.Request) (*models.User, error) {
	if !s.Enabled() {
		if s != nil && s.anonymous != nil {
			user := *s.anonymous
			return &user, nil
		}
		return nil, ErrNoCredentials
	}

	if token := extractBearer(r); token != "" {
		if s.jwt == nil {
			return nil, ErrInvalidToken
		}
		return s.jwt.Validate(token)
	}
	if key := extractAPIKey(r); key != "" {
		if len(s.apiKeys) == 0 {
			return nil, ErrInvalidKey
		}
		return s.ValidateAPIKey(key)
	}
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" && s.jwt != nil {
		return s.jwt.Validate(token)
	}
	return nil, ErrNoCredentials
}

func extractBearer(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) > len("bearer ") && strings.EqualFold(header[:len("bearer ")], "bearer ") {
		return strings.TrimSpace(header[len("bearer "):])
	}
	return ""
}

func extractAPIKey(r *http.Request) string {
	for _, name := range []string{"X-API-Key", "Api-Key"} {
		if value := strings.TrimSpace(r.Header.Get(name)); value != "" {
			return value
		}
	}
	return ""
}

func buildAPIKeyMap(keys []APIKeyConfig) map[string]*models.User {
	out := map[string]*models.User{}
	for _, entry := range keys {
		key := strings.TrimSpace(entry.Key)
		if key == "" {
			continue
		}
		userID := strings.TrimSpace(entry.UserID)
		if userID == "" {
			sum := sha256.Sum256([]byte(key))
			userID = "api_" + hex.EncodeToString(sum[:8])
		}
		out[key] = &models.User{
			ID:    userID,
			Email: strings.TrimSpace(entry.Email),
			Name:  strings.TrimSpace(entry.Name),
		}
	}
	return out
}
