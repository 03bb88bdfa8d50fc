package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/haasonsaas/threadgate/pkg/models"
)

// Claims is the token body: the caller ID travels as the subject.
type Claims struct {
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// JWTService mints and checks bearer tokens signed with a shared HMAC key.
// Only HS256 is accepted on the way in.
type JWTService struct {
	key    []byte
	ttl    time.Duration
	issuer string
}

// NewJWTService returns a service signing with key. A zero ttl issues tokens
// that never expire; an empty issuer skips the iss check.
func NewJWTService(key string, ttl time.Duration, issuer string) *JWTService {
	return &JWTService{key: []byte(key), ttl: ttl, issuer: strings.TrimSpace(issuer)}
}

func (s *JWTService) disabled() bool {
	return s == nil || len(s.key) == 0
}

// Generate signs a token for user.
func (s *JWTService) Generate(user *models.User) (string, error) {
	if s.disabled() {
		return "", ErrAuthDisabled
	}
	if user == nil || strings.TrimSpace(user.ID) == "" {
		return "", errors.New("token subject is empty")
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, s.claimsFor(user, time.Now())).SignedString(s.key)
}

func (s *JWTService) claimsFor(user *models.User, now time.Time) Claims {
	c := Claims{
		Email: strings.TrimSpace(user.Email),
		Name:  strings.TrimSpace(user.Name),
	}
	c.Subject = user.ID
	c.Issuer = s.issuer
	c.IssuedAt = jwt.NewNumericDate(now)
	if s.ttl > 0 {
		c.ExpiresAt = jwt.NewNumericDate(now.Add(s.ttl))
	}
	return c
}

// Validate checks signature, expiry and issuer and maps the claims back to
// a user. Every rejection is ErrInvalidToken.
func (s *JWTService) Validate(raw string) (*models.User, error) {
	if s.disabled() {
		return nil, ErrAuthDisabled
	}
	parser := jwt.NewParser(s.parserOptions()...)

	var claims Claims
	token, err := parser.ParseWithClaims(raw, &claims, s.signingKey)
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return nil, ErrInvalidToken
	}
	return &models.User{
		ID:    subject,
		Email: strings.TrimSpace(claims.Email),
		Name:  strings.TrimSpace(claims.Name),
	}, nil
}

func (s *JWTService) parserOptions() []jwt.ParserOption {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	return opts
}

func (s *JWTService) signingKey(t *jwt.Token) (any, error) {
	if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("alg %v is not HMAC", t.Header["alg"])
	}
	return s.key, nil
}
