// Package auth guards the HTTP surface with bearer credentials, either
// static tokens or HS256 JWTs. With neither configured the middleware
// passes every request through untouched.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

var (
	ErrAuthDisabled = errors.New("auth disabled")
	ErrInvalidToken = errors.New("invalid token")
	ErrInvalidKey   = errors.New("invalid api key")
)

// Identity is the authenticated caller attached to request contexts.
// Subject becomes the requester id on tasks the caller submits.
type Identity struct {
	Subject string
	Name    string
}

// Config configures authentication.
type Config struct {
	// JWTSecret enables HS256 bearer tokens when non-empty.
	JWTSecret string
	// TokenExpiry bounds tokens issued by Issue. Zero or negative
	// issues tokens without an expiry.
	TokenExpiry time.Duration
	// Tokens are static credentials accepted as-is.
	Tokens []TokenConfig
}

// TokenConfig declares a static token and the identity it maps to.
type TokenConfig struct {
	Token   string
	Subject string
	Name    string
}

// Service validates bearer credentials.
type Service struct {
	jwt    *JWTService
	tokens map[string]*Identity
}

// NewService constructs an auth service from static configuration.
func NewService(config Config) *Service {
	service := &Service{tokens: buildTokenMap(config.Tokens)}
	if strings.TrimSpace(config.JWTSecret) != "" {
		service.jwt = NewJWTService(config.JWTSecret, config.TokenExpiry)
	}
	return service
}

// Enabled reports whether auth checks should run.
func (s *Service) Enabled() bool {
	return s != nil && (s.jwt != nil || len(s.tokens) > 0)
}

// Issue signs a JWT for the given identity.
func (s *Service) Issue(identity *Identity) (string, error) {
	if s == nil || s.jwt == nil {
		return "", ErrAuthDisabled
	}
	return s.jwt.Generate(identity)
}

// Authenticate resolves a bearer credential, static tokens first.
func (s *Service) Authenticate(credential string) (*Identity, error) {
	if !s.Enabled() {
		return nil, ErrAuthDisabled
	}
	if identity, err := s.ValidateToken(credential); err == nil {
		return identity, nil
	}
	if s.jwt != nil {
		return s.jwt.Validate(credential)
	}
	return nil, ErrInvalidToken
}

// ValidateToken matches a static token and returns its identity.
// Uses constant-time comparison to prevent timing attacks.
func (s *Service) ValidateToken(token string) (*Identity, error) {
	if s == nil || len(s.tokens) == 0 {
		return nil, ErrAuthDisabled
	}
	input := strings.TrimSpace(token)
	var matched *Identity
	for stored, identity := range s.tokens {
		if subtle.ConstantTimeCompare([]byte(input), []byte(stored)) == 1 {
			matched = identity
		}
	}
	if matched == nil {
		return nil, ErrInvalidKey
	}
	return matched, nil
}

// ValidateJWT validates a signed token and returns the identity in it.
func (s *Service) ValidateJWT(token string) (*Identity, error) {
	if s == nil || s.jwt == nil {
		return nil, ErrAuthDisabled
	}
	return s.jwt.Validate(token)
}

func buildTokenMap(tokens []TokenConfig) map[string]*Identity {
	out := map[string]*Identity{}
	for _, entry := range tokens {
		token := strings.TrimSpace(entry.Token)
		if token == "" {
			continue
		}
		subject := strings.TrimSpace(entry.Subject)
		if subject == "" {
			sum := sha256.Sum256([]byte(token))
			subject = "api_" + hex.EncodeToString(sum[:8])
		}
		out[token] = &Identity{
			Subject: subject,
			Name:    strings.TrimSpace(entry.Name),
		}
	}
	return out
}
