package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/sessiongate/pkg/models"
)

var (
	ErrAuthDisabled = errors.New("auth disabled")
	ErrInvalidToken = errors.New("invalid token")
	ErrInvalidKey   = errors.New("invalid api key")
	ErrMissingToken = errors.New("missing token")
)

// Config configures authentication helpers.
type Config struct {
	JWTSecret      string
	TokenExpiry    time.Duration
	APIKeys        []APIKeyConfig
	AllowAnonymous bool
}

// APIKeyConfig declares a static API key and associated identity.
type APIKeyConfig struct {
	Key    string
	UserID string
	Email  string
	Name   string
	Roles  []string
}

// Service validates JWTs and API keys. API keys can be swapped at runtime
// when the configuration file changes.
type Service struct {
	jwt            *JWTService
	allowAnonymous bool

	mu      sync.RWMutex
	apiKeys map[string]*models.User
}

// NewService constructs an auth service from static configuration.
func NewService(cfg Config) *Service {
	service := &Service{allowAnonymous: cfg.AllowAnonymous}
	if strings.TrimSpace(cfg.JWTSecret) != "" {
		service.jwt = NewJWTService(cfg.JWTSecret, cfg.TokenExpiry)
	}
	service.apiKeys = buildAPIKeyMap(cfg.APIKeys)
	return service
}

// Enabled reports whether auth checks should run.
func (s *Service) Enabled() bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.jwt != nil || len(s.apiKeys) > 0
}

// SetAPIKeys replaces the configured API keys.
func (s *Service) SetAPIKeys(keys []APIKeyConfig) {
	next := buildAPIKeyMap(keys)
	s.mu.Lock()
	s.apiKeys = next
	s.mu.Unlock()
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
// Every stored key is compared in constant time.
func (s *Service) ValidateAPIKey(key string) (*models.User, error) {
	if s == nil {
		return nil, ErrAuthDisabled
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.apiKeys) == 0 {
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

// Validate implements Validator. JWTs are tried before API keys. With no
// credentials configured every token is accepted only when anonymous access
// is allowed.
func (s *Service) Validate(_ context.Context, token string) (Result, error) {
	token = strings.TrimSpace(token)
	if !s.Enabled() {
		if s != nil && s.allowAnonymous {
			return Result{Valid: true, User: &models.User{ID: "anonymous"}}, nil
		}
		return Result{}, ErrAuthDisabled
	}
	if token == "" {
		return Result{}, ErrMissingToken
	}
	if user, err := s.ValidateJWT(token); err == nil {
		return Result{Valid: true, User: user, Metadata: map[string]any{"method": "jwt"}}, nil
	}
	if user, err := s.ValidateAPIKey(token); err == nil {
		return Result{Valid: true, User: user, Metadata: map[string]any{"method": "api_key"}}, nil
	}
	return Result{Valid: false}, nil
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
			Roles: append([]string(nil), entry.Roles...),
		}
	}
	return out
}
