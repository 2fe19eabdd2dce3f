// Package auth implements signup/login/token-authorization and the
// optional CLI device-authorization flow, adapted from the reference
// stack's api/internal/service/auth package.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fleetctl/agentplane/internal/apierr"
	"github.com/fleetctl/agentplane/internal/domain"
	"github.com/fleetctl/agentplane/internal/repository"
	"github.com/fleetctl/agentplane/pkg/crypto"
	jwtpkg "github.com/fleetctl/agentplane/pkg/jwt"
)

// Config holds the auth service's JWT and quota tunables.
type Config struct {
	JWTSecret       string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	DefaultMaxAgents int
}

// Service handles authentication workflows.
type Service struct {
	users       repository.UserRepository
	deviceCodes repository.DeviceCodeRepository
	logger      *slog.Logger
	cfg         Config
}

// New constructs a Service. deviceCodes may be nil to disable device auth.
func New(users repository.UserRepository, deviceCodes repository.DeviceCodeRepository, logger *slog.Logger, cfg Config) *Service {
	if logger != nil {
		logger = logger.With("component", "auth")
	}
	return &Service{users: users, deviceCodes: deviceCodes, logger: logger, cfg: cfg}
}

// TokenPair contains an issued access and refresh token.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
}

// Signup registers a new email/password user.
func (s *Service) Signup(ctx context.Context, email, password string) (*domain.User, TokenPair, error) {
	hash, err := crypto.HashPassword(password)
	if err != nil {
		return nil, TokenPair{}, err
	}
	user := &domain.User{
		ID:                 uuid.NewString(),
		Email:              strings.ToLower(strings.TrimSpace(email)),
		PasswordHash:       &hash,
		AuthProvider:       domain.AuthProviderEmail,
		SubscriptionStatus: domain.SubscriptionInactive,
		MaxAgents:          s.cfg.DefaultMaxAgents,
		CreatedAt:          time.Now().UTC(),
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		return nil, TokenPair{}, err
	}
	tokens, err := s.issueTokens(user.ID)
	if err != nil {
		return nil, TokenPair{}, err
	}
	if s.logger != nil {
		s.logger.Info("user registered", "user_id", user.ID)
	}
	return user, tokens, nil
}

// Login authenticates an email/password user and returns a token pair.
func (s *Service) Login(ctx context.Context, email, password string) (*domain.User, TokenPair, error) {
	user, err := s.users.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return nil, TokenPair{}, err
	}
	if user.PasswordHash == nil {
		return nil, TokenPair{}, apierr.ErrUnauthorized
	}
	if err := crypto.ComparePassword(*user.PasswordHash, password); err != nil {
		return nil, TokenPair{}, apierr.ErrUnauthorized
	}
	tokens, err := s.issueTokens(user.ID)
	if err != nil {
		return nil, TokenPair{}, err
	}
	if s.logger != nil {
		s.logger.Info("user logged in", "user_id", user.ID)
	}
	return user, tokens, nil
}

// Authorize validates a bearer token and loads the associated user.
func (s *Service) Authorize(ctx context.Context, token string) (*domain.User, *jwtpkg.Claims, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return nil, nil, apierr.ErrUnauthorized
	}
	claims, err := jwtpkg.Parse(trimmed, s.cfg.JWTSecret)
	if err != nil {
		return nil, nil, errors.Join(apierr.ErrUnauthorized, err)
	}
	user, err := s.users.GetUser(ctx, claims.UserID)
	if err != nil {
		return nil, nil, err
	}
	return user, claims, nil
}

func (s *Service) issueTokens(userID string) (TokenPair, error) {
	access, err := jwtpkg.GenerateToken(userID, s.cfg.JWTSecret, s.cfg.AccessTokenTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := jwtpkg.GenerateToken(userID, s.cfg.JWTSecret, s.cfg.RefreshTokenTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh, ExpiresIn: s.cfg.AccessTokenTTL}, nil
}
