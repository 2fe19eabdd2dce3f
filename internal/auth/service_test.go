package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fleetctl/agentplane/internal/apierr"
	"github.com/fleetctl/agentplane/internal/domain"
	"github.com/fleetctl/agentplane/internal/repository"
)

type fakeUserRepo struct {
	mu    sync.Mutex
	users map[string]*domain.User
}

func newFakeUserRepo() *fakeUserRepo { return &fakeUserRepo{users: map[string]*domain.User{}} }

func (f *fakeUserRepo) CreateUser(ctx context.Context, u *domain.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.users {
		if existing.Email == u.Email {
			return apierr.ErrConflict
		}
	}
	f.users[u.ID] = u
	return nil
}
func (f *fakeUserRepo) GetUser(ctx context.Context, id string) (*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, apierr.ErrNotFound
	}
	return u, nil
}
func (f *fakeUserRepo) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, apierr.ErrNotFound
}
func (f *fakeUserRepo) GetUserByGoogleID(ctx context.Context, id string) (*domain.User, error) {
	return nil, apierr.ErrNotFound
}
func (f *fakeUserRepo) ListUsers(ctx context.Context, filter repository.UserFilter) ([]domain.User, error) {
	return nil, nil
}
func (f *fakeUserRepo) UpdateUser(ctx context.Context, id string, upd repository.UserUpdate) error {
	return nil
}

func testConfig() Config {
	return Config{JWTSecret: "test-secret", AccessTokenTTL: 15 * time.Minute, RefreshTokenTTL: 24 * time.Hour, DefaultMaxAgents: 1}
}

func TestSignupThenLogin(t *testing.T) {
	repo := newFakeUserRepo()
	svc := New(repo, nil, nil, testConfig())

	user, tokens, err := svc.Signup(context.Background(), "Person@Example.com", "hunter22hunter22")
	if err != nil {
		t.Fatalf("Signup: %v", err)
	}
	if tokens.AccessToken == "" {
		t.Fatalf("expected access token")
	}
	if user.Email != "person@example.com" {
		t.Fatalf("email not normalized: %q", user.Email)
	}

	_, loginTokens, err := svc.Login(context.Background(), "Person@Example.com", "hunter22hunter22")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if loginTokens.AccessToken == "" {
		t.Fatalf("expected access token on login")
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	repo := newFakeUserRepo()
	svc := New(repo, nil, nil, testConfig())
	if _, _, err := svc.Signup(context.Background(), "a@example.com", "correct-password"); err != nil {
		t.Fatalf("Signup: %v", err)
	}
	_, _, err := svc.Login(context.Background(), "a@example.com", "wrong-password")
	if !errors.Is(err, apierr.ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
}

func TestAuthorizeRoundTrip(t *testing.T) {
	repo := newFakeUserRepo()
	svc := New(repo, nil, nil, testConfig())
	user, tokens, err := svc.Signup(context.Background(), "b@example.com", "password123456")
	if err != nil {
		t.Fatalf("Signup: %v", err)
	}
	got, claims, err := svc.Authorize(context.Background(), tokens.AccessToken)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if got.ID != user.ID || claims.UserID != user.ID {
		t.Fatalf("authorize returned mismatched user")
	}
}

func TestAuthorizeRejectsGarbageToken(t *testing.T) {
	svc := New(newFakeUserRepo(), nil, nil, testConfig())
	if _, _, err := svc.Authorize(context.Background(), "not-a-jwt"); !errors.Is(err, apierr.ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
}

func TestDeviceAuthDisabledWithoutRepository(t *testing.T) {
	svc := New(newFakeUserRepo(), nil, nil, testConfig())
	if _, err := svc.StartDeviceAuthorization(context.Background()); !errors.Is(err, ErrDeviceAuthDisabled) {
		t.Fatalf("err = %v, want ErrDeviceAuthDisabled", err)
	}
}
