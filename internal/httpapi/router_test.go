package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/fleetctl/agentplane/internal/apierr"
	"github.com/fleetctl/agentplane/internal/auth"
	"github.com/fleetctl/agentplane/internal/domain"
	"github.com/fleetctl/agentplane/internal/repository"
	"github.com/fleetctl/agentplane/internal/ws"
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
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return apierr.ErrNotFound
	}
	if upd.SubscriptionStatus != nil {
		u.SubscriptionStatus = *upd.SubscriptionStatus
	}
	if upd.Tier != nil {
		u.Tier = upd.Tier
	}
	if upd.SubscriptionExpiresAt != nil {
		u.SubscriptionExpiresAt = upd.SubscriptionExpiresAt
	}
	if upd.ExpiryReminderSent != nil {
		u.ExpiryReminderSent = *upd.ExpiryReminderSent
	}
	if upd.MaxAgents != nil {
		u.MaxAgents = *upd.MaxAgents
	}
	return nil
}

type fakeDeployRepo struct {
	mu   sync.Mutex
	deps map[string]*domain.Deployment
}

func newFakeDeployRepo() *fakeDeployRepo { return &fakeDeployRepo{deps: map[string]*domain.Deployment{}} }

func (f *fakeDeployRepo) CreateDeployment(ctx context.Context, d *domain.Deployment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deps[d.ID] = d
	return nil
}
func (f *fakeDeployRepo) GetDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.deps[id]
	if !ok {
		return nil, apierr.ErrNotFound
	}
	cp := *d
	return &cp, nil
}
func (f *fakeDeployRepo) GetDeploymentBySubdomain(ctx context.Context, sub string) (*domain.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.deps {
		if d.Subdomain == sub {
			cp := *d
			return &cp, nil
		}
	}
	return nil, apierr.ErrNotFound
}
func (f *fakeDeployRepo) ListDeployments(ctx context.Context, filter repository.DeploymentFilter) ([]domain.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Deployment
	for _, d := range f.deps {
		if filter.UserID != "" && d.UserID != filter.UserID {
			continue
		}
		out = append(out, *d)
	}
	return out, nil
}
func (f *fakeDeployRepo) CountDeployments(ctx context.Context, filter repository.DeploymentFilter) (int, error) {
	out, err := f.ListDeployments(ctx, filter)
	return len(out), err
}
func (f *fakeDeployRepo) UpdateDeployment(ctx context.Context, id string, upd repository.DeploymentUpdate) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.deps[id]
	if !ok {
		return false, apierr.ErrNotFound
	}
	if upd.Status != nil {
		d.Status = *upd.Status
	}
	return true, nil
}
func (f *fakeDeployRepo) DeleteDeployment(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.deps[id]; !ok {
		return apierr.ErrNotFound
	}
	delete(f.deps, id)
	return nil
}

func testRouter(t *testing.T, users *fakeUserRepo, deploys *fakeDeployRepo) *Router {
	t.Helper()
	authSvc := auth.New(users, nil, nil, auth.Config{
		JWTSecret: "test-secret", AccessTokenTTL: 15 * time.Minute, RefreshTokenTTL: 24 * time.Hour, DefaultMaxAgents: 2,
	})
	return New(nil, authSvc, deploys, users, nil, nil, ws.NewHub(), nil, Config{
		MaxDeployments: 100, WebhookSecret: "whsec",
	}, nil)
}

func signupAndToken(t *testing.T, rt *Router, email, password string) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"Email": email, "Password": password})
	req := httptest.NewRequest(http.MethodPost, "/api/auth/signup", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("signup status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var env struct {
		Data struct {
			AccessToken string `json:"accessToken"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode signup response: %v", err)
	}
	return env.Data.AccessToken
}

func TestSignupLoginAndMe(t *testing.T) {
	rt := testRouter(t, newFakeUserRepo(), newFakeDeployRepo())
	token := signupAndToken(t, rt, "a@example.com", "password1234")

	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("me status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var env struct {
		Data struct {
			Email string `json:"email"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode me response: %v", err)
	}
	if env.Data.Email != "a@example.com" {
		t.Fatalf("email = %q", env.Data.Email)
	}
}

func TestMeRejectsMissingToken(t *testing.T) {
	rt := testRouter(t, newFakeUserRepo(), newFakeDeployRepo())
	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestCreateDeploymentRespectsPerUserQuota(t *testing.T) {
	users := newFakeUserRepo()
	deploys := newFakeDeployRepo()
	rt := testRouter(t, users, deploys)
	token := signupAndToken(t, rt, "b@example.com", "password1234")

	create := func() *httptest.ResponseRecorder {
		body, _ := json.Marshal(map[string]string{"Subdomain": "agent-x", "Model": "gpt"})
		req := httptest.NewRequest(http.MethodPost, "/api/deployments", bytes.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		rt.ServeHTTP(rec, req)
		return rec
	}

	first := create()
	if first.Code != http.StatusCreated {
		t.Fatalf("first create status = %d, body = %s", first.Code, first.Body.String())
	}
	second := create()
	if second.Code != http.StatusCreated {
		t.Fatalf("second create status = %d, body = %s", second.Code, second.Body.String())
	}
	third := create()
	if third.Code != http.StatusForbidden {
		t.Fatalf("third create status = %d, want 403 (quota of 2 exceeded)", third.Code)
	}
}

func TestPaymentWebhookRequiresValidSignature(t *testing.T) {
	users := newFakeUserRepo()
	rt := testRouter(t, users, newFakeDeployRepo())
	if err := users.CreateUser(context.Background(), &domain.User{ID: "u1", Email: "c@example.com", SubscriptionStatus: domain.SubscriptionInactive}); err != nil {
		t.Fatalf("seed user: %v", err)
	}

	payload, _ := json.Marshal(map[string]string{"UserID": "u1", "Status": "active", "Tier": "starter"})

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/payment", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unsigned webhook status = %d, want 401", rec.Code)
	}

	mac := hmac.New(sha256.New, []byte("whsec"))
	mac.Write(payload)
	sig := hex.EncodeToString(mac.Sum(nil))

	req2 := httptest.NewRequest(http.MethodPost, "/api/webhooks/payment", bytes.NewReader(payload))
	req2.Header.Set("X-Webhook-Signature", sig)
	rec2 := httptest.NewRecorder()
	rt.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Fatalf("signed webhook status = %d, body = %s", rec2.Code, rec2.Body.String())
	}

	user, err := users.GetUser(context.Background(), "u1")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if user.SubscriptionStatus != domain.SubscriptionActive {
		t.Fatalf("subscription status = %q, want active", user.SubscriptionStatus)
	}
}

func TestUnknownDeploymentReturnsNotFound(t *testing.T) {
	rt := testRouter(t, newFakeUserRepo(), newFakeDeployRepo())
	token := signupAndToken(t, rt, "d@example.com", "password1234")
	req := httptest.NewRequest(http.MethodGet, "/api/deployments/does-not-exist", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
