package reaper

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/fleetctl/agentplane/internal/apierr"
	"github.com/fleetctl/agentplane/internal/domain"
	"github.com/fleetctl/agentplane/internal/repository"
	"github.com/fleetctl/agentplane/internal/runtime"
)

type fakeDeployRepo struct {
	mu          sync.Mutex
	deployments map[string]*domain.Deployment
}

func (f *fakeDeployRepo) CreateDeployment(ctx context.Context, d *domain.Deployment) error { return nil }
func (f *fakeDeployRepo) GetDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.deployments[id]
	if !ok {
		return nil, apierr.ErrNotFound
	}
	cp := *d
	return &cp, nil
}
func (f *fakeDeployRepo) GetDeploymentBySubdomain(ctx context.Context, sub string) (*domain.Deployment, error) {
	return nil, apierr.ErrNotFound
}
func (f *fakeDeployRepo) ListDeployments(ctx context.Context, filter repository.DeploymentFilter) ([]domain.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	want := map[domain.DeploymentStatus]bool{}
	for _, s := range filter.Statuses {
		want[s] = true
	}
	var out []domain.Deployment
	for _, d := range f.deployments {
		if filter.UserID != "" && d.UserID != filter.UserID {
			continue
		}
		if len(want) > 0 && !want[d.Status] {
			continue
		}
		out = append(out, *d)
	}
	return out, nil
}
func (f *fakeDeployRepo) CountDeployments(ctx context.Context, filter repository.DeploymentFilter) (int, error) {
	return 0, nil
}
func (f *fakeDeployRepo) UpdateDeployment(ctx context.Context, id string, upd repository.DeploymentUpdate) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.deployments[id]
	if !ok {
		return false, apierr.ErrNotFound
	}
	if upd.ExpectedStatus != nil && d.Status != *upd.ExpectedStatus {
		return false, nil
	}
	if upd.Status != nil {
		d.Status = *upd.Status
	}
	if upd.ErrorMessage != nil {
		d.ErrorMessage = upd.ErrorMessage
	}
	if upd.UnsetContainerID {
		d.ContainerID = nil
	}
	if upd.UnsetInternalPort {
		d.InternalPort = nil
	}
	return true, nil
}
func (f *fakeDeployRepo) DeleteDeployment(ctx context.Context, id string) error { return nil }

type fakeUserRepo struct {
	mu    sync.Mutex
	users map[string]*domain.User
}

func (f *fakeUserRepo) CreateUser(ctx context.Context, u *domain.User) error { return nil }
func (f *fakeUserRepo) GetUser(ctx context.Context, id string) (*domain.User, error) {
	return nil, apierr.ErrNotFound
}
func (f *fakeUserRepo) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	return nil, apierr.ErrNotFound
}
func (f *fakeUserRepo) GetUserByGoogleID(ctx context.Context, id string) (*domain.User, error) {
	return nil, apierr.ErrNotFound
}
func (f *fakeUserRepo) ListUsers(ctx context.Context, filter repository.UserFilter) ([]domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.User
	for _, u := range f.users {
		if filter.SubscriptionStatus != nil && u.SubscriptionStatus != *filter.SubscriptionStatus {
			continue
		}
		if filter.ExpiringBefore != nil && (u.SubscriptionExpiresAt == nil || !u.SubscriptionExpiresAt.Before(*filter.ExpiringBefore) && !u.SubscriptionExpiresAt.Equal(*filter.ExpiringBefore)) {
			continue
		}
		if filter.ExpiringAfter != nil && (u.SubscriptionExpiresAt == nil || !u.SubscriptionExpiresAt.After(*filter.ExpiringAfter)) {
			continue
		}
		if filter.ReminderSent != nil && u.ExpiryReminderSent != *filter.ReminderSent {
			continue
		}
		out = append(out, *u)
	}
	return out, nil
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
	if upd.MaxAgents != nil {
		u.MaxAgents = *upd.MaxAgents
	}
	if upd.ExpiryReminderSent != nil {
		u.ExpiryReminderSent = *upd.ExpiryReminderSent
	}
	return nil
}

type fakeRuntime struct {
	containers []runtime.Container
}

func (r *fakeRuntime) ListContainers(ctx context.Context, all bool) ([]runtime.Container, error) {
	return r.containers, nil
}
func (r *fakeRuntime) ImageExists(ctx context.Context, ref string) (bool, error) { return true, nil }
func (r *fakeRuntime) PullImage(ctx context.Context, ref string) error           { return nil }
func (r *fakeRuntime) CreateContainer(ctx context.Context, spec runtime.CreateSpec) (string, error) {
	return "", nil
}
func (r *fakeRuntime) StartContainer(ctx context.Context, id string) error { return nil }
func (r *fakeRuntime) StopContainer(ctx context.Context, id string, grace int) error {
	return nil
}
func (r *fakeRuntime) RestartContainer(ctx context.Context, id string, grace int) error {
	return nil
}
func (r *fakeRuntime) RemoveContainer(ctx context.Context, id string, force bool) error { return nil }
func (r *fakeRuntime) InspectContainer(ctx context.Context, id string) (*runtime.Container, error) {
	return nil, runtime.ErrNotFound
}
func (r *fakeRuntime) ContainerLogs(ctx context.Context, id string, opts runtime.LogOptions) (io.ReadCloser, error) {
	return io.NopCloser(nil), nil
}

type fakeMailer struct {
	mu        sync.Mutex
	expired   []string
	reminders []string
}

func (m *fakeMailer) SendExpiredNotification(ctx context.Context, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expired = append(m.expired, to)
	return nil
}
func (m *fakeMailer) SendReminder(ctx context.Context, to string, daysLeft int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reminders = append(m.reminders, to)
	return nil
}

func silentLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestReconcileZombiesMarksMissingContainerError(t *testing.T) {
	containerID := "agentplane-dep-1"
	repo := &fakeDeployRepo{deployments: map[string]*domain.Deployment{
		"dep-1": {ID: "dep-1", Status: domain.StatusHealthy, ContainerID: &containerID},
	}}
	rt := &fakeRuntime{} // empty: no containers are live
	r := New(repo, &fakeUserRepo{users: map[string]*domain.User{}}, rt, &fakeMailer{}, Config{ContainerPrefix: "agentplane"}, silentLogger())

	r.reconcileZombies(context.Background())

	d := repo.deployments["dep-1"]
	if d.Status != domain.StatusError {
		t.Fatalf("status = %s, want error", d.Status)
	}
	if d.ContainerID != nil {
		t.Fatalf("expected container id cleared")
	}
}

func TestReconcileZombiesLeavesLiveContainerAlone(t *testing.T) {
	containerID := "agentplane-dep-1"
	repo := &fakeDeployRepo{deployments: map[string]*domain.Deployment{
		"dep-1": {ID: "dep-1", Status: domain.StatusHealthy, ContainerID: &containerID},
	}}
	rt := &fakeRuntime{containers: []runtime.Container{{ID: containerID, Names: []string{"/agentplane-dep-1"}}}}
	r := New(repo, &fakeUserRepo{users: map[string]*domain.User{}}, rt, &fakeMailer{}, Config{ContainerPrefix: "agentplane"}, silentLogger())

	r.reconcileZombies(context.Background())

	if repo.deployments["dep-1"].Status != domain.StatusHealthy {
		t.Fatalf("status = %s, want unchanged healthy", repo.deployments["dep-1"].Status)
	}
}

func TestHibernateIdleStopsStaleDeployment(t *testing.T) {
	containerID := "agentplane-dep-1"
	stale := time.Now().Add(-2 * time.Hour)
	repo := &fakeDeployRepo{deployments: map[string]*domain.Deployment{
		"dep-1": {ID: "dep-1", Status: domain.StatusHealthy, ContainerID: &containerID, LastRequestAt: &stale},
	}}
	r := New(repo, &fakeUserRepo{users: map[string]*domain.User{}}, &fakeRuntime{}, &fakeMailer{}, Config{IdleTimeout: time.Hour, ContainerPrefix: "agentplane"}, silentLogger())

	r.hibernateIdle(context.Background())

	d := repo.deployments["dep-1"]
	if d.Status != domain.StatusStopped {
		t.Fatalf("status = %s, want stopped", d.Status)
	}
	if d.ContainerID != nil || d.InternalPort != nil {
		t.Fatalf("expected container/port cleared")
	}
}

func TestExpireSubscriptionsStopsUserDeployments(t *testing.T) {
	containerID := "agentplane-dep-1"
	past := time.Now().Add(-time.Hour)
	userRepo := &fakeUserRepo{users: map[string]*domain.User{
		"user-1": {ID: "user-1", Email: "a@example.com", SubscriptionStatus: domain.SubscriptionActive, SubscriptionExpiresAt: &past},
	}}
	repo := &fakeDeployRepo{deployments: map[string]*domain.Deployment{
		"dep-1": {ID: "dep-1", UserID: "user-1", Status: domain.StatusHealthy, ContainerID: &containerID},
	}}
	mailer := &fakeMailer{}
	r := New(repo, userRepo, &fakeRuntime{}, mailer, Config{ContainerPrefix: "agentplane"}, silentLogger())

	r.expireSubscriptions(context.Background())

	if userRepo.users["user-1"].SubscriptionStatus != domain.SubscriptionExpired {
		t.Fatalf("user subscription status not expired")
	}
	if userRepo.users["user-1"].MaxAgents != 0 {
		t.Fatalf("maxAgents not reset to 0")
	}
	if len(mailer.expired) != 1 {
		t.Fatalf("expected one expired-notification email, got %d", len(mailer.expired))
	}
	d := repo.deployments["dep-1"]
	if d.Status != domain.StatusStopped {
		t.Fatalf("deployment status = %s, want stopped", d.Status)
	}
}

func TestSendRemindersMarksReminderSent(t *testing.T) {
	soon := time.Now().Add(2 * 24 * time.Hour)
	userRepo := &fakeUserRepo{users: map[string]*domain.User{
		"user-1": {ID: "user-1", Email: "a@example.com", SubscriptionStatus: domain.SubscriptionActive, SubscriptionExpiresAt: &soon},
	}}
	mailer := &fakeMailer{}
	r := New(&fakeDeployRepo{deployments: map[string]*domain.Deployment{}}, userRepo, &fakeRuntime{}, mailer, Config{ContainerPrefix: "agentplane", ReminderWindow: 7 * 24 * time.Hour}, silentLogger())

	r.sendReminders(context.Background())

	if len(mailer.reminders) != 1 {
		t.Fatalf("expected one reminder email, got %d", len(mailer.reminders))
	}
	if !userRepo.users["user-1"].ExpiryReminderSent {
		t.Fatalf("expected ExpiryReminderSent to be set")
	}
}
