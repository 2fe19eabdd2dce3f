// Package reaper runs periodic reconciliation passes on a ticker loop with
// a re-entrance guard: zombie container reconcile, idle hibernation,
// subscription expiry, and reminder delivery.
package reaper

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fleetctl/agentplane/internal/domain"
	"github.com/fleetctl/agentplane/internal/mail"
	"github.com/fleetctl/agentplane/internal/repository"
	"github.com/fleetctl/agentplane/internal/runtime"
)

const (
	tickInterval      = 2 * time.Minute
	zombieListTimeout = 10 * time.Second
	hibernatePause    = 200 * time.Millisecond
)

// Config holds the Reaper's tunables.
type Config struct {
	IdleTimeout     time.Duration
	ReminderWindow  time.Duration
	ContainerPrefix string
}

// Reaper runs the four reconciliation passes on a ticker.
type Reaper struct {
	deployments repository.DeploymentRepository
	users       repository.UserRepository
	runtime     runtime.Adapter
	mailer      mail.Mailer
	cfg         Config
	logger      *slog.Logger
	now         func() time.Time

	running atomic.Bool
}

// New constructs a Reaper.
func New(deployments repository.DeploymentRepository, users repository.UserRepository, rt runtime.Adapter, mailer mail.Mailer, cfg Config, logger *slog.Logger) *Reaper {
	if logger != nil {
		logger = logger.With("component", "reaper")
	}
	return &Reaper{deployments: deployments, users: users, runtime: rt, mailer: mailer, cfg: cfg, logger: logger, now: time.Now}
}

// Run blocks, executing a reconciliation pass every tickInterval until ctx
// is cancelled. A re-entrance flag skips a tick if the previous one is
// still running (a slow zombie-list call, say).
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	if r.logger != nil {
		r.logger.Info("reaper started", "interval", tickInterval)
	}
	for {
		select {
		case <-ctx.Done():
			if r.logger != nil {
				r.logger.Info("reaper stopped")
			}
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Reaper) tick(ctx context.Context) {
	if !r.running.CompareAndSwap(false, true) {
		if r.logger != nil {
			r.logger.Warn("previous reaper run still in flight, skipping tick")
		}
		return
	}
	defer r.running.Store(false)

	r.reconcileZombies(ctx)
	r.hibernateIdle(ctx)
	r.expireSubscriptions(ctx)
	r.sendReminders(ctx)
}

func (r *Reaper) isManaged(c runtime.Container) bool {
	for _, name := range c.Names {
		if strings.Contains(name, r.cfg.ContainerPrefix) {
			return true
		}
	}
	return false
}

// reconcileZombies marks deployments whose container has died unexpectedly
// (the runtime no longer reports a live container for it) as errored.
func (r *Reaper) reconcileZombies(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, zombieListTimeout)
	defer cancel()

	containers, err := r.runtime.ListContainers(ctx, true)
	if err != nil {
		if r.logger != nil {
			r.logger.Warn("zombie reconcile: failed to list containers", "error", err)
		}
		return
	}
	live := make(map[string]bool, len(containers))
	for _, c := range containers {
		if r.isManaged(c) {
			live[c.ID] = true
		}
	}

	deployments, err := r.deployments.ListDeployments(ctx, repository.DeploymentFilter{
		Statuses: []domain.DeploymentStatus{domain.StatusHealthy, domain.StatusStarting},
	})
	if err != nil {
		if r.logger != nil {
			r.logger.Warn("zombie reconcile: failed to list deployments", "error", err)
		}
		return
	}
	for _, d := range deployments {
		if d.ContainerID != nil && live[*d.ContainerID] {
			continue
		}
		expected := d.Status
		status := domain.StatusError
		msg := "Container died unexpectedly"
		_, err := r.deployments.UpdateDeployment(ctx, d.ID, repository.DeploymentUpdate{
			ExpectedStatus:    &expected,
			Status:            &status,
			ErrorMessage:      &msg,
			UnsetContainerID:  true,
			UnsetInternalPort: true,
		})
		if err != nil && r.logger != nil {
			r.logger.Warn("zombie reconcile: failed to mark deployment error", "deployment_id", d.ID, "error", err)
		}
	}
}

// hibernateIdle stops and removes the containers of deployments that have
// had no request past the configured idle timeout.
func (r *Reaper) hibernateIdle(parent context.Context) {
	deployments, err := r.deployments.ListDeployments(parent, repository.DeploymentFilter{
		Statuses: []domain.DeploymentStatus{domain.StatusHealthy},
	})
	if err != nil {
		if r.logger != nil {
			r.logger.Warn("hibernate idle: failed to list deployments", "error", err)
		}
		return
	}
	cutoff := r.now().Add(-r.cfg.IdleTimeout)
	for _, d := range deployments {
		if d.LastRequestAt != nil && d.LastRequestAt.After(cutoff) {
			continue
		}
		r.hibernateOne(parent, d)
		time.Sleep(hibernatePause)
	}
}

func (r *Reaper) hibernateOne(ctx context.Context, d domain.Deployment) {
	if d.ContainerID != nil {
		if err := r.runtime.StopContainer(ctx, *d.ContainerID, 30); err != nil && r.logger != nil {
			r.logger.Warn("hibernate idle: stop failed, continuing", "deployment_id", d.ID, "error", err)
		}
		if err := r.runtime.RemoveContainer(ctx, *d.ContainerID, true); err != nil && r.logger != nil {
			r.logger.Warn("hibernate idle: remove failed, continuing", "deployment_id", d.ID, "error", err)
		}
	}
	expected := d.Status
	status := domain.StatusStopped
	_, err := r.deployments.UpdateDeployment(ctx, d.ID, repository.DeploymentUpdate{
		ExpectedStatus:    &expected,
		Status:            &status,
		UnsetContainerID:  true,
		UnsetInternalPort: true,
	})
	if err != nil && r.logger != nil {
		r.logger.Warn("hibernate idle: failed to mark stopped", "deployment_id", d.ID, "error", err)
	}
}

// expireSubscriptions downgrades users whose subscription has lapsed,
// notifies them, and stops their running deployments.
func (r *Reaper) expireSubscriptions(ctx context.Context) {
	active := domain.SubscriptionActive
	now := r.now()
	users, err := r.users.ListUsers(ctx, repository.UserFilter{SubscriptionStatus: &active, ExpiringBefore: &now})
	if err != nil {
		if r.logger != nil {
			r.logger.Warn("expire subscriptions: failed to list users", "error", err)
		}
		return
	}
	for _, u := range users {
		expired := domain.SubscriptionExpired
		zero := 0
		if err := r.users.UpdateUser(ctx, u.ID, repository.UserUpdate{SubscriptionStatus: &expired, MaxAgents: &zero}); err != nil {
			if r.logger != nil {
				r.logger.Warn("expire subscriptions: failed to update user", "user_id", u.ID, "error", err)
			}
			continue
		}
		if err := r.mailer.SendExpiredNotification(ctx, u.Email); err != nil && r.logger != nil {
			r.logger.Warn("expire subscriptions: failed to send notification", "user_id", u.ID, "error", err)
		}

		deployments, err := r.deployments.ListDeployments(ctx, repository.DeploymentFilter{
			UserID:   u.ID,
			Statuses: []domain.DeploymentStatus{domain.StatusHealthy, domain.StatusStarting, domain.StatusProvisioning},
		})
		if err != nil {
			if r.logger != nil {
				r.logger.Warn("expire subscriptions: failed to list user deployments", "user_id", u.ID, "error", err)
			}
			continue
		}
		for _, d := range deployments {
			if d.ContainerID != nil {
				_ = r.runtime.StopContainer(ctx, *d.ContainerID, 30)
				_ = r.runtime.RemoveContainer(ctx, *d.ContainerID, true)
			}
			expectedStatus := d.Status
			stopped := domain.StatusStopped
			msg := "Subscription expired"
			_, err := r.deployments.UpdateDeployment(ctx, d.ID, repository.DeploymentUpdate{
				ExpectedStatus:    &expectedStatus,
				Status:            &stopped,
				ErrorMessage:      &msg,
				UnsetContainerID:  true,
				UnsetInternalPort: true,
			})
			if err != nil && r.logger != nil {
				r.logger.Warn("expire subscriptions: failed to stop deployment", "deployment_id", d.ID, "error", err)
			}
		}
	}
}

// sendReminders emails users whose subscription is expiring within the
// reminder window and haven't already been notified.
func (r *Reaper) sendReminders(ctx context.Context) {
	active := domain.SubscriptionActive
	now := r.now()
	windowEnd := now.Add(r.cfg.ReminderWindow)
	notSent := false
	users, err := r.users.ListUsers(ctx, repository.UserFilter{
		SubscriptionStatus: &active, ExpiringAfter: &now, ExpiringBefore: &windowEnd, ReminderSent: &notSent,
	})
	if err != nil {
		if r.logger != nil {
			r.logger.Warn("send reminders: failed to list users", "error", err)
		}
		return
	}
	for _, u := range users {
		if u.SubscriptionExpiresAt == nil {
			continue
		}
		daysLeft := int(math.Ceil(u.SubscriptionExpiresAt.Sub(now).Hours() / 24))
		if err := r.mailer.SendReminder(ctx, u.Email, daysLeft); err != nil {
			if r.logger != nil {
				r.logger.Warn("send reminders: failed to send", "user_id", u.ID, "error", err)
			}
			continue
		}
		sent := true
		if err := r.users.UpdateUser(ctx, u.ID, repository.UserUpdate{ExpiryReminderSent: &sent}); err != nil && r.logger != nil {
			r.logger.Warn("send reminders: failed to mark sent", "user_id", u.ID, "error", err)
		}
	}
}
