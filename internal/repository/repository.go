// Package repository declares the persistence contracts consumed by the
// core. Adapters (see the postgres subpackage) implement these against a
// concrete store; every other package depends only on these interfaces.
package repository

import (
	"context"
	"time"

	"github.com/fleetctl/agentplane/internal/domain"
)

// DeploymentFilter narrows ListDeployments / CountDeployments.
type DeploymentFilter struct {
	UserID   string
	Statuses []domain.DeploymentStatus
}

// DeploymentUpdate carries a partial update plus an optional compare-and-swap
// guard on the current status. A nil pointer field is left unchanged; to
// clear a field, UnsetContainerID / UnsetInternalPort must be set true.
type DeploymentUpdate struct {
	ExpectedStatus *domain.DeploymentStatus

	Status           *domain.DeploymentStatus
	ContainerID      *string
	UnsetContainerID bool
	InternalPort     *int
	UnsetInternalPort bool
	ErrorMessage      *string
	UnsetErrorMessage bool
	ProvisioningStep  *string
	LastHeartbeat     *time.Time
	LastRequestAt     *time.Time
	Secrets           *domain.Secrets
	Config            *domain.AgentConfig
}

// DeploymentRepository exposes the Deployment collection.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, d *domain.Deployment) error
	GetDeployment(ctx context.Context, id string) (*domain.Deployment, error)
	GetDeploymentBySubdomain(ctx context.Context, subdomain string) (*domain.Deployment, error)
	ListDeployments(ctx context.Context, filter DeploymentFilter) ([]domain.Deployment, error)
	CountDeployments(ctx context.Context, filter DeploymentFilter) (int, error)
	// UpdateDeployment applies upd to the deployment identified by id. If
	// upd.ExpectedStatus is non-nil the update only applies when the row's
	// current status matches it (compare-and-swap); in that case ok reports
	// whether the swap happened.
	UpdateDeployment(ctx context.Context, id string, upd DeploymentUpdate) (ok bool, err error)
	DeleteDeployment(ctx context.Context, id string) error
}

// UserFilter narrows ListUsers.
type UserFilter struct {
	SubscriptionStatus *domain.SubscriptionStatus
	ExpiringBefore     *time.Time
	ExpiringAfter      *time.Time
	ReminderSent       *bool
}

// UserUpdate is a partial update to a User record.
type UserUpdate struct {
	SubscriptionStatus    *domain.SubscriptionStatus
	Tier                  *domain.SubscriptionTier
	SubscriptionExpiresAt *time.Time
	ExpiryReminderSent    *bool
	MaxAgents             *int
	PasswordHash          *string
}

// UserRepository exposes the User collection.
type UserRepository interface {
	CreateUser(ctx context.Context, u *domain.User) error
	GetUser(ctx context.Context, id string) (*domain.User, error)
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
	GetUserByGoogleID(ctx context.Context, googleID string) (*domain.User, error)
	ListUsers(ctx context.Context, filter UserFilter) ([]domain.User, error)
	UpdateUser(ctx context.Context, id string, upd UserUpdate) error
}

// AuditRepository persists operator-visible audit rows. Best-effort: callers
// log and continue on failure rather than aborting the triggering operation.
type AuditRepository interface {
	InsertAudit(ctx context.Context, entry *domain.AuditLog) error
}

// DeviceCodeRepository backs the optional CLI device-authorization flow,
// gated off by default.
type DeviceCodeRepository interface {
	CreateDeviceCode(ctx context.Context, d *domain.DeviceCode) error
	GetDeviceCode(ctx context.Context, deviceCode string) (*domain.DeviceCode, error)
	GetDeviceCodeByUserCode(ctx context.Context, userCode string) (*domain.DeviceCode, error)
	MarkDeviceCodeApproved(ctx context.Context, deviceCode, userID string) (*domain.DeviceCode, error)
	MarkDeviceCodeExpired(ctx context.Context, deviceCode string) error
	ConsumeDeviceCode(ctx context.Context, deviceCode string) (userID string, err error)
	TouchDeviceCode(ctx context.Context, deviceCode string, at time.Time) error
}
