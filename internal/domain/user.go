package domain

import "time"

// AuthProvider identifies how a user authenticates.
type AuthProvider string

const (
	AuthProviderEmail  AuthProvider = "email"
	AuthProviderGoogle AuthProvider = "google"
)

// SubscriptionStatus is the tenant's billing state.
type SubscriptionStatus string

const (
	SubscriptionInactive SubscriptionStatus = "inactive"
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionExpired  SubscriptionStatus = "expired"
	SubscriptionCanceled SubscriptionStatus = "canceled"
)

// SubscriptionTier is the purchased plan.
type SubscriptionTier string

const TierStarter SubscriptionTier = "starter"

// User is a tenant's identity and subscription record.
type User struct {
	ID                     string
	Email                  string
	PasswordHash           *string
	GoogleID               *string
	AuthProvider           AuthProvider
	SubscriptionStatus     SubscriptionStatus
	Tier                   *SubscriptionTier
	SubscriptionExpiresAt  *time.Time
	ExpiryReminderSent     bool
	MaxAgents              int
	CreatedAt              time.Time
	UpdatedAt              time.Time
}
