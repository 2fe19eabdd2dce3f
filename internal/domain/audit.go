package domain

import "time"

// AuditLog records one orchestrator or reaper mutation for operator visibility.
// It is additive bookkeeping: nothing in the core reads it back.
type AuditLog struct {
	ID           int64
	UserID       *string
	DeploymentID *string
	Action       string
	Metadata     []byte
	CreatedAt    time.Time
}
