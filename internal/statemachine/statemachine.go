// Package statemachine implements the Deployment status transition table:
// a small pure function plus a thin struct wrapping it for logging.
package statemachine

import (
	"fmt"
	"log/slog"

	"github.com/fleetctl/agentplane/internal/apierr"
	"github.com/fleetctl/agentplane/internal/domain"
)

var transitions = map[domain.DeploymentStatus]map[domain.DeploymentStatus]bool{
	domain.StatusIdle: {
		domain.StatusIdle: true, domain.StatusConfiguring: true, domain.StatusProvisioning: true,
	},
	domain.StatusConfiguring: {
		domain.StatusConfiguring: true, domain.StatusProvisioning: true,
	},
	domain.StatusProvisioning: {
		domain.StatusProvisioning: true, domain.StatusStarting: true,
	},
	domain.StatusStarting: {
		domain.StatusStarting: true, domain.StatusHealthy: true,
	},
	domain.StatusHealthy: {
		domain.StatusHealthy: true, domain.StatusStopped: true, domain.StatusRestarting: true,
	},
	domain.StatusStopped: {
		domain.StatusIdle: true, domain.StatusConfiguring: true, domain.StatusStarting: true, domain.StatusStopped: true,
	},
	domain.StatusRestarting: {
		domain.StatusStarting: true, domain.StatusHealthy: true, domain.StatusRestarting: true,
	},
	domain.StatusError: {
		domain.StatusIdle: true, domain.StatusConfiguring: true, domain.StatusStopped: true, domain.StatusError: true,
		domain.StatusRestarting: true,
	},
}

// CanTransition reports whether from -> to is legal per the table, the
// self-transition rule, or one of the error/idle escape hatches.
func CanTransition(from, to domain.DeploymentStatus) bool {
	if to == domain.StatusError || to == domain.StatusIdle {
		return true
	}
	if from == to {
		return true
	}
	allowed, ok := transitions[from]
	if !ok {
		return false
	}
	return allowed[to]
}

// Machine validates and logs transitions for one deployment.
type Machine struct {
	logger *slog.Logger
}

// New constructs a Machine.
func New(logger *slog.Logger) *Machine {
	if logger != nil {
		logger = logger.With("component", "statemachine")
	}
	return &Machine{logger: logger}
}

// Validate returns apierr.ErrInvalidTransition (wrapped with details) if from
// -> to is not permitted. It logs every use of the error/idle escape hatch,
// per the design note that frequent hatch use signals a bug elsewhere.
func (m *Machine) Validate(deploymentID string, from, to domain.DeploymentStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", apierr.ErrInvalidTransition, from, to)
	}
	isHatch := (to == domain.StatusError || to == domain.StatusIdle) && from != to
	_, inTable := transitions[from][to]
	if isHatch && !inTable && m.logger != nil {
		m.logger.Warn("state machine escape hatch used", "deployment_id", deploymentID, "from", from, "to", to)
	}
	return nil
}
