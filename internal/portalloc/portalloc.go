// Package portalloc allocates collision-free host ports for spawned
// containers, probing candidate ports with net.Listen and guarding
// reservations with an in-flight set and conditional-update discipline.
package portalloc

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/fleetctl/agentplane/internal/domain"
	"github.com/fleetctl/agentplane/internal/repository"
)

// RuntimePortLister reports ports currently published by the container
// runtime, used as one of the three evidence sources.
type RuntimePortLister interface {
	ListPublishedPorts(ctx context.Context) (map[int]bool, error)
}

// Allocator reserves host ports in [Min, Max].
type Allocator struct {
	min, max int
	repo     repository.DeploymentRepository
	runtime  RuntimePortLister
	logger   *slog.Logger

	mu       sync.Mutex
	inFlight map[int]bool
}

// New constructs an Allocator for the inclusive port range [min, max].
func New(min, max int, repo repository.DeploymentRepository, runtime RuntimePortLister, logger *slog.Logger) *Allocator {
	if logger != nil {
		logger = logger.With("component", "portalloc")
	}
	return &Allocator{min: min, max: max, repo: repo, runtime: runtime, logger: logger, inFlight: make(map[int]bool)}
}

// ErrExhausted is returned when no port in range is available.
var ErrExhausted = fmt.Errorf("portalloc: exhausted range")

func dialableStatuses() []domain.DeploymentStatus {
	return []domain.DeploymentStatus{
		domain.StatusConfiguring, domain.StatusProvisioning, domain.StatusStarting,
		domain.StatusHealthy, domain.StatusRestarting,
	}
}

func (a *Allocator) usedFromDB(ctx context.Context) (map[int]bool, error) {
	used := make(map[int]bool)
	deployments, err := a.repo.ListDeployments(ctx, repository.DeploymentFilter{Statuses: dialableStatuses()})
	if err != nil {
		return nil, err
	}
	for _, d := range deployments {
		if d.InternalPort != nil {
			used[*d.InternalPort] = true
		}
	}
	return used, nil
}

func (a *Allocator) usedFromRuntime(ctx context.Context) map[int]bool {
	if a.runtime == nil {
		return nil
	}
	ports, err := a.runtime.ListPublishedPorts(ctx)
	if err != nil {
		if a.logger != nil {
			a.logger.Warn("failed to list runtime-published ports, proceeding without that evidence", "error", err)
		}
		return nil
	}
	return ports
}

func canBind(port int) bool {
	for _, addr := range []string{"127.0.0.1", "0.0.0.0"} {
		ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", addr, port))
		if err != nil {
			return false
		}
		ln.Close()
	}
	return true
}

// Allocate returns a free port in [min, max] with an in-flight reservation
// held until ReleasePort or AtomicReserve clears it.
func (a *Allocator) Allocate(ctx context.Context) (int, error) {
	dbUsed, err := a.usedFromDB(ctx)
	if err != nil {
		return 0, err
	}
	runtimeUsed := a.usedFromRuntime(ctx)

	for port := a.min; port <= a.max; port++ {
		if dbUsed[port] || runtimeUsed[port] {
			continue
		}
		a.mu.Lock()
		if a.inFlight[port] {
			a.mu.Unlock()
			continue
		}
		a.inFlight[port] = true
		a.mu.Unlock()

		if canBind(port) {
			return port, nil
		}
		a.ReleasePort(port)
	}
	return 0, ErrExhausted
}

// ReleasePort removes a port from the in-flight set.
func (a *Allocator) ReleasePort(port int) {
	a.mu.Lock()
	delete(a.inFlight, port)
	a.mu.Unlock()
}

// AtomicReserve performs a final bind re-check then a compare-and-swap
// update setting internalPort=port only if the deployment's status is still
// "configuring". The in-flight entry is always cleared before return. ok is
// false if the bind re-check fails or the CAS is lost to a concurrent
// mutation; the unique index on internal_port is the final guard against the
// remaining time-of-check/time-of-use gap.
func (a *Allocator) AtomicReserve(ctx context.Context, deploymentID string, port int) (bool, error) {
	defer a.ReleasePort(port)

	if !canBind(port) {
		return false, nil
	}
	expected := domain.StatusConfiguring
	ok, err := a.repo.UpdateDeployment(ctx, deploymentID, repository.DeploymentUpdate{
		ExpectedStatus: &expected,
		InternalPort:   &port,
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}
