package portalloc

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/fleetctl/agentplane/internal/apierr"
	"github.com/fleetctl/agentplane/internal/domain"
	"github.com/fleetctl/agentplane/internal/repository"
)

type fakeRepo struct {
	mu          sync.Mutex
	deployments map[string]*domain.Deployment
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{deployments: map[string]*domain.Deployment{}}
}

func (f *fakeRepo) CreateDeployment(ctx context.Context, d *domain.Deployment) error { return nil }
func (f *fakeRepo) GetDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.deployments[id]
	if !ok {
		return nil, apierr.ErrNotFound
	}
	cp := *d
	return &cp, nil
}
func (f *fakeRepo) GetDeploymentBySubdomain(ctx context.Context, sub string) (*domain.Deployment, error) {
	return nil, apierr.ErrNotFound
}
func (f *fakeRepo) ListDeployments(ctx context.Context, filter repository.DeploymentFilter) ([]domain.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Deployment
	for _, d := range f.deployments {
		out = append(out, *d)
	}
	return out, nil
}
func (f *fakeRepo) CountDeployments(ctx context.Context, filter repository.DeploymentFilter) (int, error) {
	return 0, nil
}
func (f *fakeRepo) UpdateDeployment(ctx context.Context, id string, upd repository.DeploymentUpdate) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.deployments[id]
	if !ok {
		return false, apierr.ErrNotFound
	}
	if upd.ExpectedStatus != nil && d.Status != *upd.ExpectedStatus {
		return false, nil
	}
	if upd.InternalPort != nil {
		for _, other := range f.deployments {
			if other.ID != id && other.InternalPort != nil && *other.InternalPort == *upd.InternalPort {
				return false, nil
			}
		}
		d.InternalPort = upd.InternalPort
	}
	if upd.Status != nil {
		d.Status = *upd.Status
	}
	return true, nil
}
func (f *fakeRepo) DeleteDeployment(ctx context.Context, id string) error { return nil }

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAllocateReturnsDistinctBindablePorts(t *testing.T) {
	repo := newFakeRepo()
	alloc := New(21000, 21010, repo, nil, silentLogger())

	p1, err := alloc.Allocate(context.Background())
	if err != nil {
		t.Fatalf("Allocate #1: %v", err)
	}
	p2, err := alloc.Allocate(context.Background())
	if err != nil {
		t.Fatalf("Allocate #2: %v", err)
	}
	if p1 == p2 {
		t.Fatalf("Allocate returned the same port twice: %d", p1)
	}
	alloc.ReleasePort(p1)
	alloc.ReleasePort(p2)
}

func TestAtomicReserveFailsOnStatusMismatch(t *testing.T) {
	repo := newFakeRepo()
	repo.deployments["dep-1"] = &domain.Deployment{ID: "dep-1", Status: domain.StatusProvisioning}
	alloc := New(21100, 21110, repo, nil, silentLogger())

	port, err := alloc.Allocate(context.Background())
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	ok, err := alloc.AtomicReserve(context.Background(), "dep-1", port)
	if err != nil {
		t.Fatalf("AtomicReserve: %v", err)
	}
	if ok {
		t.Fatalf("AtomicReserve should fail because deployment status is not configuring")
	}
}

func TestAtomicReserveSucceedsWhenConfiguring(t *testing.T) {
	repo := newFakeRepo()
	repo.deployments["dep-1"] = &domain.Deployment{ID: "dep-1", Status: domain.StatusConfiguring}
	alloc := New(21200, 21210, repo, nil, silentLogger())

	port, err := alloc.Allocate(context.Background())
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	ok, err := alloc.AtomicReserve(context.Background(), "dep-1", port)
	if err != nil {
		t.Fatalf("AtomicReserve: %v", err)
	}
	if !ok {
		t.Fatalf("AtomicReserve should succeed while deployment status is configuring")
	}
	if got := repo.deployments["dep-1"].InternalPort; got == nil || *got != port {
		t.Fatalf("internal port not persisted: %v", got)
	}
}

func TestPortCollisionUnderRace(t *testing.T) {
	repo := newFakeRepo()
	repo.deployments["dep-a"] = &domain.Deployment{ID: "dep-a", Status: domain.StatusConfiguring}
	repo.deployments["dep-b"] = &domain.Deployment{ID: "dep-b", Status: domain.StatusConfiguring}
	alloc := New(21300, 21310, repo, nil, silentLogger())

	portA, err := alloc.Allocate(context.Background())
	if err != nil {
		t.Fatalf("Allocate A: %v", err)
	}
	portB, err := alloc.Allocate(context.Background())
	if err != nil {
		t.Fatalf("Allocate B: %v", err)
	}
	if portA == portB {
		t.Fatalf("expected distinct ports, got %d twice", portA)
	}

	// A third caller manually reserves the lower port directly in the DB,
	// simulating a race winner; the slower caller's AtomicReserve must fail,
	// after which it reserves a different port instead.
	lower, higher := portA, portB
	if portB < portA {
		lower, higher = portB, portA
	}
	repo.deployments["dep-a"].InternalPort = &lower

	ok, err := alloc.AtomicReserve(context.Background(), "dep-b", lower)
	if err != nil {
		t.Fatalf("AtomicReserve dep-b lower: %v", err)
	}
	if ok {
		t.Fatalf("AtomicReserve of a port already held in the DB should fail")
	}

	ok, err = alloc.AtomicReserve(context.Background(), "dep-b", higher)
	if err != nil {
		t.Fatalf("AtomicReserve dep-b: %v", err)
	}
	if !ok {
		t.Fatalf("dep-b should still win its own distinct port")
	}
}
