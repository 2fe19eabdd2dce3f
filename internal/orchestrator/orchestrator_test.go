package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/fleetctl/agentplane/internal/apierr"
	"github.com/fleetctl/agentplane/internal/domain"
	"github.com/fleetctl/agentplane/internal/healthcheck"
	"github.com/fleetctl/agentplane/internal/materializer"
	"github.com/fleetctl/agentplane/internal/portalloc"
	"github.com/fleetctl/agentplane/internal/repository"
	"github.com/fleetctl/agentplane/internal/runtime"
)

type fakeRepo struct {
	mu          sync.Mutex
	deployments map[string]*domain.Deployment
}

func newFakeRepo() *fakeRepo { return &fakeRepo{deployments: map[string]*domain.Deployment{}} }

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
	f.mu.Lock()
	defer f.mu.Unlock()
	want := map[domain.DeploymentStatus]bool{}
	for _, s := range filter.Statuses {
		want[s] = true
	}
	n := 0
	for _, d := range f.deployments {
		if want[d.Status] {
			n++
		}
	}
	return n, nil
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
		d.InternalPort = upd.InternalPort
	}
	if upd.UnsetInternalPort {
		d.InternalPort = nil
	}
	if upd.ContainerID != nil {
		d.ContainerID = upd.ContainerID
	}
	if upd.UnsetContainerID {
		d.ContainerID = nil
	}
	if upd.ErrorMessage != nil {
		d.ErrorMessage = upd.ErrorMessage
	}
	if upd.UnsetErrorMessage {
		d.ErrorMessage = nil
	}
	if upd.ProvisioningStep != nil {
		d.ProvisioningStep = upd.ProvisioningStep
	}
	if upd.LastHeartbeat != nil {
		d.LastHeartbeat = upd.LastHeartbeat
	}
	if upd.LastRequestAt != nil {
		d.LastRequestAt = upd.LastRequestAt
	}
	if upd.Status != nil {
		d.Status = *upd.Status
	}
	return true, nil
}
func (f *fakeRepo) DeleteDeployment(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.deployments, id)
	return nil
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []*domain.AuditLog
}

func (a *fakeAudit) InsertAudit(ctx context.Context, entry *domain.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
	return nil
}

type fakeRuntime struct {
	mu         sync.Mutex
	containers map[string]*runtime.Container
	nextID     int
	failCreate error
	failStart  error
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{containers: map[string]*runtime.Container{}}
}

func (r *fakeRuntime) ListContainers(ctx context.Context, all bool) ([]runtime.Container, error) {
	return nil, nil
}
func (r *fakeRuntime) ImageExists(ctx context.Context, ref string) (bool, error) { return true, nil }
func (r *fakeRuntime) PullImage(ctx context.Context, ref string) error           { return nil }
func (r *fakeRuntime) CreateContainer(ctx context.Context, spec runtime.CreateSpec) (string, error) {
	if r.failCreate != nil {
		return "", r.failCreate
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := spec.Name
	r.containers[id] = &runtime.Container{ID: id, Names: []string{spec.Name}}
	return id, nil
}
func (r *fakeRuntime) StartContainer(ctx context.Context, id string) error { return r.failStart }
func (r *fakeRuntime) StopContainer(ctx context.Context, id string, grace int) error {
	return nil
}
func (r *fakeRuntime) RestartContainer(ctx context.Context, id string, grace int) error {
	return nil
}
func (r *fakeRuntime) RemoveContainer(ctx context.Context, id string, force bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.containers, id)
	return nil
}
func (r *fakeRuntime) InspectContainer(ctx context.Context, id string) (*runtime.Container, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return nil, runtime.ErrNotFound
	}
	return c, nil
}
func (r *fakeRuntime) ContainerLogs(ctx context.Context, id string, opts runtime.LogOptions) (io.ReadCloser, error) {
	return io.NopCloser(nil), nil
}

func silentLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testService(t *testing.T, repo *fakeRepo, rt *fakeRuntime, maxRunning int) *Service {
	t.Helper()
	dataPath := t.TempDir()
	ports := portalloc.New(31000, 31010, repo, nil, silentLogger())
	mat := materializer.New(dataPath, silentLogger())
	health := healthcheck.New(50*time.Millisecond, 10*time.Millisecond, 200*time.Millisecond, silentLogger())
	cfg := Config{
		MaxRunningAgents:  maxRunning,
		AgentInternalPort: 8080,
		AgentMaxRestarts:  3,
		ContainerPrefix:   "agentplane",
		AgentImage:        "agentplane/agent:latest",
		DataPath:          dataPath,
	}
	return New(repo, &fakeAudit{}, rt, ports, mat, health, cfg, silentLogger())
}

func TestSpawnAgentHappyPath(t *testing.T) {
	repo := newFakeRepo()
	repo.deployments["dep-1"] = &domain.Deployment{ID: "dep-1", UserID: "user-1", Status: domain.StatusIdle}
	rt := newFakeRuntime()
	svc := testService(t, repo, rt, 10)

	secrets := domain.Secrets{GoogleAPIKey: "AIza" + repeatA(35)}
	if err := svc.SpawnAgent(context.Background(), "dep-1", secrets, "", ResourceLimits{MemoryBytes: 512 * 1024 * 1024}); err != nil {
		t.Fatalf("SpawnAgent: %v", err)
	}
	d := repo.deployments["dep-1"]
	if d.Status != domain.StatusStarting {
		t.Fatalf("status = %s, want starting", d.Status)
	}
	if d.ContainerID == nil {
		t.Fatalf("expected container id to be set")
	}
	if d.InternalPort == nil {
		t.Fatalf("expected internal port to be set")
	}
}

func TestSpawnAgentRejectsWhenFleetFull(t *testing.T) {
	repo := newFakeRepo()
	repo.deployments["dep-1"] = &domain.Deployment{ID: "dep-1", Status: domain.StatusIdle}
	repo.deployments["dep-2"] = &domain.Deployment{ID: "dep-2", Status: domain.StatusHealthy}
	rt := newFakeRuntime()
	svc := testService(t, repo, rt, 1)

	err := svc.SpawnAgent(context.Background(), "dep-1", domain.Secrets{GoogleAPIKey: "AIza" + repeatA(35)}, "", ResourceLimits{})
	if !errors.Is(err, apierr.ErrCapacityFull) {
		t.Fatalf("err = %v, want ErrCapacityFull", err)
	}
	if repo.deployments["dep-1"].Status != domain.StatusError {
		t.Fatalf("status = %s, want error", repo.deployments["dep-1"].Status)
	}
}

func TestSpawnAgentRejectsWithoutModelKey(t *testing.T) {
	repo := newFakeRepo()
	repo.deployments["dep-1"] = &domain.Deployment{ID: "dep-1", Status: domain.StatusIdle}
	rt := newFakeRuntime()
	svc := testService(t, repo, rt, 10)

	err := svc.SpawnAgent(context.Background(), "dep-1", domain.Secrets{}, "", ResourceLimits{})
	if !errors.Is(err, apierr.ErrNoModel) {
		t.Fatalf("err = %v, want ErrNoModel", err)
	}
	if repo.deployments["dep-1"].Status != domain.StatusError {
		t.Fatalf("status = %s, want error", repo.deployments["dep-1"].Status)
	}
}

func TestStopMarksStoppedAndClearsContainer(t *testing.T) {
	repo := newFakeRepo()
	containerID := "agentplane-dep-1"
	port := 31005
	repo.deployments["dep-1"] = &domain.Deployment{ID: "dep-1", Status: domain.StatusHealthy, ContainerID: &containerID, InternalPort: &port}
	rt := newFakeRuntime()
	rt.containers[containerID] = &runtime.Container{ID: containerID}
	svc := testService(t, repo, rt, 10)

	if err := svc.Stop(context.Background(), "dep-1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	d := repo.deployments["dep-1"]
	if d.Status != domain.StatusStopped {
		t.Fatalf("status = %s, want stopped", d.Status)
	}
	if d.ContainerID != nil {
		t.Fatalf("expected container id cleared")
	}
}

func TestRemoveClearsResources(t *testing.T) {
	repo := newFakeRepo()
	containerID := "agentplane-dep-1"
	port := 31006
	repo.deployments["dep-1"] = &domain.Deployment{ID: "dep-1", Status: domain.StatusStopped, ContainerID: &containerID, InternalPort: &port}
	rt := newFakeRuntime()
	rt.containers[containerID] = &runtime.Container{ID: containerID}
	svc := testService(t, repo, rt, 10)

	if err := svc.Remove(context.Background(), "dep-1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok := rt.containers[containerID]; ok {
		t.Fatalf("expected container to be removed from runtime")
	}
	if repo.deployments["dep-1"].ContainerID != nil {
		t.Fatalf("expected container id cleared")
	}
}

func TestHeapMBClampsToBounds(t *testing.T) {
	if got := heapMB(0); got != 1536 {
		t.Fatalf("heapMB(0) = %d, want 1536 default", got)
	}
	if got := heapMB(200 * 1024 * 1024); got != 256 {
		t.Fatalf("heapMB(200MiB) = %d, want floor 256", got)
	}
	if got := heapMB(4096 * 1024 * 1024); got > 1536 {
		t.Fatalf("heapMB(4GiB) = %d, want capped at 1536", got)
	}
}

func repeatA(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = 'a'
	}
	return string(b)
}
