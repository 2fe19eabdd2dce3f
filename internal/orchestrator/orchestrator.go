// Package orchestrator drives a deployment's spawn/stop/restart/remove
// flows: provisioning a container for a deployment, tearing it down, and
// gating new spawns against the fleet-wide running-agent limit. Per-user
// agent quotas are not checked here.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/fleetctl/agentplane/internal/apierr"
	"github.com/fleetctl/agentplane/internal/domain"
	"github.com/fleetctl/agentplane/internal/healthcheck"
	"github.com/fleetctl/agentplane/internal/materializer"
	"github.com/fleetctl/agentplane/internal/modelcfg"
	"github.com/fleetctl/agentplane/internal/portalloc"
	"github.com/fleetctl/agentplane/internal/repository"
	"github.com/fleetctl/agentplane/internal/runtime"
	"github.com/fleetctl/agentplane/internal/statemachine"
)

// ResourceLimits caps a spawned container's resources.
type ResourceLimits struct {
	CPUNanos    int64
	MemoryBytes int64
}

// Config holds the orchestrator's static tunables, sourced from the
// control plane's Config.
type Config struct {
	MaxRunningAgents  int
	AgentInternalPort int
	AgentMaxRestarts  int
	ContainerPrefix   string
	AgentImage        string
	DataPath          string
}

// Service drives deployment lifecycle operations.
type Service struct {
	repo         repository.DeploymentRepository
	audit        repository.AuditRepository
	runtime      runtime.Adapter
	ports        *portalloc.Allocator
	materializer *materializer.Materializer
	health       *healthcheck.Registry
	sm           *statemachine.Machine
	cfg          Config
	logger       *slog.Logger
	now          func() time.Time
}

type serviceOption func(*Service)

// withClock overrides the time source, used by tests.
func withClock(now func() time.Time) serviceOption {
	return func(s *Service) { s.now = now }
}

// New constructs a Service.
func New(
	repo repository.DeploymentRepository,
	audit repository.AuditRepository,
	rt runtime.Adapter,
	ports *portalloc.Allocator,
	mat *materializer.Materializer,
	health *healthcheck.Registry,
	cfg Config,
	logger *slog.Logger,
	opts ...serviceOption,
) *Service {
	if logger != nil {
		logger = logger.With("component", "orchestrator")
	}
	s := &Service{
		repo: repo, audit: audit, runtime: rt, ports: ports, materializer: mat,
		health: health, sm: statemachine.New(logger), cfg: cfg, logger: logger, now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) canonicalContainerName(deploymentID string) string {
	return fmt.Sprintf("%s-%s", s.cfg.ContainerPrefix, deploymentID)
}

// heapMB derives a V8-style heap-size hint from a container's memory limit,
// leaving headroom for non-heap process overhead.
func heapMB(memoryBytes int64) int {
	if memoryBytes == 0 {
		return 1536
	}
	const mib = 1024 * 1024
	availableMB := float64(memoryBytes)/mib - 128
	if availableMB <= 0 {
		return 256
	}
	hint := math.Floor((availableMB*0.75)/64) * 64
	if hint < 256 {
		hint = 256
	}
	if hint > 1536 {
		hint = 1536
	}
	if hint > availableMB {
		hint = math.Floor(availableMB)
	}
	return int(hint)
}

func (s *Service) transition(ctx context.Context, d *domain.Deployment, to domain.DeploymentStatus, extra repository.DeploymentUpdate) error {
	if err := s.sm.Validate(d.ID, d.Status, to); err != nil {
		return err
	}
	expected := d.Status
	extra.ExpectedStatus = &expected
	extra.Status = &to
	if to == domain.StatusHealthy {
		now := s.now().UTC()
		extra.LastHeartbeat = &now
		if d.LastRequestAt == nil {
			extra.LastRequestAt = &now
		}
		extra.UnsetErrorMessage = true
	}
	ok, err := s.repo.UpdateDeployment(ctx, d.ID, extra)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s -> %s lost race", apierr.ErrInvalidTransition, d.Status, to)
	}
	d.Status = to
	return nil
}

func (s *Service) markError(ctx context.Context, deploymentID string, cause error) {
	msg := cause.Error()
	_, err := s.repo.UpdateDeployment(ctx, deploymentID, repository.DeploymentUpdate{
		Status:           statusPtr(domain.StatusError),
		ErrorMessage:     &msg,
		UnsetContainerID: true,
		UnsetInternalPort: true,
	})
	if err != nil && s.logger != nil {
		s.logger.Error("failed to mark deployment error", "deployment_id", deploymentID, "error", err)
	}
	s.recordAudit(ctx, nil, &deploymentID, "spawn_failed", cause.Error())
}

func statusPtr(s domain.DeploymentStatus) *domain.DeploymentStatus { return &s }

func (s *Service) recordAudit(ctx context.Context, userID, deploymentID *string, action, detail string) {
	if s.audit == nil {
		return
	}
	entry := &domain.AuditLog{
		UserID: userID, DeploymentID: deploymentID, Action: action,
		Metadata: []byte(fmt.Sprintf(`{"detail":%q}`, detail)),
	}
	if err := s.audit.InsertAudit(ctx, entry); err != nil && s.logger != nil {
		s.logger.Warn("failed to write audit log", "action", action, "error", err)
	}
}

// SpawnAgent runs the full provisioning flow for a deployment: the fleet
// capacity check, port allocation, config materialization, container
// creation, and health verification, updating the deployment's status as it
// progresses. Only idle, stopped or errored deployments can be spawned.
func (s *Service) SpawnAgent(ctx context.Context, deploymentID string, secrets domain.Secrets, requestedModel string, limits ResourceLimits) error {
	d, err := s.repo.GetDeployment(ctx, deploymentID)
	if err != nil {
		return err
	}
	if d.Status != domain.StatusIdle && d.Status != domain.StatusStopped && d.Status != domain.StatusError {
		return fmt.Errorf("%w: spawn requires idle, stopped or error, got %s", apierr.ErrInvalidTransition, d.Status)
	}

	running, err := s.repo.CountDeployments(ctx, repository.DeploymentFilter{Statuses: []domain.DeploymentStatus{
		domain.StatusHealthy, domain.StatusStarting, domain.StatusProvisioning,
		domain.StatusConfiguring, domain.StatusRestarting,
	}})
	if err != nil {
		return err
	}
	if running >= s.cfg.MaxRunningAgents {
		err := fmt.Errorf("%w: fleet at capacity (%d/%d)", apierr.ErrCapacityFull, running, s.cfg.MaxRunningAgents)
		s.markError(ctx, deploymentID, err)
		return err
	}

	name := s.canonicalContainerName(deploymentID)
	if existing, inspectErr := s.runtime.InspectContainer(ctx, name); inspectErr == nil && existing != nil {
		if err := s.runtime.RemoveContainer(ctx, existing.ID, true); err != nil {
			s.markError(ctx, deploymentID, err)
			return err
		}
	} else if inspectErr != nil && !errors.Is(inspectErr, runtime.ErrNotFound) {
		s.markError(ctx, deploymentID, inspectErr)
		return inspectErr
	}

	step := "Allocating resources..."
	if err := s.transition(ctx, d, domain.StatusConfiguring, repository.DeploymentUpdate{
		ProvisioningStep: &step, UnsetContainerID: true, UnsetInternalPort: true,
	}); err != nil {
		return err
	}

	port, err := s.ports.Allocate(ctx)
	if err != nil {
		wrapped := fmt.Errorf("%w: %v", apierr.ErrPortExhausted, err)
		s.markError(ctx, deploymentID, wrapped)
		return wrapped
	}
	reserved, err := s.ports.AtomicReserve(ctx, deploymentID, port)
	if err != nil {
		s.ports.ReleasePort(port)
		s.markError(ctx, deploymentID, err)
		return err
	}
	if !reserved {
		// Deliberate fallback: the deployment may have briefly left
		// "configuring" between allocation and reservation; force the
		// assignment rather than fail the whole spawn on a benign race.
		if _, err := s.repo.UpdateDeployment(ctx, deploymentID, repository.DeploymentUpdate{InternalPort: &port}); err != nil {
			s.ports.ReleasePort(port)
			s.markError(ctx, deploymentID, err)
			return err
		}
	}
	d.InternalPort = &port

	model, err := modelcfg.Normalize(requestedModel, secrets)
	if err != nil {
		s.ports.ReleasePort(port)
		s.markError(ctx, deploymentID, err)
		return err
	}
	if err := modelcfg.ValidateKeys(secrets); err != nil {
		s.ports.ReleasePort(port)
		s.markError(ctx, deploymentID, err)
		return err
	}
	d.Config.Model = model
	d.Secrets = secrets

	gatewayToken := uuid.NewString()
	if err := s.materializer.Materialize(d, port, gatewayToken); err != nil {
		s.ports.ReleasePort(port)
		s.markError(ctx, deploymentID, err)
		return err
	}

	step = "Provisioning container..."
	if err := s.transition(ctx, d, domain.StatusProvisioning, repository.DeploymentUpdate{ProvisioningStep: &step}); err != nil {
		s.ports.ReleasePort(port)
		return err
	}

	exists, err := s.runtime.ImageExists(ctx, s.cfg.AgentImage)
	if err != nil {
		s.ports.ReleasePort(port)
		s.markError(ctx, deploymentID, err)
		return err
	}
	if !exists {
		if err := s.runtime.PullImage(ctx, s.cfg.AgentImage); err != nil {
			s.ports.ReleasePort(port)
			s.markError(ctx, deploymentID, err)
			return err
		}
	}

	paths := materializer.PathsFor(s.cfg.DataPath, deploymentID)
	env := []string{
		fmt.Sprintf("AGENTPLANE_CONFIG_PATH=%s", paths.Config),
		fmt.Sprintf("AGENTPLANE_DEPLOYMENT_ID=%s", deploymentID),
		"NODE_ENV=production",
		fmt.Sprintf("AGENTPLANE_GATEWAY_TOKEN=%s", gatewayToken),
		fmt.Sprintf("NODE_OPTIONS=--max-old-space-size=%d", heapMB(limits.MemoryBytes)),
	}
	if secrets.OpenAIAPIKey != "" {
		env = append(env, "OPENAI_API_KEY="+secrets.OpenAIAPIKey)
	}
	if secrets.AnthropicAPIKey != "" {
		env = append(env, "ANTHROPIC_API_KEY="+secrets.AnthropicAPIKey)
	}
	if secrets.GoogleAPIKey != "" {
		env = append(env, "GOOGLE_API_KEY="+secrets.GoogleAPIKey)
	}

	containerID, err := s.runtime.CreateContainer(ctx, runtime.CreateSpec{
		Image: s.cfg.AgentImage,
		Name:  name,
		Env:   env,
		Binds: []string{
			fmt.Sprintf("%s:/config:rw", paths.Config),
			fmt.Sprintf("%s:/data:rw", paths.Data),
		},
		PortBindings:  map[int]int{s.cfg.AgentInternalPort: port},
		MemoryBytes:   limits.MemoryBytes,
		NanoCPUs:      limits.CPUNanos,
		RestartPolicy: runtime.RestartPolicy{Name: "on-failure", MaxRetries: s.cfg.AgentMaxRestarts},
	})
	if err != nil {
		s.ports.ReleasePort(port)
		s.markError(ctx, deploymentID, err)
		return err
	}
	if err := s.runtime.StartContainer(ctx, containerID); err != nil {
		_ = s.runtime.RemoveContainer(ctx, containerID, true)
		s.ports.ReleasePort(port)
		s.markError(ctx, deploymentID, err)
		return err
	}

	if _, err := s.repo.UpdateDeployment(ctx, deploymentID, repository.DeploymentUpdate{ContainerID: &containerID}); err != nil {
		s.markError(ctx, deploymentID, err)
		return err
	}
	d.ContainerID = &containerID

	if err := s.transition(ctx, d, domain.StatusStarting, repository.DeploymentUpdate{}); err != nil {
		return err
	}

	s.health.Start(context.Background(), deploymentID, port, func() {
		bg := context.Background()
		if cur, err := s.repo.GetDeployment(bg, deploymentID); err == nil {
			_ = s.transition(bg, cur, domain.StatusHealthy, repository.DeploymentUpdate{})
		}
	})

	s.recordAudit(ctx, nil, &deploymentID, "spawn", "spawned "+containerID)
	return nil
}

// Stop halts a running deployment's container and releases its port.
func (s *Service) Stop(ctx context.Context, deploymentID string) error {
	d, err := s.repo.GetDeployment(ctx, deploymentID)
	if err != nil {
		return err
	}
	if d.Status != domain.StatusHealthy && d.Status != domain.StatusStarting {
		return fmt.Errorf("%w: stop requires healthy or starting, got %s", apierr.ErrInvalidTransition, d.Status)
	}
	s.health.Cancel(deploymentID)
	if d.ContainerID != nil {
		if err := s.runtime.StopContainer(ctx, *d.ContainerID, 30); err != nil {
			return err
		}
	}
	return s.transition(ctx, d, domain.StatusStopped, repository.DeploymentUpdate{UnsetContainerID: true, UnsetInternalPort: true})
}

// Restart restarts a deployment's container in place, or spawns one from
// scratch if the deployment has no container yet.
func (s *Service) Restart(ctx context.Context, deploymentID string, secrets domain.Secrets, limits ResourceLimits) error {
	d, err := s.repo.GetDeployment(ctx, deploymentID)
	if err != nil {
		return err
	}
	if d.ContainerID == nil {
		return s.SpawnAgent(ctx, deploymentID, secrets, d.Config.Model, limits)
	}
	if d.Status != domain.StatusHealthy {
		return fmt.Errorf("%w: restart requires healthy, got %s", apierr.ErrInvalidTransition, d.Status)
	}
	if err := s.transition(ctx, d, domain.StatusRestarting, repository.DeploymentUpdate{}); err != nil {
		return err
	}
	if err := s.runtime.RestartContainer(ctx, *d.ContainerID, 30); err != nil {
		s.markError(ctx, deploymentID, err)
		return err
	}
	if d.InternalPort != nil {
		s.health.Start(context.Background(), deploymentID, *d.InternalPort, func() {
			bg := context.Background()
			if cur, err := s.repo.GetDeployment(bg, deploymentID); err == nil {
				_ = s.transition(bg, cur, domain.StatusHealthy, repository.DeploymentUpdate{})
			}
		})
	}
	return nil
}

// Remove tears down a deployment's container and released resources. The
// Deployment row itself is deleted by the calling handler, not here.
func (s *Service) Remove(ctx context.Context, deploymentID string) error {
	d, err := s.repo.GetDeployment(ctx, deploymentID)
	if err != nil {
		return err
	}
	s.health.Cancel(deploymentID)
	if d.ContainerID != nil {
		if err := s.runtime.RemoveContainer(ctx, *d.ContainerID, true); err != nil {
			return err
		}
	}
	if d.InternalPort != nil {
		s.ports.ReleasePort(*d.InternalPort)
	}
	if _, err := s.repo.UpdateDeployment(ctx, deploymentID, repository.DeploymentUpdate{
		UnsetContainerID: true, UnsetInternalPort: true,
	}); err != nil {
		return err
	}
	if err := s.materializer.RemoveAll(deploymentID); err != nil && s.logger != nil {
		s.logger.Warn("failed to remove deployment data tree", "deployment_id", deploymentID, "error", err)
	}
	s.recordAudit(ctx, nil, &deploymentID, "remove", "removed deployment resources")
	return nil
}
