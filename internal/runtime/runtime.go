// Package runtime declares the container-runtime Adapter contract and
// implements it against the Docker Engine API in docker.go.
package runtime

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when a container does not exist. The orchestrator
// treats it as a non-fatal "nothing to clean up" signal.
var ErrNotFound = errors.New("runtime: resource not found")

// PortBinding is one published container port.
type PortBinding struct {
	PrivatePort int
	PublicPort  int
	Proto       string
}

// Container is the minimal view of a running container the core needs.
type Container struct {
	ID    string
	Names []string
	Ports []PortBinding
}

// RestartPolicy mirrors the container runtime's restart policy shape.
type RestartPolicy struct {
	Name        string
	MaxRetries  int
}

// CreateSpec describes a container to create.
type CreateSpec struct {
	Image         string
	Name          string
	Env           []string
	Binds         []string
	PortBindings  map[int]int // container port -> host port
	MemoryBytes   int64
	NanoCPUs      int64
	RestartPolicy RestartPolicy
}

// LogOptions controls ContainerLogs.
type LogOptions struct {
	Tail       string
	Timestamps bool
}

// Adapter is the abstract interface over the container runtime that the core
// depends on. Implementations: Docker (docker.go).
type Adapter interface {
	ListContainers(ctx context.Context, all bool) ([]Container, error)
	ImageExists(ctx context.Context, ref string) (bool, error)
	PullImage(ctx context.Context, ref string) error
	CreateContainer(ctx context.Context, spec CreateSpec) (containerID string, err error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, graceSeconds int) error
	RestartContainer(ctx context.Context, id string, graceSeconds int) error
	RemoveContainer(ctx context.Context, id string, force bool) error
	InspectContainer(ctx context.Context, id string) (*Container, error)
	ContainerLogs(ctx context.Context, id string, opts LogOptions) (io.ReadCloser, error)
}

// DefaultTimeout is a default bound for runtime calls. The Reaper's zombie
// listing uses its own timeout of the same length.
const DefaultTimeout = 10 * time.Second
