package runtime

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrRuntimeUnavailable means the container daemon could not be reached.
	ErrRuntimeUnavailable = errors.New("container runtime unavailable")
	// ErrPortResolution means a started container had no single usable host port.
	ErrPortResolution = errors.New("host port mapping missing or ambiguous")
	// ErrImageNotFound means the image is not present on the runtime host.
	ErrImageNotFound = errors.New("image not found on runtime host")
)

// LaunchSpec describes one container to start.
type LaunchSpec struct {
	PrincipalID  string
	ChallengeID  string
	Image        string
	InternalPort int
}

// Instance is a started container and the host port it was published on.
type Instance struct {
	ContainerRef string
	HostPort     int
}

// ManagedContainer is a container this gateway created, as seen by the runtime.
type ManagedContainer struct {
	ContainerRef string
	PrincipalID  string
	ChallengeID  string
	Running      bool
	CreatedAt    time.Time
}

// Runtime is the narrow container platform surface used by the orchestrator.
type Runtime interface {
	// Launch creates and starts a container, returning its ephemeral host port.
	// A failed launch leaves no container behind.
	Launch(ctx context.Context, spec LaunchSpec) (Instance, error)

	// Alive reports whether the container exists and is running.
	Alive(ctx context.Context, containerRef string) (bool, error)

	// Remove force-removes the container. Removing a missing container is not an error.
	Remove(ctx context.Context, containerRef string) error

	// ListManaged returns every container carrying the managed label.
	ListManaged(ctx context.Context) ([]ManagedContainer, error)

	// Ping checks the daemon connection.
	Ping(ctx context.Context) error
}
