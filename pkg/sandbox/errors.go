package sandbox

import "errors"

var (
	// ErrSandboxNotFound indicates a stale handle: the runtime has no
	// sandbox for it anymore.
	ErrSandboxNotFound = errors.New("sandbox not found")

	// ErrRuntimeUnavailable indicates the container/process runtime itself
	// is unreachable.
	ErrRuntimeUnavailable = errors.New("runtime unavailable")

	// ErrArtifactFetch indicates the image or binary could not be fetched
	// and no locally cached copy exists.
	ErrArtifactFetch = errors.New("artifact fetch failed and no local copy exists")

	// ErrNoPortsAvailable indicates the host port range is exhausted.
	ErrNoPortsAvailable = errors.New("no host ports available")
)
