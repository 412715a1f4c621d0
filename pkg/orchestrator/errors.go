package orchestrator

import "errors"

var (
	// ErrInstanceConflict is returned by Start when the user already owns a
	// starting or running instance. Not retried automatically.
	ErrInstanceConflict = errors.New("user already has an active lab instance")

	// ErrNoActiveInstance is returned by Stop and Status when the user has
	// no starting or running instance.
	ErrNoActiveInstance = errors.New("no active lab instance")

	// ErrProvisionFailure wraps sandbox creation or start failures. The
	// instance row is marked error.
	ErrProvisionFailure = errors.New("sandbox provisioning failed")

	// ErrHealthCheckTimeout means the sandbox never became ready before the
	// deadline. The sandbox is torn down before this is returned.
	ErrHealthCheckTimeout = errors.New("health check deadline exceeded")

	// ErrHealthCheckErrored means the sandbox exited or vanished while
	// waiting for it to become ready. Torn down before return.
	ErrHealthCheckErrored = errors.New("sandbox failed before becoming healthy")

	// ErrTerminationFailure means both the graceful stop and the forced
	// retry failed. The instance row is still moved to a terminal status so
	// the user's active slot is not leaked.
	ErrTerminationFailure = errors.New("sandbox termination failed")

	// ErrUnknownSandboxMode means the lab names a mode no gateway serves.
	ErrUnknownSandboxMode = errors.New("no gateway registered for sandbox mode")
)
