package tactile

import "errors"

// JailID is the uid and gid of an isolated command inside its user
// namespace. It maps to the caller's own ids on the host.
const JailID = 65534

var (
	// ErrIsolationUnavailable means the host cannot start an isolated
	// command or confine the interpreter inside it.
	ErrIsolationUnavailable = errors.New("process isolation is not available on this host")

	// ErrLimitsUnsupported is returned where rlimits cannot be set.
	ErrLimitsUnsupported = errors.New("resource limits are not supported on this platform")
)
