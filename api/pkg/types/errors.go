package types

import "errors"

// Sentinel errors for the failure taxonomy. Callers classify with errors.Is
// and the HTTP layer maps each kind to a status code, so wrap these rather
// than inventing ad-hoc error strings.
var (
	// ErrAllocationExhausted means no free port remains in the requested range.
	ErrAllocationExhausted = errors.New("port range exhausted")
	// ErrProvision means the container failed to reach readiness.
	ErrProvision = errors.New("emulator provisioning failed")
	// ErrBridgeUnavailable means the multiplexer could not switch/connect
	// within its configured attempts.
	ErrBridgeUnavailable = errors.New("debug bridge unavailable")
	// ErrDeviceUnauthorized means the device rejected the bridge connection
	// and needs out-of-band user action; never retried automatically.
	ErrDeviceUnauthorized = errors.New("device unauthorized")
	// ErrProxyUnavailable means the screen-share backend is unreachable or
	// the proxy process could not be started.
	ErrProxyUnavailable = errors.New("screen share proxy unavailable")
	// ErrTimeout means a bounded wait elapsed.
	ErrTimeout = errors.New("timed out")
	// ErrNotFound means the session id is unknown.
	ErrNotFound = errors.New("session not found")
	// ErrPredefinedImmutable means the session was adopted from a predefined
	// container and cannot be deleted through the API.
	ErrPredefinedImmutable = errors.New("predefined sessions cannot be deleted")
)

// ErrorKind returns the machine-readable kind for an error, for inclusion in
// JSON failure bodies.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAllocationExhausted):
		return "allocation_exhausted"
	case errors.Is(err, ErrProvision):
		return "provision_error"
	case errors.Is(err, ErrDeviceUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrBridgeUnavailable):
		return "bridge_unavailable"
	case errors.Is(err, ErrProxyUnavailable):
		return "proxy_unavailable"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrPredefinedImmutable):
		return "predefined_immutable"
	default:
		return "internal"
	}
}

// RetryableKind reports whether callers may usefully retry the operation
// without manual intervention.
func RetryableKind(err error) bool {
	switch ErrorKind(err) {
	case "bridge_unavailable", "proxy_unavailable", "timeout", "allocation_exhausted":
		return true
	default:
		return false
	}
}
