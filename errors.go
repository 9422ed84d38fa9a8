package sandbox

import "fmt"

// Kind is a closed taxonomy of error kinds surfaced by the engine. Every
// synchronous operation returns a *Error with one of these kinds instead
// of an opaque error, so callers can switch on the failure instead of
// matching strings.
type Kind string

const (
	KindContainerNotRunning  Kind = "container_not_running"
	KindConsoleNotRegistered Kind = "console_not_registered"
	KindConsoleOffline       Kind = "console_offline"
	KindConsoleStarting      Kind = "console_starting"
	KindConsoleBusy          Kind = "console_busy"
	KindConsoleWriteFailed   Kind = "console_write_failed"
	KindConsoleReadFailed    Kind = "console_read_failed"
	KindKeepaliveFailed      Kind = "keepalive_failed"
	KindSessionCreateFailed  Kind = "session_create_failed"
	KindAuthFailed           Kind = "auth_failed"
	KindPortNotMapped        Kind = "port_not_mapped"
	KindNoPortsAvailable     Kind = "no_ports_available"
	KindExecFailed           Kind = "exec_failed"
	KindAdapterTransport     Kind = "adapter_transport_error"
	KindAdapterNotFound      Kind = "adapter_not_found"

	// Tool-layer kinds.
	KindUnknownTool      Kind = "unknown_tool"
	KindMissingParameter Kind = "missing_parameter"
	KindInvalidStatus    Kind = "invalid_status"
	KindNotFound         Kind = "not_found"
	KindTimeout          Kind = "timeout"
	KindExecutionError   Kind = "execution_error"
)

// messages holds the human-readable text for every externally observable
// error kind. Turn completion messages embed this text into the
// invocation result so the agent's next turn can read it.
var messages = map[Kind]string{
	KindContainerNotRunning:  "Container is not running",
	KindConsoleNotRegistered: "Console is not registered for this track",
	KindConsoleOffline:       "Console is offline",
	KindConsoleStarting:      "Console is still starting up",
	KindConsoleBusy:          "Console is busy processing a command",
	KindConsoleWriteFailed:   "Failed to write command to console",
	KindConsoleReadFailed:    "Failed to read console output",
	KindKeepaliveFailed:      "Console keepalive check failed",
	KindSessionCreateFailed:  "Failed to create console session",
	KindAuthFailed:           "Console authentication failed",
	KindPortNotMapped:        "RPC port is not mapped on the container",
	KindNoPortsAvailable:     "No ports available in the configured range",
	KindExecFailed:           "Command execution failed",
	KindAdapterTransport:     "Container runtime is unreachable",
	KindAdapterNotFound:      "Container not found",

	KindUnknownTool:      "Unknown tool",
	KindMissingParameter: "Missing required parameter",
	KindInvalidStatus:    "Invalid status for this operation",
	KindNotFound:         "Not found",
	KindTimeout:          "Tool invocation timed out",
	KindExecutionError:   "Tool execution failed",
}

// Error is the tagged error value every synchronous operation in this
// module returns instead of an ad-hoc error string.
type Error struct {
	Kind   Kind
	Detail string
}

// NewError builds an *Error of the given kind, optionally annotated with
// a free-form detail string (e.g. the underlying transport error text).
func NewError(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Message returns the human-readable text for this error's kind,
// regardless of the detail attached.
func (e *Error) Message() string {
	if m, ok := messages[e.Kind]; ok {
		return m
	}
	return string(e.Kind)
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Message()
	}
	return fmt.Sprintf("%s: %s", e.Message(), e.Detail)
}

// Is allows errors.Is(err, sandbox.NewError(KindX, "")) to match any
// *Error of the same Kind regardless of Detail.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return other.Kind == e.Kind
}
