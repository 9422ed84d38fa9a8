package sandbox

import "context"

// ContainerRuntime is the capability interface to the container runtime.
// It is implemented by the dockeradapter package; this package only
// depends on the interface so tests can substitute a fake.
type ContainerRuntime interface {
	// StartContainer creates and starts a container with the given
	// name, labels, and RPC port, returning the runtime's id for it.
	StartContainer(ctx context.Context, name string, labels map[string]string, rpcPort int) (string, error)

	// StopContainer stops a running container by runtime id.
	StopContainer(ctx context.Context, dockerId string) error

	// ContainerRunning reports whether the given container is running.
	ContainerRunning(ctx context.Context, dockerId string) (bool, error)

	// ListManaged lists all containers carrying the managed=true label.
	ListManaged(ctx context.Context) ([]ManagedContainer, error)

	// Exec runs a one-shot command inside the container and returns its
	// combined output and exit code.
	Exec(ctx context.Context, dockerId string, command []string) (ExecResult, error)

	// ResolveRPCEndpoint resolves the host/port of the console RPC
	// server inside the named container, by network-mode policy.
	ResolveRPCEndpoint(ctx context.Context, dockerId string) (Endpoint, error)
}

// ManagedContainer describes one container discovered by ListManaged.
type ManagedContainer struct {
	DockerId string
	Name     string
	Status   string
	Labels   map[string]string
}

// ExecResult is the result of a one-shot ContainerRuntime.Exec call.
type ExecResult struct {
	Output   string
	ExitCode int
}

// RPCClient is the capability interface to the in-container console RPC.
// It is implemented by the msgrpc package.
type RPCClient interface {
	// Login authenticates against the RPC endpoint and returns a Token.
	Login(ctx context.Context, endpoint Endpoint, user, password string) (Token, error)

	// ConsoleCreate opens a new console session.
	ConsoleCreate(ctx context.Context, endpoint Endpoint, token Token) (ConsoleSessionId, error)

	// ConsoleDestroy closes a console session.
	ConsoleDestroy(ctx context.Context, endpoint Endpoint, token Token, session ConsoleSessionId) error

	// ConsoleWrite writes bytes to a console session's input and
	// returns the number of bytes the server accepted.
	ConsoleWrite(ctx context.Context, endpoint Endpoint, token Token, session ConsoleSessionId, data []byte) (int, error)

	// ConsoleRead destructively drains buffered output from a console
	// session: bytes returned are removed from the server's buffer, so
	// callers must accumulate.
	ConsoleRead(ctx context.Context, endpoint Endpoint, token Token, session ConsoleSessionId) (ConsoleReadResult, error)
}

// ConsoleReadResult is the result of one RPCClient.ConsoleRead call.
type ConsoleReadResult struct {
	Data string
	Busy bool
	// Prompt is present (non-empty) only when Busy is false.
	Prompt string
}

// TraceSink records the complete {prompt, command_text, full_output} of
// every finished console command. The engine never depends on a specific
// backend, only this interface; the tracesink package provides a
// concrete sqlite-backed implementation.
type TraceSink interface {
	RecordCommand(ctx context.Context, rec CommandTrace) error
}

// CommandTrace is one completed console command as recorded to a
// TraceSink.
type CommandTrace struct {
	WorkspaceId WorkspaceId
	ContainerId ContainerId
	TrackId     TrackId
	CommandId   CommandId
	CommandText string
	FullOutput  string
	Prompt      string
}

// NoopTraceSink discards every record. Useful when no trace persistence
// collaborator is configured.
type NoopTraceSink struct{}

func (NoopTraceSink) RecordCommand(context.Context, CommandTrace) error { return nil }
