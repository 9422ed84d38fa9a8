package sandbox

import "time"

// Config collects every timing and resource constant the engine uses,
// so callers (test harnesses especially) can tighten or loosen them.
type Config struct {
	// ConsolePollInterval is how often a starting or busy console is
	// polled for output. Default 100ms.
	ConsolePollInterval time.Duration

	// ConsoleKeepaliveInterval is the idle keepalive period for a ready
	// console. Default 60s.
	ConsoleKeepaliveInterval time.Duration

	// ConsoleReadMaxRetries bounds transient console_read retries before
	// the Console Actor dies. Default 3.
	ConsoleReadMaxRetries int

	// ConsoleReadRetryDelays gives the per-attempt backoff applied
	// between console_read retries. Default 100/200/400ms.
	ConsoleReadRetryDelays []time.Duration

	// ConsoleMaxRestartAttempts bounds how many times a Container Actor
	// respawns a dead Console Actor for one track before giving up
	// permanently. Default 10.
	ConsoleMaxRestartAttempts int

	// ConsoleRestartCooldown is how long a track's console must survive
	// before its restart-attempt counter resets.
	ConsoleRestartCooldown time.Duration

	// ContainerBackoff is the exponential backoff applied to RPC login
	// retry and console respawn. A Container Actor does not restart a
	// stopped or failed container by itself, so no container-restart
	// path uses it.
	ContainerBackoff Backoff

	// MSGRPCConnectMaxAttempts bounds RPC login retries while a
	// container transitions starting -> running.
	MSGRPCConnectMaxAttempts int

	// PortRangeLow and PortRangeHigh bound the RPC port allocation pool.
	// Defaults 50000-60000.
	PortRangeLow  int
	PortRangeHigh int

	// ShellCommandTimeout bounds how long a one-shot shell exec worker
	// may run before the Container Actor gives up waiting on it.
	ShellCommandTimeout time.Duration

	// RPCUser and RPCPassword authenticate the msgrpc login call.
	RPCUser     string
	RPCPassword string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ConsolePollInterval:       100 * time.Millisecond,
		ConsoleKeepaliveInterval:  60 * time.Second,
		ConsoleReadMaxRetries:     3,
		ConsoleReadRetryDelays:    []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond},
		ConsoleMaxRestartAttempts: 10,
		ConsoleRestartCooldown:    30 * time.Second,
		ContainerBackoff:          Backoff{Base: 1 * time.Second, Max: 60 * time.Second},
		MSGRPCConnectMaxAttempts:  10,
		PortRangeLow:              50000,
		PortRangeHigh:             60000,
		ShellCommandTimeout:       10 * time.Minute,
		RPCUser:                   "msf",
		RPCPassword:               "msf",
	}
}

// retryDelay returns the configured backoff for a given console_read
// retry attempt (1-indexed), falling back to the last configured delay
// once attempts exceed the configured slice.
func (c Config) retryDelay(attempt int) time.Duration {
	if len(c.ConsoleReadRetryDelays) == 0 {
		return 0
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(c.ConsoleReadRetryDelays) {
		idx = len(c.ConsoleReadRetryDelays) - 1
	}
	return c.ConsoleReadRetryDelays[idx]
}
