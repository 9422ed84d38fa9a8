// Package sandbox implements the container/console/tool execution engine
// for a multi-tenant security-research orchestration backend.
//
// A sandbox is a long-lived Docker container hosting a single-threaded
// interactive console process reached over a binary RPC protocol. Agents
// drive sandboxes by invoking tools (console commands, shell commands,
// database queries, memory updates) whose execution respects per-tool
// concurrency rules, approval gates, and ordered completion semantics.
//
// # Components
//
// The package decomposes into the actors and pure functions described by
// its design: a ContainerActor drives one managed container through its
// lifecycle and supervises the console session(s) running inside it; a
// ConsoleActor owns one console session and its destructive polling
// protocol; Dispatch schedules batches of tool invocations under
// mutex-group constraints; the Turn reducer drives one track's agentic
// turn state machine from streaming LLM events and tool completions; a
// Bus fans out state transitions to subscribers.
//
// The Docker and console-RPC capability interfaces (ContainerRuntime and
// RPCClient) are implemented by the dockeradapter and msgrpc
// subpackages respectively; sandbox itself only depends on the
// interfaces, so tests substitute fakes.
//
// # Thread safety
//
// ConsoleActor and ContainerActor are actors: each owns a single
// goroutine processing a mailbox of requests, so their exported methods
// are safe to call concurrently from any goroutine. The Turn reducer is
// pure and holds no goroutine of its own; callers serialize access to a
// given Turn themselves (typically one goroutine per track).
package sandbox
