package sandbox

import "strconv"

// Event is implemented by every typed event the engine publishes on the
// Bus: one concrete type per event kind rather than one struct with
// optional fields, consumed with a type switch.
type Event interface {
	// Topics returns the topic keys this event is published under, e.g.
	// "track:42" and "container:7". A single transition commonly fans
	// out to more than one topic so dashboards scoped at different
	// granularities all observe it.
	Topics() []string
}

// ConsoleStatus is a console session's lifecycle state, plus the
// synthetic "offline" value a dead Console Actor is reported as by its
// parent Container Actor (the actor itself has no offline state; dead
// is offline).
type ConsoleStatus string

const (
	ConsoleStarting ConsoleStatus = "starting"
	ConsoleReady    ConsoleStatus = "ready"
	ConsoleBusy     ConsoleStatus = "busy"
	ConsoleOffline  ConsoleStatus = "offline"
)

// ContainerLifecycle is a managed container's lifecycle state.
type ContainerLifecycle string

const (
	ContainerOffline  ContainerLifecycle = "offline"
	ContainerStarting ContainerLifecycle = "starting"
	ContainerRunning  ContainerLifecycle = "running"
)

// CommandStatus is the progress state of one command invocation.
type CommandStatus string

const (
	CommandRunning  CommandStatus = "running"
	CommandFinished CommandStatus = "finished"
	CommandError    CommandStatus = "error"
)

func topicFor(id any) string {
	switch v := id.(type) {
	case TrackId:
		return "track:" + strconv.FormatInt(int64(v), 10)
	case ContainerId:
		return "container:" + strconv.FormatInt(int64(v), 10)
	case WorkspaceId:
		return "workspace:" + strconv.FormatInt(int64(v), 10)
	default:
		return ""
	}
}

// ContainerStatusChanged is published whenever a Container Actor
// transitions between offline/starting/running.
type ContainerStatusChanged struct {
	WorkspaceId WorkspaceId
	ContainerId ContainerId
	Status      ContainerLifecycle
	Detail      string
}

func (e ContainerStatusChanged) Topics() []string {
	return []string{topicFor(e.ContainerId), topicFor(e.WorkspaceId)}
}

// ConsoleUpdated is published by the Console Actor (or synthesized by
// its parent Container Actor for the offline case) on every status
// transition and output delta.
type ConsoleUpdated struct {
	WorkspaceId WorkspaceId
	ContainerId ContainerId
	TrackId     TrackId
	Status      ConsoleStatus
	Output      string
	Prompt      string
	CommandId   CommandId
	CommandText string
}

func (e ConsoleUpdated) Topics() []string {
	return []string{topicFor(e.TrackId), topicFor(e.ContainerId)}
}

// CommandResult is published when a shell command run by a Container
// Actor's worker completes or errors.
type CommandResult struct {
	WorkspaceId WorkspaceId
	ContainerId ContainerId
	TrackId     TrackId
	CommandId   CommandId
	Status      CommandStatus
	Output      string
	ExitCode    int
	Err         string
}

func (e CommandResult) Topics() []string {
	return []string{topicFor(e.TrackId), topicFor(e.ContainerId)}
}

// DatabaseUpdated is published by the (external) security-database
// collaborator when a query changes what a track can see; the engine
// only defines the event shape and routes it.
type DatabaseUpdated struct {
	WorkspaceId WorkspaceId
	Changes     []string
	Totals      map[string]int
}

func (e DatabaseUpdated) Topics() []string {
	return []string{topicFor(e.WorkspaceId)}
}

// WorkspaceChanged is a coarse-grained notification that some part of a
// workspace's state changed, for subscribers that only care about
// workspace-level invalidation.
type WorkspaceChanged struct {
	WorkspaceId WorkspaceId
	Reason      string
}

func (e WorkspaceChanged) Topics() []string {
	return []string{topicFor(e.WorkspaceId)}
}

// ChatChanged is published by the Turn Engine's action executor whenever
// a turn's chat-visible state changes (new text, tool status, etc).
type ChatChanged struct {
	WorkspaceId WorkspaceId
	TrackId     TrackId
}

func (e ChatChanged) Topics() []string {
	return []string{topicFor(e.TrackId)}
}
