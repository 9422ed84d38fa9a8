package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// ConsoleSlot is a registered track's console actor, plus enough restart
// bookkeeping to apply the respawn backoff policy.
type ConsoleSlot struct {
	Actor           *ConsoleActor
	RestartAttempts int
	LastRestartAt   time.Time
}

// RunningShellCommand is one in-flight SendBashCommand worker.
type RunningShellCommand struct {
	Track     TrackId
	StartedAt time.Time
}

// Snapshot is a read-only projection of the container actor's state,
// returned by GetStateSnapshot for introspection and tests. It is a
// value copy: mutating it has no effect on the actor.
type Snapshot struct {
	ContainerId      ContainerId
	WorkspaceId      WorkspaceId
	ContainerSlug    string
	WorkspaceSlug    string
	Status           ContainerLifecycle
	DockerId         string
	Endpoint         Endpoint
	RegisteredTracks []TrackId
	RunningShell     map[CommandId]RunningShellCommand
	RestartCount     int
}

type containerRequestKind int

const (
	creqRegisterConsole containerRequestKind = iota
	creqUnregisterConsole
	creqSendMSFCommand
	creqSendBashCommand
	creqBashWorkerDone
	creqGetStatus
	creqGetRPCEndpoint
	creqGetRunningBashCommands
	creqGetSnapshot
	creqAdopt
	creqStartNew
	creqStop
)

type containerRequest struct {
	kind     containerRequestKind
	ctx      context.Context
	track    TrackId
	text     string
	dockerId string

	commandId CommandId
	result    ExecResult
	workerErr error

	reply chan containerReply
}

type containerReply struct {
	status    ContainerLifecycle
	endpoint  Endpoint
	commandId CommandId
	commands  map[CommandId]RunningShellCommand
	snapshot  Snapshot
	err       *Error
}

// ContainerActor is one instance per managed container. It drives the
// offline -> starting -> running lifecycle, authenticates the RPC
// channel, and supervises one Console Actor per registered track:
// spawning it, monitoring its death, and respawning it with backoff.
type ContainerActor struct {
	cfg     Config
	runtime ContainerRuntime
	rpc     RPCClient
	sink    TraceSink
	bus     *Bus
	log     *slog.Logger

	namePrefix string

	containerId   ContainerId
	workspaceId   WorkspaceId
	containerSlug string
	workspaceSlug string

	requests chan containerRequest
	done     chan struct{}
	doneOnce sync.Once

	// Owned exclusively by run().
	status             ContainerLifecycle
	dockerId           string
	endpoint           Endpoint
	token              Token
	registeredTracks   map[TrackId]struct{}
	consoles           map[TrackId]*ConsoleSlot
	runningShell       map[CommandId]RunningShellCommand
	restartCount       int
	msgrpcConnectTries int
	needReauth         bool
	everRan            bool

	consoleDeaths chan consoleDeath
}

type consoleDeath struct {
	track TrackId
	actor *ConsoleActor
}

// NewContainerActor starts a Container Actor's mailbox goroutine in the
// offline state. Callers bring it to running via AdoptDockerContainer or
// StartNew.
func NewContainerActor(cfg Config, runtime ContainerRuntime, rpc RPCClient, bus *Bus, sink TraceSink,
	namePrefix string, containerId ContainerId, workspaceId WorkspaceId, containerSlug, workspaceSlug string,
	log *slog.Logger) *ContainerActor {

	if sink == nil {
		sink = NoopTraceSink{}
	}
	if log == nil {
		log = slog.Default()
	}

	a := &ContainerActor{
		cfg:              cfg,
		runtime:          runtime,
		rpc:              rpc,
		sink:             sink,
		bus:              bus,
		log:              log.With("container_id", int64(containerId)),
		namePrefix:       namePrefix,
		containerId:      containerId,
		workspaceId:      workspaceId,
		containerSlug:    containerSlug,
		workspaceSlug:    workspaceSlug,
		requests:         make(chan containerRequest),
		done:             make(chan struct{}),
		status:           ContainerOffline,
		registeredTracks: make(map[TrackId]struct{}),
		consoles:         make(map[TrackId]*ConsoleSlot),
		runningShell:     make(map[CommandId]RunningShellCommand),
		consoleDeaths:    make(chan consoleDeath, 16),
	}

	go a.run()
	return a
}

// ContainerName derives the externally visible container name,
// "<prefix>-<workspace_slug>-<container_slug>". It is a pure function of
// the two slugs; the container slug is immutable after creation since it
// names Docker resources.
func ContainerName(prefix, workspaceSlug, containerSlug string) string {
	return fmt.Sprintf("%s-%s-%s", prefix, workspaceSlug, containerSlug)
}

// Stop terminates the actor: all child consoles are told to go offline
// and the mailbox goroutine exits.
func (a *ContainerActor) Stop() {
	a.call(containerRequest{kind: creqStop, reply: make(chan containerReply, 1)})
}

func (a *ContainerActor) Done() <-chan struct{} { return a.done }

func (a *ContainerActor) call(req containerRequest) containerReply {
	if req.reply == nil {
		req.reply = make(chan containerReply, 1)
	}
	select {
	case a.requests <- req:
	case <-a.done:
		return containerReply{err: NewError(KindAdapterNotFound, "container actor stopped")}
	}
	select {
	case r := <-req.reply:
		return r
	case <-a.done:
		return containerReply{err: NewError(KindAdapterNotFound, "container actor stopped")}
	}
}

// RegisterConsole adds track to the registered set and, if the container
// is running, triggers a console spawn.
func (a *ContainerActor) RegisterConsole(track TrackId) *Error {
	return a.call(containerRequest{kind: creqRegisterConsole, track: track}).err
}

// UnregisterConsole removes track and gracefully terminates its console.
func (a *ContainerActor) UnregisterConsole(track TrackId) *Error {
	return a.call(containerRequest{kind: creqUnregisterConsole, track: track}).err
}

// SendMetasploitCommand forwards text to the registered track's Console
// Actor. The validity check is three-layered and each layer reports a
// distinct error kind: container_not_running, then
// console_not_registered, then console_offline (or whatever the Console
// Actor itself returns for starting/busy).
func (a *ContainerActor) SendMetasploitCommand(ctx context.Context, track TrackId, text string) (CommandId, *Error) {
	r := a.call(containerRequest{kind: creqSendMSFCommand, ctx: ctx, track: track, text: text})
	return r.commandId, r.err
}

// SendBashCommand allocates a CommandId, spawns a one-shot exec worker,
// and returns immediately; the worker's result arrives later as a
// CommandResult event on the bus.
func (a *ContainerActor) SendBashCommand(ctx context.Context, track TrackId, text string) (CommandId, *Error) {
	r := a.call(containerRequest{kind: creqSendBashCommand, ctx: ctx, track: track, text: text})
	return r.commandId, r.err
}

func (a *ContainerActor) GetStatus() ContainerLifecycle {
	return a.call(containerRequest{kind: creqGetStatus}).status
}

func (a *ContainerActor) GetRPCEndpoint() (Endpoint, *Error) {
	r := a.call(containerRequest{kind: creqGetRPCEndpoint})
	return r.endpoint, r.err
}

func (a *ContainerActor) GetRunningBashCommands() map[CommandId]RunningShellCommand {
	return a.call(containerRequest{kind: creqGetRunningBashCommands}).commands
}

func (a *ContainerActor) GetStateSnapshot() Snapshot {
	return a.call(containerRequest{kind: creqGetSnapshot}).snapshot
}

// AdoptDockerContainer transitions offline -> starting -> running without
// issuing a create call: probe liveness, resolve endpoint, authenticate.
func (a *ContainerActor) AdoptDockerContainer(ctx context.Context, dockerId string) *Error {
	return a.call(containerRequest{kind: creqAdopt, ctx: ctx, dockerId: dockerId}).err
}

// StartNew allocates a fresh port, creates, and starts a new container.
func (a *ContainerActor) StartNew(ctx context.Context) *Error {
	return a.call(containerRequest{kind: creqStartNew, ctx: ctx}).err
}

func (a *ContainerActor) publishStatus(detail string) {
	a.bus.Publish(ContainerStatusChanged{
		WorkspaceId: a.workspaceId,
		ContainerId: a.containerId,
		Status:      a.status,
		Detail:      detail,
	})
}

// run is the actor's single goroutine; the state fields above are
// touched only here.
func (a *ContainerActor) run() {
	respawnTimer := time.NewTimer(time.Hour)
	respawnTimer.Stop()
	defer respawnTimer.Stop()

	for {
		select {
		case req, ok := <-a.requests:
			if !ok {
				return
			}
			stop := a.handleRequest(req)
			a.rearmRespawn(respawnTimer)
			if stop {
				close(a.done)
				return
			}

		case death := <-a.consoleDeaths:
			a.handleConsoleDeath(death)
			a.rearmRespawn(respawnTimer)

		case <-respawnTimer.C:
			a.trySpawnAll()
			a.rearmRespawn(respawnTimer)
		}
	}
}

// rearmRespawn arms a coarse retry tick whenever a registered track lacks
// a live console and hasn't exhausted its restart attempts. The tick
// granularity (its own poll interval) is intentionally loose: each fire
// just calls trySpawnAll, which is a no-op for any slot not yet due.
func (a *ContainerActor) rearmRespawn(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	if a.status == ContainerRunning && a.hasPendingRespawn() {
		timer.Reset(50 * time.Millisecond)
	}
}

func (a *ContainerActor) hasPendingRespawn() bool {
	for t := range a.registeredTracks {
		slot := a.consoles[t]
		if slot != nil && slot.Actor == nil {
			return true
		}
	}
	return false
}

func (a *ContainerActor) handleRequest(req containerRequest) (stop bool) {
	switch req.kind {
	case creqRegisterConsole:
		a.registeredTracks[req.track] = struct{}{}
		if _, ok := a.consoles[req.track]; !ok {
			a.consoles[req.track] = &ConsoleSlot{}
		}
		if a.status == ContainerRunning {
			a.spawnConsole(req.track)
		}
		req.reply <- containerReply{}

	case creqUnregisterConsole:
		delete(a.registeredTracks, req.track)
		if slot := a.consoles[req.track]; slot != nil && slot.Actor != nil {
			slot.Actor.GoOffline()
		}
		delete(a.consoles, req.track)
		req.reply <- containerReply{}

	case creqSendMSFCommand:
		a.handleSendMSF(req)

	case creqSendBashCommand:
		a.handleSendBash(req)

	case creqBashWorkerDone:
		a.handleBashWorkerDone(req)

	case creqGetStatus:
		req.reply <- containerReply{status: a.status}

	case creqGetRPCEndpoint:
		if a.status != ContainerRunning {
			req.reply <- containerReply{err: NewError(KindContainerNotRunning, "")}
		} else {
			req.reply <- containerReply{endpoint: a.endpoint}
		}

	case creqGetRunningBashCommands:
		cp := make(map[CommandId]RunningShellCommand, len(a.runningShell))
		for k, v := range a.runningShell {
			cp[k] = v
		}
		req.reply <- containerReply{commands: cp}

	case creqGetSnapshot:
		req.reply <- containerReply{snapshot: a.snapshot()}

	case creqAdopt:
		req.reply <- containerReply{err: a.adopt(req.ctx, req.dockerId)}

	case creqStartNew:
		req.reply <- containerReply{err: a.startNew(req.ctx)}

	case creqStop:
		a.stopAll()
		req.reply <- containerReply{}
		return true
	}
	return false
}

func (a *ContainerActor) snapshot() Snapshot {
	tracks := make([]TrackId, 0, len(a.registeredTracks))
	for t := range a.registeredTracks {
		tracks = append(tracks, t)
	}
	shell := make(map[CommandId]RunningShellCommand, len(a.runningShell))
	for k, v := range a.runningShell {
		shell[k] = v
	}
	return Snapshot{
		ContainerId:      a.containerId,
		WorkspaceId:      a.workspaceId,
		ContainerSlug:    a.containerSlug,
		WorkspaceSlug:    a.workspaceSlug,
		Status:           a.status,
		DockerId:         a.dockerId,
		Endpoint:         a.endpoint,
		RegisteredTracks: tracks,
		RunningShell:     shell,
		RestartCount:     a.restartCount,
	}
}

// handleSendMSF applies the three-layered validity check:
// container_not_running, then console_not_registered, then whatever the
// console itself reports.
func (a *ContainerActor) handleSendMSF(req containerRequest) {
	if a.status != ContainerRunning {
		req.reply <- containerReply{err: NewError(KindContainerNotRunning, "")}
		return
	}
	if _, registered := a.registeredTracks[req.track]; !registered {
		req.reply <- containerReply{err: NewError(KindConsoleNotRegistered, "")}
		return
	}
	slot := a.consoles[req.track]
	if slot == nil || slot.Actor == nil {
		req.reply <- containerReply{err: NewError(KindConsoleOffline, "")}
		return
	}

	cmdId, cerr := slot.Actor.SendCommand(req.ctx, req.text)
	req.reply <- containerReply{commandId: cmdId, err: cerr}
}

func (a *ContainerActor) handleSendBash(req containerRequest) {
	if a.status != ContainerRunning {
		req.reply <- containerReply{err: NewError(KindContainerNotRunning, "")}
		return
	}

	cmdId := NewCommandId()
	a.runningShell[cmdId] = RunningShellCommand{Track: req.track, StartedAt: time.Now()}
	req.reply <- containerReply{commandId: cmdId}

	dockerId := a.dockerId
	runtime := a.runtime
	go a.runShellWorker(dockerId, runtime, req.track, cmdId, req.text)
}

// runShellWorker is a short-lived, one-shot worker: it suspends only on
// the adapter's Exec call, then reports back through the mailbox so all
// shared state stays owned by run().
func (a *ContainerActor) runShellWorker(dockerId string, runtime ContainerRuntime, track TrackId, cmdId CommandId, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShellCommandTimeout)
	defer cancel()

	res, err := runtime.Exec(ctx, dockerId, []string{"/bin/sh", "-c", text})

	select {
	case a.requests <- containerRequest{kind: creqBashWorkerDone, track: track, commandId: cmdId, result: res, workerErr: err, reply: make(chan containerReply, 1)}:
	case <-a.done:
	}
}

func (a *ContainerActor) handleBashWorkerDone(req containerRequest) {
	entry, ok := a.runningShell[req.commandId]
	if !ok {
		req.reply <- containerReply{}
		return
	}
	delete(a.runningShell, req.commandId)

	if req.workerErr != nil {
		a.bus.Publish(CommandResult{
			WorkspaceId: a.workspaceId,
			ContainerId: a.containerId,
			TrackId:     entry.Track,
			CommandId:   req.commandId,
			Status:      CommandError,
			Err:         req.workerErr.Error(),
		})
	} else {
		a.bus.Publish(CommandResult{
			WorkspaceId: a.workspaceId,
			ContainerId: a.containerId,
			TrackId:     entry.Track,
			CommandId:   req.commandId,
			Status:      CommandFinished,
			Output:      req.result.Output,
			ExitCode:    req.result.ExitCode,
		})
	}
	req.reply <- containerReply{}
}

// spawnConsole opens a new Console Actor for track and starts monitoring
// it for death. Spawn failures are treated like any other child death:
// scheduled for respawn subject to the backoff/attempt ceiling.
func (a *ContainerActor) spawnConsole(track TrackId) {
	slot := a.consoles[track]
	if slot == nil {
		slot = &ConsoleSlot{}
		a.consoles[track] = slot
	}
	if slot.Actor != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	actor, err := NewConsoleActor(ctx, a.cfg, a.rpc, a.bus, a.sink,
		a.workspaceId, a.containerId, track, a.endpoint, a.token, a.log)
	if err != nil {
		a.log.Warn("console spawn failed", "track_id", int64(track), "error", err)
		a.needReauth = true
		a.scheduleRespawn(track, slot)
		return
	}

	slot.Actor = actor
	a.monitorConsole(track, actor)
}

func (a *ContainerActor) monitorConsole(track TrackId, actor *ConsoleActor) {
	go func() {
		<-actor.Done()
		select {
		case a.consoleDeaths <- consoleDeath{track: track, actor: actor}:
		case <-a.done:
		}
	}()
}

// handleConsoleDeath is the single place the on-death decision is made:
// publish offline, then respawn, give up, or forget the slot.
func (a *ContainerActor) handleConsoleDeath(death consoleDeath) {
	slot := a.consoles[death.track]
	if slot == nil || slot.Actor != death.actor {
		return // already superseded by a later spawn/unregister
	}
	slot.Actor = nil

	// A console that died with an error may have been holding an expired
	// token; the respawn must go out on a fresh one.
	if death.actor.Err() != nil {
		a.needReauth = true
	}

	a.bus.Publish(ConsoleUpdated{
		WorkspaceId: a.workspaceId,
		ContainerId: a.containerId,
		TrackId:     death.track,
		Status:      ConsoleOffline,
	})

	if _, registered := a.registeredTracks[death.track]; !registered {
		delete(a.consoles, death.track)
		return
	}
	if a.status != ContainerRunning {
		return
	}

	a.scheduleRespawn(death.track, slot)
}

func (a *ContainerActor) scheduleRespawn(track TrackId, slot *ConsoleSlot) {
	if !slot.LastRestartAt.IsZero() && time.Since(slot.LastRestartAt) >= a.cfg.ConsoleRestartCooldown {
		slot.RestartAttempts = 0
	}
	if slot.RestartAttempts >= a.cfg.ConsoleMaxRestartAttempts {
		a.log.Warn("console restart attempts exhausted, giving up permanently", "track_id", int64(track))
		delete(a.consoles, track)
		a.bus.Publish(ConsoleUpdated{
			WorkspaceId: a.workspaceId,
			ContainerId: a.containerId,
			TrackId:     track,
			Status:      ConsoleOffline,
		})
		return
	}
	slot.RestartAttempts++
	slot.LastRestartAt = time.Now()
	// trySpawnAll (driven by the respawn timer) picks this slot back up;
	// the backoff delay is enforced there by comparing LastRestartAt
	// against the configured backoff for RestartAttempts.
}

// trySpawnAll is invoked on every respawn tick: any registered track
// without a live actor, whose backoff has elapsed, gets spawned.
func (a *ContainerActor) trySpawnAll() {
	if a.status != ContainerRunning {
		return
	}
	if a.needReauth && !a.refreshToken() {
		return // next tick retries the login before any spawn
	}
	for track := range a.registeredTracks {
		slot := a.consoles[track]
		if slot == nil {
			continue // restart attempts exhausted; the slot was given up
		}
		if slot.Actor != nil {
			continue
		}
		if slot.RestartAttempts == 0 {
			a.spawnConsole(track)
			continue
		}
		delay := a.cfg.ContainerBackoff.Delay(slot.RestartAttempts)
		if time.Since(slot.LastRestartAt) >= delay {
			a.spawnConsole(track)
		}
	}
}

func (a *ContainerActor) stopAll() {
	for _, slot := range a.consoles {
		if slot.Actor != nil {
			slot.Actor.GoOffline()
		}
	}
	if a.dockerId != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = a.runtime.StopContainer(ctx, a.dockerId)
	}
	a.status = ContainerOffline
	a.publishStatus("stopped")
}

func (a *ContainerActor) managedLabels(rpcPort int) map[string]string {
	return map[string]string{
		"managed":        "true",
		"container_id":   fmt.Sprintf("%d", a.containerId),
		"workspace_slug": a.workspaceSlug,
		"container_slug": a.containerSlug,
		"rpc_port":       fmt.Sprintf("%d", rpcPort),
	}
}

// adopt transitions offline -> starting -> running for a container the
// runtime already has up: probe liveness, resolve its endpoint,
// authenticate. No create call is issued.
func (a *ContainerActor) adopt(ctx context.Context, dockerId string) *Error {
	if a.status != ContainerOffline {
		return NewError(KindAdapterNotFound, "container is not offline")
	}

	a.status = ContainerStarting
	a.publishStatus("adopting")

	running, err := a.runtime.ContainerRunning(ctx, dockerId)
	if err != nil {
		a.status = ContainerOffline
		return NewError(KindAdapterTransport, err.Error())
	}
	if !running {
		a.status = ContainerOffline
		return NewError(KindAdapterNotFound, "")
	}

	endpoint, err := a.runtime.ResolveRPCEndpoint(ctx, dockerId)
	if err != nil {
		a.status = ContainerOffline
		return NewError(KindPortNotMapped, err.Error())
	}

	a.dockerId = dockerId
	return a.authenticateAndEnterRunning(ctx, endpoint)
}

// startNew is the opposite of adopt: allocate a fresh port, then create
// and start a brand-new container.
func (a *ContainerActor) startNew(ctx context.Context) *Error {
	if a.status != ContainerOffline {
		return NewError(KindAdapterNotFound, "container is not offline")
	}

	// The used-set comes from the labels of every managed container the
	// runtime currently knows, so allocation survives a process restart
	// without database help. If the runtime cannot be listed the create
	// call below will fail anyway.
	used := map[int]struct{}{}
	if managed, lerr := a.runtime.ListManaged(ctx); lerr == nil {
		for _, mc := range managed {
			if p, aerr := strconv.Atoi(mc.Labels["rpc_port"]); aerr == nil {
				used[p] = struct{}{}
			}
		}
	}
	port, perr := AllocatePort(a.cfg, used)
	if perr != nil {
		return perr
	}

	a.status = ContainerStarting
	a.publishStatus("starting")

	name := ContainerName(a.namePrefix, a.workspaceSlug, a.containerSlug)
	dockerId, err := a.runtime.StartContainer(ctx, name, a.managedLabels(port), port)
	if err != nil {
		a.status = ContainerOffline
		return NewError(KindAdapterTransport, err.Error())
	}
	a.dockerId = dockerId

	endpoint, err := a.runtime.ResolveRPCEndpoint(ctx, dockerId)
	if err != nil {
		a.status = ContainerOffline
		return NewError(KindPortNotMapped, err.Error())
	}

	return a.authenticateAndEnterRunning(ctx, endpoint)
}

func (a *ContainerActor) authenticateAndEnterRunning(ctx context.Context, endpoint Endpoint) *Error {
	a.endpoint = endpoint

	token, err := a.login(ctx)
	if err != nil {
		a.status = ContainerOffline
		return err
	}

	a.token = token
	if a.everRan {
		a.restartCount++
	}
	a.everRan = true
	a.status = ContainerRunning
	a.msgrpcConnectTries = 0
	a.publishStatus("running")

	for track := range a.registeredTracks {
		if _, ok := a.consoles[track]; !ok {
			a.consoles[track] = &ConsoleSlot{}
		}
		a.spawnConsole(track)
	}
	return nil
}

// refreshToken reauthenticates once, for a respawn after a console died
// on what may have been an expired token. Failures are not fatal; the
// respawn tick simply retries.
func (a *ContainerActor) refreshToken() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	token, err := a.rpc.Login(ctx, a.endpoint, a.cfg.RPCUser, a.cfg.RPCPassword)
	if err != nil {
		a.log.Warn("token refresh failed", "error", err)
		return false
	}
	a.token = token
	a.needReauth = false
	return true
}

// login retries RPC authentication with the shared exponential backoff
// up to MSGRPCConnectMaxAttempts.
func (a *ContainerActor) login(ctx context.Context) (Token, *Error) {
	var lastErr error
	for attempt := 1; attempt <= a.cfg.MSGRPCConnectMaxAttempts; attempt++ {
		a.msgrpcConnectTries = attempt
		token, err := a.rpc.Login(ctx, a.endpoint, a.cfg.RPCUser, a.cfg.RPCPassword)
		if err == nil {
			return token, nil
		}
		lastErr = err
		if attempt == a.cfg.MSGRPCConnectMaxAttempts {
			break
		}
		select {
		case <-time.After(a.cfg.ContainerBackoff.Delay(attempt)):
		case <-ctx.Done():
			return "", NewError(KindAuthFailed, ctx.Err().Error())
		}
	}
	return "", NewError(KindAuthFailed, lastErr.Error())
}
