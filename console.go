package sandbox

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// CommandInfo names the command currently running on a busy console.
type CommandInfo struct {
	Id   CommandId
	Text string
}

type timerPurpose int

const (
	purposePoll timerPurpose = iota
	purposeKeepalive
)

type requestKind int

const (
	reqSendCommand requestKind = iota
	reqGetStatus
	reqGetPrompt
	reqGoOffline
)

type actorRequest struct {
	kind  requestKind
	ctx   context.Context
	text  string
	reply chan actorReply
}

type actorReply struct {
	status    ConsoleStatus
	prompt    string
	commandId CommandId
	err       *Error
}

// ConsoleActor is one instance per (container_id, track_id) with an
// active console session. It drives the starting -> ready -> busy state
// machine, owns the destructive polling loop, and broadcasts output
// deltas on the Bus. There is no internal "offline" state: a dead actor
// *is* offline, and the parent ContainerActor synthesizes the offline
// event once it observes Done().
type ConsoleActor struct {
	cfg      Config
	rpc      RPCClient
	bus      *Bus
	sink     TraceSink
	endpoint Endpoint
	token    Token
	log      *slog.Logger

	workspaceId WorkspaceId
	containerId ContainerId
	trackId     TrackId

	requests chan actorRequest
	done     chan struct{}
	doneOnce sync.Once
	errVal   atomic.Pointer[Error]

	// Owned exclusively by run(); never touched from another goroutine.
	status      ConsoleStatus
	sessionId   ConsoleSessionId
	current     *CommandInfo
	accumulated strings.Builder
	prompt      string
	retryCount  int
}

// NewConsoleActor opens a console session against endpoint/token and
// spawns the actor's mailbox goroutine in the starting state. If the
// session cannot be created the caller (a ContainerActor spawning a
// console slot) treats this the same as any other spawn failure subject
// to its own restart/backoff policy.
func NewConsoleActor(ctx context.Context, cfg Config, rpc RPCClient, bus *Bus, sink TraceSink,
	workspaceId WorkspaceId, containerId ContainerId, trackId TrackId,
	endpoint Endpoint, token Token, log *slog.Logger) (*ConsoleActor, error) {

	if sink == nil {
		sink = NoopTraceSink{}
	}
	if log == nil {
		log = slog.Default()
	}

	sessionId, err := rpc.ConsoleCreate(ctx, endpoint, token)
	if err != nil {
		return nil, NewError(KindSessionCreateFailed, err.Error())
	}

	a := &ConsoleActor{
		cfg:         cfg,
		rpc:         rpc,
		bus:         bus,
		sink:        sink,
		endpoint:    endpoint,
		token:       token,
		log:         log.With("track_id", int64(trackId), "container_id", int64(containerId)),
		workspaceId: workspaceId,
		containerId: containerId,
		trackId:     trackId,
		requests:    make(chan actorRequest),
		done:        make(chan struct{}),
		status:      ConsoleStarting,
		sessionId:   sessionId,
	}

	go a.run()
	return a, nil
}

// Done is closed once the actor has terminated, for any reason. The
// parent ContainerActor monitors this to synthesize an offline event
// and decide whether to respawn.
func (a *ConsoleActor) Done() <-chan struct{} { return a.done }

// Err returns the reason the actor terminated. Only meaningful after
// Done() is closed.
func (a *ConsoleActor) Err() *Error { return a.errVal.Load() }

// Status returns the console's current status.
func (a *ConsoleActor) Status() ConsoleStatus {
	reply := a.call(actorRequest{kind: reqGetStatus, reply: make(chan actorReply, 1)})
	return reply.status
}

// Prompt returns the console's last known prompt.
func (a *ConsoleActor) Prompt() string {
	reply := a.call(actorRequest{kind: reqGetPrompt, reply: make(chan actorReply, 1)})
	return reply.prompt
}

// SendCommand writes text to the console if it is ready. Preconditions
// are enforced by the actor itself: a console that is starting or busy
// replies with the matching error kind instead of queuing the command.
func (a *ConsoleActor) SendCommand(ctx context.Context, text string) (CommandId, *Error) {
	reply := a.call(actorRequest{kind: reqSendCommand, ctx: ctx, text: text, reply: make(chan actorReply, 1)})
	return reply.commandId, reply.err
}

// GoOffline asynchronously destroys the session and terminates the
// actor. It does not wait for the session to finish destroying itself;
// pending writes are not force-aborted.
func (a *ConsoleActor) GoOffline() {
	select {
	case a.requests <- actorRequest{kind: reqGoOffline}:
	case <-a.done:
	}
}

// call sends a request into the mailbox and waits for its reply, unless
// the actor has already terminated, in which case it synthesizes an
// offline reply rather than block forever.
func (a *ConsoleActor) call(req actorRequest) actorReply {
	select {
	case a.requests <- req:
	case <-a.done:
		return actorReply{err: NewError(KindConsoleOffline, "")}
	}
	select {
	case r := <-req.reply:
		return r
	case <-a.done:
		return actorReply{err: NewError(KindConsoleOffline, "")}
	}
}

func (a *ConsoleActor) publish(status ConsoleStatus, output, prompt string, cmd *CommandInfo) {
	ev := ConsoleUpdated{
		WorkspaceId: a.workspaceId,
		ContainerId: a.containerId,
		TrackId:     a.trackId,
		Status:      status,
		Output:      output,
		Prompt:      prompt,
	}
	if cmd != nil {
		ev.CommandId = cmd.Id
		ev.CommandText = cmd.Text
	}
	a.bus.Publish(ev)
}

func (a *ConsoleActor) terminate(reason *Error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.rpc.ConsoleDestroy(ctx, a.endpoint, a.token, a.sessionId)

	a.errVal.Store(reason)
	a.doneOnce.Do(func() { close(a.done) })
}

// run is the actor's single goroutine: all state above is only ever
// touched here, so no mutex is needed to protect it. The single-threaded
// mailbox also guarantees no two console_read calls for the same session
// are ever in flight at once, which the destructive read protocol
// depends on.
func (a *ConsoleActor) run() {
	purpose := purposePoll
	timer := time.NewTimer(0) // poll immediately while starting
	defer timer.Stop()

	for {
		select {
		case req, ok := <-a.requests:
			if !ok {
				return
			}
			if terminated := a.handleRequest(req); terminated {
				drainTimer(timer)
				return
			}
			purpose = a.rearm(timer, purpose)

		case <-timer.C:
			terminated := false
			switch purpose {
			case purposePoll:
				terminated = a.poll()
			case purposeKeepalive:
				terminated = a.keepalive()
			}
			if terminated {
				return
			}
			purpose = a.rearm(timer, purpose)
		}
	}
}

// rearm arms the single shared timer for whatever the actor should do
// next, given its current status. Entering ready cancels any pending
// poll by switching the timer's purpose to keepalive; entering busy
// does the reverse, so a scheduled callback never fires for a state the
// actor has already left.
func (a *ConsoleActor) rearm(timer *time.Timer, prev timerPurpose) timerPurpose {
	drainTimer(timer)

	switch a.status {
	case ConsoleReady:
		timer.Reset(a.cfg.ConsoleKeepaliveInterval)
		return purposeKeepalive
	default: // starting or busy
		if a.retryCount > 0 {
			timer.Reset(a.cfg.retryDelay(a.retryCount))
		} else {
			timer.Reset(a.cfg.ConsolePollInterval)
		}
		return purposePoll
	}
}

func drainTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}

// handleRequest processes one mailbox request and reports whether the
// actor terminated while handling it.
func (a *ConsoleActor) handleRequest(req actorRequest) (terminated bool) {
	switch req.kind {
	case reqGetStatus:
		req.reply <- actorReply{status: a.status}
		return false

	case reqGetPrompt:
		req.reply <- actorReply{prompt: a.prompt}
		return false

	case reqGoOffline:
		a.terminate(nil)
		return true

	case reqSendCommand:
		return a.handleSendCommand(req)
	}
	return false
}

func (a *ConsoleActor) handleSendCommand(req actorRequest) (terminated bool) {
	switch a.status {
	case ConsoleStarting:
		req.reply <- actorReply{err: NewError(KindConsoleStarting, "")}
		return false
	case ConsoleBusy:
		req.reply <- actorReply{err: NewError(KindConsoleBusy, "")}
		return false
	}

	text := req.text
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}

	ctx := req.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	cmdId := NewCommandId()
	if _, err := a.rpc.ConsoleWrite(ctx, a.endpoint, a.token, a.sessionId, []byte(text)); err != nil {
		a.log.Warn("console write failed, terminating actor", "error", err)
		req.reply <- actorReply{err: NewError(KindConsoleWriteFailed, err.Error())}
		a.terminate(NewError(KindConsoleWriteFailed, err.Error()))
		return true
	}

	a.status = ConsoleBusy
	a.accumulated.Reset()
	a.current = &CommandInfo{Id: cmdId, Text: req.text}
	a.retryCount = 0
	a.publish(ConsoleBusy, "", "", a.current)

	req.reply <- actorReply{status: ConsoleBusy, commandId: cmdId}
	return false
}

// poll performs one console_read cycle and advances the state machine.
// It returns true if the actor terminated (permanent read failure).
func (a *ConsoleActor) poll() (terminated bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := a.rpc.ConsoleRead(ctx, a.endpoint, a.token, a.sessionId)
	if err != nil {
		a.retryCount++
		if a.retryCount <= a.cfg.ConsoleReadMaxRetries {
			a.log.Debug("console read failed, retrying", "attempt", a.retryCount, "error", err)
			return false
		}
		a.log.Warn("console read failed permanently, terminating actor", "error", err)
		a.terminate(NewError(KindConsoleReadFailed, err.Error()))
		return true
	}
	a.retryCount = 0

	if res.Data != "" {
		a.accumulated.WriteString(res.Data)
	}

	switch a.status {
	case ConsoleStarting:
		if res.Data != "" {
			a.publish(ConsoleStarting, res.Data, "", nil)
		}
		if !res.Busy {
			a.enterReady(res.Prompt)
		}

	case ConsoleBusy:
		if res.Data != "" {
			a.publish(ConsoleBusy, res.Data, "", a.current)
		}
		if !res.Busy {
			a.finishCommand(res.Prompt)
			a.enterReady(res.Prompt)
		}
	}
	return false
}

func (a *ConsoleActor) finishCommand(prompt string) {
	if a.current == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.sink.RecordCommand(ctx, CommandTrace{
		WorkspaceId: a.workspaceId,
		ContainerId: a.containerId,
		TrackId:     a.trackId,
		CommandId:   a.current.Id,
		CommandText: a.current.Text,
		FullOutput:  a.accumulated.String(),
		Prompt:      prompt,
	})
	a.current = nil
}

func (a *ConsoleActor) enterReady(prompt string) {
	a.prompt = prompt
	a.status = ConsoleReady
	a.accumulated.Reset()
	a.publish(ConsoleReady, "", prompt, nil)
}

// keepalive issues a single draining read while idle-ready; any failure
// is fatal to the actor.
func (a *ConsoleActor) keepalive() (terminated bool) {
	if a.status != ConsoleReady {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := a.rpc.ConsoleRead(ctx, a.endpoint, a.token, a.sessionId); err != nil {
		a.log.Warn("keepalive failed, terminating actor", "error", err)
		a.terminate(NewError(KindKeepaliveFailed, err.Error()))
		return true
	}
	return false
}
