package whatsapp

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Opener runs driver opens off the actor goroutine. *ants.Pool satisfies it.
type Opener interface {
	Submit(task func()) error
}

type actorConfig struct {
	PairingTimeout time.Duration
}

type commandKind int

const (
	cmdConnect commandKind = iota + 1
	cmdDisconnect
	cmdOpened
	cmdStop
	cmdReap
)

type command struct {
	kind  commandKind
	reply chan SessionState

	// cmdConnect, nil when the attempt bypasses the gate
	adm *admission

	// cmdOpened
	gen     uint64
	session DriverSession
	err     error

	// cmdReap
	ttl    time.Duration
	reaped chan bool
}

// admission carries the ticket of one connect call. Whoever claims it first
// owns the ticket: the actor when it handles the command, or the caller when
// it gives up before that.
type admission struct {
	ticket  Ticket
	claimed atomic.Bool
}

func (ad *admission) claim() bool {
	return ad.claimed.CompareAndSwap(false, true)
}

// actor owns one tenant's session. Every transition happens on its run
// goroutine; readers see committed states through the topic.
type actor struct {
	tenant   string
	driver   Driver
	opener   Opener
	clock    *Clock
	topic    *topic
	cfg      actorConfig
	onCommit func(SessionState)
	refund   func(Ticket)
	log      *zap.Logger

	cmds     chan command
	stopped  chan struct{}
	stopOnce sync.Once
	touched  atomic.Int64

	// owned by run
	current    SessionState
	gen        uint64
	cancelOpen context.CancelFunc
	session    DriverSession
	events     <-chan DriverEvent
	deadline   *time.Timer
	deadlineC  <-chan time.Time
	openedAt   time.Time
	tickets    []Ticket
}

func (a *actor) start() {
	a.cmds = make(chan command, 8)
	a.stopped = make(chan struct{})
	a.current = SessionState{Tenant: a.tenant, Status: StatusIdle}
	a.touch()
	go a.run()
}

func (a *actor) alive() bool {
	select {
	case <-a.stopped:
		return false
	default:
		return true
	}
}

func (a *actor) touch() {
	a.touched.Store(time.Now().UnixNano())
}

// idleFor is how long the actor has gone without a command or transition.
func (a *actor) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, a.touched.Load()))
}

// State is the last committed state, or a fresh idle one before the first commit.
func (a *actor) State() SessionState {
	if st, ok := a.topic.snapshot(); ok {
		return st
	}
	return idleState(a.tenant, a.clock.Next())
}

// connect asks for a connection attempt. An error means the command was not
// handled and the ticket in adm, if any, is still the caller's.
func (a *actor) connect(ctx context.Context, adm *admission) (SessionState, error) {
	return a.call(ctx, command{kind: cmdConnect, adm: adm})
}

func (a *actor) disconnect(ctx context.Context) (SessionState, error) {
	return a.call(ctx, command{kind: cmdDisconnect})
}

// stop tears the session down and ends the goroutine. Safe to call repeatedly.
func (a *actor) stop(ctx context.Context) error {
	a.stopOnce.Do(func() {
		select {
		case a.cmds <- command{kind: cmdStop}:
		case <-a.stopped:
		case <-ctx.Done():
		}
	})
	select {
	case <-a.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *actor) call(ctx context.Context, cmd command) (SessionState, error) {
	cmd.reply = make(chan SessionState, 1)
	a.touch()
	select {
	case a.cmds <- cmd:
	case <-a.stopped:
		return a.State(), ErrClosed
	case <-ctx.Done():
		return a.State(), ctx.Err()
	}
	var err error
	select {
	case st := <-cmd.reply:
		return st, nil
	case <-a.stopped:
		err = ErrClosed
	case <-ctx.Done():
		err = ctx.Err()
	}
	if cmd.adm == nil || cmd.adm.claim() {
		return a.State(), err
	}
	// handled already, the reply is on its way
	return <-cmd.reply, nil
}

// reap stops the actor if it is still resting and untouched for ttl when
// the command reaches it. It reports whether this call stopped it.
func (a *actor) reap(ctx context.Context, ttl time.Duration) (bool, error) {
	cmd := command{kind: cmdReap, ttl: ttl, reaped: make(chan bool, 1)}
	select {
	case a.cmds <- cmd:
	case <-a.stopped:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
	select {
	case reaped := <-cmd.reaped:
		if reaped {
			<-a.stopped
		}
		return reaped, nil
	case <-a.stopped:
		select {
		case reaped := <-cmd.reaped:
			return reaped, nil
		default:
			return false, nil
		}
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (a *actor) run() {
	defer close(a.stopped)
	for {
		select {
		case cmd := <-a.cmds:
			if a.handle(cmd) {
				return
			}
		case ev, ok := <-a.events:
			if !ok {
				a.onSessionEnded()
				continue
			}
			a.onDriverEvent(ev)
		case <-a.deadlineC:
			a.deadlineC = nil
			a.teardown()
			a.commit(SessionState{Status: StatusError, LastError: "pairing timed out"})
		}
	}
}

func (a *actor) handle(cmd command) (stop bool) {
	switch cmd.kind {
	case cmdConnect:
		if cmd.adm != nil && !cmd.adm.claim() {
			return false
		}
		a.touch()
		if _, ok := nextStatus(a.current.Status, triggerConnect); ok {
			a.charge(cmd.adm)
			a.commit(SessionState{Status: StatusInitializing})
			a.open()
		} else if a.current.Status == StatusReady {
			if cmd.adm != nil && a.refund != nil {
				a.refund(cmd.adm.ticket)
			}
		} else {
			a.charge(cmd.adm)
		}
		cmd.reply <- a.current
	case cmdDisconnect:
		a.touch()
		if _, ok := nextStatus(a.current.Status, triggerDisconnect); ok {
			a.teardown()
			a.commit(SessionState{Status: StatusDisconnected})
		}
		cmd.reply <- a.current
	case cmdOpened:
		a.onOpened(cmd)
	case cmdStop:
		a.teardown()
		if !a.current.Status.Resting() {
			a.commit(SessionState{Status: StatusDisconnected})
		}
		return true
	case cmdReap:
		idle := a.current.Status.Resting() && a.idleFor(time.Now()) > cmd.ttl
		if idle {
			a.teardown()
		}
		cmd.reaped <- idle
		return idle
	}
	return false
}

// charge adds an admitted ticket to the running attempt.
func (a *actor) charge(adm *admission) {
	if adm != nil {
		a.tickets = append(a.tickets, adm.ticket)
	}
}

// settle closes the attempt's tickets: refunded on ready, kept otherwise.
func (a *actor) settle(status Status) {
	switch {
	case status == StatusReady:
		if a.refund != nil {
			for _, t := range a.tickets {
				a.refund(t)
			}
		}
		a.tickets = nil
	case status.Resting():
		a.tickets = nil
	}
}

// open starts the driver in the pool. The generation tags the result so an
// open that finishes after a disconnect is closed instead of adopted.
func (a *actor) open() {
	a.gen++
	gen := a.gen
	ctx, cancel := context.WithCancel(context.Background())
	a.cancelOpen = cancel
	a.openedAt = time.Now()
	task := func() {
		sess, err := a.driver.Open(ctx, a.tenant)
		a.post(command{kind: cmdOpened, gen: gen, session: sess, err: err})
	}
	go func() {
		if err := a.opener.Submit(task); err != nil {
			a.post(command{kind: cmdOpened, gen: gen, err: errors.Wrap(err, "schedule driver open")})
		}
	}()
}

// post delivers an internal command, closing the orphaned session when the
// actor is already gone.
func (a *actor) post(cmd command) {
	select {
	case a.cmds <- cmd:
	case <-a.stopped:
		if cmd.session != nil {
			_ = cmd.session.Close()
		}
	}
}

func (a *actor) onOpened(cmd command) {
	if cmd.gen != a.gen || a.current.Status != StatusInitializing {
		if cmd.session != nil {
			_ = cmd.session.Close()
		}
		return
	}
	if cmd.err != nil {
		a.log.Warn("whatsapp: driver open failed", zap.Error(cmd.err))
		a.teardown()
		a.commit(SessionState{Status: StatusError, LastError: cmd.err.Error()})
		return
	}
	a.session = cmd.session
	a.events = cmd.session.Events()
}

func (a *actor) onDriverEvent(ev DriverEvent) {
	var t trigger
	switch ev.Kind {
	case DriverPairingCode:
		t = triggerPairingCode
	case DriverPaired:
		t = triggerPaired
	case DriverFailed:
		t = triggerFailed
	case DriverLinkLost:
		t = triggerLinkLost
	default:
		return
	}
	next, ok := nextStatus(a.current.Status, t)
	if !ok {
		a.log.Debug("whatsapp: ignoring driver event",
			zap.String("event", ev.Kind.String()), zap.String("status", string(a.current.Status)))
		return
	}
	st := SessionState{Status: next}
	switch next {
	case StatusWaitingQR:
		if ev.Artifact == "" {
			return
		}
		st.PairingArtifact = ev.Artifact
		if a.current.Status != StatusWaitingQR {
			a.armDeadline()
		}
	case StatusReady:
		a.disarmDeadline()
	case StatusError:
		st.LastError = "driver failed"
		if ev.Err != nil {
			st.LastError = ev.Err.Error()
		}
		a.teardown()
	case StatusDisconnected:
		a.teardown()
	}
	a.commit(st)
}

// onSessionEnded handles a driver that closed its event channel on its own.
func (a *actor) onSessionEnded() {
	a.events = nil
	switch {
	case a.current.Status == StatusReady:
		a.teardown()
		a.commit(SessionState{Status: StatusDisconnected})
	case a.current.Status.InFlight():
		a.teardown()
		a.commit(SessionState{Status: StatusError, LastError: "driver session ended"})
	}
}

func (a *actor) armDeadline() {
	a.disarmDeadline()
	if a.cfg.PairingTimeout <= 0 {
		return
	}
	a.deadline = time.NewTimer(a.cfg.PairingTimeout)
	a.deadlineC = a.deadline.C
}

func (a *actor) disarmDeadline() {
	if a.deadline != nil {
		a.deadline.Stop()
		a.deadline = nil
	}
	a.deadlineC = nil
}

// teardown releases every driver resource and invalidates in-flight opens.
func (a *actor) teardown() {
	a.gen++
	a.disarmDeadline()
	if a.cancelOpen != nil {
		a.cancelOpen()
		a.cancelOpen = nil
	}
	if a.session != nil {
		if err := a.session.Close(); err != nil {
			a.log.Debug("whatsapp: driver close", zap.Error(err))
		}
		a.session = nil
	}
	a.events = nil
}

func (a *actor) commit(st SessionState) {
	st.Tenant = a.tenant
	st.UpdatedAt = a.clock.Next()
	prev := a.current
	a.current = st
	a.touch()
	a.settle(st.Status)
	if !a.topic.commit(a, st) {
		return
	}
	a.log.Info("whatsapp: session transition",
		zap.String("from", string(prev.Status)), zap.String("to", string(st.Status)))
	if st.Status == StatusReady && !a.openedAt.IsZero() {
		observeReady(time.Since(a.openedAt))
		a.openedAt = time.Time{}
	}
	if a.onCommit != nil {
		a.onCommit(st)
	}
}
