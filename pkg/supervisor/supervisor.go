// Package supervisor owns the lifecycle of one external worker process:
// launch, probe for reachability, link, bridge calls, monitor liveness,
// and graceful-then-forced teardown. One supervisor supervises exactly
// one worker.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/psantana5/workerlink/pkg/bridge"
	"github.com/psantana5/workerlink/pkg/config"
	"github.com/psantana5/workerlink/pkg/launcher"
	"github.com/psantana5/workerlink/pkg/logging"
	"github.com/psantana5/workerlink/pkg/metrics"
	"github.com/psantana5/workerlink/pkg/models"
	"github.com/psantana5/workerlink/pkg/prober"
	"github.com/psantana5/workerlink/pkg/registry"
	"github.com/psantana5/workerlink/pkg/transport"
)

// probeCallTimeout bounds one identity round trip during probing.
const probeCallTimeout = 2 * time.Second

// errStopRequested reports a startup aborted because Stop arrived while
// it was still in flight.
var errStopRequested = errors.New("stop requested before ready")

// InitHook is the optional one-argument init hook a service may expose.
// It runs in the Initializing phase with the worker's node reference;
// a failure aborts startup.
type InitHook func(ctx context.Context, ref models.NodeRef) error

// Options wires the supervisor's collaborators.
type Options struct {
	Registry  registry.Registry
	Config    config.Source
	Transport transport.Transport
	Launcher  *launcher.Launcher
	Logger    *logging.Logger
	Metrics   *metrics.Collector // optional

	ProbeRetries int           // default prober.DefaultRetries
	ProbeDelay   time.Duration // default prober.DefaultDelay

	InitHook InitHook // optional
}

// Supervisor is the single-owner state machine for one worker. All state
// is owned by the starting goroutine until Ready, then by the actor
// loop; external callers only ever go through Start, Call and Stop.
type Supervisor struct {
	identity models.Identity
	opts     Options
	logger   *logging.Logger
	bridge   *bridge.Bridge

	mu            sync.Mutex
	phase         models.Phase
	cfg           models.Config
	ref           models.NodeRef
	handle        *launcher.Handle
	reason        models.Reason
	unsubscribe   func()
	stopRequested bool
	cancelProbe   context.CancelFunc

	unlinked     atomic.Bool
	shutdownOnce sync.Once

	reqs     chan request
	loopDone chan struct{}
}

// New creates a supervisor for identity. Nothing runs until Start.
func New(identity models.Identity, opts Options) *Supervisor {
	logger := opts.Logger
	if logger == nil {
		logger = logging.New(logging.INFO, false)
	}
	return &Supervisor{
		identity: identity,
		opts:     opts,
		logger:   logger.WithField("worker", string(identity)),
		bridge:   bridge.New(opts.Transport),
		phase:    models.PhaseUninitialized,
		reqs:     make(chan request, 32),
		loopDone: make(chan struct{}),
	}
}

// Identity returns the logical name this supervisor runs under.
func (s *Supervisor) Identity() models.Identity {
	return s.identity
}

// Phase returns the current lifecycle phase.
func (s *Supervisor) Phase() models.Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// NodeRef returns the worker's node reference, zero before Configuring.
func (s *Supervisor) NodeRef() models.NodeRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ref
}

// WorkerPID returns the captured worker process id, zero when unknown.
func (s *Supervisor) WorkerPID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return 0
	}
	return s.handle.PID
}

// StopReason returns why the supervisor left Ready, empty while running.
func (s *Supervisor) StopReason() models.Reason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Start walks the startup sequence to Ready. It is synchronous: it
// returns only once the worker is ready, or with the failure that
// aborted startup, in which case no partial supervisor is left running.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.phase != models.PhaseUninitialized {
		phase := s.phase
		s.mu.Unlock()
		return fmt.Errorf("start is not valid in phase %s", phase)
	}
	s.phase = models.PhaseLoading
	s.mu.Unlock()

	if err := s.startup(ctx); err != nil {
		s.recordStart(startResult(err))
		return err
	}

	s.recordStart("ready")
	if s.opts.Metrics != nil {
		s.opts.Metrics.WorkerReady(1)
	}
	go s.run()
	return nil
}

func (s *Supervisor) startup(ctx context.Context) error {
	// Loading: the identity must name a registered service.
	if !s.opts.Registry.IsRegistered(s.identity) {
		s.setPhase(models.PhaseStopped)
		return fmt.Errorf("%w: %s", models.ErrNotLoaded, s.identity)
	}

	// Configuring: a missing entry is an empty config, not a failure.
	s.setPhase(models.PhaseConfiguring)
	cfg, err := s.opts.Config.Lookup(s.identity)
	if err != nil {
		if !errors.Is(err, models.ErrConfigMissing) {
			s.setPhase(models.PhaseStopped)
			return err
		}
		cfg = models.Config{}
	}
	if cfg.IsZero() {
		s.logger.Warn("no launch config, proceeding with an empty one")
	}

	ref := models.NewNodeRef(s.identity, cfg)
	s.mu.Lock()
	s.cfg = cfg
	s.ref = ref
	s.mu.Unlock()

	// Launching. A stop request racing the spawn is honored at a
	// rendezvous: either before the spawn here, or on the handle
	// assignment right after it. Stop never tears down a handle it
	// cannot see, so the worker cannot slip through the gap.
	if s.stopPending() {
		s.abortStartup()
		return errStopRequested
	}
	s.setPhase(models.PhaseLaunching)
	handle, err := s.opts.Launcher.Launch(ctx, s.identity, cfg, []string{
		"WORKERLINK_NODE=" + ref.String(),
		"WORKERLINK_ADDR=" + ref.Addr(),
	})
	if err != nil {
		s.setPhase(models.PhaseStopped)
		return err
	}
	s.mu.Lock()
	s.handle = handle
	stopped := s.stopRequested
	s.mu.Unlock()
	if stopped {
		// Stop arrived while the worker was being spawned and could not
		// see the handle yet; the teardown runs here instead.
		s.abortStartup()
		return errStopRequested
	}

	// Probing: identity-confirming round trips, fixed delay. A stop
	// request cancels the probe instead of waiting out the retries.
	s.setPhase(models.PhaseProbing)
	probeCtx, cancelProbe := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancelProbe = cancelProbe
	s.mu.Unlock()
	retries := s.opts.ProbeRetries
	if retries <= 0 {
		retries = prober.DefaultRetries
	}
	delay := s.opts.ProbeDelay
	if delay <= 0 {
		delay = prober.DefaultDelay
	}
	err = prober.Probe(probeCtx, s.checkIdentity, retries, delay)
	cancelProbe()
	if err != nil {
		s.abortStartup()
		if s.stopPending() {
			return errStopRequested
		}
		return err
	}
	if s.stopPending() {
		s.abortStartup()
		return errStopRequested
	}

	// Linking: disconnect notification plus exit signal, two independent
	// subscriptions feeding the same shutdown path.
	s.setPhase(models.PhaseLinking)
	unsubscribe := s.opts.Transport.SubscribeDisconnect(ref, s.onNodeDown)
	s.mu.Lock()
	s.unsubscribe = unsubscribe
	s.mu.Unlock()
	go s.watchExit(handle)

	// Initializing: optional one-argument init hook.
	s.setPhase(models.PhaseInitializing)
	if s.opts.InitHook != nil {
		if err := s.opts.InitHook(ctx, ref); err != nil {
			s.abortStartup()
			return fmt.Errorf("init hook failed: %w", err)
		}
	}

	// Ready, unless a stop raced in since the last rendezvous. The flag
	// check and the transition share one critical section so a stop is
	// either honored here or observes the Ready phase.
	s.mu.Lock()
	if s.stopRequested {
		s.mu.Unlock()
		s.abortStartup()
		return errStopRequested
	}
	if err := models.ValidateTransition(s.phase, models.PhaseReady); err == nil {
		s.phase = models.PhaseReady
	}
	s.mu.Unlock()

	s.logger.Info("worker ready", map[string]interface{}{
		"node": ref.String(),
		"pid":  handle.PID,
	})
	return nil
}

// stopPending reports whether a stop request arrived during startup.
func (s *Supervisor) stopPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopRequested
}

// checkIdentity asks the worker to state its own node name and compares
// it against the reference we computed.
func (s *Supervisor) checkIdentity(ctx context.Context) bool {
	if s.opts.Metrics != nil {
		s.opts.Metrics.RecordProbeAttempt()
	}
	raw, err := s.opts.Transport.Call(ctx, s.NodeRef(), "node", "name", nil, probeCallTimeout)
	if err != nil {
		return false
	}
	var name string
	if err := json.Unmarshal(raw, &name); err != nil {
		return false
	}
	return name == s.NodeRef().String()
}

// abortStartup tears down whatever startup had acquired. Forced path:
// the worker never reached Ready, there is nothing to say goodbye to.
func (s *Supervisor) abortStartup() {
	s.doShutdown(models.ReasonRequested, false)
}

// Call forwards one synchronous procedure call to the worker. Valid only
// in Ready; a zero timeout uses the transport's default. The worker's
// result comes back verbatim; transport failures come back as
// *transport.Error and leave the supervisor running.
func (s *Supervisor) Call(ctx context.Context, module, function string, args []interface{}, timeout time.Duration) (json.RawMessage, error) {
	if !models.CanCall(s.Phase()) {
		s.recordCall("not_ready", 0)
		return nil, models.ErrNotReady
	}

	req := request{
		kind:     reqCall,
		ctx:      ctx,
		module:   module,
		function: function,
		args:     args,
		timeout:  timeout,
		reply:    make(chan callResult, 1),
	}

	select {
	case s.reqs <- req:
	case <-s.loopDone:
		s.recordCall("not_ready", 0)
		return nil, models.ErrNotReady
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-req.reply:
		return res.value, res.err
	case <-s.loopDone:
		// The loop may have answered just before finishing.
		select {
		case res := <-req.reply:
			return res.value, res.err
		default:
			s.recordCall("not_ready", 0)
			return nil, models.ErrNotReady
		}
	}
}

// Stop shuts the worker down. Valid in any phase: before anything was
// launched it is a no-op success; from Ready it runs the graceful path;
// repeated stops are harmless.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	switch s.phase {
	case models.PhaseStopping, models.PhaseStopped:
		s.mu.Unlock()
		return nil

	case models.PhaseReady:
		s.mu.Unlock()
		return s.stopReady()

	case models.PhaseUninitialized:
		// Never started.
		if models.ValidateTransition(s.phase, models.PhaseStopped) == nil {
			s.phase = models.PhaseStopped
		}
		s.mu.Unlock()
		return nil

	default:
		// Startup is in flight. Flag it so the starting goroutine
		// aborts at its next rendezvous, cancel a probe in progress,
		// and tear down the worker if one is already owned. The flag
		// and the handle share the lock the starting goroutine assigns
		// them under, so exactly one side runs the teardown.
		s.stopRequested = true
		handle := s.handle
		cancelProbe := s.cancelProbe
		s.mu.Unlock()
		if cancelProbe != nil {
			cancelProbe()
		}
		if handle != nil {
			s.doShutdown(models.ReasonRequested, false)
		}
		return nil
	}
}

// stopReady routes a stop request through the actor loop.
func (s *Supervisor) stopReady() error {
	req := request{kind: reqStop, reply: make(chan callResult, 1)}
	select {
	case s.reqs <- req:
	case <-s.loopDone:
		return nil
	}
	select {
	case <-req.reply:
	case <-s.loopDone:
	}
	return nil
}

// run is the actor loop. It owns SupervisorState from Ready onward and
// processes requests and lifecycle events strictly one at a time, in
// arrival order. A call in progress blocks the loop; events arriving
// during that window queue in the mailbox.
func (s *Supervisor) run() {
	for {
		req := <-s.reqs
		switch req.kind {
		case reqCall:
			if !models.CanCall(s.Phase()) {
				req.reply <- callResult{err: models.ErrNotReady}
				continue
			}
			req.reply <- s.doCall(req)

		case reqStop:
			s.doShutdown(models.ReasonRequested, true)
			req.reply <- callResult{}
			s.finish()
			return

		case evNodeDown:
			s.doShutdown(models.ReasonNodeDown, false)
			s.finish()
			return

		case evExit:
			s.doShutdown(models.ReasonUnexpectedExit, false)
			s.finish()
			return
		}
	}
}

// finish answers whatever raced into the mailbox, then releases waiters.
func (s *Supervisor) finish() {
	for {
		select {
		case req := <-s.reqs:
			if req.reply != nil {
				req.reply <- callResult{err: models.ErrNotReady}
			}
		default:
			close(s.loopDone)
			return
		}
	}
}

func (s *Supervisor) doCall(req request) callResult {
	start := time.Now()
	value, err := s.bridge.Forward(req.ctx, s.NodeRef(), req.module, req.function, req.args, req.timeout)
	if err != nil {
		s.recordCall("transport_error", time.Since(start))
		return callResult{err: err}
	}
	s.recordCall("ok", time.Since(start))
	return callResult{value: value}
}

// setPhase applies a validated transition. A rejected transition is a
// programming error; it is logged and the phase left untouched.
func (s *Supervisor) setPhase(to models.Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := models.ValidateTransition(s.phase, to); err != nil {
		s.logger.Error("phase transition rejected", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	s.logger.Debug("phase transition", map[string]interface{}{
		"from": string(s.phase),
		"to":   string(to),
	})
	s.phase = to
}

func (s *Supervisor) recordStart(result string) {
	if s.opts.Metrics != nil {
		s.opts.Metrics.RecordStart(result)
	}
}

func (s *Supervisor) recordCall(result string, d time.Duration) {
	if s.opts.Metrics != nil {
		s.opts.Metrics.RecordCall(string(s.identity), result, d)
	}
}

func startResult(err error) string {
	switch {
	case errors.Is(err, models.ErrNotLoaded):
		return "not_loaded"
	case errors.Is(err, models.ErrLaunchFailure):
		return "launch_failure"
	case errors.Is(err, models.ErrStartupTimeout):
		return "startup_timeout"
	case errors.Is(err, errStopRequested):
		return "stopped"
	default:
		return "init_failure"
	}
}

type reqKind int

const (
	reqCall reqKind = iota
	reqStop
	evNodeDown
	evExit
)

type request struct {
	kind     reqKind
	ctx      context.Context
	module   string
	function string
	args     []interface{}
	timeout  time.Duration
	reply    chan callResult
}

type callResult struct {
	value json.RawMessage
	err   error
}
