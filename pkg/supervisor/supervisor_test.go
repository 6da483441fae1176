package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/psantana5/workerlink/pkg/config"
	"github.com/psantana5/workerlink/pkg/launcher"
	"github.com/psantana5/workerlink/pkg/logging"
	"github.com/psantana5/workerlink/pkg/models"
	"github.com/psantana5/workerlink/pkg/registry"
	"github.com/psantana5/workerlink/pkg/transport"
)

// fakeTransport is an in-memory transport. The worker process itself is
// real (spawned by the launcher); only the RPC leg is simulated.
type fakeTransport struct {
	mu           sync.Mutex
	reachable    bool
	stopErr      error
	stopCalls    int
	callFn       func(module, function string, args []interface{}) (json.RawMessage, error)
	disconnectCb func(models.NodeRef)
	unsubscribed bool
}

func (f *fakeTransport) Call(ctx context.Context, ref models.NodeRef, module, function string, args []interface{}, timeout time.Duration) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch module + ":" + function {
	case "node:name":
		if !f.reachable {
			return nil, transport.NewError(ref, "call", fmt.Errorf("connection refused"))
		}
		data, _ := json.Marshal(ref.String())
		return data, nil
	case "node:stop":
		f.stopCalls++
		return json.RawMessage(`"stopping"`), f.stopErr
	default:
		if f.callFn != nil {
			return f.callFn(module, function, args)
		}
		return nil, transport.NewError(ref, "call", fmt.Errorf("no handler"))
	}
}

func (f *fakeTransport) SubscribeDisconnect(ref models.NodeRef, cb func(models.NodeRef)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnectCb = cb
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.unsubscribed = true
	}
}

func (f *fakeTransport) fireNodeDown(ref models.NodeRef) {
	f.mu.Lock()
	cb := f.disconnectCb
	f.mu.Unlock()
	if cb != nil {
		cb(ref)
	}
}

func quietLogger() *logging.Logger {
	return logging.New(logging.ERROR, false)
}

// testOptions wires a supervisor against a real launcher and a fake
// transport. The worker command just sleeps so there is a live process
// to tear down.
func testOptions(t *testing.T, ft *fakeTransport) Options {
	t.Helper()
	logger := quietLogger()
	return Options{
		Registry: registry.NewStatic("calc"),
		Config: config.Map{
			"calc": {Executable: "/bin/sleep", Args: []string{"60"}, Port: 9301},
		},
		Transport:    ft,
		Launcher:     launcher.New(logger),
		Logger:       logger,
		ProbeRetries: 3,
		ProbeDelay:   10 * time.Millisecond,
	}
}

func waitForPhase(t *testing.T, sup *Supervisor, want models.Phase, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if sup.Phase() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected phase %s within %v, still %s", want, within, sup.Phase())
}

func waitForProcessGone(t *testing.T, pid int, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		exists, err := process.PidExists(int32(pid))
		if err == nil && !exists {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("worker pid %d still exists after %v", pid, within)
}

func TestStart_UnregisteredIdentity(t *testing.T) {
	ft := &fakeTransport{reachable: true}
	opts := testOptions(t, ft)

	sup := New("ghost", opts)
	err := sup.Start(context.Background())
	if !errors.Is(err, models.ErrNotLoaded) {
		t.Fatalf("expected ErrNotLoaded, got %v", err)
	}
	if sup.Phase() != models.PhaseStopped {
		t.Errorf("expected phase stopped, got %s", sup.Phase())
	}
	if sup.WorkerPID() != 0 {
		t.Errorf("no worker should have been launched, got pid %d", sup.WorkerPID())
	}
}

func TestStart_MissingConfigIsEmptyConfig(t *testing.T) {
	// The config source has no entry for the identity. The supervisor
	// tolerates that as an empty config and then fails at Launching,
	// because an empty config cannot name an executable.
	ft := &fakeTransport{reachable: true}
	opts := testOptions(t, ft)
	opts.Registry = registry.NewStatic("calc", "bare")

	sup := New("bare", opts)
	err := sup.Start(context.Background())
	if !errors.Is(err, models.ErrLaunchFailure) {
		t.Fatalf("expected ErrLaunchFailure from empty config, got %v", err)
	}
	if sup.Phase() != models.PhaseStopped {
		t.Errorf("expected phase stopped, got %s", sup.Phase())
	}
}

func TestStart_CallStop_EndToEnd(t *testing.T) {
	ft := &fakeTransport{reachable: true}
	ft.callFn = func(module, function string, args []interface{}) (json.RawMessage, error) {
		if module == "math" && function == "add" && len(args) == 2 {
			a := args[0].(float64)
			b := args[1].(float64)
			data, _ := json.Marshal(a + b)
			return data, nil
		}
		return nil, transport.NewError(models.NodeRef{}, "call", fmt.Errorf("no handler"))
	}
	opts := testOptions(t, ft)

	sup := New("calc", opts)
	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if sup.Phase() != models.PhaseReady {
		t.Fatalf("expected phase ready, got %s", sup.Phase())
	}
	if ref := sup.NodeRef(); ref.String() != "calc@127.0.0.1:9301" {
		t.Errorf("unexpected node ref %s", ref)
	}
	pid := sup.WorkerPID()
	if pid <= 0 {
		t.Fatalf("expected captured pid, got %d", pid)
	}

	result, err := sup.Call(context.Background(), "math", "add", []interface{}{float64(2), float64(3)}, 0)
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	var sum float64
	if err := json.Unmarshal(result, &sum); err != nil {
		t.Fatalf("failed to decode result: %v", err)
	}
	if sum != 5 {
		t.Errorf("expected add(2,3) = 5, got %v", sum)
	}

	if err := sup.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if sup.Phase() != models.PhaseStopped {
		t.Errorf("expected phase stopped, got %s", sup.Phase())
	}
	waitForProcessGone(t, pid, 2*time.Second)

	ft.mu.Lock()
	stopCalls := ft.stopCalls
	ft.mu.Unlock()
	if stopCalls != 1 {
		t.Errorf("expected one graceful stop message, got %d", stopCalls)
	}

	// Calls after stop never block, they fail fast.
	if _, err := sup.Call(context.Background(), "math", "add", []interface{}{float64(1), float64(1)}, 0); !errors.Is(err, models.ErrNotReady) {
		t.Errorf("expected ErrNotReady after stop, got %v", err)
	}
}

func TestStart_ProbeTimeout(t *testing.T) {
	ft := &fakeTransport{reachable: false}
	opts := testOptions(t, ft)

	sup := New("calc", opts)
	start := time.Now()
	err := sup.Start(context.Background())
	if !errors.Is(err, models.ErrStartupTimeout) {
		t.Fatalf("expected ErrStartupTimeout, got %v", err)
	}
	// 3 attempts, 10ms fixed delay between them.
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("probe returned too early: %v", elapsed)
	}
	if sup.Phase() != models.PhaseStopped {
		t.Errorf("expected phase stopped, got %s", sup.Phase())
	}
	// Startup failure leaves no live worker behind.
	if pid := sup.WorkerPID(); pid > 0 {
		waitForProcessGone(t, pid, 2*time.Second)
	}
}

func TestCall_BeforeStart(t *testing.T) {
	ft := &fakeTransport{reachable: true}
	sup := New("calc", testOptions(t, ft))

	done := make(chan error, 1)
	go func() {
		_, err := sup.Call(context.Background(), "math", "add", nil, 0)
		done <- err
	}()
	select {
	case err := <-done:
		if !errors.Is(err, models.ErrNotReady) {
			t.Fatalf("expected ErrNotReady, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("call before start blocked")
	}
}

func TestStop_NeverStarted(t *testing.T) {
	ft := &fakeTransport{reachable: true}
	sup := New("calc", testOptions(t, ft))

	if err := sup.Stop(); err != nil {
		t.Fatalf("stop on fresh supervisor should be a no-op success, got %v", err)
	}
	if sup.Phase() != models.PhaseStopped {
		t.Errorf("expected phase stopped, got %s", sup.Phase())
	}
	// Repeat stop stays a success.
	if err := sup.Stop(); err != nil {
		t.Errorf("second stop failed: %v", err)
	}
}

func TestNodeDown_TriggersShutdown(t *testing.T) {
	ft := &fakeTransport{reachable: true}
	sup := New("calc", testOptions(t, ft))
	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	pid := sup.WorkerPID()

	ft.fireNodeDown(sup.NodeRef())

	waitForPhase(t, sup, models.PhaseStopped, 2*time.Second)
	if sup.StopReason() != models.ReasonNodeDown {
		t.Errorf("expected reason node_down, got %s", sup.StopReason())
	}
	waitForProcessGone(t, pid, 2*time.Second)

	if _, err := sup.Call(context.Background(), "x", "y", nil, 0); !errors.Is(err, models.ErrNotReady) {
		t.Errorf("expected ErrNotReady after node down, got %v", err)
	}
}

func TestUnexpectedExit_TriggersShutdown(t *testing.T) {
	ft := &fakeTransport{reachable: true}
	opts := testOptions(t, ft)
	opts.Config = config.Map{
		"calc": {Executable: "/bin/sleep", Args: []string{"0.2"}, Port: 9301},
	}

	sup := New("calc", opts)
	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	// The worker exits on its own shortly after startup.
	waitForPhase(t, sup, models.PhaseStopped, 3*time.Second)
	if sup.StopReason() != models.ReasonUnexpectedExit {
		t.Errorf("expected reason unexpected_exit, got %s", sup.StopReason())
	}
	if _, err := sup.Call(context.Background(), "x", "y", nil, 0); !errors.Is(err, models.ErrNotReady) {
		t.Errorf("expected ErrNotReady after exit, got %v", err)
	}
}

func TestStop_KillsEvenWhenGracefulSendFails(t *testing.T) {
	ft := &fakeTransport{reachable: true}
	ft.stopErr = transport.NewError(models.NodeRef{}, "call", fmt.Errorf("connection reset"))
	sup := New("calc", testOptions(t, ft))
	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	pid := sup.WorkerPID()

	if err := sup.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	// The lost courtesy message must not prevent the forced kill.
	waitForProcessGone(t, pid, 2*time.Second)
	if sup.Phase() != models.PhaseStopped {
		t.Errorf("expected phase stopped, got %s", sup.Phase())
	}
}

func TestStop_DuringStartupKillsWorker(t *testing.T) {
	// A stop request racing an in-flight startup must never leave the
	// freshly spawned worker alive, regardless of which side of the
	// handle assignment it lands on.
	ft := &fakeTransport{reachable: true}
	sup := New("calc", testOptions(t, ft))

	stopDone := make(chan struct{})
	go func() {
		defer close(stopDone)
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			switch sup.Phase() {
			case models.PhaseLaunching, models.PhaseProbing:
				sup.Stop()
				return
			case models.PhaseReady, models.PhaseStopped:
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	err := sup.Start(context.Background())
	<-stopDone

	if err == nil {
		sup.Stop()
		t.Fatal("start must not report success after a mid-startup stop")
	}
	waitForPhase(t, sup, models.PhaseStopped, 2*time.Second)
	if sup.StopReason() != models.ReasonRequested {
		t.Errorf("expected reason requested, got %s", sup.StopReason())
	}
	if pid := sup.WorkerPID(); pid > 0 {
		waitForProcessGone(t, pid, 2*time.Second)
	}
	if _, err := sup.Call(context.Background(), "x", "y", nil, 0); !errors.Is(err, models.ErrNotReady) {
		t.Errorf("expected ErrNotReady after stop, got %v", err)
	}
}

func TestShutdown_IdempotentUnderRacingTriggers(t *testing.T) {
	ft := &fakeTransport{reachable: true}
	sup := New("calc", testOptions(t, ft))
	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	pid := sup.WorkerPID()

	// Both monitor paths and an explicit stop race; the first to arrive
	// is authoritative and the rest must be harmless.
	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); ft.fireNodeDown(sup.NodeRef()) }()
	go func() { defer wg.Done(); sup.Stop() }()
	go func() { defer wg.Done(); sup.Stop() }()
	wg.Wait()

	waitForPhase(t, sup, models.PhaseStopped, 2*time.Second)
	waitForProcessGone(t, pid, 2*time.Second)
}

func TestInitHook_RunsWithNodeRef(t *testing.T) {
	ft := &fakeTransport{reachable: true}
	opts := testOptions(t, ft)

	var gotRef models.NodeRef
	opts.InitHook = func(ctx context.Context, ref models.NodeRef) error {
		gotRef = ref
		return nil
	}

	sup := New("calc", opts)
	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer sup.Stop()

	if gotRef.String() != "calc@127.0.0.1:9301" {
		t.Errorf("init hook got wrong ref: %s", gotRef)
	}
}

func TestInitHook_FailureAbortsStartup(t *testing.T) {
	ft := &fakeTransport{reachable: true}
	opts := testOptions(t, ft)
	opts.InitHook = func(ctx context.Context, ref models.NodeRef) error {
		return fmt.Errorf("schema mismatch")
	}

	sup := New("calc", opts)
	err := sup.Start(context.Background())
	if err == nil {
		t.Fatal("expected startup to fail")
	}
	if sup.Phase() != models.PhaseStopped {
		t.Errorf("expected phase stopped, got %s", sup.Phase())
	}
	if pid := sup.WorkerPID(); pid > 0 {
		waitForProcessGone(t, pid, 2*time.Second)
	}
}

func TestManager_RoutesByIdentity(t *testing.T) {
	ft := &fakeTransport{reachable: true}
	m := NewManager(testOptions(t, ft))

	if err := m.Start(context.Background(), "ghost"); !errors.Is(err, models.ErrNotLoaded) {
		t.Fatalf("expected ErrNotLoaded for ghost, got %v", err)
	}
	if _, ok := m.Get("ghost"); ok {
		t.Error("failed start must not leave a supervisor behind")
	}

	if err := m.Start(context.Background(), "calc"); err != nil {
		t.Fatalf("start calc failed: %v", err)
	}
	if err := m.Start(context.Background(), "calc"); err == nil {
		t.Error("second start of a running worker should fail")
	}

	if err := m.Stop("calc"); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if err := m.Stop("never-started"); err != nil {
		t.Errorf("stop of unknown identity should be a no-op success, got %v", err)
	}
}
