package launcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/psantana5/workerlink/pkg/logging"
	"github.com/psantana5/workerlink/pkg/models"
)

func testLauncher() *Launcher {
	return New(logging.New(logging.ERROR, false))
}

func TestLaunch_CapturesPID(t *testing.T) {
	l := testLauncher()
	h, err := l.Launch(context.Background(), "sleeper", models.Config{
		Executable: "/bin/sleep",
		Args:       []string{"30"},
	}, nil)
	if err != nil {
		t.Fatalf("launch failed: %v", err)
	}
	defer func() {
		h.Close()
		killPID(t, h.PID)
	}()

	if h.PID <= 0 {
		t.Fatalf("expected positive pid, got %d", h.PID)
	}
	exists, err := process.PidExists(int32(h.PID))
	if err != nil {
		t.Fatalf("pid lookup failed: %v", err)
	}
	if !exists {
		t.Errorf("pid %d should be alive", h.PID)
	}

	// A long-lived worker does not report done.
	select {
	case <-h.Done():
		t.Error("done fired while worker is still running")
	default:
	}
}

func TestLaunch_DoneOnExit(t *testing.T) {
	l := testLauncher()
	h, err := l.Launch(context.Background(), "oneshot", models.Config{
		Executable: "/bin/sh",
		Args:       []string{"-c", "exit 0"},
	}, nil)
	if err != nil {
		t.Fatalf("launch failed: %v", err)
	}
	defer h.Close()

	select {
	case <-h.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("done never fired for a short-lived worker")
	}
}

func TestLaunch_EmptyExecutable(t *testing.T) {
	l := testLauncher()
	_, err := l.Launch(context.Background(), "empty", models.Config{}, nil)
	if !errors.Is(err, models.ErrLaunchFailure) {
		t.Fatalf("expected ErrLaunchFailure, got %v", err)
	}
}

func TestLaunch_ExtraEnvReachesWorker(t *testing.T) {
	l := testLauncher()
	h, err := l.Launch(context.Background(), "envcheck", models.Config{
		Executable: "/bin/sh",
		Args:       []string{"-c", `test "$PROBE_VALUE" = "42"`},
	}, []string{"PROBE_VALUE=42"})
	if err != nil {
		t.Fatalf("launch failed: %v", err)
	}
	defer h.Close()

	select {
	case <-h.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("worker never exited")
	}
	// Done() closing guarantees the process was reaped, so ProcessState
	// is populated.
	if code := h.cmd.ProcessState.ExitCode(); code != 0 {
		t.Errorf("worker did not see the extra env, exit code %d", code)
	}
}

func TestHandle_CloseIdempotent(t *testing.T) {
	l := testLauncher()
	h, err := l.Launch(context.Background(), "sleeper", models.Config{
		Executable: "/bin/sleep",
		Args:       []string{"30"},
	}, nil)
	if err != nil {
		t.Fatalf("launch failed: %v", err)
	}
	defer killPID(t, h.PID)

	first := h.Close()
	second := h.Close()
	if first != second {
		t.Errorf("repeated close must return the same result: %v vs %v", first, second)
	}
}

func TestWithPIDWait(t *testing.T) {
	l := New(logging.New(logging.ERROR, false), WithPIDWait(100*time.Millisecond))
	if l.pidWait != 100*time.Millisecond {
		t.Fatalf("option not applied: %v", l.pidWait)
	}
}

func killPID(t *testing.T, pid int) {
	t.Helper()
	if pid <= 0 {
		return
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return
	}
	_ = p.Kill()
}
