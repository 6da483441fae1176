package shutdown

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/psantana5/workerlink/pkg/logging"
)

func TestShutdown_RunsLIFO(t *testing.T) {
	m := New(time.Second, logging.New(logging.ERROR, false))

	var order []string
	m.Register(func(ctx context.Context) error {
		order = append(order, "first")
		return nil
	})
	m.Register(func(ctx context.Context) error {
		order = append(order, "second")
		return nil
	})

	m.Shutdown()

	if len(order) != 2 || order[0] != "second" || order[1] != "first" {
		t.Errorf("expected reverse registration order, got %v", order)
	}
}

func TestShutdown_FailingStepDoesNotStopOthers(t *testing.T) {
	m := New(time.Second, logging.New(logging.ERROR, false))

	ran := false
	m.Register(func(ctx context.Context) error {
		ran = true
		return nil
	})
	m.Register(func(ctx context.Context) error {
		return fmt.Errorf("cleanup failed")
	})

	m.Shutdown()

	if !ran {
		t.Error("a failing step must not prevent later steps")
	}
}

func TestShutdown_ContextCarriesTimeout(t *testing.T) {
	m := New(50*time.Millisecond, logging.New(logging.ERROR, false))

	m.Register(func(ctx context.Context) error {
		deadline, ok := ctx.Deadline()
		if !ok {
			t.Error("shutdown context must carry a deadline")
		}
		if time.Until(deadline) > 100*time.Millisecond {
			t.Errorf("deadline too far out: %v", time.Until(deadline))
		}
		return nil
	})

	m.Shutdown()
}
