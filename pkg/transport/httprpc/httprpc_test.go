package httprpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/psantana5/workerlink/pkg/logging"
	"github.com/psantana5/workerlink/pkg/models"
	"github.com/psantana5/workerlink/pkg/transport"
)

func quietLogger() *logging.Logger {
	return logging.New(logging.ERROR, false)
}

// startWorker serves a worker RPC endpoint on a loopback port and
// returns the server plus the node ref pointing at it.
func startWorker(t *testing.T, node string) (*Server, models.NodeRef, *httptest.Server) {
	t.Helper()
	srv := NewServer(node, quietLogger())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	u, err := url.Parse(ts.URL)
	if err != nil {
		t.Fatalf("failed to parse test server url: %v", err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("failed to split host port: %v", err)
	}
	port, _ := strconv.Atoi(portStr)

	return srv, models.NodeRef{Name: node, Host: host, Port: port}, ts
}

func TestCall_RoundTrip(t *testing.T) {
	srv, ref, _ := startWorker(t, "calc@127.0.0.1:0")
	srv.Handle("math", "add", func(args []json.RawMessage) (interface{}, error) {
		var a, b float64
		if len(args) != 2 {
			return nil, fmt.Errorf("add expects 2 args, got %d", len(args))
		}
		if err := json.Unmarshal(args[0], &a); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(args[1], &b); err != nil {
			return nil, err
		}
		return a + b, nil
	})

	c := NewClient(quietLogger())
	result, err := c.Call(context.Background(), ref, "math", "add", []interface{}{2, 3}, 5*time.Second)
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	var sum float64
	if err := json.Unmarshal(result, &sum); err != nil {
		t.Fatalf("failed to decode result: %v", err)
	}
	if sum != 5 {
		t.Errorf("expected 5, got %v", sum)
	}
}

func TestCall_NodeNameBuiltin(t *testing.T) {
	_, ref, _ := startWorker(t, "calc@10.0.0.1:9300")

	c := NewClient(quietLogger())
	result, err := c.Call(context.Background(), ref, "node", "name", nil, 5*time.Second)
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	var name string
	if err := json.Unmarshal(result, &name); err != nil {
		t.Fatalf("failed to decode name: %v", err)
	}
	if name != "calc@10.0.0.1:9300" {
		t.Errorf("unexpected node name %q", name)
	}
}

func TestCall_UnknownProcedureIsErrorValue(t *testing.T) {
	// An undefined procedure is a worker-level answer, not a transport
	// failure: the call succeeds and carries an error-shaped value.
	_, ref, _ := startWorker(t, "calc")

	c := NewClient(quietLogger())
	result, err := c.Call(context.Background(), ref, "no", "such", nil, 5*time.Second)
	if err != nil {
		t.Fatalf("expected transport success, got %v", err)
	}
	var ev struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(result, &ev); err != nil {
		t.Fatalf("failed to decode error value: %v", err)
	}
	if ev.Error == "" {
		t.Errorf("expected error-shaped value, got %s", string(result))
	}
}

func TestCall_HandlerErrorIsErrorValue(t *testing.T) {
	srv, ref, _ := startWorker(t, "calc")
	srv.Handle("math", "div", func(args []json.RawMessage) (interface{}, error) {
		return nil, fmt.Errorf("division by zero")
	})

	c := NewClient(quietLogger())
	result, err := c.Call(context.Background(), ref, "math", "div", []interface{}{1, 0}, 5*time.Second)
	if err != nil {
		t.Fatalf("expected transport success, got %v", err)
	}
	var ev struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(result, &ev); err != nil {
		t.Fatalf("failed to decode error value: %v", err)
	}
	if ev.Error != "division by zero" {
		t.Errorf("unexpected error value %q", ev.Error)
	}
}

func TestCall_UnreachableNode(t *testing.T) {
	c := NewClient(quietLogger())
	ref := models.NodeRef{Name: "gone", Host: "127.0.0.1", Port: 1}

	_, err := c.Call(context.Background(), ref, "math", "add", nil, time.Second)
	if err == nil {
		t.Fatal("expected transport failure against closed port")
	}
	var terr *transport.Error
	if !errors.As(err, &terr) {
		t.Fatalf("expected *transport.Error, got %T", err)
	}
	if terr.Ref != ref {
		t.Errorf("error carries wrong ref: %v", terr.Ref)
	}
}

func TestNodeStop_FiresCallbackOnce(t *testing.T) {
	srv, ref, _ := startWorker(t, "calc")
	stopped := make(chan struct{}, 2)
	srv.OnStop(func() { stopped <- struct{}{} })

	c := NewClient(quietLogger())
	for i := 0; i < 2; i++ {
		if _, err := c.Call(context.Background(), ref, "node", "stop", nil, 5*time.Second); err != nil {
			t.Fatalf("stop call %d failed: %v", i, err)
		}
	}

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("stop callback never fired")
	}
	select {
	case <-stopped:
		t.Error("stop callback fired more than once")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscribeDisconnect_FiresAfterThreshold(t *testing.T) {
	_, ref, ts := startWorker(t, "calc")

	c := NewClient(quietLogger(),
		WithPollInterval(20*time.Millisecond),
		WithFailureThreshold(2),
	)

	down := make(chan models.NodeRef, 1)
	cancel := c.SubscribeDisconnect(ref, func(r models.NodeRef) { down <- r })
	defer cancel()

	// Healthy for a few polls, then the worker vanishes.
	time.Sleep(60 * time.Millisecond)
	select {
	case <-down:
		t.Fatal("disconnect fired while the worker was healthy")
	default:
	}

	ts.Close()

	select {
	case r := <-down:
		if r != ref {
			t.Errorf("disconnect carries wrong ref: %v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect never fired after the worker went away")
	}
}

func TestSubscribeDisconnect_ResubscribeReplacesWatcher(t *testing.T) {
	_, ref, ts := startWorker(t, "calc")

	c := NewClient(quietLogger(),
		WithPollInterval(20*time.Millisecond),
		WithFailureThreshold(1),
	)

	first := make(chan models.NodeRef, 1)
	cancel1 := c.SubscribeDisconnect(ref, func(r models.NodeRef) { first <- r })

	second := make(chan models.NodeRef, 1)
	cancel2 := c.SubscribeDisconnect(ref, func(r models.NodeRef) { second <- r })
	defer cancel2()

	// The replaced watcher was already stopped by the resubscribe;
	// its own cancel must still be safe to call.
	cancel1()

	ts.Close()
	select {
	case <-second:
	case <-time.After(2 * time.Second):
		t.Fatal("replacement watcher never fired")
	}
	select {
	case <-first:
		t.Error("replaced watcher fired after being superseded")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscribeDisconnect_CancelStopsWatcher(t *testing.T) {
	_, ref, ts := startWorker(t, "calc")

	c := NewClient(quietLogger(),
		WithPollInterval(20*time.Millisecond),
		WithFailureThreshold(1),
	)

	down := make(chan models.NodeRef, 1)
	cancel := c.SubscribeDisconnect(ref, func(r models.NodeRef) { down <- r })
	cancel()
	cancel() // repeated cancel is safe

	ts.Close()
	select {
	case <-down:
		t.Error("canceled watcher still fired")
	case <-time.After(200 * time.Millisecond):
	}
}
