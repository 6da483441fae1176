// Package httprpc implements the RPC transport over plain HTTP+JSON.
// The worker runs a small HTTP endpoint (see Server); the supervisor
// side issues synchronous POSTs against it and watches its health
// endpoint for disconnects.
package httprpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/psantana5/workerlink/pkg/logging"
	"github.com/psantana5/workerlink/pkg/models"
	"github.com/psantana5/workerlink/pkg/transport"
)

const (
	// DefaultCallTimeout bounds calls issued without an explicit timeout.
	DefaultCallTimeout = 30 * time.Second

	// DefaultPollInterval is how often the disconnect watcher probes
	// the worker's health endpoint.
	DefaultPollInterval = 1 * time.Second

	// DefaultFailureThreshold is how many consecutive health failures
	// count as a disconnect.
	DefaultFailureThreshold = 3
)

// Client is the supervisor-side HTTP transport.
type Client struct {
	httpClient       *http.Client
	defaultTimeout   time.Duration
	pollInterval     time.Duration
	failureThreshold int
	logger           *logging.Logger

	mu       sync.Mutex
	watchers map[string]*watcher // keyed by ref string
}

// watcher is one disconnect poll loop. Its stop channel is closed at
// most once, through cancel, no matter how many paths request it.
type watcher struct {
	stop chan struct{}
	once sync.Once
}

func (w *watcher) cancel() {
	w.once.Do(func() { close(w.stop) })
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithDefaultTimeout overrides the default per-call timeout.
func WithDefaultTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.defaultTimeout = d }
}

// WithPollInterval overrides the disconnect watcher poll interval.
func WithPollInterval(d time.Duration) ClientOption {
	return func(c *Client) { c.pollInterval = d }
}

// WithFailureThreshold overrides the consecutive-failure disconnect threshold.
func WithFailureThreshold(n int) ClientOption {
	return func(c *Client) { c.failureThreshold = n }
}

// NewClient creates an HTTP transport client.
func NewClient(logger *logging.Logger, opts ...ClientOption) *Client {
	c := &Client{
		httpClient:       &http.Client{},
		defaultTimeout:   DefaultCallTimeout,
		pollInterval:     DefaultPollInterval,
		failureThreshold: DefaultFailureThreshold,
		logger:           logger,
		watchers:         make(map[string]*watcher),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// callRequest is the wire form of one RPC request.
type callRequest struct {
	Module   string        `json:"module"`
	Function string        `json:"function"`
	Args     []interface{} `json:"args"`
}

// Call implements transport.Transport.
func (c *Client) Call(ctx context.Context, ref models.NodeRef, module, function string, args []interface{}, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(callRequest{Module: module, Function: function, Args: args})
	if err != nil {
		return nil, transport.NewError(ref, "encode", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+ref.Addr()+"/rpc", bytes.NewReader(body))
	if err != nil {
		return nil, transport.NewError(ref, "call", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transport.NewError(ref, "call", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transport.NewError(ref, "call", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, transport.NewError(ref, "call", fmt.Errorf("status %d: %s", resp.StatusCode, string(data)))
	}
	if !json.Valid(data) {
		return nil, transport.NewError(ref, "decode", fmt.Errorf("malformed response body"))
	}

	return json.RawMessage(data), nil
}

// SubscribeDisconnect implements transport.Transport. A watcher goroutine
// polls the node's health endpoint; after failureThreshold consecutive
// failures it fires cb once and exits.
func (c *Client) SubscribeDisconnect(ref models.NodeRef, cb func(models.NodeRef)) (cancel func()) {
	w := &watcher{stop: make(chan struct{})}
	key := ref.String()

	c.mu.Lock()
	if prev, ok := c.watchers[key]; ok {
		// A replaced watcher is stopped through its own cancel so a
		// caller still holding that cancel cannot close twice.
		prev.cancel()
	}
	c.watchers[key] = w
	c.mu.Unlock()

	go c.watch(ref, cb, w.stop)

	return func() {
		w.cancel()
		c.mu.Lock()
		if c.watchers[key] == w {
			delete(c.watchers, key)
		}
		c.mu.Unlock()
	}
}

func (c *Client) watch(ref models.NodeRef, cb func(models.NodeRef), stop <-chan struct{}) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if c.healthy(ref) {
			failures = 0
			continue
		}

		failures++
		if failures < c.failureThreshold {
			continue
		}

		c.logger.Warn("node unreachable", map[string]interface{}{
			"node":     ref.String(),
			"failures": failures,
		})
		cb(ref)
		return
	}
}

func (c *Client) healthy(ref models.NodeRef) bool {
	ctx, cancel := context.WithTimeout(context.Background(), c.pollInterval)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+ref.Addr()+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}
