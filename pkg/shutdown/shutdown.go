// Package shutdown coordinates graceful process teardown for the
// control-plane daemon.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/psantana5/workerlink/pkg/logging"
)

// Manager runs registered shutdown functions, LIFO, on termination.
type Manager struct {
	mu            sync.Mutex
	shutdownFuncs []func(context.Context) error
	timeout       time.Duration
	logger        *logging.Logger
	doneChan      chan struct{}
	once          sync.Once
}

// New creates a shutdown manager with an overall timeout.
func New(timeout time.Duration, logger *logging.Logger) *Manager {
	return &Manager{
		timeout:  timeout,
		logger:   logger,
		doneChan: make(chan struct{}),
	}
}

// Register adds a shutdown function. Functions run in reverse order.
func (m *Manager) Register(fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownFuncs = append(m.shutdownFuncs, fn)
}

// Wait blocks until SIGTERM or SIGINT, then marks shutdown initiated.
func (m *Manager) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigChan
	m.logger.Info("received signal, shutting down", map[string]interface{}{
		"signal": sig.String(),
	})
	m.once.Do(func() { close(m.doneChan) })
}

// Done is closed once shutdown has been initiated.
func (m *Manager) Done() <-chan struct{} {
	return m.doneChan
}

// Shutdown executes all registered shutdown functions, LIFO.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	for i := len(m.shutdownFuncs) - 1; i >= 0; i-- {
		if err := m.shutdownFuncs[i](ctx); err != nil {
			m.logger.Error("shutdown step failed", map[string]interface{}{
				"step":  i,
				"error": err.Error(),
			})
		}
	}
	m.logger.Info("graceful shutdown complete")
}
