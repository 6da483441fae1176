package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/psantana5/workerlink/pkg/models"
)

// Manager is the host-side entry point: it keys supervisors by identity
// and exposes the start/call/stop surface. Each supervisor still owns
// exactly one worker; the manager only routes by name.
type Manager struct {
	opts Options

	mu          sync.Mutex
	supervisors map[models.Identity]*Supervisor
}

// NewManager creates a manager sharing one set of collaborators.
func NewManager(opts Options) *Manager {
	return &Manager{
		opts:        opts,
		supervisors: make(map[models.Identity]*Supervisor),
	}
}

// Start launches and readies the worker for identity. Synchronous; a
// startup failure leaves no supervisor behind.
func (m *Manager) Start(ctx context.Context, identity models.Identity) error {
	m.mu.Lock()
	if existing, ok := m.supervisors[identity]; ok && !models.IsTerminalPhase(existing.Phase()) {
		m.mu.Unlock()
		return fmt.Errorf("%s is already running (phase %s)", identity, existing.Phase())
	}
	sup := New(identity, m.opts)
	m.supervisors[identity] = sup
	m.mu.Unlock()

	if err := sup.Start(ctx); err != nil {
		m.mu.Lock()
		if m.supervisors[identity] == sup {
			delete(m.supervisors, identity)
		}
		m.mu.Unlock()
		return err
	}
	return nil
}

// Call forwards a procedure call to identity's worker.
func (m *Manager) Call(ctx context.Context, identity models.Identity, module, function string, args []interface{}, timeout time.Duration) (json.RawMessage, error) {
	sup, ok := m.Get(identity)
	if !ok {
		return nil, models.ErrNotReady
	}
	return sup.Call(ctx, module, function, args, timeout)
}

// Stop stops identity's worker. Unknown identities are a no-op success.
func (m *Manager) Stop(identity models.Identity) error {
	sup, ok := m.Get(identity)
	if !ok {
		return nil
	}
	return sup.Stop()
}

// StopAll stops every supervisor, for process teardown.
func (m *Manager) StopAll() {
	for _, sup := range m.List() {
		sup.Stop()
	}
}

// Get returns the supervisor for identity, if any.
func (m *Manager) Get(identity models.Identity) (*Supervisor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sup, ok := m.supervisors[identity]
	return sup, ok
}

// List returns all supervisors, sorted by identity.
func (m *Manager) List() []*Supervisor {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Supervisor, 0, len(m.supervisors))
	for _, sup := range m.supervisors {
		out = append(out, sup)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Identity() < out[j].Identity()
	})
	return out
}
