package supervisor

import (
	"github.com/psantana5/workerlink/pkg/launcher"
	"github.com/psantana5/workerlink/pkg/models"
)

// The liveness monitor is two independent subscriptions registered at
// Linking: a node-down notification from the transport and the exit
// signal on the owned process handle. Either one, observed while Ready,
// drives the forced shutdown path. They may race; the first event to
// reach the mailbox is authoritative and shutdown tolerates the second.

// onNodeDown is the transport disconnect callback.
func (s *Supervisor) onNodeDown(ref models.NodeRef) {
	s.logger.Warn("node down", map[string]interface{}{"node": ref.String()})
	s.postEvent(evNodeDown)
}

// watchExit waits on the handle's exit signal. After a deliberate
// shutdown has unlinked the handle, the exit is expected and ignored.
func (s *Supervisor) watchExit(h *launcher.Handle) {
	select {
	case <-h.Done():
		if s.unlinked.Load() {
			return
		}
		s.logger.Warn("worker process exited unexpectedly", map[string]interface{}{
			"pid": h.PID,
		})
		s.postEvent(evExit)
	case <-s.loopDone:
	}
}

// postEvent queues a lifecycle event for the actor loop. Events are
// never dropped while the loop is alive; after it has finished they are
// moot and discarded.
func (s *Supervisor) postEvent(kind reqKind) {
	select {
	case s.reqs <- request{kind: kind}:
	case <-s.loopDone:
	}
}
