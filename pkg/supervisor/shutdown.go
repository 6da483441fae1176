package supervisor

import (
	"context"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/psantana5/workerlink/pkg/models"
)

// stopCallTimeout bounds the best-effort graceful stop message.
const stopCallTimeout = 2 * time.Second

// doShutdown runs the two-phase shutdown controller exactly once,
// whichever trigger path gets here first: explicit stop, node-down,
// unexpected exit, or startup abort.
func (s *Supervisor) doShutdown(reason models.Reason, graceful bool) {
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		s.reason = reason
		wasReady := s.phase == models.PhaseReady
		if models.ValidateTransition(s.phase, models.PhaseStopping) == nil {
			s.phase = models.PhaseStopping
		}
		handle := s.handle
		ref := s.ref
		unsubscribe := s.unsubscribe
		s.mu.Unlock()

		s.logger.Info("shutting down", map[string]interface{}{
			"reason":   string(reason),
			"graceful": graceful,
		})

		// Unlink before touching the process so the deliberate teardown
		// is not reported back as an unexpected exit.
		s.unlinked.Store(true)
		if unsubscribe != nil {
			unsubscribe()
		}

		if graceful && !ref.IsZero() {
			// Courtesy, not a dependency: delivery failure is ignored.
			ctx, cancel := context.WithTimeout(context.Background(), stopCallTimeout)
			if _, err := s.opts.Transport.Call(ctx, ref, "node", "stop", nil, stopCallTimeout); err != nil {
				s.logger.Debug("graceful stop message not delivered", map[string]interface{}{
					"error": err.Error(),
				})
			}
			cancel()
		}

		if handle != nil {
			handle.Close()
			s.killWorker(handle.PID)
		}

		s.mu.Lock()
		if models.ValidateTransition(s.phase, models.PhaseStopped) == nil {
			s.phase = models.PhaseStopped
		}
		s.mu.Unlock()

		if s.opts.Metrics != nil {
			s.opts.Metrics.RecordShutdown(string(reason))
			if wasReady {
				s.opts.Metrics.WorkerReady(-1)
			}
		}

		s.logger.Info("stopped", map[string]interface{}{"reason": string(reason)})
	})
}

// killWorker sends the unconditional termination signal: the safety net
// guaranteeing the worker does not outlive the supervisor even when the
// graceful message was lost or the worker is unresponsive. Best effort,
// never a reportable error.
func (s *Supervisor) killWorker(pid int) {
	if pid <= 0 {
		s.logger.Warn("no captured pid, skipping forced termination")
		return
	}

	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil {
		s.logger.Debug("kill signal not delivered", map[string]interface{}{
			"pid":   pid,
			"error": err.Error(),
		})
		return
	}
	if s.opts.Metrics != nil {
		s.opts.Metrics.RecordForcedKill()
	}

	// Verification only: wait briefly for the pid to disappear and log
	// if it has not. Reaping happens on the handle's wait goroutine.
	for i := 0; i < 10; i++ {
		exists, err := process.PidExists(int32(pid))
		if err != nil || !exists {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	s.logger.Warn("worker pid still present after kill", map[string]interface{}{"pid": pid})
}
