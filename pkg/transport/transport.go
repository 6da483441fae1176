// Package transport defines the RPC transport the supervisor uses to
// reach its worker. Any concrete transport (HTTP, pipes, a custom
// protocol) satisfies Transport; the supervisor never depends on the
// wire format.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/psantana5/workerlink/pkg/models"
)

// Transport issues synchronous remote calls against a worker node and
// reports node-down events.
type Transport interface {
	// Call invokes module:function on the node addressed by ref and
	// returns the worker's result verbatim. A zero timeout uses the
	// transport's default. Transport-level failures are returned as
	// *Error; values the worker itself produced, including error-shaped
	// payloads, come back as the raw result.
	Call(ctx context.Context, ref models.NodeRef, module, function string, args []interface{}, timeout time.Duration) (json.RawMessage, error)

	// SubscribeDisconnect registers cb to fire once, at most, when the
	// node addressed by ref stops responding. The returned func cancels
	// the subscription; it is safe to call more than once.
	SubscribeDisconnect(ref models.NodeRef, cb func(models.NodeRef)) (cancel func())
}

// Error wraps any transport-level failure: unreachable node, timeout,
// serialization failure. It is returned to the caller of a bridge call
// and never terminates the supervisor.
type Error struct {
	Ref models.NodeRef
	Op  string // "call", "decode", "encode"
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("transport %s failed for %s: %v", e.Op, e.Ref, e.Err)
}

// Unwrap implements error unwrapping.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps a transport failure with its node and operation.
func NewError(ref models.NodeRef, op string, err error) *Error {
	return &Error{Ref: ref, Op: op, Err: err}
}
