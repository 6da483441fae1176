// Package bridge forwards synchronous procedure calls to the worker and
// normalizes transport failures. The worker's value comes back verbatim,
// error-shaped payloads included; the bridge never inspects it.
package bridge

import (
	"context"
	"encoding/json"
	"time"

	"github.com/psantana5/workerlink/pkg/models"
	"github.com/psantana5/workerlink/pkg/transport"
)

// Bridge issues calls for one supervisor over a shared transport.
type Bridge struct {
	transport transport.Transport
}

// New creates a Bridge over the given transport.
func New(t transport.Transport) *Bridge {
	return &Bridge{transport: t}
}

// Forward calls module:function on the worker addressed by ref. A zero
// timeout uses the transport's default; a positive timeout bounds the
// wait exactly. Transport-level failure comes back as *transport.Error;
// it never escalates into the supervisor's lifecycle.
func (b *Bridge) Forward(ctx context.Context, ref models.NodeRef, module, function string, args []interface{}, timeout time.Duration) (json.RawMessage, error) {
	result, err := b.transport.Call(ctx, ref, module, function, args, timeout)
	if err == nil {
		return result, nil
	}
	if _, ok := err.(*transport.Error); ok {
		return nil, err
	}
	return nil, transport.NewError(ref, "call", err)
}
