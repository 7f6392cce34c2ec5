package communicator

import (
	"context"
	"errors"
	"time"

	"github.com/najoast/orb/adapter"
	"github.com/najoast/orb/core"
	"github.com/najoast/orb/protocol"
	"github.com/najoast/orb/retry"
)

// batchRequest is a request queued by a batch proxy until the next flush
type batchRequest struct {
	ref   core.Reference
	frame *protocol.RequestFrame
}

// invoke runs one invocation to completion: resolve, send, classify the
// failure and retry until the policy surfaces it.
func (c *Communicator) invoke(ctx context.Context, ref core.Reference, operation string, mode core.OperationMode, payload []byte) ([]byte, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	if timeout := c.Config().Invocation.Timeout; timeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
	}

	frame := &protocol.RequestFrame{
		Identity:  ref.Identity(),
		Facet:     ref.Facet(),
		Operation: operation,
		Mode:      mode,
		Context:   core.MergeContext(ref.Context(), c.implicit.Snapshot(ctx)),
		Payload:   payload,
		Oneway:    !ref.Mode().IsTwoway(),
	}
	if ref.Mode().IsBatch() {
		return nil, c.queueBatch(ref, frame)
	}

	state := c.policy.Begin()
	// Only a twoway reply proves nothing ran twice; a oneway request that
	// may have arrived is never sent again.
	idempotent := mode == core.OperationIdempotent && ref.Mode().IsTwoway()
	for {
		result, resolved, err := c.attempt(ctx, ref, frame)
		if err == nil {
			return result, nil
		}
		// Resolution failures already went through the locator's own
		// invocation, or mean the object is unknown.
		if !resolved {
			return nil, err
		}

		verdict, delay := state.Decide(err, idempotent, ref.IsIndirect())
		if verdict.Action == retry.Surface {
			c.logger.Debug().
				Err(err).
				Str("proxy", ref.String()).
				Str("operation", operation).
				Str("reason", verdict.Reason).
				Msg("invocation failed")
			return nil, err
		}

		c.logger.Debug().
			Err(err).
			Str("proxy", ref.String()).
			Str("operation", operation).
			Int("retry", state.Retries()).
			Dur("delay", delay).
			Bool("refresh", verdict.Refresh).
			Msg("retrying invocation")

		if verdict.Refresh {
			c.resolver.Invalidate(ref)
		}
		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
		if err := c.check(); err != nil {
			return nil, err
		}
	}
}

// attempt resolves ref and tries its endpoints in order. Moving to the
// next endpoint only happens when the request certainly did not leave.
// resolved is false when the failure happened before any endpoint was known.
func (c *Communicator) attempt(ctx context.Context, ref core.Reference, frame *protocol.RequestFrame) (result []byte, resolved bool, err error) {
	targets, err := c.resolver.ResolveAll(ctx, ref)
	if err != nil {
		return nil, false, err
	}

	for _, target := range targets {
		for _, ep := range c.endpointsOf(ref, target) {
			result, err = c.send(ctx, ep, frame)
			if err == nil || !failover(err) {
				return result, true, err
			}
			c.logger.Debug().Err(err).Str("endpoint", ep.String()).Msg("endpoint unreachable")
		}
	}
	if err == nil {
		return nil, false, &core.Error{
			Kind: core.KindObjectNotExist,
			ID:   ref.Identity().String(),
			Err:  errors.New("reference has no endpoints"),
		}
	}
	return nil, true, err
}

// endpointsOf orders the endpoints of a direct reference by its selection
// policy. Resolved references arrive already ordered.
func (c *Communicator) endpointsOf(ref, target core.Reference) []core.Endpoint {
	endpoints := target.Endpoints()
	if !ref.IsDirect() || len(endpoints) < 2 {
		return endpoints
	}
	ordered := make([]core.Endpoint, 0, len(endpoints))
	for _, i := range c.selector.Order(ref.Selection(), core.FormatEndpoints(endpoints), len(endpoints)) {
		ordered = append(ordered, endpoints[i])
	}
	return ordered
}

// send delivers frame to ep, dispatching directly when a local adapter
// serves ep.
func (c *Communicator) send(ctx context.Context, ep core.Endpoint, frame *protocol.RequestFrame) ([]byte, error) {
	if c.Config().Invocation.Collocation {
		if a := c.adapterFor(ep); a != nil {
			return c.dispatchCollocated(ctx, a, frame)
		}
	}

	f := *frame
	if !f.Oneway {
		f.RequestID = c.nextID.Add(1)
	}
	data, err := protocol.EncodeRequest(&f)
	if err != nil {
		return nil, err
	}

	if f.Oneway {
		return nil, c.transport.Post(ctx, ep, data)
	}
	raw, err := c.transport.Send(ctx, ep, data)
	if err != nil {
		return nil, err
	}
	reply, err := protocol.DecodeReply(raw)
	if err != nil {
		return nil, err
	}
	if err := reply.Err(); err != nil {
		return nil, err
	}
	return reply.Payload, nil
}

// dispatchCollocated runs frame on a local adapter. Failures are reported
// exactly as a remote adapter would report them.
func (c *Communicator) dispatchCollocated(ctx context.Context, a *adapter.Adapter, frame *protocol.RequestFrame) ([]byte, error) {
	req := &adapter.Request{
		Identity:  frame.Identity,
		Facet:     frame.Facet,
		Operation: frame.Operation,
		Mode:      frame.Mode,
		Context:   frame.Context.Clone(),
		Payload:   append([]byte(nil), frame.Payload...),
	}

	if frame.Oneway {
		go func() {
			if _, err := a.Dispatch(context.WithoutCancel(ctx), req); err != nil {
				c.logger.Debug().Err(err).Str("operation", req.Operation).Msg("collocated oneway request failed")
			}
		}()
		return nil, nil
	}

	result, err := a.Dispatch(ctx, req)
	if err == nil {
		return result, nil
	}
	if ctxErr := core.FromContext(ctx); ctxErr != nil {
		return nil, ctxErr
	}
	return nil, protocol.ReplyFromError(frame, nil, err).Err()
}

func (c *Communicator) queueBatch(ref core.Reference, frame *protocol.RequestFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return destroyedError()
	}
	c.batch = append(c.batch, batchRequest{ref: ref, frame: frame})
	return nil
}

// BatchSize returns the number of queued batch requests
func (c *Communicator) BatchSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batch)
}

// FlushBatchRequests sends every queued batch request as a oneway request.
// Batched requests are not retried.
func (c *Communicator) FlushBatchRequests(ctx context.Context) error {
	if err := c.check(); err != nil {
		return err
	}
	c.mu.Lock()
	batch := c.batch
	c.batch = nil
	c.mu.Unlock()

	var errs []error
	for _, b := range batch {
		if _, _, err := c.attempt(ctx, b.ref, b.frame); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// failover reports whether another endpoint may be tried after err
func failover(err error) bool {
	if core.WasSent(err) {
		return false
	}
	kind := core.KindOf(err)
	return kind.Family() == core.FamilyTransport || kind == core.KindConnectTimeout
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return core.FromContext(ctx)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return core.FromContext(ctx)
	}
}
