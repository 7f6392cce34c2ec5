package communicator

import (
	"context"
	"fmt"
	"time"

	"github.com/najoast/orb/core"
)

// Proxy is a handle on a possibly remote object. Proxies are immutable;
// the With methods return modified copies.
type Proxy struct {
	c   *Communicator
	ref core.Reference
}

// NewProxy creates a proxy for ref
func (c *Communicator) NewProxy(ref core.Reference) (*Proxy, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	if ref.IsZero() {
		return nil, core.NewError(core.KindIllegalIdentity, "")
	}
	return &Proxy{c: c, ref: ref}, nil
}

// StringToProxy parses a stringified proxy, such as
// "hello -t:tcp -h 10.0.0.1 -p 4061" or "hello@HelloAdapter". The
// configured endpoint selection is applied.
func (c *Communicator) StringToProxy(s string) (*Proxy, error) {
	ref, err := core.ParseReference(s)
	if err != nil {
		return nil, err
	}
	return c.NewProxy(ref.WithSelection(c.Config().Selection()))
}

// ProxyToString returns the stringified form of p; nil gives "".
func (c *Communicator) ProxyToString(p *Proxy) string {
	if p == nil {
		return ""
	}
	return p.ref.String()
}

// Reference returns the reference of the proxy
func (p *Proxy) Reference() core.Reference { return p.ref }

// Communicator returns the communicator invocations go through
func (p *Proxy) Communicator() *Communicator { return p.c }

// String returns the stringified proxy
func (p *Proxy) String() string { return p.ref.String() }

// WithFacet returns a proxy for another facet of the same object
func (p *Proxy) WithFacet(facet string) *Proxy {
	return &Proxy{c: p.c, ref: p.ref.WithFacet(facet)}
}

// WithContext returns a proxy sending ctx with every request
func (p *Proxy) WithContext(ctx core.Context) *Proxy {
	return &Proxy{c: p.c, ref: p.ref.WithContext(ctx)}
}

// WithMode returns a proxy using another invocation mode
func (p *Proxy) WithMode(mode core.Mode) *Proxy {
	return &Proxy{c: p.c, ref: p.ref.WithMode(mode)}
}

// WithSelection returns a proxy using another endpoint selection policy
func (p *Proxy) WithSelection(s core.Selection) *Proxy {
	return &Proxy{c: p.c, ref: p.ref.WithSelection(s)}
}

// WithLocatorCacheTimeout returns a proxy whose resolutions are cached for d
func (p *Proxy) WithLocatorCacheTimeout(d time.Duration) *Proxy {
	return &Proxy{c: p.c, ref: p.ref.WithLocatorCacheTimeout(d)}
}

// Invoke calls operation with an encoded payload and returns the encoded
// result. Oneway and datagram proxies return as soon as the request is
// handed to the transport; batch proxies queue it until
// FlushBatchRequests.
func (p *Proxy) Invoke(ctx context.Context, operation string, mode core.OperationMode, payload []byte) ([]byte, error) {
	return p.c.invoke(ctx, p.ref, operation, mode, payload)
}

// Do encodes in with the communicator codec, invokes operation and decodes
// the result into out. A nil out discards the result.
func (p *Proxy) Do(ctx context.Context, operation string, mode core.OperationMode, in, out any) error {
	var payload []byte
	if in != nil {
		data, err := p.c.codec.Encode(in)
		if err != nil {
			return core.WrapError(core.KindMarshal, err)
		}
		payload = data
	}

	result, err := p.Invoke(ctx, operation, mode, payload)
	if err != nil {
		return err
	}
	if out == nil || len(result) == 0 {
		return nil
	}
	if err := p.c.codec.Decode(result, out); err != nil {
		return core.WrapError(core.KindMarshal, fmt.Errorf("%s: %w", operation, err))
	}
	return nil
}

// InvokeAsync starts Invoke in the background. The call ends when it
// completes, when ctx ends, when Cancel is called or when the
// communicator is destroyed.
func (p *Proxy) InvokeAsync(ctx context.Context, operation string, mode core.OperationMode, payload []byte) *Call {
	ctx, cancel := context.WithCancel(ctx)
	call := &Call{done: make(chan struct{}), cancel: cancel}

	if err := p.c.beginCall(); err != nil {
		call.finish(nil, err)
		return call
	}

	stop := context.AfterFunc(p.c.root, cancel)
	go func() {
		defer p.c.calls.Done()
		defer stop()
		call.finish(p.Invoke(ctx, operation, mode, payload))
	}()
	return call
}

// Call is an invocation running in the background. Exactly one outcome is
// delivered.
type Call struct {
	done   chan struct{}
	cancel context.CancelFunc
	result []byte
	err    error
}

func (c *Call) finish(result []byte, err error) {
	c.result, c.err = result, err
	c.cancel()
	close(c.done)
}

// Cancel abandons the call. It has no effect once the call completed.
func (c *Call) Cancel() { c.cancel() }

// Done is closed when the outcome is available
func (c *Call) Done() <-chan struct{} { return c.done }

// Result waits for the outcome
func (c *Call) Result() ([]byte, error) {
	<-c.done
	return c.result, c.err
}

// Wait waits for the outcome or for ctx to end. An ended ctx does not
// cancel the call.
func (c *Call) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-c.done:
		return c.result, c.err
	case <-ctx.Done():
		return nil, core.FromContext(ctx)
	}
}
