package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aitachi/envom/internal/capability"
	"github.com/aitachi/envom/internal/metrics"
	wire "github.com/aitachi/envom/pkg/dispatch"
)

// DefaultStepTimeout bounds a single capability invocation.
const DefaultStepTimeout = 30 * time.Second

var (
	// ErrUnknownCapability is returned for names missing from the registry.
	ErrUnknownCapability = errors.New("unknown capability")
	// ErrCapabilityFailure wraps every error raised while running a handler.
	ErrCapabilityFailure = errors.New("capability failure")
)

// Dispatcher routes list_tools and call_tool requests to the registry.
// It is safe for concurrent use.
type Dispatcher struct {
	registry *capability.Registry
	timeout  time.Duration
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithStepTimeout sets the default per-call timeout.
func WithStepTimeout(d time.Duration) Option {
	return func(x *Dispatcher) {
		if d > 0 {
			x.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(x *Dispatcher) {
		if l != nil {
			x.logger = l
		}
	}
}

// WithMetrics records per-call metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(x *Dispatcher) { x.metrics = m }
}

// New creates a dispatcher over reg.
func New(reg *capability.Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry: reg,
		timeout:  DefaultStepTimeout,
		logger:   zap.NewNop(),
	}
	for _, o := range opts {
		o(d)
	}
	d.logger = d.logger.Named("dispatch")
	return d
}

// Registry returns the capability table the dispatcher serves.
func (d *Dispatcher) Registry() *capability.Registry { return d.registry }

// Dispatch answers one request. It never panics and never returns a
// response with both or neither of data and error set.
func (d *Dispatcher) Dispatch(ctx context.Context, req wire.Request) wire.Response {
	switch req.Method {
	case wire.MethodListTools:
		d.metrics.Request(req.Method, metrics.OutcomeOK)
		return wire.OK(req.ID, d.tools())
	case wire.MethodCallTool:
		if req.Params == nil || req.Params.Name == "" {
			d.metrics.Request(req.Method, metrics.OutcomeFailed)
			return wire.Fail(req.ID, "call_tool requires params.name")
		}
		data, err := d.Call(ctx, req.Params.Name, req.Params.Arguments)
		if err != nil {
			d.metrics.Request(req.Method, metrics.OutcomeFailed)
			return wire.Fail(req.ID, err.Error())
		}
		d.metrics.Request(req.Method, metrics.OutcomeOK)
		return wire.OK(req.ID, data)
	default:
		d.metrics.Request("other", metrics.OutcomeFailed)
		return wire.Failf(req.ID, "unknown method %q", req.Method)
	}
}

func (d *Dispatcher) tools() []wire.Tool {
	list := d.registry.List()
	out := make([]wire.Tool, len(list))
	for i, desc := range list {
		out[i] = desc.Tool()
	}
	return out
}

// Call invokes a capability by name. Errors wrap ErrUnknownCapability or
// ErrCapabilityFailure.
func (d *Dispatcher) Call(ctx context.Context, name string, args map[string]any) (any, error) {
	entry, ok := d.registry.Lookup(name)
	if !ok {
		d.metrics.Call(metrics.UnknownCapability, metrics.OutcomeUnknown, 0)
		d.logger.Warn("unknown capability", zap.String("capability", name))
		return nil, fmt.Errorf("%w %q", ErrUnknownCapability, name)
	}

	if entry.Kind == capability.KindPlaceholder {
		d.metrics.Call(name, metrics.OutcomePlaceholder, 0)
		d.logger.Debug("placeholder call", zap.String("capability", name))
		return Placeholder(name, args), nil
	}

	args, err := ApplySchema(entry.Descriptor, args)
	if err != nil {
		d.metrics.Call(name, metrics.OutcomeFailed, 0)
		return nil, fmt.Errorf("%w: %s: %v", ErrCapabilityFailure, name, err)
	}

	start := time.Now()
	data, err := d.invoke(ctx, entry, args)
	took := time.Since(start)
	if err != nil {
		d.metrics.Call(name, metrics.OutcomeFailed, took)
		d.logger.Warn("capability failed",
			zap.String("capability", name),
			zap.Duration("took", took),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %s: %v", ErrCapabilityFailure, name, err)
	}
	d.metrics.Call(name, metrics.OutcomeOK, took)
	d.logger.Debug("capability succeeded", zap.String("capability", name), zap.Duration("took", took))
	return data, nil
}

type invokeResult struct {
	data any
	err  error
}

// invoke runs the handler in its own goroutine so a slow or panicking
// handler cannot take the caller down with it. Pipeline entries without an
// explicit timeout are bounded only by ctx, since each of their steps is
// itself bounded.
func (d *Dispatcher) invoke(ctx context.Context, entry capability.Entry, args map[string]any) (any, error) {
	timeout := entry.Timeout
	if timeout == 0 && entry.Kind != capability.KindPipeline {
		timeout = d.timeout
	}
	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	done := make(chan invokeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- invokeResult{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		var res invokeResult
		if entry.Kind == capability.KindPipeline {
			res.data, res.err = entry.Pipeline.InvokePipeline(callCtx, d, args)
		} else {
			res.data, res.err = entry.Handler.Invoke(callCtx, args)
		}
		done <- res
	}()

	select {
	case res := <-done:
		return res.data, res.err
	case <-callCtx.Done():
		if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("timed out after %s", timeout)
		}
		return nil, callCtx.Err()
	}
}

// Placeholder is the deterministic response body for declared but unwired
// capabilities. The arguments are echoed verbatim.
func Placeholder(name string, args map[string]any) map[string]any {
	if args == nil {
		args = map[string]any{}
	}
	return map[string]any{
		"status":     "placeholder",
		"capability": name,
		"message":    fmt.Sprintf("capability %s is declared but has no handler wired", name),
		"params":     args,
	}
}

// ApplySchema returns a copy of args with declared defaults filled in. It
// fails when a required parameter is absent.
func ApplySchema(desc capability.Descriptor, args map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(args)+len(desc.Parameters))
	for k, v := range args {
		out[k] = v
	}
	for _, p := range desc.Parameters {
		v, present := out[p.Name]
		if present && v != nil {
			continue
		}
		if p.Default != nil {
			out[p.Name] = p.Default
			continue
		}
		if p.Required {
			return nil, fmt.Errorf("missing required parameter %q", p.Name)
		}
	}
	return out, nil
}
