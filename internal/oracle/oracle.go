// Package oracle wraps the external decision service. Every caller treats
// it as best effort: an answer either parses into the caller's type or the
// caller falls back to its own deterministic rule.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aitachi/envom/internal/provider"
)

// Oracle answers a prompt with free text.
type Oracle interface {
	Ask(ctx context.Context, prompt string) (string, error)
}

// Func adapts a function to Oracle.
type Func func(ctx context.Context, prompt string) (string, error)

func (f Func) Ask(ctx context.Context, prompt string) (string, error) { return f(ctx, prompt) }

var (
	// ErrUnavailable covers transport failures, timeouts and missing configuration.
	ErrUnavailable = errors.New("oracle unavailable")
	// ErrMalformed means the oracle answered but the reply could not be used.
	ErrMalformed = errors.New("oracle reply malformed")
)

// Kind is a coarse label for logs and metrics.
type Kind string

const (
	KindUnavailable Kind = "unavailable"
	KindTimeout     Kind = "timeout"
	KindMalformed   Kind = "malformed"
)

// Error is a classified oracle failure.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "oracle " + string(e.Kind)
	}
	return fmt.Sprintf("oracle %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	sentinel := ErrUnavailable
	if e.Kind == KindMalformed {
		sentinel = ErrMalformed
	}
	if e.Err == nil {
		return []error{sentinel}
	}
	return []error{sentinel, e.Err}
}

func unavailable(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Err: err}
	}
	return &Error{Kind: KindUnavailable, Err: err}
}

func malformed(format string, args ...any) *Error {
	return &Error{Kind: KindMalformed, Err: fmt.Errorf(format, args...)}
}

// KindOf classifies err; unknown errors count as unavailable.
func KindOf(err error) Kind {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind
	}
	if errors.Is(err, ErrMalformed) {
		return KindMalformed
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnavailable
}

// Unavailable is the oracle used when no endpoint is configured.
type Unavailable struct{}

func (Unavailable) Ask(context.Context, string) (string, error) {
	return "", &Error{Kind: KindUnavailable, Err: errors.New("no oracle endpoint configured")}
}

// Options configures ProviderOracle.
type Options struct {
	Model        string
	SystemPrompt string
	Temperature  *float64
	MaxTokens    int
	Timeout      time.Duration
}

// DefaultTimeout bounds one oracle round trip.
const DefaultTimeout = 30 * time.Second

// ProviderOracle asks a chat-completion provider.
type ProviderOracle struct {
	p    provider.Provider
	opts Options
}

// NewProviderOracle wraps p.
func NewProviderOracle(p provider.Provider, opts Options) *ProviderOracle {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &ProviderOracle{p: p, opts: opts}
}

// Ask sends prompt as the user message. Errors are always *Error.
func (o *ProviderOracle) Ask(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.opts.Timeout)
	defer cancel()

	var msgs []provider.Message
	if o.opts.SystemPrompt != "" {
		msgs = append(msgs, provider.Message{Role: provider.RoleSystem, Content: o.opts.SystemPrompt})
	}
	msgs = append(msgs, provider.Message{Role: provider.RoleUser, Content: prompt})

	resp, err := o.p.Complete(ctx, &provider.CompletionRequest{
		Model:       o.opts.Model,
		Messages:    msgs,
		MaxTokens:   o.opts.MaxTokens,
		Temperature: o.opts.Temperature,
	})
	if err != nil {
		if ctx.Err() != nil {
			err = errors.Join(ctx.Err(), err)
		}
		return "", unavailable(err)
	}
	if resp.Content == "" {
		return "", malformed("empty reply from %s", o.p.ID())
	}
	return resp.Content, nil
}

// Consult asks o and decodes the first JSON object of the reply with parse.
// Any failure is returned as a classified *Error so callers can fall back.
func Consult[T any](ctx context.Context, o Oracle, prompt string, parse func(json.RawMessage) (T, error)) (T, error) {
	var zero T
	reply, err := o.Ask(ctx, prompt)
	if err != nil {
		var oe *Error
		if errors.As(err, &oe) {
			return zero, oe
		}
		return zero, unavailable(err)
	}
	raw, ok := ExtractJSON(reply)
	if !ok {
		return zero, malformed("no JSON object in reply")
	}
	v, err := parse(raw)
	if err != nil {
		return zero, &Error{Kind: KindMalformed, Err: err}
	}
	return v, nil
}
