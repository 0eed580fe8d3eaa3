package capability

import (
	"fmt"
	"time"
)

// Kind tags how an entry is served.
type Kind int

const (
	// KindPlaceholder entries are declared but have no working handler.
	KindPlaceholder Kind = iota
	// KindHandler entries run a Handler.
	KindHandler
	// KindPipeline is the single entry that drives other capabilities.
	KindPipeline
)

func (k Kind) String() string {
	switch k {
	case KindHandler:
		return "handler"
	case KindPipeline:
		return "pipeline"
	default:
		return "placeholder"
	}
}

// Entry is one row of the registry.
type Entry struct {
	Descriptor Descriptor
	Kind       Kind
	Handler    Handler
	Pipeline   PipelineHandler
	// Timeout overrides the dispatcher's step timeout when non-zero.
	Timeout time.Duration
	// WiringError explains why a placeholder has no handler, if wiring was attempted.
	WiringError error
}

// Registry is the read-only capability table produced by Builder.Build.
type Registry struct {
	entries []Entry
	index   map[string]int
}

// List returns every descriptor in declaration order.
func (r *Registry) List() []Descriptor {
	out := make([]Descriptor, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.Descriptor
	}
	return out
}

// Lookup finds an entry by capability name.
func (r *Registry) Lookup(name string) (Entry, bool) {
	i, ok := r.index[name]
	if !ok {
		return Entry{}, false
	}
	return r.entries[i], true
}

// Pipeline returns the pipeline entry, if one was wired.
func (r *Registry) Pipeline() (Entry, bool) {
	for _, e := range r.entries {
		if e.Kind == KindPipeline {
			return e, true
		}
	}
	return Entry{}, false
}

// Placeholders returns the names of entries without a working handler.
func (r *Registry) Placeholders() []string {
	var names []string
	for _, e := range r.entries {
		if e.Kind == KindPlaceholder {
			names = append(names, e.Name())
		}
	}
	return names
}

// Len reports the number of registered capabilities.
func (r *Registry) Len() int { return len(r.entries) }

// Name is shorthand for e.Descriptor.Name.
func (e Entry) Name() string { return e.Descriptor.Name }

// WireOption adjusts an entry while wiring.
type WireOption func(*Entry)

// WithTimeout sets a per-capability timeout.
func WithTimeout(d time.Duration) WireOption {
	return func(e *Entry) { e.Timeout = d }
}

// Builder assembles a Registry. Every capability is declared first and
// starts as a placeholder; wiring then upgrades it to a handler or the
// pipeline variant. Builders are not safe for concurrent use.
type Builder struct {
	entries []Entry
	index   map[string]int
}

// NewBuilder creates an empty builder.
func NewBuilder() *Builder {
	return &Builder{index: make(map[string]int)}
}

// Declare adds a capability as a placeholder.
func (b *Builder) Declare(d Descriptor) error {
	if d.Name == "" {
		return fmt.Errorf("capability name is required")
	}
	if _, exists := b.index[d.Name]; exists {
		return fmt.Errorf("capability %q already registered", d.Name)
	}
	b.index[d.Name] = len(b.entries)
	b.entries = append(b.entries, Entry{Descriptor: d, Kind: KindPlaceholder})
	return nil
}

// Declared reports whether name has been declared.
func (b *Builder) Declared(name string) bool {
	_, ok := b.index[name]
	return ok
}

// Wire binds a handler to a declared capability.
func (b *Builder) Wire(name string, h Handler, opts ...WireOption) error {
	e, err := b.entry(name)
	if err != nil {
		return err
	}
	if h == nil {
		return fmt.Errorf("capability %q: nil handler", name)
	}
	if e.Kind == KindPipeline {
		return fmt.Errorf("capability %q is the pipeline and cannot be rewired", name)
	}
	e.Kind = KindHandler
	e.Handler = h
	e.WiringError = nil
	for _, o := range opts {
		o(e)
	}
	return nil
}

// WirePipeline binds the pipeline handler. Only one entry may hold it.
func (b *Builder) WirePipeline(name string, p PipelineHandler, opts ...WireOption) error {
	e, err := b.entry(name)
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("capability %q: nil pipeline handler", name)
	}
	for _, other := range b.entries {
		if other.Kind == KindPipeline && other.Name() != name {
			return fmt.Errorf("pipeline already wired to %q", other.Name())
		}
	}
	e.Kind = KindPipeline
	e.Pipeline = p
	e.Handler = nil
	e.WiringError = nil
	for _, o := range opts {
		o(e)
	}
	return nil
}

// WireFailed records that wiring name failed. The entry becomes (or stays)
// a placeholder.
func (b *Builder) WireFailed(name string, cause error) error {
	e, err := b.entry(name)
	if err != nil {
		return err
	}
	e.Kind = KindPlaceholder
	e.Handler = nil
	e.Pipeline = nil
	e.WiringError = cause
	return nil
}

func (b *Builder) entry(name string) (*Entry, error) {
	i, ok := b.index[name]
	if !ok {
		return nil, fmt.Errorf("capability %q is not declared", name)
	}
	return &b.entries[i], nil
}

// Build freezes the builder into a Registry.
func (b *Builder) Build() *Registry {
	entries := make([]Entry, len(b.entries))
	copy(entries, b.entries)
	index := make(map[string]int, len(b.index))
	for k, v := range b.index {
		index[k] = v
	}
	return &Registry{entries: entries, index: index}
}
