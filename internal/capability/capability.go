package capability

import (
	"context"

	"github.com/aitachi/envom/pkg/dispatch"
)

// Parameter is one declared argument of a capability.
type Parameter struct {
	Name        string `yaml:"name" json:"name"`
	Type        string `yaml:"type" json:"type"`
	Description string `yaml:"description" json:"description,omitempty"`
	Required    bool   `yaml:"required" json:"required,omitempty"`
	Default     any    `yaml:"default" json:"default,omitempty"`
}

// Descriptor is the immutable self-description of a capability.
type Descriptor struct {
	Name        string      `yaml:"name" json:"name"`
	ServiceID   string      `yaml:"service_id" json:"service_id,omitempty"`
	Description string      `yaml:"description" json:"description"`
	Keywords    []string    `yaml:"keywords" json:"keywords,omitempty"`
	Parameters  []Parameter `yaml:"parameters" json:"parameters"`
}

// Param returns the declared parameter with the given name.
func (d Descriptor) Param(name string) (Parameter, bool) {
	for _, p := range d.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return Parameter{}, false
}

// Tool converts the descriptor to its wire form.
func (d Descriptor) Tool() dispatch.Tool {
	params := make([]dispatch.ToolParam, len(d.Parameters))
	for i, p := range d.Parameters {
		params[i] = dispatch.ToolParam{
			Name:        p.Name,
			Type:        p.Type,
			Description: p.Description,
			Required:    p.Required,
			Default:     p.Default,
		}
	}
	return dispatch.Tool{
		Name:        d.Name,
		ServiceID:   d.ServiceID,
		Description: d.Description,
		Keywords:    append([]string(nil), d.Keywords...),
		Parameters:  params,
	}
}

// Handler runs one capability. The returned value becomes the response data.
type Handler interface {
	Invoke(ctx context.Context, args map[string]any) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, args map[string]any) (any, error)

func (f HandlerFunc) Invoke(ctx context.Context, args map[string]any) (any, error) {
	return f(ctx, args)
}

// Dispatcher routes requests to registered capabilities. The pipeline
// capability receives one so it can call its own stages.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) dispatch.Response
}

// PipelineHandler is a capability that issues further calls through the
// dispatcher it is handed.
type PipelineHandler interface {
	InvokePipeline(ctx context.Context, d Dispatcher, args map[string]any) (any, error)
}
