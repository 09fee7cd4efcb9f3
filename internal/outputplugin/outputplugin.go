// Package outputplugin implements the hunt output-plugin pipeline of §4.7:
// a hunt attaches zero or more named plugins, each of which processes the
// hunt's aggregated result stream in the batches the engine hands it,
// independently of whether a sibling plugin is failing.
package outputplugin

import (
	"context"
	"fmt"
	"time"

	"github.com/sentinelfleet/core/internal/datastore"
	"github.com/sentinelfleet/core/internal/templates"
)

// Record is one aggregated hunt result handed to a plugin for processing.
type Record struct {
	ClientID  string
	SessionID string
	ReplyType string
	Payload   []byte
	Timestamp time.Time
}

// Plugin processes one batch of a hunt's result stream. A non-nil error
// leaves the engine's high-water mark for this plugin unchanged so the same
// batch is retried on the next ProcessResults call.
type Plugin interface {
	Process(ctx context.Context, huntID string, records []Record) error
}

// Template is a thin alias kept for callers that only need to reference the
// compiled-template type without importing internal/templates directly.
type Template = templates.Template

const kindTemplateExport = "template_export"

// Registry resolves a hunt's declarative OutputPluginDescriptor into a
// runnable Plugin, grounding each batch's durable output in the same
// datastore every other component shares.
type Registry struct {
	store    datastore.Store
	renderer *templates.Renderer
}

// NewRegistry constructs a plugin registry. Templates here are short,
// operator-authored strings, not files, so the renderer is built without a
// filesystem sandbox.
func NewRegistry(store datastore.Store) *Registry {
	return &Registry{store: store, renderer: templates.NewRenderer(nil)}
}

// Resolve builds the plugin a descriptor names. kind selects the
// implementation; templateSource is only consulted for "template_export".
func (r *Registry) Resolve(kind, name, templateSource string) (Plugin, error) {
	switch kind {
	case kindTemplateExport:
		tmpl, err := r.renderer.CompileInline(name, templateSource)
		if err != nil {
			return nil, fmt.Errorf("outputplugin: compile %q: %w", name, err)
		}
		if tmpl == nil {
			return nil, fmt.Errorf("outputplugin: %q has an empty template", name)
		}
		return &TemplateExport{store: r.store, name: name, tmpl: tmpl}, nil
	default:
		return nil, fmt.Errorf("outputplugin: unknown kind %q", kind)
	}
}
