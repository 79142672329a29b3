package pipeline

import (
	"fmt"
	"sort"
)

// HandlerRegistry is an explicit map from handler id to implementation,
// built once at startup. Config-declared pipelines resolve their stage
// handlers against it; there is no runtime reflection or ambient
// global registry.
type HandlerRegistry struct {
	handlers map[string]Handler
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]Handler)}
}

// Register binds id to h. Re-registering an id is a programming error.
func (r *HandlerRegistry) Register(id string, h Handler) error {
	if id == "" {
		return fmt.Errorf("handler id is required")
	}
	if h == nil {
		return fmt.Errorf("handler %q is nil", id)
	}
	if _, dup := r.handlers[id]; dup {
		return fmt.Errorf("handler %q already registered", id)
	}
	r.handlers[id] = h
	return nil
}

// Resolve returns the handler bound to id.
func (r *HandlerRegistry) Resolve(id string) (Handler, error) {
	h, ok := r.handlers[id]
	if !ok {
		return nil, fmt.Errorf("no handler registered for %q", id)
	}
	return h, nil
}

// IDs returns registered handler ids, sorted.
func (r *HandlerRegistry) IDs() []string {
	ids := make([]string, 0, len(r.handlers))
	for id := range r.handlers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Catalog maps pipeline names to validated pipelines. Assembled in
// main from config and code; handed to the CLI commands.
type Catalog map[string]*Pipeline

// Lookup returns the named pipeline.
func (c Catalog) Lookup(name string) (*Pipeline, error) {
	p, ok := c[name]
	if !ok {
		names := make([]string, 0, len(c))
		for n := range c {
			names = append(names, n)
		}
		sort.Strings(names)
		return nil, fmt.Errorf("unknown pipeline %q (have: %v)", name, names)
	}
	return p, nil
}
