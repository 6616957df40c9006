package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/kaptinlin/jsonschema"

	"canvaslink/internal/domain"
)

// HandlerFunc executes one command against the session's document state.
type HandlerFunc func(ctx context.Context, sess *domain.Session, params json.RawMessage) (any, error)

// Descriptor declares one command: its parameter schema, host-side execution
// budget, and handler. The schema/timeout pairing is configuration supplied
// by the collaborator registering the command, not something the dispatcher
// computes.
type Descriptor struct {
	Name          string
	Summary       string
	Schema        json.RawMessage // JSON Schema for params; empty skips validation
	Timeout       time.Duration   // zero means no budget
	RequiresWrite bool
	Handler       HandlerFunc
}

type entry struct {
	desc     Descriptor
	compiled *jsonschema.Schema
}

// validate checks params against the compiled schema.
func (e *entry) validate(params json.RawMessage) error {
	if e.compiled == nil {
		return nil
	}

	var data any = map[string]any{}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &data); err != nil {
			return domain.NewSubSystemError("dispatch", "Dispatcher.Dispatch",
				domain.ErrInvalidInput, fmt.Sprintf("params for %s are not valid JSON", e.desc.Name))
		}
	}

	result := e.compiled.Validate(data)
	if !result.IsValid() {
		return domain.NewSubSystemError("dispatch", "Dispatcher.Dispatch",
			domain.ErrInvalidInput, fmt.Sprintf("%s: %s", e.desc.Name, result.Error()))
	}
	return nil
}

// Registry maps command names to descriptors. Schemas compile exactly once,
// at registration, so dispatch never pays compilation cost per command.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]*entry
}

// NewRegistry creates an empty command registry.
func NewRegistry() *Registry {
	return &Registry{commands: make(map[string]*entry)}
}

// Register adds a descriptor, compiling its schema. Duplicate names are
// rejected; first registration wins.
func (r *Registry) Register(desc Descriptor) error {
	if desc.Name == "" {
		return domain.NewDomainError("Registry.Register", domain.ErrInvalidInput, "descriptor has no name")
	}
	if desc.Handler == nil {
		return domain.NewDomainError("Registry.Register", domain.ErrInvalidInput, desc.Name+" has no handler")
	}

	ent := &entry{desc: desc}
	if len(desc.Schema) > 0 {
		compiler := jsonschema.NewCompiler()
		schema, err := compiler.Compile(desc.Schema)
		if err != nil {
			return domain.NewDomainError("Registry.Register", domain.ErrInvalidInput,
				fmt.Sprintf("%s schema: %v", desc.Name, err))
		}
		ent.compiled = schema
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.commands[desc.Name]; exists {
		return domain.NewDomainError("Registry.Register", domain.ErrDuplicate, desc.Name)
	}
	r.commands[desc.Name] = ent
	return nil
}

// MustRegister is Register for static wiring; it panics on error.
func (r *Registry) MustRegister(desc Descriptor) {
	if err := r.Register(desc); err != nil {
		panic(err)
	}
}

// Get returns the descriptor registered under name.
func (r *Registry) Get(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ent, ok := r.commands[name]
	if !ok {
		return Descriptor{}, false
	}
	return ent.desc, true
}

// Names returns all registered command names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.commands))
	for name := range r.commands {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// List returns all descriptors sorted by name.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	descs := make([]Descriptor, 0, len(r.commands))
	for _, ent := range r.commands {
		descs = append(descs, ent.desc)
	}
	slices.SortFunc(descs, func(a, b Descriptor) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		default:
			return 0
		}
	})
	return descs
}

func (r *Registry) lookup(name string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ent, ok := r.commands[name]
	return ent, ok
}
