// Package registry maps command types to the handler capability set for one
// target type. Capabilities are probed once at registration so delivery
// never inspects types in the hot path.
package registry

import (
	"fmt"
	"strings"
	"sync"

	delivery "github.com/goliatone/go-delivery"
)

// Capabilities is the resolved handler surface for one command type.
type Capabilities[T any] struct {
	// Enactor applies the command to a loaded target.
	Enactor delivery.Enactor[T]
	// Exceptions is non-nil when the enactor handles delivery failures.
	Exceptions delivery.ExceptionHandler[T]
	// Factory is non-nil when the enactor can construct targets.
	Factory delivery.TargetFactory[T]
	// Constructor marks the command as one that creates its target.
	Constructor bool
}

// Registry holds command handlers for a single target type.
type Registry[T any] struct {
	mu       sync.RWMutex
	handlers map[string]Capabilities[T]
}

// New creates an empty registry.
func New[T any]() *Registry[T] {
	return &Registry[T]{
		handlers: make(map[string]Capabilities[T]),
	}
}

// Register binds the enactor to proto's command type. The optional
// capabilities (exception hook, target factory) are resolved here, once.
// Constructor commands require a factory-capable enactor.
func (r *Registry[T]) Register(proto delivery.Command, enactor delivery.Enactor[T]) error {
	if delivery.IsNilCommand(proto) {
		return delivery.ValidationError("command prototype required", nil)
	}
	if enactor == nil {
		return delivery.ValidationError("enactor required", nil)
	}

	key := strings.TrimSpace(proto.Type())
	if key == "" {
		return delivery.ValidationError("command type required", nil)
	}

	caps := Capabilities[T]{Enactor: enactor}
	if hook, ok := enactor.(delivery.ExceptionHandler[T]); ok {
		caps.Exceptions = hook
	}
	if factory, ok := enactor.(delivery.TargetFactory[T]); ok {
		caps.Factory = factory
	}
	if _, ok := proto.(delivery.ConstructorCommand); ok {
		caps.Constructor = true
		if caps.Factory == nil {
			return delivery.ValidationError(
				fmt.Sprintf("constructor command %s requires a factory-capable enactor", key), nil)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[key]; exists {
		return delivery.ConflictError(fmt.Sprintf("handler already registered for %s", key), nil)
	}
	r.handlers[key] = caps
	return nil
}

// RegisterFunc binds a plain function as the enactor for proto.
func (r *Registry[T]) RegisterFunc(proto delivery.Command, fn delivery.EnactorFunc[T]) error {
	return r.Register(proto, fn)
}

// Resolve returns the capability set for cmd.
func (r *Registry[T]) Resolve(cmd delivery.Command) (Capabilities[T], error) {
	if delivery.IsNilCommand(cmd) {
		return Capabilities[T]{}, delivery.ValidationError("command required", nil)
	}

	key := strings.TrimSpace(cmd.Type())

	r.mu.RLock()
	defer r.mu.RUnlock()
	caps, ok := r.handlers[key]
	if !ok {
		return Capabilities[T]{}, delivery.ValidationError(
			fmt.Sprintf("no handler registered for %s", delivery.CommandType(cmd)), nil)
	}
	return caps, nil
}

// Types lists registered command types.
func (r *Registry[T]) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for key := range r.handlers {
		out = append(out, key)
	}
	return out
}
