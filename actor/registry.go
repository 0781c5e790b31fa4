package actor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"
)

// MethodFn is the signature of the function that dispatches an invocation to an actor method.
type MethodFn func(ctx context.Context, instance Actor, in Envelope) (any, error)

// MethodDescriptor describes a method of an actor interface.
type MethodDescriptor struct {
	// Name of the method
	Name string
	// Stable ID of the method within the interface
	ID int32
	// If true, invocations don't wait for a response
	OneWay bool
	// Timeout for invocations; if zero, the stage default is used
	Timeout time.Duration

	fn MethodFn
}

// Invoke the method on the actor instance.
func (m MethodDescriptor) Invoke(ctx context.Context, instance Actor, in Envelope) (any, error) {
	if m.fn == nil {
		return nil, fmt.Errorf("method '%s' has no implementation", m.Name)
	}
	return m.fn(ctx, instance, in)
}

// MethodOption is an option for Method.
type MethodOption func(*MethodDescriptor)

// WithTimeout overrides the invocation timeout for the method.
func WithTimeout(d time.Duration) MethodOption {
	return func(m *MethodDescriptor) { m.Timeout = d }
}

// WithOneWay makes the method one-way: callers don't wait for it to complete.
func WithOneWay() MethodOption {
	return func(m *MethodDescriptor) { m.OneWay = true }
}

// Method returns the descriptor for a method implemented by actors of type A.
// The input is decoded from the invocation's payload; the output is returned to the caller.
func Method[A any, In any, Out any](name string, fn func(a A, ctx context.Context, in In) (Out, error), opts ...MethodOption) MethodDescriptor {
	m := MethodDescriptor{
		Name: name,
		ID:   StableID(name),
		fn: func(ctx context.Context, instance Actor, env Envelope) (any, error) {
			a, ok := instance.(A)
			if !ok {
				var zero A
				return nil, fmt.Errorf("actor of type %T does not implement %T", instance, zero)
			}

			var in In
			if env != nil {
				err := env.Decode(&in)
				if err != nil {
					return nil, fmt.Errorf("failed to decode input for method '%s': %w", name, err)
				}
			}

			return fn(a, ctx, in)
		},
	}

	for _, o := range opts {
		o(&m)
	}

	return m
}

// InterfaceDescriptor describes an actor interface: its stable ID, its methods, and the factory for new instances.
type InterfaceDescriptor struct {
	// Name of the interface
	Name string
	// Stable ID of the interface
	ID int32
	// Factory for new actor instances
	Factory Factory

	methods       map[int32]MethodDescriptor
	methodsByName map[string]int32
}

// NewInterface returns a new InterfaceDescriptor.
func NewInterface(name string, factory Factory, methods ...MethodDescriptor) (*InterfaceDescriptor, error) {
	if name == "" {
		return nil, errors.New("interface name is empty")
	}
	if factory == nil {
		return nil, errors.New("factory is nil")
	}

	d := &InterfaceDescriptor{
		Name:          name,
		ID:            StableID(name),
		Factory:       factory,
		methods:       make(map[int32]MethodDescriptor, len(methods)),
		methodsByName: make(map[string]int32, len(methods)),
	}

	for _, m := range methods {
		if m.Name == "" {
			return nil, fmt.Errorf("interface '%s' has a method with an empty name", name)
		}
		if _, ok := d.methodsByName[m.Name]; ok {
			return nil, fmt.Errorf("interface '%s' has a duplicate method '%s'", name, m.Name)
		}
		if existing, ok := d.methods[m.ID]; ok {
			return nil, fmt.Errorf("methods '%s' and '%s' of interface '%s' have the same ID", existing.Name, m.Name, name)
		}
		d.methods[m.ID] = m
		d.methodsByName[m.Name] = m.ID
	}

	return d, nil
}

// Method returns the descriptor for a method, by name.
func (d *InterfaceDescriptor) Method(name string) (MethodDescriptor, bool) {
	id, ok := d.methodsByName[name]
	if !ok {
		return MethodDescriptor{}, false
	}
	return d.methods[id], true
}

// MethodByID returns the descriptor for a method, by ID.
func (d *InterfaceDescriptor) MethodByID(id int32) (MethodDescriptor, bool) {
	m, ok := d.methods[id]
	return m, ok
}

// Registry maps interface IDs to their descriptors.
// It is written during initialization, then sealed before the stage starts; after that, it is read-only.
type Registry struct {
	mu     sync.RWMutex
	byID   map[int32]*InterfaceDescriptor
	byName map[string]*InterfaceDescriptor
	sealed bool
}

// NewRegistry returns a new, empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:   map[int32]*InterfaceDescriptor{},
		byName: map[string]*InterfaceDescriptor{},
	}
}

// Register adds an interface to the registry.
func (r *Registry) Register(d *InterfaceDescriptor) error {
	if d == nil {
		return errors.New("interface descriptor is nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return errors.New("registry is sealed")
	}
	if d.ID == ControlInterfaceID {
		return fmt.Errorf("interface '%s' uses a reserved ID", d.Name)
	}
	if existing, ok := r.byID[d.ID]; ok {
		return fmt.Errorf("interfaces '%s' and '%s' have the same ID", existing.Name, d.Name)
	}

	r.byID[d.ID] = d
	r.byName[d.Name] = d
	return nil
}

// Seal makes the registry read-only.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Interface returns the descriptor of an interface by ID.
func (r *Registry) Interface(id int32) (*InterfaceDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byID[id]
	return d, ok
}

// InterfaceByName returns the descriptor of an interface by name.
func (r *Registry) InterfaceByName(name string) (*InterfaceDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byName[name]
	return d, ok
}

// InterfaceName returns the name of an interface, or its numeric ID if it's not registered locally.
func (r *Registry) InterfaceName(id int32) string {
	d, ok := r.Interface(id)
	if !ok {
		return fmt.Sprintf("interface#%d", id)
	}
	return d.Name
}

// Interfaces returns the list of registered interfaces, sorted by name.
func (r *Registry) Interfaces() []*InterfaceDescriptor {
	r.mu.RLock()
	res := make([]*InterfaceDescriptor, 0, len(r.byID))
	for _, d := range r.byID {
		res = append(res, d)
	}
	r.mu.RUnlock()

	slices.SortFunc(res, func(a, b *InterfaceDescriptor) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		default:
			return 0
		}
	})
	return res
}
