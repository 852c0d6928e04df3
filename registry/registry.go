// Package registry provides a generic named-item registry used as the storage
// layer for tool, provider, and agent catalogs.
package registry

import (
	"fmt"
	"sort"
	"sync"
)

// Error is the typed failure returned by registries: which component
// failed, doing what, and why.
type Error struct {
	Component string
	Action    string
	Message   string
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Component, e.Action, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Component, e.Action, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a typed registry error.
func NewError(component, action, message string, err error) *Error {
	return &Error{
		Component: component,
		Action:    action,
		Message:   message,
		Err:       err,
	}
}

type Registry[T any] interface {
	Register(name string, item T) error
	Get(name string) (T, bool)
	List() []T
	Names() []string
	Remove(name string) error
	Count() int
	Clear()
}

type BaseRegistry[T any] struct {
	mu        sync.RWMutex
	component string
	items     map[string]T
}

func NewBaseRegistry[T any]() *BaseRegistry[T] {
	return NewNamedRegistry[T]("registry")
}

// NewNamedRegistry labels the registry's typed errors with the component
// that owns it.
func NewNamedRegistry[T any](component string) *BaseRegistry[T] {
	return &BaseRegistry[T]{
		component: component,
		items:     make(map[string]T),
	}
}

func (r *BaseRegistry[T]) Register(name string, item T) error {
	if name == "" {
		return NewError(r.component, "register", "name cannot be empty", nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[name]; exists {
		return NewError(r.component, "register", fmt.Sprintf("item with name '%s' already registered", name), nil)
	}

	r.items[name] = item
	return nil
}

func (r *BaseRegistry[T]) Get(name string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	item, exists := r.items[name]
	return item, exists
}

// List returns items ordered by name so callers never observe map order.
func (r *BaseRegistry[T]) List() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.items))
	for name := range r.items {
		names = append(names, name)
	}
	sort.Strings(names)

	items := make([]T, 0, len(names))
	for _, name := range names {
		items = append(items, r.items[name])
	}
	return items
}

// Names returns the registered names in lexicographic order.
func (r *BaseRegistry[T]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.items))
	for name := range r.items {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *BaseRegistry[T]) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[name]; !exists {
		return NewError(r.component, "remove", fmt.Sprintf("item '%s' not found", name), nil)
	}

	delete(r.items, name)
	return nil
}

func (r *BaseRegistry[T]) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.items)
}

func (r *BaseRegistry[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.items = make(map[string]T)
}
