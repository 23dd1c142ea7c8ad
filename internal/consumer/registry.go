package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"courier/internal/domain"
)

// HandlerFunc handles one decoded message inside the consumer transaction.
type HandlerFunc[T any] func(ctx context.Context, payload T, hc *HandlerContext) error

type registration struct {
	decode func(body []byte) (any, error)
	handle func(ctx context.Context, payload any, hc *HandlerContext) error
}

// Registry maps message types to handlers. It is filled at startup and
// checked with Validate before any endpoint starts receiving.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]registration
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]registration)}
}

// Register binds messageType to h. Bodies are JSON-decoded into T.
func Register[T any](r *Registry, messageType string, h HandlerFunc[T]) error {
	if messageType == "" {
		return errors.New("message type must not be empty")
	}
	if h == nil {
		return fmt.Errorf("nil handler for %s", messageType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[messageType]; exists {
		return fmt.Errorf("%w: %s", domain.ErrHandlerAlreadyRegistered, messageType)
	}
	r.handlers[messageType] = registration{
		decode: func(body []byte) (any, error) {
			var payload T
			if err := json.Unmarshal(body, &payload); err != nil {
				return nil, err
			}
			return payload, nil
		},
		handle: func(ctx context.Context, payload any, hc *HandlerContext) error {
			return h(ctx, payload.(T), hc)
		},
	}
	return nil
}

func (r *Registry) lookup(messageType string) (registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.handlers[messageType]
	return reg, ok
}

// Types lists the registered message types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

// Validate checks that exactly the expected message types are registered.
func (r *Registry) Validate(expected ...string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var errs []error
	want := make(map[string]bool, len(expected))
	for _, t := range expected {
		want[t] = true
		if _, ok := r.handlers[t]; !ok {
			errs = append(errs, fmt.Errorf("%w: %s", domain.ErrHandlerNotRegistered, t))
		}
	}
	for t := range r.handlers {
		if !want[t] {
			errs = append(errs, fmt.Errorf("unexpected handler registered for %s", t))
		}
	}
	return errors.Join(errs...)
}
