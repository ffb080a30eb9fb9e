// Package dispatch routes tool invocations to registered handler functions.
//
// A handler is addressed by "extension/name" (for example "sys/info"). Payloads
// and results are plain JSON-shaped values so the registry stays agnostic of
// individual handler schemas.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

type HandlerFunc func(ctx context.Context, params map[string]any) (any, error)

type Registry struct {
	log *slog.Logger

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:      log,
		handlers: make(map[string]HandlerFunc),
	}
}

func (r *Registry) Register(extension, name string, fn HandlerFunc) error {
	extension = strings.TrimSpace(extension)
	name = strings.TrimSpace(name)
	if extension == "" || name == "" {
		return fmt.Errorf("invalid handler route %q/%q", extension, name)
	}
	if fn == nil {
		return fmt.Errorf("nil handler for %s/%s", extension, name)
	}
	key := extension + "/" + name

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[key]; ok {
		return fmt.Errorf("handler %s already registered", key)
	}
	r.handlers[key] = fn
	return nil
}

func (r *Registry) Invoke(ctx context.Context, extension, name string, params map[string]any) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	key := strings.TrimSpace(extension) + "/" + strings.TrimSpace(name)

	r.mu.RLock()
	fn, ok := r.handlers[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no handler registered for %s", key)
	}

	out, err := fn(ctx, params)
	if err != nil {
		r.log.Warn("handler failed", "route", key, "error", err)
		return nil, err
	}
	return out, nil
}

// Routes returns the registered routes, mainly for startup logging.
func (r *Registry) Routes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	return out
}
