package middleware

import (
	"context"
	"errors"
	"sync"

	"github.com/semihalev/authdns/config"
	"github.com/semihalev/zlog/v2"
)

// Handler is one step of the request pipeline.
type Handler interface {
	Name() string
	ServeDNS(context.Context, *Chain)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(context.Context, *Chain)

// Name return handler name.
func (f HandlerFunc) Name() string { return "func" }

// ServeDNS calls f(ctx, ch).
func (f HandlerFunc) ServeDNS(ctx context.Context, ch *Chain) { f(ctx, ch) }

type middleware struct {
	mu sync.RWMutex

	handlers []handler
}

type handler struct {
	name string
	new  func(*config.Config) Handler
}

var (
	m            middleware
	setup        []Handler
	alreadySetup bool
)

// Register a middleware.
func Register(name string, new func(*config.Config) Handler) {
	zlog.Debug("Register middleware", "name", name)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.handlers = append(m.handlers, handler{name: name, new: new})
}

// Setup creates the registered handlers in registration order.
func Setup(cfg *config.Config) error {
	if cfg == nil {
		return errors.New("config is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if alreadySetup {
		return errors.New("setup already done")
	}

	for _, handler := range m.handlers {
		setup = append(setup, handler.new(cfg))
	}

	alreadySetup = true

	return nil
}

// Handlers return the handlers created by Setup.
func Handlers() []Handler {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return setup
}

// List return names of handlers.
func List() (list []string) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, handler := range m.handlers {
		list = append(list, handler.name)
	}

	return list
}

// Get return a handler by name.
func Get(name string) Handler {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i, handler := range m.handlers {
		if handler.name == name {
			if len(setup) <= i {
				return nil
			}
			return setup[i]
		}
	}

	return nil
}
