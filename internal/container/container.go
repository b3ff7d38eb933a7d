// Package container provides a minimal dependency registry that sequences
// start-up across layers (data, core, ui) and shutdown in exact reverse
// order. The container is an explicit value passed at start-up, not an
// ambient global, so multiple instances (e.g. in tests) never collide.
package container

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Layer orders service start-up: data < core < ui.
type Layer int

const (
	LayerData Layer = iota
	LayerCore
	LayerUI
)

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerData:
		return "data"
	case LayerCore:
		return "core"
	case LayerUI:
		return "ui"
	default:
		return "unknown"
	}
}

// Token identifies a registered service. Tokens are opaque handles owned by
// the registering package.
type Token string

// Initializer is implemented by services needing async start-up work.
// InitializeAll awaits it before moving to the next layer.
type Initializer interface {
	Init(ctx context.Context) error
}

// Disposer is implemented by services needing shutdown work.
type Disposer interface {
	Dispose() error
}

// Factory builds a service instance; it may resolve already-initialized
// services from lower layers.
type Factory func(c *Container) (any, error)

type entry struct {
	token    Token
	layer    Layer
	seq      int
	factory  Factory
	instance any
	built    bool
}

// Container holds registered services.
type Container struct {
	logger *slog.Logger

	mu          sync.Mutex
	entries     []*entry
	byToken     map[Token]*entry
	initialized bool
	disposed    bool
}

// New creates an empty container.
func New(logger *slog.Logger) *Container {
	return &Container{
		logger:  logger,
		byToken: make(map[Token]*entry),
	}
}

// RegisterFactory attaches a lazily-built service to a layer. Registering
// a token twice is a programmer error and panics.
func (c *Container) RegisterFactory(token Token, layer Layer, factory Factory) {
	c.register(&entry{token: token, layer: layer, factory: factory})
}

// RegisterInstance attaches an already-built service to a layer.
// Registering a token twice is a programmer error and panics.
func (c *Container) RegisterInstance(token Token, layer Layer, instance any) {
	c.register(&entry{token: token, layer: layer, instance: instance, built: true})
}

func (c *Container) register(e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		panic(fmt.Sprintf("container: register %q after dispose", e.token))
	}
	if _, ok := c.byToken[e.token]; ok {
		panic(fmt.Sprintf("container: token %q registered twice", e.token))
	}
	e.seq = len(c.entries)
	c.entries = append(c.entries, e)
	c.byToken[e.token] = e
}

// Resolve returns the service registered under token. Factory services are
// only available after InitializeAll.
func (c *Container) Resolve(token Token) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return nil, fmt.Errorf("container: resolve %q after dispose", token)
	}
	e, ok := c.byToken[token]
	if !ok {
		return nil, fmt.Errorf("container: token %q not registered", token)
	}
	if !e.built {
		return nil, fmt.Errorf("container: token %q not built yet (call InitializeAll first)", token)
	}
	return e.instance, nil
}

// InitializeAll builds every factory-registered service in layer order
// (ties broken by registration order) and awaits each instance's optional
// Initializer before moving on, so a data-layer store is ready before
// anything in core starts.
func (c *Container) InitializeAll(ctx context.Context) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return fmt.Errorf("container: initialize after dispose")
	}
	if c.initialized {
		c.mu.Unlock()
		return fmt.Errorf("container: already initialized")
	}
	ordered := c.initOrder()
	c.mu.Unlock()

	for _, e := range ordered {
		if !e.built {
			instance, err := e.factory(c)
			if err != nil {
				return fmt.Errorf("container: build %q: %w", e.token, err)
			}
			c.mu.Lock()
			e.instance = instance
			e.built = true
			c.mu.Unlock()
		}
		if init, ok := e.instance.(Initializer); ok {
			if err := init.Init(ctx); err != nil {
				return fmt.Errorf("container: init %q: %w", e.token, err)
			}
		}
		c.logger.Debug("container: service ready",
			slog.String("token", string(e.token)),
			slog.String("layer", e.layer.String()))
	}

	c.mu.Lock()
	c.initialized = true
	c.mu.Unlock()
	return nil
}

// DisposeAll disposes every instance in exact reverse initialization
// order. Disposer errors are logged, never propagated, so one failing
// service cannot block the rest of shutdown. The container is unusable
// afterwards.
func (c *Container) DisposeAll() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	ordered := c.initOrder()
	c.mu.Unlock()

	for i := len(ordered) - 1; i >= 0; i-- {
		e := ordered[i]
		if !e.built {
			continue
		}
		d, ok := e.instance.(Disposer)
		if !ok {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Warn("container: disposer panicked",
						slog.String("token", string(e.token)),
						slog.Any("panic", r))
				}
			}()
			if err := d.Dispose(); err != nil {
				c.logger.Warn("container: dispose failed",
					slog.String("token", string(e.token)),
					slog.String("error", err.Error()))
			}
		}()
	}
}

// initOrder returns entries sorted by layer, ties broken by registration
// order. Caller holds c.mu.
func (c *Container) initOrder() []*entry {
	ordered := make([]*entry, len(c.entries))
	copy(ordered, c.entries)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].layer != ordered[j].layer {
			return ordered[i].layer < ordered[j].layer
		}
		return ordered[i].seq < ordered[j].seq
	})
	return ordered
}
