// Package node is the context object of a synchronizing process. It owns the
// serializer, type registry, entity registry and connection manager, and is
// passed to whatever needs network access.
package node

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zeusync/netsync/internal/core/entity"
	"github.com/zeusync/netsync/internal/core/observability/log"
	"github.com/zeusync/netsync/internal/core/observability/metrics"
	"github.com/zeusync/netsync/internal/core/transport"
	"github.com/zeusync/netsync/internal/core/updater"
	"github.com/zeusync/netsync/internal/core/wire"
)

const dropQueueFull = "queue_full"

var ErrUnknownMode = errors.New("unknown inbound mode")

// ApplyFunc observes every inbound payload applied to an entity.
type ApplyFunc func(e *entity.Entity, component string, created bool)

type Option func(*Node)

func WithLogger(l log.Log) Option {
	return func(n *Node) { n.logger = l }
}

func WithMetrics(r metrics.Recorder) Option {
	return func(n *Node) { n.metrics = r }
}

func WithApplyFunc(fn ApplyFunc) Option {
	return func(n *Node) { n.onApply = fn }
}

// Node wires the synchronization core together.
type Node struct {
	config  Config
	logger  log.Log
	metrics metrics.Recorder
	onApply ApplyFunc

	serializer *wire.Serializer
	types      *wire.TypeRegistry
	updater    *updater.Updater
	registry   *entity.Registry
	manager    *transport.Manager
	env        *entity.Env

	inbound chan transport.Inbound
}

var _ transport.Dispatcher = (*Node)(nil)

// New builds a node. Component types are registered on Types() before Start.
func New(config Config, opts ...Option) (*Node, error) {
	config.normalize()
	if config.Mode != ModeQueued && config.Mode != ModeDirect {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, config.Mode)
	}

	n := &Node{config: config}
	for _, opt := range opts {
		opt(n)
	}
	if n.logger == nil {
		n.logger = log.Provide()
	}
	if n.metrics == nil {
		n.metrics = metrics.Nop{}
	}
	n.logger = n.logger.With(log.Component("node"))

	schema := wire.NewSchema(config.Exclusions)
	n.serializer = wire.NewSerializer(wire.WithSchema(schema), wire.WithTypeTags(config.TypeTags))
	n.types = wire.NewTypeRegistry(schema)
	n.updater = updater.New(schema)
	n.registry = entity.NewRegistry(
		entity.WithShardCount(config.Shards),
		entity.WithSizeObserver(n.metrics.Entities),
	)
	n.manager = transport.New(config.Transport,
		transport.WithLogger(n.logger),
		transport.WithMetrics(n.metrics),
		transport.WithDispatcher(n),
		transport.WithRegistry(n.registry),
	)
	n.env = &entity.Env{
		Serializer: n.serializer,
		Types:      n.types,
		Updater:    n.updater,
		Sender:     n.manager,
	}

	if config.Mode == ModeQueued {
		n.inbound = make(chan transport.Inbound, config.QueueSize)
	}

	n.logger.Info("Node created",
		log.String("mode", string(config.Mode)),
		log.Int("queue_size", config.QueueSize),
		log.Bool("type_tags", config.TypeTags))

	return n, nil
}

// OnApply replaces the apply observer. Call it before Start.
func (n *Node) OnApply(fn ApplyFunc) {
	n.onApply = fn
}

// Register adds T to the node's component types.
func Register[T any](n *Node) error {
	return wire.Register[T](n.types)
}

func (n *Node) Start(ctx context.Context) error {
	return n.manager.Start(ctx)
}

func (n *Node) Close() error {
	return n.manager.Close()
}

// NewEntity creates a locally owned entity with the given components
// attached and registers it. An empty guid gets a random one.
func (n *Node) NewEntity(guid string, components ...any) (*entity.Entity, error) {
	e := entity.New(guid, n.env)
	for _, c := range components {
		if err := e.Attach(c); err != nil {
			return nil, err
		}
	}
	if err := n.manager.RegisterEntity(e); err != nil {
		return nil, err
	}
	return e, nil
}

func (n *Node) Entity(guid string) (*entity.Entity, bool) {
	return n.registry.Get(guid)
}

// RemoveEntity forgets an entity, typically when its game object is destroyed.
func (n *Node) RemoveEntity(guid string) error {
	return n.registry.Deregister(guid)
}

// Dispatch receives envelopes from the connection manager.
func (n *Node) Dispatch(in transport.Inbound) {
	if n.inbound == nil {
		n.apply(in)
		return
	}

	select {
	case n.inbound <- in:
	default:
		n.metrics.Dropped(dropQueueFull)
		n.logger.Warn("Inbound queue full, dropping envelope",
			log.String("guid", in.Wrapper.Guid),
			log.String("transport", in.Transport))
	}
}

// Tick drains the envelopes queued since the last call and returns how many
// were applied. Call it once per simulation step from a single goroutine.
func (n *Node) Tick() int {
	applied := 0
	for pending := len(n.inbound); applied < pending; applied++ {
		n.apply(<-n.inbound)
	}

	if n.config.AutoSyncShadows {
		n.syncShadows()
	}
	return applied
}

// Run calls Tick every interval until ctx is done.
func (n *Node) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.Tick()
		}
	}
}

func (n *Node) apply(in transport.Inbound) {
	w := in.Wrapper
	e, created := n.registry.GetOrCreate(w.Guid, func() *entity.Entity {
		return entity.NewShadow(w.Guid, n.env)
	})
	if created {
		n.logger.Debug("Shadow entity created", log.String("guid", w.Guid), log.String("from", in.From))
	}

	for _, p := range w.GameObjects {
		match, err := n.types.Resolve(p, n.config.MinMatchScore)
		if err != nil {
			n.metrics.Error(metrics.ClassTypeMatch)
			n.logger.Warn("Skipping payload with no confident type match",
				log.String("guid", w.Guid),
				log.Strings("keys", p.Keys()),
				log.Error(err))
			continue
		}

		createdComponent, report := e.ApplyPayload(match.Target, p)
		for _, failed := range report.Failed {
			n.metrics.Error(metrics.ClassFieldAssignment)
			n.logger.Warn("Field not applied",
				log.String("guid", w.Guid),
				log.String("component", match.Target.Name),
				log.String("field", failed.Field),
				log.Error(failed.Err))
		}

		if n.onApply != nil {
			n.onApply(e, match.Target.Name, createdComponent)
		}
	}
}

func (n *Node) syncShadows() {
	n.registry.Range(func(e *entity.Entity) bool {
		if !e.IsShadow() {
			return true
		}
		for _, name := range e.ComponentNames() {
			component, ok := e.Component(name)
			if !ok {
				continue
			}
			if _, report := e.Sync(component); !report.OK() {
				for range report.Failed {
					n.metrics.Error(metrics.ClassFieldAssignment)
				}
			}
		}
		return true
	})
}

func (n *Node) Types() *wire.TypeRegistry    { return n.types }
func (n *Node) Serializer() *wire.Serializer { return n.serializer }
func (n *Node) Registry() *entity.Registry   { return n.registry }
func (n *Node) Manager() *transport.Manager  { return n.manager }
func (n *Node) Config() Config               { return n.config }
