// Package client is the gameplay-facing API of netsync: register component
// types, spawn entities, send their components and consume updates from peers.
package client

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeusync/netsync/internal/core/entity"
	"github.com/zeusync/netsync/internal/core/observability/log"
	"github.com/zeusync/netsync/internal/core/transport"
	"github.com/zeusync/netsync/internal/node"
)

// Entity is a networked game object.
type Entity = entity.Entity

// Client wraps one node for gameplay code.
type Client struct {
	node *node.Node

	eventHandlers map[EventType][]EventHandler
	handlerMutex  sync.RWMutex

	connected int32 // atomic bool
	closed    int32 // atomic bool

	config Config
	logger log.Log
}

// Config holds configuration for the client
type Config struct {
	// Remote peer
	ServerHost    string
	ServerTCPPort int
	ServerUDPPort int

	// Reliable channel: "tcp", "quic" or "websocket"
	Transport string

	// Local listeners. Empty reliable disables inbound reliable connections.
	ListenReliable   string
	ListenUnreliable string

	ConnectTimeout time.Duration

	// Inbound handling
	QueueSize       int
	AutoSyncShadows bool
	TypeTags        bool

	// Logging
	LogLevel log.Level
}

// DefaultClientConfig returns default client configuration
func DefaultClientConfig() Config {
	ep := transport.DefaultEndpoint()
	return Config{
		ServerHost:     ep.Host,
		ServerTCPPort:  ep.TCPPort,
		ServerUDPPort:  ep.UDPPort,
		Transport:      string(transport.KindTCP),
		ConnectTimeout: 5 * time.Second,
		QueueSize:      1024,
		TypeTags:       true,
		LogLevel:       log.LevelInfo,
	}
}

// EventHandler defines a function type for handling client events
type EventHandler func(event Event)

// EventType represents different types of client events
type EventType string

const (
	EventTypeConnected        EventType = "connected"
	EventTypeDisconnected     EventType = "disconnected"
	EventTypeEntityDiscovered EventType = "entity_discovered"
	EventTypeComponentUpdated EventType = "component_updated"
)

// Event represents a client event
type Event struct {
	Type      EventType
	Timestamp time.Time
	Entity    *Entity
	Component string
}

// NewClient creates a new netsync client
func NewClient(config Config) (*Client, error) {
	switch transport.Kind(config.Transport) {
	case transport.KindTCP, transport.KindQUIC, transport.KindWebsocket:
	default:
		return nil, fmt.Errorf("%w: transport %q", ErrInvalidConfig, config.Transport)
	}

	logger := log.New(config.LogLevel)

	nc := node.DefaultConfig()
	nc.Transport.Remote = transport.Endpoint{
		Host:    config.ServerHost,
		TCPPort: config.ServerTCPPort,
		UDPPort: config.ServerUDPPort,
	}
	nc.Transport.Reliable = transport.Kind(config.Transport)
	nc.Transport.ListenReliable = config.ListenReliable
	nc.Transport.ListenUnreliable = config.ListenUnreliable
	nc.Transport.DialTimeout = config.ConnectTimeout
	nc.QueueSize = config.QueueSize
	nc.AutoSyncShadows = config.AutoSyncShadows
	nc.TypeTags = config.TypeTags

	client := &Client{
		eventHandlers: make(map[EventType][]EventHandler),
		config:        config,
		logger:        logger.With(log.String("component", "client")),
	}

	n, err := node.New(nc, node.WithLogger(client.logger), node.WithApplyFunc(client.applied))
	if err != nil {
		return nil, err
	}
	client.node = n

	client.logger.Info("Client created", log.String("server", nc.Transport.Remote.ReliableAddr()))

	return client, nil
}

// Register adds a component type. Register every type before Connect.
func Register[T any](c *Client) error {
	return node.Register[T](c.node)
}

// Consume pops the pending update for T on e.
func Consume[T any](e *Entity) (T, bool, error) {
	return entity.Consume[T](e)
}

// Connect opens the local sockets. The reliable connection to the server is
// made on the first reliable send.
func (c *Client) Connect(ctx context.Context) error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return ErrClientClosed
	}
	if !atomic.CompareAndSwapInt32(&c.connected, 0, 1) {
		return ErrAlreadyConnected
	}

	if err := c.node.Start(ctx); err != nil {
		atomic.StoreInt32(&c.connected, 0)
		c.logger.Error("Failed to start", log.Error(err))
		return err
	}

	c.emitEvent(Event{Type: EventTypeConnected, Timestamp: time.Now()})
	return nil
}

// Spawn creates a local entity owning the given components.
func (c *Client) Spawn(guid string, components ...any) (*Entity, error) {
	if atomic.LoadInt32(&c.closed) == 1 {
		return nil, ErrClientClosed
	}
	return c.node.NewEntity(guid, components...)
}

// Despawn forgets an entity.
func (c *Client) Despawn(guid string) error {
	return c.node.RemoveEntity(guid)
}

func (c *Client) Entity(guid string) (*Entity, bool) {
	return c.node.Entity(guid)
}

// Tick applies queued updates. Call once per frame.
func (c *Client) Tick() int {
	return c.node.Tick()
}

// SetServer points the client at another server. The open reliable
// connection, if any, is closed.
func (c *Client) SetServer(host string, tcpPort, udpPort int) {
	c.node.Manager().UpdateEndpoint(transport.Endpoint{Host: host, TCPPort: tcpPort, UDPPort: udpPort})
}

// IsConnected reports whether a reliable connection to the server is open.
func (c *Client) IsConnected() bool {
	return c.node.Manager().State() == transport.StateConnected
}

// On adds an event handler. Handlers for update events run on whichever
// goroutine applies inbound updates: the Tick caller in the default mode.
func (c *Client) On(eventType EventType, handler EventHandler) {
	c.handlerMutex.Lock()
	defer c.handlerMutex.Unlock()
	c.eventHandlers[eventType] = append(c.eventHandlers[eventType], handler)
}

// Close shuts the client down
func (c *Client) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}

	err := c.node.Close()
	if atomic.SwapInt32(&c.connected, 0) == 1 {
		c.emitEvent(Event{Type: EventTypeDisconnected, Timestamp: time.Now()})
	}
	c.logger.Info("Client closed")
	return err
}

func (c *Client) applied(e *entity.Entity, component string, created bool) {
	now := time.Now()
	if created && e.IsShadow() && len(e.ComponentNames()) == 1 {
		c.emitEvent(Event{Type: EventTypeEntityDiscovered, Timestamp: now, Entity: e})
	}
	c.emitEvent(Event{Type: EventTypeComponentUpdated, Timestamp: now, Entity: e, Component: component})
}

func (c *Client) emitEvent(event Event) {
	c.handlerMutex.RLock()
	handlers := c.eventHandlers[event.Type]
	c.handlerMutex.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}
