// Package transport is the connection manager: one reliable channel (TCP,
// QUIC or websocket) and one UDP channel to a single remote endpoint, plus
// the listeners that receive envelopes from peers.
package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zeusync/netsync/internal/core/entity"
	"github.com/zeusync/netsync/internal/core/observability/log"
	"github.com/zeusync/netsync/internal/core/observability/metrics"
	"github.com/zeusync/netsync/internal/core/wire"
)

const udpReadBuffer = 64 * 1024

// State of the outbound reliable connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnected
)

func (s State) String() string {
	if s == StateConnected {
		return "connected"
	}
	return "disconnected"
}

// Inbound is one decoded envelope as it came off a socket.
type Inbound struct {
	Wrapper    *wire.NetworkWrapper
	Transport  string
	From       string
	ReceivedAt time.Time
}

// Dispatcher receives decoded envelopes. It is called from listener
// goroutines and must be safe for concurrent use.
type Dispatcher interface {
	Dispatch(in Inbound)
}

type DispatcherFunc func(in Inbound)

func (f DispatcherFunc) Dispatch(in Inbound) { f(in) }

type Option func(*Manager)

func WithLogger(l log.Log) Option {
	return func(m *Manager) { m.logger = l }
}

func WithMetrics(r metrics.Recorder) Option {
	return func(m *Manager) { m.metrics = r }
}

func WithDispatcher(d Dispatcher) Option {
	return func(m *Manager) { m.dispatcher = d }
}

func WithRegistry(r *entity.Registry) Option {
	return func(m *Manager) { m.registry = r }
}

// Manager owns every socket of a node.
type Manager struct {
	cfg        Config
	logger     log.Log
	metrics    metrics.Recorder
	dispatcher Dispatcher
	registry   *entity.Registry

	mu        sync.Mutex
	remote    Endpoint
	reliable  frameConn
	udp       *net.UDPConn
	udpRemote *net.UDPAddr
	acceptor  acceptor

	trackMu sync.Mutex
	tracked map[frameConn]struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	group   errgroup.Group
	started atomic.Bool
	closed  atomic.Bool
}

var _ entity.Sender = (*Manager)(nil)

// New creates a manager. No socket is opened until Start or the first send.
func New(cfg Config, opts ...Option) *Manager {
	cfg.normalize()

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:     cfg,
		remote:  cfg.Remote,
		tracked: make(map[frameConn]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = log.Provide()
	}
	if m.metrics == nil {
		m.metrics = metrics.Nop{}
	}
	m.logger = m.logger.With(log.Component("transport"))

	m.logger.Debug("Connection manager created",
		log.String("reliable", string(cfg.Reliable)),
		log.String("remote_reliable", cfg.Remote.ReliableAddr()),
		log.String("remote_unreliable", cfg.Remote.UnreliableAddr()))

	return m
}

// Start opens the UDP socket and, when configured, the reliable listener.
func (m *Manager) Start(ctx context.Context) error {
	if m.closed.Load() {
		return ErrManagerClosed
	}
	if !m.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	// Start's context bounds the listeners as well as Close does.
	go func() {
		select {
		case <-ctx.Done():
			_ = m.Close()
		case <-m.ctx.Done():
		}
	}()

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureUDPLocked(); err != nil {
		return err
	}

	if m.cfg.ListenReliable == "" {
		return nil
	}

	acc, err := listenReliable(m.cfg, m.cfg.ListenReliable)
	if err != nil {
		m.metrics.Error(metrics.ClassTransport)
		return &TransportError{Op: "listen", Transport: string(m.cfg.Reliable), Addr: m.cfg.ListenReliable, Err: err}
	}
	m.acceptor = acc

	m.logger.Info("Reliable listener started",
		log.String("transport", string(m.cfg.Reliable)),
		log.String("addr", acc.Addr().String()))

	m.group.Go(func() error {
		err := acc.Serve(m.ctx, m.serveConn)
		if err != nil {
			m.metrics.Error(metrics.ClassTransport)
			m.logger.Error("Reliable listener stopped", log.Error(err))
		}
		return err
	})

	return nil
}

// Close stops every goroutine and closes every socket. Safe to call twice.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.cancel()

	m.mu.Lock()
	if m.acceptor != nil {
		_ = m.acceptor.Close()
	}
	if m.reliable != nil {
		_ = m.reliable.Close()
		m.reliable = nil
	}
	if m.udp != nil {
		_ = m.udp.Close()
	}
	m.mu.Unlock()

	m.trackMu.Lock()
	for conn := range m.tracked {
		_ = conn.Close()
	}
	m.trackMu.Unlock()

	err := m.group.Wait()
	m.logger.Info("Connection manager closed")
	return err
}

// SendReliable writes one envelope on the reliable channel, connecting first
// when not yet connected.
func (m *Manager) SendReliable(ctx context.Context, w *wire.NetworkWrapper) error {
	data, err := m.encode(w)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	conn, err := m.connectLocked(ctx)
	if err != nil {
		return err
	}

	if err = conn.WriteFrame(data, m.cfg.WriteTimeout); err != nil {
		m.dropReliableLocked(conn)
		return m.sendFailed("write", string(m.cfg.Reliable), conn.RemoteAddr(), err)
	}

	m.metrics.Frame(string(m.cfg.Reliable), metrics.DirectionOut, len(data)+wire.HeaderSize)
	return nil
}

// SendUnreliable writes one envelope as a single UDP datagram.
func (m *Manager) SendUnreliable(_ context.Context, w *wire.NetworkWrapper) error {
	data, err := m.encode(w)
	if err != nil {
		return err
	}

	frame := wire.AppendFrame(nil, data)
	if len(frame) > maxDatagramPayload {
		m.metrics.Error(metrics.ClassFraming)
		return &TransportError{Op: "write", Transport: labelUDP, Err: ErrDatagramTooLarge}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err = m.ensureUDPLocked(); err != nil {
		return err
	}

	if m.udpRemote == nil {
		addr, err := net.ResolveUDPAddr("udp", m.remote.UnreliableAddr())
		if err != nil {
			return m.sendFailed("resolve", labelUDP, m.remote.UnreliableAddr(), err)
		}
		m.udpRemote = addr
	}

	if m.cfg.WriteTimeout > 0 {
		_ = m.udp.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	}
	if _, err = m.udp.WriteToUDP(frame, m.udpRemote); err != nil {
		return m.sendFailed("write", labelUDP, m.udpRemote.String(), err)
	}

	m.metrics.Frame(labelUDP, metrics.DirectionOut, len(frame))
	return nil
}

// UpdateEndpoint switches the remote peer. The current reliable connection
// is dropped; the next send dials the new address.
func (m *Manager) UpdateEndpoint(ep Endpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ep.Host == "" {
		ep.Host = DefaultEndpoint().Host
	}
	m.remote = ep
	m.udpRemote = nil
	if m.reliable != nil {
		m.dropReliableLocked(m.reliable)
	}

	m.logger.Info("Remote endpoint updated",
		log.String("reliable", ep.ReliableAddr()),
		log.String("unreliable", ep.UnreliableAddr()))
}

func (m *Manager) Endpoint() Endpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remote
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reliable != nil {
		return StateConnected
	}
	return StateDisconnected
}

// RegisterEntity adds e to the entity registry. Failures are returned, not
// retried.
func (m *Manager) RegisterEntity(e *entity.Entity) error {
	if m.registry == nil {
		return ErrNoRegistry
	}
	if err := m.registry.Register(e); err != nil {
		m.metrics.Error(metrics.ClassRegistration)
		m.logger.Warn("Entity registration failed", log.Error(err))
		return err
	}
	return nil
}

// ReliableAddr is the bound address of the reliable listener, if any.
func (m *Manager) ReliableAddr() net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.acceptor == nil {
		return nil
	}
	return m.acceptor.Addr()
}

// UnreliableAddr is the bound address of the UDP socket, if open.
func (m *Manager) UnreliableAddr() net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.udp == nil {
		return nil
	}
	return m.udp.LocalAddr()
}

func (m *Manager) encode(w *wire.NetworkWrapper) ([]byte, error) {
	if w == nil {
		return nil, ErrNilPayload
	}
	if m.closed.Load() {
		return nil, ErrManagerClosed
	}
	data, err := wire.Encode(w)
	if err != nil {
		m.logger.Warn("Envelope encoding failed", log.String("guid", w.Guid), log.Error(err))
		return nil, err
	}
	if uint64(len(data)) > m.cfg.MaxFrameSize {
		m.metrics.Error(metrics.ClassFraming)
		return nil, &wire.FramingError{Length: uint64(len(data)), Limit: m.cfg.MaxFrameSize, Err: wire.ErrFrameTooLarge}
	}
	return data, nil
}

func (m *Manager) connectLocked(ctx context.Context) (frameConn, error) {
	if m.reliable != nil {
		return m.reliable, nil
	}
	if m.closed.Load() {
		return nil, ErrManagerClosed
	}

	addr := m.remote.ReliableAddr()
	conn, err := dialReliable(ctx, m.cfg, addr)
	if err != nil {
		return nil, m.sendFailed("dial", string(m.cfg.Reliable), addr, err)
	}

	m.reliable = conn
	m.track(conn)
	m.logger.Info("Connected", log.String("transport", string(m.cfg.Reliable)), log.String("addr", addr))

	// the peer may answer on the same connection
	m.group.Go(func() error {
		m.readLoop(conn, string(m.cfg.Reliable))
		return nil
	})

	return conn, nil
}

// dropReliableLocked closes conn and, if it is the outbound connection,
// moves the manager back to disconnected.
func (m *Manager) dropReliableLocked(conn frameConn) {
	if m.reliable == conn {
		m.reliable = nil
	}
	_ = conn.Close()
}

func (m *Manager) dropReliable(conn frameConn) {
	m.mu.Lock()
	m.dropReliableLocked(conn)
	m.mu.Unlock()
}

func (m *Manager) ensureUDPLocked() error {
	if m.udp != nil {
		return nil
	}
	if m.closed.Load() {
		return ErrManagerClosed
	}

	laddr := m.cfg.ListenUnreliable
	if laddr == "" {
		laddr = ":0"
	}
	addr, err := net.ResolveUDPAddr("udp", laddr)
	if err != nil {
		m.metrics.Error(metrics.ClassTransport)
		return &TransportError{Op: "listen", Transport: labelUDP, Addr: laddr, Err: err}
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		m.metrics.Error(metrics.ClassTransport)
		return &TransportError{Op: "listen", Transport: labelUDP, Addr: laddr, Err: err}
	}
	m.udp = conn

	m.logger.Info("UDP socket opened", log.String("addr", conn.LocalAddr().String()))

	m.group.Go(func() error {
		m.readUDP(conn)
		return nil
	})
	return nil
}

func (m *Manager) sendFailed(op, transport, addr string, err error) error {
	m.metrics.Error(metrics.ClassTransport)
	m.logger.Warn("Send failed",
		log.String("op", op),
		log.String("transport", transport),
		log.String("addr", addr),
		log.Error(err))
	return &TransportError{Op: op, Transport: transport, Addr: addr, Err: err}
}

// serveConn is the acceptor callback for inbound reliable connections.
// The closed check and group.Go happen under trackMu: Close marks the manager
// closed before it takes trackMu, so a connection is either rejected here or
// tracked and started before Close reaches group.Wait.
func (m *Manager) serveConn(conn frameConn) {
	m.trackMu.Lock()
	defer m.trackMu.Unlock()

	if m.closed.Load() {
		_ = conn.Close()
		return
	}
	m.tracked[conn] = struct{}{}
	m.logger.Debug("Peer connected", log.String("from", conn.RemoteAddr()))

	m.group.Go(func() error {
		m.readLoop(conn, string(m.cfg.Reliable))
		return nil
	})
}

func (m *Manager) track(conn frameConn) {
	m.trackMu.Lock()
	m.tracked[conn] = struct{}{}
	m.trackMu.Unlock()
}

func (m *Manager) untrack(conn frameConn) {
	m.trackMu.Lock()
	delete(m.tracked, conn)
	m.trackMu.Unlock()
}

// readLoop receives frames until the connection fails. A framing error ends
// the connection since the byte stream can no longer be trusted.
func (m *Manager) readLoop(conn frameConn, transport string) {
	defer m.untrack(conn)
	defer m.dropReliable(conn)

	from := conn.RemoteAddr()
	for {
		data, err := conn.ReadFrame(m.cfg.MaxFrameSize)
		if err != nil {
			m.readFailed(transport, from, err)
			return
		}
		m.metrics.Frame(transport, metrics.DirectionIn, len(data)+wire.HeaderSize)
		m.deliver(data, transport, from)
	}
}

func (m *Manager) readFailed(transport, from string, err error) {
	var framing *wire.FramingError
	switch {
	case m.ctx.Err() != nil, isClosed(err):
		m.logger.Debug("Connection closed", log.String("transport", transport), log.String("from", from))
	case errors.As(err, &framing):
		m.metrics.Error(metrics.ClassFraming)
		m.logger.Warn("Framing error, closing connection",
			log.String("transport", transport), log.String("from", from), log.Error(err))
	default:
		m.metrics.Error(metrics.ClassTransport)
		m.logger.Warn("Read failed",
			log.String("transport", transport), log.String("from", from), log.Error(err))
	}
}

func (m *Manager) readUDP(conn *net.UDPConn) {
	buf := make([]byte, udpReadBuffer)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if m.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			m.metrics.Error(metrics.ClassTransport)
			m.logger.Warn("UDP read failed", log.Error(err))
			continue
		}

		data, err := wire.SplitFrame(buf[:n], m.cfg.MaxFrameSize)
		if err != nil {
			m.metrics.Error(metrics.ClassFraming)
			m.logger.Warn("Dropping malformed datagram",
				log.String("from", from.String()), log.Int("size", n), log.Error(err))
			continue
		}
		m.metrics.Frame(labelUDP, metrics.DirectionIn, n)

		// buf is reused by the next read
		m.deliver(append([]byte(nil), data...), labelUDP, from.String())
	}
}

func (m *Manager) deliver(data []byte, transport, from string) {
	w, err := wire.Decode(data)
	if err != nil {
		m.metrics.Error(metrics.ClassDeserialization)
		m.logger.Warn("Dropping undecodable message",
			log.String("transport", transport), log.String("from", from), log.Error(err))
		return
	}
	if m.dispatcher == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Dispatcher panicked", log.String("guid", w.Guid), log.Any("panic", r))
		}
	}()
	m.dispatcher.Dispatch(Inbound{
		Wrapper:    w,
		Transport:  transport,
		From:       from,
		ReceivedAt: time.Now(),
	})
}
