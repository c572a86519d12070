package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/quic-go/quic-go"
)

const quicKeepAlive = 15 * time.Second

// dialReliable opens an outbound reliable connection of the configured kind.
func dialReliable(ctx context.Context, cfg Config, addr string) (frameConn, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()

	switch cfg.Reliable {
	case KindTCP:
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		return newTCPConn(conn), nil

	case KindQUIC:
		conn, err := quic.DialAddr(ctx, addr, clientTLS(cfg.TLS, addr), &quic.Config{KeepAlivePeriod: quicKeepAlive})
		if err != nil {
			return nil, err
		}
		stream, err := conn.OpenStreamSync(ctx)
		if err != nil {
			_ = conn.CloseWithError(0, "open stream failed")
			return nil, err
		}
		return newQUICConn(conn, stream), nil

	case KindWebsocket:
		url := fmt.Sprintf("ws://%s%s", addr, cfg.WebsocketPath)
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			return nil, err
		}
		return newWebsocketConn(conn), nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Reliable)
	}
}

// acceptor hands accepted reliable connections to a callback until closed.
// The callback must not block.
type acceptor interface {
	Serve(ctx context.Context, handle func(frameConn)) error
	Addr() net.Addr
	Close() error
}

func listenReliable(cfg Config, addr string) (acceptor, error) {
	switch cfg.Reliable {
	case KindTCP:
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, err
		}
		return &tcpAcceptor{ln: ln}, nil

	case KindQUIC:
		tlsConf, err := serverTLS(cfg.TLS)
		if err != nil {
			return nil, err
		}
		ln, err := quic.ListenAddr(addr, tlsConf, &quic.Config{KeepAlivePeriod: quicKeepAlive})
		if err != nil {
			return nil, err
		}
		return &quicAcceptor{ln: ln}, nil

	case KindWebsocket:
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, err
		}
		return newWebsocketAcceptor(ln, cfg.WebsocketPath), nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Reliable)
	}
}

type tcpAcceptor struct {
	ln net.Listener
}

func (a *tcpAcceptor) Serve(ctx context.Context, handle func(frameConn)) error {
	for {
		conn, err := a.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		handle(newTCPConn(conn))
	}
}

func (a *tcpAcceptor) Addr() net.Addr { return a.ln.Addr() }
func (a *tcpAcceptor) Close() error   { return a.ln.Close() }

type quicAcceptor struct {
	ln *quic.Listener
}

// Serve waits for its stream-accepting goroutines before returning, so the
// caller's group covers them too.
func (a *quicAcceptor) Serve(ctx context.Context, handle func(frameConn)) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := a.ln.Accept(ctx)
		if err != nil {
			if errors.Is(err, quic.ErrServerClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			stream, err := conn.AcceptStream(ctx)
			if err != nil {
				_ = conn.CloseWithError(0, "no stream")
				return
			}
			handle(newQUICConn(conn, stream))
		}()
	}
}

func (a *quicAcceptor) Addr() net.Addr { return a.ln.Addr() }
func (a *quicAcceptor) Close() error   { return a.ln.Close() }

// websocketAcceptor builds its server up front; Serve only installs the
// callback and context.
type websocketAcceptor struct {
	ln  net.Listener
	srv *http.Server

	mu     sync.RWMutex
	ctx    context.Context
	handle func(frameConn)
}

func newWebsocketAcceptor(ln net.Listener, path string) *websocketAcceptor {
	a := &websocketAcceptor{ln: ln, ctx: context.Background()}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		a.mu.RLock()
		handle := a.handle
		a.mu.RUnlock()
		if handle == nil {
			http.Error(w, "not serving", http.StatusServiceUnavailable)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		handle(newWebsocketConn(conn))
	})

	a.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			a.mu.RLock()
			defer a.mu.RUnlock()
			return a.ctx
		},
	}
	return a
}

func (a *websocketAcceptor) Serve(ctx context.Context, handle func(frameConn)) error {
	a.mu.Lock()
	a.ctx = ctx
	a.handle = handle
	a.mu.Unlock()

	err := a.srv.Serve(a.ln)
	if errors.Is(err, http.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (a *websocketAcceptor) Addr() net.Addr { return a.ln.Addr() }

// Close shuts the server and the listener; the listener is closed explicitly
// in case Serve has not started yet.
func (a *websocketAcceptor) Close() error {
	err := a.srv.Close()
	if lnErr := a.ln.Close(); lnErr != nil && !errors.Is(lnErr, net.ErrClosed) && err == nil {
		err = lnErr
	}
	return err
}
