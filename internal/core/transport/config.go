package transport

import (
	"crypto/tls"
	"net"
	"strconv"
	"time"

	"github.com/zeusync/netsync/internal/core/wire"
)

const (
	DefaultTCPPort = 5411
	DefaultUDPPort = 5412

	// maxDatagramPayload is the largest UDP payload over IPv4.
	maxDatagramPayload = 65507
)

// Kind selects the reliable channel implementation.
type Kind string

const (
	KindTCP       Kind = "tcp"
	KindQUIC      Kind = "quic"
	KindWebsocket Kind = "websocket"

	// unreliable channel label used in logs and metrics
	labelUDP = "udp"
)

// Endpoint is the single remote peer a manager talks to.
type Endpoint struct {
	Host    string
	TCPPort int
	UDPPort int
}

func DefaultEndpoint() Endpoint {
	return Endpoint{
		Host:    "127.0.0.1",
		TCPPort: DefaultTCPPort,
		UDPPort: DefaultUDPPort,
	}
}

// ReliableAddr is host:tcpPort. QUIC reuses the number on UDP.
func (e Endpoint) ReliableAddr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.TCPPort))
}

func (e Endpoint) UnreliableAddr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.UDPPort))
}

// Config holds connection manager configuration
type Config struct {
	Remote   Endpoint
	Reliable Kind

	// Local listen addresses. An empty ListenReliable disables inbound
	// reliable connections; an empty ListenUnreliable binds an ephemeral port.
	ListenReliable   string
	ListenUnreliable string

	DialTimeout  time.Duration
	WriteTimeout time.Duration
	MaxFrameSize uint64

	// WebsocketPath is the upgrade path for KindWebsocket.
	WebsocketPath string

	// TLS is used by KindQUIC. Nil selects a self-signed development setup.
	TLS *tls.Config
}

// DefaultConfig returns default connection manager configuration
func DefaultConfig() Config {
	return Config{
		Remote:        DefaultEndpoint(),
		Reliable:      KindTCP,
		DialTimeout:   5 * time.Second,
		WriteTimeout:  2 * time.Second,
		MaxFrameSize:  wire.DefaultMaxFrameSize,
		WebsocketPath: "/netsync",
	}
}

func (c *Config) normalize() {
	def := DefaultConfig()
	if c.Reliable == "" {
		c.Reliable = def.Reliable
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = def.MaxFrameSize
	}
	if c.WebsocketPath == "" {
		c.WebsocketPath = def.WebsocketPath
	}
	if c.Remote.Host == "" {
		c.Remote.Host = def.Remote.Host
	}
}
