package client

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zeusync/netsync/internal/core/observability/log"
)

type Transform struct {
	X, Y    float64
	Heading float64 `json:"heading"`
}

func newClient(t *testing.T) *Client {
	t.Helper()

	cfg := DefaultClientConfig()
	cfg.ListenReliable = "127.0.0.1:0"
	cfg.ListenUnreliable = "127.0.0.1:0"
	cfg.LogLevel = log.LevelError

	c, err := NewClient(cfg)
	require.NoError(t, err)
	require.NoError(t, Register[Transform](c))
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func portOf(t *testing.T, addr net.Addr) int {
	t.Helper()
	_, p, err := net.SplitHostPort(addr.String())
	require.NoError(t, err)
	n, err := strconv.Atoi(p)
	require.NoError(t, err)
	return n
}

func TestClientSync(t *testing.T) {
	alice := newClient(t)
	bob := newClient(t)

	bobManager := bob.node.Manager()
	alice.SetServer("127.0.0.1", portOf(t, bobManager.ReliableAddr()), portOf(t, bobManager.UnreliableAddr()))

	var events []Event
	bob.On(EventTypeEntityDiscovered, func(e Event) { events = append(events, e) })
	bob.On(EventTypeComponentUpdated, func(e Event) { events = append(events, e) })

	tr := &Transform{X: 1, Y: 2, Heading: 90}
	player, err := alice.Spawn("player-1", tr)
	require.NoError(t, err)

	require.False(t, alice.IsConnected())
	require.NoError(t, player.SendSync(context.Background(), tr))
	require.True(t, alice.IsConnected())

	require.Eventually(t, func() bool {
		bob.Tick()
		_, ok := bob.Entity("player-1")
		return ok
	}, 5*time.Second, 5*time.Millisecond)

	require.Len(t, events, 2)
	require.Equal(t, EventTypeEntityDiscovered, events[0].Type)
	require.Equal(t, "player-1", events[0].Entity.GUID())
	require.Equal(t, EventTypeComponentUpdated, events[1].Type)
	require.Equal(t, "Transform", events[1].Component)

	tr.Heading = 180
	require.NoError(t, player.SendSync(context.Background(), tr))

	remote, _ := bob.Entity("player-1")
	require.Eventually(t, func() bool {
		bob.Tick()
		return remote.HasPending("Transform")
	}, 5*time.Second, 5*time.Millisecond)

	got, ok, err := Consume[Transform](remote)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, Transform{X: 1, Y: 2, Heading: 180}, got)
}

func TestClientLifecycle(t *testing.T) {
	cfg := DefaultClientConfig()
	cfg.ListenUnreliable = "127.0.0.1:0"
	cfg.LogLevel = log.LevelError

	c, err := NewClient(cfg)
	require.NoError(t, err)

	var disconnected bool
	c.On(EventTypeDisconnected, func(Event) { disconnected = true })

	require.NoError(t, c.Connect(context.Background()))
	require.ErrorIs(t, c.Connect(context.Background()), ErrAlreadyConnected)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	require.True(t, disconnected)

	require.ErrorIs(t, c.Connect(context.Background()), ErrClientClosed)
	_, err = c.Spawn("")
	require.ErrorIs(t, err, ErrClientClosed)
}

func TestInvalidTransport(t *testing.T) {
	cfg := DefaultClientConfig()
	cfg.Transport = "smoke-signals"

	_, err := NewClient(cfg)
	require.ErrorIs(t, err, ErrInvalidConfig)
}
