package node

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zeusync/netsync/internal/core/entity"
	"github.com/zeusync/netsync/internal/core/observability/log"
	"github.com/zeusync/netsync/internal/core/observability/metrics"
	"github.com/zeusync/netsync/internal/core/transport"
	"github.com/zeusync/netsync/internal/core/wire"
)

type Position struct {
	X, Y, Z float64
}

type Health struct {
	Current int `json:"current"`
	Max     int `json:"max"`
}

type recorder struct {
	mu       sync.Mutex
	errors   map[metrics.ErrorClass]int
	dropped  map[string]int
	entities int
}

func newRecorder() *recorder {
	return &recorder{errors: map[metrics.ErrorClass]int{}, dropped: map[string]int{}}
}

func (r *recorder) Error(class metrics.ErrorClass) {
	r.mu.Lock()
	r.errors[class]++
	r.mu.Unlock()
}

func (r *recorder) Frame(string, string, int) {}

func (r *recorder) Dropped(reason string) {
	r.mu.Lock()
	r.dropped[reason]++
	r.mu.Unlock()
}

func (r *recorder) Entities(n int) {
	r.mu.Lock()
	r.entities = n
	r.mu.Unlock()
}

func (r *recorder) snapshot() (map[metrics.ErrorClass]int, map[string]int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	errs := make(map[metrics.ErrorClass]int, len(r.errors))
	for k, v := range r.errors {
		errs[k] = v
	}
	dropped := make(map[string]int, len(r.dropped))
	for k, v := range r.dropped {
		dropped[k] = v
	}
	return errs, dropped, r.entities
}

func newNode(t *testing.T, configure func(*Config), opts ...Option) *Node {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Transport.ListenReliable = "127.0.0.1:0"
	cfg.Transport.ListenUnreliable = "127.0.0.1:0"
	if configure != nil {
		configure(&cfg)
	}

	opts = append([]Option{WithLogger(log.NewNop())}, opts...)
	n, err := New(cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, Register[Position](n))
	require.NoError(t, Register[Health](n))

	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func port(t *testing.T, addr net.Addr) int {
	t.Helper()
	_, p, err := net.SplitHostPort(addr.String())
	require.NoError(t, err)
	v, err := strconv.Atoi(p)
	require.NoError(t, err)
	return v
}

// connect points from's connection manager at to's listeners.
func connect(t *testing.T, from, to *Node) {
	t.Helper()
	from.Manager().UpdateEndpoint(transport.Endpoint{
		Host:    "127.0.0.1",
		TCPPort: port(t, to.Manager().ReliableAddr()),
		UDPPort: port(t, to.Manager().UnreliableAddr()),
	})
}

// tickUntil keeps ticking n until at least want envelopes were applied.
func tickUntil(t *testing.T, n *Node, want int) {
	t.Helper()
	applied := 0
	require.Eventually(t, func() bool {
		applied += n.Tick()
		return applied >= want
	}, 5*time.Second, 5*time.Millisecond)
}

func inbound(guid string, payloads ...wire.Payload) transport.Inbound {
	return transport.Inbound{
		Wrapper:    &wire.NetworkWrapper{Guid: guid, GameObjects: payloads},
		Transport:  "test",
		ReceivedAt: time.Now(),
	}
}

func TestExampleScenario(t *testing.T) {
	// untagged payloads so the receiver has to infer the type
	sender := newNode(t, func(c *Config) { c.TypeTags = false })
	receiver := newNode(t, nil)
	connect(t, sender, receiver)

	pos := &Position{X: 1, Y: 2, Z: 3}
	e, err := sender.NewEntity("g1", pos)
	require.NoError(t, err)

	require.NoError(t, e.SendAsync(context.Background(), pos))
	tickUntil(t, receiver, 1)

	shadow, ok := receiver.Entity("g1")
	require.True(t, ok)
	require.True(t, shadow.IsShadow())

	component, ok := shadow.Component("Position")
	require.True(t, ok)
	require.Equal(t, &Position{X: 1, Y: 2, Z: 3}, component)
	require.False(t, shadow.HasPending("Position"), "first sight is applied, not queued")

	pos.X = 4
	require.NoError(t, e.SendSync(context.Background(), pos))
	tickUntil(t, receiver, 1)

	got, ok, err := entity.Consume[Position](shadow)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, Position{X: 4, Y: 2, Z: 3}, got)

	_, ok, err = entity.Consume[Position](shadow)
	require.NoError(t, err)
	require.False(t, ok, "an update is consumed exactly once")

	// the live shadow instance only changes when synced
	require.Equal(t, &Position{X: 1, Y: 2, Z: 3}, component)
}

func TestTaggedPayloadsOverTCP(t *testing.T) {
	sender := newNode(t, nil)
	receiver := newNode(t, nil)
	connect(t, sender, receiver)

	hp := &Health{Current: 70, Max: 100}
	e, err := sender.NewEntity("", &Position{}, hp)
	require.NoError(t, err)
	require.NotEmpty(t, e.GUID())

	require.NoError(t, e.SendSync(context.Background(), hp))
	tickUntil(t, receiver, 1)

	shadow, ok := receiver.Entity(e.GUID())
	require.True(t, ok)
	component, ok := shadow.Component("Health")
	require.True(t, ok)
	require.Equal(t, &Health{Current: 70, Max: 100}, component)

	_, ok = shadow.Component("Position")
	require.False(t, ok, "only sent components appear on the shadow")
}

func TestLatestUpdateWins(t *testing.T) {
	n := newNode(t, nil)

	n.Dispatch(inbound("g", wire.Payload{"X": json.RawMessage(`1`), "Y": json.RawMessage(`1`), "Z": json.RawMessage(`1`)}))
	for i := 2; i <= 5; i++ {
		v := json.RawMessage(strconv.Itoa(i))
		n.Dispatch(inbound("g", wire.Payload{"X": v, "Y": v, "Z": v}))
	}
	require.Equal(t, 5, n.Tick())
	require.Zero(t, n.Tick())

	e, ok := n.Entity("g")
	require.True(t, ok)
	require.True(t, e.HasPending("Position"))

	got, ok, err := entity.Consume[Position](e)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, Position{X: 5, Y: 5, Z: 5}, got)
	require.False(t, e.HasPending("Position"))
}

func TestLowerCaseKeysMatchAndApply(t *testing.T) {
	n := newNode(t, nil)

	n.Dispatch(inbound("g", wire.Payload{"x": json.RawMessage(`1`), "y": json.RawMessage(`2`), "z": json.RawMessage(`3`)}))
	require.Equal(t, 1, n.Tick())

	e, ok := n.Entity("g")
	require.True(t, ok)
	component, ok := e.Component("Position")
	require.True(t, ok)
	require.Equal(t, &Position{X: 1, Y: 2, Z: 3}, component)
}

func TestAmbiguousPayloadSkipped(t *testing.T) {
	rec := newRecorder()
	n := newNode(t, nil, WithMetrics(rec))

	n.Dispatch(inbound("g",
		wire.Payload{"unrelated": json.RawMessage(`true`)},
		wire.Payload{"current": json.RawMessage(`5`), "max": json.RawMessage(`9`)},
	))
	require.Equal(t, 1, n.Tick())

	e, ok := n.Entity("g")
	require.True(t, ok)
	require.Equal(t, []string{"Health"}, e.ComponentNames())

	errs, _, _ := rec.snapshot()
	require.Equal(t, 1, errs[metrics.ClassTypeMatch])
}

func TestMinMatchScore(t *testing.T) {
	rec := newRecorder()
	n := newNode(t, func(c *Config) { c.MinMatchScore = 0.9 }, WithMetrics(rec))

	// two of three Position properties
	n.Dispatch(inbound("g", wire.Payload{"X": json.RawMessage(`1`), "Y": json.RawMessage(`2`)}))
	n.Tick()

	e, ok := n.Entity("g")
	require.True(t, ok, "the shadow entity exists even when no payload applies")
	require.Empty(t, e.ComponentNames())

	errs, _, _ := rec.snapshot()
	require.Equal(t, 1, errs[metrics.ClassTypeMatch])
}

func TestFieldFailuresCounted(t *testing.T) {
	rec := newRecorder()
	n := newNode(t, nil, WithMetrics(rec))

	n.Dispatch(inbound("g", wire.Payload{
		wire.TypeKey: json.RawMessage(`"Health"`),
		"current":    json.RawMessage(`"not a number"`),
		"max":        json.RawMessage(`50`),
	}))
	n.Tick()

	e, _ := n.Entity("g")
	component, ok := e.Component("Health")
	require.True(t, ok)
	require.Equal(t, &Health{Max: 50}, component)

	errs, _, _ := rec.snapshot()
	require.Equal(t, 1, errs[metrics.ClassFieldAssignment])
}

func TestQueueFullDrops(t *testing.T) {
	rec := newRecorder()
	n := newNode(t, func(c *Config) { c.QueueSize = 2 }, WithMetrics(rec))

	for i := 0; i < 5; i++ {
		n.Dispatch(inbound("g"+strconv.Itoa(i), wire.Payload{"current": json.RawMessage(`1`)}))
	}
	require.Equal(t, 2, n.Tick())

	_, dropped, entities := rec.snapshot()
	require.Equal(t, 3, dropped[dropQueueFull])
	require.Equal(t, 2, entities)
}

func TestDirectMode(t *testing.T) {
	var (
		mu      sync.Mutex
		applied []string
	)
	sender := newNode(t, nil)
	receiver := newNode(t, func(c *Config) { c.Mode = ModeDirect }, WithApplyFunc(func(e *entity.Entity, component string, created bool) {
		mu.Lock()
		applied = append(applied, e.GUID()+"/"+component)
		mu.Unlock()
	}))
	connect(t, sender, receiver)

	pos := &Position{X: 9}
	e, err := sender.NewEntity("direct", pos)
	require.NoError(t, err)
	require.NoError(t, e.SendSync(context.Background(), pos))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(applied) == 1
	}, 5*time.Second, 5*time.Millisecond)
	require.Zero(t, receiver.Tick(), "direct mode never queues")

	mu.Lock()
	require.Equal(t, []string{"direct/Position"}, applied)
	mu.Unlock()

	shadow, ok := receiver.Entity("direct")
	require.True(t, ok)
	component, _ := shadow.Component("Position")
	require.Equal(t, &Position{X: 9}, component)
}

func TestAutoSyncShadows(t *testing.T) {
	n := newNode(t, func(c *Config) { c.AutoSyncShadows = true })

	n.Dispatch(inbound("g", wire.Payload{wire.TypeKey: json.RawMessage(`"Health"`), "current": json.RawMessage(`1`)}))
	n.Tick()
	n.Dispatch(inbound("g", wire.Payload{wire.TypeKey: json.RawMessage(`"Health"`), "current": json.RawMessage(`2`)}))
	n.Tick()

	e, _ := n.Entity("g")
	component, _ := e.Component("Health")
	require.Equal(t, &Health{Current: 2}, component)
	require.False(t, e.HasPending("Health"))
}

func TestNewEntityErrors(t *testing.T) {
	n := newNode(t, nil)

	_, err := n.NewEntity("dup", &Position{})
	require.NoError(t, err)

	_, err = n.NewEntity("dup", &Position{})
	require.ErrorIs(t, err, entity.ErrGUIDCollision)

	original, ok := n.Entity("dup")
	require.True(t, ok)
	require.False(t, original.IsShadow())

	type unregistered struct{ A int }
	_, err = n.NewEntity("", &unregistered{})
	require.ErrorIs(t, err, wire.ErrTypeNotRegistered)

	require.NoError(t, n.RemoveEntity("dup"))
	_, ok = n.Entity("dup")
	require.False(t, ok)
}

func TestUnknownMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = "sideways"
	_, err := New(cfg, WithLogger(log.NewNop()))
	require.ErrorIs(t, err, ErrUnknownMode)
}
