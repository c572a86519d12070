package node

import (
	"github.com/zeusync/netsync/internal/core/transport"
	"github.com/zeusync/netsync/internal/core/wire"
)

// Mode selects where inbound envelopes are applied.
type Mode string

const (
	// ModeQueued hands envelopes to Tick on the simulation goroutine.
	ModeQueued Mode = "queued"
	// ModeDirect applies envelopes on the listener goroutine under the
	// per-entity lock.
	ModeDirect Mode = "direct"
)

// Config holds node configuration
type Config struct {
	// Sockets
	Transport transport.Config

	// Inbound dispatch
	Mode          Mode
	QueueSize     int
	MinMatchScore float64

	// AutoSyncShadows makes Tick apply pending updates to components of
	// shadow entities, which have no gameplay code consuming them.
	AutoSyncShadows bool

	// Serialization
	TypeTags   bool
	Exclusions wire.Exclusions

	// Entity registry
	Shards int
}

// DefaultConfig returns default node configuration
func DefaultConfig() Config {
	return Config{
		Transport:       transport.DefaultConfig(),
		Mode:            ModeQueued,
		QueueSize:       1024,
		MinMatchScore:   0,
		AutoSyncShadows: false,
		TypeTags:        true,
		Shards:          32,
	}
}

func (c *Config) normalize() {
	def := DefaultConfig()
	if c.Mode == "" {
		c.Mode = def.Mode
	}
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.Shards <= 0 {
		c.Shards = def.Shards
	}
}
