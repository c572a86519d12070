package entity

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

const defaultShardCount = 32

// Registry maps GUIDs to entities. Keys are spread over independently locked
// shards so traffic for unrelated entities does not contend on one mutex.
type Registry struct {
	shards   []registryShard
	count    atomic.Int64
	onChange func(n int)
}

type registryShard struct {
	mx       sync.RWMutex
	entities map[string]*Entity
}

type RegistryOption func(*Registry)

// WithShardCount overrides the number of shards.
func WithShardCount(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.shards = make([]registryShard, n)
		}
	}
}

// WithSizeObserver is called with the new size after every insert or delete.
func WithSizeObserver(fn func(n int)) RegistryOption {
	return func(r *Registry) { r.onChange = fn }
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{shards: make([]registryShard, defaultShardCount)}
	for _, opt := range opts {
		opt(r)
	}
	for i := range r.shards {
		r.shards[i].entities = make(map[string]*Entity)
	}
	return r
}

func (r *Registry) shard(guid string) *registryShard {
	return &r.shards[xxhash.Sum64String(guid)%uint64(len(r.shards))]
}

// Register inserts e. Registering the same entity twice returns
// ErrAlreadyRegistered; a different entity with the same GUID returns
// ErrGUIDCollision. Neither outcome replaces the stored entity.
func (r *Registry) Register(e *Entity) error {
	if e == nil {
		return ErrNilEntity
	}
	sh := r.shard(e.guid)

	sh.mx.Lock()
	existing, exists := sh.entities[e.guid]
	if !exists {
		sh.entities[e.guid] = e
	}
	sh.mx.Unlock()

	switch {
	case !exists:
		r.changed(r.count.Add(1))
		return nil
	case existing == e:
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, e.guid)
	default:
		return fmt.Errorf("%w: %s", ErrGUIDCollision, e.guid)
	}
}

// GetOrCreate returns the entity for guid, inserting create() when absent.
func (r *Registry) GetOrCreate(guid string, create func() *Entity) (*Entity, bool) {
	sh := r.shard(guid)

	sh.mx.RLock()
	e, ok := sh.entities[guid]
	sh.mx.RUnlock()
	if ok {
		return e, false
	}

	sh.mx.Lock()
	if e, ok = sh.entities[guid]; ok {
		sh.mx.Unlock()
		return e, false
	}
	e = create()
	sh.entities[guid] = e
	sh.mx.Unlock()

	r.changed(r.count.Add(1))
	return e, true
}

func (r *Registry) Get(guid string) (*Entity, bool) {
	sh := r.shard(guid)
	sh.mx.RLock()
	defer sh.mx.RUnlock()

	e, ok := sh.entities[guid]
	return e, ok
}

// Deregister removes the entity for guid. It is called when the owning game
// object is destroyed.
func (r *Registry) Deregister(guid string) error {
	sh := r.shard(guid)

	sh.mx.Lock()
	_, ok := sh.entities[guid]
	delete(sh.entities, guid)
	sh.mx.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, guid)
	}
	r.changed(r.count.Add(-1))
	return nil
}

func (r *Registry) Len() int {
	return int(r.count.Load())
}

// Range visits every entity until fn returns false. Entities added during the
// walk may or may not be seen.
func (r *Registry) Range(fn func(*Entity) bool) {
	for i := range r.shards {
		sh := &r.shards[i]

		sh.mx.RLock()
		batch := make([]*Entity, 0, len(sh.entities))
		for _, e := range sh.entities {
			batch = append(batch, e)
		}
		sh.mx.RUnlock()

		for _, e := range batch {
			if !fn(e) {
				return
			}
		}
	}
}

func (r *Registry) changed(n int64) {
	if r.onChange != nil {
		r.onChange(int(n))
	}
}
