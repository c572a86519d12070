// Package entity models networked game objects: a stable GUID plus the
// components attached to it, each with a single pending-update slot.
package entity

import (
	"context"
	"fmt"
	"reflect"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/zeusync/netsync/internal/core/updater"
	"github.com/zeusync/netsync/internal/core/wire"
)

// Sender is the outbound half of the connection manager.
type Sender interface {
	SendReliable(ctx context.Context, w *wire.NetworkWrapper) error
	SendUnreliable(ctx context.Context, w *wire.NetworkWrapper) error
}

// Env bundles the collaborators every entity of a node shares.
type Env struct {
	Serializer *wire.Serializer
	Types      *wire.TypeRegistry
	Updater    *updater.Updater
	Sender     Sender
}

// NewGUID returns a fresh random entity identifier.
func NewGUID() string {
	return uuid.NewString()
}

// UpdateSlot holds the most recent unconsumed payload for one component type.
// Newer payloads overwrite older ones; there is no queue.
type UpdateSlot struct {
	payload wire.Payload
	pending bool
}

// Entity is one synchronized game object. Its GUID never changes. All map
// access goes through the entity's own mutex.
type Entity struct {
	guid   string
	shadow bool
	env    *Env

	mu         sync.Mutex
	components map[string]any
	slots      map[string]*UpdateSlot
}

// New creates a locally owned entity. An empty guid gets a random one.
func New(guid string, env *Env) *Entity {
	if guid == "" {
		guid = NewGUID()
	}
	return &Entity{
		guid:       guid,
		env:        env,
		components: make(map[string]any),
		slots:      make(map[string]*UpdateSlot),
	}
}

// NewShadow creates a stand-in for a remote entity first seen on the wire.
func NewShadow(guid string, env *Env) *Entity {
	e := New(guid, env)
	e.shadow = true
	return e
}

func (e *Entity) GUID() string {
	return e.guid
}

// IsShadow reports whether the entity was created from inbound traffic.
func (e *Entity) IsShadow() bool {
	return e.shadow
}

// Attach adds a local component instance. Its type must be registered and it
// must be a pointer so inbound updates can be applied in place.
func (e *Entity) Attach(component any) error {
	v := reflect.ValueOf(component)
	if !v.IsValid() || v.Kind() != reflect.Pointer || v.IsNil() {
		return fmt.Errorf("%w: %T", ErrNotPointer, component)
	}
	target, ok := e.env.Types.TargetOf(component)
	if !ok {
		return fmt.Errorf("%w: %T", wire.ErrTypeNotRegistered, component)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.components[target.Name]; exists {
		return fmt.Errorf("%w: %s", ErrComponentAttached, target.Name)
	}
	e.components[target.Name] = component
	e.slots[target.Name] = &UpdateSlot{}
	return nil
}

// Detach removes a component type and drops any pending update for it.
func (e *Entity) Detach(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.components[name]; !exists {
		return false
	}
	delete(e.components, name)
	delete(e.slots, name)
	return true
}

// Component returns the attached instance for a type name.
func (e *Entity) Component(name string) (any, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.components[name]
	return c, ok
}

// ComponentNames lists the attached type names, sorted.
func (e *Entity) ComponentNames() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	names := make([]string, 0, len(e.components))
	for name := range e.components {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// HasPending reports whether a type has an unconsumed update.
func (e *Entity) HasPending(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	slot, ok := e.slots[name]
	return ok && slot.pending
}

// SendAsync broadcasts one component over the unreliable channel.
func (e *Entity) SendAsync(ctx context.Context, component any) error {
	w, err := e.wrap(component)
	if err != nil {
		return err
	}
	return e.env.Sender.SendUnreliable(ctx, w)
}

// SendSync broadcasts one component over the reliable channel.
func (e *Entity) SendSync(ctx context.Context, component any) error {
	w, err := e.wrap(component)
	if err != nil {
		return err
	}
	return e.env.Sender.SendReliable(ctx, w)
}

func (e *Entity) wrap(component any) (*wire.NetworkWrapper, error) {
	if e.env.Sender == nil {
		return nil, ErrNoSender
	}
	target, ok := e.env.Types.TargetOf(component)
	if !ok {
		return nil, fmt.Errorf("%w: %T", wire.ErrTypeNotRegistered, component)
	}

	e.mu.Lock()
	_, attached := e.components[target.Name]
	e.mu.Unlock()

	if !attached {
		return nil, fmt.Errorf("%w: %s", ErrComponentNotAttached, target.Name)
	}
	return e.env.Serializer.Wrap(e.guid, component)
}

// TryConsumeUpdate returns the pending payload for a type, if any, and clears
// the pending flag. Safe to call every tick.
func (e *Entity) TryConsumeUpdate(name string) (wire.Payload, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	slot, ok := e.slots[name]
	if !ok || !slot.pending {
		return nil, false
	}
	p := slot.payload
	slot.payload = nil
	slot.pending = false
	return p, true
}

// ApplyPayload routes an inbound payload. Without a local instance of the
// type a shadow component is created and the payload applied at once;
// otherwise the payload replaces whatever is waiting in the slot. Field
// assignment runs outside the entity lock so FieldApplier hooks may call
// back into the entity.
func (e *Entity) ApplyPayload(target wire.SerializationTarget, p wire.Payload) (created bool, report updater.Report) {
	e.mu.Lock()
	if _, exists := e.components[target.Name]; exists {
		e.queueLocked(target.Name, p)
		e.mu.Unlock()
		return false, report
	}
	e.mu.Unlock()

	instance := target.New()
	report = e.env.Updater.ApplyFields(instance, p)

	e.mu.Lock()
	defer e.mu.Unlock()

	// a concurrent writer attached the type first; this payload becomes its
	// pending update instead
	if _, exists := e.components[target.Name]; exists {
		e.queueLocked(target.Name, p)
		return false, updater.Report{}
	}
	e.components[target.Name] = instance
	e.slots[target.Name] = &UpdateSlot{}
	return true, report
}

func (e *Entity) queueLocked(name string, p wire.Payload) {
	slot := e.slots[name]
	slot.payload = p.Clone()
	slot.pending = true
}

// Sync is the per-tick hook for a live component: it consumes the pending
// update for the component's type and applies it in place.
func (e *Entity) Sync(component any) (bool, updater.Report) {
	target, ok := e.env.Types.TargetOf(component)
	if !ok {
		return false, updater.Report{}
	}
	p, ok := e.TryConsumeUpdate(target.Name)
	if !ok {
		return false, updater.Report{}
	}
	return true, e.env.Updater.ApplyFields(component, p)
}

// Consume pops the pending update for T and decodes it into a fresh value.
// T must be a registered component struct or a pointer to one; anything else
// is rejected before the pending update is touched. Fields that could not be
// assigned are returned as an error alongside the partially filled value.
func Consume[T any](e *Entity) (T, bool, error) {
	var out T
	rt := reflect.TypeFor[T]()

	target, ok := e.env.Types.TargetOf(&out)
	if !ok {
		return out, false, fmt.Errorf("%w: %s", wire.ErrTypeNotRegistered, rt)
	}
	pointer := rt == reflect.PointerTo(target.Type)
	if rt != target.Type && !pointer {
		return out, false, fmt.Errorf("%w: %s", ErrUnsupportedType, rt)
	}

	p, ok := e.TryConsumeUpdate(target.Name)
	if !ok {
		return out, false, nil
	}

	instance := target.New()
	report := e.env.Updater.ApplyFields(instance, p)
	if pointer {
		out = instance.(T)
	} else {
		out = reflect.ValueOf(instance).Elem().Interface().(T)
	}
	return out, true, report.Err()
}
