package wire

import (
	"fmt"
	"reflect"
	"slices"
	"sync"
)

// SerializationTarget describes one candidate component type for matching.
// It is immutable once registered.
type SerializationTarget struct {
	Name       string
	Type       reflect.Type // struct type, never a pointer
	Properties []string
	Fields     []Field
	New        func() any // returns a pointer to a zero value
}

// Match is the outcome of scoring a payload against the registry.
type Match struct {
	Target SerializationTarget
	Score  float64
	Tagged bool
}

// TypeRegistry holds the known component types in registration order. It is
// populated at startup and read concurrently afterwards.
type TypeRegistry struct {
	schema  *Schema
	mu      sync.RWMutex
	targets []SerializationTarget
	byName  map[string]int
	byType  map[reflect.Type]int
}

func NewTypeRegistry(schema *Schema) *TypeRegistry {
	if schema == nil {
		schema = NewSchema(Exclusions{})
	}
	return &TypeRegistry{
		schema: schema,
		byName: make(map[string]int),
		byType: make(map[reflect.Type]int),
	}
}

// Register adds the struct type T under its wire type name.
func Register[T any](r *TypeRegistry) error {
	t := reflect.TypeFor[T]()
	return r.RegisterType(t, typeNameOf(t))
}

// RegisterNamed adds the struct type T under an explicit name.
func RegisterNamed[T any](r *TypeRegistry, name string) error {
	return r.RegisterType(reflect.TypeFor[T](), name)
}

// RegisterValue adds the type of a prototype value.
func (r *TypeRegistry) RegisterValue(prototype any) error {
	t := reflect.TypeOf(prototype)
	if t == nil {
		return fmt.Errorf("%w: nil prototype", ErrNotStruct)
	}
	return r.RegisterType(t, TypeName(prototype))
}

func (r *TypeRegistry) RegisterType(t reflect.Type, name string) error {
	t = indirectType(t)
	if t == nil || t.Kind() != reflect.Struct {
		return fmt.Errorf("%w: %v", ErrNotStruct, t)
	}
	if name == "" {
		name = t.Name()
	}

	target := SerializationTarget{
		Name:       name,
		Type:       t,
		Properties: r.schema.Properties(t),
		Fields:     r.schema.Fields(t),
		New:        func() any { return reflect.New(t).Interface() },
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("%w: %s", ErrTypeAlreadyRegistered, name)
	}
	if _, exists := r.byType[t]; exists {
		return fmt.Errorf("%w: %s", ErrTypeAlreadyRegistered, t)
	}

	r.byName[name] = len(r.targets)
	r.byType[t] = len(r.targets)
	r.targets = append(r.targets, target)
	return nil
}

// Lookup finds a target by wire name.
func (r *TypeRegistry) Lookup(name string) (SerializationTarget, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i, ok := r.byName[name]
	if !ok {
		return SerializationTarget{}, false
	}
	return r.targets[i], true
}

// TargetOf finds the target for a component value or pointer.
func (r *TypeRegistry) TargetOf(component any) (SerializationTarget, bool) {
	t := indirectType(reflect.TypeOf(component))

	r.mu.RLock()
	defer r.mu.RUnlock()

	i, ok := r.byType[t]
	if !ok {
		return SerializationTarget{}, false
	}
	return r.targets[i], true
}

// Targets returns the targets in registration order.
func (r *TypeRegistry) Targets() []SerializationTarget {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.targets)
}

func (r *TypeRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.targets)
}

// Score is the fraction of target's declared properties present in p. Keys
// are matched with Field.Matches, the same rule the updater assigns by, so a
// payload that scores is one that applies. A target with no properties
// scores zero.
func Score(target SerializationTarget, p Payload) float64 {
	fields := target.Fields
	if fields == nil {
		fields = make([]Field, len(target.Properties))
		for i, name := range target.Properties {
			fields[i] = Field{Name: name, GoName: name}
		}
	}
	if len(fields) == 0 {
		return 0
	}

	matches := 0
	for _, f := range fields {
		if _, ok := p[f.Name]; ok {
			matches++
			continue
		}
		for key := range p {
			if f.Matches(key) {
				matches++
				break
			}
		}
	}
	return float64(matches) / float64(len(fields))
}

// IdentifyBestTypeMatch scores every target and returns the highest. Ties go
// to the target registered first. The match may have a zero score; callers
// decide whether that is confident enough. ok is false only for an empty
// registry.
func (r *TypeRegistry) IdentifyBestTypeMatch(p Payload) (Match, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.targets) == 0 {
		return Match{}, false
	}

	best := Match{Target: r.targets[0], Score: Score(r.targets[0], p)}
	for _, target := range r.targets[1:] {
		if score := Score(target, p); score > best.Score {
			best = Match{Target: target, Score: score}
		}
	}
	return best, true
}

// Resolve picks the component type for an inbound payload. An explicit "$type"
// naming a registered target wins outright; otherwise the overlap heuristic
// is used and must score above zero and at least minScore.
func (r *TypeRegistry) Resolve(p Payload, minScore float64) (Match, error) {
	if name, ok := p.Tag(); ok {
		if target, found := r.Lookup(name); found {
			return Match{Target: target, Score: 1, Tagged: true}, nil
		}
	}

	best, ok := r.IdentifyBestTypeMatch(p)
	if !ok {
		return Match{}, ErrNoTargets
	}
	if best.Score <= 0 || best.Score < minScore {
		return best, &TypeMatchError{Best: best.Target.Name, Score: best.Score, Min: minScore}
	}
	return best, nil
}
