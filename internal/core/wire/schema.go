package wire

import (
	"reflect"
	"strings"
	"sync"
)

// EngineHandle marks types that only make sense inside the host runtime
// (scene nodes, physics bodies). Fields of such types never go on the wire.
type EngineHandle interface {
	EngineHandle()
}

var engineHandleType = reflect.TypeFor[EngineHandle]()

// Exclusions lists what a Schema suppresses on top of unexported fields,
// `json:"-"` fields and EngineHandle fields.
type Exclusions struct {
	Types  []reflect.Type
	Fields []string
}

// ExcludeType is a helper for building Exclusions.Types.
func ExcludeType[T any]() reflect.Type {
	return reflect.TypeFor[T]()
}

// Field describes one serializable struct field.
type Field struct {
	Name   string // wire name
	GoName string
	Index  []int
	Type   reflect.Type
}

// Schema enumerates the serializable surface of component types. Results are
// cached per type; a Schema is safe for concurrent use.
type Schema struct {
	types  map[reflect.Type]struct{}
	fields map[string]struct{}
	cache  sync.Map // reflect.Type -> *typeFields
}

type typeFields struct {
	list   []Field
	byName map[string]int
}

func NewSchema(ex Exclusions) *Schema {
	s := &Schema{
		types:  make(map[reflect.Type]struct{}, len(ex.Types)),
		fields: make(map[string]struct{}, len(ex.Fields)),
	}
	for _, t := range ex.Types {
		if t != nil {
			s.types[t] = struct{}{}
		}
	}
	for _, f := range ex.Fields {
		s.fields[f] = struct{}{}
	}
	return s
}

// Fields returns the serializable fields of t (or of *t) in declaration order.
func (s *Schema) Fields(t reflect.Type) []Field {
	return s.lookup(t).list
}

// Matches reports whether a payload key names f: the exact wire name, or the
// wire or Go name ignoring case. Matching and assignment share this rule.
func (f Field) Matches(key string) bool {
	return key == f.Name || strings.EqualFold(key, f.Name) || strings.EqualFold(key, f.GoName)
}

// Field finds a field by wire name, falling back to Field.Matches.
func (s *Schema) Field(t reflect.Type, name string) (Field, bool) {
	tf := s.lookup(t)
	if i, ok := tf.byName[name]; ok {
		return tf.list[i], true
	}
	for _, f := range tf.list {
		if f.Matches(name) {
			return f, true
		}
	}
	return Field{}, false
}

// Properties returns the wire names of t's serializable fields.
func (s *Schema) Properties(t reflect.Type) []string {
	list := s.lookup(t).list
	names := make([]string, len(list))
	for i, f := range list {
		names[i] = f.Name
	}
	return names
}

func (s *Schema) lookup(t reflect.Type) *typeFields {
	t = indirectType(t)
	if cached, ok := s.cache.Load(t); ok {
		return cached.(*typeFields)
	}

	tf := &typeFields{byName: make(map[string]int)}
	if t != nil && t.Kind() == reflect.Struct {
		s.collect(t, nil, tf)
	}

	actual, _ := s.cache.LoadOrStore(t, tf)
	return actual.(*typeFields)
}

func (s *Schema) collect(t reflect.Type, parent []int, tf *typeFields) {
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		index := append(append([]int(nil), parent...), i)

		if sf.Anonymous && sf.Type.Kind() == reflect.Struct && sf.Tag.Get("json") == "" {
			if _, skip := s.types[sf.Type]; !skip {
				s.collect(sf.Type, index, tf)
			}
			continue
		}
		if !sf.IsExported() {
			continue
		}

		name, skip := jsonName(sf)
		if skip || s.excluded(sf, name) {
			continue
		}
		if _, dup := tf.byName[name]; dup {
			continue
		}

		tf.byName[name] = len(tf.list)
		tf.list = append(tf.list, Field{
			Name:   name,
			GoName: sf.Name,
			Index:  index,
			Type:   sf.Type,
		})
	}
}

func (s *Schema) excluded(sf reflect.StructField, name string) bool {
	if _, ok := s.fields[sf.Name]; ok {
		return true
	}
	if _, ok := s.fields[name]; ok {
		return true
	}

	ft := sf.Type
	switch ft.Kind() {
	case reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return true
	}
	if ft.Implements(engineHandleType) || reflect.PointerTo(ft).Implements(engineHandleType) {
		return true
	}
	if _, ok := s.types[ft]; ok {
		return true
	}
	if _, ok := s.types[indirectType(ft)]; ok {
		return true
	}
	return false
}

func jsonName(sf reflect.StructField) (string, bool) {
	tag := sf.Tag.Get("json")
	if tag == "-" {
		return "", true
	}
	name, _, _ := strings.Cut(tag, ",")
	if name == "" {
		name = sf.Name
	}
	return name, false
}

func indirectType(t reflect.Type) reflect.Type {
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}
