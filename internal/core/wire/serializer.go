package wire

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// Named lets a component choose its wire type name. Without it the Go type
// name is used.
type Named interface {
	NetworkName() string
}

// TypeName returns the wire type name for a component value or pointer.
func TypeName(component any) string {
	if n, ok := component.(Named); ok {
		return n.NetworkName()
	}
	t := reflect.TypeOf(component)
	if t == nil {
		return ""
	}
	return typeNameOf(t)
}

func typeNameOf(t reflect.Type) string {
	t = indirectType(t)
	if n, ok := reflect.New(t).Interface().(Named); ok {
		return n.NetworkName()
	}
	return t.Name()
}

type SerializerOption func(*Serializer)

// WithTypeTags makes the serializer attach the "$type" discriminant to every
// component payload.
func WithTypeTags(enabled bool) SerializerOption {
	return func(s *Serializer) { s.tagTypes = enabled }
}

// WithSchema shares a Schema (and its exclusions) with other components.
func WithSchema(schema *Schema) SerializerOption {
	return func(s *Serializer) { s.schema = schema }
}

// Serializer converts components and envelopes to and from their wire form.
type Serializer struct {
	schema   *Schema
	tagTypes bool
}

func NewSerializer(opts ...SerializerOption) *Serializer {
	s := &Serializer{tagTypes: true}
	for _, opt := range opts {
		opt(s)
	}
	if s.schema == nil {
		s.schema = NewSchema(Exclusions{})
	}
	return s
}

func (s *Serializer) Schema() *Schema {
	return s.schema
}

// SerializePayload renders every public, non-excluded field of a struct
// component into a Payload.
func (s *Serializer) SerializePayload(component any) (Payload, error) {
	v := reflect.ValueOf(component)
	for v.IsValid() && v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil, fmt.Errorf("%w: nil %s", ErrNotStruct, v.Type())
		}
		v = v.Elem()
	}
	if !v.IsValid() || v.Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: %T", ErrNotStruct, component)
	}

	fields := s.schema.Fields(v.Type())
	p := make(Payload, len(fields)+1)
	for _, f := range fields {
		fv, err := v.FieldByIndexErr(f.Index)
		if err != nil {
			continue
		}
		raw, err := json.Marshal(fv.Interface())
		if err != nil {
			return nil, fmt.Errorf("%w: field %s: %w", ErrSerialization, f.Name, err)
		}
		p[f.Name] = raw
	}

	if s.tagTypes {
		tag, _ := json.Marshal(TypeName(component))
		p[TypeKey] = tag
	}
	return p, nil
}

// Serialize returns the textual encoding of a component.
func (s *Serializer) Serialize(component any) ([]byte, error) {
	p, err := s.SerializePayload(component)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSerialization, err)
	}
	return data, nil
}

// Wrap builds an envelope for one entity from its components.
func (s *Serializer) Wrap(guid string, components ...any) (*NetworkWrapper, error) {
	w := &NetworkWrapper{
		Guid:        guid,
		GameObjects: make([]Payload, 0, len(components)),
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	for _, c := range components {
		p, err := s.SerializePayload(c)
		if err != nil {
			return nil, err
		}
		w.GameObjects = append(w.GameObjects, p)
	}
	return w, nil
}

// Deserialize parses the textual form into a T. T may be a struct or a
// pointer to one.
func Deserialize[T any](data []byte) (T, error) {
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		var zero T
		return zero, &DeserializationError{Size: len(data), Err: err}
	}
	return out, nil
}
