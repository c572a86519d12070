package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
)

// TypeKey is the reserved payload key carrying the optional type discriminant.
const TypeKey = "$type"

// Payload is one component's flat property bag as it travels on the wire.
type Payload map[string]json.RawMessage

// Tag returns the explicit type discriminant, if the sender attached one.
func (p Payload) Tag() (string, bool) {
	raw, ok := p[TypeKey]
	if !ok {
		return "", false
	}
	var name string
	if err := json.Unmarshal(raw, &name); err != nil || name == "" {
		return "", false
	}
	return name, true
}

// Keys returns the property names, the discriminant excluded, sorted.
func (p Payload) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		if k == TypeKey {
			continue
		}
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Clone copies the map. Raw values are shared; they are never mutated.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	return maps.Clone(p)
}

// Equal compares two payloads by key set and compacted JSON values.
func (p Payload) Equal(other Payload) bool {
	if len(p) != len(other) {
		return false
	}
	for k, v := range p {
		ov, ok := other[k]
		if !ok || !jsonEqual(v, ov) {
			return false
		}
	}
	return true
}

// NetworkWrapper is the unit of transmission: one entity GUID and the
// serialized components that belong to it.
type NetworkWrapper struct {
	Guid        string    `json:"Guid"`
	GameObjects []Payload `json:"GameObjects"`
}

func (w *NetworkWrapper) Validate() error {
	if w == nil {
		return ErrNilWrapper
	}
	if w.Guid == "" {
		return ErrEmptyGUID
	}
	return nil
}

// Equal compares GUID and payload list field for field.
func (w *NetworkWrapper) Equal(other *NetworkWrapper) bool {
	if w == nil || other == nil {
		return w == other
	}
	if w.Guid != other.Guid || len(w.GameObjects) != len(other.GameObjects) {
		return false
	}
	for i := range w.GameObjects {
		if !w.GameObjects[i].Equal(other.GameObjects[i]) {
			return false
		}
	}
	return true
}

// Encode renders the wrapper as UTF-8 JSON.
func Encode(w *NetworkWrapper) ([]byte, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSerialization, err)
	}
	return data, nil
}

// Decode parses a wrapper. Anything that is not a JSON object with a GUID is
// a DeserializationError.
func Decode(data []byte) (*NetworkWrapper, error) {
	var w NetworkWrapper
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, &DeserializationError{Size: len(data), Err: err}
	}
	if err := w.Validate(); err != nil {
		return nil, &DeserializationError{Size: len(data), Err: err}
	}
	return &w, nil
}

func jsonEqual(a, b json.RawMessage) bool {
	var ca, cb bytes.Buffer
	if json.Compact(&ca, a) != nil || json.Compact(&cb, b) != nil {
		return bytes.Equal(a, b)
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}
