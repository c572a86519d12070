// Package updater applies inbound property bags onto live component instances.
// Every field is assigned independently: a value that cannot be converted is
// reported and skipped, the rest of the payload still lands.
package updater

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"slices"

	"github.com/zeusync/netsync/internal/core/wire"
)

var (
	ErrNotAssignable = errors.New("component is not a non-nil pointer to a struct")
	ErrFieldReadOnly = errors.New("field cannot be set")
)

// FieldApplier lets a component take over assignment of its own fields. It
// returns handled=false to fall back to reflection for that field.
type FieldApplier interface {
	ApplyField(name string, raw json.RawMessage) (handled bool, err error)
}

// FieldError records one field that could not be assigned.
type FieldError struct {
	Field string
	Err   error
}

func (e FieldError) Error() string {
	return fmt.Sprintf("field %s: %v", e.Field, e.Err)
}

func (e FieldError) Unwrap() error {
	return e.Err
}

// Report summarizes one ApplyFields call.
type Report struct {
	Applied []string
	Ignored []string
	Failed  []FieldError
}

// OK is true when no field failed.
func (r Report) OK() bool {
	return len(r.Failed) == 0
}

// Err joins all field failures, or returns nil.
func (r Report) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	errs := make([]error, len(r.Failed))
	for i, f := range r.Failed {
		errs[i] = f
	}
	return errors.Join(errs...)
}

// Updater assigns payload values using a shared Schema so the same
// exclusions apply on the way in as on the way out.
type Updater struct {
	schema *wire.Schema
}

func New(schema *wire.Schema) *Updater {
	if schema == nil {
		schema = wire.NewSchema(wire.Exclusions{})
	}
	return &Updater{schema: schema}
}

// ApplyFields assigns every key of p that names a settable field of
// component. Unknown keys are ignored. Keys are visited in sorted order so
// reports are deterministic.
func (u *Updater) ApplyFields(component any, p wire.Payload) (report Report) {
	v := reflect.ValueOf(component)
	if !v.IsValid() || v.Kind() != reflect.Pointer || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		report.Failed = append(report.Failed, FieldError{Field: "*", Err: ErrNotAssignable})
		return report
	}

	applier, _ := component.(FieldApplier)
	elem := v.Elem()

	keys := make([]string, 0, len(p))
	for k := range p {
		if k == wire.TypeKey {
			continue
		}
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, key := range keys {
		raw := p[key]

		if applier != nil {
			handled, err := applyCustom(applier, key, raw)
			if err != nil {
				report.Failed = append(report.Failed, FieldError{Field: key, Err: err})
				continue
			}
			if handled {
				report.Applied = append(report.Applied, key)
				continue
			}
		}

		field, ok := u.schema.Field(elem.Type(), key)
		if !ok {
			report.Ignored = append(report.Ignored, key)
			continue
		}

		if err := assign(elem, field, raw); err != nil {
			report.Failed = append(report.Failed, FieldError{Field: key, Err: err})
			continue
		}
		report.Applied = append(report.Applied, key)
	}

	return report
}

func applyCustom(applier FieldApplier, key string, raw json.RawMessage) (handled bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			handled, err = false, fmt.Errorf("apply panicked: %v", r)
		}
	}()
	return applier.ApplyField(key, raw)
}

// assign decodes raw into a fresh value of the field type and only then
// stores it, so a failed conversion leaves the old value in place.
func assign(elem reflect.Value, field wire.Field, raw json.RawMessage) error {
	target, err := elem.FieldByIndexErr(field.Index)
	if err != nil {
		return err
	}
	if !target.CanSet() {
		return ErrFieldReadOnly
	}

	fresh := reflect.New(field.Type)
	if err := json.Unmarshal(raw, fresh.Interface()); err != nil {
		return err
	}
	target.Set(fresh.Elem())
	return nil
}
