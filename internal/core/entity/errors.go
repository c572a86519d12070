package entity

import "errors"

// Entity-specific errors
var (
	ErrNilEntity            = errors.New("entity is nil")
	ErrAlreadyRegistered    = errors.New("entity already registered")
	ErrGUIDCollision        = errors.New("guid already registered to another entity")
	ErrNotRegistered        = errors.New("entity not registered")
	ErrComponentNotAttached = errors.New("component not attached to entity")
	ErrComponentAttached    = errors.New("component type already attached")
	ErrNotPointer           = errors.New("component must be a non-nil pointer")
	ErrNoSender             = errors.New("entity has no sender")
	ErrUnsupportedType      = errors.New("type must be a component struct or a pointer to one")
)
