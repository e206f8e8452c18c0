package ecs

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("entity not found")
	ErrUnknownComponent   = errors.New("unknown component type")
	ErrTypeMismatch       = errors.New("value does not match component type")
	ErrDuplicateComponent = errors.New("component type already registered")
	ErrInvalidDescriptor  = errors.New("invalid component descriptor")
)

// ValidationError reports a rejected mutation or lookup. The world is left
// unchanged whenever one is returned.
type ValidationError struct {
	Op        string
	Entity    Entity
	Component ComponentID
	Err       error
}

func (e *ValidationError) Error() string {
	if e.Component == 0 {
		return fmt.Sprintf("ecs: %s %s: %v", e.Op, e.Entity, e.Err)
	}
	return fmt.Sprintf("ecs: %s %s component %d: %v", e.Op, e.Entity, e.Component, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func invalid(op string, e Entity, id ComponentID, err error) error {
	return &ValidationError{Op: op, Entity: e, Component: id, Err: err}
}
