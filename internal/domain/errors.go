package domain

import "errors"

var (
	ErrNotFound             = errors.New("not found")
	ErrInvalidTransition    = errors.New("invalid state transition")
	ErrBusinessRule         = errors.New("business rule violation")
	ErrConcurrencyConflict  = errors.New("concurrency conflict")
	ErrSerializationFailure = errors.New("serialization failure")
)
