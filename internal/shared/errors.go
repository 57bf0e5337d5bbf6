package shared

import "fmt"

var (
	// Configuration errors
	ErrMissingConfig      = fmt.Errorf("configuration not found")
	ErrInvalidConfig      = fmt.Errorf("invalid configuration")
	ErrMissingCredentials = fmt.Errorf("missing credentials")

	// Conversion pipeline errors
	ErrQuotaExhausted  = fmt.Errorf("quota exhausted")
	ErrProviderError   = fmt.Errorf("provider error")
	ErrJobTimeout      = fmt.Errorf("%w: conversion job timed out", ErrProviderError)
	ErrStorageError    = fmt.Errorf("storage error")
	ErrTerminalFailure = fmt.Errorf("all conversion strategies failed")
	ErrTimeout         = fmt.Errorf("operation timed out")

	// Lookup errors
	ErrArtifactNotFound = fmt.Errorf("artifact not found")
	ErrObjectNotFound   = fmt.Errorf("object not found")

	// Input validation errors
	ErrInvalidInput    = fmt.Errorf("invalid input")
	ErrMissingArgument = fmt.Errorf("missing required argument")
	ErrInvalidArgument = fmt.Errorf("invalid argument")
)
