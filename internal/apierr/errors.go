// Package apierr defines the sentinel errors shared across persistence and
// service boundaries: adapters map driver-specific errors onto these, and
// callers compare with errors.Is rather than inspecting driver types.
package apierr

import "errors"

var (
	ErrNotFound         = errors.New("apierr: not found")
	ErrInvalidArgument   = errors.New("apierr: invalid argument")
	ErrConflict          = errors.New("apierr: conflict")
	ErrCapacityFull      = errors.New("apierr: capacity full")
	ErrPortExhausted     = errors.New("apierr: port allocation exhausted")
	ErrInvalidTransition = errors.New("apierr: invalid state transition")
	ErrTamperedData      = errors.New("apierr: tampered data")
	ErrNoModel           = errors.New("apierr: no model available")
	ErrModelKeyMismatch  = errors.New("apierr: model key mismatch")
	ErrUnauthorized      = errors.New("apierr: unauthorized")
	ErrRateLimited       = errors.New("apierr: rate limited")
)

// Code is a stable machine-readable error code for the {success,error{code,message}} envelope.
type Code string

const (
	CodeCapacityFull         Code = "CAPACITY_FULL"
	CodePortExhausted        Code = "PORT_ALLOCATION_EXHAUSTED"
	CodeAgentWaking          Code = "AGENT_WAKING"
	CodeAgentNotReady        Code = "AGENT_NOT_READY"
	CodeDeploymentNotFound   Code = "DEPLOYMENT_NOT_FOUND"
	CodeProxyError           Code = "PROXY_ERROR"
	CodeInvalidStateTransition Code = "INVALID_STATE_TRANSITION"
	CodeTamperedData         Code = "TAMPERED_DATA"
	CodeNoModel              Code = "NO_MODEL"
	CodeModelKeyMismatch     Code = "MODEL_KEY_MISMATCH"
	CodeUnauthorized         Code = "UNAUTHORIZED"
	CodeValidationError      Code = "VALIDATION_ERROR"
	CodeRateLimited          Code = "RATE_LIMITED"
	CodeInternal             Code = "INTERNAL_ERROR"
)
