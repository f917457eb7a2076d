// Package plberrors provides the engine's unified error taxonomy.
package plberrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies one entry of the error taxonomy.
type Code string

const (
	// CodePLBNotReady is returned by query endpoints before the first refresh completes.
	CodePLBNotReady Code = "PLB_NOT_READY"
	// CodeInsufficientClusterCapacity is returned when a reservation or placement
	// would overcommit cluster capacity.
	CodeInsufficientClusterCapacity Code = "INSUFFICIENT_CLUSTER_CAPACITY"
	// CodeApplicationInstanceDeleted is returned when services are added to a
	// deleted application.
	CodeApplicationInstanceDeleted Code = "APPLICATION_INSTANCE_DELETED"
	// CodeInvalidServiceType is returned for a reference to an unknown service type.
	CodeInvalidServiceType Code = "INVALID_SERVICE_TYPE"
	// CodeInvalidApplication is returned for a reference to an unknown application.
	CodeInvalidApplication Code = "INVALID_APPLICATION"
	// CodeAlreadyExists is returned on a version regression (stale update).
	CodeAlreadyExists Code = "ALREADY_EXISTS"
	// CodeInvalidInput is returned for malformed ingress payloads.
	CodeInvalidInput Code = "INVALID_INPUT"
	// CodeNotFound is returned when a referenced entity does not exist.
	CodeNotFound Code = "NOT_FOUND"
	// CodeInternal is returned for unexpected engine failures.
	CodeInternal Code = "INTERNAL"
)

// PLBError is a structured error carrying a taxonomy code and HTTP status.
type PLBError struct {
	Code       Code
	Message    string
	HTTPStatus int
	Details    map[string]interface{}
	Err        error
}

func (e *PLBError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped error for errors.As/errors.Is.
func (e *PLBError) Unwrap() error { return e.Err }

// WithDetails attaches a key/value pair for diagnostic context.
func (e *PLBError) WithDetails(key string, value interface{}) *PLBError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a PLBError without a wrapped cause.
func New(code Code, message string, status int) *PLBError {
	return &PLBError{Code: code, Message: message, HTTPStatus: status}
}

// Wrap creates a PLBError around an existing error.
func Wrap(code Code, message string, status int, err error) *PLBError {
	return &PLBError{Code: code, Message: message, HTTPStatus: status, Err: err}
}

// PLBNotReady indicates no refresh has completed yet.
func PLBNotReady() *PLBError {
	return New(CodePLBNotReady, "engine has not completed an initial refresh", http.StatusServiceUnavailable)
}

// InsufficientClusterCapacity indicates a reservation/placement overcommit.
func InsufficientClusterCapacity(metric string) *PLBError {
	return New(CodeInsufficientClusterCapacity, "requested capacity exceeds cluster capacity", http.StatusConflict).
		WithDetails("metric", metric)
}

// ApplicationInstanceDeleted indicates services were added after application deletion.
func ApplicationInstanceDeleted(application string) *PLBError {
	return New(CodeApplicationInstanceDeleted, "application instance has been deleted", http.StatusConflict).
		WithDetails("application", application)
}

// InvalidServiceType indicates a reference to an unknown service type.
func InvalidServiceType(name string) *PLBError {
	return New(CodeInvalidServiceType, "unknown service type", http.StatusBadRequest).
		WithDetails("service_type", name)
}

// InvalidApplication indicates a reference to an unknown application.
func InvalidApplication(name string) *PLBError {
	return New(CodeInvalidApplication, "unknown application", http.StatusBadRequest).
		WithDetails("application", name)
}

// AlreadyExists indicates a version regression on an idempotent update.
func AlreadyExists(entity, id string, version uint64) *PLBError {
	return New(CodeAlreadyExists, "update version is not newer than the stored version", http.StatusConflict).
		WithDetails("entity", entity).
		WithDetails("id", id).
		WithDetails("version", version)
}

// InvalidInput indicates a malformed ingress payload.
func InvalidInput(field, reason string) *PLBError {
	return New(CodeInvalidInput, "invalid input", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("reason", reason)
}

// NotFound indicates a referenced entity does not exist.
func NotFound(resource, id string) *PLBError {
	return New(CodeNotFound, "resource not found", http.StatusNotFound).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

// Internal wraps an unexpected failure.
func Internal(message string, err error) *PLBError {
	return Wrap(CodeInternal, message, http.StatusInternalServerError, err)
}

// IsPLBError reports whether err (or something it wraps) is a *PLBError.
func IsPLBError(err error) bool {
	var pe *PLBError
	return errors.As(err, &pe)
}

// GetPLBError extracts a *PLBError from the error chain, if present.
func GetPLBError(err error) *PLBError {
	var pe *PLBError
	if errors.As(err, &pe) {
		return pe
	}
	return nil
}

// GetHTTPStatus returns the HTTP status code associated with err.
func GetHTTPStatus(err error) int {
	if pe := GetPLBError(err); pe != nil {
		return pe.HTTPStatus
	}
	return http.StatusInternalServerError
}

// Is reports whether err carries the given taxonomy code.
func Is(err error, code Code) bool {
	pe := GetPLBError(err)
	return pe != nil && pe.Code == code
}
