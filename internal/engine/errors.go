package engine

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/roach88/homesync/internal/authz"
)

// ErrorCode categorizes invocation and registration failures.
type ErrorCode string

const (
	// ErrCodeDuplicateService: a service name was registered twice (setup time).
	ErrCodeDuplicateService ErrorCode = "DUPLICATE_SERVICE"

	// ErrCodeDuplicateAction: an action name was registered twice on one service.
	ErrCodeDuplicateAction ErrorCode = "DUPLICATE_ACTION"

	// ErrCodeInvalidAction: an action definition is incomplete (no handler, bad permission).
	ErrCodeInvalidAction ErrorCode = "INVALID_ACTION"

	// ErrCodeUnknownService: no service is registered under the name.
	ErrCodeUnknownService ErrorCode = "UNKNOWN_SERVICE"

	// ErrCodeUnknownAction: the service has no action under the name.
	ErrCodeUnknownAction ErrorCode = "UNKNOWN_ACTION"

	// ErrCodePermissionDenied: a permission requirement was not met.
	ErrCodePermissionDenied ErrorCode = "PERMISSION_DENIED"

	// ErrCodeValidation: the payload failed the action's validator.
	ErrCodeValidation ErrorCode = "VALIDATION_FAILED"

	// ErrCodeBadRequest: the handler rejected the request as the caller's fault.
	ErrCodeBadRequest ErrorCode = "BAD_REQUEST"

	// ErrCodeInternal: the handler failed unexpectedly.
	ErrCodeInternal ErrorCode = "INTERNAL"
)

// CodedError is implemented by every error the engine produces.
type CodedError interface {
	error
	Code() ErrorCode
	// Status is the HTTP status a transport should answer with.
	Status() int
}

// DuplicateNameError is returned when a service name is already registered.
// It is a configuration error: the process should not start with it.
type DuplicateNameError struct {
	Name string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("%s: service %q is already registered", e.Code(), e.Name)
}

func (e *DuplicateNameError) Code() ErrorCode { return ErrCodeDuplicateService }
func (e *DuplicateNameError) Status() int { return http.StatusInternalServerError }

// DuplicateActionError is returned when an action name already exists on a service.
type DuplicateActionError struct {
	Service string
	Action  string
}

func (e *DuplicateActionError) Error() string {
	return fmt.Sprintf("%s: action %q is already defined on service %q", e.Code(), e.Action, e.Service)
}

func (e *DuplicateActionError) Code() ErrorCode { return ErrCodeDuplicateAction }
func (e *DuplicateActionError) Status() int { return http.StatusInternalServerError }

// InvalidActionError is returned by ActionBuilder.Register for an
// incomplete or malformed definition.
type InvalidActionError struct {
	Service string
	Action  string
	Reason  string
}

func (e *InvalidActionError) Error() string {
	return fmt.Sprintf("%s: %s.%s: %s", e.Code(), e.Service, e.Action, e.Reason)
}

func (e *InvalidActionError) Code() ErrorCode { return ErrCodeInvalidAction }
func (e *InvalidActionError) Status() int { return http.StatusInternalServerError }

// UnknownServiceError is returned when no service has the requested name.
type UnknownServiceError struct {
	Name string
}

func (e *UnknownServiceError) Error() string {
	return fmt.Sprintf("%s: service %q not found", e.Code(), e.Name)
}

func (e *UnknownServiceError) Code() ErrorCode { return ErrCodeUnknownService }
func (e *UnknownServiceError) Status() int { return http.StatusNotFound }

// UnknownActionError is returned when a service has no such action.
type UnknownActionError struct {
	Service string
	Action  string
}

func (e *UnknownActionError) Error() string {
	return fmt.Sprintf("%s: action %q not found on service %q", e.Code(), e.Action, e.Service)
}

func (e *UnknownActionError) Code() ErrorCode { return ErrCodeUnknownAction }
func (e *UnknownActionError) Status() int { return http.StatusNotFound }

// PermissionDeniedError is returned when a requirement is not met.
//
// Permission is set for triple requirements. For predicate requirements it
// is zero and Reason carries the predicate's message.
type PermissionDeniedError struct {
	Service    string
	Action     string
	User       authz.User
	Permission authz.Permission
	Reason     string
	Err        error
}

func (e *PermissionDeniedError) Error() string {
	if e.Permission.Verb != "" {
		return fmt.Sprintf("%s: role %q lacks %s (action %s.%s)",
			e.Code(), e.User.Role, e.Permission, e.Service, e.Action)
	}
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s", e.Code(), e.Reason)
	}
	return fmt.Sprintf("%s: forbidden", e.Code())
}

func (e *PermissionDeniedError) Unwrap() error { return e.Err }
func (e *PermissionDeniedError) Code() ErrorCode { return ErrCodePermissionDenied }
func (e *PermissionDeniedError) Status() int { return http.StatusForbidden }

// ValidationError is returned when the payload fails the action's validator.
type ValidationError struct {
	Service string
	Action  string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code(), e.Message)
}

func (e *ValidationError) Unwrap() error { return e.Err }
func (e *ValidationError) Code() ErrorCode { return ErrCodeValidation }
func (e *ValidationError) Status() int { return http.StatusBadRequest }

// UserError is a handler failure caused by the caller, built with
// ActionContext.UserError. Its message is always shown to the caller.
type UserError struct {
	Message string
}

func (e *UserError) Error() string { return e.Message }
func (e *UserError) Code() ErrorCode { return ErrCodeBadRequest }
func (e *UserError) Status() int { return http.StatusBadRequest }

// genericInternalMessage is what unprivileged callers see for HandlerError.
const genericInternalMessage = "internal error"

// HandlerError wraps any other handler failure. Error returns only the
// generic message; Detail and Unwrap give operators the original.
type HandlerError struct {
	Service      string
	Action       string
	InvocationID string
	Err          error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code(), genericInternalMessage)
}

// Detail returns the full message including the original error.
func (e *HandlerError) Detail() string {
	return fmt.Sprintf("%s.%s (invocation %s): %v", e.Service, e.Action, e.InvocationID, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }
func (e *HandlerError) Code() ErrorCode { return ErrCodeInternal }
func (e *HandlerError) Status() int { return http.StatusInternalServerError }

// Reply is the caller-facing reduction of an invocation error.
type Reply struct {
	Status  int       `json:"status"`
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// Public reduces err to a Reply. Internal failures keep their original
// message only when exposeInternal is set; anything that is not a
// CodedError is treated as internal.
func Public(err error, exposeInternal bool) Reply {
	if err == nil {
		return Reply{Status: http.StatusOK}
	}

	var herr *HandlerError
	if errors.As(err, &herr) {
		msg := genericInternalMessage
		if exposeInternal {
			msg = herr.Detail()
		}
		return Reply{Status: herr.Status(), Code: herr.Code(), Message: msg}
	}

	var coded CodedError
	if errors.As(err, &coded) {
		return Reply{Status: coded.Status(), Code: coded.Code(), Message: publicMessage(coded)}
	}

	msg := genericInternalMessage
	if exposeInternal {
		msg = err.Error()
	}
	return Reply{Status: http.StatusInternalServerError, Code: ErrCodeInternal, Message: msg}
}

func publicMessage(err CodedError) string {
	switch e := err.(type) {
	case *ValidationError:
		return e.Message
	case *UserError:
		return e.Message
	case *PermissionDeniedError:
		if e.Permission.Verb == "" && e.Reason != "" {
			return e.Reason
		}
		return "forbidden"
	case *UnknownServiceError, *UnknownActionError:
		return "not found"
	default:
		return err.Error()
	}
}

// IsNotFound reports whether err is an unknown service or action.
func IsNotFound(err error) bool {
	var se *UnknownServiceError
	var ae *UnknownActionError
	return errors.As(err, &se) || errors.As(err, &ae)
}

// IsForbidden reports whether err is a permission denial.
func IsForbidden(err error) bool {
	var pe *PermissionDeniedError
	return errors.As(err, &pe)
}

// IsInvalid reports whether err is a validation failure or a UserError.
func IsInvalid(err error) bool {
	var ve *ValidationError
	var ue *UserError
	return errors.As(err, &ve) || errors.As(err, &ue)
}

// IsInternal reports whether err is an unexpected handler failure.
func IsInternal(err error) bool {
	var he *HandlerError
	return errors.As(err, &he)
}
