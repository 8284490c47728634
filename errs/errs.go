// Package errs defines the coded errors returned by the sync engine.
//
// Every error that reaches a caller is either an *Error carrying a stable
// Code, or a wrapped storage/transport error. Codes map to a Kind, and the
// Kind decides whether the error is fatal for the request that produced it.
package errs

import (
	"errors"
	"fmt"
)

// Code is a stable, machine readable error identifier.
type Code string

const (
	// Malformed requests.
	OpBadlyFormed            Code = "ERR_OT_OP_BADLY_FORMED"
	OpNotAllowedInProjection Code = "ERR_OP_NOT_ALLOWED_IN_PROJECTION"
	SnapshotNotAllowed       Code = "ERR_SNAPSHOT_NOT_ALLOWED_IN_PROJECTION"
	QueryBadlyFormed         Code = "ERR_QUERY_BADLY_FORMED"
	UnknownAction            Code = "ERR_UNKNOWN_ACTION"

	// Expected under concurrency.
	OpAlreadySubmitted Code = "ERR_OP_ALREADY_SUBMITTED"
	NoOp               Code = "ERR_NO_OP"

	// Protocol violations.
	OpVersionNewer                  Code = "ERR_OP_VERSION_NEWER_THAN_CURRENT_SNAPSHOT"
	OpVersionMismatchAfterTransform Code = "ERR_OP_VERSION_MISMATCH_AFTER_TRANSFORM"
	DocAlreadyCreated               Code = "ERR_DOC_ALREADY_CREATED"
	DocWasDeleted                   Code = "ERR_DOC_WAS_DELETED"
	DocWasCreated                   Code = "ERR_DOC_WAS_CREATED"
	DocDoesNotExist                 Code = "ERR_DOC_DOES_NOT_EXIST"
	ApplyVersionMismatch            Code = "ERR_APPLY_OP_VERSION_DOES_NOT_MATCH_SNAPSHOT"

	// Storage inconsistencies.
	TransformOpsNotFound             Code = "ERR_SUBMIT_TRANSFORM_OPS_NOT_FOUND"
	OpVersionMismatchDuringTransform Code = "ERR_OP_VERSION_MISMATCH_DURING_TRANSFORM"

	// Resource exhaustion.
	MaxSubmitRetriesExceeded Code = "ERR_MAX_SUBMIT_RETRIES_EXCEEDED"

	// Type errors.
	DocTypeNotRecognized       Code = "ERR_DOC_TYPE_NOT_RECOGNIZED"
	TypeDoesNotSupportCompose  Code = "ERR_TYPE_DOES_NOT_SUPPORT_COMPOSE"
	TypeDoesNotSupportInvert   Code = "ERR_TYPE_DOES_NOT_SUPPORT_INVERT"
	TypeDoesNotSupportPresence Code = "ERR_TYPE_DOES_NOT_SUPPORT_PRESENCE"
	TypeCannotBeProjected      Code = "ERR_TYPE_CANNOT_BE_PROJECTED"
	OpNotApplied               Code = "ERR_OT_OP_NOT_APPLIED"
	OpNotTransformed           Code = "ERR_OT_OP_NOT_TRANSFORMED"

	// Application errors raised by middleware or configuration.
	Unauthorized      Code = "ERR_UNAUTHORIZED"
	ProjectionInvalid Code = "ERR_PROJECTION_INVALID"
	Internal          Code = "ERR_INTERNAL"
)

// Kind groups codes by who is at fault and whether retrying can help.
type Kind int

const (
	KindApplication Kind = iota
	KindMalformed
	KindConflictStale
	KindProtocolViolation
	KindStorageInconsistency
	KindResourceExhaustion
	KindTypeError
)

func (k Kind) String() string {
	switch k {
	case KindMalformed:
		return "malformed"
	case KindConflictStale:
		return "conflict-stale"
	case KindProtocolViolation:
		return "protocol-violation"
	case KindStorageInconsistency:
		return "storage-inconsistency"
	case KindResourceExhaustion:
		return "resource-exhaustion"
	case KindTypeError:
		return "type-error"
	default:
		return "application"
	}
}

var kinds = map[Code]Kind{
	OpBadlyFormed:            KindMalformed,
	OpNotAllowedInProjection: KindMalformed,
	SnapshotNotAllowed:       KindMalformed,
	QueryBadlyFormed:         KindMalformed,
	UnknownAction:            KindMalformed,

	OpAlreadySubmitted: KindConflictStale,
	NoOp:               KindConflictStale,

	OpVersionNewer:                  KindProtocolViolation,
	OpVersionMismatchAfterTransform: KindProtocolViolation,
	DocAlreadyCreated:               KindProtocolViolation,
	DocWasDeleted:                   KindProtocolViolation,
	DocWasCreated:                   KindProtocolViolation,
	DocDoesNotExist:                 KindProtocolViolation,
	ApplyVersionMismatch:            KindProtocolViolation,

	TransformOpsNotFound:             KindStorageInconsistency,
	OpVersionMismatchDuringTransform: KindStorageInconsistency,

	MaxSubmitRetriesExceeded: KindResourceExhaustion,

	DocTypeNotRecognized:       KindTypeError,
	TypeDoesNotSupportCompose:  KindTypeError,
	TypeDoesNotSupportInvert:   KindTypeError,
	TypeDoesNotSupportPresence: KindTypeError,
	TypeCannotBeProjected:      KindTypeError,
	OpNotApplied:               KindTypeError,
	OpNotTransformed:           KindTypeError,
}

// Error is a coded error. Version is set on OpAlreadySubmitted so the
// client can reconcile against the version its op was committed at.
type Error struct {
	Code    Code
	Message string
	Version int
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Kind reports the taxonomy bucket of the error.
func (e *Error) Kind() Kind {
	if k, ok := kinds[e.Code]; ok {
		return k
	}
	return KindApplication
}

// Fatal reports whether the request that produced this error is rejected.
// Conflict-stale errors mean "nothing to do" and are not fatal.
func (e *Error) Fatal() bool {
	return e.Kind() != KindConflictStale
}

// New returns an error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf returns an error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying error.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, cause: err}
}

// As returns the coded error in err's chain, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the code of err, or Internal for uncoded errors.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	if e, ok := As(err); ok {
		return e.Code
	}
	return Internal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	e, ok := As(err)
	return ok && e.Code == code
}

// IsFatal reports whether err should abort the request. Uncoded errors are fatal.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if e, ok := As(err); ok {
		return e.Fatal()
	}
	return true
}
