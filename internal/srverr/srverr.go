// Package srverr defines the closed error taxonomy shared by the gateway
// core. Every error carries a Kind that determines recoverability and the
// user-visible message, and stores only sanitized text rather than a live
// driver error, so errors can be copied and attached to per-environment
// response slots without losing their kind.
package srverr

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"time"
)

// IsConnectionError reports whether a raw driver error indicates a broken
// or unreachable connection rather than a problem with the statement
// itself. Such failures should mark the environment unhealthy.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Kind classifies an error for recoverability and message formatting.
type Kind int

const (
	// KindConnection is a network/auth/protocol failure reaching a database.
	KindConnection Kind = iota
	// KindQuery is a failure executing a specific SQL statement.
	KindQuery
	// KindValidation is malformed caller-supplied input.
	KindValidation
	// KindConfiguration is invalid static setup.
	KindConfiguration
	// KindTimeout is a bounded operation exceeding its deadline.
	KindTimeout
	// KindResourceExhaustion is a pool or connection limit being hit.
	KindResourceExhaustion
	// KindProtocol is a malformed inbound request.
	KindProtocol
	// KindMultiEnvironment wraps per-environment errors from a fan-out.
	KindMultiEnvironment
	// KindEnvironment is a single named environment's categorized error.
	KindEnvironment
	// KindInternal is anything else.
	KindInternal
)

// String returns the lowercase name of the kind, used in logs and responses.
func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindQuery:
		return "query"
	case KindValidation:
		return "validation"
	case KindConfiguration:
		return "configuration"
	case KindTimeout:
		return "timeout"
	case KindResourceExhaustion:
		return "resource_exhaustion"
	case KindProtocol:
		return "protocol"
	case KindMultiEnvironment:
		return "multi_environment"
	case KindEnvironment:
		return "environment"
	default:
		return "internal"
	}
}

// EnvCategory refines a KindEnvironment error.
type EnvCategory int

const (
	CategoryConfiguration EnvCategory = iota
	CategoryConnectivity
	CategoryAuthentication
	CategoryPerformance
	CategoryResourceExhaustion
	CategoryUnavailable
	CategoryDataInconsistency
)

// String returns the lowercase name of the category.
func (c EnvCategory) String() string {
	switch c {
	case CategoryConfiguration:
		return "configuration"
	case CategoryConnectivity:
		return "connectivity"
	case CategoryAuthentication:
		return "authentication"
	case CategoryPerformance:
		return "performance"
	case CategoryResourceExhaustion:
		return "resource_exhaustion"
	case CategoryUnavailable:
		return "unavailable"
	default:
		return "data_inconsistency"
	}
}

// Error is the taxonomy's concrete error type.
type Error struct {
	Kind        Kind
	Message     string // safe for callers
	Detail      string // sanitized internals, logging only
	Environment string // originating environment, if known
	SQL         string // sanitized offending SQL for KindQuery
	Code        string // best-effort vendor error code
	Recoverable bool
	Category    EnvCategory // meaningful for KindEnvironment only

	// Multi-environment context, populated for KindMultiEnvironment.
	Operation      string
	EnvErrors      map[string]*Error
	Succeeded      []string
	PartialSuccess bool
}

func (e *Error) Error() string {
	if e.Environment != "" {
		return fmt.Sprintf("%s error in environment %q: %s", e.Kind, e.Environment, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
}

// UserMessage returns the caller-facing message for the error. It never
// contains credentials or raw driver text.
func (e *Error) UserMessage() string {
	switch e.Kind {
	case KindMultiEnvironment:
		names := make([]string, 0, len(e.EnvErrors))
		for name := range e.EnvErrors {
			names = append(names, name)
		}
		sort.Strings(names)
		parts := make([]string, 0, len(names))
		for _, name := range names {
			parts = append(parts, fmt.Sprintf("%s: %s", name, e.EnvErrors[name].UserMessage()))
		}
		return fmt.Sprintf("operation %q failed in %d environment(s): %s",
			e.Operation, len(e.EnvErrors), strings.Join(parts, "; "))
	default:
		return e.Message
	}
}

// IsRecoverable reports whether the caller may reasonably retry.
func (e *Error) IsRecoverable() bool {
	switch e.Kind {
	case KindConnection:
		return e.Recoverable
	case KindTimeout, KindResourceExhaustion:
		return true
	case KindValidation, KindConfiguration, KindProtocol:
		return false
	case KindEnvironment:
		switch e.Category {
		case CategoryConnectivity, CategoryPerformance, CategoryResourceExhaustion:
			return true
		default:
			return false
		}
	case KindMultiEnvironment:
		return e.PartialSuccess
	default:
		return false
	}
}

// Connection builds a KindConnection error from driver error text.
func Connection(env string, cause error, recoverable bool) *Error {
	return &Error{
		Kind:        KindConnection,
		Message:     "database connection failed: " + SanitizeErrorText(cause.Error()),
		Environment: env,
		Recoverable: recoverable,
	}
}

// Query builds a KindQuery error carrying the sanitized SQL.
func Query(env, sql string, cause error) *Error {
	return &Error{
		Kind:        KindQuery,
		Message:     "query execution failed: " + SanitizeErrorText(cause.Error()),
		Environment: env,
		SQL:         SanitizeSQL(sql),
		Code:        vendorCode(cause),
	}
}

// Validation builds a KindValidation error. invalid names the offending value
// and may be empty.
func Validation(msg, invalid string) *Error {
	return &Error{Kind: KindValidation, Message: msg, Detail: invalid}
}

// Configuration builds a KindConfiguration error for a named parameter.
func Configuration(parameter, msg string) *Error {
	return &Error{
		Kind:    KindConfiguration,
		Message: fmt.Sprintf("configuration %q: %s", parameter, msg),
	}
}

// Timeout builds a KindTimeout error for an operation bounded by d.
func Timeout(env, operation string, d time.Duration) *Error {
	return &Error{
		Kind:        KindTimeout,
		Message:     fmt.Sprintf("%s timed out after %s", operation, d),
		Environment: env,
	}
}

// ResourceExhaustion builds a KindResourceExhaustion error.
func ResourceExhaustion(env, resource, usage string) *Error {
	return &Error{
		Kind:        KindResourceExhaustion,
		Message:     fmt.Sprintf("%s exhausted (%s)", resource, usage),
		Environment: env,
	}
}

// Protocol builds a KindProtocol error for a malformed inbound request.
func Protocol(msg string) *Error {
	return &Error{Kind: KindProtocol, Message: msg}
}

// Environment builds a categorized single-environment error.
func Environment(env, msg string, category EnvCategory) *Error {
	return &Error{
		Kind:        KindEnvironment,
		Message:     msg,
		Environment: env,
		Category:    category,
	}
}

// MultiEnvironment wraps the per-environment failures of a fan-out
// operation. succeeded lists the environments that completed.
func MultiEnvironment(operation string, envErrors map[string]*Error, succeeded []string) *Error {
	return &Error{
		Kind:           KindMultiEnvironment,
		Message:        fmt.Sprintf("operation %q failed in %d environment(s)", operation, len(envErrors)),
		Operation:      operation,
		EnvErrors:      envErrors,
		Succeeded:      succeeded,
		PartialSuccess: len(succeeded) > 0,
	}
}

// Internal builds a KindInternal error. detail is kept out of user messages.
func Internal(msg, detail string) *Error {
	return &Error{Kind: KindInternal, Message: msg, Detail: detail}
}

// From converts any error into a taxonomy error, passing *Error through
// unchanged and downgrading everything else to KindInternal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	return Internal(SanitizeErrorText(err.Error()), "")
}

// vendorCode pulls a "Error NNNN" style code out of driver error text when
// one is present.
func vendorCode(err error) string {
	text := err.Error()
	const marker = "Error "
	idx := strings.Index(text, marker)
	if idx < 0 {
		return ""
	}
	rest := text[idx+len(marker):]
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	if end == 0 {
		return ""
	}
	return rest[:end]
}
