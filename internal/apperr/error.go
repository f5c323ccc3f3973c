package apperr

import (
	"errors"
	"fmt"
	"maps"
	"net/http"
	"time"
)

// Category classifies a failure. The category fixes the default severity,
// HTTP status and recovery strategy of an Error.
type Category string

const (
	CategoryValidation      Category = "VALIDATION"
	CategoryBusinessLogic   Category = "BUSINESS_LOGIC"
	CategoryResource        Category = "RESOURCE"
	CategoryExternalService Category = "EXTERNAL_SERVICE"
	CategoryDatabase        Category = "DATABASE"
	CategoryNetwork         Category = "NETWORK"
	CategoryTimeout         Category = "TIMEOUT"
	CategoryConfiguration   Category = "CONFIGURATION"
	CategoryAuthentication  Category = "AUTHENTICATION"
	CategoryAuthorization   Category = "AUTHORIZATION"
	CategoryInternal        Category = "INTERNAL"
)

// Severity describes how urgently an error needs attention.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// RecoveryStrategy is the retry policy attached to an error. Retriable is the
// only field callers consult to decide whether to retry.
type RecoveryStrategy struct {
	Retriable          bool
	MaxRetries         int
	RetryDelay         time.Duration
	ExponentialBackoff bool
}

type categoryDefaults struct {
	name       string
	severity   Severity
	httpStatus int
	recovery   RecoveryStrategy
}

var noRetry = RecoveryStrategy{}

var defaults = map[Category]categoryDefaults{
	CategoryValidation:     {"ValidationError", SeverityLow, http.StatusBadRequest, noRetry},
	CategoryAuthentication: {"AuthenticationError", SeverityMedium, http.StatusUnauthorized, noRetry},
	CategoryAuthorization:  {"AuthorizationError", SeverityMedium, http.StatusForbidden, noRetry},
	CategoryResource:       {"ResourceError", SeverityLow, http.StatusNotFound, noRetry},
	CategoryTimeout: {"TimeoutError", SeverityMedium, http.StatusRequestTimeout,
		RecoveryStrategy{Retriable: true, MaxRetries: 2, RetryDelay: 2 * time.Second, ExponentialBackoff: true}},
	CategoryBusinessLogic: {"BusinessLogicError", SeverityMedium, http.StatusUnprocessableEntity, noRetry},
	CategoryInternal:      {"InternalError", SeverityHigh, http.StatusInternalServerError, noRetry},
	CategoryConfiguration: {"ConfigurationError", SeverityCritical, http.StatusInternalServerError, noRetry},
	CategoryExternalService: {"ExternalServiceError", SeverityHigh, http.StatusBadGateway,
		RecoveryStrategy{Retriable: true, MaxRetries: 3, RetryDelay: time.Second, ExponentialBackoff: true}},
	CategoryNetwork: {"NetworkError", SeverityMedium, http.StatusServiceUnavailable,
		RecoveryStrategy{Retriable: true, MaxRetries: 3, RetryDelay: time.Second, ExponentialBackoff: true}},
	CategoryDatabase: {"DatabaseError", SeverityHigh, http.StatusInternalServerError,
		RecoveryStrategy{Retriable: true, MaxRetries: 3, RetryDelay: 500 * time.Millisecond, ExponentialBackoff: true}},
}

func defaultsFor(c Category) categoryDefaults {
	if d, ok := defaults[c]; ok {
		return d
	}
	return defaults[CategoryInternal]
}

// DefaultRecovery returns the recovery strategy preset for a category.
func DefaultRecovery(c Category) RecoveryStrategy {
	return defaultsFor(c).recovery
}

// Error is the tagged error shape shared by every component.
type Error struct {
	Message       string
	Name          string
	Category      Category
	Severity      Severity
	IsOperational bool
	Recovery      RecoveryStrategy
	Context       map[string]any
	Cause         error
}

// Option customises an Error built with New.
type Option func(*Error)

// WithCause records the underlying error.
func WithCause(err error) Option {
	return func(e *Error) { e.Cause = err }
}

// WithContext merges key/value context into the error.
func WithContext(ctx map[string]any) Option {
	return func(e *Error) {
		if len(ctx) == 0 {
			return
		}
		if e.Context == nil {
			e.Context = make(map[string]any, len(ctx))
		}
		maps.Copy(e.Context, ctx)
	}
}

// WithSeverity overrides the category severity.
func WithSeverity(s Severity) Option {
	return func(e *Error) { e.Severity = s }
}

// WithRecovery overrides the category recovery strategy.
func WithRecovery(r RecoveryStrategy) Option {
	return func(e *Error) { e.Recovery = r }
}

// WithName overrides the error name used in Code.
func WithName(name string) Option {
	return func(e *Error) { e.Name = name }
}

// NonOperational flags a programmer or configuration error.
func NonOperational() Option {
	return func(e *Error) { e.IsOperational = false }
}

// New builds an operational Error with the defaults of its category.
func New(category Category, message string, opts ...Option) *Error {
	d := defaultsFor(category)
	e := &Error{
		Message:       message,
		Name:          d.name,
		Category:      category,
		Severity:      d.severity,
		IsOperational: true,
		Recovery:      d.recovery,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func Validation(message string, opts ...Option) *Error {
	return New(CategoryValidation, message, opts...)
}

func NotFound(message string, opts ...Option) *Error {
	return New(CategoryResource, message, opts...)
}

func Network(message string, opts ...Option) *Error {
	return New(CategoryNetwork, message, opts...)
}

func Timeout(message string, opts ...Option) *Error {
	return New(CategoryTimeout, message, opts...)
}

func ExternalService(message string, opts ...Option) *Error {
	return New(CategoryExternalService, message, opts...)
}

func Database(message string, opts ...Option) *Error {
	return New(CategoryDatabase, message, opts...)
}

func BusinessLogic(message string, opts ...Option) *Error {
	return New(CategoryBusinessLogic, message, opts...)
}

func Configuration(message string, opts ...Option) *Error {
	return New(CategoryConfiguration, message, append([]Option{NonOperational()}, opts...)...)
}

func Internal(message string, opts ...Option) *Error {
	return New(CategoryInternal, message, append([]Option{NonOperational()}, opts...)...)
}

func (e *Error) Error() string {
	if e.Cause != nil && e.Cause.Error() != e.Message {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Code is the stable identifier reported to API clients.
func (e *Error) Code() string {
	name := e.Name
	if name == "" {
		name = defaultsFor(e.Category).name
	}
	return string(e.Category) + "_" + name
}

// HTTPStatus maps the category to a response status.
func (e *Error) HTTPStatus() int {
	return defaultsFor(e.Category).httpStatus
}

// As returns the *Error in err's chain, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsCategory reports whether err carries the given category.
func IsCategory(err error, c Category) bool {
	e, ok := As(err)
	return ok && e.Category == c
}
