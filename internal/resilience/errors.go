package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Category is the closed set of pipeline error classes.
type Category string

const (
	CategoryTransient     Category = "transient"
	CategoryPermanent     Category = "permanent"
	CategoryRateLimit     Category = "rate_limit"
	CategoryValidation    Category = "validation"
	CategoryDatabase      Category = "database"
	CategoryAPI           Category = "api"
	CategoryTimeout       Category = "timeout"
	CategoryConfiguration Category = "configuration"
	CategoryAIService     Category = "ai_service"
)

// Severity grades how loudly a classified error should be reported.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Error codes carried on classified errors.
const (
	CodeCircuitOpen         = "CIRCUIT_OPEN"
	CodeRateLimited         = "RATE_LIMITED"
	CodeConstraintViolation = "DB_CONSTRAINT_VIOLATION"
	CodeDBConnection        = "DB_CONNECTION"
	CodeDBQuery             = "DB_QUERY"
	CodeAPIServerError      = "API_SERVER_ERROR"
	CodeAPIClientError      = "API_CLIENT_ERROR"
	CodeTimeout             = "TIMEOUT"
	CodeNetwork             = "NETWORK"
	CodeValidation          = "VALIDATION"
	CodeConfiguration       = "CONFIGURATION"
	CodeAIService           = "AI_SERVICE"
	CodeCanceled            = "CANCELED"
	CodeRunConflict         = "RUN_CONFLICT"
	CodeUnknown             = "UNKNOWN"
)

// PipelineError is the typed error every stage boundary traffics in. It
// carries retryability, an optional server-specified retry delay, and the
// attempt count once a retry loop has exhausted.
type PipelineError struct {
	Code       string         `json:"code"`
	Category   Category       `json:"category"`
	Message    string         `json:"message"`
	Retryable  bool           `json:"retryable"`
	RetryAfter time.Duration  `json:"retry_after,omitempty"`
	Severity   Severity       `json:"severity"`
	Attempts   int            `json:"attempts,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
	Err        error          `json:"-"`
}

func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// WithContext attaches a key/value pair for logs and failure records.
func (e *PipelineError) WithContext(key string, value any) *PipelineError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// Suggestion returns the operator-facing recovery hint for the error.
func (e *PipelineError) Suggestion() string {
	switch e.Category {
	case CategoryRateLimit:
		return "rate limit reached, will retry automatically"
	case CategoryTransient, CategoryTimeout:
		return "temporary failure, safe to retry"
	case CategoryDatabase:
		if e.Code == CodeConstraintViolation {
			return "constraint violation, check data integrity"
		}
		if e.Retryable {
			return "database connection issue, safe to retry"
		}
		return "database rejected the statement, inspect the query and data"
	case CategoryValidation:
		return "response failed schema validation, inspect the raw payload"
	case CategoryConfiguration:
		return "configuration defect, fix deployment settings before retrying"
	case CategoryAIService:
		return "extraction service degraded, retrying with longer backoff"
	case CategoryAPI:
		if e.Retryable {
			return "upstream API error, safe to retry"
		}
		return "upstream API rejected the request, check the source configuration"
	default:
		return "non-retryable failure, manual investigation required"
	}
}

// NewTransient builds a generic retryable error.
func NewTransient(message string, err error) *PipelineError {
	return &PipelineError{Code: CodeNetwork, Category: CategoryTransient, Message: message, Retryable: true, Severity: SeverityError, Err: err}
}

// NewPermanent builds a generic non-retryable error.
func NewPermanent(message string, err error) *PipelineError {
	return &PipelineError{Code: CodeUnknown, Category: CategoryPermanent, Message: message, Retryable: false, Severity: SeverityError, Err: err}
}

// NewRateLimit builds a retryable rate-limit error carrying the
// server-specified delay (0 when the server gave none).
func NewRateLimit(message string, retryAfter time.Duration, err error) *PipelineError {
	return &PipelineError{Code: CodeRateLimited, Category: CategoryRateLimit, Message: message, Retryable: true, RetryAfter: retryAfter, Severity: SeverityWarning, Err: err}
}

// NewValidation builds a non-retryable schema/shape error.
func NewValidation(message string, err error) *PipelineError {
	return &PipelineError{Code: CodeValidation, Category: CategoryValidation, Message: message, Retryable: false, Severity: SeverityWarning, Err: err}
}

// NewConstraintViolation builds the distinct non-retryable database
// sub-category for unique/integrity violations.
func NewConstraintViolation(message string, err error) *PipelineError {
	return &PipelineError{Code: CodeConstraintViolation, Category: CategoryDatabase, Message: message, Retryable: false, Severity: SeverityError, Err: err}
}

// NewDatabase builds a database error; retryable only for connection-class
// failures.
func NewDatabase(message string, retryable bool, err error) *PipelineError {
	code := CodeDBQuery
	if retryable {
		code = CodeDBConnection
	}
	return &PipelineError{Code: code, Category: CategoryDatabase, Message: message, Retryable: retryable, Severity: SeverityError, Err: err}
}

// NewTimeout builds a retryable timeout error naming the operation and its
// bound.
func NewTimeout(operation string, bound time.Duration, err error) *PipelineError {
	perr := &PipelineError{Code: CodeTimeout, Category: CategoryTimeout, Message: fmt.Sprintf("%s timed out", operation), Retryable: true, Severity: SeverityError, Err: err}
	perr.WithContext("operation", operation)
	if bound > 0 {
		perr.WithContext("timeout", bound.String())
	}
	return perr
}

// NewConfiguration builds a critical non-retryable error for deployment or
// source-config defects.
func NewConfiguration(message string, err error) *PipelineError {
	return &PipelineError{Code: CodeConfiguration, Category: CategoryConfiguration, Message: message, Retryable: false, Severity: SeverityCritical, Err: err}
}

// NewAIService builds a retryable extraction-service error. Callers retry
// these with a longer initial backoff than plain transients.
func NewAIService(message string, err error) *PipelineError {
	return &PipelineError{Code: CodeAIService, Category: CategoryAIService, Message: message, Retryable: true, Severity: SeverityError, Err: err}
}

// StatusError is an HTTP response with a non-success status, kept typed so
// classification never has to parse it back out of a message string.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	RetryAfter time.Duration
	Snippet    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d (%s %s)", e.StatusCode, e.Method, e.URL)
}

// IsTransientHTTPStatus reports whether the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		429, // Too Many Requests
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504: // Gateway Timeout
		return true
	default:
		return false
	}
}

var duplicateKeyPatterns = []string{
	"duplicate key",
	"unique constraint",
	"unique violation",
	"constraint failed",
	"already exists",
}

var timeoutPatterns = []string{
	"i/o timeout",
	"deadline exceeded",
	"timed out",
	"timeout",
}

var connectionPatterns = []string{
	"connection reset by peer",
	"connection refused",
	"broken pipe",
	"temporary failure in name resolution",
	"no such host",
	"tls handshake timeout",
	"server closed idle connection",
	"transport connection broken",
	"eof",
}

var rateLimitPatterns = []string{
	"rate limit",
	"too many requests",
	"quota exceeded",
	"throttled",
}

var aiServicePatterns = []string{
	"anthropic",
	"overloaded_error",
	"overloaded",
	"model is busy",
	"ai service",
}

var validationPatterns = []string{
	"validation failed",
	"schema",
	"missing required field",
	"invalid json",
	"cannot unmarshal",
	"unexpected end of json",
}

var configurationPatterns = []string{
	"missing api key",
	"api key not set",
	"credential",
	"misconfigured",
	"no endpoint configured",
}

// Classify maps an arbitrary failure into the typed taxonomy. The checks run
// in priority order: already-classified errors pass through; duplicate-key
// signatures outrank connection signatures (a constraint violation must never
// be retried even when its message also smells like a network failure);
// connection-class failures outrank rate-limit phrasing; typed HTTP statuses
// outrank free-text heuristics; anything unmatched is a non-retryable unknown.
func Classify(err error) *PipelineError {
	if err == nil {
		return nil
	}

	var perr *PipelineError
	if errors.As(err, &perr) {
		return perr
	}

	if errors.Is(err, ErrCircuitOpen) {
		return &PipelineError{Code: CodeCircuitOpen, Category: CategoryTransient, Message: "circuit breaker open", Retryable: true, Severity: SeverityWarning, Err: err}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &PipelineError{Code: CodeTimeout, Category: CategoryTimeout, Message: "operation deadline exceeded", Retryable: true, Severity: SeverityError, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &PipelineError{Code: CodeCanceled, Category: CategoryPermanent, Message: "operation canceled", Retryable: false, Severity: SeverityWarning, Err: err}
	}

	msg := strings.ToLower(err.Error())

	// Database errors carry SQLSTATE when they come through pgx.
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "23"):
			return NewConstraintViolation(pgErr.Message, err)
		case strings.HasPrefix(pgErr.Code, "08") || pgErr.Code == "57P01":
			return NewDatabase("database connection failure", true, err)
		case pgErr.Code == "40001" || pgErr.Code == "40P01":
			return NewDatabase("database serialization failure", true, err)
		default:
			return NewDatabase(pgErr.Message, false, err)
		}
	}
	if containsAny(msg, duplicateKeyPatterns) {
		return NewConstraintViolation("duplicate key violation", err)
	}

	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == 429:
			return NewRateLimit("rate limited by upstream API", se.RetryAfter, err)
		case se.StatusCode >= 500 || se.StatusCode == 408:
			return &PipelineError{Code: CodeAPIServerError, Category: CategoryAPI, Message: fmt.Sprintf("upstream API returned %d", se.StatusCode), Retryable: true, Severity: SeverityError, Err: err}
		default:
			return &PipelineError{Code: CodeAPIClientError, Category: CategoryAPI, Message: fmt.Sprintf("upstream API returned %d", se.StatusCode), Retryable: false, Severity: SeverityError, Err: err}
		}
	}

	// Network-level failures.
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &PipelineError{Code: CodeTimeout, Category: CategoryTimeout, Message: "network timeout", Retryable: true, Severity: SeverityError, Err: err}
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return NewTransient("connection failure", err)
	}
	if containsAny(msg, timeoutPatterns) {
		return &PipelineError{Code: CodeTimeout, Category: CategoryTimeout, Message: "operation timed out", Retryable: true, Severity: SeverityError, Err: err}
	}
	if containsAny(msg, connectionPatterns) {
		return NewTransient("connection failure", err)
	}

	if containsAny(msg, rateLimitPatterns) {
		return NewRateLimit("rate limited", 0, err)
	}

	if containsAny(msg, aiServicePatterns) {
		return NewAIService("extraction service failure", err)
	}
	if containsAny(msg, validationPatterns) {
		return NewValidation("payload failed validation", err)
	}
	if containsAny(msg, configurationPatterns) {
		return NewConfiguration("configuration defect", err)
	}

	return NewPermanent("unclassified failure", err)
}

// IsRetryable reports whether the error classifies as retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return Classify(err).Retryable
}

func containsAny(msg string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
