// Package errors provides the structured error taxonomy shared by the dispatch pipeline.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// ==========================
// 1. Standard Error Types
// ==========================

// ErrorCode represents standardized internal error codes.
type ErrorCode string

// Rendering
const (
	ErrCodeParameterMismatch ErrorCode = "PARAMETER_MISMATCH"
	ErrCodeTemplateError     ErrorCode = "TEMPLATE_ERROR"
	ErrCodeRenderError       ErrorCode = "RENDER_ERROR"
)

// Recipient resolution
const (
	ErrCodeMissingRecipientParameter ErrorCode = "MISSING_RECIPIENT_PARAMETER"
	ErrCodeRecipientResolution       ErrorCode = "RECIPIENT_RESOLUTION_ERROR"
	ErrCodeRecipientListNotFound     ErrorCode = "RECIPIENT_LIST_NOT_FOUND"
	ErrCodeRecipientNotFound         ErrorCode = "RECIPIENT_NOT_FOUND"
	ErrCodeQueryExecutionFailed      ErrorCode = "QUERY_EXECUTION_FAILED"
	ErrCodeMalformedRecipientRow     ErrorCode = "MALFORMED_RECIPIENT_ROW"
	ErrCodeInvalidConfigurationData  ErrorCode = "INVALID_CONFIGURATION_DATA"
)

// Storage, delivery and administration
const (
	ErrCodeEnqueue               ErrorCode = "ENQUEUE_ERROR"
	ErrCodeDelivery              ErrorCode = "DELIVERY_ERROR"
	ErrCodeChannelNotRegistered  ErrorCode = "CHANNEL_NOT_REGISTERED"
	ErrCodeConfigurationNotFound ErrorCode = "CONFIGURATION_NOT_FOUND"
	ErrCodeNotFound              ErrorCode = "NOT_FOUND"
	ErrCodeInternal              ErrorCode = "INTERNAL_ERROR"
)

// StandardError represents a structured application error.
type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Cause     error                  `json:"-"`
	Timestamp time.Time              `json:"timestamp"`
}

func (e *StandardError) Error() string {
	msg := fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
	if e.Details != "" {
		msg += " (" + e.Details + ")"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *StandardError) Unwrap() error {
	return e.Cause
}

// Is matches any StandardError carrying the same code, so the sentinels
// below work with errors.Is through arbitrary wrapping.
func (e *StandardError) Is(target error) bool {
	t, ok := target.(*StandardError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is checks.
var (
	ErrParameterMismatch         = &StandardError{Code: ErrCodeParameterMismatch}
	ErrTemplate                  = &StandardError{Code: ErrCodeTemplateError}
	ErrRender                    = &StandardError{Code: ErrCodeRenderError}
	ErrMissingRecipientParameter = &StandardError{Code: ErrCodeMissingRecipientParameter}
	ErrRecipientResolution       = &StandardError{Code: ErrCodeRecipientResolution}
	ErrRecipientListNotFound     = &StandardError{Code: ErrCodeRecipientListNotFound}
	ErrRecipientNotFound         = &StandardError{Code: ErrCodeRecipientNotFound}
	ErrQueryExecutionFailed      = &StandardError{Code: ErrCodeQueryExecutionFailed}
	ErrMalformedRecipientRow     = &StandardError{Code: ErrCodeMalformedRecipientRow}
	ErrInvalidConfigurationData  = &StandardError{Code: ErrCodeInvalidConfigurationData}
	ErrEnqueue                   = &StandardError{Code: ErrCodeEnqueue}
	ErrDelivery                  = &StandardError{Code: ErrCodeDelivery}
	ErrChannelNotRegistered      = &StandardError{Code: ErrCodeChannelNotRegistered}
	ErrConfigurationNotFound     = &StandardError{Code: ErrCodeConfigurationNotFound}
	ErrNotFound                  = &StandardError{Code: ErrCodeNotFound}
)

// ==========================
// 2. Error Constructors
// ==========================

func newError(code ErrorCode, message, details string, retryable bool, cause error) *StandardError {
	return &StandardError{
		Code:      code,
		Message:   message,
		Details:   details,
		Retryable: retryable,
		Cause:     cause,
		Timestamp: time.Now().UTC(),
	}
}

// NewParameterMismatchError reports a supplied parameter set that differs from the declared one.
func NewParameterMismatchError(missing, extra []string) *StandardError {
	var parts []string
	if len(missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(missing, ", "))
	}
	if len(extra) > 0 {
		parts = append(parts, "unexpected: "+strings.Join(extra, ", "))
	}
	e := newError(ErrCodeParameterMismatch, "Supplied parameters do not match required parameters", strings.Join(parts, "; "), false, nil)
	e.Metadata = map[string]interface{}{"missing": missing, "extra": extra}
	return e
}

// NewTemplateError reports a syntactically invalid template or an undeclared placeholder.
func NewTemplateError(details string) *StandardError {
	return newError(ErrCodeTemplateError, "Invalid template", details, false, nil)
}

// NewRenderError reports a missing content template or a context it cannot be rendered with.
func NewRenderError(templateName string, err error) *StandardError {
	return newError(ErrCodeRenderError, "Content rendering failed", fmt.Sprintf("template: %s", templateName), false, err)
}

func NewMissingRecipientParameterError(listID string, err error) *StandardError {
	return newError(ErrCodeMissingRecipientParameter, "Recipient list parameters could not be extracted", fmt.Sprintf("sqlRecipientListId: %s", listID), false, err)
}

// NewRecipientResolutionError wraps the first failure met while resolving a configuration.
func NewRecipientResolutionError(configID string, err error) *StandardError {
	return newError(ErrCodeRecipientResolution, "Recipient resolution failed", fmt.Sprintf("configId: %s", configID), IsRetryable(err), err)
}

func NewRecipientListNotFoundError(listID string) *StandardError {
	return newError(ErrCodeRecipientListNotFound, "Recipient list not found", fmt.Sprintf("listId: %s", listID), false, nil)
}

func NewRecipientNotFoundError(recipientID string) *StandardError {
	return newError(ErrCodeRecipientNotFound, "Recipient not found", fmt.Sprintf("recipientId: %s", recipientID), false, nil)
}

// NewQueryExecutionFailedError creates a retryable query execution error.
func NewQueryExecutionFailedError(source string, err error) *StandardError {
	return newError(ErrCodeQueryExecutionFailed, "Recipient query execution error", fmt.Sprintf("source: %s", source), true, err)
}

func NewMalformedRecipientRowError(details string) *StandardError {
	return newError(ErrCodeMalformedRecipientRow, "Query row is not a recipient", details, false, nil)
}

func NewInvalidConfigurationDataError(kind, details string) *StandardError {
	return newError(ErrCodeInvalidConfigurationData, "Configuration data does not match kind schema", fmt.Sprintf("kind: %s, %s", kind, details), false, nil)
}

// NewEnqueueError wraps a storage or transaction failure while creating events.
func NewEnqueueError(configID string, err error) *StandardError {
	return newError(ErrCodeEnqueue, "Event enqueue failed", fmt.Sprintf("configId: %s", configID), true, err)
}

// NewDeliveryError creates a channel send failure. Retryable decides whether the
// event is scheduled again or failed immediately.
func NewDeliveryError(channel string, retryable bool, err error) *StandardError {
	return newError(ErrCodeDelivery, "Delivery failed", fmt.Sprintf("channel: %s", channel), retryable, err)
}

func NewChannelNotRegisteredError(channel string) *StandardError {
	return newError(ErrCodeChannelNotRegistered, "No channel registered for type", fmt.Sprintf("channel: %s", channel), false, nil)
}

func NewConfigurationNotFoundError(configID string) *StandardError {
	return newError(ErrCodeConfigurationNotFound, "Notification configuration not found", fmt.Sprintf("configId: %s", configID), false, nil)
}

// NewResourceNotFoundError creates a generic not-found error for administrative lookups.
func NewResourceNotFoundError(resource, id string) *StandardError {
	return newError(ErrCodeNotFound, "Resource not found", fmt.Sprintf("%s: %s", resource, id), false, nil)
}

func NewInternalError(operation string, err error) *StandardError {
	return newError(ErrCodeInternal, "Internal error", fmt.Sprintf("operation: %s", operation), true, err)
}

// ==========================
// 3. Utility Functions
// ==========================

// IsRetryable reports whether err should be retried. Errors that are not
// StandardErrors count as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var se *StandardError
	if stderrors.As(err, &se) {
		return se.Retryable
	}
	return true
}

// IsNotFound reports whether err is one of the not-found codes.
func IsNotFound(err error) bool {
	return stderrors.Is(err, ErrNotFound) ||
		stderrors.Is(err, ErrConfigurationNotFound) ||
		stderrors.Is(err, ErrRecipientListNotFound) ||
		stderrors.Is(err, ErrRecipientNotFound)
}

// CodeOf returns the outermost error code in the chain, or INTERNAL_ERROR.
func CodeOf(err error) ErrorCode {
	var se *StandardError
	if stderrors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}

// GetErrorCategory returns the category of the error code.
func GetErrorCategory(code ErrorCode) string {
	codeStr := string(code)
	switch {
	case strings.Contains(codeStr, "TEMPLATE") || strings.Contains(codeStr, "RENDER") || strings.Contains(codeStr, "PARAMETER_MISMATCH"):
		return "TEMPLATE"
	case strings.Contains(codeStr, "RECIPIENT") || strings.Contains(codeStr, "QUERY"):
		return "RESOLUTION"
	case strings.Contains(codeStr, "ENQUEUE"):
		return "STORAGE"
	case strings.Contains(codeStr, "DELIVERY") || strings.Contains(codeStr, "CHANNEL"):
		return "DELIVERY"
	case strings.Contains(codeStr, "NOT_FOUND"):
		return "NOT_FOUND"
	case strings.Contains(codeStr, "INVALID"):
		return "VALIDATION"
	default:
		return "OTHER"
	}
}
