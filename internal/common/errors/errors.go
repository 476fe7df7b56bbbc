package errors

import (
	"fmt"
	"time"
)

// ErrorCode представляет код ошибки
type ErrorCode string

const (
	// Общие ошибки
	ErrCodeInternal     ErrorCode = "INTERNAL_ERROR"
	ErrCodeValidation   ErrorCode = "VALIDATION_ERROR"
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden    ErrorCode = "FORBIDDEN"
	ErrCodeBadRequest   ErrorCode = "BAD_REQUEST"

	// Ошибки слоя синхронизации
	ErrCodeInvalidKey         ErrorCode = "INVALID_KEY"
	ErrCodeMalformedWrite     ErrorCode = "MALFORMED_WRITE"
	ErrCodeInvariantViolation ErrorCode = "INVARIANT_VIOLATION"
	ErrCodeUnavailable        ErrorCode = "UNAVAILABLE"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeAlreadyExists      ErrorCode = "ALREADY_EXISTS"
	ErrCodeDenied             ErrorCode = "DENIED"
	ErrCodeTimeout            ErrorCode = "TIMEOUT"

	// Не ошибка: повторная доставка уже применённого события
	ErrCodeAlreadyApplied ErrorCode = "ALREADY_APPLIED"
)

// AppError представляет типизированную ошибку приложения
type AppError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	RequestID string                 `json:"request_id,omitempty"`
	Cause     error                  `json:"-"`
}

// Error возвращает строковое представление ошибки
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap возвращает причину ошибки
func (e *AppError) Unwrap() error {
	return e.Cause
}

// IsNotFound проверяет, является ли ошибка ошибкой "не найдено"
func (e *AppError) IsNotFound() bool {
	return e.Code == ErrCodeNotFound
}

// IsPreflight сообщает, была ли ошибка отклонена до оптимистичной мутации.
// Для таких ошибок откат зеркала не требуется.
func (e *AppError) IsPreflight() bool {
	return e.Code == ErrCodeInvalidKey ||
		e.Code == ErrCodeMalformedWrite ||
		e.Code == ErrCodeInvariantViolation
}

// IsRetryable проверяет, имеет ли смысл повторять операцию
func (e *AppError) IsRetryable() bool {
	return e.Code == ErrCodeUnavailable || e.Code == ErrCodeTimeout
}

// IsInternal проверяет, является ли ошибка внутренней ошибкой
func (e *AppError) IsInternal() bool {
	return e.Code == ErrCodeInternal
}

// WithDetail добавляет детальную информацию к ошибке
func (e *AppError) WithDetail(key string, value interface{}) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithRequestID добавляет ID запроса к ошибке
func (e *AppError) WithRequestID(requestID string) *AppError {
	e.RequestID = requestID
	return e
}

// New создает новую ошибку приложения
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Wrap оборачивает существующую ошибку
func Wrap(err error, code ErrorCode, message string) *AppError {
	appErr := New(code, message)
	appErr.Cause = err
	return appErr
}

// Wrapf оборачивает существующую ошибку с форматированием
func Wrapf(err error, code ErrorCode, format string, args ...interface{}) *AppError {
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

// Конструкторы для часто используемых ошибок

// NewInvalidKeyError создает ошибку некорректного внешнего идентификатора
func NewInvalidKeyError(externalID, reason string) *AppError {
	return New(ErrCodeInvalidKey, fmt.Sprintf("Invalid external id: %s", reason)).
		WithDetail("external_id", externalID).
		WithDetail("reason", reason)
}

// NewMalformedWriteError создает ошибку записи, не прошедшей санитизацию
func NewMalformedWriteError(reason string) *AppError {
	return New(ErrCodeMalformedWrite, fmt.Sprintf("Malformed write: %s", reason)).
		WithDetail("reason", reason)
}

// NewInvariantViolationError создает ошибку нарушения инварианта записи
func NewInvariantViolationError(invariant, reason string) *AppError {
	return New(ErrCodeInvariantViolation, fmt.Sprintf("Invariant violated: %s", reason)).
		WithDetail("invariant", invariant).
		WithDetail("reason", reason)
}

// NewNotFoundError создает ошибку "не найдено"
func NewNotFoundError(resource string, id interface{}) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource)).
		WithDetail("resource", resource).
		WithDetail("id", id)
}

// NewAlreadyExistsError создает ошибку создания поверх существующей записи
func NewAlreadyExistsError(resource string, id interface{}) *AppError {
	return New(ErrCodeAlreadyExists, fmt.Sprintf("%s already exists", resource)).
		WithDetail("resource", resource).
		WithDetail("id", id)
}

// NewUnavailableError создает ошибку недоступности хранилища
func NewUnavailableError(operation string, err error) *AppError {
	return Wrap(err, ErrCodeUnavailable, fmt.Sprintf("Store unavailable during %s", operation)).
		WithDetail("operation", operation)
}

// NewDeniedError создает ошибку отказа хранилища
func NewDeniedError(operation string, err error) *AppError {
	return Wrap(err, ErrCodeDenied, fmt.Sprintf("Store denied %s", operation)).
		WithDetail("operation", operation)
}

// NewTimeoutError создает ошибку таймаута авторитетной записи
func NewTimeoutError(operation string, timeout time.Duration) *AppError {
	return New(ErrCodeTimeout, fmt.Sprintf("Operation %s timed out after %s", operation, timeout)).
		WithDetail("operation", operation).
		WithDetail("timeout", timeout.String())
}

// NewUnauthorizedError создает ошибку авторизации
func NewUnauthorizedError(reason string) *AppError {
	return New(ErrCodeUnauthorized, fmt.Sprintf("Unauthorized: %s", reason)).
		WithDetail("reason", reason)
}

// IsAppError проверяет, является ли ошибка AppError
func IsAppError(err error) bool {
	_, ok := err.(*AppError)
	return ok
}

// AsAppError приводит ошибку к AppError
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if err != nil {
		appErr, _ = err.(*AppError)
	}
	return appErr, appErr != nil
}

// HasCode проверяет код ошибки с учётом обёрток
func HasCode(err error, code ErrorCode) bool {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code == code
	}
	return false
}
