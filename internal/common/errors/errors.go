// internal/common/errors/errors.go
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode представляет код ошибки
type ErrorCode string

const (
	// Общие ошибки
	ErrorCodeInternal     ErrorCode = "INTERNAL_ERROR"
	ErrorCodeValidation   ErrorCode = "VALIDATION_ERROR"
	ErrorCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrorCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrorCodeForbidden    ErrorCode = "FORBIDDEN"
	ErrorCodeConflict     ErrorCode = "CONFLICT"
	ErrorCodeTimeout      ErrorCode = "TIMEOUT"
	ErrorCodeRateLimit    ErrorCode = "RATE_LIMIT"

	// Ошибки правил
	ErrorCodeRuleInvalid     ErrorCode = "RULE_INVALID"
	ErrorCodeRuleParseFailed ErrorCode = "RULE_PARSE_FAILED"
	ErrorCodeRuleNotFound    ErrorCode = "RULE_NOT_FOUND"
	ErrorCodeRuleInUse       ErrorCode = "RULE_IN_USE"
	ErrorCodeRuleDisabled    ErrorCode = "RULE_DISABLED"
	ErrorCodeRuleBusy        ErrorCode = "RULE_BUSY"

	// Ошибки выполнений
	ErrorCodeExecutionNotFound      ErrorCode = "EXECUTION_NOT_FOUND"
	ErrorCodeInvalidTransition      ErrorCode = "INVALID_TRANSITION"
	ErrorCodeActionFailed           ErrorCode = "ACTION_FAILED"
	ErrorCodeActionTimeout          ErrorCode = "ACTION_TIMEOUT"
	ErrorCodeQueueFull              ErrorCode = "QUEUE_FULL"
	ErrorCodeRollbackNotAllowed     ErrorCode = "ROLLBACK_NOT_ALLOWED"
	ErrorCodeBackendUnavailable     ErrorCode = "BACKEND_UNAVAILABLE"
	ErrorCodeUnsupportedAction      ErrorCode = "UNSUPPORTED_ACTION"

	// Ошибки согласований
	ErrorCodeApprovalNotFound  ErrorCode = "APPROVAL_NOT_FOUND"
	ErrorCodeApprovalDecided   ErrorCode = "APPROVAL_ALREADY_DECIDED"
	ErrorCodeApproverNotListed ErrorCode = "APPROVER_NOT_LISTED"

	// Ошибки уведомлений
	ErrorCodeNotificationFailed ErrorCode = "NOTIFICATION_FAILED"
	ErrorCodeChannelUnknown     ErrorCode = "CHANNEL_UNKNOWN"

	// Ошибки конфигурационных файлов
	ErrorCodeConfigLocked       ErrorCode = "CONFIG_LOCKED"
	ErrorCodeConfigHashMismatch ErrorCode = "CONFIG_HASH_MISMATCH"
	ErrorCodeConfigFormat       ErrorCode = "CONFIG_FORMAT_INVALID"

	// Ошибки базы данных
	ErrorCodeDBConnection ErrorCode = "DB_CONNECTION_ERROR"
	ErrorCodeDBQuery      ErrorCode = "DB_QUERY_ERROR"

	// Ошибки NATS
	ErrorCodeNATSConnection ErrorCode = "NATS_CONNECTION_ERROR"
	ErrorCodeNATSPublish    ErrorCode = "NATS_PUBLISH_ERROR"
	ErrorCodeNATSSubscribe  ErrorCode = "NATS_SUBSCRIBE_ERROR"
	ErrorCodeNATSRequest    ErrorCode = "NATS_REQUEST_ERROR"

	// Ошибки ClickHouse
	ErrorCodeCHConnection ErrorCode = "CH_CONNECTION_ERROR"
	ErrorCodeCHInsert     ErrorCode = "CH_INSERT_ERROR"

	// Ошибки Redis
	ErrorCodeRedisConnection ErrorCode = "REDIS_CONNECTION_ERROR"
	ErrorCodeRedisCommand    ErrorCode = "REDIS_COMMAND_ERROR"
)

// AutoOpsError представляет ошибку сервиса автоматизации
type AutoOpsError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Internal   error                  `json:"-"`
	StatusCode int                    `json:"status_code"`
}

// Error возвращает строковое представление ошибки // v1.0
func (e *AutoOpsError) Error() string {
	if e.Internal != nil {
		return fmt.Sprintf("%s: %s (internal: %v)", e.Code, e.Message, e.Internal)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap возвращает внутреннюю ошибку // v1.0
func (e *AutoOpsError) Unwrap() error {
	return e.Internal
}

// Is сравнивает ошибки по коду, чтобы errors.Is работал с шаблонами // v1.0
func (e *AutoOpsError) Is(target error) bool {
	t, ok := target.(*AutoOpsError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New создает новую ошибку // v1.0
func New(code ErrorCode, message string) *AutoOpsError {
	return &AutoOpsError{
		Code:       code,
		Message:    message,
		Details:    make(map[string]interface{}),
		StatusCode: getStatusCode(code),
	}
}

// Newf создает новую ошибку с форматированием // v1.0
func Newf(code ErrorCode, format string, args ...interface{}) *AutoOpsError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap оборачивает существующую ошибку // v1.0
func Wrap(err error, code ErrorCode, message string) *AutoOpsError {
	return &AutoOpsError{
		Code:       code,
		Message:    message,
		Internal:   err,
		Details:    make(map[string]interface{}),
		StatusCode: getStatusCode(code),
	}
}

// AddDetail добавляет деталь к ошибке // v1.0
func (e *AutoOpsError) AddDetail(key string, value interface{}) *AutoOpsError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// AddDetails добавляет несколько деталей к ошибке // v1.0
func (e *AutoOpsError) AddDetails(details map[string]interface{}) *AutoOpsError {
	for k, v := range details {
		e.AddDetail(k, v)
	}
	return e
}

// IsErrorCode проверяет, является ли ошибка (или любая из обернутых) определенного кода // v1.0
func IsErrorCode(err error, code ErrorCode) bool {
	var autoErr *AutoOpsError
	if stderrors.As(err, &autoErr) {
		return autoErr.Code == code
	}
	return false
}

// As обертка над errors.As, чтобы вызывающим не импортировать оба пакета
func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}

// GetErrorCode возвращает код ошибки // v1.0
func GetErrorCode(err error) ErrorCode {
	var autoErr *AutoOpsError
	if stderrors.As(err, &autoErr) {
		return autoErr.Code
	}
	return ErrorCodeInternal
}

// StatusCode возвращает HTTP статус для произвольной ошибки // v1.0
func StatusCode(err error) int {
	var autoErr *AutoOpsError
	if stderrors.As(err, &autoErr) {
		return autoErr.StatusCode
	}
	return http.StatusInternalServerError
}

// getStatusCode возвращает HTTP статус код для кода ошибки // v1.0
func getStatusCode(code ErrorCode) int {
	switch code {
	case ErrorCodeValidation, ErrorCodeRuleInvalid, ErrorCodeRuleParseFailed,
		ErrorCodeConfigFormat, ErrorCodeUnsupportedAction:
		return http.StatusBadRequest
	case ErrorCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrorCodeForbidden, ErrorCodeApproverNotListed:
		return http.StatusForbidden
	case ErrorCodeNotFound, ErrorCodeRuleNotFound, ErrorCodeExecutionNotFound, ErrorCodeApprovalNotFound:
		return http.StatusNotFound
	case ErrorCodeConflict, ErrorCodeRuleInUse, ErrorCodeRuleBusy, ErrorCodeInvalidTransition,
		ErrorCodeApprovalDecided, ErrorCodeConfigLocked, ErrorCodeConfigHashMismatch,
		ErrorCodeRollbackNotAllowed, ErrorCodeRuleDisabled:
		return http.StatusConflict
	case ErrorCodeRateLimit, ErrorCodeQueueFull:
		return http.StatusTooManyRequests
	case ErrorCodeTimeout, ErrorCodeActionTimeout:
		return http.StatusRequestTimeout
	case ErrorCodeBackendUnavailable:
		return http.StatusServiceUnavailable
	case ErrorCodeActionFailed, ErrorCodeNotificationFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ValidationError создает ошибку валидации // v1.0
func ValidationError(field, message string) *AutoOpsError {
	return New(ErrorCodeValidation, fmt.Sprintf("validation failed for field '%s': %s", field, message)).
		AddDetail("field", field)
}

// NotFoundError создает ошибку "не найдено" // v1.0
func NotFoundError(resource, id string) *AutoOpsError {
	return New(ErrorCodeNotFound, fmt.Sprintf("%s with id '%s' not found", resource, id))
}

// RuleNotFound создает ошибку отсутствующего правила // v1.0
func RuleNotFound(id string) *AutoOpsError {
	return New(ErrorCodeRuleNotFound, fmt.Sprintf("rule with id '%s' not found", id))
}

// ExecutionNotFound создает ошибку отсутствующего выполнения // v1.0
func ExecutionNotFound(id string) *AutoOpsError {
	return New(ErrorCodeExecutionNotFound, fmt.Sprintf("execution with id '%s' not found", id))
}

// InvalidTransition создает ошибку недопустимого перехода статуса // v1.0
func InvalidTransition(id, from, to string) *AutoOpsError {
	return New(ErrorCodeInvalidTransition, fmt.Sprintf("execution '%s' cannot move from %s to %s", id, from, to)).
		AddDetails(map[string]interface{}{"from": from, "to": to})
}

// UnauthorizedError создает ошибку авторизации // v1.0
func UnauthorizedError(message string) *AutoOpsError {
	if message == "" {
		message = "authentication required"
	}
	return New(ErrorCodeUnauthorized, message)
}

// ConflictError создает ошибку конфликта // v1.0
func ConflictError(resource, reason string) *AutoOpsError {
	return New(ErrorCodeConflict, fmt.Sprintf("conflict with %s: %s", resource, reason))
}

// TimeoutError создает ошибку таймаута // v1.0
func TimeoutError(operation string, duration string) *AutoOpsError {
	return New(ErrorCodeTimeout, fmt.Sprintf("operation '%s' timed out after %s", operation, duration))
}

// InternalError создает внутреннюю ошибку // v1.0
func InternalError(message string) *AutoOpsError {
	return New(ErrorCodeInternal, message)
}

// WrapInternal оборачивает внутреннюю ошибку // v1.0
func WrapInternal(err error, message string) *AutoOpsError {
	return Wrap(err, ErrorCodeInternal, message)
}

// AggregateErrors объединяет несколько ошибок в одну // v1.0
func AggregateErrors(code ErrorCode, errs []error) *AutoOpsError {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		var autoErr *AutoOpsError
		if stderrors.As(errs[0], &autoErr) {
			return autoErr
		}
		return Wrap(errs[0], code, errs[0].Error())
	}

	messages := make([]string, 0, len(errs))
	for _, err := range errs {
		messages = append(messages, err.Error())
	}

	return New(code, fmt.Sprintf("multiple errors occurred: %s", strings.Join(messages, "; "))).
		AddDetail("count", len(errs))
}
