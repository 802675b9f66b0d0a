package janus

import (
	"fmt"
	"time"
)

// ErrorCategory категории ошибок для классификации
type ErrorCategory string

const (
	// Ошибки доставки: шлюз недоступен или соединение потеряно
	ErrorCategoryTransport ErrorCategory = "TRANSPORT"
	ErrorCategoryTimeout   ErrorCategory = "TIMEOUT"

	// Ошибки протокола: шлюз отверг запрос или прислал неожиданный кадр
	ErrorCategoryProtocol   ErrorCategory = "PROTOCOL"
	ErrorCategoryAddressing ErrorCategory = "ADDRESSING"

	// Ошибки согласования медиа
	ErrorCategoryNegotiation ErrorCategory = "NEGOTIATION"

	// Ошибки состояния и конфигурации клиента
	ErrorCategoryState  ErrorCategory = "STATE"
	ErrorCategoryConfig ErrorCategory = "CONFIG"
)

// String возвращает строковое представление категории ошибки
func (ec ErrorCategory) String() string {
	return string(ec)
}

// ErrorSeverity уровни критичности ошибок
type ErrorSeverity string

const (
	ErrorSeverityCritical ErrorSeverity = "CRITICAL" // Критичная ошибка, сессия не может продолжать работу
	ErrorSeverityError    ErrorSeverity = "ERROR"    // Серьезная ошибка, операция не может быть завершена
	ErrorSeverityWarning  ErrorSeverity = "WARNING"  // Предупреждение, работа может быть продолжена
	ErrorSeverityInfo     ErrorSeverity = "INFO"     // Информационное сообщение
)

// String возвращает строковое представление уровня критичности
func (es ErrorSeverity) String() string {
	return string(es)
}

// SignalError структурированная ошибка сигнального клиента.
//
// Все пути отказа возвращают ошибку этого типа: транспортные сбои,
// отказы шлюза, нарушения согласования и неверные состояния. Числовой
// код шлюза (если отказ пришел с той стороны) сохраняется в GatewayCode.
type SignalError struct {
	// Основная информация об ошибке
	Code     string        `json:"code"`     // Уникальный код ошибки
	Message  string        `json:"message"`  // Человекочитаемое сообщение
	Category ErrorCategory `json:"category"` // Категория ошибки
	Severity ErrorSeverity `json:"severity"` // Уровень критичности

	// Контекст ошибки
	SessionID   uint64    `json:"session_id,omitempty"` // Сессия, в которой произошла ошибка
	HandleID    uint64    `json:"handle_id,omitempty"`  // Обработчик, если применимо
	GatewayCode int       `json:"gateway_code,omitempty"`
	Timestamp   time.Time `json:"timestamp"`

	// Дополнительные поля
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Cause     error                  `json:"cause,omitempty"`
	Retryable bool                   `json:"retryable"`
}

// Error реализует интерфейс error
func (e *SignalError) Error() string {
	if e.HandleID != 0 {
		return fmt.Sprintf("[%s:%s] %s (session=%d handle=%d)", e.Category, e.Code, e.Message, e.SessionID, e.HandleID)
	}
	if e.SessionID != 0 {
		return fmt.Sprintf("[%s:%s] %s (session=%d)", e.Category, e.Code, e.Message, e.SessionID)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap позволяет использовать errors.Is и errors.As
func (e *SignalError) Unwrap() error {
	return e.Cause
}

// WithField добавляет дополнительное поле к ошибке
func (e *SignalError) WithField(key string, value interface{}) *SignalError {
	if e.Fields == nil {
		e.Fields = make(map[string]interface{})
	}
	e.Fields[key] = value
	return e
}

// WithCause добавляет исходную ошибку
func (e *SignalError) WithCause(cause error) *SignalError {
	e.Cause = cause
	return e
}

// WithSession привязывает ошибку к сессии
func (e *SignalError) WithSession(sessionID uint64) *SignalError {
	e.SessionID = sessionID
	return e
}

// WithHandle привязывает ошибку к обработчику
func (e *SignalError) WithHandle(sessionID, handleID uint64) *SignalError {
	e.SessionID = sessionID
	e.HandleID = handleID
	return e
}

// IsRetryable проверяет, можно ли повторить операцию
func (e *SignalError) IsRetryable() bool {
	return e.Retryable
}

// NewSignalError создает новую структурированную ошибку
func NewSignalError(code, message string, category ErrorCategory, severity ErrorSeverity) *SignalError {
	return &SignalError{
		Code:      code,
		Message:   message,
		Category:  category,
		Severity:  severity,
		Timestamp: time.Now(),
		Fields:    make(map[string]interface{}),
	}
}

// Предопределенные ошибки для частых случаев

// Transport-related errors

// ErrGatewayUnreachable шлюз не отвечает на уровне доставки
func ErrGatewayUnreachable(server string, cause error) *SignalError {
	err := NewSignalError(
		"GATEWAY_UNREACHABLE",
		fmt.Sprintf("Шлюз недоступен: %s", server),
		ErrorCategoryTransport,
		ErrorSeverityCritical,
	).WithField("server", server).WithCause(cause)
	err.Retryable = true
	return err
}

// ErrConnectionLost соединение со шлюзом потеряно без возможности восстановления
func ErrConnectionLost(reason string, cause error) *SignalError {
	err := NewSignalError(
		"CONNECTION_LOST",
		fmt.Sprintf("Соединение со шлюзом потеряно: %s", reason),
		ErrorCategoryTransport,
		ErrorSeverityCritical,
	).WithField("reason", reason).WithCause(cause)
	err.Retryable = true
	return err
}

// ErrSessionTimedOut шлюз уничтожил сессию по неактивности
func ErrSessionTimedOut(sessionID uint64) *SignalError {
	err := NewSignalError(
		"SESSION_TIMED_OUT",
		"Шлюз уничтожил сессию по таймауту неактивности",
		ErrorCategoryTimeout,
		ErrorSeverityCritical,
	).WithSession(sessionID)
	err.Retryable = true
	return err
}

// ErrRequestTimeout ответ на запрос не пришел за отведенное время
func ErrRequestTimeout(kind MessageKind, timeout time.Duration) *SignalError {
	err := NewSignalError(
		"REQUEST_TIMEOUT",
		fmt.Sprintf("Таймаут запроса %s через %v", kind, timeout),
		ErrorCategoryTimeout,
		ErrorSeverityError,
	).WithField("kind", kind.String()).WithField("timeout", timeout.String())
	err.Retryable = true
	return err
}

// ErrTransactionAborted ожидание ответа прервано потерей соединения
func ErrTransactionAborted(token string, cause error) *SignalError {
	return NewSignalError(
		"TRANSACTION_ABORTED",
		"Ожидание ответа шлюза прервано",
		ErrorCategoryTransport,
		ErrorSeverityError,
	).WithField("transaction", token).WithCause(cause)
}

// Protocol-related errors

// ErrGatewayRejected шлюз отверг запрос кадром вида error
func ErrGatewayRejected(code int, reason string) *SignalError {
	err := NewSignalError(
		"GATEWAY_REJECTED",
		fmt.Sprintf("Шлюз отверг запрос: %d %s", code, reason),
		ErrorCategoryProtocol,
		ErrorSeverityError,
	).WithField("gateway_reason", reason)
	err.GatewayCode = code
	return err
}

// ErrMalformedFrame шлюз прислал кадр, который не удалось разобрать
func ErrMalformedFrame(cause error) *SignalError {
	return NewSignalError(
		"MALFORMED_FRAME",
		"Кадр шлюза не разобран",
		ErrorCategoryProtocol,
		ErrorSeverityError,
	).WithCause(cause)
}

// Addressing-related errors

// ErrUnknownSender событие адресовано несуществующему обработчику
func ErrUnknownSender(sessionID, sender uint64) *SignalError {
	return NewSignalError(
		"UNKNOWN_SENDER",
		fmt.Sprintf("Событие от неизвестного обработчика %d", sender),
		ErrorCategoryAddressing,
		ErrorSeverityWarning,
	).WithHandle(sessionID, sender)
}

// State-related errors

// ErrSessionNotConnected операция требует установленной сессии
func ErrSessionNotConnected(operation string) *SignalError {
	return NewSignalError(
		"SESSION_NOT_CONNECTED",
		fmt.Sprintf("Нельзя выполнить операцию '%s' без установленной сессии", operation),
		ErrorCategoryState,
		ErrorSeverityError,
	).WithField("operation", operation)
}

// ErrSessionConnecting установление сессии уже идет
func ErrSessionConnecting() *SignalError {
	return NewSignalError(
		"SESSION_CONNECTING",
		"Установление сессии уже выполняется",
		ErrorCategoryState,
		ErrorSeverityError,
	)
}

// ErrSessionClosed ожидание прервано закрытием сессии
func ErrSessionClosed(sessionID uint64) *SignalError {
	return NewSignalError(
		"SESSION_CLOSED",
		"Сессия закрыта",
		ErrorCategoryState,
		ErrorSeverityInfo,
	).WithSession(sessionID)
}

// ErrHandleDetached операция на отключенном обработчике
func ErrHandleDetached(operation string) *SignalError {
	return NewSignalError(
		"HANDLE_DETACHED",
		fmt.Sprintf("Нельзя выполнить операцию '%s': обработчик отключен", operation),
		ErrorCategoryState,
		ErrorSeverityError,
	).WithField("operation", operation)
}

// Negotiation-related errors

// ErrNoRemoteDescription ответ невозможен без удаленного предложения
func ErrNoRemoteDescription(operation string) *SignalError {
	return NewSignalError(
		"NO_REMOTE_DESCRIPTION",
		fmt.Sprintf("Операция '%s' требует удаленного дескриптора", operation),
		ErrorCategoryNegotiation,
		ErrorSeverityError,
	).WithField("operation", operation)
}

// ErrNoMediaSession операция требует установленной медиасессии
func ErrNoMediaSession(operation string) *SignalError {
	return NewSignalError(
		"NO_MEDIA_SESSION",
		fmt.Sprintf("Операция '%s' требует установленной медиасессии", operation),
		ErrorCategoryState,
		ErrorSeverityError,
	).WithField("operation", operation)
}

// ErrEngineFailure медиадвижок отверг операцию
func ErrEngineFailure(operation string, cause error) *SignalError {
	return NewSignalError(
		"ENGINE_FAILURE",
		fmt.Sprintf("Медиадвижок отверг операцию '%s'", operation),
		ErrorCategoryNegotiation,
		ErrorSeverityError,
	).WithField("operation", operation).WithCause(cause)
}

// ErrNoEngineFactory согласование невозможно без фабрики медиадвижка
func ErrNoEngineFactory(operation string) *SignalError {
	return NewSignalError(
		"NO_ENGINE_FACTORY",
		fmt.Sprintf("Операция '%s' требует фабрики медиадвижка в конфигурации", operation),
		ErrorCategoryConfig,
		ErrorSeverityError,
	).WithField("operation", operation)
}

// Config-related errors

// ErrInvalidServerURL адрес шлюза не разобран или несет неизвестную схему
func ErrInvalidServerURL(raw string, reason string) *SignalError {
	return NewSignalError(
		"INVALID_SERVER_URL",
		fmt.Sprintf("Неверный адрес шлюза '%s': %s", raw, reason),
		ErrorCategoryConfig,
		ErrorSeverityError,
	).WithField("server", raw).WithField("reason", reason)
}

// ErrInvalidConfig неверное значение поля конфигурации
func ErrInvalidConfig(field string, value interface{}, reason string) *SignalError {
	return NewSignalError(
		"INVALID_CONFIG",
		fmt.Sprintf("Неверная конфигурация поля '%s': %v (%s)", field, value, reason),
		ErrorCategoryConfig,
		ErrorSeverityError,
	).WithField("field", field).WithField("value", value).WithField("reason", reason)
}

// Helper functions

// IsTemporary проверяет, является ли ошибка временной
func IsTemporary(err error) bool {
	if se, ok := err.(*SignalError); ok {
		return se.Retryable
	}

	// Проверяем стандартные типы временных ошибок
	if temp, ok := err.(interface{ Temporary() bool }); ok {
		return temp.Temporary()
	}

	return false
}

// IsCritical проверяет, является ли ошибка критичной
func IsCritical(err error) bool {
	if se, ok := err.(*SignalError); ok {
		return se.Severity == ErrorSeverityCritical
	}
	return false
}

// GetErrorCode извлекает код ошибки
func GetErrorCode(err error) string {
	if se, ok := err.(*SignalError); ok {
		return se.Code
	}
	return "UNKNOWN_ERROR"
}

// GetErrorCategory извлекает категорию ошибки
func GetErrorCategory(err error) ErrorCategory {
	if se, ok := err.(*SignalError); ok {
		return se.Category
	}
	return ErrorCategoryTransport
}

// GetGatewayCode извлекает числовой код отказа шлюза (0, если отказ локальный)
func GetGatewayCode(err error) int {
	if se, ok := err.(*SignalError); ok {
		return se.GatewayCode
	}
	return 0
}

// asSignalError приводит произвольную ошибку к *SignalError, заворачивая
// чужие типы в транспортную категорию
func asSignalError(err error) *SignalError {
	if err == nil {
		return nil
	}
	if se, ok := err.(*SignalError); ok {
		return se
	}
	return NewSignalError(
		"INTERNAL_ERROR",
		err.Error(),
		ErrorCategoryTransport,
		ErrorSeverityError,
	).WithCause(err)
}
