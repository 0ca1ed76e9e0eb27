package domain

import (
	"errors"
	"fmt"
)

// Application errors
var (
	// ErrNotFound запись не найдена
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate дубликат записи
	ErrDuplicate = errors.New("duplicate record")

	// ErrInvalidInput неверные входные данные
	ErrInvalidInput = errors.New("invalid input data")

	// ErrUnauthenticated запрос не прошёл проверку подлинности
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrStorage ошибка постоянного хранилища
	ErrStorage = errors.New("storage failure")

	// ErrUnknownProvider провайдер вебхуков не настроен
	ErrUnknownProvider = errors.New("unknown webhook provider")
)

// AuthenticationError ошибка проверки подписи или токена вебхука.
// Reason пишется только в лог и никогда не уходит отправителю.
type AuthenticationError struct {
	Provider string
	Reason   string
}

// Error реализует интерфейс error
func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("webhook authentication failed for provider %s: %s", e.Provider, e.Reason)
}

// Is позволяет сравнивать с ErrUnauthenticated
func (e *AuthenticationError) Is(target error) bool {
	return target == ErrUnauthenticated
}

// NewAuthenticationError создает новую ошибку аутентификации
func NewAuthenticationError(provider, reason string) *AuthenticationError {
	return &AuthenticationError{Provider: provider, Reason: reason}
}

// ValidationError представляет ошибку валидации
type ValidationError struct {
	Field   string
	Message string
}

// ValidationErrors представляет набор ошибок валидации
type ValidationErrors []ValidationError

// Error реализует интерфейс error
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}

	if len(e) == 1 {
		return fmt.Sprintf("validation failed: %s - %s", e[0].Field, e[0].Message)
	}

	return fmt.Sprintf("validation failed: %d errors", len(e))
}

// Is позволяет сравнивать с ErrInvalidInput
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidInput
}

// Add добавляет ошибку валидации
func (e *ValidationErrors) Add(field, message string) {
	*e = append(*e, ValidationError{Field: field, Message: message})
}

// HasErrors проверяет наличие ошибок
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Fields возвращает список полей с ошибками
func (e ValidationErrors) Fields() []string {
	fields := make([]string, len(e))
	for i, err := range e {
		fields[i] = err.Field
	}
	return fields
}

// ConflictError повторная доставка уже обработанного события.
// Не терминальная: обработчик отвечает как на успешный no-op.
type ConflictError struct {
	Entity string
	Key    string
}

// Error реализует интерфейс error
func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s with key '%s' already exists", e.Entity, e.Key)
}

// Is проверяет, является ли ошибка ошибкой дубликата
func (e *ConflictError) Is(target error) bool {
	return target == ErrDuplicate
}

// NewConflictError создает новую ошибку конфликта
func NewConflictError(entity, key string) *ConflictError {
	return &ConflictError{Entity: entity, Key: key}
}

// StorageError сбой записи или чтения в хранилище
type StorageError struct {
	Op  string
	Err error
}

// Error реализует интерфейс error
func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error during %s: %v", e.Op, e.Err)
}

// Unwrap возвращает оригинальную ошибку
func (e *StorageError) Unwrap() error {
	return e.Err
}

// Is позволяет сравнивать с ErrStorage
func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

// NewStorageError оборачивает ошибку хранилища. Уже обёрнутые ошибки и
// доменные сентинелы возвращаются как есть.
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorage) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrDuplicate) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// NotFoundError представляет ошибку "не найдено"
type NotFoundError struct {
	Entity string
	ID     string
}

// Error реализует интерфейс error
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s with ID %s not found", e.Entity, e.ID)
}

// Is проверяет, является ли ошибка ошибкой типа "не найдено"
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// NewNotFoundError создает новую ошибку "не найдено"
func NewNotFoundError(entity, id string) *NotFoundError {
	return &NotFoundError{
		Entity: entity,
		ID:     id,
	}
}
