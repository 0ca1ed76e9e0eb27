package req

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"
)

// ErrBodyTooLarge is returned when the request body exceeds the configured limit.
var ErrBodyTooLarge = errors.New("request body too large")

var validate = validator.New()

// ReadRaw reads the exact request bytes, up to max. Signature checks must run
// on these bytes, never on a re-encoded document.
func ReadRaw(r *http.Request, max int64) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, max+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > max {
		return nil, ErrBodyTooLarge
	}
	return body, nil
}

// IsValid валидирует структуру типа T.
func IsValid[T any](payload T) error {
	return validate.Struct(payload)
}

// IsValidVar validates a single value against a tag expression, e.g. "required,email".
func IsValidVar(value any, tag string) error {
	return validate.Var(value, tag)
}
