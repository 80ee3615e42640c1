package client

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound matches a 404: no such entry, chain or snapshot.
	ErrNotFound = errors.New("not found")

	// ErrConflict matches a 409: the chain was busy. Safe to retry with the
	// same idempotency key.
	ErrConflict = errors.New("chain busy")

	// ErrImmutable matches a 405: entries cannot be changed.
	ErrImmutable = errors.New("entries are append-only")

	// ErrBrokenChain matches a 422: the chain failed verification.
	ErrBrokenChain = errors.New("chain integrity broken")
)

// APIError is a non-2xx response from the ledger API.
type APIError struct {
	StatusCode int
	Message    string
	// Field names the rejected request field on a 400, if the server said.
	Field string
}

func (e *APIError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("ledger api %d: %s (field %s)", e.StatusCode, e.Message, e.Field)
	}
	return fmt.Sprintf("ledger api %d: %s", e.StatusCode, e.Message)
}

// Is lets errors.Is match an APIError against the package sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrConflict:
		return e.StatusCode == http.StatusConflict
	case ErrImmutable:
		return e.StatusCode == http.StatusMethodNotAllowed
	case ErrBrokenChain:
		return e.StatusCode == http.StatusUnprocessableEntity
	}
	return false
}
