package orderstore

import (
	"errors"
	"fmt"
)

// ErrUnavailable is returned while the circuit breaker is open.
var ErrUnavailable = errors.New("order store unavailable")

type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("order store error (%d): %s", e.Status, e.Message)
}
