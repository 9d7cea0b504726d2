package remote

import (
	"errors"
	"fmt"
)

// ErrMalformedRecord is returned when a payload fails shape validation.
var ErrMalformedRecord = errors.New("malformed record")

// TransportError reports a failed subscription or write against the store.
type TransportError struct {
	Op  string
	Key string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Key, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransport reports whether err is (or wraps) a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
