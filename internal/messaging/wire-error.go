package messaging

import (
	"errors"
	"fmt"

	msgpack "github.com/vmihailenco/msgpack/v5"

	"github.com/italypaleale/orbit/actor"
)

// Error codes that are sent over the wire.
const (
	ErrorCodeNotOwner         = "not_owner"
	ErrorCodeNoNode           = "no_node"
	ErrorCodeActivationFailed = "activation_failed"
	ErrorCodeNotActivated     = "not_activated"
	ErrorCodeStopping         = "stopping"
	ErrorCodeUnsupported      = "unsupported"
	ErrorCodeMethodNotFound   = "method_not_found"
	ErrorCodeTimeout          = "timeout"
	ErrorCodeApplication      = "application"
)

var wireErrors = []struct {
	code string
	err  error
}{
	{ErrorCodeNotOwner, actor.ErrNotOwner},
	{ErrorCodeNoNode, actor.ErrNoNodeAvailable},
	{ErrorCodeActivationFailed, actor.ErrActivationFailed},
	{ErrorCodeNotActivated, actor.ErrNotActivated},
	{ErrorCodeStopping, actor.ErrStageStopping},
	{ErrorCodeUnsupported, actor.ErrUnsupportedInterface},
	{ErrorCodeMethodNotFound, actor.ErrMethodNotFound},
	{ErrorCodeTimeout, actor.ErrTimeout},
}

// WireError is the payload of error responses.
type WireError struct {
	Code    string `msgpack:"c"`
	Message string `msgpack:"m,omitempty"`
}

// ApplicationError marks an error returned by actor code.
// When sent over the wire, it's always reported with ErrorCodeApplication, even if it wraps a runtime error.
type ApplicationError struct {
	Err error
}

// Error implements the error interface.
func (e ApplicationError) Error() string {
	return e.Err.Error()
}

// Unwrap implements errors.Unwrap.
func (e ApplicationError) Unwrap() error {
	return e.Err
}

// NewWireError returns the WireError for an error.
func NewWireError(err error) WireError {
	var appErr ApplicationError
	if errors.As(err, &appErr) {
		return WireError{Code: ErrorCodeApplication, Message: appErr.Error()}
	}

	for _, we := range wireErrors {
		if errors.Is(err, we.err) {
			return WireError{Code: we.code, Message: err.Error()}
		}
	}

	return WireError{Code: ErrorCodeApplication, Message: err.Error()}
}

// Err returns the error that a WireError represents on the receiving node.
// Runtime errors can be checked with errors.Is against the sentinel errors in the actor package;
// errors returned by actor code are reported as *actor.ApplicationError.
func (w WireError) Err() error {
	for _, we := range wireErrors {
		if w.Code != we.code {
			continue
		}
		if w.Message == "" || w.Message == we.err.Error() {
			return we.err
		}
		return fmt.Errorf("%w (remote: %s)", we.err, w.Message)
	}

	return &actor.ApplicationError{Message: w.Message}
}

// EncodeWireError serializes the WireError for an error.
func EncodeWireError(err error) []byte {
	data, mErr := msgpack.Marshal(NewWireError(err))
	if mErr != nil {
		// Should never happen with a struct of strings
		return nil
	}
	return data
}

// DecodeWireError parses the payload of an error response and returns the error it represents.
func DecodeWireError(data []byte) error {
	var w WireError
	err := msgpack.Unmarshal(data, &w)
	if err != nil {
		return fmt.Errorf("failed to decode error response: %w", err)
	}
	return w.Err()
}
