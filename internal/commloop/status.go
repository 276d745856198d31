package commloop

import (
	"errors"
	"fmt"
)

// Outcome is the backend's verdict on a frame.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeInvalidIdentity
	OutcomeMalformedPayload
	OutcomeAuthenticationFailed
	OutcomeUnknown
)

// Status bytes defined by the backend.
const (
	StatusOK      byte = 0
	StatusIDBytes byte = 1
	StatusJSON    byte = 2
	StatusAuth    byte = 3
)

var outcomeNames = map[Outcome]string{
	OutcomeSuccess:              "success",
	OutcomeInvalidIdentity:      "invalid_identity",
	OutcomeMalformedPayload:     "malformed_payload",
	OutcomeAuthenticationFailed: "authentication_failed",
	OutcomeUnknown:              "unknown_backend_error",
}

func (o Outcome) String() string {
	if name, ok := outcomeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Interpret maps a status byte to an Outcome. Unassigned codes map to
// OutcomeUnknown so newer backends never break older relays.
func Interpret(code byte) Outcome {
	switch code {
	case StatusOK:
		return OutcomeSuccess
	case StatusIDBytes:
		return OutcomeInvalidIdentity
	case StatusJSON:
		return OutcomeMalformedPayload
	case StatusAuth:
		return OutcomeAuthenticationFailed
	default:
		return OutcomeUnknown
	}
}

var (
	ErrInvalidIdentity      = errors.New("commloop: backend rejected identity bytes")
	ErrMalformedPayload     = errors.New("commloop: backend could not parse payload")
	ErrAuthenticationFailed = errors.New("commloop: backend rejected authentication tag")
	ErrUnknownBackend       = errors.New("commloop: unknown backend error")
	ErrTransport            = errors.New("commloop: transport failure")
)

func (o Outcome) sentinel() error {
	switch o {
	case OutcomeInvalidIdentity:
		return ErrInvalidIdentity
	case OutcomeMalformedPayload:
		return ErrMalformedPayload
	case OutcomeAuthenticationFailed:
		return ErrAuthenticationFailed
	case OutcomeSuccess:
		return nil
	default:
		return ErrUnknownBackend
	}
}

// BackendError is returned when the backend answers with a non-success code.
type BackendError struct {
	Outcome Outcome
	Code    byte
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%v (status %d)", e.Outcome.sentinel(), e.Code)
}

func (e *BackendError) Unwrap() error {
	return e.Outcome.sentinel()
}

// Err converts a status byte into an error, nil on success.
func Err(code byte) error {
	outcome := Interpret(code)
	if outcome == OutcomeSuccess {
		return nil
	}
	return &BackendError{Outcome: outcome, Code: code}
}

// TransportError wraps an I/O failure talking to the backend.
type TransportError struct {
	Op   string
	Addr string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("commloop %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// Classify returns a stable label for err, suitable for logs and metrics.
func Classify(err error) string {
	var backendErr *BackendError
	var transportErr *TransportError
	switch {
	case err == nil:
		return OutcomeSuccess.String()
	case errors.As(err, &transportErr):
		return "transport_failure"
	case errors.As(err, &backendErr):
		return backendErr.Outcome.String()
	case errors.Is(err, ErrInvalidMsg), errors.Is(err, ErrEncode):
		return "encode_failure"
	default:
		return "error"
	}
}
