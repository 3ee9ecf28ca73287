package relay

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidSubscription is returned when a Subscription misses a required field.
	ErrInvalidSubscription = errors.New("invalid subscription")

	ErrServerRejected      = errors.New("webhook rejected by server")
	ErrNoResponse          = errors.New("webhook got no response")
	ErrRequestConstruction = errors.New("webhook request could not be sent")
)

// DeliveryFailure classifies why a delivery attempt did not succeed.
type DeliveryFailure string

const (
	// FailureServerRejected: the target answered with a non-2xx status.
	FailureServerRejected DeliveryFailure = "server_rejected"
	// FailureNoResponse: the request went out but no response arrived (network error, timeout).
	FailureNoResponse DeliveryFailure = "no_response"
	// FailureRequestConstruction: the request could not be built or sent at all.
	FailureRequestConstruction DeliveryFailure = "request_construction_failed"
)

// DeliveryError describes a failed webhook attempt.
type DeliveryError struct {
	Kind       DeliveryFailure
	StatusCode int
	Body       string
	Err        error
}

func (e *DeliveryError) Error() string {
	switch e.Kind {
	case FailureServerRejected:
		return fmt.Sprintf("%s: status %d", ErrServerRejected, e.StatusCode)
	case FailureNoResponse:
		return fmt.Sprintf("%s: %v", ErrNoResponse, e.Err)
	default:
		return fmt.Sprintf("%s: %v", ErrRequestConstruction, e.Err)
	}
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Is lets callers match a DeliveryError against the sentinel of its kind.
func (e *DeliveryError) Is(target error) bool {
	switch target {
	case ErrServerRejected:
		return e.Kind == FailureServerRejected
	case ErrNoResponse:
		return e.Kind == FailureNoResponse
	case ErrRequestConstruction:
		return e.Kind == FailureRequestConstruction
	}
	return false
}

// ResponseReceived reports whether the target produced an HTTP response.
func (e *DeliveryError) ResponseReceived() bool {
	return e.Kind == FailureServerRejected
}
