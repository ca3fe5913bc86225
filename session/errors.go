package session

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionRejected is reported when a peer or the transport declines a connection.
	ErrConnectionRejected = errors.New("connection rejected")
	// ErrNoActivePeer is returned by Send when no peer session is active.
	ErrNoActivePeer = errors.New("no active peer")
	// ErrPermissionDenied means the host refused a capability needed to start.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrSearchFailed is reported when advertising or discovery could not be started.
	ErrSearchFailed = errors.New("search failed")
	// ErrConnectTimeout is reported when a connection attempt did not resolve in time.
	ErrConnectTimeout = errors.New("connection attempt timed out")
)

// EndpointError ties a failure to the endpoint it happened on.
type EndpointError struct {
	EndpointID string
	Err        error
}

func (e *EndpointError) Error() string {
	return fmt.Sprintf("endpoint %s: %v", e.EndpointID, e.Err)
}

func (e *EndpointError) Unwrap() error {
	return e.Err
}

// rejected makes sure a failed connection result matches ErrConnectionRejected.
func rejected(endpointID string, err error) error {
	switch {
	case err == nil:
		err = ErrConnectionRejected
	case !errors.Is(err, ErrConnectionRejected):
		err = fmt.Errorf("%w: %w", ErrConnectionRejected, err)
	}
	return &EndpointError{EndpointID: endpointID, Err: err}
}
