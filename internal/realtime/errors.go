package realtime

import (
	"errors"
	"fmt"
)

var (
	errMissingValidator  = errors.New("validator is required")
	errMissingStore      = errors.New("store is required")
	errMissingRegistry   = errors.New("registry is required")
	errMissingDispatcher = errors.New("dispatcher is required")
)

// ServiceError carries an operation.reason code alongside its cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opHubNew    = "realtime.hub.new"
	opPublish   = "realtime.publish"
	opMarkRead  = "realtime.mark_read"
	opPatch     = "realtime.patch"
	opDeliver   = "realtime.deliver"
	opAttach    = "realtime.attach"
	opDetach    = "realtime.detach"
	opJoin      = "realtime.join"
	opHeartbeat = "realtime.heartbeat"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
