package types

import "errors"

// Stable error kinds. Unavailability is surfaced as a handle state
// transition plus an event, not as an error; ErrUnavailable is returned
// only by Handle.AwaitDoc, when the handle is deleted while waiting.
var (
	ErrProtocolViolation = errors.New("synchronizer: protocol violation")
	ErrUnavailable       = errors.New("synchronizer: document unavailable")
	ErrStorageFailure    = errors.New("synchronizer: storage failure")
	ErrNetworkNotReady   = errors.New("synchronizer: network not ready")
	ErrInvalidURL        = errors.New("synchronizer: invalid document url")
	ErrCloneNotReady     = errors.New("synchronizer: source handle not ready")
)
