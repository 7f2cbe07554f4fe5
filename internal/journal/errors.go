package journal

import "errors"

var (
	// ErrNotFound indicates that no record exists for a client token.
	ErrNotFound = errors.New("journal record not found")

	// ErrBackendClosed indicates that the backend is closed.
	ErrBackendClosed = errors.New("journal backend is closed")

	// ErrCorruptRecord indicates that a stored record failed to decode.
	ErrCorruptRecord = errors.New("corrupt journal record")

	// ErrUnknownBackend indicates that no factory is registered under the
	// requested backend name.
	ErrUnknownBackend = errors.New("unknown journal backend")
)
