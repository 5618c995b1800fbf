package collab

import (
	"errors"
)

// failure taxonomy. Nothing in this package is allowed to crash the
// host process; all failure paths degrade to "stop syncing, keep local
// editing available".

// the caller lacks write or view rights. Raised synchronously from
// Enable and SendChatMessage before any channel i/o is attempted.
var ErrPermission = errors.New("permission denied")

// the caller's action quota is exhausted. Recoverable by waiting.
var ErrRateLimited = errors.New("rate limit exceeded")

// channel append or subscribe failure. Retried with backoff at the
// batcher level and surfaced as a non-fatal sync status indicator.
var ErrTransport = errors.New("transport error")

// the session is not in a state that allows the call
var ErrNotConnected = errors.New("not connected")

var ErrClosed = errors.New("closed")
