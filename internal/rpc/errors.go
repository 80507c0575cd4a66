package rpc

import "errors"

// errBrowserStopped is the error every outstanding PendingRequest is failed
// with when the supervisor observes a transport-fatal condition or
// performs a shutdown.
var errBrowserStopped = errors.New("Browser stopped")

// ErrBrowserStopped is the exported form for callers that need to match on
// the transport-fatal error with errors.Is.
var ErrBrowserStopped = errBrowserStopped
