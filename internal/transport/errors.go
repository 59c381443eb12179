package transport

import "errors"

// errSendFailed is the default injected failure for FailNextSends.
var errSendFailed = errors.New("simulated send failure")
