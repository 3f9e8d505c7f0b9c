package fcgisrv

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Embedders match against these with errors.Is;
// the message attached by wrap/wrapWithContext carries the detail.
var (
	ErrProtocolViolation  = errors.New("fcgisrv: protocol violation")
	ErrPeerGone           = errors.New("fcgisrv: peer gone")
	ErrConnClosed         = errors.New("fcgisrv: connection closed")
	ErrTooManyConnections = errors.New("fcgisrv: too many connections")
	ErrServerClosed       = errors.New("fcgisrv: server closed")
)

// wrap enhances errors with contextual information and error classification.
func wrap(err, kind error, msg string) error {
	return fmt.Errorf("%w: %s: %v", kind, msg, err)
}

// wrapWithContext enhances errors with additional debugging context.
func wrapWithContext(err, kind error, msg string, context map[string]interface{}) error {
	if len(context) == 0 {
		return wrap(err, kind, msg)
	}

	var ctxParts []string
	for k, v := range context {
		ctxParts = append(ctxParts, fmt.Sprintf("%s=%v", k, v))
	}
	contextStr := ""
	for i, p := range ctxParts {
		if i > 0 {
			contextStr += " "
		}
		contextStr += p
	}
	return fmt.Errorf("%w: %s (%s): %v", kind, msg, contextStr, err)
}
