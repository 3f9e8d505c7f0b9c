//go:build !linux

package fcgisrv

import "errors"

// setCork is a no-op on platforms without TCP_CORK (e.g. BSD/macOS use
// TCP_NOPUSH for a similar effect, which isn't wired here since it has
// different flush semantics). Callers treat any error as "skip corking".
func setCork(fd int, on bool) error {
	return errCorkUnsupported
}

var errCorkUnsupported = errors.New("fcgisrv: cork unsupported on this platform")
