package fcgisrv

import "golang.org/x/sys/unix"

// setCork toggles TCP_CORK on fd. It is a best-effort optimization: an
// error (e.g. the fd is not a TCP socket) is swallowed by the caller.
func setCork(fd int, on bool) error {
	v := 0
	if on {
		v = 1
	}
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_CORK, v)
}
