package fcgisrv

import "golang.org/x/sys/unix"

// initFD puts fd into non-blocking, close-on-exec mode, mirroring the
// fd_init step every accepted (and the listening) socket goes through
// before the core touches it.
func initFD(fd int) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return wrap(err, ErrProtocolViolation, "set non-blocking")
	}
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	if err != nil {
		return wrap(err, ErrProtocolViolation, "get fd flags")
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFD, flags|unix.FD_CLOEXEC); err != nil {
		return wrap(err, ErrProtocolViolation, "set close-on-exec")
	}
	return nil
}
