//go:build linux

package healthcheck

import (
	"syscall"

	"github.com/serum-errors/go-serum"
	"golang.org/x/sys/unix"
)

func executionAccess(path string) error {
	if err := unix.Access(path, unix.X_OK); err != nil {
		return serum.Error(CodeRunFailure, serum.WithCause(err),
			serum.WithMessageTemplate("sciflo does not have execution access to file {{path|q}}"),
			serum.WithDetail("path", path),
		)
	}
	return nil
}

type utsname syscall.Utsname

func uname() (*utsname, error) {
	var u utsname
	if err := syscall.Uname((*syscall.Utsname)(&u)); err != nil {
		return nil, serum.Error(CodeRunFailure, serum.WithCause(err),
			serum.WithMessageLiteral("uname syscall failed"),
		)
	}
	return &u, nil
}
