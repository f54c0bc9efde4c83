package healthcheck

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"unicode"
	"unsafe"

	"github.com/serum-errors/go-serum"
)

// KernelInfo reports uname fields. Unit supervision relies on process groups
// and signals, so the kernel matters when reading a crash report.
type KernelInfo struct{}

// Run reads the kernel information; it never fails a health check.
//
// Errors:
//
//    - sciflo-error-healthcheck-run-fail -- when the syscall fails
//    - sciflo-error-healthcheck-run-ambiguous -- carries the kernel info
func (k *KernelInfo) Run(ctx context.Context) error {
	u, err := uname()
	if err != nil {
		return err
	}
	return serum.Errorf(CodeRunAmbiguous, "%s", kernelInfoString(u))
}

func (k *KernelInfo) String() string {
	return "Kernel info"
}

func kernelInfoString(u *utsname) string {
	f := strings.Repeat("\t%10s: %s\n", 4)
	f = strings.TrimRightFunc(f, unicode.IsSpace)
	return fmt.Sprintf("\n"+f,
		"Sysname", int8String(u.Sysname[:]),
		"Release", int8String(u.Release[:]),
		"Version", int8String(u.Version[:]),
		"Machine", int8String(u.Machine[:]),
	)
}

func int8String(x []int8) string {
	b := unsafe.Slice((*byte)(unsafe.Pointer(&x[0])), len(x))
	return string(bytes.TrimRight(b, "\x00"))
}
