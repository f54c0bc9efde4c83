package executor

import (
	"errors"
	"os"
	"testing"
	"unsafe"

	"github.com/warptools/sciflo/pkg/workunit"
)

func init() {
	workunit.RegisterFunction("test.fail", func(x int) (int, error) {
		return 0, errors.New("B exploded")
	})
	workunit.RegisterFunction("test.count", func(log string, v int) (int, error) {
		f, err := os.OpenFile(log, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return 0, err
		}
		defer f.Close()
		_, err = f.WriteString("ran\n")
		return v, err
	})
	workunit.RegisterFunction("test.flaky", func(marker string) (string, error) {
		if _, err := os.Stat(marker); os.IsNotExist(err) {
			os.WriteFile(marker, []byte("seen"), 0644)
			return "", errors.New("not yet")
		}
		return "steady", nil
	})
	workunit.RegisterFunction("test.segv", func() string {
		// an address above the nil page faults fatally instead of panicking
		*(*int)(unsafe.Pointer(uintptr(0x7ff0deadbee0))) = 1
		return "unreachable"
	})
}

func TestMain(m *testing.M) {
	workunit.RunChildIfRequested()
	os.Exit(m.Run())
}
