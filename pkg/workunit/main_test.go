package workunit

import (
	"context"
	"os"
	"syscall"
	"testing"

	"github.com/warptools/sciflo/pkg/jobqueue"
)

func init() {
	RegisterFunction("test.add", func(a, b int) int { return a + b })
	RegisterFunction("test.panic", func() string { panic("operator exploded") })
	RegisterFunction("test.crash", func() string {
		syscall.Kill(os.Getpid(), syscall.SIGKILL)
		select {}
	})
	RegisterFunction("test.chan", func() chan int { return make(chan int) })
	jobqueue.RegisterHandler("test.double", func(ctx context.Context, args []interface{}) (interface{}, error) {
		return args[0].(float64) * 2, nil
	})
}

func TestMain(m *testing.M) {
	RunChildIfRequested()
	os.Exit(m.Run())
}
