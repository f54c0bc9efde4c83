package scifloapp_test

import (
	"os"
	"testing"

	"github.com/warptools/sciflo/app/testutil"
	"github.com/warptools/sciflo/pkg/workunit"
)

func TestMain(m *testing.M) {
	workunit.RunChildIfRequested()
	os.Exit(m.Run())
}

func TestCLI(t *testing.T) {
	testutil.TestCLIFixtures(t, "testdata/cli.md")
}
