package testutil

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/serum-errors/go-serum"
	"github.com/warpfork/go-testmark"

	scifloapp "github.com/warptools/sciflo/app"
	"github.com/warptools/sciflo/pkg/config"
)

/*
	Each top-level section of a fixture file is one CLI scenario:

	  - fs/NAME -- files written into a fresh directory that the command runs in.
	  - args -- the command line, split on whitespace.
	  - output -- stdout, compared exactly after cleanOutput.
	  - contains -- lines that must each appear somewhere in stdout.
	  - exitcode -- expected exit code; 0 when absent.

	The work directory and configuration are pointed into the scenario's directory,
	so nothing outside it is read or written.
*/

// TestCLIFixtures runs every scenario in fileName.
// Scenarios run one at a time: the app value and the working directory are process-wide.
func TestCLIFixtures(t *testing.T, fileName string) {
	doc, err := testmark.ReadFile(fileName)
	if err != nil {
		t.Fatalf("fixture file parse failed?!: %s", err)
	}
	doc.BuildDirIndex()
	pwd, err := os.Getwd()
	qt.Assert(t, err, qt.IsNil)
	for _, dir := range doc.DirEnt.ChildrenList {
		dir := dir
		t.Run(dir.Name, func(t *testing.T) {
			defer os.Chdir(pwd)
			runScenario(t, dir)
		})
	}
}

func runScenario(t *testing.T, dir *testmark.DirEnt) {
	work := t.TempDir()
	if fs := dir.Children["fs"]; fs != nil {
		for _, f := range fs.ChildrenList {
			qt.Assert(t, f.Hunk, qt.IsNotNil)
			qt.Assert(t, os.WriteFile(filepath.Join(work, f.Name), f.Hunk.Body, 0644), qt.IsNil)
		}
	}
	t.Setenv(config.EnvScifloWorkDir, filepath.Join(work, "work"))
	t.Setenv(config.EnvScifloConfig, filepath.Join(work, "no-config.yaml"))
	t.Setenv(config.EnvScifloCacheBackend, "none")
	qt.Assert(t, config.ReloadGlobalState(), qt.IsNil)
	qt.Assert(t, os.Chdir(work), qt.IsNil)

	argsHunk := dir.Children["args"]
	qt.Assert(t, argsHunk, qt.IsNotNil)
	args := strings.Fields(string(argsHunk.Hunk.Body))

	var stdout, stderr bytes.Buffer
	scifloapp.App.Reader = bytes.NewReader(nil)
	scifloapp.App.Writer = &stdout
	scifloapp.App.ErrWriter = &stderr
	err := scifloapp.App.Run(args)
	exitCode := 0
	if err != nil {
		exitCode = 1
	}

	t.Logf("Args: %v", args)
	for e := err; e != nil; e = errors.Unwrap(e) {
		t.Logf("Code: %s", serum.Code(e))
		t.Logf("Message: %s", serum.Message(e))
	}
	t.Logf("⌄⌄⌄ stderr ⌄⌄⌄\n%s", stderr.String())

	actual := cleanOutput(stdout.String(), work)
	wantCode := 0
	if ec := dir.Children["exitcode"]; ec != nil {
		wantCode, err = strconv.Atoi(strings.TrimSpace(string(ec.Hunk.Body)))
		qt.Assert(t, err, qt.IsNil)
	}
	qt.Check(t, exitCode, qt.Equals, wantCode)
	if out := dir.Children["output"]; out != nil {
		qt.Check(t, actual, qt.Equals, cleanOutput(string(out.Hunk.Body), work))
	}
	if want := dir.Children["contains"]; want != nil {
		for _, line := range strings.Split(strings.TrimSpace(string(want.Hunk.Body)), "\n") {
			qt.Check(t, actual, qt.Contains, strings.TrimSpace(line))
		}
	}
}

var reMintedID = regexp.MustCompile(`\b(sciflo|workunit|wuconfig)-\d{8}T\d{15}-[0-9a-f]{12}-[0-9a-f]{8}\b`)

// cleanOutput replaces the non-deterministic parts of command output:
// minted ids become PREFIX-ID and the scenario directory becomes $WORK.
func cleanOutput(str string, work string) string {
	str = reMintedID.ReplaceAllString(str, "$1-ID")
	if resolved, err := filepath.EvalSymlinks(work); err == nil && resolved != work {
		str = strings.ReplaceAll(str, resolved, "$WORK")
	}
	str = strings.ReplaceAll(str, work, "$WORK")
	return strings.TrimSpace(str)
}
