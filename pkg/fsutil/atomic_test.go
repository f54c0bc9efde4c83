package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/serum-errors/go-serum"

	"github.com/warptools/sciflo/sfapi"
)

func TestJSONRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	err := WriteJSONAtomic(path, map[string]interface{}{"status": "done"})
	qt.Assert(t, err, qt.IsNil)

	var out map[string]interface{}
	qt.Assert(t, ReadJSON(path, &out), qt.IsNil)
	qt.Assert(t, out["status"], qt.Equals, "done")

	// no temporaries are left behind
	entries, err := os.ReadDir(filepath.Dir(path))
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, entries, qt.HasLen, 1)
}

func TestReadJSONErrors(t *testing.T) {
	dir := t.TempDir()
	var out interface{}
	err := ReadJSON(filepath.Join(dir, "absent.json"), &out)
	qt.Assert(t, serum.Code(err), qt.Equals, sfapi.ECodeIo)

	bad := filepath.Join(dir, "bad.json")
	qt.Assert(t, os.WriteFile(bad, []byte("{"), 0644), qt.IsNil)
	err = ReadJSON(bad, &out)
	qt.Assert(t, serum.Code(err), qt.Equals, sfapi.ECodeSerialization)
}
