package publish

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestResultRewritesLocalFiles(t *testing.T) {
	root := t.TempDir()
	artifact := filepath.Join(root, "wf", "workunit_result-0.png")
	qt.Assert(t, os.MkdirAll(filepath.Dir(artifact), 0755), qt.IsNil)
	qt.Assert(t, os.WriteFile(artifact, []byte("png"), 0644), qt.IsNil)

	pub := LocalPublisher{Root: root, BaseURL: "http://results.example.org/data/"}
	out, err := Result(context.Background(), pub, root, []interface{}{artifact, "just text", 3.0, "/does/not/exist"})
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, out, qt.DeepEquals, []interface{}{
		"http://results.example.org/data/wf/workunit_result-0.png",
		"just text",
		3.0,
		"/does/not/exist",
	})
}

func TestResultWithoutPublisher(t *testing.T) {
	out, err := Result(context.Background(), nil, "", map[string]interface{}{"a": "b"})
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, out, qt.DeepEquals, map[string]interface{}{"a": "b"})
}

func TestMockPublisherOutsideRoot(t *testing.T) {
	root := t.TempDir()
	other := t.TempDir()
	f := filepath.Join(other, "x.txt")
	qt.Assert(t, os.WriteFile(f, []byte("x"), 0644), qt.IsNil)

	mock := &MockPublisher{}
	out, err := Result(context.Background(), mock, root, f)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, out, qt.Equals, f)
	qt.Assert(t, mock.Published, qt.HasLen, 0)

	out, err = Result(context.Background(), mock, "", f)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, out, qt.Equals, "mock://"+f)
}
