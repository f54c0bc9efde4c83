package graph

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/goccy/go-graphviz"

	"github.com/warptools/sciflo/pkg/resolver"
)

const doc = `<sciflo>
  <flow id="drawn">
    <outputs><answer type="xs:int" from="@#B"/></outputs>
    <processes>
      <process id="A">
        <inputs><u type="xs:string">http://example.org/x</u></inputs>
        <outputs><link type="sf:url"/></outputs>
        <operator><op><binding>python:sciflo.identity</binding></op></operator>
      </process>
      <process id="B">
        <inputs><f type="sf:file" from="@#A"/></inputs>
        <outputs><n type="xs:int"/></outputs>
        <operator><op><binding>binary:wc -c</binding></op></operator>
      </process>
    </processes>
  </flow>
</sciflo>`

func TestGraph(t *testing.T) {
	res, err := resolver.New(nil).ResolveBytes(context.Background(), []byte(doc), nil)
	qt.Assert(t, err, qt.IsNil)

	var buf bytes.Buffer
	qt.Assert(t, Graph(res, graphviz.XDOT, &buf), qt.IsNil)
	out := buf.String()
	for _, want := range []string{"implicit-url_to_file", "executable", "answer"} {
		qt.Assert(t, strings.Contains(out, want), qt.IsTrue, qt.Commentf("missing %q", want))
	}

	path := filepath.Join(t.TempDir(), FileName)
	qt.Assert(t, WriteSVG(res, path), qt.IsNil)
	svg, err := os.ReadFile(path)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, strings.Contains(string(svg), "<svg"), qt.IsTrue)
}
