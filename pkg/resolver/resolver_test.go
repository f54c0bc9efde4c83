package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/serum-errors/go-serum"
	"github.com/warpfork/go-testmark"

	"github.com/warptools/sciflo/pkg/ids"
	"github.com/warptools/sciflo/sfapi"
)

func TestResolveFixtures(t *testing.T) {
	doc, err := testmark.ReadFile("testdata/resolve.md")
	if err != nil {
		t.Fatalf("fixture file parse failed?!: %s", err)
	}

	// Data hunks in this fixture file are in "directories" of a test scenario each.
	doc.BuildDirIndex()
	for _, dir := range doc.DirEnt.ChildrenList {
		dir := dir
		t.Run(dir.Name, func(t *testing.T) {
			qt.Assert(t, dir.Children["document"], qt.IsNotNil)
			serial := dir.Children["document"].Hunk.Body

			res, err := New(nil).ResolveBytes(context.Background(), serial, nil)
			if dir.Children["error"] != nil {
				qt.Assert(t, err, qt.IsNotNil)
				qt.Assert(t, serum.Code(err), qt.Equals, strings.TrimSpace(string(dir.Children["error"].Hunk.Body)))
				return
			}
			qt.Assert(t, err, qt.IsNil)
			if dir.Children["units"] != nil {
				qt.Assert(t, describeUnits(res), qt.Equals, strings.TrimSpace(string(dir.Children["units"].Hunk.Body)))
			}
			if dir.Children["outputs"] != nil {
				qt.Assert(t, describeOutputs(res), qt.Equals, strings.TrimSpace(string(dir.Children["outputs"].Hunk.Body)))
			}
			assertDependencyOrder(t, res)
		})
	}
}

func describeUnits(res *sfapi.Resolution) string {
	names := processNames(res)
	var lines []string
	for _, u := range res.Units {
		args := make([]string, len(u.Args))
		for i, a := range u.Args {
			args[i] = describeArg(names, a)
		}
		line := fmt.Sprintf("%s %s %s (%s)", u.ProcessID, u.Variant, u.Call, strings.Join(args, ", "))
		if len(u.PostExec) > 0 {
			steps := make([]string, len(u.PostExec))
			for i, s := range u.PostExec {
				steps[i] = s.Fingerprint()
				if s.OutputIndex != nil {
					steps[i] = fmt.Sprintf("%d:%s", *s.OutputIndex, steps[i])
				}
			}
			line += " post=[" + strings.Join(steps, ", ") + "]"
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func describeOutputs(res *sfapi.Resolution) string {
	names := processNames(res)
	var lines []string
	for _, o := range res.Outputs {
		src := describeRef(names, o.Ref)
		if o.Static {
			src = literalText(o.Literal)
		}
		lines = append(lines, fmt.Sprintf("%s <- %s", o.Tag, src))
	}
	return strings.Join(lines, "\n")
}

func processNames(res *sfapi.Resolution) map[string]string {
	names := map[string]string{}
	for _, u := range res.Units {
		names[u.ConfigID] = u.ProcessID
	}
	return names
}

func describeArg(names map[string]string, a sfapi.Arg) string {
	switch {
	case a.Ref != nil:
		return describeRef(names, *a.Ref)
	case a.Document != nil:
		slots := make([]string, len(a.Document.Slots))
		for i, s := range a.Document.Slots {
			slots[i] = describeArg(names, s)
		}
		return "doc[" + strings.Join(slots, ", ") + "]"
	}
	return literalText(a.Literal)
}

func describeRef(names map[string]string, r sfapi.Ref) string {
	s := "@" + names[r.SourceConfigID]
	if r.OutputIndex != nil {
		s += fmt.Sprintf(".%d", *r.OutputIndex)
	}
	if r.FromPostExec {
		s += fmt.Sprintf("!post%d", r.PostExecIndex)
	}
	if r.RewriteFile != "" {
		s += ">" + r.RewriteFile
	}
	return s
}

func literalText(v interface{}) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Sprintf("!%v", err)
	}
	return strings.TrimSpace(buf.String())
}

// assertDependencyOrder checks that every reference points at an earlier unit.
func assertDependencyOrder(t *testing.T, res *sfapi.Resolution) {
	t.Helper()
	seen := map[string]struct{}{}
	for _, u := range res.Units {
		for _, dep := range u.Dependencies() {
			_, ok := seen[dep]
			qt.Assert(t, ok, qt.IsTrue, qt.Commentf("unit %s reads %s before it is produced", u.ProcessID, dep))
		}
		seen[u.ConfigID] = struct{}{}
	}
	for _, o := range res.Outputs {
		if o.Static {
			continue
		}
		_, ok := seen[o.SourceConfigID]
		qt.Assert(t, ok, qt.IsTrue)
	}
}

const argsDoc = `<sciflo>
  <flow id="args" name="Argument handling">
    <description> sums things </description>
    <inputs>
      <a type="xs:int">1</a>
      <b type="xs:float">2.5</b>
      <label type="xs:string">none</label>
    </inputs>
    <outputs><echo type="xs:string" from="@#inputs.label"/></outputs>
    <processes>
      <process>
        <inputs>
          <a type="xs:float" from="@#inputs"/>
          <b type="xs:int" from="@#inputs.b"/>
          <c type="xs:string" from="@#inputs?/inputs/label"/>
        </inputs>
        <outputs><sum type="xs:float"/></outputs>
        <operator><op><binding>python:sciflo.list</binding></op></operator>
      </process>
    </processes>
  </flow>
</sciflo>`

func TestGlobalArguments(t *testing.T) {
	ctx := context.Background()
	r := New(nil)

	t.Run("defaults", func(t *testing.T) {
		res, err := r.ResolveBytes(ctx, []byte(argsDoc), nil)
		qt.Assert(t, err, qt.IsNil)
		qt.Assert(t, res.WorkflowName, qt.Equals, "Argument handling")
		qt.Assert(t, res.Description, qt.Equals, "sums things")
		qt.Assert(t, res.Units, qt.HasLen, 1)
		qt.Assert(t, res.Units[0].ProcessID, qt.Equals, "process1")
		qt.Assert(t, describeUnits(res), qt.Equals, `process1 named-function sciflo.list (1, 2, "none")`)
		qt.Assert(t, describeOutputs(res), qt.Equals, `echo <- "none"`)
		qt.Assert(t, res.Units[0].ArgNames, qt.DeepEquals, []string{"a", "b", "c"})
	})
	t.Run("positional", func(t *testing.T) {
		res, err := r.ResolveBytes(ctx, []byte(argsDoc), []interface{}{"7", 1.75, "hi"})
		qt.Assert(t, err, qt.IsNil)
		qt.Assert(t, describeUnits(res), qt.Equals, `process1 named-function sciflo.list (7, 1, "hi")`)
	})
	t.Run("named", func(t *testing.T) {
		res, err := r.ResolveBytes(ctx, []byte(argsDoc), map[string]interface{}{"label": "tagged"})
		qt.Assert(t, err, qt.IsNil)
		qt.Assert(t, describeOutputs(res), qt.Equals, `echo <- "tagged"`)
	})
	t.Run("unknown-tag", func(t *testing.T) {
		_, err := r.ResolveBytes(ctx, []byte(argsDoc), map[string]interface{}{"nope": 1})
		qt.Assert(t, serum.Code(err), qt.Equals, sfapi.ECodeInvalidArgument)
	})
	t.Run("too-many", func(t *testing.T) {
		_, err := r.ResolveBytes(ctx, []byte(argsDoc), []interface{}{1, 2, 3, 4})
		qt.Assert(t, serum.Code(err), qt.Equals, sfapi.ECodeInvalidArgument)
	})
	t.Run("bad-coercion", func(t *testing.T) {
		_, err := r.ResolveBytes(ctx, []byte(argsDoc), []interface{}{"seven"})
		qt.Assert(t, serum.Code(err), qt.Equals, sfapi.ECodeInvalidArgument)
	})
}

func TestDocumentInput(t *testing.T) {
	doc := `<sciflo>
  <flow id="doc">
    <inputs><x type="xs:string">north</x></inputs>
    <processes>
      <process id="A">
        <outputs><n type="xs:int"/></outputs>
        <operator><op><binding>python:sciflo.identity</binding></op></operator>
      </process>
      <process id="B">
        <inputs>
          <q type="sf:document"><query><where>@#inputs.x</where><count>@#A</count><fixed>1</fixed></query></q>
        </inputs>
        <outputs><r type="sf:xml"/></outputs>
        <operator><op><binding>xpath://where</binding></op></operator>
      </process>
    </processes>
  </flow>
</sciflo>`
	res, err := New(nil).ResolveBytes(context.Background(), []byte(doc), nil)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, describeUnits(res), qt.Equals, strings.Join([]string{
		`A named-function sciflo.identity ()`,
		`B xpath //where (doc["north", @A])`,
	}, "\n"))
	qt.Assert(t, res.Units[1].Args[0].Document.Template, qt.Equals, "<query><where>@#inputs.x</where><count>@#A</count><fixed>1</fixed></query>")
}

func TestRedirectInput(t *testing.T) {
	doc := `<sciflo>
  <flow id="redirect">
    <processes>
      <process id="A">
        <inputs><n type="xs:int" redirect="http://example.org/feed.xml" component="/feed/count"/></inputs>
        <operator><op><binding>python:sciflo.identity</binding></op></operator>
      </process>
    </processes>
  </flow>
</sciflo>`
	res, err := New(nil).ResolveBytes(context.Background(), []byte(doc), nil)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, describeUnits(res), qt.Equals, strings.Join([]string{
		`implicit-xpath xpath /feed/count ("http://example.org/feed.xml") post=[string_to_int->xs:int]`,
		`A named-function sciflo.identity (@implicit-xpath!post0)`,
	}, "\n"))
	qt.Assert(t, res.Units[0].Implicit, qt.IsTrue)
	qt.Assert(t, res.Units[0].ProcessIndex, qt.Equals, -1)
}

func TestStaticConversion(t *testing.T) {
	// a global url read as a file goes through an implicit unit with a literal argument
	doc := `<sciflo>
  <flow id="static">
    <inputs><src type="sf:url">http://example.org/a.dat</src></inputs>
    <processes>
      <process id="A">
        <inputs><src type="sf:file" from="@#inputs"/></inputs>
        <operator><op><binding>binary:wc -c</binding></op></operator>
      </process>
    </processes>
  </flow>
</sciflo>`
	res, err := New(nil).ResolveBytes(context.Background(), []byte(doc), nil)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, describeUnits(res), qt.Equals, strings.Join([]string{
		`implicit-url_to_file conversion url_to_file ("http://example.org/a.dat")`,
		`A executable wc -c (@implicit-url_to_file)`,
	}, "\n"))
	qt.Assert(t, res.Units[0].Inputs, qt.DeepEquals, []sfapi.Port{{Tag: "in", Type: "sf:url"}})
	qt.Assert(t, res.Units[0].Outputs, qt.DeepEquals, []sfapi.Port{{Tag: "out", Type: "sf:file"}})
}

func TestProcessAttributes(t *testing.T) {
	doc := `<sciflo>
  <flow id="attrs">
    <processes>
      <process id="A" retries="3" timeout="90">
        <stageFiles>
          <file>/data/one.txt</file>
          <file bundle="true">http://example.org/bundle.tar.gz</file>
        </stageFiles>
        <operator><op><binding>binary:true</binding></op></operator>
      </process>
      <process id="B" timeout="1m30s">
        <operator><op><binding job_queue="fast" async="true">map:jobs.resize</binding></op></operator>
      </process>
    </processes>
  </flow>
</sciflo>`
	res, err := New(nil).ResolveBytes(context.Background(), []byte(doc), nil)
	qt.Assert(t, err, qt.IsNil)
	a, b := res.Units[0], res.Units[1]
	qt.Assert(t, a.Retries, qt.Equals, 3)
	qt.Assert(t, a.Timeout.Seconds(), qt.Equals, 90.0)
	qt.Assert(t, a.StageFiles, qt.DeepEquals, []sfapi.StageFile{
		{Source: "/data/one.txt"},
		{Source: "http://example.org/bundle.tar.gz", Bundle: true},
	})
	qt.Assert(t, b.Timeout.Seconds(), qt.Equals, 90.0)
	qt.Assert(t, b.Variant, qt.Equals, sfapi.VariantMapOverQueue)
	qt.Assert(t, b.Endpoint, qt.DeepEquals, sfapi.Endpoint{Queue: "fast", Async: true})

	_, err = New(nil).ResolveBytes(context.Background(), []byte(strings.Replace(doc, `retries="3"`, `retries="lots"`, 1)), nil)
	qt.Assert(t, serum.Code(err), qt.Equals, sfapi.ECodeSchemaInvalid)
}

func TestNestedWorkflow(t *testing.T) {
	doc := `<sciflo>
  <flow id="outer">
    <processes>
      <process id="inner">
        <inputs><v type="xs:int">2</v></inputs>
        <operator><op><binding><sciflo><flow id="inner-flow"><processes>
          <process id="X"><operator><op><binding>python:sciflo.identity</binding></op></operator></process>
        </processes></flow></sciflo></binding></op></operator>
      </process>
    </processes>
  </flow>
</sciflo>`
	res, err := New(nil).ResolveBytes(context.Background(), []byte(doc), nil)
	qt.Assert(t, err, qt.IsNil)
	u := res.Units[0]
	qt.Assert(t, u.Variant, qt.Equals, sfapi.VariantNestedWorkflow)
	nested, err := sfapi.ParseDocument([]byte(u.Call))
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, nested.Flow.ID, qt.Equals, "inner-flow")
	qt.Assert(t, nested.Processes(), qt.HasLen, 1)
}

func TestDeterministicShape(t *testing.T) {
	doc, err := testmark.ReadFile("testdata/resolve.md")
	qt.Assert(t, err, qt.IsNil)
	doc.BuildDirIndex()
	serial := doc.DirEnt.Children["implicit-shared"].Children["document"].Hunk.Body

	var shapes []string
	var hashes [][]string
	for i := 0; i < 3; i++ {
		res, err := New(nil).ResolveBytes(context.Background(), serial, nil)
		qt.Assert(t, err, qt.IsNil)
		shapes = append(shapes, describeUnits(res))
		// config ids are minted, so only units without references hash alike across runs
		var hs []string
		for _, u := range res.Units {
			if len(u.Dependencies()) > 0 {
				continue
			}
			h, err := ids.ConfigHash(u)
			qt.Assert(t, err, qt.IsNil)
			hs = append(hs, h)
		}
		hashes = append(hashes, hs)
	}
	qt.Assert(t, shapes[1], qt.Equals, shapes[0])
	qt.Assert(t, shapes[2], qt.Equals, shapes[0])
	qt.Assert(t, hashes[1], qt.DeepEquals, hashes[0])
}

func TestParseBinding(t *testing.T) {
	for _, tc := range []struct {
		text    string
		variant sfapi.Variant
		call    string
		ep      sfapi.Endpoint
	}{
		{"python:pkg.mod.fn", sfapi.VariantNamedFunction, "pkg.mod.fn", sfapi.Endpoint{}},
		{"python: func f(x int) int { return x }", sfapi.VariantInlineFunction, "func f(x int) int { return x }", sfapi.Endpoint{}},
		{"binary:ls -l", sfapi.VariantExecutable, "ls -l", sfapi.Endpoint{}},
		{"script:run.sh", sfapi.VariantExecutable, "run.sh", sfapi.Endpoint{}},
		{"rest:http://example.org/api", sfapi.VariantURLTemplate, "http://example.org/api", sfapi.Endpoint{Mode: "rest"}},
		{"template:http://example.org/{x}", sfapi.VariantURLTemplate, "http://example.org/{x}", sfapi.Endpoint{Mode: "template"}},
		{"cmdline:convert {in} {out}", sfapi.VariantCommandTemplate, "convert {in} {out}", sfapi.Endpoint{}},
		{"soap:http://example.org/svc?wsdl#Add", sfapi.VariantRemoteRPC, "Add", sfapi.Endpoint{URL: "http://example.org/svc?wsdl"}},
		{"post:http://example.org/in", sfapi.VariantPostRequest, "http://example.org/in", sfapi.Endpoint{Method: "POST"}},
		{"xpath://a", sfapi.VariantXPath, "//a", sfapi.Endpoint{}},
		{"xquery:for $x in //a return $x", sfapi.VariantXQuery, "for $x in //a return $x", sfapi.Endpoint{}},
		{"parallel:jobs.one", sfapi.VariantSingleOverQueue, "jobs.one", sfapi.Endpoint{}},
		{"sciflo:/flows/inner.xml", sfapi.VariantNestedWorkflow, "", sfapi.Endpoint{}},
	} {
		bc, err := parseBinding("P", sfapi.Binding{Text: tc.text})
		qt.Assert(t, err, qt.IsNil, qt.Commentf("%s", tc.text))
		qt.Assert(t, bc.Variant, qt.Equals, tc.variant, qt.Commentf("%s", tc.text))
		qt.Assert(t, bc.Call, qt.Equals, tc.call)
		qt.Assert(t, bc.Endpoint, qt.DeepEquals, tc.ep)
	}

	bc, err := parseBinding("P", sfapi.Binding{Text: "post:http://x", Headers: []sfapi.Header{{Name: "A", Value: " b "}}})
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, bc.Endpoint.Headers, qt.DeepEquals, [][2]string{{"A", "b"}})

	for _, bad := range []string{"python", "python:", "python:not valid!", "soap:http://no-method", "map:not a name", "cobol:x"} {
		_, err := parseBinding("P", sfapi.Binding{Text: bad})
		qt.Assert(t, serum.Code(err), qt.Equals, sfapi.ECodeBindingUnparseable, qt.Commentf("%s", bad))
	}
}

func TestSelectOutput(t *testing.T) {
	u := &sfapi.WorkUnitConfig{ProcessID: "P", Outputs: []sfapi.Port{{Tag: "a", Type: "xs:int"}, {Tag: "b", Type: "sf:xml"}}}
	idx, typ, err := selectOutput(u, "b", "")
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, *idx, qt.Equals, 1)
	qt.Assert(t, typ, qt.Equals, "sf:xml")

	idx, _, err = selectOutput(u, "", "a")
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, *idx, qt.Equals, 0)

	_, _, err = selectOutput(u, "", "zzz")
	qt.Assert(t, err, qt.ErrorMatches, `.*has 2 outputs.*`)
	_, _, err = selectOutput(u, "2", "")
	qt.Assert(t, err, qt.ErrorMatches, `.*no output 2`)

	none := &sfapi.WorkUnitConfig{ProcessID: "Q"}
	idx, typ, err = selectOutput(none, "", "x")
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, idx, qt.IsNil)
	qt.Assert(t, typ, qt.Equals, "")
}
