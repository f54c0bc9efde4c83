package sfapi

import (
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/serum-errors/go-serum"
)

func TestParseDocument(t *testing.T) {
	serial := `<sciflo>
  <flow id="demo">
    <description>three steps</description>
    <inputs>
      <x type="xs:int">3</x>
    </inputs>
    <outputs>
      <y type="xs:int" from="@#C"/>
    </outputs>
    <processes>
      <process id="A" retries="2" timeout="30s">
        <inputs>
          <x type="xs:int" from="@#inputs"/>
          <q type="sf:document"><query><a>@#inputs.x</a></query></q>
        </inputs>
        <outputs><r type="xs:int"/></outputs>
        <stageFiles><file bundle="true">/tmp/data.tar.gz</file></stageFiles>
        <operator><op><binding job_queue="jobs" async="true">post:http://example.org/x<headers><header name="Accept">text/xml</header></headers></binding></op></operator>
      </process>
    </processes>
  </flow>
</sciflo>`
	doc, err := ParseDocument([]byte(serial))
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, doc.Flow.ID, qt.Equals, "demo")
	qt.Assert(t, doc.Flow.DisplayName(), qt.Equals, "demo")
	qt.Assert(t, doc.Flow.Description, qt.Equals, "three steps")
	qt.Assert(t, doc.Flow.Inputs.Len(), qt.Equals, 1)
	qt.Assert(t, doc.Flow.Inputs.Items[0].Tag(), qt.Equals, "x")
	qt.Assert(t, doc.Flow.Inputs.Items[0].Type(), qt.Equals, "xs:int")
	qt.Assert(t, doc.Flow.Inputs.Items[0].TrimmedText(), qt.Equals, "3")

	procs := doc.Processes()
	qt.Assert(t, procs, qt.HasLen, 1)
	p := procs[0]
	qt.Assert(t, p.ID, qt.Equals, "A")
	qt.Assert(t, p.Retries, qt.Equals, "2")
	qt.Assert(t, p.Inputs.Len(), qt.Equals, 2)
	from, ok := p.Inputs.Items[0].Attr("from")
	qt.Assert(t, ok, qt.IsTrue)
	qt.Assert(t, from, qt.Equals, "@#inputs")
	qt.Assert(t, p.Inputs.Items[1].Inner, qt.Equals, "<query><a>@#inputs.x</a></query>")
	qt.Assert(t, p.StageFiles, qt.HasLen, 1)
	qt.Assert(t, p.StageFiles[0].Bundle, qt.Equals, "true")

	b := p.Operator.Ops[0].Bindings[0]
	qt.Assert(t, b.JobQueue, qt.Equals, "jobs")
	qt.Assert(t, b.Headers, qt.DeepEquals, []Header{{Name: "Accept", Value: "text/xml"}})
	qt.Assert(t, b.Text, qt.Equals, "post:http://example.org/x")
}

func TestParseDocumentRejectsJunk(t *testing.T) {
	_, err := ParseDocument([]byte("<notsciflo/>"))
	qt.Assert(t, serum.Code(err), qt.Equals, ECodeSchemaInvalid)
}

func TestStatusTransitions(t *testing.T) {
	qt.Assert(t, StatusWaiting.CanTransition(StatusReady), qt.IsTrue)
	qt.Assert(t, StatusReady.CanTransition(StatusSent), qt.IsTrue)
	qt.Assert(t, StatusWorking.CanTransition(StatusCalledBack), qt.IsTrue)
	qt.Assert(t, StatusCalledBack.CanTransition(StatusFinalizing), qt.IsTrue)
	qt.Assert(t, StatusFinalizing.CanTransition(StatusDone), qt.IsTrue)
	qt.Assert(t, StatusWorking.CanTransition(StatusRetry(1)), qt.IsTrue)

	qt.Assert(t, StatusWaiting.CanTransition(StatusDone), qt.IsFalse)
	qt.Assert(t, StatusDone.CanTransition(StatusException), qt.IsFalse)
	qt.Assert(t, StatusRetry(2).IsTerminal(), qt.IsTrue)
}

func TestRecordFromError(t *testing.T) {
	err := ErrorOperatorFailure(VariantInlineFunction, "f", ErrorInternal("boom", nil))
	rec := RecordFromError(err)
	qt.Assert(t, rec.Kind, qt.Equals, KindOperatorFailure)
	qt.Assert(t, rec.Code(), qt.Equals, ECodeOperatorFailure)

	// records survive errors.As round trips unchanged
	rec.ProcessID = "B"
	again := RecordFromError(rec)
	qt.Assert(t, again, qt.DeepEquals, rec)
	qt.Assert(t, KindOf(again), qt.Equals, KindOperatorFailure)
}

func TestDependencies(t *testing.T) {
	zero := 0
	c := WorkUnitConfig{
		Args: []Arg{
			RefArg(Ref{SourceConfigID: "a"}),
			LiteralArg(3.0),
			{Document: &DocumentArg{Template: "<x>@#a</x>", Slots: []Arg{
				RefArg(Ref{SourceConfigID: "b", OutputIndex: &zero}),
				RefArg(Ref{SourceConfigID: "a"}),
			}}},
		},
	}
	qt.Assert(t, c.Dependencies(), qt.DeepEquals, []string{"a", "b"})
	qt.Assert(t, c.IsReady(), qt.IsFalse)
	qt.Assert(t, WorkUnitConfig{Args: []Arg{LiteralArg(nil)}}.IsReady(), qt.IsTrue)
}
