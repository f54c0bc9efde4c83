package resolver

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/warptools/sciflo/pkg/conversion"
	"github.com/warptools/sciflo/pkg/ids"
	"github.com/warptools/sciflo/pkg/logging"
	"github.com/warptools/sciflo/pkg/marshal"
	"github.com/warptools/sciflo/pkg/xmlutil"
	"github.com/warptools/sciflo/sfapi"
)

type sourceKind int

const (
	sourceGlobal sourceKind = iota
	sourceProcess
)

// source is a parsed reference before conversions are applied.
type source struct {
	kind sourceKind
	// global sources
	value interface{}
	// process sources
	unit        *sfapi.WorkUnitConfig
	outputIndex *int

	typ   string
	xpath string
}

// wireInputs fills in the arguments of process i.
func (st *resolution) wireInputs(i int) error {
	u := st.procUnits[i]
	pid := st.pids[i]
	for _, in := range st.procs[i].Inputs.List() {
		element := fmt.Sprintf("process %q input %q", pid, in.Tag())
		arg, err := st.inputArg(i, element, in)
		if err != nil {
			return err
		}
		u.Args = append(u.Args, arg)
		u.ArgNames = append(u.ArgNames, in.Tag())
		u.Inputs = append(u.Inputs, sfapi.Port{Tag: in.Tag(), Type: in.Type()})
	}
	return nil
}

// referenceText is the reference carried by an element, from its "from" attribute or its text.
func referenceText(e sfapi.Element) string {
	if from, ok := e.Attr("from"); ok {
		return strings.TrimSpace(from)
	}
	if len(e.Children) == 0 && strings.HasPrefix(e.TrimmedText(), marshal.SlotPrefix) {
		return e.TrimmedText()
	}
	return ""
}

func (st *resolution) inputArg(i int, element string, in sfapi.Element) (sfapi.Arg, error) {
	if target, ok := in.Attr("redirect"); ok {
		return st.redirectArg(element, strings.TrimSpace(target), in.AttrOr("component", "/*"), in.Type())
	}
	if ref := referenceText(in); ref != "" {
		return st.refArg(i, element, in.Tag(), in.Type(), ref)
	}
	if len(in.Children) > 0 {
		return st.documentArg(i, element, in)
	}
	v := literalValue(in)
	if v == nil && conversion.IsScalar(in.Type()) && conversion.Local(in.Type()) == "string" {
		v = ""
	}
	if v == nil {
		return sfapi.LiteralArg(nil), nil
	}
	c, err := conversion.Coerce(v, in.Type())
	if err != nil {
		return sfapi.Arg{}, sfapi.ErrorSchemaInvalid(element, err.Error())
	}
	return sfapi.LiteralArg(c), nil
}

// documentArg resolves every slot of an XML fragment input.
// A fragment without slots is a plain literal.
func (st *resolution) documentArg(i int, element string, in sfapi.Element) (sfapi.Arg, error) {
	template := strings.TrimSpace(in.Inner)
	slots, err := marshal.DocumentSlots(template)
	if err != nil {
		return sfapi.Arg{}, sfapi.ErrorSchemaInvalid(element, "document input is not well-formed: "+err.Error())
	}
	if len(slots) == 0 {
		return sfapi.LiteralArg(template), nil
	}
	doc := &sfapi.DocumentArg{Template: template}
	for n, ref := range slots {
		arg, err := st.refArg(i, fmt.Sprintf("%s slot %d", element, n), in.Tag(), "", ref)
		if err != nil {
			return sfapi.Arg{}, err
		}
		doc.Slots = append(doc.Slots, arg)
	}
	return sfapi.Arg{Document: doc}, nil
}

// parseRef reads one reference from the point of view of process i.
// Global outputs use i == len(processes), so that "previous" is the last process.
//
// Errors:
//
//    - sciflo-error-reference-unresolvable -- when the reference names nothing
func (st *resolution) parseRef(i int, element string, sinkTag string, ref string) (source, error) {
	if !strings.HasPrefix(ref, marshal.SlotPrefix) {
		return source{}, sfapi.ErrorReferenceUnresolvable(element, ref, "references start with "+marshal.SlotPrefix)
	}
	body, xp, _ := strings.Cut(strings.TrimPrefix(ref, marshal.SlotPrefix), "?")
	name, sel, _ := strings.Cut(body, ".")
	var pi int
	switch name {
	case "inputs":
		if sel == "" && xp != "" {
			return source{kind: sourceGlobal, value: st.globalsXML(), xpath: xp}, nil
		}
		tag := sel
		if tag == "" {
			tag = sinkTag
		}
		if _, declared := st.globalTypes[tag]; !declared {
			return source{}, sfapi.ErrorReferenceUnresolvable(element, ref, fmt.Sprintf("no global input %q", tag))
		}
		return source{kind: sourceGlobal, value: st.globals[tag], typ: st.globalTypes[tag], xpath: xp}, nil
	case "previous":
		if i == 0 {
			return source{}, sfapi.ErrorReferenceUnresolvable(element, ref, "the first process has no previous process")
		}
		pi = i - 1
	case "":
		return source{}, sfapi.ErrorReferenceUnresolvable(element, ref, "empty reference")
	default:
		var ok bool
		if pi, ok = st.procIndex[name]; !ok {
			return source{}, sfapi.ErrorReferenceUnresolvable(element, ref, fmt.Sprintf("no process %q", name))
		}
	}
	u := st.procUnits[pi]
	idx, typ, err := selectOutput(u, sel, sinkTag)
	if err != nil {
		return source{}, sfapi.ErrorReferenceUnresolvable(element, ref, err.Error())
	}
	return source{kind: sourceProcess, unit: u, outputIndex: idx, typ: typ, xpath: xp}, nil
}

// selectOutput picks an output of u by index or tag. An empty selector means the
// output tagged like the sink, else the only output.
// A unit with at most one output produces a bare value, so the index is nil.
func selectOutput(u *sfapi.WorkUnitConfig, sel string, sinkTag string) (*int, string, error) {
	outs := u.Outputs
	pick := -1
	switch {
	case sel == "":
		for n, o := range outs {
			if o.Tag == sinkTag {
				pick = n
			}
		}
		if pick < 0 {
			if len(outs) > 1 {
				return nil, "", fmt.Errorf("process %q has %d outputs and none is tagged %q", u.ProcessID, len(outs), sinkTag)
			}
			pick = 0
		}
	default:
		if n, err := strconv.Atoi(sel); err == nil {
			if n < 0 || (n >= len(outs) && !(n == 0 && len(outs) == 0)) {
				return nil, "", fmt.Errorf("process %q has no output %d", u.ProcessID, n)
			}
			pick = n
			break
		}
		for n, o := range outs {
			if o.Tag == sel {
				pick = n
			}
		}
		if pick < 0 {
			return nil, "", fmt.Errorf("process %q has no output %q", u.ProcessID, sel)
		}
	}
	if len(outs) == 0 {
		return nil, "", nil
	}
	typ := outs[pick].Type
	if len(outs) == 1 {
		return nil, typ, nil
	}
	return &pick, typ, nil
}

// globalsXML renders the global inputs as <inputs><TAG>value</TAG>...</inputs>.
func (st *resolution) globalsXML() string {
	inner := xmlutil.ToXML(st.globals)
	inner = strings.TrimSuffix(strings.TrimPrefix(inner, "<result>"), "</result>")
	return "<inputs>" + inner + "</inputs>"
}

func (st *resolution) refArg(i int, element string, sinkTag string, sinkType string, ref string) (sfapi.Arg, error) {
	src, err := st.parseRef(i, element, sinkTag, ref)
	if err != nil {
		return sfapi.Arg{}, err
	}
	switch src.kind {
	case sourceGlobal:
		v := src.value
		if src.xpath != "" {
			if v, err = evalStatic(v, src.xpath); err != nil {
				return sfapi.Arg{}, sfapi.ErrorReferenceUnresolvable(element, ref, err.Error())
			}
			src.typ = ""
		}
		return st.convertStatic(element, v, src.typ, sinkType)
	}
	r := sfapi.Ref{SourceConfigID: src.unit.ConfigID, OutputIndex: src.outputIndex}
	if src.xpath != "" {
		xu, err := st.implicitUnit(sfapi.VariantXPath, src.xpath, src.typ, "xs:string", sfapi.RefArg(r))
		if err != nil {
			return sfapi.Arg{}, err
		}
		return st.convertScalar(element, xu, sfapi.Ref{SourceConfigID: xu.ConfigID}, sinkType)
	}
	return st.convertRef(element, src.unit, r, src.typ, sinkType)
}

// redirectArg fetches target at run time and extracts component from it, in an implicit unit.
func (st *resolution) redirectArg(element string, target string, component string, sinkType string) (sfapi.Arg, error) {
	if target == "" {
		return sfapi.Arg{}, sfapi.ErrorReferenceUnresolvable(element, "redirect", "empty redirect target")
	}
	xu, err := st.implicitUnit(sfapi.VariantXPath, component, "sf:url", "xs:string", sfapi.LiteralArg(target))
	if err != nil {
		return sfapi.Arg{}, err
	}
	return st.convertScalar(element, xu, sfapi.Ref{SourceConfigID: xu.ConfigID}, sinkType)
}

func evalStatic(v interface{}, expr string) (interface{}, error) {
	text := xmlutil.ToXML(v)
	return xmlutil.EvalText(text, expr)
}

// convertStatic converts a value known at resolve time.
// Scalar sinks are coerced in place; other mismatches run as an implicit unit.
func (st *resolution) convertStatic(element string, v interface{}, from string, to string) (sfapi.Arg, error) {
	if conversion.IsScalar(to) && v != nil {
		c, err := conversion.Coerce(v, to)
		if err != nil {
			return sfapi.Arg{}, sfapi.ErrorInvalidArgument(element, err.Error())
		}
		return sfapi.LiteralArg(c), nil
	}
	if conversion.SameType(from, to) {
		return sfapi.LiteralArg(v), nil
	}
	entry, ok := st.r.Registry.Lookup(from, to)
	if !ok {
		logging.Ctx(st.ctx).Debug(LOG_TAG, "%s: no conversion from %s to %s; passing value through", element, from, to)
		return sfapi.LiteralArg(v), nil
	}
	iu, err := st.implicitUnit(sfapi.VariantConversion, entry.Func, from, to, sfapi.LiteralArg(v))
	if err != nil {
		return sfapi.Arg{}, err
	}
	return sfapi.RefArg(sfapi.Ref{SourceConfigID: iu.ConfigID}), nil
}

// convertRef converts the output of a unit on its way to a sink.
// Sources of an implicit type go through an implicit unit; all others get a
// post-execution step on the producer.
func (st *resolution) convertRef(element string, producer *sfapi.WorkUnitConfig, r sfapi.Ref, from string, to string) (sfapi.Arg, error) {
	if conversion.SameType(from, to) {
		return sfapi.RefArg(r), nil
	}
	entry, ok := st.r.Registry.Lookup(from, to)
	if !ok {
		logging.Ctx(st.ctx).Debug(LOG_TAG, "%s: no conversion from %s to %s; passing value through", element, from, to)
		return sfapi.RefArg(r), nil
	}
	if st.r.Registry.IsImplicit(from) {
		iu, err := st.implicitUnit(sfapi.VariantConversion, entry.Func, from, to, sfapi.RefArg(r))
		if err != nil {
			return sfapi.Arg{}, err
		}
		return sfapi.RefArg(sfapi.Ref{SourceConfigID: iu.ConfigID}), nil
	}
	idx := addPostExec(producer, sfapi.PostExecStep{OutputIndex: r.OutputIndex, Key: entry.Func, From: from, To: to})
	return sfapi.RefArg(sfapi.Ref{SourceConfigID: producer.ConfigID, OutputIndex: r.OutputIndex, FromPostExec: true, PostExecIndex: idx}), nil
}

// convertScalar converts the text an xpath unit produces to a scalar sink type.
func (st *resolution) convertScalar(element string, producer *sfapi.WorkUnitConfig, r sfapi.Ref, to string) (sfapi.Arg, error) {
	if !conversion.IsScalar(to) || conversion.Local(to) == "string" {
		return sfapi.RefArg(r), nil
	}
	entry, ok := st.r.Registry.Lookup("xs:string", to)
	if !ok {
		return sfapi.RefArg(r), nil
	}
	idx := addPostExec(producer, sfapi.PostExecStep{Key: entry.Func, From: "xs:string", To: to})
	return sfapi.RefArg(sfapi.Ref{SourceConfigID: producer.ConfigID, FromPostExec: true, PostExecIndex: idx}), nil
}

// addPostExec appends step to u unless an identical step exists, and returns its index.
func addPostExec(u *sfapi.WorkUnitConfig, step sfapi.PostExecStep) int {
	for n, s := range u.PostExec {
		if s.Key == step.Key && s.To == step.To && sameIndex(s.OutputIndex, step.OutputIndex) {
			return n
		}
	}
	u.PostExec = append(u.PostExec, step)
	return len(u.PostExec) - 1
}

func sameIndex(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// implicitUnit creates, or reuses when an identical one exists, a unit that the
// document did not declare.
func (st *resolution) implicitUnit(variant sfapi.Variant, call string, from string, to string, arg sfapi.Arg) (*sfapi.WorkUnitConfig, error) {
	u := &sfapi.WorkUnitConfig{
		ProcessIndex: -1,
		ProcessID:    fmt.Sprintf("implicit-%s", implicitName(variant, call)),
		Owner:        st.r.Owner,
		Variant:      variant,
		Call:         call,
		Args:         []sfapi.Arg{arg},
		ArgNames:     []string{"in"},
		Inputs:       []sfapi.Port{{Tag: "in", Type: from}},
		Outputs:      []sfapi.Port{{Tag: "out", Type: to}},
		Implicit:     true,
	}
	h, err := ids.ConfigHash(*u)
	if err != nil {
		return nil, err
	}
	if existing, ok := st.implicit[h]; ok {
		return existing, nil
	}
	u.ConfigID = ids.NewConfigID()
	st.implicit[h] = u
	st.units = append(st.units, u)
	return u, nil
}

func implicitName(variant sfapi.Variant, call string) string {
	if variant == sfapi.VariantConversion {
		return call
	}
	return string(variant)
}

// wireOutputs binds every global output to its producer.
// Type mismatches always become post-execution steps on the producer, and file
// types set the extension the final artifact is written under.
func (st *resolution) wireOutputs() ([]sfapi.OutputWiring, error) {
	items := st.doc.Flow.Outputs.List()
	out := make([]sfapi.OutputWiring, 0, len(items))
	for _, o := range items {
		element := fmt.Sprintf("output %q", o.Tag())
		ref := referenceText(o)
		if ref == "" {
			return nil, sfapi.ErrorReferenceUnresolvable(element, "", "global output has no source reference")
		}
		src, err := st.parseRef(len(st.procs), element, o.Tag(), ref)
		if err != nil {
			return nil, err
		}
		w := sfapi.OutputWiring{Tag: o.Tag(), Type: o.Type()}
		switch src.kind {
		case sourceGlobal:
			v := src.value
			if src.xpath != "" {
				if v, err = evalStatic(v, src.xpath); err != nil {
					return nil, sfapi.ErrorReferenceUnresolvable(element, ref, err.Error())
				}
			}
			if conversion.IsScalar(o.Type()) && v != nil {
				if v, err = conversion.Coerce(v, o.Type()); err != nil {
					return nil, sfapi.ErrorInvalidArgument(element, err.Error())
				}
			}
			w.Literal = v
			w.Static = true
			out = append(out, w)
			continue
		case sourceProcess:
			producer := src.unit
			r := sfapi.Ref{SourceConfigID: producer.ConfigID, OutputIndex: src.outputIndex}
			from := src.typ
			if src.xpath != "" {
				xu, err := st.implicitUnit(sfapi.VariantXPath, src.xpath, src.typ, "xs:string", sfapi.RefArg(r))
				if err != nil {
					return nil, err
				}
				producer, r, from = xu, sfapi.Ref{SourceConfigID: xu.ConfigID}, "xs:string"
			}
			if !conversion.SameType(from, o.Type()) {
				if entry, ok := st.r.Registry.Lookup(from, o.Type()); ok {
					idx := addPostExec(producer, sfapi.PostExecStep{OutputIndex: r.OutputIndex, Key: entry.Func, From: from, To: o.Type()})
					r.FromPostExec, r.PostExecIndex = true, idx
				}
			}
			if ext, ok := conversion.FileExtension(o.Type()); ok {
				r.RewriteFile = ext
			}
			w.SourceConfigID = producer.ConfigID
			w.Ref = r
		}
		out = append(out, w)
	}
	return out, nil
}
