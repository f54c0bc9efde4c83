// Package resolver turns a workflow document and its arguments into work-unit
// configurations in dependency order, plus the wiring of the global outputs.
//
// Resolution never runs anything. Values known at resolve time (global inputs,
// literals, scalar coercions) are folded into the configurations; everything else
// is a reference to an earlier unit. Type mismatches along a reference become
// either a post-execution step on the producing unit or an implicit unit of their own.
package resolver

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/antchfx/xmlquery"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/warptools/sciflo/pkg/conversion"
	"github.com/warptools/sciflo/pkg/ids"
	"github.com/warptools/sciflo/pkg/logging"
	"github.com/warptools/sciflo/pkg/marshal"
	"github.com/warptools/sciflo/pkg/tracing"
	"github.com/warptools/sciflo/pkg/xmlutil"
	"github.com/warptools/sciflo/sfapi"
)

const LOG_TAG = "resolver"

type Resolver struct {
	Registry *conversion.Registry
	// Owner is folded into every unit hash, so that users do not share cache entries.
	Owner string
	HTTP  *http.Client
}

func New(reg *conversion.Registry) *Resolver {
	if reg == nil {
		reg = conversion.Default()
	}
	return &Resolver{Registry: reg, HTTP: http.DefaultClient}
}

// resolution is the working state of one Resolve call.
type resolution struct {
	r     *Resolver
	ctx   context.Context
	doc   *sfapi.Document
	raw   *xmlquery.Node
	procs []sfapi.Process
	pids  []string

	globalPorts []sfapi.Port
	globals     map[string]interface{}
	globalTypes map[string]string

	procIndex map[string]int
	procUnits []*sfapi.WorkUnitConfig
	units     []*sfapi.WorkUnitConfig
	implicit  map[string]*sfapi.WorkUnitConfig
}

// Resolve validates doc, folds in args and emits the work-unit configurations.
// args may be nil, a list in global-input order, or a mapping by tag.
//
// Errors:
//
//    - sciflo-error-schema-invalid -- when the document structure is wrong or has duplicate tags or ids
//    - sciflo-error-invalid-argument -- when args name unknown inputs or fail coercion
//    - sciflo-error-binding-unparseable -- when an operator binding cannot be parsed
//    - sciflo-error-reference-unresolvable -- when a reference names nothing, or references loop
func (r *Resolver) Resolve(ctx context.Context, doc *sfapi.Document, args interface{}) (_ *sfapi.Resolution, err error) {
	ctx, span := tracing.Start(ctx, "resolve workflow", trace.WithAttributes(attribute.String(tracing.AttrKeyScifloFlowId, doc.Flow.ID)))
	defer func() { tracing.EndWithStatus(span, err) }()
	log := logging.Ctx(ctx)

	st := &resolution{
		r:         r,
		ctx:       ctx,
		doc:       doc,
		procs:     doc.Processes(),
		procIndex: map[string]int{},
		implicit:  map[string]*sfapi.WorkUnitConfig{},
	}
	st.pids = assignProcessIDs(st.procs)
	if err := validate(doc, st.pids); err != nil {
		return nil, err
	}
	if len(doc.Raw) > 0 {
		if st.raw, err = xmlquery.Parse(strings.NewReader(string(doc.Raw))); err != nil {
			return nil, sfapi.ErrorSchemaInvalid("sciflo", err.Error())
		}
	}
	if err := st.bindGlobals(args); err != nil {
		return nil, err
	}
	for i := range st.procs {
		if err := st.bindProcess(i); err != nil {
			return nil, err
		}
	}
	for i := range st.procs {
		if err := st.wireInputs(i); err != nil {
			return nil, err
		}
	}
	outputs, err := st.wireOutputs()
	if err != nil {
		return nil, err
	}
	ordered, err := orderUnits(st.units)
	if err != nil {
		return nil, err
	}
	log.Debug(LOG_TAG, "resolved %d processes into %d units", len(st.procs), len(ordered))
	return &sfapi.Resolution{
		WorkflowName: doc.Flow.DisplayName(),
		Description:  strings.TrimSpace(doc.Flow.Description),
		Units:        ordered,
		Outputs:      outputs,
		Inputs:       st.globalPorts,
		Args:         st.globals,
	}, nil
}

// ResolveBytes parses and resolves a serialized document.
func (r *Resolver) ResolveBytes(ctx context.Context, data []byte, args interface{}) (*sfapi.Resolution, error) {
	doc, err := sfapi.ParseDocument(data)
	if err != nil {
		return nil, err
	}
	return r.Resolve(ctx, doc, args)
}

// assignProcessIDs returns the id of every process, numbering those without one
// so that they do not collide with explicit ids.
func assignProcessIDs(procs []sfapi.Process) []string {
	taken := map[string]struct{}{}
	for _, p := range procs {
		if p.ID != "" {
			taken[p.ID] = struct{}{}
		}
	}
	out := make([]string, len(procs))
	for i, p := range procs {
		if p.ID != "" {
			out[i] = p.ID
			continue
		}
		n := i + 1
		for {
			id := fmt.Sprintf("process%d", n)
			if _, ok := taken[id]; !ok {
				taken[id] = struct{}{}
				out[i] = id
				break
			}
			n++
		}
	}
	return out
}

func validate(doc *sfapi.Document, pids []string) error {
	if doc.Flow.Processes == nil {
		return sfapi.ErrorSchemaInvalid("flow", "missing processes element")
	}
	if err := uniqueTags("flow inputs", doc.Flow.Inputs.List()); err != nil {
		return err
	}
	if err := uniqueTags("flow outputs", doc.Flow.Outputs.List()); err != nil {
		return err
	}
	seen := map[string]struct{}{}
	for i, p := range doc.Processes() {
		pid := pids[i]
		if _, dup := seen[pid]; dup {
			return sfapi.ErrorSchemaInvalid(fmt.Sprintf("process %q", pid), "duplicate process id")
		}
		seen[pid] = struct{}{}
		if pid == "inputs" || pid == "previous" {
			return sfapi.ErrorSchemaInvalid(fmt.Sprintf("process %q", pid), "reserved process id")
		}
		if p.Operator == nil || len(p.Operator.Ops) != 1 || len(p.Operator.Ops[0].Bindings) != 1 {
			return sfapi.ErrorSchemaInvalid(fmt.Sprintf("process %q", pid), "exactly one operator binding is required")
		}
		if err := uniqueTags(fmt.Sprintf("process %q inputs", pid), p.Inputs.List()); err != nil {
			return err
		}
		if err := uniqueTags(fmt.Sprintf("process %q outputs", pid), p.Outputs.List()); err != nil {
			return err
		}
	}
	return nil
}

func uniqueTags(element string, items []sfapi.Element) error {
	seen := map[string]struct{}{}
	for _, e := range items {
		if _, dup := seen[e.Tag()]; dup {
			return sfapi.ErrorSchemaInvalid(element, fmt.Sprintf("duplicate tag %q", e.Tag()))
		}
		seen[e.Tag()] = struct{}{}
	}
	return nil
}

// literalValue is the value written inside an element: its markup when it has
// element children, else its trimmed text, else nil.
func literalValue(e sfapi.Element) interface{} {
	if len(e.Children) > 0 {
		return strings.TrimSpace(e.Inner)
	}
	if t := e.TrimmedText(); t != "" {
		return t
	}
	return nil
}

func (st *resolution) bindGlobals(args interface{}) error {
	items := st.doc.Flow.Inputs.List()
	st.globalPorts = make([]sfapi.Port, len(items))
	st.globalTypes = make(map[string]string, len(items))
	for i, e := range items {
		st.globalPorts[i] = sfapi.Port{Tag: e.Tag(), Type: e.Type()}
		st.globalTypes[e.Tag()] = e.Type()
	}
	given, err := marshal.NormalizeArgs(st.globalPorts, args)
	if err != nil {
		return err
	}
	st.globals = make(map[string]interface{}, len(items))
	for _, e := range items {
		v, ok := given[e.Tag()]
		if !ok {
			v = literalValue(e)
		}
		if v != nil {
			if v, err = conversion.Coerce(v, e.Type()); err != nil {
				return sfapi.ErrorInvalidArgument(e.Tag(), err.Error())
			}
		}
		st.globals[e.Tag()] = v
	}
	return nil
}

// bindProcess creates the unit of process i with everything but its arguments.
func (st *resolution) bindProcess(i int) error {
	p := st.procs[i]
	pid := st.pids[i]
	bc, err := parseBinding(pid, p.Operator.Ops[0].Bindings[0])
	if err != nil {
		return err
	}
	u := &sfapi.WorkUnitConfig{
		ConfigID:     ids.NewConfigID(),
		ProcessIndex: i,
		ProcessID:    pid,
		Owner:        st.r.Owner,
		Variant:      bc.Variant,
		Call:         bc.Call,
		Endpoint:     bc.Endpoint,
		Args:         []sfapi.Arg{},
	}
	if bc.Variant == sfapi.VariantNestedWorkflow {
		if u.Call, err = st.nestedDocument(i, bc.NestedRef); err != nil {
			return err
		}
	}
	for _, o := range p.Outputs.List() {
		u.Outputs = append(u.Outputs, sfapi.Port{Tag: o.Tag(), Type: o.Type()})
	}
	for _, f := range p.StageFiles {
		src := strings.TrimSpace(f.Source)
		if src == "" {
			continue
		}
		u.StageFiles = append(u.StageFiles, sfapi.StageFile{Source: src, Bundle: isTrue(f.Bundle)})
	}
	if p.Retries != "" {
		n, err := strconv.Atoi(strings.TrimSpace(p.Retries))
		if err != nil || n < 0 {
			return sfapi.ErrorSchemaInvalid(fmt.Sprintf("process %q", pid), fmt.Sprintf("retries %q is not a count", p.Retries))
		}
		u.Retries = n
	}
	if p.Timeout != "" {
		d, err := parseTimeout(p.Timeout)
		if err != nil {
			return sfapi.ErrorSchemaInvalid(fmt.Sprintf("process %q", pid), err.Error())
		}
		u.Timeout = d
	}
	st.procIndex[pid] = i
	st.procUnits = append(st.procUnits, u)
	st.units = append(st.units, u)
	return nil
}

// parseTimeout accepts Go durations and plain seconds.
func parseTimeout(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("timeout %q is not a duration", s)
	}
	return d, nil
}

// nestedDocument returns the xml of a nested workflow: embedded in the binding,
// inline in the payload, or read from a path or url.
func (st *resolution) nestedDocument(i int, ref string) (string, error) {
	pid := st.pids[i]
	var text string
	switch {
	case ref == "":
		if st.raw == nil {
			return "", sfapi.ErrorBindingUnparseable(pid, "sciflo:", "embedded workflow without source text")
		}
		n := xmlquery.FindOne(st.raw, fmt.Sprintf("/sciflo/flow/processes/process[%d]/operator/op/binding/sciflo", i+1))
		if n == nil {
			return "", sfapi.ErrorBindingUnparseable(pid, "sciflo:", "embedded workflow not found")
		}
		text = n.OutputXML(true)
	case xmlutil.LooksLikeXML(ref):
		text = ref
	case strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://"):
		req, err := http.NewRequestWithContext(st.ctx, http.MethodGet, ref, nil)
		if err != nil {
			return "", sfapi.ErrorBindingUnparseable(pid, "sciflo:"+ref, err.Error())
		}
		resp, err := st.r.HTTP.Do(req)
		if err != nil {
			return "", sfapi.ErrorBindingUnparseable(pid, "sciflo:"+ref, err.Error())
		}
		defer resp.Body.Close()
		if resp.StatusCode/100 != 2 {
			return "", sfapi.ErrorBindingUnparseable(pid, "sciflo:"+ref, resp.Status)
		}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return "", sfapi.ErrorBindingUnparseable(pid, "sciflo:"+ref, err.Error())
		}
		text = string(data)
	default:
		data, err := os.ReadFile(strings.TrimPrefix(ref, "file://"))
		if err != nil {
			return "", sfapi.ErrorBindingUnparseable(pid, "sciflo:"+ref, err.Error())
		}
		text = string(data)
	}
	if _, err := sfapi.ParseDocument([]byte(text)); err != nil {
		return "", err
	}
	return text, nil
}
