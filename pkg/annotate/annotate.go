// Package annotate keeps a copy of a workflow document with provenance recorded
// into it as the workflow runs.
//
// The annotated document is a write-only event log: the executor routes events to it,
// and nothing in it is ever read back to make scheduling decisions.
// Each process element gets a <provenance> child holding its events; the flow element
// gets one holding the global outputs once the workflow settles.
// Events are idempotent by (process, kind): recording one twice keeps the first.
package annotate

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/antchfx/xmlquery"

	"github.com/warptools/sciflo/pkg/fsutil"
	"github.com/warptools/sciflo/pkg/marshal"
	"github.com/warptools/sciflo/sfapi"
)

// FileName is where the executor writes the annotated document inside the workflow directory.
const FileName = "sciflo_annotated.xml"

// ProvenanceTag names the element events are appended under.
const ProvenanceTag = "provenance"

type EventKind string

const (
	EventStarted      EventKind = "started"
	EventFinished     EventKind = "finished"
	EventResult       EventKind = "result"
	EventException    EventKind = "exception"
	EventGlobalOutput EventKind = "global-output"
)

type eventKey struct {
	pid  string
	kind EventKind
	tag  string
}

// Document is safe for concurrent use.
type Document struct {
	mu    sync.Mutex
	root  *xmlquery.Node
	flow  *xmlquery.Node
	procs map[string]*xmlquery.Node
	seen  map[eventKey]struct{}
	now   func() time.Time
}

// New parses raw and indexes its processes by id.
// pids gives the id of every process in document order, covering processes without an id attribute.
//
// Errors:
//
//    - sciflo-error-schema-invalid -- when raw is not a workflow document
func New(raw []byte, pids []string) (*Document, error) {
	root, err := xmlquery.Parse(strings.NewReader(string(raw)))
	if err != nil {
		return nil, sfapi.ErrorSchemaInvalid("sciflo", err.Error())
	}
	flow := xmlquery.FindOne(root, "/sciflo/flow")
	if flow == nil {
		return nil, sfapi.ErrorSchemaInvalid("sciflo", "no flow element")
	}
	d := &Document{
		root:  root,
		flow:  flow,
		procs: map[string]*xmlquery.Node{},
		seen:  map[eventKey]struct{}{},
		now:   time.Now,
	}
	for i, n := range xmlquery.Find(flow, "processes/process") {
		if i >= len(pids) {
			break
		}
		d.procs[pids[i]] = n
	}
	return d, nil
}

func (d *Document) provenance(parent *xmlquery.Node) *xmlquery.Node {
	for c := parent.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == xmlquery.ElementNode && c.Data == ProvenanceTag {
			return c
		}
	}
	p := &xmlquery.Node{Type: xmlquery.ElementNode, Data: ProvenanceTag}
	xmlquery.AddChild(parent, p)
	return p
}

// record appends an event element for pid unless one of that kind is already there.
// It reports whether the event was added.
func (d *Document) record(pid string, kind EventKind, fill func(e *xmlquery.Node)) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	k := eventKey{pid: pid, kind: kind}
	if _, dup := d.seen[k]; dup {
		return false
	}
	proc, ok := d.procs[pid]
	if !ok {
		return false
	}
	d.seen[k] = struct{}{}
	e := &xmlquery.Node{Type: xmlquery.ElementNode, Data: string(kind)}
	xmlquery.AddAttr(e, "at", d.now().UTC().Format(time.RFC3339Nano))
	fill(e)
	xmlquery.AddChild(d.provenance(proc), e)
	return true
}

// Started records that the process was dispatched by the executor at executable.
func (d *Document) Started(pid string, unitID string, executable string) bool {
	return d.record(pid, EventStarted, func(e *xmlquery.Node) {
		xmlquery.AddAttr(e, "unit", unitID)
		xmlquery.AddAttr(e, "executable", executable)
	})
}

// Finished records the final status of the process and the pid file of its last attempt.
func (d *Document) Finished(pid string, status sfapi.Status, pidFile string) bool {
	return d.record(pid, EventFinished, func(e *xmlquery.Node) {
		xmlquery.AddAttr(e, "status", string(status))
		xmlquery.AddAttr(e, "pidFile", pidFile)
	})
}

// Result records the publicized result of the process.
func (d *Document) Result(pid string, v interface{}) bool {
	return d.record(pid, EventResult, func(e *xmlquery.Node) {
		marshal.AppendValue(e, v)
	})
}

// Exception records the failure of the process.
func (d *Document) Exception(pid string, rec *sfapi.ErrorRecord) bool {
	return d.record(pid, EventException, func(e *xmlquery.Node) {
		fillError(e, rec)
	})
}

func fillError(e *xmlquery.Node, rec *sfapi.ErrorRecord) {
	if rec == nil {
		return
	}
	xmlquery.AddAttr(e, "kind", string(rec.Kind))
	if rec.UnitID != "" {
		xmlquery.AddAttr(e, "unit", rec.UnitID)
	}
	xmlquery.AddChild(e, &xmlquery.Node{Type: xmlquery.TextNode, Data: rec.Message})
	if rec.Traceback != "" {
		tb := &xmlquery.Node{Type: xmlquery.ElementNode, Data: "traceback"}
		xmlquery.AddChild(tb, &xmlquery.Node{Type: xmlquery.CharDataNode, Data: strings.ReplaceAll(rec.Traceback, "]]>", "]] >")})
		xmlquery.AddChild(e, tb)
	}
}

// GlobalOutput records the final value of one global output on the flow element.
func (d *Document) GlobalOutput(o sfapi.OutputValue) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	k := eventKey{kind: EventGlobalOutput, tag: o.Tag}
	if _, dup := d.seen[k]; dup {
		return false
	}
	d.seen[k] = struct{}{}
	e := &xmlquery.Node{Type: xmlquery.ElementNode, Data: string(EventGlobalOutput)}
	xmlquery.AddAttr(e, "tag", o.Tag)
	if o.Type != "" {
		xmlquery.AddAttr(e, "type", o.Type)
	}
	switch {
	case o.Error != nil:
		if o.NotReached {
			xmlquery.AddAttr(e, "notReached", "true")
		}
		fillError(e, o.Error)
	case o.URL != "":
		xmlquery.AddAttr(e, "url", o.URL)
	default:
		marshal.AppendValue(e, o.Value)
	}
	xmlquery.AddChild(d.provenance(d.flow), e)
	return true
}

// Count returns how many events of kind are recorded for pid.
// Global outputs are counted with an empty pid.
func (d *Document) Count(pid string, kind EventKind) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	parent := d.flow
	if pid != "" {
		var ok bool
		if parent, ok = d.procs[pid]; !ok {
			return 0
		}
	}
	return len(xmlquery.Find(parent, fmt.Sprintf("%s/%s", ProvenanceTag, kind)))
}

// String renders the annotated document.
func (d *Document) String() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.root.OutputXML(true)
}

// WriteFile writes the annotated document atomically.
//
// Errors:
//
//    - sciflo-error-io -- when the file cannot be written
func (d *Document) WriteFile(path string) error {
	return fsutil.WriteFileAtomic(path, []byte(d.String()), 0644)
}
