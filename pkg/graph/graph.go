// Package graph renders a resolved workflow as a graphviz drawing.
package graph

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/warptools/sciflo/pkg/fsutil"
	"github.com/warptools/sciflo/sfapi"
)

// FileName is where the executor writes the graph inside the workflow directory.
const FileName = "scifloGraph.svg"

// Graph draws every unit of res, the references between them and the global outputs,
// and renders the result in format to out.
func Graph(res *sfapi.Resolution, format graphviz.Format, out *bytes.Buffer) error {
	g := graphviz.New()
	graph, err := g.Graph()
	if err != nil {
		return err
	}
	defer func() {
		if err := graph.Close(); err != nil {
			panic("failed to close graphviz graph")
		}
		g.Close()
	}()

	graph.SetNodeSeparator(0.75)
	graph.SetLabel(res.WorkflowName)

	inputsTop, err := graph.CreateNode("inputs")
	if err != nil {
		return err
	}
	outputsTop, err := graph.CreateNode("outputs")
	if err != nil {
		return err
	}

	nodes := make(map[string]*cgraph.Node, len(res.Units))
	for _, u := range res.Units {
		n, err := graph.CreateNode(u.ConfigID)
		if err != nil {
			return err
		}
		nodes[u.ConfigID] = n
		n.SetLabel(fmt.Sprintf("%s\n%s", u.ProcessID, u.Variant))
		n.SetShape(cgraph.BoxShape)
		switch {
		case u.Implicit:
			n.SetColor("grey")
		case u.Variant == sfapi.VariantNestedWorkflow:
			n.SetColor("blue")
		}
		if len(u.PostExec) > 0 {
			n.SetXLabel(fmt.Sprintf("+%d post-exec", len(u.PostExec)))
		}

		if len(u.Dependencies()) == 0 && !u.Implicit {
			if _, err := graph.CreateEdge(u.ConfigID+":in", inputsTop, n); err != nil {
				return err
			}
		}
		for i, a := range u.Args {
			for _, r := range a.Refs() {
				src, ok := nodes[r.SourceConfigID]
				if !ok {
					return fmt.Errorf("unit %s reads %s, which is not drawn yet", u.ProcessID, r.SourceConfigID)
				}
				e, err := graph.CreateEdge(fmt.Sprintf("%s:%d:%s", u.ConfigID, i, r.SourceConfigID), src, n)
				if err != nil {
					return err
				}
				e.SetLabel(refLabel(u, i, r))
			}
		}
	}

	for _, o := range res.Outputs {
		src := inputsTop
		if !o.Static {
			src = nodes[o.SourceConfigID]
		}
		if src == nil {
			return fmt.Errorf("output %s has no producer", o.Tag)
		}
		e, err := graph.CreateEdge("out:"+o.Tag, src, outputsTop)
		if err != nil {
			return err
		}
		e.SetLabel(o.Tag)
	}

	return g.Render(graph, format, out)
}

func refLabel(u sfapi.WorkUnitConfig, argIndex int, r sfapi.Ref) string {
	label := fmt.Sprintf("arg%d", argIndex)
	if argIndex < len(u.ArgNames) {
		label = u.ArgNames[argIndex]
	}
	if r.OutputIndex != nil {
		label = fmt.Sprintf("%s [%d]", label, *r.OutputIndex)
	}
	if r.FromPostExec {
		label += fmt.Sprintf(" (post %d)", r.PostExecIndex)
	}
	return label
}

// WriteSVG renders res as svg to path.
//
// Errors:
//
//    - sciflo-error-internal -- when graphviz fails to render
//    - sciflo-error-io -- when the file cannot be written
func WriteSVG(res *sfapi.Resolution, path string) error {
	var buf bytes.Buffer
	if err := Graph(res, graphviz.SVG, &buf); err != nil {
		return sfapi.ErrorInternal("rendering workflow graph", err)
	}
	return fsutil.WriteFileAtomic(path, buf.Bytes(), 0644)
}
