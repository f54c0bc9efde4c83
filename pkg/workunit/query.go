package workunit

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/antchfx/xmlquery"
	"github.com/antchfx/xpath"

	"github.com/warptools/sciflo/pkg/marshal"
	"github.com/warptools/sciflo/pkg/xmlutil"
)

// runXPath evaluates the call expression against each document argument.
// One document yields the bare result, several yield a list.
func runXPath(ctx context.Context, req Request, out io.Writer) (interface{}, error) {
	return evalDocuments(ctx, req, func(top *xmlquery.Node) (interface{}, error) {
		return xmlutil.Eval(top, req.Config.Call)
	})
}

// runXQuery evaluates the query with the xpath engine and reports node results as XML.
func runXQuery(ctx context.Context, req Request, out io.Writer) (interface{}, error) {
	expr, err := xpath.Compile(req.Config.Call)
	if err != nil {
		return nil, fmt.Errorf("compiling %q: %w", req.Config.Call, err)
	}
	return evalDocuments(ctx, req, func(top *xmlquery.Node) (interface{}, error) {
		iter, ok := expr.Evaluate(xmlquery.CreateXPathNavigator(top)).(*xpath.NodeIterator)
		if !ok {
			return xmlutil.Eval(top, req.Config.Call)
		}
		var parts []string
		for iter.MoveNext() {
			nav, ok := iter.Current().(*xmlquery.NodeNavigator)
			if !ok {
				continue
			}
			n := nav.Current()
			if n.Type == xmlquery.ElementNode {
				parts = append(parts, n.OutputXML(true))
			} else {
				parts = append(parts, n.InnerText())
			}
		}
		return strings.Join(parts, "\n"), nil
	})
}

func evalDocuments(ctx context.Context, req Request, eval func(*xmlquery.Node) (interface{}, error)) (interface{}, error) {
	if len(req.Args) == 0 {
		return nil, fmt.Errorf("no document to query")
	}
	stager := marshal.NewStager(req.S3)
	results := make([]interface{}, 0, len(req.Args))
	for i, a := range req.Args {
		text, err := documentText(ctx, stager, a, req.WorkingDir)
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
		top, err := xmlutil.Parse(text)
		if err != nil {
			if top, err = xmlutil.ParseFragment(text); err != nil {
				return nil, fmt.Errorf("document %d is not XML: %w", i, err)
			}
		}
		v, err := eval(top)
		if err != nil {
			return nil, fmt.Errorf("evaluating %q: %w", req.Config.Call, err)
		}
		results = append(results, v)
	}
	if len(results) == 1 {
		return results[0], nil
	}
	return results, nil
}

// documentText accepts inline markup, a local path or a url.
func documentText(ctx context.Context, stager *marshal.Stager, v interface{}, dir string) (string, error) {
	s, ok := v.(string)
	if !ok {
		return xmlutil.ToXML(v), nil
	}
	if xmlutil.LooksLikeXML(s) {
		return s, nil
	}
	path := s
	if marshal.IsURL(s) {
		local, err := stager.Fetch(ctx, s, dir)
		if err != nil {
			return "", err
		}
		path = local
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
