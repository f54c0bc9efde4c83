// Package xmlutil holds the XML plumbing shared by document substitution,
// the xpath variants, post-execution steps and the annotated document.
package xmlutil

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/antchfx/xmlquery"
	"github.com/antchfx/xpath"
)

// FragmentRoot is the synthetic element fragments are parsed under.
const FragmentRoot = "sciflo-fragment"

// Parse reads a complete XML document.
func Parse(s string) (*xmlquery.Node, error) {
	return xmlquery.Parse(strings.NewReader(s))
}

// ParseFragment parses s behind a synthetic root, so that text mixed with
// several sibling elements is accepted. It returns the synthetic root element.
func ParseFragment(s string) (*xmlquery.Node, error) {
	doc, err := xmlquery.Parse(strings.NewReader("<" + FragmentRoot + ">" + stripDecl(s) + "</" + FragmentRoot + ">"))
	if err != nil {
		return nil, err
	}
	root := xmlquery.FindOne(doc, "/"+FragmentRoot)
	if root == nil {
		return nil, fmt.Errorf("fragment has no root")
	}
	return root, nil
}

func stripDecl(s string) string {
	t := strings.TrimSpace(s)
	if strings.HasPrefix(t, "<?xml") {
		if i := strings.Index(t, "?>"); i >= 0 {
			return t[i+2:]
		}
	}
	return s
}

// LooksLikeXML reports whether s is plausibly markup rather than text.
func LooksLikeXML(s string) bool {
	t := strings.TrimSpace(s)
	return strings.HasPrefix(t, "<") && strings.HasSuffix(t, ">")
}

// IsFragment reports whether s parses as XML content.
func IsFragment(s string) bool {
	if !LooksLikeXML(s) {
		return false
	}
	_, err := ParseFragment(s)
	return err == nil
}

// Escape returns s with XML special characters escaped.
func Escape(s string) string {
	var buf bytes.Buffer
	xml.EscapeText(&buf, []byte(s))
	return buf.String()
}

// Eval evaluates an xpath expression against top.
// Node-set results collapse to one value when they hold a single node,
// otherwise to a list; element nodes are rendered as XML, others as text.
func Eval(top *xmlquery.Node, expr string) (interface{}, error) {
	compiled, err := xpath.Compile(expr)
	if err != nil {
		return nil, err
	}
	res := compiled.Evaluate(xmlquery.CreateXPathNavigator(top))
	switch x := res.(type) {
	case *xpath.NodeIterator:
		var out []interface{}
		for x.MoveNext() {
			nav, ok := x.Current().(*xmlquery.NodeNavigator)
			if !ok {
				continue
			}
			out = append(out, nodeValue(nav.Current()))
		}
		switch len(out) {
		case 0:
			return nil, nil
		case 1:
			return out[0], nil
		}
		return out, nil
	default:
		return x, nil
	}
}

func nodeValue(n *xmlquery.Node) interface{} {
	if n.Type == xmlquery.ElementNode && hasElementChild(n) {
		return n.OutputXML(true)
	}
	return n.InnerText()
}

func hasElementChild(n *xmlquery.Node) bool {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == xmlquery.ElementNode {
			return true
		}
	}
	return false
}

// EvalText parses text as XML (or as a fragment when it is not a whole document)
// and evaluates expr against it.
func EvalText(text string, expr string) (interface{}, error) {
	top, err := Parse(text)
	if err != nil {
		top, err = ParseFragment(text)
		if err != nil {
			return nil, err
		}
	}
	return Eval(top, expr)
}

// ToXML renders a json-shaped value as XML; strings that already are markup pass through.
func ToXML(v interface{}) string {
	if s, ok := v.(string); ok && LooksLikeXML(s) {
		return s
	}
	var buf bytes.Buffer
	writeValue(&buf, "result", v)
	return buf.String()
}

func writeValue(buf *bytes.Buffer, tag string, v interface{}) {
	buf.WriteString("<" + tag + ">")
	switch x := v.(type) {
	case nil:
	case []interface{}:
		for _, e := range x {
			writeValue(buf, "item", e)
		}
	case map[string]interface{}:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			writeValue(buf, k, x[k])
		}
	case string:
		if IsFragment(x) {
			buf.WriteString(x)
		} else {
			buf.WriteString(Escape(x))
		}
	default:
		buf.WriteString(Escape(Text(x)))
	}
	buf.WriteString("</" + tag + ">")
}

// Text renders a scalar the way it appears in element text.
func Text(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	}
	return fmt.Sprint(v)
}
