package marshal

import (
	"fmt"
	"strings"

	"github.com/antchfx/xmlquery"

	"github.com/warptools/sciflo/pkg/xmlutil"
)

// SlotPrefix marks an element whose text is a reference to be substituted.
const SlotPrefix = "@#"

// DocumentSlots lists the reference text of every slot in template, in document order.
// A slot is an element with no element children whose trimmed text starts with "@#".
func DocumentSlots(template string) ([]string, error) {
	root, err := xmlutil.ParseFragment(template)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, n := range slotNodes(root) {
		out = append(out, strings.TrimSpace(n.InnerText()))
	}
	return out, nil
}

func slotNodes(root *xmlquery.Node) []*xmlquery.Node {
	var out []*xmlquery.Node
	var walk func(n *xmlquery.Node)
	walk = func(n *xmlquery.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != xmlquery.ElementNode {
				continue
			}
			if !hasElementChild(c) && strings.HasPrefix(strings.TrimSpace(c.InnerText()), SlotPrefix) {
				out = append(out, c)
				continue
			}
			walk(c)
		}
	}
	walk(root)
	return out
}

func hasElementChild(n *xmlquery.Node) bool {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == xmlquery.ElementNode {
			return true
		}
	}
	return false
}

// Substitute fills the slots of template with values, in order.
//
// Each value is inserted as one of:
//   - plain text, for scalars and strings without markup characters;
//   - a CDATA section, for strings that carry markup characters but are not markup;
//   - child elements, when the string is a well-formed element or fragment
//     (an xml declaration is stripped first);
//   - escaped text, when the string looks like markup but does not parse.
// Lists of scalars become space separated text, other lists insert each item in turn;
// mappings are rendered as elements.
func Substitute(template string, values []interface{}) (string, error) {
	root, err := xmlutil.ParseFragment(template)
	if err != nil {
		return "", fmt.Errorf("document template does not parse: %w", err)
	}
	slots := slotNodes(root)
	if len(slots) != len(values) {
		return "", fmt.Errorf("document has %d slots but %d values were given", len(slots), len(values))
	}
	for i, slot := range slots {
		for c := slot.FirstChild; c != nil; {
			next := c.NextSibling
			xmlquery.RemoveFromTree(c)
			c = next
		}
		insertValue(slot, values[i])
	}
	return root.OutputXML(false), nil
}

// AppendValue inserts v under parent the way Substitute fills a slot.
func AppendValue(parent *xmlquery.Node, v interface{}) {
	insertValue(parent, v)
}

func insertValue(slot *xmlquery.Node, v interface{}) {
	switch x := v.(type) {
	case []interface{}:
		if words, ok := plainWords(x); ok {
			xmlquery.AddChild(slot, &xmlquery.Node{Type: xmlquery.TextNode, Data: strings.Join(words, " ")})
			return
		}
		for _, e := range x {
			insertValue(slot, e)
		}
		return
	case map[string]interface{}:
		insertMarkup(slot, xmlutil.ToXML(x))
		return
	case string:
		switch {
		case xmlutil.IsFragment(x):
			insertMarkup(slot, x)
		case xmlutil.LooksLikeXML(x):
			// malformed markup is kept as text
			xmlquery.AddChild(slot, &xmlquery.Node{Type: xmlquery.TextNode, Data: x})
		case strings.ContainsAny(x, "<&") && !strings.Contains(x, "]]>"):
			xmlquery.AddChild(slot, &xmlquery.Node{Type: xmlquery.CharDataNode, Data: x})
		default:
			xmlquery.AddChild(slot, &xmlquery.Node{Type: xmlquery.TextNode, Data: x})
		}
		return
	}
	xmlquery.AddChild(slot, &xmlquery.Node{Type: xmlquery.TextNode, Data: xmlutil.Text(v)})
}

func insertMarkup(slot *xmlquery.Node, markup string) {
	frag, err := xmlutil.ParseFragment(markup)
	if err != nil {
		xmlquery.AddChild(slot, &xmlquery.Node{Type: xmlquery.TextNode, Data: markup})
		return
	}
	for c := frag.FirstChild; c != nil; {
		next := c.NextSibling
		xmlquery.RemoveFromTree(c)
		xmlquery.AddChild(slot, c)
		c = next
	}
}

// plainWords renders a list of scalars as text; it fails if any item is markup or a container.
func plainWords(l []interface{}) ([]string, bool) {
	words := make([]string, 0, len(l))
	for _, e := range l {
		switch x := e.(type) {
		case []interface{}, map[string]interface{}:
			return nil, false
		case string:
			if xmlutil.LooksLikeXML(x) {
				return nil, false
			}
		}
		words = append(words, xmlutil.Text(e))
	}
	return words, true
}
