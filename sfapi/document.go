package sfapi

import (
	"bytes"
	"encoding/xml"
	"strings"
)

// Document is the root of a workflow document.
// Raw holds the bytes it was parsed from, so annotation can work on an exact copy.
type Document struct {
	XMLName xml.Name `xml:"sciflo"`
	Flow    Flow     `xml:"flow"`
	Raw     []byte   `xml:"-"`
}

type Flow struct {
	ID          string       `xml:"id,attr"`
	Name        string       `xml:"name,attr"`
	Description string       `xml:"description"`
	Inputs      *ElementList `xml:"inputs"`
	Outputs     *ElementList `xml:"outputs"`
	Processes   *ProcessList `xml:"processes"`
}

// DisplayName is the name attribute, falling back to the flow id.
func (f Flow) DisplayName() string {
	if f.Name != "" {
		return f.Name
	}
	return f.ID
}

// ElementList is a container whose children are arbitrarily named tags.
type ElementList struct {
	Items []Element `xml:",any"`
}

func (l *ElementList) Len() int {
	if l == nil {
		return 0
	}
	return len(l.Items)
}

func (l *ElementList) List() []Element {
	if l == nil {
		return nil
	}
	return l.Items
}

// Element is a generic tagged element: a global input, global output, or process port.
type Element struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Text     string     `xml:",chardata"`
	Inner    string     `xml:",innerxml"`
	Children []Element  `xml:",any"`
}

func (e Element) Tag() string {
	return e.XMLName.Local
}

// Attr returns the value of the attribute with the given local name.
func (e Element) Attr(name string) (string, bool) {
	for _, a := range e.Attrs {
		if a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

func (e Element) AttrOr(name string, fallback string) string {
	if v, ok := e.Attr(name); ok {
		return v
	}
	return fallback
}

func (e Element) Type() string {
	return e.AttrOr("type", "")
}

// TrimmedText is the element's character data without surrounding whitespace.
func (e Element) TrimmedText() string {
	return strings.TrimSpace(e.Text)
}

type ProcessList struct {
	Items []Process `xml:"process"`
}

type Process struct {
	ID         string       `xml:"id,attr"`
	Retries    string       `xml:"retries,attr"`
	Timeout    string       `xml:"timeout,attr"`
	Inputs     *ElementList `xml:"inputs"`
	Outputs    *ElementList `xml:"outputs"`
	StageFiles []StageDecl  `xml:"stageFiles>file"`
	Operator   *Operator    `xml:"operator"`
}

type StageDecl struct {
	Bundle string `xml:"bundle,attr"`
	Source string `xml:",chardata"`
}

type Operator struct {
	Ops []Op `xml:"op"`
}

type Op struct {
	Bindings []Binding `xml:"binding"`
}

type Binding struct {
	JobQueue string    `xml:"job_queue,attr"`
	Async    string    `xml:"async,attr"`
	Text     string    `xml:",chardata"`
	Headers  []Header  `xml:"headers>header"`
	Nested   *Document `xml:"sciflo"`
}

type Header struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

// ParseDocument decodes a workflow document.
// It does not validate; the resolver does that.
//
// Errors:
//
//    - sciflo-error-schema-invalid -- when the bytes are not a sciflo document
func ParseDocument(data []byte) (*Document, error) {
	var doc Document
	dec := xml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&doc); err != nil {
		return nil, ErrorSchemaInvalid("sciflo", err.Error())
	}
	doc.Raw = append([]byte(nil), data...)
	return &doc, nil
}

// Processes returns the processes in document order.
func (d *Document) Processes() []Process {
	if d.Flow.Processes == nil {
		return nil
	}
	return d.Flow.Processes.Items
}
