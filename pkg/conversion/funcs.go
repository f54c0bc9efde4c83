package conversion

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/warptools/sciflo/pkg/xmlutil"
)

// Env is what a converter may use besides its input.
type Env struct {
	From string
	To   string
	// OutDir receives any files the conversion produces.
	OutDir string
	// BaseName is the file name stem for produced files.
	BaseName string
}

func (e Env) outPath(ext string) string {
	base := e.BaseName
	if base == "" {
		base = "converted"
	}
	if ext != "" {
		base += "." + ext
	}
	return filepath.Join(e.OutDir, base)
}

type Func func(ctx context.Context, in interface{}, env Env) (interface{}, error)

// Converter is a named conversion function.
// FileLocalizing converters receive local paths in place of every URL in their input.
type Converter struct {
	Name           string
	FileLocalizing bool
	Fn             Func
}

var (
	funcsMu sync.RWMutex
	funcs   = map[string]Converter{}
)

// RegisterFunc adds or replaces a converter by name.
func RegisterFunc(c Converter) {
	funcsMu.Lock()
	defer funcsMu.Unlock()
	funcs[c.Name] = c
}

// LookupFunc finds a registered converter.
func LookupFunc(name string) (Converter, bool) {
	funcsMu.RLock()
	defer funcsMu.RUnlock()
	c, ok := funcs[name]
	return c, ok
}

// FuncNames lists registered converters, sorted.
func FuncNames() []string {
	funcsMu.RLock()
	defer funcsMu.RUnlock()
	names := make([]string, 0, len(funcs))
	for n := range funcs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func coerceTo(typ string) Func {
	return func(ctx context.Context, in interface{}, env Env) (interface{}, error) {
		return Coerce(in, typ)
	}
}

func init() {
	for _, c := range []Converter{
		{Name: "string_to_int", Fn: coerceTo("xs:int")},
		{Name: "string_to_float", Fn: coerceTo("xs:double")},
		{Name: "string_to_bool", Fn: coerceTo("xs:boolean")},
		{Name: "to_int", Fn: coerceTo("xs:int")},
		{Name: "to_float", Fn: coerceTo("xs:double")},
		{Name: "to_string", Fn: toString},
		{Name: "to_xml", Fn: func(ctx context.Context, in interface{}, env Env) (interface{}, error) {
			return xmlutil.ToXML(in), nil
		}},
		{Name: "xml_text", Fn: xmlText},
		{Name: "to_json", Fn: func(ctx context.Context, in interface{}, env Env) (interface{}, error) {
			serial, err := json.Marshal(in)
			return string(serial), err
		}},
		{Name: "from_json", Fn: fromJSON},
		{Name: "to_list", Fn: toList},
		{Name: "first", Fn: first},
		{Name: "bytes_to_file", Fn: bytesToFile},
		{Name: "url_to_file", FileLocalizing: true, Fn: localFile},
		{Name: "urls_to_files", FileLocalizing: true, Fn: toList},
		{Name: "file_to_string", FileLocalizing: true, Fn: fileToString},
	} {
		RegisterFunc(c)
	}
}

func toString(ctx context.Context, in interface{}, env Env) (interface{}, error) {
	switch x := in.(type) {
	case []interface{}, map[string]interface{}:
		serial, err := json.Marshal(x)
		return string(serial), err
	}
	return xmlutil.Text(in), nil
}

func xmlText(ctx context.Context, in interface{}, env Env) (interface{}, error) {
	s, ok := in.(string)
	if !ok {
		return nil, fmt.Errorf("expected xml text, got %T", in)
	}
	root, err := xmlutil.ParseFragment(s)
	if err != nil {
		return nil, err
	}
	return strings.TrimSpace(root.InnerText()), nil
}

func fromJSON(ctx context.Context, in interface{}, env Env) (interface{}, error) {
	s, ok := in.(string)
	if !ok {
		return in, nil
	}
	var out interface{}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func toList(ctx context.Context, in interface{}, env Env) (interface{}, error) {
	if l, ok := in.([]interface{}); ok {
		return l, nil
	}
	return []interface{}{in}, nil
}

func first(ctx context.Context, in interface{}, env Env) (interface{}, error) {
	l, ok := in.([]interface{})
	if !ok {
		return in, nil
	}
	if len(l) == 0 {
		return nil, fmt.Errorf("empty list has no first element")
	}
	return l[0], nil
}

func bytesToFile(ctx context.Context, in interface{}, env Env) (interface{}, error) {
	if env.OutDir == "" {
		return nil, fmt.Errorf("bytes_to_file needs an output directory")
	}
	var data []byte
	switch x := in.(type) {
	case string:
		data = []byte(x)
	case []byte:
		data = x
	default:
		serial, err := json.Marshal(x)
		if err != nil {
			return nil, err
		}
		data = serial
	}
	ext, _ := FileExtension(env.To)
	path := env.outPath(ext)
	if err := os.MkdirAll(env.OutDir, 0755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return nil, err
	}
	return path, nil
}

// localFile receives an already localized path; it only fixes up the extension.
func localFile(ctx context.Context, in interface{}, env Env) (interface{}, error) {
	path, ok := in.(string)
	if !ok {
		return nil, fmt.Errorf("expected a path, got %T", in)
	}
	ext, ok := FileExtension(env.To)
	if !ok || strings.EqualFold(filepath.Ext(path), "."+ext) {
		return path, nil
	}
	renamed := path + "." + ext
	if err := os.Rename(path, renamed); err != nil {
		return nil, err
	}
	return renamed, nil
}

func fileToString(ctx context.Context, in interface{}, env Env) (interface{}, error) {
	path, ok := in.(string)
	if !ok {
		return nil, fmt.Errorf("expected a path, got %T", in)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
