package workunit

import (
	"context"
	"encoding/json"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// Function is the native signature of a named function.
type Function func(ctx context.Context, args []interface{}) (interface{}, error)

var (
	functionsMu sync.RWMutex
	functions   = map[string]reflect.Value{}
)

// RegisterFunction makes fn callable from "python:NAME" bindings.
// fn may be a Function or any Go func; plain funcs have their arguments converted
// positionally and may return a trailing error.
func RegisterFunction(name string, fn interface{}) {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func {
		panic(fmt.Sprintf("RegisterFunction(%q): not a func", name))
	}
	functionsMu.Lock()
	defer functionsMu.Unlock()
	functions[name] = v
}

// FunctionNames lists registered named functions, sorted.
func FunctionNames() []string {
	functionsMu.RLock()
	defer functionsMu.RUnlock()
	out := make([]string, 0, len(functions))
	for n := range functions {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func lookupFunction(name string) (reflect.Value, bool) {
	functionsMu.RLock()
	defer functionsMu.RUnlock()
	v, ok := functions[name]
	return v, ok
}

func init() {
	RegisterFunction("sciflo.identity", func(v interface{}) interface{} { return v })
	RegisterFunction("sciflo.list", Function(func(ctx context.Context, args []interface{}) (interface{}, error) {
		return args, nil
	}))
	RegisterFunction("sciflo.join", func(sep string, parts []string) string { return strings.Join(parts, sep) })
	RegisterFunction("sciflo.sleep", Function(func(ctx context.Context, args []interface{}) (interface{}, error) {
		secs := 0.0
		if len(args) > 0 {
			secs, _ = args[0].(float64)
		}
		select {
		case <-time.After(time.Duration(secs * float64(time.Second))):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if len(args) > 1 {
			return args[1], nil
		}
		return secs, nil
	}))
}

func runNamedFunction(ctx context.Context, req Request, out io.Writer) (interface{}, error) {
	fn, ok := lookupFunction(req.Config.Call)
	if !ok {
		return nil, fmt.Errorf("no function registered as %q", req.Config.Call)
	}
	return callValue(ctx, fn, req.Args)
}

// runInlineFunction interprets Go source and calls its single top-level func.
func runInlineFunction(ctx context.Context, req Request, out io.Writer) (interface{}, error) {
	src, name, err := inlineSource(req.Config.Call)
	if err != nil {
		return nil, err
	}
	i := interp.New(interp.Options{Stdout: out, Stderr: out})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, err
	}
	if _, err := i.EvalWithContext(ctx, src); err != nil {
		return nil, fmt.Errorf("compiling inline function: %w", err)
	}
	fn, err := i.EvalWithContext(ctx, "main."+name)
	if err != nil {
		return nil, fmt.Errorf("locating %s: %w", name, err)
	}
	if fn.Kind() != reflect.Func {
		return nil, fmt.Errorf("%s is not a function", name)
	}
	return callValue(ctx, fn, req.Args)
}

// inlineSource returns compilable source and the name of the function to call.
// When several top-level funcs are present the last one is used.
func inlineSource(code string) (string, string, error) {
	src := strings.TrimSpace(code)
	if !strings.HasPrefix(src, "package ") {
		src = "package main\n\n" + src
	}
	f, err := parser.ParseFile(token.NewFileSet(), "inline.go", src, parser.SkipObjectResolution)
	if err != nil {
		return "", "", fmt.Errorf("parsing inline function: %w", err)
	}
	if f.Name.Name != "main" {
		return "", "", fmt.Errorf("inline code must be in package main, not %q", f.Name.Name)
	}
	name := ""
	for _, d := range f.Decls {
		if fd, ok := d.(*ast.FuncDecl); ok && fd.Recv == nil {
			name = fd.Name.Name
		}
	}
	if name == "" {
		return "", "", fmt.Errorf("inline code declares no top-level function")
	}
	return src, name, nil
}

var (
	typeContext = reflect.TypeOf((*context.Context)(nil)).Elem()
	typeError   = reflect.TypeOf((*error)(nil)).Elem()
	typeArgs    = reflect.TypeOf([]interface{}(nil))
)

// callValue calls fn with args converted to its parameter types.
// A leading context.Context parameter receives ctx. A func(ctx, []interface{}) receives args whole.
// Panics propagate to the caller.
func callValue(ctx context.Context, fn reflect.Value, args []interface{}) (interface{}, error) {
	t := fn.Type()
	var in []reflect.Value
	params := 0
	if t.NumIn() > 0 && t.In(0) == typeContext {
		in = append(in, reflect.ValueOf(ctx))
		params = 1
	}
	if t.NumIn()-params == 1 && t.In(params) == typeArgs && !t.IsVariadic() {
		in = append(in, reflect.ValueOf(args))
	} else {
		want := t.NumIn() - params
		if t.IsVariadic() {
			if len(args) < want-1 {
				return nil, fmt.Errorf("function takes at least %d arguments, got %d", want-1, len(args))
			}
		} else if len(args) != want {
			return nil, fmt.Errorf("function takes %d arguments, got %d", want, len(args))
		}
		for i, a := range args {
			var pt reflect.Type
			if t.IsVariadic() && i >= want-1 {
				pt = t.In(t.NumIn() - 1).Elem()
			} else {
				pt = t.In(params + i)
			}
			v, err := convertArg(a, pt)
			if err != nil {
				return nil, fmt.Errorf("argument %d: %w", i, err)
			}
			in = append(in, v)
		}
	}
	outs := fn.Call(in)
	if n := len(outs); n > 0 && t.Out(n-1) == typeError {
		if e := outs[n-1].Interface(); e != nil {
			return nil, e.(error)
		}
		outs = outs[:n-1]
	}
	switch len(outs) {
	case 0:
		return nil, nil
	case 1:
		return outs[0].Interface(), nil
	}
	multi := make([]interface{}, len(outs))
	for i, o := range outs {
		multi[i] = o.Interface()
	}
	return multi, nil
}

// convertArg converts a json-model value to t.
func convertArg(a interface{}, t reflect.Type) (reflect.Value, error) {
	if a == nil {
		return reflect.Zero(t), nil
	}
	v := reflect.ValueOf(a)
	if v.Type().AssignableTo(t) {
		return v, nil
	}
	if v.Type().ConvertibleTo(t) && kindCompatible(v.Kind(), t.Kind()) {
		return v.Convert(t), nil
	}
	switch t.Kind() {
	case reflect.Slice:
		if v.Kind() == reflect.Slice {
			out := reflect.MakeSlice(t, v.Len(), v.Len())
			for i := 0; i < v.Len(); i++ {
				e, err := convertArg(v.Index(i).Interface(), t.Elem())
				if err != nil {
					return reflect.Value{}, err
				}
				out.Index(i).Set(e)
			}
			return out, nil
		}
	case reflect.Map:
		if v.Kind() == reflect.Map && t.Key().Kind() == reflect.String {
			out := reflect.MakeMapWithSize(t, v.Len())
			iter := v.MapRange()
			for iter.Next() {
				e, err := convertArg(iter.Value().Interface(), t.Elem())
				if err != nil {
					return reflect.Value{}, err
				}
				out.SetMapIndex(reflect.ValueOf(fmt.Sprint(iter.Key().Interface())).Convert(t.Key()), e)
			}
			return out, nil
		}
	}
	// structs and anything else: go through json.
	serial, err := json.Marshal(a)
	if err != nil {
		return reflect.Value{}, err
	}
	ptr := reflect.New(t)
	if err := json.Unmarshal(serial, ptr.Interface()); err != nil {
		return reflect.Value{}, fmt.Errorf("cannot use %T as %s: %w", a, t, err)
	}
	return ptr.Elem(), nil
}

// kindCompatible rules out conversions that reflect allows but that change meaning,
// such as int to string.
func kindCompatible(from, to reflect.Kind) bool {
	isNum := func(k reflect.Kind) bool {
		return k >= reflect.Int && k <= reflect.Float64
	}
	if isNum(from) || isNum(to) {
		return isNum(from) && isNum(to)
	}
	return true
}
