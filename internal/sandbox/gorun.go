package sandbox

import (
	"encoding/json"
	"fmt"
	"go/parser"
	"go/token"
	"io"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"testing/fstest"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// allowedImports are the only packages interpreted Go may import. Anything
// touching the filesystem, network, processes or unsafe memory is absent.
var allowedImports = map[string]bool{
	"bytes":          true,
	"container/heap": true,
	"container/list": true,
	"errors":         true,
	"fmt":            true,
	"maps":           true,
	"math":           true,
	"math/bits":      true,
	"regexp":         true,
	"slices":         true,
	"sort":           true,
	"strconv":        true,
	"strings":        true,
	"unicode":        true,
	"unicode/utf8":   true,
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// goSymbols restricts yaegi's stdlib export table to allowedImports. Keys
// have the form "path/name".
func goSymbols() interp.Exports {
	out := interp.Exports{}
	for key, syms := range stdlib.Symbols {
		i := strings.LastIndex(key, "/")
		if i < 0 || !allowedImports[key[:i]] {
			continue
		}
		out[key] = syms
	}
	return out
}

// prepareGo adds a package clause when the submission has none, checks its
// imports and returns the source with its package name.
func prepareGo(code string) (src, pkg string, err error) {
	src = code
	fset := token.NewFileSet()
	f, perr := parser.ParseFile(fset, "submission.go", src, parser.ImportsOnly)
	if perr != nil {
		src = "package main\n\n" + code
		f, perr = parser.ParseFile(token.NewFileSet(), "submission.go", src, parser.ImportsOnly)
		if perr != nil {
			return "", "", perr
		}
	}
	var denied []string
	for _, imp := range f.Imports {
		path, _ := strconv.Unquote(imp.Path.Value)
		if !allowedImports[path] {
			denied = append(denied, strconv.Quote(path))
		}
	}
	if len(denied) > 0 {
		sort.Strings(denied)
		return "", "", fmt.Errorf("import of %s is not allowed", strings.Join(denied, ", "))
	}
	return src, f.Name.Name, nil
}

// runGo interprets the submission and calls it once per input. The first
// fault stops the run.
func runGo(p *payload) *report {
	rep := &report{Results: []json.RawMessage{}}

	src, pkg, err := prepareGo(p.Code)
	if err != nil {
		rep.Fault = &faultReport{Kind: "runtime", Type: "CompileError", Message: err.Error()}
		return rep
	}

	i := interp.New(interp.Options{
		Stdout:               io.Discard,
		Stderr:               io.Discard,
		SourcecodeFilesystem: fstest.MapFS{},
	})
	if err := i.Use(goSymbols()); err != nil {
		rep.Fault = &faultReport{Kind: "runtime", Type: "InternalError", Message: err.Error()}
		return rep
	}
	if _, err := i.Eval(src); err != nil {
		rep.Fault = &faultReport{Kind: "runtime", Type: "CompileError", Message: err.Error()}
		return rep
	}
	fn, err := i.Eval(pkg + "." + p.Callable)
	if err != nil {
		// Symbols of package main are also reachable unqualified.
		fn, err = i.Eval(p.Callable)
	}
	if err != nil || fn.Kind() != reflect.Func {
		rep.Fault = &faultReport{Kind: "runtime", Type: "NameError",
			Message: fmt.Sprintf("function %q is not defined", p.Callable)}
		return rep
	}

	for _, raw := range p.Inputs {
		out, fault := callGo(fn, raw)
		if fault != nil {
			rep.Fault = fault
			return rep
		}
		rep.Results = append(rep.Results, out)
	}
	return rep
}

// callGo binds one JSON input to fn's parameters, calls it and encodes the
// result. A JSON array is spread over the parameters unless fn takes a
// single parameter and the array length differs from one, in which case the
// array itself is the argument. Objects and scalars are a single argument.
func callGo(fn reflect.Value, raw json.RawMessage) (out json.RawMessage, fault *faultReport) {
	args, err := bindGo(fn.Type(), raw)
	if err != nil {
		return nil, &faultReport{Kind: "runtime", Type: "TypeError", Message: err.Error()}
	}

	defer func() {
		if r := recover(); r != nil {
			out = nil
			fault = &faultReport{Kind: "runtime", Type: "panic", Message: fmt.Sprint(r)}
		}
	}()
	results := fn.Call(args)

	var values []any
	for idx, v := range results {
		if idx == len(results)-1 && v.Type().Implements(errorType) {
			if !v.IsNil() {
				return nil, &faultReport{Kind: "runtime", Type: "error", Message: v.Interface().(error).Error()}
			}
			continue
		}
		values = append(values, v.Interface())
	}

	var value any
	switch len(values) {
	case 0:
	case 1:
		value = values[0]
	default:
		value = values
	}
	data, err := json.Marshal(value)
	if err != nil {
		data, _ = json.Marshal(fmt.Sprintf("%v", value))
	}
	return data, nil
}

func bindGo(t reflect.Type, raw json.RawMessage) ([]reflect.Value, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil || (t.NumIn() == 1 && len(elems) != 1 && !t.IsVariadic()) {
		elems = []json.RawMessage{raw}
	}

	n := t.NumIn()
	if t.IsVariadic() {
		if len(elems) < n-1 {
			return nil, fmt.Errorf("function takes at least %d argument(s) but %d were given", n-1, len(elems))
		}
	} else if len(elems) != n {
		return nil, fmt.Errorf("function takes %d argument(s) but %d were given", n, len(elems))
	}

	args := make([]reflect.Value, len(elems))
	for idx, e := range elems {
		pt := paramType(t, idx)
		v := reflect.New(pt)
		if err := json.Unmarshal(e, v.Interface()); err != nil {
			return nil, fmt.Errorf("argument %d: cannot use %s as %s", idx+1, e, pt)
		}
		args[idx] = v.Elem()
	}
	return args, nil
}

func paramType(t reflect.Type, idx int) reflect.Type {
	if t.IsVariadic() && idx >= t.NumIn()-1 {
		return t.In(t.NumIn() - 1).Elem()
	}
	return t.In(idx)
}
