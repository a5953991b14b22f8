// Package inspect parses learner submissions with tree-sitter and reports
// the first top-level callable without executing anything.
package inspect

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/python"

	"codecoach/internal/logging"
)

// Language identifies the source language of a submission.
type Language string

const (
	Python Language = "python"
	Go     Language = "go"
)

// ParseLanguage maps a user-supplied name to a Language. Blank means Python.
func ParseLanguage(name string) (Language, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "python", "py", "python3":
		return Python, nil
	case "go", "golang":
		return Go, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedLanguage, name)
}

var (
	// ErrNoCallable means the submission defines no top-level function.
	ErrNoCallable = errors.New("no function definition found")
	// ErrUnsupportedLanguage is returned for languages without a grammar.
	ErrUnsupportedLanguage = errors.New("unsupported language")
)

// SyntaxError reports the first parse error. Line and Column are 1-based.
type SyntaxError struct {
	Line    int
	Column  int
	Message string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("%s (line %d, column %d)", e.Message, e.Line, e.Column)
}

// Signature describes the first top-level callable of a submission.
type Signature struct {
	Language Language `json:"language"`
	Name     string   `json:"name"`
	// Params are the positional parameter names in declaration order.
	Params []string `json:"params"`
	// Variadic is set for *args (Python) or a ...T parameter (Go).
	Variadic bool `json:"variadic,omitempty"`
	// Keywords is set for **kwargs.
	Keywords bool `json:"keywords,omitempty"`
	Line     int  `json:"line"`
}

func (s *Signature) String() string {
	return fmt.Sprintf("%s(%s)", s.Name, strings.Join(s.Params, ", "))
}

// parsed is a syntax tree together with the source it was built from.
type parsed struct {
	lang Language
	src  []byte
	tree *sitter.Tree
}

func (p *parsed) root() *sitter.Node { return p.tree.RootNode() }

func (p *parsed) text(n *sitter.Node) string { return n.Content(p.src) }

func (p *parsed) close() { p.tree.Close() }

func grammar(lang Language) (*sitter.Language, error) {
	switch lang {
	case Python:
		return python.GetLanguage(), nil
	case Go:
		return golang.GetLanguage(), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, lang)
}

// parse builds a fresh parser per call; tree-sitter parsers are not safe
// for concurrent use.
func parse(ctx context.Context, lang Language, code string) (*parsed, error) {
	g, err := grammar(lang)
	if err != nil {
		return nil, err
	}
	parser := sitter.NewParser()
	parser.SetLanguage(g)

	src := []byte(code)
	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, fmt.Errorf("parse failed: %w", err)
	}
	return &parsed{lang: lang, src: src, tree: tree}, nil
}

// syntaxError returns the first ERROR or missing node in document order.
func (p *parsed) syntaxError() *SyntaxError {
	root := p.root()
	if !root.HasError() {
		return nil
	}

	var found *sitter.Node
	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		if found != nil {
			return
		}
		if n.Type() == "ERROR" || n.IsMissing() {
			found = n
			return
		}
		if !n.HasError() {
			return
		}
		for i := 0; i < int(n.ChildCount()); i++ {
			walk(n.Child(i))
		}
	}
	walk(root)
	if found == nil {
		found = root
	}

	pos := found.StartPoint()
	msg := "invalid syntax"
	if found.IsMissing() {
		msg = fmt.Sprintf("missing %q", found.Type())
	} else if snippet := firstLine(p.text(found)); snippet != "" {
		msg = fmt.Sprintf("invalid syntax near %q", snippet)
	}
	return &SyntaxError{Line: int(pos.Row) + 1, Column: int(pos.Column) + 1, Message: msg}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	if r := []rune(s); len(r) > 24 {
		s = string(r[:24]) + "..."
	}
	return s
}

// callable returns the first top-level function node.
func (p *parsed) callable() *sitter.Node {
	root := p.root()
	for i := 0; i < int(root.NamedChildCount()); i++ {
		child := root.NamedChild(i)
		switch p.lang {
		case Python:
			switch child.Type() {
			case "function_definition":
				return child
			case "decorated_definition":
				if def := child.ChildByFieldName("definition"); def != nil && def.Type() == "function_definition" {
					return def
				}
			}
		case Go:
			if child.Type() == "function_declaration" {
				return child
			}
		}
	}
	return nil
}

// Inspect parses code and describes its first top-level callable.
//
// It returns a *SyntaxError when the code does not parse and ErrNoCallable
// when it parses but defines no function.
func Inspect(ctx context.Context, lang Language, code string) (*Signature, error) {
	p, err := parse(ctx, lang, code)
	if err != nil {
		return nil, err
	}
	defer p.close()

	if serr := p.syntaxError(); serr != nil {
		logging.InspectDebug("syntax error: %v", serr)
		return nil, serr
	}

	fn := p.callable()
	if fn == nil {
		return nil, ErrNoCallable
	}

	sig := &Signature{Language: lang, Line: int(fn.StartPoint().Row) + 1}
	if name := fn.ChildByFieldName("name"); name != nil {
		sig.Name = p.text(name)
	}
	if params := fn.ChildByFieldName("parameters"); params != nil {
		switch lang {
		case Python:
			p.pythonParams(params, sig)
		case Go:
			p.goParams(params, sig)
		}
	}
	logging.InspectDebug("found callable %s", sig)
	return sig, nil
}

func (p *parsed) pythonParams(list *sitter.Node, sig *Signature) {
	for i := 0; i < int(list.NamedChildCount()); i++ {
		param := list.NamedChild(i)
		switch param.Type() {
		case "identifier":
			sig.Params = append(sig.Params, p.text(param))
		case "default_parameter", "typed_default_parameter":
			if name := param.ChildByFieldName("name"); name != nil {
				sig.Params = append(sig.Params, p.text(name))
			}
		case "typed_parameter":
			// The first named child is the identifier or a splat pattern.
			if param.NamedChildCount() == 0 {
				continue
			}
			inner := param.NamedChild(0)
			switch inner.Type() {
			case "identifier":
				sig.Params = append(sig.Params, p.text(inner))
			case "list_splat_pattern":
				sig.Variadic = true
			case "dictionary_splat_pattern":
				sig.Keywords = true
			}
		case "list_splat_pattern":
			sig.Variadic = true
		case "dictionary_splat_pattern":
			sig.Keywords = true
		}
	}
}

func (p *parsed) goParams(list *sitter.Node, sig *Signature) {
	for i := 0; i < int(list.NamedChildCount()); i++ {
		decl := list.NamedChild(i)
		switch decl.Type() {
		case "parameter_declaration":
			// Names are identifiers; the trailing type never is.
			named := false
			for j := 0; j < int(decl.NamedChildCount()); j++ {
				if child := decl.NamedChild(j); child.Type() == "identifier" {
					named = true
					sig.Params = append(sig.Params, p.text(child))
				}
			}
			if !named {
				// Unnamed parameter: func f(int, string).
				sig.Params = append(sig.Params, fmt.Sprintf("_%d", len(sig.Params)))
			}
		case "variadic_parameter_declaration":
			sig.Variadic = true
		}
	}
}
