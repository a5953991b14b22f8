package inspect

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	sitter "github.com/smacker/go-tree-sitter"
)

// DefaultMinLength is the fewest non-space characters a submission needs.
const DefaultMinLength = 10

const (
	IssueEmptyBody = "Function body is empty (only contains pass)"
	IssueTooShort  = "Code is too short, needs implementation"
)

// Quality lists the reasons a submission is too trivial to run. An empty
// result means the submission may proceed.
func Quality(ctx context.Context, lang Language, code string) []string {
	return QualityWithMin(ctx, lang, code, DefaultMinLength)
}

// QualityWithMin is Quality with a configurable minimum length.
func QualityWithMin(ctx context.Context, lang Language, code string, minLength int) []string {
	var issues []string

	p, err := parse(ctx, lang, code)
	if err != nil {
		return []string{fmt.Sprintf("Syntax error: %v", err)}
	}
	defer p.close()

	if fn := p.callable(); fn != nil && p.placeholderBody(fn) {
		issues = append(issues, IssueEmptyBody)
	}
	if nonSpace(code) < minLength {
		issues = append(issues, IssueTooShort)
	}
	if serr := p.syntaxError(); serr != nil {
		issues = append(issues, "Syntax error: "+serr.Error())
	}
	return issues
}

func nonSpace(s string) int {
	n := 0
	for _, r := range s {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}

// placeholderBody reports whether the callable's body ends in a
// placeholder: pass or ... for Python, nothing at all for Go.
func (p *parsed) placeholderBody(fn *sitter.Node) bool {
	body := fn.ChildByFieldName("body")
	if body == nil {
		return p.lang == Go
	}

	var last *sitter.Node
	statements(body, func(n *sitter.Node) { last = n })

	switch p.lang {
	case Python:
		if last == nil {
			return true
		}
		switch last.Type() {
		case "pass_statement":
			return true
		case "expression_statement":
			return strings.TrimSpace(p.text(last)) == "..."
		}
		return false
	case Go:
		return last == nil
	}
	return false
}

// statements calls fn for every statement of a block in order, skipping
// comments and descending into the statement_list wrapper newer Go grammars
// emit.
func statements(block *sitter.Node, fn func(*sitter.Node)) {
	for i := 0; i < int(block.NamedChildCount()); i++ {
		child := block.NamedChild(i)
		switch child.Type() {
		case "comment":
			continue
		case "statement_list":
			statements(child, fn)
		default:
			fn(child)
		}
	}
}

// =============================================================================
// DECLARED SIGNATURES
// =============================================================================

var declaredPattern = regexp.MustCompile(`(?:def\s+|func\s+)?([A-Za-z_]\w*)\s*\(([^)]*)\)`)

// placeholderName is the generic name used when a checkpoint leaves the
// signature undefined.
const placeholderName = "function"

// Declared is a signature parsed from a checkpoint's function_signature.
type Declared struct {
	Name   string
	Params int
}

// ParseDeclared extracts a name and parameter count from a signature such
// as "def add(a: int, b: int) -> int". It returns false when the text is
// not a recognizable signature or is the generic placeholder.
func ParseDeclared(signature string) (Declared, bool) {
	m := declaredPattern.FindStringSubmatch(signature)
	if m == nil || m[1] == placeholderName {
		return Declared{}, false
	}

	count := 0
	for _, part := range splitTopLevel(m[2]) {
		part = strings.TrimSpace(part)
		if part == "" || part == "self" || part == "/" || part == "*" || strings.HasPrefix(part, "*") {
			continue
		}
		count++
	}
	return Declared{Name: m[1], Params: count}, true
}

// splitTopLevel splits on commas outside brackets.
func splitTopLevel(s string) []string {
	var parts []string
	depth, start := 0, 0
	for i, r := range s {
		switch r {
		case '[', '(', '{':
			depth++
		case ']', ')', '}':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, s[start:])
}

// MismatchError reports a callable that differs from the declared one.
type MismatchError struct {
	Declared Declared
	Found    *Signature
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("expected function %s with %d parameter(s), found %s with %d",
		e.Declared.Name, e.Declared.Params, e.Found.Name, len(e.Found.Params))
}

// CheckDeclared compares sig against a declared signature. Undeclared or
// placeholder signatures always match.
func CheckDeclared(sig *Signature, declared string) error {
	d, ok := ParseDeclared(declared)
	if !ok || sig == nil {
		return nil
	}
	if sig.Name != d.Name || len(sig.Params) != d.Params {
		return &MismatchError{Declared: d, Found: sig}
	}
	return nil
}
