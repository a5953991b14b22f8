// Package checkpoint defines the unit of a generated lesson and coerces
// loosely-shaped model output into it.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"codecoach/internal/inspect"
)

// Defaults for fields the model left out or left blank.
const (
	DefaultTitle             = "Untitled checkpoint"
	DefaultObjective         = "Define the goal for this step."
	DefaultConcept           = "Key concept involved."
	DefaultFunctionSignature = "function(arg: type) -> return_type"
	DefaultExpectedOutput    = "Describe expected behavior or result."
	DefaultValidationType    = "custom"
)

var (
	// ErrEmptyResponse means there was no text to parse.
	ErrEmptyResponse = errors.New("response was empty; no JSON to parse")
	// ErrNoCheckpoints means parsing succeeded but nothing usable remained.
	ErrNoCheckpoints = errors.New("no checkpoints after parsing")
)

var fencedJSON = regexp.MustCompile("(?s)```json\\s*(.*?)```")

// Checkpoint is one step of a lesson with the tests that validate it.
type Checkpoint struct {
	Index             int              `json:"index"`
	Title             string           `json:"title"`
	Objective         string           `json:"objective"`
	Concept           string           `json:"concept"`
	FunctionSignature string           `json:"function_signature"`
	Rules             []string         `json:"rules"`
	ExpectedOutput    string           `json:"expected_output"`
	Hints             []string         `json:"hints"`
	TestInputs        []any            `json:"test_inputs"`
	ExpectedOutputs   []any            `json:"expected_outputs"`
	ValidationType    string           `json:"validation_type"`
	Language          inspect.Language `json:"language"`
}

// Cases returns the paired test inputs and outputs. Unpaired trailing
// entries are ignored.
func (c *Checkpoint) Cases() (inputs, expected []any) {
	n := min(len(c.TestInputs), len(c.ExpectedOutputs))
	return c.TestInputs[:n], c.ExpectedOutputs[:n]
}

// Validate reports structural problems with a checkpoint supplied by a
// client rather than produced by Normalize.
func (c *Checkpoint) Validate() error {
	var problems []string
	if len(c.TestInputs) != len(c.ExpectedOutputs) {
		problems = append(problems, fmt.Sprintf("%d test inputs but %d expected outputs",
			len(c.TestInputs), len(c.ExpectedOutputs)))
	}
	if c.Language != "" {
		if _, err := inspect.ParseLanguage(string(c.Language)); err != nil {
			problems = append(problems, err.Error())
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid checkpoint: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ExtractJSON decodes the JSON in a model response, preferring the body of
// a ```json fenced block when there is one.
func ExtractJSON(text string) (any, error) {
	cleaned := strings.TrimSpace(text)
	if cleaned == "" {
		return nil, ErrEmptyResponse
	}
	candidate := cleaned
	if m := fencedJSON.FindStringSubmatch(cleaned); m != nil {
		candidate = m[1]
	}
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return nil, errors.New("response is missing a JSON payload")
	}

	var out any
	if err := json.Unmarshal([]byte(candidate), &out); err != nil {
		snippet := []rune(strings.ReplaceAll(candidate, "\n", " "))
		if len(snippet) > 300 {
			snippet = snippet[:300]
		}
		return nil, fmt.Errorf("failed to parse JSON: %w; snippet: %s", err, string(snippet))
	}
	return out, nil
}

// Parse extracts and normalizes checkpoints from a model response.
func Parse(text string) ([]Checkpoint, error) {
	raw, err := ExtractJSON(text)
	if err != nil {
		return nil, err
	}
	cps := Normalize(raw)
	if len(cps) == 0 {
		return nil, ErrNoCheckpoints
	}
	return cps, nil
}

// Normalize coerces decoded JSON into checkpoints. A single object is
// treated as a one-element list; non-object items are dropped but still
// consume an index.
func Normalize(raw any) []Checkpoint {
	var items []any
	switch v := raw.(type) {
	case nil:
		return []Checkpoint{}
	case []any:
		items = v
	default:
		items = []any{v}
	}

	out := []Checkpoint{}
	for idx, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, normalizeOne(obj, idx))
	}
	return out
}

func normalizeOne(raw map[string]any, idx int) Checkpoint {
	lang, err := inspect.ParseLanguage(coerceString(raw["language"], ""))
	if err != nil {
		lang = inspect.Python
	}
	return Checkpoint{
		Index:             idx,
		Title:             coerceString(raw["title"], DefaultTitle),
		Objective:         coerceString(raw["objective"], DefaultObjective),
		Concept:           coerceString(raw["concept"], DefaultConcept),
		FunctionSignature: coerceString(raw["function_signature"], DefaultFunctionSignature),
		Rules:             coerceStrings(raw["rules"]),
		ExpectedOutput:    coerceString(raw["expected_output"], DefaultExpectedOutput),
		Hints:             coerceStrings(raw["hints"]),
		TestInputs:        coerceList(raw["test_inputs"]),
		ExpectedOutputs:   coerceList(raw["expected_outputs"]),
		ValidationType:    coerceString(raw["validation_type"], DefaultValidationType),
		Language:          lang,
	}
}

func coerceString(v any, def string) string {
	if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
		return strings.TrimSpace(s)
	}
	return def
}

func coerceStrings(v any) []string {
	out := []string{}
	switch t := v.(type) {
	case []any:
		for _, item := range t {
			if s := strings.TrimSpace(stringify(item)); s != "" {
				out = append(out, s)
			}
		}
	case string:
		if s := strings.TrimSpace(t); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case map[string]any, []any:
		data, _ := json.Marshal(t)
		return string(data)
	}
	return fmt.Sprint(v)
}

func coerceList(v any) []any {
	switch t := v.(type) {
	case nil:
		return []any{}
	case []any:
		return t
	}
	return []any{v}
}
