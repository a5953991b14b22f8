package embedding

import (
	"strings"
)

// =============================================================================
// MODE ADAPTATION PER BACKEND
// =============================================================================

// SelectTaskType maps a mode to the GenAI task type.
func SelectTaskType(mode Mode) string {
	if mode == ModeQuery {
		return "RETRIEVAL_QUERY"
	}
	return "RETRIEVAL_DOCUMENT"
}

// promptPrefixes holds the instruction prefixes that local embedding models
// expect in place of an API-level task type. Keys match the model family.
var promptPrefixes = map[string][2]string{
	// {document, query}
	"embeddinggemma":    {"title: none | text: ", "task: search result | query: "},
	"nomic-embed-text":  {"search_document: ", "search_query: "},
	"mxbai-embed-large": {"", "Represent this sentence for searching relevant passages: "},
}

// ApplyPromptPrefix prepends the mode prefix a model family expects.
// Models without a known convention get the text unchanged, which means
// document and query share one space for them.
func ApplyPromptPrefix(model, text string, mode Mode) string {
	family := strings.ToLower(model)
	if i := strings.IndexByte(family, ':'); i >= 0 {
		family = family[:i]
	}
	prefixes, ok := promptPrefixes[family]
	if !ok {
		return text
	}
	if mode == ModeQuery {
		return prefixes[1] + text
	}
	return prefixes[0] + text
}
