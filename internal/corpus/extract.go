package corpus

import (
	"bytes"
	"encoding/json"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"

	"codecoach/internal/logging"
)

// AllowedExtensions lists the document types a directory rebuild considers.
var AllowedExtensions = map[string]bool{
	".txt":   true,
	".md":    true,
	".html":  true,
	".ipynb": true,
	".json":  true,
	".pdf":   true,
}

// Allowed reports whether name has an ingestible extension.
func Allowed(name string) bool {
	return AllowedExtensions[strings.ToLower(filepath.Ext(name))]
}

// ExtractText returns the readable text of a document, choosing the
// extraction by the extension of name. Extraction never fails: formats that
// cannot be parsed fall back to a lenient UTF-8 decode of the raw bytes.
func ExtractText(name string, raw []byte) string {
	if len(raw) == 0 {
		return ""
	}

	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		if text, err := pdfText(raw); err == nil && strings.TrimSpace(text) != "" {
			return text
		} else if err != nil {
			logging.CorpusWarn("pdf extraction failed for %s, decoding raw bytes: %v", name, err)
		}
	case ".ipynb":
		if text, ok := notebookText(raw); ok {
			return text
		}
		logging.CorpusWarn("notebook %s is not valid JSON, decoding raw bytes", name)
	case ".html":
		return htmlText(raw)
	}
	return decodeLenient(raw)
}

// decodeLenient drops invalid UTF-8 sequences.
func decodeLenient(raw []byte) string {
	if utf8.Valid(raw) {
		return string(raw)
	}
	return strings.ToValidUTF8(string(raw), "")
}

type notebook struct {
	Cells []struct {
		Source json.RawMessage `json:"source"`
	} `json:"cells"`
}

// notebookText joins the source of every cell, one cell per line.
// A cell source may be a string or a list of line strings.
func notebookText(raw []byte) (string, bool) {
	var nb notebook
	if err := json.Unmarshal(raw, &nb); err != nil {
		return "", false
	}

	parts := make([]string, 0, len(nb.Cells))
	for _, cell := range nb.Cells {
		var lines []string
		if err := json.Unmarshal(cell.Source, &lines); err == nil {
			parts = append(parts, strings.Join(lines, ""))
			continue
		}
		var single string
		if err := json.Unmarshal(cell.Source, &single); err == nil {
			parts = append(parts, single)
		}
	}
	return strings.Join(parts, "\n"), true
}

// pdfText extracts the text of every non-blank page.
func pdfText(raw []byte) (text string, err error) {
	// The pdf reader panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			text, err = "", errPDFPanic
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return "", err
	}

	var pages []string
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		content, err := page.GetPlainText(nil)
		if err != nil {
			logging.CorpusDebug("pdf page %d unreadable: %v", i, err)
			continue
		}
		if strings.TrimSpace(content) != "" {
			pages = append(pages, content)
		}
	}
	return strings.Join(pages, "\n"), nil
}

type pdfError string

func (e pdfError) Error() string { return string(e) }

const errPDFPanic = pdfError("pdf reader failed on malformed document")

// htmlText returns the visible text of an HTML document. Script and style
// contents are skipped; block boundaries become newlines.
func htmlText(raw []byte) string {
	z := html.NewTokenizer(bytes.NewReader(raw))
	var b strings.Builder
	skip := 0
	newline := false

	for {
		switch z.Next() {
		case html.ErrorToken:
			if z.Err() != io.EOF {
				logging.CorpusDebug("html tokenizer stopped early: %v", z.Err())
			}
			return strings.TrimSpace(collapseBlankLines(b.String()))
		case html.StartTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style", "noscript":
				skip++
			case "p", "div", "br", "li", "tr", "h1", "h2", "h3", "h4", "h5", "h6", "pre", "section", "article":
				b.WriteByte('\n')
				newline = true
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style", "noscript":
				if skip > 0 {
					skip--
				}
			case "p", "div", "li", "tr", "pre", "section", "article", "h1", "h2", "h3", "h4", "h5", "h6":
				b.WriteByte('\n')
				newline = true
			}
		case html.TextToken:
			if skip > 0 {
				continue
			}
			text := strings.TrimSpace(string(z.Text()))
			if text == "" {
				continue
			}
			if b.Len() > 0 && !newline {
				b.WriteByte(' ')
			}
			b.WriteString(text)
			newline = false
		}
	}
}

func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		out = append(out, strings.TrimSpace(line))
	}
	return strings.Join(out, "\n")
}
