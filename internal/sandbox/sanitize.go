package sandbox

import (
	"os"
	"regexp"
	"sort"
	"strings"
)

const maxMessageRunes = 400

var (
	// Traceback frame lines from CPython and goroutine dumps.
	framePattern = regexp.MustCompile(`^\s*(File "|Traceback \(most recent call last\)|goroutine \d+ \[|\S+\.go:\d+)`)
	// Absolute host paths of two or more components.
	pathPattern  = regexp.MustCompile(`(?:[A-Za-z]:)?(?:[/\\][\w.\-@+]+){2,}[/\\]?`)
	spacePattern = regexp.MustCompile(`\s+`)
)

// sanitizer strips host details from messages that came out of a worker.
type sanitizer struct {
	// secrets are literal strings replaced before any pattern runs, longest
	// first so a path prefix does not break a longer match.
	secrets []string
}

func newSanitizer(hide ...string) *sanitizer {
	s := &sanitizer{}
	for _, h := range hide {
		if len(h) >= 4 {
			s.secrets = append(s.secrets, h)
		}
	}
	for _, kv := range os.Environ() {
		if _, val, ok := strings.Cut(kv, "="); ok && len(val) >= 8 {
			s.secrets = append(s.secrets, val)
		}
	}
	sort.Slice(s.secrets, func(i, j int) bool { return len(s.secrets[i]) > len(s.secrets[j]) })
	return s
}

// clean returns msg without traceback frames, paths, the run directory or
// environment values, collapsed onto one line and capped in length.
func (s *sanitizer) clean(msg string) string {
	var kept []string
	for _, line := range strings.Split(msg, "\n") {
		if framePattern.MatchString(line) {
			continue
		}
		kept = append(kept, line)
	}
	out := strings.Join(kept, " ")

	for _, secret := range s.secrets {
		out = strings.ReplaceAll(out, secret, "<hidden>")
	}
	out = pathPattern.ReplaceAllString(out, "<path>")
	out = strings.TrimSpace(spacePattern.ReplaceAllString(out, " "))

	if r := []rune(out); len(r) > maxMessageRunes {
		out = string(r[:maxMessageRunes]) + "..."
	}
	return out
}
