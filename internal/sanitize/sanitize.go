// Package sanitize strips comment and script-like markup from prompt and
// completion text.
package sanitize

import (
	"regexp"
	"strings"

	"github.com/felipepmaragno/llm-orchestrator/internal/domain"
)

// DefaultMaxLength caps each input message, in runes.
const DefaultMaxLength = 32000

// maxPasses bounds the strip loop for nested payloads such as
// "<scr<script></script>ipt>".
const maxPasses = 8

type rule struct {
	re   *regexp.Regexp
	repl string
}

func drop(pattern string) rule { return rule{re: regexp.MustCompile(pattern)} }

var markupRules = []rule{
	drop(`(?s)<!--.*?-->`),
	drop(`(?is)<script\b[^>]*>.*?</script\s*>`),
	drop(`(?is)<style\b[^>]*>.*?</style\s*>`),
	// Unterminated comments and blocks swallow the rest of the text.
	drop(`(?s)<!--.*$`),
	drop(`(?is)<script\b.*$`),
	drop(`(?is)<style\b[^>]*>.*$`),
	drop(`(?i)</?(?:script|style|iframe|object|embed)\b[^>]*>`),
	// Handlers and script URIs only count inside a tag; prose and code
	// such as "const onClick = f" or "JavaScript: the good parts" stay.
	{re: regexp.MustCompile(`(?i)(<[a-z][^>]*?)\son[a-z]+\s*=\s*(?:"[^"]*"|'[^']*'|[^\s>]+)`), repl: "${1}"},
	{re: regexp.MustCompile(`(?i)(<[a-z][^>]*?)(?:java|vb)script\s*:`), repl: "${1}"},
}

type Sanitizer struct {
	MaxLength int
}

func New(maxLength int) *Sanitizer {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	return &Sanitizer{MaxLength: maxLength}
}

// Input cleans one message's content and truncates it to MaxLength runes.
func (s *Sanitizer) Input(text string) string {
	text = strings.ReplaceAll(text, "\x00", "")
	text = Strip(text)

	limit := s.MaxLength
	if limit <= 0 {
		limit = DefaultMaxLength
	}
	if len(text) > limit {
		runes := []rune(text)
		if len(runes) > limit {
			text = string(runes[:limit])
		}
	}
	return text
}

// Output cleans completion text. It is not length-capped.
func (s *Sanitizer) Output(text string) string {
	return Strip(text)
}

// Request returns a copy of req with every message's content sanitized.
// The caller's request is left untouched.
func (s *Sanitizer) Request(req domain.Request) domain.Request {
	out := req.Clone()
	for i := range out.Messages {
		out.Messages[i].Content = s.Input(out.Messages[i].Content)
	}
	return out
}

// Strip removes markup until the text stops changing.
func Strip(text string) string {
	for i := 0; i < maxPasses; i++ {
		before := text
		for _, r := range markupRules {
			text = r.re.ReplaceAllString(text, r.repl)
		}
		if text == before {
			break
		}
	}
	return text
}
