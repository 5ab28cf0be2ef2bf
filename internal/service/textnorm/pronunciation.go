package textnorm

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

type pronounceRule struct {
	pattern     *regexp.Regexp
	replacement string
}

// Pronouncer annotates assistant text with @pronounce directives for the
// renderer's speech engine.
type Pronouncer struct {
	rules []pronounceRule
}

// NewPronouncer compiles one whole-word, case-insensitive rule per token.
func NewPronouncer(entries []Pronunciation) (*Pronouncer, error) {
	rules := make([]pronounceRule, 0, len(entries))
	for _, entry := range entries {
		if strings.TrimSpace(entry.Token) == "" {
			continue
		}
		pattern, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(entry.Token) + `\b`)
		if err != nil {
			return nil, fmt.Errorf("compile pronunciation %q: %w", entry.Token, err)
		}
		rules = append(rules, pronounceRule{
			pattern:     pattern,
			replacement: fmt.Sprintf("@pronounce(%s, %s)", entry.Token, entry.Phonetic),
		})
	}
	return &Pronouncer{rules: rules}, nil
}

// Annotate applies the token rules in order, then drops sentence periods and
// double quotes. A quoted directive would otherwise be read out literally.
func (p *Pronouncer) Annotate(text string) string {
	result := text
	if p != nil {
		for _, rule := range p.rules {
			result = rule.pattern.ReplaceAllLiteralString(result, rule.replacement)
		}
	}
	result = stripPeriods(result)
	return strings.ReplaceAll(result, `"`, "")
}

// stripPeriods turns every period into a space unless it directly follows a
// word character and a period, or is followed by whitespace.
func stripPeriods(s string) string {
	if !strings.Contains(s, ".") {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '.' {
			b.WriteByte(c)
			continue
		}
		if i >= 2 && s[i-1] == '.' && isWordByte(s[i-2]) {
			b.WriteByte(c)
			continue
		}
		if next, _ := utf8.DecodeRuneInString(s[i+1:]); isSpace(next) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte(' ')
	}
	return b.String()
}

func isWordByte(c byte) bool {
	return c == '_' || ('0' <= c && c <= '9') || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
}

// isSpace matches the whitespace class used by the speech renderer, which
// also counts the byte order mark.
func isSpace(r rune) bool {
	return unicode.IsSpace(r) || r == '\uFEFF'
}
