package textnorm

import (
	"regexp"
	"strings"
)

// MishearingCorrector rewrites misheard phrases into canonical tokens before
// the text is sent to the assistant.
type MishearingCorrector struct {
	pattern *regexp.Regexp
	lookup  map[string]string
}

// NewMishearingCorrector compiles every form into one case-insensitive,
// whole-word alternation. Alternatives keep declaration order, so when one
// form is a prefix of another the earlier declared form wins.
func NewMishearingCorrector(entries []Mishearing) (*MishearingCorrector, error) {
	lookup := make(map[string]string)
	var forms []string
	for _, entry := range entries {
		for _, form := range entry.Forms {
			if strings.TrimSpace(form) == "" {
				continue
			}
			forms = append(forms, regexp.QuoteMeta(form))
			lookup[strings.ToLower(form)] = entry.Canonical
		}
	}

	c := &MishearingCorrector{lookup: lookup}
	if len(forms) == 0 {
		return c, nil
	}

	pattern, err := regexp.Compile(`(?i)\b(` + strings.Join(forms, "|") + `)\b`)
	if err != nil {
		return nil, err
	}
	c.pattern = pattern
	return c, nil
}

// Correct replaces each misheard form with its canonical token.
func (c *MishearingCorrector) Correct(text string) string {
	if c == nil || c.pattern == nil || text == "" {
		return text
	}
	return c.pattern.ReplaceAllStringFunc(text, func(match string) string {
		if canonical, ok := c.lookup[strings.ToLower(match)]; ok {
			return canonical
		}
		return match
	})
}
