// Package transcript applies dictionary-driven phonetic correction to final
// transcription hypotheses.
//
// Domain vocabulary is exactly what an acoustic model mishears most: product
// names, host names, jargon. The [Corrector] walks the hypothesis text in
// n-gram windows and replaces windows that phonetically align with a
// dictionary term, recording every substitution so consumers can audit or
// roll back changes.
package transcript

import (
	"strings"

	"github.com/openflow-ai/transcriber/internal/events"
	"github.com/openflow-ai/transcriber/internal/transcript/phonetic"
)

// Option is a functional option for configuring a [Corrector].
type Option func(*Corrector)

// WithMatcher replaces the default phonetic matcher.
func WithMatcher(m *phonetic.Matcher) Option {
	return func(c *Corrector) {
		c.matcher = m
	}
}

// Corrector rewrites final hypotheses against the current dictionary terms.
// Safe for concurrent use when the terms callback is.
type Corrector struct {
	matcher *phonetic.Matcher

	// terms returns the current vocabulary. Called once per Correct so a
	// dictionary reload between decodes is picked up automatically.
	terms func() []string
}

// NewCorrector returns a corrector drawing its vocabulary from terms.
func NewCorrector(terms func() []string, opts ...Option) *Corrector {
	c := &Corrector{
		matcher: phonetic.New(),
		terms:   terms,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Correct replaces phonetically-matched windows of text with their
// dictionary terms. When a window is replaced the returned text is
// whitespace-normalized; when none is, text is returned unchanged. Windows
// that already equal a term (case-insensitively) are left alone.
func (c *Corrector) Correct(text string) (string, []events.Correction) {
	terms := c.terms()
	if len(terms) == 0 {
		return text, nil
	}

	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return text, nil
	}

	maxTermWords := maxWordCount(terms)

	var output []string
	var corrections []events.Correction

	i := 0
	for i < len(tokens) {
		// Try the widest window first so multi-word terms take precedence
		// over partial single-word matches.
		maxN := maxTermWords
		if i+maxN > len(tokens) {
			maxN = len(tokens) - i
		}

		matched := false
		for n := maxN; n >= 1; n-- {
			window := strings.Join(tokens[i:i+n], " ")
			term, conf, ok := c.matcher.Match(window, terms)
			if !ok {
				continue
			}
			if strings.EqualFold(window, term) {
				// Already correct; consume the window unchanged.
				output = append(output, tokens[i:i+n]...)
				i += n
				matched = true
				break
			}

			output = append(output, strings.Fields(term)...)
			corrections = append(corrections, events.Correction{
				Original:   window,
				Corrected:  term,
				Confidence: conf,
			})
			i += n
			matched = true
			break
		}

		if !matched {
			output = append(output, tokens[i])
			i++
		}
	}

	if len(corrections) == 0 {
		return text, nil
	}
	return strings.Join(output, " "), corrections
}

// maxWordCount returns the maximum number of whitespace-separated words in
// any term. Returns 1 when terms is empty.
func maxWordCount(terms []string) int {
	max := 1
	for _, t := range terms {
		if n := len(strings.Fields(t)); n > max {
			max = n
		}
	}
	return max
}
