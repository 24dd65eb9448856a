// Package moderation classifies guest text against a lexical denylist.
package moderation

import (
	"strings"
	"unicode"
)

// Verdict is the outcome of classifying a text.
type Verdict int

const (
	// Approved text is published immediately.
	Approved Verdict = iota
	// Pending text waits for manual review.
	Pending
)

func (v Verdict) String() string {
	switch v {
	case Approved:
		return "approved"
	case Pending:
		return "pending"
	default:
		return "unknown"
	}
}

// Classifier decides whether a text can be published without review.
type Classifier interface {
	Classify(text string) Verdict
}

// DefaultDenylist is the built-in list of blocked words.
var DefaultDenylist = []string{
	"mierda", "puto", "puta", "hdp", "concha", "culiado", "csm",
	"verga", "pene", "vagina", "sexo", "porno",
}

// Gate matches whole words and whole phrases, case-insensitively. A text
// containing any denylisted entry is Pending; everything else is Approved.
// Classification is a pure function of the text and the list.
type Gate struct {
	phrases [][]string
}

// NewGate builds a gate. A nil list uses DefaultDenylist. Entries are
// tokenized the same way as input text, so multi-word entries match as
// consecutive words.
func NewGate(denylist []string) *Gate {
	if denylist == nil {
		denylist = DefaultDenylist
	}
	g := &Gate{}
	for _, entry := range denylist {
		if toks := tokenize(entry); len(toks) > 0 {
			g.phrases = append(g.phrases, toks)
		}
	}
	return g
}

// Classify returns Pending if text contains a denylisted word or phrase.
func (g *Gate) Classify(text string) Verdict {
	words := tokenize(text)
	for _, phrase := range g.phrases {
		if containsPhrase(words, phrase) {
			return Pending
		}
	}
	return Approved
}

// tokenize splits s into lowercase runs of letters and digits.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func containsPhrase(words, phrase []string) bool {
	n := len(phrase)
outer:
	for i := 0; i+n <= len(words); i++ {
		for j := range phrase {
			if words[i+j] != phrase[j] {
				continue outer
			}
		}
		return true
	}
	return false
}
