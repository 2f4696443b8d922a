// Package moderation classifies chat content against a prohibited-content
// policy and records flags for human review. Classification is advisory: a
// flagged message is still persisted and delivered.
package moderation

import (
	"fmt"
	"strings"
	"unicode"
)

// Verdict is the outcome of classifying one message.
type Verdict struct {
	Flagged bool
	Reason  string // e.g. "category:harassment", "language:spanish", "spam:url"
	Term    string // the matched term or spam check name
}

// Classifier decides whether content should be flagged. Implementations
// must be pure and safe for concurrent use.
type Classifier interface {
	Classify(content string) Verdict
}

// ClassifierFunc adapts a plain function to Classifier.
type ClassifierFunc func(content string) Verdict

func (f ClassifierFunc) Classify(content string) Verdict { return f(content) }

// TermList is a named list of prohibited terms. A term is a single word or a
// space-separated phrase.
type TermList struct {
	Name  string   `yaml:"name"`
	Terms []string `yaml:"terms"`
}

// KeywordPolicy flags content containing a prohibited term. Categories are
// checked first, then languages; the first match wins. When Spam is set the
// spam patterns run after both keyword stages.
type KeywordPolicy struct {
	categories []compiledList
	languages  []compiledList
	leet       bool
	spam       spamStage // nil when disabled
}

type compiledList struct {
	name    string
	words   map[string]struct{}
	phrases [][]string
	terms   []string // original order, for phrase reporting
}

// PolicyOptions toggles the optional stages of a KeywordPolicy. The flood
// runs are only read when Spam is set; zero selects the defaults.
type PolicyOptions struct {
	Leetspeak    bool `yaml:"leetspeak"`
	Spam         bool `yaml:"spam"`
	CharFloodRun int  `yaml:"char_flood_run"`
	WordFloodRun int  `yaml:"word_flood_run"`
}

// NewKeywordPolicy compiles the given lists. Empty and whitespace-only
// terms are ignored.
func NewKeywordPolicy(categories, languages []TermList, opts PolicyOptions) *KeywordPolicy {
	p := &KeywordPolicy{leet: opts.Leetspeak}
	if opts.Spam {
		p.spam = newSpamStage(opts.CharFloodRun, opts.WordFloodRun)
	}
	for _, l := range categories {
		p.categories = append(p.categories, compileList(l))
	}
	for _, l := range languages {
		p.languages = append(p.languages, compileList(l))
	}
	return p
}

func compileList(l TermList) compiledList {
	c := compiledList{name: l.Name, words: make(map[string]struct{})}
	for _, term := range l.Terms {
		tokens := tokenizePlain(term)
		switch len(tokens) {
		case 0:
			continue
		case 1:
			c.words[tokens[0]] = struct{}{}
		default:
			c.phrases = append(c.phrases, tokens)
		}
		c.terms = append(c.terms, strings.Join(tokens, " "))
	}
	return c
}

// Classify implements Classifier.
func (p *KeywordPolicy) Classify(content string) Verdict {
	if strings.TrimSpace(content) == "" {
		return Verdict{}
	}

	variants := [][]string{tokenizePlain(content)}
	if p.leet {
		leet := tokenizeLeet(content)
		for i, tok := range leet {
			leet[i] = normalizeLeet(tok)
		}
		variants = append(variants, leet)
	}

	for _, l := range p.categories {
		if term, ok := l.match(variants); ok {
			return Verdict{Flagged: true, Reason: "category:" + l.name, Term: term}
		}
	}
	for _, l := range p.languages {
		if term, ok := l.match(variants); ok {
			return Verdict{Flagged: true, Reason: "language:" + l.name, Term: term}
		}
	}
	if name, ok := p.spam.check(content); ok {
		return Verdict{Flagged: true, Reason: "spam:" + name, Term: name}
	}
	return Verdict{}
}

// match reports the first term of l found in any token variant.
func (l compiledList) match(variants [][]string) (string, bool) {
	for _, tokens := range variants {
		for _, tok := range tokens {
			if _, ok := l.words[tok]; ok {
				return tok, true
			}
		}
		for _, phrase := range l.phrases {
			if containsSequence(tokens, phrase) {
				return strings.Join(phrase, " "), true
			}
		}
	}
	return "", false
}

func containsSequence(tokens, phrase []string) bool {
	if len(phrase) > len(tokens) {
		return false
	}
outer:
	for i := 0; i+len(phrase) <= len(tokens); i++ {
		for j, p := range phrase {
			if tokens[i+j] != p {
				continue outer
			}
		}
		return true
	}
	return false
}

// Describe returns a one-line summary for startup logs.
func (p *KeywordPolicy) Describe() string {
	count := func(lists []compiledList) int {
		n := 0
		for _, l := range lists {
			n += len(l.terms)
		}
		return n
	}
	return fmt.Sprintf("categories=%d (%d terms) languages=%d (%d terms) leet=%v spam=%v",
		len(p.categories), count(p.categories), len(p.languages), count(p.languages), p.leet, p.spam != nil)
}

// ---------------------------------------------------------------------------
// Tokenisation
// ---------------------------------------------------------------------------

// tokenizePlain lowercases text and splits it on anything that is not a
// letter or digit, which gives word-boundary matching for free.
func tokenizePlain(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// leetChars are the symbols normalizeLeet understands; tokenizeLeet keeps
// them inside tokens so "b@dw0rd" survives as one token.
const leetChars = "@$!013457"

// tokenizeLeet splits on whitespace and punctuation other than leet symbols.
func tokenizeLeet(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
		return !strings.ContainsRune(leetChars, r)
	})
}

var leetReplacer = strings.NewReplacer(
	"@", "a",
	"4", "a",
	"3", "e",
	"1", "i",
	"!", "i",
	"0", "o",
	"$", "s",
	"5", "s",
	"7", "t",
)

// normalizeLeet maps common leetspeak substitutions back to letters.
func normalizeLeet(token string) string {
	return leetReplacer.Replace(strings.ToLower(token))
}
