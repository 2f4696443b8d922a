package moderation

import (
	"regexp"
	"strings"
)

// Shared spam patterns. The bare-domain alternative needs a path so version
// strings ("v2.0") and decimals ("3.14") pass. The phone pattern is anchored
// on whitespace so digits inside words and short numbers are ignored.
var (
	urlPattern   = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|xyz|info|biz|ru|cn|tk|ml|ga|cf)/\S*)`)
	phonePattern = regexp.MustCompile(`(?:^|\s)(\+?\d{1,3}[-.\s]?)?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}(?:\s|$)`)
)

// Flood thresholds used when PolicyOptions leaves them unset.
const (
	DefaultCharFloodRun = 5
	DefaultWordFloodRun = 3
)

type spamCheck struct {
	name  string
	match func(text string) bool
}

// spamStage is a policy's ordered spam checks; the first match wins.
type spamStage []spamCheck

func newSpamStage(charRun, wordRun int) spamStage {
	if charRun < 2 {
		charRun = DefaultCharFloodRun
	}
	if wordRun < 2 {
		wordRun = DefaultWordFloodRun
	}
	return spamStage{
		{"url", urlPattern.MatchString},
		{"phone", phonePattern.MatchString},
		{"char_flood", func(text string) bool {
			return hasRun([]rune(text), charRun)
		}},
		{"word_flood", func(text string) bool {
			return hasRun(strings.Fields(strings.ToLower(text)), wordRun)
		}},
	}
}

// check returns the name of the first matching check. A nil stage never
// matches.
func (s spamStage) check(text string) (string, bool) {
	for _, c := range s {
		if c.match(text) {
			return c.name, true
		}
	}
	return "", false
}

// hasRun reports whether items holds n equal consecutive elements. RE2 has
// no backreferences, so floods are found with a linear scan.
func hasRun[T comparable](items []T, n int) bool {
	if len(items) < n {
		return false
	}
	count := 1
	for i := 1; i < len(items); i++ {
		if items[i] != items[i-1] {
			count = 1
			continue
		}
		count++
		if count >= n {
			return true
		}
	}
	return false
}
