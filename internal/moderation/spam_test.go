package moderation

import "testing"

// spamOnly returns a policy with no keyword lists, isolating the spam stage.
func spamOnly() *KeywordPolicy {
	return NewKeywordPolicy(nil, nil, PolicyOptions{Spam: true})
}

func TestSpam_Patterns(t *testing.T) {
	p := spamOnly()

	tests := []struct {
		name  string
		input string
		term  string
	}{
		{"http url", "check out http://evil.com", "url"},
		{"https url", "visit https://spam.xyz/click", "url"},
		{"www url", "go to www.phishing.net", "url"},
		{"bare domain with path", "visit evil.com/free", "url"},
		{"bare domain .ru path", "go to site.ru/malware", "url"},
		{"intl dashed", "+1-555-123-4567", "phone"},
		{"parenthesized area code", "(555) 123-4567", "phone"},
		{"dotted format", "555.123.4567", "phone"},
		{"in sentence", "call me at 555-123-4567 okay?", "phone"},
		{"repeated o in word", "hellooooooo", "char_flood"},
		{"repeated exclamation", "wow!!!!!", "char_flood"},
		{"buy x3", "buy buy buy", "word_flood"},
		{"case insensitive words", "BUY buy Buy", "word_flood"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := p.Classify(tt.input)
			if !v.Flagged {
				t.Fatalf("Classify(%q) not flagged", tt.input)
			}
			if v.Term != tt.term {
				t.Errorf("Classify(%q).Term = %q, want %q", tt.input, v.Term, tt.term)
			}
			if v.Reason != "spam:"+tt.term {
				t.Errorf("Classify(%q).Reason = %q, want %q", tt.input, v.Reason, "spam:"+tt.term)
			}
		})
	}
}

// TestSpam_CleanMessages ensures normal messages are NOT flagged as spam.
func TestSpam_CleanMessages(t *testing.T) {
	p := spamOnly()

	clean := []string{
		"I have 3 cats",
		"My score is 100",
		"lol that's cool",
		"upgrade to v2.0",
		"pi is about 3.14",
		"I got 42 out of 50",
		"see you in 2025",
		"wow!!! that's great!!",
		"sooo cool",
		"yeah yeah whatever",
		"ok. sure. fine.",
		"it costs $5.99",
		"heeeel no",
		"go go",
		"",
		"   ",
	}

	for _, msg := range clean {
		if v := p.Classify(msg); v.Flagged {
			t.Errorf("Classify(%q) flagged (reason=%q, term=%q), expected clean", msg, v.Reason, v.Term)
		}
	}
}

func TestSpam_DisabledStage(t *testing.T) {
	p := NewKeywordPolicy(nil, nil, PolicyOptions{})
	if v := p.Classify("visit http://evil.com"); v.Flagged {
		t.Fatalf("spam stage should be off, got %+v", v)
	}
}

// TestSpam_AfterKeywords checks that a keyword match is reported before a
// spam pattern in the same message.
func TestSpam_AfterKeywords(t *testing.T) {
	p := NewKeywordPolicy(
		[]TermList{{Name: "test", Terms: []string{"badword"}}},
		nil,
		PolicyOptions{Spam: true},
	)

	v := p.Classify("badword http://evil.com")
	if v.Reason != "category:test" {
		t.Errorf("Reason = %q, want category:test", v.Reason)
	}

	v = p.Classify("visit http://evil.com")
	if v.Reason != "spam:url" {
		t.Errorf("Reason = %q, want spam:url", v.Reason)
	}
}

func TestHasRun_Boundary(t *testing.T) {
	if hasRun([]rune("aaaa"), 5) {
		t.Error("4 repeated chars should pass")
	}
	if !hasRun([]rune("aaaaa"), 5) {
		t.Error("5 repeated chars should flood")
	}
	if hasRun([]string{"go", "go"}, 3) || !hasRun([]string{"a", "go", "go", "go"}, 3) {
		t.Error("word runs miscounted")
	}
}

func TestSpam_CustomFloodRuns(t *testing.T) {
	p := NewKeywordPolicy(nil, nil, PolicyOptions{Spam: true, CharFloodRun: 3, WordFloodRun: 2})

	tests := []struct {
		input string
		term  string
	}{
		{"sooo", "char_flood"},
		{"go go", "word_flood"},
		{"so go", ""},
	}
	for _, tt := range tests {
		if v := p.Classify(tt.input); v.Term != tt.term {
			t.Errorf("Classify(%q).Term = %q, want %q", tt.input, v.Term, tt.term)
		}
	}
}
