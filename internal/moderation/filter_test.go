package moderation

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testPolicy(leet bool) *KeywordPolicy {
	return NewKeywordPolicy(
		[]TermList{
			{Name: "insult", Terms: []string{"badword", "offensive"}},
			{Name: "self_harm", Terms: []string{"kill yourself", "go die"}},
		},
		[]TermList{
			{Name: "french", Terms: []string{"merde"}},
			{Name: "overlap", Terms: []string{"badword"}},
		},
		PolicyOptions{Leetspeak: leet},
	)
}

func TestClassify_SingleWord(t *testing.T) {
	p := testPolicy(false)

	tests := []struct {
		name    string
		input   string
		flagged bool
		term    string
	}{
		{"exact match", "badword", true, "badword"},
		{"in sentence", "this is badword here", true, "badword"},
		{"case insensitive", "BADWORD", true, "badword"},
		{"mixed case", "BaDwOrD", true, "badword"},
		{"with punctuation", "hello, badword!", true, "badword"},
		{"clean message", "hello world", false, ""},
		{"longer word", "badwording is fine", false, ""},
		{"substring", "mybadword", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := p.Classify(tt.input)
			if v.Flagged != tt.flagged {
				t.Fatalf("Classify(%q).Flagged = %v, want %v", tt.input, v.Flagged, tt.flagged)
			}
			if tt.flagged && v.Term != tt.term {
				t.Errorf("Classify(%q).Term = %q, want %q", tt.input, v.Term, tt.term)
			}
		})
	}
}

func TestClassify_Phrase(t *testing.T) {
	p := testPolicy(false)

	tests := []struct {
		name    string
		input   string
		flagged bool
	}{
		{"exact phrase", "kill yourself", true},
		{"phrase in sentence", "you should kill yourself now", true},
		{"case insensitive phrase", "KILL YOURSELF", true},
		{"plural", "kill yourselves", false},
		{"words separated", "kill and yourself", false},
		{"extra spacing", "go    die", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if v := p.Classify(tt.input); v.Flagged != tt.flagged {
				t.Errorf("Classify(%q).Flagged = %v, want %v", tt.input, v.Flagged, tt.flagged)
			}
		})
	}
}

func TestClassify_CategoryBeforeLanguage(t *testing.T) {
	p := testPolicy(false)

	// "badword" is in both a category and a language list.
	if v := p.Classify("badword"); v.Reason != "category:insult" {
		t.Errorf("Reason = %q, want category:insult", v.Reason)
	}
	if v := p.Classify("oh merde"); v.Reason != "language:french" {
		t.Errorf("Reason = %q, want language:french", v.Reason)
	}
	// First category in order wins when a message matches two.
	if v := p.Classify("go die you offensive person"); v.Reason != "category:insult" {
		t.Errorf("Reason = %q, want category:insult", v.Reason)
	}
}

func TestClassify_Leetspeak(t *testing.T) {
	plain := testPolicy(false)
	leet := testPolicy(true)

	inputs := []string{"b@dw0rd", "off3n$ive", "offens1ve", "offens!ve", "0ff3n$!v3"}
	for _, in := range inputs {
		if v := plain.Classify(in); v.Flagged {
			t.Errorf("plain policy flagged %q", in)
		}
		if v := leet.Classify(in); !v.Flagged {
			t.Errorf("leet policy missed %q", in)
		}
	}
}

func TestDefaultPolicy_CleanMessages(t *testing.T) {
	p := DefaultPolicy()

	messages := []string{
		"hello, how are you?",
		"nice weather today",
		"what are your hobbies?",
		"I love programming",
		"let's talk about movies",
		"what class are you in?",
		"I need to assess the situation",
		"the grape harvest was great",
		"see https://example.com or call 555-123-4567",
		"nooooooo way",
		"",
	}

	for _, msg := range messages {
		if v := p.Classify(msg); v.Flagged {
			t.Errorf("Classify(%q) flagged (reason=%q term=%q), expected clean", msg, v.Reason, v.Term)
		}
	}
}

func TestDefaultPolicy_Flags(t *testing.T) {
	p := DefaultPolicy()

	flagged := []string{
		"kill yourself",
		"send nudes",
		"heil hitler",
		"bomb threat",
		"free bitcoin",
		"what the fuck",
		"k1ll yours3lf",
	}

	for _, msg := range flagged {
		if v := p.Classify(msg); !v.Flagged {
			t.Errorf("Classify(%q) not flagged", msg)
		}
	}
}

func TestDefaultPolicy_SpamStageOff(t *testing.T) {
	if p := DefaultPolicy(); p.spam != nil {
		t.Fatal("default policy should not run the spam stage")
	}
	p, err := ParsePolicy([]byte("spam: true\n"))
	if err != nil {
		t.Fatalf("ParsePolicy: %v", err)
	}
	if v := p.Classify("visit http://example.com"); !v.Flagged {
		t.Error("spam stage enabled by the policy file missed a link")
	}
}

func TestNewKeywordPolicy_EmptyTerms(t *testing.T) {
	p := NewKeywordPolicy([]TermList{{Name: "x", Terms: []string{"", "  ", "valid"}}}, nil, PolicyOptions{})

	if len(p.categories[0].terms) != 1 {
		t.Fatalf("expected 1 compiled term, got %d", len(p.categories[0].terms))
	}
	if _, ok := p.categories[0].words["valid"]; !ok {
		t.Error("expected 'valid' in words set")
	}
}

func TestClassifierFunc(t *testing.T) {
	var c Classifier = ClassifierFunc(func(content string) Verdict {
		return Verdict{Flagged: strings.Contains(content, "x"), Reason: "custom"}
	})
	if !c.Classify("xyz").Flagged {
		t.Fatal("expected custom classifier to flag")
	}
}

func TestParsePolicy(t *testing.T) {
	data := []byte(`
leetspeak: true
spam: false
categories:
  - name: harassment
    terms: [loser, "get lost"]
languages:
  - name: french
    terms: [merde]
`)
	p, err := ParsePolicy(data)
	if err != nil {
		t.Fatalf("ParsePolicy: %v", err)
	}
	if !p.leet || p.spam != nil {
		t.Fatalf("options not applied: leet=%v spam=%v", p.leet, p.spam != nil)
	}
	if v := p.Classify("just get lost"); v.Reason != "category:harassment" {
		t.Errorf("Reason = %q", v.Reason)
	}
	if v := p.Classify("l0ser"); !v.Flagged {
		t.Error("expected leetspeak match")
	}
	if v := p.Classify("http://example.com/x"); v.Flagged {
		t.Error("spam stage should be disabled")
	}
}

func TestParsePolicy_Errors(t *testing.T) {
	if _, err := ParsePolicy([]byte("categories: [")); err == nil {
		t.Error("expected YAML error")
	}
	if _, err := ParsePolicy([]byte("categories:\n  - terms: [a]\n")); err == nil {
		t.Error("expected error for unnamed list")
	}
}

func TestLoadPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte("categories:\n  - name: c\n    terms: [zap]\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	p, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}
	if !p.Classify("zap").Flagged {
		t.Error("expected loaded term to flag")
	}

	if _, err := LoadPolicy(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestNormalizeLeet(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"hello", "hello"},
		{"h3ll0", "hello"},
		{"@ss", "ass"},
		{"$h!t", "shit"},
		{"ch@ng3", "change"},
	}

	for _, tt := range tests {
		if got := normalizeLeet(tt.input); got != tt.want {
			t.Errorf("normalizeLeet(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestTokenizePlain(t *testing.T) {
	tests := []struct {
		input string
		want  []string
	}{
		{"hello world", []string{"hello", "world"}},
		{"hello, world!", []string{"hello", "world"}},
		{"  spaced  out  ", []string{"spaced", "out"}},
		{"", nil},
		{"hello---world", []string{"hello", "world"}},
	}

	for _, tt := range tests {
		got := tokenizePlain(tt.input)
		if strings.Join(got, "|") != strings.Join(tt.want, "|") {
			t.Errorf("tokenizePlain(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestTokenizeLeet(t *testing.T) {
	tests := []struct {
		input string
		want  []string
	}{
		{"hello world", []string{"hello", "world"}},
		{"b@dw0rd", []string{"b@dw0rd"}},
		{"hello $h!t bye", []string{"hello", "$h!t", "bye"}},
	}

	for _, tt := range tests {
		got := tokenizeLeet(tt.input)
		if strings.Join(got, "|") != strings.Join(tt.want, "|") {
			t.Errorf("tokenizeLeet(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func BenchmarkClassify(b *testing.B) {
	p := DefaultPolicy()
	msg := "hey how are you doing today? I love chatting about music and movies. What are your favorite hobbies?"

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		p.Classify(msg)
	}
}

func BenchmarkClassify_LongMessage(b *testing.B) {
	p := DefaultPolicy()
	msg := strings.Repeat("this is a perfectly normal message with no bad content. ", 40)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		p.Classify(msg)
	}
}
