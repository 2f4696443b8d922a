package moderation

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PolicyFile is the YAML layout accepted by LoadPolicy:
//
//	leetspeak: true
//	spam: true
//	char_flood_run: 5
//	categories:
//	  - name: harassment
//	    terms: [kill yourself, loser]
//	languages:
//	  - name: french
//	    terms: [merde]
type PolicyFile struct {
	PolicyOptions `yaml:",inline"`
	Categories    []TermList `yaml:"categories"`
	Languages     []TermList `yaml:"languages"`
}

// ParsePolicy builds a KeywordPolicy from YAML bytes.
func ParsePolicy(data []byte) (*KeywordPolicy, error) {
	var pf PolicyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("moderation: parse policy: %w", err)
	}
	for i, l := range append(append([]TermList{}, pf.Categories...), pf.Languages...) {
		if l.Name == "" {
			return nil, fmt.Errorf("moderation: parse policy: list %d has no name", i)
		}
	}
	return NewKeywordPolicy(pf.Categories, pf.Languages, pf.PolicyOptions), nil
}

// LoadPolicy reads a YAML policy file from path.
func LoadPolicy(path string) (*KeywordPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("moderation: load policy: %w", err)
	}
	return ParsePolicy(data)
}

// DefaultPolicy returns the built-in policy used when no file is configured.
// It checks the category and language tables only; the spam stage is enabled
// through a policy file.
func DefaultPolicy() *KeywordPolicy {
	return NewKeywordPolicy(defaultCategories, defaultLanguages, PolicyOptions{
		Leetspeak: true,
	})
}

var defaultCategories = []TermList{
	{Name: "self_harm", Terms: []string{
		"kill yourself", "kys", "go die", "end your life", "slit your wrists",
	}},
	{Name: "harassment", Terms: []string{
		"retard", "retarded", "worthless trash", "nobody loves you",
	}},
	{Name: "sexual_content", Terms: []string{
		"send nudes", "child porn", "nudes",
	}},
	{Name: "violence", Terms: []string{
		"bomb threat", "i will kill you", "shoot up", "school shooting",
	}},
	{Name: "extremism", Terms: []string{
		"heil hitler", "white power", "gas the",
	}},
	{Name: "scam", Terms: []string{
		"free bitcoin", "crypto giveaway", "wire me money", "gift card code",
	}},
}

var defaultLanguages = []TermList{
	{Name: "english", Terms: []string{
		"fuck", "fucking", "motherfucker", "shit", "bitch", "cunt", "asshole",
	}},
	{Name: "spanish", Terms: []string{
		"puta", "mierda", "cabron", "pendejo",
	}},
	{Name: "french", Terms: []string{
		"merde", "putain", "connard", "salope",
	}},
	{Name: "german", Terms: []string{
		"scheisse", "arschloch", "fotze",
	}},
}
