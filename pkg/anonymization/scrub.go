package anonymization

import (
	"fmt"
	"regexp"
)

type compiledRule struct {
	rule Rule
	re   *regexp.Regexp
}

// Scrubber redacts identifying substrings. It is heuristic: text that none of the
// rules recognise passes through unchanged.
type Scrubber struct {
	rules []compiledRule
}

func NewScrubber(cfg RulesConfig) (*Scrubber, error) {
	var compiled []compiledRule
	for _, rule := range cfg.Rules {
		if !rule.Enabled {
			continue
		}
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("scrub rule %q: %w", rule.Name, err)
		}
		compiled = append(compiled, compiledRule{rule: rule, re: re})
	}
	return &Scrubber{rules: compiled}, nil
}

// Scrub returns the redacted text and the number of replacements per rule type.
func (s *Scrubber) Scrub(text string) (string, map[string]int) {
	counts := make(map[string]int)
	if s == nil || text == "" {
		return text, counts
	}
	masked := text
	for _, cr := range s.rules {
		n := len(cr.re.FindAllStringIndex(masked, -1))
		if n == 0 {
			continue
		}
		counts[cr.rule.Type] += n
		masked = cr.re.ReplaceAllString(masked, cr.rule.Mask)
	}
	return masked, counts
}
