package anonymization

import (
	"errors"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

type Rule struct {
	Name    string `yaml:"name" json:"name"`
	Type    string `yaml:"type" json:"type"`
	Pattern string `yaml:"pattern" json:"pattern"`
	Mask    string `yaml:"mask" json:"mask"`
	Enabled bool   `yaml:"enabled" json:"enabled"`
}

// RulesConfig is applied in order; earlier rules see the raw text first.
type RulesConfig struct {
	Rules []Rule `yaml:"rules" json:"rules"`
}

func LoadRules(path string) (RulesConfig, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return DefaultRules(), err
	}

	var cfg RulesConfig
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return RulesConfig{}, err
	}

	if len(cfg.Rules) == 0 {
		return RulesConfig{}, errors.New("no scrub rules configured")
	}

	return cfg, nil
}

func DefaultRules() RulesConfig {
	return RulesConfig{Rules: []Rule{
		{Name: "Email", Type: "email", Pattern: `[\w.+-]+@[\w-]+(?:\.[\w-]+)+`, Mask: "[EMAIL]", Enabled: true},
		{Name: "Korean date", Type: "date", Pattern: `\d{4}년\s*\d{1,2}월\s*\d{1,2}일`, Mask: "[DATE]", Enabled: true},
		{Name: "ISO date", Type: "date", Pattern: `\b\d{4}-\d{2}-\d{2}\b`, Mask: "[DATE]", Enabled: true},
		{Name: "Slash date", Type: "date", Pattern: `\b\d{1,2}/\d{1,2}/\d{4}\b`, Mask: "[DATE]", Enabled: true},
		{Name: "SSN", Type: "national_id", Pattern: `\b\d{3}-\d{2}-\d{4}\b`, Mask: "[ID]", Enabled: true},
		{Name: "Phone", Type: "phone", Pattern: `\d{2,3}-\d{3,4}-\d{4}`, Mask: "[PHONE]", Enabled: true},
		{Name: "US phone", Type: "phone", Pattern: `\(\d{3}\)\s?\d{3}-\d{4}`, Mask: "[PHONE]", Enabled: true},
		{Name: "Phone digits", Type: "phone", Pattern: `\d{10,11}`, Mask: "[PHONE]", Enabled: true},
		{Name: "Korean honorific name", Type: "name", Pattern: `[가-힣]{2,4}(씨|님|선생|과장|부장|대리)`, Mask: "[NAME]${1}", Enabled: true},
		{Name: "English titled name", Type: "name", Pattern: `\b(?:Mr|Mrs|Ms|Dr)\.?\s+[A-Z][a-z]+`, Mask: "[NAME]", Enabled: true},
		{Name: "Korean address", Type: "address", Pattern: `[가-힣]+(?:시|도)\s*[가-힣]+(?:구|군|시)`, Mask: "[ADDRESS]", Enabled: true},
		{Name: "Street address", Type: "address", Pattern: `\b\d{1,5}\s+(?:[A-Z][a-z]+\s+){1,3}(?:Street|St|Avenue|Ave|Road|Rd|Boulevard|Blvd|Lane|Ln)\b`, Mask: "[ADDRESS]", Enabled: true},
	}}
}
