// Package assessment holds the standardized outcome instruments: their item
// counts, score ranges and severity cutoffs, plus scoring and change semantics.
package assessment

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	ErrUnknownTool      = errors.New("unknown assessment tool")
	ErrInvalidResponses = errors.New("invalid assessment responses")
)

type ScoreRange struct {
	Min int `yaml:"min" json:"min"`
	Max int `yaml:"max" json:"max"`
}

// Cutoff maps the inclusive total range [Min, Max] to a severity label.
type Cutoff struct {
	Label string `yaml:"label" json:"label"`
	Min   int    `yaml:"min" json:"min"`
	Max   int    `yaml:"max" json:"max"`
}

type Instrument struct {
	Name           string              `yaml:"name" json:"name"`
	Purpose        string              `yaml:"purpose" json:"purpose"`
	Items          int                 `yaml:"items" json:"items"`
	ScoreRange     ScoreRange          `yaml:"score_range" json:"score_range"`
	Cutoffs        []Cutoff            `yaml:"cutoffs" json:"cutoffs,omitempty"`
	Subscales      []string            `yaml:"subscales" json:"subscales,omitempty"`
	HigherIsBetter bool                `yaml:"higher_is_better" json:"higher_is_better"`
	Questions      map[string][]string `yaml:"questions" json:"-"`
}

type Catalog struct {
	Instruments map[string]Instrument `yaml:"instruments" json:"instruments"`
}

func Load(path string) (Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return DefaultCatalog(), err
	}
	var cat Catalog
	if err := yaml.Unmarshal(content, &cat); err != nil {
		return Catalog{}, err
	}
	if len(cat.Instruments) == 0 {
		return Catalog{}, fmt.Errorf("instrument catalog empty")
	}
	for tool, inst := range cat.Instruments {
		if inst.Items <= 0 || inst.ScoreRange.Max < inst.ScoreRange.Min {
			return Catalog{}, fmt.Errorf("instrument %s: invalid item count or score range", tool)
		}
	}
	return cat, nil
}

// Lookup matches tool names case-insensitively.
func (c Catalog) Lookup(tool string) (Instrument, bool) {
	if inst, ok := c.Instruments[tool]; ok {
		return inst, true
	}
	for k, v := range c.Instruments {
		if strings.EqualFold(k, tool) {
			return v, true
		}
	}
	return Instrument{}, false
}

func (c Catalog) canonicalName(tool string) string {
	if _, ok := c.Instruments[tool]; ok {
		return tool
	}
	for k := range c.Instruments {
		if strings.EqualFold(k, tool) {
			return k
		}
	}
	return tool
}

func (c Catalog) Tools() []string {
	tools := make([]string, 0, len(c.Instruments))
	for k := range c.Instruments {
		tools = append(tools, k)
	}
	sort.Strings(tools)
	return tools
}

func DefaultCatalog() Catalog {
	return Catalog{Instruments: map[string]Instrument{
		"PHQ-9": {
			Name:       "Patient Health Questionnaire-9",
			Purpose:    "Depression screening",
			Items:      9,
			ScoreRange: ScoreRange{Min: 0, Max: 27},
			Cutoffs: []Cutoff{
				{Label: "minimal", Min: 0, Max: 4},
				{Label: "mild", Min: 5, Max: 9},
				{Label: "moderate", Min: 10, Max: 14},
				{Label: "moderately_severe", Min: 15, Max: 19},
				{Label: "severe", Min: 20, Max: 27},
			},
			Questions: map[string][]string{
				"ko": {
					"일을 하는 것에 대한 흥미나 즐거움이 거의 없음",
					"기분이 가라앉거나 우울하거나 희망이 없음",
					"잠들기 어렵거나 자주 깸, 또는 너무 많이 잠",
					"피곤하거나 기운이 없음",
					"식욕이 줄거나 과식함",
					"자신을 나쁘게 느끼거나 실패자라고 느낌",
					"신문을 읽거나 TV를 볼 때 집중하기 어려움",
					"다른 사람이 알아챌 정도로 느리게 움직이거나 반대로 안절부절",
					"차라리 죽는 것이 낫겠다는 생각",
				},
				"en": {
					"Little interest or pleasure in doing things",
					"Feeling down, depressed, or hopeless",
					"Trouble falling/staying asleep, or sleeping too much",
					"Feeling tired or having little energy",
					"Poor appetite or overeating",
					"Feeling bad about yourself",
					"Trouble concentrating on things",
					"Moving or speaking slowly/being fidgety",
					"Thoughts that you would be better off dead",
				},
			},
		},
		"GAD-7": {
			Name:       "Generalized Anxiety Disorder-7",
			Purpose:    "Anxiety screening",
			Items:      7,
			ScoreRange: ScoreRange{Min: 0, Max: 21},
			Cutoffs: []Cutoff{
				{Label: "minimal", Min: 0, Max: 4},
				{Label: "mild", Min: 5, Max: 9},
				{Label: "moderate", Min: 10, Max: 14},
				{Label: "severe", Min: 15, Max: 21},
			},
			Questions: map[string][]string{
				"ko": {
					"초조하거나 불안하거나 조마조마하게 느낀다",
					"걱정하는 것을 멈추거나 조절할 수가 없다",
					"여러 가지 것들에 대해 너무 많이 걱정한다",
					"편하게 있기가 어렵다",
					"쉽게 짜증이 나거나 쉽게 성을 내게 된다",
					"너무 안절부절 못해서 가만히 있기가 어렵다",
					"마치 무서운 일이 생길 것처럼 두렵게 느껴진다",
				},
				"en": {
					"Feeling nervous, anxious, or on edge",
					"Not being able to stop or control worrying",
					"Worrying too much about different things",
					"Trouble relaxing",
					"Being so restless that it's hard to sit still",
					"Becoming easily annoyed or irritable",
					"Feeling afraid as if something awful might happen",
				},
			},
		},
		"K-10": {
			Name:       "Kessler Psychological Distress Scale",
			Purpose:    "Psychological distress",
			Items:      10,
			ScoreRange: ScoreRange{Min: 10, Max: 50},
			Cutoffs: []Cutoff{
				{Label: "low", Min: 10, Max: 15},
				{Label: "moderate", Min: 16, Max: 21},
				{Label: "high", Min: 22, Max: 29},
				{Label: "very_high", Min: 30, Max: 50},
			},
		},
		"WAI-SR": {
			Name:           "Working Alliance Inventory-Short Revised",
			Purpose:        "Therapeutic alliance",
			Items:          12,
			ScoreRange:     ScoreRange{Min: 12, Max: 60},
			Subscales:      []string{"task", "bond", "goal"},
			HigherIsBetter: true,
		},
	}}
}
