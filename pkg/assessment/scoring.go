package assessment

import (
	"fmt"
	"math"
	"time"
)

const (
	SeverityUnknown = "unknown"

	DirectionImproved  = "improved"
	DirectionWorsened  = "worsened"
	DirectionUnchanged = "unchanged"

	// reliableChangeThreshold is a fixed absolute approximation of a reliable
	// change index, shared by every instrument.
	reliableChangeThreshold = 5
	clinicalChangePercent   = 50.0
)

type Score struct {
	Tool     string `json:"tool"`
	Total    int    `json:"total_score"`
	MaxScore int    `json:"max_score"`
	Severity string `json:"severity"`
}

type Change struct {
	Baseline              int     `json:"baseline"`
	Followup              int     `json:"followup"`
	Absolute              int     `json:"absolute_change"`
	Percent               float64 `json:"percent_change"`
	ClinicallySignificant bool    `json:"clinically_significant"`
	ReliablyChanged       bool    `json:"reliable_change"`
	Direction             string  `json:"direction"`
}

// Score is pure: identical responses always give the same total and severity.
// Responses must match the instrument's item count and sum into its score range.
func (c Catalog) Score(tool string, responses []int) (Score, error) {
	inst, ok := c.Lookup(tool)
	if !ok {
		return Score{}, fmt.Errorf("%w: %s", ErrUnknownTool, tool)
	}
	if len(responses) != inst.Items {
		return Score{}, fmt.Errorf("%w: %s expects %d items, got %d", ErrInvalidResponses, tool, inst.Items, len(responses))
	}
	total := 0
	for i, r := range responses {
		if r < 0 {
			return Score{}, fmt.Errorf("%w: item %d is negative", ErrInvalidResponses, i+1)
		}
		total += r
	}
	if total < inst.ScoreRange.Min || total > inst.ScoreRange.Max {
		return Score{}, fmt.Errorf("%w: total %d outside %d-%d", ErrInvalidResponses, total, inst.ScoreRange.Min, inst.ScoreRange.Max)
	}
	return Score{
		Tool:     c.canonicalName(tool),
		Total:    total,
		MaxScore: inst.ScoreRange.Max,
		Severity: inst.Severity(total),
	}, nil
}

// Severity returns the first cutoff containing total, or "unknown".
func (i Instrument) Severity(total int) string {
	for _, cut := range i.Cutoffs {
		if total >= cut.Min && total <= cut.Max {
			return cut.Label
		}
	}
	return SeverityUnknown
}

// ComputeChange reports followup relative to baseline. Direction and clinical
// significance follow the instrument's better direction: for lower-is-better
// instruments a reduction of at least 50% is clinically significant.
func (c Catalog) ComputeChange(baseline, followup int, tool string) (Change, error) {
	inst, ok := c.Lookup(tool)
	if !ok {
		return Change{}, fmt.Errorf("%w: %s", ErrUnknownTool, tool)
	}
	absolute := followup - baseline
	percent := 0.0
	if baseline != 0 {
		percent = math.Round(float64(absolute)/float64(baseline)*1000) / 10
	}

	improvement := -absolute
	improvementPercent := -percent
	if inst.HigherIsBetter {
		improvement = absolute
		improvementPercent = percent
	}

	direction := DirectionUnchanged
	switch {
	case improvement > 0:
		direction = DirectionImproved
	case improvement < 0:
		direction = DirectionWorsened
	}

	return Change{
		Baseline:              baseline,
		Followup:              followup,
		Absolute:              absolute,
		Percent:               percent,
		ClinicallySignificant: improvementPercent >= clinicalChangePercent,
		ReliablyChanged:       absolute >= reliableChangeThreshold || absolute <= -reliableChangeThreshold,
		Direction:             direction,
	}, nil
}

// Form is a pending assessment handed to the front end.
type Form struct {
	AssessmentID  string    `json:"assessment_id"`
	ParticipantID string    `json:"participant_id"`
	Tool          string    `json:"tool"`
	Timepoint     string    `json:"timepoint"`
	Language      string    `json:"language"`
	Questions     []string  `json:"questions"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
}

// Form falls back to English item text, and to no text for instruments that
// carry none.
func (c Catalog) Form(tool, participantID, timepoint, language string) (Form, error) {
	inst, ok := c.Lookup(tool)
	if !ok {
		return Form{}, fmt.Errorf("%w: %s", ErrUnknownTool, tool)
	}
	name := c.canonicalName(tool)
	if language == "" {
		language = "ko"
	}
	questions, ok := inst.Questions[language]
	if !ok {
		language = "en"
		questions = inst.Questions["en"]
	}
	now := time.Now().UTC()
	return Form{
		AssessmentID:  fmt.Sprintf("%s_%s_%s_%s", participantID, name, timepoint, now.Format("20060102")),
		ParticipantID: participantID,
		Tool:          name,
		Timepoint:     timepoint,
		Language:      language,
		Questions:     append([]string(nil), questions...),
		Status:        "pending",
		CreatedAt:     now,
	}, nil
}
