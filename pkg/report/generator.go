// Package report aggregates enrolled participants into per-arm summaries and a
// naive two-arm outcome comparison. No significance testing is performed.
package report

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/synaptica-ai/research-platform/pkg/assessment"
	"github.com/synaptica-ai/research-platform/pkg/common/logger"
	"github.com/synaptica-ai/research-platform/pkg/research"
	"golang.org/x/sync/errgroup"
)

const BaselineTimepoint = "baseline"

var defaultFinalTimepoints = []string{"final", "week12", "post"}

type Source interface {
	GetStudy(ctx context.Context, studyID string) (research.Study, error)
	ListParticipants(ctx context.Context, studyID string) ([]research.Participant, error)
}

type Enrollment struct {
	Target     int     `json:"target"`
	Current    int     `json:"current"`
	Percentage float64 `json:"percentage"`
}

type OutcomeSummary struct {
	BaselineN    int     `json:"baseline_n"`
	BaselineMean float64 `json:"baseline_mean"`
	BaselineSD   float64 `json:"baseline_sd"`
	FinalN       int     `json:"final_n"`
	FinalMean    float64 `json:"final_mean"`
	FinalSD      float64 `json:"final_sd"`
	MeanChange   float64 `json:"mean_change"`
}

// Demographics counts participants per generalized value.
type Demographics struct {
	AgeGroups    map[string]int `json:"age_groups"`
	Gender       map[string]int `json:"gender"`
	RegionGroups map[string]int `json:"region_groups"`
}

type ArmSummary struct {
	ArmID        string                    `json:"arm_id"`
	Name         string                    `json:"name"`
	N            int                       `json:"n"`
	Completed    int                       `json:"completed"`
	Withdrawn    int                       `json:"withdrawn"`
	Demographics Demographics              `json:"demographics"`
	Outcomes     map[string]OutcomeSummary `json:"outcomes"`
}

type OutcomeDifference struct {
	FirstMeanChange  float64 `json:"first_mean_change"`
	SecondMeanChange float64 `json:"second_mean_change"`
	Difference       float64 `json:"difference"`
	FirstN           int     `json:"first_n"`
	SecondN          int     `json:"second_n"`
}

type Comparison struct {
	ArmsCompared       []string                     `json:"arms_compared"`
	N                  []int                        `json:"n"`
	OutcomeDifferences map[string]OutcomeDifference `json:"outcome_differences"`
}

type PrimaryOutcome struct {
	Measure string                    `json:"measure"`
	Tool    string                    `json:"tool,omitempty"`
	Overall *OutcomeSummary           `json:"overall,omitempty"`
	ByArm   map[string]OutcomeSummary `json:"by_arm,omitempty"`
}

type Report struct {
	StudyID        string          `json:"study_id"`
	Title          string          `json:"title"`
	Status         string          `json:"status"`
	Enrollment     Enrollment      `json:"enrollment"`
	EnrollmentRate float64         `json:"enrollment_rate"`
	CompletionRate float64         `json:"completion_rate"`
	Overall        ArmSummary      `json:"overall"`
	Arms           []ArmSummary    `json:"arms"`
	Comparison     *Comparison     `json:"comparison,omitempty"`
	PrimaryOutcome *PrimaryOutcome `json:"primary_outcome,omitempty"`
	GeneratedAt    time.Time       `json:"generated_at"`
}

type Generator struct {
	source          Source
	catalog         assessment.Catalog
	finalTimepoints []string
	now             func() time.Time
}

type Option func(*Generator)

// WithFinalTimepoints sets the timepoint labels treated as end of treatment,
// in order of preference.
func WithFinalTimepoints(labels []string) Option {
	return func(g *Generator) {
		if len(labels) > 0 {
			g.finalTimepoints = append([]string(nil), labels...)
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(g *Generator) {
		if now != nil {
			g.now = now
		}
	}
}

func NewGenerator(source Source, catalog assessment.Catalog, opts ...Option) *Generator {
	g := &Generator{
		source:          source,
		catalog:         catalog,
		finalTimepoints: defaultFinalTimepoints,
		now:             func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Generator) GenerateStudyReport(ctx context.Context, studyID string) (Report, error) {
	var (
		study        research.Study
		participants []research.Participant
	)
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		var err error
		study, err = g.source.GetStudy(egCtx, studyID)
		return err
	})
	eg.Go(func() error {
		var err error
		participants, err = g.source.ListParticipants(egCtx, studyID)
		return err
	})
	if err := eg.Wait(); err != nil {
		return Report{}, err
	}

	r := Report{
		StudyID: study.ID,
		Title:   study.Title,
		Status:  string(study.Status),
		Enrollment: Enrollment{
			Target:     study.TargetEnrollment,
			Current:    study.CurrentEnrollment,
			Percentage: study.EnrollmentRate(),
		},
		EnrollmentRate: study.EnrollmentRate(),
		GeneratedAt:    g.now(),
	}

	points := make([]participantPoints, len(participants))
	for i, p := range participants {
		points[i] = g.points(p)
	}

	r.Overall = g.summarize("", "all participants", participants, points)
	if len(participants) > 0 {
		r.CompletionRate = round(float64(r.Overall.Completed)/float64(len(participants))*100, 1)
	}

	byArm := make(map[string][]int)
	for i, p := range participants {
		byArm[p.ArmLabel()] = append(byArm[p.ArmLabel()], i)
	}
	for _, arm := range study.Arms {
		subset, subsetPoints := pick(participants, points, byArm[arm.ID])
		r.Arms = append(r.Arms, g.summarize(arm.ID, arm.Name, subset, subsetPoints))
	}

	if len(study.Arms) == 2 {
		r.Comparison = compare(study.Arms, participants, points, byArm)
	}
	if study.PrimaryOutcome != "" {
		tool := g.primaryTool(study.PrimaryOutcome)
		po := &PrimaryOutcome{Measure: study.PrimaryOutcome, Tool: tool}
		if tool != "" {
			if s, ok := r.Overall.Outcomes[tool]; ok {
				po.Overall = &s
			}
			for _, arm := range r.Arms {
				if s, ok := arm.Outcomes[tool]; ok {
					if po.ByArm == nil {
						po.ByArm = make(map[string]OutcomeSummary)
					}
					po.ByArm[arm.ArmID] = s
				}
			}
		}
		r.PrimaryOutcome = po
	}

	logger.ForStudy(study.ID).WithField("participants", len(participants)).Info("study report generated")
	return r, nil
}

// participantPoints holds the baseline and final score per tool for one participant.
type participantPoints struct {
	baseline map[string]int
	final    map[string]int
}

func (g *Generator) points(p research.Participant) participantPoints {
	out := participantPoints{baseline: make(map[string]int), final: make(map[string]int)}
	for tool, byTimepoint := range p.LatestScores() {
		if rec, ok := byTimepoint[BaselineTimepoint]; ok {
			out.baseline[tool] = rec.TotalScore
		}
		for _, label := range g.finalTimepoints {
			if rec, ok := byTimepoint[label]; ok {
				out.final[tool] = rec.TotalScore
				break
			}
		}
	}
	return out
}

func (g *Generator) summarize(armID, name string, participants []research.Participant, points []participantPoints) ArmSummary {
	s := ArmSummary{
		ArmID: armID,
		Name:  name,
		N:     len(participants),
		Demographics: Demographics{
			AgeGroups:    map[string]int{},
			Gender:       map[string]int{},
			RegionGroups: map[string]int{},
		},
		Outcomes: map[string]OutcomeSummary{},
	}
	baseline := make(map[string][]float64)
	final := make(map[string][]float64)
	for i, p := range participants {
		switch p.Status {
		case research.ParticipantCompleted:
			s.Completed++
		case research.ParticipantWithdrawn:
			s.Withdrawn++
		}
		countValue(s.Demographics.AgeGroups, p.Demographics["age_group"])
		countValue(s.Demographics.Gender, p.Demographics["gender"])
		countValue(s.Demographics.RegionGroups, p.Demographics["region_group"])
		for tool, v := range points[i].baseline {
			baseline[tool] = append(baseline[tool], float64(v))
		}
		for tool, v := range points[i].final {
			final[tool] = append(final[tool], float64(v))
		}
	}
	for tool, b := range baseline {
		f, ok := final[tool]
		if !ok {
			continue
		}
		bMean, fMean := mean(b), mean(f)
		s.Outcomes[tool] = OutcomeSummary{
			BaselineN:    len(b),
			BaselineMean: round(bMean, 2),
			BaselineSD:   round(stddev(b), 2),
			FinalN:       len(f),
			FinalMean:    round(fMean, 2),
			FinalSD:      round(stddev(f), 2),
			MeanChange:   round(fMean-bMean, 2),
		}
	}
	return s
}

// compare uses paired changes: only participants with both a baseline and a
// final score for a tool contribute to that tool.
func compare(arms []research.StudyArm, participants []research.Participant, points []participantPoints, byArm map[string][]int) *Comparison {
	first, second := arms[0], arms[1]
	c := &Comparison{
		ArmsCompared:       []string{first.Name, second.Name},
		N:                  []int{len(byArm[first.ID]), len(byArm[second.ID])},
		OutcomeDifferences: map[string]OutcomeDifference{},
	}
	firstChanges := pairedChanges(points, byArm[first.ID])
	secondChanges := pairedChanges(points, byArm[second.ID])
	for tool, a := range firstChanges {
		b, ok := secondChanges[tool]
		if !ok {
			continue
		}
		ma, mb := mean(a), mean(b)
		c.OutcomeDifferences[tool] = OutcomeDifference{
			FirstMeanChange:  round(ma, 2),
			SecondMeanChange: round(mb, 2),
			Difference:       round(ma-mb, 2),
			FirstN:           len(a),
			SecondN:          len(b),
		}
	}
	return c
}

func pairedChanges(points []participantPoints, indexes []int) map[string][]float64 {
	out := make(map[string][]float64)
	for _, i := range indexes {
		for tool, b := range points[i].baseline {
			if f, ok := points[i].final[tool]; ok {
				out[tool] = append(out[tool], float64(f-b))
			}
		}
	}
	return out
}

// primaryTool finds the catalog instrument named in a free-text outcome such
// as "PHQ-9 score change at 12 weeks". Longer names win so that PHQ-9 is not
// shadowed by a shorter prefix.
func (g *Generator) primaryTool(outcome string) string {
	upper := strings.ToUpper(outcome)
	tools := g.catalog.Tools()
	sort.SliceStable(tools, func(i, j int) bool { return len(tools[i]) > len(tools[j]) })
	for _, tool := range tools {
		if strings.Contains(upper, strings.ToUpper(tool)) {
			return tool
		}
	}
	return ""
}

func pick(participants []research.Participant, points []participantPoints, indexes []int) ([]research.Participant, []participantPoints) {
	ps := make([]research.Participant, len(indexes))
	pp := make([]participantPoints, len(indexes))
	for i, idx := range indexes {
		ps[i] = participants[idx]
		pp[i] = points[idx]
	}
	return ps, pp
}

func countValue(counts map[string]int, value interface{}) {
	s, ok := value.(string)
	if !ok || s == "" {
		return
	}
	counts[s]++
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// stddev is the population standard deviation.
func stddev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	m := mean(values)
	sum := 0.0
	for _, v := range values {
		sum += (v - m) * (v - m)
	}
	return math.Sqrt(sum / float64(len(values)))
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
