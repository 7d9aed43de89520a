package research

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/research-platform/pkg/assessment"
	"github.com/synaptica-ai/research-platform/pkg/common/models"
)

func phq9(total int) []int {
	out := make([]int, 9)
	for i := 0; i < 9 && total > 0; i++ {
		v := total
		if v > 3 {
			v = 3
		}
		out[i] = v
		total -= v
	}
	return out
}

func enrolledParticipant(t *testing.T, f fixture) Participant {
	t.Helper()
	study := recruitingStudy(t, f, twoArmRequest(0))
	p, err := f.svc.Enroll(context.Background(), study.ID, "user-001", map[string]interface{}{"age": 28}, consent(), "")
	require.NoError(t, err)
	return p
}

func TestRecordAssessmentScores(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := enrolledParticipant(t, f)

	record, err := f.svc.RecordAssessment(ctx, p.ID, "phq-9", "baseline", phq9(14), "chatbot")
	require.NoError(t, err)
	assert.Equal(t, "PHQ-9", record.Tool)
	assert.Equal(t, 14, record.TotalScore)
	assert.Equal(t, 27, record.MaxScore)
	assert.Equal(t, "moderate", record.Severity)
	assert.NotEmpty(t, record.ID)

	stored, err := f.svc.GetParticipant(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, stored.Assessments, 1)
	assert.NotNil(t, stored.LastActivity)
	assert.Contains(t, f.events.types(), models.EventAssessmentRecorded)
}

func TestRecordAssessmentRejectsWithoutStoring(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := enrolledParticipant(t, f)

	_, err := f.svc.RecordAssessment(ctx, p.ID, "BDI-II", "baseline", phq9(3), "")
	assert.ErrorIs(t, err, assessment.ErrUnknownTool)
	_, err = f.svc.RecordAssessment(ctx, p.ID, "PHQ-9", "baseline", []int{1, 2}, "")
	assert.ErrorIs(t, err, assessment.ErrInvalidResponses)
	_, err = f.svc.RecordAssessment(ctx, p.ID, "PHQ-9", " ", phq9(3), "")
	assert.ErrorIs(t, err, assessment.ErrInvalidResponses)
	_, err = f.svc.RecordAssessment(ctx, "missing", "PHQ-9", "baseline", phq9(3), "")
	assert.ErrorIs(t, err, ErrParticipantNotFound)

	stored, err := f.svc.GetParticipant(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.Assessments)
}

func TestProgressComputesChangePerTool(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := enrolledParticipant(t, f)

	for _, step := range []struct {
		tool, timepoint string
		responses       []int
	}{
		{"PHQ-9", "baseline", phq9(14)},
		{"PHQ-9", "week4", phq9(10)},
		{"PHQ-9", "final", phq9(7)},
		{"GAD-7", "baseline", []int{1, 1, 1, 1, 1, 1, 1}},
	} {
		_, err := f.svc.RecordAssessment(ctx, p.ID, step.tool, step.timepoint, step.responses, "")
		require.NoError(t, err)
	}

	progress, err := f.svc.Progress(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, progress.History["PHQ-9"], 3)
	assert.Len(t, progress.History["GAD-7"], 1)

	change, ok := progress.Changes["PHQ-9"]
	require.True(t, ok)
	assert.Equal(t, -7, change.Absolute)
	assert.Equal(t, -50.0, change.Percent)
	assert.True(t, change.ClinicallySignificant)
	assert.True(t, change.ReliablyChanged)
	assert.Equal(t, assessment.DirectionImproved, change.Direction)
	assert.NotContains(t, progress.Changes, "GAD-7")
}

func TestLatestScoresPrefersNewestDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := enrolledParticipant(t, f)

	_, err := f.svc.RecordAssessment(ctx, p.ID, "PHQ-9", "baseline", phq9(14), "")
	require.NoError(t, err)
	_, err = f.svc.RecordAssessment(ctx, p.ID, "PHQ-9", "baseline", phq9(12), "")
	require.NoError(t, err)

	stored, err := f.svc.GetParticipant(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Assessments, 2)
	assert.Equal(t, 12, stored.LatestScores()["PHQ-9"]["baseline"].TotalScore)
}
