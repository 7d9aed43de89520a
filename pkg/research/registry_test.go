package research

import (
	"context"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/research-platform/pkg/common/models"
	"github.com/synaptica-ai/research-platform/pkg/randomization"
)

func TestCreateStudyDefaults(t *testing.T) {
	f := newFixture(t)
	study, err := f.svc.CreateStudy(context.Background(), twoArmRequest(10), "pi")
	require.NoError(t, err)

	assert.Regexp(t, regexp.MustCompile(`^STUDY_20260302_[0-9A-F]{8}$`), study.ID)
	assert.Equal(t, StatusDraft, study.Status)
	assert.Equal(t, StudyTypeRCT, study.Type)
	assert.Equal(t, BlindingNone, study.Blinding)
	require.Len(t, study.Arms, 2)
	assert.Equal(t, study.ID+"_ARM_1", study.Arms[0].ID)
	assert.Equal(t, study.ID+"_ARM_2", study.Arms[1].ID)
	assert.Zero(t, study.CurrentEnrollment)
	assert.Equal(t, []string{models.EventStudyCreated}, f.events.types())
}

func TestCreateStudyValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateStudy(ctx, models.CreateStudyRequest{}, "pi")
	assert.ErrorIs(t, err, ErrInvalidStudy)

	req := twoArmRequest(10)
	req.Arms = nil
	_, err = f.svc.CreateStudy(ctx, req, "pi")
	assert.ErrorIs(t, err, ErrNoArms)

	req = twoArmRequest(10)
	req.StudyType = "crossover"
	_, err = f.svc.CreateStudy(ctx, req, "pi")
	assert.ErrorIs(t, err, ErrInvalidStudy)

	req = twoArmRequest(10)
	req.RandomizationMethod = "minimization"
	_, err = f.svc.CreateStudy(ctx, req, "pi")
	assert.ErrorIs(t, err, ErrInvalidStudy)
}

func TestCreateStudyStratifyImpliesStratified(t *testing.T) {
	f := newFixture(t)
	req := twoArmRequest(10)
	req.RandomizationMethod = ""
	req.BlockSize = 0
	req.StratifyBy = []string{"gender"}
	study, err := f.svc.CreateStudy(context.Background(), req, "pi")
	require.NoError(t, err)
	assert.Equal(t, randomization.MethodStratified, study.RandomizationMethod)
	assert.Equal(t, 4, study.BlockSize)
}

func TestStudyLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	study := recruitingStudy(t, f, twoArmRequest(0))

	assert.Equal(t, StatusRecruiting, study.Status)
	assert.Equal(t, "IRB-2026-001", study.IRBNumber)
	assert.NotNil(t, study.IRBApprovalDate)
	assert.NotNil(t, study.StartDate)
	assert.Equal(t, "protocol-v1", study.ProtocolRef)

	_, err := f.svc.CompleteStudy(ctx, study.ID, "pi")
	assert.ErrorIs(t, err, ErrInvalidStateTransition, "complete requires an active study")

	terminated, err := f.svc.TerminateStudy(ctx, study.ID, "sponsor withdrew", "pi")
	require.NoError(t, err)
	assert.Equal(t, StatusTerminated, terminated.Status)
	assert.NotNil(t, terminated.EndDate)

	logs, err := f.svc.ListAuditLogs(ctx, study.ID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Equal(t, "study_status_updated", logs[0].Action)
	assert.Equal(t, "sponsor withdrew", logs[0].Payload["reason"])
}

func TestInvalidTransitionLeavesStudyUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	study, err := f.svc.CreateStudy(ctx, twoArmRequest(10), "pi")
	require.NoError(t, err)

	_, err = f.svc.StartRecruitment(ctx, study.ID, "pi")
	require.ErrorIs(t, err, ErrInvalidStateTransition)

	stored, err := f.svc.GetStudy(ctx, study.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDraft, stored.Status)
	assert.Nil(t, stored.StartDate)
	assert.Equal(t, study.UpdatedAt, stored.UpdatedAt)

	_, err = f.svc.Approve(ctx, study.ID, models.ApproveStudyRequest{ApprovalNumber: "IRB-1"}, "irb")
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
}

func TestApproveRequiresNumber(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	study, err := f.svc.CreateStudy(ctx, twoArmRequest(10), "pi")
	require.NoError(t, err)
	_, err = f.svc.SubmitForReview(ctx, study.ID, models.SubmitForReviewRequest{}, "pi")
	require.NoError(t, err)

	_, err = f.svc.Approve(ctx, study.ID, models.ApproveStudyRequest{ApprovalNumber: "  "}, "irb")
	assert.ErrorIs(t, err, ErrInvalidStudy)

	stored, err := f.svc.GetStudy(ctx, study.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusIRBPending, stored.Status)
}

func TestApproveChecksStateBeforeNumber(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	study, err := f.svc.CreateStudy(ctx, twoArmRequest(10), "pi")
	require.NoError(t, err)

	_, err = f.svc.Approve(ctx, study.ID, models.ApproveStudyRequest{}, "irb")
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
	assert.NotErrorIs(t, err, ErrInvalidStudy)

	stored, err := f.svc.GetStudy(ctx, study.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDraft, stored.Status)
}

func TestTransitionUnknownStudy(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.StartRecruitment(context.Background(), "STUDY_missing", "pi")
	assert.ErrorIs(t, err, ErrStudyNotFound)
}

func TestNextStatusTable(t *testing.T) {
	cases := []struct {
		op   lifecycleOp
		from StudyStatus
		to   StudyStatus
		ok   bool
	}{
		{opSubmit, StatusDraft, StatusIRBPending, true},
		{opApprove, StatusIRBPending, StatusIRBApproved, true},
		{opRecruit, StatusIRBApproved, StatusRecruiting, true},
		{opActivate, StatusRecruiting, StatusActive, true},
		{opComplete, StatusActive, StatusCompleted, true},
		{opTerminate, StatusRecruiting, StatusTerminated, true},
		{opTerminate, StatusActive, StatusTerminated, true},
		{opTerminate, StatusDraft, "", false},
		{opRecruit, StatusDraft, "", false},
		{opActivate, StatusActive, "", false},
		{opSubmit, StatusCompleted, "", false},
	}
	for _, tc := range cases {
		to, err := nextStatus(tc.op, tc.from)
		if tc.ok {
			require.NoError(t, err, "%s from %s", tc.op, tc.from)
			assert.Equal(t, tc.to, to)
		} else {
			assert.ErrorIs(t, err, ErrInvalidStateTransition, "%s from %s", tc.op, tc.from)
		}
	}
}
