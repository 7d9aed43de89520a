package research

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/synaptica-ai/research-platform/pkg/common/logger"
	"github.com/synaptica-ai/research-platform/pkg/common/models"
	"github.com/synaptica-ai/research-platform/pkg/randomization"
)

type lifecycleOp string

const (
	opSubmit    lifecycleOp = "submit_for_review"
	opApprove   lifecycleOp = "approve"
	opRecruit   lifecycleOp = "start_recruitment"
	opActivate  lifecycleOp = "activate"
	opComplete  lifecycleOp = "complete"
	opTerminate lifecycleOp = "terminate"
)

type transitionRule struct {
	op   lifecycleOp
	from []StudyStatus
	to   StudyStatus
}

// transitionRules is evaluated in order; the first rule matching both the
// operation and the current status wins.
var transitionRules = []transitionRule{
	{op: opSubmit, from: []StudyStatus{StatusDraft}, to: StatusIRBPending},
	{op: opApprove, from: []StudyStatus{StatusIRBPending}, to: StatusIRBApproved},
	{op: opRecruit, from: []StudyStatus{StatusIRBApproved}, to: StatusRecruiting},
	{op: opActivate, from: []StudyStatus{StatusRecruiting}, to: StatusActive},
	{op: opComplete, from: []StudyStatus{StatusActive}, to: StatusCompleted},
	{op: opTerminate, from: []StudyStatus{StatusRecruiting, StatusActive}, to: StatusTerminated},
}

func nextStatus(op lifecycleOp, from StudyStatus) (StudyStatus, error) {
	for _, rule := range transitionRules {
		if rule.op != op {
			continue
		}
		for _, s := range rule.from {
			if s == from {
				return rule.to, nil
			}
		}
	}
	return "", fmt.Errorf("%w: cannot %s from %s", ErrInvalidStateTransition, strings.ReplaceAll(string(op), "_", " "), from)
}

func (s *Service) CreateStudy(ctx context.Context, req models.CreateStudyRequest, actor string) (Study, error) {
	if strings.TrimSpace(req.Title) == "" {
		return Study{}, fmt.Errorf("%w: title is required", ErrInvalidStudy)
	}
	studyType := StudyTypeRCT
	if req.StudyType != "" {
		t, ok := ParseStudyType(req.StudyType)
		if !ok {
			return Study{}, fmt.Errorf("%w: unknown study type %q", ErrInvalidStudy, req.StudyType)
		}
		studyType = t
	}
	blinding, ok := ParseBlinding(req.BlindingLevel)
	if !ok {
		return Study{}, fmt.Errorf("%w: unknown blinding level %q", ErrInvalidStudy, req.BlindingLevel)
	}
	if req.TargetEnrollment < 0 || req.BlockSize < 0 {
		return Study{}, fmt.Errorf("%w: negative target enrollment or block size", ErrInvalidStudy)
	}
	if req.RandomizationEnabled && len(req.Arms) == 0 {
		return Study{}, ErrNoArms
	}
	method, err := randomization.ParseMethod(req.RandomizationMethod)
	if err != nil {
		return Study{}, fmt.Errorf("%w: %v", ErrInvalidStudy, err)
	}
	if req.RandomizationMethod == "" && len(req.StratifyBy) > 0 {
		method = randomization.MethodStratified
	}
	blockSize := req.BlockSize
	if blockSize == 0 {
		blockSize = s.alloc.DefaultBlockSize()
	}

	now := s.now()
	studyID := fmt.Sprintf("STUDY_%s_%s", now.Format("20060102"), strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8]))
	study := Study{
		ID:                    studyID,
		Title:                 strings.TrimSpace(req.Title),
		Type:                  studyType,
		Status:                StatusDraft,
		PrincipalInvestigator: req.PrincipalInvestigator,
		Institution:           req.Institution,
		RandomizationEnabled:  req.RandomizationEnabled,
		RandomizationMethod:   method,
		BlockSize:             blockSize,
		StratifyBy:            append([]string(nil), req.StratifyBy...),
		Blinding:              blinding,
		TargetEnrollment:      req.TargetEnrollment,
		PrimaryOutcome:        req.PrimaryOutcome,
		SecondaryOutcomes:     append([]string(nil), req.SecondaryOutcomes...),
		AssessmentSchedule:    req.AssessmentSchedule,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	for i, arm := range req.Arms {
		ratio := arm.AllocationRatio
		if ratio <= 0 {
			ratio = 1
		}
		name := arm.Name
		if name == "" {
			name = fmt.Sprintf("Arm %d", i+1)
		}
		study.Arms = append(study.Arms, StudyArm{
			ID:              fmt.Sprintf("%s_ARM_%d", studyID, i+1),
			Name:            name,
			Description:     arm.Description,
			Intervention:    arm.Intervention,
			TargetSize:      arm.TargetSize,
			AllocationRatio: ratio,
		})
	}

	if err := s.store.CreateStudy(ctx, study); err != nil {
		return Study{}, err
	}
	logger.ForStudy(study.ID).WithField("arms", len(study.Arms)).Info("study created")
	s.log(ctx, AuditEntry{
		StudyID:  study.ID,
		Actor:    actor,
		Action:   "study_created",
		Entity:   "study",
		EntityID: study.ID,
		Payload:  map[string]interface{}{"title": study.Title, "study_type": string(study.Type)},
	})
	s.publish(ctx, models.EventStudyCreated, map[string]interface{}{
		"study_id": study.ID,
		"title":    study.Title,
		"status":   string(study.Status),
	})
	return study, nil
}

func (s *Service) SubmitForReview(ctx context.Context, studyID string, req models.SubmitForReviewRequest, actor string) (Study, error) {
	return s.transition(ctx, studyID, opSubmit, actor, func(study *Study) error {
		study.ProtocolRef = req.ProtocolRef
		study.ConsentRef = req.ConsentRef
		return nil
	}, nil)
}

func (s *Service) Approve(ctx context.Context, studyID string, req models.ApproveStudyRequest, actor string) (Study, error) {
	return s.transition(ctx, studyID, opApprove, actor, func(study *Study) error {
		if strings.TrimSpace(req.ApprovalNumber) == "" {
			return fmt.Errorf("%w: approval number is required", ErrInvalidStudy)
		}
		approvedAt := req.ApprovalDate
		if approvedAt.IsZero() {
			approvedAt = study.UpdatedAt
		}
		study.IRBNumber = strings.TrimSpace(req.ApprovalNumber)
		study.IRBApprovalDate = &approvedAt
		return nil
	}, nil)
}

func (s *Service) StartRecruitment(ctx context.Context, studyID, actor string) (Study, error) {
	return s.transition(ctx, studyID, opRecruit, actor, func(study *Study) error {
		start := study.UpdatedAt
		study.StartDate = &start
		return nil
	}, nil)
}

func (s *Service) CompleteStudy(ctx context.Context, studyID, actor string) (Study, error) {
	return s.transition(ctx, studyID, opComplete, actor, func(study *Study) error {
		end := study.UpdatedAt
		study.EndDate = &end
		return nil
	}, nil)
}

func (s *Service) TerminateStudy(ctx context.Context, studyID, reason, actor string) (Study, error) {
	return s.transition(ctx, studyID, opTerminate, actor, func(study *Study) error {
		end := study.UpdatedAt
		study.EndDate = &end
		return nil
	}, map[string]interface{}{"reason": reason})
}

// transition applies op under the study lock. Nothing is written when the
// rule table rejects the current status or mutate fails.
func (s *Service) transition(ctx context.Context, studyID string, op lifecycleOp, actor string, mutate func(*Study) error, note map[string]interface{}) (Study, error) {
	unlock := s.locks.Lock(studyID)
	defer unlock()

	study, err := s.store.GetStudy(ctx, studyID)
	if err != nil {
		return Study{}, err
	}
	to, err := nextStatus(op, study.Status)
	if err != nil {
		logger.ForStudy(studyID).WithField("status", study.Status).Warnf("rejected %s", op)
		return Study{}, err
	}

	from := study.Status
	study.Status = to
	study.UpdatedAt = s.now()
	if mutate != nil {
		if err := mutate(&study); err != nil {
			return Study{}, err
		}
	}
	if err := s.store.UpdateStudy(ctx, study); err != nil {
		return Study{}, err
	}

	payload := map[string]interface{}{"from": string(from), "to": string(to)}
	for k, v := range note {
		payload[k] = v
	}
	s.afterTransition(ctx, study, from, actor, payload)
	return study, nil
}

func (s *Service) afterTransition(ctx context.Context, study Study, from StudyStatus, actor string, payload map[string]interface{}) {
	logger.ForStudy(study.ID).WithField("from", from).WithField("to", study.Status).Info("study status changed")
	s.metrics.IncTransition(string(study.Status))
	s.log(ctx, AuditEntry{
		StudyID:  study.ID,
		Actor:    actor,
		Action:   "study_status_updated",
		Entity:   "study",
		EntityID: study.ID,
		Payload:  payload,
	})
	s.publish(ctx, models.EventStudyStatusChanged, map[string]interface{}{
		"study_id": study.ID,
		"from":     string(from),
		"to":       string(study.Status),
	})
}
