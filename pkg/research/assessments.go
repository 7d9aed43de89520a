package research

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/synaptica-ai/research-platform/pkg/assessment"
	"github.com/synaptica-ai/research-platform/pkg/common/logger"
	"github.com/synaptica-ai/research-platform/pkg/common/models"
)

// RecordAssessment scores responses and appends the result to the participant's
// history. Nothing is stored when scoring fails. Repeated (tool, timepoint)
// pairs are kept; analysis views read the most recent one.
func (s *Service) RecordAssessment(ctx context.Context, participantID, tool, timepoint string, responses []int, actor string) (AssessmentRecord, error) {
	participant, err := s.store.GetParticipant(ctx, participantID)
	if err != nil {
		return AssessmentRecord{}, err
	}
	unlock := s.locks.Lock(participant.StudyID)
	defer unlock()

	// re-read under the study lock so a concurrent withdrawal is observed
	participant, err = s.store.GetParticipant(ctx, participantID)
	if err != nil {
		return AssessmentRecord{}, err
	}
	if participant.Status == ParticipantWithdrawn {
		return AssessmentRecord{}, fmt.Errorf("%w: %s withdrew consent", ErrParticipantInactive, participantID)
	}
	timepoint = strings.TrimSpace(timepoint)
	if timepoint == "" {
		return AssessmentRecord{}, fmt.Errorf("%w: timepoint is required", assessment.ErrInvalidResponses)
	}

	score, err := s.catalog.Score(tool, responses)
	if err != nil {
		return AssessmentRecord{}, err
	}

	now := s.now()
	record := AssessmentRecord{
		ID:            uuid.NewString(),
		ParticipantID: participantID,
		Tool:          score.Tool,
		Timepoint:     timepoint,
		Responses:     append([]int(nil), responses...),
		TotalScore:    score.Total,
		MaxScore:      score.MaxScore,
		Severity:      score.Severity,
		RecordedAt:    now,
	}
	if err := s.store.AppendAssessment(ctx, record, now); err != nil {
		return AssessmentRecord{}, err
	}

	s.metrics.IncAssessment(record.Tool, record.Severity)
	logger.ForParticipant(participant.StudyID, participantID).WithField("tool", record.Tool).Info("assessment recorded")
	s.log(ctx, AuditEntry{
		StudyID:       participant.StudyID,
		ParticipantID: participantID,
		Actor:         actor,
		Action:        "assessment_recorded",
		Entity:        "assessment",
		EntityID:      record.ID,
		Payload: map[string]interface{}{
			"tool":        record.Tool,
			"timepoint":   record.Timepoint,
			"total_score": record.TotalScore,
			"severity":    record.Severity,
		},
	})
	s.publish(ctx, models.EventAssessmentRecorded, map[string]interface{}{
		"study_id":       participant.StudyID,
		"participant_id": participantID,
		"tool":           record.Tool,
		"timepoint":      record.Timepoint,
		"total_score":    record.TotalScore,
		"severity":       record.Severity,
	})
	return record, nil
}

type ProgressEntry struct {
	Timepoint  string    `json:"timepoint"`
	Score      int       `json:"score"`
	Severity   string    `json:"severity"`
	RecordedAt time.Time `json:"date"`
}

type Progress struct {
	ParticipantID string                       `json:"participant_id"`
	Status        ParticipantStatus            `json:"status"`
	ArmID         *string                      `json:"arm"`
	SessionCount  int                          `json:"session_count"`
	History       map[string][]ProgressEntry   `json:"assessment_history"`
	Changes       map[string]assessment.Change `json:"changes"`
}

// Progress groups the participant's history by tool and computes the change
// from the first to the latest record of every tool with at least two records.
func (s *Service) Progress(ctx context.Context, participantID string) (Progress, error) {
	participant, err := s.store.GetParticipant(ctx, participantID)
	if err != nil {
		return Progress{}, err
	}
	out := Progress{
		ParticipantID: participant.ID,
		Status:        participant.Status,
		ArmID:         participant.ArmID,
		SessionCount:  participant.SessionCount,
		History:       make(map[string][]ProgressEntry),
		Changes:       make(map[string]assessment.Change),
	}
	for _, a := range participant.Assessments {
		out.History[a.Tool] = append(out.History[a.Tool], ProgressEntry{
			Timepoint:  a.Timepoint,
			Score:      a.TotalScore,
			Severity:   a.Severity,
			RecordedAt: a.RecordedAt,
		})
	}
	for tool, history := range out.History {
		if len(history) < 2 {
			continue
		}
		change, err := s.catalog.ComputeChange(history[0].Score, history[len(history)-1].Score, tool)
		if err != nil {
			// instrument removed from the catalog after recording
			continue
		}
		out.Changes[tool] = change
	}
	return out, nil
}
