package research

import (
	"context"
	"fmt"

	"github.com/synaptica-ai/research-platform/pkg/common/logger"
	"github.com/synaptica-ai/research-platform/pkg/common/models"
)

var openParticipantStatuses = []ParticipantStatus{ParticipantScreening, ParticipantEnrolled, ParticipantActive}

// Withdraw is a status change. The participant and its data are kept and the
// consent record gets its withdrawal timestamp.
func (s *Service) Withdraw(ctx context.Context, participantID, reason, actor string) (Participant, error) {
	return s.updateParticipant(ctx, participantID, ParticipantWithdrawn, actor, func(p *Participant) {
		p.WithdrawalReason = reason
	})
}

func (s *Service) Complete(ctx context.Context, participantID, actor string) (Participant, error) {
	return s.updateParticipant(ctx, participantID, ParticipantCompleted, actor, nil)
}

func (s *Service) MarkLostToFollowup(ctx context.Context, participantID, actor string) (Participant, error) {
	return s.updateParticipant(ctx, participantID, ParticipantLostToFollowup, actor, nil)
}

// RecordSession counts an intervention session. The first session moves an
// enrolled participant to active.
func (s *Service) RecordSession(ctx context.Context, participantID, actor string) (Participant, error) {
	return s.updateParticipant(ctx, participantID, ParticipantActive, actor, func(p *Participant) {
		p.SessionCount++
		at := s.now()
		p.LastActivity = &at
	})
}

func (s *Service) updateParticipant(ctx context.Context, participantID string, to ParticipantStatus, actor string, mutate func(*Participant)) (Participant, error) {
	participant, err := s.store.GetParticipant(ctx, participantID)
	if err != nil {
		return Participant{}, err
	}
	unlock := s.locks.Lock(participant.StudyID)
	defer unlock()

	participant, err = s.store.GetParticipant(ctx, participantID)
	if err != nil {
		return Participant{}, err
	}
	if !isOpen(participant.Status) {
		return Participant{}, fmt.Errorf("%w: %s is %s", ErrParticipantInactive, participantID, participant.Status)
	}

	from := participant.Status
	participant.Status = to
	if mutate != nil {
		mutate(&participant)
	}

	if to == ParticipantWithdrawn {
		err = s.store.CommitWithdrawal(ctx, participant, s.now())
	} else {
		err = s.store.UpdateParticipant(ctx, participant)
	}
	if err != nil {
		return Participant{}, err
	}

	if from != to {
		logger.ForParticipant(participant.StudyID, participantID).WithField("status", to).Info("participant status changed")
		s.log(ctx, AuditEntry{
			StudyID:       participant.StudyID,
			ParticipantID: participantID,
			Actor:         actor,
			Action:        "participant_status_updated",
			Entity:        "participant",
			EntityID:      participantID,
			Payload:       map[string]interface{}{"from": string(from), "to": string(to), "reason": participant.WithdrawalReason},
		})
		s.publish(ctx, models.EventParticipantStatusChanged, map[string]interface{}{
			"study_id":       participant.StudyID,
			"participant_id": participantID,
			"from":           string(from),
			"to":             string(to),
		})
	}
	return participant, nil
}

func isOpen(status ParticipantStatus) bool {
	for _, s := range openParticipantStatuses {
		if s == status {
			return true
		}
	}
	return false
}
