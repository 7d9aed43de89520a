package research

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/research-platform/pkg/common/logger"
	"github.com/synaptica-ai/research-platform/pkg/common/models"
	"github.com/synaptica-ai/research-platform/pkg/randomization"
)

const unknownStratum = "unknown"

// ConsentInfo is the consent metadata supplied with an enrollment. Origin is a
// raw network address and is only stored hashed.
type ConsentInfo struct {
	Version         string
	Type            string
	Origin          string
	SignatureMethod string
}

func (c ConsentInfo) validate() (ConsentType, error) {
	if strings.TrimSpace(c.Version) == "" {
		return "", fmt.Errorf("%w: consent version missing", ErrConsentRequired)
	}
	t, ok := ParseConsentType(c.Type)
	if !ok {
		return "", fmt.Errorf("%w: unknown consent type %q", ErrConsentRequired, c.Type)
	}
	return t, nil
}

// Enroll records consent, anonymizes demographics, allocates an arm when the
// study is randomized and updates the registry counters. The allocation and
// every registry write for one enrollment are committed together under the
// study lock; a failed commit rolls the allocation back.
func (s *Service) Enroll(ctx context.Context, studyID, rawUserID string, demographics map[string]interface{}, consent ConsentInfo, actor string) (Participant, error) {
	unlock := s.locks.Lock(studyID)
	defer unlock()

	study, err := s.store.GetStudy(ctx, studyID)
	if err != nil {
		s.metrics.IncEnrollment("rejected")
		return Participant{}, err
	}
	if !study.Status.AcceptsParticipants() {
		s.metrics.IncEnrollment("rejected")
		logger.ForStudy(studyID).WithField("status", study.Status).Warn("enrollment rejected")
		return Participant{}, fmt.Errorf("%w: study %s is %s", ErrStudyNotAcceptingParticipants, studyID, study.Status)
	}
	consentType, err := consent.validate()
	if err != nil {
		s.metrics.IncEnrollment("rejected")
		return Participant{}, err
	}
	if strings.TrimSpace(rawUserID) == "" {
		s.metrics.IncEnrollment("rejected")
		return Participant{}, fmt.Errorf("%w: participant identity missing", ErrConsentRequired)
	}

	participantID := s.anon.HashIdentifier(studyID + ":" + rawUserID)
	if _, err := s.store.GetParticipant(ctx, participantID); err == nil {
		s.metrics.IncEnrollment("rejected")
		return Participant{}, fmt.Errorf("%w: %s", ErrAlreadyEnrolled, participantID)
	} else if !errors.Is(err, ErrParticipantNotFound) {
		return Participant{}, err
	}

	now := s.now()
	record := ConsentRecord{
		ParticipantID:   participantID,
		StudyID:         studyID,
		Version:         strings.TrimSpace(consent.Version),
		Type:            consentType,
		ConsentedAt:     now,
		SignatureMethod: consent.SignatureMethod,
	}
	if record.SignatureMethod == "" {
		record.SignatureMethod = "electronic"
	}
	if consent.Origin != "" {
		record.OriginHash = s.anon.HashIdentifier(consent.Origin)
	}

	generalized := s.anon.GeneralizeDemographics(demographics)

	var allocation *randomization.Allocation
	if study.RandomizationEnabled && len(study.Arms) > 0 {
		if err := s.restoreAllocations(ctx, studyID); err != nil {
			s.metrics.IncEnrollment("failed")
			logger.ForStudy(studyID).WithError(err).Error("allocation journal unavailable")
			return Participant{}, err
		}
		a, err := s.alloc.Allocate(study.RandomizationMethod, study.ID, study.allocationArms(), strata(study.StratifyBy, generalized), study.BlockSize)
		if err != nil {
			s.metrics.IncEnrollment("failed")
			return Participant{}, err
		}
		allocation = &a
		for i := range study.Arms {
			if study.Arms[i].ID == a.ArmID {
				study.Arms[i].CurrentSize++
				break
			}
		}
	}

	participant := Participant{
		ID:           participantID,
		StudyID:      studyID,
		Status:       ParticipantEnrolled,
		EnrolledAt:   now,
		Demographics: generalized,
	}
	if allocation != nil {
		armID := allocation.ArmID
		participant.ArmID = &armID
	}

	from := study.Status
	study.CurrentEnrollment++
	study.UpdatedAt = now
	if study.TargetEnrollment > 0 && study.CurrentEnrollment >= study.TargetEnrollment {
		if to, err := nextStatus(opActivate, study.Status); err == nil {
			study.Status = to
		}
	}

	if err := s.store.CommitEnrollment(ctx, study, participant, record); err != nil {
		if allocation != nil {
			if rerr := s.alloc.Revert(allocation.Key); rerr != nil {
				logger.ForStudy(studyID).WithError(rerr).Error("failed to revert allocation")
			}
		}
		s.metrics.IncEnrollment("failed")
		logger.ForStudy(studyID).WithError(err).Error("enrollment commit failed")
		return Participant{}, err
	}

	s.metrics.IncEnrollment("enrolled")
	if allocation != nil {
		s.metrics.IncAllocation(string(allocation.Method))
		if s.journal != nil {
			if err := s.journal.Append(ctx, *allocation); err != nil {
				logger.ForStudy(studyID).WithError(err).Error("failed to journal allocation")
			}
		}
	}

	logger.ForParticipant(studyID, participantID).WithField("arm_id", participant.ArmLabel()).Info("participant enrolled")
	s.log(ctx, AuditEntry{
		StudyID:       studyID,
		ParticipantID: participantID,
		Actor:         actor,
		Action:        "participant_enrolled",
		Entity:        "participant",
		EntityID:      participantID,
		Payload: map[string]interface{}{
			"arm_id":          participant.ArmLabel(),
			"consent_version": record.Version,
			"consent_type":    string(record.Type),
		},
	})
	s.publish(ctx, models.EventParticipantEnrolled, map[string]interface{}{
		"study_id":       studyID,
		"participant_id": participantID,
		"arm_id":         participant.ArmLabel(),
	})
	if study.Status != from {
		s.afterTransition(ctx, study, from, s.auditActor(studyID, participantID, actor), map[string]interface{}{
			"from":    string(from),
			"to":      string(study.Status),
			"trigger": "target_enrollment_reached",
		})
	}
	return participant, nil
}

// strata picks the stratification variables out of generalized demographics.
func strata(vars []string, demographics map[string]interface{}) map[string]string {
	if len(vars) == 0 {
		return nil
	}
	out := make(map[string]string, len(vars))
	for _, v := range vars {
		value, ok := demographics[v]
		if !ok || value == nil {
			out[v] = unknownStratum
			continue
		}
		out[v] = fmt.Sprint(value)
	}
	return out
}

type AllocationBalance struct {
	StudyID string                                `json:"study_id"`
	Total   int                                   `json:"total"`
	Arms    []randomization.ArmBalance            `json:"arms"`
	Strata  map[string][]randomization.ArmBalance `json:"strata,omitempty"`
}

// AllocationBalance reports observed against expected allocation for the whole
// study and, for stratified studies, for each stratum.
func (s *Service) AllocationBalance(ctx context.Context, studyID string) (AllocationBalance, error) {
	study, err := s.store.GetStudy(ctx, studyID)
	if err != nil {
		return AllocationBalance{}, err
	}
	if err := s.restoreAllocations(ctx, studyID); err != nil {
		return AllocationBalance{}, err
	}
	arms := study.allocationArms()
	keys := s.alloc.Keys(studyID)

	out := AllocationBalance{StudyID: studyID, Arms: s.alloc.BalanceAcross(keys, arms)}
	for _, b := range out.Arms {
		out.Total += b.Count
	}
	for _, key := range keys {
		if key == studyID {
			continue
		}
		if out.Strata == nil {
			out.Strata = make(map[string][]randomization.ArmBalance)
		}
		out.Strata[strings.TrimPrefix(key, studyID+"|")] = s.alloc.Balance(key, arms)
	}
	return out, nil
}

// restoreAllocations replays the journaled allocation streams of a study into
// the engine once per process, before its first allocation or balance read.
// A study stays unrestored until every stream was read.
func (s *Service) restoreAllocations(ctx context.Context, studyID string) error {
	if s.journal == nil {
		return nil
	}
	s.restoreMu.Lock()
	defer s.restoreMu.Unlock()
	if s.restored[studyID] {
		return nil
	}

	keys, err := s.journal.Keys(ctx, studyID)
	if err != nil {
		return fmt.Errorf("restore allocations for %s: %w", studyID, err)
	}
	replayed := 0
	for _, key := range keys {
		entries, err := s.journal.Entries(ctx, key)
		if err != nil {
			return fmt.Errorf("restore allocations for %s: %w", key, err)
		}
		s.alloc.Restore(key, entries)
		replayed += len(entries)
	}

	if s.restored == nil {
		s.restored = make(map[string]bool)
	}
	s.restored[studyID] = true
	if replayed > 0 {
		logger.ForStudy(studyID).WithFields(logrus.Fields{"streams": len(keys), "allocations": replayed}).Info("allocation journal replayed")
	}
	return nil
}
