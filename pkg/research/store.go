package research

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Store persists studies, participants, consents and the audit trail. Every
// method either applies all of its writes or none of them.
type Store interface {
	CreateStudy(ctx context.Context, study Study) error
	GetStudy(ctx context.Context, studyID string) (Study, error)
	ListStudies(ctx context.Context, limit int) ([]Study, error)
	UpdateStudy(ctx context.Context, study Study) error

	// CommitEnrollment writes the consent and participant and replaces the
	// study's counters, arm sizes and status in one unit.
	CommitEnrollment(ctx context.Context, study Study, participant Participant, consent ConsentRecord) error
	GetParticipant(ctx context.Context, participantID string) (Participant, error)
	ListParticipants(ctx context.Context, studyID string) ([]Participant, error)
	UpdateParticipant(ctx context.Context, participant Participant) error
	// CommitWithdrawal updates the participant and stamps the consent withdrawal time.
	CommitWithdrawal(ctx context.Context, participant Participant, withdrawnAt time.Time) error
	AppendAssessment(ctx context.Context, record AssessmentRecord, lastActivity time.Time) error
	GetConsent(ctx context.Context, participantID string) (ConsentRecord, error)

	AppendAudit(ctx context.Context, entry AuditEntry) error
	ListAudit(ctx context.Context, studyID string, limit int) ([]AuditEntry, error)
}

// MemoryStore keeps state in maps owned by the instance. Values are copied on
// the way in and out so callers never alias stored state.
type MemoryStore struct {
	mu           sync.RWMutex
	studies      map[string]Study
	participants map[string]Participant
	consents     map[string]ConsentRecord
	audit        []AuditEntry
	nextAuditID  int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		studies:      make(map[string]Study),
		participants: make(map[string]Participant),
		consents:     make(map[string]ConsentRecord),
	}
}

func (m *MemoryStore) CreateStudy(_ context.Context, study Study) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.studies[study.ID]; exists {
		return fmt.Errorf("%w: duplicate study id %s", ErrInvalidStudy, study.ID)
	}
	m.studies[study.ID] = study.Clone()
	return nil
}

func (m *MemoryStore) GetStudy(_ context.Context, studyID string) (Study, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	study, ok := m.studies[studyID]
	if !ok {
		return Study{}, fmt.Errorf("%w: %s", ErrStudyNotFound, studyID)
	}
	return study.Clone(), nil
}

func (m *MemoryStore) ListStudies(_ context.Context, limit int) ([]Study, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Study, 0, len(m.studies))
	for _, s := range m.studies {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) UpdateStudy(_ context.Context, study Study) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.studies[study.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrStudyNotFound, study.ID)
	}
	m.studies[study.ID] = study.Clone()
	return nil
}

func (m *MemoryStore) CommitEnrollment(_ context.Context, study Study, participant Participant, consent ConsentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.studies[study.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrStudyNotFound, study.ID)
	}
	if _, exists := m.participants[participant.ID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyEnrolled, participant.ID)
	}
	m.studies[study.ID] = study.Clone()
	m.participants[participant.ID] = participant.Clone()
	m.consents[consent.ParticipantID] = consent
	return nil
}

func (m *MemoryStore) GetParticipant(_ context.Context, participantID string) (Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.participants[participantID]
	if !ok {
		return Participant{}, fmt.Errorf("%w: %s", ErrParticipantNotFound, participantID)
	}
	return p.Clone(), nil
}

func (m *MemoryStore) ListParticipants(_ context.Context, studyID string) ([]Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Participant
	for _, p := range m.participants {
		if p.StudyID == studyID {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EnrolledAt.Equal(out[j].EnrolledAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].EnrolledAt.Before(out[j].EnrolledAt)
	})
	return out, nil
}

func (m *MemoryStore) UpdateParticipant(_ context.Context, participant Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.participants[participant.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrParticipantNotFound, participant.ID)
	}
	updated := participant.Clone()
	// assessment history is append-only and owned by AppendAssessment
	updated.Assessments = existing.Assessments
	m.participants[participant.ID] = updated
	return nil
}

func (m *MemoryStore) CommitWithdrawal(_ context.Context, participant Participant, withdrawnAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.participants[participant.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrParticipantNotFound, participant.ID)
	}
	updated := participant.Clone()
	updated.Assessments = existing.Assessments
	m.participants[participant.ID] = updated
	if consent, ok := m.consents[participant.ID]; ok {
		at := withdrawnAt
		consent.WithdrawnAt = &at
		m.consents[participant.ID] = consent
	}
	return nil
}

func (m *MemoryStore) AppendAssessment(_ context.Context, record AssessmentRecord, lastActivity time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[record.ParticipantID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrParticipantNotFound, record.ParticipantID)
	}
	record.Responses = append([]int(nil), record.Responses...)
	p.Assessments = append(append([]AssessmentRecord(nil), p.Assessments...), record)
	at := lastActivity
	p.LastActivity = &at
	m.participants[p.ID] = p
	return nil
}

func (m *MemoryStore) GetConsent(_ context.Context, participantID string) (ConsentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.consents[participantID]
	if !ok {
		return ConsentRecord{}, fmt.Errorf("%w: no consent for %s", ErrParticipantNotFound, participantID)
	}
	c.WithdrawnAt = cloneTime(c.WithdrawnAt)
	return c, nil
}

func (m *MemoryStore) AppendAudit(_ context.Context, entry AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextAuditID++
	entry.ID = m.nextAuditID
	m.audit = append(m.audit, entry)
	return nil
}

// ListAudit returns the newest entries first.
func (m *MemoryStore) ListAudit(_ context.Context, studyID string, limit int) ([]AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var out []AuditEntry
	for i := len(m.audit) - 1; i >= 0 && len(out) < limit; i-- {
		if m.audit[i].StudyID == studyID {
			out = append(out, m.audit[i])
		}
	}
	return out, nil
}
