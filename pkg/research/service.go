// Package research owns the study registry, participant enrollment and the
// assessment history of enrolled participants.
package research

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/synaptica-ai/research-platform/pkg/anonymization"
	"github.com/synaptica-ai/research-platform/pkg/assessment"
	"github.com/synaptica-ai/research-platform/pkg/common/logger"
	"github.com/synaptica-ai/research-platform/pkg/observability/metrics"
	"github.com/synaptica-ai/research-platform/pkg/randomization"
)

const eventSource = "research-service"

// ParticipantActor is recorded in place of a participant acting on their own record.
const ParticipantActor = "participant"

type Service struct {
	store   Store
	anon    *anonymization.Engine
	alloc   *randomization.Engine
	catalog assessment.Catalog

	events  EventPublisher
	journal randomization.Journal
	metrics *metrics.Metrics
	now     func() time.Time

	locks keyedMutex

	restoreMu sync.Mutex
	restored  map[string]bool
}

type Option func(*Service)

func WithEvents(p EventPublisher) Option {
	return func(s *Service) { s.events = p }
}

func WithJournal(j randomization.Journal) Option {
	return func(s *Service) { s.journal = j }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func NewService(store Store, anon *anonymization.Engine, alloc *randomization.Engine, catalog assessment.Catalog, opts ...Option) *Service {
	s := &Service{
		store:   store,
		anon:    anon,
		alloc:   alloc,
		catalog: catalog,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Catalog() assessment.Catalog {
	return s.catalog
}

func (s *Service) Anonymizer() *anonymization.Engine {
	return s.anon
}

func (s *Service) GetStudy(ctx context.Context, studyID string) (Study, error) {
	return s.store.GetStudy(ctx, studyID)
}

func (s *Service) ListStudies(ctx context.Context, limit int) ([]Study, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListStudies(ctx, limit)
}

func (s *Service) ListParticipants(ctx context.Context, studyID string) ([]Participant, error) {
	if _, err := s.store.GetStudy(ctx, studyID); err != nil {
		return nil, err
	}
	return s.store.ListParticipants(ctx, studyID)
}

func (s *Service) GetParticipant(ctx context.Context, participantID string) (Participant, error) {
	return s.store.GetParticipant(ctx, participantID)
}

func (s *Service) ListAuditLogs(ctx context.Context, studyID string, limit int) ([]AuditEntry, error) {
	if _, err := s.store.GetStudy(ctx, studyID); err != nil {
		return nil, err
	}
	return s.store.ListAudit(ctx, studyID, limit)
}

// Audit appends an entry on behalf of collaborators such as the export pipeline.
func (s *Service) Audit(ctx context.Context, entry AuditEntry) {
	s.log(ctx, entry)
}

func (s *Service) log(ctx context.Context, entry AuditEntry) {
	if entry.Actor == "" {
		entry.Actor = "system"
	}
	entry.Actor = s.auditActor(entry.StudyID, entry.ParticipantID, entry.Actor)
	if entry.Payload == nil {
		entry.Payload = map[string]interface{}{}
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	if entry.StudyID == "" {
		logger.Log.Warn("audit log missing study id")
		return
	}
	if err := s.store.AppendAudit(ctx, entry); err != nil {
		logger.ForStudy(entry.StudyID).WithError(err).WithField("action", entry.Action).Error("failed to append audit log")
	}
}

// auditActor returns ParticipantActor when actor is the raw identity behind
// participantID. Audit entries are served to staff and must not pair a raw
// identity with its pseudonym.
func (s *Service) auditActor(studyID, participantID, actor string) string {
	if participantID == "" || actor == "" || actor == ParticipantActor {
		return actor
	}
	if s.anon.HashIdentifier(studyID+":"+actor) == participantID {
		return ParticipantActor
	}
	return actor
}

// keyedMutex serializes work per key. Locks are never released from the map;
// the number of studies is small.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
