package research

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/research-platform/pkg/anonymization"
	"github.com/synaptica-ai/research-platform/pkg/assessment"
	"github.com/synaptica-ai/research-platform/pkg/common/models"
	"github.com/synaptica-ai/research-platform/pkg/observability/metrics"
	"github.com/synaptica-ai/research-platform/pkg/randomization"
)

type publishedEvent struct {
	Type string
	Data map[string]interface{}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

func (p *recordingPublisher) PublishEvent(_ context.Context, eventType, _ string, data map[string]interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{Type: eventType, Data: data})
	return p.err
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type fixture struct {
	svc    *Service
	store  *MemoryStore
	events *recordingPublisher
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	anon, err := anonymization.NewEngine(anonymization.WithSalt("test-salt"))
	require.NoError(t, err)
	store := NewMemoryStore()
	events := &recordingPublisher{}
	clock := &testClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	svc := NewService(store, anon, randomization.NewEngine(42, 4), assessment.DefaultCatalog(),
		WithEvents(events),
		WithMetrics(metrics.New()),
		WithClock(clock.Now),
	)
	return fixture{svc: svc, store: store, events: events}
}

func twoArmRequest(target int) models.CreateStudyRequest {
	return models.CreateStudyRequest{
		Title:                 "CBT chatbot for mild depression",
		StudyType:             "rct",
		PrincipalInvestigator: "Dr. Han",
		Institution:           "Seoul Clinic",
		TargetEnrollment:      target,
		PrimaryOutcome:        "PHQ-9",
		RandomizationEnabled:  true,
		RandomizationMethod:   "block",
		BlockSize:             4,
		Arms: []models.CreateStudyArmRequest{
			{Name: "intervention", AllocationRatio: 1},
			{Name: "control", AllocationRatio: 1},
		},
	}
}

// recruitingStudy creates a study and walks it to recruiting.
func recruitingStudy(t *testing.T, f fixture, req models.CreateStudyRequest) Study {
	t.Helper()
	ctx := context.Background()
	study, err := f.svc.CreateStudy(ctx, req, "pi")
	require.NoError(t, err)
	_, err = f.svc.SubmitForReview(ctx, study.ID, models.SubmitForReviewRequest{ProtocolRef: "protocol-v1"}, "pi")
	require.NoError(t, err)
	_, err = f.svc.Approve(ctx, study.ID, models.ApproveStudyRequest{ApprovalNumber: "IRB-2026-001"}, "irb")
	require.NoError(t, err)
	study, err = f.svc.StartRecruitment(ctx, study.ID, "pi")
	require.NoError(t, err)
	return study
}

func consent() ConsentInfo {
	return ConsentInfo{Version: "v1.0", Type: "full", Origin: "10.0.0.8"}
}

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	var km keyedMutex
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("study")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	require.Equal(t, 50, counter)
}
