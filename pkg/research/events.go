package research

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/synaptica-ai/research-platform/pkg/assessment"
	"github.com/synaptica-ai/research-platform/pkg/common/logger"
	"github.com/synaptica-ai/research-platform/pkg/common/models"
)

// EventPublisher is satisfied by kafka.Producer.
type EventPublisher interface {
	PublishEvent(ctx context.Context, eventType, source string, data map[string]interface{}) error
}

// publish runs after state is committed; failures are logged and counted but
// never undo the committed change.
func (s *Service) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishEvent(ctx, eventType, eventSource, data); err != nil {
		s.metrics.IncEventFailure(eventType)
		logger.Log.WithError(err).WithField("event_type", eventType).Error("failed to publish research event")
	}
}

// HandleAssessmentEvent records an assessment submitted through the event bus.
// Submissions that can never succeed are marked permanent so the consumer
// commits past them.
func (s *Service) HandleAssessmentEvent(ctx context.Context, event models.Event) error {
	if event.Type != models.EventAssessmentSubmitted {
		return nil
	}
	raw, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrPermanent, err)
	}
	var submission models.AssessmentSubmission
	if err := json.Unmarshal(raw, &submission); err != nil {
		return fmt.Errorf("%w: decode submission: %v", models.ErrPermanent, err)
	}
	if submission.ParticipantID == "" {
		return fmt.Errorf("%w: submission without participant", models.ErrPermanent)
	}

	actor := event.Source
	if actor == "" {
		actor = "event-bus"
	}
	_, err = s.RecordAssessment(ctx, submission.ParticipantID, submission.Tool, submission.Timepoint, submission.Responses, actor)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrParticipantNotFound),
		errors.Is(err, ErrParticipantInactive),
		errors.Is(err, assessment.ErrUnknownTool),
		errors.Is(err, assessment.ErrInvalidResponses):
		s.metrics.IncEventFailure(event.Type)
		return fmt.Errorf("%w: %v", models.ErrPermanent, err)
	default:
		return err
	}
}
