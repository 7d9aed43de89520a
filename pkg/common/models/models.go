package models

import (
	"errors"
	"time"
)

// Event Bus models
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"` // study_created, participant_enrolled, assessment_recorded, ...
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
}

// ErrPermanent marks event handling failures that will not succeed on redelivery.
var ErrPermanent = errors.New("permanent event failure")

func IsRetryable(err error) bool {
	return err != nil && !errors.Is(err, ErrPermanent)
}

// Research event types
const (
	EventStudyCreated             = "study_created"
	EventStudyStatusChanged       = "study_status_changed"
	EventParticipantEnrolled      = "participant_enrolled"
	EventParticipantStatusChanged = "participant_status_changed"
	EventAssessmentRecorded       = "assessment_recorded"
	EventAssessmentSubmitted      = "assessment_submitted"
	EventDatasetExported          = "dataset_exported"
)

// Study management API
type CreateStudyArmRequest struct {
	Name            string  `json:"name" validate:"max=200"`
	Description     string  `json:"description"`
	Intervention    string  `json:"intervention" validate:"max=500"`
	TargetSize      int     `json:"target_size" validate:"gte=0"`
	AllocationRatio float64 `json:"allocation_ratio" validate:"gte=0"`
}

type CreateStudyRequest struct {
	Title                 string                  `json:"title" validate:"max=500"`
	StudyType             string                  `json:"study_type"`
	PrincipalInvestigator string                  `json:"principal_investigator" validate:"max=200"`
	Institution           string                  `json:"institution" validate:"max=200"`
	Arms                  []CreateStudyArmRequest `json:"arms" validate:"max=20,dive"`
	TargetEnrollment      int                     `json:"target_enrollment" validate:"gte=0"`
	PrimaryOutcome        string                  `json:"primary_outcome"`
	SecondaryOutcomes     []string                `json:"secondary_outcomes,omitempty"`
	RandomizationEnabled  bool                    `json:"randomization_enabled"`
	RandomizationMethod   string                  `json:"randomization_method,omitempty"`
	BlockSize             int                     `json:"block_size,omitempty" validate:"gte=0"`
	StratifyBy            []string                `json:"stratify_by,omitempty" validate:"max=5,dive,required"`
	BlindingLevel         string                  `json:"blinding_level,omitempty"`
	AssessmentSchedule    map[string]int          `json:"assessment_schedule,omitempty"`
}

type EnrollmentInfo struct {
	Target  int `json:"target"`
	Current int `json:"current"`
}

type StudyResponse struct {
	StudyID    string         `json:"study_id"`
	Title      string         `json:"title"`
	Status     string         `json:"status"`
	Enrollment EnrollmentInfo `json:"enrollment"`
	IRBNumber  string         `json:"irb_number,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

type SubmitForReviewRequest struct {
	ProtocolRef string `json:"protocol_ref" validate:"max=500"`
	ConsentRef  string `json:"consent_ref" validate:"max=500"`
}

type ApproveStudyRequest struct {
	ApprovalNumber string    `json:"approval_number" validate:"max=100"`
	ApprovalDate   time.Time `json:"approval_date"`
}

// Enrollment API
type EnrollParticipantRequest struct {
	UserID          string                 `json:"user_id,omitempty" validate:"max=256"`
	Demographics    map[string]interface{} `json:"demographics"`
	ConsentVersion  string                 `json:"consent_version" validate:"max=32"`
	ConsentType     string                 `json:"consent_type"`
	SignatureMethod string                 `json:"signature_method,omitempty" validate:"max=64"`
}

type EnrollParticipantResponse struct {
	ParticipantID string    `json:"participant_id"`
	StudyID       string    `json:"study_id"`
	ArmID         *string   `json:"arm_id"`
	Status        string    `json:"status"`
	EnrolledAt    time.Time `json:"enrolled_at"`
}

type WithdrawRequest struct {
	Reason string `json:"reason" validate:"max=1000"`
}

// Assessment API
type RecordAssessmentRequest struct {
	Tool      string `json:"tool" validate:"max=64"`
	Timepoint string `json:"timepoint" validate:"max=64"`
	Responses []int  `json:"responses" validate:"max=200"`
}

type RecordAssessmentResponse struct {
	AssessmentID string    `json:"assessment_id"`
	Tool         string    `json:"tool"`
	TotalScore   int       `json:"total_score"`
	MaxScore     int       `json:"max_score"`
	Severity     string    `json:"severity"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// AssessmentSubmission is the payload of assessment_submitted events sent by the
// conversational front end.
type AssessmentSubmission struct {
	ParticipantID string `json:"participant_id"`
	Tool          string `json:"tool"`
	Timepoint     string `json:"timepoint"`
	Responses     []int  `json:"responses"`
}
