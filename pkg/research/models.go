package research

import (
	"strings"
	"time"

	"github.com/synaptica-ai/research-platform/pkg/randomization"
)

type StudyStatus string

const (
	StatusDraft       StudyStatus = "draft"
	StatusIRBPending  StudyStatus = "irb_pending"
	StatusIRBApproved StudyStatus = "irb_approved"
	StatusRecruiting  StudyStatus = "recruiting"
	StatusActive      StudyStatus = "active"
	StatusCompleted   StudyStatus = "completed"
	StatusTerminated  StudyStatus = "terminated"
)

// AcceptsParticipants reports whether enrollment is open.
func (s StudyStatus) AcceptsParticipants() bool {
	return s == StatusRecruiting || s == StatusActive
}

type StudyType string

const (
	StudyTypeRCT           StudyType = "randomized_controlled_trial"
	StudyTypeObservational StudyType = "observational"
	StudyTypeCohort        StudyType = "cohort_study"
	StudyTypeCaseControl   StudyType = "case_control"
	StudyTypePilot         StudyType = "pilot_study"
)

var studyTypeAliases = map[string]StudyType{
	"rct":                         StudyTypeRCT,
	"randomized_controlled_trial": StudyTypeRCT,
	"observational":               StudyTypeObservational,
	"cohort":                      StudyTypeCohort,
	"cohort_study":                StudyTypeCohort,
	"case_control":                StudyTypeCaseControl,
	"case-control":                StudyTypeCaseControl,
	"pilot":                       StudyTypePilot,
	"pilot_study":                 StudyTypePilot,
}

func ParseStudyType(s string) (StudyType, bool) {
	t, ok := studyTypeAliases[strings.ToLower(strings.TrimSpace(s))]
	return t, ok
}

type BlindingLevel string

const (
	BlindingNone   BlindingLevel = "none"
	BlindingSingle BlindingLevel = "single"
	BlindingDouble BlindingLevel = "double"
)

func ParseBlinding(s string) (BlindingLevel, bool) {
	switch b := BlindingLevel(strings.ToLower(strings.TrimSpace(s))); b {
	case "":
		return BlindingNone, true
	case BlindingNone, BlindingSingle, BlindingDouble:
		return b, true
	default:
		return "", false
	}
}

type ParticipantStatus string

const (
	ParticipantScreening      ParticipantStatus = "screening"
	ParticipantEnrolled       ParticipantStatus = "enrolled"
	ParticipantActive         ParticipantStatus = "active"
	ParticipantCompleted      ParticipantStatus = "completed"
	ParticipantWithdrawn      ParticipantStatus = "withdrawn"
	ParticipantLostToFollowup ParticipantStatus = "lost_to_followup"
)

type ConsentType string

const (
	ConsentFull      ConsentType = "full"
	ConsentDataOnly  ConsentType = "data_only"
	ConsentAnonymous ConsentType = "anonymous"
)

func ParseConsentType(s string) (ConsentType, bool) {
	switch c := ConsentType(strings.ToLower(strings.TrimSpace(s))); c {
	case "":
		return ConsentFull, true
	case ConsentFull, ConsentDataOnly, ConsentAnonymous:
		return c, true
	case "data-only":
		return ConsentDataOnly, true
	default:
		return "", false
	}
}

type StudyArm struct {
	ID              string  `json:"arm_id"`
	Name            string  `json:"name"`
	Description     string  `json:"description"`
	Intervention    string  `json:"intervention"`
	TargetSize      int     `json:"target_size"`
	CurrentSize     int     `json:"current_size"`
	AllocationRatio float64 `json:"allocation_ratio"`
}

type Study struct {
	ID                    string               `json:"study_id"`
	Title                 string               `json:"title"`
	Type                  StudyType            `json:"study_type"`
	Status                StudyStatus          `json:"status"`
	PrincipalInvestigator string               `json:"principal_investigator"`
	Institution           string               `json:"institution"`
	IRBNumber             string               `json:"irb_number,omitempty"`
	IRBApprovalDate       *time.Time           `json:"irb_approval_date,omitempty"`
	ProtocolRef           string               `json:"protocol_ref,omitempty"`
	ConsentRef            string               `json:"consent_ref,omitempty"`
	Arms                  []StudyArm           `json:"arms"`
	RandomizationEnabled  bool                 `json:"randomization_enabled"`
	RandomizationMethod   randomization.Method `json:"randomization_method"`
	BlockSize             int                  `json:"block_size"`
	StratifyBy            []string             `json:"stratify_by,omitempty"`
	Blinding              BlindingLevel        `json:"blinding_level"`
	TargetEnrollment      int                  `json:"target_enrollment"`
	CurrentEnrollment     int                  `json:"current_enrollment"`
	PrimaryOutcome        string               `json:"primary_outcome"`
	SecondaryOutcomes     []string             `json:"secondary_outcomes,omitempty"`
	AssessmentSchedule    map[string]int       `json:"assessment_schedule,omitempty"`
	StartDate             *time.Time           `json:"start_date,omitempty"`
	EndDate               *time.Time           `json:"end_date,omitempty"`
	CreatedAt             time.Time            `json:"created_at"`
	UpdatedAt             time.Time            `json:"updated_at"`
}

// Clone returns a copy that shares no slices or maps with s.
func (s Study) Clone() Study {
	out := s
	out.Arms = append([]StudyArm(nil), s.Arms...)
	out.StratifyBy = append([]string(nil), s.StratifyBy...)
	out.SecondaryOutcomes = append([]string(nil), s.SecondaryOutcomes...)
	if s.AssessmentSchedule != nil {
		out.AssessmentSchedule = make(map[string]int, len(s.AssessmentSchedule))
		for k, v := range s.AssessmentSchedule {
			out.AssessmentSchedule[k] = v
		}
	}
	out.IRBApprovalDate = cloneTime(s.IRBApprovalDate)
	out.StartDate = cloneTime(s.StartDate)
	out.EndDate = cloneTime(s.EndDate)
	return out
}

func (s Study) Arm(armID string) (StudyArm, bool) {
	for _, arm := range s.Arms {
		if arm.ID == armID {
			return arm, true
		}
	}
	return StudyArm{}, false
}

func (s Study) ArmSizeTotal() int {
	total := 0
	for _, arm := range s.Arms {
		total += arm.CurrentSize
	}
	return total
}

func (s Study) allocationArms() []randomization.Arm {
	arms := make([]randomization.Arm, len(s.Arms))
	for i, arm := range s.Arms {
		arms[i] = randomization.Arm{ID: arm.ID, AllocationRatio: arm.AllocationRatio}
	}
	return arms
}

// EnrollmentRate is the percentage of target enrollment reached, rounded to one decimal.
func (s Study) EnrollmentRate() float64 {
	if s.TargetEnrollment <= 0 {
		return 0
	}
	return round1(float64(s.CurrentEnrollment) / float64(s.TargetEnrollment) * 100)
}

type ConsentRecord struct {
	ParticipantID   string      `json:"participant_id"`
	StudyID         string      `json:"study_id"`
	Version         string      `json:"consent_version"`
	Type            ConsentType `json:"consent_type"`
	ConsentedAt     time.Time   `json:"consent_date"`
	OriginHash      string      `json:"origin_hash"`
	SignatureMethod string      `json:"signature_method"`
	WithdrawnAt     *time.Time  `json:"withdrawal_date,omitempty"`
}

type AssessmentRecord struct {
	ID            string    `json:"assessment_id"`
	ParticipantID string    `json:"participant_id"`
	Tool          string    `json:"tool"`
	Timepoint     string    `json:"timepoint"`
	Responses     []int     `json:"responses"`
	TotalScore    int       `json:"total_score"`
	MaxScore      int       `json:"max_score"`
	Severity      string    `json:"severity"`
	RecordedAt    time.Time `json:"recorded_at"`
}

type Participant struct {
	ID               string                 `json:"participant_id"`
	StudyID          string                 `json:"study_id"`
	ArmID            *string                `json:"arm_id"`
	Status           ParticipantStatus      `json:"status"`
	EnrolledAt       time.Time              `json:"enrollment_date"`
	Demographics     map[string]interface{} `json:"demographics"`
	Assessments      []AssessmentRecord     `json:"assessments"`
	SessionCount     int                    `json:"session_count"`
	LastActivity     *time.Time             `json:"last_activity,omitempty"`
	WithdrawalReason string                 `json:"withdrawal_reason,omitempty"`
}

func (p Participant) Clone() Participant {
	out := p
	if p.ArmID != nil {
		arm := *p.ArmID
		out.ArmID = &arm
	}
	if p.Demographics != nil {
		out.Demographics = make(map[string]interface{}, len(p.Demographics))
		for k, v := range p.Demographics {
			out.Demographics[k] = v
		}
	}
	out.Assessments = make([]AssessmentRecord, len(p.Assessments))
	for i, a := range p.Assessments {
		a.Responses = append([]int(nil), a.Responses...)
		out.Assessments[i] = a
	}
	out.LastActivity = cloneTime(p.LastActivity)
	return out
}

// ArmLabel is the arm id or an empty string for unassigned participants.
func (p Participant) ArmLabel() string {
	if p.ArmID == nil {
		return ""
	}
	return *p.ArmID
}

// LatestScores keeps the most recent record per (tool, timepoint).
func (p Participant) LatestScores() map[string]map[string]AssessmentRecord {
	out := make(map[string]map[string]AssessmentRecord)
	for _, a := range p.Assessments {
		byTimepoint, ok := out[a.Tool]
		if !ok {
			byTimepoint = make(map[string]AssessmentRecord)
			out[a.Tool] = byTimepoint
		}
		if prev, seen := byTimepoint[a.Timepoint]; !seen || !a.RecordedAt.Before(prev.RecordedAt) {
			byTimepoint[a.Timepoint] = a
		}
	}
	return out
}

type AuditEntry struct {
	ID            int64                  `json:"id"`
	StudyID       string                 `json:"study_id"`
	ParticipantID string                 `json:"participant_id,omitempty"`
	Actor         string                 `json:"actor"`
	Action        string                 `json:"action"`
	Entity        string                 `json:"entity"`
	EntityID      string                 `json:"entity_id"`
	Payload       map[string]interface{} `json:"payload"`
	CreatedAt     time.Time              `json:"created_at"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
