package research

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/synaptica-ai/research-platform/pkg/randomization"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// PostgresStore is the gorm-backed Store.
type PostgresStore struct {
	db *gorm.DB
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

func NewPostgresStore(db *gorm.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type studyModel struct {
	ID                    string         `gorm:"primaryKey;column:id"`
	Title                 string         `gorm:"column:title"`
	StudyType             string         `gorm:"column:study_type"`
	Status                string         `gorm:"column:status;index"`
	PrincipalInvestigator string         `gorm:"column:principal_investigator"`
	Institution           string         `gorm:"column:institution"`
	IRBNumber             string         `gorm:"column:irb_number"`
	IRBApprovalDate       *time.Time     `gorm:"column:irb_approval_date"`
	ProtocolRef           string         `gorm:"column:protocol_ref"`
	ConsentRef            string         `gorm:"column:consent_ref"`
	RandomizationEnabled  bool           `gorm:"column:randomization_enabled"`
	RandomizationMethod   string         `gorm:"column:randomization_method"`
	BlockSize             int            `gorm:"column:block_size"`
	StratifyBy            datatypes.JSON `gorm:"column:stratify_by"`
	Blinding              string         `gorm:"column:blinding_level"`
	TargetEnrollment      int            `gorm:"column:target_enrollment"`
	CurrentEnrollment     int            `gorm:"column:current_enrollment"`
	PrimaryOutcome        string         `gorm:"column:primary_outcome"`
	SecondaryOutcomes     datatypes.JSON `gorm:"column:secondary_outcomes"`
	AssessmentSchedule    datatypes.JSON `gorm:"column:assessment_schedule"`
	StartDate             *time.Time     `gorm:"column:start_date"`
	EndDate               *time.Time     `gorm:"column:end_date"`
	CreatedAt             time.Time      `gorm:"column:created_at"`
	UpdatedAt             time.Time      `gorm:"column:updated_at"`
}

func (studyModel) TableName() string { return "research_studies" }

type armModel struct {
	ID              string  `gorm:"primaryKey;column:id"`
	StudyID         string  `gorm:"column:study_id;index"`
	Ordinal         int     `gorm:"column:ordinal"`
	Name            string  `gorm:"column:name"`
	Description     string  `gorm:"column:description"`
	Intervention    string  `gorm:"column:intervention"`
	TargetSize      int     `gorm:"column:target_size"`
	CurrentSize     int     `gorm:"column:current_size"`
	AllocationRatio float64 `gorm:"column:allocation_ratio"`
}

func (armModel) TableName() string { return "research_study_arms" }

type participantModel struct {
	ID               string         `gorm:"primaryKey;column:id"`
	StudyID          string         `gorm:"column:study_id;index"`
	ArmID            *string        `gorm:"column:arm_id"`
	Status           string         `gorm:"column:status"`
	EnrolledAt       time.Time      `gorm:"column:enrolled_at"`
	Demographics     datatypes.JSON `gorm:"column:demographics"`
	SessionCount     int            `gorm:"column:session_count"`
	LastActivity     *time.Time     `gorm:"column:last_activity"`
	WithdrawalReason string         `gorm:"column:withdrawal_reason"`
}

func (participantModel) TableName() string { return "research_participants" }

type consentModel struct {
	ParticipantID   string     `gorm:"primaryKey;column:participant_id"`
	StudyID         string     `gorm:"column:study_id;index"`
	Version         string     `gorm:"column:consent_version"`
	ConsentType     string     `gorm:"column:consent_type"`
	ConsentedAt     time.Time  `gorm:"column:consented_at"`
	OriginHash      string     `gorm:"column:origin_hash"`
	SignatureMethod string     `gorm:"column:signature_method"`
	WithdrawnAt     *time.Time `gorm:"column:withdrawn_at"`
}

func (consentModel) TableName() string { return "research_consents" }

type assessmentModel struct {
	ID            string         `gorm:"primaryKey;column:id"`
	ParticipantID string         `gorm:"column:participant_id;index"`
	Tool          string         `gorm:"column:tool"`
	Timepoint     string         `gorm:"column:timepoint"`
	Responses     datatypes.JSON `gorm:"column:responses"`
	TotalScore    int            `gorm:"column:total_score"`
	MaxScore      int            `gorm:"column:max_score"`
	Severity      string         `gorm:"column:severity"`
	RecordedAt    time.Time      `gorm:"column:recorded_at"`
}

func (assessmentModel) TableName() string { return "research_assessments" }

type auditLogModel struct {
	ID            int64          `gorm:"primaryKey;column:id"`
	StudyID       string         `gorm:"column:study_id;index"`
	ParticipantID string         `gorm:"column:participant_id"`
	Actor         string         `gorm:"column:actor"`
	Action        string         `gorm:"column:action"`
	Entity        string         `gorm:"column:entity"`
	EntityID      string         `gorm:"column:entity_id"`
	Payload       datatypes.JSON `gorm:"column:payload"`
	CreatedAt     time.Time      `gorm:"column:created_at"`
}

func (auditLogModel) TableName() string { return "research_audit_logs" }

func (r *PostgresStore) AutoMigrate() error {
	return r.db.AutoMigrate(
		&studyModel{},
		&armModel{},
		&participantModel{},
		&consentModel{},
		&assessmentModel{},
		&auditLogModel{},
	)
}

func (r *PostgresStore) CreateStudy(ctx context.Context, study Study) error {
	row, err := toStudyModel(study)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		for i, arm := range study.Arms {
			a := toArmModel(study.ID, i, arm)
			if err := tx.Create(&a).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *PostgresStore) GetStudy(ctx context.Context, studyID string) (Study, error) {
	var row studyModel
	if err := r.db.WithContext(ctx).First(&row, "id = ?", studyID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Study{}, fmt.Errorf("%w: %s", ErrStudyNotFound, studyID)
		}
		return Study{}, err
	}
	return r.buildStudy(ctx, r.db, &row)
}

func (r *PostgresStore) ListStudies(ctx context.Context, limit int) ([]Study, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var rows []studyModel
	if err := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	studies := make([]Study, 0, len(rows))
	for i := range rows {
		study, err := r.buildStudy(ctx, r.db, &rows[i])
		if err != nil {
			return nil, err
		}
		studies = append(studies, study)
	}
	return studies, nil
}

func (r *PostgresStore) buildStudy(ctx context.Context, db *gorm.DB, row *studyModel) (Study, error) {
	study, err := fromStudyModel(row)
	if err != nil {
		return Study{}, err
	}
	var arms []armModel
	if err := db.WithContext(ctx).Where("study_id = ?", row.ID).Order("ordinal").Find(&arms).Error; err != nil {
		return Study{}, err
	}
	for _, a := range arms {
		study.Arms = append(study.Arms, StudyArm{
			ID:              a.ID,
			Name:            a.Name,
			Description:     a.Description,
			Intervention:    a.Intervention,
			TargetSize:      a.TargetSize,
			CurrentSize:     a.CurrentSize,
			AllocationRatio: a.AllocationRatio,
		})
	}
	return study, nil
}

func (r *PostgresStore) UpdateStudy(ctx context.Context, study Study) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return saveStudy(tx, study)
	})
}

func saveStudy(tx *gorm.DB, study Study) error {
	row, err := toStudyModel(study)
	if err != nil {
		return err
	}
	result := tx.Model(&studyModel{}).Where("id = ?", study.ID).Select("*").Omit("id", "created_at").Updates(&row)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrStudyNotFound, study.ID)
	}
	for _, arm := range study.Arms {
		if err := tx.Model(&armModel{}).Where("id = ?", arm.ID).Update("current_size", arm.CurrentSize).Error; err != nil {
			return err
		}
	}
	return nil
}

func (r *PostgresStore) CommitEnrollment(ctx context.Context, study Study, participant Participant, consent ConsentRecord) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&participantModel{}).Where("id = ?", participant.ID).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return fmt.Errorf("%w: %s", ErrAlreadyEnrolled, participant.ID)
		}
		c := toConsentModel(consent)
		if err := tx.Create(&c).Error; err != nil {
			return err
		}
		p, err := toParticipantModel(participant)
		if err != nil {
			return err
		}
		if err := tx.Create(&p).Error; err != nil {
			return err
		}
		return saveStudy(tx, study)
	})
}

func (r *PostgresStore) GetParticipant(ctx context.Context, participantID string) (Participant, error) {
	var row participantModel
	if err := r.db.WithContext(ctx).First(&row, "id = ?", participantID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Participant{}, fmt.Errorf("%w: %s", ErrParticipantNotFound, participantID)
		}
		return Participant{}, err
	}
	participants, err := r.attachAssessments(ctx, []participantModel{row})
	if err != nil {
		return Participant{}, err
	}
	return participants[0], nil
}

func (r *PostgresStore) ListParticipants(ctx context.Context, studyID string) ([]Participant, error) {
	var rows []participantModel
	if err := r.db.WithContext(ctx).Where("study_id = ?", studyID).Order("enrolled_at, id").Find(&rows).Error; err != nil {
		return nil, err
	}
	return r.attachAssessments(ctx, rows)
}

func (r *PostgresStore) attachAssessments(ctx context.Context, rows []participantModel) ([]Participant, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	ids := make([]string, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
	}
	var assessments []assessmentModel
	if err := r.db.WithContext(ctx).Where("participant_id IN ?", ids).Order("recorded_at, id").Find(&assessments).Error; err != nil {
		return nil, err
	}
	byParticipant := make(map[string][]AssessmentRecord, len(rows))
	for _, row := range assessments {
		a, err := fromAssessmentModel(row)
		if err != nil {
			return nil, err
		}
		byParticipant[row.ParticipantID] = append(byParticipant[row.ParticipantID], a)
	}
	out := make([]Participant, len(rows))
	for i, row := range rows {
		p, err := fromParticipantModel(row)
		if err != nil {
			return nil, err
		}
		p.Assessments = byParticipant[row.ID]
		out[i] = p
	}
	return out, nil
}

func (r *PostgresStore) UpdateParticipant(ctx context.Context, participant Participant) error {
	return updateParticipantRow(r.db.WithContext(ctx), participant)
}

func updateParticipantRow(db *gorm.DB, participant Participant) error {
	result := db.Model(&participantModel{}).Where("id = ?", participant.ID).Updates(map[string]interface{}{
		"status":            string(participant.Status),
		"session_count":     participant.SessionCount,
		"last_activity":     participant.LastActivity,
		"withdrawal_reason": participant.WithdrawalReason,
	})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrParticipantNotFound, participant.ID)
	}
	return nil
}

func (r *PostgresStore) CommitWithdrawal(ctx context.Context, participant Participant, withdrawnAt time.Time) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := updateParticipantRow(tx, participant); err != nil {
			return err
		}
		return tx.Model(&consentModel{}).Where("participant_id = ?", participant.ID).Update("withdrawn_at", withdrawnAt).Error
	})
}

func (r *PostgresStore) AppendAssessment(ctx context.Context, record AssessmentRecord, lastActivity time.Time) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&participantModel{}).Where("id = ?", record.ParticipantID).Update("last_activity", lastActivity)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: %s", ErrParticipantNotFound, record.ParticipantID)
		}
		row, err := toAssessmentModel(record)
		if err != nil {
			return err
		}
		return tx.Create(&row).Error
	})
}

func (r *PostgresStore) GetConsent(ctx context.Context, participantID string) (ConsentRecord, error) {
	var row consentModel
	if err := r.db.WithContext(ctx).First(&row, "participant_id = ?", participantID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ConsentRecord{}, fmt.Errorf("%w: no consent for %s", ErrParticipantNotFound, participantID)
		}
		return ConsentRecord{}, err
	}
	return ConsentRecord{
		ParticipantID:   row.ParticipantID,
		StudyID:         row.StudyID,
		Version:         row.Version,
		Type:            ConsentType(row.ConsentType),
		ConsentedAt:     row.ConsentedAt,
		OriginHash:      row.OriginHash,
		SignatureMethod: row.SignatureMethod,
		WithdrawnAt:     row.WithdrawnAt,
	}, nil
}

func (r *PostgresStore) AppendAudit(ctx context.Context, entry AuditEntry) error {
	payload, err := toJSON(entry.Payload)
	if err != nil {
		return fmt.Errorf("audit %s: %w", entry.Action, err)
	}
	row := &auditLogModel{
		StudyID:       entry.StudyID,
		ParticipantID: entry.ParticipantID,
		Actor:         entry.Actor,
		Action:        entry.Action,
		Entity:        entry.Entity,
		EntityID:      entry.EntityID,
		Payload:       payload,
		CreatedAt:     entry.CreatedAt,
	}
	return r.db.WithContext(ctx).Create(row).Error
}

func (r *PostgresStore) ListAudit(ctx context.Context, studyID string, limit int) ([]AuditEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var rows []auditLogModel
	if err := r.db.WithContext(ctx).Where("study_id = ?", studyID).Order("id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	logs := make([]AuditEntry, 0, len(rows))
	for _, row := range rows {
		payload, err := jsonMap(row.Payload)
		if err != nil {
			return nil, fmt.Errorf("audit log %d: %w", row.ID, err)
		}
		logs = append(logs, AuditEntry{
			ID:            row.ID,
			StudyID:       row.StudyID,
			ParticipantID: row.ParticipantID,
			Actor:         row.Actor,
			Action:        row.Action,
			Entity:        row.Entity,
			EntityID:      row.EntityID,
			Payload:       payload,
			CreatedAt:     row.CreatedAt,
		})
	}
	return logs, nil
}

func toStudyModel(s Study) (studyModel, error) {
	stratifyBy, err := toJSON(s.StratifyBy)
	if err != nil {
		return studyModel{}, fmt.Errorf("study %s stratify_by: %w", s.ID, err)
	}
	secondary, err := toJSON(s.SecondaryOutcomes)
	if err != nil {
		return studyModel{}, fmt.Errorf("study %s secondary_outcomes: %w", s.ID, err)
	}
	schedule, err := toJSON(s.AssessmentSchedule)
	if err != nil {
		return studyModel{}, fmt.Errorf("study %s assessment_schedule: %w", s.ID, err)
	}
	return studyModel{
		ID:                    s.ID,
		Title:                 s.Title,
		StudyType:             string(s.Type),
		Status:                string(s.Status),
		PrincipalInvestigator: s.PrincipalInvestigator,
		Institution:           s.Institution,
		IRBNumber:             s.IRBNumber,
		IRBApprovalDate:       s.IRBApprovalDate,
		ProtocolRef:           s.ProtocolRef,
		ConsentRef:            s.ConsentRef,
		RandomizationEnabled:  s.RandomizationEnabled,
		RandomizationMethod:   string(s.RandomizationMethod),
		BlockSize:             s.BlockSize,
		StratifyBy:            stratifyBy,
		Blinding:              string(s.Blinding),
		TargetEnrollment:      s.TargetEnrollment,
		CurrentEnrollment:     s.CurrentEnrollment,
		PrimaryOutcome:        s.PrimaryOutcome,
		SecondaryOutcomes:     secondary,
		AssessmentSchedule:    schedule,
		StartDate:             s.StartDate,
		EndDate:               s.EndDate,
		CreatedAt:             s.CreatedAt,
		UpdatedAt:             s.UpdatedAt,
	}, nil
}

func fromStudyModel(row *studyModel) (Study, error) {
	study := Study{
		ID:                    row.ID,
		Title:                 row.Title,
		Type:                  StudyType(row.StudyType),
		Status:                StudyStatus(row.Status),
		PrincipalInvestigator: row.PrincipalInvestigator,
		Institution:           row.Institution,
		IRBNumber:             row.IRBNumber,
		IRBApprovalDate:       row.IRBApprovalDate,
		ProtocolRef:           row.ProtocolRef,
		ConsentRef:            row.ConsentRef,
		RandomizationEnabled:  row.RandomizationEnabled,
		RandomizationMethod:   randomization.Method(row.RandomizationMethod),
		BlockSize:             row.BlockSize,
		Blinding:              BlindingLevel(row.Blinding),
		TargetEnrollment:      row.TargetEnrollment,
		CurrentEnrollment:     row.CurrentEnrollment,
		PrimaryOutcome:        row.PrimaryOutcome,
		StartDate:             row.StartDate,
		EndDate:               row.EndDate,
		CreatedAt:             row.CreatedAt,
		UpdatedAt:             row.UpdatedAt,
	}
	if err := fromJSON(row.StratifyBy, &study.StratifyBy); err != nil {
		return Study{}, fmt.Errorf("study %s stratify_by: %w", row.ID, err)
	}
	if err := fromJSON(row.SecondaryOutcomes, &study.SecondaryOutcomes); err != nil {
		return Study{}, fmt.Errorf("study %s secondary_outcomes: %w", row.ID, err)
	}
	if err := fromJSON(row.AssessmentSchedule, &study.AssessmentSchedule); err != nil {
		return Study{}, fmt.Errorf("study %s assessment_schedule: %w", row.ID, err)
	}
	return study, nil
}

func toArmModel(studyID string, ordinal int, arm StudyArm) armModel {
	return armModel{
		ID:              arm.ID,
		StudyID:         studyID,
		Ordinal:         ordinal,
		Name:            arm.Name,
		Description:     arm.Description,
		Intervention:    arm.Intervention,
		TargetSize:      arm.TargetSize,
		CurrentSize:     arm.CurrentSize,
		AllocationRatio: arm.AllocationRatio,
	}
}

func toParticipantModel(p Participant) (participantModel, error) {
	demographics, err := toJSON(p.Demographics)
	if err != nil {
		return participantModel{}, fmt.Errorf("participant %s demographics: %w", p.ID, err)
	}
	return participantModel{
		ID:               p.ID,
		StudyID:          p.StudyID,
		ArmID:            p.ArmID,
		Status:           string(p.Status),
		EnrolledAt:       p.EnrolledAt,
		Demographics:     demographics,
		SessionCount:     p.SessionCount,
		LastActivity:     p.LastActivity,
		WithdrawalReason: p.WithdrawalReason,
	}, nil
}

func fromParticipantModel(row participantModel) (Participant, error) {
	demographics, err := jsonMap(row.Demographics)
	if err != nil {
		return Participant{}, fmt.Errorf("participant %s demographics: %w", row.ID, err)
	}
	return Participant{
		ID:               row.ID,
		StudyID:          row.StudyID,
		ArmID:            row.ArmID,
		Status:           ParticipantStatus(row.Status),
		EnrolledAt:       row.EnrolledAt,
		Demographics:     demographics,
		SessionCount:     row.SessionCount,
		LastActivity:     row.LastActivity,
		WithdrawalReason: row.WithdrawalReason,
	}, nil
}

func toConsentModel(c ConsentRecord) consentModel {
	return consentModel{
		ParticipantID:   c.ParticipantID,
		StudyID:         c.StudyID,
		Version:         c.Version,
		ConsentType:     string(c.Type),
		ConsentedAt:     c.ConsentedAt,
		OriginHash:      c.OriginHash,
		SignatureMethod: c.SignatureMethod,
		WithdrawnAt:     c.WithdrawnAt,
	}
}

func toAssessmentModel(a AssessmentRecord) (assessmentModel, error) {
	responses, err := toJSON(a.Responses)
	if err != nil {
		return assessmentModel{}, fmt.Errorf("assessment %s responses: %w", a.ID, err)
	}
	return assessmentModel{
		ID:            a.ID,
		ParticipantID: a.ParticipantID,
		Tool:          a.Tool,
		Timepoint:     a.Timepoint,
		Responses:     responses,
		TotalScore:    a.TotalScore,
		MaxScore:      a.MaxScore,
		Severity:      a.Severity,
		RecordedAt:    a.RecordedAt,
	}, nil
}

func fromAssessmentModel(row assessmentModel) (AssessmentRecord, error) {
	a := AssessmentRecord{
		ID:            row.ID,
		ParticipantID: row.ParticipantID,
		Tool:          row.Tool,
		Timepoint:     row.Timepoint,
		TotalScore:    row.TotalScore,
		MaxScore:      row.MaxScore,
		Severity:      row.Severity,
		RecordedAt:    row.RecordedAt,
	}
	if err := fromJSON(row.Responses, &a.Responses); err != nil {
		return AssessmentRecord{}, fmt.Errorf("assessment %s responses: %w", row.ID, err)
	}
	return a, nil
}

func toJSON(v interface{}) (datatypes.JSON, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(data), nil
}

func fromJSON(data datatypes.JSON, out interface{}) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func jsonMap(data datatypes.JSON) (map[string]interface{}, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	return result, nil
}
