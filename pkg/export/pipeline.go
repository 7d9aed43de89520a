// Package export assembles anonymized analysis datasets from enrolled
// participants. Every dataset passes the k-anonymity gate before it is
// serialized.
package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/synaptica-ai/research-platform/pkg/anonymization"
	"github.com/synaptica-ai/research-platform/pkg/common/logger"
	"github.com/synaptica-ai/research-platform/pkg/common/models"
	"github.com/synaptica-ai/research-platform/pkg/observability/metrics"
	"github.com/synaptica-ai/research-platform/pkg/research"
)

var (
	ErrKAnonymityViolation = errors.New("k-anonymity violation")
	ErrUnsupportedFormat   = errors.New("unsupported export format")
)

type Format string

const (
	FormatCSV   Format = "csv"
	FormatJSON  Format = "json"
	FormatSPSS  Format = "spss"
	FormatStata Format = "stata"
	FormatR     Format = "r_data"
	FormatExcel Format = "excel"
)

var knownFormats = []Format{FormatCSV, FormatJSON, FormatSPSS, FormatStata, FormatR, FormatExcel}

// ParseFormat accepts the known format names; an empty string selects csv.
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	if f == "" {
		return FormatCSV, nil
	}
	for _, known := range knownFormats {
		if f == known {
			return f, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, s)
}

// Base columns present in every row, in output order.
const (
	ColParticipantID  = "participant_id"
	ColArm            = "arm"
	ColStatus         = "status"
	ColEnrollmentDate = "enrollment_date"
)

var baseColumns = []string{ColParticipantID, ColArm, ColStatus, ColEnrollmentDate}

// Source is the read side of the research service.
type Source interface {
	GetStudy(ctx context.Context, studyID string) (research.Study, error)
	ListParticipants(ctx context.Context, studyID string) ([]research.Participant, error)
}

type Auditor interface {
	Audit(ctx context.Context, entry research.AuditEntry)
}

type Request struct {
	StudyID             string
	Format              Format
	IncludeDemographics bool
	IncludeAssessments  bool
	Actor               string
}

// Dataset is a derived view; it is regenerated on every export and never
// stored as authoritative state.
type Dataset struct {
	ID                 string                   `json:"dataset_id"`
	StudyID            string                   `json:"study_id"`
	Format             Format                   `json:"format"`
	Records            int                      `json:"records"`
	Participants       int                      `json:"participants"`
	Variables          []string                 `json:"variables"`
	Rows               []map[string]interface{} `json:"-"`
	Data               interface{}              `json:"data"`
	Generalized        bool                     `json:"generalized"`
	AnonymizationLevel string                   `json:"anonymization_level"`
	AccessLevel        string                   `json:"access_level"`
	Completeness       float64                  `json:"completeness"`
	DOI                string                   `json:"doi,omitempty"`
	ExportedAt         time.Time                `json:"exported_at"`
}

type Pipeline struct {
	source      Source
	k           int
	accessLevel string
	doiPrefix   string
	auditor     Auditor
	events      research.EventPublisher
	metrics     *metrics.Metrics
	now         func() time.Time
}

type Option func(*Pipeline)

func WithAccessLevel(level string) Option {
	return func(p *Pipeline) {
		if level != "" {
			p.accessLevel = level
		}
	}
}

// WithDOIPrefix mints a DOI of the form prefix/dataset-id for every export.
func WithDOIPrefix(prefix string) Option {
	return func(p *Pipeline) { p.doiPrefix = strings.TrimSuffix(prefix, "/") }
}

func WithAuditor(a Auditor) Option {
	return func(p *Pipeline) { p.auditor = a }
}

func WithEvents(e research.EventPublisher) Option {
	return func(p *Pipeline) { p.events = e }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

func NewPipeline(source Source, kMin int, opts ...Option) *Pipeline {
	p := &Pipeline{
		source:      source,
		k:           kMin,
		accessLevel: "restricted",
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pipeline) K() int {
	return p.k
}

// Export builds one row per participant, enforces k-anonymity over the
// quasi-identifiers present in the rows and serializes the result. Rows without
// any quasi-identifier column are not grouped. A failed
// check triggers one generalization pass; if the rows still violate k the
// export is refused.
func (p *Pipeline) Export(ctx context.Context, req Request) (Dataset, error) {
	start := time.Now()
	format := req.Format
	if format == "" {
		format = FormatCSV
	}

	study, err := p.source.GetStudy(ctx, req.StudyID)
	if err != nil {
		p.metrics.ObserveExport(string(format), "error", 0, time.Since(start))
		return Dataset{}, err
	}
	participants, err := p.source.ListParticipants(ctx, study.ID)
	if err != nil {
		p.metrics.ObserveExport(string(format), "error", 0, time.Since(start))
		return Dataset{}, err
	}

	rows := BuildRows(participants, req.IncludeDemographics, req.IncludeAssessments)
	qis := presentQuasiIdentifiers(rows)

	generalized := false
	if len(qis) > 0 && !anonymization.CheckKAnonymity(rows, qis, p.k) {
		rows = anonymization.GeneralizeForKAnonymity(rows, qis)
		generalized = true
		if !anonymization.CheckKAnonymity(rows, qis, p.k) {
			smallest := anonymization.SmallestGroup(rows, qis)
			p.metrics.ObserveExport(string(format), "rejected", smallest, time.Since(start))
			logger.ForStudy(study.ID).WithFields(map[string]interface{}{
				"k":              p.k,
				"smallest_group": smallest,
			}).Warn("export blocked by k-anonymity gate")
			return Dataset{}, fmt.Errorf("%w: smallest group has %d records, need %d", ErrKAnonymityViolation, smallest, p.k)
		}
	}

	variables := Variables(rows)
	data, err := serialize(format, rows, variables)
	if err != nil {
		p.metrics.ObserveExport(string(format), "error", 0, time.Since(start))
		return Dataset{}, err
	}

	ds := Dataset{
		ID:                 "DS_" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:12]),
		StudyID:            study.ID,
		Format:             format,
		Records:            len(rows),
		Participants:       len(participants),
		Variables:          variables,
		Rows:               rows,
		Data:               data,
		Generalized:        generalized,
		AnonymizationLevel: anonymizationLevel(p.k, generalized),
		AccessLevel:        p.accessLevel,
		Completeness:       Completeness(rows, variables),
		ExportedAt:         p.now(),
	}
	if p.doiPrefix != "" {
		ds.DOI = p.doiPrefix + "/" + strings.ToLower(ds.ID)
	}

	smallest := anonymization.SmallestGroup(rows, qis)
	p.metrics.ObserveExport(string(format), "ok", smallest, time.Since(start))
	logger.ForStudy(study.ID).WithFields(map[string]interface{}{
		"dataset_id": ds.ID,
		"records":    ds.Records,
		"format":     format,
	}).Info("dataset exported")

	if p.auditor != nil {
		p.auditor.Audit(ctx, research.AuditEntry{
			StudyID:  study.ID,
			Actor:    req.Actor,
			Action:   "dataset_exported",
			Entity:   "dataset",
			EntityID: ds.ID,
			Payload: map[string]interface{}{
				"format":       string(format),
				"records":      ds.Records,
				"demographics": req.IncludeDemographics,
				"assessments":  req.IncludeAssessments,
				"generalized":  generalized,
			},
		})
	}
	if p.events != nil {
		if err := p.events.PublishEvent(ctx, models.EventDatasetExported, "research-service", map[string]interface{}{
			"study_id":   study.ID,
			"dataset_id": ds.ID,
			"records":    ds.Records,
			"format":     string(format),
		}); err != nil {
			p.metrics.IncEventFailure(models.EventDatasetExported)
			logger.ForStudy(study.ID).WithError(err).Error("failed to publish export event")
		}
	}
	return ds, nil
}

// BuildRows flattens participants into analysis rows. Assessment columns are
// named tool_timepoint and hold the most recent score for that pair.
func BuildRows(participants []research.Participant, includeDemographics, includeAssessments bool) []map[string]interface{} {
	rows := make([]map[string]interface{}, 0, len(participants))
	for _, participant := range participants {
		row := map[string]interface{}{
			ColParticipantID:  participant.ID,
			ColArm:            participant.ArmLabel(),
			ColStatus:         string(participant.Status),
			ColEnrollmentDate: participant.EnrolledAt.Format(time.RFC3339),
		}
		if includeDemographics {
			for k, v := range participant.Demographics {
				if isBaseColumn(k) {
					continue
				}
				row[k] = v
			}
		}
		if includeAssessments {
			for tool, byTimepoint := range participant.LatestScores() {
				for timepoint, record := range byTimepoint {
					row[tool+"_"+timepoint] = record.TotalScore
				}
			}
		}
		rows = append(rows, row)
	}
	return rows
}

// Variables lists the base columns first, then every other column sorted.
func Variables(rows []map[string]interface{}) []string {
	if len(rows) == 0 {
		return []string{}
	}
	seen := make(map[string]struct{})
	var extra []string
	for _, row := range rows {
		for k := range row {
			if isBaseColumn(k) {
				continue
			}
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				extra = append(extra, k)
			}
		}
	}
	sort.Strings(extra)
	return append(append([]string(nil), baseColumns...), extra...)
}

// Completeness is the share of non-empty cells, rounded to three decimals.
func Completeness(rows []map[string]interface{}, variables []string) float64 {
	cells := len(rows) * len(variables)
	if cells == 0 {
		return 0
	}
	filled := 0
	for _, row := range rows {
		for _, v := range variables {
			if cell(row[v]) != "" {
				filled++
			}
		}
	}
	return float64(int(float64(filled)/float64(cells)*1000+0.5)) / 1000
}

func presentQuasiIdentifiers(rows []map[string]interface{}) []string {
	var out []string
	for _, qi := range anonymization.QuasiIdentifiers {
		for _, row := range rows {
			if _, ok := row[qi]; ok {
				out = append(out, qi)
				break
			}
		}
	}
	return out
}

func isBaseColumn(k string) bool {
	for _, c := range baseColumns {
		if c == k {
			return true
		}
	}
	return false
}

func anonymizationLevel(k int, generalized bool) string {
	level := fmt.Sprintf("k-anonymity (k=%d)", k)
	if generalized {
		level += ", generalized"
	}
	return level
}

func serialize(format Format, rows []map[string]interface{}, variables []string) (interface{}, error) {
	switch format {
	case FormatCSV:
		return toCSV(rows, variables)
	case FormatJSON:
		out, err := json.MarshalIndent(rows, "", "  ")
		if err != nil {
			return nil, err
		}
		return string(out), nil
	default:
		// statistics packages take the row list as-is
		return rows, nil
	}
}

func toCSV(rows []map[string]interface{}, variables []string) (string, error) {
	if len(rows) == 0 {
		return "", nil
	}
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	if err := writer.Write(variables); err != nil {
		return "", err
	}
	record := make([]string, len(variables))
	for _, row := range rows {
		for i, v := range variables {
			record[i] = cell(row[v])
		}
		if err := writer.Write(record); err != nil {
			return "", err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func cell(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return fmt.Sprintf("%g", v)
	default:
		return fmt.Sprint(v)
	}
}
