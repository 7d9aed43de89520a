package routes

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/synaptica-ai/research-platform/pkg/assessment"
	"github.com/synaptica-ai/research-platform/pkg/common/logger"
	"github.com/synaptica-ai/research-platform/pkg/export"
	"github.com/synaptica-ai/research-platform/pkg/gateway/middleware"
	"github.com/synaptica-ai/research-platform/pkg/research"
)

type errorStatus struct {
	target error
	status int
}

// errorStatuses maps domain sentinels to HTTP status codes, first match wins.
var errorStatuses = []errorStatus{
	{research.ErrStudyNotFound, http.StatusNotFound},
	{research.ErrParticipantNotFound, http.StatusNotFound},
	{research.ErrInvalidStateTransition, http.StatusConflict},
	{research.ErrStudyNotAcceptingParticipants, http.StatusConflict},
	{research.ErrAlreadyEnrolled, http.StatusConflict},
	{research.ErrParticipantInactive, http.StatusConflict},
	{assessment.ErrUnknownTool, http.StatusUnprocessableEntity},
	{assessment.ErrInvalidResponses, http.StatusUnprocessableEntity},
	{export.ErrKAnonymityViolation, http.StatusUnprocessableEntity},
	{research.ErrConsentRequired, http.StatusBadRequest},
	{research.ErrInvalidStudy, http.StatusBadRequest},
	{research.ErrNoArms, http.StatusBadRequest},
	{export.ErrUnsupportedFormat, http.StatusBadRequest},
}

func statusFor(err error) int {
	for _, e := range errorStatuses {
		if errors.Is(err, e.target) {
			return e.status
		}
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error, action string) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Log.WithError(err).Error("failed to " + action)
		http.Error(w, "failed to "+action, status)
		return
	}
	logger.Log.WithError(err).WithField("status", status).Warn(action + " rejected")
	http.Error(w, err.Error(), status)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

type fieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// decode treats an empty body as an empty object.
func decode(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// bind decodes and validates the request body, writing a 400 on failure.
func bind(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := decode(r, v); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return false
	}
	err := validate.Struct(v)
	if err == nil {
		return true
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return false
	}
	fields := make([]fieldError, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fieldError{
			Field:   strings.TrimPrefix(fe.Namespace(), reflect.TypeOf(v).Elem().Name()+"."),
			Message: fieldMessage(fe),
		})
	}
	writeJSON(w, http.StatusBadRequest, map[string]interface{}{"errors": fields})
	return false
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "field is required"
	case "max":
		return "must be at most " + fe.Param()
	case "gte":
		return "must be at least " + fe.Param()
	default:
		return fe.Error()
	}
}

func parseLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	if v, err := strconv.Atoi(raw); err == nil && v > 0 {
		return v
	}
	return fallback
}

func parseBool(r *http.Request, key string, fallback bool) bool {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}

func resolveActor(r *http.Request) string {
	if r == nil {
		return "system"
	}
	if user := middleware.Actor(r.Context()); user != "" {
		return user
	}
	return "system"
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Log.WithError(err).Error("failed to write json response")
	}
}
