package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScopedEntries(t *testing.T) {
	entry := ForStudy("STUDY_1")
	assert.Equal(t, "STUDY_1", entry.Data["study_id"])

	entry = ForParticipant("STUDY_1", "ab12cd34ef56ab78")
	assert.Equal(t, "STUDY_1", entry.Data["study_id"])
	assert.Equal(t, "ab12cd34ef56ab78", entry.Data["participant_id"])
}

func TestInitHonoursLogLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "warn")
	Init()
	assert.Equal(t, "warning", Log.GetLevel().String())

	t.Setenv("LOG_LEVEL", "nonsense")
	Init()
	assert.Equal(t, "info", Log.GetLevel().String())
}
