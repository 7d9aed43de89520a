package logger

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Log is usable before Init; Init only applies output, format and level.
var Log = logrus.New()

func Init() {
	Log.SetOutput(os.Stdout)
	Log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})

	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		level = "info"
	}

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	Log.SetLevel(logLevel)
}

func ForStudy(studyID string) *logrus.Entry {
	return Log.WithField("study_id", studyID)
}

// ForParticipant never carries raw user identifiers, only the pseudonymous id.
func ForParticipant(studyID, participantID string) *logrus.Entry {
	return Log.WithFields(logrus.Fields{
		"study_id":       studyID,
		"participant_id": participantID,
	})
}
