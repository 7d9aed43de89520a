package research

import "errors"

var (
	ErrStudyNotFound                 = errors.New("study not found")
	ErrInvalidStateTransition        = errors.New("invalid study state transition")
	ErrStudyNotAcceptingParticipants = errors.New("study is not accepting participants")
	ErrConsentRequired               = errors.New("valid consent is required")
	ErrInvalidStudy                  = errors.New("invalid study definition")
	ErrNoArms                        = errors.New("randomized study has no arms")
	ErrParticipantNotFound           = errors.New("participant not found")
	ErrAlreadyEnrolled               = errors.New("participant already enrolled in study")
	ErrParticipantInactive           = errors.New("participant is no longer active")
)
