package domain

import (
	apperrors "github.com/louisbranch/livepoll/internal/platform/errors"
)

// Sentinels for errors.Is checks. Errors match by code, so the messages of
// returned errors may differ from these.
var (
	ErrPollNotFound        = apperrors.New(apperrors.CodeNotFound, "poll not found")
	ErrUnauthorized        = apperrors.New(apperrors.CodeUnauthorized, "presenter role required")
	ErrInvalidInput        = apperrors.New(apperrors.CodeInvalidInput, "invalid input")
	ErrNotAcceptingAnswers = apperrors.New(apperrors.CodeNotAcceptingAnswers, "round is not accepting answers")
	ErrTransitionRefused   = apperrors.New(apperrors.CodeTransitionRefused, "current round is still open")
)

func invalidInput(message string) error {
	return apperrors.New(apperrors.CodeInvalidInput, message)
}

func pollNotFound(pollID string) error {
	return apperrors.WithMetadata(apperrors.CodeNotFound, "poll not found", map[string]string{"PollID": pollID})
}
