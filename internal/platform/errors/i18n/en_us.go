package i18n

// Error codes must match the codes defined in internal/platform/errors.
// These are duplicated as strings to avoid an import cycle.
const (
	CodeNotFound            = "NOT_FOUND"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeInvalidInput        = "INVALID_INPUT"
	CodeNotAcceptingAnswers = "NOT_ACCEPTING_ANSWERS"
	CodeTransitionRefused   = "TRANSITION_REFUSED"
	CodeInvalidFrame        = "INVALID_FRAME"
	CodeRateLimited         = "RATE_LIMITED"
)

var baseMessages = map[Code]string{
	CodeNotFound:            "Poll %s was not found.",
	CodeUnauthorized:        "Only the presenter can do that.",
	CodeInvalidInput:        "The request is missing required fields.",
	CodeNotAcceptingAnswers: "This question is no longer accepting answers.",
	CodeTransitionRefused:   "The current question is still open.",
	CodeInvalidFrame:        "The message could not be read.",
	CodeRateLimited:         "Too many messages, slow down.",
}
