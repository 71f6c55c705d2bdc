package protocol

// Code is the machine-readable part of an error event.
type Code string

const (
	CodeMalformed       Code = "malformed"
	CodeUnknownEvent    Code = "unknown-event"
	CodeInvalidPayload  Code = "invalid-payload"
	CodeSessionNotFound Code = "session-not-found"
	CodeInvalidState    Code = "invalid-state"
	CodeNotParticipant  Code = "not-participant"
	CodeNotCallee       Code = "not-callee"
	CodeRateLimited     Code = "rate-limited"
	CodeInternal        Code = "internal"
)

// Error is a protocol-level failure reported back to the offending connection.
// It never tears the connection down.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// NewError builds a protocol error.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

// Event wraps the error for delivery.
func (e *Error) Event() Event {
	return Event{Type: TypeError, Payload: ErrorPayload{Code: e.Code, Message: e.Message}}
}

// ErrorPayload is the body of an error event.
type ErrorPayload struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}
