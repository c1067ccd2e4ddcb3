package apperrors

import "fmt"

// Envelope is the wire shape of an `error` event.
type Envelope struct {
	Code    Code   `json:"kind"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// New builds an Envelope for code with a human-readable message.
func New(code Code, message string, details any) Envelope {
	return Envelope{Code: code, Message: message, Details: details}
}

// Error implements the error interface so Envelope can travel through
// normal Go error-handling paths before being serialized onto a socket.
func (e Envelope) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsFatal reports whether code should terminate the connection it was
// raised on, per the taxonomy's recovery policy.
func IsFatal(code Code) bool {
	m, ok := Lookup(code)
	return ok && m.Fatal
}

// HTTPStatus returns the HTTP status that should accompany code on an
// HTTP side-channel response, defaulting to 500 for unregistered codes.
func HTTPStatus(code Code) int {
	m, ok := Lookup(code)
	if !ok || m.HTTPStatus == 0 {
		return 500
	}
	return m.HTTPStatus
}
