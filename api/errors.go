package api

import (
	"fmt"
)

// ErrorCode is a machine-readable error identifier
type ErrorCode string

const (
	ErrCodeGeneral     ErrorCode = "general"
	ErrCodeBusy        ErrorCode = "busy"
	ErrCodeOutOfMemory ErrorCode = "out_of_memory"
	ErrCodeInvalid     ErrorCode = "invalid_request"
	ErrCodeConfig      ErrorCode = "configuration"
	ErrCodeCanceled    ErrorCode = "canceled"
)

// ErrorResponse is the body of every failed request and the last line of a
// failed stream.
type ErrorResponse struct {
	Message string    `json:"error"`
	Code    ErrorCode `json:"code,omitempty"`
	Hint    string    `json:"hint,omitempty"`
}

func (e ErrorResponse) Error() string {
	return e.Message
}

// StatusError is an error with an HTTP status code and message,
// it is parsed on the client-side and not returned from the API
type StatusError struct {
	StatusCode   int       // e.g. 200
	Status       string    // e.g. "200 OK"
	ErrorMessage string    `json:"error"`
	Code         ErrorCode `json:"code"`
	Hint         string    `json:"hint"`
}

func (e StatusError) Error() string {
	switch {
	case e.Status != "" && e.ErrorMessage != "":
		return fmt.Sprintf("%s: %s", e.Status, e.ErrorMessage)
	case e.Status != "":
		return e.Status
	case e.ErrorMessage != "":
		return e.ErrorMessage
	default:
		// this should not happen
		return "something went wrong, please see the stagediff server logs for details"
	}
}
