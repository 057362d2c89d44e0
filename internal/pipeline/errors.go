package pipeline

import (
	"fmt"
	"net/http"
)

// StatusError is an error carrying the HTTP status the Pipeline should
// return to the caller (spec.md §4.E, §7).
type StatusError struct {
	Status  int
	Code    string
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("pipeline: %s (%d): %s", e.Code, e.Status, e.Message)
}

func errNoAccounts() *StatusError {
	return &StatusError{Status: http.StatusServiceUnavailable, Code: "NoAccounts", Message: "no identities available"}
}

func errAlreadyInProgress() *StatusError {
	return &StatusError{Status: http.StatusServiceUnavailable, Code: "AlreadyInProgress", Message: "an identity switch is already in progress"}
}

func errActivationFailed() *StatusError {
	return &StatusError{Status: http.StatusServiceUnavailable, Code: "ActivationFailed", Message: "the fleet manager could not bring an identity online"}
}

func errNoSocket() *StatusError {
	return &StatusError{Status: http.StatusServiceUnavailable, Code: "NoSocket", Message: "no live agent socket for the active identity"}
}

func errClientDisconnect() *StatusError {
	return &StatusError{Status: http.StatusServiceUnavailable, Code: "ClientDisconnect", Message: "client disconnected"}
}
