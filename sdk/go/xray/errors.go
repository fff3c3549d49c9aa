// Package xray instruments multi-step pipelines and ships their traces to an
// xray server.
//
// A Client starts runs. A Run executes steps one at a time, assigning each a
// sequence number and emitting step_start and step_end events around the
// step function. Every event is handed to the Transport before the call that
// produced it returns.
package xray

import (
	"errors"
	"fmt"
	"net/http"
)

// Error represents an error from the xray API with the HTTP status code
// and the server's error message.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("xray: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool {
	return hasStatus(err, http.StatusNotFound)
}

// IsUnauthorized returns true if the error is a 401.
func IsUnauthorized(err error) bool {
	return hasStatus(err, http.StatusUnauthorized)
}

// IsInvalidInput returns true if the error is a 400.
func IsInvalidInput(err error) bool {
	return hasStatus(err, http.StatusBadRequest)
}

func hasStatus(err error, status int) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == status
	}
	return false
}
