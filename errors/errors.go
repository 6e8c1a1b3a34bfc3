package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

type Code int

const (
	Internal   Code = http.StatusInternalServerError
	NotFound   Code = http.StatusNotFound
	Forbidden  Code = http.StatusForbidden
	Validation Code = http.StatusBadRequest
	Conflict   Code = http.StatusConflict
)

// Error is a custom error
type Error struct {
	Code     Code     `json:"code"`
	Messages []string `json:"messages"`
	Err      error    `json:"err,omitempty"`
}

// Error returns the Error as a json string
func (e *Error) Error() string {
	if e.Code == 0 {
		e.Code = http.StatusOK
	}
	bits, _ := json.Marshal(e)
	return string(bits)
}

// RemoveError removes the error from the Error and leaves it's messages and code
func (e *Error) RemoveError() *Error {
	return &Error{
		Code:     e.Code,
		Messages: e.Messages,
		Err:      nil,
	}
}

// New creates a new Error with the given code and formatted message
func New(code Code, msg string, args ...any) error {
	return &Error{
		Code:     code,
		Messages: []string{fmt.Sprintf(msg, args...)},
	}
}

// Extract extracts the custom Error from the given error
func Extract(err error) *Error {
	e, ok := err.(*Error)
	if !ok {
		return &Error{
			Code:     0,
			Messages: nil,
			Err:      err,
		}
	}
	return e
}

// Wraps the given error and returns a new one
func Wrap(err error, code Code, msg string, args ...any) error {
	if err == nil {
		return nil
	}
	e, ok := err.(*Error)
	if ok {
		if msg != "" {
			e.Messages = append(e.Messages, fmt.Sprintf(msg, args...))
		}
		if e.Err == nil {
			e.Err = err
		}
		if code > 0 {
			e.Code = code
		}
		return e
	}
	e = &Error{
		Code: code,
		Err:  err,
	}
	if msg != "" {
		e.Messages = append(e.Messages, fmt.Sprintf(msg, args...))
	}
	return e
}

// DivergentArrayError is returned when a save would overwrite an array field
// that was only partially loaded - an elemMatch projection, or a population
// that filtered, limited, or skipped the referenced documents. The save is
// aborted whole: no update expression is produced for any path.
type DivergentArrayError struct {
	// Paths are the offending document paths
	Paths []string `json:"paths"`
}

// Error implements the error interface
func (d *DivergentArrayError) Error() string {
	return fmt.Sprintf("full replacement of divergent array path(s) is not allowed: %s", strings.Join(d.Paths, ", "))
}

// IsDivergentArrayError returns the DivergentArrayError if the given error is one
func IsDivergentArrayError(err error) (*DivergentArrayError, bool) {
	d, ok := err.(*DivergentArrayError)
	return d, ok
}
