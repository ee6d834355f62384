package site

import (
	"errors"
	"net/http"
)

// Kind classifies failures surfaced by the actor and router.
type Kind string

// Failure kinds.
const (
	KindValidation Kind = "validation"
	KindAnalysis   Kind = "analysis"
	KindInsight    Kind = "insight"
	KindInternal   Kind = "internal"
)

// Sentinels for errors.Is checks against an *Error of the matching kind.
var (
	ErrValidation = &Error{Kind: KindValidation}
	ErrAnalysis   = &Error{Kind: KindAnalysis}
	ErrInsight    = &Error{Kind: KindInsight}
	ErrInternal   = &Error{Kind: KindInternal}
)

// Error is the failure type returned across the actor boundary. Msg is the
// human readable part written to the {"error": ...} envelope.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

// Error implements error.
func (e *Error) Error() string {
	switch {
	case e.Err == nil:
		return e.Msg
	case e.Msg == "":
		return e.Err.Error()
	default:
		return e.Msg + ": " + e.Err.Error()
	}
}

// Unwrap exposes the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same Kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Validation reports bad or missing caller input.
func Validation(msg string) error {
	return &Error{Kind: KindValidation, Msg: msg}
}

// AnalysisFailure wraps an Analyzer failure or timeout.
func AnalysisFailure(err error) error {
	return &Error{Kind: KindAnalysis, Msg: "analysis failed", Err: err}
}

// InsightFailure wraps an InsightGenerator failure or timeout.
func InsightFailure(err error) error {
	return &Error{Kind: KindInsight, Msg: "insight generation failed", Err: err}
}

// Internal wraps anything unanticipated.
func Internal(msg string, err error) error {
	return &Error{Kind: KindInternal, Msg: msg, Err: err}
}

// KindOf returns the kind of err, treating unknown errors as internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps an error to its response status code.
func HTTPStatus(err error) int {
	if KindOf(err) == KindValidation {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
