// Package apperr defines the closed set of error kinds surfaced by the report
// governance core and maps them onto HTTP responses.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Kind identifies a class of governance failure. Each kind carries a stable
// machine code so callers can distinguish refusals without parsing messages.
type Kind string

const (
	KindValidation             Kind = "validation_error"
	KindNotFound               Kind = "not_found"
	KindReportLocked           Kind = "report_locked"
	KindReportNotFinal         Kind = "report_not_final"
	KindAlreadyFinalized       Kind = "already_finalized"
	KindAlreadyAcknowledged    Kind = "already_acknowledged"
	KindConfirmationRequired   Kind = "confirmation_required"
	KindSequencerUnavailable   Kind = "sequencer_unavailable"
	KindPersistenceUnavailable Kind = "persistence_unavailable"
)

// Sentinels for errors.Is checks. Any *Error matches the sentinel of its kind.
var (
	ErrValidation             = &Error{Kind: KindValidation, Message: "invalid input"}
	ErrNotFound               = &Error{Kind: KindNotFound, Message: "not found"}
	ErrReportLocked           = &Error{Kind: KindReportLocked, Message: "report is final and can only be amended by addendum"}
	ErrReportNotFinal         = &Error{Kind: KindReportNotFinal, Message: "addenda can only be attached to a final report"}
	ErrAlreadyFinalized       = &Error{Kind: KindAlreadyFinalized, Message: "report has already been finalized"}
	ErrAlreadyAcknowledged    = &Error{Kind: KindAlreadyAcknowledged, Message: "critical finding has already been acknowledged"}
	ErrConfirmationRequired   = &Error{Kind: KindConfirmationRequired, Message: "a valid confirmation token is required"}
	ErrSequencerUnavailable   = &Error{Kind: KindSequencerUnavailable, Message: "accession sequencer is unavailable"}
	ErrPersistenceUnavailable = &Error{Kind: KindPersistenceUnavailable, Message: "persistence layer is unavailable"}
)

// Error is a governance error of a specific kind. Err, when set, is the
// underlying cause and remains reachable through errors.Unwrap.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Validation returns a ValidationError with a field-specific message.
func Validation(format string, args ...any) error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// NotFound returns a NotFound error naming the missing entity.
func NotFound(entity, id string) error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s %s not found", entity, id)}
}

// Locked returns a ReportLocked error for the given study.
func Locked(studyUID string) error {
	return &Error{Kind: KindReportLocked, Message: fmt.Sprintf("report %s is final and can only be amended by addendum", studyUID)}
}

// NotFinal returns a ReportNotFinal error for the given study.
func NotFinal(studyUID string) error {
	return &Error{Kind: KindReportNotFinal, Message: fmt.Sprintf("report %s is not final; addenda can only be attached after sign-off", studyUID)}
}

// AlreadyFinalized returns an AlreadyFinalized error for the given study.
func AlreadyFinalized(studyUID string) error {
	return &Error{Kind: KindAlreadyFinalized, Message: fmt.Sprintf("report %s has already been finalized", studyUID)}
}

// AlreadyAcknowledged returns an AlreadyAcknowledged error for the finding.
func AlreadyAcknowledged(id string) error {
	return &Error{Kind: KindAlreadyAcknowledged, Message: fmt.Sprintf("critical finding %s has already been acknowledged", id)}
}

// ConfirmationRequired returns a ConfirmationRequired error with a reason.
func ConfirmationRequired(reason string) error {
	return &Error{Kind: KindConfirmationRequired, Message: "confirmation rejected: " + reason}
}

// SequencerUnavailable wraps an infrastructure failure inside the accession
// sequencer.
func SequencerUnavailable(err error) error {
	return &Error{Kind: KindSequencerUnavailable, Message: "accession sequencer is unavailable", Err: err}
}

// Unavailable wraps an infrastructure failure of the persistence layer.
func Unavailable(err error) error {
	return &Error{Kind: KindPersistenceUnavailable, Message: "persistence layer is unavailable", Err: err}
}

// FromStore classifies an error returned by a repository. Governance errors
// pass through; anything else is an infrastructure failure.
func FromStore(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return Unavailable(err)
}

// KindOf returns the kind of err, or "" when err is not a governance error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Status maps an error kind to an HTTP status code.
func Status(k Kind) int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindReportLocked, KindReportNotFinal, KindAlreadyFinalized, KindAlreadyAcknowledged:
		return http.StatusConflict
	case KindConfirmationRequired:
		return http.StatusPreconditionRequired
	case KindSequencerUnavailable, KindPersistenceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Body is the JSON shape of an error response.
type Body struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HTTPError converts err into an *echo.HTTPError carrying a Body. Errors that
// are not governance errors become a generic 500 so internal details do not
// leak to clients.
func HTTPError(err error) *echo.HTTPError {
	var e *Error
	if !errors.As(err, &e) {
		return echo.NewHTTPError(http.StatusInternalServerError, Body{Code: "internal_error", Message: "internal server error"})
	}
	// Message never includes the wrapped cause.
	return echo.NewHTTPError(Status(e.Kind), Body{Code: string(e.Kind), Message: e.Message}).SetInternal(err)
}
