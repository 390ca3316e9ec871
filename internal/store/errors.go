package store

import (
	"errors"
	"fmt"
)

// Kind classifies store errors. The set is closed; callers map it to
// transport status codes with a single lookup.
type Kind int

const (
	KindStorage Kind = iota
	KindInvalidTimezone
	KindInvalidFormat
	KindInvalidColumnName
	KindMissingAggregationFields
	KindInvalidDate
	KindInvalidPriorDays
	KindEmptyObservation
	KindUninitialized
)

var kindNames = map[Kind]string{
	KindStorage:                  "StorageError",
	KindInvalidTimezone:          "InvalidTimezoneError",
	KindInvalidFormat:            "InvalidFormatError",
	KindInvalidColumnName:        "InvalidColumnNameError",
	KindMissingAggregationFields: "MissingAggregationFieldsError",
	KindInvalidDate:              "InvalidDateError",
	KindInvalidPriorDays:         "InvalidPriorDaysError",
	KindEmptyObservation:         "EmptyObservationError",
	KindUninitialized:            "UninitializedStoreError",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is the error type returned by every exported store operation.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return e.Msg + ": " + e.Err.Error()
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports a match against the sentinel of the same kind, so callers can
// write errors.Is(err, store.ErrInvalidDate).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

var (
	ErrStorage          = &Error{Kind: KindStorage}
	ErrInvalidTimezone  = &Error{Kind: KindInvalidTimezone}
	ErrInvalidFormat    = &Error{Kind: KindInvalidFormat}
	ErrInvalidColumn    = &Error{Kind: KindInvalidColumnName}
	ErrMissingSpecs     = &Error{Kind: KindMissingAggregationFields}
	ErrInvalidDate      = &Error{Kind: KindInvalidDate}
	ErrInvalidPriorDays = &Error{Kind: KindInvalidPriorDays}
	ErrEmptyObservation = &Error{Kind: KindEmptyObservation}
	ErrUninitialized    = &Error{Kind: KindUninitialized}
)

// KindOf returns the kind carried by err. Errors that did not originate in
// this package are reported as storage failures.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindStorage
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func storageError(msg string, err error) *Error {
	return &Error{Kind: KindStorage, Msg: msg, Err: err}
}
