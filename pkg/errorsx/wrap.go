package errorsx

import "errors"

// Error pairs a failure with the reason code that metrics and logs key on.
type Error struct {
	Reason ReasonCode
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an error whose message is msg and whose reason is reason.
func New(reason ReasonCode, msg string) error {
	return &Error{Reason: reason, Err: errors.New(msg)}
}

// Wrap tags err with reason. The first reason attached wins, so a send
// failure wrapped again by a caller still reports where it started.
func Wrap(err error, reason ReasonCode) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Reason: reason, Err: err}
}

// Reason returns the reason code carried anywhere in err's chain.
func Reason(err error) ReasonCode {
	var e *Error
	if err != nil && errors.As(err, &e) {
		return e.Reason
	}
	return ReasonUnknown
}

// HasReason reports whether err carries any of reasons.
func HasReason(err error, reasons ...ReasonCode) bool {
	got := Reason(err)
	for _, r := range reasons {
		if got == r {
			return true
		}
	}
	return false
}

// LogAttrs returns the error and reason_code pair every warn line carries.
func LogAttrs(err error) []any {
	if err == nil {
		return nil
	}
	return []any{"error", err.Error(), "reason_code", string(Reason(err))}
}
