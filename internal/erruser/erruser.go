// Package erruser provides errors whose Error() returns only a user-facing
// message. The technical cause stays reachable through Unwrap for logs and
// errors.Is/As matching.
package erruser

import "errors"

// Err pairs a user-facing message with an optional cause.
type Err struct {
	Msg  string
	Hint string
	Err  error
}

// Error returns the user-facing message only.
func (e *Err) Error() string {
	if e == nil {
		return ""
	}
	return e.Msg
}

// Unwrap returns the underlying cause.
func (e *Err) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New returns an error with the given user-facing message wrapping err.
// If err is nil the result is a plain error carrying msg.
func New(msg string, err error) error {
	if err == nil {
		return errors.New(msg)
	}
	return &Err{Msg: msg, Err: err}
}

// WithHint is New plus a follow-up suggestion printed under the message.
func WithHint(msg, hint string, err error) error {
	return &Err{Msg: msg, Hint: hint, Err: err}
}

// Details extracts the hint and cause text of err for a second output line.
// Both are empty when err is not an *Err.
func Details(err error) (hint, cause string) {
	var ue *Err
	if !errors.As(err, &ue) || ue == nil {
		return "", ""
	}
	if ue.Err != nil {
		cause = ue.Err.Error()
	}
	return ue.Hint, cause
}
