package redisq

import "fmt"

// PermanentError marks a handler failure that must not be retried; the
// message goes straight to the dead-letter list.
type PermanentError struct {
	Err    error
	Reason string
}

func (e *PermanentError) Error() string {
	if e == nil {
		return ""
	}
	if e.Reason == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *PermanentError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func Permanent(err error, reason string) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err, Reason: reason}
}
