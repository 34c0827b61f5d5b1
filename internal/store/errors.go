package store

import "fmt"

const (
	ReasonLoadFailed   = "load_failed"
	ReasonInsertFailed = "insert_failed"
	ReasonUpdateFailed = "update_failed"
	ReasonDeleteFailed = "delete_failed"
	ReasonConfigFailed = "config_failed"
)

// StoreError is returned when the persistence layer rejects a read or write.
type StoreError struct {
	Reason string
	Err    error
}

func (e *StoreError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("store %s", e.Reason)
	}
	return fmt.Sprintf("store %s: %v", e.Reason, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is matches any *StoreError with the same reason.
func (e *StoreError) Is(target error) bool {
	t, ok := target.(*StoreError)
	return ok && t.Reason == e.Reason
}

var (
	ErrLoadFailed   = &StoreError{Reason: ReasonLoadFailed}
	ErrInsertFailed = &StoreError{Reason: ReasonInsertFailed}
	ErrUpdateFailed = &StoreError{Reason: ReasonUpdateFailed}
	ErrDeleteFailed = &StoreError{Reason: ReasonDeleteFailed}
	ErrConfigFailed = &StoreError{Reason: ReasonConfigFailed}
)
