package whatsapp

import "fmt"

const (
	ReasonEmptyName      = "empty_name"
	ReasonUnknownSession = "unknown_session"
)

// ValidationError rejects caller input before any gateway or store call.
type ValidationError struct {
	Reason string
	Name   string
}

func (e *ValidationError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("invalid session: %s", e.Reason)
	}
	return fmt.Sprintf("invalid session %q: %s", e.Name, e.Reason)
}

// Is matches any *ValidationError with the same reason.
func (e *ValidationError) Is(target error) bool {
	t, ok := target.(*ValidationError)
	return ok && t.Reason == e.Reason
}

var (
	ErrEmptyName      = &ValidationError{Reason: ReasonEmptyName}
	ErrUnknownSession = &ValidationError{Reason: ReasonUnknownSession}
)
