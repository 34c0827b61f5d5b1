package gateway

import "fmt"

const (
	ReasonStartFailed         = "start_failed"
	ReasonStatusUnreachable   = "status_unreachable"
	ReasonQRUnavailable       = "qr_unavailable"
	ReasonWebhookUpdateFailed = "webhook_update_failed"
)

// GatewayError is returned when the gateway rejects or cannot complete a
// request. StatusCode is zero for transport failures.
type GatewayError struct {
	Reason     string
	Detail     string
	StatusCode int
}

func (e *GatewayError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("gateway %s", e.Reason)
	}
	return fmt.Sprintf("gateway %s: %s", e.Reason, e.Detail)
}

// Is matches any *GatewayError carrying the same reason.
func (e *GatewayError) Is(target error) bool {
	t, ok := target.(*GatewayError)
	if !ok {
		return false
	}
	return t.Reason == e.Reason && (t.Detail == "" || t.Detail == e.Detail)
}

var (
	ErrStartFailed         = &GatewayError{Reason: ReasonStartFailed}
	ErrStatusUnreachable   = &GatewayError{Reason: ReasonStatusUnreachable}
	ErrQRUnavailable       = &GatewayError{Reason: ReasonQRUnavailable}
	ErrWebhookUpdateFailed = &GatewayError{Reason: ReasonWebhookUpdateFailed}
)
