package domain

import "time"

// SessionStatus is the local status vocabulary of a WhatsApp session.
type SessionStatus string

const (
	SessionStarting     SessionStatus = "STARTING"
	SessionConnected    SessionStatus = "CONNECTED"
	SessionWorking      SessionStatus = "WORKING"
	SessionDisconnected SessionStatus = "DISCONNECTED"
)

// Valid reports whether s belongs to the closed local vocabulary.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStarting, SessionConnected, SessionWorking, SessionDisconnected:
		return true
	}
	return false
}

// Online reports whether the gateway considers the session usable.
func (s SessionStatus) Online() bool {
	return s == SessionConnected || s == SessionWorking
}

// WaSession mirrors one gateway session owned by an operator. Name is the
// gateway's identifier for the session and never changes after creation.
type WaSession struct {
	ID        int64         `json:"id,string" gorm:"primaryKey;autoIncrement:false"`
	OwnerID   string        `json:"owner_id" gorm:"size:64;uniqueIndex:idx_wa_session_owner_name"`
	Name      string        `json:"name" gorm:"size:128;uniqueIndex:idx_wa_session_owner_name"`
	Status    SessionStatus `json:"status" gorm:"size:20;index"`
	CreatedAt time.Time     `json:"created_at" gorm:"index"`
	UpdatedAt time.Time     `json:"updated_at"`
}

func (WaSession) TableName() string {
	return "wa_session"
}

// GatewayConfig holds one operator's gateway credentials. Empty fields fall
// back to the application-level gateway settings.
type GatewayConfig struct {
	OwnerID    string    `json:"owner_id" gorm:"primaryKey;size:64"`
	ApiUrl     string    `json:"api_url"`
	ApiKey     string    `json:"-"`
	WebhookUrl string    `json:"webhook_url"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (GatewayConfig) TableName() string {
	return "wa_gateway_config"
}

// Merge returns c with empty fields taken from defaults.
func (c GatewayConfig) Merge(defaults GatewayConfig) GatewayConfig {
	if c.ApiUrl == "" {
		c.ApiUrl = defaults.ApiUrl
	}
	if c.ApiKey == "" {
		c.ApiKey = defaults.ApiKey
	}
	if c.WebhookUrl == "" {
		c.WebhookUrl = defaults.WebhookUrl
	}
	return c
}
