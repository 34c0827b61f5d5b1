package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/guonaihong/gout"
	jsoniter "github.com/json-iterator/go"
	"github.com/mitchellh/mapstructure"
	"github.com/talkincode/whatsdash/internal/domain"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const (
	EventMessage       = "message"
	EventSessionStatus = "session.status"

	apiKeyHeader   = "X-Api-Key"
	defaultTimeout = 15 * time.Second
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultEvents are the webhook events every new session subscribes to.
var DefaultEvents = []string{EventMessage, EventSessionStatus}

// StartResult is the gateway's answer to a session start.
type StartResult struct {
	GatewayStatus string
	Raw           map[string]interface{}
}

type startReply struct {
	Status string `mapstructure:"status"`
}

type webhookRetries struct {
	DelaySeconds int    `json:"delaySeconds"`
	Attempts     int    `json:"attempts"`
	Policy       string `json:"policy"`
}

type webhook struct {
	Url     string          `json:"url"`
	Events  []string        `json:"events"`
	Retries *webhookRetries `json:"retries,omitempty"`
}

type nowebStore struct {
	Enabled  bool `json:"enabled"`
	FullSync bool `json:"fullSync"`
}

type nowebConfig struct {
	MarkOnline bool       `json:"markOnline"`
	Store      nowebStore `json:"store"`
}

type sessionConfig struct {
	Metadata map[string]string `json:"metadata,omitempty"`
	Debug    *bool             `json:"debug,omitempty"`
	Noweb    *nowebConfig      `json:"noweb,omitempty"`
	Webhooks []webhook         `json:"webhooks"`
}

type engineConfig struct {
	Engine string `json:"engine"`
}

type startPayload struct {
	Name   string        `json:"name"`
	Status string        `json:"status"`
	Config sessionConfig `json:"config"`
	Me     *struct{}     `json:"me"`
	Engine engineConfig  `json:"engine"`
}

type webhookPayload struct {
	Config sessionConfig `json:"config"`
}

// Client issues requests to the WhatsApp gateway. It keeps no state between
// calls besides its immutable configuration.
type Client struct {
	cfg  domain.GatewayConfig
	http *http.Client
}

// NewClient builds a client for cfg. A non-positive timeout falls back to 15s.
func NewClient(cfg domain.GatewayConfig, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	cfg.ApiUrl = strings.TrimRight(cfg.ApiUrl, "/")
	return &Client{cfg: cfg, http: &http.Client{Timeout: timeout}}
}

// Config returns the configuration the client was built with.
func (c *Client) Config() domain.GatewayConfig {
	return c.cfg
}

func (c *Client) endpoint(format string, name string) string {
	return c.cfg.ApiUrl + fmt.Sprintf(format, url.PathEscape(name))
}

func (c *Client) headers() gout.H {
	return gout.H{apiKeyHeader: c.cfg.ApiKey}
}

// StartSession creates the session named name at the gateway with the
// standard NOWEB configuration and one webhook subscription.
func (c *Client) StartSession(ctx context.Context, name string, metadata map[string]string) (*StartResult, error) {
	debug := false
	payload := startPayload{
		Name:   name,
		Status: string(domain.SessionStarting),
		Config: sessionConfig{
			Metadata: metadata,
			Debug:    &debug,
			Noweb: &nowebConfig{
				MarkOnline: true,
				Store:      nowebStore{Enabled: true, FullSync: false},
			},
			Webhooks: []webhook{{
				Url:     c.cfg.WebhookUrl,
				Events:  DefaultEvents,
				Retries: &webhookRetries{DelaySeconds: 2, Attempts: 15, Policy: "linear"},
			}},
		},
		Engine: engineConfig{Engine: "NOWEB"},
	}

	var body []byte
	code := 0
	err := gout.New(c.http).
		POST(c.endpoint("/api/%s/start", name)).
		WithContext(ctx).
		SetHeader(c.headers()).
		SetJSON(payload).
		BindBody(&body).
		Code(&code).
		Do()
	if err != nil {
		zap.L().Warn("gateway: start session request failed", zap.String("session", name), zap.Error(err))
		return nil, &GatewayError{Reason: ReasonStartFailed, Detail: err.Error()}
	}
	if !success(code) {
		detail := errorDetail(body, code, "message", "error")
		zap.L().Warn("gateway: start session rejected", zap.String("session", name), zap.Int("code", code), zap.String("detail", detail))
		return nil, &GatewayError{Reason: ReasonStartFailed, Detail: detail, StatusCode: code}
	}

	result := &StartResult{Raw: map[string]interface{}{}}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &result.Raw); err != nil {
			zap.L().Debug("gateway: start session reply is not a json object", zap.String("session", name), zap.Error(err))
		}
	}
	var reply startReply
	if err := mapstructure.WeakDecode(result.Raw, &reply); err == nil {
		result.GatewayStatus = reply.Status
	}
	zap.L().Info("gateway: session started", zap.String("session", name), zap.String("status", result.GatewayStatus))
	return result, nil
}

// GetStatus returns the gateway-reported status string of the session.
func (c *Client) GetStatus(ctx context.Context, name string) (string, error) {
	var body []byte
	code := 0
	err := gout.New(c.http).
		GET(c.endpoint("/api/sessions/%s", name)).
		WithContext(ctx).
		SetHeader(c.headers()).
		BindBody(&body).
		Code(&code).
		Do()
	if err != nil {
		return "", &GatewayError{Reason: ReasonStatusUnreachable, Detail: err.Error()}
	}
	if !success(code) {
		return "", &GatewayError{Reason: ReasonStatusUnreachable, Detail: http.StatusText(code), StatusCode: code}
	}
	var reply struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &reply); err != nil {
		return "", &GatewayError{Reason: ReasonStatusUnreachable, Detail: "malformed status reply", StatusCode: code}
	}
	return reply.Status, nil
}

// GetQRImage fetches the pairing QR code of the session as image bytes.
func (c *Client) GetQRImage(ctx context.Context, name string) ([]byte, error) {
	var body []byte
	code := 0
	err := gout.New(c.http).
		GET(c.endpoint("/api/%s/auth/qr", name)).
		WithContext(ctx).
		SetHeader(c.headers()).
		SetQuery(gout.H{"format": "image"}).
		BindBody(&body).
		Code(&code).
		Do()
	if err != nil {
		return nil, &GatewayError{Reason: ReasonQRUnavailable, Detail: err.Error()}
	}
	if !success(code) {
		return nil, &GatewayError{Reason: ReasonQRUnavailable, Detail: errorDetail(body, code, "error"), StatusCode: code}
	}
	return body, nil
}

// UpdateWebhookConfig replaces the webhook subscription of an existing session.
func (c *Client) UpdateWebhookConfig(ctx context.Context, name string, hookUrl string, events []string) error {
	payload := webhookPayload{Config: sessionConfig{Webhooks: []webhook{{Url: hookUrl, Events: events}}}}
	var body []byte
	code := 0
	err := gout.New(c.http).
		PUT(c.endpoint("/api/sessions/%s", name)).
		WithContext(ctx).
		SetHeader(c.headers()).
		SetJSON(payload).
		BindBody(&body).
		Code(&code).
		Do()
	if err != nil {
		return &GatewayError{Reason: ReasonWebhookUpdateFailed, Detail: err.Error()}
	}
	if !success(code) {
		return &GatewayError{Reason: ReasonWebhookUpdateFailed, Detail: errorDetail(body, code, "message", "error"), StatusCode: code}
	}
	zap.L().Info("gateway: webhook updated", zap.String("session", name), zap.Strings("events", events))
	return nil
}

func success(code int) bool {
	return code >= 200 && code < 300
}

// errorDetail picks the first non-empty string field of a JSON error body,
// falling back to the HTTP status text.
func errorDetail(body []byte, code int, fields ...string) string {
	if gjson.ValidBytes(body) {
		for _, f := range fields {
			if v := gjson.GetBytes(body, f); v.Exists() && v.String() != "" {
				return v.String()
			}
		}
	}
	if text := http.StatusText(code); text != "" {
		return text
	}
	return fmt.Sprintf("status %d", code)
}
