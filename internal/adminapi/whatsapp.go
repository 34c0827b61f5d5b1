package adminapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/gocarina/gocsv"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/talkincode/whatsdash/internal/domain"
	"github.com/talkincode/whatsdash/internal/gateway"
	"github.com/talkincode/whatsdash/internal/store"
	"github.com/talkincode/whatsdash/internal/webserver"
	"github.com/talkincode/whatsdash/internal/whatsapp"
	"github.com/talkincode/whatsdash/pkg/metrics"
	"go.uber.org/zap"
)

type sessionCreatePayload struct {
	Name string `json:"name" validate:"required,max=128"`
}

type webhookPayload struct {
	Url    string   `json:"url" validate:"required,url"`
	Events []string `json:"events" validate:"omitempty,dive,required"`
}

type gatewayConfigPayload struct {
	ApiUrl     string `json:"api_url" validate:"omitempty,url"`
	ApiKey     string `json:"api_key"`
	WebhookUrl string `json:"webhook_url" validate:"omitempty,url"`
}

// sessionCsvRow is one line of the session export.
type sessionCsvRow struct {
	ID        string `csv:"id"`
	Name      string `csv:"name"`
	Status    string `csv:"status"`
	CreatedAt string `csv:"created_at"`
	UpdatedAt string `csv:"updated_at"`
}

type qrAttemptView struct {
	whatsapp.QRPairingAttempt
	ImageUrl string `json:"image_url,omitempty"`
}

func registerWhatsAppRoutes() {
	webserver.ApiGET("/whatsapp/sessions", listWhatsAppSessions)
	webserver.ApiPOST("/whatsapp/sessions", createWhatsAppSession)
	webserver.ApiDELETE("/whatsapp/sessions/:id", deleteWhatsAppSession)
	webserver.ApiPOST("/whatsapp/sessions/reconcile", reconcileWhatsAppSessions)
	webserver.ApiGET("/whatsapp/sessions/export", exportWhatsAppSessions)
	webserver.ApiPOST("/whatsapp/sessions/:name/qr", fetchWhatsAppQR)
	webserver.ApiDELETE("/whatsapp/sessions/:name/qr", resetWhatsAppQR)
	webserver.ApiGET("/whatsapp/qr/:handle", getWhatsAppQRImage)
	webserver.ApiPOST("/whatsapp/sessions/:name/pairing/complete", completeWhatsAppPairing)
	webserver.ApiDELETE("/whatsapp/sessions/:name/pairing", cancelWhatsAppPairing)
	webserver.ApiGET("/whatsapp/sessions/:name/pairing", getWhatsAppPairing)
	webserver.ApiPUT("/whatsapp/sessions/:name/webhook", updateWhatsAppWebhook)
	webserver.ApiGET("/whatsapp/gateway", getWhatsAppGateway)
	webserver.ApiPUT("/whatsapp/gateway", updateWhatsAppGateway)
	webserver.ApiGET("/whatsapp/metrics", getWhatsAppMetrics)
}

// controller resolves the session controller of the calling operator. The
// returned error has already been written to the response.
func controller(c echo.Context) (*whatsapp.Controller, error) {
	svc := whatsapp.Get()
	if svc == nil {
		return nil, fail(c, http.StatusServiceUnavailable, "WA_NOT_INITIALIZED", "WhatsApp service not initialized", nil)
	}
	ctrl, err := svc.Controller(c.Request().Context(), GetOperatorID(c))
	if err != nil {
		return nil, failWhatsApp(c, err)
	}
	return ctrl, nil
}

// failWhatsApp maps the typed errors of the session layers to responses.
func failWhatsApp(c echo.Context, err error) error {
	var vErr *whatsapp.ValidationError
	var gErr *gateway.GatewayError
	var sErr *store.StoreError
	switch {
	case errors.As(err, &vErr):
		return fail(c, http.StatusBadRequest, strings.ToUpper(vErr.Reason), err.Error(), nil)
	case errors.As(err, &gErr):
		return fail(c, http.StatusBadGateway, strings.ToUpper(gErr.Reason), err.Error(), gErr.Detail)
	case errors.As(err, &sErr):
		zap.L().Error("adminapi: session store failure", zap.Error(err))
		return fail(c, http.StatusInternalServerError, strings.ToUpper(sErr.Reason), "Session storage failed", err.Error())
	default:
		zap.L().Error("adminapi: whatsapp request failed", zap.Error(err))
		return fail(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Request failed", err.Error())
	}
}

func qrView(attempt whatsapp.QRPairingAttempt) qrAttemptView {
	view := qrAttemptView{QRPairingAttempt: attempt}
	if attempt.ImageHandle != "" {
		view.ImageUrl = webserver.ApiPrefix + "/whatsapp/qr/" + attempt.ImageHandle
	}
	return view
}

// listWhatsAppSessions returns the operator's sessions newest first, optionally
// only those created after ?created_after=
func listWhatsAppSessions(c echo.Context) error {
	ctrl, err := controller(c)
	if ctrl == nil {
		return err
	}

	var after time.Time
	if raw := strings.TrimSpace(c.QueryParam("created_after")); raw != "" {
		after, err = dateparse.ParseIn(raw, time.Local)
		if err != nil {
			return fail(c, http.StatusBadRequest, "INVALID_DATE", "Unable to parse created_after", raw)
		}
	}

	sessions, err := ctrl.Load(c.Request().Context())
	if err != nil {
		return failWhatsApp(c, err)
	}
	rows := make([]domain.WaSession, 0, len(sessions))
	for _, s := range sessions {
		if after.IsZero() || s.CreatedAt.After(after) {
			rows = append(rows, s)
		}
	}

	page, pageSize := parsePagination(c)
	total := int64(len(rows))
	start := len(rows)
	if page-1 <= len(rows)/pageSize {
		start = min((page-1)*pageSize, len(rows))
	}
	end := start + pageSize
	if end > len(rows) {
		end = len(rows)
	}
	return paged(c, rows[start:end], total, page, pageSize)
}

// createWhatsAppSession starts a session at the gateway, stores it and fetches its first QR
// Body JSON: { "name": "ventas1" }
func createWhatsAppSession(c echo.Context) error {
	var payload sessionCreatePayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse session parameters", nil)
	}
	if err := c.Validate(&payload); err != nil {
		return handleValidationError(c, err)
	}
	ctrl, err := controller(c)
	if ctrl == nil {
		return err
	}

	res, err := ctrl.CreateSession(c.Request().Context(), payload.Name)
	if res == nil {
		return failWhatsApp(c, err)
	}
	writeOprLog(c, "create_whatsapp_session", fmt.Sprintf("create session %s", res.Session.Name))

	data := map[string]interface{}{
		"session": res.Session,
		"qr":      qrView(res.QR),
		"state":   res.State,
	}
	if err != nil {
		// the session exists; the operator retries the QR fetch
		zap.L().Warn("adminapi: session created without qr", zap.String("session", res.Session.Name), zap.Error(err))
		data["qr_error"] = err.Error()
	}
	return created(c, data)
}

// deleteWhatsAppSession removes the local record of a session by id
func deleteWhatsAppSession(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid session ID", nil)
	}
	ctrl, err := controller(c)
	if ctrl == nil {
		return err
	}
	removed, err := ctrl.DeleteSession(c.Request().Context(), id)
	if err != nil {
		return failWhatsApp(c, err)
	}
	writeOprLog(c, "delete_whatsapp_session", fmt.Sprintf("delete session %s", removed.Name))
	return ok(c, map[string]interface{}{"id": fmt.Sprint(removed.ID), "name": removed.Name})
}

// reconcileWhatsAppSessions runs one status pass over the operator's sessions
func reconcileWhatsAppSessions(c echo.Context) error {
	ctrl, err := controller(c)
	if ctrl == nil {
		return err
	}
	return ok(c, ctrl.Reconcile(c.Request().Context()))
}

// exportWhatsAppSessions downloads the operator's sessions as CSV
func exportWhatsAppSessions(c echo.Context) error {
	ctrl, err := controller(c)
	if ctrl == nil {
		return err
	}
	sessions, err := ctrl.Load(c.Request().Context())
	if err != nil {
		return failWhatsApp(c, err)
	}
	rows := make([]sessionCsvRow, 0, len(sessions))
	for _, s := range sessions {
		rows = append(rows, sessionCsvRow{
			ID:        fmt.Sprint(s.ID),
			Name:      s.Name,
			Status:    string(s.Status),
			CreatedAt: s.CreatedAt.Format(time.RFC3339),
			UpdatedAt: s.UpdatedAt.Format(time.RFC3339),
		})
	}
	data, err := gocsv.MarshalBytes(&rows)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "EXPORT_FAILED", "Failed to export sessions", err.Error())
	}
	filename := fmt.Sprintf("whatsapp_sessions_%s.csv", time.Now().Format("20060102150405"))
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", filename))
	return c.Blob(http.StatusOK, "text/csv; charset=utf-8", data)
}

// fetchWhatsAppQR fetches a fresh QR code for an existing session
func fetchWhatsAppQR(c echo.Context) error {
	ctrl, err := controller(c)
	if ctrl == nil {
		return err
	}
	attempt, err := ctrl.RetryQR(c.Request().Context(), c.Param("name"))
	if err != nil {
		var vErr *whatsapp.ValidationError
		if errors.As(err, &vErr) {
			return failWhatsApp(c, err)
		}
		return fail(c, http.StatusBadGateway, strings.ToUpper(gateway.ReasonQRUnavailable), err.Error(), qrView(attempt))
	}
	return ok(c, qrView(attempt))
}

// resetWhatsAppQR releases the current QR image of a session
func resetWhatsAppQR(c echo.Context) error {
	ctrl, err := controller(c)
	if ctrl == nil {
		return err
	}
	ctrl.ResetQR(c.Param("name"))
	return ok(c, qrView(ctrl.QR(c.Param("name"))))
}

// getWhatsAppQRImage serves QR image bytes by handle
func getWhatsAppQRImage(c echo.Context) error {
	ctrl, err := controller(c)
	if ctrl == nil {
		return err
	}
	img, found := ctrl.Image(c.Param("handle"))
	if !found {
		return fail(c, http.StatusNotFound, "QR_NOT_FOUND", "QR image expired or released", nil)
	}
	c.Response().Header().Set(echo.HeaderCacheControl, "no-store")
	return c.Blob(http.StatusOK, img.MIME, img.Data)
}

// completeWhatsAppPairing schedules the post-scan verification pass
func completeWhatsAppPairing(c echo.Context) error {
	ctrl, err := controller(c)
	if ctrl == nil {
		return err
	}
	name := c.Param("name")
	if _, err := ctrl.CompletePairing(name); err != nil {
		return failWhatsApp(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"data": map[string]interface{}{
			"session": name,
			"state":   ctrl.State(name),
		},
	})
}

// cancelWhatsAppPairing drops a pending verification and returns the flow to IDLE
func cancelWhatsAppPairing(c echo.Context) error {
	ctrl, err := controller(c)
	if ctrl == nil {
		return err
	}
	name := c.Param("name")
	cancelled := ctrl.CancelPairing(name)
	return ok(c, map[string]interface{}{
		"session":   name,
		"cancelled": cancelled,
		"state":     ctrl.State(name),
	})
}

// getWhatsAppPairing returns pairing state, QR attempt and stored status of a session
func getWhatsAppPairing(c echo.Context) error {
	ctrl, err := controller(c)
	if ctrl == nil {
		return err
	}
	name := c.Param("name")
	data := map[string]interface{}{
		"session": name,
		"state":   ctrl.State(name),
		"qr":      qrView(ctrl.QR(name)),
	}
	if sess, found := ctrl.Store().Find(name); found {
		data["status"] = sess.Status
	}
	return ok(c, data)
}

// updateWhatsAppWebhook replaces the gateway webhook of a session
// Body JSON: { "url": "https://...", "events": ["message"] }
func updateWhatsAppWebhook(c echo.Context) error {
	var payload webhookPayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse webhook parameters", nil)
	}
	if err := c.Validate(&payload); err != nil {
		return handleValidationError(c, err)
	}
	ctrl, err := controller(c)
	if ctrl == nil {
		return err
	}
	name := c.Param("name")
	if err := ctrl.UpdateWebhook(c.Request().Context(), name, payload.Url, payload.Events); err != nil {
		return failWhatsApp(c, err)
	}
	writeOprLog(c, "update_whatsapp_webhook", fmt.Sprintf("session %s webhook -> %s", name, payload.Url))
	return ok(c, map[string]interface{}{"session": name, "url": payload.Url})
}

// getWhatsAppGateway returns the operator's effective gateway settings (api key hidden)
func getWhatsAppGateway(c echo.Context) error {
	ctrl, err := controller(c)
	if ctrl == nil {
		return err
	}
	cfg, err := ctrl.Store().GatewayConfig(c.Request().Context())
	if err != nil {
		return failWhatsApp(c, err)
	}
	return ok(c, cfg)
}

// updateWhatsAppGateway saves the operator's gateway settings and rebuilds its workspace
func updateWhatsAppGateway(c echo.Context) error {
	var payload gatewayConfigPayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse gateway parameters", nil)
	}
	if err := c.Validate(&payload); err != nil {
		return handleValidationError(c, err)
	}
	svc := whatsapp.Get()
	if svc == nil {
		return fail(c, http.StatusServiceUnavailable, "WA_NOT_INITIALIZED", "WhatsApp service not initialized", nil)
	}
	owner := GetOperatorID(c)
	cfg := domain.GatewayConfig{
		OwnerID:    owner,
		ApiUrl:     strings.TrimSpace(payload.ApiUrl),
		ApiKey:     strings.TrimSpace(payload.ApiKey),
		WebhookUrl: strings.TrimSpace(payload.WebhookUrl),
	}
	if err := svc.SaveGatewayConfig(c.Request().Context(), cfg); err != nil {
		return failWhatsApp(c, err)
	}
	writeOprLog(c, "update_whatsapp_gateway", fmt.Sprintf("gateway %s", cfg.ApiUrl))
	return ok(c, cfg)
}

// getWhatsAppMetrics summarizes the operator's metrics over ?window= (default 1h)
func getWhatsAppMetrics(c echo.Context) error {
	window := time.Hour
	if raw := c.QueryParam("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return fail(c, http.StatusBadRequest, "INVALID_WINDOW", "window must be a positive duration", raw)
		}
		window = d
	}
	names := []string{
		metrics.ReconcileDuration,
		metrics.ReconcileSessions,
		metrics.StatusChanges,
		metrics.GatewayFailures,
		metrics.PairingVerification,
	}
	owner := metrics.OwnerLabel(GetOperatorID(c))
	summaries := make([]metrics.Summary, 0, len(names))
	for _, name := range names {
		s, err := metrics.Summarize(name, window, owner)
		if err != nil {
			return fail(c, http.StatusInternalServerError, "METRICS_FAILED", "Failed to read metrics", err.Error())
		}
		summaries = append(summaries, s)
	}
	return ok(c, summaries)
}
