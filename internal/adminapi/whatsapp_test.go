package adminapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkincode/whatsdash/config"
	"github.com/talkincode/whatsdash/internal/app"
	"github.com/talkincode/whatsdash/internal/webserver"
	"github.com/talkincode/whatsdash/internal/whatsapp"
	"github.com/tidwall/gjson"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01")

type testGateway struct {
	mu        sync.Mutex
	startCode int
	statuses  map[string]string
}

func (g *testGateway) setStatus(name, status string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statuses[name] = status
}

func (g *testGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	switch {
	case strings.HasSuffix(r.URL.Path, "/start"):
		w.WriteHeader(g.startCode)
		if g.startCode >= 300 {
			_, _ = w.Write([]byte(`{"message":"gateway refused"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"STARTING"}`))
	case strings.HasSuffix(r.URL.Path, "/auth/qr"):
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(pngBytes)
	case r.Method == http.MethodGet && len(parts) == 3 && parts[1] == "sessions":
		status, ok := g.statuses[parts[2]]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"status":"` + status + `"}`))
	case r.Method == http.MethodPut:
		_, _ = w.Write([]byte(`{}`))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func setupAPI(t *testing.T, opts ...func(*config.AppConfig)) (*echo.Echo, *testGateway, *gorm.DB) {
	t.Helper()
	gw := &testGateway{startCode: http.StatusCreated, statuses: map[string]string{}}
	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	cfg := *config.DefaultAppConfig
	cfg.Gateway.ApiUrl = srv.URL
	cfg.Gateway.Timeout = 1
	cfg.Gateway.SettleDelay = 50
	cfg.Gateway.DefaultOwner = "admin"
	for _, opt := range opts {
		opt(&cfg)
	}

	a := app.NewApplication(&cfg)
	a.OverrideDB(db)
	require.NoError(t, a.MigrateDB(false))

	svc, err := whatsapp.Init(a)
	require.NoError(t, err)
	t.Cleanup(svc.Release)

	s := webserver.Init(a)
	Init()
	return s.Echo(), gw, db
}

func doRequest(e *echo.Echo, method, target, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestCreateSessionAndServeQR(t *testing.T) {
	e, _, _ := setupAPI(t)

	rec := doRequest(e, http.MethodPost, "/api/v1/whatsapp/sessions", `{"name":"ventas1"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := gjson.Parse(rec.Body.String())
	assert.Equal(t, "ventas1", body.Get("data.session.name").String())
	assert.Equal(t, "STARTING", body.Get("data.session.status").String())
	assert.Equal(t, "admin", body.Get("data.session.owner_id").String())
	assert.Equal(t, "PAIRING", body.Get("data.state").String())
	assert.False(t, body.Get("data.qr_error").Exists())

	imageUrl := body.Get("data.qr.image_url").String()
	require.NotEmpty(t, imageUrl)
	rec = doRequest(e, http.MethodGet, imageUrl, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get(echo.HeaderContentType))
	assert.Equal(t, pngBytes, rec.Body.Bytes())

	rec = doRequest(e, http.MethodDelete, "/api/v1/whatsapp/sessions/ventas1/qr", "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doRequest(e, http.MethodGet, imageUrl, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(e, http.MethodPost, "/api/v1/whatsapp/sessions/ventas1/qr", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, gjson.Get(rec.Body.String(), "data.image_handle").String())
}

func TestCreateSessionValidation(t *testing.T) {
	e, _, _ := setupAPI(t)

	rec := doRequest(e, http.MethodPost, "/api/v1/whatsapp/sessions", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_FAILED", gjson.Get(rec.Body.String(), "error").String())

	rec = doRequest(e, http.MethodPost, "/api/v1/whatsapp/sessions", `{"name":"   "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "EMPTY_NAME", gjson.Get(rec.Body.String(), "error").String())
}

func TestCreateSessionGatewayFailure(t *testing.T) {
	e, gw, _ := setupAPI(t)
	gw.startCode = http.StatusInternalServerError

	rec := doRequest(e, http.MethodPost, "/api/v1/whatsapp/sessions", `{"name":"ventas1"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	body := gjson.Parse(rec.Body.String())
	assert.Equal(t, "START_FAILED", body.Get("error").String())
	assert.Equal(t, "gateway refused", body.Get("details").String())

	rec = doRequest(e, http.MethodGet, "/api/v1/whatsapp/sessions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(0), gjson.Get(rec.Body.String(), "meta.total").Int())
}

func TestListSessionsFilterAndExport(t *testing.T) {
	e, _, _ := setupAPI(t)
	for _, name := range []string{"a1", "a2", "a3"} {
		rec := doRequest(e, http.MethodPost, "/api/v1/whatsapp/sessions", `{"name":"`+name+`"}`)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := doRequest(e, http.MethodGet, "/api/v1/whatsapp/sessions?perPage=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := gjson.Parse(rec.Body.String())
	assert.Equal(t, int64(3), body.Get("meta.total").Int())
	assert.Len(t, body.Get("data").Array(), 2)
	assert.Equal(t, "a3", body.Get("data.0.name").String())

	rec = doRequest(e, http.MethodGet, "/api/v1/whatsapp/sessions?perPage=2&page=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, gjson.Get(rec.Body.String(), "data").Array(), 1)

	rec = doRequest(e, http.MethodGet, "/api/v1/whatsapp/sessions?page=9223372036854775807", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body = gjson.Parse(rec.Body.String())
	assert.Equal(t, int64(3), body.Get("meta.total").Int())
	assert.Empty(t, body.Get("data").Array())

	future := time.Now().Add(24 * time.Hour).Format("2006-01-02")
	rec = doRequest(e, http.MethodGet, "/api/v1/whatsapp/sessions?created_after="+future, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(0), gjson.Get(rec.Body.String(), "meta.total").Int())

	rec = doRequest(e, http.MethodGet, "/api/v1/whatsapp/sessions?created_after=not-a-date", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(e, http.MethodGet, "/api/v1/whatsapp/sessions/export", "")
	require.Equal(t, http.StatusOK, rec.Code)
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "id,name,status,created_at,updated_at", lines[0])
	assert.Contains(t, rec.Body.String(), ",a2,STARTING,")
}

func TestPairingFlow(t *testing.T) {
	e, gw, _ := setupAPI(t)
	rec := doRequest(e, http.MethodPost, "/api/v1/whatsapp/sessions", `{"name":"ventas1"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	gw.setStatus("ventas1", "WORKING")

	rec = doRequest(e, http.MethodPost, "/api/v1/whatsapp/sessions/ghost/pairing/complete", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "UNKNOWN_SESSION", gjson.Get(rec.Body.String(), "error").String())

	rec = doRequest(e, http.MethodPost, "/api/v1/whatsapp/sessions/ventas1/pairing/complete", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "VERIFYING", gjson.Get(rec.Body.String(), "data.state").String())

	require.Eventually(t, func() bool {
		rec := doRequest(e, http.MethodGet, "/api/v1/whatsapp/sessions/ventas1/pairing", "")
		return gjson.Get(rec.Body.String(), "data.state").String() == "CONNECTED"
	}, 3*time.Second, 20*time.Millisecond)

	rec = doRequest(e, http.MethodGet, "/api/v1/whatsapp/sessions/ventas1/pairing", "")
	assert.Equal(t, "WORKING", gjson.Get(rec.Body.String(), "data.status").String())
}

func TestCancelPairing(t *testing.T) {
	e, _, _ := setupAPI(t, func(cfg *config.AppConfig) { cfg.Gateway.SettleDelay = 60000 })

	rec := doRequest(e, http.MethodPost, "/api/v1/whatsapp/sessions", `{"name":"ventas1"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = doRequest(e, http.MethodPost, "/api/v1/whatsapp/sessions/ventas1/pairing/complete", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = doRequest(e, http.MethodDelete, "/api/v1/whatsapp/sessions/ventas1/pairing", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := gjson.Parse(rec.Body.String())
	assert.True(t, body.Get("data.cancelled").Bool())
	assert.Equal(t, "IDLE", body.Get("data.state").String())
}

func TestReconcileAndDelete(t *testing.T) {
	e, gw, db := setupAPI(t)
	rec := doRequest(e, http.MethodPost, "/api/v1/whatsapp/sessions", `{"name":"ventas1"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	id := gjson.Get(rec.Body.String(), "data.session.id").String()
	gw.setStatus("ventas1", "CONNECTED")

	rec = doRequest(e, http.MethodPost, "/api/v1/whatsapp/sessions/reconcile", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "CONNECTED", gjson.Get(rec.Body.String(), "data.0.status").String())

	rec = doRequest(e, http.MethodPut, "/api/v1/whatsapp/sessions/ventas1/webhook", `{"url":"https://hooks.example/in","events":["message"]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(e, http.MethodDelete, "/api/v1/whatsapp/sessions/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doRequest(e, http.MethodDelete, "/api/v1/whatsapp/sessions/"+id, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = doRequest(e, http.MethodDelete, "/api/v1/whatsapp/sessions/abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var count int64
	db.Table("sys_opr_log").Count(&count)
	assert.Equal(t, int64(3), count)

	rec = doRequest(e, http.MethodGet, "/api/v1/system/oprlogs?action=delete_whatsapp_session", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := gjson.Parse(rec.Body.String())
	assert.Equal(t, int64(1), body.Get("meta.total").Int())
	assert.Equal(t, "admin", body.Get("data.0.opr_name").String())
}

func TestGatewayConfigEndpoints(t *testing.T) {
	e, _, _ := setupAPI(t)
	rec := doRequest(e, http.MethodGet, "/api/v1/whatsapp/gateway", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, gjson.Get(rec.Body.String(), "data.api_key").Exists())

	rec = doRequest(e, http.MethodPut, "/api/v1/whatsapp/gateway", `{"api_url":"not a url"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(e, http.MethodPut, "/api/v1/whatsapp/gateway", `{"webhook_url":"https://dash.example/hook"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doRequest(e, http.MethodGet, "/api/v1/whatsapp/gateway", "")
	assert.Equal(t, "https://dash.example/hook", gjson.Get(rec.Body.String(), "data.webhook_url").String())
}

func TestMetricsEndpoint(t *testing.T) {
	e, _, _ := setupAPI(t)
	rec := doRequest(e, http.MethodGet, "/api/v1/whatsapp/metrics?window=10m", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, gjson.Get(rec.Body.String(), "data").Array(), 5)

	rec = doRequest(e, http.MethodGet, "/api/v1/whatsapp/metrics?window=soon", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJWTOperatorScope(t *testing.T) {
	e, _, _ := setupAPI(t, func(cfg *config.AppConfig) { cfg.Web.Secret = "test-secret" })

	rec := doRequest(e, http.MethodGet, "/api/v1/whatsapp/sessions", "")
	assert.Contains(t, []int{http.StatusBadRequest, http.StatusUnauthorized}, rec.Code)

	token, err := webserver.IssueToken("test-secret", "op-9", time.Hour)
	require.NoError(t, err)
	auth := []string{echo.HeaderAuthorization, "Bearer " + token}

	rec = doRequest(e, http.MethodPost, "/api/v1/whatsapp/sessions", `{"name":"ventas1"}`, auth...)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "op-9", gjson.Get(rec.Body.String(), "data.session.owner_id").String())

	other, err := webserver.IssueToken("test-secret", "op-10", time.Hour)
	require.NoError(t, err)
	rec = doRequest(e, http.MethodGet, "/api/v1/whatsapp/sessions", "", echo.HeaderAuthorization, "Bearer "+other)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(0), gjson.Get(rec.Body.String(), "meta.total").Int())
}
