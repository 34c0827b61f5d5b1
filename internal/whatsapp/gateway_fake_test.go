package whatsapp

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"github.com/talkincode/whatsdash/internal/domain"
	"github.com/talkincode/whatsdash/internal/gateway"
	"github.com/talkincode/whatsdash/internal/store"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01")

// fakeGateway answers the four gateway endpoints from in-memory state.
type fakeGateway struct {
	mu          sync.Mutex
	startCode   int
	startBody   string
	qrCode      int
	qrBody      []byte
	statuses    map[string]string
	stall       map[string]time.Duration
	startCalls  int
	statusCalls map[string]int
	qrCalls     int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		startCode:   http.StatusCreated,
		startBody:   `{"status":"STARTING"}`,
		qrCode:      http.StatusOK,
		qrBody:      pngBytes,
		statuses:    map[string]string{},
		stall:       map[string]time.Duration{},
		statusCalls: map[string]int{},
	}
}

func (f *fakeGateway) setStatus(name, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[name] = status
}

func (f *fakeGateway) setQR(code int, body []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.qrCode = code
	f.qrBody = body
}

func (f *fakeGateway) calls(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls[name]
}

func (f *fakeGateway) starts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startCalls
}

func (f *fakeGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodPost && len(parts) == 3 && parts[2] == "start":
		f.mu.Lock()
		f.startCalls++
		code, body := f.startCode, f.startBody
		f.mu.Unlock()
		w.WriteHeader(code)
		_, _ = w.Write([]byte(body))
	case r.Method == http.MethodGet && len(parts) == 3 && parts[1] == "sessions":
		name := parts[2]
		f.mu.Lock()
		f.statusCalls[name]++
		status, ok := f.statuses[name]
		stall := f.stall[name]
		f.mu.Unlock()
		if stall > 0 {
			time.Sleep(stall)
		}
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"session not found"}`))
			return
		}
		_, _ = w.Write([]byte(`{"name":"` + name + `","status":"` + status + `"}`))
	case r.Method == http.MethodGet && len(parts) == 4 && parts[2] == "auth":
		f.mu.Lock()
		f.qrCalls++
		code, body := f.qrCode, f.qrBody
		f.mu.Unlock()
		if code == http.StatusOK {
			w.Header().Set("Content-Type", "image/png")
		}
		w.WriteHeader(code)
		_, _ = w.Write(body)
	case r.Method == http.MethodPut && len(parts) == 3 && parts[1] == "sessions":
		_, _ = w.Write([]byte(`{"ok":true}`))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(domain.Tables...))
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

type harness struct {
	gw    *fakeGateway
	url   string
	repo  store.SessionRepository
	store *store.SessionStore
	ctrl  *Controller
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fg := newFakeGateway()
	srv := httptest.NewServer(fg)
	t.Cleanup(srv.Close)

	repo := store.NewGormSessionRepository(newTestDB(t))
	st := store.NewSessionStore("op-1", repo, nil, domain.GatewayConfig{})
	client := gateway.NewClient(domain.GatewayConfig{ApiUrl: srv.URL, ApiKey: "k", WebhookUrl: "http://dash/hook"}, 200*time.Millisecond)
	ctrl := NewController("op-1", client, st, NewImageRegistry(time.Minute), nil, 50*time.Millisecond)
	return &harness{gw: fg, url: srv.URL, repo: repo, store: st, ctrl: ctrl}
}

func waitDone(t *testing.T, task *ScheduledReconcile) {
	t.Helper()
	select {
	case <-task.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("scheduled reconcile did not finish")
	}
}
