package whatsapp

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkincode/whatsdash/config"
	"github.com/talkincode/whatsdash/internal/domain"
)

func newTestService(t *testing.T, opts ...func(*config.GatewayConfig)) (*Service, *fakeGateway) {
	t.Helper()
	fg := newFakeGateway()
	srv := httptest.NewServer(fg)
	t.Cleanup(srv.Close)

	cfg := config.GatewayConfig{
		ApiUrl:      srv.URL,
		ApiKey:      "k",
		WebhookUrl:  "http://dash/hook",
		Timeout:     1,
		SettleDelay: 50,
		QRTTL:       60,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	svc, err := New(newTestDB(t), cfg)
	require.NoError(t, err)
	t.Cleanup(svc.Release)
	return svc, fg
}

func TestServiceControllerCached(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	a, err := svc.Controller(ctx, "op-1")
	require.NoError(t, err)
	b, err := svc.Controller(ctx, "op-1")
	require.NoError(t, err)
	assert.Same(t, a, b)

	other, err := svc.Controller(ctx, "op-2")
	require.NoError(t, err)
	assert.NotSame(t, a, other)

	svc.Forget("op-1")
	c, err := svc.Controller(ctx, "op-1")
	require.NoError(t, err)
	assert.NotSame(t, a, c)
}

func TestServiceReconcileAll(t *testing.T) {
	svc, fg := newTestService(t)
	ctx := context.Background()

	for _, owner := range []string{"op-1", "op-2"} {
		c, err := svc.Controller(ctx, owner)
		require.NoError(t, err)
		_, err = c.CreateSession(ctx, "line-"+owner)
		require.NoError(t, err)
	}
	fg.setStatus("line-op-1", "WORKING")

	svc.ReconcileAll()

	c1, _ := svc.Controller(ctx, "op-1")
	got, ok := c1.Store().Find("line-op-1")
	require.True(t, ok)
	assert.Equal(t, domain.SessionWorking, got.Status)

	c2, _ := svc.Controller(ctx, "op-2")
	got, ok = c2.Store().Find("line-op-2")
	require.True(t, ok)
	assert.Equal(t, domain.SessionStarting, got.Status)
}

func TestServicePairingRunsOnPool(t *testing.T) {
	svc, fg := newTestService(t)
	ctx := context.Background()
	c, err := svc.Controller(ctx, "op-1")
	require.NoError(t, err)
	_, err = c.CreateSession(ctx, "ventas1")
	require.NoError(t, err)
	fg.setStatus("ventas1", "CONNECTED")

	task, err := c.CompletePairing("ventas1")
	require.NoError(t, err)
	waitDone(t, task)
	state, _ := task.Result()
	assert.Equal(t, StateConnected, state)
}

func TestServiceSaveGatewayConfig(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	before, err := svc.Controller(ctx, "op-1")
	require.NoError(t, err)

	require.NoError(t, svc.SaveGatewayConfig(ctx, domain.GatewayConfig{OwnerID: "op-1", ApiKey: "other-key"}))
	after, err := svc.Controller(ctx, "op-1")
	require.NoError(t, err)
	assert.NotSame(t, before, after)
	assert.Equal(t, "other-key", after.Gateway().(interface {
		Config() domain.GatewayConfig
	}).Config().ApiKey)
}

func TestServiceConfigChangeCancelsPendingPairing(t *testing.T) {
	svc, fg := newTestService(t, func(cfg *config.GatewayConfig) { cfg.SettleDelay = 60000 })
	ctx := context.Background()
	before, err := svc.Controller(ctx, "op-1")
	require.NoError(t, err)
	res, err := before.CreateSession(ctx, "ventas1")
	require.NoError(t, err)
	require.NotEmpty(t, res.QR.ImageHandle)
	fg.setStatus("ventas1", "CONNECTED")

	task, err := before.CompletePairing("ventas1")
	require.NoError(t, err)

	require.NoError(t, svc.SaveGatewayConfig(ctx, domain.GatewayConfig{OwnerID: "op-1", ApiKey: "rotated"}))

	waitDone(t, task)
	assert.True(t, task.Cancelled())
	assert.Equal(t, 0, fg.calls("ventas1"))
	_, found := svc.images.Get(res.QR.ImageHandle)
	assert.False(t, found)

	after, err := svc.Controller(ctx, "op-1")
	require.NoError(t, err)
	got, ok := after.Store().Find("ventas1")
	require.True(t, ok)
	assert.Equal(t, domain.SessionStarting, got.Status)
}

func TestServiceReleaseClosesControllers(t *testing.T) {
	svc, fg := newTestService(t, func(cfg *config.GatewayConfig) { cfg.SettleDelay = 60000 })
	ctx := context.Background()
	c, err := svc.Controller(ctx, "op-1")
	require.NoError(t, err)
	_, err = c.CreateSession(ctx, "ventas1")
	require.NoError(t, err)
	task, err := c.CompletePairing("ventas1")
	require.NoError(t, err)

	svc.Release()
	waitDone(t, task)
	assert.True(t, task.Cancelled())
	assert.Equal(t, 0, fg.calls("ventas1"))
}
