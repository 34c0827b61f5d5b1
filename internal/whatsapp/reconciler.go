package whatsapp

import (
	"context"
	"time"

	"github.com/talkincode/whatsdash/internal/domain"
	"github.com/talkincode/whatsdash/pkg/metrics"
	"go.uber.org/zap"
)

// StatusSource reports the gateway-side status of a session.
type StatusSource interface {
	GetStatus(ctx context.Context, name string) (string, error)
}

// SessionCache is the part of the session store the reconciler writes to.
type SessionCache interface {
	Sessions() []domain.WaSession
	UpdateStatus(ctx context.Context, id int64, status domain.SessionStatus) (domain.WaSession, error)
	Replace(sessions []domain.WaSession)
}

// MapGatewayStatus translates a gateway status string to the local
// vocabulary. It never yields SessionStarting.
func MapGatewayStatus(gatewayStatus string) domain.SessionStatus {
	switch gatewayStatus {
	case "CONNECTED":
		return domain.SessionConnected
	case "WORKING":
		return domain.SessionWorking
	default:
		return domain.SessionDisconnected
	}
}

// StatusReconciler polls the gateway for every known session and writes
// back the statuses that drifted.
type StatusReconciler struct {
	gateway StatusSource
	store   SessionCache
	owner   string
}

func NewStatusReconciler(gateway StatusSource, store SessionCache, owner string) *StatusReconciler {
	return &StatusReconciler{gateway: gateway, store: store, owner: owner}
}

// Reconcile checks sessions one after another and returns the full list
// with updated statuses. A session whose status cannot be fetched, or whose
// new status cannot be stored, is returned unchanged. The pass ignores
// cancellation of ctx and always runs to completion.
func (r *StatusReconciler) Reconcile(ctx context.Context, sessions []domain.WaSession) []domain.WaSession {
	ctx = context.WithoutCancel(ctx)
	start := time.Now()
	label := metrics.OwnerLabel(r.owner)

	out := make([]domain.WaSession, len(sessions))
	copy(out, sessions)

	changed, skipped := 0, 0
	for i, sess := range out {
		gatewayStatus, err := r.gateway.GetStatus(ctx, sess.Name)
		if err != nil {
			skipped++
			metrics.Observe(metrics.GatewayFailures, 1, label)
			zap.L().Warn("whatsapp: status check skipped",
				zap.String("owner", r.owner),
				zap.String("session", sess.Name),
				zap.Error(err))
			continue
		}

		status := MapGatewayStatus(gatewayStatus)
		if status == sess.Status {
			continue
		}
		updated, err := r.store.UpdateStatus(ctx, sess.ID, status)
		if err != nil {
			zap.L().Error("whatsapp: status write-back failed",
				zap.String("owner", r.owner),
				zap.String("session", sess.Name),
				zap.Error(err))
			continue
		}
		if updated.ID == 0 {
			updated = sess
			updated.Status = status
		}
		out[i] = updated
		changed++
		zap.L().Info("whatsapp: session status changed",
			zap.String("owner", r.owner),
			zap.String("session", sess.Name),
			zap.String("from", string(sess.Status)),
			zap.String("to", string(status)))
	}

	elapsed := time.Since(start)
	metrics.Observe(metrics.ReconcileDuration, float64(elapsed.Milliseconds()), label)
	metrics.SetGauge(metrics.ReconcileSessions, int64(len(out)), label)
	zap.L().Debug("whatsapp: reconcile pass done",
		zap.String("owner", r.owner),
		zap.Int("sessions", len(out)),
		zap.Int("changed", changed),
		zap.Int("skipped", skipped),
		zap.Duration("elapsed", elapsed))
	return out
}

// ReconcileStore reconciles the store's current sessions and swaps the
// result back in as a whole.
func (r *StatusReconciler) ReconcileStore(ctx context.Context) []domain.WaSession {
	sessions := r.Reconcile(ctx, r.store.Sessions())
	r.store.Replace(sessions)
	return sessions
}
