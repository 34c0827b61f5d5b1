// Package metrics keeps a small on-disk time series of service measurements
// (reconciliation pass durations, status changes, gateway failures).
package metrics

import (
	"path"
	"sync"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/nakabonne/tstorage"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	ReconcileDuration   = "whatsapp_reconcile_duration_ms"
	ReconcileSessions   = "whatsapp_reconcile_sessions"
	StatusChanges       = "whatsapp_status_changes"
	GatewayFailures     = "whatsapp_gateway_failures"
	PairingVerification = "whatsapp_pairing_verified"
)

var (
	storage tstorage.Storage
	mu      sync.RWMutex
)

// Summary describes the points of one metric within a window.
type Summary struct {
	Metric string  `json:"metric"`
	Count  int     `json:"count"`
	Sum    float64 `json:"sum"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	P95    float64 `json:"p95"`
	Max    float64 `json:"max"`
}

// InitMetrics opens the metric storage under workdir/data/metrics.
func InitMetrics(workdir string) error {
	mu.Lock()
	defer mu.Unlock()
	if storage != nil {
		return nil
	}
	s, err := tstorage.NewStorage(
		tstorage.WithDataPath(path.Join(workdir, "data", "metrics")),
		tstorage.WithTimestampPrecision(tstorage.Milliseconds),
		tstorage.WithPartitionDuration(time.Hour),
		tstorage.WithRetention(7*24*time.Hour),
	)
	if err != nil {
		return errors.Wrap(err, "open metrics storage")
	}
	storage = s
	return nil
}

// Close flushes and closes the storage.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if storage == nil {
		return nil
	}
	err := storage.Close()
	storage = nil
	return err
}

// Observe records value for metric at the current time. It is a no-op when
// metrics were never initialized.
func Observe(metric string, value float64, labels ...tstorage.Label) {
	mu.RLock()
	defer mu.RUnlock()
	if storage == nil {
		return
	}
	err := storage.InsertRows([]tstorage.Row{{
		Metric:    metric,
		Labels:    labels,
		DataPoint: tstorage.DataPoint{Timestamp: time.Now().UnixMilli(), Value: value},
	}})
	if err != nil {
		zap.L().Debug("metrics: insert failed", zap.String("metric", metric), zap.Error(err))
	}
}

// OwnerLabel scopes a series to one operator.
func OwnerLabel(owner string) tstorage.Label {
	return tstorage.Label{Name: "owner", Value: owner}
}

// SetGauge records an integer sample.
func SetGauge(metric string, value int64, labels ...tstorage.Label) {
	Observe(metric, float64(value), labels...)
}

// Summarize aggregates the points recorded for metric during the last window.
// An empty summary is returned when nothing was recorded.
func Summarize(metric string, window time.Duration, labels ...tstorage.Label) (Summary, error) {
	out := Summary{Metric: metric}
	mu.RLock()
	defer mu.RUnlock()
	if storage == nil {
		return out, nil
	}
	end := time.Now().UnixMilli() + 1
	points, err := storage.Select(metric, labels, end-window.Milliseconds(), end)
	if errors.Is(err, tstorage.ErrNoDataPoints) {
		return out, nil
	}
	if err != nil {
		return out, errors.Wrapf(err, "select %s", metric)
	}
	data := make(stats.Float64Data, 0, len(points))
	for _, p := range points {
		data = append(data, p.Value)
	}
	return summarize(metric, data), nil
}

func summarize(metric string, data stats.Float64Data) Summary {
	out := Summary{Metric: metric, Count: data.Len()}
	if out.Count == 0 {
		return out
	}
	out.Sum, _ = stats.Sum(data)
	out.Mean, _ = stats.Mean(data)
	out.Median, _ = stats.Median(data)
	out.Max, _ = stats.Max(data)
	if p95, err := stats.Percentile(data, 95); err == nil {
		out.P95 = p95
	} else {
		out.P95 = out.Max
	}
	return out
}
