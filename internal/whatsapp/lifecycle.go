package whatsapp

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"github.com/talkincode/whatsdash/internal/domain"
	"github.com/talkincode/whatsdash/internal/gateway"
	"github.com/talkincode/whatsdash/internal/store"
	"github.com/talkincode/whatsdash/pkg/metrics"
	"go.uber.org/zap"
)

// PairingState is the step a session's create-and-pair flow is in.
type PairingState string

const (
	StateIdle       PairingState = "IDLE"
	StateCreating   PairingState = "CREATING"
	StateAwaitingQR PairingState = "AWAITING_QR"
	StatePairing    PairingState = "PAIRING"
	StateVerifying  PairingState = "VERIFYING"
	StateConnected  PairingState = "CONNECTED"
	StateFailed     PairingState = "FAILED"
)

const DefaultSettleDelay = 2 * time.Second

// Gateway is the set of gateway calls the controller drives.
type Gateway interface {
	StatusSource
	QRSource
	StartSession(ctx context.Context, name string, metadata map[string]string) (*gateway.StartResult, error)
	UpdateWebhookConfig(ctx context.Context, name string, hookUrl string, events []string) error
}

var _ Gateway = (*gateway.Client)(nil)

// CreateResult is what CreateSession produced before it returned, including
// the QR attempt when the fetch failed.
type CreateResult struct {
	Session domain.WaSession `json:"session"`
	QR      QRPairingAttempt `json:"qr"`
	State   PairingState     `json:"state"`
}

type pairingFlow struct {
	state   PairingState
	qr      *QRCodeManager
	pending *ScheduledReconcile
}

// Controller runs the create, QR pairing and verification flow for the
// sessions of one operator.
type Controller struct {
	owner       string
	gateway     Gateway
	store       *store.SessionStore
	reconciler  *StatusReconciler
	images      *ImageRegistry
	pool        *ants.Pool
	settleDelay time.Duration

	// writeMu keeps inserts and removals from being lost under a wholesale
	// replacement by a concurrent reconcile pass
	writeMu sync.Mutex

	mu    sync.Mutex
	flows map[string]*pairingFlow
}

// NewController wires a controller. pool runs the delayed verification
// passes; when nil they run on their own goroutine.
func NewController(owner string, gw Gateway, st *store.SessionStore, images *ImageRegistry, pool *ants.Pool, settleDelay time.Duration) *Controller {
	if settleDelay <= 0 {
		settleDelay = DefaultSettleDelay
	}
	if images == nil {
		images = NewImageRegistry(DefaultImageTTL)
	}
	return &Controller{
		owner:       owner,
		gateway:     gw,
		store:       st,
		reconciler:  NewStatusReconciler(gw, st, owner),
		images:      images,
		pool:        pool,
		settleDelay: settleDelay,
		flows:       make(map[string]*pairingFlow),
	}
}

func (c *Controller) Store() *store.SessionStore {
	return c.store
}

func (c *Controller) Gateway() Gateway {
	return c.gateway
}

func (c *Controller) flow(name string) *pairingFlow {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.flows[name]
	if !ok {
		f = &pairingFlow{state: StateIdle, qr: NewQRCodeManager(c.gateway, c.images)}
		c.flows[name] = f
	}
	return f
}

// lookup returns the flow of name without creating one.
func (c *Controller) lookup(name string) (*pairingFlow, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.flows[name]
	return f, ok
}

func (c *Controller) setState(name string, state PairingState) {
	f := c.flow(name)
	c.mu.Lock()
	prev := f.state
	f.state = state
	c.mu.Unlock()
	if prev != state {
		zap.L().Debug("whatsapp: pairing state",
			zap.String("owner", c.owner),
			zap.String("session", name),
			zap.String("from", string(prev)),
			zap.String("to", string(state)))
	}
}

// State returns the pairing state of name, IDLE when no flow is active.
func (c *Controller) State(name string) PairingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.flows[name]; ok {
		return f.state
	}
	return StateIdle
}

// CreateSession starts name at the gateway, stores it and fetches the first
// QR code. A failed QR fetch still returns the created session together
// with the error; the operator retries with RetryQR.
func (c *Controller) CreateSession(ctx context.Context, name string) (*CreateResult, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, &ValidationError{Reason: ReasonEmptyName}
	}

	c.cancelPending(name)
	c.flow(name).qr.Reset()
	c.setState(name, StateCreating)

	started, err := c.gateway.StartSession(ctx, name, map[string]string{"user.id": c.owner})
	if err != nil {
		c.setState(name, StateFailed)
		return nil, errors.Wrap(err, "start session")
	}

	status := domain.SessionStatus(started.GatewayStatus)
	if !status.Valid() {
		status = domain.SessionStarting
	}
	c.setState(name, StateAwaitingQR)

	c.writeMu.Lock()
	sess, err := c.store.Insert(ctx, domain.WaSession{Name: name, Status: status})
	c.writeMu.Unlock()
	if err != nil {
		c.setState(name, StateFailed)
		return nil, errors.Wrap(err, "insert session")
	}
	zap.L().Info("whatsapp: session created",
		zap.String("owner", c.owner),
		zap.String("session", name),
		zap.String("status", string(status)))

	attempt, err := c.flow(name).qr.FetchQR(ctx, name)
	result := &CreateResult{Session: sess, QR: attempt}
	if err != nil {
		result.State = c.State(name)
		return result, errors.Wrap(err, "fetch qr")
	}
	c.setState(name, StatePairing)
	result.State = StatePairing
	return result, nil
}

// FetchQR fetches a QR code for an existing session without restarting it.
func (c *Controller) FetchQR(ctx context.Context, name string) (QRPairingAttempt, error) {
	if _, ok := c.store.Find(name); !ok {
		return QRPairingAttempt{}, &ValidationError{Reason: ReasonUnknownSession, Name: name}
	}
	f := c.flow(name)
	attempt, err := f.qr.Retry(ctx, name)
	if err != nil {
		c.setState(name, StateAwaitingQR)
		return attempt, errors.Wrap(err, "fetch qr")
	}
	c.setState(name, StatePairing)
	return attempt, nil
}

// RetryQR is an operator-triggered FetchQR after a failed attempt.
func (c *Controller) RetryQR(ctx context.Context, name string) (QRPairingAttempt, error) {
	return c.FetchQR(ctx, name)
}

// ResetQR releases the current QR image of name.
func (c *Controller) ResetQR(name string) {
	if f, ok := c.lookup(name); ok {
		f.qr.Reset()
	}
}

// QR returns the current QR attempt of name.
func (c *Controller) QR(name string) QRPairingAttempt {
	if f, ok := c.lookup(name); ok {
		return f.qr.Current()
	}
	return QRPairingAttempt{}
}

// Image returns a registered QR image by handle.
func (c *Controller) Image(handle string) (Image, bool) {
	return c.images.Get(handle)
}

// CompletePairing moves name to VERIFYING and schedules one reconcile pass
// after the settle delay. A pass still pending for name is cancelled first.
func (c *Controller) CompletePairing(name string) (*ScheduledReconcile, error) {
	if _, ok := c.store.Find(name); !ok {
		return nil, &ValidationError{Reason: ReasonUnknownSession, Name: name}
	}
	c.cancelPending(name)
	c.setState(name, StateVerifying)

	task := newScheduledReconcile(name)
	f := c.flow(name)
	c.mu.Lock()
	f.pending = task
	c.mu.Unlock()

	timer := time.AfterFunc(c.settleDelay, func() {
		run := func() { c.verify(task) }
		if c.pool == nil {
			run()
			return
		}
		if err := c.pool.Submit(run); err != nil {
			zap.L().Warn("whatsapp: verify pool unavailable, running inline", zap.String("session", name), zap.Error(err))
			run()
		}
	})
	task.mu.Lock()
	task.timer = timer
	task.mu.Unlock()
	zap.L().Info("whatsapp: pairing verification scheduled",
		zap.String("owner", c.owner),
		zap.String("session", name),
		zap.Duration("delay", c.settleDelay))
	return task, nil
}

// CancelPairing drops the pending verification of name, releases its QR
// image and returns the flow to IDLE. It reports whether a pass was
// prevented.
func (c *Controller) CancelPairing(name string) bool {
	cancelled := c.cancelPending(name)
	if f, ok := c.lookup(name); ok {
		f.qr.Reset()
		c.setState(name, StateIdle)
	}
	return cancelled
}

// Close cancels every pending verification and releases all QR images.
// A pass that already started still runs to completion.
func (c *Controller) Close() {
	c.mu.Lock()
	names := make([]string, 0, len(c.flows))
	for name := range c.flows {
		names = append(names, name)
	}
	c.mu.Unlock()

	for _, name := range names {
		if c.cancelPending(name) {
			zap.L().Debug("whatsapp: pending verification dropped", zap.String("owner", c.owner), zap.String("session", name))
		}
		if f, ok := c.lookup(name); ok {
			f.qr.Reset()
		}
	}
}

func (c *Controller) cancelPending(name string) bool {
	c.mu.Lock()
	f, ok := c.flows[name]
	var task *ScheduledReconcile
	if ok {
		task = f.pending
		f.pending = nil
	}
	c.mu.Unlock()
	if task == nil {
		return false
	}
	return task.Cancel()
}

func (c *Controller) verify(task *ScheduledReconcile) {
	if !task.begin() {
		return
	}
	name := task.name
	sessions := c.Reconcile(context.Background())

	state := StateFailed
	observed := domain.SessionStatus("")
	for _, sess := range sessions {
		if sess.Name == name {
			observed = sess.Status
			if sess.Status.Online() {
				state = StateConnected
			}
			break
		}
	}

	c.mu.Lock()
	f, ok := c.flows[name]
	current := ok && f.pending == task
	if current {
		f.pending = nil
		f.state = state
	}
	c.mu.Unlock()
	if current && state == StateConnected {
		f.qr.Reset()
	}

	verified := 0.0
	if state == StateConnected {
		verified = 1
	}
	metrics.Observe(metrics.PairingVerification, verified, metrics.OwnerLabel(c.owner))
	zap.L().Info("whatsapp: pairing verified",
		zap.String("owner", c.owner),
		zap.String("session", name),
		zap.String("status", string(observed)),
		zap.String("state", string(state)))
	task.finish(state, observed)
}

// Load refreshes the store from the database.
func (c *Controller) Load(ctx context.Context) ([]domain.WaSession, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.store.Load(ctx)
}

// Reconcile runs one full pass over the stored sessions.
func (c *Controller) Reconcile(ctx context.Context) []domain.WaSession {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.reconciler.ReconcileStore(ctx)
}

// DeleteSession removes the local mirror of a session and forgets its
// pairing flow. The gateway-side session is left alone.
func (c *Controller) DeleteSession(ctx context.Context, id int64) (domain.WaSession, error) {
	sess, ok := c.store.FindByID(id)
	if !ok {
		return domain.WaSession{}, &ValidationError{Reason: ReasonUnknownSession}
	}
	c.writeMu.Lock()
	err := c.store.Remove(ctx, id)
	c.writeMu.Unlock()
	if err != nil {
		return domain.WaSession{}, errors.Wrap(err, "delete session")
	}
	c.CancelPairing(sess.Name)
	c.mu.Lock()
	delete(c.flows, sess.Name)
	c.mu.Unlock()
	return sess, nil
}

// UpdateWebhook points the gateway webhook of name at hookUrl.
func (c *Controller) UpdateWebhook(ctx context.Context, name, hookUrl string, events []string) error {
	if _, ok := c.store.Find(name); !ok {
		return &ValidationError{Reason: ReasonUnknownSession, Name: name}
	}
	if len(events) == 0 {
		events = gateway.DefaultEvents
	}
	if err := c.gateway.UpdateWebhookConfig(ctx, name, hookUrl, events); err != nil {
		return errors.Wrap(err, "update webhook")
	}
	return nil
}

// ScheduledReconcile is a pending post-pairing verification. Cancel stops
// it as long as the pass has not started.
type ScheduledReconcile struct {
	name  string
	timer *time.Timer
	done  chan struct{}

	mu        sync.Mutex
	started   bool
	cancelled bool
	state     PairingState
	observed  domain.SessionStatus
}

func newScheduledReconcile(name string) *ScheduledReconcile {
	return &ScheduledReconcile{name: name, done: make(chan struct{})}
}

func (t *ScheduledReconcile) SessionName() string {
	return t.name
}

// Cancel prevents the pass. It returns false once the pass has started or
// the task was already cancelled.
func (t *ScheduledReconcile) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started || t.cancelled {
		return false
	}
	t.cancelled = true
	if t.timer != nil {
		t.timer.Stop()
	}
	close(t.done)
	return true
}

// Done is closed when the pass finished or the task was cancelled.
func (t *ScheduledReconcile) Done() <-chan struct{} {
	return t.done
}

// Result returns the verification outcome; both values are empty until Done
// is closed by a completed pass.
func (t *ScheduledReconcile) Result() (PairingState, domain.SessionStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state, t.observed
}

func (t *ScheduledReconcile) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

func (t *ScheduledReconcile) begin() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		return false
	}
	t.started = true
	return true
}

func (t *ScheduledReconcile) finish(state PairingState, observed domain.SessionStatus) {
	t.mu.Lock()
	t.state = state
	t.observed = observed
	t.mu.Unlock()
	close(t.done)
}
