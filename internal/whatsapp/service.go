package whatsapp

import (
	"context"
	"sync"
	"time"

	EventBus "github.com/asaskevich/EventBus"
	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"github.com/talkincode/whatsdash/config"
	"github.com/talkincode/whatsdash/internal/app"
	"github.com/talkincode/whatsdash/internal/domain"
	"github.com/talkincode/whatsdash/internal/gateway"
	"github.com/talkincode/whatsdash/internal/store"
	"github.com/talkincode/whatsdash/pkg/metrics"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Service owns one Controller per operator, created on first use.
type Service struct {
	repo        store.SessionRepository
	bus         EventBus.Bus
	images      *ImageRegistry
	pool        *ants.Pool
	defaults    domain.GatewayConfig
	timeout     time.Duration
	settleDelay time.Duration

	mu          sync.Mutex
	controllers map[string]*Controller
}

var (
	globalSvc     *Service
	globalSvcLock sync.RWMutex
)

// Get returns the service installed by Init, or nil.
func Get() *Service {
	globalSvcLock.RLock()
	defer globalSvcLock.RUnlock()
	return globalSvc
}

func setGlobalService(s *Service) {
	globalSvcLock.Lock()
	defer globalSvcLock.Unlock()
	globalSvc = s
}

// New builds a service on db using the gateway section of the application
// configuration as per-operator defaults.
func New(db *gorm.DB, cfg config.GatewayConfig) (*Service, error) {
	// one worker: verification passes never overlap
	pool, err := ants.NewPool(1)
	if err != nil {
		return nil, errors.Wrap(err, "create verify pool")
	}
	s := &Service{
		repo:   store.NewGormSessionRepository(db),
		bus:    EventBus.New(),
		images: NewImageRegistry(time.Duration(cfg.QRTTL) * time.Second),
		pool:   pool,
		defaults: domain.GatewayConfig{
			ApiUrl:     cfg.ApiUrl,
			ApiKey:     cfg.ApiKey,
			WebhookUrl: cfg.WebhookUrl,
		},
		timeout:     time.Duration(cfg.Timeout) * time.Second,
		settleDelay: time.Duration(cfg.SettleDelay) * time.Millisecond,
		controllers: make(map[string]*Controller),
	}
	if err := s.subscribe(); err != nil {
		pool.Release()
		return nil, err
	}
	return s, nil
}

// Init creates the global service and registers its background jobs on the
// application scheduler.
func Init(a app.AppContext) (*Service, error) {
	cfg := a.Config().Gateway
	s, err := New(a.DB(), cfg)
	if err != nil {
		return nil, err
	}
	if sched := a.Scheduler(); sched != nil {
		if _, err := sched.AddFunc(cfg.ReconcileSpec, s.ReconcileAll); err != nil {
			zap.L().Error("whatsapp: invalid reconcile schedule", zap.String("spec", cfg.ReconcileSpec), zap.Error(err))
		}
		if _, err := sched.AddFunc("@every 1m", s.sweepImages); err != nil {
			zap.L().Error("whatsapp: schedule image sweep failed", zap.Error(err))
		}
	}
	setGlobalService(s)
	zap.L().Info("whatsapp: service initialized",
		zap.String("gateway", cfg.ApiUrl),
		zap.String("reconcile_spec", cfg.ReconcileSpec))
	return s, nil
}

func (s *Service) subscribe() error {
	if err := s.bus.SubscribeAsync(store.TopicSessionStatus, func(evt store.SessionEvent) {
		metrics.Observe(metrics.StatusChanges, 1, metrics.OwnerLabel(evt.OwnerID))
	}, false); err != nil {
		return errors.Wrap(err, "subscribe status events")
	}
	if err := s.bus.Subscribe(store.TopicSessionCreated, func(evt store.SessionEvent) {
		zap.L().Debug("whatsapp: session stored", zap.String("owner", evt.OwnerID), zap.Int64("id", evt.Session.ID))
	}); err != nil {
		return errors.Wrap(err, "subscribe create events")
	}
	if err := s.bus.Subscribe(store.TopicSessionRemoved, func(evt store.SessionEvent) {
		zap.L().Info("whatsapp: session removed", zap.String("owner", evt.OwnerID), zap.String("session", evt.Session.Name))
	}); err != nil {
		return errors.Wrap(err, "subscribe remove events")
	}
	return nil
}

// Bus exposes the session event bus.
func (s *Service) Bus() EventBus.Bus {
	return s.bus
}

// Controller returns the controller of owner, loading its sessions and
// gateway configuration the first time.
func (s *Service) Controller(ctx context.Context, owner string) (*Controller, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.controllers[owner]; ok {
		return c, nil
	}

	st := store.NewSessionStore(owner, s.repo, s.bus, s.defaults)
	cfg, err := st.GatewayConfig(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load gateway config")
	}
	if _, err := st.Load(ctx); err != nil {
		return nil, errors.Wrap(err, "load sessions")
	}
	c := NewController(owner, gateway.NewClient(cfg, s.timeout), st, s.images, s.pool, s.settleDelay)
	s.controllers[owner] = c
	zap.L().Info("whatsapp: operator workspace ready",
		zap.String("owner", owner),
		zap.String("gateway", cfg.ApiUrl),
		zap.Int("sessions", len(st.Sessions())))
	return c, nil
}

// Forget closes and drops the cached controller of owner so the next call
// rebuilds it with fresh configuration.
func (s *Service) Forget(owner string) {
	s.mu.Lock()
	c, ok := s.controllers[owner]
	delete(s.controllers, owner)
	s.mu.Unlock()
	if ok {
		c.Close()
	}
}

// SaveGatewayConfig stores the gateway settings of an operator and rebuilds
// its workspace.
func (s *Service) SaveGatewayConfig(ctx context.Context, cfg domain.GatewayConfig) error {
	if err := s.repo.SaveGatewayConfig(ctx, &cfg); err != nil {
		return &store.StoreError{Reason: store.ReasonConfigFailed, Err: err}
	}
	s.Forget(cfg.OwnerID)
	return nil
}

// ReconcileAll runs one pass for every operator that owns sessions.
func (s *Service) ReconcileAll() {
	ctx := context.Background()
	owners, err := s.repo.ListOwners(ctx)
	if err != nil {
		zap.L().Error("whatsapp: list session owners failed", zap.Error(err))
		return
	}
	for _, owner := range owners {
		c, err := s.Controller(ctx, owner)
		if err != nil {
			zap.L().Error("whatsapp: reconcile skipped", zap.String("owner", owner), zap.Error(err))
			continue
		}
		c.Reconcile(ctx)
	}
}

func (s *Service) sweepImages() {
	if n := s.images.Sweep(); n > 0 {
		zap.L().Debug("whatsapp: expired qr images dropped", zap.Int("count", n))
	}
}

// Release closes every controller and stops the verification pool.
func (s *Service) Release() {
	s.mu.Lock()
	controllers := s.controllers
	s.controllers = make(map[string]*Controller)
	s.mu.Unlock()
	for _, c := range controllers {
		c.Close()
	}
	s.pool.Release()
}
