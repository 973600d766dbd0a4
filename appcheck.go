package appcheck

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/kacy/app-check/internal/logger"
	"github.com/kacy/app-check/internal/metrics"
	"github.com/kacy/app-check/provider"
	"github.com/kacy/app-check/scheduler"
	"github.com/kacy/app-check/token"
	"github.com/kacy/app-check/tokenstore"
)

// Common errors returned by the appcheck package.
var (
	ErrClosed = errors.New("app check manager is closed")
)

// Config holds configuration for a Manager. The zero value is usable.
type Config struct {
	// Logger receives structured logs (default: no-op).
	Logger *zap.Logger

	// Registerer receives the Prometheus collectors (default: no metrics).
	Registerer prometheus.Registerer

	// Persister keeps tokens across restarts (default: none).
	Persister tokenstore.Persister

	// AsyncNotify delivers listener notifications from a per-app goroutine
	// instead of the goroutine that completed the exchange.
	AsyncNotify bool

	// RefreshLead is how long before expiry a background refresh fires
	// (default: 1m).
	RefreshLead time.Duration

	// TokenAutoRefreshEnabled is the initial auto-refresh flag of every app.
	TokenAutoRefreshEnabled bool

	// Clock is the time source (default: real clock).
	Clock clockwork.Clock

	// OnRefreshError is called with every failed background refresh.
	OnRefreshError func(app string, err error)
}

// Manager owns the provider registry and the per-app token state of a set
// of applications. Most programs use the process-wide default manager
// through SetProviderFactory and GetInstance.
type Manager struct {
	logger    *logger.Logger
	registry  *provider.Registry
	scheduler *scheduler.Scheduler

	mu        sync.Mutex
	instances map[string]*AppCheck
	closed    bool
}

// NewManager creates a new manager.
func NewManager(cfg Config) (*Manager, error) {
	log := logger.Wrap(cfg.Logger)

	var m *metrics.Metrics
	if cfg.Registerer != nil {
		var err error
		m, err = metrics.New(cfg.Registerer)
		if err != nil {
			return nil, err
		}
	}

	registry := provider.NewRegistry(log)
	sched, err := scheduler.New(scheduler.Config{
		Registry:           registry,
		Logger:             log,
		Metrics:            m,
		Clock:              cfg.Clock,
		Persister:          cfg.Persister,
		RefreshLead:        cfg.RefreshLead,
		AsyncNotify:        cfg.AsyncNotify,
		AutoRefreshDefault: cfg.TokenAutoRefreshEnabled,
		OnRefreshError:     cfg.OnRefreshError,
	})
	if err != nil {
		return nil, err
	}

	return &Manager{
		logger:    log,
		registry:  registry,
		scheduler: sched,
		instances: make(map[string]*AppCheck),
	}, nil
}

// SetProviderFactory installs the factory used to build providers for every
// app of the manager. It must be called before the first token request;
// afterwards it fails with an InvalidConfiguration error. Listeners are
// kept across factory changes.
func (m *Manager) SetProviderFactory(f provider.Factory) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return token.NewError(token.KindInvalidConfiguration, "set factory", ErrClosed)
	}

	return m.registry.SetFactory(f)
}

// Instance returns the handle of app, creating it on first use. Handles are
// keyed by app name; later calls with the same name return the first handle.
func (m *Manager) Instance(app provider.App) (*AppCheck, error) {
	key := app.Key()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, token.NewError(token.KindInvalidConfiguration, "get instance", ErrClosed)
	}
	if ac, ok := m.instances[key]; ok {
		m.mu.Unlock()
		return ac, nil
	}
	m.mu.Unlock()

	// Creating the state may read the persister; keep other apps unblocked.
	if _, err := m.scheduler.Store(app); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, token.NewError(token.KindInvalidConfiguration, "get instance", ErrClosed)
	}
	if ac, ok := m.instances[key]; ok {
		return ac, nil
	}

	app.Name = key
	ac := &AppCheck{manager: m, app: app}
	m.instances[key] = ac
	return ac, nil
}

// Default returns the handle of the default app.
func (m *Manager) Default() (*AppCheck, error) {
	return m.Instance(provider.App{Name: provider.DefaultAppName})
}

// Close tears down every app of the manager. It is safe to call more than
// once.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.instances = make(map[string]*AppCheck)
	m.mu.Unlock()

	err := m.scheduler.Close()
	_ = m.logger.Sync()
	return err
}

func (m *Manager) forget(ac *AppCheck) {
	m.mu.Lock()
	if m.instances[ac.app.Name] == ac {
		delete(m.instances, ac.app.Name)
	}
	m.mu.Unlock()
}

// AppCheck is the token client of one application.
type AppCheck struct {
	manager *Manager
	app     provider.App
}

// App returns the application of the handle.
func (a *AppCheck) App() provider.App {
	return a.app
}

// GetToken returns the cached token while it is valid, unless forceRefresh
// is set; otherwise it performs an exchange, or joins the one already in
// flight for this app.
func (a *AppCheck) GetToken(ctx context.Context, forceRefresh bool) (token.Token, error) {
	return a.manager.scheduler.GetToken(ctx, a.app, forceRefresh)
}

// SetTokenAutoRefreshEnabled turns background refresh on or off. Turning
// it off keeps the cached token.
func (a *AppCheck) SetTokenAutoRefreshEnabled(enabled bool) error {
	return a.manager.scheduler.SetAutoRefresh(a.app, enabled)
}

// IsTokenAutoRefreshEnabled reports whether background refresh is on.
func (a *AppCheck) IsTokenAutoRefreshEnabled() bool {
	return a.manager.scheduler.AutoRefreshEnabled(a.app)
}

// AddTokenListener registers l to receive every new token of the app, in
// production order.
func (a *AppCheck) AddTokenListener(l tokenstore.Listener) (tokenstore.ListenerID, error) {
	store, err := a.manager.scheduler.Store(a.app)
	if err != nil {
		return 0, err
	}
	return store.AddListener(l), nil
}

// RemoveTokenListener unregisters a listener. It reports whether the
// listener was registered.
func (a *AppCheck) RemoveTokenListener(id tokenstore.ListenerID) bool {
	store, err := a.manager.scheduler.Store(a.app)
	if err != nil {
		return false
	}
	return store.RemoveListener(id)
}

// Delete discards the app's token, provider, listeners and pending refresh.
// A later Instance call for the same app starts from scratch.
func (a *AppCheck) Delete() {
	a.manager.forget(a)
	a.manager.scheduler.Remove(a.app.Name)
}

var (
	defaultMu      sync.Mutex
	defaultManager *Manager
)

func getDefaultManager() (*Manager, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultManager == nil {
		m, err := NewManager(Config{})
		if err != nil {
			return nil, err
		}
		defaultManager = m
	}
	return defaultManager, nil
}

// SetDefaultManager replaces the process-wide manager used by the package
// level functions and returns the previous one, which may be nil.
func SetDefaultManager(m *Manager) *Manager {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	prev := defaultManager
	defaultManager = m
	return prev
}

// SetProviderFactory installs f on the process-wide manager.
func SetProviderFactory(f provider.Factory) error {
	m, err := getDefaultManager()
	if err != nil {
		return err
	}
	return m.SetProviderFactory(f)
}

// GetInstance returns the handle of app on the process-wide manager.
func GetInstance(app provider.App) (*AppCheck, error) {
	m, err := getDefaultManager()
	if err != nil {
		return nil, err
	}
	return m.Instance(app)
}

// DefaultInstance returns the handle of the default app on the process-wide
// manager.
func DefaultInstance() (*AppCheck, error) {
	m, err := getDefaultManager()
	if err != nil {
		return nil, err
	}
	return m.Default()
}
