package provider

import (
	"errors"
	"io"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/kacy/app-check/internal/logger"
	"github.com/kacy/app-check/token"
)

var (
	// ErrNoFactory is returned when a provider is requested before any
	// factory was installed.
	ErrNoFactory = errors.New("no provider factory installed")

	// ErrSealed is returned when a factory is installed after the first
	// token request.
	ErrSealed = errors.New("provider factory installed after first token request")

	// ErrNilFactory is returned when SetFactory is given nil.
	ErrNilFactory = errors.New("provider factory is nil")

	// ErrNilProvider is returned when a factory yields a nil provider
	// without an error.
	ErrNilProvider = errors.New("factory returned nil provider")
)

// Registry holds the installed factory and the provider built for each app.
// Providers are created lazily, at most once per app per factory.
type Registry struct {
	logger *logger.Logger

	mu        sync.Mutex
	factory   Factory
	gen       uint64 // bumped by every SetFactory
	providers map[string]Provider
	sealed    bool

	group singleflight.Group
}

// NewRegistry creates an empty registry.
func NewRegistry(log *logger.Logger) *Registry {
	if log == nil {
		log = logger.Nop()
	}
	return &Registry{
		logger:    log,
		providers: make(map[string]Provider),
	}
}

// SetFactory replaces the active factory. Providers built by the previous
// factory are dropped and closed if they implement io.Closer; the next
// request for an app builds a fresh provider from f. Fails with
// InvalidConfiguration once the registry is sealed.
func (r *Registry) SetFactory(f Factory) error {
	if f == nil {
		return token.NewError(token.KindInvalidConfiguration, "set factory", ErrNilFactory)
	}

	r.mu.Lock()
	if r.sealed {
		r.mu.Unlock()
		return token.NewError(token.KindInvalidConfiguration, "set factory", ErrSealed)
	}
	old := r.providers
	replaced := r.factory != nil
	r.factory = f
	r.gen++
	r.providers = make(map[string]Provider)
	r.mu.Unlock()

	closeProviders(r.logger, old)
	r.logger.Info("provider factory installed", "replaced", replaced, "dropped_providers", len(old))
	return nil
}

// Provider returns the provider cached for app, creating it with the active
// factory on first use. The factory runs outside the registry lock, so a
// slow factory only delays its own app; concurrent callers for the same
// app share one factory call.
func (r *Registry) Provider(app App) (Provider, error) {
	key := app.Key()

	r.mu.Lock()
	if p, ok := r.providers[key]; ok {
		r.mu.Unlock()
		return p, nil
	}
	factory, gen := r.factory, r.gen
	r.mu.Unlock()

	if factory == nil {
		return nil, token.NewError(token.KindInvalidConfiguration, "create provider", ErrNoFactory)
	}

	v, err, _ := r.group.Do(key+"#"+strconv.FormatUint(gen, 10), func() (any, error) {
		return r.create(factory, gen, app)
	})
	if err != nil {
		return nil, err
	}
	return v.(Provider), nil
}

func (r *Registry) create(factory Factory, gen uint64, app App) (Provider, error) {
	key := app.Key()

	r.mu.Lock()
	p, ok := r.providers[key]
	r.mu.Unlock()
	if ok {
		return p, nil
	}

	p, err := factory.CreateProvider(app)
	if err != nil {
		var te *token.Error
		if errors.As(err, &te) {
			return nil, err
		}
		return nil, token.NewError(token.KindUnsupportedProvider, "create provider", err)
	}
	if p == nil {
		return nil, token.NewError(token.KindUnsupportedProvider, "create provider", ErrNilProvider)
	}

	// A factory swapped in meanwhile owns the cache; p serves this call only.
	r.mu.Lock()
	if r.gen == gen {
		r.providers[key] = p
	}
	r.mu.Unlock()

	r.logger.Debug("provider created", "app", key)
	return p, nil
}

// Forget drops the provider cached for app, closing it if it implements
// io.Closer.
func (r *Registry) Forget(app string) {
	if app == "" {
		app = DefaultAppName
	}

	r.mu.Lock()
	p, ok := r.providers[app]
	delete(r.providers, app)
	r.mu.Unlock()

	if ok {
		closeProviders(r.logger, map[string]Provider{app: p})
	}
}

// Seal marks the owning context ready. Later SetFactory calls fail.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Sealed reports whether Seal was called.
func (r *Registry) Sealed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sealed
}

// HasFactory reports whether a factory is installed.
func (r *Registry) HasFactory() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.factory != nil
}

// Close drops and closes every cached provider.
func (r *Registry) Close() {
	r.mu.Lock()
	old := r.providers
	r.providers = make(map[string]Provider)
	r.mu.Unlock()

	closeProviders(r.logger, old)
}

func closeProviders(log *logger.Logger, providers map[string]Provider) {
	for app, p := range providers {
		c, ok := p.(io.Closer)
		if !ok {
			continue
		}
		if err := c.Close(); err != nil {
			log.Warn("failed to close provider", "app", app, "error", err)
		}
	}
}
