// Package scheduler decides when providers are called and how their results
// reach callers, the per-app token stores and background refresh triggers.
//
// At most one exchange per app is in flight at any time. Callers arriving
// while an exchange runs, forced or not, wait for that exchange instead of
// starting another one. Results are stored (and listeners notified) inside
// the exchange, so tokens reach listeners in the order they were produced.
package scheduler

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/kacy/app-check/internal/logger"
	"github.com/kacy/app-check/internal/metrics"
	"github.com/kacy/app-check/provider"
	"github.com/kacy/app-check/token"
	"github.com/kacy/app-check/tokenstore"
)

// ErrClosed is returned by operations on a closed scheduler.
var ErrClosed = errors.New("scheduler is closed")

// immediateWindow is the distance to the due time below which a trigger is
// started right away instead of at a fixed date.
const immediateWindow = 50 * time.Millisecond

// Config holds configuration for a Scheduler.
type Config struct {
	// Registry resolves the provider of each app. Required.
	Registry *provider.Registry

	// Logger receives exchange and refresh events (default: no-op).
	Logger *logger.Logger

	// Metrics records exchanges and cache hits (default: disabled).
	Metrics *metrics.Metrics

	// Clock is the time source (default: real clock).
	Clock clockwork.Clock

	// Persister keeps tokens across restarts (default: none).
	Persister tokenstore.Persister

	// PersistTimeout bounds each persister call (default: 5s).
	PersistTimeout time.Duration

	// RefreshLead is how long before the local expiry a background refresh
	// fires (default: 1m). It is capped at half of the remaining lifetime.
	RefreshLead time.Duration

	// AsyncNotify delivers listener notifications from a per-app goroutine.
	AsyncNotify bool

	// AutoRefreshDefault is the initial auto-refresh flag of every app.
	AutoRefreshDefault bool

	// OnRefreshError is called with every failed background refresh.
	OnRefreshError func(app string, err error)
}

type appState struct {
	app   provider.App
	store *tokenstore.Store

	// flight keys the app's in-flight exchange. It is unique per state so
	// a recreated app never joins the exchange of its predecessor.
	flight string
	init   sync.Once

	mu          sync.Mutex
	autoRefresh bool
	jobID       uuid.UUID
	gen         uint64
}

// Scheduler runs token exchanges for every app of one manager.
type Scheduler struct {
	registry       *provider.Registry
	logger         *logger.Logger
	metrics        *metrics.Metrics
	clock          clockwork.Clock
	persister      tokenstore.Persister
	persistTimeout time.Duration
	lead           time.Duration
	async          bool
	autoDefault    bool
	onRefreshError func(string, error)

	cron  gocron.Scheduler
	group singleflight.Group

	mu     sync.Mutex
	apps   map[string]*appState
	epoch  uint64
	closed bool
}

// New creates a scheduler and starts its trigger loop.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Registry == nil {
		return nil, errors.New("scheduler: registry is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 5 * time.Second
	}
	if cfg.RefreshLead <= 0 {
		cfg.RefreshLead = time.Minute
	}

	cron, err := gocron.NewScheduler(
		gocron.WithClock(cfg.Clock),
		gocron.WithLogger(cfg.Logger),
	)
	if err != nil {
		return nil, err
	}
	cron.Start()

	return &Scheduler{
		registry:       cfg.Registry,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
		clock:          cfg.Clock,
		persister:      cfg.Persister,
		persistTimeout: cfg.PersistTimeout,
		lead:           cfg.RefreshLead,
		async:          cfg.AsyncNotify,
		autoDefault:    cfg.AutoRefreshDefault,
		onRefreshError: cfg.OnRefreshError,
		cron:           cron,
		apps:           make(map[string]*appState),
	}, nil
}

// Store returns the token store of app, creating the app's state on first
// use. A still-valid persisted token is restored into a new store without
// notifying listeners, and gets a refresh trigger like an exchanged one.
func (s *Scheduler) Store(app provider.App) (*tokenstore.Store, error) {
	st, err := s.state(app)
	if err != nil {
		return nil, err
	}
	return st.store, nil
}

// state returns the state of app. A new state is restored from the
// persister outside the scheduler lock; callers of the same app wait for
// the restore, other apps do not.
func (s *Scheduler) state(app provider.App) (*appState, error) {
	key := app.Key()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, token.NewError(token.KindInvalidConfiguration, "get app", ErrClosed)
	}
	st, ok := s.apps[key]
	if !ok {
		s.epoch++
		st = &appState{
			app: app,
			store: tokenstore.New(tokenstore.Config{
				App:    key,
				Async:  s.async,
				Logger: s.logger,
			}),
			flight:      key + "#" + strconv.FormatUint(s.epoch, 10),
			autoRefresh: s.autoDefault,
		}
		s.apps[key] = st
	}
	s.mu.Unlock()

	st.init.Do(func() { s.restore(st) })
	return st, nil
}

func (s *Scheduler) lookup(key string) *appState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apps[key]
}

// GetToken returns the cached token of app while it is valid and force is
// false; otherwise it joins or starts the app's exchange. The first call
// seals the registry. If ctx ends first, ctx.Err() is returned and the
// exchange keeps running for the remaining waiters.
func (s *Scheduler) GetToken(ctx context.Context, app provider.App, force bool) (token.Token, error) {
	st, err := s.state(app)
	if err != nil {
		return token.Token{}, err
	}
	s.registry.Seal()

	key := app.Key()
	if !force {
		if tok, ok := st.store.Get(); ok && tok.IsValid(s.clock.Now()) {
			s.metrics.IncCacheHit(key)
			s.logger.Debug("token served from cache", "app", key)
			return tok, nil
		}
	}

	return s.fetch(ctx, st)
}

// fetch joins the in-flight exchange of st or starts one.
func (s *Scheduler) fetch(ctx context.Context, st *appState) (token.Token, error) {
	key := st.app.Key()
	detached := context.WithoutCancel(ctx)

	ch := s.group.DoChan(st.flight, func() (any, error) {
		return s.exchange(detached, st)
	})

	select {
	case res := <-ch:
		if res.Shared {
			s.metrics.IncCoalesced(key)
			s.logger.Debug("joined in-flight exchange", "app", key)
		}
		if res.Err != nil {
			return token.Token{}, res.Err
		}
		return res.Val.(token.Token), nil
	case <-ctx.Done():
		return token.Token{}, ctx.Err()
	}
}

// exchange runs one provider call and propagates its result. It only runs
// inside the app's singleflight slot.
func (s *Scheduler) exchange(ctx context.Context, st *appState) (token.Token, error) {
	key := st.app.Key()
	start := s.clock.Now()

	p, err := s.registry.Provider(st.app)
	if err != nil {
		return token.Token{}, s.fail(st, start, err)
	}

	tok, err := p.GetToken(ctx)
	if err == nil && tok.IsZero() {
		err = token.NewError(token.KindUnknown, "exchange", token.ErrEmptyToken)
	}
	if err != nil {
		return token.Token{}, s.fail(st, start, token.Wrap("exchange", err))
	}

	if err := st.store.Put(tok); err != nil {
		return token.Token{}, s.fail(st, start, token.NewError(token.KindUnknown, "store token", err))
	}

	s.metrics.ObserveExchange(key, "success", s.clock.Since(start).Seconds())
	s.metrics.SetTokenExpiry(key, tok.ExpireTimeMillis())
	s.logger.Info("token exchanged", "app", key, "expires_at", tok.ExpireTime())

	s.persist(ctx, st, tok)

	st.mu.Lock()
	s.armLocked(st, tok)
	st.mu.Unlock()

	return tok, nil
}

func (s *Scheduler) fail(st *appState, start time.Time, err error) error {
	key := st.app.Key()
	kind := token.KindOf(err)

	st.store.SetLastError(err)
	s.metrics.ObserveExchange(key, kind.String(), s.clock.Since(start).Seconds())
	s.logger.Error("token exchange failed", "app", key, "kind", kind.String(), "error", err)
	return err
}

// SetAutoRefresh turns background refresh of app on or off. Enabling arms a
// trigger for the cached token, if any; disabling cancels the pending
// trigger and keeps the cached token.
func (s *Scheduler) SetAutoRefresh(app provider.App, enabled bool) error {
	st, err := s.state(app)
	if err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	st.autoRefresh = enabled
	if !enabled {
		s.cancelLocked(st)
		return nil
	}
	if tok, ok := st.store.Get(); ok {
		s.armLocked(st, tok)
	}
	return nil
}

// AutoRefreshEnabled reports the auto-refresh flag of app.
func (s *Scheduler) AutoRefreshEnabled(app provider.App) bool {
	st, err := s.state(app)
	if err != nil {
		return false
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	return st.autoRefresh
}

// refreshPending reports whether a background trigger is armed for app.
func (s *Scheduler) refreshPending(key string) bool {
	st := s.lookup(key)
	if st == nil {
		return false
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	return st.jobID != uuid.Nil
}

// armLocked replaces the pending trigger of st with one for tok.
// The caller holds st.mu.
func (s *Scheduler) armLocked(st *appState, tok token.Token) {
	s.cancelLocked(st)
	if !st.autoRefresh || tok.IsZero() {
		return
	}

	now := s.clock.Now()
	expiry := tok.ExpireTime()
	remaining := expiry.Sub(now)
	if remaining <= 0 {
		return
	}

	lead := s.lead
	if half := remaining / 2; half < lead {
		lead = half
	}
	due := expiry.Add(-lead)

	st.gen++
	gen := st.gen
	key := st.app.Key()
	task := gocron.NewTask(func() { s.refresh(st, gen, lead) })
	name := gocron.WithName("refresh " + key)

	start := gocron.OneTimeJobStartDateTime(due)
	if due.Sub(now) < immediateWindow {
		start = gocron.OneTimeJobStartImmediately()
	}

	job, err := s.cron.NewJob(gocron.OneTimeJob(start), task, name)
	if errors.Is(err, gocron.ErrOneTimeJobStartDateTimePast) {
		job, err = s.cron.NewJob(gocron.OneTimeJob(gocron.OneTimeJobStartImmediately()), task, name)
	}
	if err != nil {
		s.logger.Error("failed to schedule token refresh", "app", key, "error", err)
		return
	}

	st.jobID = job.ID()
	s.logger.Debug("token refresh scheduled", "app", key, "due", due)
}

// cancelLocked removes the pending trigger of st. The caller holds st.mu.
func (s *Scheduler) cancelLocked(st *appState) {
	if st.jobID == uuid.Nil {
		return
	}
	id := st.jobID
	st.jobID = uuid.Nil
	st.gen++

	if err := s.cron.RemoveJob(id); err != nil && !errors.Is(err, gocron.ErrJobNotFound) {
		s.logger.Warn("failed to cancel token refresh", "app", st.app.Key(), "error", err)
	}
}

// refresh is the body of a background trigger. The token counts as stale
// once it expires within lead.
func (s *Scheduler) refresh(st *appState, gen uint64, lead time.Duration) {
	key := st.app.Key()
	if s.lookup(key) != st {
		return
	}

	st.mu.Lock()
	if st.gen != gen || !st.autoRefresh {
		st.mu.Unlock()
		return
	}
	st.jobID = uuid.Nil
	st.mu.Unlock()

	s.metrics.IncBackgroundRefresh(key)

	if tok, ok := st.store.Get(); ok && tok.IsValid(s.clock.Now().Add(lead)) {
		st.mu.Lock()
		if st.jobID == uuid.Nil {
			s.armLocked(st, tok)
		}
		st.mu.Unlock()
		return
	}

	if _, err := s.fetch(context.Background(), st); err != nil {
		s.logger.Warn("background token refresh failed", "app", key, "error", err)
		if s.onRefreshError != nil {
			s.onRefreshError(key, err)
		}
	}
}

// restore loads a persisted token into a new store and arms its trigger
// when auto-refresh is on.
func (s *Scheduler) restore(st *appState) {
	if s.persister == nil {
		return
	}
	key := st.app.Key()

	ctx, cancel := context.WithTimeout(context.Background(), s.persistTimeout)
	defer cancel()

	tok, ok, err := s.persister.Load(ctx, key)
	if err != nil {
		s.persistFailed(st, "load", err)
		return
	}
	if !ok || !tok.IsValid(s.clock.Now()) {
		return
	}

	st.store.Restore(tok)
	s.logger.Debug("restored persisted token", "app", key, "expires_at", tok.ExpireTime())

	st.mu.Lock()
	s.armLocked(st, tok)
	st.mu.Unlock()
}

func (s *Scheduler) persist(ctx context.Context, st *appState, tok token.Token) {
	if s.persister == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.persistTimeout)
	defer cancel()

	if err := s.persister.Save(ctx, st.app.Key(), tok); err != nil {
		s.persistFailed(st, "save", err)
	}
}

func (s *Scheduler) persistFailed(st *appState, op string, err error) {
	key := st.app.Key()
	st.store.SetLastError(token.NewError(token.KindSystemKeychain, op+" persisted token", err))
	s.metrics.IncPersistFailure(key, op)
	s.logger.Warn("token persistence failed", "app", key, "op", op, "error", err)
}

// Remove tears down the state of app: its trigger, provider, cached and
// persisted token. Its listeners are dropped with its store.
func (s *Scheduler) Remove(app string) {
	if app == "" {
		app = provider.DefaultAppName
	}

	s.mu.Lock()
	st, ok := s.apps[app]
	delete(s.apps, app)
	s.mu.Unlock()

	s.registry.Forget(app)
	if !ok {
		return
	}

	st.mu.Lock()
	st.autoRefresh = false
	s.cancelLocked(st)
	st.mu.Unlock()

	st.store.Clear()
	st.store.Close()

	if s.persister != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.persistTimeout)
		defer cancel()
		if err := s.persister.Delete(ctx, app); err != nil {
			s.metrics.IncPersistFailure(app, "delete")
			s.logger.Warn("token persistence failed", "app", app, "op", "delete", "error", err)
		}
	}
}

// Close stops all triggers, closes every store and provider. It is safe to
// call more than once.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	apps := s.apps
	s.apps = make(map[string]*appState)
	s.mu.Unlock()

	err := s.cron.Shutdown()

	for _, st := range apps {
		st.mu.Lock()
		st.autoRefresh = false
		st.jobID = uuid.Nil
		st.gen++
		st.mu.Unlock()
		st.store.Close()
	}
	s.registry.Close()

	return err
}
