package provider

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kacy/app-check/token"
)

// mockProvider is a Provider that records Close calls.
type mockProvider struct {
	name   string
	closed atomic.Bool
}

func (m *mockProvider) GetToken(ctx context.Context) (token.Token, error) {
	return token.New(m.name, 100000), nil
}

func (m *mockProvider) Close() error {
	m.closed.Store(true)
	return nil
}

// countingFactory builds mockProviders and counts calls.
type countingFactory struct {
	name  string
	calls atomic.Int32
}

func (f *countingFactory) CreateProvider(app App) (Provider, error) {
	f.calls.Add(1)
	return &mockProvider{name: f.name + ":" + app.Key()}, nil
}

func TestApp_KeyAndResourceName(t *testing.T) {
	assert.Equal(t, DefaultAppName, App{}.Key())
	assert.Equal(t, "secondary", App{Name: "secondary"}.Key())

	app := App{ProjectNumber: "123", AppID: "1:123:android:abc"}
	assert.Equal(t, "projects/123/apps/1:123:android:abc", app.ResourceName())
}

func TestRegistry_NoFactory(t *testing.T) {
	r := NewRegistry(nil)

	_, err := r.Provider(App{})
	require.Error(t, err)
	assert.ErrorIs(t, err, token.ErrInvalidConfiguration)
	assert.ErrorIs(t, err, ErrNoFactory)
	assert.False(t, r.HasFactory())
}

func TestRegistry_CachesProviderPerApp(t *testing.T) {
	r := NewRegistry(nil)
	f := &countingFactory{name: "f1"}
	require.NoError(t, r.SetFactory(f))

	p1, err := r.Provider(App{})
	require.NoError(t, err)
	p2, err := r.Provider(App{Name: DefaultAppName})
	require.NoError(t, err)
	p3, err := r.Provider(App{Name: "secondary"})
	require.NoError(t, err)

	assert.Same(t, p1, p2)
	assert.NotSame(t, p1, p3)
	assert.Equal(t, int32(2), f.calls.Load())
}

func TestRegistry_ConcurrentCreateOnce(t *testing.T) {
	r := NewRegistry(nil)
	f := &countingFactory{name: "f1"}
	require.NoError(t, r.SetFactory(f))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Provider(App{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), f.calls.Load())
}

func TestRegistry_SlowFactoryDoesNotBlockOtherApps(t *testing.T) {
	r := NewRegistry(nil)
	gate := make(chan struct{})
	require.NoError(t, r.SetFactory(FactoryFunc(func(app App) (Provider, error) {
		if app.Key() == "slow" {
			<-gate
		}
		return &mockProvider{name: app.Key()}, nil
	})))

	slowDone := make(chan struct{})
	go func() {
		defer close(slowDone)
		_, err := r.Provider(App{Name: "slow"})
		assert.NoError(t, err)
	}()

	fast := make(chan Provider, 1)
	go func() {
		p, err := r.Provider(App{Name: "fast"})
		assert.NoError(t, err)
		fast <- p
	}()

	select {
	case p := <-fast:
		assert.Equal(t, "fast", p.(*mockProvider).name)
	case <-time.After(time.Second):
		t.Fatal("provider for fast app waited on the slow factory")
	}

	close(gate)
	<-slowDone
}

func TestRegistry_SwapDuringCreateIsNotCached(t *testing.T) {
	r := NewRegistry(nil)
	started := make(chan struct{})
	gate := make(chan struct{})
	require.NoError(t, r.SetFactory(FactoryFunc(func(app App) (Provider, error) {
		close(started)
		<-gate
		return &mockProvider{name: "old"}, nil
	})))

	done := make(chan Provider, 1)
	go func() {
		p, err := r.Provider(App{})
		assert.NoError(t, err)
		done <- p
	}()

	<-started
	require.NoError(t, r.SetFactory(&countingFactory{name: "new"}))
	close(gate)
	assert.Equal(t, "old", (<-done).(*mockProvider).name)

	p, err := r.Provider(App{})
	require.NoError(t, err)
	assert.Equal(t, "new:"+DefaultAppName, p.(*mockProvider).name)
}

func TestRegistry_SetFactoryReplacesProviders(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.SetFactory(&countingFactory{name: "f1"}))

	old, err := r.Provider(App{})
	require.NoError(t, err)

	require.NoError(t, r.SetFactory(&countingFactory{name: "f2"}))
	assert.True(t, old.(*mockProvider).closed.Load())

	p, err := r.Provider(App{})
	require.NoError(t, err)
	tok, err := p.GetToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "f2:[DEFAULT]", tok.Value())
}

func TestRegistry_SetFactoryNil(t *testing.T) {
	r := NewRegistry(nil)

	err := r.SetFactory(nil)
	assert.ErrorIs(t, err, token.ErrInvalidConfiguration)
	assert.ErrorIs(t, err, ErrNilFactory)
}

func TestRegistry_SetFactoryAfterSeal(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.SetFactory(&countingFactory{name: "f1"}))

	r.Seal()
	assert.True(t, r.Sealed())

	err := r.SetFactory(&countingFactory{name: "f2"})
	assert.ErrorIs(t, err, token.ErrInvalidConfiguration)
	assert.ErrorIs(t, err, ErrSealed)

	// The original factory is still active.
	p, err := r.Provider(App{})
	require.NoError(t, err)
	tok, _ := p.GetToken(context.Background())
	assert.Equal(t, "f1:[DEFAULT]", tok.Value())
}

func TestRegistry_FactoryRejection(t *testing.T) {
	tests := []struct {
		name     string
		factory  Factory
		wantKind token.Kind
	}{
		{
			name: "plain error becomes unsupported provider",
			factory: FactoryFunc(func(App) (Provider, error) {
				return nil, errors.New("platform not supported")
			}),
			wantKind: token.KindUnsupportedProvider,
		},
		{
			name: "typed error keeps its kind",
			factory: FactoryFunc(func(App) (Provider, error) {
				return nil, token.NewError(token.KindInvalidConfiguration, "create", errors.New("missing api key"))
			}),
			wantKind: token.KindInvalidConfiguration,
		},
		{
			name: "nil provider",
			factory: FactoryFunc(func(App) (Provider, error) {
				return nil, nil
			}),
			wantKind: token.KindUnsupportedProvider,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry(nil)
			require.NoError(t, r.SetFactory(tt.factory))

			_, err := r.Provider(App{})
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, token.KindOf(err))
		})
	}
}

func TestRegistry_RejectionIsNotCached(t *testing.T) {
	r := NewRegistry(nil)
	var calls atomic.Int32
	require.NoError(t, r.SetFactory(FactoryFunc(func(App) (Provider, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("not yet")
		}
		return &mockProvider{name: "ok"}, nil
	})))

	_, err := r.Provider(App{})
	require.Error(t, err)

	p, err := r.Provider(App{})
	require.NoError(t, err)
	assert.NotNil(t, p)
}

func TestRegistry_ForgetAndClose(t *testing.T) {
	r := NewRegistry(nil)
	f := &countingFactory{name: "f1"}
	require.NoError(t, r.SetFactory(f))

	p1, _ := r.Provider(App{})
	r.Forget("")
	assert.True(t, p1.(*mockProvider).closed.Load())

	p2, _ := r.Provider(App{})
	assert.NotSame(t, p1, p2)
	assert.Equal(t, int32(2), f.calls.Load())

	r.Close()
	assert.True(t, p2.(*mockProvider).closed.Load())
}

func TestProviderFunc(t *testing.T) {
	p := ProviderFunc(func(ctx context.Context) (token.Token, error) {
		return token.New("fn", 100000), nil
	})

	tok, err := p.GetToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fn", tok.Value())
}
