package tokenstore

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kacy/app-check/token"
)

func TestStore_PutAndGet(t *testing.T) {
	store := New(Config{App: "test"})
	defer store.Close()

	_, ok := store.Get()
	assert.False(t, ok)
	assert.False(t, store.IsValid(time.UnixMilli(0)))

	tok := token.New("abc", 100000)
	require.NoError(t, store.Put(tok))

	got, ok := store.Get()
	assert.True(t, ok)
	assert.Equal(t, tok, got)
}

func TestStore_IsValid(t *testing.T) {
	store := New(Config{})
	defer store.Close()

	require.NoError(t, store.Put(token.New("abc", 100000)))

	assert.True(t, store.IsValid(time.UnixMilli(39999)))
	assert.False(t, store.IsValid(time.UnixMilli(40000)))
	assert.False(t, store.IsValid(time.UnixMilli(50000)))
}

func TestStore_PutReplacesUnconditionally(t *testing.T) {
	store := New(Config{})
	defer store.Close()

	require.NoError(t, store.Put(token.New("newer", 200000)))
	require.NoError(t, store.Put(token.New("older", 100000)))

	got, _ := store.Get()
	assert.Equal(t, "older", got.Value())
}

func TestStore_ListenersInRegistrationOrder(t *testing.T) {
	store := New(Config{})
	defer store.Close()

	var order []string
	store.AddListener(func(token.Token) { order = append(order, "first") })
	store.AddListener(func(token.Token) { order = append(order, "second") })
	store.AddListener(func(token.Token) { order = append(order, "third") })

	require.NoError(t, store.Put(token.New("abc", 100000)))
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestStore_ListenerReceivesToken(t *testing.T) {
	store := New(Config{})
	defer store.Close()

	var got token.Token
	store.AddListener(func(tok token.Token) { got = tok })

	tok := token.New("abc", 100000)
	require.NoError(t, store.Put(tok))
	assert.Equal(t, tok, got)
}

func TestStore_RemoveListener(t *testing.T) {
	store := New(Config{})
	defer store.Close()

	calls := 0
	id := store.AddListener(func(token.Token) { calls++ })
	assert.Equal(t, 1, store.Len())

	assert.True(t, store.RemoveListener(id))
	assert.False(t, store.RemoveListener(id))
	assert.Equal(t, 0, store.Len())

	require.NoError(t, store.Put(token.New("abc", 100000)))
	assert.Equal(t, 0, calls)
}

func TestStore_AddListenerDuringNotification(t *testing.T) {
	store := New(Config{})
	defer store.Close()

	lateCalls := 0
	var otherCalls int
	store.AddListener(func(token.Token) {
		store.AddListener(func(token.Token) { lateCalls++ })
	})
	store.AddListener(func(token.Token) { otherCalls++ })

	require.NoError(t, store.Put(token.New("a", 100000)))
	assert.Equal(t, 0, lateCalls, "listener added mid-notification does not see that notification")
	assert.Equal(t, 1, otherCalls)

	require.NoError(t, store.Put(token.New("b", 100000)))
	assert.Equal(t, 1, lateCalls)
	assert.Equal(t, 2, otherCalls)
}

func TestStore_RemoveDuringNotificationDoesNotSkipOthers(t *testing.T) {
	store := New(Config{})
	defer store.Close()

	var order []string
	var secondID ListenerID
	store.AddListener(func(token.Token) {
		order = append(order, "first")
		store.RemoveListener(secondID)
	})
	secondID = store.AddListener(func(token.Token) { order = append(order, "second") })
	store.AddListener(func(token.Token) { order = append(order, "third") })

	require.NoError(t, store.Put(token.New("a", 100000)))
	assert.Equal(t, []string{"first", "second", "third"}, order)

	order = nil
	require.NoError(t, store.Put(token.New("b", 100000)))
	assert.Equal(t, []string{"first", "third"}, order)
}

func TestStore_PanickingListenerIsIsolated(t *testing.T) {
	store := New(Config{})
	defer store.Close()

	called := false
	store.AddListener(func(token.Token) { panic("listener bug") })
	store.AddListener(func(token.Token) { called = true })

	assert.NotPanics(t, func() {
		require.NoError(t, store.Put(token.New("abc", 100000)))
	})
	assert.True(t, called)
}

func TestStore_AsyncPreservesOrder(t *testing.T) {
	store := New(Config{Async: true, QueueSize: 4})

	var mu sync.Mutex
	var got []string
	store.AddListener(func(tok token.Token) {
		mu.Lock()
		got = append(got, tok.Value())
		mu.Unlock()
	})

	var want []string
	for i := 0; i < 50; i++ {
		v := string(rune('A' + i%26))
		want = append(want, v)
		require.NoError(t, store.Put(token.New(v, int64(100000+i))))
	}

	// Close drains the queue.
	store.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, got)
}

func TestStore_PutAfterClose(t *testing.T) {
	store := New(Config{})
	store.Close()

	err := store.Put(token.New("abc", 100000))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestStore_CloseIdempotent(t *testing.T) {
	store := New(Config{Async: true})

	store.Close()
	store.Close()
	store.Close()
}

func TestStore_RestoreDoesNotNotify(t *testing.T) {
	store := New(Config{})
	defer store.Close()

	calls := 0
	store.AddListener(func(token.Token) { calls++ })

	store.Restore(token.Restore("abc", 40000))
	got, ok := store.Get()
	assert.True(t, ok)
	assert.Equal(t, int64(40000), got.ExpireTimeMillis())
	assert.Equal(t, 0, calls)

	store.Clear()
	_, ok = store.Get()
	assert.False(t, ok)
}

func TestStore_LastError(t *testing.T) {
	store := New(Config{})
	defer store.Close()

	assert.NoError(t, store.LastError())

	boom := errors.New("boom")
	store.SetLastError(boom)
	assert.Equal(t, boom, store.LastError())

	require.NoError(t, store.Put(token.New("abc", 100000)))
	assert.NoError(t, store.LastError())
}

func TestStore_ConcurrentAccess(t *testing.T) {
	store := New(Config{})
	defer store.Close()

	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := store.AddListener(func(token.Token) {})
			mu.Lock()
			_ = store.Put(token.New("abc", int64(100000+i)))
			mu.Unlock()
			store.Get()
			store.RemoveListener(id)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, store.Len())
}
