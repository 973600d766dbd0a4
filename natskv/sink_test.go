package natskv

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/nats-io/nkeys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kacy/app-check/internal/logger"
	"github.com/kacy/app-check/token"
)

var _ KV = (jetstream.KeyValue)(nil)

// fakeKV records puts.
type fakeKV struct {
	mu   sync.Mutex
	data map[string][]byte
	rev  uint64
	err  error
}

func newFakeKV() *fakeKV {
	return &fakeKV{data: make(map[string][]byte)}
}

func (f *fakeKV) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.rev++
	f.data[key] = value
	return f.rev, nil
}

func TestSink_Key(t *testing.T) {
	s := NewSink(newFakeKV(), "appcheck.", nil)

	tests := []struct {
		app  string
		want string
	}{
		{app: "[DEFAULT]", want: "appcheck._DEFAULT_"},
		{app: "secondary", want: "appcheck.secondary"},
		{app: "my app:1", want: "appcheck.my_app_1"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, s.Key(tt.app))
	}
}

func TestSink_Listener(t *testing.T) {
	kv := newFakeKV()
	s := NewSink(kv, "appcheck.", nil)

	listener := s.Listener("[DEFAULT]")
	listener(token.New("abc", 100000))

	raw, ok := kv.data["appcheck._DEFAULT_"]
	require.True(t, ok)

	var got Payload
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, Payload{App: "[DEFAULT]", Token: "abc", ExpireTimeMillis: 40000}, got)
}

func TestSink_PublishError(t *testing.T) {
	kv := newFakeKV()
	kv.err = errors.New("no responders")
	s := NewSink(kv, "", nil)

	err := s.Publish(context.Background(), "app", token.New("abc", 100000))
	assert.ErrorContains(t, err, "no responders")

	// The listener logs instead of failing.
	assert.NotPanics(t, func() { s.Listener("app")(token.New("abc", 100000)) })
}

func TestSink_CloseWithoutConnection(t *testing.T) {
	s := NewSink(newFakeKV(), "", nil)
	assert.NoError(t, s.Close())
}

func TestConnect_Validation(t *testing.T) {
	_, err := Connect(Config{Bucket: "tokens"}, nil)
	assert.Error(t, err)

	_, err = Connect(Config{URLs: []string{"nats://localhost:4222"}}, nil)
	assert.Error(t, err)
}

func TestBuildOptions_NKeySeed(t *testing.T) {
	kp, err := nkeys.CreateUser()
	require.NoError(t, err)
	seed, err := kp.Seed()
	require.NoError(t, err)
	pub, err := kp.PublicKey()
	require.NoError(t, err)

	seedFile := filepath.Join(t.TempDir(), "user.nk")
	require.NoError(t, os.WriteFile(seedFile, seed, 0o600))

	opts, err := buildOptions(Config{NKey: seedFile}, logger.Nop())
	require.NoError(t, err)

	applied := nats.GetDefaultOptions()
	for _, opt := range opts {
		require.NoError(t, opt(&applied))
	}
	assert.Equal(t, pub, applied.Nkey)
	require.NotNil(t, applied.SignatureCB)

	nonce := []byte("server-nonce")
	sig, err := applied.SignatureCB(nonce)
	require.NoError(t, err)
	assert.NoError(t, kp.Verify(nonce, sig))
}

func TestBuildOptions_NKeySeedMissing(t *testing.T) {
	_, err := buildOptions(Config{NKey: filepath.Join(t.TempDir(), "missing.nk")}, logger.Nop())
	assert.ErrorContains(t, err, "nkey seed")
}
