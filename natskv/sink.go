// Package natskv publishes App Check tokens to a NATS JetStream key-value
// bucket so sibling processes can read the current token without running
// their own exchanges.
//
// Register the sink's listener on an app handle:
//
//	sink, err := natskv.Connect(cfg, log)
//	...
//	handle.AddTokenListener(sink.Listener(handle.App().Key()))
package natskv

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/kacy/app-check/internal/logger"
	"github.com/kacy/app-check/token"
	"github.com/kacy/app-check/tokenstore"
)

const (
	// kvOperationTimeout is the maximum time for KV store operations.
	kvOperationTimeout = 10 * time.Second

	// reconnectWait is the delay between reconnection attempts.
	reconnectWait = 50 * time.Millisecond
)

var invalidKeyChars = regexp.MustCompile(`[^-/_=.a-zA-Z0-9]`)

// Config holds connection and bucket settings.
type Config struct {
	URLs      []string
	Bucket    string
	KeyPrefix string

	// Authentication (choose one method)
	CredsFile string
	NKey      string // path to an nkey seed file
	Token     string
	Username  string
	Password  string

	TLS TLSConfig
}

// TLSConfig holds TLS settings for the NATS connection.
type TLSConfig struct {
	Enable   bool
	Insecure bool
	CertFile string
	KeyFile  string
	CAFile   string
}

// KV is the subset of jetstream.KeyValue used by the sink.
type KV interface {
	Put(ctx context.Context, key string, value []byte) (uint64, error)
}

// Payload is the JSON value written for each token.
type Payload struct {
	App              string `json:"app"`
	Token            string `json:"token"`
	ExpireTimeMillis int64  `json:"expireTimeMillis"`
}

// Sink writes tokens to a KV bucket.
type Sink struct {
	conn      *nats.Conn
	kv        KV
	keyPrefix string
	logger    *logger.Logger
}

// NewSink creates a sink writing to kv. The connection, if any, is owned by
// the caller.
func NewSink(kv KV, keyPrefix string, log *logger.Logger) *Sink {
	if log == nil {
		log = logger.Nop()
	}
	return &Sink{kv: kv, keyPrefix: keyPrefix, logger: log}
}

// Connect dials NATS and opens the configured bucket, which must exist.
func Connect(cfg Config, log *logger.Logger) (*Sink, error) {
	if log == nil {
		log = logger.Nop()
	}
	if len(cfg.URLs) == 0 {
		return nil, errors.New("at least one NATS url is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("KV bucket is required")
	}

	log.Info("connecting to NATS", "urls", cfg.URLs)

	opts, err := buildOptions(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to build NATS options: %w", err)
	}

	nc, err := nats.Connect(strings.Join(cfg.URLs, ","), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), kvOperationTimeout)
	defer cancel()

	kv, err := js.KeyValue(ctx, cfg.Bucket)
	if err != nil {
		nc.Close()
		if errors.Is(err, jetstream.ErrBucketNotFound) {
			return nil, fmt.Errorf("KV bucket '%s' not found. Create it with: nats kv add %s",
				cfg.Bucket, cfg.Bucket)
		}
		return nil, fmt.Errorf("failed to open KV bucket '%s': %w", cfg.Bucket, err)
	}

	log.Info("KV bucket opened", "bucket", cfg.Bucket, "connectedURL", nc.ConnectedUrl())

	s := NewSink(kv, cfg.KeyPrefix, log)
	s.conn = nc
	return s, nil
}

// Key returns the bucket key used for app. Characters NATS does not allow
// in keys are replaced with '_'.
func (s *Sink) Key(app string) string {
	return s.keyPrefix + invalidKeyChars.ReplaceAllString(app, "_")
}

// Publish writes tok for app.
func (s *Sink) Publish(ctx context.Context, app string, tok token.Token) error {
	data, err := json.Marshal(Payload{
		App:              app,
		Token:            tok.Value(),
		ExpireTimeMillis: tok.ExpireTimeMillis(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode token: %w", err)
	}

	key := s.Key(app)
	if _, err := s.kv.Put(ctx, key, data); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}

	s.logger.Debug("token stored in KV", "key", key)
	return nil
}

// Listener returns a token listener that publishes every token of app.
// Failures are logged.
func (s *Sink) Listener(app string) tokenstore.Listener {
	return func(tok token.Token) {
		ctx, cancel := context.WithTimeout(context.Background(), kvOperationTimeout)
		defer cancel()

		if err := s.Publish(ctx, app, tok); err != nil {
			s.logger.Error("failed to publish token", "app", app, "error", err)
		}
	}
}

// Close drains the NATS connection opened by Connect.
func (s *Sink) Close() error {
	if s.conn == nil {
		return nil
	}

	s.logger.Info("closing NATS connection")
	if err := s.conn.Drain(); err != nil {
		return fmt.Errorf("failed to drain connection: %w", err)
	}
	return nil
}

// buildOptions creates NATS connection options with auth and TLS.
func buildOptions(cfg Config, log *logger.Logger) ([]nats.Option, error) {
	opts := []nats.Option{
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(reconnectWait),
	}

	switch {
	case cfg.CredsFile != "":
		opts = append(opts, nats.UserCredentials(cfg.CredsFile))
	case cfg.NKey != "":
		opt, err := nats.NkeyOptionFromSeed(cfg.NKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load nkey seed: %w", err)
		}
		opts = append(opts, opt)
	case cfg.Token != "":
		opts = append(opts, nats.Token(cfg.Token))
	case cfg.Username != "":
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}

	if cfg.TLS.Enable {
		tlsConfig := &tls.Config{
			InsecureSkipVerify: cfg.TLS.Insecure,
		}

		if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
			cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
			if err != nil {
				return nil, fmt.Errorf("failed to load TLS cert/key: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}

		if cfg.TLS.CAFile != "" {
			opts = append(opts, nats.RootCAs(cfg.TLS.CAFile))
		}

		opts = append(opts, nats.Secure(tlsConfig))
	}

	return opts, nil
}
