// Package exchange provides attestation providers that trade device
// evidence for App Check tokens through the Firebase App Check exchange
// API.
//
// Each factory validates the app, builds one Client per app and returns a
// provider that performs a fresh exchange on every call:
//
//	factory := &exchange.DebugFactory{Secret: os.Getenv("APP_CHECK_DEBUG_TOKEN")}
//	if err := appcheck.SetProviderFactory(factory); err != nil {
//		log.Fatal(err)
//	}
//
// See: https://firebase.google.com/docs/reference/appcheck/rest
package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"google.golang.org/api/firebaseappcheck/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/kacy/app-check/internal/logger"
	"github.com/kacy/app-check/provider"
	"github.com/kacy/app-check/token"
)

// Common errors.
var (
	ErrMissingProjectNumber = errors.New("app has no project number")
	ErrMissingAppID         = errors.New("app has no app id")
	ErrMalformedAttestation = errors.New("malformed attestation object")
	ErrMissingSource        = errors.New("device token source is required")
)

// Config holds the client settings shared by every factory.
type Config struct {
	// Endpoint overrides the API base URL, e.g. for an emulator.
	Endpoint string

	// Options are passed to the API client after the API key and endpoint.
	Options []option.ClientOption

	// Logger receives exchange events (default: no-op).
	Logger *logger.Logger

	// Clock stamps exchange responses (default: real clock).
	Clock clockwork.Clock
}

// Client calls the exchange API on behalf of one app.
type Client struct {
	service  *firebaseappcheck.Service
	resource string
	app      string
	clock    clockwork.Clock
	logger   *logger.Logger
}

// NewClient creates a client for app. The app must carry a project number
// and an app id; otherwise the app is rejected with UnsupportedProvider.
func NewClient(ctx context.Context, app provider.App, cfg Config) (*Client, error) {
	if err := validateApp(app); err != nil {
		return nil, err
	}

	var opts []option.ClientOption
	if app.APIKey != "" {
		opts = append(opts, option.WithAPIKey(app.APIKey))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	opts = append(opts, cfg.Options...)

	service, err := firebaseappcheck.NewService(ctx, opts...)
	if err != nil {
		return nil, token.NewError(token.KindInvalidConfiguration, "create client",
			fmt.Errorf("failed to create App Check service: %w", err))
	}

	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}

	return &Client{
		service:  service,
		resource: app.ResourceName(),
		app:      app.Key(),
		clock:    clock,
		logger:   log.With("app", app.Key()),
	}, nil
}

func validateApp(app provider.App) error {
	if app.ProjectNumber == "" {
		return token.NewError(token.KindUnsupportedProvider, "create provider", ErrMissingProjectNumber)
	}
	if app.AppID == "" {
		return token.NewError(token.KindUnsupportedProvider, "create provider", ErrMissingAppID)
	}
	return nil
}

// toToken converts an exchange response issued at issuedAt. The expiry is
// issuedAt+ttl; responses without a usable ttl fall back to the token's exp
// claim.
func toToken(resp *firebaseappcheck.GoogleFirebaseAppcheckV1AppCheckToken, issuedAt time.Time) (token.Token, error) {
	if resp == nil || resp.Token == "" {
		return token.Token{}, token.NewError(token.KindUnknown, "exchange", token.ErrEmptyToken)
	}

	ttl, err := time.ParseDuration(resp.Ttl)
	if err == nil && ttl > 0 {
		return token.NewWithTTL(resp.Token, issuedAt, ttl), nil
	}

	tok, jwtErr := token.FromJWT(resp.Token)
	if jwtErr != nil {
		return token.Token{}, token.NewError(token.KindUnknown, "exchange",
			fmt.Errorf("invalid ttl %q: %w", resp.Ttl, jwtErr))
	}
	return tok, nil
}

// classify maps an API call error to a token error kind.
func classify(op string, err error) error {
	var te *token.Error
	if errors.As(err, &te) {
		return err
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code >= http.StatusInternalServerError, apiErr.Code == http.StatusTooManyRequests:
			return token.NewError(token.KindServerUnreachable, op, err)
		case apiErr.Code == http.StatusBadRequest,
			apiErr.Code == http.StatusUnauthorized,
			apiErr.Code == http.StatusForbidden,
			apiErr.Code == http.StatusNotFound:
			return token.NewError(token.KindInvalidConfiguration, op, err)
		default:
			return token.NewError(token.KindUnknown, op, err)
		}
	}

	return token.Wrap(op, err)
}

// finish converts a call result into a token and logs it.
func (c *Client) finish(op string, resp *firebaseappcheck.GoogleFirebaseAppcheckV1AppCheckToken, issuedAt time.Time, err error) (token.Token, error) {
	if err != nil {
		err = classify(op, err)
		c.logger.Debug("exchange call failed", "op", op, "error", err)
		return token.Token{}, err
	}

	tok, err := toToken(resp, issuedAt)
	if err != nil {
		return token.Token{}, err
	}

	c.logger.Debug("exchange call succeeded", "op", op, "expires_at", tok.ExpireTime())
	return tok, nil
}
