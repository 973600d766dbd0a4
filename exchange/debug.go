package exchange

import (
	"context"
	"os"

	"github.com/google/uuid"
	"google.golang.org/api/firebaseappcheck/v1"

	"github.com/kacy/app-check/provider"
	"github.com/kacy/app-check/token"
)

// DebugTokenEnv is the environment variable read for the debug secret.
const DebugTokenEnv = "APP_CHECK_DEBUG_TOKEN"

// DebugFactory builds providers that exchange a debug secret registered in
// the console. Use it only in development and CI.
type DebugFactory struct {
	// Secret is the registered debug token. If empty, DebugTokenEnv is read;
	// if that is empty too, a random secret is generated and logged so it
	// can be registered.
	Secret string

	Config Config
}

// CreateProvider implements provider.Factory.
func (f *DebugFactory) CreateProvider(app provider.App) (provider.Provider, error) {
	client, err := NewClient(context.Background(), app, f.Config)
	if err != nil {
		return nil, err
	}

	secret := f.Secret
	if secret == "" {
		secret = os.Getenv(DebugTokenEnv)
	}
	if secret == "" {
		secret = uuid.NewString()
		client.logger.Info("generated debug secret, register it in the console to allow it", "debug_token", secret)
	}

	return &debugProvider{client: client, secret: secret}, nil
}

type debugProvider struct {
	client *Client
	secret string
}

func (p *debugProvider) GetToken(ctx context.Context) (token.Token, error) {
	req := &firebaseappcheck.GoogleFirebaseAppcheckV1ExchangeDebugTokenRequest{
		DebugToken: p.secret,
	}

	issuedAt := p.client.clock.Now()
	resp, err := p.client.service.Projects.Apps.ExchangeDebugToken(p.client.resource, req).Context(ctx).Do()
	return p.client.finish("exchange debug token", resp, issuedAt, err)
}
