package exchange

import (
	"context"

	"google.golang.org/api/firebaseappcheck/v1"

	"github.com/kacy/app-check/provider"
	"github.com/kacy/app-check/token"
)

// DeviceTokenSource returns a base64-encoded DeviceCheck token generated on
// the device.
type DeviceTokenSource interface {
	DeviceToken(ctx context.Context) (string, error)
}

// DeviceTokenFunc adapts a function to DeviceTokenSource.
type DeviceTokenFunc func(ctx context.Context) (string, error)

// DeviceToken calls f(ctx).
func (f DeviceTokenFunc) DeviceToken(ctx context.Context) (string, error) {
	return f(ctx)
}

// DeviceCheckFactory builds providers for Apple apps backed by DeviceCheck.
type DeviceCheckFactory struct {
	// Source obtains device tokens (required).
	Source DeviceTokenSource

	Config Config
}

// CreateProvider implements provider.Factory.
func (f *DeviceCheckFactory) CreateProvider(app provider.App) (provider.Provider, error) {
	if f.Source == nil {
		return nil, token.NewError(token.KindInvalidConfiguration, "create provider", ErrMissingSource)
	}

	client, err := NewClient(context.Background(), app, f.Config)
	if err != nil {
		return nil, err
	}

	return &deviceCheckProvider{client: client, source: f.Source}, nil
}

type deviceCheckProvider struct {
	client *Client
	source DeviceTokenSource
}

func (p *deviceCheckProvider) GetToken(ctx context.Context) (token.Token, error) {
	deviceToken, err := p.source.DeviceToken(ctx)
	if err != nil {
		return token.Token{}, token.Wrap("request device token", err)
	}

	req := &firebaseappcheck.GoogleFirebaseAppcheckV1ExchangeDeviceCheckTokenRequest{
		DeviceToken: deviceToken,
	}

	issuedAt := p.client.clock.Now()
	resp, err := p.client.service.Projects.Apps.ExchangeDeviceCheckToken(p.client.resource, req).Context(ctx).Do()
	return p.client.finish("exchange device check token", resp, issuedAt, err)
}
