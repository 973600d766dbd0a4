package exchange

import (
	"context"

	"google.golang.org/api/firebaseappcheck/v1"

	"github.com/kacy/app-check/provider"
	"github.com/kacy/app-check/token"
)

// IntegrityTokenSource requests a Play Integrity token from the device for
// the given challenge.
type IntegrityTokenSource interface {
	IntegrityToken(ctx context.Context, challenge string) (string, error)
}

// IntegrityTokenFunc adapts a function to IntegrityTokenSource.
type IntegrityTokenFunc func(ctx context.Context, challenge string) (string, error)

// IntegrityToken calls f(ctx, challenge).
func (f IntegrityTokenFunc) IntegrityToken(ctx context.Context, challenge string) (string, error) {
	return f(ctx, challenge)
}

// PlayIntegrityFactory builds providers for Android apps backed by the
// Play Integrity API.
type PlayIntegrityFactory struct {
	// Source obtains integrity tokens from the device (required).
	Source IntegrityTokenSource

	Config Config
}

// CreateProvider implements provider.Factory.
func (f *PlayIntegrityFactory) CreateProvider(app provider.App) (provider.Provider, error) {
	if f.Source == nil {
		return nil, token.NewError(token.KindInvalidConfiguration, "create provider", ErrMissingSource)
	}

	client, err := NewClient(context.Background(), app, f.Config)
	if err != nil {
		return nil, err
	}

	return &playIntegrityProvider{client: client, source: f.Source}, nil
}

type playIntegrityProvider struct {
	client *Client
	source IntegrityTokenSource
}

func (p *playIntegrityProvider) GetToken(ctx context.Context) (token.Token, error) {
	apps := p.client.service.Projects.Apps

	challenge, err := apps.GeneratePlayIntegrityChallenge(p.client.resource,
		&firebaseappcheck.GoogleFirebaseAppcheckV1GeneratePlayIntegrityChallengeRequest{}).Context(ctx).Do()
	if err != nil {
		return token.Token{}, classify("generate play integrity challenge", err)
	}

	integrityToken, err := p.source.IntegrityToken(ctx, challenge.Challenge)
	if err != nil {
		return token.Token{}, token.Wrap("request integrity token", err)
	}

	req := &firebaseappcheck.GoogleFirebaseAppcheckV1ExchangePlayIntegrityTokenRequest{
		PlayIntegrityToken: integrityToken,
	}

	issuedAt := p.client.clock.Now()
	resp, err := apps.ExchangePlayIntegrityToken(p.client.resource, req).Context(ctx).Do()
	return p.client.finish("exchange play integrity token", resp, issuedAt, err)
}
