// Package provider defines the attestation provider contracts and the
// registry that holds the installed factory and per-app providers.
package provider

import (
	"context"
	"fmt"

	"github.com/kacy/app-check/token"
)

// DefaultAppName is the name of the default application.
const DefaultAppName = "[DEFAULT]"

// App identifies a logical application.
type App struct {
	// Name is the logical application name. Empty means DefaultAppName.
	Name string

	// ProjectNumber is the numeric cloud project the app belongs to.
	ProjectNumber string

	// AppID is the registered application id, e.g. "1:123:android:abc".
	AppID string

	// APIKey authenticates calls to the exchange endpoints.
	APIKey string
}

// Key returns the registry key of the app.
func (a App) Key() string {
	if a.Name == "" {
		return DefaultAppName
	}
	return a.Name
}

// ResourceName returns "projects/{ProjectNumber}/apps/{AppID}".
func (a App) ResourceName() string {
	return fmt.Sprintf("projects/%s/apps/%s", a.ProjectNumber, a.AppID)
}

// Provider produces fresh tokens for one app. Every call performs a new
// exchange; caching is the caller's job.
type Provider interface {
	GetToken(ctx context.Context) (token.Token, error)
}

// Factory builds a provider for an app. It may reject the app with an error.
type Factory interface {
	CreateProvider(app App) (Provider, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context) (token.Token, error)

// GetToken calls f(ctx).
func (f ProviderFunc) GetToken(ctx context.Context) (token.Token, error) {
	return f(ctx)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(app App) (Provider, error)

// CreateProvider calls f(app).
func (f FactoryFunc) CreateProvider(app App) (Provider, error) {
	return f(app)
}
