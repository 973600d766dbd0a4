// Package appcheck obtains, caches and refreshes App Check tokens on behalf
// of client applications.
//
// A token proves to a backend that requests come from a genuine instance of
// the application. Tokens are minted by an attestation provider built by
// the installed provider factory; this package decides when providers are
// called, caches their tokens and tells listeners about new ones.
//
// # Basic Usage
//
//	if err := appcheck.SetProviderFactory(&exchange.DebugFactory{}); err != nil {
//	    log.Fatal(err)
//	}
//
//	ac, err := appcheck.GetInstance(provider.App{
//	    ProjectNumber: "123456789",
//	    AppID:         "1:123456789:web:abc123",
//	    APIKey:        apiKey,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	tok, err := ac.GetToken(ctx, false)
//
// The factory must be installed before the first token request; installing
// one afterwards fails with an InvalidConfiguration error.
//
// # Subpackages
//
// The library is organized into the following subpackages:
//
//   - token: the token value, skew handling and error kinds
//   - tokenstore: per-app token holder and listener fan-out
//   - provider: provider and factory contracts, provider registry
//   - scheduler: coalesced exchanges and background refresh
//   - exchange: debug, Play Integrity, DeviceCheck and App Attest providers
//   - customhttp: provider for a self-hosted token backend
//   - redis: Redis token persister and App Attest key store
//   - natskv: publishes tokens to a NATS JetStream KV bucket
//   - config: file and environment configuration for binaries
package appcheck
