package exchange

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"google.golang.org/api/firebaseappcheck/v1"

	"github.com/kacy/app-check/provider"
	"github.com/kacy/app-check/token"
)

// Attester drives App Attest on the device.
type Attester interface {
	// GenerateKey creates a new hardware key and returns its id.
	GenerateKey(ctx context.Context) (string, error)

	// AttestKey returns the CBOR attestation object for keyID over
	// clientDataHash.
	AttestKey(ctx context.Context, keyID string, clientDataHash []byte) ([]byte, error)

	// GenerateAssertion signs clientDataHash with keyID.
	GenerateAssertion(ctx context.Context, keyID string, clientDataHash []byte) ([]byte, error)
}

// AppAttestFactory builds providers for Apple apps backed by App Attest.
// The first exchange attests a new key; later exchanges assert with it.
type AppAttestFactory struct {
	// Attester talks to the device (required).
	Attester Attester

	// KeyStore keeps the attested key and artifact per app
	// (default: in-memory).
	KeyStore KeyStore

	Config Config
}

// CreateProvider implements provider.Factory.
func (f *AppAttestFactory) CreateProvider(app provider.App) (provider.Provider, error) {
	if f.Attester == nil {
		return nil, token.NewError(token.KindInvalidConfiguration, "create provider", ErrMissingSource)
	}

	client, err := NewClient(context.Background(), app, f.Config)
	if err != nil {
		return nil, err
	}

	keys := f.KeyStore
	if keys == nil {
		keys = NewMemoryKeyStore()
	}

	return &appAttestProvider{client: client, attester: f.Attester, keys: keys}, nil
}

type appAttestProvider struct {
	client   *Client
	attester Attester
	keys     KeyStore
}

func (p *appAttestProvider) GetToken(ctx context.Context) (token.Token, error) {
	challenge, err := p.client.service.Projects.Apps.GenerateAppAttestChallenge(p.client.resource,
		&firebaseappcheck.GoogleFirebaseAppcheckV1GenerateAppAttestChallengeRequest{}).Context(ctx).Do()
	if err != nil {
		return token.Token{}, classify("generate app attest challenge", err)
	}

	raw, err := decodeBase64(challenge.Challenge)
	if err != nil {
		return token.Token{}, token.NewError(token.KindUnknown, "decode challenge", err)
	}
	clientDataHash := sha256.Sum256(raw)

	key, err := p.keys.Load(ctx, p.client.app)
	switch {
	case errors.Is(err, ErrKeyNotFound):
		return p.attest(ctx, challenge.Challenge, clientDataHash[:])
	case err != nil:
		return token.Token{}, token.NewError(token.KindSystemKeychain, "load attested key", err)
	}

	return p.assert(ctx, key, challenge.Challenge, clientDataHash[:])
}

func (p *appAttestProvider) attest(ctx context.Context, challenge string, clientDataHash []byte) (token.Token, error) {
	keyID, err := p.attester.GenerateKey(ctx)
	if err != nil {
		return token.Token{}, token.Wrap("generate key", err)
	}

	attestation, err := p.attester.AttestKey(ctx, keyID, clientDataHash)
	if err != nil {
		return token.Token{}, token.Wrap("attest key", err)
	}
	if err := checkAttestation(attestation); err != nil {
		return token.Token{}, token.NewError(token.KindUnknown, "attest key", err)
	}

	req := &firebaseappcheck.GoogleFirebaseAppcheckV1ExchangeAppAttestAttestationRequest{
		AttestationStatement: base64.StdEncoding.EncodeToString(attestation),
		Challenge:            challenge,
		KeyId:                keyID,
	}

	issuedAt := p.client.clock.Now()
	resp, err := p.client.service.Projects.Apps.ExchangeAppAttestAttestation(p.client.resource, req).Context(ctx).Do()
	if err != nil {
		return p.client.finish("exchange app attest attestation", nil, issuedAt, err)
	}

	tok, err := p.client.finish("exchange app attest attestation", resp.AppCheckToken, issuedAt, nil)
	if err != nil {
		return token.Token{}, err
	}

	if err := p.keys.Store(ctx, p.client.app, &AttestedKey{KeyID: keyID, Artifact: resp.Artifact}); err != nil {
		return token.Token{}, token.NewError(token.KindSystemKeychain, "store attested key", err)
	}

	p.client.logger.Info("app attest key attested", "key_id", keyID)
	return tok, nil
}

func (p *appAttestProvider) assert(ctx context.Context, key *AttestedKey, challenge string, clientDataHash []byte) (token.Token, error) {
	assertion, err := p.attester.GenerateAssertion(ctx, key.KeyID, clientDataHash)
	if err != nil {
		return token.Token{}, token.Wrap("generate assertion", err)
	}

	req := &firebaseappcheck.GoogleFirebaseAppcheckV1ExchangeAppAttestAssertionRequest{
		Artifact:  key.Artifact,
		Assertion: base64.StdEncoding.EncodeToString(assertion),
		Challenge: challenge,
	}

	issuedAt := p.client.clock.Now()
	resp, err := p.client.service.Projects.Apps.ExchangeAppAttestAssertion(p.client.resource, req).Context(ctx).Do()
	tok, err := p.client.finish("exchange app attest assertion", resp, issuedAt, err)
	if errors.Is(err, token.ErrInvalidConfiguration) {
		// The artifact was rejected; attest a new key next time.
		if delErr := p.keys.Delete(ctx, p.client.app); delErr != nil && !errors.Is(delErr, ErrKeyNotFound) {
			p.client.logger.Warn("failed to drop rejected attested key", "key_id", key.KeyID, "error", delErr)
		}
	}
	return tok, err
}

// attestationObject is the CBOR envelope produced by App Attest.
type attestationObject struct {
	Format       string          `cbor:"fmt"`
	AttStatement cbor.RawMessage `cbor:"attStmt"`
	AuthData     []byte          `cbor:"authData"`
}

// checkAttestation verifies that data is an App Attest attestation object.
func checkAttestation(data []byte) error {
	var obj attestationObject
	if err := cbor.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedAttestation, err)
	}

	if obj.Format != "apple-appattest" {
		return fmt.Errorf("%w: unexpected format %q", ErrMalformedAttestation, obj.Format)
	}

	// rpIdHash (32) + flags (1) + counter (4)
	if len(obj.AuthData) < 37 {
		return fmt.Errorf("%w: authenticator data too short", ErrMalformedAttestation)
	}

	return nil
}

func decodeBase64(s string) ([]byte, error) {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.URLEncoding.DecodeString(s)
}
