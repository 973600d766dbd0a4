// Package customhttp provides an attestation provider for a self-hosted
// token backend reached over HTTP.
//
// The backend receives a request built from a body template and answers
// with JSON carrying the token and its expiry in milliseconds since the
// epoch. Both are located with dotted paths such as "data.token".
package customhttp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/kacy/app-check/provider"
	"github.com/kacy/app-check/token"
)

// Common errors.
var (
	ErrMissingURL   = errors.New("backend url is required")
	ErrPathNotFound = errors.New("json path not found")
	ErrEmptyToken   = errors.New("extracted token is empty")
)

var placeholderPattern = regexp.MustCompile(`\$\{([A-Z0-9_]+)\}`)

// Config holds configuration for the custom backend.
type Config struct {
	// URL is the backend endpoint (required).
	URL string

	// Method is the HTTP method (default: POST).
	Method string

	// Headers are set on every request.
	Headers map[string]string

	// BodyTemplate is the request body. ${APP_NAME}, ${APP_ID} and
	// ${PROJECT_NUMBER} expand to the app; other ${VAR} placeholders
	// expand to environment variables.
	BodyTemplate string

	// TokenPath locates the token in the response (default: "token").
	TokenPath string

	// ExpiryPath locates the expiry in ms (default: "expireTimeMillis").
	// When absent from the response, the token's exp claim is used.
	ExpiryPath string

	// Timeout bounds each request (default: 30s). Ignored if HTTPClient
	// is set.
	Timeout time.Duration

	// HTTPClient overrides the HTTP client.
	HTTPClient *http.Client
}

// Factory builds a Provider per app from one Config.
type Factory struct {
	Config Config
}

// CreateProvider implements provider.Factory.
func (f *Factory) CreateProvider(app provider.App) (provider.Provider, error) {
	return NewProvider(app, f.Config)
}

// Provider exchanges with the custom backend.
type Provider struct {
	app        provider.App
	url        string
	method     string
	headers    map[string]string
	body       string
	tokenPath  string
	expiryPath string
	httpClient *http.Client
}

// NewProvider creates a provider for app.
func NewProvider(app provider.App, cfg Config) (*Provider, error) {
	if cfg.URL == "" {
		return nil, token.NewError(token.KindInvalidConfiguration, "create provider", ErrMissingURL)
	}

	method := cfg.Method
	if method == "" {
		method = http.MethodPost
	}
	tokenPath := cfg.TokenPath
	if tokenPath == "" {
		tokenPath = "token"
	}
	expiryPath := cfg.ExpiryPath
	if expiryPath == "" {
		expiryPath = "expireTimeMillis"
	}

	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}

	return &Provider{
		app:        app,
		url:        cfg.URL,
		method:     method,
		headers:    cfg.Headers,
		body:       cfg.BodyTemplate,
		tokenPath:  tokenPath,
		expiryPath: expiryPath,
		httpClient: client,
	}, nil
}

// GetToken performs one exchange with the backend.
func (p *Provider) GetToken(ctx context.Context) (token.Token, error) {
	body := p.expand(p.body)

	req, err := http.NewRequestWithContext(ctx, p.method, p.url, bytes.NewBufferString(body))
	if err != nil {
		return token.Token{}, token.NewError(token.KindInvalidConfiguration, "build request", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range p.headers {
		req.Header.Set(key, value)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return token.Token{}, token.NewError(token.KindServerUnreachable, "exchange",
			fmt.Errorf("http request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("backend returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(bodyBytes)))
		kind := token.KindInvalidConfiguration
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			kind = token.KindServerUnreachable
		}
		return token.Token{}, token.NewError(kind, "exchange", err)
	}

	var result any
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&result); err != nil {
		return token.Token{}, token.NewError(token.KindUnknown, "decode response",
			fmt.Errorf("failed to parse JSON response: %w", err))
	}

	return p.parse(result)
}

func (p *Provider) parse(result any) (token.Token, error) {
	raw, err := extractPath(result, p.tokenPath)
	if err != nil {
		return token.Token{}, token.NewError(token.KindUnknown, "decode response",
			fmt.Errorf("token at path %q: %w", p.tokenPath, err))
	}
	value, ok := raw.(string)
	if !ok {
		return token.Token{}, token.NewError(token.KindUnknown, "decode response",
			fmt.Errorf("token at path %q is %T, not a string", p.tokenPath, raw))
	}
	if value == "" {
		return token.Token{}, token.NewError(token.KindUnknown, "decode response", ErrEmptyToken)
	}

	rawExpiry, err := extractPath(result, p.expiryPath)
	if errors.Is(err, ErrPathNotFound) {
		tok, jwtErr := token.FromJWT(value)
		if jwtErr != nil {
			return token.Token{}, token.NewError(token.KindUnknown, "decode response",
				fmt.Errorf("no expiry at path %q: %w", p.expiryPath, jwtErr))
		}
		return tok, nil
	}
	if err != nil {
		return token.Token{}, token.NewError(token.KindUnknown, "decode response", err)
	}

	expireMillis, err := toMillis(rawExpiry)
	if err != nil {
		return token.Token{}, token.NewError(token.KindUnknown, "decode response",
			fmt.Errorf("expiry at path %q: %w", p.expiryPath, err))
	}

	return token.New(value, expireMillis), nil
}

// expand replaces ${VAR} placeholders with app fields or environment values.
func (p *Provider) expand(template string) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := match[2 : len(match)-1]
		switch name {
		case "APP_NAME":
			return p.app.Key()
		case "APP_ID":
			return p.app.AppID
		case "PROJECT_NUMBER":
			return p.app.ProjectNumber
		default:
			return os.Getenv(name)
		}
	})
}

// extractPath walks data along a dotted path like "data.token".
func extractPath(data any, path string) (any, error) {
	if path == "" {
		return nil, errors.New("empty path")
	}

	current := data
	for i, part := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("cannot traverse into %T at path segment %d", current, i)
		}
		val, exists := obj[part]
		if !exists {
			return nil, fmt.Errorf("%w: key %q at path segment %d", ErrPathNotFound, part, i)
		}
		current = val
	}

	return current, nil
}

func toMillis(v any) (int64, error) {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		f, err := n.Float64()
		if err != nil {
			return 0, err
		}
		return int64(f), nil
	case float64:
		return int64(n), nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}
