// Package rest implements the control-plane HTTP client: account and device
// queries, device key rotation and the relay list.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rennerdo30/tunnelctl/internal/logging"
	"github.com/rennerdo30/tunnelctl/internal/relay"
	"github.com/rennerdo30/tunnelctl/internal/version"
	"github.com/rennerdo30/tunnelctl/internal/wgkey"
)

const (
	// DefaultBaseURL is the production control-plane endpoint.
	DefaultBaseURL = "https://api.mullvad.net"

	defaultTimeout     = 30 * time.Second
	tokenRefreshMargin = time.Minute
	maxResponseSize    = 4 << 20
)

// Client talks to the control plane.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	customClient bool
	timeout      time.Duration
	addressCache *AddressCache
	userAgent    string
	relayListURL string
	logger       *slog.Logger
	now          func() time.Time

	mu     sync.Mutex
	tokens map[string]accessToken
}

type accessToken struct {
	value  string
	expiry time.Time
}

// ClientOption is a functional option for configuring the Client.
type ClientOption func(*Client)

// WithBaseURL sets the control-plane base URL.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = baseURL
	}
}

// WithHTTPClient sets a custom HTTP client. It takes precedence over
// WithAddressCache and WithTimeout.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
		c.customClient = true
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = timeout
	}
}

// WithAddressCache routes connections to the API host through cache.
func WithAddressCache(cache *AddressCache) ClientOption {
	return func(c *Client) {
		c.addressCache = cache
	}
}

// WithRelayListURL fetches the relay list from url instead of the API
// endpoint.
func WithRelayListURL(listURL string) ClientOption {
	return func(c *Client) {
		c.relayListURL = listURL
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a new control-plane client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{},
		timeout:    defaultTimeout,
		userAgent:  version.UserAgent(),
		logger:     logging.WithComponent("rest"),
		now:        time.Now,
		tokens:     make(map[string]accessToken),
	}

	for _, opt := range opts {
		opt(c)
	}

	if !c.customClient {
		c.httpClient.Timeout = c.timeout
		if c.addressCache != nil {
			tr := http.DefaultTransport.(*http.Transport).Clone()
			tr.DialContext = c.addressCache.DialContext
			c.httpClient.Transport = tr
		}
	}
	return c
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// GetAccountData returns the account data for account.
func (c *Client) GetAccountData(ctx context.Context, account string) (*Account, error) {
	var out Account
	if err := c.authorized(ctx, account, http.MethodGet, "/accounts/v1/accounts/me", nil, &out); err != nil {
		return nil, fmt.Errorf("get account data: %w", err)
	}
	return &out, nil
}

// GetDevice returns the device registered under deviceID.
func (c *Client) GetDevice(ctx context.Context, account, deviceID string) (*Device, error) {
	var out Device
	path := "/accounts/v1/devices/" + url.PathEscape(deviceID)
	if err := c.authorized(ctx, account, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	return &out, nil
}

// RotateDeviceKey replaces the public key of deviceID.
func (c *Client) RotateDeviceKey(ctx context.Context, account, deviceID string, key wgkey.Key) (*Device, error) {
	var out Device
	path := "/accounts/v1/devices/" + url.PathEscape(deviceID) + "/pubkey"
	if err := c.authorized(ctx, account, http.MethodPut, path, pubkeyRequest{PublicKey: key}, &out); err != nil {
		return nil, fmt.Errorf("rotate device key: %w", err)
	}
	c.logger.Info("rotated device key",
		"device", deviceID,
		"public_key", key.String(),
	)
	return &out, nil
}

// CreateDevice registers a new device with key on the account.
func (c *Client) CreateDevice(ctx context.Context, account string, key wgkey.Key) (*Device, error) {
	var out Device
	if err := c.authorized(ctx, account, http.MethodPost, "/accounts/v1/devices", createDeviceRequest{PublicKey: key}, &out); err != nil {
		return nil, fmt.Errorf("create device: %w", err)
	}
	c.logger.Info("created device", "device", out.ID, "name", out.Name, "public_key", key.String())
	return &out, nil
}

// RemoveDevice deletes a device from the account.
func (c *Client) RemoveDevice(ctx context.Context, account, deviceID string) error {
	path := "/accounts/v1/devices/" + url.PathEscape(deviceID)
	if err := c.authorized(ctx, account, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("remove device: %w", err)
	}
	c.logger.Info("removed device", "device", deviceID)
	return nil
}

// FetchRelays returns the current relay list. It implements relay.Fetcher.
func (c *Client) FetchRelays(ctx context.Context) ([]relay.Relay, error) {
	target := c.baseURL + "/app/v1/relays"
	if c.relayListURL != "" {
		target = c.relayListURL
	}
	var out relayListResponse
	if err := c.doURL(ctx, http.MethodGet, target, "", nil, &out); err != nil {
		return nil, fmt.Errorf("fetch relays: %w", err)
	}
	relays := out.toRelays()
	c.logger.Debug("fetched relay list", "count", len(relays))
	return relays, nil
}

// authorized performs a request with a bearer token for account. A rejected
// token is dropped and the request retried once with a fresh one.
func (c *Client) authorized(ctx context.Context, account, method, path string, body, out any) error {
	token, err := c.accessToken(ctx, account)
	if err != nil {
		return err
	}
	err = c.do(ctx, method, path, token, body, out)
	if !HasCode(err, CodeInvalidAccessToken) {
		return err
	}

	c.dropToken(account)
	token, err = c.accessToken(ctx, account)
	if err != nil {
		return err
	}
	return c.do(ctx, method, path, token, body, out)
}

// accessToken returns a cached token for account, fetching a new one when
// none is cached or the cached one is about to expire.
func (c *Client) accessToken(ctx context.Context, account string) (string, error) {
	c.mu.Lock()
	tok, ok := c.tokens[account]
	c.mu.Unlock()
	if ok && c.now().Add(tokenRefreshMargin).Before(tok.expiry) {
		return tok.value, nil
	}

	var resp tokenResponse
	if err := c.do(ctx, http.MethodPost, "/auth/v1/token", "", tokenRequest{AccountNumber: account}, &resp); err != nil {
		return "", fmt.Errorf("authenticate: %w", err)
	}

	c.mu.Lock()
	c.tokens[account] = accessToken{value: resp.AccessToken, expiry: resp.Expiry}
	c.mu.Unlock()

	c.logger.Debug("obtained access token",
		logging.AccountKey, account,
		"expiry", resp.Expiry,
	)
	return resp.AccessToken, nil
}

func (c *Client) dropToken(account string) {
	c.mu.Lock()
	delete(c.tokens, account)
	c.mu.Unlock()
}

func (c *Client) do(ctx context.Context, method, path, token string, body, out any) error {
	return c.doURL(ctx, method, c.baseURL+path, token, body, out)
}

func (c *Client) doURL(ctx context.Context, method, target, token string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, maxResponseSize)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp.StatusCode, limited)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(limited).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(status int, body io.Reader) error {
	apiErr := &Error{StatusCode: status}
	data, err := io.ReadAll(body)
	if err == nil && len(data) > 0 {
		if jsonErr := json.Unmarshal(data, apiErr); jsonErr != nil {
			apiErr.Detail = string(data)
		}
	}
	if apiErr.Code == "" && status == http.StatusTooManyRequests {
		apiErr.Code = CodeThrottled
	}
	return apiErr
}

// IsUnavailable reports whether err is a transport failure.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
