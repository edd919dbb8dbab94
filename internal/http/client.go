// Package http implements the REST negotiate call made before a hub websocket upgrade.
package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"resty.dev/v3"
)

const maxRedirects = 5

// ErrClosed is returned by a Client after Close.
var ErrClosed = errors.New("client is closed")

type Client struct {
	client *resty.Client
	mu     sync.RWMutex
	logger zerolog.Logger
	closed bool
}

type Config struct {
	Timeout      time.Duration     `validate:"min=1ms"`
	MaxRetries   int               `validate:"min=0"`
	RetryWaitMin time.Duration     `validate:"min=0"`
	RetryWaitMax time.Duration     `validate:"min=0"`
	Headers      map[string]string `validate:"omitempty"`
}

// DefaultConfig returns a negotiate client config with a 10s timeout and no retries.
func DefaultConfig() *Config {
	return &Config{Timeout: 10 * time.Second}
}

// AvailableTransport is one transport offered by the hub.
type AvailableTransport struct {
	Transport       string   `json:"transport"`
	TransferFormats []string `json:"transferFormats"`
}

// NegotiateResponse is the hub's answer to a negotiate call.
type NegotiateResponse struct {
	ConnectionID        string               `json:"connectionId"`
	ConnectionToken     string               `json:"connectionToken"`
	NegotiateVersion    int                  `json:"negotiateVersion"`
	AvailableTransports []AvailableTransport `json:"availableTransports"`
	URL                 string               `json:"url,omitempty"`
	AccessToken         string               `json:"accessToken,omitempty"`
	Error               string               `json:"error,omitempty"`
}

// SupportsWebSockets reports whether the hub offers the websocket transport with text
// frames. An empty transport list is treated as support.
func (r *NegotiateResponse) SupportsWebSockets() bool {
	if len(r.AvailableTransports) == 0 {
		return true
	}
	for _, t := range r.AvailableTransports {
		if !strings.EqualFold(t.Transport, "WebSockets") {
			continue
		}
		if len(t.TransferFormats) == 0 {
			return true
		}
		for _, f := range t.TransferFormats {
			if strings.EqualFold(f, "Text") {
				return true
			}
		}
	}
	return false
}

// Negotiated is the final outcome of a negotiate exchange, after redirects.
type Negotiated struct {
	// URL is the hub endpoint to upgrade, which differs from the input after a redirect.
	URL string
	// AccessToken is the token to present on upgrade.
	AccessToken string
	// ConnectionID identifies the connection on the hub.
	ConnectionID string
	// ConnectionToken is passed as the id query parameter on upgrade.
	ConnectionToken string
}

func NewClient(config *Config) (*Client, error) {
	if err := validator.New().Struct(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	client := resty.New()
	client.SetTimeout(config.Timeout)
	client.SetRetryCount(config.MaxRetries)
	client.SetRetryWaitTime(config.RetryWaitMin)
	client.SetRetryMaxWaitTime(config.RetryWaitMax)
	client.AddContentTypeEncoder("application/json", func(w io.Writer, v any) error {
		data, err := sonic.Marshal(v)
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	})
	client.AddContentTypeDecoder("application/json", func(r io.Reader, v any) error {
		data, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		return sonic.Unmarshal(data, v)
	})
	for k, v := range config.Headers {
		client.SetHeader(k, v)
	}

	c := &Client{
		client: client,
		logger: zerolog.Nop(),
	}

	client.AddRequestMiddleware(func(_ *resty.Client, req *resty.Request) error {
		c.log().Debug().
			Str("method", req.Method).
			Str("url", req.URL).
			Msg("http request")
		return nil
	})
	client.AddResponseMiddleware(func(_ *resty.Client, resp *resty.Response) error {
		c.log().Debug().
			Str("method", resp.Request.Method).
			Str("url", resp.Request.URL).
			Int("status", resp.StatusCode()).
			Msg("http response")
		return nil
	})

	return c, nil
}

func (c *Client) SetLogger(logger zerolog.Logger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logger = logger
}

func (c *Client) log() *zerolog.Logger {
	c.mu.RLock()
	defer c.mu.RUnlock()
	l := c.logger
	return &l
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.client.Close()
}

// Negotiate performs the negotiate exchange against hubURL using token as the bearer
// credential, following up to five redirects.
func (c *Client) Negotiate(ctx context.Context, hubURL, token string) (*Negotiated, error) {
	current := hubURL
	for i := 0; i <= maxRedirects; i++ {
		resp, err := c.negotiateOnce(ctx, current, token)
		if err != nil {
			return nil, err
		}
		if resp.URL != "" {
			c.log().Debug().Str("from", current).Str("to", resp.URL).Msg("negotiate redirect")
			current = resp.URL
			if resp.AccessToken != "" {
				token = resp.AccessToken
			}
			continue
		}
		if !resp.SupportsWebSockets() {
			return nil, fmt.Errorf("negotiate %s: websocket transport not offered", current)
		}

		connToken := resp.ConnectionToken
		if resp.NegotiateVersion == 0 || connToken == "" {
			connToken = resp.ConnectionID
		}
		return &Negotiated{
			URL:             current,
			AccessToken:     token,
			ConnectionID:    resp.ConnectionID,
			ConnectionToken: connToken,
		}, nil
	}
	return nil, fmt.Errorf("negotiate %s: too many redirects", hubURL)
}

func (c *Client) negotiateOnce(ctx context.Context, hubURL, token string) (*NegotiateResponse, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}

	endpoint, err := NegotiateURL(hubURL)
	if err != nil {
		return nil, err
	}

	var result NegotiateResponse
	req := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetResult(&result)
	if token != "" {
		req.SetAuthToken(token)
	}

	resp, err := req.Post(endpoint)
	if err != nil {
		return nil, fmt.Errorf("negotiate %s: %w", hubURL, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("negotiate %s: unexpected status %d", hubURL, resp.StatusCode())
	}
	if result.Error != "" {
		return nil, fmt.Errorf("negotiate %s: %s", hubURL, result.Error)
	}
	return &result, nil
}

// NegotiateURL returns hubURL with /negotiate appended to its path and
// negotiateVersion=1 added to its query.
func NegotiateURL(hubURL string) (string, error) {
	u, err := url.Parse(hubURL)
	if err != nil {
		return "", fmt.Errorf("parse hub url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("parse hub url: %q is not absolute", hubURL)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/negotiate"
	q := u.Query()
	q.Set("negotiateVersion", "1")
	u.RawQuery = q.Encode()
	return u.String(), nil
}
