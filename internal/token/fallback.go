package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"

	"solana-buy-bot/internal/retry"
)

// DefaultFallbackURL is the Jupiter token API; requests are GET {base}/{mint}
const DefaultFallbackURL = "https://lite-api.jup.ag/tokens/v1/token"

// ErrFallbackNotFound is returned when the token API has no entry for the mint
var ErrFallbackNotFound = errors.New("token not listed by fallback API")

// HTTPClientPool provides HTTP/2 connection pooling
type HTTPClientPool struct {
	clients []*http.Client
	mu      sync.Mutex
	idx     uint32
}

// NewHTTPClientPool creates an HTTP/2 optimized client pool
func NewHTTPClientPool(size int, timeout time.Duration) *HTTPClientPool {
	if size < 1 {
		size = 1
	}
	pool := &HTTPClientPool{
		clients: make([]*http.Client, size),
	}

	for i := 0; i < size; i++ {
		transport := &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     90 * time.Second,
			ForceAttemptHTTP2:   true,
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   5 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}

		if err := http2.ConfigureTransport(transport); err != nil {
			log.Warn().Err(err).Msg("http2 not configured, using HTTP/1.1")
		}

		pool.clients[i] = &http.Client{
			Transport: transport,
			Timeout:   timeout,
		}
	}

	log.Debug().Int("poolSize", size).Msg("token API client pool initialized")
	return pool
}

// Get returns the next client round-robin
func (p *HTTPClientPool) Get() *http.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	client := p.clients[p.idx%uint32(len(p.clients))]
	p.idx++
	return client
}

// FallbackInfo is the token API payload; every field may be absent
type FallbackInfo struct {
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	Decimals *int   `json:"decimals"`
}

// FallbackClient queries a public token-info API keyed by mint
type FallbackClient struct {
	baseURL string
	apiKey  string
	pool    *HTTPClientPool
	policy  retry.Policy
}

// NewFallbackClient creates a token API client. An empty baseURL selects DefaultFallbackURL.
func NewFallbackClient(baseURL, apiKey string, timeout time.Duration, policy retry.Policy) *FallbackClient {
	if baseURL == "" {
		baseURL = DefaultFallbackURL
	}
	return &FallbackClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		pool:    NewHTTPClientPool(2, timeout),
		policy:  policy,
	}
}

// Fetch returns the token API entry for mint. 404 maps to ErrFallbackNotFound without retrying.
func (c *FallbackClient) Fetch(ctx context.Context, mint string) (*FallbackInfo, error) {
	var info *FallbackInfo

	_, err := retry.Do(ctx, c.policy, func(ctx context.Context, attempt int) error {
		got, err := c.fetchOnce(ctx, mint)
		if err != nil {
			if errors.Is(err, ErrFallbackNotFound) {
				return retry.Permanent(err)
			}
			log.Debug().Err(err).Str("mint", mint).Int("attempt", attempt).Msg("token API attempt failed")
			return err
		}
		info = got
		return nil
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

func (c *FallbackClient) fetchOnce(ctx context.Context, mint string) (*FallbackInfo, error) {
	url := fmt.Sprintf("%s/%s", c.baseURL, mint)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.pool.Get().Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrFallbackNotFound
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("token API failed (%d): %s", resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if trimmed := strings.TrimSpace(string(body)); trimmed == "" || trimmed == "null" {
		return nil, ErrFallbackNotFound
	}

	var info FallbackInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, retry.Permanent(fmt.Errorf("decode token info: %w", err))
	}
	return &info, nil
}
