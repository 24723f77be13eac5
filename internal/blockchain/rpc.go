package blockchain

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"solana-buy-bot/internal/retry"
)

// DefaultCallTimeout bounds a single RPC attempt
const DefaultCallTimeout = 10 * time.Second

// RPCClient handles Solana RPC calls
type RPCClient struct {
	primaryURL  string
	fallbackURL string
	apiKey      string
	httpClient  *http.Client

	policy      retry.Policy
	callTimeout time.Duration
	limiter     *rate.Limiter
	requestID   atomic.Uint64

	// Circuit breaker state
	mu          sync.RWMutex
	failures    int
	lastFailure time.Time
	circuitOpen bool
}

// Option configures an RPCClient
type Option func(*RPCClient)

// WithRetryPolicy overrides the retry/backoff policy
func WithRetryPolicy(p retry.Policy) Option {
	return func(c *RPCClient) { c.policy = p }
}

// WithCallTimeout overrides the per-attempt timeout
func WithCallTimeout(d time.Duration) Option {
	return func(c *RPCClient) {
		c.callTimeout = d
		c.httpClient.Timeout = d
	}
}

// WithRateLimit caps outbound requests per second (0 disables)
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *RPCClient) {
		if perSecond <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithHTTPClient replaces the HTTP client (tests use this to inject transports)
func WithHTTPClient(hc *http.Client) Option {
	return func(c *RPCClient) { c.httpClient = hc }
}

// RPCRequest is the JSON-RPC 2.0 request format
type RPCRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

// RPCResponse is the JSON-RPC 2.0 response format
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// NewRPCClient creates a new RPC client
func NewRPCClient(primaryURL, fallbackURL, apiKey string, opts ...Option) *RPCClient {
	// Configure HTTP transport for keep-alives and connection pooling
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
	}

	c := &RPCClient{
		primaryURL:  primaryURL,
		fallbackURL: fallbackURL,
		apiKey:      apiKey,
		httpClient: &http.Client{
			Timeout:   DefaultCallTimeout,
			Transport: transport,
		},
		policy:      retry.DefaultPolicy(),
		callTimeout: DefaultCallTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetSignaturesForAddress returns up to limit recent signatures, newest first
func (c *RPCClient) GetSignaturesForAddress(ctx context.Context, address string, limit int) ([]SignatureRecord, error) {
	if err := ValidateAddress(address); err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = 1
	}
	if limit > MaxSignatureLimit {
		limit = MaxSignatureLimit
	}

	params := []interface{}{
		address,
		map[string]interface{}{"limit": limit, "commitment": "confirmed"},
	}

	raw, err := c.call(ctx, "getSignaturesForAddress", params)
	if err != nil {
		return nil, err
	}
	if isNull(raw) {
		return nil, nil
	}

	var result []struct {
		Signature string      `json:"signature"`
		Slot      uint64      `json:"slot"`
		BlockTime *int64      `json:"blockTime"`
		Err       interface{} `json:"err"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &ParseError{What: "signatures for " + address, Err: err}
	}

	records := make([]SignatureRecord, 0, len(result))
	for _, r := range result {
		if r.Signature == "" {
			continue
		}
		rec := SignatureRecord{Signature: r.Signature, Slot: r.Slot, Err: r.Err}
		if r.BlockTime != nil {
			rec.BlockTime = *r.BlockTime
		}
		records = append(records, rec)
	}
	return records, nil
}

// GetTransaction fetches and decodes a transaction in jsonParsed encoding
func (c *RPCClient) GetTransaction(ctx context.Context, signature string) (*TransactionDetail, error) {
	params := []interface{}{
		signature,
		map[string]interface{}{
			"encoding":                       "jsonParsed",
			"commitment":                     "confirmed",
			"maxSupportedTransactionVersion": 0,
		},
	}

	raw, err := c.call(ctx, "getTransaction", params)
	if err != nil {
		return nil, err
	}
	return ParseTransaction(signature, raw)
}

// GetAccountInfo returns the raw account data
func (c *RPCClient) GetAccountInfo(ctx context.Context, address string) ([]byte, error) {
	if err := ValidateAddress(address); err != nil {
		return nil, err
	}

	params := []interface{}{address, map[string]string{"encoding": "base64"}}
	raw, err := c.call(ctx, "getAccountInfo", params)
	if err != nil {
		return nil, err
	}

	var result struct {
		Value *struct {
			Data []string `json:"data"` // [payload, encoding]
		} `json:"value"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &ParseError{What: "account " + address, Err: err}
	}
	if result.Value == nil {
		return nil, &NotFoundError{Kind: "account", Key: address}
	}
	if len(result.Value.Data) == 0 {
		return nil, nil
	}

	data, err := base64.StdEncoding.DecodeString(result.Value.Data[0])
	if err != nil {
		return nil, &ParseError{What: "account data " + address, Err: err}
	}
	return data, nil
}

// GetTokenSupply returns the decimals of a mint
func (c *RPCClient) GetTokenSupply(ctx context.Context, mint string) (uint8, error) {
	if err := ValidateAddress(mint); err != nil {
		return 0, err
	}

	raw, err := c.call(ctx, "getTokenSupply", []interface{}{mint})
	if err != nil {
		return 0, err
	}

	var result struct {
		Value *struct {
			Amount   string `json:"amount"`
			Decimals *int   `json:"decimals"`
		} `json:"value"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return 0, &ParseError{What: "token supply " + mint, Err: err}
	}
	if result.Value == nil || result.Value.Decimals == nil {
		return 0, &NotFoundError{Kind: "token supply", Key: mint}
	}
	if *result.Value.Decimals < 0 || *result.Value.Decimals > 255 {
		return 0, &ParseError{What: "token supply " + mint, Err: fmt.Errorf("decimals out of range: %d", *result.Value.Decimals)}
	}
	return uint8(*result.Value.Decimals), nil
}

// Ping performs a single getHealth round-trip without retries
func (c *RPCClient) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	_, err := c.callURL(ctx, c.currentURL(), "getHealth", nil)
	return err
}

// LatencyMs returns estimated latency to RPC (for display)
func (c *RPCClient) LatencyMs() int64 {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	if err := c.Ping(ctx); err != nil {
		return -1
	}
	return time.Since(start).Milliseconds()
}

// call runs one JSON-RPC method with retries; exhausted retries become an UpstreamError
func (c *RPCClient) call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	var result json.RawMessage

	attempts, err := retry.Do(ctx, c.policy, func(ctx context.Context, attempt int) error {
		attemptCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		defer cancel()

		if c.limiter != nil {
			if err := c.limiter.Wait(attemptCtx); err != nil {
				return fmt.Errorf("rate limiter: %w", err)
			}
		}

		raw, err := c.callWithFallback(attemptCtx, method, params)
		if err != nil {
			log.Warn().
				Err(err).
				Str("method", method).
				Int("attempt", attempt).
				Msg("rpc attempt failed")
			return err
		}
		result = raw
		return nil
	})
	if err != nil {
		return nil, &UpstreamError{Method: method, Attempts: attempts, Err: err}
	}
	return result, nil
}

func (c *RPCClient) callWithFallback(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	hasFallback := c.fallbackURL != "" && c.fallbackURL != c.primaryURL

	// Check circuit breaker
	if hasFallback && c.isCircuitOpen() {
		return c.callURL(ctx, c.fallbackURL, method, params)
	}

	raw, err := c.callURL(ctx, c.primaryURL, method, params)
	if err != nil {
		c.recordFailure()
		if !hasFallback || ctx.Err() != nil {
			return nil, err
		}
		log.Warn().Err(err).Str("method", method).Msg("primary RPC failed, trying fallback")
		return c.callURL(ctx, c.fallbackURL, method, params)
	}

	c.recordSuccess()
	return raw, nil
}

func (c *RPCClient) callURL(ctx context.Context, url, method string, params []interface{}) (json.RawMessage, error) {
	body, err := json.Marshal(RPCRequest{
		JSONRPC: "2.0",
		ID:      c.requestID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("http status %d: %s", resp.StatusCode, string(respBody))
	}

	var rpcResp RPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	if rpcResp.Result == nil {
		return json.RawMessage("null"), nil
	}
	return rpcResp.Result, nil
}

func (c *RPCClient) currentURL() string {
	if c.fallbackURL != "" && c.isCircuitOpen() {
		return c.fallbackURL
	}
	return c.primaryURL
}

// Circuit breaker methods
func (c *RPCClient) isCircuitOpen() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.circuitOpen {
		return false
	}

	// Check if circuit should reset (30 seconds)
	if time.Since(c.lastFailure) > 30*time.Second {
		return false
	}

	return true
}

func (c *RPCClient) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failures++
	c.lastFailure = time.Now()

	// Open circuit after 5 consecutive failures
	if c.failures >= 5 && !c.circuitOpen {
		c.circuitOpen = true
		log.Warn().Msg("RPC circuit breaker opened")
	}
}

func (c *RPCClient) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failures = 0
	c.circuitOpen = false
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
