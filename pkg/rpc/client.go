package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/butler-platform/butlerd/pkg/config"
	"github.com/butler-platform/butlerd/pkg/fault"
	"github.com/butler-platform/butlerd/pkg/telemetry"
)

const (
	defaultCallTimeout     = 30 * time.Second
	defaultResolveCacheTTL = 60 * time.Second

	// maxResponseBytes bounds how much of a peer's response we will read.
	maxResponseBytes = 4 << 20
)

// Client invokes tools on remote butlers. Butler names resolve to endpoint
// URLs through the switchboard's registry.resolve tool; resolutions are
// cached with a TTL and dropped early when a call fails to connect.
type Client struct {
	httpClient     *http.Client
	switchboardURL string
	cacheTTL       time.Duration

	mu    sync.Mutex
	cache map[string]resolvedEndpoint
	now   func() time.Time
}

type resolvedEndpoint struct {
	url       string
	expiresAt time.Time
}

// NewClient builds a tool client from the daemon's [butler.rpc] config.
func NewClient(cfg config.RPCConfig) *Client {
	timeout := defaultCallTimeout
	if cfg.TimeoutS > 0 {
		timeout = time.Duration(cfg.TimeoutS) * time.Second
	}
	ttl := defaultResolveCacheTTL
	if cfg.ResolveCacheTTLS > 0 {
		ttl = time.Duration(cfg.ResolveCacheTTLS) * time.Second
	}
	return &Client{
		httpClient:     &http.Client{Timeout: timeout},
		switchboardURL: cfg.SwitchboardURL,
		cacheTTL:       ttl,
		cache:          make(map[string]resolvedEndpoint),
		now:            time.Now,
	}
}

// Call invokes toolName on the named butler. The result is the tool's
// response object; a wire {"error":...} body comes back as a *ToolError and
// a connection failure as butler_unreachable.
func (c *Client) Call(ctx context.Context, butlerName, toolName string, args map[string]any) (map[string]any, error) {
	endpoint, err := c.resolve(ctx, butlerName)
	if err != nil {
		return nil, err
	}

	result, err := c.post(ctx, endpoint, toolName, args)
	if err != nil && errors.Is(err, fault.ErrButlerUnreachable) {
		// The cached endpoint is dead; re-resolve on the next call.
		c.invalidate(butlerName)
	}
	return result, err
}

// CallSwitchboard invokes toolName directly on the configured switchboard,
// bypassing name resolution. Peer registration and heartbeats go through
// here, since a butler cannot resolve the directory it registers in.
func (c *Client) CallSwitchboard(ctx context.Context, toolName string, args map[string]any) (map[string]any, error) {
	if c.switchboardURL == "" {
		return nil, fmt.Errorf("call switchboard: switchboard_url not configured: %w", fault.ErrButlerUnreachable)
	}
	return c.post(ctx, c.switchboardURL, toolName, args)
}

// resolve maps a butler name to its endpoint URL, consulting the cache first.
func (c *Client) resolve(ctx context.Context, butlerName string) (string, error) {
	c.mu.Lock()
	cached, ok := c.cache[butlerName]
	now := c.now()
	c.mu.Unlock()
	if ok && now.Before(cached.expiresAt) {
		return cached.url, nil
	}

	result, err := c.post(ctx, c.switchboardURL, "registry.resolve", map[string]any{"name": butlerName})
	if err != nil {
		return "", fmt.Errorf("resolve butler %q: %w", butlerName, err)
	}
	endpoint, _ := result["endpoint_url"].(string)
	if endpoint == "" {
		return "", fmt.Errorf("resolve butler %q: registry returned no endpoint_url: %w", butlerName, fault.ErrButlerUnreachable)
	}

	c.mu.Lock()
	c.cache[butlerName] = resolvedEndpoint{url: endpoint, expiresAt: c.now().Add(c.cacheTTL)}
	c.mu.Unlock()
	return endpoint, nil
}

func (c *Client) invalidate(butlerName string) {
	c.mu.Lock()
	delete(c.cache, butlerName)
	c.mu.Unlock()
}

// post performs one tool invocation against a base URL. The active trace
// context, when present, is injected into the envelope as trace_context.
func (c *Client) post(ctx context.Context, baseURL, toolName string, args map[string]any) (map[string]any, error) {
	payload := args
	if tc := telemetry.Inject(ctx); tc != nil {
		payload = make(map[string]any, len(args)+1)
		for k, v := range args {
			payload[k] = v
		}
		payload["trace_context"] = tc
	}
	if payload == nil {
		payload = map[string]any{}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode args for tool %q: %w", toolName, err)
	}

	url := baseURL + "/rpc/v1/tools/" + toolName
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request for tool %q: %w", toolName, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call tool %q at %s: %w (%v)", toolName, baseURL, fault.ErrButlerUnreachable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response for tool %q: %w (%v)", toolName, fault.ErrButlerUnreachable, err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		// A peer that does not speak the envelope is as good as unreachable.
		return nil, fmt.Errorf("decode response for tool %q (status %d): %w", toolName, resp.StatusCode, fault.ErrButlerUnreachable)
	}

	if rawErr, ok := decoded["error"]; ok {
		return nil, fmt.Errorf("tool %q: %w", toolName, decodeToolError(rawErr))
	}
	return decoded, nil
}
