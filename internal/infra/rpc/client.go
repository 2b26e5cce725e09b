// Package rpc provides the JSON-RPC transport for the chain client:
// an HTTP client for fetches and a websocket subscriber for live heads.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vietddude/txfees/internal/metrics"
)

// Client makes JSON-RPC calls over HTTP.
type Client struct {
	endpoint   string
	httpClient *http.Client
}

// NewClient creates a new HTTP JSON-RPC client.
func NewClient(endpoint string, timeout time.Duration) *Client {
	return &Client{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      int    `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// Call makes a single JSON-RPC call and returns the raw result. Errors
// are classified into the shared failure taxonomy by Classify; callers
// that need retry semantics use CallWithRetry.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	start := time.Now()
	metrics.RPCCallsTotal.WithLabelValues(method).Inc()

	result, err := c.call(ctx, method, params)

	metrics.RPCLatency.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RPCErrorsTotal.WithLabelValues(method, errorType(err)).Inc()
	}
	return result, err
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: 1})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, Classify(fmt.Errorf("rpc call: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, Classify(fmt.Errorf("http 429: rate limited"))
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Classify(fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, Classify(fmt.Errorf("http %d: %s", resp.StatusCode, respBody))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, Classify(fmt.Errorf("decode response: %w", err))
	}
	if rpcResp.Error != nil {
		return nil, Classify(rpcResp.Error)
	}

	return rpcResp.Result, nil
}
