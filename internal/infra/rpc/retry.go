package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/vietddude/txfees/internal/core/domain"
)

// RetryConfig defines retry behavior for transient RPC failures.
type RetryConfig struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	BackoffMultiple float64
}

// DefaultRetryConfig provides sensible defaults.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:     5,
	InitialDelay:    1 * time.Second,
	MaxDelay:        60 * time.Second,
	BackoffMultiple: 2.0,
}

// Classify wraps a raw transport error with the matching sentinel from
// the shared taxonomy. Already-classified errors pass through unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrTransient) || errors.Is(err, domain.ErrRateLimited) ||
		errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrUnrecoverable) {
		return err
	}

	s := err.Error()
	sLower := strings.ToLower(s)

	// Malformed requests: -32700 parse error, -32600 invalid request,
	// -32601 method not found, -32602 invalid params. Retrying cannot fix these.
	if strings.Contains(s, "-32700") || strings.Contains(s, "-32600") ||
		strings.Contains(s, "-32601") || strings.Contains(s, "-32602") {
		return errors.Join(domain.ErrUnrecoverable, err)
	}

	if strings.Contains(s, "429") || strings.Contains(sLower, "too many requests") ||
		strings.Contains(sLower, "rate limit") || strings.Contains(sLower, "quota") {
		return errors.Join(domain.ErrRateLimited, err)
	}

	// Network, 5xx, timeouts: retryable.
	return errors.Join(domain.ErrTransient, err)
}

func errorType(err error) string {
	switch {
	case errors.Is(err, domain.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrUnrecoverable):
		return "unrecoverable"
	default:
		return "transient"
	}
}

// CallWithRetry executes a JSON-RPC call with exponential backoff on
// transient failures. Rate limiting doubles the computed delay.
// Unrecoverable errors abort immediately.
func (c *Client) CallWithRetry(
	ctx context.Context,
	method string,
	params any,
	config RetryConfig,
) (json.RawMessage, error) {
	var lastErr error

	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		result, err := c.Call(ctx, method, params)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if errors.Is(err, domain.ErrUnrecoverable) {
			return nil, err
		}
		if attempt == config.MaxAttempts-1 {
			break
		}

		delay := calculateBackoff(attempt, config)
		if errors.Is(err, domain.ErrRateLimited) {
			delay *= 2
			if delay > config.MaxDelay {
				delay = config.MaxDelay
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, lastErr
}

// Retrying wraps a Client so every call goes through CallWithRetry.
// It satisfies the same single-call interface as Client.
type Retrying struct {
	client *Client
	config RetryConfig
}

// WithRetry returns a client whose calls retry transient failures.
func WithRetry(client *Client, config RetryConfig) *Retrying {
	return &Retrying{client: client, config: config}
}

func (r *Retrying) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return r.client.CallWithRetry(ctx, method, params, r.config)
}

func calculateBackoff(attempt int, config RetryConfig) time.Duration {
	delay := float64(config.InitialDelay) * math.Pow(config.BackoffMultiple, float64(attempt))
	if delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}
	return time.Duration(delay)
}
