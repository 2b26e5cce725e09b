package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vietddude/txfees/internal/core/domain"
	"github.com/vietddude/txfees/internal/metrics"
	"golang.org/x/time/rate"
)

// Oracle returns the quote-asset price at a point in time.
type Oracle interface {
	// PriceAt returns the price closest to the given Unix timestamp.
	PriceAt(ctx context.Context, timestamp uint64) (decimal.Decimal, error)
}

const defaultBinanceBaseURL = "https://api.binance.com"

// BinanceOracle samples spot prices from Binance 1-second klines. The
// kline whose open time covers the requested timestamp is used, and its
// close price is taken as the price at that instant.
type BinanceOracle struct {
	baseURL    string
	symbol     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewBinanceOracle builds an oracle for a trading pair such as "ETHUSDT".
// rps bounds the request rate against the public API.
func NewBinanceOracle(symbol string, rps float64) *BinanceOracle {
	if rps <= 0 {
		rps = 10
	}
	return &BinanceOracle{
		baseURL: defaultBinanceBaseURL,
		symbol:  symbol,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
	}
}

func (o *BinanceOracle) PriceAt(ctx context.Context, timestamp uint64) (decimal.Decimal, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return decimal.Decimal{}, err
	}

	q := url.Values{}
	q.Set("symbol", o.symbol)
	q.Set("interval", "1s")
	q.Set("startTime", strconv.FormatUint(timestamp*1000, 10))
	q.Set("limit", "1")
	endpoint := o.baseURL + "/api/v3/klines?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Decimal{}, errors.Join(domain.ErrUnrecoverable, err)
	}

	resp, err := o.httpClient.Do(req)
	if err != nil {
		metrics.PriceSamples.WithLabelValues("error").Inc()
		return decimal.Decimal{}, errors.Join(domain.ErrTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		metrics.PriceSamples.WithLabelValues("error").Inc()
		return decimal.Decimal{}, errors.Join(domain.ErrTransient, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot:
		metrics.PriceSamples.WithLabelValues("rate_limited").Inc()
		return decimal.Decimal{}, fmt.Errorf("klines %s: %w", resp.Status, domain.ErrRateLimited)
	case resp.StatusCode >= 500:
		metrics.PriceSamples.WithLabelValues("error").Inc()
		return decimal.Decimal{}, fmt.Errorf("klines %s: %w", resp.Status, domain.ErrTransient)
	case resp.StatusCode != http.StatusOK:
		metrics.PriceSamples.WithLabelValues("error").Inc()
		return decimal.Decimal{}, fmt.Errorf("klines %s: %s: %w", resp.Status, body, domain.ErrUnrecoverable)
	}

	price, err := parseKlineClose(body)
	if err != nil {
		metrics.PriceSamples.WithLabelValues("error").Inc()
		return decimal.Decimal{}, err
	}
	metrics.PriceSamples.WithLabelValues("ok").Inc()
	return price, nil
}

// parseKlineClose extracts the close price (index 4) from the first
// kline of a /api/v3/klines response.
func parseKlineClose(body []byte) (decimal.Decimal, error) {
	var klines [][]json.RawMessage
	if err := json.Unmarshal(body, &klines); err != nil {
		return decimal.Decimal{}, fmt.Errorf("decode klines: %w", errors.Join(domain.ErrUnrecoverable, err))
	}
	if len(klines) == 0 || len(klines[0]) < 5 {
		return decimal.Decimal{}, fmt.Errorf("no kline for requested time: %w", domain.ErrNotFound)
	}

	var closeStr string
	if err := json.Unmarshal(klines[0][4], &closeStr); err != nil {
		return decimal.Decimal{}, fmt.Errorf("kline close field: %w", errors.Join(domain.ErrUnrecoverable, err))
	}
	price, err := decimal.NewFromString(closeStr)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("kline close %q: %w", closeStr, errors.Join(domain.ErrUnrecoverable, err))
	}
	return price, nil
}
