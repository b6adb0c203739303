package binance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"

	"github.com/quantfold/marketpipe/errs"
)

const restMaxAttempts = 4

// RESTClient fetches Binance REST endpoints with bounded retries. Base URLs
// differ between spot (api.binance.com/api/v3) and futures
// (fapi.binance.com/fapi/v1); the caller supplies the full prefix.
type RESTClient struct {
	baseURL string
	http    *http.Client
}

// NewRESTClient constructs a client. A nil http client gets a 10s timeout.
func NewRESTClient(baseURL string, client *http.Client) *RESTClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &RESTClient{baseURL: baseURL, http: client}
}

// Depth fetches the order book snapshot used to anchor the delta chain.
func (c *RESTClient) Depth(ctx context.Context, symbol string, limit int) (*restDepth, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out restDepth
	if err := c.getJSON(ctx, "/depth", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// KlineRow is one REST candle: open time, OHLCV strings and close time.
type KlineRow struct {
	OpenTime  int64
	CloseTime int64
	Open      string
	High      string
	Low       string
	Close     string
	Volume    string
}

// Klines fetches historical candles for warm-up. Binance answers rows of
// mixed-type arrays.
func (c *RESTClient) Klines(ctx context.Context, symbol, interval string, limit int) ([]KlineRow, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", interval)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var rows [][]any
	if err := c.getJSON(ctx, "/klines", q, &rows); err != nil {
		return nil, err
	}
	out := make([]KlineRow, 0, len(rows))
	for _, row := range rows {
		if len(row) < 7 {
			continue
		}
		openTs, ok1 := row[0].(float64)
		closeTs, ok2 := row[6].(float64)
		open, ok3 := row[1].(string)
		high, ok4 := row[2].(string)
		low, ok5 := row[3].(string)
		cls, ok6 := row[4].(string)
		vol, ok7 := row[5].(string)
		if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 || !ok6 || !ok7 {
			return nil, errs.New("binance", errs.CodeProtocol, errs.WithMessage("malformed kline row"))
		}
		out = append(out, KlineRow{
			OpenTime:  int64(openTs),
			CloseTime: int64(closeTs),
			Open:      open,
			High:      high,
			Low:       low,
			Close:     cls,
			Volume:    vol,
		})
	}
	return out, nil
}

// OpenInterest fetches the current futures open interest, denominated in
// base asset.
func (c *RESTClient) OpenInterest(ctx context.Context, symbol string) (*restOpenInterest, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	var out restOpenInterest
	if err := c.getJSON(ctx, "/openInterest", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PremiumIndex fetches mark/index price and the current funding rate.
func (c *RESTClient) PremiumIndex(ctx context.Context, symbol string) (*restPremiumIndex, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	var out restPremiumIndex
	if err := c.getJSON(ctx, "/premiumIndex", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// getJSON runs one GET with capped exponential retries. Rate-limit and 5xx
// answers retry; other venue rejections fail fast.
func (c *RESTClient) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	endpoint := c.baseURL + path
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	backoffCfg := backoff.NewExponentialBackOff()
	var lastErr error
	for attempt := 0; attempt < restMaxAttempts; attempt++ {
		if attempt > 0 {
			sleep := backoffCfg.NextBackOff()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(sleep):
			}
		}
		body, err := c.fetch(ctx, endpoint)
		if err == nil {
			if err := json.Unmarshal(body, out); err != nil {
				return errs.New("binance", errs.CodeProtocol,
					errs.WithMessage(fmt.Sprintf("decode %s", path)), errs.WithCause(err))
			}
			return nil
		}
		if errs.IsAbort(err) {
			return err
		}
		lastErr = err
		if !retryable(err) {
			return err
		}
	}
	return lastErr
}

func (c *RESTClient) fetch(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errs.New("binance", errs.CodeInvalid, errs.WithCause(err))
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errs.New("binance", errs.CodeNetwork, errs.WithCause(err))
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, errs.New("binance", errs.CodeNetwork, errs.WithCause(err))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errs.New("binance", errs.ClassifyHTTP(resp.StatusCode),
			errs.WithHTTP(resp.StatusCode), errs.WithRawMessage(string(body)))
	}
	return body, nil
}

func retryable(err error) bool {
	var e *errs.E
	if !errors.As(err, &e) {
		return true
	}
	switch e.Code {
	case errs.CodeRateLimited, errs.CodeNetwork, errs.CodeUnavailable:
		return true
	default:
		return false
	}
}

// parseF parses a venue decimal string; malformed input reports an error
// rather than silently zeroing.
func parseF(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, errs.New("binance", errs.CodeProtocol,
			errs.WithMessage(fmt.Sprintf("parse decimal %q", s)), errs.WithCause(err))
	}
	return v, nil
}
