package okx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"

	"github.com/quantfold/marketpipe/errs"
)

const restMaxAttempts = 4

// RESTClient fetches OKX v5 public endpoints with bounded retries.
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

// OpenInterest fetches open interest for one instrument. OKX reports three
// denominations; oi is contracts, oiCcy base asset, oiUsd USD.
func (c *RESTClient) OpenInterest(ctx context.Context, instID string) (*restOpenInterest, error) {
	q := url.Values{}
	q.Set("instType", "SWAP")
	q.Set("instId", instID)
	var rows []restOpenInterest
	if err := c.getJSON(ctx, "/api/v5/public/open-interest", q, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errs.New("okx", errs.CodeProtocol, errs.WithMessage("empty open-interest answer"))
	}
	return &rows[0], nil
}

// FundingRate fetches the current funding rate for one swap.
func (c *RESTClient) FundingRate(ctx context.Context, instID string) (*restFundingRate, error) {
	q := url.Values{}
	q.Set("instId", instID)
	var rows []restFundingRate
	if err := c.getJSON(ctx, "/api/v5/public/funding-rate", q, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errs.New("okx", errs.CodeProtocol, errs.WithMessage("empty funding-rate answer"))
	}
	return &rows[0], nil
}

// getJSON runs one GET with capped exponential retries, unwrapping the OKX
// envelope. code "0" is success; anything else is a venue rejection.
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
		err := c.fetchOnce(ctx, endpoint, path, out)
		if err == nil {
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

func (c *RESTClient) fetchOnce(ctx context.Context, endpoint, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return errs.New("okx", errs.CodeInvalid, errs.WithCause(err))
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errs.New("okx", errs.CodeNetwork, errs.WithCause(err))
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return errs.New("okx", errs.CodeNetwork, errs.WithCause(err))
	}
	if resp.StatusCode != http.StatusOK {
		return errs.New("okx", errs.ClassifyHTTP(resp.StatusCode),
			errs.WithHTTP(resp.StatusCode), errs.WithRawMessage(string(body)))
	}
	var envelope restEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return errs.New("okx", errs.CodeProtocol,
			errs.WithMessage(fmt.Sprintf("decode %s envelope", path)), errs.WithCause(err))
	}
	if envelope.Code != "0" {
		return errs.New("okx", errs.CodeVenue,
			errs.WithRawCode(envelope.Code), errs.WithRawMessage(envelope.Msg))
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return errs.New("okx", errs.CodeProtocol,
			errs.WithMessage(fmt.Sprintf("decode %s data", path)), errs.WithCause(err))
	}
	return nil
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
