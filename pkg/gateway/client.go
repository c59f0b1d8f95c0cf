// Package gateway is the REST client for historical trades and candles.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/uhyunpark/feedbook/pkg/candles"
	"github.com/uhyunpark/feedbook/pkg/metrics"
	"github.com/uhyunpark/feedbook/pkg/util"
)

// ErrUnavailable wraps every failed round trip. Callers treat it as
// "no data this round".
var ErrUnavailable = errors.New("gateway unavailable")

type Params struct {
	BaseURL      string
	APIKeyID     string
	APIKeySecret string
	// RequestRate caps requests per second; <= 0 disables the limiter.
	RequestRate float64
	HTTPClient  *http.Client
	Logger      *zap.SugaredLogger
}

type Client struct {
	p       Params
	http    *http.Client
	limiter *rate.Limiter
	log     *zap.SugaredLogger
}

func NewHTTPClient() *http.Client {
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{Transport: tr, Timeout: 10 * time.Second}
}

func New(p Params) *Client {
	c := &Client{p: p, http: p.HTTPClient, log: util.OrNop(p.Logger)}
	if c.http == nil {
		c.http = NewHTTPClient()
	}
	if p.RequestRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(p.RequestRate), 1)
	}
	return c
}

// Trade is one public trade as the exchange reports it.
type Trade struct {
	IsBuy     bool            `json:"is_buy"`
	Price     decimal.Decimal `json:"price"`
	Sequence  int64           `json:"sequence"`
	Timestamp int64           `json:"timestamp"`
	Volume    decimal.Decimal `json:"volume"`
}

type tradesResponse struct {
	Trades []Trade `json:"trades"`
}

type candlesResponse struct {
	Candles  []candles.Bar `json:"candles"`
	Duration int64         `json:"duration"`
	Pair     string        `json:"pair"`
}

// FetchTrades returns public trades of pair since sinceMs, oldest first as
// served by the exchange.
func (c *Client) FetchTrades(ctx context.Context, pair string, sinceMs int64) ([]Trade, error) {
	q := url.Values{}
	q.Set("pair", pair)
	q.Set("since", strconv.FormatInt(sinceMs, 10))

	var resp tradesResponse
	if err := c.get(ctx, "trades", "/api/1/trades", q, &resp); err != nil {
		return nil, err
	}
	if resp.Trades == nil {
		return []Trade{}, nil
	}
	return resp.Trades, nil
}

// FetchBars returns candles of interval seconds since sinceMs in ascending
// order. A response without a candles array yields nil.
func (c *Client) FetchBars(ctx context.Context, pair string, sinceMs, interval int64) ([]candles.Bar, error) {
	q := url.Values{}
	q.Set("pair", pair)
	q.Set("duration", strconv.FormatInt(interval, 10))
	q.Set("since", strconv.FormatInt(sinceMs, 10))

	var resp candlesResponse
	if err := c.get(ctx, "candles", "/api/exchange/1/candles", q, &resp); err != nil {
		return nil, err
	}
	return resp.Candles, nil
}

// Bars binds pair so the client can feed a candle series.
func (c *Client) Bars(pair string) candles.BarFetcher {
	return candles.BarFetcherFunc(func(ctx context.Context, since, interval int64) ([]candles.Bar, error) {
		return c.FetchBars(ctx, pair, since, interval)
	})
}

func (c *Client) get(ctx context.Context, endpoint, path string, q url.Values, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	u := c.p.BaseURL + path + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if c.p.APIKeyID != "" {
		req.SetBasicAuth(c.p.APIKeyID, c.p.APIKeySecret)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.GatewayLatencyMs.WithLabelValues(endpoint).Observe(float64(time.Since(start).Milliseconds()))
	if err != nil {
		metrics.GatewayRequests.WithLabelValues(endpoint, "error").Inc()
		c.log.Warnw("gateway_request_failed", "endpoint", endpoint, "err", err)
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.GatewayRequests.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()
		c.log.Warnw("gateway_bad_status", "endpoint", endpoint, "status", resp.StatusCode)
		return fmt.Errorf("%w: %s: status %d", ErrUnavailable, endpoint, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		metrics.GatewayRequests.WithLabelValues(endpoint, "decode").Inc()
		return fmt.Errorf("%w: %s: decode: %v", ErrUnavailable, endpoint, err)
	}
	metrics.GatewayRequests.WithLabelValues(endpoint, "ok").Inc()
	return nil
}
