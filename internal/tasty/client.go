// Package tasty is a thin client for the TastyTrade customer API. It covers
// session login, instrument and option-chain lookups, and the streamer quote
// token. Calls carry the session token per request; the client itself holds
// no credentials.
package tasty

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tush16/TastyTrade/internal/util"
)

// APIError is a non-2xx upstream response.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tasty: upstream status %d: %s", e.Status, e.Body)
}

// apiRatePerMinute paces outbound REST calls, keeping bursty fan-outs like
// ListEquities under the upstream's throttle.
const apiRatePerMinute = 600

// Client calls the TastyTrade REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *util.RateLimiter
	log        *slog.Logger
}

func NewClient(baseURL string, log *slog.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		limiter:    util.NewRateLimiter(apiRatePerMinute),
		log:        log,
	}
}

type envelope struct {
	Data json.RawMessage `json:"data"`
}

type itemsEnvelope struct {
	Items json.RawMessage `json:"items"`
}

func (c *Client) do(ctx context.Context, method, path, token string, query url.Values, body any) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		rdr = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("%s %s: read body: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{Status: resp.StatusCode, Body: string(raw)}
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%s %s: decode envelope: %w", method, path, err)
	}
	return env.Data, nil
}

func (c *Client) get(ctx context.Context, path, token string, query url.Values) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, path, token, query, nil)
}

func items(data json.RawMessage) (json.RawMessage, error) {
	var env itemsEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode items: %w", err)
	}
	return env.Items, nil
}

// Login exchanges credentials for a session token. Transient failures are
// retried with backoff; a 4xx means bad credentials and is not retried.
func (c *Client) Login(ctx context.Context, login, password string) (string, error) {
	var token string
	var denied error
	err := util.Retry(ctx, 3, time.Second, func() error {
		data, err := c.do(ctx, http.MethodPost, "/sessions", "", nil, map[string]string{
			"login":    login,
			"password": password,
		})
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.Status >= 400 && apiErr.Status < 500 {
				denied = err
				return nil
			}
			return err
		}
		var body struct {
			SessionToken string `json:"session-token"`
		}
		if err := json.Unmarshal(data, &body); err != nil {
			return fmt.Errorf("decode session: %w", err)
		}
		if body.SessionToken == "" {
			return fmt.Errorf("empty session token in response")
		}
		token = body.SessionToken
		return nil
	})
	if err != nil {
		return "", err
	}
	if denied != nil {
		return "", denied
	}
	c.log.Info("session established")
	return token, nil
}

// QuoteToken holds the streamer credentials issued per session.
type QuoteToken struct {
	Token     string `json:"token"`
	DXLinkURL string `json:"dxlink-url"`
	Level     string `json:"level"`
}

// QuoteToken fetches the api-quote-token used to authenticate the market
// data websocket.
func (c *Client) QuoteToken(ctx context.Context, token string) (*QuoteToken, error) {
	data, err := c.get(ctx, "/api-quote-tokens", token, nil)
	if err != nil {
		return nil, err
	}
	var qt QuoteToken
	if err := json.Unmarshal(data, &qt); err != nil {
		return nil, fmt.Errorf("decode quote token: %w", err)
	}
	return &qt, nil
}

// ChainItem is one option instrument in a compact chain.
type ChainItem struct {
	Symbol         string `json:"symbol"`
	OptionType     string `json:"option-type"`
	ExpirationDate string `json:"expiration-date"`
	StrikePrice    string `json:"strike-price"`
	StreamerSymbol string `json:"streamer-symbol"`
}

// OptionChain fetches the compact chain for an underlying.
func (c *Client) OptionChain(ctx context.Context, token, underlying string) ([]ChainItem, error) {
	data, err := c.get(ctx, "/option-chains/"+url.PathEscape(underlying), token, nil)
	if err != nil {
		return nil, err
	}
	raw, err := items(data)
	if err != nil {
		return nil, err
	}
	var out []ChainItem
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode chain items: %w", err)
	}
	return out, nil
}

// NestedOptionChain fetches the chain grouped by expiry and strike, passed
// through untouched.
func (c *Client) NestedOptionChain(ctx context.Context, token, underlying string) (json.RawMessage, error) {
	return c.get(ctx, "/option-chains/"+url.PathEscape(underlying)+"/nested", token, nil)
}

// Expiries lists the distinct expiration dates in an underlying's chain,
// sorted ascending.
func (c *Client) Expiries(ctx context.Context, token, underlying string) ([]string, error) {
	chain, err := c.OptionChain(ctx, token, underlying)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var out []string
	for _, it := range chain {
		if it.ExpirationDate == "" {
			continue
		}
		if _, ok := seen[it.ExpirationDate]; ok {
			continue
		}
		seen[it.ExpirationDate] = struct{}{}
		out = append(out, it.ExpirationDate)
	}
	sort.Strings(out)
	return out, nil
}

// EquityOptions fetches instrument metadata for a list of OCC option
// symbols.
func (c *Client) EquityOptions(ctx context.Context, token string, symbols []string, active, withExpired bool) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("active", strconv.FormatBool(active))
	q.Set("with-expired", strconv.FormatBool(withExpired))
	for _, s := range symbols {
		q.Add("symbol[]", s)
	}
	data, err := c.get(ctx, "/instruments/equity-options", token, q)
	if err != nil {
		return nil, err
	}
	return items(data)
}

// Equity is the instrument summary the equities endpoints return.
type Equity struct {
	Symbol         string `json:"symbol"`
	Description    string `json:"description"`
	ListedMarket   string `json:"listed_market"`
	InstrumentType string `json:"instrument_type"`
	Active         bool   `json:"active"`
	IsETF          bool   `json:"is_etf"`
	Lendability    string `json:"lendability"`
	IsIlliquid     bool   `json:"is_illiquid"`
	IsClosingOnly  bool   `json:"is_closing_only"`
	TickSizes      any    `json:"tick_sizes"`
}

type equityPayload struct {
	Symbol         string `json:"symbol"`
	Description    string `json:"description"`
	ListedMarket   string `json:"listed-market"`
	InstrumentType string `json:"instrument-type"`
	Active         bool   `json:"active"`
	IsETF          bool   `json:"is-etf"`
	Lendability    string `json:"lendability"`
	IsIlliquid     bool   `json:"is-illiquid"`
	IsClosingOnly  bool   `json:"is-closing-only"`
	TickSizes      any    `json:"tick-sizes"`
}

func (p *equityPayload) equity() Equity {
	return Equity{
		Symbol:         p.Symbol,
		Description:    p.Description,
		ListedMarket:   p.ListedMarket,
		InstrumentType: p.InstrumentType,
		Active:         p.Active,
		IsETF:          p.IsETF,
		Lendability:    p.Lendability,
		IsIlliquid:     p.IsIlliquid,
		IsClosingOnly:  p.IsClosingOnly,
		TickSizes:      p.TickSizes,
	}
}

// topEquitySymbols is the fixed watchlist behind /equities/top.
var topEquitySymbols = []string{
	"AAPL", "MSFT", "GOOG", "TSLA", "AMZN",
	"META", "NFLX", "NVDA", "INTC", "AMD",
}

// Equity fetches one equity instrument.
func (c *Client) Equity(ctx context.Context, token, symbol string) (*Equity, error) {
	data, err := c.get(ctx, "/instruments/equities/"+url.PathEscape(symbol), token, nil)
	if err != nil {
		return nil, err
	}
	var p equityPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode equity: %w", err)
	}
	eq := p.equity()
	return &eq, nil
}

// ListEquities fetches the fixed watchlist concurrently, skipping symbols
// the upstream does not know.
func (c *Client) ListEquities(ctx context.Context, token string) ([]Equity, error) {
	results := make([]*Equity, len(topEquitySymbols))
	g, ctx := errgroup.WithContext(ctx)
	for i, sym := range topEquitySymbols {
		g.Go(func() error {
			eq, err := c.Equity(ctx, token, sym)
			if err != nil {
				var apiErr *APIError
				if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
					return nil
				}
				return err
			}
			results[i] = eq
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := make([]Equity, 0, len(results))
	for _, eq := range results {
		if eq != nil {
			out = append(out, *eq)
		}
	}
	return out, nil
}

var lendabilityValues = map[string]bool{
	"Easy To Borrow":  true,
	"Locate Required": true,
	"Preborrow":       true,
}

// ActiveEquities pages through the active equity universe.
func (c *Client) ActiveEquities(ctx context.Context, token string, pageOffset, perPage int, lendability string) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("page-offset", strconv.Itoa(pageOffset))
	q.Set("per-page", strconv.Itoa(perPage))
	if lendabilityValues[lendability] {
		q.Set("lendability", lendability)
	}
	return c.get(ctx, "/instruments/equities/active", token, q)
}

// SearchResult is one symbology search hit.
type SearchResult struct {
	Symbol      string `json:"symbol"`
	Description string `json:"description"`
}

// SearchSymbols runs a symbology search.
func (c *Client) SearchSymbols(ctx context.Context, token, query string) ([]SearchResult, error) {
	data, err := c.get(ctx, "/symbols/search/"+url.PathEscape(query), token, nil)
	if err != nil {
		return nil, err
	}
	raw, err := items(data)
	if err != nil {
		return nil, err
	}
	var out []SearchResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode search results: %w", err)
	}
	return out, nil
}

// ListFutures fetches the tradable futures universe, passed through.
func (c *Client) ListFutures(ctx context.Context, token string) (json.RawMessage, error) {
	data, err := c.get(ctx, "/instruments/futures", token, nil)
	if err != nil {
		return nil, err
	}
	return items(data)
}

// GetFuture fetches one future instrument, passed through.
func (c *Client) GetFuture(ctx context.Context, token, symbol string) (json.RawMessage, error) {
	return c.get(ctx, "/instruments/futures/"+url.PathEscape(symbol), token, nil)
}
