package market

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/growledge/trading-engine/internal/model"
	"github.com/growledge/trading-engine/internal/symbol"
)

// ErrProviderUnavailable matches every live-provider failure.
var ErrProviderUnavailable = errors.New("market: live provider unavailable")

// FailureReason classifies a live-provider failure.
type FailureReason string

const (
	ReasonTransport   FailureReason = "transport"
	ReasonStatus      FailureReason = "status"
	ReasonMalformed   FailureReason = "malformed"
	ReasonTimeout     FailureReason = "timeout"
	ReasonBreakerOpen FailureReason = "breaker_open"
)

// ProviderError is the failure result of a live call. errors.Is matches it
// against ErrProviderUnavailable.
type ProviderError struct {
	Op     string
	Reason FailureReason
	Err    error
}

func (e *ProviderError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("market: live %s failed: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("market: live %s failed: %s: %v", e.Op, e.Reason, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func (e *ProviderError) Is(target error) bool { return target == ErrProviderUnavailable }

// LiveClient is a real-time market data source. Implementations return a
// *ProviderError on failure.
type LiveClient interface {
	Quote(ctx context.Context, sym, exchange string) (model.Quote, error)
	Search(ctx context.Context, query string) ([]model.SearchResult, error)
	History(ctx context.Context, sym, interval, exchange string, from, to time.Time) ([]model.HistoricalBar, error)
}

// BrokerConfig holds the brokerage API credentials.
type BrokerConfig struct {
	BaseURL      string
	APIKey       string
	APISecret    string
	SessionToken string
}

// Configured reports whether all credentials are present.
func (c BrokerConfig) Configured() bool {
	return c.BaseURL != "" && c.APIKey != "" && c.APISecret != "" && c.SessionToken != ""
}

// BrokerClient talks to the brokerage REST API. Every response is an envelope
// {"Success": [...], "Status": 200, "Error": null}.
type BrokerClient struct {
	cfg  BrokerConfig
	http *http.Client
	now  func() time.Time
}

// NewBrokerClient creates a client. A nil httpClient uses http.DefaultClient;
// callers bound each call through the context.
func NewBrokerClient(cfg BrokerConfig, httpClient *http.Client) *BrokerClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &BrokerClient{cfg: cfg, http: httpClient, now: time.Now}
}

type envelope[T any] struct {
	Success []T     `json:"Success"`
	Status  int     `json:"Status"`
	Error   *string `json:"Error"`
}

type brokerQuote struct {
	StockCode        string          `json:"stock_code"`
	ExchangeCode     string          `json:"exchange_code"`
	LongName         string          `json:"long_name"`
	LTP              decimal.Decimal `json:"ltp"`
	Change           decimal.Decimal `json:"change"`
	ChangePercentage decimal.Decimal `json:"change_percentage"`
	High             decimal.Decimal `json:"high"`
	Low              decimal.Decimal `json:"low"`
	Volume           decimal.Decimal `json:"volume"`
}

type brokerName struct {
	StockCode    string `json:"stock_code"`
	ExchangeCode string `json:"exchange_code"`
	LongName     string `json:"long_name"`
}

type brokerBar struct {
	Datetime string          `json:"datetime"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   decimal.Decimal `json:"volume"`
}

// brokerTimeFormat is the timestamp layout the API expects and returns.
const brokerTimeFormat = "2006-01-02T15:04:05.000Z"

func (c *BrokerClient) Quote(ctx context.Context, sym, exchange string) (model.Quote, error) {
	const op = "quote"
	params := url.Values{
		"stock_code":    {sym},
		"exchange_code": {exchange},
		"product_type":  {"cash"},
	}
	var env envelope[brokerQuote]
	if err := c.get(ctx, op, "/quotes", params, &env); err != nil {
		return model.Quote{}, err
	}
	if len(env.Success) == 0 {
		return model.Quote{}, &ProviderError{Op: op, Reason: ReasonMalformed, Err: errors.New("empty result")}
	}
	q := env.Success[0]
	if !q.LTP.IsPositive() {
		return model.Quote{}, &ProviderError{Op: op, Reason: ReasonMalformed, Err: fmt.Errorf("non-positive ltp %s", q.LTP)}
	}
	name := q.LongName
	if name == "" {
		name = sym
	}
	return model.Quote{
		Symbol:        sym,
		Name:          name,
		Price:         q.LTP.Round(2),
		Change:        q.Change.Round(2),
		ChangePercent: q.ChangePercentage.Round(2),
		High:          q.High.Round(2),
		Low:           q.Low.Round(2),
		Volume:        q.Volume.IntPart(),
		Timestamp:     c.now(),
		Exchange:      exchange,
		Source:        model.SourceLive,
	}, nil
}

func (c *BrokerClient) Search(ctx context.Context, query string) ([]model.SearchResult, error) {
	const op = "search"
	params := url.Values{
		"exchange_code": {symbol.ExchangeNSE},
		"stock_code":    {strings.ToUpper(query)},
	}
	var env envelope[brokerName]
	if err := c.get(ctx, op, "/names", params, &env); err != nil {
		return nil, err
	}
	results := make([]model.SearchResult, 0, len(env.Success))
	for _, n := range env.Success {
		if n.StockCode == "" {
			continue
		}
		exchange := n.ExchangeCode
		if exchange == "" {
			exchange = symbol.ExchangeNSE
		}
		results = append(results, model.SearchResult{
			Symbol:   n.StockCode,
			Name:     n.LongName,
			Exchange: exchange,
			Type:     "Equity",
			Currency: symbol.Currency(exchange),
		})
	}
	return results, nil
}

func (c *BrokerClient) History(ctx context.Context, sym, interval, exchange string, from, to time.Time) ([]model.HistoricalBar, error) {
	const op = "history"
	params := url.Values{
		"interval":      {interval},
		"from_date":     {from.UTC().Format(brokerTimeFormat)},
		"to_date":       {to.UTC().Format(brokerTimeFormat)},
		"stock_code":    {sym},
		"exchange_code": {exchange},
		"product_type":  {"cash"},
	}
	var env envelope[brokerBar]
	if err := c.get(ctx, op, "/historicalcharts", params, &env); err != nil {
		return nil, err
	}
	bars := make([]model.HistoricalBar, 0, len(env.Success))
	for _, b := range env.Success {
		ts, err := parseBrokerTime(b.Datetime)
		if err != nil {
			return nil, &ProviderError{Op: op, Reason: ReasonMalformed, Err: fmt.Errorf("bar datetime %q: %w", b.Datetime, err)}
		}
		if b.Low.GreaterThan(b.High) {
			return nil, &ProviderError{Op: op, Reason: ReasonMalformed, Err: fmt.Errorf("bar %s has low above high", b.Datetime)}
		}
		bars = append(bars, model.HistoricalBar{
			Timestamp: ts,
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    b.Volume.IntPart(),
		})
	}
	return bars, nil
}

// parseBrokerTime accepts the timestamp layouts the API is known to return.
func parseBrokerTime(s string) (time.Time, error) {
	var err error
	for _, layout := range []string{time.RFC3339, brokerTimeFormat, time.DateTime} {
		var ts time.Time
		if ts, err = time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, err
}

// get performs a signed GET and decodes the envelope into dst.
func (c *BrokerClient) get(ctx context.Context, op, path string, params url.Values, dst any) error {
	query := params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path+"?"+query, nil)
	if err != nil {
		return &ProviderError{Op: op, Reason: ReasonTransport, Err: err}
	}

	ts := c.now().UTC().Format(brokerTimeFormat)
	sum := sha256.Sum256([]byte(ts + query + c.cfg.APISecret))
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-AppKey", c.cfg.APIKey)
	req.Header.Set("X-SessionToken", c.cfg.SessionToken)
	req.Header.Set("X-Timestamp", ts)
	req.Header.Set("X-Checksum", "token "+hex.EncodeToString(sum[:]))

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return &ProviderError{Op: op, Reason: ReasonTimeout, Err: ctx.Err()}
		}
		return &ProviderError{Op: op, Reason: ReasonTransport, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return &ProviderError{Op: op, Reason: ReasonStatus, Err: fmt.Errorf("http status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		if ctx.Err() != nil {
			return &ProviderError{Op: op, Reason: ReasonTimeout, Err: ctx.Err()}
		}
		return &ProviderError{Op: op, Reason: ReasonTransport, Err: err}
	}

	// Decode the status fields first so an error envelope is reported as such
	// even when its Success payload has an unexpected shape.
	var head struct {
		Status int     `json:"Status"`
		Error  *string `json:"Error"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return &ProviderError{Op: op, Reason: ReasonMalformed, Err: err}
	}
	if head.Status != http.StatusOK || head.Error != nil {
		msg := "unsuccessful response"
		if head.Error != nil {
			msg = *head.Error
		}
		return &ProviderError{Op: op, Reason: ReasonStatus, Err: fmt.Errorf("status %d: %s", head.Status, msg)}
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return &ProviderError{Op: op, Reason: ReasonMalformed, Err: err}
	}
	return nil
}
