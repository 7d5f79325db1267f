package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Credentials identify an authenticated broker session. Login/TOTP bootstrap
// happens outside this process; the session token arrives via the environment.
type Credentials struct {
	UserID       string
	AccountID    string
	SessionToken string
}

// CredentialsFromEnv reads broker credentials, typically after godotenv has
// overlaid the .env file.
func CredentialsFromEnv() (Credentials, error) {
	creds := Credentials{
		UserID:       os.Getenv("SCALPER_USER_ID"),
		AccountID:    os.Getenv("SCALPER_ACCOUNT_ID"),
		SessionToken: os.Getenv("SCALPER_SESSION_TOKEN"),
	}
	if creds.UserID == "" || creds.SessionToken == "" {
		return Credentials{}, fmt.Errorf("missing SCALPER_USER_ID or SCALPER_SESSION_TOKEN in environment")
	}
	if creds.AccountID == "" {
		creds.AccountID = creds.UserID
	}
	return creds, nil
}

// Client talks to the Noren-style REST order API. Every call is rate limited,
// bounded by the configured timeout, and retried with exponential backoff on
// transport failures.
type Client struct {
	baseURL    string
	creds      Credentials
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
	log        zerolog.Logger
}

// ClientOption configures Client construction.
type ClientOption func(*Client)

// WithTimeout overrides the per-call HTTP timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithMaxRetries bounds transport-level retries per call.
func WithMaxRetries(n int) ClientOption {
	return func(c *Client) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithRateLimit caps outbound calls per second.
func WithRateLimit(perSec float64) ClientOption {
	return func(c *Client) {
		if perSec > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSec), 1)
		}
	}
}

// NewClient builds a REST client for the given API base URL.
func NewClient(baseURL string, creds Credentials, log zerolog.Logger, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		creds:      creds,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(5), 1),
		maxRetries: 3,
		log:        log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type apiEnvelope struct {
	Stat    string `json:"stat"`
	ErrMsg  string `json:"emsg"`
	OrderNo string `json:"norenordno"`
	Result  string `json:"result"`
	LTP     string `json:"lp"`
	Cash    string `json:"cash"`
}

// invoke posts one operation, retrying transport failures with backoff. The
// decoded body lands in out when the call succeeds.
func (c *Client) invoke(ctx context.Context, op string, payload map[string]string, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: encode request: %w", op, err)
	}
	body := "jData=" + string(data) + "&jKey=" + c.creds.SessionToken

	backoff := 250 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		raw, err := c.post(ctx, op, body)
		if err != nil {
			lastErr = err
			c.log.Warn().Err(err).Str("op", op).Int("attempt", attempt+1).Msg("broker call failed, retrying")
			continue
		}
		return json.Unmarshal(raw, out)
	}
	return fmt.Errorf("%s: %w", op, lastErr)
}

func (c *Client) post(ctx context.Context, op, body string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+op, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("server error %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<22))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return raw, nil
}

func (c *Client) basePayload() map[string]string {
	return map[string]string{
		"uid":   c.creds.UserID,
		"actid": c.creds.AccountID,
	}
}

// PlaceBracketOrder submits a market entry with attached stop-loss and
// take-profit distances. A Not_Ok response surfaces as a RejectionError.
func (c *Client) PlaceBracketOrder(ctx context.Context, req EntryRequest) (string, error) {
	payload := c.basePayload()
	payload["exch"] = req.Exchange
	payload["tsym"] = req.TradingSymbol
	payload["qty"] = strconv.Itoa(req.Qty)
	payload["dscqty"] = "0"
	payload["prd"] = ProductTypeIntraday
	payload["trantype"] = string(req.Side)
	payload["prctyp"] = PriceTypeMarket
	payload["prc"] = "0"
	payload["ret"] = "DAY"
	payload["blprc"] = formatPrice(req.StopLossPrice)
	if req.TargetPrice > 0 {
		payload["bpprc"] = formatPrice(req.TargetPrice)
	}
	if req.Remarks != "" {
		payload["remarks"] = req.Remarks
	}

	var env apiEnvelope
	if err := c.invoke(ctx, "PlaceOrder", payload, &env); err != nil {
		return "", err
	}
	if env.Stat != "Ok" {
		return "", &RejectionError{Reason: env.ErrMsg}
	}
	return env.OrderNo, nil
}

// ModifyOrder adjusts price or trigger of a working order.
func (c *Client) ModifyOrder(ctx context.Context, mod Modification) error {
	payload := c.basePayload()
	payload["exch"] = mod.Exchange
	payload["tsym"] = mod.TradingSymbol
	payload["norenordno"] = mod.OrderID
	payload["qty"] = strconv.Itoa(mod.Qty)
	payload["prctyp"] = mod.PriceType
	payload["prc"] = formatPrice(mod.NewPrice)
	if mod.NewTriggerPrice > 0 {
		payload["trgprc"] = formatPrice(mod.NewTriggerPrice)
	}

	var env apiEnvelope
	if err := c.invoke(ctx, "ModifyOrder", payload, &env); err != nil {
		return err
	}
	if env.Stat != "Ok" {
		return fmt.Errorf("modify order %s: %s", mod.OrderID, env.ErrMsg)
	}
	return nil
}

// CancelOrder cancels a working order.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	payload := c.basePayload()
	payload["norenordno"] = orderID

	var env apiEnvelope
	if err := c.invoke(ctx, "CancelOrder", payload, &env); err != nil {
		return err
	}
	if env.Stat != "Ok" {
		return fmt.Errorf("cancel order %s: %s", orderID, env.ErrMsg)
	}
	return nil
}

type orderRecord struct {
	OrderNo       string `json:"norenordno"`
	Exchange      string `json:"exch"`
	TradingSymbol string `json:"tsym"`
	Token         string `json:"token"`
	TranType      string `json:"trantype"`
	Status        string `json:"status"`
	Qty           string `json:"qty"`
	RemainingQty  string `json:"rqty"`
	FillShares    string `json:"fillshares"`
	Price         string `json:"prc"`
	TriggerPrice  string `json:"trgprc"`
	AvgPrice      string `json:"avgprc"`
	TickSize      string `json:"ti"`
	BracketNum    string `json:"snonum"`
	BracketLeg    string `json:"snoordt"`
	RejReason     string `json:"rejreason"`
}

// OrderBook fetches every order of the session normalized into Order records.
func (c *Client) OrderBook(ctx context.Context) ([]Order, error) {
	var records []orderRecord
	if err := c.invokeList(ctx, "OrderBook", c.basePayload(), &records); err != nil {
		return nil, err
	}

	orders := make([]Order, 0, len(records))
	for _, r := range records {
		orders = append(orders, Order{
			ID:              r.OrderNo,
			Exchange:        r.Exchange,
			Token:           r.Token,
			TradingSymbol:   r.TradingSymbol,
			Side:            Side(r.TranType),
			Status:          Status(r.Status),
			Qty:             int(parseInt(r.Qty)),
			FilledQty:       int(parseInt(r.FillShares)),
			LimitPrice:      parseFloat(r.Price),
			TriggerPrice:    parseFloat(r.TriggerPrice),
			AvgFillPrice:    parseFloat(r.AvgPrice),
			TickSize:        parseFloat(r.TickSize),
			LegSequence:     int(parseInt(r.BracketLeg)),
			Linked:          r.BracketNum != "",
			RejectionReason: r.RejReason,
		})
	}
	return orders, nil
}

type positionRecord struct {
	Token         string `json:"token"`
	Exchange      string `json:"exch"`
	TradingSymbol string `json:"tsym"`
	Product       string `json:"prd"`
	NetQty        string `json:"netqty"`
	UnrealizedM2M string `json:"urmtom"`
	RealizedPnL   string `json:"rpnl"`
}

// Positions fetches the position book reduced to per-instrument P&L.
func (c *Client) Positions(ctx context.Context) ([]Position, error) {
	records, err := c.positionBook(ctx)
	if err != nil {
		return nil, err
	}
	positions := make([]Position, 0, len(records))
	for _, r := range records {
		positions = append(positions, Position{
			Token:         r.Token,
			UnrealizedPnL: parseFloat(r.UnrealizedM2M),
			RealizedPnL:   parseFloat(r.RealizedPnL),
		})
	}
	return positions, nil
}

func (c *Client) positionBook(ctx context.Context) ([]positionRecord, error) {
	var records []positionRecord
	if err := c.invokeList(ctx, "PositionBook", c.basePayload(), &records); err != nil {
		return nil, err
	}
	return records, nil
}

// Quote fetches the last traded price for one instrument.
func (c *Client) Quote(ctx context.Context, exchange, token string) (Quote, error) {
	payload := c.basePayload()
	payload["exch"] = exchange
	payload["token"] = token

	var env apiEnvelope
	if err := c.invoke(ctx, "GetQuotes", payload, &env); err != nil {
		return Quote{}, err
	}
	if env.Stat != "Ok" {
		return Quote{}, fmt.Errorf("quote %s|%s: %s", exchange, token, env.ErrMsg)
	}
	return Quote{LTP: parseFloat(env.LTP)}, nil
}

// ExitAllPositions flattens every open intraday position with opposite market
// orders. Failures on individual instruments are logged and skipped so one bad
// symbol cannot leave the rest of the book open.
func (c *Client) ExitAllPositions(ctx context.Context) error {
	records, err := c.positionBook(ctx)
	if err != nil {
		return err
	}
	for _, r := range records {
		netQty := parseInt(r.NetQty)
		if netQty == 0 {
			continue
		}
		side := SideSell
		if netQty < 0 {
			side = SideBuy
			netQty = -netQty
		}
		payload := c.basePayload()
		payload["exch"] = r.Exchange
		payload["tsym"] = r.TradingSymbol
		payload["qty"] = strconv.FormatInt(netQty, 10)
		payload["dscqty"] = "0"
		payload["prd"] = r.Product
		payload["trantype"] = string(side)
		payload["prctyp"] = PriceTypeMarket
		payload["prc"] = "0"
		payload["ret"] = "DAY"
		payload["remarks"] = "exit all"

		var env apiEnvelope
		if err := c.invoke(ctx, "PlaceOrder", payload, &env); err != nil {
			c.log.Error().Err(err).Str("tsym", r.TradingSymbol).Msg("exit order failed")
			continue
		}
		if env.Stat != "Ok" {
			c.log.Error().Str("tsym", r.TradingSymbol).Str("reason", env.ErrMsg).Msg("exit order rejected")
		}
	}
	return nil
}

// AvailableCash returns the deployable balance reported by the limits API.
func (c *Client) AvailableCash(ctx context.Context) (float64, error) {
	var env apiEnvelope
	if err := c.invoke(ctx, "Limits", c.basePayload(), &env); err != nil {
		return 0, err
	}
	if env.Stat != "Ok" {
		return 0, fmt.Errorf("limits: %s", env.ErrMsg)
	}
	return parseFloat(env.Cash), nil
}

// invokeList handles endpoints that answer with either a JSON array or a
// single error envelope.
func (c *Client) invokeList(ctx context.Context, op string, payload map[string]string, out any) error {
	var raw json.RawMessage
	if err := c.invoke(ctx, op, payload, &raw); err != nil {
		return err
	}
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		return json.Unmarshal(raw, out)
	}
	var env apiEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	// "no data" is an empty book, not an error
	if strings.Contains(strings.ToLower(env.ErrMsg), "no data") {
		return nil
	}
	return fmt.Errorf("%s: %s", op, env.ErrMsg)
}

func formatPrice(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}

func parseInt(s string) int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}
	return v
}
