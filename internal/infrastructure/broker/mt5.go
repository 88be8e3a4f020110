package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vitos/mt5_trade_manager/internal/domain"
	"go.uber.org/zap"
)

// MT5Gateway talks to the bridge process that sits in front of the terminal.
// REST for request/response calls, a websocket stream for live ticks.
type MT5Gateway struct {
	baseURL   string
	wsURL     string
	apiKey    string
	client    *http.Client
	logger    *zap.Logger
	wsConn    *websocket.Conn
	callbacks []func(tick *domain.Tick)
	mu        sync.Mutex
}

func NewMT5Gateway(baseURL, wsURL, apiKey string, logger *zap.Logger) *MT5Gateway {
	return &MT5Gateway{
		baseURL: baseURL,
		wsURL:   wsURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
	}
}

type gatewayResponse struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (g *MT5Gateway) sendRequest(ctx context.Context, method, path string, payload interface{}) (json.RawMessage, error) {
	var body []byte
	if payload != nil {
		jsonBody, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = jsonBody
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	if g.apiKey != "" {
		req.Header.Set("X-API-KEY", g.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("gateway %s %s: HTTP %d: %s", method, path, resp.StatusCode, string(respBody))
	}

	var envelope gatewayResponse
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return nil, fmt.Errorf("gateway %s %s: bad response: %w", method, path, err)
	}
	if !envelope.Success {
		return nil, fmt.Errorf("gateway %s %s: %s", method, path, envelope.Error)
	}
	return envelope.Data, nil
}

// Initialize attaches the bridge to the terminal. Idempotent on the gateway
// side, so the reconnect path can call it again after a failed ping.
func (g *MT5Gateway) Initialize(ctx context.Context) error {
	_, err := g.sendRequest(ctx, http.MethodPost, "/initialize", nil)
	return err
}

func (g *MT5Gateway) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := g.sendRequest(ctx, http.MethodPost, "/shutdown", nil)

	g.mu.Lock()
	if g.wsConn != nil {
		g.wsConn.Close()
		g.wsConn = nil
	}
	g.mu.Unlock()

	return err
}

func (g *MT5Gateway) Ping(ctx context.Context) error {
	_, err := g.sendRequest(ctx, http.MethodGet, "/ping", nil)
	return err
}

func (g *MT5Gateway) AccountInfo(ctx context.Context) (*domain.AccountInfo, error) {
	data, err := g.sendRequest(ctx, http.MethodGet, "/account", nil)
	if err != nil {
		return nil, err
	}
	var info domain.AccountInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (g *MT5Gateway) SymbolInfo(ctx context.Context, symbol string) (*domain.SymbolInfo, error) {
	data, err := g.sendRequest(ctx, http.MethodGet, "/symbols/"+url.PathEscape(symbol), nil)
	if err != nil {
		return nil, err
	}
	var info domain.SymbolInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (g *MT5Gateway) SymbolInfoTick(ctx context.Context, symbol string) (*domain.Tick, error) {
	data, err := g.sendRequest(ctx, http.MethodGet, "/ticks/"+url.PathEscape(symbol), nil)
	if err != nil {
		return nil, err
	}
	var tick domain.Tick
	if err := json.Unmarshal(data, &tick); err != nil {
		return nil, err
	}
	if tick.Symbol == "" {
		tick.Symbol = symbol
	}
	return &tick, nil
}

func (g *MT5Gateway) CopyRatesFromPos(ctx context.Context, symbol, timeframe string, start, count int) ([]domain.Rate, error) {
	path := fmt.Sprintf("/rates/%s?timeframe=%s&start=%d&count=%d",
		url.PathEscape(symbol), url.QueryEscape(timeframe), start, count)
	data, err := g.sendRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var rates []domain.Rate
	if err := json.Unmarshal(data, &rates); err != nil {
		return nil, err
	}
	return rates, nil
}

func (g *MT5Gateway) CopyRatesRange(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]domain.Rate, error) {
	path := fmt.Sprintf("/rates/%s/range?timeframe=%s&from=%d&to=%d",
		url.PathEscape(symbol), url.QueryEscape(timeframe), from.Unix(), to.Unix())
	data, err := g.sendRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var rates []domain.Rate
	if err := json.Unmarshal(data, &rates); err != nil {
		return nil, err
	}
	return rates, nil
}

// PositionsGet returns open positions, optionally filtered by symbol.
func (g *MT5Gateway) PositionsGet(ctx context.Context, symbol string) ([]*domain.BrokerPosition, error) {
	path := "/positions"
	if symbol != "" {
		path += "?symbol=" + url.QueryEscape(symbol)
	}
	data, err := g.sendRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var positions []*domain.BrokerPosition
	if err := json.Unmarshal(data, &positions); err != nil {
		return nil, err
	}
	return positions, nil
}

func (g *MT5Gateway) OrderSend(ctx context.Context, req *domain.OrderRequest) (*domain.OrderResult, error) {
	data, err := g.sendRequest(ctx, http.MethodPost, "/orders", req)
	if err != nil {
		return nil, err
	}
	var result domain.OrderResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	if result.Ticket == 0 {
		return nil, fmt.Errorf("order rejected: retcode %d %s", result.RetCode, result.Comment)
	}
	return &result, nil
}

func (g *MT5Gateway) OrderClose(ctx context.Context, ticket int64, volume float64) (*domain.OrderResult, error) {
	payload := map[string]interface{}{
		"ticket": ticket,
		"volume": volume,
	}
	data, err := g.sendRequest(ctx, http.MethodPost, "/orders/close", payload)
	if err != nil {
		return nil, err
	}
	var result domain.OrderResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (g *MT5Gateway) PositionModify(ctx context.Context, ticket int64, stopLoss, takeProfit float64) error {
	payload := map[string]interface{}{
		"ticket": ticket,
		"sl":     stopLoss,
		"tp":     takeProfit,
	}
	_, err := g.sendRequest(ctx, http.MethodPost, "/positions/modify", payload)
	return err
}

func (g *MT5Gateway) RecentDeals(ctx context.Context, symbol string, since time.Time) ([]*domain.Deal, error) {
	path := "/deals?from=" + strconv.FormatInt(since.Unix(), 10)
	if symbol != "" {
		path += "&symbol=" + url.QueryEscape(symbol)
	}
	data, err := g.sendRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var deals []*domain.Deal
	if err := json.Unmarshal(data, &deals); err != nil {
		return nil, err
	}
	return deals, nil
}

// --- WebSocket tick stream ---

func (g *MT5Gateway) OnTick(callback func(tick *domain.Tick)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.callbacks = append(g.callbacks, callback)
}

func (g *MT5Gateway) SubscribeTicks(symbols []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.wsConn == nil {
		header := http.Header{}
		if g.apiKey != "" {
			header.Set("X-API-KEY", g.apiKey)
		}
		c, _, err := websocket.DefaultDialer.Dial(g.wsURL, header)
		if err != nil {
			return err
		}
		g.wsConn = c
		go g.readLoop(c)
	}

	return g.subscribe(symbols)
}

func (g *MT5Gateway) subscribe(symbols []string) error {
	if len(symbols) == 0 {
		return nil
	}
	args := make([]string, 0, len(symbols))
	for _, s := range symbols {
		args = append(args, "ticks."+s)
	}
	subMsg := map[string]interface{}{
		"op":   "subscribe",
		"args": args,
	}
	return g.wsConn.WriteJSON(subMsg)
}

type wsMessage struct {
	Channel string      `json:"channel"`
	Data    domain.Tick `json:"data"`
}

func (g *MT5Gateway) readLoop(conn *websocket.Conn) {
	defer func() {
		conn.Close()
		g.mu.Lock()
		if g.wsConn == conn {
			g.wsConn = nil
		}
		g.mu.Unlock()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			g.logger.Warn("Tick stream closed", zap.Error(err))
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Channel != "ticks" || msg.Data.Symbol == "" {
			continue
		}

		g.mu.Lock()
		callbacks := make([]func(tick *domain.Tick), len(g.callbacks))
		copy(callbacks, g.callbacks)
		g.mu.Unlock()

		tick := msg.Data
		for _, cb := range callbacks {
			cb(&tick)
		}
	}
}
