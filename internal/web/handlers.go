package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/vitos/mt5_trade_manager/internal/domain"
	"go.uber.org/zap"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	gateway := true
	if err := s.broker.Ping(r.Context()); err != nil {
		s.logger.Warn("Gateway ping failed", zap.Error(err))
		gateway = false
	}

	s.respondJSON(w, map[string]interface{}{
		"status":  "ok",
		"gateway": gateway,
		"time":    time.Now().UTC(),
	})
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.broker.AccountInfo(r.Context())
	if err != nil {
		s.logger.Error("Failed to fetch account info", zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	s.respondJSON(w, acct)
}

func (s *Server) handleListBots(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.bots.Statuses(r.Context())
	if err != nil {
		s.logger.Error("Failed to list bots", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.respondJSON(w, statuses)
}

func (s *Server) handleBotStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.bots.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), s.httpStatus(err))
		return
	}
	s.respondJSON(w, st)
}

func (s *Server) handleStartBot(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.bots.StartBot(r.Context(), id); err != nil {
		s.logger.Error("Failed to start bot", zap.String("bot_id", id), zap.Error(err))
		http.Error(w, err.Error(), s.httpStatus(err))
		return
	}
	s.respondJSON(w, map[string]string{"status": "started"})
}

func (s *Server) handleStopBot(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.bots.StopBot(id); err != nil {
		http.Error(w, err.Error(), s.httpStatus(err))
		return
	}
	s.respondJSON(w, map[string]string{"status": "stopped"})
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	type regimeParamsRequest struct {
		TP1Points float64 `json:"tp1_points"`
		TP2Points float64 `json:"tp2_points"`
		TP3Points float64 `json:"tp3_points"`
		SLPoints  float64 `json:"sl_points"`
	}
	type botConfigRequest struct {
		Symbol         string              `json:"symbol"`
		Timeframe      string              `json:"timeframe"`
		SizingMode     string              `json:"sizing_mode"`
		FixedLot       float64             `json:"fixed_lot"`
		RiskPercent    float64             `json:"risk_percent"`
		Trend          regimeParamsRequest `json:"trend"`
		Range          regimeParamsRequest `json:"range"`
		TrailingMode   string              `json:"trailing_mode"`
		TrailingPoints float64             `json:"trailing_points"`
		ATRPeriod      int                 `json:"atr_period"`
		ATRMultiplier  float64             `json:"atr_multiplier"`
		SplitLegs      bool                `json:"split_legs"`
		DryRun         bool                `json:"dry_run"`
		Enabled        bool                `json:"enabled"`
		MaxConcurrent  int                 `json:"max_concurrent"`
		PollIntervalMs int                 `json:"poll_interval_ms"`
	}

	var req botConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if req.Symbol == "" {
		http.Error(w, "symbol is required", http.StatusBadRequest)
		return
	}
	if req.SizingMode == "" {
		req.SizingMode = string(domain.SizingFixedLot)
	}
	if req.SizingMode == string(domain.SizingFixedLot) && req.FixedLot <= 0 {
		http.Error(w, "fixed_lot must be greater than 0", http.StatusBadRequest)
		return
	}
	if req.SizingMode == string(domain.SizingRiskPercent) && req.RiskPercent <= 0 {
		http.Error(w, "risk_percent must be greater than 0", http.StatusBadRequest)
		return
	}
	if req.Trend.SLPoints <= 0 || req.Range.SLPoints <= 0 {
		http.Error(w, "sl_points must be greater than 0 for both regimes", http.StatusBadRequest)
		return
	}
	if req.TrailingMode == "" {
		req.TrailingMode = string(domain.TrailingPoints)
	}

	cfg := &domain.BotConfig{
		ID:             r.PathValue("id"),
		Symbol:         req.Symbol,
		Timeframe:      req.Timeframe,
		SizingMode:     domain.SizingMode(req.SizingMode),
		FixedLot:       req.FixedLot,
		RiskPercent:    req.RiskPercent,
		Trend:          domain.RegimeParams(req.Trend),
		Range:          domain.RegimeParams(req.Range),
		TrailingMode:   domain.TrailingMode(req.TrailingMode),
		TrailingPoints: req.TrailingPoints,
		ATRPeriod:      req.ATRPeriod,
		ATRMultiplier:  req.ATRMultiplier,
		SplitLegs:      req.SplitLegs,
		DryRun:         req.DryRun,
		Enabled:        req.Enabled,
		MaxConcurrent:  req.MaxConcurrent,
		PollIntervalMs: req.PollIntervalMs,
	}
	if err := s.store.SaveBotConfig(r.Context(), cfg); err != nil {
		s.logger.Error("Failed to save bot config", zap.String("bot_id", cfg.ID), zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// A running bot keeps the config it started with.
	s.respondJSON(w, map[string]string{
		"status": "saved",
		"note":   "restart the bot to apply",
	})
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	type signalRequest struct {
		Direction string  `json:"direction"`
		Regime    string  `json:"regime"`
		Entry     float64 `json:"entry"`
		Comment   string  `json:"comment"`
	}

	var req signalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Regime == "" {
		req.Regime = string(domain.RegimeTrend)
	}

	id := r.PathValue("id")
	sig := &domain.TradeSignal{
		BotID:      id,
		Direction:  domain.Direction(req.Direction),
		Regime:     domain.Regime(req.Regime),
		Entry:      req.Entry,
		Comment:    req.Comment,
		ReceivedAt: time.Now().UTC(),
	}
	if err := sig.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.bots.Signal(id, sig); err != nil {
		s.logger.Warn("Signal not accepted", zap.String("bot_id", id), zap.Error(err))
		http.Error(w, err.Error(), s.httpStatus(err))
		return
	}

	s.logger.Info("Signal accepted",
		zap.String("bot_id", id), zap.String("direction", req.Direction))
	s.respondJSON(w, map[string]string{"status": "accepted"})
}

func (s *Server) handleBotGroups(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if r.URL.Query().Get("active") == "true" {
		groups, err := s.store.ListActiveGroups(r.Context(), id)
		if err != nil {
			s.logger.Error("Failed to list active groups", zap.Error(err))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.respondJSON(w, groups)
		return
	}

	groups, err := s.store.ListGroups(r.Context(), id, queryLimit(r, 50))
	if err != nil {
		s.logger.Error("Failed to list groups", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.respondJSON(w, groups)
}

func (s *Server) handleGroupTrades(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetGroup(r.Context(), id); err != nil {
		http.Error(w, err.Error(), s.httpStatus(err))
		return
	}

	trades, err := s.store.ListTradesByGroup(r.Context(), id)
	if err != nil {
		s.logger.Error("Failed to list group trades", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.respondJSON(w, trades)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.ListEvents(r.Context(), r.URL.Query().Get("bot"), queryLimit(r, 100))
	if err != nil {
		s.logger.Error("Failed to list events", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.respondJSON(w, events)
}

func (s *Server) respondJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) httpStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrBotNotFound),
		errors.Is(err, domain.ErrGroupNotFound),
		errors.Is(err, domain.ErrTradeNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrBotRunning):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidSignal), errors.Is(err, domain.ErrInvalidLevels):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func queryLimit(r *http.Request, dflt int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return dflt
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return dflt
	}
	return n
}
