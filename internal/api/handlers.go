package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"papertrader/config"
	"papertrader/internal/domain"
)

func (s *Server) handleStart(c *gin.Context) {
	s.core.Start(context.Background(), 2*time.Second)
	c.JSON(http.StatusOK, gin.H{"status": "started"})
}

func (s *Server) handleStop(c *gin.Context) {
	s.core.Stop()
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

func (s *Server) handleResetPortfolio(c *gin.Context) {
	s.core.Portfolio().Reset()
	c.JSON(http.StatusOK, s.core.Portfolio().Snapshot())
}

func (s *Server) handlePortfolioSnapshot(c *gin.Context) {
	snap := s.core.Portfolio().Snapshot()
	tripped, reason, peak, dailyLoss := s.core.Breaker().Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"cash_balance":       snap.CashBalance,
		"used_margin":        snap.UsedMargin,
		"equity":             snap.Equity,
		"consecutive_losses": snap.ConsecutiveLosses,
		"cool_down_until":    snap.CoolDownUntil,
		"daily_pnl":          snap.DailyPnL,
		"open_trade_count":   snap.OpenTradeCount,
		"breaker_tripped":    tripped,
		"breaker_reason":     reason,
		"peak_equity":        peak,
		"daily_loss_accum":   dailyLoss,
	})
}

type riskSettingsRequest struct {
	MaxPositions           int     `json:"max_positions" binding:"required"`
	RiskPercentagePerTrade float64 `json:"risk_percentage_per_trade" binding:"required"`
	Leverage               int     `json:"leverage" binding:"required"`
	MinConfidence          float64 `json:"min_confidence"`
	SignalIntervalMinutes  int     `json:"signal_interval_minutes" binding:"required"`
	DefaultQuantity        float64 `json:"default_quantity" binding:"required"`
	Enabled                bool    `json:"enabled"`

	MaxDailyLossPct         float64 `json:"max_daily_loss_pct" binding:"required"`
	MaxDrawdownFromPeakPct  float64 `json:"max_drawdown_from_peak_pct" binding:"required"`
	CoolDownLossThreshold   int     `json:"cool_down_loss_threshold" binding:"required"`
	CoolDownDurationMinutes int     `json:"cool_down_duration_minutes"`
}

func (s *Server) handleUpdateRiskSettings(c *gin.Context) {
	var req riskSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	trading := config.TradingConfig{
		Enabled:                req.Enabled,
		MaxPositions:           req.MaxPositions,
		RiskPercentagePerTrade: req.RiskPercentagePerTrade,
		Leverage:               req.Leverage,
		MinConfidence:          req.MinConfidence,
		SignalIntervalMinutes:  req.SignalIntervalMinutes,
		DefaultQuantity:        req.DefaultQuantity,
	}
	riskCfg := config.RiskConfig{
		MaxDailyLossPct:         req.MaxDailyLossPct,
		MaxDrawdownFromPeakPct:  req.MaxDrawdownFromPeakPct,
		CoolDownLossThreshold:   req.CoolDownLossThreshold,
		CoolDownDurationMinutes: req.CoolDownDurationMinutes,
	}

	if err := s.core.UpdateRiskSettings(trading, riskCfg); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "applied"})
}

type manualTradeRequest struct {
	Symbol   string  `json:"symbol" binding:"required"`
	Type     string  `json:"type" binding:"required"` // "long" or "short"
	Quantity float64 `json:"quantity" binding:"required"`
}

func (s *Server) handleExecuteManualTrade(c *gin.Context) {
	var req manualTradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	var tradeType domain.TradeType
	switch req.Type {
	case "long":
		tradeType = domain.Long
	case "short":
		tradeType = domain.Short
	default:
		errorResponse(c, http.StatusBadRequest, "type must be \"long\" or \"short\"")
		return
	}

	_, rej := s.core.ExecuteManualTrade(c.Request.Context(), domain.Symbol(req.Symbol), tradeType, decimal.NewFromFloat(req.Quantity))
	if rej != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": rej.Rule, "detail": rej.Detail})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "submitted"})
}

type closeTradeRequest struct {
	Fraction float64 `json:"fraction" binding:"required"`
}

func (s *Server) handleCloseTrade(c *gin.Context) {
	idStr := c.Param("id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid trade id")
		return
	}

	var req closeTradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	trade, ok := s.core.Portfolio().Get(id)
	if !ok {
		errorResponse(c, http.StatusNotFound, "trade not found")
		return
	}

	quote, err := latestPriceForTrade(c, s, trade.Symbol)
	if err != nil {
		errorResponse(c, http.StatusServiceUnavailable, err.Error())
		return
	}

	delta, err := s.core.Portfolio().Close(id, req.Fraction, quote, decimal.Zero, time.Now())
	if err != nil {
		errorResponse(c, http.StatusUnprocessableEntity, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"realized_pnl_delta": delta})
}

func latestPriceForTrade(c *gin.Context, s *Server, symbol domain.Symbol) (decimal.Decimal, error) {
	quote, err := s.core.LatestPrice(c.Request.Context(), symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return quote, nil
}

type triggerAnalysisRequest struct {
	Symbol string `json:"symbol"`
}

func (s *Server) handleTriggerAnalysis(c *gin.Context) {
	var req triggerAnalysisRequest
	_ = c.ShouldBindJSON(&req)
	s.core.TriggerAnalysis(c.Request.Context(), domain.Symbol(req.Symbol))
	c.JSON(http.StatusOK, gin.H{"status": "triggered"})
}
