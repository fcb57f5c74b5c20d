package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/NinaFal/20k5ers/internal/broker"
	"github.com/NinaFal/20k5ers/internal/entry"
	"github.com/NinaFal/20k5ers/pkg/params"
)

// getStatus returns the engine snapshot: account, drawdown, tiers, counts.
func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  s.Engine.Status(),
		"venue":   s.Meta.Venue,
		"dry_run": s.Meta.DryRun,
		"version": s.Meta.Version,
	})
}

func (s *Server) getPositions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"positions": s.Engine.Positions()})
}

func (s *Server) getQueue(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"entries": s.Engine.Queue()})
}

func (s *Server) getTrades(c *gin.Context) {
	trades, err := s.Store.RecentTrades(c.Request.Context(), limitParam(c, 100))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (s *Server) getEvents(c *gin.Context) {
	evts, err := s.Store.RecentEvents(c.Request.Context(), limitParam(c, 200))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": evts})
}

// signalRequest is the wire form of an injected signal.
type signalRequest struct {
	Symbol     string  `json:"symbol" binding:"required"`
	Direction  string  `json:"direction" binding:"required"`
	EntryPrice float64 `json:"entry_price" binding:"required"`
	StopPrice  float64 `json:"stop_price" binding:"required"`
	Confidence float64 `json:"confidence"`
	TPLevels   []struct {
		RMultiple     float64 `json:"r_multiple"`
		CloseFraction float64 `json:"close_fraction"`
	} `json:"tp_levels"`
}

// postSignal queues an externally produced signal.
func (s *Server) postSignal(c *gin.Context) {
	var req signalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": err.Error()})
		return
	}
	dir, err := broker.ParseDirection(req.Direction)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_DIRECTION", "error": err.Error()})
		return
	}
	sig := entry.Signal{
		Symbol:      req.Symbol,
		Direction:   dir,
		EntryPrice:  req.EntryPrice,
		StopPrice:   req.StopPrice,
		Confidence:  req.Confidence,
		GeneratedAt: time.Now().UTC(),
	}
	for _, lv := range req.TPLevels {
		sig.TPLevels = append(sig.TPLevels, params.TPLevel{
			RMultiple:     lv.RMultiple,
			CloseFraction: lv.CloseFraction,
		})
	}
	id, err := s.Engine.Submit(c.Request.Context(), sig)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"code": "REJECTED", "error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"entry_id": id})
}

func limitParam(c *gin.Context, def int) int {
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			return n
		}
	}
	return def
}
