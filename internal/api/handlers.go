package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"rotaproxy/internal/pool"
	"rotaproxy/internal/pooltypes"
)

// handleStats returns the pool summary plus ring-derived request-rate
// and block-rate figures, per spec's /api/stats contract.
func (s *Server) handleStats(c *gin.Context) {
	ctx := c.Request.Context()
	stats, err := s.pl.Stats(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	recent, err := s.st.ListRequests(ctx, 500)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	reqPerSec, blockRate := summarizeRequests(recent)

	c.JSON(http.StatusOK, gin.H{
		"total_proxies": stats.Total,
		"healthy":       stats.Healthy,
		"dead":          stats.Dead,
		"req_per_sec":   reqPerSec,
		"block_rate":    blockRate,
		"avg_latency_ms": stats.AvgLatency,
	})
}

func summarizeRequests(records []pooltypes.RequestRecord) (reqPerSec, blockRate float64) {
	if len(records) == 0 {
		return 0, 0
	}
	blocked := 0
	minTS, maxTS := records[0].TS, records[0].TS
	for _, r := range records {
		if r.Blocked {
			blocked++
		}
		if r.TS < minTS {
			minTS = r.TS
		}
		if r.TS > maxTS {
			maxTS = r.TS
		}
	}
	window := maxTS - minTS
	if window <= 0 {
		window = 1
	}
	return float64(len(records)) / window, float64(blocked) / float64(len(records))
}

func (s *Server) handlePoolList(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", "50"))
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 50
	}

	proxies, total, err := s.pl.List(c.Request.Context(), pool.ListFilter{
		Status:  pooltypes.Status(c.Query("status")),
		Country: c.Query("country"),
		Offset:  (page - 1) * perPage,
		Limit:   perPage,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"page":     page,
		"per_page": perPage,
		"total":    total,
		"proxies":  proxies,
	})
}

func (s *Server) handlePoolFlush(c *gin.Context) {
	n, err := s.pl.FlushDead(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"flushed": n})
}

func (s *Server) handlePoolRefresh(c *gin.Context) {
	go func() {
		ctx := context.Background()
		added, _, err := s.maint.Refresh(ctx)
		if err != nil {
			log.WithFields(log.Fields{"component": "api"}).Errorf("manual refresh failed: %v", err)
			return
		}
		log.WithFields(log.Fields{"component": "api"}).Infof("manual refresh added %d proxies", added)
	}()
	c.JSON(http.StatusAccepted, gin.H{"message": "refresh triggered"})
}

func (s *Server) handleRequests(c *gin.Context) {
	count, _ := strconv.ParseInt(c.DefaultQuery("count", "100"), 10, 64)
	if count <= 0 {
		count = 100
	}
	records, err := s.st.ListRequests(c.Request.Context(), count)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": records})
}

func (s *Server) handleGetRotationRules(c *gin.Context) {
	cfg, err := s.st.GetRotationConfig(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (s *Server) handleSetRotationRules(c *gin.Context) {
	var cfg pooltypes.RotationConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !validRotationStrategy(cfg.Strategy) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown strategy"})
		return
	}
	if err := s.st.SetRotationConfig(c.Request.Context(), cfg); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func validRotationStrategy(s pooltypes.Strategy) bool {
	switch s {
	case pooltypes.StrategyPerRequest, pooltypes.StrategyPerSession,
		pooltypes.StrategyTimeBased, pooltypes.StrategyOnBlock, pooltypes.StrategyRoundRobin:
		return true
	}
	return false
}

func (s *Server) handleListOverrides(c *gin.Context) {
	overrides, err := s.st.ListDomainOverrides(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"overrides": overrides})
}

func (s *Server) handleSetOverride(c *gin.Context) {
	var o pooltypes.DomainOverride
	if err := c.ShouldBindJSON(&o); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if o.Domain == "" || !validRotationStrategy(o.Strategy) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "domain and a valid strategy are required"})
		return
	}
	if err := s.st.SetDomainOverride(c.Request.Context(), o); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, o)
}

func (s *Server) handleDeleteOverride(c *gin.Context) {
	domain := c.Param("domain")
	if err := s.st.DeleteDomainOverride(c.Request.Context(), domain); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": domain})
}
