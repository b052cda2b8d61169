// Package httpapi serves the JSON read API over the live engine state,
// plus an admin transaction-injection endpoint for operational tooling.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"PerpBook/internal/engine"
	"PerpBook/internal/fastquery"
	"PerpBook/internal/ingestion"
	"PerpBook/internal/ledger"
	"PerpBook/internal/observability"
)

// Server wires the gin router over the fastquery service. Queries never
// touch Postgres; they read the in-memory state under the engine read lock.
type Server struct {
	addr    string
	queries *fastquery.Service
	eng     *engine.Engine
	health  *observability.HealthChecker
	metrics *observability.Metrics
	log     zerolog.Logger
	srv     *http.Server
}

func NewServer(
	addr string,
	queries *fastquery.Service,
	eng *engine.Engine,
	health *observability.HealthChecker,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Server {
	return &Server{
		addr:    addr,
		queries: queries,
		eng:     eng,
		health:  health,
		metrics: metrics,
		log:     log,
	}
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *apiError   `json:"error,omitempty"`
}

func success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, apiResponse{Success: true, Data: data})
}

func fail(c *gin.Context, status int, code, message string) {
	c.JSON(status, apiResponse{Success: false, Error: &apiError{Code: code, Message: message}})
}

// Router builds the gin handler tree. Run serves it; tests mount it on an
// httptest server directly.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.observe())

	router.GET("/healthz", s.health.LivenessHandler)
	router.GET("/readyz", s.health.ReadinessHandler)

	v1 := router.Group("/v1")
	{
		v1.GET("/markets", s.handleMarkets)
		v1.GET("/margin/:trader", s.handleMargin)
		v1.GET("/positions/:trader", s.handlePositions)
		v1.GET("/orders/:hash", s.handleOrder)
		v1.GET("/snapshot", s.handleSnapshot)
		v1.POST("/admin/tx", s.handleAdminTx)
	}

	return router
}

// Run starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:         s.addr,
		Handler:      s.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()
	s.log.Info().Str("addr", s.addr).Msg("http api listening")

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutCtx)
	case err := <-errChan:
		return err
	}
}

func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if s.metrics == nil {
			return
		}
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		s.metrics.QueryRequests.WithLabelValues(endpoint).Inc()
		s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}
}

func (s *Server) handleMarkets(c *gin.Context) {
	success(c, s.queries.Markets())
}

func (s *Server) handleMargin(c *gin.Context) {
	trader := c.Param("trader")
	if trader == "" {
		fail(c, http.StatusBadRequest, "BAD_REQUEST", "trader address required")
		return
	}
	success(c, s.queries.MarginSummary(ledger.Address(trader)))
}

func (s *Server) handlePositions(c *gin.Context) {
	trader := c.Param("trader")
	if trader == "" {
		fail(c, http.StatusBadRequest, "BAD_REQUEST", "trader address required")
		return
	}
	positions := s.queries.Positions(ledger.Address(trader))
	if positions == nil {
		positions = []fastquery.PositionDetail{}
	}
	success(c, positions)
}

func (s *Server) handleOrder(c *gin.Context) {
	entry, ok := s.queries.Order(c.Param("hash"))
	if !ok {
		fail(c, http.StatusNotFound, "NOT_FOUND", "order not found")
		return
	}
	success(c, entry)
}

func (s *Server) handleSnapshot(c *gin.Context) {
	success(c, s.queries.Snapshot())
}

// adminTxRequest mirrors the NATS wire shape: a subject suffix selects the
// transaction format, the payload carries it.
type adminTxRequest struct {
	Subject string          `json:"subject" binding:"required"`
	Payload json.RawMessage `json:"payload" binding:"required"`
}

// handleAdminTx injects one transaction directly into the engine. Meant for
// operational tooling, not high-throughput ingestion; the NATS stream is the
// ordered path.
func (s *Server) handleAdminTx(c *gin.Context) {
	var req adminTxRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	tx, err := ingestion.ParseRawTx(ingestion.RawTx{
		Subject: req.Subject,
		Data:    req.Payload,
	}, subjectPrefixOf(req.Subject))
	if err != nil {
		fail(c, http.StatusBadRequest, "VALIDATION_FAILED", err.Error())
		return
	}

	receipt, err := s.eng.ApplyPayload(tx, req.Payload)
	if err != nil {
		fail(c, http.StatusUnprocessableEntity, "REJECTED", err.Error())
		return
	}
	success(c, receipt)
}

func subjectPrefixOf(subject string) string {
	for i := 0; i < len(subject); i++ {
		if subject[i] == '.' {
			return subject[:i]
		}
	}
	return subject
}
