package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/abjerry97/duespay/api"
	"github.com/abjerry97/duespay/internal/flow"
	"github.com/abjerry97/duespay/internal/processors"
)

// StatusStore is the Redis side of payment status: the cache the background
// pollers write and the queue they read from.
type StatusStore interface {
	GetCachedStatus(ctx context.Context, referenceID string) (*api.StatusUpdate, error)
	EnqueueReference(ctx context.Context, referenceID string) error
	QueueLength(ctx context.Context) (int64, error)
}

type Ledger interface {
	GetSubmission(ctx context.Context, referenceID string) (*api.SubmissionRecord, error)
	Stats(ctx context.Context) (*api.SubmissionStats, error)
}

type Deps struct {
	Flows         *flow.Service
	Fetcher       processors.StatusFetcher
	Watchers      *processors.Watchers
	Statuses      StatusStore
	Ledger        Ledger // optional
	WorkerCount   int
	BaseDomain    string
	MaxProofBytes int64
	// HealthChecks are probed by the health endpoint, keyed by component.
	HealthChecks map[string]func(ctx context.Context) error
}

type APIServer struct {
	flows         *flow.Service
	fetcher       processors.StatusFetcher
	watchers      *processors.Watchers
	statuses      StatusStore
	ledger        Ledger
	workerCount   int
	baseDomain    string
	maxProofBytes int64
	healthChecks  map[string]func(ctx context.Context) error
	heartbeat     time.Duration
	wizardPolling processors.PollConfig
	callbackPoll  processors.PollConfig
	router        *gin.Engine
}

func NewAPIServer(deps *Deps) *APIServer {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger())

	maxProofBytes := deps.MaxProofBytes
	if maxProofBytes <= 0 {
		maxProofBytes = flow.DefaultOptions.MaxProofBytes
	}
	router.MaxMultipartMemory = maxProofBytes + 1<<20

	watchers := deps.Watchers
	if watchers == nil {
		watchers = processors.NewWatchers()
	}

	server := &APIServer{
		flows:         deps.Flows,
		fetcher:       deps.Fetcher,
		watchers:      watchers,
		statuses:      deps.Statuses,
		ledger:        deps.Ledger,
		workerCount:   deps.WorkerCount,
		baseDomain:    deps.BaseDomain,
		maxProofBytes: maxProofBytes,
		healthChecks:  deps.HealthChecks,
		heartbeat:     15 * time.Second,
		wizardPolling: processors.WizardPolling,
		callbackPoll:  processors.CallbackPolling,
		router:        router,
	}

	server.setupRoutes()
	return server
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(log.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		}).Info("request")
	}
}

func (s *APIServer) setupRoutes() {
	s.router.GET("/", s.handleRoot)

	v1 := s.router.Group("/api/v1")
	v1.GET("/health", s.handleHealth)
	v1.GET("/associations/resolve", s.handleResolveAssociation)

	flows := v1.Group("/flows")
	flows.POST("", s.handleStartFlow)
	flows.GET("/:flow_id", s.handleGetFlow)
	flows.POST("/:flow_id/registration", s.handleRegister)
	flows.POST("/:flow_id/items/:item_id/toggle", s.handleToggleItem)
	flows.POST("/:flow_id/selection", s.handleConfirmSelection)
	flows.POST("/:flow_id/back", s.handleBack)
	flows.POST("/:flow_id/submit", s.handleSubmit)
	flows.GET("/:flow_id/status/stream", s.handleFlowStatusStream)
	flows.POST("/:flow_id/status/refresh", s.handleFlowStatusRefresh)

	v1.GET("/payment-status/:reference", s.handlePaymentStatus)
	v1.GET("/payment-status/:reference/stream", s.handlePaymentStatusStream)

	v1.GET("/admin/stats", s.handleStats)
}

// Handler exposes the router, mainly for http.Server and tests.
func (s *APIServer) Handler() http.Handler {
	return s.router
}

func (s *APIServer) Run(addr string) error {
	return s.router.Run(addr)
}

func (s *APIServer) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "DuesPay Payment API",
		"version": "1.0.0",
		"docs":    "/api/v1/health",
	})
}

func (s *APIServer) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	components := gin.H{}
	for name, check := range s.healthChecks {
		if err := check(ctx); err != nil {
			log.WithError(err).WithField("component", name).Warn("health check failed")
			components[name] = "unhealthy"
			status = http.StatusServiceUnavailable
			continue
		}
		components[name] = "healthy"
	}

	overall := "healthy"
	if status != http.StatusOK {
		overall = "degraded"
	}
	c.JSON(status, gin.H{
		"status":     overall,
		"components": components,
		"timestamp":  time.Now().Format(time.RFC3339),
	})
}

func (s *APIServer) handleStats(c *gin.Context) {
	ctx := c.Request.Context()

	response := gin.H{
		"workers": gin.H{
			"count": s.workerCount,
		},
	}

	if s.ledger != nil {
		stats, err := s.ledger.Stats(ctx)
		if err != nil {
			s.respondError(c, err)
			return
		}
		response["submissions"] = gin.H{
			"total":           stats.Total,
			"by_state":        stats.ByState,
			"amount_verified": stats.AmountVerified.StringFixed(2),
		}
	}

	if s.statuses != nil {
		queueSize, err := s.statuses.QueueLength(ctx)
		if err != nil {
			log.WithError(err).Warn("failed to read status queue length")
		}
		response["queue"] = gin.H{"size": queueSize}
	}

	c.JSON(http.StatusOK, response)
}
