// Package api is the HTTP surface: exception ingest and reads, pack
// administration, routing-config reload, health, and Prometheus metrics.
//
// Handlers stay thin — bind, validate, call the owning component, map the
// error — and every tenant-bound route is scoped by the X-Tenant-ID header.
// The pack registry is the runtime authority; the pack store is its durable
// version history, written best-effort after the registry accepts.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/exceptionops/remsy/pkg/events"
	"github.com/exceptionops/remsy/pkg/llm"
	"github.com/exceptionops/remsy/pkg/pack"
	"github.com/exceptionops/remsy/pkg/queue"
	"github.com/exceptionops/remsy/pkg/store"
)

// maxIngestBytes caps exception and pack document bodies.
const maxIngestBytes = 1 << 20 // 1 MiB

// Deps carries everything the HTTP surface serves. Client may be nil for
// in-memory runs; Fabric and Pool may be nil in reduced wirings (the
// affected endpoints degrade rather than panic).
type Deps struct {
	Stores    *store.Stores
	Client    *store.Client
	Registry  *pack.Registry
	Validator *pack.Validator
	Broker    events.Broker
	Fabric    *llm.Fabric
	Pool      *queue.Pool
	Log       *slog.Logger

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server is the HTTP API server.
type Server struct {
	stores    *store.Stores
	client    *store.Client
	registry  *pack.Registry
	validator *pack.Validator
	broker    events.Broker
	fabric    *llm.Fabric
	pool      *queue.Pool
	log       *slog.Logger

	router       *gin.Engine
	http         *http.Server
	readTimeout  time.Duration
	writeTimeout time.Duration
}

// NewServer assembles the router. Start binds the listener.
func NewServer(d Deps) *Server {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "api")

	readTimeout := d.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 15 * time.Second
	}
	writeTimeout := d.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(log), securityHeaders())

	s := &Server{
		stores:       d.Stores,
		client:       d.Client,
		registry:     d.Registry,
		validator:    d.Validator,
		broker:       d.Broker,
		fabric:       d.Fabric,
		pool:         d.Pool,
		log:          log,
		router:       router,
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}
	s.routes()
	return s
}

// routes registers the full HTTP surface.
func (s *Server) routes() {
	s.router.GET("/healthz", s.healthzHandler)
	s.router.GET("/readyz", s.readyzHandler)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	v1.Use(limitBody(maxIngestBytes))

	v1.POST("/exceptions", s.ingestExceptionHandler)
	v1.GET("/exceptions", s.listExceptionsHandler)
	v1.GET("/exceptions/:id", s.getExceptionHandler)
	v1.GET("/exceptions/:id/events", s.listExceptionEventsHandler)

	packs := v1.Group("/packs")
	packs.POST("/domain", s.registerDomainPackHandler)
	packs.POST("/tenant", s.registerTenantPolicyHandler)
	packs.POST("/domain/:domain/activate/:version", s.activateDomainPackHandler)
	packs.POST("/tenant/:domain/activate/:version", s.activateTenantPolicyHandler)
	packs.GET("/domain/:domain/versions", s.listDomainPackVersionsHandler)
	packs.GET("/tenant/:domain/versions", s.listTenantPolicyVersionsHandler)

	admin := v1.Group("/admin")
	admin.POST("/routing/reload", s.reloadRoutingHandler)
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listener and serves until Shutdown. It blocks; the caller
// runs it on its own goroutine and watches for http.ErrServerClosed.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.readTimeout,
		WriteTimeout: s.writeTimeout,
	}
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests until the context expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
