package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"appstore/internal/appstore"
	"appstore/internal/config"
	"appstore/internal/hmacauth"
	"appstore/internal/idempotency"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Gateway is the contract-facing side the HTTP handlers call into.
// *appstore.App satisfies it.
type Gateway interface {
	Facade() *appstore.Facade
	Ping(ctx context.Context) error
}

type Server struct {
	cfg         *config.AppConfig
	gateway     Gateway
	store       idempotency.Store
	hmac        *hmacauth.Verifier
	limiter     *limiter
	logger      *zap.Logger
	httpServer  *http.Server
	metrics     *metricsRegistry
	dbHealthFn  func(context.Context) error
	rpcHealthFn func(context.Context) error
	now         func() time.Time
	inflight    singleflight.Group
}

func NewServer(cfg *config.AppConfig, gw Gateway, store idempotency.Store, logger *zap.Logger, reg *prometheus.Registry) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	metrics := newMetricsRegistry(reg)

	s := &Server{
		cfg:     cfg,
		gateway: gw,
		store:   store,
		hmac: &hmacauth.Verifier{
			Secret:  cfg.Service.HMACSecret,
			MaxSkew: cfg.Service.HMACClockSkew,
		},
		limiter:     newLimiter(cfg.Service.RateLimitRPS, cfg.Service.RateLimitBurst),
		logger:      logger,
		metrics:     metrics,
		rpcHealthFn: gw.Ping,
		now:         time.Now,
	}

	if checker, ok := store.(interface{ Ping(context.Context) error }); ok {
		s.dbHealthFn = checker.Ping
	}

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

// Handler returns the routed API with request id and access logging applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/{$}", s.handleIndex)
	mux.HandleFunc("GET /api/v1/session", s.handleSession)

	mux.HandleFunc("GET /api/v1/apps", s.handleListApps)
	mux.HandleFunc("GET /api/v1/apps/count", s.handleCount)
	mux.HandleFunc("GET /api/v1/apps/uris", s.handleTokenURIs)
	mux.HandleFunc("GET /api/v1/apps/{id}", s.handleAppInfo)
	mux.HandleFunc("GET /api/v1/apps/{id}/uri", s.handleTokenURI)
	mux.Handle("POST /api/v1/apps", s.protect(http.HandlerFunc(s.handleSell)))
	mux.Handle("POST /api/v1/apps/{id}/buy", s.protect(http.HandlerFunc(s.handleBuy)))

	mux.Handle("GET /api/v1/admin/verify", s.hmac.Middleware(http.HandlerFunc(s.handleVerify)))

	mux.HandleFunc("GET /api/v1/sellers/{address}/tokens", s.handleTokensBySeller)
	mux.HandleFunc("GET /api/v1/buyers/{address}/tokens", s.handleTokensByBuyer)

	mux.Handle("GET /api/v1/metrics", s.metrics.handler())
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	return requestIDMiddleware(s.accessLog(mux))
}

func (s *Server) protect(next http.Handler) http.Handler {
	return s.limiter.middleware(s.metrics, s.hmac.Middleware(next))
}

func (s *Server) Start() error {
	s.logger.Info("API listening", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
