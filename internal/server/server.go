package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/storyloom/storyloom/internal/config"
	"github.com/storyloom/storyloom/internal/entitlement"
	entitlementdomain "github.com/storyloom/storyloom/internal/entitlement/domain"
	"github.com/storyloom/storyloom/internal/observability"
	obsmiddleware "github.com/storyloom/storyloom/internal/observability/logger"
	obsmetrics "github.com/storyloom/storyloom/internal/observability/metrics"
	obstracing "github.com/storyloom/storyloom/internal/observability/tracing"
	"github.com/storyloom/storyloom/internal/payment"
	paymentdomain "github.com/storyloom/storyloom/internal/payment/domain"
	"github.com/storyloom/storyloom/internal/ratelimit"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	entitlement.Module,
	payment.Module,
	ratelimit.Module,
	fx.Provide(NewServer),
	fx.Invoke(func(s *Server) { s.RegisterRoutes() }),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine         *gin.Engine
	cfg            config.Config
	log            *zap.Logger
	entitlementSvc entitlementdomain.Service
	paymentSvc     paymentdomain.Service
	webhookSvc     paymentdomain.IngestService
	limits         *config.EntitlementConfigHolder
	limiter        *ratelimit.RequestLimiter
	obsMetrics     *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin            *gin.Engine
	Cfg            config.Config
	Log            *zap.Logger
	EntitlementSvc entitlementdomain.Service
	PaymentSvc     paymentdomain.Service
	WebhookSvc     paymentdomain.IngestService
	Limits         *config.EntitlementConfigHolder
	Limiter        *ratelimit.RequestLimiter `optional:"true"`
	ObsMetrics     *obsmetrics.Metrics       `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	return &Server{
		engine:         p.Gin,
		cfg:            p.Cfg,
		log:            p.Log.Named("http.server"),
		entitlementSvc: p.EntitlementSvc,
		paymentSvc:     p.PaymentSvc,
		webhookSvc:     p.WebhookSvc,
		limits:         p.Limits,
		limiter:        p.Limiter,
		obsMetrics:     p.ObsMetrics,
	}
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) RegisterRoutes() {
	api := s.engine.Group("/api", s.AuthRequired())

	api.POST("/authorize", s.AuthorizeRateLimit(), s.Authorize)
	api.POST("/accounts", s.CreateAccount)
	api.GET("/accounts/:account_id/entitlement", s.GetEntitlement)
	api.POST("/accounts/:account_id/refunds", s.Refund)
	api.GET("/payment-events", s.ListPaymentEvents)

	s.engine.POST("/webhooks/payment/:provider", s.WebhookRateLimit(), s.HandlePaymentWebhook)
}
