package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/meterline/meterline/internal/config"
	entitlementdomain "github.com/meterline/meterline/internal/entitlement/domain"
	"github.com/meterline/meterline/internal/observability"
	obslogger "github.com/meterline/meterline/internal/observability/logger"
	obstracing "github.com/meterline/meterline/internal/observability/tracing"
	"github.com/meterline/meterline/internal/queue"
	"github.com/meterline/meterline/internal/ratelimit"
	usagedomain "github.com/meterline/meterline/internal/usage/domain"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug: obsCfg.Debug(),
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

// Server exposes the metering operations over HTTP. Authentication is left to
// the fronting gateway; callers identify their organization with X-Org-Id.
type Server struct {
	engine       *gin.Engine
	cfg          config.Config
	log          *zap.Logger
	db           *gorm.DB
	entitlements entitlementdomain.Service
	usageRepo    usagedomain.Repository
	track        *queue.Queue
	trackLimiter *ratelimit.TrackIngestLimiter
}

type Params struct {
	fx.In

	Gin          *gin.Engine
	Cfg          config.Config
	Log          *zap.Logger
	DB           *gorm.DB
	Entitlements entitlementdomain.Service
	UsageRepo    usagedomain.Repository
	Track        *queue.Queue                  `optional:"true"`
	TrackLimiter *ratelimit.TrackIngestLimiter `optional:"true"`
}

func NewServer(p Params) *Server {
	s := &Server{
		engine:       p.Gin,
		cfg:          p.Cfg,
		log:          p.Log.Named("server"),
		db:           p.DB,
		entitlements: p.Entitlements,
		usageRepo:    p.UsageRepo,
		track:        p.Track,
		trackLimiter: p.TrackLimiter,
	}

	s.registerRoutes()

	return s
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerRoutes() {
	v1 := s.engine.Group("/v1", s.OrgContext())

	v1.POST("/track", s.TrackIngestRateLimit(), s.TrackUsage)
	v1.GET("/check", s.CheckEntitlement)
	v1.GET("/balances/:customer_id", s.GetBalances)
	v1.GET("/usage", s.ListUsage)
}

func run(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, s *Server) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: s.Engine(),
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server failed", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}
