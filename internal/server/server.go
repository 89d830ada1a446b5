package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	billingdomain "github.com/quizforge/quizforge/internal/billing/domain"
	"github.com/quizforge/quizforge/internal/config"
	"github.com/quizforge/quizforge/internal/observability"
	obsmiddleware "github.com/quizforge/quizforge/internal/observability/logger"
	obstracing "github.com/quizforge/quizforge/internal/observability/tracing"
	"github.com/quizforge/quizforge/internal/providers/pdf"
	"github.com/quizforge/quizforge/internal/ratelimit"
	"github.com/quizforge/quizforge/internal/scheduler"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(NewServer),
	fx.Invoke(registerRoutes),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config) *gin.Engine {
	return NewEngine(obsCfg)
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
	db             *gorm.DB
	billingSvc     billingdomain.Service
	pdfProvider    pdf.Provider
	reserveLimiter *ratelimit.ReserveLimiter
	scheduler      *scheduler.Scheduler
}

type ServerParams struct {
	fx.In

	Gin            *gin.Engine
	Cfg            config.Config
	DB             *gorm.DB
	BillingSvc     billingdomain.Service
	PDFProvider    pdf.Provider
	ReserveLimiter *ratelimit.ReserveLimiter `optional:"true"`
	Scheduler      *scheduler.Scheduler      `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	return &Server{
		engine:         p.Gin,
		cfg:            p.Cfg,
		db:             p.DB,
		billingSvc:     p.BillingSvc,
		pdfProvider:    p.PDFProvider,
		reserveLimiter: p.ReserveLimiter,
		scheduler:      p.Scheduler,
	}
}

func registerRoutes(s *Server) {
	s.engine.GET("/readyz", s.Readiness)

	s.RegisterAPIRoutes()
	s.RegisterInternalRoutes()
	s.RegisterDevBillingRoutes()
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// RegisterAPIRoutes exposes the read side plus out-of-band deductions.
func (s *Server) RegisterAPIRoutes() {
	api := s.engine.Group("/api/billing")

	api.GET("/balance/:user_id", s.GetBalance)
	api.GET("/transactions/:user_id", s.ListTransactions)
	api.GET("/statement/:user_id", s.GetStatement)
	api.GET("/reservations/:id", s.GetReservation)
	api.POST("/deduct", s.DeductTokens)
}

// RegisterInternalRoutes exposes the reservation lifecycle to the
// generation services. These endpoints trust the caller; platform
// authentication terminates before traffic reaches this service.
func (s *Server) RegisterInternalRoutes() {
	internal := s.engine.Group("/internal/billing")

	internal.POST("/reserve", s.ReserveRateLimit(), s.Reserve)
	internal.POST("/commit", s.Commit)
	internal.POST("/release", s.Release)
}

// Readiness reports whether the database is reachable.
func (s *Server) Readiness(c *gin.Context) {
	sqlDB, err := s.db.DB()
	if err != nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}
	if err := sqlDB.PingContext(c.Request.Context()); err != nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
