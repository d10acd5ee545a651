package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/recurring/internal/billing"
	billingcycledomain "github.com/smallbiznis/recurring/internal/billingcycle/domain"
	"github.com/smallbiznis/recurring/internal/config"
	"github.com/smallbiznis/recurring/internal/observability"
	obsmiddleware "github.com/smallbiznis/recurring/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/recurring/internal/observability/metrics"
	obstracing "github.com/smallbiznis/recurring/internal/observability/tracing"
	"github.com/smallbiznis/recurring/internal/scheduler"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

// DueScanner runs an on-demand due-cycle scan.
type DueScanner interface {
	TriggerDueScan(ctx context.Context, asOf time.Time, batchSize int) (scheduler.BatchReport, error)
}

// ExhaustedLister lists cycles that ran out of attempts.
type ExhaustedLister interface {
	Exhausted(ctx context.Context, limit int) ([]billingcycledomain.BillingCycle, error)
}

// Pinger reports backend reachability for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

func NewEngine(obsCfg observability.Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

func registerGin(obsCfg observability.Config) *gin.Engine {
	return NewEngine(obsCfg)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.OpsAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("ops server listening", zap.String("addr", cfg.OpsAddr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("ops server stopped", zap.Error(err))
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
	engine     *gin.Engine
	cfg        config.Config
	log        *zap.Logger
	scanner    DueScanner
	exhausted  ExhaustedLister
	backends   map[string]Pinger
	cronSecret string
}

type ServerParams struct {
	fx.In

	Gin       *gin.Engine
	Cfg       config.Config
	Log       *zap.Logger
	DB        *gorm.DB
	Redis     *redis.Client `optional:"true"`
	Scheduler *scheduler.Scheduler
	Processor *billing.Processor
}

func NewServer(p ServerParams) *Server {
	backends := map[string]Pinger{"database": gormPinger{db: p.DB}}
	if p.Redis != nil {
		backends["redis"] = redisPinger{client: p.Redis}
	}

	svc := &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		log:        p.Log.Named("server"),
		scanner:    p.Scheduler,
		exhausted:  p.Processor,
		backends:   backends,
		cronSecret: p.Cfg.CronSecret,
	}
	svc.RegisterRoutes()
	return svc
}

func (s *Server) RegisterRoutes() {
	s.engine.GET("/health", s.Health)
	s.engine.GET("/healthz", s.Health)

	cron := s.engine.Group("/cron")
	cron.Use(s.CronAuthRequired())
	cron.POST("/process-billing", s.ProcessBilling)

	ops := s.engine.Group("/ops")
	ops.Use(s.CronAuthRequired())
	ops.GET("/cycles/exhausted", s.ListExhaustedCycles)
}

type gormPinger struct {
	db *gorm.DB
}

func (p gormPinger) Ping(ctx context.Context) error {
	if p.db == nil {
		return errors.New("database_not_configured")
	}
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

type redisPinger struct {
	client *redis.Client
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	if status >= http.StatusInternalServerError {
		return obsmetrics.ClassifySchedulerErrorType(err), payload.Type
	}
	return "client", payload.Type
}
