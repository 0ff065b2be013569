package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/Yulian302/lfusys-services-uploads/config"
	"github.com/Yulian302/lfusys-services-uploads/handlers"
	"github.com/Yulian302/lfusys-services-uploads/health"
	"github.com/Yulian302/lfusys-services-uploads/logging"
	"github.com/Yulian302/lfusys-services-uploads/store"
	"github.com/Yulian302/lfusys-services-uploads/tracing"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/gin-gonic/gin"
	"github.com/minio/minio-go/v7"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/gorm"
)

const (
	readinessInterval = 5 * time.Second
	readinessTimeout  = 500 * time.Millisecond
	shutdownTimeout   = 15 * time.Second
)

type App struct {
	Server       *grpc.Server
	HealthServer *grpchealth.Server
	HTTPServer   *http.Server

	DynamoDB *dynamodb.Client
	S3       *s3.Client
	Sqs      *sqs.Client
	Redis    *redis.Client
	Postgres *gorm.DB
	Minio    *minio.Core

	Config    config.Config
	AwsConfig aws.Config

	Services       *Services
	TracerProvider *trace.TracerProvider
	Logger         logging.Logger
}

func SetupApp(ctx context.Context) (*App, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	app := &App{
		Config: cfg,
		Logger: logging.NewSlogLogger(logging.CreateAppLogger(cfg.Env)),
	}

	if usesAWS(cfg) {
		awsCfg, err := initAWS(ctx, *cfg.AWSConfig)
		if err != nil {
			return nil, err
		}
		app.AwsConfig = awsCfg
		app.DynamoDB = initDynamo(awsCfg, cfg.AWSConfig.Endpoint)
		app.S3 = initS3(awsCfg, cfg.AWSConfig.Endpoint)
		app.Sqs = initSqs(awsCfg, cfg.AWSConfig.Endpoint)
	}

	if cfg.RedisConfig.HOST != "" {
		app.Redis = initRedis(*cfg.RedisConfig)
	}

	if cfg.SessionsConfig.Backend == "postgres" {
		db, err := store.OpenPostgres(cfg.PostgresConfig.DSN)
		if err != nil {
			return nil, err
		}
		app.Postgres = db
	}

	if cfg.StorageConfig.Backend == "minio" {
		core, err := store.NewMinioCore(
			cfg.StorageConfig.MinioEndpoint,
			cfg.StorageConfig.MinioAccessKey,
			cfg.StorageConfig.MinioSecretKey,
			cfg.StorageConfig.MinioUseSSL,
		)
		if err != nil {
			return nil, err
		}
		app.Minio = core
	}

	if cfg.Tracing {
		tp, err := tracing.InitTracer(ctx, "uploads", cfg.TracingAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to start tracing: %w", err)
		}
		app.Logger.Info("tracing enabled", "addr", cfg.TracingAddr)
		app.TracerProvider = tp
	}

	svcs, err := BuildServices(app)
	if err != nil {
		return nil, fmt.Errorf("build services: %w", err)
	}
	app.Services = svcs

	return app, nil
}

// Run serves the HTTP API and the gRPC health service until ctx is cancelled or
// either server fails, then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	a.Server = grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
	)
	a.createHealthServer(ctx, a.Services.ReadinessChecks())

	l, err := net.Listen("tcp", a.Config.ServiceConfig.HealthGRPCAddr)
	if err != nil {
		return err
	}

	router := handlers.NewRouter(
		a.Services.HttpHandler,
		a.Config.ServiceConfig.AllowedOrigins,
		promhttp.HandlerFor(a.Services.Registry, promhttp.HandlerOpts{}),
		a.Logger,
	)
	a.HTTPServer = &http.Server{
		Addr:              a.Config.ServiceConfig.HTTPAddr,
		Handler:           otelhttp.NewHandler(router, "uploads"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.Services.Start()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.Info("health grpc server started", "addr", a.Config.ServiceConfig.HealthGRPCAddr)
		return a.Server.Serve(l)
	})

	g.Go(func() error {
		a.Logger.Info("http server started", "addr", a.Config.ServiceConfig.HTTPAddr)
		if err := a.HTTPServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.Shutdown(sctx)
	})

	return g.Wait()
}

func (a *App) createHealthServer(ctx context.Context, checks []health.ReadinessCheck) {
	a.HealthServer = grpchealth.NewServer()

	// start pessimistic
	a.HealthServer.SetServingStatus(
		"",
		healthpb.HealthCheckResponse_NOT_SERVING,
	)
	healthpb.RegisterHealthServer(a.Server, a.HealthServer)

	go func() {
		ticker := time.NewTicker(readinessInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				status := healthpb.HealthCheckResponse_SERVING

				for _, c := range checks {
					cctx, cancel := context.WithTimeout(ctx, readinessTimeout)
					err := c.IsReady(cctx)
					cancel()

					if err != nil {
						a.Logger.Warn("dependency not ready", "dependency", c.Name(), "error", err)
						status = healthpb.HealthCheckResponse_NOT_SERVING
						break
					}
				}

				a.HealthServer.SetServingStatus("", status)
			}
		}
	}()
}

// Migrate creates the tables, indexes and buckets the selected backends need.
func (a *App) Migrate(ctx context.Context) error {
	type tableCreator interface {
		EnsureTable(ctx context.Context) error
	}
	type migrator interface {
		Migrate(ctx context.Context) error
	}
	type bucketCreator interface {
		EnsureBucket(ctx context.Context) error
	}

	switch s := a.Services.Stores.sessions.(type) {
	case tableCreator:
		if err := s.EnsureTable(ctx); err != nil {
			return err
		}
	case migrator:
		if err := s.Migrate(ctx); err != nil {
			return err
		}
	}

	if b, ok := a.Services.Stores.storage.(bucketCreator); ok {
		if err := b.EnsureBucket(ctx); err != nil {
			return err
		}
	}

	a.Logger.Info("migration complete",
		"sessions", a.Services.Stores.sessions.Name(),
		"storage", a.Services.Stores.storage.Name(),
	)
	return nil
}

func usesAWS(cfg config.Config) bool {
	return cfg.SessionsConfig.Backend == "dynamodb" ||
		cfg.StorageConfig.Backend == "s3" ||
		cfg.EventsConfig.Backend == "sqs"
}

func initAWS(ctx context.Context, cfg config.AWSConfig) (aws.Config, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(
		ctx,
		awsconfig.WithRegion(cfg.Region),
	)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return awsCfg, nil
}

func initDynamo(cfg aws.Config, endpoint string) *dynamodb.Client {
	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
}

func initS3(cfg aws.Config, endpoint string) *s3.Client {
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
}

func initSqs(cfg aws.Config, endpoint string) *sqs.Client {
	return sqs.NewFromConfig(cfg, func(o *sqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
}

func initRedis(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.HOST,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

func (a *App) Shutdown(ctx context.Context) error {
	a.Logger.Info("starting graceful shutdown")

	var errs []error

	if a.HTTPServer != nil {
		if err := a.HTTPServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http server shutdown: %w", err))
		}
	}

	if a.Server != nil {
		done := make(chan struct{})
		go func() {
			a.Server.GracefulStop()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			a.Server.Stop() // force
		}
	}

	if a.Services != nil {
		if err := a.Services.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("services shutdown: %w", err))
		}
	}

	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}

	if a.TracerProvider != nil {
		if err := a.TracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer shutdown: %w", err))
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		a.Logger.Error("graceful shutdown finished with errors", "error", err)
		return err
	}
	a.Logger.Info("graceful shutdown complete")
	return nil
}
