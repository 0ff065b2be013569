package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/Yulian302/lfusys-services-uploads/caching"
	"github.com/Yulian302/lfusys-services-uploads/handlers"
	"github.com/Yulian302/lfusys-services-uploads/health"
	"github.com/Yulian302/lfusys-services-uploads/metrics"
	"github.com/Yulian302/lfusys-services-uploads/queues"
	"github.com/Yulian302/lfusys-services-uploads/services"
	"github.com/Yulian302/lfusys-services-uploads/store"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type Stores struct {
	sessions store.SessionStore
	storage  store.MultipartStorage
}

type Services struct {
	Uploads services.UploadService

	Publisher  queues.EventPublisher
	Dispatcher *queues.AsyncDispatcher
	Receiver   *queues.UploadsNotifyReceiverImpl // nil unless events go through SQS

	Stores *Stores

	HttpHandler *handlers.HttpHandler
	Registry    *prometheus.Registry
}

type Shutdowner interface {
	Shutdown(context.Context) error
}

func BuildServices(app *App) (*Services, error) {
	ctx := context.Background()
	cfg := app.Config

	sessStore, err := buildSessionStore(app)
	if err != nil {
		return nil, err
	}
	storage, err := buildStorage(app)
	if err != nil {
		return nil, err
	}

	var cachingSvc caching.CachingService
	cachingSvc = caching.NewRedisCachingService(app.Redis)
	if app.Redis == nil {
		cachingSvc = caching.NewNullCachingService()
	}

	publisher, queueUrl, err := buildPublisher(ctx, app)
	if err != nil {
		return nil, err
	}
	dispatcher := queues.NewAsyncDispatcher(ctx, publisher, queues.DefaultDispatchBuffer, app.Logger.With("component", "dispatcher"))

	var receiver *queues.UploadsNotifyReceiverImpl
	if queueUrl != "" && app.Redis != nil {
		receiver = queues.NewUploadsNotifyReceiverImpl(ctx, app.Sqs, cachingSvc, queueUrl, app.Logger.With("component", "receiver"))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	observer, err := metrics.NewPrometheusObserver("uploads", reg)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	uploadCfg := services.UploadConfig{
		MaxFileSize:     cfg.UploadConfig.MaxFileSize,
		ChunkSize:       cfg.UploadConfig.ChunkSize,
		MaxChunkIndex:   cfg.UploadConfig.MaxChunkIndex,
		ConflictRetries: cfg.UploadConfig.ConflictRetries,
		ListingCacheTTL: cfg.UploadConfig.ListingCacheTTL,
	}
	uploadSvc := services.NewUploadServiceImpl(
		sessStore,
		storage,
		cachingSvc,
		dispatcher,
		observer,
		uploadCfg,
		app.Logger.With("component", "uploads"),
	)

	handler := handlers.NewHttpHandler(uploadSvc, cfg.UploadConfig.MaxChunkBytes, app.Logger.With("component", "http"))

	return &Services{
		Uploads: uploadSvc,

		Publisher:  publisher,
		Dispatcher: dispatcher,
		Receiver:   receiver,

		Stores: &Stores{
			sessions: sessStore,
			storage:  storage,
		},

		HttpHandler: handler,
		Registry:    reg,
	}, nil
}

func buildSessionStore(app *App) (store.SessionStore, error) {
	switch app.Config.SessionsConfig.Backend {
	case "dynamodb":
		return store.NewDynamoSessionStoreImpl(
			app.DynamoDB,
			app.Config.DynamoDBConfig.UploadsTableName,
			app.Config.DynamoDBConfig.UserIndexName,
		), nil
	case "redis":
		if app.Redis == nil {
			return nil, fmt.Errorf("redis sessions backend selected but redis is not configured")
		}
		return store.NewRedisSessionStoreImpl(app.Redis), nil
	case "postgres":
		return store.NewPostgresSessionStoreImpl(app.Postgres), nil
	case "memory":
		return store.NewMemorySessionStore(), nil
	}
	return nil, fmt.Errorf("unknown sessions backend %q", app.Config.SessionsConfig.Backend)
}

func buildStorage(app *App) (store.MultipartStorage, error) {
	cfg := app.Config.StorageConfig
	switch cfg.Backend {
	case "s3":
		return store.NewS3MultipartStorageImpl(app.S3, cfg.Bucket, app.Logger.With("component", "s3")), nil
	case "minio":
		return store.NewMinioMultipartStorageImpl(app.Minio, cfg.Bucket, app.Logger.With("component", "minio")), nil
	case "memory":
		return store.NewMemoryMultipartStorage(), nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
}

// buildPublisher returns the event publisher and, for SQS, the resolved queue url.
func buildPublisher(ctx context.Context, app *App) (queues.EventPublisher, string, error) {
	switch app.Config.EventsConfig.Backend {
	case "sqs":
		out, err := app.Sqs.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{
			QueueName: aws.String(app.Config.ServiceConfig.EventsQueueName),
		})
		if err != nil {
			return nil, "", fmt.Errorf("resolve events queue %s: %w", app.Config.ServiceConfig.EventsQueueName, err)
		}
		queueUrl := aws.ToString(out.QueueUrl)
		return queues.NewSqsEventPublisherImpl(app.Sqs, queueUrl), queueUrl, nil
	case "amqp":
		p, err := queues.NewAmqpEventPublisherImpl(app.Config.EventsConfig.AMQPURL, app.Config.EventsConfig.AMQPExchange)
		if err != nil {
			return nil, "", err
		}
		return p, "", nil
	case "log":
		return queues.NewLogEventPublisher(app.Logger.With("component", "events")), "", nil
	}
	return nil, "", fmt.Errorf("unknown events backend %q", app.Config.EventsConfig.Backend)
}

func (s *Services) Start() {
	s.Dispatcher.Start()
	if s.Receiver != nil {
		s.Receiver.Start()
	}
}

func (s *Services) ReadinessChecks() []health.ReadinessCheck {
	return []health.ReadinessCheck{
		s.Stores.sessions,
		s.Stores.storage,
	}
}

func (s *Services) Shutdown(ctx context.Context) error {
	var errs []error

	if s.Receiver != nil {
		if err := s.Receiver.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("uploads receiver shutdown: %w", err))
		}
	}

	// drain pending events before the publisher goes away
	if s.Dispatcher != nil {
		if err := s.Dispatcher.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("dispatcher shutdown: %w", err))
		}
	}

	if sh, ok := s.Publisher.(Shutdowner); ok {
		if err := sh.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("publisher shutdown: %w", err))
		}
	}

	if s.Stores != nil {
		errs = append(errs, s.Stores.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

func (s *Stores) Shutdown(ctx context.Context) error {
	shutdownIfPossible := func(name string, v any) error {
		if sh, ok := v.(Shutdowner); ok {
			if err := sh.Shutdown(ctx); err != nil {
				return fmt.Errorf("%s store shutdown: %w", name, err)
			}
		}
		return nil
	}

	return errors.Join(
		shutdownIfPossible("sessions", s.sessions),
		shutdownIfPossible("storage", s.storage),
	)
}
