package main

import (
	"context"
	"fmt"
	"time"

	"github.com/simshop/shipflow/config"
	"github.com/simshop/shipflow/internal/broker/kafka"
	"github.com/simshop/shipflow/internal/cache/rediscache"
	"github.com/simshop/shipflow/internal/integrations/carrier"
	"github.com/simshop/shipflow/internal/integrations/carrier/simulator"
	"github.com/simshop/shipflow/internal/integrations/carrier/trackmorehttp"
	"github.com/simshop/shipflow/internal/services/reconciler"
	"github.com/simshop/shipflow/internal/storage/pgship"
)

type workerFactories struct {
	newStorage       func(cfg *config.Config) (repo reconciler.Repository, closeFn func(), err error)
	newProducer      func(cfg *config.Config) reconciler.Producer
	newRateLimiter   func(cfg *config.Config) reconciler.RateLimiter
	newCarrierClient func(cfg *config.Config) carrier.Client
}

func defaultWorkerFactories() workerFactories {
	return workerFactories{
		newStorage: func(cfg *config.Config) (reconciler.Repository, func(), error) {
			sslMode := cfg.Database.SSLMode
			if sslMode == "" {
				sslMode = "disable"
			}
			connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
				cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
			st, err := pgship.New(connString)
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		newProducer: func(cfg *config.Config) reconciler.Producer {
			brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
			return kafka.NewProducer(brokers)
		},
		newRateLimiter: func(cfg *config.Config) reconciler.RateLimiter {
			redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
			return rediscache.NewRateLimiter(redisAddr)
		},
		newCarrierClient: func(cfg *config.Config) carrier.Client {
			if cfg.ShipFlow.CarrierProvider == "trackingmore" && cfg.ShipFlow.TrackingMoreAPIKey != "" {
				return trackmorehttp.New(cfg.ShipFlow.TrackingMoreBaseURL, cfg.ShipFlow.TrackingMoreAPIKey).
					WithCourier(cfg.ShipFlow.TrackingMoreCourier)
			}
			return simulator.New()
		},
	}
}

func buildReconciler(cfg *config.Config, f workerFactories) (*reconciler.Reconciler, func(), error) {
	topic := cfg.Kafka.ShipmentCheckedTopicName
	if topic == "" {
		topic = "shipment.checked"
	}

	pollInterval := time.Duration(cfg.ShipFlow.WorkerPollIntervalSeconds) * time.Second
	if pollInterval <= 0 {
		pollInterval = 60 * time.Second
	}
	batchSize := cfg.ShipFlow.WorkerBatchSize
	if batchSize <= 0 {
		batchSize = 50
	}
	lease := time.Duration(cfg.ShipFlow.WorkerLeaseSeconds) * time.Second
	if lease <= 0 {
		lease = 120 * time.Second
	}
	paceDelay := time.Duration(cfg.ShipFlow.WorkerPaceDelayMillis) * time.Millisecond
	if cfg.ShipFlow.WorkerPaceDelayMillis == 0 {
		paceDelay = time.Second
	}
	rlPerMin := int64(cfg.ShipFlow.WorkerRateLimitPerMinute)
	if rlPerMin <= 0 {
		rlPerMin = 120
	}

	repo, closeFn, err := f.newStorage(cfg)
	if err != nil {
		return nil, nil, err
	}

	r := reconciler.New(repo, f.newCarrierClient(cfg), f.newProducer(cfg), f.newRateLimiter(cfg), topic).
		WithSettings(pollInterval, batchSize, lease, paceDelay, rlPerMin).
		WithPlanner(plannerConfig(cfg))

	return r, closeFn, nil
}

func plannerConfig(cfg *config.Config) reconciler.PlannerConfig {
	sec := func(n int) time.Duration { return time.Duration(n) * time.Second }
	return reconciler.PlannerConfig{
		ActiveMinDelay: sec(cfg.ShipFlow.WorkerNextCheckActiveMinSeconds),
		ActiveMaxDelay: sec(cfg.ShipFlow.WorkerNextCheckActiveMaxSeconds),
		PreparingDelay: sec(cfg.ShipFlow.WorkerNextCheckPreparingSeconds),
		ExceptionDelay: sec(cfg.ShipFlow.WorkerNextCheckExceptionSeconds),
		Backoff1:       sec(cfg.ShipFlow.WorkerBackoff1Seconds),
		Backoff2:       sec(cfg.ShipFlow.WorkerBackoff2Seconds),
		Backoff3:       sec(cfg.ShipFlow.WorkerBackoff3Seconds),
		Backoff4:       sec(cfg.ShipFlow.WorkerBackoff4Seconds),
	}
}

func RunShipWorker(ctx context.Context, cfg *config.Config, f workerFactories) error {
	r, closeFn, err := buildReconciler(cfg, f)
	if err != nil {
		return err
	}
	if closeFn != nil {
		defer closeFn()
	}

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- runWorkerHTTPServer(ctx, workerHTTPOpts{
			httpAddr:   cfg.ShipFlow.WorkerHTTPAddr,
			reconciler: r,
			cfg:        cfg,
		})
	}()

	runErr := make(chan error, 1)
	go func() {
		runErr <- r.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-runErr:
		return err
	case err := <-httpErr:
		return err
	}
}
