package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/simshop/shipflow/config"
	"github.com/simshop/shipflow/internal/broker/kafka"
	"github.com/simshop/shipflow/internal/cache/rediscache"
	"github.com/simshop/shipflow/internal/integrations/carrier"
	"github.com/simshop/shipflow/internal/integrations/carrier/simulator"
	"github.com/simshop/shipflow/internal/integrations/carrier/trackmorehttp"
	"github.com/simshop/shipflow/internal/services/notifier"
	"github.com/simshop/shipflow/internal/services/shipments"
	"github.com/simshop/shipflow/internal/storage/pgship"
)

type shopAPIApp struct {
	ctx    context.Context
	cancel context.CancelFunc
	opts   shopAPIOpts

	svc   *shipments.Service
	notif *notifier.Notifier

	checkedConsumer *kafka.Consumer
	statusConsumer  *kafka.Consumer

	closeDB func()
}

func mustBootstrapShopAPI() *shopAPIApp {
	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}

	httpAddr := cfg.ShipFlow.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8080"
	}
	consumerGroup := cfg.ShipFlow.KafkaConsumerGroup
	if consumerGroup == "" {
		consumerGroup = "shop-api"
	}
	checkedTopic := cfg.Kafka.ShipmentCheckedTopicName
	if checkedTopic == "" {
		checkedTopic = "shipment.checked"
	}
	statusTopic := cfg.Kafka.OrderStatusChangedTopicName
	if statusTopic == "" {
		statusTopic = "order.status.changed"
	}

	cacheTTL := time.Duration(cfg.ShipFlow.CurrentStatusTTLSeconds) * time.Second
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	firstCheckDelay := time.Duration(cfg.ShipFlow.FirstCheckDelaySeconds) * time.Second
	if firstCheckDelay <= 0 {
		firstCheckDelay = 10 * time.Minute
	}

	st := mustOpenPostgresWithRetry(connString(cfg), 60*time.Second)

	redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
	rc := rediscache.New(redisAddr)

	brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
	producer := kafka.NewProducer(brokers)

	svc := shipments.New(st, newCarrierClient(cfg), producer, rc, statusTopic).
		WithSettings(cacheTTL, firstCheckDelay)

	notif := notifier.New(notifier.NewSMTPSender(notifier.SMTPConfig{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
	}))

	checkedConsumer := kafka.NewConsumer(brokers, checkedTopic, consumerGroup)
	statusConsumer := kafka.NewConsumer(brokers, statusTopic, consumerGroup+"-notifier")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	return &shopAPIApp{
		ctx:    ctx,
		cancel: cancel,
		opts: shopAPIOpts{
			httpAddr:      httpAddr,
			checkedTopic:  checkedTopic,
			statusTopic:   statusTopic,
			consumerGroup: consumerGroup,
		},
		svc:             svc,
		notif:           notif,
		checkedConsumer: checkedConsumer,
		statusConsumer:  statusConsumer,
		closeDB:         st.Close,
	}
}

func connString(cfg *config.Config) string {
	sslMode := cfg.Database.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
}

func newCarrierClient(cfg *config.Config) carrier.Client {
	if cfg.ShipFlow.CarrierProvider == "trackingmore" && cfg.ShipFlow.TrackingMoreAPIKey != "" {
		return trackmorehttp.New(cfg.ShipFlow.TrackingMoreBaseURL, cfg.ShipFlow.TrackingMoreAPIKey).
			WithCourier(cfg.ShipFlow.TrackingMoreCourier)
	}
	return simulator.New()
}

func mustOpenPostgresWithRetry(connString string, wait time.Duration) *pgship.Storage {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgship.New(connString)
		if err == nil {
			return st
		}
		lastErr = err
		time.Sleep(1 * time.Second)
	}
	panic(fmt.Sprintf("postgres is not ready after %s: %v", wait, lastErr))
}

func (a *shopAPIApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.checkedConsumer != nil {
		_ = a.checkedConsumer.Close()
	}
	if a.statusConsumer != nil {
		_ = a.statusConsumer.Close()
	}
	if a.closeDB != nil {
		a.closeDB()
	}
}

func (a *shopAPIApp) Run() error {
	return runShopAPI(a.ctx, a.opts, a.svc, a.notif, a.checkedConsumer, a.statusConsumer)
}
