package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	shippingapi "github.com/simshop/shipflow/internal/api/shipping_api"
	"github.com/simshop/shipflow/internal/broker/messages"
	"github.com/simshop/shipflow/internal/services/notifier"
	"github.com/simshop/shipflow/internal/services/shipments"
)

type shopAPIOpts struct {
	httpAddr string

	checkedTopic  string
	statusTopic   string
	consumerGroup string

	onListen func(httpAddr string)
}

type kafkaConsumer interface {
	Consume(ctx context.Context, handler func(key, value []byte) error) error
}

func runShopAPI(ctx context.Context, opts shopAPIOpts, svc *shipments.Service, notif *notifier.Notifier, checked, status kafkaConsumer) error {
	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})
	r.Group(shippingapi.New(svc).Routes)

	go func() {
		slog.Info("kafka consumer started", "topic", opts.checkedTopic, "group", opts.consumerGroup)
		_ = checked.Consume(ctx, func(_key, value []byte) error {
			var m messages.ShipmentChecked
			if err := json.Unmarshal(value, &m); err != nil {
				return err
			}
			return svc.ApplyCarrierCheck(ctx, m)
		})
	}()

	go func() {
		slog.Info("kafka consumer started", "topic", opts.statusTopic, "group", opts.consumerGroup+"-notifier")
		_ = status.Consume(ctx, func(_key, value []byte) error {
			return notif.HandleMessage(ctx, value)
		})
	}()

	srv := &http.Server{Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = lis.Close()
	}()

	httpErr := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", lis.Addr().String())
		httpErr <- srv.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-httpErr:
		return err
	}
}
