package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "cfg.yaml")
	require.NoError(t, os.WriteFile(p, []byte(`
database:
  host: "localhost"
  port: 5432
  username: "u"
  password: "p"
  name: "db"
kafka:
  host: "localhost"
  port: 9092
  shipment_checked_topic_name: "shipment.checked"
  order_status_changed_topic_name: "order.status.changed"
redis:
  host: "localhost"
  port: 6379
smtp:
  host: "localhost"
  port: 1025
  from: "tienda@example.com"
shipflow:
  http_addr: ":8080"
  kafka_consumer_group: "shop-api"
  carrier_provider: "simulator"
  worker_http_addr: ":8082"
  worker_poll_interval_seconds: 60
  worker_pace_delay_millis: 1000
`), 0o600))

	cfg, err := LoadConfig(p)
	require.NoError(t, err)
	require.Equal(t, "u", cfg.Database.Username)
	require.Equal(t, "shipment.checked", cfg.Kafka.ShipmentCheckedTopicName)
	require.Equal(t, "order.status.changed", cfg.Kafka.OrderStatusChangedTopicName)
	require.Equal(t, 6379, cfg.Redis.Port)
	require.Equal(t, "tienda@example.com", cfg.SMTP.From)
	require.Equal(t, "simulator", cfg.ShipFlow.CarrierProvider)
	require.Equal(t, 1000, cfg.ShipFlow.WorkerPaceDelayMillis)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/cfg.yaml")
	require.Error(t, err)
}
