package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	SMTP     SMTPConfig     `yaml:"smtp"`
	ShipFlow ShipFlowConfig `yaml:"shipflow"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

type KafkaConfig struct {
	Host                        string `yaml:"host"`
	Port                        int    `yaml:"port"`
	ShipmentCheckedTopicName    string `yaml:"shipment_checked_topic_name"`
	OrderStatusChangedTopicName string `yaml:"order_status_changed_topic_name"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

type ShipFlowConfig struct {
	HTTPAddr            string `yaml:"http_addr"`
	KafkaConsumerGroup  string `yaml:"kafka_consumer_group"`
	CurrentStatusTTLSeconds int `yaml:"current_status_ttl_seconds"`
	FirstCheckDelaySeconds  int `yaml:"first_check_delay_seconds"`

	// "simulator" | "trackingmore"
	CarrierProvider       string `yaml:"carrier_provider"`
	TrackingMoreBaseURL   string `yaml:"trackingmore_base_url"`
	TrackingMoreAPIKey    string `yaml:"trackingmore_api_key"`
	TrackingMoreCourier   string `yaml:"trackingmore_courier"`

	WorkerHTTPAddr            string `yaml:"worker_http_addr"`
	WorkerPollIntervalSeconds int    `yaml:"worker_poll_interval_seconds"`
	WorkerBatchSize           int    `yaml:"worker_batch_size"`
	WorkerLeaseSeconds        int    `yaml:"worker_lease_seconds"`
	WorkerPaceDelayMillis     int    `yaml:"worker_pace_delay_millis"`
	WorkerRateLimitPerMinute  int    `yaml:"worker_rate_limit_per_minute"`

	// Планирование следующей проверки (опционально, секунды).
	WorkerNextCheckActiveMinSeconds int `yaml:"worker_next_check_active_min_seconds"`
	WorkerNextCheckActiveMaxSeconds int `yaml:"worker_next_check_active_max_seconds"`
	WorkerNextCheckPreparingSeconds int `yaml:"worker_next_check_preparing_seconds"`
	WorkerNextCheckExceptionSeconds int `yaml:"worker_next_check_exception_seconds"`
	WorkerBackoff1Seconds           int `yaml:"worker_backoff_1_seconds"`
	WorkerBackoff2Seconds           int `yaml:"worker_backoff_2_seconds"`
	WorkerBackoff3Seconds           int `yaml:"worker_backoff_3_seconds"`
	WorkerBackoff4Seconds           int `yaml:"worker_backoff_4_seconds"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return &config, nil
}
