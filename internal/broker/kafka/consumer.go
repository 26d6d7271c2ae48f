package kafka

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

// reader — читающая часть kafka.Reader, в тестах подменяется фейком.
type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer тянет сообщения топика и отдаёт их обработчику по одному.
// Оффсет коммитится только после успешной обработки: сообщение, на котором
// обработчик упал, будет перечитано после рестарта.
type Consumer struct {
	r reader
}

func NewConsumer(brokers []string, topic, groupID string) *Consumer {
	cfg := kafka.ReaderConfig{
		Brokers:           brokers,
		GroupID:           groupID,
		MaxWait:           time.Second,
		HeartbeatInterval: 3 * time.Second,
		SessionTimeout:    30 * time.Second,
	}
	if groupID != "" {
		cfg.GroupTopics = []string{topic}
	} else {
		cfg.Topic = topic
	}
	return &Consumer{r: kafka.NewReader(cfg)}
}

func newConsumerWithReader(r reader) *Consumer {
	return &Consumer{r: r}
}

func (c *Consumer) Consume(ctx context.Context, handler func(key, value []byte) error) error {
	for {
		msg, err := c.r.FetchMessage(ctx)
		if err != nil {
			return errors.Wrap(err, "fetch message")
		}
		if err := handler(msg.Key, msg.Value); err != nil {
			return errors.Wrapf(err, "handle message at offset %d", msg.Offset)
		}
		if err := c.r.CommitMessages(ctx, msg); err != nil {
			return errors.Wrap(err, "commit offset")
		}
	}
}

func (c *Consumer) Close() error {
	return c.r.Close()
}
