package notifier

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/simshop/shipflow/internal/broker/messages"
)

type Sender interface {
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// Notifier превращает события смены статуса заказа в письма. Доставка
// best-effort: сбой письма никогда не влияет на состояние заказа.
type Notifier struct {
	sender Sender
}

func New(sender Sender) *Notifier {
	return &Notifier{sender: sender}
}

// Dispatch возвращает ошибку вызывающему; решать, ронять ли на ней обработку,
// должен он (консьюмер kafka её только логирует).
func (n *Notifier) Dispatch(ctx context.Context, msg messages.OrderStatusChanged) error {
	if msg.CustomerEmail == "" {
		return errors.New("customer_email is empty")
	}

	subject, body, ok, err := renderEmail(msg.NewStatus, templateData{
		CustomerName: msg.CustomerName,
		OrderShortID: msg.OrderShortID,
		TrackNumber:  msg.TrackNumber,
	})
	if err != nil {
		return err
	}
	if !ok {
		// Для этого статуса письма не предусмотрено.
		slog.Debug("no email template", "status", msg.NewStatus, "order", msg.OrderShortID)
		return nil
	}

	if err := n.sender.Send(ctx, msg.CustomerEmail, subject, body); err != nil {
		return errors.Wrap(err, "dispatch email")
	}

	slog.Info("email sent", "order", msg.OrderShortID, "status", msg.NewStatus, "to", msg.CustomerEmail)
	return nil
}

// HandleMessage — обёртка для kafka-консьюмера: ошибка логируется и
// гасится, чтобы offset закоммитился и письмо не ретраилось вечно.
func (n *Notifier) HandleMessage(ctx context.Context, value []byte) error {
	var msg messages.OrderStatusChanged
	if err := json.Unmarshal(value, &msg); err != nil {
		slog.Error("notifier: bad message", "error", err.Error())
		return nil
	}
	if err := n.Dispatch(ctx, msg); err != nil {
		slog.Error("notifier: dispatch", "order", msg.OrderShortID, "error", err.Error())
	}
	return nil
}
