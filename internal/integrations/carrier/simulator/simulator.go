package simulator

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/simshop/shipflow/internal/integrations/carrier"
	"github.com/simshop/shipflow/internal/models"
)

const carrierName = "Correos Express (simulado)"

// Срок доставки симулятора: фиксированные 3 дня.
const leadTime = 72 * time.Hour

// Client — локальный детерминированный перевозчик для дев-стендов и тестов.
// Номер отправления и прогресс статуса выводятся из хэша входа, так что
// повторные вызовы дают одинаковый результат.
type Client struct {
	now func() time.Time
}

func New() *Client {
	return &Client{now: func() time.Time { return time.Now().UTC() }}
}

// WithNow подменяет источник времени (для тестов).
func (c *Client) WithNow(now func() time.Time) *Client {
	if now != nil {
		c.now = now
	}
	return c
}

func (c *Client) CreateShipment(ctx context.Context, details carrier.ShippingDetails) (carrier.ShipmentDescriptor, error) {
	now := c.now()
	num := trackNumber(details.OrderReference, now)
	return carrier.ShipmentDescriptor{
		TrackNumber:       num,
		Carrier:           carrierName,
		Status:            models.TrackingStatusPreparing,
		EstimatedDelivery: now.Add(leadTime),
	}, nil
}

func (c *Client) CreateLabel(ctx context.Context, details carrier.ShippingDetails, trackNumber string) (carrier.Label, error) {
	data, err := renderLabel(details, trackNumber, c.now())
	if err != nil {
		return carrier.Label{}, err
	}
	return carrier.Label{Data: data, Format: "pdf", TrackNumber: trackNumber}, nil
}

// GetTracking отдаёт детерминированный статус по номеру: примерно пятая часть
// отправлений считается доставленной, остальные едут.
func (c *Client) GetTracking(ctx context.Context, trackNumber string) (carrier.TrackingResult, error) {
	now := c.now()

	h := fnv.New32a()
	_, _ = h.Write([]byte(trackNumber))
	v := h.Sum32()

	status := models.TrackingStatusInTransit
	desc := "В пути"
	if v%5 == 0 {
		status = models.TrackingStatusDelivered
		desc = "Вручено получателю"
	}

	loc := "Centro de distribución"
	at := eventTime(trackNumber, v, now)
	ev := &models.TrackingEvent{
		Status:      status,
		Description: desc,
		Location:    &loc,
		EventTime:   at,
	}

	return carrier.TrackingResult{
		Status:   status,
		StatusAt: &at,
		Events:   []*models.TrackingEvent{ev},
	}, nil
}

// Время события стабильно для номера: повторный опрос возвращает то же
// событие, и сверка без изменений ничего не дописывает. Дата берётся из
// самого номера, час — из хэша; чужие номера ложатся на начало суток.
func eventTime(trackNumber string, v uint32, now time.Time) time.Time {
	var y, m, d, tail int
	if _, err := fmt.Sscanf(trackNumber, "MOCK-%4d%2d%2d-%4d", &y, &m, &d, &tail); err == nil {
		return time.Date(y, time.Month(m), d, int(v%24), 0, 0, 0, time.UTC)
	}
	return now.Truncate(24 * time.Hour)
}

// trackNumber: MOCK-YYYYMMDD-NNNN, хвост детерминирован по заказу.
func trackNumber(orderRef string, now time.Time) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(orderRef))
	return fmt.Sprintf("MOCK-%s-%04d", now.Format("20060102"), h.Sum32()%10000)
}
