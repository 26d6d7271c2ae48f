package messages

import "time"

// OrderStatusChanged — уведомительное событие для диспетчера рассылки.
// Мутация заказа/трекинга уже закоммичена к моменту публикации; доставка
// письма best-effort и на состояние не влияет.
type OrderStatusChanged struct {
	OrderUID      string    `json:"order_uid"`
	OrderShortID  string    `json:"order_short_id"`
	CustomerName  string    `json:"customer_name"`
	CustomerEmail string    `json:"customer_email"`
	OldStatus     string    `json:"old_status"`
	NewStatus     string    `json:"new_status"`
	TrackNumber   string    `json:"track_number,omitempty"`
	ChangedAt     time.Time `json:"changed_at"`
}
