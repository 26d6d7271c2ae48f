package messages

import "time"

// ShipmentChecked — результат одной проверки перевозчика. Публикуется
// воркером сверки, применяется к хранилищу на стороне API.
type ShipmentChecked struct {
	TrackingID uint64    `json:"tracking_id"`
	CheckedAt  time.Time `json:"checked_at"`

	Status   string     `json:"status,omitempty"`
	StatusAt *time.Time `json:"status_at,omitempty"`

	NextCheckAt time.Time `json:"next_check_at"`

	Events []CheckedEvent `json:"events,omitempty"`

	Error *string `json:"error,omitempty"`
}

type CheckedEvent struct {
	Status      string    `json:"status"`
	Description string    `json:"description"`
	Location    *string   `json:"location,omitempty"`
	EventTime   time.Time `json:"event_time"`
}
