package carrier

import (
	"strings"

	"github.com/simshop/shipflow/internal/models"
)

// Таблица перевода статусов провайдеров в канонический словарь.
// Ключи — нижний регистр.
var statusMap = map[string]string{
	// Trackingmore v4
	"pending":          models.TrackingStatusPreparing,
	"notfound":         models.TrackingStatusPreparing,
	"inforeceived":     models.TrackingStatusPreparing,
	"pickup":           models.TrackingStatusShipped,
	"transit":          models.TrackingStatusInTransit,
	"out_for_delivery": models.TrackingStatusOutForDelivery,
	"delivered":        models.TrackingStatusDelivered,
	"undelivered":      models.TrackingStatusException,
	"exception":        models.TrackingStatusException,
	"expired":          models.TrackingStatusReturned,

	// Correos
	"admitido":   models.TrackingStatusPreparing,
	"en_camino":  models.TrackingStatusInTransit,
	"en_reparto": models.TrackingStatusOutForDelivery,
	"entregado":  models.TrackingStatusDelivered,
	"devuelto":   models.TrackingStatusReturned,

	// Уже канонические значения проходят как есть. out_for_delivery,
	// delivered и exception совпадают с кодами Trackingmore выше.
	models.TrackingStatusPreparing: models.TrackingStatusPreparing,
	models.TrackingStatusShipped:   models.TrackingStatusShipped,
	models.TrackingStatusInTransit: models.TrackingStatusInTransit,
	models.TrackingStatusReturned:  models.TrackingStatusReturned,
}

// MapStatus переводит код провайдера в канонический статус. Незнакомый код
// даёт консервативный in_transit и ok=false: сверка не должна падать из-за
// нового кода у провайдера, но вызывающий обязан это залогировать.
func MapStatus(code string) (status string, ok bool) {
	if s, found := statusMap[strings.ToLower(strings.TrimSpace(code))]; found {
		return s, true
	}
	return models.TrackingStatusInTransit, false
}
