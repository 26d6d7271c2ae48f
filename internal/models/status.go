package models

// Канонический словарь статусов. Все статусы перевозчиков приводятся к нему,
// Order.Status и Tracking.Status — проекции одного и того же словаря.
const (
	TrackingStatusPreparing      = "preparing"
	TrackingStatusShipped        = "shipped"
	TrackingStatusInTransit      = "in_transit"
	TrackingStatusOutForDelivery = "out_for_delivery"
	TrackingStatusDelivered      = "delivered"
	TrackingStatusException      = "exception"
	TrackingStatusReturned       = "returned"
)

const (
	OrderStatusPending    = "pending"
	OrderStatusProcessing = "processing"
	OrderStatusShipped    = "shipped"
	OrderStatusDelivered  = "delivered"
	OrderStatusCancelled  = "cancelled"
)

const (
	PaymentStatusPending = "pending"
	PaymentStatusPaid    = "paid"
	PaymentStatusFailed  = "failed"
)

// IsTerminalTrackingStatus: доставленные и возвращённые отправления
// больше не опрашиваются.
func IsTerminalTrackingStatus(s string) bool {
	return s == TrackingStatusDelivered || s == TrackingStatusReturned
}

func IsValidTrackingStatus(s string) bool {
	switch s {
	case TrackingStatusPreparing, TrackingStatusShipped, TrackingStatusInTransit,
		TrackingStatusOutForDelivery, TrackingStatusDelivered,
		TrackingStatusException, TrackingStatusReturned:
		return true
	}
	return false
}

// OrderStatusForTracking — единственная проекция статуса трекинга в статус
// заказа. incidencia/exception не двигает заказ назад: он остаётся shipped.
func OrderStatusForTracking(trackingStatus string) string {
	switch trackingStatus {
	case TrackingStatusPreparing:
		return OrderStatusProcessing
	case TrackingStatusShipped, TrackingStatusInTransit, TrackingStatusOutForDelivery, TrackingStatusException:
		return OrderStatusShipped
	case TrackingStatusDelivered:
		return OrderStatusDelivered
	case TrackingStatusReturned:
		return OrderStatusCancelled
	default:
		return OrderStatusProcessing
	}
}

// orderStatusRank задаёт линейный порядок pending -> processing -> shipped -> delivered.
// cancelled вне порядка (терминальный, достижим только до отгрузки).
func orderStatusRank(s string) int {
	switch s {
	case OrderStatusPending:
		return 0
	case OrderStatusProcessing:
		return 1
	case OrderStatusShipped:
		return 2
	case OrderStatusDelivered:
		return 3
	default:
		return -1
	}
}

// CanAdvanceOrderStatus проверяет, что переход либо вперёд по жизненному
// циклу, либо отмена из ещё не отгруженного состояния.
func CanAdvanceOrderStatus(from, to string) bool {
	if from == to {
		return false
	}
	if from == OrderStatusCancelled {
		return false
	}
	if to == OrderStatusCancelled {
		return from != OrderStatusShipped && from != OrderStatusDelivered
	}
	fr, tr := orderStatusRank(from), orderStatusRank(to)
	if fr < 0 || tr < 0 {
		return false
	}
	return tr > fr
}
