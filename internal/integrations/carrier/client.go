package carrier

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/simshop/shipflow/internal/models"
)

// ErrUnavailable — перевозчик недоступен или отклонил запрос. Ошибка
// восстановимая: создание отправления повторится на следующем триггере,
// проверка статуса — на следующем цикле воркера.
var ErrUnavailable = errors.New("carrier unavailable")

type ShippingDetails struct {
	RecipientName  string
	Street         string
	City           string
	PostalCode     string
	Province       string
	Country        string
	Phone          string
	OrderReference string
	ParcelWeightKg float64
}

// ShipmentDescriptor — результат создания отправления. Живёт только в рамках
// вызова: оркестратор сам переносит нужные поля в Tracking.
type ShipmentDescriptor struct {
	TrackNumber       string
	Carrier           string
	Status            string
	EstimatedDelivery time.Time
}

type Label struct {
	Data        []byte
	Format      string
	TrackNumber string
}

type TrackingResult struct {
	Status   string
	StatusAt *time.Time
	Events   []*models.TrackingEvent
}

// Client — единый интерфейс перевозчика. Оркестратор и воркер зависят
// только от него; конкретная реализация выбирается конфигом деплоя.
type Client interface {
	CreateShipment(ctx context.Context, details ShippingDetails) (ShipmentDescriptor, error)
	// CreateLabel может вернуть пустую этикетку, если у провайдера она
	// доступна только отдельной выгрузкой.
	CreateLabel(ctx context.Context, details ShippingDetails, trackNumber string) (Label, error)
	GetTracking(ctx context.Context, trackNumber string) (TrackingResult, error)
}
