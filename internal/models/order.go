package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type ShippingAddress struct {
	Street     string
	City       string
	Province   string
	PostalCode string
	Country    string
}

type OrderItem struct {
	ID         uint64
	OrderID    uint64
	ProductRef string
	Quantity   int32
	UnitPrice  decimal.Decimal
}

type Order struct {
	ID            uint64
	UID           uuid.UUID
	CustomerName  string
	CustomerEmail string
	Items         []OrderItem
	TotalAmount   decimal.Decimal
	Address       ShippingAddress
	Phone         string
	PaymentStatus string
	Status        string
	TrackingID    *uint64
	NeedsPrinting bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ShortID — короткий номер заказа для писем и этикеток (хвост UID).
func (o *Order) ShortID() string {
	s := strings.ReplaceAll(o.UID.String(), "-", "")
	if len(s) > 8 {
		s = s[len(s)-8:]
	}
	return strings.ToUpper(s)
}

func (o *Order) CanCancel() bool {
	return CanAdvanceOrderStatus(o.Status, OrderStatusCancelled)
}

type OrderItemInput struct {
	ProductRef string
	Quantity   int32
	UnitPrice  decimal.Decimal
}

type OrderCreateInput struct {
	CustomerName  string
	CustomerEmail string
	Items         []OrderItemInput
	Address       ShippingAddress
	Phone         string
	PaymentStatus string
}

// TotalFromItems пересчитывает сумму по позициям. Сумма из запроса
// никогда не используется напрямую.
func (in OrderCreateInput) TotalFromItems() decimal.Decimal {
	total := decimal.Zero
	for _, it := range in.Items {
		total = total.Add(it.UnitPrice.Mul(decimal.NewFromInt32(it.Quantity)))
	}
	return total
}
