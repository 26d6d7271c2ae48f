package pgship

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/simshop/shipflow/internal/models"
)

func (s *Storage) CreateOrder(ctx context.Context, in models.OrderCreateInput) (*models.Order, error) {
	now := time.Now().UTC()
	uid := uuid.New()
	total := in.TotalFromItems()

	paymentStatus := in.PaymentStatus
	if paymentStatus == "" {
		paymentStatus = models.PaymentStatusPending
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var id uint64
	err = tx.QueryRow(ctx, `
INSERT INTO orders (
  uid, customer_name, customer_email,
  street, city, province, postal_code, country, phone,
  payment_status, status, total_amount,
  created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$13)
RETURNING id
`, uid, in.CustomerName, in.CustomerEmail,
		in.Address.Street, in.Address.City, in.Address.Province, in.Address.PostalCode, in.Address.Country, in.Phone,
		paymentStatus, models.OrderStatusPending, total.StringFixed(2), now).Scan(&id)
	if err != nil {
		return nil, errors.Wrap(err, "insert order")
	}

	for _, it := range in.Items {
		_, err := tx.Exec(ctx, `
INSERT INTO order_items (order_id, product_ref, quantity, unit_price)
VALUES ($1,$2,$3,$4)
`, id, it.ProductRef, it.Quantity, it.UnitPrice.StringFixed(2))
		if err != nil {
			return nil, errors.Wrap(err, "insert order item")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}

	return s.OrderByID(ctx, id)
}

const orderColumns = `
  id, uid, customer_name, customer_email,
  street, city, province, postal_code, country, phone,
  payment_status, status, total_amount::text,
  tracking_id, needs_printing,
  created_at, updated_at
`

func (s *Storage) OrderByID(ctx context.Context, id uint64) (*models.Order, error) {
	row := s.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	return s.scanOrder(ctx, row)
}

func (s *Storage) OrderByUID(ctx context.Context, uid uuid.UUID) (*models.Order, error) {
	row := s.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE uid = $1`, uid)
	return s.scanOrder(ctx, row)
}

func (s *Storage) scanOrder(ctx context.Context, row pgx.Row) (*models.Order, error) {
	var o models.Order
	var totalStr string
	var trackingID *uint64
	if err := row.Scan(
		&o.ID, &o.UID, &o.CustomerName, &o.CustomerEmail,
		&o.Address.Street, &o.Address.City, &o.Address.Province, &o.Address.PostalCode, &o.Address.Country, &o.Phone,
		&o.PaymentStatus, &o.Status, &totalStr,
		&trackingID, &o.NeedsPrinting,
		&o.CreatedAt, &o.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "scan order")
	}
	o.TrackingID = trackingID

	total, err := decimal.NewFromString(totalStr)
	if err != nil {
		return nil, errors.Wrap(err, "parse total amount")
	}
	o.TotalAmount = total

	items, err := s.orderItems(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	o.Items = items
	return &o, nil
}

func (s *Storage) orderItems(ctx context.Context, orderID uint64) ([]models.OrderItem, error) {
	rows, err := s.db.Query(ctx, `
SELECT id, order_id, product_ref, quantity, unit_price::text
FROM order_items
WHERE order_id = $1
ORDER BY id
`, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "select order items")
	}
	defer rows.Close()

	var out []models.OrderItem
	for rows.Next() {
		var it models.OrderItem
		var priceStr string
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductRef, &it.Quantity, &priceStr); err != nil {
			return nil, errors.Wrap(err, "scan order item")
		}
		price, err := decimal.NewFromString(priceStr)
		if err != nil {
			return nil, errors.Wrap(err, "parse unit price")
		}
		it.UnitPrice = price
		out = append(out, it)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) UpdateOrderStatus(ctx context.Context, id uint64, status string) error {
	tag, err := s.db.Exec(ctx, `UPDATE orders SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return errors.Wrap(err, "update order status")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Storage) SetPaymentStatus(ctx context.Context, id uint64, paymentStatus string) error {
	tag, err := s.db.Exec(ctx, `UPDATE orders SET payment_status = $2, updated_at = now() WHERE id = $1`, id, paymentStatus)
	if err != nil {
		return errors.Wrap(err, "update payment status")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// LinkTracking — самолечение после частичного сбоя: трекинг создан,
// но ссылка на заказе не проставилась.
func (s *Storage) LinkTracking(ctx context.Context, orderID, trackingID uint64) error {
	_, err := s.db.Exec(ctx, `
UPDATE orders SET tracking_id = $2, updated_at = now()
WHERE id = $1 AND (tracking_id IS NULL OR tracking_id <> $2)
`, orderID, trackingID)
	return errors.Wrap(err, "link tracking")
}

// MarkOrderPrinted снимает флаг "ждёт печати" и отмечает этикетку напечатанной.
func (s *Storage) MarkOrderPrinted(ctx context.Context, orderID uint64) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `UPDATE orders SET needs_printing = FALSE, updated_at = now() WHERE id = $1`, orderID)
	if err != nil {
		return errors.Wrap(err, "update order")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	_, err = tx.Exec(ctx, `
UPDATE trackings SET printed = TRUE, printed_at = now(), updated_at = now()
WHERE order_id = $1 AND NOT printed
`, orderID)
	if err != nil {
		return errors.Wrap(err, "update tracking printed")
	}

	return errors.Wrap(tx.Commit(ctx), "commit tx")
}
