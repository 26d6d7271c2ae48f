package pgship

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"

	"github.com/simshop/shipflow/internal/models"
)

const trackingColumns = `
  id, order_id, track_number, carrier,
  status, status_at, estimated_delivery,
  label_format, printed, printed_at,
  last_checked_at, next_check_at, check_fail_count, last_error,
  created_at, updated_at
`

// CreateTracking атомарно создаёт трекинг с первым событием и привязывает
// его к заказу. UNIQUE (order_id) — первичный механизм идемпотентности:
// проигравший гонку получает ErrAlreadyExists и перечитывает строку
// победителя. orderStatus != "" дополнительно двигает статус заказа в той же
// транзакции.
func (s *Storage) CreateTracking(ctx context.Context, t *models.Tracking, seed *models.TrackingEvent, orderStatus string) (*models.Tracking, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var id uint64
	err = tx.QueryRow(ctx, `
INSERT INTO trackings (
  order_id, track_number, carrier, status, status_at,
  estimated_delivery, label_data, label_format,
  next_check_at, created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10)
ON CONFLICT (order_id) DO NOTHING
RETURNING id
`, t.OrderID, t.TrackNumber, t.Carrier, t.Status, t.StatusAt,
		t.EstimatedDelivery, t.LabelData, t.LabelFormat,
		t.NextCheckAt, now).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAlreadyExists
		}
		var pgErr *pgconn.PgError
		// 23505: гонка по track_number (дубль номера у перевозчика).
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrAlreadyExists
		}
		return nil, errors.Wrap(err, "insert tracking")
	}

	if seed != nil {
		loc := ""
		if seed.Location != nil {
			loc = *seed.Location
		}
		_, err = tx.Exec(ctx, `
INSERT INTO tracking_events (tracking_id, status, description, location, event_time, created_at)
VALUES ($1,$2,$3,$4,$5, now())
`, id, seed.Status, seed.Description, loc, seed.EventTime.UTC())
		if err != nil {
			return nil, errors.Wrap(err, "insert seed event")
		}
	}

	needsPrinting := len(t.LabelData) > 0
	if orderStatus != "" {
		_, err = tx.Exec(ctx, `
UPDATE orders SET tracking_id = $2, status = $3, needs_printing = $4, updated_at = now()
WHERE id = $1
`, t.OrderID, id, orderStatus, needsPrinting)
	} else {
		_, err = tx.Exec(ctx, `
UPDATE orders SET tracking_id = $2, needs_printing = $3, updated_at = now()
WHERE id = $1
`, t.OrderID, id, needsPrinting)
	}
	if err != nil {
		return nil, errors.Wrap(err, "link order")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}

	return s.TrackingByID(ctx, id)
}

func (s *Storage) TrackingByID(ctx context.Context, id uint64) (*models.Tracking, error) {
	row := s.db.QueryRow(ctx, `SELECT `+trackingColumns+` FROM trackings WHERE id = $1`, id)
	return scanTracking(row)
}

func (s *Storage) TrackingByOrderID(ctx context.Context, orderID uint64) (*models.Tracking, error) {
	row := s.db.QueryRow(ctx, `SELECT `+trackingColumns+` FROM trackings WHERE order_id = $1`, orderID)
	return scanTracking(row)
}

func (s *Storage) TrackingByNumber(ctx context.Context, trackNumber string) (*models.Tracking, error) {
	row := s.db.QueryRow(ctx, `SELECT `+trackingColumns+` FROM trackings WHERE track_number = $1`, trackNumber)
	return scanTracking(row)
}

func scanTracking(row pgx.Row) (*models.Tracking, error) {
	var t models.Tracking
	if err := row.Scan(
		&t.ID, &t.OrderID, &t.TrackNumber, &t.Carrier,
		&t.Status, &t.StatusAt, &t.EstimatedDelivery,
		&t.LabelFormat, &t.Printed, &t.PrintedAt,
		&t.LastCheckedAt, &t.NextCheckAt, &t.CheckFailCount, &t.LastError,
		&t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "scan tracking")
	}
	return &t, nil
}

// LabelByTrackNumber отдаёт бинарную этикетку отдельно от остальных полей:
// она тяжёлая и нужна только эндпоинту скачивания.
func (s *Storage) LabelByTrackNumber(ctx context.Context, trackNumber string) ([]byte, string, error) {
	var data []byte
	var format string
	err := s.db.QueryRow(ctx, `
SELECT label_data, label_format FROM trackings WHERE track_number = $1
`, trackNumber).Scan(&data, &format)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, "", ErrNotFound
		}
		return nil, "", errors.Wrap(err, "select label")
	}
	if len(data) == 0 {
		return nil, "", ErrNotFound
	}
	return data, format, nil
}

func (s *Storage) ListTrackingEvents(ctx context.Context, trackingID uint64, limit, offset int) ([]*models.TrackingEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(ctx, `
SELECT id, tracking_id, status, description, location, event_time, created_at
FROM tracking_events
WHERE tracking_id = $1
ORDER BY event_time, id
LIMIT $2 OFFSET $3
`, trackingID, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "select events")
	}
	defer rows.Close()

	var out []*models.TrackingEvent
	for rows.Next() {
		var e models.TrackingEvent
		var location string
		if err := rows.Scan(&e.ID, &e.TrackingID, &e.Status, &e.Description, &location, &e.EventTime, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		if location != "" {
			e.Location = &location
		}
		out = append(out, &e)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// AppendEvent — одно событие + смена текущего статуса (ручные операции
// администратора). orderStatus != nil двигает и заказ в той же транзакции.
func (s *Storage) AppendEvent(ctx context.Context, trackingID uint64, ev *models.TrackingEvent, orderStatus *string) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	loc := ""
	if ev.Location != nil {
		loc = *ev.Location
	}
	_, err = tx.Exec(ctx, `
INSERT INTO tracking_events (tracking_id, status, description, location, event_time, created_at)
VALUES ($1,$2,$3,$4,$5, now())
ON CONFLICT (tracking_id, status, event_time, description) DO NOTHING
`, trackingID, ev.Status, ev.Description, loc, ev.EventTime.UTC())
	if err != nil {
		return errors.Wrap(err, "insert event")
	}

	tag, err := tx.Exec(ctx, `
UPDATE trackings SET status = $2, status_at = $3, updated_at = now() WHERE id = $1
`, trackingID, ev.Status, ev.EventTime.UTC())
	if err != nil {
		return errors.Wrap(err, "update tracking status")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	if orderStatus != nil {
		_, err = tx.Exec(ctx, `
UPDATE orders SET status = $2, updated_at = now()
WHERE id = (SELECT order_id FROM trackings WHERE id = $1)
`, trackingID, *orderStatus)
		if err != nil {
			return errors.Wrap(err, "update order status")
		}
	}

	return errors.Wrap(tx.Commit(ctx), "commit tx")
}

// UpdateTrackingIdentity — ручная замена номера/перевозчика администратором.
func (s *Storage) UpdateTrackingIdentity(ctx context.Context, trackingID uint64, trackNumber, carrierName string) error {
	tag, err := s.db.Exec(ctx, `
UPDATE trackings SET track_number = $2, carrier = $3, updated_at = now() WHERE id = $1
`, trackingID, trackNumber, carrierName)
	if err != nil {
		return errors.Wrap(err, "update tracking identity")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Storage) RefreshTracking(ctx context.Context, trackingID uint64) error {
	_, err := s.db.Exec(ctx, `UPDATE trackings SET next_check_at = now(), updated_at = now() WHERE id = $1`, trackingID)
	return errors.Wrap(err, "refresh tracking")
}

// ClaimDueTrackings выбирает пачку трекингов, готовых к сверке, и "бронирует"
// их, чтобы они не попадали в повторную выборку, пока воркер их обрабатывает.
// Использует SELECT ... FOR UPDATE SKIP LOCKED. Терминальные статусы
// (delivered, returned) не выбираются.
func (s *Storage) ClaimDueTrackings(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.Tracking, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
SELECT `+trackingColumns+`
FROM trackings
WHERE next_check_at <= $1
  AND status NOT IN ($2, $3)
ORDER BY next_check_at ASC
LIMIT $4
FOR UPDATE SKIP LOCKED
`, now.UTC(), models.TrackingStatusDelivered, models.TrackingStatusReturned, limit)
	if err != nil {
		return nil, errors.Wrap(err, "select due trackings")
	}
	defer rows.Close()

	var picked []*models.Tracking
	for rows.Next() {
		var t models.Tracking
		if err := rows.Scan(
			&t.ID, &t.OrderID, &t.TrackNumber, &t.Carrier,
			&t.Status, &t.StatusAt, &t.EstimatedDelivery,
			&t.LabelFormat, &t.Printed, &t.PrintedAt,
			&t.LastCheckedAt, &t.NextCheckAt, &t.CheckFailCount, &t.LastError,
			&t.CreatedAt, &t.UpdatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan due tracking")
		}
		picked = append(picked, &t)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}

	leaseUntil := now.UTC().Add(lease)
	for _, t := range picked {
		_, err := tx.Exec(ctx, `UPDATE trackings SET next_check_at = $2, updated_at = now() WHERE id = $1`, t.ID, leaseUntil)
		if err != nil {
			return nil, errors.Wrap(err, "lease tracking")
		}
		t.NextCheckAt = leaseUntil
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return picked, nil
}

type TrackingUpdate struct {
	TrackingID uint64

	CheckedAt time.Time

	Status   string
	StatusAt *time.Time

	NextCheckAt time.Time

	Events []*models.TrackingEvent

	// OrderStatus != nil двигает статус связанного заказа в той же транзакции.
	OrderStatus *string

	Error *string
}

// ApplyTrackingUpdate применяет результат проверки перевозчика. Ошибочная
// проверка только увеличивает счётчик сбоев и откладывает следующую.
func (s *Storage) ApplyTrackingUpdate(ctx context.Context, upd TrackingUpdate) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if upd.Error != nil && *upd.Error != "" {
		_, err := tx.Exec(ctx, `
UPDATE trackings
SET
  last_checked_at = $2,
  check_fail_count = check_fail_count + 1,
  last_error = $3,
  next_check_at = $4,
  updated_at = now()
WHERE id = $1
`, upd.TrackingID, upd.CheckedAt.UTC(), *upd.Error, upd.NextCheckAt.UTC())
		if err != nil {
			return errors.Wrap(err, "update tracking (error)")
		}
	} else {
		_, err := tx.Exec(ctx, `
UPDATE trackings
SET
  status = $3,
  status_at = $4,
  last_checked_at = $2,
  check_fail_count = 0,
  last_error = NULL,
  next_check_at = $5,
  updated_at = now()
WHERE id = $1
`, upd.TrackingID, upd.CheckedAt.UTC(), upd.Status, upd.StatusAt, upd.NextCheckAt.UTC())
		if err != nil {
			return errors.Wrap(err, "update tracking (ok)")
		}

		for _, e := range upd.Events {
			loc := ""
			if e.Location != nil {
				loc = *e.Location
			}
			_, err := tx.Exec(ctx, `
INSERT INTO tracking_events (tracking_id, status, description, location, event_time, created_at)
VALUES ($1,$2,$3,$4,$5, now())
ON CONFLICT (tracking_id, status, event_time, description) DO NOTHING
`, upd.TrackingID, e.Status, e.Description, loc, e.EventTime.UTC())
			if err != nil {
				return errors.Wrap(err, "insert tracking event")
			}
		}

		if upd.OrderStatus != nil {
			_, err := tx.Exec(ctx, `
UPDATE orders SET status = $2, updated_at = now()
WHERE id = (SELECT order_id FROM trackings WHERE id = $1)
`, upd.TrackingID, *upd.OrderStatus)
			if err != nil {
				return errors.Wrap(err, "update order status")
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit tx")
	}
	return nil
}
