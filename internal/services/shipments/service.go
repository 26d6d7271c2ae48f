package shipments

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/simshop/shipflow/internal/broker/messages"
	"github.com/simshop/shipflow/internal/cache"
	"github.com/simshop/shipflow/internal/integrations/carrier"
	"github.com/simshop/shipflow/internal/models"
	"github.com/simshop/shipflow/internal/storage/pgship"
)

type Repository interface {
	CreateOrder(ctx context.Context, in models.OrderCreateInput) (*models.Order, error)
	OrderByID(ctx context.Context, id uint64) (*models.Order, error)
	OrderByUID(ctx context.Context, uid uuid.UUID) (*models.Order, error)
	UpdateOrderStatus(ctx context.Context, id uint64, status string) error
	SetPaymentStatus(ctx context.Context, id uint64, paymentStatus string) error
	LinkTracking(ctx context.Context, orderID, trackingID uint64) error
	MarkOrderPrinted(ctx context.Context, orderID uint64) error

	CreateTracking(ctx context.Context, t *models.Tracking, seed *models.TrackingEvent, orderStatus string) (*models.Tracking, error)
	TrackingByID(ctx context.Context, id uint64) (*models.Tracking, error)
	TrackingByOrderID(ctx context.Context, orderID uint64) (*models.Tracking, error)
	TrackingByNumber(ctx context.Context, trackNumber string) (*models.Tracking, error)
	LabelByTrackNumber(ctx context.Context, trackNumber string) ([]byte, string, error)
	ListTrackingEvents(ctx context.Context, trackingID uint64, limit, offset int) ([]*models.TrackingEvent, error)
	AppendEvent(ctx context.Context, trackingID uint64, ev *models.TrackingEvent, orderStatus *string) error
	UpdateTrackingIdentity(ctx context.Context, trackingID uint64, trackNumber, carrierName string) error
	RefreshTracking(ctx context.Context, trackingID uint64) error
	ApplyTrackingUpdate(ctx context.Context, upd pgship.TrackingUpdate) error
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// Service — оркестратор "заказ -> отправление". Все мутации проходят через
// него; создание отправления идемпотентно и переживает любые сбои
// перевозчика без порчи состояния заказа.
type Service struct {
	repo     Repository
	carrier  carrier.Client
	producer Producer
	cache    cache.BytesCache

	statusTopic string

	currentTTL      time.Duration
	firstCheckDelay time.Duration
	parcelItemKg    float64
}

func New(repo Repository, c carrier.Client, producer Producer, bc cache.BytesCache, statusTopic string) *Service {
	return &Service{
		repo:            repo,
		carrier:         c,
		producer:        producer,
		cache:           bc,
		statusTopic:     statusTopic,
		currentTTL:      30 * time.Second,
		firstCheckDelay: 10 * time.Minute,
		parcelItemKg:    0.5,
	}
}

func (s *Service) WithSettings(currentTTL, firstCheckDelay time.Duration) *Service {
	if currentTTL > 0 {
		s.currentTTL = currentTTL
	}
	if firstCheckDelay > 0 {
		s.firstCheckDelay = firstCheckDelay
	}
	return s
}

func (s *Service) CreateOrder(ctx context.Context, in models.OrderCreateInput) (*models.Order, error) {
	if strings.TrimSpace(in.CustomerName) == "" {
		return nil, errors.New("customerName is required")
	}
	if strings.TrimSpace(in.CustomerEmail) == "" {
		return nil, errors.New("customerEmail is required")
	}
	if len(in.Items) == 0 {
		return nil, errors.New("items is empty")
	}
	for _, it := range in.Items {
		if it.ProductRef == "" {
			return nil, errors.New("productRef is required")
		}
		if it.Quantity <= 0 {
			return nil, errors.New("quantity must be positive")
		}
		if it.UnitPrice.IsNegative() {
			return nil, errors.New("unitPrice must not be negative")
		}
	}
	if strings.TrimSpace(in.Phone) == "" {
		return nil, errors.New("phone is required")
	}
	if strings.TrimSpace(in.Address.Street) == "" || strings.TrimSpace(in.Address.City) == "" {
		return nil, errors.New("street and city are required")
	}
	if strings.TrimSpace(in.Address.PostalCode) == "" {
		return nil, errors.New("postalCode is required")
	}

	return s.repo.CreateOrder(ctx, in)
}

func (s *Service) OrderByUID(ctx context.Context, uid uuid.UUID) (*models.Order, error) {
	return s.repo.OrderByUID(ctx, uid)
}

// ConfirmPayment отмечает оплату и запускает создание отправления.
// Сбой отправления оплату не откатывает: следующий триггер доделает.
func (s *Service) ConfirmPayment(ctx context.Context, uid uuid.UUID) (*models.Order, error) {
	order, err := s.repo.OrderByUID(ctx, uid)
	if err != nil {
		return nil, err
	}

	if order.PaymentStatus != models.PaymentStatusPaid {
		if err := s.repo.SetPaymentStatus(ctx, order.ID, models.PaymentStatusPaid); err != nil {
			return nil, err
		}
		order.PaymentStatus = models.PaymentStatusPaid
	}

	if _, err := s.EnsureShipment(ctx, uid); err != nil {
		return nil, err
	}

	return s.repo.OrderByUID(ctx, uid)
}

// EnsureShipment — идемпотентное создание отправления: на заказ существует
// максимум один трекинг, повторные вызовы возвращают существующий.
// Недоступность перевозчика — логируемый no-op (nil, nil): заказ остаётся
// без трекинга до следующего триггера.
func (s *Service) EnsureShipment(ctx context.Context, uid uuid.UUID) (*models.Tracking, error) {
	order, err := s.repo.OrderByUID(ctx, uid)
	if err != nil {
		if errors.Is(err, pgship.ErrNotFound) {
			slog.Warn("ensure shipment: order not found", "order_uid", uid.String())
			return nil, nil
		}
		return nil, err
	}

	if order.Status == models.OrderStatusCancelled {
		slog.Info("ensure shipment: order cancelled, skip", "order_uid", uid.String())
		return nil, nil
	}

	if existing, err := s.repo.TrackingByOrderID(ctx, order.ID); err == nil {
		// Самолечение частичного сбоя: трекинг есть, ссылка могла потеряться.
		if err := s.repo.LinkTracking(ctx, order.ID, existing.ID); err != nil {
			return nil, err
		}
		return existing, nil
	} else if !errors.Is(err, pgship.ErrNotFound) {
		return nil, err
	}

	details := s.shippingDetails(order)

	desc, err := s.carrier.CreateShipment(ctx, details)
	if err != nil {
		slog.Error("create shipment", "order_uid", uid.String(), "error", err.Error())
		return nil, nil
	}

	var label carrier.Label
	if l, err := s.carrier.CreateLabel(ctx, details, desc.TrackNumber); err != nil {
		// Без этикетки жить можно, отправление уже создано.
		slog.Warn("create label", "track_number", desc.TrackNumber, "error", err.Error())
	} else {
		label = l
	}

	now := time.Now().UTC()
	status := desc.Status
	if status == "" {
		status = models.TrackingStatusPreparing
	}

	t := &models.Tracking{
		OrderID:     order.ID,
		TrackNumber: desc.TrackNumber,
		Carrier:     desc.Carrier,
		Status:      status,
		StatusAt:    &now,
		LabelData:   label.Data,
		LabelFormat: label.Format,
		NextCheckAt: now.Add(s.firstCheckDelay),
	}
	if !desc.EstimatedDelivery.IsZero() {
		ed := desc.EstimatedDelivery.UTC()
		t.EstimatedDelivery = &ed
	}

	seed := &models.TrackingEvent{
		Status:      status,
		Description: "Shipment registered with carrier",
		EventTime:   now,
	}

	orderStatus := ""
	if models.CanAdvanceOrderStatus(order.Status, models.OrderStatusProcessing) {
		orderStatus = models.OrderStatusProcessing
	}

	created, err := s.repo.CreateTracking(ctx, t, seed, orderStatus)
	if err != nil {
		if errors.Is(err, pgship.ErrAlreadyExists) {
			// Проиграли гонку: перечитываем строку победителя.
			winner, err := s.repo.TrackingByOrderID(ctx, order.ID)
			if err != nil {
				return nil, err
			}
			if err := s.repo.LinkTracking(ctx, order.ID, winner.ID); err != nil {
				return nil, err
			}
			return winner, nil
		}
		return nil, err
	}

	if orderStatus != "" {
		s.publishStatusChange(ctx, order, order.Status, orderStatus, created.TrackNumber)
	}

	return created, nil
}

// ManualShipment — ручное создание/замена отправления администратором.
// С явным номером перевозчик не вызывается вовсе.
func (s *Service) ManualShipment(ctx context.Context, uid uuid.UUID, trackNumber, carrierName string) (*models.Tracking, error) {
	order, err := s.repo.OrderByUID(ctx, uid)
	if err != nil {
		return nil, err
	}

	if existing, err := s.repo.TrackingByOrderID(ctx, order.ID); err == nil {
		if trackNumber == "" {
			return existing, nil
		}
		if carrierName == "" {
			carrierName = existing.Carrier
		}
		if err := s.repo.UpdateTrackingIdentity(ctx, existing.ID, trackNumber, carrierName); err != nil {
			return nil, err
		}
		ev := &models.TrackingEvent{
			Status:      existing.Status,
			Description: "Tracking reassigned manually",
			EventTime:   time.Now().UTC(),
		}
		if err := s.repo.AppendEvent(ctx, existing.ID, ev, nil); err != nil {
			return nil, err
		}
		s.invalidate(ctx, existing.TrackNumber)
		return s.repo.TrackingByID(ctx, existing.ID)
	} else if !errors.Is(err, pgship.ErrNotFound) {
		return nil, err
	}

	if trackNumber == "" {
		return s.EnsureShipment(ctx, uid)
	}
	if carrierName == "" {
		carrierName = "manual"
	}

	now := time.Now().UTC()
	t := &models.Tracking{
		OrderID:     order.ID,
		TrackNumber: trackNumber,
		Carrier:     carrierName,
		Status:      models.TrackingStatusPreparing,
		StatusAt:    &now,
		NextCheckAt: now.Add(s.firstCheckDelay),
	}
	seed := &models.TrackingEvent{
		Status:      models.TrackingStatusPreparing,
		Description: "Shipment registered manually",
		EventTime:   now,
	}

	orderStatus := ""
	if models.CanAdvanceOrderStatus(order.Status, models.OrderStatusProcessing) {
		orderStatus = models.OrderStatusProcessing
	}

	created, err := s.repo.CreateTracking(ctx, t, seed, orderStatus)
	if err != nil {
		if errors.Is(err, pgship.ErrAlreadyExists) {
			return s.repo.TrackingByOrderID(ctx, order.ID)
		}
		return nil, err
	}

	if orderStatus != "" {
		s.publishStatusChange(ctx, order, order.Status, orderStatus, created.TrackNumber)
	}
	return created, nil
}

// OverrideStatus — ручная смена статуса трекинга администратором.
func (s *Service) OverrideStatus(ctx context.Context, trackingID uint64, status, description string, location *string) (*models.Tracking, error) {
	if !models.IsValidTrackingStatus(status) {
		return nil, errors.Errorf("unknown status %q", status)
	}

	tr, err := s.repo.TrackingByID(ctx, trackingID)
	if err != nil {
		return nil, err
	}
	order, err := s.repo.OrderByID(ctx, tr.OrderID)
	if err != nil {
		return nil, err
	}

	if description == "" {
		description = "Status set manually"
	}
	ev := &models.TrackingEvent{
		Status:      status,
		Description: description,
		Location:    location,
		EventTime:   time.Now().UTC(),
	}

	var orderStatus *string
	if projected := models.OrderStatusForTracking(status); models.CanAdvanceOrderStatus(order.Status, projected) {
		orderStatus = &projected
	}

	if err := s.repo.AppendEvent(ctx, trackingID, ev, orderStatus); err != nil {
		return nil, err
	}
	s.invalidate(ctx, tr.TrackNumber)

	if orderStatus != nil {
		s.publishStatusChange(ctx, order, order.Status, *orderStatus, tr.TrackNumber)
	}

	return s.repo.TrackingByID(ctx, trackingID)
}

// ApplyCarrierCheck применяет результат проверки из kafka. Проверка без
// изменения статуса обновляет только служебные поля и не порождает ни
// событий заказа, ни уведомлений.
func (s *Service) ApplyCarrierCheck(ctx context.Context, msg messages.ShipmentChecked) error {
	if msg.TrackingID == 0 {
		return errors.New("tracking_id is required")
	}
	if msg.CheckedAt.IsZero() {
		msg.CheckedAt = time.Now().UTC()
	}
	if msg.NextCheckAt.IsZero() {
		msg.NextCheckAt = msg.CheckedAt.Add(60 * time.Minute)
	}

	tr, err := s.repo.TrackingByID(ctx, msg.TrackingID)
	if err != nil {
		if errors.Is(err, pgship.ErrNotFound) {
			slog.Warn("apply check: tracking not found", "tracking_id", msg.TrackingID)
			return nil
		}
		return err
	}

	upd := pgship.TrackingUpdate{
		TrackingID:  msg.TrackingID,
		CheckedAt:   msg.CheckedAt,
		NextCheckAt: msg.NextCheckAt,
		Error:       msg.Error,
	}

	var order *models.Order
	var newOrderStatus string

	if msg.Error == nil || *msg.Error == "" {
		if !models.IsValidTrackingStatus(msg.Status) {
			// Консервативный дефолт: неизвестный код не двигает назад.
			slog.Warn("apply check: unknown status, defaulting", "tracking_id", msg.TrackingID, "status", msg.Status)
			msg.Status = models.TrackingStatusInTransit
		}

		statusChanged := msg.Status != tr.Status
		upd.Status = msg.Status
		upd.StatusAt = msg.StatusAt
		if upd.StatusAt == nil {
			upd.StatusAt = &msg.CheckedAt
		}
		if !statusChanged {
			// Без изменения сохраняем прежний status_at.
			upd.StatusAt = tr.StatusAt
		}

		for _, e := range msg.Events {
			upd.Events = append(upd.Events, &models.TrackingEvent{
				Status:      e.Status,
				Description: e.Description,
				Location:    e.Location,
				EventTime:   e.EventTime,
			})
		}

		if statusChanged {
			order, err = s.repo.OrderByID(ctx, tr.OrderID)
			if err != nil {
				return err
			}
			if projected := models.OrderStatusForTracking(msg.Status); models.CanAdvanceOrderStatus(order.Status, projected) {
				newOrderStatus = projected
				upd.OrderStatus = &newOrderStatus
			}
		}
	}

	if err := s.repo.ApplyTrackingUpdate(ctx, upd); err != nil {
		return err
	}
	s.invalidate(ctx, tr.TrackNumber)

	if newOrderStatus != "" {
		s.publishStatusChange(ctx, order, order.Status, newOrderStatus, tr.TrackNumber)
	}
	return nil
}

// TrackingByNumber — публичный трекинг с кэшем текущего состояния.
func (s *Service) TrackingByNumber(ctx context.Context, trackNumber string) (*models.Tracking, error) {
	if trackNumber == "" {
		return nil, errors.New("trackNumber is required")
	}

	if s.cache != nil && s.currentTTL > 0 {
		if b, ok, err := s.cache.Get(ctx, currentKey(trackNumber)); err == nil && ok {
			var t models.Tracking
			if json.Unmarshal(b, &t) == nil {
				return &t, nil
			}
		}
	}

	t, err := s.repo.TrackingByNumber(ctx, trackNumber)
	if err != nil {
		return nil, err
	}
	t.LabelData = nil // этикетка не кэшируется и не отдаётся в текущем состоянии

	if s.cache != nil && s.currentTTL > 0 {
		b, _ := json.Marshal(t)
		_ = s.cache.Set(ctx, currentKey(trackNumber), b, s.currentTTL)
	}
	return t, nil
}

func (s *Service) TrackingEvents(ctx context.Context, trackNumber string, limit, offset int) ([]*models.TrackingEvent, error) {
	t, err := s.repo.TrackingByNumber(ctx, trackNumber)
	if err != nil {
		return nil, err
	}
	return s.repo.ListTrackingEvents(ctx, t.ID, limit, offset)
}

func (s *Service) LabelByTrackingNumber(ctx context.Context, trackNumber string) ([]byte, string, error) {
	return s.repo.LabelByTrackNumber(ctx, trackNumber)
}

// CancelOrder — отмена возможна только до отгрузки.
func (s *Service) CancelOrder(ctx context.Context, uid uuid.UUID) (*models.Order, error) {
	order, err := s.repo.OrderByUID(ctx, uid)
	if err != nil {
		return nil, err
	}
	if !order.CanCancel() {
		return nil, errors.Errorf("order %s cannot be cancelled in status %q", order.ShortID(), order.Status)
	}
	if err := s.repo.UpdateOrderStatus(ctx, order.ID, models.OrderStatusCancelled); err != nil {
		return nil, err
	}

	trackNumber := ""
	if tr, err := s.repo.TrackingByOrderID(ctx, order.ID); err == nil {
		trackNumber = tr.TrackNumber
	}
	s.publishStatusChange(ctx, order, order.Status, models.OrderStatusCancelled, trackNumber)

	return s.repo.OrderByUID(ctx, uid)
}

func (s *Service) MarkPrinted(ctx context.Context, uid uuid.UUID) (*models.Order, error) {
	order, err := s.repo.OrderByUID(ctx, uid)
	if err != nil {
		return nil, err
	}
	if err := s.repo.MarkOrderPrinted(ctx, order.ID); err != nil {
		return nil, err
	}
	return s.repo.OrderByUID(ctx, uid)
}

func (s *Service) RefreshTracking(ctx context.Context, trackingID uint64) error {
	if trackingID == 0 {
		return errors.New("trackingId is required")
	}
	return s.repo.RefreshTracking(ctx, trackingID)
}

func (s *Service) shippingDetails(order *models.Order) carrier.ShippingDetails {
	var qty int32
	for _, it := range order.Items {
		qty += it.Quantity
	}
	weight := float64(qty) * s.parcelItemKg
	if weight < 1.0 {
		weight = 1.0
	}
	return carrier.ShippingDetails{
		RecipientName:  order.CustomerName,
		Street:         order.Address.Street,
		City:           order.Address.City,
		PostalCode:     order.Address.PostalCode,
		Province:       order.Address.Province,
		Country:        order.Address.Country,
		Phone:          order.Phone,
		OrderReference: order.ShortID(),
		ParcelWeightKg: weight,
	}
}

// publishStatusChange — best-effort: письмо не обязано уйти, состояние
// заказа уже закоммичено.
func (s *Service) publishStatusChange(ctx context.Context, order *models.Order, oldStatus, newStatus, trackNumber string) {
	if s.producer == nil || s.statusTopic == "" {
		return
	}
	msg := messages.OrderStatusChanged{
		OrderUID:      order.UID.String(),
		OrderShortID:  order.ShortID(),
		CustomerName:  order.CustomerName,
		CustomerEmail: order.CustomerEmail,
		OldStatus:     oldStatus,
		NewStatus:     newStatus,
		TrackNumber:   trackNumber,
		ChangedAt:     time.Now().UTC(),
	}
	b, err := json.Marshal(msg)
	if err != nil {
		slog.Error("marshal status change", "order_uid", msg.OrderUID, "error", err.Error())
		return
	}
	if err := s.producer.Publish(ctx, s.statusTopic, []byte(msg.OrderUID), b); err != nil {
		slog.Error("publish status change", "order_uid", msg.OrderUID, "error", err.Error())
	}
}

func (s *Service) invalidate(ctx context.Context, trackNumber string) {
	if s.cache == nil || trackNumber == "" {
		return
	}
	_ = s.cache.Del(ctx, currentKey(trackNumber))
}

func currentKey(trackNumber string) string {
	return fmt.Sprintf("tracking:%s:current", trackNumber)
}
