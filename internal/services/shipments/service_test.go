package shipments

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/simshop/shipflow/internal/broker/messages"
	"github.com/simshop/shipflow/internal/integrations/carrier"
	"github.com/simshop/shipflow/internal/models"
	"github.com/simshop/shipflow/internal/storage/pgship"
)

// Фейковое хранилище с семантикой pgship: один трекинг на заказ,
// CreateTracking двигает заказ и проставляет ссылку.
type fakeRepo struct {
	mu sync.Mutex

	orders    map[uint64]*models.Order
	byUID     map[uuid.UUID]uint64
	trackings map[uint64]*models.Tracking
	byOrder   map[uint64]uint64
	events    map[uint64][]*models.TrackingEvent
	updates   []pgship.TrackingUpdate

	nextID uint64

	// loseRace: первый CreateTracking записывает победителя и возвращает
	// ErrAlreadyExists, имитируя проигрыш на уникальном индексе.
	loseRace bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		orders:    map[uint64]*models.Order{},
		byUID:     map[uuid.UUID]uint64{},
		trackings: map[uint64]*models.Tracking{},
		byOrder:   map[uint64]uint64{},
		events:    map[uint64][]*models.TrackingEvent{},
	}
}

func (f *fakeRepo) addOrder(status, payment string) *models.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	o := &models.Order{
		ID:            f.nextID,
		UID:           uuid.New(),
		CustomerName:  "Ana García",
		CustomerEmail: "ana@example.com",
		Phone:         "+34600000001",
		Address: models.ShippingAddress{
			Street: "Calle Mayor 1", City: "Madrid", PostalCode: "28001", Country: "ES",
		},
		Items: []models.OrderItem{
			{ProductRef: "sku-1", Quantity: 2, UnitPrice: decimal.RequireFromString("9.99")},
		},
		TotalAmount:   decimal.RequireFromString("19.98"),
		Status:        status,
		PaymentStatus: payment,
	}
	f.orders[o.ID] = o
	f.byUID[o.UID] = o.ID
	return o
}

func (f *fakeRepo) CreateOrder(ctx context.Context, in models.OrderCreateInput) (*models.Order, error) {
	o := f.addOrder(models.OrderStatusPending, models.PaymentStatusPending)
	o.CustomerName = in.CustomerName
	o.CustomerEmail = in.CustomerEmail
	return o, nil
}

func (f *fakeRepo) OrderByID(ctx context.Context, id uint64) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return nil, pgship.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (f *fakeRepo) OrderByUID(ctx context.Context, uid uuid.UUID) (*models.Order, error) {
	f.mu.Lock()
	id, ok := f.byUID[uid]
	f.mu.Unlock()
	if !ok {
		return nil, pgship.ErrNotFound
	}
	return f.OrderByID(ctx, id)
}

func (f *fakeRepo) UpdateOrderStatus(ctx context.Context, id uint64, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return pgship.ErrNotFound
	}
	o.Status = status
	return nil
}

func (f *fakeRepo) SetPaymentStatus(ctx context.Context, id uint64, paymentStatus string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return pgship.ErrNotFound
	}
	o.PaymentStatus = paymentStatus
	return nil
}

func (f *fakeRepo) LinkTracking(ctx context.Context, orderID, trackingID uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.orders[orderID]; ok {
		o.TrackingID = &trackingID
	}
	return nil
}

func (f *fakeRepo) MarkOrderPrinted(ctx context.Context, orderID uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok {
		return pgship.ErrNotFound
	}
	o.NeedsPrinting = false
	return nil
}

func (f *fakeRepo) CreateTracking(ctx context.Context, t *models.Tracking, seed *models.TrackingEvent, orderStatus string) (*models.Tracking, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.byOrder[t.OrderID]; exists {
		return nil, pgship.ErrAlreadyExists
	}
	f.nextID++
	cp := *t
	cp.ID = f.nextID
	f.trackings[cp.ID] = &cp
	f.byOrder[t.OrderID] = cp.ID
	if seed != nil {
		f.events[cp.ID] = append(f.events[cp.ID], seed)
	}
	if o, ok := f.orders[t.OrderID]; ok {
		o.TrackingID = &cp.ID
		if orderStatus != "" {
			o.Status = orderStatus
		}
		o.NeedsPrinting = len(t.LabelData) > 0
	}
	if f.loseRace {
		f.loseRace = false
		return nil, pgship.ErrAlreadyExists
	}
	out := cp
	return &out, nil
}

func (f *fakeRepo) TrackingByID(ctx context.Context, id uint64) (*models.Tracking, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.trackings[id]
	if !ok {
		return nil, pgship.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (f *fakeRepo) TrackingByOrderID(ctx context.Context, orderID uint64) (*models.Tracking, error) {
	f.mu.Lock()
	id, ok := f.byOrder[orderID]
	f.mu.Unlock()
	if !ok {
		return nil, pgship.ErrNotFound
	}
	return f.TrackingByID(ctx, id)
}

func (f *fakeRepo) TrackingByNumber(ctx context.Context, trackNumber string) (*models.Tracking, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.trackings {
		if t.TrackNumber == trackNumber {
			cp := *t
			return &cp, nil
		}
	}
	return nil, pgship.ErrNotFound
}

func (f *fakeRepo) LabelByTrackNumber(ctx context.Context, trackNumber string) ([]byte, string, error) {
	t, err := f.TrackingByNumber(ctx, trackNumber)
	if err != nil {
		return nil, "", err
	}
	if len(t.LabelData) == 0 {
		return nil, "", pgship.ErrNotFound
	}
	return t.LabelData, t.LabelFormat, nil
}

func (f *fakeRepo) ListTrackingEvents(ctx context.Context, trackingID uint64, limit, offset int) ([]*models.TrackingEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events[trackingID], nil
}

func (f *fakeRepo) AppendEvent(ctx context.Context, trackingID uint64, ev *models.TrackingEvent, orderStatus *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.trackings[trackingID]
	if !ok {
		return pgship.ErrNotFound
	}
	f.events[trackingID] = append(f.events[trackingID], ev)
	t.Status = ev.Status
	t.StatusAt = &ev.EventTime
	if orderStatus != nil {
		if o, ok := f.orders[t.OrderID]; ok {
			o.Status = *orderStatus
		}
	}
	return nil
}

func (f *fakeRepo) UpdateTrackingIdentity(ctx context.Context, trackingID uint64, trackNumber, carrierName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.trackings[trackingID]
	if !ok {
		return pgship.ErrNotFound
	}
	t.TrackNumber = trackNumber
	t.Carrier = carrierName
	return nil
}

func (f *fakeRepo) RefreshTracking(ctx context.Context, trackingID uint64) error { return nil }

func (f *fakeRepo) ApplyTrackingUpdate(ctx context.Context, upd pgship.TrackingUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, upd)
	t, ok := f.trackings[upd.TrackingID]
	if !ok {
		return pgship.ErrNotFound
	}
	if upd.Error == nil || *upd.Error == "" {
		t.Status = upd.Status
		t.StatusAt = upd.StatusAt
		if upd.OrderStatus != nil {
			if o, ok := f.orders[t.OrderID]; ok {
				o.Status = *upd.OrderStatus
			}
		}
	} else {
		t.CheckFailCount++
	}
	t.NextCheckAt = upd.NextCheckAt
	return nil
}

type fakeCarrier struct {
	createCalls int
	labelCalls  int

	createErr error
	labelErr  error

	trackNumber string
}

func (c *fakeCarrier) CreateShipment(ctx context.Context, details carrier.ShippingDetails) (carrier.ShipmentDescriptor, error) {
	c.createCalls++
	if c.createErr != nil {
		return carrier.ShipmentDescriptor{}, c.createErr
	}
	num := c.trackNumber
	if num == "" {
		num = "MOCK-20250314-0001"
	}
	return carrier.ShipmentDescriptor{
		TrackNumber:       num,
		Carrier:           "Correos Express (simulado)",
		Status:            models.TrackingStatusPreparing,
		EstimatedDelivery: time.Now().UTC().Add(72 * time.Hour),
	}, nil
}

func (c *fakeCarrier) CreateLabel(ctx context.Context, details carrier.ShippingDetails, trackNumber string) (carrier.Label, error) {
	c.labelCalls++
	if c.labelErr != nil {
		return carrier.Label{}, c.labelErr
	}
	return carrier.Label{Data: []byte("%PDF fake"), Format: "pdf", TrackNumber: trackNumber}, nil
}

func (c *fakeCarrier) GetTracking(ctx context.Context, trackNumber string) (carrier.TrackingResult, error) {
	return carrier.TrackingResult{Status: models.TrackingStatusInTransit}, nil
}

type fakeProducer struct {
	mu   sync.Mutex
	msgs []messages.OrderStatusChanged
}

func (p *fakeProducer) Publish(ctx context.Context, topic string, key, value []byte) error {
	var m messages.OrderStatusChanged
	if err := json.Unmarshal(value, &m); err != nil {
		return err
	}
	p.mu.Lock()
	p.msgs = append(p.msgs, m)
	p.mu.Unlock()
	return nil
}

func (p *fakeProducer) published() []messages.OrderStatusChanged {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]messages.OrderStatusChanged(nil), p.msgs...)
}

type fakeCache struct {
	mu   sync.Mutex
	data map[string][]byte
	dels int
}

func newFakeCache() *fakeCache { return &fakeCache{data: map[string][]byte{}} }

func (c *fakeCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.data[key]
	return b, ok, nil
}

func (c *fakeCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *fakeCache) Del(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	c.dels++
	return nil
}

func newTestService(repo *fakeRepo, fc *fakeCarrier, fp *fakeProducer) *Service {
	return New(repo, fc, fp, newFakeCache(), "order.status.changed")
}

func TestEnsureShipment_CreatesOnceAndIsIdempotent(t *testing.T) {
	repo := newFakeRepo()
	fc := &fakeCarrier{}
	fp := &fakeProducer{}
	svc := newTestService(repo, fc, fp)

	order := repo.addOrder(models.OrderStatusPending, models.PaymentStatusPaid)
	ctx := context.Background()

	tr, err := svc.EnsureShipment(ctx, order.UID)
	require.NoError(t, err)
	require.NotNil(t, tr)
	require.Equal(t, "MOCK-20250314-0001", tr.TrackNumber)
	require.Equal(t, models.TrackingStatusPreparing, tr.Status)
	require.NotEmpty(t, tr.LabelData)
	require.Equal(t, 1, fc.createCalls)

	got, err := repo.OrderByID(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusProcessing, got.Status)
	require.NotNil(t, got.TrackingID)
	require.True(t, got.NeedsPrinting)

	msgs := fp.published()
	require.Len(t, msgs, 1)
	require.Equal(t, models.OrderStatusPending, msgs[0].OldStatus)
	require.Equal(t, models.OrderStatusProcessing, msgs[0].NewStatus)
	require.Equal(t, "MOCK-20250314-0001", msgs[0].TrackNumber)

	// Повторный вызов возвращает тот же трекинг, перевозчик не дёргается.
	again, err := svc.EnsureShipment(ctx, order.UID)
	require.NoError(t, err)
	require.Equal(t, tr.ID, again.ID)
	require.Equal(t, 1, fc.createCalls)
	require.Len(t, fp.published(), 1)
}

func TestEnsureShipment_CarrierDownIsNoOp(t *testing.T) {
	repo := newFakeRepo()
	fc := &fakeCarrier{createErr: carrier.ErrUnavailable}
	fp := &fakeProducer{}
	svc := newTestService(repo, fc, fp)

	order := repo.addOrder(models.OrderStatusPending, models.PaymentStatusPaid)

	tr, err := svc.EnsureShipment(context.Background(), order.UID)
	require.NoError(t, err)
	require.Nil(t, tr)

	got, err := repo.OrderByID(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusPending, got.Status)
	require.Nil(t, got.TrackingID)
	require.Empty(t, fp.published())
}

func TestEnsureShipment_LabelFailureContinues(t *testing.T) {
	repo := newFakeRepo()
	fc := &fakeCarrier{labelErr: carrier.ErrUnavailable}
	svc := newTestService(repo, fc, &fakeProducer{})

	order := repo.addOrder(models.OrderStatusPending, models.PaymentStatusPaid)

	tr, err := svc.EnsureShipment(context.Background(), order.UID)
	require.NoError(t, err)
	require.NotNil(t, tr)
	require.Empty(t, tr.LabelData)

	got, _ := repo.OrderByID(context.Background(), order.ID)
	require.False(t, got.NeedsPrinting)
}

func TestEnsureShipment_RaceLoserReReadsWinner(t *testing.T) {
	repo := newFakeRepo()
	repo.loseRace = true
	fc := &fakeCarrier{}
	svc := newTestService(repo, fc, &fakeProducer{})

	order := repo.addOrder(models.OrderStatusPending, models.PaymentStatusPaid)

	tr, err := svc.EnsureShipment(context.Background(), order.UID)
	require.NoError(t, err)
	require.NotNil(t, tr)

	winner, err := repo.TrackingByOrderID(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, winner.ID, tr.ID)
}

func TestEnsureShipment_SkipsCancelledAndMissing(t *testing.T) {
	repo := newFakeRepo()
	fc := &fakeCarrier{}
	svc := newTestService(repo, fc, &fakeProducer{})
	ctx := context.Background()

	cancelled := repo.addOrder(models.OrderStatusCancelled, models.PaymentStatusPaid)
	tr, err := svc.EnsureShipment(ctx, cancelled.UID)
	require.NoError(t, err)
	require.Nil(t, tr)

	tr, err = svc.EnsureShipment(ctx, uuid.New())
	require.NoError(t, err)
	require.Nil(t, tr)

	require.Zero(t, fc.createCalls)
}

func TestConfirmPayment_MarksPaidAndShips(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &fakeCarrier{}, &fakeProducer{})

	order := repo.addOrder(models.OrderStatusPending, models.PaymentStatusPending)

	got, err := svc.ConfirmPayment(context.Background(), order.UID)
	require.NoError(t, err)
	require.Equal(t, models.PaymentStatusPaid, got.PaymentStatus)
	require.Equal(t, models.OrderStatusProcessing, got.Status)
	require.NotNil(t, got.TrackingID)
}

func TestApplyCarrierCheck_NoChangeIsBookkeepingOnly(t *testing.T) {
	repo := newFakeRepo()
	fp := &fakeProducer{}
	svc := newTestService(repo, &fakeCarrier{}, fp)
	ctx := context.Background()

	order := repo.addOrder(models.OrderStatusShipped, models.PaymentStatusPaid)
	statusAt := time.Now().UTC().Add(-time.Hour)
	tr, err := repo.CreateTracking(ctx, &models.Tracking{
		OrderID: order.ID, TrackNumber: "N1", Status: models.TrackingStatusInTransit, StatusAt: &statusAt,
	}, nil, "")
	require.NoError(t, err)

	now := time.Now().UTC()
	err = svc.ApplyCarrierCheck(ctx, messages.ShipmentChecked{
		TrackingID:  tr.ID,
		CheckedAt:   now,
		Status:      models.TrackingStatusInTransit,
		NextCheckAt: now.Add(30 * time.Minute),
	})
	require.NoError(t, err)

	require.Len(t, repo.updates, 1)
	require.Nil(t, repo.updates[0].OrderStatus)
	// Прежний status_at сохраняется при отсутствии изменений.
	require.Equal(t, &statusAt, repo.updates[0].StatusAt)
	require.Empty(t, fp.published())
}

func TestApplyCarrierCheck_StatusChangeAdvancesOrderAndNotifies(t *testing.T) {
	repo := newFakeRepo()
	fp := &fakeProducer{}
	svc := newTestService(repo, &fakeCarrier{}, fp)
	ctx := context.Background()

	order := repo.addOrder(models.OrderStatusShipped, models.PaymentStatusPaid)
	tr, err := repo.CreateTracking(ctx, &models.Tracking{
		OrderID: order.ID, TrackNumber: "N1", Status: models.TrackingStatusInTransit,
	}, nil, "")
	require.NoError(t, err)

	now := time.Now().UTC()
	err = svc.ApplyCarrierCheck(ctx, messages.ShipmentChecked{
		TrackingID:  tr.ID,
		CheckedAt:   now,
		Status:      models.TrackingStatusDelivered,
		StatusAt:    &now,
		NextCheckAt: now.Add(365 * 24 * time.Hour),
		Events: []messages.CheckedEvent{
			{Status: models.TrackingStatusDelivered, Description: "Entregado", EventTime: now},
		},
	})
	require.NoError(t, err)

	require.Len(t, repo.updates, 1)
	require.NotNil(t, repo.updates[0].OrderStatus)
	require.Equal(t, models.OrderStatusDelivered, *repo.updates[0].OrderStatus)
	require.Len(t, repo.updates[0].Events, 1)

	got, _ := repo.OrderByID(ctx, order.ID)
	require.Equal(t, models.OrderStatusDelivered, got.Status)

	msgs := fp.published()
	require.Len(t, msgs, 1)
	require.Equal(t, models.OrderStatusShipped, msgs[0].OldStatus)
	require.Equal(t, models.OrderStatusDelivered, msgs[0].NewStatus)
	require.Equal(t, order.CustomerEmail, msgs[0].CustomerEmail)
}

func TestApplyCarrierCheck_UnknownStatusDefaultsConservatively(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &fakeCarrier{}, &fakeProducer{})
	ctx := context.Background()

	order := repo.addOrder(models.OrderStatusShipped, models.PaymentStatusPaid)
	tr, err := repo.CreateTracking(ctx, &models.Tracking{
		OrderID: order.ID, TrackNumber: "N1", Status: models.TrackingStatusInTransit,
	}, nil, "")
	require.NoError(t, err)

	now := time.Now().UTC()
	err = svc.ApplyCarrierCheck(ctx, messages.ShipmentChecked{
		TrackingID:  tr.ID,
		CheckedAt:   now,
		Status:      "SOMETHING_NEW",
		NextCheckAt: now.Add(time.Hour),
	})
	require.NoError(t, err)
	require.Equal(t, models.TrackingStatusInTransit, repo.updates[0].Status)
}

func TestApplyCarrierCheck_ErrorBranchKeepsStatus(t *testing.T) {
	repo := newFakeRepo()
	fp := &fakeProducer{}
	svc := newTestService(repo, &fakeCarrier{}, fp)
	ctx := context.Background()

	order := repo.addOrder(models.OrderStatusShipped, models.PaymentStatusPaid)
	tr, err := repo.CreateTracking(ctx, &models.Tracking{
		OrderID: order.ID, TrackNumber: "N1", Status: models.TrackingStatusInTransit,
	}, nil, "")
	require.NoError(t, err)

	boom := "carrier unavailable"
	now := time.Now().UTC()
	err = svc.ApplyCarrierCheck(ctx, messages.ShipmentChecked{
		TrackingID:  tr.ID,
		CheckedAt:   now,
		NextCheckAt: now.Add(5 * time.Minute),
		Error:       &boom,
	})
	require.NoError(t, err)

	cur, _ := repo.TrackingByID(ctx, tr.ID)
	require.Equal(t, models.TrackingStatusInTransit, cur.Status)
	require.Equal(t, int32(1), cur.CheckFailCount)
	require.Empty(t, fp.published())
}

func TestApplyCarrierCheck_MissingTrackingIsNoOp(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &fakeCarrier{}, &fakeProducer{})

	err := svc.ApplyCarrierCheck(context.Background(), messages.ShipmentChecked{
		TrackingID: 777,
		CheckedAt:  time.Now().UTC(),
	})
	require.NoError(t, err)
	require.Empty(t, repo.updates)
}

func TestManualShipment_WithNumberSkipsCarrier(t *testing.T) {
	repo := newFakeRepo()
	fc := &fakeCarrier{}
	svc := newTestService(repo, fc, &fakeProducer{})

	order := repo.addOrder(models.OrderStatusPending, models.PaymentStatusPaid)

	tr, err := svc.ManualShipment(context.Background(), order.UID, "PQ123456789ES", "Correos Express")
	require.NoError(t, err)
	require.Equal(t, "PQ123456789ES", tr.TrackNumber)
	require.Equal(t, "Correos Express", tr.Carrier)
	require.Zero(t, fc.createCalls)

	got, _ := repo.OrderByID(context.Background(), order.ID)
	require.Equal(t, models.OrderStatusProcessing, got.Status)
}

func TestManualShipment_ExistingUpdatesIdentity(t *testing.T) {
	repo := newFakeRepo()
	fc := &fakeCarrier{}
	svc := newTestService(repo, fc, &fakeProducer{})
	ctx := context.Background()

	order := repo.addOrder(models.OrderStatusProcessing, models.PaymentStatusPaid)
	existing, err := repo.CreateTracking(ctx, &models.Tracking{
		OrderID: order.ID, TrackNumber: "OLD", Carrier: "manual", Status: models.TrackingStatusPreparing,
	}, nil, "")
	require.NoError(t, err)

	before := len(repo.events[existing.ID])
	tr, err := svc.ManualShipment(ctx, order.UID, "NEW", "SEUR")
	require.NoError(t, err)
	require.Equal(t, existing.ID, tr.ID)
	require.Equal(t, "NEW", tr.TrackNumber)
	require.Equal(t, "SEUR", tr.Carrier)
	require.Zero(t, fc.createCalls)

	// Замена номера оставляет след в истории, статус не меняется.
	events := repo.events[existing.ID]
	require.Len(t, events, before+1)
	last := events[len(events)-1]
	require.Equal(t, models.TrackingStatusPreparing, last.Status)
	require.Equal(t, "Tracking reassigned manually", last.Description)
	require.Equal(t, models.TrackingStatusPreparing, tr.Status)
}

func TestOverrideStatus(t *testing.T) {
	repo := newFakeRepo()
	fp := &fakeProducer{}
	svc := newTestService(repo, &fakeCarrier{}, fp)
	ctx := context.Background()

	order := repo.addOrder(models.OrderStatusProcessing, models.PaymentStatusPaid)
	tr, err := repo.CreateTracking(ctx, &models.Tracking{
		OrderID: order.ID, TrackNumber: "N1", Status: models.TrackingStatusPreparing,
	}, nil, "")
	require.NoError(t, err)

	_, err = svc.OverrideStatus(ctx, tr.ID, "BOGUS", "", nil)
	require.Error(t, err)

	got, err := svc.OverrideStatus(ctx, tr.ID, models.TrackingStatusShipped, "Salió del almacén", nil)
	require.NoError(t, err)
	require.Equal(t, models.TrackingStatusShipped, got.Status)

	o, _ := repo.OrderByID(ctx, order.ID)
	require.Equal(t, models.OrderStatusShipped, o.Status)
	require.Len(t, fp.published(), 1)
}

func TestCancelOrder(t *testing.T) {
	repo := newFakeRepo()
	fp := &fakeProducer{}
	svc := newTestService(repo, &fakeCarrier{}, fp)
	ctx := context.Background()

	order := repo.addOrder(models.OrderStatusProcessing, models.PaymentStatusPaid)
	got, err := svc.CancelOrder(ctx, order.UID)
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusCancelled, got.Status)
	require.Len(t, fp.published(), 1)
	require.Equal(t, models.OrderStatusCancelled, fp.published()[0].NewStatus)

	shipped := repo.addOrder(models.OrderStatusShipped, models.PaymentStatusPaid)
	_, err = svc.CancelOrder(ctx, shipped.UID)
	require.Error(t, err)
}

func TestTrackingByNumber_CacheAside(t *testing.T) {
	repo := newFakeRepo()
	fc := newFakeCache()
	svc := New(repo, &fakeCarrier{}, &fakeProducer{}, fc, "order.status.changed")
	ctx := context.Background()

	order := repo.addOrder(models.OrderStatusShipped, models.PaymentStatusPaid)
	_, err := repo.CreateTracking(ctx, &models.Tracking{
		OrderID: order.ID, TrackNumber: "N1", Status: models.TrackingStatusInTransit,
		LabelData: []byte("%PDF"),
	}, nil, "")
	require.NoError(t, err)

	t1, err := svc.TrackingByNumber(ctx, "N1")
	require.NoError(t, err)
	require.Equal(t, models.TrackingStatusInTransit, t1.Status)
	// Этикетка в текущее состояние не попадает.
	require.Empty(t, t1.LabelData)

	// Второй вызов из кэша.
	repo.mu.Lock()
	delete(repo.trackings, *order.TrackingID)
	repo.mu.Unlock()

	t2, err := svc.TrackingByNumber(ctx, "N1")
	require.NoError(t, err)
	require.Equal(t, t1.TrackNumber, t2.TrackNumber)
}

func TestCreateOrder_Validation(t *testing.T) {
	svc := newTestService(newFakeRepo(), &fakeCarrier{}, &fakeProducer{})
	ctx := context.Background()

	ok := models.OrderCreateInput{
		CustomerName:  "Ana",
		CustomerEmail: "ana@example.com",
		Phone:         "+34600000001",
		Address:       models.ShippingAddress{Street: "Calle Mayor 1", City: "Madrid", PostalCode: "28001", Country: "ES"},
		Items:         []models.OrderItemInput{{ProductRef: "sku", Quantity: 1, UnitPrice: decimal.RequireFromString("1.00")}},
	}

	_, err := svc.CreateOrder(ctx, ok)
	require.NoError(t, err)

	bad := ok
	bad.Items = nil
	_, err = svc.CreateOrder(ctx, bad)
	require.Error(t, err)

	bad = ok
	bad.Phone = " "
	_, err = svc.CreateOrder(ctx, bad)
	require.Error(t, err)

	bad = ok
	bad.Address.City = ""
	_, err = svc.CreateOrder(ctx, bad)
	require.Error(t, err)

	bad = ok
	bad.Items = []models.OrderItemInput{{ProductRef: "sku", Quantity: 0, UnitPrice: decimal.RequireFromString("1.00")}}
	_, err = svc.CreateOrder(ctx, bad)
	require.Error(t, err)
}
