package shipping_api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/simshop/shipflow/internal/models"
	"github.com/simshop/shipflow/internal/storage/pgship"
)

// API — HTTP-слой магазина: заказы, вебхук оплаты, публичный трекинг и
// ручные операции администратора. Вся логика в сервисе, здесь только
// маршалинг и коды ответов.
type API struct {
	svc Service
}

// Service дублирует используемую часть shipments.Service, чтобы тесты
// подменяли её фейком.
type Service interface {
	CreateOrder(ctx context.Context, in models.OrderCreateInput) (*models.Order, error)
	OrderByUID(ctx context.Context, uid uuid.UUID) (*models.Order, error)
	ConfirmPayment(ctx context.Context, uid uuid.UUID) (*models.Order, error)
	EnsureShipment(ctx context.Context, uid uuid.UUID) (*models.Tracking, error)
	ManualShipment(ctx context.Context, uid uuid.UUID, trackNumber, carrierName string) (*models.Tracking, error)
	OverrideStatus(ctx context.Context, trackingID uint64, status, description string, location *string) (*models.Tracking, error)
	TrackingByNumber(ctx context.Context, trackNumber string) (*models.Tracking, error)
	TrackingEvents(ctx context.Context, trackNumber string, limit, offset int) ([]*models.TrackingEvent, error)
	LabelByTrackingNumber(ctx context.Context, trackNumber string) ([]byte, string, error)
	CancelOrder(ctx context.Context, uid uuid.UUID) (*models.Order, error)
	MarkPrinted(ctx context.Context, uid uuid.UUID) (*models.Order, error)
	RefreshTracking(ctx context.Context, trackingID uint64) error
}

func New(svc Service) *API {
	return &API{svc: svc}
}

func (a *API) Routes(r chi.Router) {
	r.Post("/orders", a.createOrder)
	r.Get("/orders/{uid}", a.getOrder)
	r.Put("/orders/{uid}/cancel", a.cancelOrder)
	r.Put("/orders/{uid}/printed", a.markPrinted)

	r.Post("/webhooks/payment-confirmed", a.paymentConfirmed)

	r.Get("/trackings/{trackNumber}", a.getTracking)
	r.Get("/trackings/{trackNumber}/events", a.getTrackingEvents)
	r.Get("/trackings/{trackNumber}/label", a.getLabel)

	r.Post("/admin/shipments", a.adminShipment)
	r.Put("/admin/trackings/{id}/status", a.adminOverrideStatus)
	r.Post("/admin/trackings/{id}/refresh", a.adminRefreshTracking)
}

type orderItemReq struct {
	ProductRef string `json:"productRef"`
	Quantity   int32  `json:"quantity"`
	UnitPrice  string `json:"unitPrice"`
}

type createOrderReq struct {
	CustomerName  string `json:"customerName"`
	CustomerEmail string `json:"customerEmail"`
	Phone         string `json:"phone"`
	PaymentStatus string `json:"paymentStatus"`
	Address       struct {
		Street     string `json:"street"`
		City       string `json:"city"`
		Province   string `json:"province"`
		PostalCode string `json:"postalCode"`
		Country    string `json:"country"`
	} `json:"address"`
	Items []orderItemReq `json:"items"`
}

func (a *API) createOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(err, "decode body"))
		return
	}

	in := models.OrderCreateInput{
		CustomerName:  req.CustomerName,
		CustomerEmail: req.CustomerEmail,
		Phone:         req.Phone,
		PaymentStatus: req.PaymentStatus,
		Address: models.ShippingAddress{
			Street:     req.Address.Street,
			City:       req.Address.City,
			Province:   req.Address.Province,
			PostalCode: req.Address.PostalCode,
			Country:    req.Address.Country,
		},
	}
	for _, it := range req.Items {
		price, err := decimal.NewFromString(it.UnitPrice)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.Wrapf(err, "unitPrice %q", it.UnitPrice))
			return
		}
		in.Items = append(in.Items, models.OrderItemInput{
			ProductRef: it.ProductRef,
			Quantity:   it.Quantity,
			UnitPrice:  price,
		})
	}

	order, err := a.svc.CreateOrder(r.Context(), in)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	// Оплата захвачена на чекауте: отправление создаём сразу, не дожидаясь
	// вебхука. EnsureShipment идемпотентен, вебхук продублирует без вреда.
	if order.PaymentStatus == models.PaymentStatusPaid {
		uid := order.UID
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if _, err := a.svc.EnsureShipment(ctx, uid); err != nil {
				slog.Error("ensure shipment", "order_uid", uid.String(), "error", err.Error())
			}
		}()
	}

	writeJSON(w, http.StatusCreated, orderResponse(order))
}

func (a *API) getOrder(w http.ResponseWriter, r *http.Request) {
	uid, ok := parseUID(w, r)
	if !ok {
		return
	}
	order, err := a.svc.OrderByUID(r.Context(), uid)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orderResponse(order))
}

type paymentConfirmedReq struct {
	OrderUID string `json:"orderUid"`
}

// paymentConfirmed — вебхук платёжного провайдера. Отвечаем сразу;
// создание отправления идёт в фоне и при сбое доделается на следующем
// триггере (вебхуки ретраятся, EnsureShipment идемпотентен).
func (a *API) paymentConfirmed(w http.ResponseWriter, r *http.Request) {
	var req paymentConfirmedReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(err, "decode body"))
		return
	}
	uid, err := uuid.Parse(req.OrderUID)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(err, "parse orderUid"))
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := a.svc.ConfirmPayment(ctx, uid); err != nil {
			slog.Error("confirm payment", "order_uid", uid.String(), "error", err.Error())
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

func (a *API) cancelOrder(w http.ResponseWriter, r *http.Request) {
	uid, ok := parseUID(w, r)
	if !ok {
		return
	}
	order, err := a.svc.CancelOrder(r.Context(), uid)
	if err != nil {
		if errors.Is(err, pgship.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, orderResponse(order))
}

func (a *API) markPrinted(w http.ResponseWriter, r *http.Request) {
	uid, ok := parseUID(w, r)
	if !ok {
		return
	}
	order, err := a.svc.MarkPrinted(r.Context(), uid)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orderResponse(order))
}

func (a *API) getTracking(w http.ResponseWriter, r *http.Request) {
	t, err := a.svc.TrackingByNumber(r.Context(), chi.URLParam(r, "trackNumber"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trackingResponse(t))
}

func (a *API) getTrackingEvents(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	events, err := a.svc.TrackingEvents(r.Context(), chi.URLParam(r, "trackNumber"), limit, offset)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	out := make([]map[string]any, 0, len(events))
	for _, e := range events {
		item := map[string]any{
			"status":      e.Status,
			"description": e.Description,
			"eventTime":   e.EventTime,
		}
		if e.Location != nil {
			item["location"] = *e.Location
		}
		out = append(out, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

func (a *API) getLabel(w http.ResponseWriter, r *http.Request) {
	data, format, err := a.svc.LabelByTrackingNumber(r.Context(), chi.URLParam(r, "trackNumber"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	switch format {
	case "pdf":
		w.Header().Set("Content-Type", "application/pdf")
	default:
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	w.Header().Set("Content-Disposition", "attachment; filename=label-"+chi.URLParam(r, "trackNumber")+"."+format)
	_, _ = w.Write(data)
}

type adminShipmentReq struct {
	OrderUID    string `json:"orderUid"`
	TrackNumber string `json:"trackNumber"`
	Carrier     string `json:"carrier"`
}

func (a *API) adminShipment(w http.ResponseWriter, r *http.Request) {
	var req adminShipmentReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(err, "decode body"))
		return
	}
	uid, err := uuid.Parse(req.OrderUID)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(err, "parse orderUid"))
		return
	}

	t, err := a.svc.ManualShipment(r.Context(), uid, req.TrackNumber, req.Carrier)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if t == nil {
		// Перевозчик недоступен: отправление создастся позже.
		writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
		return
	}
	writeJSON(w, http.StatusOK, trackingResponse(t))
}

type overrideStatusReq struct {
	Status      string  `json:"status"`
	Description string  `json:"description"`
	Location    *string `json:"location"`
}

func (a *API) adminOverrideStatus(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(err, "parse id"))
		return
	}
	var req overrideStatusReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(err, "decode body"))
		return
	}

	t, err := a.svc.OverrideStatus(r.Context(), id, req.Status, req.Description, req.Location)
	if err != nil {
		if errors.Is(err, pgship.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, trackingResponse(t))
}

// adminRefreshTracking переносит следующую проверку на «сейчас»: воркер
// заберёт трекинг на ближайшем цикле.
func (a *API) adminRefreshTracking(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(err, "parse id"))
		return
	}
	if err := a.svc.RefreshTracking(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

func parseUID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	uid, err := uuid.Parse(chi.URLParam(r, "uid"))
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(err, "parse uid"))
		return uuid.Nil, false
	}
	return uid, true
}

func orderResponse(o *models.Order) map[string]any {
	out := map[string]any{
		"uid":           o.UID.String(),
		"shortId":       o.ShortID(),
		"customerName":  o.CustomerName,
		"customerEmail": o.CustomerEmail,
		"status":        o.Status,
		"paymentStatus": o.PaymentStatus,
		"totalAmount":   o.TotalAmount.StringFixed(2),
		"needsPrinting": o.NeedsPrinting,
		"createdAt":     o.CreatedAt,
	}
	items := make([]map[string]any, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, map[string]any{
			"productRef": it.ProductRef,
			"quantity":   it.Quantity,
			"unitPrice":  it.UnitPrice.StringFixed(2),
		})
	}
	out["items"] = items
	return out
}

func trackingResponse(t *models.Tracking) map[string]any {
	out := map[string]any{
		"id":          t.ID,
		"trackNumber": t.TrackNumber,
		"carrier":     t.Carrier,
		"status":      t.Status,
		"printed":     t.Printed,
	}
	if t.StatusAt != nil {
		out["statusAt"] = *t.StatusAt
	}
	if t.EstimatedDelivery != nil {
		out["estimatedDelivery"] = *t.EstimatedDelivery
	}
	if t.LastCheckedAt != nil {
		out["lastCheckedAt"] = *t.LastCheckedAt
	}
	return out
}

func writeServiceError(w http.ResponseWriter, err error) {
	if errors.Is(err, pgship.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeError(w, http.StatusInternalServerError, err)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
