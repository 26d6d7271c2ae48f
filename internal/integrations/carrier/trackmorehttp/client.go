package trackmorehttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"

	"github.com/simshop/shipflow/internal/integrations/carrier"
	"github.com/simshop/shipflow/internal/models"
)

const (
	defaultCourier = "correos-spain"
	carrierName    = "Correos Express"

	// Агрегатор не даёт оценку срока, берём стандартные 3 дня.
	leadTime = 72 * time.Hour
)

// Client — интеграция с агрегатором Trackingmore (v4). Номер отправления
// генерируется на нашей стороне и регистрируется в агрегаторе; этикеток
// у Trackingmore нет, CreateLabel отдаёт пустой артефакт.
type Client struct {
	baseURL string
	apiKey  string
	courier string
	httpc   *http.Client
}

func New(baseURL, apiKey string) *Client {
	if baseURL == "" {
		baseURL = "https://api.trackingmore.com/v4"
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		courier: defaultCourier,
		httpc: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *Client) WithCourier(courier string) *Client {
	if courier != "" {
		c.courier = courier
	}
	return c
}

type createReq struct {
	TrackingNumber string `json:"tracking_number"`
	CourierCode    string `json:"courier_code"`
	OrderNumber    string `json:"order_number"`
	Title          string `json:"title"`
}

func (c *Client) CreateShipment(ctx context.Context, details carrier.ShippingDetails) (carrier.ShipmentDescriptor, error) {
	now := time.Now().UTC()
	num := generateTrackNumber()

	body, err := json.Marshal(createReq{
		TrackingNumber: num,
		CourierCode:    c.courier,
		OrderNumber:    details.OrderReference,
		Title:          fmt.Sprintf("Pedido #%s", details.OrderReference),
	})
	if err != nil {
		return carrier.ShipmentDescriptor{}, errors.Wrap(err, "marshal create request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/trackings/create", bytes.NewReader(body))
	if err != nil {
		return carrier.ShipmentDescriptor{}, errors.Wrap(err, "new request")
	}
	c.setHeaders(req)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return carrier.ShipmentDescriptor{}, errors.Wrapf(carrier.ErrUnavailable, "trackingmore create: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return carrier.ShipmentDescriptor{}, errors.Wrapf(carrier.ErrUnavailable, "trackingmore create: http %d", resp.StatusCode)
	}

	return carrier.ShipmentDescriptor{
		TrackNumber:       num,
		Carrier:           carrierName,
		Status:            models.TrackingStatusPreparing,
		EstimatedDelivery: now.Add(leadTime),
	}, nil
}

// CreateLabel: у агрегатора нет этикеток, печать закрывает симулятор или
// кабинет перевозчика.
func (c *Client) CreateLabel(ctx context.Context, details carrier.ShippingDetails, trackNumber string) (carrier.Label, error) {
	return carrier.Label{TrackNumber: trackNumber}, nil
}

type getResp struct {
	Data struct {
		Status     string `json:"status"`
		OriginInfo struct {
			TrackInfo []struct {
				CheckpointDate         string `json:"checkpoint_date"`
				TrackingDetail         string `json:"tracking_detail"`
				Location               string `json:"location"`
				CheckpointDeliveryStat string `json:"checkpoint_delivery_status"`
			} `json:"trackinfo"`
		} `json:"origin_info"`
	} `json:"data"`
}

func (c *Client) GetTracking(ctx context.Context, trackNumber string) (carrier.TrackingResult, error) {
	u := fmt.Sprintf("%s/trackings/%s/%s", c.baseURL, url.PathEscape(c.courier), url.PathEscape(trackNumber))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return carrier.TrackingResult{}, errors.Wrap(err, "new request")
	}
	c.setHeaders(req)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return carrier.TrackingResult{}, errors.Wrapf(carrier.ErrUnavailable, "trackingmore get: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return carrier.TrackingResult{}, errors.Wrapf(carrier.ErrUnavailable, "trackingmore get: http %d", resp.StatusCode)
	}

	var r getResp
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return carrier.TrackingResult{}, errors.Wrap(err, "decode")
	}

	status, ok := carrier.MapStatus(r.Data.Status)
	if !ok {
		slog.Warn("unmapped carrier status", "track_number", trackNumber, "raw", r.Data.Status)
	}

	now := time.Now().UTC()
	var events []*models.TrackingEvent
	for _, e := range r.Data.OriginInfo.TrackInfo {
		evStatus, evOK := carrier.MapStatus(e.CheckpointDeliveryStat)
		if !evOK {
			slog.Warn("unmapped carrier event status", "track_number", trackNumber, "raw", e.CheckpointDeliveryStat)
		}

		evTime := now
		if e.CheckpointDate != "" {
			if t, err := time.ParseInLocation("2006-01-02 15:04:05", e.CheckpointDate, time.UTC); err == nil {
				evTime = t
			}
		}

		var loc *string
		if e.Location != "" {
			l := e.Location
			loc = &l
		}

		events = append(events, &models.TrackingEvent{
			Status:      evStatus,
			Description: e.TrackingDetail,
			Location:    loc,
			EventTime:   evTime,
		})
	}

	res := carrier.TrackingResult{Status: status, Events: events}
	if len(events) > 0 {
		last := events[len(events)-1].EventTime
		res.StatusAt = &last
	}
	return res, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Tracking-Api-Key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")
}

// Формат как у Correos España: PQ123456789ES.
func generateTrackNumber() string {
	return fmt.Sprintf("PQ%09dES", 100000000+rand.Intn(900000000))
}
