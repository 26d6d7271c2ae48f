package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/simshop/shipflow/internal/broker/messages"
	"github.com/simshop/shipflow/internal/integrations/carrier"
	"github.com/simshop/shipflow/internal/models"
)

type Repository interface {
	ClaimDueTrackings(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.Tracking, error)
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

// Reconciler периодически сверяет незавершённые отправления с перевозчиком.
// Пачка обрабатывается последовательно с паузой между вызовами: провайдеры
// трекинга режут частые запросы, а пачки здесь небольшие.
type Reconciler struct {
	repo     Repository
	carrier  carrier.Client
	producer Producer
	rl       RateLimiter

	topic string

	planner *Planner

	pollInterval       time.Duration
	batchSize          int
	lease              time.Duration
	paceDelay          time.Duration
	rateLimitPerMinute int64

	triggerCh chan struct{}

	startedAtUnixNano   int64
	lastCycleUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalClaimed        atomic.Int64
	totalProcessed      atomic.Int64
	totalErrors         atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func New(repo Repository, c carrier.Client, producer Producer, rl RateLimiter, topic string) *Reconciler {
	return &Reconciler{
		repo: repo, carrier: c, producer: producer, rl: rl, topic: topic,
		planner:            NewPlanner(DefaultPlannerConfig(), nil),
		pollInterval:       60 * time.Second,
		batchSize:          50,
		lease:              120 * time.Second,
		paceDelay:          time.Second,
		rateLimitPerMinute: 120,
		triggerCh:          make(chan struct{}, 1),
		startedAtUnixNano:  time.Now().UTC().UnixNano(),
	}
}

func (r *Reconciler) WithSettings(pollInterval time.Duration, batchSize int, lease, paceDelay time.Duration, rlPerMin int64) *Reconciler {
	if pollInterval > 0 {
		r.pollInterval = pollInterval
	}
	if batchSize > 0 {
		r.batchSize = batchSize
	}
	if lease > 0 {
		r.lease = lease
	}
	if paceDelay >= 0 {
		r.paceDelay = paceDelay
	}
	if rlPerMin > 0 {
		r.rateLimitPerMinute = rlPerMin
	}
	return r
}

func (r *Reconciler) WithPlanner(cfg PlannerConfig) *Reconciler {
	r.planner = NewPlanner(cfg, nil)
	return r
}

// Trigger forces an immediate cycle (best-effort, non-blocking).
func (r *Reconciler) Trigger() {
	r.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case r.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt      time.Time  `json:"startedAt"`
	LastCycleAt    *time.Time `json:"lastCycleAt,omitempty"`
	LastTriggerAt  *time.Time `json:"lastTriggerAt,omitempty"`
	TotalClaimed   int64      `json:"totalClaimed"`
	TotalProcessed int64      `json:"totalProcessed"`
	TotalErrors    int64      `json:"totalErrors"`
	LastError      string     `json:"lastError,omitempty"`
}

func (r *Reconciler) Stats() Stats {
	st := Stats{
		StartedAt:      time.Unix(0, r.startedAtUnixNano).UTC(),
		TotalClaimed:   r.totalClaimed.Load(),
		TotalProcessed: r.totalProcessed.Load(),
		TotalErrors:    r.totalErrors.Load(),
	}
	if n := r.lastCycleUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastCycleAt = &t
	}
	if n := r.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	r.lastErrorMu.Lock()
	st.LastError = r.lastError
	r.lastErrorMu.Unlock()
	return st
}

func (r *Reconciler) Run(ctx context.Context) error {
	t := time.NewTicker(r.pollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			r.runOnce(ctx)
		case <-r.triggerCh:
			r.runOnce(ctx)
		}
	}
}

func (r *Reconciler) runOnce(ctx context.Context) {
	now := time.Now().UTC()
	r.lastCycleUnixNano.Store(now.UnixNano())

	items, err := r.repo.ClaimDueTrackings(ctx, now, r.batchSize, r.lease)
	if err != nil {
		slog.Error("claim due trackings", "error", err.Error())
		r.setLastError(err)
		return
	}
	r.totalClaimed.Add(int64(len(items)))

	for i, tr := range items {
		if ctx.Err() != nil {
			return
		}
		if i > 0 && r.paceDelay > 0 {
			if !sleepCtx(ctx, r.paceDelay) {
				return
			}
		}
		if err := r.processOne(ctx, tr); err != nil {
			r.totalErrors.Add(1)
			r.setLastError(err)
			slog.Error("reconcile tracking", "tracking_id", tr.ID, "track_number", tr.TrackNumber, "error", err.Error())
		}
		r.totalProcessed.Add(1)
	}
}

func (r *Reconciler) processOne(ctx context.Context, tr *models.Tracking) error {
	now := time.Now().UTC()

	if r.rl != nil && r.rateLimitPerMinute > 0 {
		minuteKey := fmt.Sprintf("rl:carrier:%s:%s", tr.Carrier, now.Format("200601021504"))
		allowed, n, err := r.rl.Allow(ctx, minuteKey, r.rateLimitPerMinute, 70*time.Second)
		if err != nil {
			return err
		}
		if !allowed {
			slog.Warn("rate limit exceeded", "carrier", tr.Carrier, "count", n)
			if !sleepCtx(ctx, 500*time.Millisecond) {
				return ctx.Err()
			}
		}
	}

	res, err := r.carrier.GetTracking(ctx, tr.TrackNumber)
	msg := messages.ShipmentChecked{
		TrackingID: tr.ID,
		CheckedAt:  now,
	}

	if err != nil {
		e := err.Error()
		msg.Error = &e
		msg.NextCheckAt = now.Add(r.planner.BackoffDelay(tr.CheckFailCount + 1))
	} else {
		msg.Status = res.Status
		msg.StatusAt = res.StatusAt
		msg.NextCheckAt = now.Add(r.planner.NextCheckDelay(res.Status))
		for _, e := range res.Events {
			msg.Events = append(msg.Events, messages.CheckedEvent{
				Status:      e.Status,
				Description: e.Description,
				Location:    e.Location,
				EventTime:   e.EventTime,
			})
		}
	}

	b, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshal kafka msg")
	}

	key := []byte(fmt.Sprintf("%d", tr.ID))
	// Kafka может быть не готова сразу после старта docker compose.
	var pubErr error
	for i := 0; i < 10; i++ {
		if pubErr = r.producer.Publish(ctx, r.topic, key, b); pubErr == nil {
			break
		}
		if !sleepCtx(ctx, time.Duration(150*(i+1))*time.Millisecond) {
			return pubErr
		}
	}
	return pubErr
}

func (r *Reconciler) setLastError(err error) {
	r.lastErrorMu.Lock()
	r.lastError = err.Error()
	r.lastErrorMu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
