package reconciler

import (
	"math/rand"
	"time"

	"github.com/simshop/shipflow/internal/models"
)

type Rand interface {
	Intn(n int) int
}

type PlannerConfig struct {
	TerminalDelay time.Duration // default: 365 days

	ActiveMinDelay time.Duration // default: 30 minutes
	ActiveMaxDelay time.Duration // default: 120 minutes

	PreparingDelay time.Duration // default: 60 minutes
	ExceptionDelay time.Duration // default: 30 minutes

	Backoff1 time.Duration // default: 5 minutes
	Backoff2 time.Duration // default: 15 minutes
	Backoff3 time.Duration // default: 30 minutes
	Backoff4 time.Duration // default: 60 minutes
}

func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{
		TerminalDelay: 365 * 24 * time.Hour,

		ActiveMinDelay: 30 * time.Minute,
		ActiveMaxDelay: 120 * time.Minute,

		PreparingDelay: 60 * time.Minute,
		ExceptionDelay: 30 * time.Minute,

		Backoff1: 5 * time.Minute,
		Backoff2: 15 * time.Minute,
		Backoff3: 30 * time.Minute,
		Backoff4: 60 * time.Minute,
	}
}

// Planner решает, когда трекинг проверять в следующий раз. Терминальные
// статусы фактически паркуются на год (перестраховка от расхождения с
// фильтром выборки).
type Planner struct {
	cfg PlannerConfig
	r   Rand
}

func NewPlanner(cfg PlannerConfig, r Rand) *Planner {
	def := DefaultPlannerConfig()
	if cfg.TerminalDelay <= 0 {
		cfg.TerminalDelay = def.TerminalDelay
	}
	if cfg.ActiveMinDelay <= 0 {
		cfg.ActiveMinDelay = def.ActiveMinDelay
	}
	if cfg.ActiveMaxDelay <= 0 {
		cfg.ActiveMaxDelay = def.ActiveMaxDelay
	}
	if cfg.ActiveMaxDelay < cfg.ActiveMinDelay {
		cfg.ActiveMaxDelay = cfg.ActiveMinDelay
	}
	if cfg.PreparingDelay <= 0 {
		cfg.PreparingDelay = def.PreparingDelay
	}
	if cfg.ExceptionDelay <= 0 {
		cfg.ExceptionDelay = def.ExceptionDelay
	}
	if cfg.Backoff1 <= 0 {
		cfg.Backoff1 = def.Backoff1
	}
	if cfg.Backoff2 <= 0 {
		cfg.Backoff2 = def.Backoff2
	}
	if cfg.Backoff3 <= 0 {
		cfg.Backoff3 = def.Backoff3
	}
	if cfg.Backoff4 <= 0 {
		cfg.Backoff4 = def.Backoff4
	}
	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Planner{cfg: cfg, r: r}
}

func (p *Planner) NextCheckDelay(status string) time.Duration {
	switch status {
	case models.TrackingStatusDelivered, models.TrackingStatusReturned:
		return p.cfg.TerminalDelay
	case models.TrackingStatusPreparing:
		return p.cfg.PreparingDelay
	case models.TrackingStatusException:
		return p.cfg.ExceptionDelay
	case models.TrackingStatusShipped, models.TrackingStatusInTransit, models.TrackingStatusOutForDelivery:
		min := p.cfg.ActiveMinDelay
		max := p.cfg.ActiveMaxDelay
		if max == min {
			return min
		}
		secMin := int(min.Seconds())
		secMax := int(max.Seconds())
		// Джиттер, чтобы пачка отправлений одного дня не опрашивалась разом.
		return time.Duration(secMin+p.r.Intn(secMax-secMin+1)) * time.Second
	default:
		return p.cfg.PreparingDelay
	}
}

func (p *Planner) BackoffDelay(nextFailCount int32) time.Duration {
	switch {
	case nextFailCount <= 1:
		return p.cfg.Backoff1
	case nextFailCount == 2:
		return p.cfg.Backoff2
	case nextFailCount == 3:
		return p.cfg.Backoff3
	default:
		return p.cfg.Backoff4
	}
}
