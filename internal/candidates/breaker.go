package candidates

import (
	"context"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"

	"github.com/Popie52/feedrank/internal/logging"
	"github.com/Popie52/feedrank/internal/model"
)

type BreakerConfig struct {
	// FailureThreshold failures within the last MinRequests fetches open the circuit.
	FailureThreshold uint
	MinRequests      uint
	// Delay is how long the circuit stays open before a trial fetch.
	Delay  time.Duration
	Logger logging.Logger
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		MinRequests:      10,
		Delay:            15 * time.Second,
	}
}

// BreakerSource fails fetches fast while the wrapped source keeps failing.
type BreakerSource struct {
	next Source
	cb   circuitbreaker.CircuitBreaker[[]model.CandidatePost]
}

func NewBreakerSource(next Source, cfg BreakerConfig) *BreakerSource {
	def := DefaultBreakerConfig()
	if cfg.MinRequests == 0 {
		cfg.MinRequests = def.MinRequests
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.FailureThreshold > cfg.MinRequests {
		cfg.FailureThreshold = cfg.MinRequests
	}
	if cfg.Delay <= 0 {
		cfg.Delay = def.Delay
	}

	builder := circuitbreaker.NewBuilder[[]model.CandidatePost]().
		WithFailureThresholdRatio(cfg.FailureThreshold, cfg.MinRequests).
		WithDelay(cfg.Delay).
		WithSuccessThreshold(1)

	if cfg.Logger != nil {
		logger := cfg.Logger
		builder = builder.OnStateChanged(func(event circuitbreaker.StateChangedEvent) {
			logger.WithFields(logging.Fields{
				"from_state": stateName(event.OldState),
				"to_state":   stateName(event.NewState),
			}).Warn("candidate source circuit breaker state change")
		})
	}

	return &BreakerSource{next: next, cb: builder.Build()}
}

func (s *BreakerSource) FetchCandidates(ctx context.Context, window model.TimeRange, excludeAuthorID string, limit int) ([]model.CandidatePost, error) {
	return failsafe.With(s.cb).WithContext(ctx).Get(func() ([]model.CandidatePost, error) {
		return s.next.FetchCandidates(ctx, window, excludeAuthorID, limit)
	})
}

// Open reports whether fetches are currently being rejected.
func (s *BreakerSource) Open() bool {
	return s.cb.IsOpen()
}

func stateName(state circuitbreaker.State) string {
	switch state {
	case circuitbreaker.ClosedState:
		return "closed"
	case circuitbreaker.HalfOpenState:
		return "half-open"
	case circuitbreaker.OpenState:
		return "open"
	default:
		return "unknown"
	}
}
