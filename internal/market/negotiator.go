// Package market turns a task spec into a published demand and races
// incoming offers against a wall-clock deadline to produce agreements.
package market

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"grimm.is/outpost/internal/clock"
	"grimm.is/outpost/internal/logging"
	"grimm.is/outpost/internal/metrics"
	"grimm.is/outpost/internal/protocol"
	"grimm.is/outpost/internal/taskerr"
)

const (
	// DefaultPollTimeout bounds a single long-poll for offers.
	DefaultPollTimeout = 2 * time.Second
	// DefaultRetryDelay is the pause after a poll that returned nothing.
	DefaultRetryDelay = 250 * time.Millisecond
)

// Negotiator publishes demands and negotiates agreements for them.
type Negotiator struct {
	API         API
	Clock       clock.Clock
	Logger      *logging.Logger
	Metrics     *metrics.Registry
	PollTimeout time.Duration
	RetryDelay  time.Duration
}

// NewNegotiator creates a negotiator with default timings.
func NewNegotiator(api API, logger *logging.Logger, m *metrics.Registry) *Negotiator {
	if logger == nil {
		logger = logging.Default()
	}
	return &Negotiator{
		API:         api,
		Clock:       clock.RealClock{},
		Logger:      logger.WithComponent("market"),
		Metrics:     m,
		PollTimeout: DefaultPollTimeout,
		RetryDelay:  DefaultRetryDelay,
	}
}

// Subscription is a published demand. It is single use: Negotiate may be
// called once, and the demand is unsubscribed when negotiation ends.
type Subscription struct {
	ID     string
	Demand protocol.Demand
	Spec   TaskSpec

	n          *Negotiator
	negotiated atomic.Bool
	unsubOnce  sync.Once
	unsubErr   error
}

// Publish registers the demand derived from spec.
func (n *Negotiator) Publish(ctx context.Context, spec TaskSpec) (*Subscription, error) {
	demand := spec.Demand()
	n.Logger.Info("Publishing demand", "subnet", demand.Properties[PropSubnet], "constraints", demand.Constraints)

	id, err := n.API.PublishDemand(ctx, demand)
	if err != nil {
		if ctx.Err() != nil {
			return nil, taskerr.New(taskerr.KindCancelled, "publish demand", ctx.Err())
		}
		return nil, taskerr.New(taskerr.KindPublish, "publish demand", err)
	}
	if n.Metrics != nil {
		n.Metrics.DemandsPublished.Inc()
	}
	n.Logger.Info("Created subscription", "subscription", id)

	return &Subscription{ID: id, Demand: demand, Spec: spec, n: n}, nil
}

// Negotiate collects up to max agreements before deadline. Offers are
// polled with a deadline-aware wait; each offer is accepted in arrival
// order. Zero agreements at the deadline yields a NegotiationTimeout
// error. The subscription is unsubscribed on every return path.
func (s *Subscription) Negotiate(ctx context.Context, max int, deadline time.Time) ([]Agreement, error) {
	if !s.negotiated.CompareAndSwap(false, true) {
		return nil, taskerr.New(taskerr.KindNegotiation, "negotiate", errors.New("subscription already negotiated"))
	}
	if max < 1 {
		max = 1
	}
	n := s.n
	log := n.Logger.WithFields(map[string]any{"subscription": s.ID})
	started := clock.Or(n.Clock).Now()

	defer func() {
		if err := s.Unsubscribe(context.WithoutCancel(ctx)); err != nil {
			log.Warn("Unsubscribe failed", "error", err)
		}
	}()

	raceCtx, cancel := context.WithTimeout(ctx, clock.Remaining(n.Clock, deadline))
	defer cancel()

	var agreements []Agreement
	for len(agreements) < max && raceCtx.Err() == nil {
		wait := min(n.pollTimeout(), clock.Remaining(n.Clock, deadline))
		if wait <= 0 {
			break
		}

		offers, err := n.API.PollOffers(raceCtx, s.ID, wait, max-len(agreements))
		if err != nil {
			if raceCtx.Err() != nil || len(agreements) > 0 {
				break
			}
			n.observe("error", started)
			return nil, taskerr.New(taskerr.KindNegotiation, "poll offers", err)
		}

		for _, offer := range offers {
			if len(agreements) >= max {
				break
			}
			if n.Metrics != nil {
				n.Metrics.OffersReceived.Inc()
			}
			log.Debug("Offer received", "offer", offer.ID, "provider", offer.ProviderID)

			agreement, err := n.API.AcceptOffer(raceCtx, s.ID, offer.ID, s.Spec.Expiration)
			if err != nil {
				// The offer may have been taken or withdrawn; keep racing.
				log.Warn("Offer not accepted", "offer", offer.ID, "error", err)
				continue
			}
			if n.Metrics != nil {
				n.Metrics.AgreementsTotal.Inc()
			}
			log.Info("Agreement approved", "agreement", agreement.ID, "provider", agreement.ProviderID)
			agreements = append(agreements, agreement)
		}

		if len(offers) == 0 && len(agreements) < max {
			select {
			case <-raceCtx.Done():
			case <-time.After(n.retryDelay()):
			}
		}
	}

	if len(agreements) > 0 {
		n.observe("ok", started)
		return agreements, nil
	}
	if ctx.Err() != nil {
		n.observe("cancelled", started)
		return nil, taskerr.New(taskerr.KindCancelled, "negotiate", ctx.Err())
	}
	n.observe("timeout", started)
	return nil, taskerr.New(taskerr.KindNegotiationTimeout, "negotiate",
		fmt.Errorf("no agreement reached by %s", deadline.Format(time.RFC3339)))
}

// Unsubscribe withdraws the demand. It is idempotent; later calls return
// the first call's result.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	s.unsubOnce.Do(func() {
		s.unsubErr = s.n.API.Unsubscribe(ctx, s.ID)
		if s.unsubErr == nil {
			s.n.Logger.Debug("Unsubscribed demand", "subscription", s.ID)
		}
	})
	return s.unsubErr
}

func (n *Negotiator) observe(outcome string, started time.Time) {
	if n.Metrics != nil {
		n.Metrics.ObserveNegotiation(outcome, clock.Or(n.Clock).Since(started))
	}
}

func (n *Negotiator) pollTimeout() time.Duration {
	if n.PollTimeout > 0 {
		return n.PollTimeout
	}
	return DefaultPollTimeout
}

func (n *Negotiator) retryDelay() time.Duration {
	if n.RetryDelay > 0 {
		return n.RetryDelay
	}
	return DefaultRetryDelay
}
