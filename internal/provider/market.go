package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"grimm.is/outpost/internal/clock"
	"grimm.is/outpost/internal/market"
	"grimm.is/outpost/internal/protocol"
)

var (
	ErrUnknownSubscription = errors.New("unknown subscription")
	ErrUnknownOffer        = errors.New("unknown offer")
	ErrUnknownAgreement    = errors.New("unknown agreement")
	ErrAgreementExpired    = errors.New("agreement expired")
)

// Market answers demands with this provider's single offer. A demand
// whose constraints reject the offer properties never receives an offer.
type Market struct {
	Name       string
	Properties map[string]any
	OfferDelay time.Duration
	Clock      clock.Clock

	mu         sync.Mutex
	subs       map[string]*subscription
	agreements map[string]*agreementRecord
}

type subscription struct {
	id       string
	demand   protocol.Demand
	created  time.Time
	matches  bool
	offerID  string
	accepted bool
}

type agreementRecord struct {
	protocol.Agreement
	demand protocol.Demand
	used   bool
}

// NewMarket builds a market offering runtime in subnet under name.
func NewMarket(name, runtime, subnet string, delay time.Duration) *Market {
	props := map[string]any{market.PropNodeName: name}
	if runtime != "" {
		props[market.PropRuntimeName] = runtime
	}
	if subnet != "" {
		props[market.PropSubnet] = subnet
	}
	return &Market{
		Name:       name,
		Properties: props,
		OfferDelay: delay,
		Clock:      clock.RealClock{},
		subs:       make(map[string]*subscription),
		agreements: make(map[string]*agreementRecord),
	}
}

// Publish registers demand and returns its subscription id.
func (m *Market) Publish(demand protocol.Demand) (string, error) {
	matches := true
	if demand.Constraints != "" {
		expr, err := market.ParseConstraints(demand.Constraints)
		if err != nil {
			return "", fmt.Errorf("invalid constraints: %w", err)
		}
		matches = expr.Match(m.Properties)
	}

	sub := &subscription{
		id:      uuid.NewString(),
		demand:  demand,
		created: clock.Or(m.Clock).Now(),
		matches: matches,
	}
	m.mu.Lock()
	m.subs[sub.id] = sub
	m.mu.Unlock()
	return sub.id, nil
}

// Poll waits up to timeout for offers on a subscription. A matching
// subscription gets exactly one offer once OfferDelay has passed since
// publication.
func (m *Market) Poll(ctx context.Context, subID string, timeout time.Duration) ([]protocol.Offer, error) {
	c := clock.Or(m.Clock)
	m.mu.Lock()
	sub, ok := m.subs[subID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrUnknownSubscription
	}
	pending := sub.matches && sub.offerID == ""
	readyAt := sub.created.Add(m.OfferDelay)
	m.mu.Unlock()

	wait := timeout
	if pending {
		wait = min(timeout, readyAt.Sub(c.Now()))
	}
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if !pending || c.Now().Before(readyAt) {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[subID]; !ok {
		return nil, ErrUnknownSubscription
	}
	if sub.offerID != "" {
		return nil, nil
	}
	sub.offerID = uuid.NewString()
	return []protocol.Offer{{ID: sub.offerID, ProviderID: m.Name, Properties: m.Properties}}, nil
}

// Accept turns the subscription's offer into an agreement valid until validTo.
func (m *Market) Accept(subID, offerID string, validTo time.Time) (protocol.Agreement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[subID]
	if !ok {
		return protocol.Agreement{}, ErrUnknownSubscription
	}
	if sub.offerID == "" || sub.offerID != offerID || sub.accepted {
		return protocol.Agreement{}, ErrUnknownOffer
	}
	sub.accepted = true

	a := protocol.Agreement{
		ID:         uuid.NewString(),
		OfferID:    offerID,
		ProviderID: m.Name,
		ApprovedAt: clock.Or(m.Clock).Now(),
		ValidTo:    validTo,
	}
	m.agreements[a.ID] = &agreementRecord{Agreement: a, demand: sub.demand}
	return a, nil
}

// Unsubscribe withdraws a demand. Agreements made from it stay valid.
func (m *Market) Unsubscribe(subID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[subID]; !ok {
		return ErrUnknownSubscription
	}
	delete(m.subs, subID)
	return nil
}

// claim marks an agreement as used by an activity and returns the demand
// it was made for. Each agreement backs at most one activity.
func (m *Market) claim(agreementID string) (protocol.Agreement, protocol.Demand, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.agreements[agreementID]
	if !ok {
		return protocol.Agreement{}, protocol.Demand{}, ErrUnknownAgreement
	}
	if rec.used {
		return protocol.Agreement{}, protocol.Demand{}, fmt.Errorf("agreement %s already has an activity", agreementID)
	}
	if !rec.ValidTo.IsZero() && clock.Or(m.Clock).Now().After(rec.ValidTo) {
		return protocol.Agreement{}, protocol.Demand{}, ErrAgreementExpired
	}
	rec.used = true
	return rec.Agreement, rec.demand, nil
}
