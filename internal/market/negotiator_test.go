package market

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"grimm.is/outpost/internal/clock"
	"grimm.is/outpost/internal/logging"
	"grimm.is/outpost/internal/metrics"
	"grimm.is/outpost/internal/protocol"
	"grimm.is/outpost/internal/taskerr"
)

func newTestNegotiator(api API) (*Negotiator, *metrics.Registry) {
	m := metrics.NewIsolated()
	n := NewNegotiator(api, logging.Discard(), m)
	n.PollTimeout = 20 * time.Millisecond
	n.RetryDelay = 5 * time.Millisecond
	return n, m
}

func testSpec(t *testing.T) TaskSpec {
	spec, err := NewTaskSpec(clock.RealClock{}, SpecOptions{
		NodeName:   "interactive-example",
		Subnet:     "community.3",
		Runtime:    "X",
		PackageRef: "hash:sha3:abc:http://example/pkg",
		Expiration: 25 * time.Minute,
	})
	require.NoError(t, err)
	return spec
}

func TestNewTaskSpecDemand(t *testing.T) {
	start := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	spec, err := NewTaskSpec(clock.NewMockClock(start), SpecOptions{
		NodeName:   "interactive-example",
		Subnet:     "community.3",
		Runtime:    "vm",
		PackageRef: "hash:sha3:abc:http://example/pkg",
		Expiration: 25 * time.Minute,
	})
	require.NoError(t, err)

	d := spec.Demand()
	assert.Equal(t, "(&(golem.runtime.name=vm)(golem.node.debug.subnet=community.3))", d.Constraints)
	assert.Equal(t, "hash:sha3:abc:http://example/pkg", d.Properties[PropTaskPackage])
	assert.Equal(t, start.Add(25*time.Minute).UnixMilli(), d.Properties[PropExpiration])
	assert.Equal(t, "interactive-example", d.Properties[PropNodeName])
	assert.NotContains(t, spec.Properties, PropTaskPackage, "Demand must not mutate the TaskSpec")

	_, err = NewTaskSpec(nil, SpecOptions{Expiration: time.Minute})
	assert.Error(t, err)
	_, err = NewTaskSpec(nil, SpecOptions{PackageRef: "p"})
	assert.Error(t, err)
}

func TestNegotiate_OneOfferBeforeDeadline(t *testing.T) {
	api := &MockAPI{}
	n, m := newTestNegotiator(api)
	spec := testSpec(t)

	offer := protocol.Offer{ID: "offer-1", ProviderID: "prov-1"}
	agreement := Agreement{ID: "agr-1", OfferID: "offer-1", ProviderID: "prov-1"}

	api.On("PublishDemand", mock.Anything, mock.Anything).Return("sub-1", nil)
	api.On("PollOffers", mock.Anything, "sub-1", mock.Anything, 1).Return([]protocol.Offer{}, nil).Once()
	api.On("PollOffers", mock.Anything, "sub-1", mock.Anything, 1).Return([]protocol.Offer{offer}, nil).Once()
	api.On("AcceptOffer", mock.Anything, "sub-1", "offer-1", spec.Expiration).Return(agreement, nil)
	api.On("Unsubscribe", mock.Anything, "sub-1").Return(nil).Once()

	sub, err := n.Publish(context.Background(), spec)
	require.NoError(t, err)

	got, err := sub.Negotiate(context.Background(), 1, time.Now().Add(10*time.Second))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "agr-1", got[0].ID)

	api.AssertExpectations(t)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AgreementsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OffersReceived))
}

func TestNegotiate_NoOffersTimesOut(t *testing.T) {
	api := &MockAPI{}
	n, _ := newTestNegotiator(api)

	api.On("PublishDemand", mock.Anything, mock.Anything).Return("sub-1", nil)
	api.On("PollOffers", mock.Anything, "sub-1", mock.Anything, 1).Return([]protocol.Offer{}, nil)
	api.On("Unsubscribe", mock.Anything, "sub-1").Return(nil).Once()

	sub, err := n.Publish(context.Background(), testSpec(t))
	require.NoError(t, err)

	start := time.Now()
	got, err := sub.Negotiate(context.Background(), 1, time.Now().Add(80*time.Millisecond))
	assert.ErrorIs(t, err, taskerr.ErrNegotiationTimeout)
	assert.Empty(t, got)
	assert.Less(t, time.Since(start), 2*time.Second)

	api.AssertNotCalled(t, "AcceptOffer", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	api.AssertCalled(t, "Unsubscribe", mock.Anything, "sub-1")
}

func TestNegotiate_PollErrorUnsubscribes(t *testing.T) {
	api := &MockAPI{}
	n, _ := newTestNegotiator(api)

	api.On("PublishDemand", mock.Anything, mock.Anything).Return("sub-1", nil)
	api.On("PollOffers", mock.Anything, "sub-1", mock.Anything, 1).Return(nil, errors.New("connection reset"))
	api.On("Unsubscribe", mock.Anything, "sub-1").Return(nil).Once()

	sub, err := n.Publish(context.Background(), testSpec(t))
	require.NoError(t, err)

	_, err = sub.Negotiate(context.Background(), 1, time.Now().Add(time.Second))
	assert.ErrorIs(t, err, taskerr.ErrNegotiation)
	api.AssertExpectations(t)
}

func TestNegotiate_RejectedOfferKeepsRacing(t *testing.T) {
	api := &MockAPI{}
	n, _ := newTestNegotiator(api)
	spec := testSpec(t)

	offers := []protocol.Offer{{ID: "taken"}, {ID: "free"}}
	api.On("PublishDemand", mock.Anything, mock.Anything).Return("sub-1", nil)
	api.On("PollOffers", mock.Anything, "sub-1", mock.Anything, 1).Return(offers, nil).Once()
	api.On("AcceptOffer", mock.Anything, "sub-1", "taken", spec.Expiration).Return(Agreement{}, errors.New("offer expired"))
	api.On("AcceptOffer", mock.Anything, "sub-1", "free", spec.Expiration).Return(Agreement{ID: "agr-2"}, nil)
	api.On("Unsubscribe", mock.Anything, "sub-1").Return(nil)

	sub, err := n.Publish(context.Background(), spec)
	require.NoError(t, err)

	got, err := sub.Negotiate(context.Background(), 1, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "agr-2", got[0].ID)
}

func TestNegotiate_SingleUse(t *testing.T) {
	api := &MockAPI{}
	n, _ := newTestNegotiator(api)

	api.On("PublishDemand", mock.Anything, mock.Anything).Return("sub-1", nil)
	api.On("PollOffers", mock.Anything, "sub-1", mock.Anything, 1).Return([]protocol.Offer{{ID: "o"}}, nil)
	api.On("AcceptOffer", mock.Anything, "sub-1", "o", mock.Anything).Return(Agreement{ID: "a"}, nil)
	api.On("Unsubscribe", mock.Anything, "sub-1").Return(nil).Once()

	sub, err := n.Publish(context.Background(), testSpec(t))
	require.NoError(t, err)

	_, err = sub.Negotiate(context.Background(), 1, time.Now().Add(time.Second))
	require.NoError(t, err)

	_, err = sub.Negotiate(context.Background(), 1, time.Now().Add(time.Second))
	assert.ErrorIs(t, err, taskerr.ErrNegotiation)
	api.AssertNumberOfCalls(t, "Unsubscribe", 1)
}

func TestNegotiate_Cancelled(t *testing.T) {
	api := &MockAPI{}
	n, _ := newTestNegotiator(api)

	api.On("PublishDemand", mock.Anything, mock.Anything).Return("sub-1", nil)
	api.On("PollOffers", mock.Anything, "sub-1", mock.Anything, 1).Return([]protocol.Offer{}, nil)
	api.On("Unsubscribe", mock.Anything, "sub-1").Return(nil).Once()

	sub, err := n.Publish(context.Background(), testSpec(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	_, err = sub.Negotiate(ctx, 1, time.Now().Add(10*time.Second))
	assert.ErrorIs(t, err, taskerr.ErrCancelled)
	api.AssertCalled(t, "Unsubscribe", mock.Anything, "sub-1")
}

func TestPublish_Failure(t *testing.T) {
	api := &MockAPI{}
	n, _ := newTestNegotiator(api)

	api.On("PublishDemand", mock.Anything, mock.Anything).Return("", errors.New("401 unauthorized"))

	_, err := n.Publish(context.Background(), testSpec(t))
	assert.ErrorIs(t, err, taskerr.ErrPublish)
}
