package market

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"grimm.is/outpost/internal/protocol"
)

// MockAPI is a mock implementation of API for testing.
type MockAPI struct {
	mock.Mock
}

func (m *MockAPI) PublishDemand(ctx context.Context, demand protocol.Demand) (string, error) {
	args := m.Called(ctx, demand)
	return args.String(0), args.Error(1)
}

func (m *MockAPI) PollOffers(ctx context.Context, subscriptionID string, timeout time.Duration, max int) ([]protocol.Offer, error) {
	args := m.Called(ctx, subscriptionID, timeout, max)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]protocol.Offer), args.Error(1)
}

func (m *MockAPI) AcceptOffer(ctx context.Context, subscriptionID, offerID string, validTo time.Time) (Agreement, error) {
	args := m.Called(ctx, subscriptionID, offerID, validTo)
	return args.Get(0).(Agreement), args.Error(1)
}

func (m *MockAPI) Unsubscribe(ctx context.Context, subscriptionID string) error {
	return m.Called(ctx, subscriptionID).Error(0)
}
