package market

import (
	"context"
	"time"

	"grimm.is/outpost/internal/protocol"
)

// API is the negotiation boundary the negotiator drives. The transport
// client implements it against a remote provider.
type API interface {
	PublishDemand(ctx context.Context, demand protocol.Demand) (string, error)
	PollOffers(ctx context.Context, subscriptionID string, timeout time.Duration, max int) ([]protocol.Offer, error)
	AcceptOffer(ctx context.Context, subscriptionID, offerID string, validTo time.Time) (Agreement, error)
	Unsubscribe(ctx context.Context, subscriptionID string) error
}
