package messaging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"grimm.is/outpost/internal/logging"
)

// EnvSocket names the environment variable through which the provider
// passes the message pipe's unix socket path to a unit.
const EnvSocket = "OUTPOST_MESSAGES"

// GuestOpener connects from inside a unit to the provider's end of the
// message pipe.
type GuestOpener struct {
	// Path is the unix socket the provider exported in EnvSocket.
	Path string
}

// OpenChannel dials the unit's message socket. The activity and location
// are implied by the environment the unit was started in.
func (g GuestOpener) OpenChannel(ctx context.Context, _, _ string) (io.ReadWriteCloser, error) {
	if g.Path == "" {
		return nil, errors.New(EnvSocket + " is not set")
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", g.Path)
	if err != nil {
		return nil, fmt.Errorf("dial message socket: %w", err)
	}
	return conn, nil
}

// OpenGuest opens the unit side of the message channel on the socket at
// path.
func OpenGuest(ctx context.Context, path string, logger *logging.Logger) (*Sender, *Receiver, error) {
	return Open(ctx, GuestOpener{Path: path}, "", "guest", logger, nil)
}
