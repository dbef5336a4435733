package channels

import (
	"context"

	"github.com/harun/lumen/pkg/bus"
)

// Channel is a transport that feeds inbound messages onto the bus and
// delivers the replies addressed to it (gateway, direct, ...).
type Channel interface {
	Name() string
	Start(ctx context.Context, b bus.Bus) error
	Stop(ctx context.Context) error
}
