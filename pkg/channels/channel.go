package channels

import (
	"context"

	"imbridge/pkg/bus"
)

// Channel is one platform connection owned by the Manager.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
	IsRunning() bool
}

// StatusReporter is implemented by channels that expose connection metrics.
type StatusReporter interface {
	Status() map[string]interface{}
}
