package transport

import (
	"context"

	"github.com/lwm2m-go/lwm2m-server/pkg/lwm2m"
)

// Sender delivers a request to a client now and waits for the response.
//
// Implementations must be safe for concurrent use and must return when ctx
// is done.
type Sender interface {
	SendNow(ctx context.Context, peer lwm2m.Identity, req Request) (Response, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, peer lwm2m.Identity, req Request) (Response, error)

// SendNow implements Sender.
func (f SenderFunc) SendNow(ctx context.Context, peer lwm2m.Identity, req Request) (Response, error) {
	return f(ctx, peer, req)
}

var _ Sender = SenderFunc(nil)
