// Package transport adapts websocket and server-sent event streams to registry connections.
package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/pulse/backend/internal/auth"
	"github.com/google/uuid"
)

const defaultOutboundBuffer = 64

// ErrConnectionClosed is returned by Send once the connection is closed.
var ErrConnectionClosed = errors.New("transport: connection closed")

// outbound is the buffered frame queue shared by every connection type. A
// full queue applies back-pressure to Send until the caller's deadline.
type outbound struct {
	id       string
	identity auth.Identity
	openedAt time.Time

	frames    chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newOutbound(identity auth.Identity, buffer int) (*outbound, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	if buffer <= 0 {
		buffer = defaultOutboundBuffer
	}
	return &outbound{
		id:       id.String(),
		identity: identity,
		openedAt: time.Now().UTC(),
		frames:   make(chan []byte, buffer),
		done:     make(chan struct{}),
	}, nil
}

func (o *outbound) ID() string {
	return o.id
}

func (o *outbound) UserID() string {
	return o.identity.UserID
}

func (o *outbound) Role() string {
	return o.identity.Role
}

func (o *outbound) OpenedAt() time.Time {
	return o.openedAt
}

// Send queues one frame for the writer.
func (o *outbound) Send(ctx context.Context, frame []byte) error {
	select {
	case <-o.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case o.frames <- frame:
		return nil
	case <-o.done:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the connection closes.
func (o *outbound) Done() <-chan struct{} {
	return o.done
}

func (o *outbound) closeQueue() bool {
	closed := false
	o.closeOnce.Do(func() {
		close(o.done)
		closed = true
	})
	return closed
}
