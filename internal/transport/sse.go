package transport

import (
	"github.com/MarcoPoloResearchLab/pulse/backend/internal/auth"
)

// SSEConn is a one-way connection drained by a server-sent events handler.
type SSEConn struct {
	*outbound
}

// NewSSEConn constructs an SSEConn with the given outbound buffer.
func NewSSEConn(identity auth.Identity, buffer int) (*SSEConn, error) {
	queue, err := newOutbound(identity, buffer)
	if err != nil {
		return nil, err
	}
	return &SSEConn{outbound: queue}, nil
}

// Outbound yields queued frames for the handler to write.
func (c *SSEConn) Outbound() <-chan []byte {
	return c.frames
}

// Close stops accepting frames. The handler returns once it observes Done.
func (c *SSEConn) Close() error {
	c.closeQueue()
	return nil
}
