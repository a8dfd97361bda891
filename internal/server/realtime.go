package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/pulse/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/pulse/backend/internal/registry"
	"github.com/MarcoPoloResearchLab/pulse/backend/internal/streams"
	"github.com/MarcoPoloResearchLab/pulse/backend/internal/transport"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	realtimeEventItem      = "item"
	realtimeEventReady     = "ready"
	realtimeEventHeartbeat = "heartbeat"
	defaultSSEHeartbeat    = 30 * time.Second
)

var errForbiddenGroup = errors.New("group is private to its owner")

type ackFrame struct {
	Ack    string       `json:"ack"`
	Stream streams.Name `json:"stream,omitempty"`
	Group  string       `json:"group,omitempty"`
	Status string       `json:"status,omitempty"`
}

func newUpgrader(allowedOrigins []string) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(allowedOrigins) == 0 {
				return true
			}
			return slices.Contains(allowedOrigins, origin)
		},
	}
}

func (h *httpHandler) handleWebSocket(c *gin.Context) {
	socket, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	conn, err := transport.NewWebSocketConn(socket, identityFrom(c), transport.WebSocketOptions{
		HeartbeatInterval: h.transport.HeartbeatInterval,
		ClientRate:        h.transport.ClientRate,
		ClientBurst:       h.transport.ClientBurst,
		Buffer:            h.transport.Buffer,
		Logger:            h.logger,
	})
	if err != nil {
		h.logger.Error("websocket connection setup failed", zap.Error(err))
		_ = socket.Close()
		return
	}

	ctx := c.Request.Context()
	if err := h.hub.Attach(ctx, conn, deviceOf(c)); err != nil {
		_ = conn.Close()
		return
	}
	defer func() {
		h.hub.Detach(context.WithoutCancel(ctx), conn.ID())
		_ = conn.Close()
	}()

	go conn.WritePump()
	if err := conn.ReadPump(ctx, h.handleClientFrame); err != nil {
		h.logger.Debug("websocket closed", zap.String("connection_id", conn.ID()), zap.Error(err))
	}
}

func (h *httpHandler) handleClientFrame(ctx context.Context, conn *transport.WebSocketConn, frame transport.ClientFrame) error {
	identity := auth.Identity{UserID: conn.UserID(), Role: conn.Role()}
	switch frame.Type {
	case transport.FrameJoin:
		if !canRead(identity, frame.Stream, frame.Group) {
			return errForbiddenGroup
		}
		if err := h.hub.Join(conn.ID(), frame.Ref()); err != nil {
			return err
		}
		return sendAck(ctx, conn, ackFrame{Ack: frame.Type, Stream: frame.Stream, Group: frame.Group})
	case transport.FrameLeave:
		if err := h.hub.Leave(conn.ID(), frame.Ref()); err != nil {
			return err
		}
		return sendAck(ctx, conn, ackFrame{Ack: frame.Type, Stream: frame.Stream, Group: frame.Group})
	case transport.FrameHeartbeat:
		current, err := h.hub.Heartbeat(ctx, conn.ID(), frame.Status)
		if err != nil {
			return err
		}
		return sendAck(ctx, conn, ackFrame{Ack: frame.Type, Status: current.Status})
	default:
		return transport.ErrUnsupportedFrame
	}
}

func sendAck(ctx context.Context, conn *transport.WebSocketConn, ack ackFrame) error {
	encoded, err := json.Marshal(ack)
	if err != nil {
		return err
	}
	return conn.Send(ctx, encoded)
}

// handleEvents streams items over server-sent events. Groups are joined up
// front with repeated join=stream/group query parameters.
func (h *httpHandler) handleEvents(c *gin.Context) {
	identity := identityFrom(c)
	refs, err := h.parseJoins(identity, c.QueryArray("join"))
	if err != nil {
		status := http.StatusBadRequest
		code := "invalid_join"
		if errors.Is(err, errForbiddenGroup) {
			status, code = http.StatusForbidden, "forbidden"
		}
		c.JSON(status, gin.H{"error": code})
		return
	}

	conn, err := transport.NewSSEConn(identity, h.transport.Buffer)
	if err != nil {
		h.respondError(c, err)
		return
	}
	ctx := c.Request.Context()
	if err := h.hub.Attach(ctx, conn, deviceOf(c)); err != nil {
		if errors.Is(err, registry.ErrDuplicateConnection) {
			c.JSON(http.StatusConflict, gin.H{"error": "duplicate_connection"})
			return
		}
		h.respondError(c, err)
		return
	}
	defer func() {
		h.hub.Detach(context.WithoutCancel(ctx), conn.ID())
		_ = conn.Close()
	}()
	for _, ref := range refs {
		if err := h.hub.Join(conn.ID(), ref); err != nil {
			h.respondError(c, err)
			return
		}
	}

	interval := h.transport.HeartbeatInterval
	if interval <= 0 {
		interval = defaultSSEHeartbeat
	}
	heartbeat := time.NewTicker(interval)
	defer heartbeat.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent(realtimeEventReady, gin.H{"connectionId": conn.ID()})
	c.Writer.Flush()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-conn.Done():
			return false
		case frame := <-conn.Outbound():
			c.SSEvent(realtimeEventItem, string(frame))
			return true
		case now := <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"timestamp": now.UTC().Format(time.RFC3339Nano)})
			return true
		}
	})
}

func (h *httpHandler) parseJoins(identity auth.Identity, raw []string) ([]streams.GroupRef, error) {
	refs := make([]streams.GroupRef, 0, len(raw))
	for _, value := range raw {
		streamName, group, ok := strings.Cut(value, "/")
		if !ok || strings.TrimSpace(group) == "" {
			return nil, streams.ErrInvalidKey
		}
		stream, err := h.hub.Catalog().ParseName(streamName)
		if err != nil {
			return nil, err
		}
		if !canRead(identity, stream, group) {
			return nil, errForbiddenGroup
		}
		refs = append(refs, streams.GroupRef{Stream: stream, Group: group})
	}
	return refs, nil
}

func deviceOf(c *gin.Context) string {
	if device := strings.TrimSpace(c.Query("device")); device != "" {
		return device
	}
	return strings.TrimSpace(c.GetHeader(deviceHeader))
}
