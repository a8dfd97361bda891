// Package realtime connects producers, the stream store and live connections.
package realtime

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/pulse/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/pulse/backend/internal/registry"
	"github.com/MarcoPoloResearchLab/pulse/backend/internal/store"
	"github.com/MarcoPoloResearchLab/pulse/backend/internal/streams"
	"go.uber.org/zap"
)

var noOpLogger = zap.NewNop()

// Dispatcher queues items for delivery.
type Dispatcher interface {
	Dispatch(item streams.Item, targets streams.Targets) bool
}

// HubConfig describes the dependencies of a Hub.
type HubConfig struct {
	Validator  *streams.Validator
	Store      *store.Store
	Registry   *registry.Registry
	Dispatcher Dispatcher
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Hub runs every write through validate, store, resolve and dispatch, and
// owns the lifecycle of live connections.
type Hub struct {
	validator  *streams.Validator
	resolver   *streams.Resolver
	store      *store.Store
	registry   *registry.Registry
	dispatcher Dispatcher
	presence   *presence.Tracker
	logger     *zap.Logger
}

type targetsContextKey struct{}

// NewHub constructs a Hub and registers it as the store's change hook.
func NewHub(cfg HubConfig) (*Hub, error) {
	switch {
	case cfg.Validator == nil:
		return nil, newServiceError(opHubNew, "missing_validator", errMissingValidator)
	case cfg.Store == nil:
		return nil, newServiceError(opHubNew, "missing_store", errMissingStore)
	case cfg.Registry == nil:
		return nil, newServiceError(opHubNew, "missing_registry", errMissingRegistry)
	case cfg.Dispatcher == nil:
		return nil, newServiceError(opHubNew, "missing_dispatcher", errMissingDispatcher)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	hub := &Hub{
		validator:  cfg.Validator,
		resolver:   streams.NewResolver(cfg.Validator.Catalog()),
		store:      cfg.Store,
		registry:   cfg.Registry,
		dispatcher: cfg.Dispatcher,
		logger:     logger,
	}
	tracker, err := presence.NewTracker(presence.Config{
		Publisher:   hub,
		Connections: cfg.Registry,
		Clock:       cfg.Clock,
		Logger:      logger,
	})
	if err != nil {
		return nil, newServiceError(opHubNew, "presence_init_failed", err)
	}
	hub.presence = tracker
	cfg.Store.OnChange(hub.onChange)
	return hub, nil
}

// Catalog returns the streams the hub accepts.
func (h *Hub) Catalog() *streams.Catalog {
	return h.validator.Catalog()
}

// Publish validates the event, resolves its recipients, stores it and queues
// delivery. It returns once the item is durably stored; delivery happens
// asynchronously and its failures are not reported to the caller.
func (h *Hub) Publish(ctx context.Context, event streams.Event) (streams.Item, error) {
	item, err := h.validator.Validate(event)
	if err != nil {
		reason := "validation_failed"
		switch {
		case errors.Is(err, streams.ErrUnknownStream):
			reason = "unknown_stream"
		case errors.Is(err, streams.ErrSchemaViolation):
			reason = "schema_violation"
		}
		return streams.Item{}, newServiceError(opPublish, reason, err)
	}

	targets, err := h.resolver.Resolve(item, event.Targets)
	if err != nil {
		h.logError(opPublish, "malformed_target", err, itemFields(item)...)
		return streams.Item{}, newServiceError(opPublish, "malformed_target", err)
	}

	stored, err := h.store.Set(context.WithValue(ctx, targetsContextKey{}, targets), item)
	if err != nil {
		reason := "store_write_failed"
		if errors.Is(err, streams.ErrInvalidKey) {
			reason = "invalid_key"
		}
		return streams.Item{}, newServiceError(opPublish, reason, err)
	}
	return stored, nil
}

// Patch merges fields into a stored item and delivers the result.
func (h *Hub) Patch(ctx context.Context, key streams.Key, fields map[string]any) (streams.Item, error) {
	return h.patch(ctx, opPatch, key, fields)
}

// MarkRead sets read=true on a stored item and delivers the result.
func (h *Hub) MarkRead(ctx context.Context, key streams.Key) (streams.Item, error) {
	return h.patch(ctx, opMarkRead, key, map[string]any{"read": true})
}

func (h *Hub) patch(ctx context.Context, operation string, key streams.Key, fields map[string]any) (streams.Item, error) {
	if _, err := h.validator.Catalog().Lookup(key.Stream); err != nil {
		return streams.Item{}, newServiceError(operation, "unknown_stream", err)
	}
	item, err := h.store.Patch(ctx, key, fields)
	if err != nil {
		reason := "store_write_failed"
		switch {
		case errors.Is(err, store.ErrNotFound):
			reason = "not_found"
		case errors.Is(err, streams.ErrSchemaViolation):
			reason = "schema_violation"
		case errors.Is(err, streams.ErrInvalidKey):
			reason = "invalid_key"
		}
		return streams.Item{}, newServiceError(operation, reason, err)
	}
	return item, nil
}

// Get returns one stored item.
func (h *Hub) Get(ctx context.Context, key streams.Key) (streams.Item, error) {
	return h.store.Get(ctx, key)
}

// Snapshot returns the items of a group updated after since, oldest first.
func (h *Hub) Snapshot(ctx context.Context, stream streams.Name, group string, since time.Time) ([]streams.Item, error) {
	return h.store.Snapshot(ctx, stream, group, since)
}

// Attach registers a live connection and marks its user online.
func (h *Hub) Attach(ctx context.Context, conn registry.Connection, device string) error {
	if err := h.presence.OnConnect(ctx, conn, device); err != nil {
		h.logError(opAttach, "presence_failed", err, zap.String("connection_id", conn.ID()), zap.String("user_id", conn.UserID()))
		if errors.Is(err, registry.ErrDuplicateConnection) {
			return newServiceError(opAttach, "duplicate_connection", err)
		}
		return newServiceError(opAttach, "presence_failed", err)
	}
	return nil
}

// Detach unregisters a connection. The user goes offline with their last connection.
func (h *Hub) Detach(ctx context.Context, connID string) {
	if err := h.presence.OnDisconnect(ctx, connID); err != nil {
		h.logError(opDetach, "presence_failed", err, zap.String("connection_id", connID))
	}
}

// Join subscribes a connection to the live updates of one group.
func (h *Hub) Join(connID string, ref streams.GroupRef) error {
	if _, err := h.validator.Catalog().Lookup(ref.Stream); err != nil {
		return newServiceError(opJoin, "unknown_stream", err)
	}
	if ref.Group == "" {
		return newServiceError(opJoin, "missing_group", streams.ErrInvalidKey)
	}
	if err := h.registry.Join(connID, ref); err != nil {
		return newServiceError(opJoin, "unknown_connection", err)
	}
	return nil
}

// Leave unsubscribes a connection from a group.
func (h *Hub) Leave(connID string, ref streams.GroupRef) error {
	return h.registry.Leave(connID, ref)
}

// Heartbeat refreshes the presence of the connection's user.
func (h *Hub) Heartbeat(ctx context.Context, connID, status string) (streams.Presence, error) {
	conn, ok := h.registry.Lookup(connID)
	if !ok {
		return streams.Presence{}, newServiceError(opHeartbeat, "unknown_connection", registry.ErrUnknownConnection)
	}
	current, err := h.presence.OnHeartbeat(ctx, conn.UserID(), status)
	if err != nil {
		return streams.Presence{}, newServiceError(opHeartbeat, "presence_failed", err)
	}
	return current, nil
}

// Presence returns the last recorded presence of a user.
func (h *Hub) Presence(ctx context.Context, userID string) (streams.Presence, error) {
	return h.presence.Status(ctx, userID)
}

// Online lists the users currently online or away.
func (h *Hub) Online(ctx context.Context) ([]streams.Presence, error) {
	return h.presence.Online(ctx)
}

// ResetPresence marks users left online by a previous process offline.
func (h *Hub) ResetPresence(ctx context.Context) (int, error) {
	return h.presence.Reset(ctx)
}

// onChange runs under the store's per-key lock, so it only queues.
func (h *Hub) onChange(ctx context.Context, item streams.Item) {
	targets, ok := ctx.Value(targetsContextKey{}).(streams.Targets)
	if !ok {
		var err error
		targets, err = h.resolver.Resolve(item, nil)
		if err != nil {
			h.logError(opDeliver, "malformed_target", err, itemFields(item)...)
			return
		}
	}
	h.dispatcher.Dispatch(item, targets)
}

func (h *Hub) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	h.logger.Error("realtime hub error", attrs...)
}

func itemFields(item streams.Item) []zap.Field {
	return []zap.Field{
		zap.String("stream", item.Stream.String()),
		zap.String("group", item.Group),
		zap.String("item_key", item.Key),
	}
}
