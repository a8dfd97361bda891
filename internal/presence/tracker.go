// Package presence derives user online state from connection lifecycle.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/pulse/backend/internal/registry"
	"github.com/MarcoPoloResearchLab/pulse/backend/internal/store"
	"github.com/MarcoPoloResearchLab/pulse/backend/internal/streams"
	"go.uber.org/zap"
)

const userLockShards = 32

var (
	// ErrUnknownUser indicates that no presence has ever been recorded for the user.
	ErrUnknownUser = errors.New("presence: unknown user")
	// ErrInvalidStatus indicates a heartbeat status other than online or away.
	ErrInvalidStatus = errors.New("presence: invalid status")
)

// Publisher writes presence items through the event pipeline.
type Publisher interface {
	Publish(ctx context.Context, event streams.Event) (streams.Item, error)
	Patch(ctx context.Context, key streams.Key, fields map[string]any) (streams.Item, error)
	Get(ctx context.Context, key streams.Key) (streams.Item, error)
	Snapshot(ctx context.Context, stream streams.Name, group string, since time.Time) ([]streams.Item, error)
}

// Connections is the part of the registry the tracker drives.
type Connections interface {
	Register(conn registry.Connection) error
	Unregister(connID string) (registry.Connection, int, bool)
	Lookup(connID string) (registry.Connection, bool)
	Count(userID string) int
}

// Config describes the dependencies of a Tracker.
type Config struct {
	Publisher   Publisher
	Connections Connections
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Tracker publishes online on a user's first connection and offline once
// their last connection closes. Transitions of one user are serialized.
type Tracker struct {
	publisher   Publisher
	connections Connections
	clock       func() time.Time
	logger      *zap.Logger
	locks       [userLockShards]sync.Mutex
}

// NewTracker constructs a Tracker.
func NewTracker(cfg Config) (*Tracker, error) {
	if cfg.Publisher == nil || cfg.Connections == nil {
		return nil, errors.New("presence: publisher and connections are required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		publisher:   cfg.Publisher,
		connections: cfg.Connections,
		clock:       clock,
		logger:      logger,
	}, nil
}

// OnConnect registers the connection and marks its user online.
func (t *Tracker) OnConnect(ctx context.Context, conn registry.Connection, device string) error {
	unlock := t.lockUser(conn.UserID())
	defer unlock()

	if err := t.connections.Register(conn); err != nil {
		return err
	}
	_, err := t.publish(ctx, streams.Presence{
		UserID: conn.UserID(),
		Role:   conn.Role(),
		Status: streams.PresenceOnline,
		Device: device,
	})
	if err != nil {
		t.connections.Unregister(conn.ID())
		return err
	}
	return nil
}

// OnDisconnect unregisters the connection and marks its user offline when no
// other connection of the user remains. Unknown ids are ignored.
func (t *Tracker) OnDisconnect(ctx context.Context, connID string) error {
	conn, ok := t.connections.Lookup(connID)
	if !ok {
		return nil
	}
	unlock := t.lockUser(conn.UserID())
	defer unlock()

	removed, remaining, ok := t.connections.Unregister(connID)
	if !ok {
		return nil
	}
	if remaining > 0 {
		return nil
	}
	_, err := t.publish(ctx, streams.Presence{
		UserID: removed.UserID(),
		Role:   removed.Role(),
		Status: streams.PresenceOffline,
	})
	return err
}

// OnHeartbeat refreshes lastSeen and sets the status to online or away.
func (t *Tracker) OnHeartbeat(ctx context.Context, userID, status string) (streams.Presence, error) {
	if status == "" {
		status = streams.PresenceOnline
	}
	if status != streams.PresenceOnline && status != streams.PresenceAway {
		return streams.Presence{}, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	unlock := t.lockUser(userID)
	defer unlock()

	if t.connections.Count(userID) == 0 {
		return streams.Presence{}, ErrUnknownUser
	}
	item, err := t.publisher.Patch(ctx, presenceKey(userID), map[string]any{
		"status":   status,
		"lastSeen": t.clock().UTC(),
	})
	if err != nil {
		return streams.Presence{}, err
	}
	return decode(item)
}

// Status returns the last recorded presence of the user.
func (t *Tracker) Status(ctx context.Context, userID string) (streams.Presence, error) {
	item, err := t.publisher.Get(ctx, presenceKey(userID))
	if errors.Is(err, store.ErrNotFound) {
		return streams.Presence{}, ErrUnknownUser
	}
	if err != nil {
		return streams.Presence{}, err
	}
	return decode(item)
}

// Online lists every user whose status is not offline.
func (t *Tracker) Online(ctx context.Context) ([]streams.Presence, error) {
	items, err := t.publisher.Snapshot(ctx, streams.UserPresence, streams.PresenceGroup, time.Time{})
	if err != nil {
		return nil, err
	}
	var online []streams.Presence
	for _, item := range items {
		presence, err := decode(item)
		if err != nil {
			return nil, err
		}
		if presence.Status != streams.PresenceOffline {
			online = append(online, presence)
		}
	}
	return online, nil
}

// Reset marks every recorded user without a live connection offline. It is
// run at startup, when presence left over from a previous process is stale.
func (t *Tracker) Reset(ctx context.Context) (int, error) {
	online, err := t.Online(ctx)
	if err != nil {
		return 0, err
	}
	reset := 0
	for _, presence := range online {
		if t.connections.Count(presence.UserID) > 0 {
			continue
		}
		presence.Status = streams.PresenceOffline
		presence.Device = ""
		if _, err := t.publish(ctx, presence); err != nil {
			return reset, err
		}
		reset++
	}
	if reset > 0 {
		t.logger.Info("stale presence reset", zap.Int("count", reset))
	}
	return reset, nil
}

func (t *Tracker) publish(ctx context.Context, presence streams.Presence) (streams.Item, error) {
	payload, err := json.Marshal(presenceWire{
		UserID: presence.UserID,
		Role:   presence.Role,
		Status: presence.Status,
		Device: presence.Device,
	})
	if err != nil {
		return streams.Item{}, fmt.Errorf("presence: encode: %w", err)
	}
	item, err := t.publisher.Publish(ctx, streams.Event{
		Stream:  streams.UserPresence,
		Group:   streams.PresenceGroup,
		Key:     presence.UserID,
		Payload: payload,
	})
	if err != nil {
		t.logger.Error("presence publish failed",
			zap.String("user_id", presence.UserID),
			zap.String("status", presence.Status),
			zap.Error(err))
		return streams.Item{}, err
	}
	return item, nil
}

// presenceWire omits lastSeen so the pipeline stamps it with the receipt time.
type presenceWire struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
	Status string `json:"status"`
	Device string `json:"device,omitempty"`
}

func (t *Tracker) lockUser(userID string) func() {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(userID))
	mu := &t.locks[hasher.Sum32()%userLockShards]
	mu.Lock()
	return mu.Unlock
}

func presenceKey(userID string) streams.Key {
	return streams.Key{Stream: streams.UserPresence, Group: streams.PresenceGroup, ItemKey: userID}
}

func decode(item streams.Item) (streams.Presence, error) {
	var presence streams.Presence
	if err := json.Unmarshal(item.Payload, &presence); err != nil {
		return streams.Presence{}, fmt.Errorf("presence: decode %s: %w", item.Key, err)
	}
	return presence, nil
}
