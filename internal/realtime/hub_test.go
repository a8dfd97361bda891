package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/pulse/backend/internal/dispatch"
	"github.com/MarcoPoloResearchLab/pulse/backend/internal/registry"
	"github.com/MarcoPoloResearchLab/pulse/backend/internal/store"
	"github.com/MarcoPoloResearchLab/pulse/backend/internal/store/memstore"
	"github.com/MarcoPoloResearchLab/pulse/backend/internal/streams"
)

type dispatchedJob struct {
	item    streams.Item
	targets streams.Targets
}

type recordingDispatcher struct {
	mu   sync.Mutex
	jobs []dispatchedJob
}

func (d *recordingDispatcher) Dispatch(item streams.Item, targets streams.Targets) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs = append(d.jobs, dispatchedJob{item: item, targets: targets})
	return true
}

func (d *recordingDispatcher) snapshot() []dispatchedJob {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]dispatchedJob(nil), d.jobs...)
}

type failingBackend struct {
	store.Backend
}

func (failingBackend) Put(context.Context, streams.Item) error {
	return errors.New("disk full")
}

type hubFixture struct {
	hub        *Hub
	dispatcher *recordingDispatcher
	registry   *registry.Registry
}

func newHubFixture(t *testing.T, backend store.Backend) hubFixture {
	t.Helper()
	validator, err := streams.NewValidator(streams.ValidatorConfig{Catalog: streams.DefaultCatalog()})
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	streamStore, err := store.New(store.Config{Backend: backend, Revalidator: validator, RetryAttempts: 2, RetryBaseDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	dispatcher := &recordingDispatcher{}
	reg := registry.New()
	hub, err := NewHub(HubConfig{Validator: validator, Store: streamStore, Registry: reg, Dispatcher: dispatcher})
	if err != nil {
		t.Fatalf("hub: %v", err)
	}
	return hubFixture{hub: hub, dispatcher: dispatcher, registry: reg}
}

func serviceCode(t *testing.T, err error) string {
	t.Helper()
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected ServiceError, got %T: %v", err, err)
	}
	return serviceErr.Code()
}

func TestPublishOrderStatusTargetsCustomerAndPartner(t *testing.T) {
	fixture := newHubFixture(t, memstore.New())
	ctx := context.Background()

	item, err := fixture.hub.Publish(ctx, streams.Event{
		Stream:  streams.OrderStatus,
		Group:   "order-7",
		Key:     "status",
		Payload: json.RawMessage(`{"status":"preparing","customerId":"cust-1","partnerId":"partner-1","estimatedMinutes":15}`),
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := fixture.hub.Get(ctx, item.StoreKey()); err != nil {
		t.Fatalf("expected item to be stored: %v", err)
	}

	jobs := fixture.dispatcher.snapshot()
	if len(jobs) != 1 {
		t.Fatalf("expected one dispatch, got %d", len(jobs))
	}
	users := jobs[0].targets.Users
	if len(users) != 2 || users[0] != "cust-1" || users[1] != "partner-1" {
		t.Fatalf("expected customer and partner targets, got %+v", jobs[0].targets)
	}
}

func TestPublishChatTargetsRoomOrExplicitParticipants(t *testing.T) {
	fixture := newHubFixture(t, memstore.New())
	ctx := context.Background()
	payload := json.RawMessage(`{"senderId":"student-1","role":"student","kind":"text","content":"hello"}`)

	if _, err := fixture.hub.Publish(ctx, streams.Event{Stream: streams.ChatMessages, Group: "conv-1", Payload: payload}); err != nil {
		t.Fatalf("publish to room: %v", err)
	}
	if _, err := fixture.hub.Publish(ctx, streams.Event{Stream: streams.ChatMessages, Group: "conv-1", Payload: payload, Targets: []string{"partner-1"}}); err != nil {
		t.Fatalf("publish to participants: %v", err)
	}

	jobs := fixture.dispatcher.snapshot()
	if len(jobs) != 2 {
		t.Fatalf("expected two dispatches, got %d", len(jobs))
	}
	if room := jobs[0].targets.Room; room == nil || room.Group != "conv-1" || room.Stream != streams.ChatMessages {
		t.Fatalf("expected conv-1 room target, got %+v", jobs[0].targets)
	}
	users := jobs[1].targets.Users
	if len(users) != 2 || users[0] != "partner-1" || users[1] != "student-1" {
		t.Fatalf("expected explicit participants plus sender, got %+v", jobs[1].targets)
	}
}

func TestPublishRejectsInvalidEventsWithoutSideEffects(t *testing.T) {
	fixture := newHubFixture(t, memstore.New())
	ctx := context.Background()

	_, err := fixture.hub.Publish(ctx, streams.Event{Stream: "telemetry", Group: "g", Payload: json.RawMessage(`{}`)})
	if !errors.Is(err, streams.ErrUnknownStream) || serviceCode(t, err) != "realtime.publish.unknown_stream" {
		t.Fatalf("expected unknown stream, got %v", err)
	}

	_, err = fixture.hub.Publish(ctx, streams.Event{Stream: streams.ChatMessages, Group: "conv-1", Payload: json.RawMessage(`{"senderId":"s","role":"student","kind":"text"}`)})
	if !errors.Is(err, streams.ErrSchemaViolation) || serviceCode(t, err) != "realtime.publish.schema_violation" {
		t.Fatalf("expected schema violation, got %v", err)
	}

	if len(fixture.dispatcher.snapshot()) != 0 {
		t.Fatalf("rejected events must not be dispatched")
	}
	items, err := fixture.hub.Snapshot(ctx, streams.ChatMessages, "conv-1", time.Time{})
	if err != nil || len(items) != 0 {
		t.Fatalf("rejected events must not be stored, got %d err=%v", len(items), err)
	}
}

func TestPublishSurfacesStoreWriteFailure(t *testing.T) {
	fixture := newHubFixture(t, failingBackend{Backend: memstore.New()})

	_, err := fixture.hub.Publish(context.Background(), streams.Event{
		Stream:  streams.Notifications,
		Group:   "u1",
		Payload: json.RawMessage(`{"recipientRole":"student","kind":"system","title":"t","message":"m"}`),
	})
	if !errors.Is(err, store.ErrStoreWrite) {
		t.Fatalf("expected store write failure, got %v", err)
	}
	if serviceCode(t, err) != "realtime.publish.store_write_failed" {
		t.Fatalf("unexpected code %q", serviceCode(t, err))
	}
	if len(fixture.dispatcher.snapshot()) != 0 {
		t.Fatalf("failed writes must not be dispatched")
	}
}

func TestMarkReadPatchesAndRedelivers(t *testing.T) {
	fixture := newHubFixture(t, memstore.New())
	ctx := context.Background()

	item, err := fixture.hub.Publish(ctx, streams.Event{
		Stream:  streams.Notifications,
		Group:   "u1",
		Key:     "n1",
		Payload: json.RawMessage(`{"recipientRole":"student","kind":"general","title":"t","message":"m"}`),
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	read, err := fixture.hub.MarkRead(ctx, item.StoreKey())
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	var payload streams.Notification
	if err := json.Unmarshal(read.Payload, &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !payload.Read {
		t.Fatalf("expected read flag to be set")
	}
	jobs := fixture.dispatcher.snapshot()
	if len(jobs) != 2 || jobs[1].targets.Users[0] != "u1" {
		t.Fatalf("expected patched item to reach the recipient, got %+v", jobs)
	}

	_, err = fixture.hub.MarkRead(ctx, streams.Key{Stream: streams.Notifications, Group: "u1", ItemKey: "missing"})
	if !errors.Is(err, store.ErrNotFound) || serviceCode(t, err) != "realtime.mark_read.not_found" {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMarkReadRejectsStreamsWithoutReadFlag(t *testing.T) {
	fixture := newHubFixture(t, memstore.New())
	ctx := context.Background()
	item, err := fixture.hub.Publish(ctx, streams.Event{
		Stream:  streams.OrderStatus,
		Group:   "order-1",
		Payload: json.RawMessage(`{"status":"pending","customerId":"c","partnerId":"p"}`),
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := fixture.hub.MarkRead(ctx, item.StoreKey()); !errors.Is(err, streams.ErrSchemaViolation) {
		t.Fatalf("expected schema violation, got %v", err)
	}
}

type frameConnection struct {
	id     string
	userID string
	frames chan []byte
}

func newFrameConnection(id, userID string) *frameConnection {
	return &frameConnection{id: id, userID: userID, frames: make(chan []byte, 16)}
}

func (c *frameConnection) ID() string          { return c.id }
func (c *frameConnection) UserID() string      { return c.userID }
func (c *frameConnection) Role() string        { return "student" }
func (c *frameConnection) OpenedAt() time.Time { return time.Time{} }
func (c *frameConnection) Close() error        { return nil }

func (c *frameConnection) Send(ctx context.Context, frame []byte) error {
	select {
	case c.frames <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *frameConnection) next(t *testing.T, stream streams.Name) dispatch.Envelope {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case frame := <-c.frames:
			var envelope dispatch.Envelope
			if err := json.Unmarshal(frame, &envelope); err != nil {
				t.Fatalf("decode frame: %v", err)
			}
			if envelope.Stream == stream {
				return envelope
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s frame on %s", stream, c.id)
		}
	}
}

func (c *frameConnection) expectNone(t *testing.T, stream streams.Name, wait time.Duration) {
	t.Helper()
	timeout := time.After(wait)
	for {
		select {
		case frame := <-c.frames:
			var envelope dispatch.Envelope
			_ = json.Unmarshal(frame, &envelope)
			if envelope.Stream == stream {
				t.Fatalf("unexpected %s frame on %s: %s", stream, c.id, frame)
			}
		case <-timeout:
			return
		}
	}
}

func TestHubDeliversEndToEndWithRoomIsolation(t *testing.T) {
	validator, err := streams.NewValidator(streams.ValidatorConfig{Catalog: streams.DefaultCatalog()})
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	streamStore, err := store.New(store.Config{Backend: memstore.New(), Revalidator: validator})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	reg := registry.New()
	dispatcher := dispatch.New(dispatch.Config{Lookup: reg, Workers: 2})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go dispatcher.Run(ctx)

	hub, err := NewHub(HubConfig{Validator: validator, Store: streamStore, Registry: reg, Dispatcher: dispatcher})
	if err != nil {
		t.Fatalf("hub: %v", err)
	}

	alice := newFrameConnection("a1", "alice")
	bob := newFrameConnection("b1", "bob")
	for _, conn := range []*frameConnection{alice, bob} {
		if err := hub.Attach(ctx, conn, "web"); err != nil {
			t.Fatalf("attach %s: %v", conn.id, err)
		}
	}
	if err := hub.Join("a1", streams.GroupRef{Stream: streams.ChatMessages, Group: "conv-1"}); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := hub.Join("b1", streams.GroupRef{Stream: streams.ChatMessages, Group: "conv-2"}); err != nil {
		t.Fatalf("join: %v", err)
	}

	presence := bob.next(t, streams.UserPresence)
	if presence.Group != streams.PresenceGroup {
		t.Fatalf("expected presence frame in the sentinel group, got %+v", presence)
	}

	if _, err := hub.Publish(ctx, streams.Event{
		Stream:  streams.ChatMessages,
		Group:   "conv-1",
		Payload: json.RawMessage(`{"senderId":"alice","role":"student","kind":"text","content":"hi"}`),
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	envelope := alice.next(t, streams.ChatMessages)
	if envelope.Group != "conv-1" {
		t.Fatalf("expected conv-1 message, got %+v", envelope)
	}
	bob.expectNone(t, streams.ChatMessages, 100*time.Millisecond)

	hub.Detach(ctx, "a1")
	status, err := hub.Presence(ctx, "alice")
	if err != nil {
		t.Fatalf("presence: %v", err)
	}
	if status.Status != streams.PresenceOffline {
		t.Fatalf("expected alice offline after detach, got %s", status.Status)
	}
}
