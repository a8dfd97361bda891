// Package dispatch fans stored items out to live connections.
package dispatch

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/pulse/backend/internal/registry"
	"github.com/MarcoPoloResearchLab/pulse/backend/internal/streams"
	"go.uber.org/zap"
)

const (
	defaultWorkers     = 4
	defaultQueueSize   = 1024
	defaultSendTimeout = 2 * time.Second
)

// Lookup resolves targets to connections.
type Lookup interface {
	ConnectionsOf(userID string) []registry.Connection
	AllConnections() []registry.Connection
	RoomMembers(ref streams.GroupRef) []registry.Connection
}

// Config describes the dependencies of a Dispatcher.
type Config struct {
	Lookup      Lookup
	Workers     int
	QueueSize   int
	SendTimeout time.Duration
	Logger      *zap.Logger
}

// Envelope is the frame sent to clients for every stored item.
type Envelope struct {
	Stream streams.Name `json:"stream"`
	Group  string       `json:"group"`
	Item   streams.Item `json:"item"`
}

// Stats counts dispatcher outcomes since start.
type Stats struct {
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
	Queued    int    `json:"queued"`
}

type job struct {
	item    streams.Item
	targets streams.Targets
}

// Dispatcher delivers items to their targets on a pool of workers. Each
// worker owns a lane and every item key maps to one lane, so updates to the
// same key reach a connection in the order they were dispatched.
// Delivery is best effort: failures are logged and counted, never retried.
type Dispatcher struct {
	lookup      Lookup
	sendTimeout time.Duration
	logger      *zap.Logger
	lanes       []chan job

	delivered atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// New constructs a Dispatcher. Zero values fall back to defaults.
func New(cfg Config) *Dispatcher {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	sendTimeout := cfg.SendTimeout
	if sendTimeout <= 0 {
		sendTimeout = defaultSendTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	laneSize := max((queueSize+workers-1)/workers, 1)
	lanes := make([]chan job, workers)
	for index := range lanes {
		lanes[index] = make(chan job, laneSize)
	}
	return &Dispatcher{
		lookup:      cfg.Lookup,
		sendTimeout: sendTimeout,
		logger:      logger,
		lanes:       lanes,
	}
}

// Dispatch queues the item on its key's lane and returns immediately. It
// reports false when the lane is full and the item was dropped.
func (d *Dispatcher) Dispatch(item streams.Item, targets streams.Targets) bool {
	select {
	case d.laneOf(item.StoreKey()) <- job{item: item, targets: targets}:
		return true
	default:
		d.dropped.Add(1)
		d.logger.Warn("dispatch queue full, dropping item",
			zap.String("stream", item.Stream.String()),
			zap.String("group", item.Group),
			zap.String("item_key", item.Key))
		return false
	}
}

// Run starts the workers and blocks until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, lane := range d.lanes {
		wg.Add(1)
		go func(lane <-chan job) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case next := <-lane:
					d.Deliver(ctx, next.item, next.targets)
				}
			}
		}(lane)
	}
	wg.Wait()
}

func (d *Dispatcher) laneOf(key streams.Key) chan job {
	if len(d.lanes) == 1 {
		return d.lanes[0]
	}
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(key.Stream))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(key.Group))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(key.ItemKey))
	return d.lanes[hasher.Sum32()%uint32(len(d.lanes))]
}

// Deliver sends the item to every target connection in parallel and waits
// for all sends to finish or time out.
func (d *Dispatcher) Deliver(ctx context.Context, item streams.Item, targets streams.Targets) {
	connections := d.resolve(targets)
	if len(connections) == 0 {
		return
	}
	frame, err := json.Marshal(Envelope{Stream: item.Stream, Group: item.Group, Item: item})
	if err != nil {
		d.logger.Error("failed to encode envelope", zap.String("stream", item.Stream.String()), zap.Error(err))
		return
	}

	var wg sync.WaitGroup
	for _, conn := range connections {
		wg.Add(1)
		go func(conn registry.Connection) {
			defer wg.Done()
			sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
			defer cancel()
			if err := conn.Send(sendCtx, frame); err != nil {
				d.failed.Add(1)
				d.logger.Warn("delivery failure",
					zap.String("connection_id", conn.ID()),
					zap.String("user_id", conn.UserID()),
					zap.String("stream", item.Stream.String()),
					zap.String("group", item.Group),
					zap.String("item_key", item.Key),
					zap.Error(err))
				return
			}
			d.delivered.Add(1)
		}(conn)
	}
	wg.Wait()
}

// Stats returns the current counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Delivered: d.delivered.Load(),
		Failed:    d.failed.Load(),
		Dropped:   d.dropped.Load(),
		Queued:    d.queued(),
	}
}

func (d *Dispatcher) queued() int {
	total := 0
	for _, lane := range d.lanes {
		total += len(lane)
	}
	return total
}

func (d *Dispatcher) resolve(targets streams.Targets) []registry.Connection {
	if d.lookup == nil {
		return nil
	}
	if targets.All {
		return d.lookup.AllConnections()
	}
	seen := make(map[string]struct{})
	var connections []registry.Connection
	add := func(candidates []registry.Connection) {
		for _, conn := range candidates {
			if _, dup := seen[conn.ID()]; dup {
				continue
			}
			seen[conn.ID()] = struct{}{}
			connections = append(connections, conn)
		}
	}
	for _, userID := range targets.Users {
		add(d.lookup.ConnectionsOf(userID))
	}
	if targets.Room != nil {
		add(d.lookup.RoomMembers(*targets.Room))
	}
	return connections
}
