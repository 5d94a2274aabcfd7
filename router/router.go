// Package router implements the Message Router: classification,
// pre-activation buffering, and per-tile-lane serialized dispatch of
// inbound tile messages (spec.md §4.C).
package router

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/raylab/dfb/internal/workpool"
	"github.com/raylab/dfb/log"
	"github.com/raylab/dfb/stats"
	"github.com/raylab/dfb/wire"
)

var logger = log.New("dfb.router")

// Dispatcher is the owner-side surface a Router delivers decoded
// messages to. The Frame Controller implements it.
type Dispatcher interface {
	// DispatchWorkerTile handles a WORKER_WRITE_TILE payload already
	// classified and decoded down to (src rank, origin, sender-assigned
	// instanceId, sender's frame generation, tile).
	DispatchWorkerTile(srcRank int, originX, originY, instanceID int32, frameID uint32, tile wire.TileData) error
	// DispatchCancel handles a CANCEL_RENDERING message.
	DispatchCancel()
}

// numLanes is the per-tile lane count used to serialize concurrent
// arrivals for the same tile without a per-tile lock, per spec.md §5's
// "pinning tile-id to a lane" suggestion.
const numLanes = 64

// Router is the single entry point for inbound transport messages.
// incoming() is called from the transport's receiver goroutine and
// must not block beyond enqueueing, per spec.md §5.
type Router struct {
	mu       sync.Mutex
	active   bool
	delayed  []queuedMessage
	tileSize int

	pool       *workpool.Pool
	dispatcher Dispatcher
	registry   *stats.Registry

	lanes []sync.Mutex
}

type queuedMessage struct {
	srcRank int
	payload []byte
}

// New constructs a Router bound to a work pool and dispatcher.
// tileSize is needed to decode worker tile messages (the wire format
// never carries it).
func New(pool *workpool.Pool, dispatcher Dispatcher, registry *stats.Registry, tileSize int) *Router {
	return &Router{
		tileSize:   tileSize,
		pool:       pool,
		dispatcher: dispatcher,
		registry:   registry,
		lanes:      make([]sync.Mutex, numLanes),
	}
}

// Activate opens the gate: any messages buffered in delayed are
// replayed in FIFO order, then future Incoming calls dispatch
// directly. Matches the "closeable gate" redesign adopted from
// spec.md §9's note about the delayed queue being a one-shot barrier.
func (r *Router) Activate() {
	r.mu.Lock()
	r.active = true
	drained := r.delayed
	r.delayed = nil
	r.mu.Unlock()

	for _, m := range drained {
		r.schedule(m.srcRank, m.payload)
	}
}

// Deactivate closes the gate again for the next frame's pre-activation
// window.
func (r *Router) Deactivate() {
	r.mu.Lock()
	r.active = false
	r.mu.Unlock()
}

// Incoming receives one shared message from the transport. Per
// spec.md §4.C: if the frame is not active, buffer FIFO per sender and
// return; otherwise post to the work pool.
func (r *Router) Incoming(srcRank int, payload []byte) {
	r.mu.Lock()
	if !r.active {
		r.delayed = append(r.delayed, queuedMessage{srcRank: srcRank, payload: payload})
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	r.schedule(srcRank, payload)
}

// schedule submits a decode-and-dispatch task to the work pool; the
// task (in process) holds the mutex of the lane keyed by
// tileIDFromOrigin % numLanes while dispatching, so two concurrent
// arrivals for the same tile never race on accum/variance.
func (r *Router) schedule(srcRank int, payload []byte) {
	enqueuedAt := time.Now()
	err := r.pool.Submit(func() {
		queueWait := time.Since(enqueuedAt)
		start := time.Now()
		taskErr := r.process(srcRank, payload)
		compute := time.Since(start)
		r.registry.Task("router.process").Record(queueWait, compute)
		if taskErr != nil {
			logger.Errorf("router: processing message from rank %d: %v", srcRank, taskErr)
		}
	})
	if err != nil {
		logger.Errorf("router: work pool rejected message from rank %d: %v", srcRank, err)
	}
}

// process classifies and dispatches one message's command, per the
// command dispatch table in spec.md §4.C.
func (r *Router) process(srcRank int, payload []byte) error {
	if len(payload) < 4 {
		return errors.New("router: message shorter than command header, fatal")
	}
	if wire.IsCancel(payload) {
		r.dispatcher.DispatchCancel()
		return nil
	}

	cmd := decodeCommand(payload)
	switch {
	case cmd&wire.WorkerWriteTile != 0:
		originX, originY, instanceID, frameID, tile, err := wire.DecodeWorkerTile(payload, r.tileSize)
		if err != nil {
			return errors.Wrap(err, "router: decoding WORKER_WRITE_TILE")
		}
		lane := &r.lanes[tileIDFromOrigin(originX, originY, r.tileSize)%numLanes]
		lane.Lock()
		defer lane.Unlock()
		return r.dispatcher.DispatchWorkerTile(srcRank, originX, originY, instanceID, frameID, tile)
	case cmd&(wire.MasterWriteTileI8|wire.MasterWriteTileF32) != 0:
		return errors.New("router: master-destined tile message received on the live path, protocol error")
	default:
		return errors.Errorf("router: unknown command 0x%x, fatal", cmd)
	}
}

func decodeCommand(payload []byte) uint32 {
	return uint32(payload[0]) | uint32(payload[1])<<8 | uint32(payload[2])<<16 | uint32(payload[3])<<24
}

// tileIDFromOrigin is a cheap lane key derived from a tile's pixel
// origin; it need not be the registry's real tileId, only stable and
// well distributed, since its only job is to keep one tile's tasks on
// one lane.
func tileIDFromOrigin(x, y int32, tileSize int) int {
	if tileSize <= 0 {
		tileSize = 1
	}
	return int(y)/tileSize*92821 + int(x)/tileSize
}
