package transport

import (
	"sync"

	"github.com/raylab/dfb/service"
)

// hub is the shared rendezvous state every rank in an in-process
// cluster holds a pointer to, mirroring the way the teacher's
// PeerManager is the single shared registration point every Peer's
// read/write loop ultimately reports through.
type hub struct {
	size int

	bcast   *roundState
	gather  *roundState
	gatherv *roundState
	barrier *roundState
	reduce  *reduceState
}

// roundState implements one round of an all-ranks-participate
// collective: every rank deposits its contribution, the last arrival
// computes the shared result, and every caller (including the last
// arrival) wakes up with the same result.
type roundState struct {
	mu       sync.Mutex
	cond     *sync.Cond
	gen      int
	arrived  int
	contribs [][]byte
	root     int
	result   [][]byte
}

func newRoundState(size int) *roundState {
	rs := &roundState{contribs: make([][]byte, size)}
	rs.cond = sync.NewCond(&rs.mu)
	return rs
}

// enter deposits this rank's contribution and blocks until every rank
// in the cluster has called enter for the current round, then returns
// the full per-rank contribution slice (valid for all callers).
func (rs *roundState) enter(rank, size int, root int, data []byte) [][]byte {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	myGen := rs.gen
	rs.contribs[rank] = data
	rs.root = root
	rs.arrived++

	if rs.arrived == size {
		out := make([][]byte, size)
		copy(out, rs.contribs)
		rs.result = out
		rs.contribs = make([][]byte, size)
		rs.arrived = 0
		rs.gen++
		rs.cond.Broadcast()
		return out
	}

	for rs.gen == myGen {
		rs.cond.Wait()
	}
	return rs.result
}

// reduceState is the float64 analogue of roundState for ReduceMinMax.
type reduceState struct {
	mu       sync.Mutex
	cond     *sync.Cond
	gen      int
	arrived  int
	values   []float64
	result   float64
}

func newReduceState(size int) *reduceState {
	rd := &reduceState{values: make([]float64, size)}
	rd.cond = sync.NewCond(&rd.mu)
	return rd
}

func (rd *reduceState) enter(rank, size int, v float64, op ReduceOp) float64 {
	rd.mu.Lock()
	defer rd.mu.Unlock()

	myGen := rd.gen
	rd.values[rank] = v
	rd.arrived++

	if rd.arrived == size {
		acc := rd.values[0]
		for _, x := range rd.values[1:] {
			if op == ReduceMax && x > acc {
				acc = x
			}
			if op == ReduceMin && x < acc {
				acc = x
			}
		}
		rd.result = acc
		rd.values = make([]float64, size)
		rd.arrived = 0
		rd.gen++
		rd.cond.Broadcast()
		return acc
	}

	for rd.gen == myGen {
		rd.cond.Wait()
	}
	return rd.result
}

// InProcess is a Transport implementation wiring every rank's
// goroutine together with one buffered inbox channel per rank, shared
// by every sender, mirroring the teacher's per-peer sendCh/readLoop
// split closely enough to exercise the same backpressure and
// delivery-order behavior without a real socket. Collectives meet in
// the shared hub instead of going through the inboxes.
type InProcess struct {
	rank  int
	size  int
	hub   *hub
	peers []*InProcess

	inbox   chan rawMsg
	mu      sync.Mutex
	handler func(src int, payload []byte)
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

type rawMsg struct {
	src     int
	payload []byte
}

// NewCluster builds size ranks wired to the same shared hub, ready for
// Start.
func NewCluster(size int) []*InProcess {
	h := &hub{
		size:    size,
		bcast:   newRoundState(size),
		gather:  newRoundState(size),
		gatherv: newRoundState(size),
		barrier: newRoundState(size),
		reduce:  newReduceState(size),
	}
	ranks := make([]*InProcess, size)
	for r := 0; r < size; r++ {
		ranks[r] = &InProcess{
			rank:   r,
			size:   size,
			hub:    h,
			inbox:  make(chan rawMsg, 256),
			stopCh: make(chan struct{}),
		}
	}
	for _, r := range ranks {
		r.peers = ranks
	}
	return ranks
}

var (
	_ Transport       = (*InProcess)(nil)
	_ service.Service = (*InProcess)(nil)
)

func (t *InProcess) Rank() int { return t.rank }
func (t *InProcess) Size() int { return t.size }

// Name implements service.Service.
func (t *InProcess) Name() string { return "transport.inprocess" }

// Dependencies implements service.Service.
func (t *InProcess) Dependencies() []string { return nil }

// Init implements service.Service; the in-process transport is fully
// configured at construction (NewCluster), so Init takes no args.
func (t *InProcess) Init(_ ...any) error { return nil }

// Start implements service.Service, launching the receiver goroutine
// that drains inbox and invokes the installed handler, matching
// network.Peer.readLoop's shape.
func (t *InProcess) Start() error {
	t.wg.Add(1)
	go t.receiveLoop()
	return nil
}

func (t *InProcess) receiveLoop() {
	defer t.wg.Done()
	for {
		select {
		case <-t.stopCh:
			return
		case m := <-t.inbox:
			t.mu.Lock()
			h := t.handler
			t.mu.Unlock()
			if h != nil {
				h(m.src, m.payload)
			}
		}
	}
}

// Stop implements service.Service, halting the receiver goroutine.
// A second sequential call is a no-op.
func (t *InProcess) Stop() error {
	select {
	case <-t.stopCh:
		return nil
	default:
	}
	close(t.stopCh)
	t.wg.Wait()
	return nil
}

func (t *InProcess) SetReceiveHandler(handler func(src int, payload []byte)) {
	t.mu.Lock()
	t.handler = handler
	t.mu.Unlock()
}

// Send delivers payload directly into dst's inbox channel.
func (t *InProcess) Send(dst int, payload []byte) error {
	target := t.peers[dst]
	target.inbox <- rawMsg{src: t.rank, payload: payload}
	return nil
}

func (t *InProcess) Bcast(root int, data []byte) []byte {
	all := t.hub.bcast.enter(t.rank, t.size, root, data)
	return all[root]
}

func (t *InProcess) Gather(root int, data []byte) [][]byte {
	return t.gatherCommon(t.hub.gather, root, data)
}

func (t *InProcess) Gatherv(root int, data []byte) [][]byte {
	return t.gatherCommon(t.hub.gatherv, root, data)
}

func (t *InProcess) gatherCommon(rs *roundState, root int, data []byte) [][]byte {
	all := rs.enter(t.rank, t.size, root, data)
	if t.rank != root {
		return nil
	}
	return all
}

func (t *InProcess) Barrier() {
	t.hub.barrier.enter(t.rank, t.size, 0, nil)
}

func (t *InProcess) ReduceMinMax(root int, v float64, op ReduceOp) float64 {
	return t.hub.reduce.enter(t.rank, t.size, v, op)
}
