package transport

import (
	"bufio"
	"net"
	"sync"

	"github.com/pkg/errors"

	"github.com/raylab/dfb/service"
)

// peerLink is one full-duplex connection to another rank, shaped like
// the teacher's network.Peer: a buffered reader/writer pair plus a
// send queue drained by its own writer goroutine.
type peerLink struct {
	rank   int
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	sendCh chan *frame

	closeCh   chan struct{}
	closeOnce sync.Once
}

func newPeerLink(rank int, conn net.Conn) *peerLink {
	return &peerLink{
		rank:    rank,
		conn:    conn,
		reader:  bufio.NewReaderSize(conn, 64*1024),
		writer:  bufio.NewWriterSize(conn, 64*1024),
		sendCh:  make(chan *frame, 256),
		closeCh: make(chan struct{}),
	}
}

func (p *peerLink) close() {
	p.closeOnce.Do(func() {
		close(p.closeCh)
		p.conn.Close()
	})
}

func (p *peerLink) writeLoop() {
	defer p.close()
	for {
		select {
		case <-p.closeCh:
			return
		case f := <-p.sendCh:
			if err := f.encode(p.writer); err != nil {
				return
			}
			if err := p.writer.Flush(); err != nil {
				return
			}
		}
	}
}

func (p *peerLink) readLoop(onFrame func(f *frame)) {
	defer p.close()
	for {
		f, err := decodeFrame(p.reader)
		if err != nil {
			return
		}
		onFrame(f)
	}
}

// waitKey identifies one round of one collective kind.
type waitKey struct {
	kind  frameKind
	round int32
}

// TCP is a Transport implementation where ranks are separate
// processes connected by a full mesh of TCP connections, following
// the teacher's network/transport.go + network/connection.go pattern:
// a listener accepting inbound links and outbound dials to every
// lower-numbered rank, each link running its own read/write goroutine
// pair.
type TCP struct {
	rank  int
	size  int
	addrs []string

	listener net.Listener

	mu    sync.RWMutex
	links map[int]*peerLink

	handlerMu sync.Mutex
	handler   func(src int, payload []byte)

	roundMu    sync.Mutex
	nextRound  map[frameKind]int32
	waiters    map[waitKey]chan []byte
	aggregator map[waitKey]map[int][]byte

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewTCP constructs a TCP transport for rank `rank` out of `addrs`
// (one "host:port" per rank; addrs[rank] is this process's own listen
// address).
func NewTCP(rank int, addrs []string) *TCP {
	return &TCP{
		rank:       rank,
		size:       len(addrs),
		addrs:      addrs,
		links:      make(map[int]*peerLink),
		nextRound:  make(map[frameKind]int32),
		waiters:    make(map[waitKey]chan []byte),
		aggregator: make(map[waitKey]map[int][]byte),
		stopCh:     make(chan struct{}),
	}
}

// Start binds this rank's listener, accepts inbound links from higher
// ranks, and dials out to every rank whose index is lower than ours,
// so every pair of ranks ends up connected exactly once.
func (t *TCP) Start() error {
	ln, err := net.Listen("tcp", t.addrs[t.rank])
	if err != nil {
		return errors.Wrapf(err, "transport: rank %d listen on %s", t.rank, t.addrs[t.rank])
	}
	t.listener = ln

	t.wg.Add(1)
	go t.acceptLoop()

	for r := 0; r < t.rank; r++ {
		conn, err := net.Dial("tcp", t.addrs[r])
		if err != nil {
			return errors.Wrapf(err, "transport: rank %d dial rank %d", t.rank, r)
		}
		var hdr [4]byte
		hdr[0] = byte(t.rank >> 24)
		hdr[1] = byte(t.rank >> 16)
		hdr[2] = byte(t.rank >> 8)
		hdr[3] = byte(t.rank)
		if _, err := conn.Write(hdr[:]); err != nil {
			conn.Close()
			return errors.Wrapf(err, "transport: rank %d announce to rank %d", t.rank, r)
		}
		t.addLink(r, conn)
	}
	return nil
}

func (t *TCP) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.stopCh:
				return
			default:
				continue
			}
		}
		var hdr [4]byte
		if _, err := conn.Read(hdr[:]); err != nil {
			conn.Close()
			continue
		}
		remoteRank := int(hdr[0])<<24 | int(hdr[1])<<16 | int(hdr[2])<<8 | int(hdr[3])
		t.addLink(remoteRank, conn)
	}
}

func (t *TCP) addLink(rank int, conn net.Conn) {
	link := newPeerLink(rank, conn)
	t.mu.Lock()
	t.links[rank] = link
	t.mu.Unlock()
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		link.readLoop(t.onFrame)
	}()
	go link.writeLoop()
}

// Stop closes every link and the listener. A second sequential call is
// a no-op.
func (t *TCP) Stop() error {
	select {
	case <-t.stopCh:
		return nil
	default:
	}
	close(t.stopCh)
	if t.listener != nil {
		t.listener.Close()
	}
	t.mu.Lock()
	for _, l := range t.links {
		l.close()
	}
	t.mu.Unlock()
	t.wg.Wait()
	return nil
}

var (
	_ Transport       = (*TCP)(nil)
	_ service.Service = (*TCP)(nil)
)

func (t *TCP) Rank() int { return t.rank }
func (t *TCP) Size() int { return t.size }

// Name implements service.Service.
func (t *TCP) Name() string { return "transport.tcp" }

// Dependencies implements service.Service.
func (t *TCP) Dependencies() []string { return nil }

// Init implements service.Service; TCP is fully configured at
// construction (NewTCP), so Init takes no args.
func (t *TCP) Init(_ ...any) error { return nil }

func (t *TCP) SetReceiveHandler(handler func(src int, payload []byte)) {
	t.handlerMu.Lock()
	t.handler = handler
	t.handlerMu.Unlock()
}

func (t *TCP) Send(dst int, payload []byte) error {
	if dst == t.rank {
		t.dispatchData(t.rank, payload)
		return nil
	}
	t.mu.RLock()
	link, ok := t.links[dst]
	t.mu.RUnlock()
	if !ok {
		return errors.Errorf("transport: no link to rank %d", dst)
	}
	link.sendCh <- &frame{kind: frameData, src: int32(t.rank), payload: payload}
	return nil
}

func (t *TCP) dispatchData(src int, payload []byte) {
	t.handlerMu.Lock()
	h := t.handler
	t.handlerMu.Unlock()
	if h != nil {
		h(src, payload)
	}
}

// onFrame is the shared frame dispatcher for every link's readLoop.
func (t *TCP) onFrame(f *frame) {
	if isReply(f.kind) {
		t.deliverReply(baseOf(f.kind), f.round, f.payload)
		return
	}
	if f.kind == frameData {
		t.dispatchData(int(f.src), f.payload)
		return
	}
	if f.kind == frameReduce {
		t.accumulateReduce(f.round, f.root, int(f.src), f.payload)
		return
	}
	t.accumulate(f.kind, f.round, f.root, int(f.src), f.payload)
}

// nextRoundFor returns this rank's next round index for a collective
// kind and advances the counter. Every rank calls each collective the
// same number of times in the same order (spec.md's deterministic
// per-frame collective sequence), so the Nth call of a given kind
// denotes the same logical round across all ranks without further
// coordination.
func (t *TCP) nextRoundFor(kind frameKind) int32 {
	t.roundMu.Lock()
	defer t.roundMu.Unlock()
	r := t.nextRound[kind]
	t.nextRound[kind]++
	return r
}

func (t *TCP) registerWaiter(kind frameKind, round int32) chan []byte {
	ch := make(chan []byte, 1)
	t.roundMu.Lock()
	t.waiters[waitKey{kind, round}] = ch
	t.roundMu.Unlock()
	return ch
}

func (t *TCP) deliverReply(kind frameKind, round int32, payload []byte) {
	key := waitKey{kind, round}
	t.roundMu.Lock()
	ch, ok := t.waiters[key]
	if ok {
		delete(t.waiters, key)
	}
	t.roundMu.Unlock()
	if ok {
		ch <- payload
	}
}

// accumulate folds one rank's submission for a collective round into
// the designated root's aggregator, invoking the round's completion
// once every rank has contributed.
func (t *TCP) accumulate(kind frameKind, round, root int32, src int, payload []byte) {
	t.roundMu.Lock()
	key := waitKey{kind, round}
	bucket := t.aggregator[key]
	if bucket == nil {
		bucket = make(map[int][]byte)
		t.aggregator[key] = bucket
	}
	bucket[src] = payload
	ready := len(bucket) == t.size
	if ready {
		delete(t.aggregator, key)
	}
	t.roundMu.Unlock()
	if ready {
		t.completeRound(kind, round, root, bucket)
	}
}

// completeRound runs once, on the rank acting as root for a round,
// fanning the aggregate result back out as reply frames.
func (t *TCP) completeRound(kind frameKind, round, root int32, contribs map[int][]byte) {
	replies := buildReplies(kind, int(root), contribs)
	for r, payload := range replies {
		if r == t.rank {
			t.deliverReply(kind, round, payload)
			continue
		}
		t.mu.RLock()
		link := t.links[r]
		t.mu.RUnlock()
		if link != nil {
			link.sendCh <- &frame{kind: replyOf(kind), root: root, round: round, payload: payload}
		}
	}
}

// buildReplies computes, per collective kind, what each rank should
// receive back: the broadcast value for Bcast, the concatenated
// per-rank data for Gather/Gatherv (every rank gets the same
// length-prefixed bundle; only the root-side caller interprets it —
// non-root callers of Gather/Gatherv discard it per the Transport
// contract), and an empty payload for Barrier.
func buildReplies(kind frameKind, root int, contribs map[int][]byte) map[int][]byte {
	out := make(map[int][]byte, len(contribs))
	switch kind {
	case frameBcast:
		val := contribs[root]
		for r := range contribs {
			out[r] = val
		}
	case frameGather, frameGatherv:
		parts := make([][]byte, len(contribs))
		for r, p := range contribs {
			parts[r] = p
		}
		bundle := encodeParts(parts)
		for r := range contribs {
			out[r] = bundle
		}
	case frameBarrier:
		for r := range contribs {
			out[r] = nil
		}
	}
	return out
}

func (t *TCP) sendSubmission(kind frameKind, root, round int32, payload []byte) {
	if int(root) == t.rank {
		t.accumulate(kind, round, root, t.rank, payload)
		return
	}
	t.mu.RLock()
	link := t.links[int(root)]
	t.mu.RUnlock()
	if link != nil {
		link.sendCh <- &frame{kind: kind, src: int32(t.rank), root: root, round: round, payload: payload}
	}
}

func (t *TCP) runCollective(kind frameKind, root int, payload []byte) []byte {
	round := t.nextRoundFor(kind)
	ch := t.registerWaiter(kind, round)
	t.sendSubmission(kind, int32(root), round, payload)
	return <-ch
}

func (t *TCP) Bcast(root int, data []byte) []byte {
	return t.runCollective(frameBcast, root, data)
}

func (t *TCP) Gather(root int, data []byte) [][]byte {
	return t.gatherCommon(root, frameGather, data)
}

func (t *TCP) Gatherv(root int, data []byte) [][]byte {
	return t.gatherCommon(root, frameGatherv, data)
}

func (t *TCP) gatherCommon(root int, kind frameKind, data []byte) [][]byte {
	bundle := t.runCollective(kind, root, data)
	if t.rank != root {
		return nil
	}
	return decodeParts(bundle)
}

func (t *TCP) Barrier() {
	// Barrier has no meaningful "data" or asymmetric root; every rank
	// coordinates through rank 0.
	t.runCollective(frameBarrier, 0, nil)
}

// ReduceMinMax folds one float64 per rank to root using op. The
// operator is carried in the wire payload (not passed out-of-band) so
// that whichever submission happens to complete the round's bucket —
// root's own or a remote one — can fold correctly regardless of
// arrival order.
func (t *TCP) ReduceMinMax(root int, v float64, op ReduceOp) float64 {
	payload := encodeReducePayload(v, op)
	round := t.nextRoundFor(frameReduce)
	ch := t.registerWaiter(frameReduce, round)

	if root == t.rank {
		t.accumulateReduce(round, int32(root), t.rank, payload)
	} else {
		t.mu.RLock()
		link := t.links[root]
		t.mu.RUnlock()
		if link != nil {
			link.sendCh <- &frame{kind: frameReduce, src: int32(t.rank), root: int32(root), round: round, payload: payload}
		}
	}
	result := <-ch
	return getF64(result)
}

func encodeReducePayload(v float64, op ReduceOp) []byte {
	out := make([]byte, 9)
	putF64(out, v)
	out[8] = byte(op)
	return out
}

// accumulateReduce folds one rank's (value, op) submission into the
// root-side bucket for a reduce round, fanning the computed min/max
// back out once every rank has contributed.
func (t *TCP) accumulateReduce(round int32, root int32, src int, payload []byte) {
	t.roundMu.Lock()
	key := waitKey{frameReduce, round}
	bucket := t.aggregator[key]
	if bucket == nil {
		bucket = make(map[int][]byte)
		t.aggregator[key] = bucket
	}
	bucket[src] = payload
	ready := len(bucket) == t.size
	if ready {
		delete(t.aggregator, key)
	}
	t.roundMu.Unlock()

	if !ready {
		return
	}

	var acc float64
	first := true
	op := ReduceMin
	for _, p := range bucket {
		x := getF64(p)
		op = ReduceOp(p[8])
		if first {
			acc = x
			first = false
			continue
		}
		if op == ReduceMax && x > acc {
			acc = x
		}
		if op == ReduceMin && x < acc {
			acc = x
		}
	}
	out := make([]byte, 8)
	putF64(out, acc)
	for r := range bucket {
		if r == t.rank {
			t.deliverReply(frameReduce, round, out)
			continue
		}
		t.mu.RLock()
		link := t.links[r]
		t.mu.RUnlock()
		if link != nil {
			link.sendCh <- &frame{kind: replyOf(frameReduce), root: root, round: round, payload: out}
		}
	}
}
