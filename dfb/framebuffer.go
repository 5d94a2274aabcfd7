package dfb

import (
	"encoding/binary"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/raylab/dfb/assembler"
	"github.com/raylab/dfb/compose"
	"github.com/raylab/dfb/errorregion"
	"github.com/raylab/dfb/gather"
	"github.com/raylab/dfb/internal/workpool"
	"github.com/raylab/dfb/log"
	"github.com/raylab/dfb/router"
	"github.com/raylab/dfb/stats"
	"github.com/raylab/dfb/tile"
	"github.com/raylab/dfb/transport"
	"github.com/raylab/dfb/wire"
)

// frameState is the Frame Controller's lifecycle state, per spec.md
// §4.E's IDLE -> BEGINNING -> ACTIVE -> CLOSED -> GATHERING -> DONE ->
// IDLE cycle. BEGINNING is folded into StartNewFrame itself (nothing
// external can observe it), so the stored states are the remaining
// five.
type frameState int

const (
	stateIdle frameState = iota
	stateActive
	stateClosed
	stateGathering
	stateDone
)

// Mask selects which channels Clear zeroes.
type Mask uint32

const (
	MaskColor Mask = 1 << iota
	MaskAccum
	MaskDepth
	MaskAux
)

// Framebuffer is the Frame Controller: the root type a host renderer
// constructs once per rank and drives through repeated frame cycles.
type Framebuffer struct {
	registry   *tile.Registry
	compositor compose.Compositor

	mode            compose.Mode
	format          wire.ColorFormat
	tileSize        int
	hasDepth        bool
	hasAux          bool
	varianceEnabled bool
	accumKind       compose.AccumKind
	policy          tile.OwnershipPolicy

	tr         transport.Transport
	thisRank   int
	masterRank int
	zExpected  int

	router *router.Router
	pool   *workpool.Pool

	errRegion *errorregion.Region
	image     *assembler.Image // nil on non-master ranks, or when format is NONE

	stats  *stats.Registry
	logger log.Logger

	instances []int // master-side source for the per-frame instances[] broadcast

	frameMutex    sync.Mutex
	frameDoneCond *sync.Cond
	state         frameState

	numTilesMutex         sync.Mutex
	numCompletedThisFrame int
	expectedTileCount     int

	tileErrorsMutex   sync.Mutex
	pendingTileIDs    []int32
	pendingTileErrors []float32

	gatherBuffer     []byte
	nextGatherOffset atomic.Int64

	cancelRendering atomic.Bool
	frameID         atomic.Uint64
	arrivalSeq      atomic.Int64
}

// TileOrigin identifies one tile by id and pixel origin, the unit a
// host renderer iterates over to know what to render and where to
// call SetTile.
type TileOrigin struct {
	ID               int
	OriginX, OriginY int
}

// MyTiles lists the tiles this rank owns, for a host renderer deciding
// what to render this frame.
func (fb *Framebuffer) MyTiles() []TileOrigin {
	descs := fb.registry.MyTiles()
	out := make([]TileOrigin, len(descs))
	for i, d := range descs {
		out[i] = TileOrigin{ID: d.ID, OriginX: d.OriginX, OriginY: d.OriginY}
	}
	return out
}

// Clear zeroes the channels selected by mask. Must not be called while
// a frame is active (spec.md §6).
func (fb *Framebuffer) Clear(mask Mask) error {
	fb.frameMutex.Lock()
	active := fb.state == stateActive
	fb.frameMutex.Unlock()
	if active {
		return errors.New("dfb: Clear called while a frame is active")
	}

	if mask&MaskAccum != 0 {
		fb.registry.ResetAccumIDs()
		fb.errRegion.Reset()
	}
	if fb.image != nil {
		fb.image.Clear(mask&MaskColor != 0, mask&MaskDepth != 0 && fb.hasDepth, mask&MaskAux != 0 && fb.hasAux)
	}
	fb.logger.Debugf("clear mask=0x%x", uint32(mask))
	return nil
}

// SetTileInstances overrides the per-tile contribution counts the
// master broadcasts at the next StartNewFrame. Only meaningful on the
// master rank; counts must be indexed by tile id and cover every tile.
func (fb *Framebuffer) SetTileInstances(counts []int) error {
	if len(counts) != fb.registry.TotalTiles() {
		return errors.Errorf("dfb: SetTileInstances length %d != total tiles %d", len(counts), fb.registry.TotalTiles())
	}
	fb.instances = append([]int(nil), counts...)
	return nil
}

// BeginFrame clears the cancellation flag ahead of a new StartNewFrame,
// the BEGINNING step of the frame lifecycle.
func (fb *Framebuffer) BeginFrame() {
	fb.cancelRendering.Store(false)
	fb.logger.Debug("begin frame")
}

// SetTile submits one contribution for the tile containing
// (originX, originY). Local contributions (this rank owns the tile)
// loop back through the router; remote contributions are sent
// point-to-point to the owner.
func (fb *Framebuffer) SetTile(originX, originY, instanceID int32, data wire.TileData) error {
	desc, err := fb.registry.DescriptorForCoords(int(originX), int(originY))
	if err != nil {
		return errors.Wrap(err, "dfb: SetTile resolving owner")
	}

	payload := wire.EncodeWorkerTile(originX, originY, instanceID, uint32(fb.frameID.Load()), data)
	if desc.OwnerRank == fb.thisRank {
		fb.router.Incoming(fb.thisRank, payload)
		return nil
	}
	if err := fb.tr.Send(desc.OwnerRank, payload); err != nil {
		return errors.Wrapf(err, "dfb: sending tile contribution to rank %d", desc.OwnerRank)
	}
	return nil
}

// StartNewFrame transitions IDLE -> ACTIVE: resets per-frame counters,
// broadcasts instances[], syncs the error region, arms every owned
// tile's compositor state, pre-counts already-converged tiles, and
// opens the router's gate. If every owned tile is already complete
// (including the zero-owned-tiles case), the frame closes immediately.
func (fb *Framebuffer) StartNewFrame(errorThreshold float32) error {
	fb.frameMutex.Lock()
	if fb.state == stateActive {
		fb.frameMutex.Unlock()
		return errors.New("dfb: StartNewFrame called while a frame is already active")
	}
	fb.frameMutex.Unlock()

	fb.stats.Reset()
	fb.nextGatherOffset.Store(0)
	fb.arrivalSeq.Store(0)

	fb.numTilesMutex.Lock()
	fb.numCompletedThisFrame = 0
	fb.numTilesMutex.Unlock()

	fb.tileErrorsMutex.Lock()
	fb.pendingTileIDs = fb.pendingTileIDs[:0]
	fb.pendingTileErrors = fb.pendingTileErrors[:0]
	fb.tileErrorsMutex.Unlock()

	myTiles := fb.registry.MyTiles()
	if fb.format != wire.FormatNone {
		tileBytes := wire.WireTileBytes(fb.format, fb.tileSize, fb.hasDepth, fb.hasAux)
		fb.gatherBuffer = make([]byte, len(myTiles)*tileBytes)
	}

	if err := fb.syncInstances(); err != nil {
		return err
	}
	fb.errRegion.Sync(fb.tr, fb.masterRank)

	for _, d := range myTiles {
		fb.compositor.NewFrame(d.ID)
		switch c := fb.compositor.(type) {
		case *compose.WriteMultiple:
			c.SetExpected(d.ID, fb.registry.Instances(d.ID))
		case *compose.AlphaBlend:
			c.SetExpected(d.ID, fb.registry.Instances(d.ID))
		}
	}

	completedNow := 0
	if errorThreshold > 0 {
		for _, d := range myTiles {
			if fb.errRegion.At(d.ID) <= errorThreshold {
				completedNow++
			}
		}
	}

	fb.frameMutex.Lock()
	fb.numTilesMutex.Lock()
	fb.expectedTileCount = len(myTiles)
	fb.numCompletedThisFrame = completedNow
	expected := fb.expectedTileCount
	fb.numTilesMutex.Unlock()
	fb.state = stateActive
	fb.frameMutex.Unlock()

	fb.router.Activate()
	fb.logger.Infof("frame %d active: expected=%d pre-converged=%d", fb.frameID.Load(), expected, completedNow)

	if expected == 0 || completedNow >= expected {
		fb.closeCurrentFrame()
	}
	return nil
}

// syncInstances broadcasts the master's instances[] source (defaulting
// to all-ones when unset) and installs the result into the registry on
// every rank.
func (fb *Framebuffer) syncInstances() error {
	total := fb.registry.TotalTiles()
	var sendBuf []byte
	if fb.thisRank == fb.masterRank {
		src := fb.instances
		if len(src) != total {
			src = make([]int, total)
			for i := range src {
				src[i] = 1
			}
		}
		sendBuf = make([]byte, 4*total)
		for i, v := range src {
			binary.LittleEndian.PutUint32(sendBuf[i*4:], uint32(v))
		}
	}

	result := fb.tr.Bcast(fb.masterRank, sendBuf)
	if len(result) != 4*total {
		return errors.Errorf("dfb: instances[] broadcast size mismatch: got %d want %d", len(result), 4*total)
	}
	counts := make([]int, total)
	for i := range counts {
		counts[i] = int(binary.LittleEndian.Uint32(result[i*4:]))
	}
	return fb.registry.SetInstances(counts)
}

// closeCurrentFrame transitions ACTIVE -> CLOSED and wakes any
// WaitUntilFinished caller.
func (fb *Framebuffer) closeCurrentFrame() {
	fb.frameMutex.Lock()
	fb.state = stateClosed
	fb.frameMutex.Unlock()
	fb.frameDoneCond.Broadcast()
}

// WaitUntilFinished blocks until every owned tile has completed this
// frame (CLOSED), then runs the Final Gather (CLOSED -> GATHERING ->
// DONE), applying gathered tiles to the master image or error region.
func (fb *Framebuffer) WaitUntilFinished() error {
	fb.frameMutex.Lock()
	for fb.state != stateClosed {
		fb.frameDoneCond.Wait()
	}
	fb.state = stateGathering
	fb.frameMutex.Unlock()

	start := time.Now()
	err := fb.runGather()
	gatherDuration := time.Since(start)
	// every rank learns the slowest gather this frame, so a struggling
	// rank's Final Gather cost surfaces in every rank's own telemetry
	// instead of staying local to whichever rank was slow.
	worst := fb.tr.ReduceMinMax(fb.masterRank, gatherDuration.Seconds(), transport.ReduceMax)
	fb.stats.Task("gather.duration").Record(0, time.Duration(worst*float64(time.Second)))
	if err != nil {
		return err
	}

	fb.frameMutex.Lock()
	fb.state = stateDone
	fb.frameMutex.Unlock()
	return nil
}

func (fb *Framebuffer) runGather() error {
	switch {
	case fb.format == wire.FormatNone && !fb.varianceEnabled:
		gather.Degenerate(fb.tr)
		return nil

	case fb.format == wire.FormatNone:
		fb.tileErrorsMutex.Lock()
		ids := append([]int32(nil), fb.pendingTileIDs...)
		errs := append([]float32(nil), fb.pendingTileErrors...)
		fb.tileErrorsMutex.Unlock()

		res, err := gather.GatherErrors(fb.tr, fb.masterRank, ids, errs)
		if err != nil {
			return errors.Wrap(err, "dfb: gathering errors")
		}
		if fb.thisRank == fb.masterRank {
			for i, id := range res.TileIDs {
				fb.errRegion.Update(int(id), res.Errors[i])
			}
		}
		return nil

	default:
		buf := fb.gatherBuffer[:fb.nextGatherOffset.Load()]
		res, err := gather.GatherColor(fb.tr, fb.masterRank, buf)
		if err != nil {
			return errors.Wrap(err, "dfb: gathering tiles")
		}
		if fb.thisRank != fb.masterRank {
			return nil
		}
		for i, start := range res.ProcessOffsets {
			end := len(res.Flat)
			if i+1 < len(res.ProcessOffsets) {
				end = res.ProcessOffsets[i+1]
			}
			err := gather.DecodeMasterTilesInto(res.Flat[start:end], fb.format, fb.tileSize, func(mt wire.MasterTile) {
				if fb.image != nil {
					if applyErr := fb.image.ApplyTile(mt); applyErr != nil {
						fb.logger.Errorf("dfb: applying gathered tile at (%d,%d): %v", mt.OriginX, mt.OriginY, applyErr)
						return
					}
				}
				if desc, descErr := fb.registry.DescriptorForCoords(int(mt.OriginX), int(mt.OriginY)); descErr == nil {
					fb.errRegion.Update(desc.ID, mt.Error)
				}
			})
			if err != nil {
				return errors.Wrapf(err, "dfb: decoding rank %d's gathered block", i)
			}
		}
		return nil
	}
}

// EndFrame transitions DONE -> IDLE: bumps every tile's accumulation
// counter, advances the frame generation counter, and returns the
// refined image-level error (master only; non-master ranks get +Inf,
// since only the master holds the authoritative error region).
func (fb *Framebuffer) EndFrame(errorThreshold float32) (float32, error) {
	fb.frameMutex.Lock()
	if fb.state != stateDone {
		fb.frameMutex.Unlock()
		return 0, errors.New("dfb: EndFrame called before WaitUntilFinished completed")
	}
	fb.frameMutex.Unlock()

	fb.router.Deactivate()

	total := fb.registry.TotalTiles()
	for i := 0; i < total; i++ {
		fb.registry.BumpAccumID(i)
	}
	fb.frameID.Add(1)

	fb.frameMutex.Lock()
	fb.state = stateIdle
	fb.frameMutex.Unlock()

	if fb.thisRank == fb.masterRank {
		return fb.errRegion.Refine(errorThreshold), nil
	}
	return float32(math.Inf(1)), nil
}

// Map returns a read-only view of one channel of the master image.
// Only valid on the master rank, and only outside an active frame.
func (fb *Framebuffer) Map(ch assembler.Channel) ([]byte, error) {
	if fb.image == nil {
		return nil, errors.New("dfb: Map called on a rank with no master image")
	}
	return fb.image.Map(ch)
}

// Unmap releases a mapping taken by Map.
func (fb *Framebuffer) Unmap() {
	if fb.image != nil {
		fb.image.Unmap()
	}
}

// SetFrameMode rebuilds the tile registry and compositor for a new
// compositing mode. A no-op if mode already matches. Must not be
// called while a frame is active.
func (fb *Framebuffer) SetFrameMode(mode compose.Mode) error {
	fb.frameMutex.Lock()
	active := fb.state == stateActive
	current := fb.mode
	fb.frameMutex.Unlock()
	if active {
		return errors.New("dfb: SetFrameMode called while a frame is active")
	}
	if mode == current {
		return nil
	}

	registry, err := tile.New(fb.registry.ImageSize(), fb.tileSize, fb.policy, fb.thisRank)
	if err != nil {
		return errors.Wrap(err, "dfb: rebuilding tile registry")
	}
	compositor, err := compose.New(mode, fb.tileSize, fb.format, fb.varianceEnabled, fb.accumKind, fb.hasDepth, fb.hasAux, fb)
	if err != nil {
		return errors.Wrap(err, "dfb: rebuilding compositor")
	}
	numTilesX, numTilesY := registry.NumTilesXY()

	fb.registry = registry
	fb.compositor = compositor
	fb.mode = mode
	fb.errRegion = errorregion.New(numTilesX, numTilesY)
	return nil
}

// TileError reports a tile's currently stored error.
func (fb *Framebuffer) TileError(tileID int) float32 {
	return fb.errRegion.At(tileID)
}

// AccumID reports a tile's current accumulation-pass counter.
func (fb *Framebuffer) AccumID(tileID int) int64 {
	return fb.registry.AccumID(tileID)
}

// ReportTimings writes the router/gather telemetry accumulated since
// the last StartNewFrame.
func (fb *Framebuffer) ReportTimings(w io.Writer) {
	fb.stats.Report(w)
}

// FrameID returns the current frame generation counter.
func (fb *Framebuffer) FrameID() uint64 {
	return fb.frameID.Load()
}

// Cancel fans a cancellation out to every other rank point-to-point
// (never via Bcast, since cancellation can race a frame's own
// collectives) and sets the local flag immediately.
func (fb *Framebuffer) Cancel() error {
	payload := wire.EncodeCancel()
	for r := 0; r < fb.tr.Size(); r++ {
		if r == fb.thisRank {
			continue
		}
		if err := fb.tr.Send(r, payload); err != nil {
			return errors.Wrapf(err, "dfb: sending cancellation to rank %d", r)
		}
	}
	fb.cancelRendering.Store(true)
	return nil
}

// Cancelled reports whether this rank has observed a cancellation this
// frame. A host renderer's worker loop polls this to cut a render pass
// short cooperatively.
func (fb *Framebuffer) Cancelled() bool {
	return fb.cancelRendering.Load()
}
