// Package compose implements the per-owned-tile compositing state
// machines: WriteMultiple, AlphaBlend, and ZComposite. Each is a
// concrete, non-hierarchical struct dispatched through a Mode enum
// rather than an interface hierarchy, since there are exactly three
// fixed variants and they share no behavior worth abstracting beyond
// the Compositor contract itself.
package compose

import (
	"math"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/raylab/dfb/wire"
)

// Mode selects which compositing algorithm owns a tile.
type Mode int

const (
	WriteMultipleMode Mode = iota
	AlphaBlendMode
	ZCompositeMode
)

// AccumKind distinguishes the two WriteMultiple accumulation kernels
// recovered from the original implementation.
type AccumKind int

const (
	AccumAdd     AccumKind = iota // running sum, used as is at finalize
	AccumAverage                  // running sum, divided by the contribution count at finalize
)

// Result is what a Compositor reports to its owner on tile completion.
type Result struct {
	TileID  int
	Color   []byte
	Depth   []float32 // present iff the owner enabled the depth channel
	Normals []float32 // present iff the owner enabled aux channels
	Albedo  []float32
	Error   float32
}

// Completer is notified when a tile finishes accumulating this frame.
// The Frame Controller implements it.
type Completer interface {
	OnTileComplete(res Result)
}

// Compositor is the shared contract of the three tile state machines.
type Compositor interface {
	// NewFrame resets per-frame accumulation state for one tile.
	NewFrame(tileID int)
	// Process integrates one contribution. instanceID is the sender-assigned
	// instance label (WriteMultiple uses it to recognize instance N-1 of N
	// expected, whatever order it arrives in; ZComposite receives the
	// source rank in this slot); z and arrivalSeq feed AlphaBlend's
	// sort. Process may call through to the owner's Completer.
	Process(tileID int, instanceID int, contribution wire.TileData, z float32, arrivalSeq int) error
}

// Format is the negotiated output representation for finalized tiles.
type Format = wire.ColorFormat

// state is the per-tile bookkeeping shared by all three variants;
// embedding keeps the mode-specific structs small while avoiding an
// interface hierarchy.
type state struct {
	mu sync.Mutex

	accum           []wire.TileSample // running accumulator, one sample per pixel
	variance        []wire.TileSample // second accumulator, only used if varianceEnabled
	count           int               // contributions integrated so far this frame
	expected        int               // contributions needed to complete
	lastColorSample []wire.TileSample // WriteMultiple only: raw samples of the arrival tagged instanceID == expected-1
	pending         []pendingContribution
}

type pendingContribution struct {
	data       wire.TileData
	z          float32
	arrivalSeq int
}

func newState(n int) *state {
	return &state{
		accum: make([]wire.TileSample, n),
	}
}

// finalizeCommon runs the shared completion plumbing described in
// spec.md §4.B's "Common completion flow": format-specific finalize,
// gather-buffer packing is left to the caller (owner). hasDepth/hasAux
// select which auxiliary channels are extracted from samples into the
// Result alongside the packed color payload.
func finalizeCommon(samples []wire.TileSample, fmtColor Format, varianceEnabled bool, variance []wire.TileSample, hasDepth, hasAux bool) Result {
	res := Result{
		Color: finalizeColor(samples, fmtColor),
		Error: float32(math.Inf(1)),
	}
	if varianceEnabled && variance != nil {
		res.Error = estimateError(samples, variance)
	}
	if hasDepth {
		res.Depth = make([]float32, len(samples))
		for i, s := range samples {
			res.Depth[i] = s.Z
		}
	}
	if hasAux {
		res.Normals = make([]float32, len(samples)*3)
		res.Albedo = make([]float32, len(samples)*3)
		for i, s := range samples {
			res.Normals[i*3+0] = s.Nx
			res.Normals[i*3+1] = s.Ny
			res.Normals[i*3+2] = s.Nz
			res.Albedo[i*3+0] = s.AlbedoR
			res.Albedo[i*3+1] = s.AlbedoG
			res.Albedo[i*3+2] = s.AlbedoB
		}
	}
	return res
}

// estimateError derives a scalar error from the ratio of accumulated
// variance to signal magnitude, averaged over the tile — a standard
// stand-in for a Monte-Carlo noise estimator.
func estimateError(samples, variance []wire.TileSample) float32 {
	var sum float64
	for i, s := range samples {
		v := variance[i]
		mag := math.Abs(float64(s.R)) + math.Abs(float64(s.G)) + math.Abs(float64(s.B))
		if mag < 1e-6 {
			mag = 1e-6
		}
		sum += (math.Abs(float64(v.R)) + math.Abs(float64(v.G)) + math.Abs(float64(v.B))) / mag
	}
	if len(samples) == 0 {
		return 0
	}
	return float32(sum / float64(len(samples)))
}

// finalizeColor is the scalar stand-in for the SIMD write-out kernel
// the surrounding system treats as an external collaborator; it exists
// here only so completion produces a concrete Color payload to gather.
func finalizeColor(samples []wire.TileSample, fmtColor Format) []byte {
	switch fmtColor {
	case wire.FormatI8:
		out := make([]byte, len(samples)*4)
		for i, s := range samples {
			out[i*4+0] = clamp8(s.R)
			out[i*4+1] = clamp8(s.G)
			out[i*4+2] = clamp8(s.B)
			out[i*4+3] = clamp8(s.A)
		}
		return out
	case wire.FormatF32:
		out := make([]byte, len(samples)*16)
		for i, s := range samples {
			putF32Slice(out[i*16:], s.R, s.G, s.B, s.A)
		}
		return out
	default:
		return nil
	}
}

func clamp8(v float32) byte {
	if v <= 0 {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return byte(v*255.0 + 0.5)
}

func putF32Slice(dst []byte, vals ...float32) {
	for i, v := range vals {
		bits := math.Float32bits(v)
		dst[i*4+0] = byte(bits)
		dst[i*4+1] = byte(bits >> 8)
		dst[i*4+2] = byte(bits >> 16)
		dst[i*4+3] = byte(bits >> 24)
	}
}

var errUnknownMode = errors.New("compose: unknown mode")

// New constructs a Compositor for the given mode. hasDepth/hasAux mirror
// the frame's negotiated HAS_DEPTH/HAS_AUX modifier bits and select which
// auxiliary channels each Result carries on completion.
func New(mode Mode, tileSize int, fmtColor Format, varianceEnabled bool, accumKind AccumKind, hasDepth, hasAux bool, completer Completer) (Compositor, error) {
	n := tileSize * tileSize
	switch mode {
	case WriteMultipleMode:
		return &WriteMultiple{
			tileSize:        tileSize,
			format:          fmtColor,
			varianceEnabled: varianceEnabled,
			accumKind:       accumKind,
			hasDepth:        hasDepth,
			hasAux:          hasAux,
			completer:       completer,
			tiles:           make(map[int]*state),
			n:               n,
		}, nil
	case AlphaBlendMode:
		return &AlphaBlend{
			tileSize:        tileSize,
			format:          fmtColor,
			varianceEnabled: varianceEnabled,
			hasDepth:        hasDepth,
			hasAux:          hasAux,
			completer:       completer,
			tiles:           make(map[int]*state),
			n:               n,
		}, nil
	case ZCompositeMode:
		return &ZComposite{
			tileSize:  tileSize,
			format:    fmtColor,
			hasDepth:  hasDepth,
			hasAux:    hasAux,
			completer: completer,
			tiles:     make(map[int]*zstate),
			n:         n,
		}, nil
	default:
		return nil, errUnknownMode
	}
}

// ---- WriteMultiple ----

// WriteMultiple completes a tile once its N-th expected contribution
// (per the instances[] broadcast) has arrived; the color of the
// contribution tagged with the last instance id (expected-1) wins
// whatever order it arrives in, and everything is folded into
// accum/variance along the way.
type WriteMultiple struct {
	tileSize        int
	format          Format
	varianceEnabled bool
	accumKind       AccumKind
	hasDepth        bool
	hasAux          bool
	completer       Completer

	mu    sync.Mutex
	tiles map[int]*state
	n     int
}

func (w *WriteMultiple) NewFrame(tileID int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tiles[tileID] = newState(w.n)
}

// SetExpected installs the instances[] count for a tile before any
// contribution for the frame arrives.
func (w *WriteMultiple) SetExpected(tileID, expected int) {
	w.mu.Lock()
	st := w.tiles[tileID]
	w.mu.Unlock()
	if st == nil {
		return
	}
	st.mu.Lock()
	st.expected = expected
	st.mu.Unlock()
}

func (w *WriteMultiple) Process(tileID int, instanceID int, contribution wire.TileData, _ float32, _ int) error {
	w.mu.Lock()
	st := w.tiles[tileID]
	w.mu.Unlock()
	if st == nil {
		return errors.Errorf("compose: WriteMultiple.Process on unarmed tile %d", tileID)
	}

	st.mu.Lock()
	for i := range st.accum {
		acc := &st.accum[i]
		c := contribution.Samples[i]
		acc.R += c.R
		acc.G += c.G
		acc.B += c.B
		acc.A += c.A
		acc.Z += c.Z
		if w.varianceEnabled {
			if st.variance == nil {
				st.variance = make([]wire.TileSample, w.n)
			}
			v := &st.variance[i]
			v.R += c.R * c.R
			v.G += c.G * c.G
			v.B += c.B * c.B
		}
	}
	// "Last contribution wins" for the output color: remember the raw
	// samples of the contribution tagged instanceID == expected-1,
	// independent of arrival order and of the running accum used for
	// the error estimate.
	isLast := instanceID == st.expected-1 || st.expected == 0
	if isLast {
		st.lastColorSample = contribution.Samples
	}
	st.count++
	finished := st.count >= st.expected && st.expected > 0

	samplesForColor := st.lastColorSample
	count := st.count
	variance := st.variance
	accumKind := w.accumKind
	st.mu.Unlock()

	if !finished {
		return nil
	}

	normalized := samplesForColor
	if normalized == nil {
		// No arrival was tagged as last (e.g. expected count reached by
		// sheer volume); fall back to the normalized running accumulator.
		st.mu.Lock()
		normalized = normalizeAccum(st.accum, count, accumKind)
		st.mu.Unlock()
	}

	res := finalizeCommon(normalized, w.format, w.varianceEnabled, variance, w.hasDepth, w.hasAux)
	res.TileID = tileID
	w.completer.OnTileComplete(res)
	return nil
}

func normalizeAccum(accum []wire.TileSample, count int, kind AccumKind) []wire.TileSample {
	if kind != AccumAverage || count <= 1 {
		return accum
	}
	out := make([]wire.TileSample, len(accum))
	inv := 1.0 / float32(count)
	for i, a := range accum {
		out[i] = wire.TileSample{
			R: a.R * inv, G: a.G * inv, B: a.B * inv, A: a.A * inv, Z: a.Z * inv,
		}
	}
	return out
}

// ---- AlphaBlend ----

// AlphaBlend enqueues every arrival and, once the expected contribution
// count is reached, sorts by ascending Z (nearest first) and composites
// front-to-back with the under operator.
type AlphaBlend struct {
	tileSize        int
	format          Format
	varianceEnabled bool
	hasDepth        bool
	hasAux          bool
	completer       Completer

	mu       sync.Mutex
	tiles    map[int]*state
	expected map[int]int
	n        int
}

func (a *AlphaBlend) NewFrame(tileID int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tiles[tileID] = newState(a.n)
}

// SetExpected installs the number of contributions a tile needs before
// compositing runs.
func (a *AlphaBlend) SetExpected(tileID, expected int) {
	a.mu.Lock()
	st := a.tiles[tileID]
	a.mu.Unlock()
	if st == nil {
		return
	}
	st.mu.Lock()
	st.expected = expected
	st.mu.Unlock()
}

func (a *AlphaBlend) Process(tileID int, _ int, contribution wire.TileData, z float32, arrivalSeq int) error {
	a.mu.Lock()
	st := a.tiles[tileID]
	a.mu.Unlock()
	if st == nil {
		return errors.Errorf("compose: AlphaBlend.Process on unarmed tile %d", tileID)
	}

	st.mu.Lock()
	st.pending = append(st.pending, pendingContribution{data: contribution, z: z, arrivalSeq: arrivalSeq})
	st.count++
	finished := st.expected > 0 && st.count >= st.expected
	var pending []pendingContribution
	if finished {
		pending = st.pending
	}
	st.mu.Unlock()

	if !finished {
		return nil
	}

	sort.SliceStable(pending, func(i, j int) bool {
		if pending[i].z != pending[j].z {
			return pending[i].z < pending[j].z
		}
		return pending[i].arrivalSeq < pending[j].arrivalSeq
	})

	// pending is sorted nearest-to-farthest (ascending Z, matching the
	// "smaller z is nearer" convention ZComposite uses below); compositing
	// front-to-back with the under operator lets the first (nearest)
	// opaque contribution occlude everything behind it, instead of the
	// over operator's back-to-front assumption which this sort order
	// would invert.
	n := a.n
	out := make([]wire.TileSample, n)
	for i := range out {
		out[i].Z = pending[0].z // nearest contribution's z is the visible surface
	}
	for _, p := range pending {
		for i := 0; i < n; i++ {
			src := p.data.Samples[i]
			dst := out[i]
			remain := 1 - dst.A
			weight := remain * src.A
			out[i].R = dst.R + weight*src.R
			out[i].G = dst.G + weight*src.G
			out[i].B = dst.B + weight*src.B
			out[i].A = dst.A + weight
			if a.hasAux {
				out[i].Nx = dst.Nx + weight*src.Nx
				out[i].Ny = dst.Ny + weight*src.Ny
				out[i].Nz = dst.Nz + weight*src.Nz
				out[i].AlbedoR = dst.AlbedoR + weight*src.AlbedoR
				out[i].AlbedoG = dst.AlbedoG + weight*src.AlbedoG
				out[i].AlbedoB = dst.AlbedoB + weight*src.AlbedoB
			}
		}
	}

	res := finalizeCommon(out, a.format, a.varianceEnabled, nil, a.hasDepth, a.hasAux)
	res.TileID = tileID
	a.completer.OnTileComplete(res)
	return nil
}

// ---- ZComposite ----

type zstate struct {
	mu        sync.Mutex
	pixels    []wire.TileSample
	seenFrom  map[int]bool
	completed bool
}

// ZComposite completes once a contribution has been seen from every
// contributing rank, keeping the nearest-Z sample per pixel.
type ZComposite struct {
	tileSize  int
	format    Format
	hasDepth  bool
	hasAux    bool
	completer Completer

	mu    sync.Mutex
	tiles map[int]*zstate
	n     int
}

func (z *ZComposite) NewFrame(tileID int) {
	z.mu.Lock()
	defer z.mu.Unlock()
	pixels := make([]wire.TileSample, z.n)
	for i := range pixels {
		pixels[i].Z = float32(math.Inf(1))
	}
	z.tiles[tileID] = &zstate{pixels: pixels, seenFrom: make(map[int]bool)}
}

func (z *ZComposite) Process(tileID int, srcRank int, contribution wire.TileData, _ float32, _ int) error {
	z.mu.Lock()
	st := z.tiles[tileID]
	z.mu.Unlock()
	if st == nil {
		return errors.Errorf("compose: ZComposite.Process on unarmed tile %d", tileID)
	}

	st.mu.Lock()
	for i := range st.pixels {
		c := contribution.Samples[i]
		if c.Z < st.pixels[i].Z {
			st.pixels[i] = c
		}
	}
	st.seenFrom[srcRank] = true
	st.mu.Unlock()

	// completion is driven externally via Complete, once the owner knows
	// the expected contributor count for this tile.
	return nil
}

// Complete is invoked by the owner once it has determined every
// contributing rank has been heard from for this tile (expected count
// is frame/ownership-derived, not something ZComposite itself tracks).
// Idempotent per frame: a duplicate contribution from an already-seen
// rank leaves SeenCount unchanged but still >= the expected count, and
// the caller may call Complete again as a result, so the first call
// wins and every later one is a no-op.
func (z *ZComposite) Complete(tileID int) {
	z.mu.Lock()
	st := z.tiles[tileID]
	z.mu.Unlock()
	if st == nil {
		return
	}
	st.mu.Lock()
	if st.completed {
		st.mu.Unlock()
		return
	}
	st.completed = true
	pixels := st.pixels
	st.mu.Unlock()

	res := finalizeCommon(pixels, z.format, false, nil, z.hasDepth, z.hasAux)
	res.TileID = tileID
	z.completer.OnTileComplete(res)
}

// SeenCount reports how many distinct ranks have contributed to a tile
// this frame, used by the owner to decide when to call Complete.
func (z *ZComposite) SeenCount(tileID int) int {
	z.mu.Lock()
	st := z.tiles[tileID]
	z.mu.Unlock()
	if st == nil {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.seenFrom)
}
