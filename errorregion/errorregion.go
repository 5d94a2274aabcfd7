// Package errorregion implements the two-level hierarchical per-tile
// error structure used for adaptive refinement and convergence
// control: a fine grid of per-tile error and a coarser overlay grid
// that averages children.
package errorregion

import (
	"math"
	"sync"

	"github.com/raylab/dfb/transport"
)

// overlayFactor is the child-to-parent ratio of the coarse overlay
// grid over the fine tile-error grid.
const overlayFactor = 4

// Region is the hierarchical error structure for one image's tile
// grid. Safe for concurrent Update/At calls; Refine and Sync assume a
// single coordinator goroutine, matching the rest of the frame
// lifecycle's blocking points.
type Region struct {
	mu        sync.RWMutex
	numTilesX int
	numTilesY int
	fine      []float32 // per-tile error, +inf means unknown
	overlayX  int
	overlayY  int
	coarse    []float32 // per-overlay-cell error, average of children
	converged []bool    // per-overlay-cell: already below threshold
}

// New constructs a Region over a numTilesX x numTilesY tile grid, with
// every tile initialized to +inf (unknown / not converged).
func New(numTilesX, numTilesY int) *Region {
	overlayX := ceilDiv(numTilesX, overlayFactor)
	overlayY := ceilDiv(numTilesY, overlayFactor)
	r := &Region{
		numTilesX: numTilesX,
		numTilesY: numTilesY,
		fine:      make([]float32, numTilesX*numTilesY),
		overlayX:  overlayX,
		overlayY:  overlayY,
		coarse:    make([]float32, overlayX*overlayY),
		converged: make([]bool, overlayX*overlayY),
	}
	for i := range r.fine {
		r.fine[i] = float32(math.Inf(1))
	}
	for i := range r.coarse {
		r.coarse[i] = float32(math.Inf(1))
	}
	return r
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }

// Update records a new error for a tile. Guard: values >= +inf are
// rejected (spec.md §4.D: "guard: err < +inf").
func (r *Region) Update(tileID int, err float32) {
	if math.IsInf(float64(err), 1) {
		return
	}
	r.mu.Lock()
	r.fine[tileID] = err
	r.mu.Unlock()
}

// Reset returns every tile and overlay cell to +inf (unknown), called by
// Clear when the ACCUM channel mask bit is set.
func (r *Region) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.fine {
		r.fine[i] = float32(math.Inf(1))
	}
	for i := range r.coarse {
		r.coarse[i] = float32(math.Inf(1))
	}
	for i := range r.converged {
		r.converged[i] = false
	}
}

// At reads a tile's current stored error.
func (r *Region) At(tileID int) float32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fine[tileID]
}

// Refine traverses the hierarchical overlay, prunes overlay cells
// already below threshold, and returns the image-level maximum tile
// error.
func (r *Region) Refine(threshold float32) float32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	for oy := 0; oy < r.overlayY; oy++ {
		for ox := 0; ox < r.overlayX; ox++ {
			oi := oy*r.overlayX + ox
			if r.converged[oi] {
				continue
			}
			sum := float32(0)
			n := 0
			for ty := oy * overlayFactor; ty < min(r.numTilesY, (oy+1)*overlayFactor); ty++ {
				for tx := ox * overlayFactor; tx < min(r.numTilesX, (ox+1)*overlayFactor); tx++ {
					e := r.fine[ty*r.numTilesX+tx]
					if !math.IsInf(float64(e), 1) {
						sum += e
						n++
					}
				}
			}
			if n == 0 {
				r.coarse[oi] = float32(math.Inf(1))
				continue
			}
			avg := sum / float32(n)
			r.coarse[oi] = avg
			if avg <= threshold {
				r.converged[oi] = true
			}
		}
	}

	maxErr := float32(0)
	for _, e := range r.fine {
		if math.IsInf(float64(e), 1) {
			continue
		}
		if e > maxErr {
			maxErr = e
		}
	}
	return maxErr
}

// Sync broadcasts the flat tile-error array from master to every rank
// (MPI Bcast, spec.md §4.D), so all ranks share a consistent view of
// which tiles are already converged.
func (r *Region) Sync(tr transport.Transport, masterRank int) {
	r.mu.Lock()
	buf := make([]byte, 4*len(r.fine))
	for i, e := range r.fine {
		putF32(buf, i*4, e)
	}
	r.mu.Unlock()

	result := tr.Bcast(masterRank, buf)

	r.mu.Lock()
	for i := range r.fine {
		r.fine[i] = getF32(result, i*4)
	}
	r.mu.Unlock()
}

func putF32(buf []byte, off int, v float32) {
	bits := math.Float32bits(v)
	buf[off+0] = byte(bits)
	buf[off+1] = byte(bits >> 8)
	buf[off+2] = byte(bits >> 16)
	buf[off+3] = byte(bits >> 24)
}

func getF32(buf []byte, off int) float32 {
	bits := uint32(buf[off]) | uint32(buf[off+1])<<8 | uint32(buf[off+2])<<16 | uint32(buf[off+3])<<24
	return math.Float32frombits(bits)
}
