// Package tile implements the Tile Descriptor Registry: the global
// tile grid, the round-robin ownership map, and the per-tile counters
// every rank keeps regardless of which tiles it owns.
package tile

import (
	"sync/atomic"

	"github.com/pkg/errors"
)

// Size is the image resolution in pixels.
type Size struct {
	W, H int
}

// OwnershipPolicy selects how tile ownership is assigned across ranks.
type OwnershipPolicy struct {
	// NumRanks is the total rank count R, including the master.
	NumRanks int
	// MasterIsWorker: when false, rank 0 is the master and holds no
	// tiles; ownership is computed over the remaining R-1 worker ranks
	// and mapped back onto global rank ids 1..R-1.
	MasterIsWorker bool
}

// owner computes the round-robin owner for a tileId under the policy.
func (p OwnershipPolicy) owner(tileID int) int {
	if p.MasterIsWorker {
		return tileID % p.NumRanks
	}
	workers := p.NumRanks - 1
	if workers <= 0 {
		return 0
	}
	workerRank := tileID % workers
	return workerRankToGlobalRank(workerRank)
}

// workerRankToGlobalRank maps a 0-based worker index to its global rank
// id when the master (global rank 0) does not participate as a worker.
func workerRankToGlobalRank(workerRank int) int {
	return workerRank + 1
}

// Descriptor describes one tile's static, construction-time identity.
type Descriptor struct {
	OriginX, OriginY int
	ID               int
	OwnerRank        int
	mine             bool
}

// Mine reports whether the local rank owns this tile.
func (d Descriptor) Mine() bool { return d.mine }

// Registry holds every tile descriptor for the image, indexed by tile
// id, plus the per-tile counters every rank keeps regardless of
// ownership (accumId, instances). Its descriptors are immutable after
// construction (SetFrameMode replaces the whole registry with a fresh
// one); the counters change through BumpAccumID, ResetAccumIDs and
// SetInstances.
type Registry struct {
	imageSize Size
	tileSize  int
	policy    OwnershipPolicy
	thisRank  int

	numTilesX, numTilesY int
	descriptors          []Descriptor
	myTiles              []Descriptor

	accumID   []atomic.Int64
	instances []atomic.Int64
}

// New constructs the registry for the given image size, tile size, and
// ownership policy, as seen from thisRank.
func New(imageSize Size, tileSize int, policy OwnershipPolicy, thisRank int) (*Registry, error) {
	if tileSize <= 0 {
		return nil, errors.New("tile: TileSize must be positive")
	}
	if policy.NumRanks <= 0 {
		return nil, errors.New("tile: NumRanks must be positive")
	}

	numTilesX := ceilDiv(imageSize.W, tileSize)
	numTilesY := ceilDiv(imageSize.H, tileSize)
	total := numTilesX * numTilesY

	r := &Registry{
		imageSize: imageSize,
		tileSize:  tileSize,
		policy:    policy,
		thisRank:  thisRank,

		numTilesX: numTilesX,
		numTilesY: numTilesY,

		descriptors: make([]Descriptor, total),
		accumID:     make([]atomic.Int64, total),
		instances:   make([]atomic.Int64, total),
	}

	for ty := 0; ty < numTilesY; ty++ {
		for tx := 0; tx < numTilesX; tx++ {
			id := ty*numTilesX + tx
			owner := policy.owner(id)
			d := Descriptor{
				OriginX:   tx * tileSize,
				OriginY:   ty * tileSize,
				ID:        id,
				OwnerRank: owner,
				mine:      owner == thisRank,
			}
			r.descriptors[id] = d
			if d.mine {
				r.myTiles = append(r.myTiles, d)
			}
		}
	}
	return r, nil
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// DescriptorForCoords returns the descriptor of the tile containing
// pixel (x, y).
func (r *Registry) DescriptorForCoords(x, y int) (Descriptor, error) {
	if x < 0 || y < 0 || x >= r.imageSize.W || y >= r.imageSize.H {
		return Descriptor{}, errors.Errorf("tile: coords (%d,%d) outside image %dx%d", x, y, r.imageSize.W, r.imageSize.H)
	}
	tx := x / r.tileSize
	ty := y / r.tileSize
	return r.DescriptorForID(ty*r.numTilesX + tx)
}

// DescriptorForID returns the descriptor for a linear tile id.
func (r *Registry) DescriptorForID(id int) (Descriptor, error) {
	if id < 0 || id >= len(r.descriptors) {
		return Descriptor{}, errors.Errorf("tile: id %d out of range [0,%d)", id, len(r.descriptors))
	}
	return r.descriptors[id], nil
}

// MyTiles returns the descriptors owned by the local rank, in tile-id
// order.
func (r *Registry) MyTiles() []Descriptor {
	return r.myTiles
}

// TotalTiles returns the total tile count across the whole image.
func (r *Registry) TotalTiles() int {
	return len(r.descriptors)
}

// NumTilesXY returns the tile grid dimensions.
func (r *Registry) NumTilesXY() (int, int) {
	return r.numTilesX, r.numTilesY
}

// TileSize returns the configured tile side length.
func (r *Registry) TileSize() int {
	return r.tileSize
}

// ImageSize returns the configured image resolution.
func (r *Registry) ImageSize() Size {
	return r.imageSize
}

// AccumID returns the current accumulation-pass count for a tile.
func (r *Registry) AccumID(id int) int64 {
	return r.accumID[id].Load()
}

// BumpAccumID increments a tile's accumulation-pass counter, called by
// the Frame Controller at EndFrame for every tile (invariant 6).
func (r *Registry) BumpAccumID(id int) {
	r.accumID[id].Add(1)
}

// ResetAccumIDs zeroes every tile's accumulation counter, called by
// Clear when the ACCUM channel mask bit is set.
func (r *Registry) ResetAccumIDs() {
	for i := range r.accumID {
		r.accumID[i].Store(0)
	}
}

// Instances returns the per-frame usage count broadcast for a tile.
func (r *Registry) Instances(id int) int {
	return int(r.instances[id].Load())
}

// SetInstances installs the per-frame usage counts broadcast from the
// master at the start of a frame (spec's instances[] Bcast).
func (r *Registry) SetInstances(counts []int) error {
	if len(counts) != len(r.instances) {
		return errors.Errorf("tile: instances length %d != total tiles %d", len(counts), len(r.instances))
	}
	for i, c := range counts {
		r.instances[i].Store(int64(c))
	}
	return nil
}
