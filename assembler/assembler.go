// Package assembler implements the Master Assembler: deserialization
// of gathered master tile messages into the contiguous master image,
// exposed as Map/Unmap over a locally-held, non-distributed
// framebuffer (spec.md §4.H).
package assembler

import (
	"math"
	"sync"

	"github.com/pkg/errors"

	"github.com/raylab/dfb/wire"
)

// Channel selects which buffer Map exposes.
type Channel int

const (
	ChannelColor Channel = iota
	ChannelDepth
	ChannelNormal
	ChannelAlbedo
)

// Image is the master's contiguous mappable image: a plain []byte for
// color and a plain []float32 for each of depth, normal and albedo
// (Map hands those out as bytes), no external collaborator needed at
// this layer (spec.md §1
// treats the *distributed* side as in scope; local assembly is a thin
// leaf on top of it).
type Image struct {
	mu sync.Mutex

	width, height int
	tileSize      int
	format        wire.ColorFormat

	color  []byte
	depth  []float32
	normal []float32
	albedo []float32

	mapped bool
}

// New allocates a master image for width x height pixels in the given
// format.
func New(width, height, tileSize int, fmtColor wire.ColorFormat) *Image {
	img := &Image{
		width:    width,
		height:   height,
		tileSize: tileSize,
		format:   fmtColor,
	}
	img.color = make([]byte, width*height*fmtColor.BytesPerPixel())
	return img
}

// EnableDepth allocates the depth channel storage.
func (img *Image) EnableDepth() {
	img.depth = make([]float32, img.width*img.height)
}

// EnableAux allocates normal/albedo channel storage.
func (img *Image) EnableAux() {
	img.normal = make([]float32, img.width*img.height*3)
	img.albedo = make([]float32, img.width*img.height*3)
}

// Clear zeros the requested channels, per Framebuffer.Clear's channel
// mask (spec.md §6).
func (img *Image) Clear(color, depth, aux bool) {
	img.mu.Lock()
	defer img.mu.Unlock()
	if color {
		for i := range img.color {
			img.color[i] = 0
		}
	}
	if depth {
		for i := range img.depth {
			img.depth[i] = 0
		}
	}
	if aux {
		for i := range img.normal {
			img.normal[i] = 0
		}
		for i := range img.albedo {
			img.albedo[i] = 0
		}
	}
}

// ApplyTile writes one decoded master tile into the image, clipping
// writes to the image bounds on both axes when the image dimensions
// are not a multiple of TileSize (spec.md §8's boundary behavior).
func (img *Image) ApplyTile(mt wire.MasterTile) error {
	img.mu.Lock()
	defer img.mu.Unlock()

	if img.mapped {
		return errors.New("assembler: tile write while image is mapped")
	}

	bpp := img.format.BytesPerPixel()
	if bpp == 0 {
		return errors.New("assembler: image has NONE format, no pixels to write")
	}

	for ty := 0; ty < img.tileSize; ty++ {
		py := int(mt.OriginY) + ty
		if py >= img.height {
			break
		}
		for tx := 0; tx < img.tileSize; tx++ {
			px := int(mt.OriginX) + tx
			if px >= img.width {
				continue
			}
			srcIdx := ty*img.tileSize + tx
			dstPixel := py*img.width + px

			copy(img.color[dstPixel*bpp:(dstPixel+1)*bpp], mt.Color[srcIdx*bpp:(srcIdx+1)*bpp])

			if mt.Depth != nil && img.depth != nil {
				img.depth[dstPixel] = mt.Depth[srcIdx]
			}
			if mt.Normals != nil && img.normal != nil {
				copy(img.normal[dstPixel*3:dstPixel*3+3], mt.Normals[srcIdx*3:srcIdx*3+3])
			}
			if mt.Albedo != nil && img.albedo != nil {
				copy(img.albedo[dstPixel*3:dstPixel*3+3], mt.Albedo[srcIdx*3:srcIdx*3+3])
			}
		}
	}
	return nil
}

// Map returns a read-only view of one channel's backing storage.
// Thread-safety: callers must only map while the frame is not active
// (spec.md §4.H).
func (img *Image) Map(ch Channel) ([]byte, error) {
	img.mu.Lock()
	defer img.mu.Unlock()

	switch ch {
	case ChannelColor:
		img.mapped = true
		return img.color, nil
	case ChannelDepth:
		if img.depth == nil {
			return nil, errors.New("assembler: depth channel not enabled")
		}
		img.mapped = true
		return f32ToBytes(img.depth), nil
	case ChannelNormal:
		if img.normal == nil {
			return nil, errors.New("assembler: normal channel not enabled")
		}
		img.mapped = true
		return f32ToBytes(img.normal), nil
	case ChannelAlbedo:
		if img.albedo == nil {
			return nil, errors.New("assembler: albedo channel not enabled")
		}
		img.mapped = true
		return f32ToBytes(img.albedo), nil
	default:
		return nil, errors.Errorf("assembler: unknown channel %d", ch)
	}
}

// Unmap releases the mapping taken by Map, allowing tile writes again.
func (img *Image) Unmap() {
	img.mu.Lock()
	img.mapped = false
	img.mu.Unlock()
}

func f32ToBytes(vs []float32) []byte {
	out := make([]byte, len(vs)*4)
	for i, v := range vs {
		bits := math.Float32bits(v)
		out[i*4+0] = byte(bits)
		out[i*4+1] = byte(bits >> 8)
		out[i*4+2] = byte(bits >> 16)
		out[i*4+3] = byte(bits >> 24)
	}
	return out
}
