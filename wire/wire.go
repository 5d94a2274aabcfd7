// Package wire implements the on-the-wire message formats exchanged
// between ranks of a distributed tile framebuffer: the worker tile
// message sent point-to-point from a contributor to a tile's owner,
// and the master tile message an owner packs into its gather buffer
// at the end of a frame.
package wire

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

func floatBits(v float32) uint32      { return math.Float32bits(v) }
func floatFromBits(b uint32) float32  { return math.Float32frombits(b) }

// Command bits. Exactly one of MasterWriteTileI8/MasterWriteTileF32/
// WorkerWriteTile/CancelRendering is set on any wire message;
// HasDepth/HasAux are independent modifier bits on a master message.
const (
	MasterWriteTileI8  uint32 = 1 << 0
	MasterWriteTileF32 uint32 = 1 << 1
	HasDepth           uint32 = 1 << 2
	HasAux             uint32 = 1 << 3
	WorkerWriteTile    uint32 = 1 << 4
	CancelRendering    uint32 = 1 << 5
)

// ColorFormat is the negotiated output pixel format.
type ColorFormat int

const (
	FormatNone ColorFormat = iota // error-only workflow, no pixels shipped back
	FormatI8                      // 8-bit RGBA / sRGB
	FormatF32                     // 32-bit float RGBA
)

// BytesPerPixel returns P from spec.md §6's wire layout table.
func (f ColorFormat) BytesPerPixel() int {
	switch f {
	case FormatI8:
		return 4
	case FormatF32:
		return 16
	default:
		return 0
	}
}

// MasterCommand returns the command bit identifying this format on the
// wire, panicking on FormatNone (callers must not serialize a NONE tile
// through the color-carrying path; see gather.GatherErrors).
func (f ColorFormat) MasterCommand() uint32 {
	switch f {
	case FormatI8:
		return MasterWriteTileI8
	case FormatF32:
		return MasterWriteTileF32
	default:
		panic("wire: NONE format has no master command")
	}
}

// TileSample is one pixel's worth of floating point channels, the unit
// the spec calls a "Tile" when describing the worker write message and
// an OwnedTileState's "final" buffer.
type TileSample struct {
	R, G, B, A, Z float32

	// Optional auxiliary channels, present iff the surrounding TileData
	// says HasAux.
	Nx, Ny, Nz                float32
	AlbedoR, AlbedoG, AlbedoB float32
}

// TileData is a full TileSize x TileSize grid of samples, row-major.
type TileData struct {
	Size    int
	Samples []TileSample
	HasAux  bool
}

// NewTileData allocates a zeroed TileData of size*size samples.
func NewTileData(size int, hasAux bool) TileData {
	return TileData{
		Size:    size,
		Samples: make([]TileSample, size*size),
		HasAux:  hasAux,
	}
}

// WireTileBytes computes the deterministic on-wire byte size of a master
// tile message for the given format/depth/aux combination, per spec.md §6.
func WireTileBytes(fmt ColorFormat, tileSize int, hasDepth, hasAux bool) int {
	n := tileSize * tileSize
	size := 4 + 8 + 4 // command + coords + error
	size += fmt.BytesPerPixel() * n
	if hasDepth {
		size += 4 * n
	}
	if hasAux {
		size += 12*n + 12*n // normals + albedo, 3 float32 each per pixel
	}
	return size
}

// EncodeWorkerTile serializes a point-to-point contribution from a peer
// to a tile's owner: command, coords, the sender-assigned instanceId,
// the sender's frame generation, then the packed Tile in floating point
// (spec.md §6, "Wire format — worker tile message"). instanceId is
// WriteMultiple's arrival label (0..N-1, the sender's own sample/pass
// index, independent of network delivery order); AlphaBlend and
// ZComposite ignore it. frameID lets the receiver defensively discard a
// message left over from a cancelled or already-closed frame.
func EncodeWorkerTile(originX, originY, instanceID int32, frameID uint32, tile TileData) []byte {
	n := tile.Size * tile.Size
	perSample := 20 // r,g,b,a,z float32
	if tile.HasAux {
		perSample += 24 // nx,ny,nz + albedo rgb float32
	}
	buf := make([]byte, 4+16+perSample*n)

	cmd := WorkerWriteTile
	if tile.HasAux {
		cmd |= HasAux
	}
	binary.LittleEndian.PutUint32(buf[0:4], cmd)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(originX))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(originY))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(instanceID))
	binary.LittleEndian.PutUint32(buf[16:20], frameID)

	off := 20
	for i := 0; i < n; i++ {
		s := tile.Samples[i]
		putF32(buf, off, s.R)
		putF32(buf, off+4, s.G)
		putF32(buf, off+8, s.B)
		putF32(buf, off+12, s.A)
		putF32(buf, off+16, s.Z)
		off += 20
		if tile.HasAux {
			putF32(buf, off, s.Nx)
			putF32(buf, off+4, s.Ny)
			putF32(buf, off+8, s.Nz)
			putF32(buf, off+12, s.AlbedoR)
			putF32(buf, off+16, s.AlbedoG)
			putF32(buf, off+20, s.AlbedoB)
			off += 24
		}
	}
	return buf
}

// DecodeWorkerTile parses a worker tile message. tileSize must be known
// by the caller (it is a fixed construction-time constant, never carried
// on the wire).
func DecodeWorkerTile(data []byte, tileSize int) (originX, originY, instanceID int32, frameID uint32, tile TileData, err error) {
	if len(data) < 20 {
		return 0, 0, 0, 0, TileData{}, errors.New("wire: worker tile message shorter than header")
	}
	cmd := binary.LittleEndian.Uint32(data[0:4])
	if cmd&WorkerWriteTile == 0 {
		return 0, 0, 0, 0, TileData{}, errors.Errorf("wire: expected WORKER_WRITE_TILE, got command 0x%x", cmd)
	}
	hasAux := cmd&HasAux != 0
	originX = int32(binary.LittleEndian.Uint32(data[4:8]))
	originY = int32(binary.LittleEndian.Uint32(data[8:12]))
	instanceID = int32(binary.LittleEndian.Uint32(data[12:16]))
	frameID = binary.LittleEndian.Uint32(data[16:20])

	n := tileSize * tileSize
	perSample := 20
	if hasAux {
		perSample += 24
	}
	want := 20 + perSample*n
	if len(data) != want {
		return 0, 0, 0, 0, TileData{}, errors.Errorf("wire: worker tile message size mismatch: got %d want %d", len(data), want)
	}

	tile = NewTileData(tileSize, hasAux)
	off := 20
	for i := 0; i < n; i++ {
		s := &tile.Samples[i]
		s.R = getF32(data, off)
		s.G = getF32(data, off+4)
		s.B = getF32(data, off+8)
		s.A = getF32(data, off+12)
		s.Z = getF32(data, off+16)
		off += 20
		if hasAux {
			s.Nx = getF32(data, off)
			s.Ny = getF32(data, off+4)
			s.Nz = getF32(data, off+8)
			s.AlbedoR = getF32(data, off+12)
			s.AlbedoG = getF32(data, off+16)
			s.AlbedoB = getF32(data, off+20)
			off += 24
		}
	}
	return originX, originY, instanceID, frameID, tile, nil
}

// MasterTile is a decoded master tile message, ready for the Master
// Assembler to apply to the composed image.
type MasterTile struct {
	Command        uint32
	OriginX, OriginY int32
	Error          float32
	Color          []byte    // packed pixels, format-dependent
	Depth          []float32 // present iff Command&HasDepth, len tileSize^2
	Normals        []float32 // present iff Command&HasAux, len 3*tileSize^2
	Albedo         []float32 // present iff Command&HasAux, len 3*tileSize^2
}

// EncodeMasterTile serializes an owner's completed tile into the layout
// spec.md §6 specifies, for packing into the rank's gather buffer.
func EncodeMasterTile(fmt ColorFormat, originX, originY int32, errVal float32, color []byte, depth, normals, albedo []float32) []byte {
	cmd := fmt.MasterCommand()
	if depth != nil {
		cmd |= HasDepth
	}
	if normals != nil || albedo != nil {
		cmd |= HasAux
	}

	size := 16 + len(color)
	if depth != nil {
		size += 4 * len(depth)
	}
	if cmd&HasAux != 0 {
		size += 4*len(normals) + 4*len(albedo)
	}

	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:4], cmd)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(originX))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(originY))
	binary.LittleEndian.PutUint32(buf[12:16], floatBits(errVal))

	off := 16
	copy(buf[off:], color)
	off += len(color)

	if depth != nil {
		for _, d := range depth {
			putF32(buf, off, d)
			off += 4
		}
	}
	if cmd&HasAux != 0 {
		for _, v := range normals {
			putF32(buf, off, v)
			off += 4
		}
		for _, v := range albedo {
			putF32(buf, off, v)
			off += 4
		}
	}
	return buf
}

// DecodeMasterTile parses a master tile message packed into a rank's
// flattened gather result. fmt and tileSize are the frame's negotiated,
// fixed parameters (never carried on the wire).
func DecodeMasterTile(data []byte, fmtColor ColorFormat, tileSize int) (MasterTile, int, error) {
	if len(data) < 16 {
		return MasterTile{}, 0, errors.New("wire: master tile message shorter than header")
	}
	cmd := binary.LittleEndian.Uint32(data[0:4])
	if cmd&(MasterWriteTileI8|MasterWriteTileF32) == 0 {
		return MasterTile{}, 0, errors.Errorf("wire: expected a MASTER_WRITE_TILE_* command, got 0x%x", cmd)
	}

	n := tileSize * tileSize
	colorLen := fmtColor.BytesPerPixel() * n
	off := 16

	mt := MasterTile{
		Command:  cmd,
		OriginX:  int32(binary.LittleEndian.Uint32(data[4:8])),
		OriginY:  int32(binary.LittleEndian.Uint32(data[8:12])),
		Error:    floatFromBits(binary.LittleEndian.Uint32(data[12:16])),
	}

	if len(data) < off+colorLen {
		return MasterTile{}, 0, errors.New("wire: master tile message truncated in color payload")
	}
	mt.Color = data[off : off+colorLen]
	off += colorLen

	if cmd&HasDepth != 0 {
		if len(data) < off+4*n {
			return MasterTile{}, 0, errors.New("wire: master tile message truncated in depth payload")
		}
		mt.Depth = make([]float32, n)
		for i := 0; i < n; i++ {
			mt.Depth[i] = getF32(data, off)
			off += 4
		}
	}
	if cmd&HasAux != 0 {
		if len(data) < off+24*n {
			return MasterTile{}, 0, errors.New("wire: master tile message truncated in aux payload")
		}
		mt.Normals = make([]float32, 3*n)
		for i := range mt.Normals {
			mt.Normals[i] = getF32(data, off)
			off += 4
		}
		mt.Albedo = make([]float32, 3*n)
		for i := range mt.Albedo {
			mt.Albedo[i] = getF32(data, off)
			off += 4
		}
	}
	return mt, off, nil
}

// EncodeCancel builds a CANCEL_RENDERING wire message (empty payload
// beyond the command word; cancellation carries no tile data).
func EncodeCancel() []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, CancelRendering)
	return buf
}

// IsCancel reports whether a raw message is a CANCEL_RENDERING message.
func IsCancel(data []byte) bool {
	return len(data) >= 4 && binary.LittleEndian.Uint32(data[0:4])&CancelRendering != 0
}

func putF32(buf []byte, off int, v float32) {
	binary.LittleEndian.PutUint32(buf[off:off+4], floatBits(v))
}

func getF32(buf []byte, off int) float32 {
	return floatFromBits(binary.LittleEndian.Uint32(buf[off : off+4]))
}
