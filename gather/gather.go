// Package gather implements the Final Gather: the end-of-frame
// collective that transports every rank's completed owned tiles to
// the master, in the two variants spec.md §4.F describes.
package gather

import (
	"encoding/binary"
	"math"

	"github.com/golang/snappy"
	"github.com/pkg/errors"

	"github.com/raylab/dfb/log"
	"github.com/raylab/dfb/transport"
	"github.com/raylab/dfb/wire"
)

var logger = log.New("dfb.gather")

// ColorResult is what GatherColor returns on the master; non-master
// ranks get a zero-value result.
type ColorResult struct {
	// Flat holds every rank's decompressed, tile-aligned block,
	// concatenated at ProcessOffsets[rank].
	Flat           []byte
	ProcessOffsets []int
}

// GatherColor runs the color-carrying variant of the Final Gather
// (spec.md §4.F): every rank Snappy-compresses its gatherBuffer, the
// master Gathers the compressed sizes, Gatherv's the compressed bytes,
// then decompresses each rank's block into its tile-aligned slot.
func GatherColor(tr transport.Transport, masterRank int, gatherBuffer []byte) (ColorResult, error) {
	compBuf := snappy.Encode(nil, gatherBuffer)
	myLen := make([]byte, 4)
	binary.LittleEndian.PutUint32(myLen, uint32(len(compBuf)))

	sizes := tr.Gather(masterRank, myLen)
	blocks := tr.Gatherv(masterRank, compBuf)

	if tr.Rank() != masterRank {
		return ColorResult{}, nil
	}

	rawLens := make([]int, len(sizes))
	for i, s := range sizes {
		if len(s) != 4 {
			return ColorResult{}, errors.New("gather: malformed compressed-size entry")
		}
		rawLens[i] = int(binary.LittleEndian.Uint32(s))
	}

	decoded := make([][]byte, len(blocks))
	total := 0
	for i, b := range blocks {
		out, err := snappy.Decode(nil, b)
		if err != nil {
			return ColorResult{}, errors.Wrapf(err, "gather: decompressing rank %d block", i)
		}
		decoded[i] = out
		total += len(out)
	}

	flat := make([]byte, total)
	offsets := make([]int, len(decoded))
	off := 0
	for i, d := range decoded {
		offsets[i] = off
		copy(flat[off:], d)
		off += len(d)
	}

	logger.Debugf("gather: decompressed %d ranks into %d total bytes", len(decoded), total)

	return ColorResult{Flat: flat, ProcessOffsets: offsets}, nil
}

// ErrorOnlyResult is what GatherErrors returns on the master.
type ErrorOnlyResult struct {
	TileIDs []int32
	Errors  []float32
}

// GatherErrors runs the error-only variant (format NONE with
// variance): each rank ships its pending tile ids and errors as two
// aligned vectors, concatenated into one send buffer.
func GatherErrors(tr transport.Transport, masterRank int, pendingTileIDs []int32, pendingTileErrors []float32) (ErrorOnlyResult, error) {
	n := len(pendingTileIDs)
	countBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(countBuf, uint32(n))

	sendBuf := make([]byte, n*4+n*4)
	for i, id := range pendingTileIDs {
		binary.LittleEndian.PutUint32(sendBuf[i*4:], uint32(id))
	}
	for i, e := range pendingTileErrors {
		binary.LittleEndian.PutUint32(sendBuf[n*4+i*4:], math.Float32bits(e))
	}

	counts := tr.Gather(masterRank, countBuf)
	blocks := tr.Gatherv(masterRank, sendBuf)

	if tr.Rank() != masterRank {
		return ErrorOnlyResult{}, nil
	}

	var allIDs []int32
	var allErrs []float32
	for i, block := range blocks {
		if len(counts[i]) != 4 {
			return ErrorOnlyResult{}, errors.New("gather: malformed tile count entry")
		}
		cnt := int(binary.LittleEndian.Uint32(counts[i]))
		if len(block) != cnt*8 {
			return ErrorOnlyResult{}, errors.Errorf("gather: rank %d error-only block size mismatch", i)
		}
		for j := 0; j < cnt; j++ {
			allIDs = append(allIDs, int32(binary.LittleEndian.Uint32(block[j*4:])))
		}
		for j := 0; j < cnt; j++ {
			allErrs = append(allErrs, math.Float32frombits(binary.LittleEndian.Uint32(block[cnt*4+j*4:])))
		}
	}

	return ErrorOnlyResult{TileIDs: allIDs, Errors: allErrs}, nil
}

// Degenerate runs the trivial variant (format NONE, no variance): per
// spec.md §8's boundary behavior, the gather degenerates to a plain
// Barrier.
func Degenerate(tr transport.Transport) {
	tr.Barrier()
}

// DecodeMasterTilesInto walks a master's flat decompressed buffer for
// one rank's block and applies every tile it contains via apply,
// parsing command/coords/error/pixels per spec.md §6.
func DecodeMasterTilesInto(block []byte, fmtColor wire.ColorFormat, tileSize int, apply func(wire.MasterTile)) error {
	off := 0
	for off < len(block) {
		mt, consumed, err := wire.DecodeMasterTile(block[off:], fmtColor, tileSize)
		if err != nil {
			return errors.Wrap(err, "gather: decoding master tile")
		}
		apply(mt)
		off += consumed
	}
	return nil
}
