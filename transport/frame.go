package transport

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"
)

func putF64(buf []byte, v float64) {
	binary.BigEndian.PutUint64(buf[0:8], math.Float64bits(v))
}

func getF64(buf []byte) float64 {
	return math.Float64frombits(binary.BigEndian.Uint64(buf[0:8]))
}

// frameKind tags a TCP frame's purpose; collectives are layered on top
// of plain point-to-point delivery by routing every non-root rank's
// contribution to the rank named in Root, and having Root fan the
// computed result back out as reply frames.
type frameKind uint8

const (
	frameData frameKind = iota
	frameBcast
	frameGather
	frameGatherv
	frameBarrier
	frameReduce
)

// replyBit marks a frame as a collective's reply leg rather than a
// rank's submission; submission and reply share a round number so the
// blocked caller can match its own call to the right reply.
const replyBit frameKind = 0x80

func isReply(k frameKind) bool      { return k&replyBit != 0 }
func replyOf(k frameKind) frameKind { return k | replyBit }
func baseOf(k frameKind) frameKind  { return k &^ replyBit }

// frameHeader precedes every payload on the wire:
// [Kind:1][SrcRank:4][Root:4][Round:4][Len:4].
const frameHeaderSize = 17

type frame struct {
	kind    frameKind
	src     int32
	root    int32
	round   int32
	payload []byte
}

func (f *frame) encode(w io.Writer) error {
	header := make([]byte, frameHeaderSize)
	header[0] = byte(f.kind)
	binary.BigEndian.PutUint32(header[1:5], uint32(f.src))
	binary.BigEndian.PutUint32(header[5:9], uint32(f.root))
	binary.BigEndian.PutUint32(header[9:13], uint32(f.round))
	binary.BigEndian.PutUint32(header[13:17], uint32(len(f.payload)))
	if _, err := w.Write(header); err != nil {
		return errors.Wrap(err, "transport: writing frame header")
	}
	if len(f.payload) > 0 {
		if _, err := w.Write(f.payload); err != nil {
			return errors.Wrap(err, "transport: writing frame payload")
		}
	}
	return nil
}

func decodeFrame(r io.Reader) (*frame, error) {
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	payloadLen := binary.BigEndian.Uint32(header[13:17])
	f := &frame{
		kind:  frameKind(header[0]),
		src:   int32(binary.BigEndian.Uint32(header[1:5])),
		root:  int32(binary.BigEndian.Uint32(header[5:9])),
		round: int32(binary.BigEndian.Uint32(header[9:13])),
	}
	if payloadLen > 0 {
		f.payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(r, f.payload); err != nil {
			return nil, errors.Wrap(err, "transport: reading frame payload")
		}
	}
	return f, nil
}

// encodeParts concatenates a slice of byte slices with uint32
// length prefixes so a gather result can be split back apart.
func encodeParts(parts [][]byte) []byte {
	size := 4
	for _, p := range parts {
		size += 4 + len(p)
	}
	out := make([]byte, size)
	binary.BigEndian.PutUint32(out[0:4], uint32(len(parts)))
	off := 4
	for _, p := range parts {
		binary.BigEndian.PutUint32(out[off:off+4], uint32(len(p)))
		off += 4
		copy(out[off:], p)
		off += len(p)
	}
	return out
}

// decodeParts reverses encodeParts.
func decodeParts(data []byte) [][]byte {
	if len(data) < 4 {
		return nil
	}
	n := binary.BigEndian.Uint32(data[0:4])
	out := make([][]byte, n)
	off := 4
	for i := uint32(0); i < n; i++ {
		l := binary.BigEndian.Uint32(data[off : off+4])
		off += 4
		out[i] = data[off : off+int(l)]
		off += int(l)
	}
	return out
}
