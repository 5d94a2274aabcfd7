package dfb

import (
	"github.com/pkg/errors"

	"github.com/raylab/dfb/compose"
	"github.com/raylab/dfb/wire"
)

// DispatchWorkerTile implements router.Dispatcher: resolves the tile a
// contribution targets, drops it if it is a straggler from a
// cancelled or already-superseded frame, and routes it into the
// mode-appropriate compositor call.
func (fb *Framebuffer) DispatchWorkerTile(srcRank int, originX, originY, instanceID int32, frameID uint32, data wire.TileData) error {
	current := fb.frameID.Load()
	if uint64(frameID) < current {
		fb.logger.Debugf("dropping stale contribution from rank %d: frame %d < current %d", srcRank, frameID, current)
		return nil
	}

	desc, err := fb.registry.DescriptorForCoords(int(originX), int(originY))
	if err != nil {
		return errors.Wrap(err, "dfb: resolving tile for inbound contribution")
	}
	if !desc.Mine() {
		return errors.Errorf("dfb: received a contribution for tile %d, which this rank does not own", desc.ID)
	}

	switch fb.mode {
	case compose.ZCompositeMode:
		zc := fb.compositor.(*compose.ZComposite)
		if err := zc.Process(desc.ID, srcRank, data, 0, 0); err != nil {
			return errors.Wrap(err, "dfb: processing a ZComposite contribution")
		}
		if zc.SeenCount(desc.ID) >= fb.zExpected {
			zc.Complete(desc.ID)
		}
		return nil

	case compose.AlphaBlendMode:
		z := averageZ(data)
		seq := int(fb.arrivalSeq.Add(1))
		return fb.compositor.Process(desc.ID, 0, data, z, seq)

	default: // WriteMultipleMode
		return fb.compositor.Process(desc.ID, int(instanceID), data, 0, 0)
	}
}

// DispatchCancel implements router.Dispatcher.
func (fb *Framebuffer) DispatchCancel() {
	fb.cancelRendering.Store(true)
	fb.logger.Info("cancellation received")
}

// OnTileComplete implements compose.Completer: on a color-carrying
// frame, packs the finished tile into the rank's gather buffer at an
// atomically-reserved offset; on an error-only frame, appends to the
// pending tile-id/error vectors instead. Either way, notes the
// completion and closes the frame once every owned tile is done.
func (fb *Framebuffer) OnTileComplete(res compose.Result) {
	if fb.format == wire.FormatNone {
		fb.tileErrorsMutex.Lock()
		fb.pendingTileIDs = append(fb.pendingTileIDs, int32(res.TileID))
		fb.pendingTileErrors = append(fb.pendingTileErrors, res.Error)
		fb.tileErrorsMutex.Unlock()
	} else {
		desc, err := fb.registry.DescriptorForID(res.TileID)
		if err != nil {
			fb.logger.Errorf("dfb: completed unknown tile %d: %v", res.TileID, err)
			return
		}
		encoded := wire.EncodeMasterTile(fb.format, int32(desc.OriginX), int32(desc.OriginY), res.Error, res.Color, res.Depth, res.Normals, res.Albedo)
		offset := fb.nextGatherOffset.Add(int64(len(encoded))) - int64(len(encoded))
		copy(fb.gatherBuffer[offset:], encoded)
	}
	fb.noteTileCompleted()
}

// noteTileCompleted increments the owned-tile completion count and
// closes the current frame once every owned tile has reported in.
func (fb *Framebuffer) noteTileCompleted() {
	fb.numTilesMutex.Lock()
	fb.numCompletedThisFrame++
	done := fb.numCompletedThisFrame >= fb.expectedTileCount
	fb.numTilesMutex.Unlock()
	if done {
		fb.closeCurrentFrame()
	}
}

// averageZ derives a single representative depth for an AlphaBlend
// contribution's nearest-first sort key, the per-message counterpart
// to the per-pixel Z that ZComposite compares directly.
func averageZ(data wire.TileData) float32 {
	if len(data.Samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range data.Samples {
		sum += float64(s.Z)
	}
	return float32(sum / float64(len(data.Samples)))
}
