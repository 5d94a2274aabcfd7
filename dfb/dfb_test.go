package dfb

import (
	"sync"
	"testing"

	"github.com/raylab/dfb/assembler"
	"github.com/raylab/dfb/compose"
	"github.com/raylab/dfb/tile"
	"github.com/raylab/dfb/transport"
	"github.com/raylab/dfb/wire"
)

const (
	testMasterRank = 0
	testImageW     = 8
	testImageH     = 8
	testTileSize   = 4
)

// buildTestCluster wires a small in-process cluster: rank 0 is an idle
// master (MasterIsWorker: false), ranks 1 and 2 are workers each
// owning half the 2x2 tile grid.
func buildTestCluster(t *testing.T, mode compose.Mode) ([]*Framebuffer, func()) {
	t.Helper()
	transports := transport.NewCluster(3)
	policy := tile.OwnershipPolicy{NumRanks: 3, MasterIsWorker: false}

	cluster := make([]*Framebuffer, 3)
	for r := 0; r < 3; r++ {
		fb, err := New(Config{
			ImageSize:      tile.Size{W: testImageW, H: testImageH},
			TileSize:       testTileSize,
			Policy:         policy,
			ThisRank:       r,
			MasterRank:     testMasterRank,
			Mode:           mode,
			Format:         wire.FormatI8,
			AccumKind:      compose.AccumAdd,
			WorkerPoolSize: 2,
			Transport:      transports[r],
		})
		if err != nil {
			t.Fatalf("New rank %d: %v", r, err)
		}
		if err := fb.Start(); err != nil {
			t.Fatalf("Start rank %d: %v", r, err)
		}
		cluster[r] = fb
	}
	for _, tr := range transports {
		tr.Start()
	}

	stop := func() {
		for _, tr := range transports {
			tr.Stop()
		}
		for _, fb := range cluster {
			fb.Stop()
		}
	}
	return cluster, stop
}

func solidTile(tileSize int, r, g, b float32) wire.TileData {
	data := wire.NewTileData(tileSize, false)
	for i := range data.Samples {
		data.Samples[i] = wire.TileSample{R: r, G: g, B: b, A: 1}
	}
	return data
}

// runTestFrame drives every rank through one full lifecycle
// concurrently; submit is called once per non-master rank, with its
// own Framebuffer, after StartNewFrame and before WaitUntilFinished.
func runTestFrame(t *testing.T, cluster []*Framebuffer, submit func(fb *Framebuffer, rank int)) {
	t.Helper()
	var wg sync.WaitGroup
	errs := make([]error, len(cluster))
	for i, fb := range cluster {
		wg.Add(1)
		go func(i int, fb *Framebuffer) {
			defer wg.Done()
			fb.BeginFrame()
			if err := fb.StartNewFrame(0); err != nil {
				errs[i] = err
				return
			}
			if i != testMasterRank && submit != nil {
				submit(fb, i)
			}
			if err := fb.WaitUntilFinished(); err != nil {
				errs[i] = err
				return
			}
			if _, err := fb.EndFrame(0); err != nil {
				errs[i] = err
				return
			}
		}(i, fb)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: %v", i, err)
		}
	}
}

func TestFrameLifecycleWriteMultipleEndToEnd(t *testing.T) {
	cluster, stop := buildTestCluster(t, compose.WriteMultipleMode)
	defer stop()

	runTestFrame(t, cluster, func(fb *Framebuffer, rank int) {
		var r, g, b float32
		if rank == 1 {
			r, g, b = 1, 0, 0
		} else {
			r, g, b = 0, 1, 0
		}
		for _, tl := range fb.MyTiles() {
			if err := fb.SetTile(int32(tl.OriginX), int32(tl.OriginY), 0, solidTile(testTileSize, r, g, b)); err != nil {
				t.Errorf("SetTile rank %d tile %d: %v", rank, tl.ID, err)
			}
		}
	})

	master := cluster[testMasterRank]
	pixels, err := master.Map(assembler.ChannelColor)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	defer master.Unmap()

	if len(pixels) != testImageW*testImageH*4 {
		t.Fatalf("mapped image length = %d, want %d", len(pixels), testImageW*testImageH*4)
	}

	// Each of the two worker ranks owns two of the four tiles in this
	// 2x2 grid; at least one pixel written by a completed tile must
	// carry non-zero alpha in the master image.
	var sawColor bool
	for i := 0; i < len(pixels); i += 4 {
		if pixels[i+3] != 0 {
			sawColor = true
			break
		}
	}
	if !sawColor {
		t.Fatal("master image has no written pixels after a full frame cycle")
	}
}

func TestFrameIDAdvancesAcrossFrames(t *testing.T) {
	cluster, stop := buildTestCluster(t, compose.WriteMultipleMode)
	defer stop()

	submit := func(fb *Framebuffer, rank int) {
		for _, tl := range fb.MyTiles() {
			if err := fb.SetTile(int32(tl.OriginX), int32(tl.OriginY), 0, solidTile(testTileSize, 0.5, 0.5, 0.5)); err != nil {
				t.Errorf("SetTile rank %d: %v", rank, err)
			}
		}
	}

	master := cluster[testMasterRank]
	if got := master.FrameID(); got != 0 {
		t.Fatalf("initial FrameID = %d, want 0", got)
	}

	runTestFrame(t, cluster, submit)
	if got := master.FrameID(); got != 1 {
		t.Fatalf("FrameID after one frame = %d, want 1", got)
	}

	runTestFrame(t, cluster, submit)
	if got := master.FrameID(); got != 2 {
		t.Fatalf("FrameID after two frames = %d, want 2", got)
	}
}

func TestClearRejectsActiveFrame(t *testing.T) {
	cluster, stop := buildTestCluster(t, compose.WriteMultipleMode)
	defer stop()

	// StartNewFrame's instances[]/error-region Bcast are collectives:
	// every rank must call StartNewFrame concurrently or the other two
	// block forever waiting for rank 1. Ranks 0 and 2 run their full
	// cycle on background goroutines while rank 1 pauses mid-frame, on
	// this goroutine, to exercise the Clear guard.
	var wg sync.WaitGroup
	for i, other := range cluster {
		if i == 1 {
			continue
		}
		wg.Add(1)
		go func(fb *Framebuffer, rank int) {
			defer wg.Done()
			fb.BeginFrame()
			if err := fb.StartNewFrame(0); err != nil {
				t.Errorf("rank %d StartNewFrame: %v", rank, err)
				return
			}
			for _, tl := range fb.MyTiles() {
				if err := fb.SetTile(int32(tl.OriginX), int32(tl.OriginY), 0, solidTile(testTileSize, 1, 1, 1)); err != nil {
					t.Errorf("rank %d SetTile: %v", rank, err)
					return
				}
			}
			if err := fb.WaitUntilFinished(); err != nil {
				t.Errorf("rank %d WaitUntilFinished: %v", rank, err)
				return
			}
			if _, err := fb.EndFrame(0); err != nil {
				t.Errorf("rank %d EndFrame: %v", rank, err)
			}
		}(other, i)
	}

	fb := cluster[1]
	fb.BeginFrame()
	if err := fb.StartNewFrame(0); err != nil {
		t.Fatalf("StartNewFrame: %v", err)
	}
	if err := fb.Clear(MaskColor); err == nil {
		t.Fatal("expected error calling Clear while a frame is active")
	}

	for _, tl := range fb.MyTiles() {
		if err := fb.SetTile(int32(tl.OriginX), int32(tl.OriginY), 0, solidTile(testTileSize, 1, 1, 1)); err != nil {
			t.Fatalf("SetTile: %v", err)
		}
	}
	if err := fb.WaitUntilFinished(); err != nil {
		t.Fatalf("WaitUntilFinished: %v", err)
	}
	if _, err := fb.EndFrame(0); err != nil {
		t.Fatalf("EndFrame: %v", err)
	}
	wg.Wait()
}

func TestSetFrameModeIsIdempotentAndRebuildsOnChange(t *testing.T) {
	cluster, stop := buildTestCluster(t, compose.WriteMultipleMode)
	defer stop()

	fb := cluster[testMasterRank]
	if err := fb.SetFrameMode(compose.WriteMultipleMode); err != nil {
		t.Fatalf("SetFrameMode to the same mode should be a no-op: %v", err)
	}
	if err := fb.SetFrameMode(compose.AlphaBlendMode); err != nil {
		t.Fatalf("SetFrameMode: %v", err)
	}
}

func TestSetFrameModeRejectsActiveFrame(t *testing.T) {
	cluster, stop := buildTestCluster(t, compose.WriteMultipleMode)
	defer stop()

	// Mirrors TestClearRejectsActiveFrame's choreography: rank 1's
	// frame must be active when SetFrameMode is called, which requires
	// ranks 0 and 2 to be running their own StartNewFrame concurrently
	// (it is a collective) on background goroutines.
	var wg sync.WaitGroup
	for i, other := range cluster {
		if i == 1 {
			continue
		}
		wg.Add(1)
		go func(fb *Framebuffer, rank int) {
			defer wg.Done()
			fb.BeginFrame()
			if err := fb.StartNewFrame(0); err != nil {
				t.Errorf("rank %d StartNewFrame: %v", rank, err)
				return
			}
			for _, tl := range fb.MyTiles() {
				if err := fb.SetTile(int32(tl.OriginX), int32(tl.OriginY), 0, solidTile(testTileSize, 1, 1, 1)); err != nil {
					t.Errorf("rank %d SetTile: %v", rank, err)
					return
				}
			}
			if err := fb.WaitUntilFinished(); err != nil {
				t.Errorf("rank %d WaitUntilFinished: %v", rank, err)
				return
			}
			if _, err := fb.EndFrame(0); err != nil {
				t.Errorf("rank %d EndFrame: %v", rank, err)
			}
		}(other, i)
	}

	fb := cluster[1]
	fb.BeginFrame()
	if err := fb.StartNewFrame(0); err != nil {
		t.Fatalf("StartNewFrame: %v", err)
	}
	if err := fb.SetFrameMode(compose.AlphaBlendMode); err == nil {
		t.Fatal("expected error calling SetFrameMode while a frame is active")
	}

	for _, tl := range fb.MyTiles() {
		if err := fb.SetTile(int32(tl.OriginX), int32(tl.OriginY), 0, solidTile(testTileSize, 1, 1, 1)); err != nil {
			t.Fatalf("SetTile: %v", err)
		}
	}
	if err := fb.WaitUntilFinished(); err != nil {
		t.Fatalf("WaitUntilFinished: %v", err)
	}
	if _, err := fb.EndFrame(0); err != nil {
		t.Fatalf("EndFrame: %v", err)
	}
	wg.Wait()
}

func TestCancelledReflectsCancelBeforeBeginFrame(t *testing.T) {
	cluster, stop := buildTestCluster(t, compose.WriteMultipleMode)
	defer stop()

	fb := cluster[1]
	if fb.Cancelled() {
		t.Fatal("Cancelled() true before any Cancel call")
	}
	if err := fb.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !fb.Cancelled() {
		t.Fatal("Cancelled() false immediately after Cancel")
	}
	fb.BeginFrame()
	if fb.Cancelled() {
		t.Fatal("BeginFrame should clear the cancellation flag")
	}
}
