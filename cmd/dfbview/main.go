// Command dfbview drives a small in-process cluster of Framebuffers
// through a few synthetic frames and renders the master's assembled
// image as colored terminal cells. It exercises the core; it is not
// part of it.
package main

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"

	"github.com/raylab/dfb/assembler"
	"github.com/raylab/dfb/compose"
	"github.com/raylab/dfb/dfb"
	"github.com/raylab/dfb/log"
	"github.com/raylab/dfb/service"
	"github.com/raylab/dfb/tile"
	"github.com/raylab/dfb/transport"
	"github.com/raylab/dfb/wire"
)

const (
	numRanks   = 4 // rank 0 is an idle master, ranks 1-3 are workers
	masterRank = 0
	imageW     = 64
	imageH     = 64
	tileSize   = 8
	numFrames  = 30
)

func main() {
	log.SetLevel(log.Warning)

	screen, err := tcell.NewScreen()
	if err != nil {
		fmt.Fprintf(os.Stderr, "dfbview: creating screen: %v\n", err)
		os.Exit(1)
	}
	if err := screen.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "dfbview: initializing screen: %v\n", err)
		os.Exit(1)
	}
	defer screen.Fini()
	screen.SetStyle(tcell.StyleDefault.Background(tcell.ColorBlack))
	screen.Clear()

	cluster, stop := buildCluster()
	defer stop()

	quit := make(chan struct{})
	go pollInput(screen, quit)

	for frame := 0; frame < numFrames; frame++ {
		select {
		case <-quit:
			return
		default:
		}

		if err := runFrame(cluster, frame); err != nil {
			fmt.Fprintf(os.Stderr, "dfbview: frame %d: %v\n", frame, err)
			return
		}
		renderMaster(screen, cluster[masterRank])
		time.Sleep(120 * time.Millisecond)
	}

	<-quit
}

// buildCluster wires numRanks Framebuffers over a shared in-process
// transport hub and starts their work pools and receive loops.
func buildCluster() ([]*dfb.Framebuffer, func()) {
	transports := transport.NewCluster(numRanks)
	// Every transport is a service.Service (Name/Dependencies/Init/
	// Start/Stop); driving them through the interface here rather than
	// the concrete *transport.InProcess type is what lets buildCluster
	// swap in transport.TCP (also a service.Service) without changes.
	services := make([]service.Service, numRanks)
	for r, tr := range transports {
		services[r] = tr
	}
	policy := tile.OwnershipPolicy{NumRanks: numRanks, MasterIsWorker: false}

	cluster := make([]*dfb.Framebuffer, numRanks)
	for r := 0; r < numRanks; r++ {
		fb, err := dfb.New(dfb.Config{
			ImageSize:       tile.Size{W: imageW, H: imageH},
			TileSize:        tileSize,
			Policy:          policy,
			ThisRank:        r,
			MasterRank:      masterRank,
			Mode:            compose.WriteMultipleMode,
			Format:          wire.FormatI8,
			VarianceEnabled: false,
			AccumKind:       compose.AccumAdd,
			WorkerPoolSize:  4,
			Transport:       transports[r],
		})
		if err != nil {
			panic(err)
		}
		if err := fb.Start(); err != nil {
			panic(err)
		}
		cluster[r] = fb
	}
	for _, svc := range services {
		if err := svc.Init(); err != nil {
			panic(err)
		}
		if err := svc.Start(); err != nil {
			panic(err)
		}
	}

	stop := func() {
		for _, svc := range services {
			svc.Stop()
		}
		for _, fb := range cluster {
			fb.Stop()
		}
	}
	return cluster, stop
}

// runFrame drives every rank through one BeginFrame/StartNewFrame/
// submit/WaitUntilFinished/EndFrame cycle concurrently, since the
// collectives inside StartNewFrame/WaitUntilFinished block until every
// rank has entered them.
func runFrame(cluster []*dfb.Framebuffer, frameIdx int) error {
	var wg sync.WaitGroup
	errs := make([]error, len(cluster))

	for i, fb := range cluster {
		wg.Add(1)
		go func(i int, fb *dfb.Framebuffer) {
			defer wg.Done()
			fb.BeginFrame()
			if err := fb.StartNewFrame(0); err != nil {
				errs[i] = err
				return
			}
			if i != masterRank {
				submitSyntheticTiles(fb, i, frameIdx)
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

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// submitSyntheticTiles fills every tile a worker rank owns with a
// flat, slowly animating color, just enough signal to see tiles move
// across ranks in the rendered output.
func submitSyntheticTiles(fb *dfb.Framebuffer, rank, frameIdx int) {
	r, g, b := syntheticColor(rank, frameIdx)
	for _, t := range fb.MyTiles() {
		data := wire.NewTileData(tileSize, false)
		for i := range data.Samples {
			data.Samples[i] = wire.TileSample{R: r, G: g, B: b, A: 1}
		}
		if err := fb.SetTile(int32(t.OriginX), int32(t.OriginY), 0, data); err != nil {
			fb.Cancel()
			return
		}
	}
}

func syntheticColor(rank, frameIdx int) (r, g, b float32) {
	phase := float32(frameIdx) * 0.1
	switch rank % 3 {
	case 0:
		return clamp01(0.5 + 0.5*sinApprox(phase)), 0.2, 0.2
	case 1:
		return 0.2, clamp01(0.5 + 0.5*sinApprox(phase+2)), 0.2
	default:
		return 0.2, 0.2, clamp01(0.5 + 0.5*sinApprox(phase+4))
	}
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// sinApprox avoids pulling in math just for a cosmetic animated hue;
// a cheap triangle wave reads fine at terminal resolution.
func sinApprox(x float32) float32 {
	for x > 6.2832 {
		x -= 6.2832
	}
	if x < 3.1416 {
		return x/1.5708 - 1
	}
	return 3 - x/1.5708
}

// renderMaster maps the master's assembled color image onto the
// screen, nearest-neighbor downsampled to the terminal's current
// size.
func renderMaster(screen tcell.Screen, master *dfb.Framebuffer) {
	pixels, err := master.Map(assembler.ChannelColor)
	if err != nil {
		return
	}
	defer master.Unmap()

	cols, rows := screen.Size()
	if cols == 0 || rows == 0 {
		return
	}
	for cy := 0; cy < rows; cy++ {
		py := cy * imageH / rows
		for cx := 0; cx < cols; cx++ {
			px := cx * imageW / cols
			idx := (py*imageW + px) * 4
			if idx+3 >= len(pixels) {
				continue
			}
			col := tcell.NewRGBColor(int32(pixels[idx]), int32(pixels[idx+1]), int32(pixels[idx+2]))
			screen.SetContent(cx, cy, ' ', nil, tcell.StyleDefault.Background(col))
		}
	}
	screen.Show()
}

func pollInput(screen tcell.Screen, quit chan struct{}) {
	for {
		ev := screen.PollEvent()
		switch e := ev.(type) {
		case *tcell.EventKey:
			if e.Key() == tcell.KeyEscape || e.Key() == tcell.KeyCtrlC || e.Rune() == 'q' {
				close(quit)
				return
			}
		case nil:
			return
		}
	}
}
