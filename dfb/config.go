// Package dfb implements the Frame Controller: the root Framebuffer
// type that owns the frame lifecycle state machine and wires together
// the tile registry, compositor, router, error region, gather, and
// master assembler into the public surface the host renderer drives.
package dfb

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/raylab/dfb/assembler"
	"github.com/raylab/dfb/compose"
	"github.com/raylab/dfb/errorregion"
	"github.com/raylab/dfb/internal/workpool"
	"github.com/raylab/dfb/log"
	"github.com/raylab/dfb/router"
	"github.com/raylab/dfb/stats"
	"github.com/raylab/dfb/tile"
	"github.com/raylab/dfb/transport"
	"github.com/raylab/dfb/wire"
)

// Config is the construction-time configuration of a Framebuffer.
type Config struct {
	ImageSize tile.Size
	TileSize  int
	Policy    tile.OwnershipPolicy

	ThisRank   int
	MasterRank int

	Mode            compose.Mode
	Format          wire.ColorFormat
	VarianceEnabled bool
	AccumKind       compose.AccumKind
	HasDepth        bool
	HasAux          bool

	WorkerPoolSize int

	Transport transport.Transport
}

// New constructs a Framebuffer over the given transport and ownership
// configuration. The caller must call Start after New to launch the
// work pool and begin accepting inbound transport messages.
func New(cfg Config) (*Framebuffer, error) {
	if cfg.Transport == nil {
		return nil, errors.New("dfb: Config.Transport is required")
	}

	registry, err := tile.New(cfg.ImageSize, cfg.TileSize, cfg.Policy, cfg.ThisRank)
	if err != nil {
		return nil, errors.Wrap(err, "dfb: constructing tile registry")
	}
	numTilesX, numTilesY := registry.NumTilesXY()

	fb := &Framebuffer{
		registry:        registry,
		mode:            cfg.Mode,
		format:          cfg.Format,
		tileSize:        cfg.TileSize,
		hasDepth:        cfg.HasDepth,
		hasAux:          cfg.HasAux,
		varianceEnabled: cfg.VarianceEnabled,
		accumKind:       cfg.AccumKind,
		policy:          cfg.Policy,

		tr:         cfg.Transport,
		thisRank:   cfg.ThisRank,
		masterRank: cfg.MasterRank,

		pool:      workpool.NewPool(cfg.WorkerPoolSize),
		errRegion: errorregion.New(numTilesX, numTilesY),
		stats:     stats.NewRegistry(),
		logger:    log.New("dfb.frame"),
	}
	fb.frameDoneCond = sync.NewCond(&fb.frameMutex)

	if cfg.Policy.MasterIsWorker {
		fb.zExpected = cfg.Policy.NumRanks
	} else {
		fb.zExpected = cfg.Policy.NumRanks - 1
	}

	compositor, err := compose.New(cfg.Mode, cfg.TileSize, cfg.Format, cfg.VarianceEnabled, cfg.AccumKind, cfg.HasDepth, cfg.HasAux, fb)
	if err != nil {
		return nil, errors.Wrap(err, "dfb: constructing compositor")
	}
	fb.compositor = compositor

	fb.router = router.New(fb.pool, fb, fb.stats, cfg.TileSize)

	if cfg.ThisRank == cfg.MasterRank && cfg.Format != wire.FormatNone {
		fb.image = assembler.New(cfg.ImageSize.W, cfg.ImageSize.H, cfg.TileSize, cfg.Format)
		if cfg.HasDepth {
			fb.image.EnableDepth()
		}
		if cfg.HasAux {
			fb.image.EnableAux()
		}
	}

	cfg.Transport.SetReceiveHandler(func(src int, payload []byte) {
		fb.router.Incoming(src, payload)
	})

	return fb, nil
}

// Start launches the work pool backing message dispatch. Must be
// called once before the first StartNewFrame.
func (fb *Framebuffer) Start() error {
	return fb.pool.Start()
}

// Stop halts the work pool, draining any queued dispatch tasks.
func (fb *Framebuffer) Stop() error {
	return fb.pool.Stop()
}
