package gather

import (
	"sync"
	"testing"

	"github.com/raylab/dfb/transport"
	"github.com/raylab/dfb/wire"
)

const masterRank = 0

func runOnCluster(t *testing.T, size int, fn func(tr transport.Transport)) {
	t.Helper()
	cluster := transport.NewCluster(size)
	for _, c := range cluster {
		c.Start()
	}
	defer func() {
		for _, c := range cluster {
			c.Stop()
		}
	}()

	var wg sync.WaitGroup
	wg.Add(size)
	for _, c := range cluster {
		go func(tr transport.Transport) {
			defer wg.Done()
			fn(tr)
		}(c)
	}
	wg.Wait()
}

func TestGatherColorConcatenatesEveryRankInOrder(t *testing.T) {
	tile0 := wire.EncodeMasterTile(wire.FormatI8, 0, 0, 0, []byte{1, 2, 3, 4}, nil, nil, nil)
	tile1 := wire.EncodeMasterTile(wire.FormatI8, 4, 0, 0, []byte{5, 6, 7, 8}, nil, nil, nil)
	buffers := map[int][]byte{0: tile0, 1: tile1}

	var result ColorResult
	runOnCluster(t, 2, func(tr transport.Transport) {
		res, err := GatherColor(tr, masterRank, buffers[tr.Rank()])
		if err != nil {
			t.Errorf("GatherColor rank %d: %v", tr.Rank(), err)
			return
		}
		if tr.Rank() == masterRank {
			result = res
		}
	})

	if len(result.ProcessOffsets) != 2 {
		t.Fatalf("got %d process offsets, want 2", len(result.ProcessOffsets))
	}
	if result.ProcessOffsets[0] != 0 {
		t.Fatalf("rank 0 offset = %d, want 0", result.ProcessOffsets[0])
	}
	if result.ProcessOffsets[1] != len(tile0) {
		t.Fatalf("rank 1 offset = %d, want %d", result.ProcessOffsets[1], len(tile0))
	}

	var applied []wire.MasterTile
	if err := DecodeMasterTilesInto(result.Flat, wire.FormatI8, 1, func(mt wire.MasterTile) {
		applied = append(applied, mt)
	}); err != nil {
		t.Fatalf("DecodeMasterTilesInto: %v", err)
	}
	if len(applied) != 2 {
		t.Fatalf("decoded %d tiles, want 2", len(applied))
	}
	if applied[0].OriginX != 0 || applied[1].OriginX != 4 {
		t.Fatalf("decoded tile origins = %+v, want [0 4]", []int32{applied[0].OriginX, applied[1].OriginX})
	}
}

func TestGatherColorNonMasterGetsZeroValue(t *testing.T) {
	buffers := map[int][]byte{0: {}, 1: wire.EncodeMasterTile(wire.FormatI8, 0, 0, 0, []byte{1, 2, 3, 4}, nil, nil, nil)}

	var nonMasterResult ColorResult
	var sawNonMaster bool
	runOnCluster(t, 2, func(tr transport.Transport) {
		res, err := GatherColor(tr, masterRank, buffers[tr.Rank()])
		if err != nil {
			t.Errorf("GatherColor rank %d: %v", tr.Rank(), err)
			return
		}
		if tr.Rank() != masterRank {
			nonMasterResult = res
			sawNonMaster = true
		}
	})

	if !sawNonMaster {
		t.Fatal("non-master branch never ran")
	}
	if nonMasterResult.Flat != nil || nonMasterResult.ProcessOffsets != nil {
		t.Fatalf("non-master result = %+v, want zero value", nonMasterResult)
	}
}

func TestGatherErrorsCollectsPendingTilesFromEveryRank(t *testing.T) {
	ids := map[int][]int32{0: {}, 1: {7, 9}}
	errs := map[int][]float32{0: {}, 1: {0.1, 0.2}}

	var result ErrorOnlyResult
	runOnCluster(t, 2, func(tr transport.Transport) {
		res, err := GatherErrors(tr, masterRank, ids[tr.Rank()], errs[tr.Rank()])
		if err != nil {
			t.Errorf("GatherErrors rank %d: %v", tr.Rank(), err)
			return
		}
		if tr.Rank() == masterRank {
			result = res
		}
	})

	if len(result.TileIDs) != 2 || len(result.Errors) != 2 {
		t.Fatalf("got %d ids / %d errors, want 2/2", len(result.TileIDs), len(result.Errors))
	}
	if result.TileIDs[0] != 7 || result.TileIDs[1] != 9 {
		t.Fatalf("tile ids = %v, want [7 9]", result.TileIDs)
	}
	if result.Errors[0] != float32(0.1) || result.Errors[1] != float32(0.2) {
		t.Fatalf("errors = %v, want [0.1 0.2]", result.Errors)
	}
}

func TestDegenerateIsABarrierAcrossAllRanks(t *testing.T) {
	// Every rank must return from Degenerate; if it failed to act as a
	// barrier, a rank could return before a slower peer even entered
	// it, which this synchronized run would not itself catch, but a
	// hang here (caught by the test timeout) would indicate the
	// opposite failure.
	runOnCluster(t, 3, func(tr transport.Transport) {
		Degenerate(tr)
	})
}

func TestDecodeMasterTilesIntoStopsAtExactLength(t *testing.T) {
	a := wire.EncodeMasterTile(wire.FormatI8, 0, 0, 0.1, []byte{1, 2, 3, 4}, nil, nil, nil)
	b := wire.EncodeMasterTile(wire.FormatI8, 4, 0, 0.2, []byte{5, 6, 7, 8}, nil, nil, nil)
	block := append(append([]byte{}, a...), b...)

	var count int
	if err := DecodeMasterTilesInto(block, wire.FormatI8, 1, func(wire.MasterTile) {
		count++
	}); err != nil {
		t.Fatalf("DecodeMasterTilesInto: %v", err)
	}
	if count != 2 {
		t.Fatalf("applied %d tiles, want 2", count)
	}
}
