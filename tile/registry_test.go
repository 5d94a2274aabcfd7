package tile

import "testing"

func TestNewComputesTileGrid(t *testing.T) {
	r, err := New(Size{W: 20, H: 10}, 8, OwnershipPolicy{NumRanks: 2, MasterIsWorker: true}, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	x, y := r.NumTilesXY()
	if x != 3 || y != 2 { // ceil(20/8)=3, ceil(10/8)=2
		t.Fatalf("NumTilesXY() = (%d,%d), want (3,2)", x, y)
	}
	if r.TotalTiles() != 6 {
		t.Fatalf("TotalTiles() = %d, want 6", r.TotalTiles())
	}
}

func TestNewRejectsBadInput(t *testing.T) {
	if _, err := New(Size{W: 8, H: 8}, 0, OwnershipPolicy{NumRanks: 1}, 0); err == nil {
		t.Fatal("expected error for non-positive TileSize")
	}
	if _, err := New(Size{W: 8, H: 8}, 4, OwnershipPolicy{NumRanks: 0}, 0); err == nil {
		t.Fatal("expected error for non-positive NumRanks")
	}
}

func TestOwnershipRoundRobinMasterIsWorker(t *testing.T) {
	policy := OwnershipPolicy{NumRanks: 3, MasterIsWorker: true}
	for id := 0; id < 9; id++ {
		if got := policy.owner(id); got != id%3 {
			t.Errorf("owner(%d) = %d, want %d", id, got, id%3)
		}
	}
}

func TestOwnershipRoundRobinIdleMaster(t *testing.T) {
	// Master (global rank 0) never owns a tile; ownership round-robins
	// over the remaining worker ranks (1, 2) only.
	policy := OwnershipPolicy{NumRanks: 3, MasterIsWorker: false}
	wantOwners := []int{1, 2, 1, 2, 1}
	for id, want := range wantOwners {
		if got := policy.owner(id); got != want {
			t.Errorf("owner(%d) = %d, want %d", id, got, want)
		}
	}
}

func TestEveryTileHasExactlyOneOwner(t *testing.T) {
	r, err := New(Size{W: 32, H: 32}, 8, OwnershipPolicy{NumRanks: 4, MasterIsWorker: false}, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	total := r.TotalTiles()
	owned := make(map[int]int)
	for rank := 0; rank < 4; rank++ {
		ri, err := New(Size{W: 32, H: 32}, 8, OwnershipPolicy{NumRanks: 4, MasterIsWorker: false}, rank)
		if err != nil {
			t.Fatalf("New rank %d: %v", rank, err)
		}
		for _, d := range ri.MyTiles() {
			owned[d.ID]++
		}
	}
	if len(owned) != total {
		t.Fatalf("got ownership claims for %d tiles, want %d", len(owned), total)
	}
	for id, count := range owned {
		if count != 1 {
			t.Errorf("tile %d claimed by %d ranks, want exactly 1", id, count)
		}
	}
}

func TestMasterOwnsNothingWhenIdle(t *testing.T) {
	r, err := New(Size{W: 16, H: 16}, 8, OwnershipPolicy{NumRanks: 3, MasterIsWorker: false}, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if len(r.MyTiles()) != 0 {
		t.Fatalf("idle master claims %d tiles, want 0", len(r.MyTiles()))
	}
}

func TestDescriptorForCoordsOutOfRange(t *testing.T) {
	r, err := New(Size{W: 16, H: 16}, 8, OwnershipPolicy{NumRanks: 1}, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := r.DescriptorForCoords(-1, 0); err == nil {
		t.Fatal("expected error for negative coordinate")
	}
	if _, err := r.DescriptorForCoords(16, 0); err == nil {
		t.Fatal("expected error for coordinate at the image boundary")
	}
}

func TestAccumIDLifecycle(t *testing.T) {
	r, err := New(Size{W: 8, H: 8}, 8, OwnershipPolicy{NumRanks: 1}, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := r.AccumID(0); got != 0 {
		t.Fatalf("AccumID(0) = %d, want 0", got)
	}
	r.BumpAccumID(0)
	r.BumpAccumID(0)
	if got := r.AccumID(0); got != 2 {
		t.Fatalf("AccumID(0) = %d, want 2", got)
	}
	r.ResetAccumIDs()
	if got := r.AccumID(0); got != 0 {
		t.Fatalf("AccumID(0) after reset = %d, want 0", got)
	}
}

func TestSetInstancesRejectsWrongLength(t *testing.T) {
	r, err := New(Size{W: 16, H: 16}, 8, OwnershipPolicy{NumRanks: 1}, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.SetInstances([]int{1}); err == nil {
		t.Fatal("expected error for an instances[] slice shorter than the tile count")
	}
	counts := make([]int, r.TotalTiles())
	for i := range counts {
		counts[i] = i + 1
	}
	if err := r.SetInstances(counts); err != nil {
		t.Fatalf("SetInstances: %v", err)
	}
	if got := r.Instances(1); got != 2 {
		t.Fatalf("Instances(1) = %d, want 2", got)
	}
}
