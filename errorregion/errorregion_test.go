package errorregion

import (
	"math"
	"sync"
	"testing"

	"github.com/raylab/dfb/transport"
)

func TestNewInitializesToInf(t *testing.T) {
	r := New(3, 3)
	for id := 0; id < 9; id++ {
		if !math.IsInf(float64(r.At(id)), 1) {
			t.Errorf("At(%d) = %v, want +Inf", id, r.At(id))
		}
	}
}

func TestUpdateRejectsInfGuard(t *testing.T) {
	r := New(2, 2)
	r.Update(0, float32(math.Inf(1)))
	if !math.IsInf(float64(r.At(0)), 1) {
		t.Fatalf("Update with +Inf should be rejected by the guard, got %v", r.At(0))
	}
	r.Update(0, 0.5)
	if r.At(0) != 0.5 {
		t.Fatalf("At(0) = %v, want 0.5", r.At(0))
	}
}

func TestReset(t *testing.T) {
	r := New(2, 2)
	r.Update(0, 0.01)
	r.Refine(0.1)
	r.Reset()
	for id := 0; id < 4; id++ {
		if !math.IsInf(float64(r.At(id)), 1) {
			t.Errorf("At(%d) after Reset = %v, want +Inf", id, r.At(id))
		}
	}
}

func TestRefineConvergenceAndMaxError(t *testing.T) {
	// A 4x4 tile grid collapses to a single 1x1 overlay cell
	// (overlayFactor == 4), so every tile's error averages together.
	r := New(4, 4)
	for id := 0; id < 16; id++ {
		r.Update(id, 0.05)
	}
	maxErr := r.Refine(0.1)
	if maxErr != float32(0.05) {
		t.Fatalf("Refine max error = %v, want 0.05", maxErr)
	}

	// A second Refine pass with all tiles already below threshold
	// should short-circuit on the pruned overlay cell and leave the
	// max error computation (over `fine`, not `coarse`) unaffected.
	maxErr = r.Refine(0.1)
	if maxErr != float32(0.05) {
		t.Fatalf("Refine after convergence max error = %v, want 0.05", maxErr)
	}
}

func TestRefineIgnoresUnknownTiles(t *testing.T) {
	r := New(4, 4)
	r.Update(0, 0.2)
	// every other tile stays +Inf ("unknown")
	maxErr := r.Refine(1.0)
	if maxErr != float32(0.2) {
		t.Fatalf("Refine max error = %v, want 0.2 (unknown tiles excluded)", maxErr)
	}
}

func TestSyncBroadcastsFromMaster(t *testing.T) {
	cluster := transport.NewCluster(2)
	for _, c := range cluster {
		c.Start()
	}
	defer func() {
		for _, c := range cluster {
			c.Stop()
		}
	}()

	master := New(1, 1)
	master.Update(0, 0.42)

	worker := New(1, 1)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		master.Sync(cluster[0], 0)
	}()
	go func() {
		defer wg.Done()
		worker.Sync(cluster[1], 0)
	}()
	wg.Wait()

	if worker.At(0) != float32(0.42) {
		t.Fatalf("worker.At(0) after Sync = %v, want 0.42", worker.At(0))
	}
	if master.At(0) != float32(0.42) {
		t.Fatalf("master.At(0) after Sync = %v, want 0.42 (round trip through its own broadcast)", master.At(0))
	}
}
