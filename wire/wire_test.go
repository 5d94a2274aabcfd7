package wire

import (
	"testing"
)

func TestEncodeDecodeWorkerTileRoundTrip(t *testing.T) {
	tile := NewTileData(2, true)
	for i := range tile.Samples {
		tile.Samples[i] = TileSample{
			R: 0.1, G: 0.2, B: 0.3, A: 0.4, Z: float32(i),
			Nx: 1, Ny: 2, Nz: 3,
			AlbedoR: 0.5, AlbedoG: 0.6, AlbedoB: 0.7,
		}
	}

	buf := EncodeWorkerTile(16, 24, 3, 7, tile)

	gotX, gotY, gotInstance, gotFrame, got, err := DecodeWorkerTile(buf, 2)
	if err != nil {
		t.Fatalf("DecodeWorkerTile: %v", err)
	}
	if gotX != 16 || gotY != 24 {
		t.Fatalf("origin mismatch: got (%d,%d)", gotX, gotY)
	}
	if gotInstance != 3 {
		t.Fatalf("instanceID mismatch: got %d want 3", gotInstance)
	}
	if gotFrame != 7 {
		t.Fatalf("frameID mismatch: got %d want 7", gotFrame)
	}
	if !got.HasAux {
		t.Fatal("HasAux lost in round trip")
	}
	for i, s := range got.Samples {
		want := tile.Samples[i]
		if s != want {
			t.Fatalf("sample %d mismatch: got %+v want %+v", i, s, want)
		}
	}
}

func TestDecodeWorkerTileRejectsShortMessage(t *testing.T) {
	if _, _, _, _, _, err := DecodeWorkerTile([]byte{1, 2, 3}, 4); err == nil {
		t.Fatal("expected error decoding a message shorter than the header")
	}
}

func TestDecodeWorkerTileRejectsWrongCommand(t *testing.T) {
	buf := make([]byte, 20)
	// command word left zero: not WorkerWriteTile
	if _, _, _, _, _, err := DecodeWorkerTile(buf, 1); err == nil {
		t.Fatal("expected error decoding a non-WORKER_WRITE_TILE command")
	}
}

func TestEncodeDecodeMasterTileRoundTrip(t *testing.T) {
	color := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16} // 4 pixels, 4 bytes each
	depth := []float32{0.1, 0.2, 0.3, 0.4}
	buf := EncodeMasterTile(FormatI8, 8, 16, 0.01, color, depth, nil, nil)

	mt, consumed, err := DecodeMasterTile(buf, FormatI8, 2)
	if err != nil {
		t.Fatalf("DecodeMasterTile: %v", err)
	}
	if consumed != len(buf) {
		t.Fatalf("consumed %d, want %d", consumed, len(buf))
	}
	if mt.OriginX != 8 || mt.OriginY != 16 {
		t.Fatalf("origin mismatch: got (%d,%d)", mt.OriginX, mt.OriginY)
	}
	if mt.Error != float32(0.01) {
		t.Fatalf("error mismatch: got %v", mt.Error)
	}
	if len(mt.Color) != len(color) {
		t.Fatalf("color length mismatch: got %d want %d", len(mt.Color), len(color))
	}
	if len(mt.Depth) != len(depth) || mt.Depth[0] != depth[0] || mt.Depth[1] != depth[1] {
		t.Fatalf("depth mismatch: got %v want %v", mt.Depth, depth)
	}
}

func TestIsCancel(t *testing.T) {
	buf := EncodeCancel()
	if !IsCancel(buf) {
		t.Fatal("EncodeCancel's output should be recognized by IsCancel")
	}
	worker := EncodeWorkerTile(0, 0, 0, 0, NewTileData(1, false))
	if IsCancel(worker) {
		t.Fatal("a worker tile message must not be mistaken for a cancellation")
	}
}

func TestWireTileBytesMatchesEncodedMasterTileLength(t *testing.T) {
	color := make([]byte, FormatF32.BytesPerPixel()*4)
	depth := make([]float32, 4)
	normals := make([]float32, 12)
	albedo := make([]float32, 12)
	buf := EncodeMasterTile(FormatF32, 0, 0, 0, color, depth, normals, albedo)

	want := WireTileBytes(FormatF32, 2, true, true)
	if len(buf) != want {
		t.Fatalf("WireTileBytes() = %d, encoded length = %d", want, len(buf))
	}
}

func TestBytesPerPixel(t *testing.T) {
	cases := map[ColorFormat]int{FormatNone: 0, FormatI8: 4, FormatF32: 16}
	for f, want := range cases {
		if got := f.BytesPerPixel(); got != want {
			t.Errorf("%v.BytesPerPixel() = %d, want %d", f, got, want)
		}
	}
}
