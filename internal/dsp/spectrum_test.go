package dsp

import (
	"math"
	"testing"
)

func TestSpectrumPeaksAtTone(t *testing.T) {
	const n = 256
	s := NewSpectrum(n)
	data := make([]complex64, n)
	for i := range data {
		phase := 2 * math.Pi * 32 * float64(i) / n
		data[i] = complex64(complex(math.Cos(phase), math.Sin(phase)))
	}
	db := s.PowerDB(data)
	if len(db) != n {
		t.Fatalf("unexpected length %d", len(db))
	}
	occ := Occupy(db, 0, 0)
	if !occ.Available || occ.PeakBin != n/2+32 {
		t.Fatalf("expected peak at %d got %+v", n/2+32, occ)
	}
	if math.Abs(occ.PeakDB) > 0.01 {
		t.Fatalf("full-scale tone should read 0 dB, got %.3f", occ.PeakDB)
	}
	if occ.SNRDB < 60 {
		t.Fatalf("expected a clean tone, SNR %.1f", occ.SNRDB)
	}
	freqs := s.BinFrequencies(25600)
	if freqs[occ.PeakBin] != 3200 {
		t.Fatalf("peak bin frequency %.1f", freqs[occ.PeakBin])
	}
}

func TestSpectrumPadsShortBlocks(t *testing.T) {
	s := NewSpectrum(64)
	db := s.PowerDB([]complex64{1, 1, 1})
	if len(db) != 64 {
		t.Fatalf("unexpected length %d", len(db))
	}
	for _, v := range db {
		if math.IsNaN(v) {
			t.Fatalf("spectrum contains NaN")
		}
	}
	if len(s.PowerDB(nil)) != s.Size() {
		t.Fatalf("empty block should still yield %d bins", s.Size())
	}
}

func TestFFTShift(t *testing.T) {
	in := []complex128{0, 1, 2, 3}
	out := FFTShift(in)
	expected := []complex128{2, 3, 0, 1}
	for i := range expected {
		if out[i] != expected[i] {
			t.Fatalf("index %d expected %v got %v", i, expected[i], out[i])
		}
	}
	odd := FFTShift([]complex128{0, 1, 2, 3, 4})
	if odd[2] != 0 {
		t.Fatalf("odd shift should centre DC, got %v", odd)
	}
}

func TestOccupyEmptyBand(t *testing.T) {
	if occ := Occupy(nil, 0, 0); occ.Available {
		t.Fatalf("expected unavailable occupancy")
	}
	if occ := Occupy([]float64{1, 2, 3}, 2, 1); occ.Available {
		t.Fatalf("expected unavailable occupancy for inverted band")
	}
}
