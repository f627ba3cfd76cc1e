package gpu

import (
	"errors"
	"testing"
)

func TestArchitectureValidate(t *testing.T) {
	ceiling := uint64(64 << 20)
	cases := []struct {
		name string
		arch Architecture
		ok   bool
	}{
		{"control net", Architecture{2, 64, 3, 1}, true},
		{"batched", Architecture{2, 64, 3, 32}, true},
		{"zero input", Architecture{0, 64, 3, 1}, false},
		{"negative hidden", Architecture{2, -1, 3, 1}, false},
		{"zero batch", Architecture{2, 64, 3, 0}, false},
		{"batch too large", Architecture{2, 64, 3, MaxBatch + 1}, false},
	}
	for _, tc := range cases {
		err := tc.arch.Validate(ceiling)
		if tc.ok && err != nil {
			t.Errorf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok {
			var vErr *ValidationError
			if !errors.As(err, &vErr) {
				t.Errorf("%s: want ValidationError, got %v", tc.name, err)
			}
		}
	}
}

func TestArchitectureFootprintAgainstCeiling(t *testing.T) {
	arch := Architecture{2, 64, 3, 1}
	fp := arch.footprint()
	if fp == 0 {
		t.Fatal("footprint is zero")
	}
	if err := arch.Validate(fp); err != nil {
		t.Errorf("footprint exactly at ceiling should validate: %v", err)
	}
	if err := arch.Validate(fp - 1); err == nil {
		t.Error("footprint over ceiling should be rejected")
	}
}

func TestPlanSizesAreAligned(t *testing.T) {
	arch := Architecture{2, 64, 3, 16}
	var total uint64
	seen := map[string]bool{}
	for _, p := range arch.plan(true) {
		if p.size%bufferAlignment != 0 {
			t.Errorf("%s size %d not %d-aligned", p.name, p.size, bufferAlignment)
		}
		if seen[p.name] {
			t.Errorf("duplicate plan entry %s", p.name)
		}
		seen[p.name] = true
		total += p.size
	}
	if total != arch.footprint() {
		t.Errorf("footprint %d != plan sum %d", arch.footprint(), total)
	}
}

func TestPlanPersistenceSplit(t *testing.T) {
	arch := Architecture{2, 8, 3, 1}
	persistent := map[string]bool{
		bufWeightsHidden: true,
		bufBiasHidden:    true,
		bufWeightsOut:    true,
		bufBiasOut:       true,
	}
	for _, p := range arch.plan(true) {
		if p.persistent != persistent[p.name] {
			t.Errorf("%s persistent = %v, want %v", p.name, p.persistent, persistent[p.name])
		}
	}
	// With persistentWeights off nothing survives release.
	for _, p := range arch.plan(false) {
		if p.persistent {
			t.Errorf("%s persistent despite persistentWeights=false", p.name)
		}
	}
}

func TestAlignUp(t *testing.T) {
	cases := map[uint64]uint64{0: 0, 1: 256, 256: 256, 257: 512, 1000: 1024}
	for in, want := range cases {
		if got := alignUp(in); got != want {
			t.Errorf("alignUp(%d) = %d, want %d", in, got, want)
		}
	}
}
