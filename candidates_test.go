//  Copyright 2019 Marius Ackerman
//
//  Licensed under the Apache License, Version 2.0 (the "License");
//  you may not use this file except in compliance with the License.
//  You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
//  Unless required by applicable law or agreed to in writing, software
//  distributed under the License is distributed on an "AS IS" BASIS,
//  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//  See the License for the specific language governing permissions and
//  limitations under the License.

package tempolock

import (
	"math"
	"testing"
)

func repeatInterval(ms float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = ms
	}
	return out
}

func TestFindCandidatesSteady128(t *testing.T) {
	cfg := DefaultConfig()
	cands := findCandidates(repeatInterval(468.75, 10), cfg.ClusterTolerancePercent, &cfg)
	if len(cands) == 0 {
		t.Fatal("no candidates from a steady interval train")
	}
	if bpm := cands[0].BPM(); math.Abs(bpm-128) > 0.5 {
		t.Errorf("top candidate %.2f BPM, want 128", bpm)
	}
	if cands[0].Multiplier != 1 {
		t.Errorf("top candidate multiplier %d, want 1", cands[0].Multiplier)
	}
}

func TestFindCandidatesHalfRatePrefersDoubled(t *testing.T) {
	// Onsets on every second beat of a 128 BPM grid: the multiplier-2
	// cluster lands in the common 120-140 range and outranks the raw
	// 64 BPM reading.
	cfg := DefaultConfig()
	cands := findCandidates(repeatInterval(937.5, 10), cfg.ClusterTolerancePercent, &cfg)
	if len(cands) < 2 {
		t.Fatalf("got %d candidates, want both the raw and doubled readings", len(cands))
	}
	if bpm := cands[0].BPM(); math.Abs(bpm-128) > 0.5 {
		t.Errorf("top candidate %.2f BPM, want 128", bpm)
	}
	if cands[0].Multiplier != 2 {
		t.Errorf("top candidate multiplier %d, want 2", cands[0].Multiplier)
	}
}

func TestFindCandidatesImplausibleFiltered(t *testing.T) {
	cfg := DefaultConfig()
	// 200ms intervals: 300 BPM raw, outside [60,220] at every multiplier
	// except none; the multiplied readings (600 BPM, 1200 BPM) are worse.
	cands := findCandidates(repeatInterval(200, 8), cfg.ClusterTolerancePercent, &cfg)
	for _, c := range cands {
		if !cfg.plausibleBPM(c.BPM()) {
			t.Errorf("implausible candidate %.1f BPM passed the filter", c.BPM())
		}
	}
}

func TestFindCandidatesNeedsClusterMembers(t *testing.T) {
	cfg := DefaultConfig()
	if cands := findCandidates([]float64{500}, cfg.ClusterTolerancePercent, &cfg); cands != nil {
		t.Errorf("single interval produced candidates: %v", cands)
	}
	// Two intervals form only a trailing cluster, which needs three.
	if cands := findCandidates([]float64{500, 500}, cfg.ClusterTolerancePercent, &cfg); len(cands) != 0 {
		t.Errorf("two intervals produced candidates: %v", cands)
	}
}

func TestFindCandidatesConsistency(t *testing.T) {
	cfg := DefaultConfig()
	tight := findCandidates(repeatInterval(500, 8), cfg.ClusterTolerancePercent, &cfg)
	loose := findCandidates([]float64{480, 505, 492, 515, 488, 510, 495, 502}, cfg.ClusterTolerancePercent, &cfg)
	if len(tight) == 0 || len(loose) == 0 {
		t.Fatal("expected candidates from both trains")
	}
	if tight[0].Strength <= loose[0].Strength {
		t.Errorf("tight cluster strength %.3f not above scattered %.3f",
			tight[0].Strength, loose[0].Strength)
	}
}
