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

import "testing"

func TestHarmonicSnapToFundamental(t *testing.T) {
	r := harmonicReconciler{}
	if got := r.offer(128, 1); got != 128 {
		t.Fatalf("first offer returned %g, want 128", got)
	}
	for _, bpm := range []float64{64, 256, 192, 96, 160} { // 1:2, 2:1, 3:2, 4:3(inv), 5:4
		if got := r.offer(bpm, 0.9); got != 128 {
			t.Errorf("offer(%g) returned %g, want snap to 128", bpm, got)
		}
	}
	if r.confidence < 1 {
		t.Errorf("confidence %g after repeated harmonic confirmation, want 1", r.confidence)
	}
}

func TestHarmonicReplacementHysteresis(t *testing.T) {
	r := harmonicReconciler{}
	r.offer(128, 1)

	// Strong unrelated candidates must not displace a confident
	// fundamental.
	for i := 0; i < 5; i++ {
		if got := r.offer(112, 1); got != 128 {
			t.Fatalf("unrelated candidate displaced fundamental while confidence %.2f", r.confidence)
		}
	}

	// Keep decaying until confidence collapses; then a strong candidate
	// may take over.
	for r.confidence >= replaceConfidenceMax {
		r.offer(112, 0.5) // weak challengers decay but never replace
		if r.fundamentalBPM != 128 {
			t.Fatal("weak candidate replaced the fundamental")
		}
	}
	if got := r.offer(112, 0.9); got != 112 {
		t.Errorf("strong candidate failed to replace collapsed fundamental, got %g", got)
	}
}

func TestHarmonicallyRelated(t *testing.T) {
	cases := []struct {
		a, b float64
		want bool
	}{
		{128, 128, true},
		{128, 64, true},
		{64, 128, true},
		{180, 120, true},  // 3:2
		{160, 120, true},  // 4:3
		{150, 120, true},  // 5:4
		{128, 112, false},
		{128, 150, false}, // 1.172, between 1 and 5:4
		{0, 120, false},
	}
	for _, c := range cases {
		if got := harmonicallyRelated(c.a, c.b); got != c.want {
			t.Errorf("harmonicallyRelated(%g, %g) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestHarmonicSeed(t *testing.T) {
	r := harmonicReconciler{}
	r.seed(150)
	if r.fundamentalBPM != 150 || r.confidence != 0.2 {
		t.Fatalf("seed gave bpm %g conf %g", r.fundamentalBPM, r.confidence)
	}
	// A contradicting strong estimate displaces a seed quickly: one
	// decay drops confidence under the replacement ceiling.
	r.offer(128, 0.9)
	r.offer(128, 0.9)
	if r.fundamentalBPM != 128 {
		t.Errorf("strong contradicting evidence left seed at %g", r.fundamentalBPM)
	}
}
