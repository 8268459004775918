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

// harmonicRatios are the tempo relations treated as the same underlying
// pulse: octave (2), dotted (3:2), and the compound 4:3 and 5:4 feels.
var harmonicRatios = [...]float64{2, 1.5, 4.0 / 3, 1.25}

const (
	// harmonicTolerance is the relative slack when matching ratios.
	harmonicTolerance = 0.03

	// replaceConfidenceMax / replaceStrengthMin gate replacement of the
	// fundamental: only a collapsed fundamental and a strong challenger
	// may move it. Hysteresis against transient noise.
	replaceConfidenceMax = 0.3
	replaceStrengthMin   = 0.8

	harmonicReinforce = 0.1
	harmonicDecay     = 0.05
)

// harmonicReconciler pins the tempo fundamental once established and
// snaps harmonically related estimates back onto it, preventing
// half/double flip-flopping.
type harmonicReconciler struct {
	fundamentalBPM float64
	confidence     float64
}

// offer proposes an estimate with the given raw strength and returns
// the reconciled BPM.
func (r *harmonicReconciler) offer(bpm, strength float64) float64 {
	if bpm <= 0 {
		return r.fundamentalBPM
	}
	if r.fundamentalBPM <= 0 {
		r.fundamentalBPM = bpm
		r.confidence = clamp01(strength)
		return bpm
	}

	if harmonicallyRelated(bpm, r.fundamentalBPM) {
		r.confidence = clamp01(r.confidence + harmonicReinforce*clamp01(strength))
		return r.fundamentalBPM
	}

	r.confidence = clamp01(r.confidence - harmonicDecay)
	if r.confidence < replaceConfidenceMax && strength >= replaceStrengthMin {
		r.fundamentalBPM = bpm
		r.confidence = clamp01(strength)
	}
	return r.fundamentalBPM
}

// seed installs a caller-supplied fundamental at low confidence, to be
// confirmed or displaced by real onsets.
func (r *harmonicReconciler) seed(bpm float64) {
	r.fundamentalBPM = bpm
	r.confidence = 0.2
}

func (r *harmonicReconciler) reset() {
	r.fundamentalBPM = 0
	r.confidence = 0
}

// harmonicallyRelated reports whether a and b share a fundamental:
// equal within tolerance, or related by one of harmonicRatios.
func harmonicallyRelated(a, b float64) bool {
	if a <= 0 || b <= 0 {
		return false
	}
	ratio := a / b
	if ratio < 1 {
		ratio = 1 / ratio
	}
	if ratio-1 <= harmonicTolerance {
		return true
	}
	for _, h := range harmonicRatios {
		if abs(ratio-h)/h <= harmonicTolerance {
			return true
		}
	}
	return false
}
