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

import "sort"

// TempoCandidate is one scored beat-period hypothesis derived from the
// interval history. Transient: recomputed per cycle, never stored.
type TempoCandidate struct {
	IntervalMs float64
	Strength   float64
	Multiplier int
}

// BPM returns the candidate tempo.
func (c TempoCandidate) BPM() float64 { return 60000 / c.IntervalMs }

// candidateMultipliers are the harmonic divisors applied to raw
// intervals before clustering: material with onsets on every second or
// fourth beat still yields the true beat period.
var candidateMultipliers = [...]int{1, 2, 4}

// Common dance/pop tempi get a scoring bonus. Mirrors the perceptual
// weighting used when autocorrelating onset envelopes.
const (
	commonBPMLow   = 120
	commonBPMHigh  = 140
	commonBPMBonus = 1.15
)

// findCandidates clusters the given intervals, scaled by each harmonic
// multiplier, via a sorted sweep within tolPct. Clusters need at least
// two members (three for the trailing cluster, which a single stray
// long gap would otherwise dominate). Results are filtered to the
// plausible BPM range and sorted by strength descending.
func findCandidates(intervals []float64, tolPct float64, cfg *Config) []TempoCandidate {
	if len(intervals) < 2 {
		return nil
	}

	var out []TempoCandidate
	scaled := make([]float64, 0, len(intervals))
	for _, mult := range candidateMultipliers {
		scaled = scaled[:0]
		for _, iv := range intervals {
			s := iv / float64(mult)
			if s > 0 {
				scaled = append(scaled, s)
			}
		}
		sort.Float64s(scaled)
		out = appendClusters(out, scaled, tolPct, mult, len(intervals), cfg)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Strength > out[j].Strength })
	return out
}

func appendClusters(out []TempoCandidate, sorted []float64, tolPct float64, mult, total int, cfg *Config) []TempoCandidate {
	i := 0
	for i < len(sorted) {
		j := i + 1
		sum := sorted[i]
		for j < len(sorted) && sorted[j] <= sorted[i]*(1+tolPct/100) {
			sum += sorted[j]
			j++
		}
		size := j - i
		minMembers := 2
		if j == len(sorted) {
			minMembers = 3
		}
		if size >= minMembers {
			mean := sum / float64(size)
			variance := 0.0
			for _, v := range sorted[i:j] {
				d := v - mean
				variance += d * d
			}
			variance /= float64(size)

			// Tight clusters score near 1, scattered ones fall off fast.
			consistency := 1 / (1 + variance/(mean*mean))
			strength := float64(size) / float64(total) * consistency

			bpm := 60000 / mean
			if bpm >= commonBPMLow && bpm <= commonBPMHigh {
				strength *= commonBPMBonus
			}
			if cfg.plausibleBPM(bpm) {
				out = append(out, TempoCandidate{
					IntervalMs: mean,
					Strength:   strength,
					Multiplier: mult,
				})
			}
		}
		i = j
	}
	return out
}
