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

// SampleFrame is one analysis window delivered by the owning pipeline
// at the configured cadence. FreqBins holds normalized [0,1] magnitudes
// with bass in the leading bins; Samples holds time-domain amplitudes
// in [-1,1]. Frames are not retained after processing.
type SampleFrame struct {
	TimestampMs float64
	FreqBins    []float64
	Samples     []float64
}

// OnsetEvent is one detected onset. Strength is in [0,1]; BassWeight is
// the share of frame energy carried by the bass band.
type OnsetEvent struct {
	TimestampMs float64
	Strength    float64
	BassWeight  float64
}

// Amplitude levels for the discrete-transient path: a frame quieter
// than transientSilence followed by one louder than transientSpike, or
// a jump of transientDelta between consecutive frames, is an onset even
// when spectral flux stays under threshold.
const (
	transientSilence = 0.05
	transientSpike   = 0.40
	transientDelta   = 0.30
)

// onsetExtractor turns raw frames into discrete onset events using
// adaptive-threshold spectral flux plus transient detection. Pure
// function of its rolling state; an empty or missing frame is "no
// onset", never an error.
type onsetExtractor struct {
	cfg *Config

	prevLowEnergy float64
	prevAmplitude float64
	fluxHistory   []float64
	lastOnsetMs   float64
	seen          bool
}

func newOnsetExtractor(cfg *Config) *onsetExtractor {
	return &onsetExtractor{
		cfg:         cfg,
		fluxHistory: make([]float64, 0, cfg.FluxHistorySize),
		lastOnsetMs: -cfg.RefractoryMs,
	}
}

// process consumes one frame and reports whether it fired an onset.
func (x *onsetExtractor) process(f SampleFrame) (OnsetEvent, bool) {
	if len(f.FreqBins) == 0 && len(f.Samples) == 0 {
		return OnsetEvent{}, false
	}

	lowEnergy := meanOf(f.FreqBins, x.cfg.LowBins)
	totalEnergy := meanOf(f.FreqBins, len(f.FreqBins))
	amplitude := peakToPeak(f.Samples)

	flux := lowEnergy - x.prevLowEnergy
	if flux < 0 {
		flux = 0
	}

	threshold := x.threshold()
	x.pushFlux(flux)

	fluxHit := x.seen && flux > threshold
	transient := x.seen &&
		((x.prevAmplitude < transientSilence && amplitude > transientSpike) ||
			amplitude-x.prevAmplitude > transientDelta)

	x.prevLowEnergy = lowEnergy
	prevAmp := x.prevAmplitude
	x.prevAmplitude = amplitude
	x.seen = true

	if !fluxHit && !transient {
		return OnsetEvent{}, false
	}
	// Refractory gate: coalesce anything inside the window into the
	// onset that opened it.
	if f.TimestampMs-x.lastOnsetMs < x.cfg.RefractoryMs {
		return OnsetEvent{}, false
	}
	x.lastOnsetMs = f.TimestampMs

	var strength float64
	if fluxHit {
		strength = clamp01(flux / (2*threshold + 1e-9))
	} else {
		strength = clamp01(amplitude - prevAmp)
	}

	bass := 0.0
	if totalEnergy > 1e-9 {
		bass = clamp01(lowEnergy / totalEnergy)
	}

	return OnsetEvent{TimestampMs: f.TimestampMs, Strength: strength, BassWeight: bass}, true
}

func (x *onsetExtractor) threshold() float64 {
	if len(x.fluxHistory) == 0 {
		return x.cfg.FluxFloor
	}
	avg := 0.0
	for _, v := range x.fluxHistory {
		avg += v
	}
	avg /= float64(len(x.fluxHistory))
	return avg*x.cfg.FluxMultiplier + x.cfg.FluxFloor
}

func (x *onsetExtractor) pushFlux(flux float64) {
	if len(x.fluxHistory) == x.cfg.FluxHistorySize {
		copy(x.fluxHistory, x.fluxHistory[1:])
		x.fluxHistory = x.fluxHistory[:len(x.fluxHistory)-1]
	}
	x.fluxHistory = append(x.fluxHistory, flux)
}

func (x *onsetExtractor) reset() {
	x.prevLowEnergy = 0
	x.prevAmplitude = 0
	x.fluxHistory = x.fluxHistory[:0]
	x.lastOnsetMs = -x.cfg.RefractoryMs
	x.seen = false
}

// meanOf averages the first n values of xs, clamping n to len(xs).
func meanOf(xs []float64, n int) float64 {
	if n > len(xs) {
		n = len(xs)
	}
	if n == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range xs[:n] {
		sum += v
	}
	return sum / float64(n)
}

func peakToPeak(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	lo, hi := xs[0], xs[0]
	for _, v := range xs[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return hi - lo
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
