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

// Package tempolock extracts rhythmic structure from a continuously
// sampled audio signal: tempo, lock confidence, octave-correction state
// and a coarse time signature, for driving beat-synchronized consumers.
//
// The detector is single-threaded and tick-driven. The owning pipeline
// calls Tick with one SampleFrame per cadence interval (or feeds
// precomputed onsets through ProcessOnset) and pulls the composite
// result with Status. It performs no I/O, holds no timers, and keeps
// every buffer bounded, so each tick is bounded-time.
package tempolock

// CorrectionType reports how the emitted tempo relates to the raw
// inter-onset tempo. Octave ambiguity is a detected condition, not an
// error.
type CorrectionType string

const (
	CorrectionNone    CorrectionType = "none"
	CorrectionHalved  CorrectionType = "halved"
	CorrectionDoubled CorrectionType = "doubled"
)

// Status is the composite pull-based result of a detector.
type Status struct {
	BPM              float64
	Confidence       float64
	Locked           bool
	LockStage        LockStage
	CorrectionType   CorrectionType
	Finalized        bool
	GrooveConfidence float64
	AgentCount       int
	PeakCount        int
	TopAgents        []AgentSnapshot
	TimeSignature    TimeSignatureHypothesis

	// Available is false while the pipeline validator has declared the
	// upstream analyzer tap dead. Detection output is stale then.
	Available bool
}

const (
	// agentPreferenceMin is the population confidence above which the
	// agent estimate is preferred over interval clustering.
	agentPreferenceMin = 0.55

	// recentIntervalsForCandidates caps how much of the interval ring
	// the clusterer sees per cycle.
	recentIntervalsForCandidates = 15

	// starvationGapMs: no onsets for this long counts as starved input.
	// Non-fatal; confidence decays, gaps are not recorded as intervals.
	starvationGapMs = 4000

	// starveDecayEveryFrames throttles agent decay during starvation.
	starveDecayEveryFrames = 100

	seedConfidence = 0.2
)

// Detector is the agent-based tempo induction and lock pipeline.
// Exactly one lock state machine per detector; one detector per audio
// track. Not safe for concurrent use: a single producer must deliver
// frames and onsets in non-decreasing timestamp order.
type Detector struct {
	cfg Config

	extractor *onsetExtractor
	intervals *intervalHistory
	agents    *agentPopulation
	harmonics harmonicReconciler
	lock      *lockStateMachine
	timesig   *timeSignatureClassifier
	trace     *traceRing

	nowMs       float64
	frames      int
	lastOnsetMs float64
	bpm         float64
	confidence  float64
	correction  CorrectionType
	available   bool
}

// New validates cfg and constructs a detector. Out-of-range parameters
// fail here; steady-state ingestion never returns errors.
func New(cfg Config) (*Detector, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	d := &Detector{cfg: cfg}
	d.init()
	return d, nil
}

func (d *Detector) init() {
	d.extractor = newOnsetExtractor(&d.cfg)
	d.intervals = newIntervalHistory(d.cfg.IntervalHistorySize)
	d.agents = newAgentPopulation(&d.cfg)
	d.harmonics = harmonicReconciler{}
	d.lock = newLockStateMachine(&d.cfg)
	d.timesig = newTimeSignatureClassifier(&d.cfg)
	if d.cfg.TraceSize > 0 {
		d.trace = newTraceRing(d.cfg.TraceSize)
	} else {
		d.trace = nil
	}
	d.nowMs = 0
	d.frames = 0
	d.lastOnsetMs = -1
	d.bpm = 0
	d.confidence = 0
	d.correction = CorrectionNone
	d.available = true
}

// Tick processes one frame at the pipeline's cadence. A frame with a
// zero timestamp is placed one cadence interval after the previous one.
// Empty frames are "no onset", never an error.
func (d *Detector) Tick(frame SampleFrame) {
	ts := frame.TimestampMs
	if ts == 0 && d.frames > 0 {
		ts = d.nowMs + d.cfg.FrameIntervalMs
	}
	if ts < d.nowMs {
		return // out of order, drop
	}
	d.nowMs = ts
	d.frames++
	frame.TimestampMs = ts

	if ev, ok := d.extractor.process(frame); ok {
		d.processEvent(ev)
		return
	}

	if d.lastOnsetMs >= 0 && d.nowMs-d.lastOnsetMs > starvationGapMs {
		d.confidence *= 0.995
		d.lock.starve()
		if d.frames%starveDecayEveryFrames == 0 {
			d.agents.decay()
		}
	}
}

// ProcessOnset feeds one precomputed onset, bypassing the extractor.
// Bass weighting defaults to neutral.
func (d *Detector) ProcessOnset(strength, tsMs float64) {
	d.processEvent(OnsetEvent{TimestampMs: tsMs, Strength: clamp01(strength), BassWeight: 0.5})
}

func (d *Detector) processEvent(ev OnsetEvent) {
	if ev.TimestampMs < d.lastOnsetMs {
		return // ordering violated, drop
	}
	if ev.TimestampMs > d.nowMs {
		d.nowMs = ev.TimestampMs
	}

	if d.lastOnsetMs >= 0 {
		gap := ev.TimestampMs - d.lastOnsetMs
		if gap > 0 && gap <= starvationGapMs {
			d.intervals.add(gap)
		}
	}
	d.lastOnsetMs = ev.TimestampMs

	d.agents.processPeak(ev.Strength, ev.TimestampMs)

	tol := d.cfg.ClusterTolerancePercent
	if d.lock.locked() {
		tol /= 2
		if tol < 3 {
			tol = 3
		}
	}
	cands := findCandidates(d.intervals.recent(recentIntervalsForCandidates), tol, &d.cfg)

	raw, strength := d.chooseEstimate(cands)
	if raw > 0 {
		d.bpm = d.harmonics.offer(raw, strength)
		d.confidence = clamp01(0.5*strength + 0.5*d.harmonics.confidence)
		d.correction = d.classifyCorrection()
	}

	d.lock.observe(d.bpm, d.agents.peakCount)
	d.timesig.observe(ev, d.bpm)

	if d.trace != nil {
		d.trace.record(d, ev)
	}
}

// chooseEstimate prefers the agent population once it has a clear
// winner; interval clustering is the fallback while the population is
// still converging (and keeps running afterwards as a second opinion).
func (d *Detector) chooseEstimate(cands []TempoCandidate) (bpm, strength float64) {
	if leader := d.agents.leader(); leader != nil {
		if conf := d.agents.confidence(); conf >= agentPreferenceMin {
			return leader.BPM(), conf
		}
	}
	if len(cands) > 0 {
		return cands[0].BPM(), clamp01(cands[0].Strength)
	}
	return 0, 0
}

// classifyCorrection compares the emitted tempo against the raw
// inter-onset tempo. Material whose onsets arrive at half the emitted
// rate was doubled; at twice the rate, halved.
func (d *Detector) classifyCorrection() CorrectionType {
	if d.bpm <= 0 || d.intervals.len() == 0 {
		return CorrectionNone
	}
	recent := d.intervals.recent(recentIntervalsForCandidates)
	rawBPM := 60000 / medianOf(recent)
	switch {
	case withinPct(d.bpm, 2*rawBPM, 100*harmonicTolerance):
		return CorrectionDoubled
	case withinPct(d.bpm, rawBPM/2, 100*harmonicTolerance):
		return CorrectionHalved
	}
	return CorrectionNone
}

// Status returns the composite detection result. Pure read.
func (d *Detector) Status() Status {
	return Status{
		BPM:              d.bpm,
		Confidence:       d.confidence,
		Locked:           d.lock.locked(),
		LockStage:        d.lock.stage,
		CorrectionType:   d.correction,
		Finalized:        d.lock.stage == StageFinalized,
		GrooveConfidence: d.lock.groove,
		AgentCount:       len(d.agents.agents),
		PeakCount:        d.agents.peakCount,
		TopAgents:        d.agents.snapshots(3),
		TimeSignature:    d.timesig.current(),
		Available:        d.available,
	}
}

// Reset atomically clears all state. An optional seed BPM installs a
// low-confidence fundamental that real onsets must confirm or displace.
// Required when the detector is switched to a new track.
func (d *Detector) Reset(seedBPM ...float64) {
	d.init()
	if len(seedBPM) > 0 && seedBPM[0] > 0 && d.cfg.plausibleBPM(seedBPM[0]) {
		d.bpm = seedBPM[0]
		d.confidence = seedConfidence
		d.harmonics.seed(seedBPM[0])
	}
}

// FastResetTimeSignature forces the time-signature classifier to
// re-evaluate without disturbing the tempo estimate.
func (d *Detector) FastResetTimeSignature() {
	d.timesig.fastReset()
}

// setAvailable is flipped by the pipeline validator.
func (d *Detector) setAvailable(ok bool) { d.available = ok }

func medianOf(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	tmp := make([]float64, len(xs))
	copy(tmp, xs)
	// Insertion sort: the slice is at most the interval ring size.
	for i := 1; i < len(tmp); i++ {
		for j := i; j > 0 && tmp[j] < tmp[j-1]; j-- {
			tmp[j], tmp[j-1] = tmp[j-1], tmp[j]
		}
	}
	return tmp[len(tmp)/2]
}

func withinPct(a, b, pct float64) bool {
	if b == 0 {
		return false
	}
	return abs(a-b)/b*100 <= pct
}
