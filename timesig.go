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

// TimeSignatureHypothesis pairs a signature label with the confidence
// of the classification that produced it.
type TimeSignatureHypothesis struct {
	Signature  string
	Confidence float64
}

const (
	// Onset counts gating the classifier: normal and fast mode.
	timeSigMinOnsets     = 12
	timeSigMinOnsetsFast = 6

	// timeSigObsCap bounds the retained onset window.
	timeSigObsCap = 24

	// waltzDominance: beat 1 must carry this multiple of the beat 2/3
	// average before a 3/4 hypothesis is even tested.
	waltzDominance = 1.5

	// tripletAcceptScore: the strong-weak-weak sub-test must reach this
	// before 3/4 is accepted.
	tripletAcceptScore = 0.8

	// timeSigAgreement of the last timeSigHistoryLen classifications
	// locks the signature.
	timeSigAgreement  = 2
	timeSigHistoryLen = 3
)

type timeSigObs struct {
	tsMs   float64
	weight float64
}

// timeSignatureClassifier is a conservative 4/4-vs-3/4 classifier. It
// runs only once a tempo is established and enough onsets are binned,
// defaults to 4/4, and demands a decisive strong-weak-weak pattern
// before reporting a waltz. Locks on majority agreement and skips
// further work until fastReset.
type timeSignatureClassifier struct {
	cfg *Config

	obs        []timeSigObs
	onsetsSeen int
	history    []string
	locked     bool
	hypothesis TimeSignatureHypothesis
}

func newTimeSignatureClassifier(cfg *Config) *timeSignatureClassifier {
	return &timeSignatureClassifier{
		cfg:        cfg,
		obs:        make([]timeSigObs, 0, timeSigObsCap),
		hypothesis: TimeSignatureHypothesis{Signature: "4/4", Confidence: 0.5},
	}
}

// observe bins one onset against the established beat grid and, when
// gated conditions hold, reclassifies.
func (c *timeSignatureClassifier) observe(ev OnsetEvent, bpm float64) {
	c.onsetsSeen++

	if len(c.obs) == timeSigObsCap {
		copy(c.obs, c.obs[1:])
		c.obs = c.obs[:timeSigObsCap-1]
	}
	c.obs = append(c.obs, timeSigObs{tsMs: ev.TimestampMs, weight: ev.Strength + ev.BassWeight})

	if c.locked || bpm <= 0 {
		return
	}
	gate := timeSigMinOnsets
	if c.cfg.FastTimeSignature {
		gate = timeSigMinOnsetsFast
	}
	if c.onsetsSeen < gate {
		return
	}

	result := c.classify(60000 / bpm)

	if len(c.history) == timeSigHistoryLen {
		copy(c.history, c.history[1:])
		c.history = c.history[:timeSigHistoryLen-1]
	}
	c.history = append(c.history, result.Signature)

	agree := 0
	for _, s := range c.history {
		if s == result.Signature {
			agree++
		}
	}
	c.hypothesis = result
	if len(c.history) == timeSigHistoryLen && agree >= timeSigAgreement {
		c.locked = true
	}
}

// classify bins the retained onsets into 4 beat-grid positions. 4/4 is
// the default; 3/4 is tested only when beat 1 dominates beats 2 and 3
// and the 4th position is nearly unoccupied, and accepted only when the
// sequential strong-weak-weak test is decisive.
func (c *timeSignatureClassifier) classify(beatIntervalMs float64) TimeSignatureHypothesis {
	if len(c.obs) < 3 || beatIntervalMs <= 0 {
		return TimeSignatureHypothesis{Signature: "4/4", Confidence: 0.5}
	}

	var bins [4]float64
	var counts [4]int
	anchor := c.obs[0].tsMs
	for _, o := range c.obs {
		beat := int((o.tsMs-anchor)/beatIntervalMs + 0.5)
		pos := ((beat % 4) + 4) % 4
		bins[pos] += o.weight
		counts[pos]++
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	weakAvg := (bins[1] + bins[2]) / 2
	beatOneDominant := bins[0] > waltzDominance*weakAvg
	beatFourSparse := counts[3]*8 <= total

	if beatOneDominant && beatFourSparse {
		if score := c.tripletScore(); score >= tripletAcceptScore {
			return TimeSignatureHypothesis{Signature: "3/4", Confidence: score}
		}
	}

	// Confidence of the 4/4 default grows with how evenly the grid is
	// populated.
	conf := 0.5
	if bins[0] > 0 {
		conf = clamp01(0.5 + 0.5*(weakAvg/bins[0]))
	}
	return TimeSignatureHypothesis{Signature: "4/4", Confidence: conf}
}

// tripletScore tests the retained onsets, in order, for a repeating
// strong-weak-weak pattern, trying all three phase offsets. 1 means
// every triple has a dominant first beat and silent others; 0 means no
// triple structure at all.
func (c *timeSignatureClassifier) tripletScore() float64 {
	best := 0.0
	for phase := 0; phase < 3; phase++ {
		sum, n := 0.0, 0
		for i := phase; i+2 < len(c.obs); i += 3 {
			strong := c.obs[i].weight
			if strong <= 0 {
				continue
			}
			weak := (c.obs[i+1].weight + c.obs[i+2].weight) / 2
			sum += clamp01((strong - weak) / strong)
			n++
		}
		if n >= 2 {
			if score := sum / float64(n); score > best {
				best = score
			}
		}
	}
	return best
}

// current returns the prevailing hypothesis.
func (c *timeSignatureClassifier) current() TimeSignatureHypothesis { return c.hypothesis }

// fastReset clears the lock and history so the next gated onsets
// reclassify, without touching the onset count gate.
func (c *timeSignatureClassifier) fastReset() {
	c.locked = false
	c.history = c.history[:0]
	c.obs = c.obs[:0]
}

func (c *timeSignatureClassifier) reset() {
	c.fastReset()
	c.onsetsSeen = 0
	c.hypothesis = TimeSignatureHypothesis{Signature: "4/4", Confidence: 0.5}
}
