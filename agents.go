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

// TempoAgent is one live beat-period hypothesis. An agent projects a
// beat grid forward from its last confirmed beat and is reinforced
// whenever an onset lands on the grid.
type TempoAgent struct {
	PeriodMs       float64
	Score          float64
	NextExpectedMs float64
	LastBeatMs     float64
	Missed         int // consecutive expected beats without an onset
	Beats          int // total confirmed beats
}

// BPM returns the agent's hypothesis tempo.
func (a *TempoAgent) BPM() float64 { return 60000 / a.PeriodMs }

// AgentSnapshot is a copy of an agent's externally visible state.
type AgentSnapshot struct {
	BPM      float64
	PeriodMs float64
	Score    float64
	Missed   int
	Beats    int
}

const (
	// alignFraction of the period on either side of an expected beat
	// counts as aligned.
	alignFraction = 0.12
	// minAlignMs keeps the window usable at short periods.
	minAlignMs = 25.0

	// maxConsecutiveMisses kills an agent whose grid the music has left.
	maxConsecutiveMisses = 8
	// minLiveScore kills agents that decayed to irrelevance.
	minLiveScore = 0.05
	// scoreCap bounds reinforcement so one old agent cannot outvote the
	// rest of the population forever.
	scoreCap = 20.0

	// periodAdaptRate nudges an agent's period toward observed timing.
	periodAdaptRate = 0.05

	// siblingScoreFactor discounts the harmonically related agent
	// spawned alongside a new hypothesis.
	siblingScoreFactor = 0.7
)

// agentPopulation holds the competing tempo hypotheses. This is the
// fast-convergence path: a handful of onsets on a steady grid drives
// one agent's score clear of the rest.
type agentPopulation struct {
	cfg         *Config
	agents      []*TempoAgent
	lastOnsetMs float64
	peakCount   int
}

func newAgentPopulation(cfg *Config) *agentPopulation {
	return &agentPopulation{cfg: cfg, lastOnsetMs: -1}
}

func alignTolerance(periodMs float64) float64 {
	tol := periodMs * alignFraction
	if tol < minAlignMs {
		tol = minAlignMs
	}
	return tol
}

// processPeak feeds one onset into the population. Timestamps must be
// non-decreasing; the grid advance below walks forward only.
func (p *agentPopulation) processPeak(strength, tsMs float64) {
	p.peakCount++

	matched := false
	for _, a := range p.agents {
		tol := alignTolerance(a.PeriodMs)

		// Advance the grid past expected beats the music skipped.
		for a.NextExpectedMs < tsMs-tol {
			a.NextExpectedMs += a.PeriodMs
			a.Missed++
			a.Score *= p.cfg.AgentDecayRate
		}

		err := tsMs - a.NextExpectedMs
		if err >= -tol && err <= tol {
			precision := 1 - abs(err)/tol
			a.Score += strength * (0.5 + 0.5*precision)
			if a.Score > scoreCap {
				a.Score = scoreCap
			}
			// Adaptation must not drift a hypothesis out of the
			// plausible period range.
			a.PeriodMs += err * periodAdaptRate
			if a.PeriodMs < p.cfg.minPeriodMs() {
				a.PeriodMs = p.cfg.minPeriodMs()
			} else if a.PeriodMs > p.cfg.maxPeriodMs() {
				a.PeriodMs = p.cfg.maxPeriodMs()
			}
			a.Missed = 0
			a.Beats++
			a.LastBeatMs = tsMs
			a.NextExpectedMs = tsMs + a.PeriodMs
			matched = true
		}
	}

	p.cull()

	if p.lastOnsetMs >= 0 && !matched {
		interval := tsMs - p.lastOnsetMs
		if !p.explains(interval) {
			p.spawn(interval, strength, tsMs)
		}
	}
	p.lastOnsetMs = tsMs

	p.prune()
}

// explains reports whether some live agent's period already accounts
// for the interval, directly or as a harmonic multiple.
func (p *agentPopulation) explains(intervalMs float64) bool {
	for _, a := range p.agents {
		for _, mult := range [...]float64{1, 2, 4} {
			ref := a.PeriodMs * mult
			if abs(intervalMs-ref) <= alignTolerance(ref) {
				return true
			}
		}
	}
	return false
}

// spawn adds a hypothesis at the observed interval, folded into the
// plausible period range, plus a half-period sibling: off-beat material
// often surfaces the doubled tempo first.
func (p *agentPopulation) spawn(intervalMs, strength, tsMs float64) {
	period := intervalMs
	for period > p.cfg.maxPeriodMs() {
		period /= 2
	}
	if period < p.cfg.minPeriodMs() {
		return
	}
	p.add(period, strength, tsMs)

	if half := period / 2; half >= p.cfg.minPeriodMs() {
		p.add(half, strength*siblingScoreFactor, tsMs)
	}
}

func (p *agentPopulation) add(periodMs, score, tsMs float64) {
	p.agents = append(p.agents, &TempoAgent{
		PeriodMs:       periodMs,
		Score:          score,
		LastBeatMs:     tsMs,
		NextExpectedMs: tsMs + periodMs,
		Beats:          1,
	})
}

func (p *agentPopulation) cull() {
	live := p.agents[:0]
	for _, a := range p.agents {
		if a.Missed < maxConsecutiveMisses && a.Score >= minLiveScore {
			live = append(live, a)
		}
	}
	for i := len(live); i < len(p.agents); i++ {
		p.agents[i] = nil
	}
	p.agents = live
}

func (p *agentPopulation) prune() {
	sort.Slice(p.agents, func(i, j int) bool { return p.agents[i].Score > p.agents[j].Score })
	if len(p.agents) > p.cfg.MaxAgents {
		for i := p.cfg.MaxAgents; i < len(p.agents); i++ {
			p.agents[i] = nil
		}
		p.agents = p.agents[:p.cfg.MaxAgents]
	}
}

// leader returns the top agent, or nil for an empty population.
func (p *agentPopulation) leader() *TempoAgent {
	if len(p.agents) == 0 {
		return nil
	}
	return p.agents[0]
}

// confidence scores how clearly the leading agent wins: half its share
// of the total score, half its separation from the runner-up. A lone
// agent scores 1.
func (p *agentPopulation) confidence() float64 {
	if len(p.agents) == 0 {
		return 0
	}
	total := 0.0
	for _, a := range p.agents {
		total += a.Score
	}
	if total <= 0 {
		return 0
	}
	top := p.agents[0].Score
	dominance := top / total
	separation := 1.0
	if len(p.agents) > 1 && top > 0 {
		separation = 1 - p.agents[1].Score/top
	}
	return clamp01(0.5*dominance + 0.5*separation)
}

// decay applies starvation decay to every agent. Called by the owner
// when no onsets arrive for an extended period.
func (p *agentPopulation) decay() {
	for _, a := range p.agents {
		a.Score *= p.cfg.AgentDecayRate
	}
	p.cull()
}

func (p *agentPopulation) snapshots(n int) []AgentSnapshot {
	if n > len(p.agents) {
		n = len(p.agents)
	}
	out := make([]AgentSnapshot, 0, n)
	for _, a := range p.agents[:n] {
		out = append(out, AgentSnapshot{
			BPM:      a.BPM(),
			PeriodMs: a.PeriodMs,
			Score:    a.Score,
			Missed:   a.Missed,
			Beats:    a.Beats,
		})
	}
	return out
}

func (p *agentPopulation) reset() {
	p.agents = nil
	p.lastOnsetMs = -1
	p.peakCount = 0
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
