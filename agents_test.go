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

func TestAgentPopulationConvergesOnSteadyGrid(t *testing.T) {
	cfg := DefaultConfig()
	p := newAgentPopulation(&cfg)

	for i := 0; i < 12; i++ {
		p.processPeak(1, float64(i)*500)
	}

	leader := p.leader()
	if leader == nil {
		t.Fatal("no leader after a steady onset train")
	}
	if bpm := leader.BPM(); math.Abs(bpm-120) > 1 {
		t.Errorf("leader at %.2f BPM, want 120", bpm)
	}
	if conf := p.confidence(); conf < agentPreferenceMin {
		t.Errorf("confidence %.2f below preference threshold on a clean grid", conf)
	}
	if p.peakCount != 12 {
		t.Errorf("peak count %d, want 12", p.peakCount)
	}
}

func TestAgentPopulationSpawnsOnUnexplainedInterval(t *testing.T) {
	cfg := DefaultConfig()
	p := newAgentPopulation(&cfg)

	p.processPeak(1, 0)
	if len(p.agents) != 0 {
		t.Fatalf("agents after a single onset: %d", len(p.agents))
	}
	p.processPeak(1, 500)
	if len(p.agents) == 0 {
		t.Fatal("no agent spawned for a fresh interval")
	}
	before := len(p.agents)
	// A grid-aligned onset must not spawn more hypotheses.
	p.processPeak(1, 1000)
	if len(p.agents) != before {
		t.Errorf("aligned onset changed population %d -> %d", before, len(p.agents))
	}
}

func TestAgentPopulationBounded(t *testing.T) {
	cfg := DefaultConfig()
	p := newAgentPopulation(&cfg)

	// Erratic onsets: every interval differs, spawning continually.
	ts := 0.0
	gaps := []float64{360, 410, 470, 530, 610, 700, 810, 930, 370, 440, 520, 640, 760, 880, 990}
	for i := 0; i < 100; i++ {
		ts += gaps[i%len(gaps)]
		p.processPeak(0.8, ts)
		if len(p.agents) > cfg.MaxAgents {
			t.Fatalf("population grew to %d, cap %d", len(p.agents), cfg.MaxAgents)
		}
	}
}

func TestAgentPopulationDecaysAbandonedGrid(t *testing.T) {
	cfg := DefaultConfig()
	p := newAgentPopulation(&cfg)

	for i := 0; i < 8; i++ {
		p.processPeak(1, float64(i)*500)
	}
	oldLeaderPeriod := p.leader().PeriodMs

	// The music moves to an unrelated grid; the old agent misses every
	// expected beat and is eventually culled.
	base := 8 * 500.0
	for i := 0; i < 30; i++ {
		p.processPeak(1, base+float64(i)*777)
	}
	for _, a := range p.agents {
		if a.PeriodMs == oldLeaderPeriod && a.Missed >= maxConsecutiveMisses {
			t.Errorf("agent with %d consecutive misses survived culling", a.Missed)
		}
	}
	if leader := p.leader(); leader != nil {
		if math.Abs(leader.PeriodMs-777) > 777*alignFraction && math.Abs(leader.PeriodMs-777.0/2) > 777.0/2*alignFraction {
			t.Errorf("leader period %.1fms does not track the new 777ms grid", leader.PeriodMs)
		}
	}
}

func TestAgentPeriodAdaptationStaysPlausible(t *testing.T) {
	cfg := DefaultConfig() // plausible periods [272.7, 1000]ms
	p := newAgentPopulation(&cfg)

	// An agent on the slowest plausible grid, then onsets consistently
	// late: each aligned hit nudges the period upward, which must clamp
	// at the configured range instead of drifting below MinBPM.
	p.processPeak(1, 0)
	p.processPeak(1, 1000)
	ts := 1000.0
	for i := 0; i < 20; i++ {
		ts += 1100
		p.processPeak(1, ts)
	}
	for _, a := range p.agents {
		if a.PeriodMs > cfg.maxPeriodMs()+1e-9 {
			t.Errorf("agent period %.2fms adapted past the %.2fms maximum",
				a.PeriodMs, cfg.maxPeriodMs())
		}
		if a.PeriodMs < cfg.minPeriodMs()-1e-9 {
			t.Errorf("agent period %.2fms adapted below the %.2fms minimum",
				a.PeriodMs, cfg.minPeriodMs())
		}
	}
	if leader := p.leader(); leader != nil && !cfg.plausibleBPM(leader.BPM()) {
		t.Errorf("leader at %.2f BPM, outside the configured range", leader.BPM())
	}
}

func TestAgentPopulationReset(t *testing.T) {
	cfg := DefaultConfig()
	p := newAgentPopulation(&cfg)
	for i := 0; i < 10; i++ {
		p.processPeak(1, float64(i)*500)
	}
	p.reset()
	if len(p.agents) != 0 || p.peakCount != 0 {
		t.Errorf("reset left agents=%d peaks=%d", len(p.agents), p.peakCount)
	}
	if p.confidence() != 0 {
		t.Errorf("confidence %g after reset", p.confidence())
	}
}
