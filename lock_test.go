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

func TestLockStateProgression(t *testing.T) {
	cfg := DefaultConfig()
	m := newLockStateMachine(&cfg)

	if m.stage != StageUnlocked {
		t.Fatalf("initial stage %v", m.stage)
	}
	m.observe(120, 1)
	m.observe(120, 2)
	m.observe(120, 3)
	if m.stage != StageUnlocked {
		t.Errorf("stage %v before %d onsets, want unlocked", m.stage, cfg.MinOnsetsForLock)
	}
	m.observe(120, 4)
	if m.stage != StageTentative {
		t.Errorf("stage %v at onset 4, want tentative", m.stage)
	}
	m.observe(120, 5)
	if m.stage != StageLocked {
		t.Errorf("stage %v after stable window, want locked", m.stage)
	}
	if !m.locked() {
		t.Error("locked() false in Locked stage")
	}

	for i := 0; i < finalizeAfter; i++ {
		m.observe(120, 6+i)
	}
	if m.stage != StageFinalized {
		t.Errorf("stage %v after sustained lock, want finalized", m.stage)
	}
	if len(m.bpmHistory) > 1 {
		t.Errorf("history not pruned on finalize: %d entries", len(m.bpmHistory))
	}
}

func TestLockVarianceGate(t *testing.T) {
	cfg := DefaultConfig()
	m := newLockStateMachine(&cfg)

	// High-variance estimates: tentative but never locked.
	bpms := []float64{100, 130, 95, 140, 110, 125, 90}
	for i, bpm := range bpms {
		m.observe(bpm, i+1)
		if m.locked() {
			t.Fatalf("locked on unstable estimates at step %d", i)
		}
	}
	if m.stage != StageTentative {
		t.Errorf("stage %v, want tentative", m.stage)
	}
}

func TestLockRegressionOnInstability(t *testing.T) {
	cfg := DefaultConfig()
	m := newLockStateMachine(&cfg)
	for i := 0; i < 6; i++ {
		m.observe(120, i+1)
	}
	if m.stage != StageLocked {
		t.Fatalf("stage %v, want locked", m.stage)
	}
	m.observe(150, 7)
	if m.stage != StageTentative {
		t.Errorf("stage %v after estimate jump, want tentative", m.stage)
	}
}

func TestGrooveConfidenceRamp(t *testing.T) {
	cfg := DefaultConfig()
	m := newLockStateMachine(&cfg)

	if m.groove != 0 {
		t.Fatalf("initial groove %g", m.groove)
	}
	m.observe(120, 4)
	if m.groove < grooveFloorTentative {
		t.Errorf("tentative groove %g below floor %g", m.groove, grooveFloorTentative)
	}
	prev := m.groove
	for i := 0; i < 20; i++ {
		m.observe(120, 5+i)
		if m.groove < prev-1e-9 {
			t.Fatalf("groove fell during stable lock: %g -> %g", prev, m.groove)
		}
		prev = m.groove
	}
	if m.groove < 0.9 || m.groove > 1 {
		t.Errorf("groove %g after sustained lock, want near 1", m.groove)
	}
}

func TestLockReset(t *testing.T) {
	cfg := DefaultConfig()
	m := newLockStateMachine(&cfg)
	for i := 0; i < 10; i++ {
		m.observe(120, i+1)
	}
	m.reset()
	if m.stage != StageUnlocked || m.groove != 0 || len(m.bpmHistory) != 0 {
		t.Errorf("reset left stage=%v groove=%g history=%d", m.stage, m.groove, len(m.bpmHistory))
	}
}
