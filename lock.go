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

import "math"

// LockStage is the confidence stage of the tempo estimate.
type LockStage int

const (
	StageUnlocked LockStage = iota
	StageTentative
	StageLocked
	StageFinalized
)

func (s LockStage) String() string {
	switch s {
	case StageUnlocked:
		return "unlocked"
	case StageTentative:
		return "tentative"
	case StageLocked:
		return "locked"
	case StageFinalized:
		return "finalized"
	}
	return "unknown"
}

const (
	// lockWindow is how many trailing BPM estimates the variance test
	// runs over.
	lockWindow = 3
	// finalizeAfter is the number of consecutive in-variance estimates,
	// beyond the initial lock, before the lock is considered permanent.
	finalizeAfter = 8

	// grooveFloorTentative is the minimum groove confidence once the
	// machine leaves Unlocked, so consumers can begin fading effects in.
	grooveFloorTentative = 0.15
	// grooveRate is the per-observation exponential approach rate of
	// groove confidence toward its stage target.
	grooveRate = 0.2
)

// lockStateMachine walks Unlocked -> Tentative -> Locked -> Finalized
// on rolling-variance evidence. grooveConfidence is the continuous
// companion value that ramps rather than snapping.
type lockStateMachine struct {
	cfg *Config

	stage      LockStage
	bpmHistory []float64
	stableRun  int
	groove     float64
}

func newLockStateMachine(cfg *Config) *lockStateMachine {
	return &lockStateMachine{cfg: cfg, bpmHistory: make([]float64, 0, lockWindow)}
}

// observe records one reconciled estimate together with the onset count
// so far, and advances the stage.
func (m *lockStateMachine) observe(bpm float64, onsetCount int) {
	if bpm > 0 {
		if len(m.bpmHistory) == lockWindow {
			copy(m.bpmHistory, m.bpmHistory[1:])
			m.bpmHistory = m.bpmHistory[:lockWindow-1]
		}
		m.bpmHistory = append(m.bpmHistory, bpm)
	}

	stable := len(m.bpmHistory) == lockWindow &&
		stddev(m.bpmHistory) <= m.cfg.LockVarianceThreshold

	switch m.stage {
	case StageUnlocked:
		if onsetCount >= m.cfg.MinOnsetsForLock {
			m.stage = StageTentative
		}
	case StageTentative:
		if stable {
			m.stage = StageLocked
			m.stableRun = 0
		}
	case StageLocked:
		if stable {
			m.stableRun++
			if m.stableRun >= finalizeAfter {
				m.stage = StageFinalized
				// Sustained lock: the variance window has done its job,
				// keep only the newest estimate.
				if len(m.bpmHistory) > 1 {
					m.bpmHistory[0] = m.bpmHistory[len(m.bpmHistory)-1]
					m.bpmHistory = m.bpmHistory[:1]
				}
			}
		} else {
			m.stage = StageTentative
			m.stableRun = 0
		}
	case StageFinalized:
		// Holds until reset.
	}

	m.rampGroove()
}

// starve decays groove confidence while no onsets arrive.
func (m *lockStateMachine) starve() {
	m.groove *= 0.99
	if m.stage == StageTentative || m.stage == StageLocked {
		if m.groove < grooveFloorTentative {
			m.groove = grooveFloorTentative
		}
	}
}

func (m *lockStateMachine) rampGroove() {
	var target float64
	switch m.stage {
	case StageUnlocked:
		target = 0
	case StageTentative:
		target = 0.5
	case StageLocked:
		target = 0.85
	case StageFinalized:
		target = 1
	}
	m.groove += (target - m.groove) * grooveRate
	if m.stage != StageUnlocked && m.groove < grooveFloorTentative {
		m.groove = grooveFloorTentative
	}
	m.groove = clamp01(m.groove)
}

func (m *lockStateMachine) locked() bool {
	return m.stage == StageLocked || m.stage == StageFinalized
}

func (m *lockStateMachine) reset() {
	m.stage = StageUnlocked
	m.bpmHistory = m.bpmHistory[:0]
	m.stableRun = 0
	m.groove = 0
}

func stddev(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	mean := 0.0
	for _, v := range xs {
		mean += v
	}
	mean /= float64(len(xs))
	variance := 0.0
	for _, v := range xs {
		d := v - mean
		variance += d * d
	}
	return math.Sqrt(variance / float64(len(xs)))
}
