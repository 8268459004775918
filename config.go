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

import "fmt"

// Config enumerates every tunable of the detector. Zero values are not
// usable: start from DefaultConfig and override fields as needed. New
// validates at construction and rejects out-of-range values.
type Config struct {
	// FrameIntervalMs is the expected cadence at which Tick is called
	// with a new SampleFrame.
	FrameIntervalMs float64 `yaml:"frame_interval_ms"`

	// LowBins is the number of leading frequency bins treated as the
	// bass band for onset strength and bass weighting.
	LowBins int `yaml:"low_bins"`

	// RefractoryMs is the minimum spacing between two onsets. Events
	// closer than this are coalesced into the first one. 350ms caps raw
	// detection near 171 BPM; faster material aliases to half tempo and
	// is recovered by the harmonic reconciler.
	RefractoryMs float64 `yaml:"refractory_ms"`

	// FluxMultiplier and FluxFloor form the adaptive onset threshold:
	// avgFlux*FluxMultiplier + FluxFloor.
	FluxMultiplier float64 `yaml:"flux_multiplier"`
	FluxFloor      float64 `yaml:"flux_floor"`

	// FluxHistorySize is the rolling window used for the adaptive
	// threshold average.
	FluxHistorySize int `yaml:"flux_history_size"`

	// IntervalHistorySize caps the ring of inter-onset intervals.
	IntervalHistorySize int `yaml:"interval_history_size"`

	// ClusterTolerancePercent is the relative band within which two
	// intervals are grouped into one tempo cluster. Tightened
	// automatically once the detector is locked.
	ClusterTolerancePercent float64 `yaml:"cluster_tolerance_percent"`

	// LockVarianceThreshold is the maximum standard deviation, in BPM,
	// of the last three estimates for the lock to engage.
	LockVarianceThreshold float64 `yaml:"lock_variance_threshold"`

	// MinOnsetsForLock is the onset count below which the state machine
	// stays Unlocked.
	MinOnsetsForLock int `yaml:"min_onsets_for_lock"`

	// MaxAgents bounds the tempo hypothesis population.
	MaxAgents int `yaml:"max_agents"`

	// AgentDecayRate multiplies an agent's score for every expected
	// beat it misses.
	AgentDecayRate float64 `yaml:"agent_decay_rate"`

	// MinBPM and MaxBPM bound the plausible musical range.
	MinBPM float64 `yaml:"min_bpm"`
	MaxBPM float64 `yaml:"max_bpm"`

	// FastTimeSignature halves the onset count required before the
	// time-signature classifier runs (6 instead of 12).
	FastTimeSignature bool `yaml:"fast_time_signature"`

	// TraceSize bounds the diagnostic trace ring. 0 disables tracing.
	TraceSize int `yaml:"trace_size"`
}

// DefaultConfig returns the tuning used by the reference pipeline.
func DefaultConfig() Config {
	return Config{
		FrameIntervalMs:         10,
		LowBins:                 8,
		RefractoryMs:            350,
		FluxMultiplier:          1.1,
		FluxFloor:               0.01,
		FluxHistorySize:         20,
		IntervalHistorySize:     20,
		ClusterTolerancePercent: 6,
		LockVarianceThreshold:   2,
		MinOnsetsForLock:        4,
		MaxAgents:               8,
		AgentDecayRate:          0.9,
		MinBPM:                  60,
		MaxBPM:                  220,
		TraceSize:               64,
	}
}

func (c *Config) validate() error {
	if c.FrameIntervalMs <= 0 {
		return fmt.Errorf("tempolock: frame interval %gms (must be positive)", c.FrameIntervalMs)
	}
	if c.LowBins < 1 {
		return fmt.Errorf("tempolock: low bins %d (must be >= 1)", c.LowBins)
	}
	if c.RefractoryMs <= 0 {
		return fmt.Errorf("tempolock: refractory %gms (must be positive)", c.RefractoryMs)
	}
	if c.FluxMultiplier < 1 {
		return fmt.Errorf("tempolock: flux multiplier %g (must be >= 1)", c.FluxMultiplier)
	}
	if c.FluxFloor < 0 {
		return fmt.Errorf("tempolock: flux floor %g (must be >= 0)", c.FluxFloor)
	}
	if c.FluxHistorySize < 2 || c.FluxHistorySize > 256 {
		return fmt.Errorf("tempolock: flux history size %d (must be in [2,256])", c.FluxHistorySize)
	}
	if c.IntervalHistorySize < 2 || c.IntervalHistorySize > 256 {
		return fmt.Errorf("tempolock: interval history size %d (must be in [2,256])", c.IntervalHistorySize)
	}
	if c.ClusterTolerancePercent < 1 || c.ClusterTolerancePercent > 20 {
		return fmt.Errorf("tempolock: cluster tolerance %g%% (must be in [1,20])", c.ClusterTolerancePercent)
	}
	if c.LockVarianceThreshold <= 0 {
		return fmt.Errorf("tempolock: lock variance threshold %g (must be positive)", c.LockVarianceThreshold)
	}
	if c.MinOnsetsForLock < 2 {
		return fmt.Errorf("tempolock: min onsets for lock %d (must be >= 2)", c.MinOnsetsForLock)
	}
	if c.MaxAgents < 1 || c.MaxAgents > 64 {
		return fmt.Errorf("tempolock: max agents %d (must be in [1,64])", c.MaxAgents)
	}
	if c.AgentDecayRate <= 0 || c.AgentDecayRate >= 1 {
		return fmt.Errorf("tempolock: agent decay rate %g (must be in (0,1))", c.AgentDecayRate)
	}
	if c.MinBPM < 20 || c.MaxBPM <= c.MinBPM || c.MaxBPM > 400 {
		return fmt.Errorf("tempolock: BPM range [%g,%g] (must satisfy 20 <= min < max <= 400)", c.MinBPM, c.MaxBPM)
	}
	if c.TraceSize < 0 {
		return fmt.Errorf("tempolock: trace size %d (must be >= 0)", c.TraceSize)
	}
	return nil
}

// minPeriodMs is the shortest plausible beat period under this config.
func (c *Config) minPeriodMs() float64 { return 60000 / c.MaxBPM }

// maxPeriodMs is the longest plausible beat period under this config.
func (c *Config) maxPeriodMs() float64 { return 60000 / c.MinBPM }

func (c *Config) plausibleBPM(bpm float64) bool {
	return bpm >= c.MinBPM && bpm <= c.MaxBPM
}
