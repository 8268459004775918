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
	"context"
	"log/slog"
)

// AnalyzerTap is the upstream signal source the pipeline validates.
// Sample returns the latest frame and whether the tap produced one.
// Rebuild tears the tap down and reattaches it to the audio source.
type AnalyzerTap interface {
	Sample() (SampleFrame, bool)
	Rebuild() error
}

// RetryState is the explicit bounded-retry ledger for tap rebuilds,
// advanced synchronously by the owner's tick. No self-rescheduling.
type RetryState struct {
	Attempt     int
	MaxAttempts int
	BackoffMs   float64

	waitMs float64
}

// Validator samples the analyzer tap across ticks. If it observes no
// usable signal despite expected activity it rebuilds the tap a bounded
// number of times, then flips the detector to unavailable. The
// detector's own state is never touched.
type Validator struct {
	tap   AnalyzerTap
	log   *slog.Logger
	retry RetryState

	// probeWindow consecutive silent samples count as a dead tap.
	probeWindow int
	silentRun   int
	dead        bool
}

// NewValidator wires a validator to a tap. maxAttempts bounds rebuild
// cycles; backoffMs spaces them. A nil logger discards output.
func NewValidator(tap AnalyzerTap, maxAttempts int, backoffMs float64, log *slog.Logger) *Validator {
	if log == nil {
		log = slog.New(discardHandler{})
	}
	return &Validator{
		tap:         tap,
		log:         log,
		retry:       RetryState{MaxAttempts: maxAttempts, BackoffMs: backoffMs},
		probeWindow: 50,
	}
}

// Tick advances the validator by one cadence interval and reports
// whether the tap is considered usable. On a silent window it rebuilds
// the tap; once the attempt budget is spent the detector is marked
// unavailable until a rebuild succeeds in producing signal.
func (v *Validator) Tick(det *Detector, elapsedMs float64) bool {
	if v.retry.waitMs > 0 {
		v.retry.waitMs -= elapsedMs
		return !v.dead
	}

	frame, ok := v.tap.Sample()
	if ok && frameHasSignal(frame) {
		v.silentRun = 0
		if v.dead {
			v.log.Info("analyzer tap recovered")
			v.dead = false
			det.setAvailable(true)
		}
		v.retry.Attempt = 0
		return true
	}

	v.silentRun++
	if v.silentRun < v.probeWindow {
		return !v.dead
	}
	v.silentRun = 0

	if v.retry.Attempt >= v.retry.MaxAttempts {
		if !v.dead {
			v.log.Warn("analyzer tap dead, detection unavailable",
				"attempts", v.retry.Attempt)
			v.dead = true
			det.setAvailable(false)
		}
		return false
	}

	v.retry.Attempt++
	v.retry.waitMs = v.retry.BackoffMs
	v.log.Info("rebuilding analyzer tap",
		"attempt", v.retry.Attempt, "max", v.retry.MaxAttempts)
	if err := v.tap.Rebuild(); err != nil {
		v.log.Warn("analyzer tap rebuild failed", "error", err)
	}
	return !v.dead
}

func frameHasSignal(f SampleFrame) bool {
	for _, v := range f.FreqBins {
		if v > 1e-4 {
			return true
		}
	}
	for _, v := range f.Samples {
		if v > 1e-4 || v < -1e-4 {
			return true
		}
	}
	return false
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (discardHandler) WithAttrs([]slog.Attr) slog.Handler        { return discardHandler{} }
func (discardHandler) WithGroup(string) slog.Handler             { return discardHandler{} }
