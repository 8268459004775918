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

// Command tempolock replays a WAV file through the streaming tempo
// detector at the configured frame cadence and writes a JSON record of
// the detection run, including an offline DWT envelope cross-check.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/goccmack/godsp"
	"github.com/goccmack/godsp/dwt"
	"github.com/goccmack/godsp/peaks"
	"github.com/goccmack/goutil/ioutil"
	"github.com/goccy/go-yaml"

	"github.com/goccmack/tempolock"
)

const (
	// DWTLevel is the number of scales over which the DWT is computed.
	DWTLevel = 4
	// Scale is the downsampling factor at the highest DWT scale.
	Scale = 1 << DWTLevel

	// DefaultPeakSepMs is the minimum peak separation for the offline
	// cross-check envelope.
	DefaultPeakSepMs = 250

	// Directory for plot output
	outDir = "out"
)

var (
	inFileName   string
	outFileName  string
	cfgFileName  string
	traceOutName string
	outPlotData  = false

	// Wav file parameters
	fs          int // Sampling frequency in Hz
	fss         int // Samples/sec at highest DWT scale
	numChannels int

	frameMs = flag.Float64("frame", 10, "")
	sepMs   = flag.Int("sep", DefaultPeakSepMs, "")
)

type OutRecord struct {
	FileName    string  // Input file
	SampleRate  int     // Fs in Hz
	NumChannels int     // Number of channels in wav file
	FrameMs     float64 // Detector frame cadence
	Frames      int     // Frames fed to the detector
	Onsets      int     // Onsets the detector extracted

	BPM              float64
	Confidence       float64
	LockStage        string
	Correction       string
	GrooveConfidence float64
	TimeSignature    string

	OfflineBPM float64 // DWT envelope + peak-pick cross-check

	LockTimeline []StageChange
}

type StageChange struct {
	AtMs  float64
	Stage string
}

func main() {
	start := time.Now()
	getParams()

	cfg := loadConfig()
	det, err := tempolock.New(cfg)
	if err != nil {
		fail(err.Error())
	}

	mono := readWavMono(inFileName)

	// Compute parameters
	fss = int(float64(fs) / float64(Scale))
	sepFss := *sepMs * fs / (Scale * 1000)
	if sepFss <= 0 {
		minSepMs := Scale * 1000 / fs
		fail(fmt.Sprintf("sep is too small. Minimum for this file is %d", minSepMs))
	}

	bands, sumX := bandEnvelopes(mono)
	or := runDetector(det, cfg, mono, bands)

	sumXPeaks := peaks.Get(sumX, sepFss)
	or.OfflineBPM = offlineBPM(sumXPeaks)

	writeOutput(or)
	writeTrace(det)

	if outPlotData {
		godsp.WriteDataFile(sumX, path.Join(outDir, "envelope"))
	}

	fmt.Println(time.Now().Sub(start))
}

// readWavMono decodes the input WAV and returns normalized mono
// samples in [-1,1].
func readWavMono(fname string) []float64 {
	f, err := os.Open(fname)
	if err != nil {
		fail(err.Error())
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		fail(fmt.Sprintf("decode %s: %v", fname, err))
	}
	fs = buf.Format.SampleRate
	numChannels = buf.Format.NumChannels

	bitDepth := dec.BitDepth
	if bitDepth == 0 {
		bitDepth = 16
	}
	return monoSamples(buf, int(bitDepth))
}

// monoSamples mixes the interleaved channels down to one and scales by
// the bit depth.
func monoSamples(buf *audio.IntBuffer, bitDepth int) []float64 {
	norm := float64(int(1) << (bitDepth - 1))
	mono := make([]float64, len(buf.Data)/numChannels)
	for i := range mono {
		sum := 0
		for ch := 0; ch < numChannels; ch++ {
			sum += buf.Data[i*numChannels+ch]
		}
		mono[i] = float64(sum) / float64(numChannels) / norm
	}
	return mono
}

// bandEnvelopes computes the multi-scale DWT energy envelopes, one per
// scale, all downsampled to fss, each normalized to [0,1]. Bands are
// ordered coarsest first so the detector's leading bins carry bass.
// Also returns the summed envelope for the offline cross-check.
func bandEnvelopes(mono []float64) ([][]float64, []float64) {
	db4 := dwt.Daubechies4(mono, DWTLevel)
	coefs := db4.GetCoefficients()
	absX := godsp.AbsAll(coefs)
	dsX := godsp.DownSampleAll(absX)

	bands := make([][]float64, len(dsX))
	for i, band := range dsX {
		// GetCoefficients orders finest to coarsest; reverse.
		bands[len(dsX)-1-i] = godsp.DivS(band, godsp.Max(band)+1e-12)
	}

	sumX := godsp.SumVectors(dsX)
	sumX = godsp.DivS(sumX, godsp.Average(sumX))
	return bands, sumX
}

// runDetector replays the band envelopes and raw samples through the
// streaming detector frame by frame.
func runDetector(det *tempolock.Detector, cfg tempolock.Config, mono []float64, bands [][]float64) *OutRecord {
	or := &OutRecord{
		FileName:    inFileName,
		SampleRate:  fs,
		NumChannels: numChannels,
		FrameMs:     cfg.FrameIntervalMs,
	}

	bins := make([]float64, len(bands))
	lastStage := tempolock.StageUnlocked
	durationMs := float64(len(mono)) / float64(fs) * 1000

	for tMs := 0.0; tMs < durationMs; tMs += cfg.FrameIntervalMs {
		for b, band := range bands {
			bins[b] = envelopeAt(band, tMs, cfg.FrameIntervalMs)
		}
		i0 := int(tMs / 1000 * float64(fs))
		i1 := int((tMs + cfg.FrameIntervalMs) / 1000 * float64(fs))
		if i1 > len(mono) {
			i1 = len(mono)
		}
		det.Tick(tempolock.SampleFrame{
			TimestampMs: tMs,
			FreqBins:    bins,
			Samples:     mono[i0:i1],
		})
		or.Frames++

		if st := det.Status(); st.LockStage != lastStage {
			lastStage = st.LockStage
			or.LockTimeline = append(or.LockTimeline, StageChange{AtMs: tMs, Stage: st.LockStage.String()})
		}
	}

	st := det.Status()
	or.Onsets = st.PeakCount
	or.BPM = st.BPM
	or.Confidence = st.Confidence
	or.LockStage = st.LockStage.String()
	or.Correction = string(st.CorrectionType)
	or.GrooveConfidence = st.GrooveConfidence
	or.TimeSignature = st.TimeSignature.Signature
	return or
}

// envelopeAt averages one band over the frame's span at fss.
func envelopeAt(band []float64, tMs, frameMs float64) float64 {
	i0 := int(tMs / 1000 * float64(fss))
	i1 := int((tMs + frameMs) / 1000 * float64(fss))
	if i1 <= i0 {
		i1 = i0 + 1
	}
	if i0 >= len(band) {
		return 0
	}
	if i1 > len(band) {
		i1 = len(band)
	}
	return godsp.Average(band[i0:i1])
}

// offlineBPM derives a tempo from the offline envelope peaks: the
// median inter-peak gap at fss, folded into a plausible range.
func offlineBPM(pks []int) float64 {
	if len(pks) < 2 {
		return 0
	}
	gaps := make([]float64, 0, len(pks)-1)
	for i := 1; i < len(pks); i++ {
		gaps = append(gaps, float64(pks[i]-pks[i-1]))
	}
	sort.Float64s(gaps)
	gapMs := gaps[len(gaps)/2] * 1000 / float64(fss)
	if gapMs <= 0 {
		return 0
	}
	bpm := 60000 / gapMs
	for bpm > 220 {
		bpm /= 2
	}
	for bpm < 60 {
		bpm *= 2
	}
	return bpm
}

// loadConfig starts from the defaults and applies YAML overrides.
func loadConfig() tempolock.Config {
	cfg := tempolock.DefaultConfig()
	cfg.FrameIntervalMs = *frameMs
	if cfgFileName == "" {
		return cfg
	}
	buf, err := os.ReadFile(cfgFileName)
	if err != nil {
		fail(err.Error())
	}
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		fail(fmt.Sprintf("parse %s: %v", cfgFileName, err))
	}
	return cfg
}

// Write the JSON output file
func writeOutput(or *OutRecord) {
	buf, err := json.Marshal(or)
	if err != nil {
		panic(err)
	}
	if err := ioutil.WriteFile(outFileName, buf); err != nil {
		panic(err)
	}
}

func writeTrace(det *tempolock.Detector) {
	if traceOutName == "" {
		return
	}
	f, err := os.Create(traceOutName)
	if err != nil {
		fail(err.Error())
	}
	defer f.Close()
	if err := det.ExportTrace(f); err != nil {
		fail(err.Error())
	}
}

/*** command line parameters ***/

func fail(msg string) {
	fmt.Printf("Error: %s\n", msg)
	usage()
	os.Exit(1)
}

func getParams() {
	help := flag.Bool("h", false, "")
	plot := flag.Bool("plot", false, "")
	outFile := flag.String("o", "", "")
	cfgFile := flag.String("config", "", "")
	traceFile := flag.String("trace", "", "")
	flag.Parse()
	if *help {
		usage()
		os.Exit(0)
	}
	if flag.NArg() != 1 {
		fail("WAV file name required")
	}
	outPlotData = *plot
	cfgFileName = *cfgFile
	traceOutName = *traceFile
	inFileName = flag.Arg(0)
	if *outFile == "" {
		outFileName = fromInFileName()
	} else {
		outFileName = *outFile
	}
}

func fromInFileName() string {
	dir, fname := path.Split(inFileName)
	fnames := strings.Split(fname, ".")
	fnames = append(fnames[:len(fnames)-1], "tempo", "json")
	return path.Join(dir, strings.Join(fnames, "."))
}

func usage() {
	fmt.Println(usageString)
}

const usageString = `use: tempolock [-frame ms] [-sep dist] [-config <yaml>] [-trace <file>] [-plot] [-o <out file>] <WAV File> or
     tempolock -h
where
    -h displays this help

    <WAV File> is the name of the input WAV file.

    -frame ms: Optional. The detector frame cadence in milliseconds.
               Default: 10

    -sep ms: Optional. The mininum number of millisec between adjacent
               peaks of the offline cross-check envelope. Default: 250

    -config <yaml>: Optional. YAML file overriding detector tunables.

    -trace <file>: Optional. Write the binary diagnostic trace.

    -plot: Optional. Default false. Generate files for plotting in matlab.

    -o <out file>: Optional. Default <WAV File>.tempo.json`
