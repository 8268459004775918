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
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/gogo/protobuf/proto"
)

// TraceRecord is one per-onset diagnostic snapshot. Exported as a
// length-prefixed protobuf stream for offline diagnosis; no format
// stability is guaranteed.
type TraceRecord struct {
	TimestampMs float64       `protobuf:"fixed64,1,opt,name=timestamp_ms"`
	Strength    float64       `protobuf:"fixed64,2,opt,name=strength"`
	BassWeight  float64       `protobuf:"fixed64,3,opt,name=bass_weight"`
	BPM         float64       `protobuf:"fixed64,4,opt,name=bpm"`
	Confidence  float64       `protobuf:"fixed64,5,opt,name=confidence"`
	Stage       int32         `protobuf:"varint,6,opt,name=stage"`
	Correction  string        `protobuf:"bytes,7,opt,name=correction"`
	Agents      []*TraceAgent `protobuf:"bytes,8,rep,name=agents"`
}

func (m *TraceRecord) Reset()         { *m = TraceRecord{} }
func (m *TraceRecord) String() string { return proto.CompactTextString(m) }
func (*TraceRecord) ProtoMessage()    {}

// TraceAgent is the per-agent portion of a TraceRecord.
type TraceAgent struct {
	PeriodMs float64 `protobuf:"fixed64,1,opt,name=period_ms"`
	Score    float64 `protobuf:"fixed64,2,opt,name=score"`
	Missed   int32   `protobuf:"varint,3,opt,name=missed"`
}

func (m *TraceAgent) Reset()         { *m = TraceAgent{} }
func (m *TraceAgent) String() string { return proto.CompactTextString(m) }
func (*TraceAgent) ProtoMessage()    {}

// traceRing keeps the newest records up to its cap.
type traceRing struct {
	records []*TraceRecord
	cap     int
}

func newTraceRing(cap int) *traceRing {
	return &traceRing{records: make([]*TraceRecord, 0, cap), cap: cap}
}

func (t *traceRing) record(d *Detector, ev OnsetEvent) {
	rec := &TraceRecord{
		TimestampMs: ev.TimestampMs,
		Strength:    ev.Strength,
		BassWeight:  ev.BassWeight,
		BPM:         d.bpm,
		Confidence:  d.confidence,
		Stage:       int32(d.lock.stage),
		Correction:  string(d.correction),
	}
	for _, a := range d.agents.snapshots(3) {
		rec.Agents = append(rec.Agents, &TraceAgent{
			PeriodMs: a.PeriodMs,
			Score:    a.Score,
			Missed:   int32(a.Missed),
		})
	}
	if len(t.records) == t.cap {
		copy(t.records, t.records[1:])
		t.records = t.records[:t.cap-1]
	}
	t.records = append(t.records, rec)
}

// ExportTrace writes the retained trace as a stream of varint
// length-prefixed protobuf records.
func (d *Detector) ExportTrace(w io.Writer) error {
	if d.trace == nil {
		return nil
	}
	var lenBuf [binary.MaxVarintLen64]byte
	for _, rec := range d.trace.records {
		buf, err := proto.Marshal(rec)
		if err != nil {
			return fmt.Errorf("tempolock: marshal trace record: %w", err)
		}
		n := binary.PutUvarint(lenBuf[:], uint64(len(buf)))
		if _, err := w.Write(lenBuf[:n]); err != nil {
			return err
		}
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	return nil
}

// ReadTrace decodes a stream written by ExportTrace.
func ReadTrace(r io.Reader) ([]*TraceRecord, error) {
	br := &byteReader{r: r}
	var out []*TraceRecord
	for {
		n, err := binary.ReadUvarint(br)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return out, err
		}
		rec := &TraceRecord{}
		if err := proto.Unmarshal(buf, rec); err != nil {
			return out, fmt.Errorf("tempolock: unmarshal trace record: %w", err)
		}
		out = append(out, rec)
	}
}

type byteReader struct {
	r   io.Reader
	buf [1]byte
}

func (b *byteReader) ReadByte() (byte, error) {
	if _, err := io.ReadFull(b.r, b.buf[:]); err != nil {
		return 0, err
	}
	return b.buf[0], nil
}

// DebugDump renders the recent onset history and the live agent
// population for offline diagnosis. Human-readable; format may change.
func (d *Detector) DebugDump() string {
	var sb strings.Builder
	s := d.Status()
	fmt.Fprintf(&sb, "bpm %.1f conf %.2f stage %s correction %s groove %.2f peaks %d\n",
		s.BPM, s.Confidence, s.LockStage, s.CorrectionType, s.GrooveConfidence, s.PeakCount)
	fmt.Fprintf(&sb, "time signature %s (%.2f)\n", s.TimeSignature.Signature, s.TimeSignature.Confidence)
	for i, a := range d.agents.agents {
		fmt.Fprintf(&sb, "agent %d: period %.1fms (%.1f bpm) score %.2f missed %d beats %d\n",
			i, a.PeriodMs, a.BPM(), a.Score, a.Missed, a.Beats)
	}
	if d.trace != nil {
		for _, rec := range d.trace.records {
			fmt.Fprintf(&sb, "onset %.1fms strength %.2f bass %.2f -> bpm %.1f conf %.2f\n",
				rec.TimestampMs, rec.Strength, rec.BassWeight, rec.BPM, rec.Confidence)
		}
	}
	return sb.String()
}
