// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package wgpu_engine

import (
	"time"

	"honnef.co/go/safeish"
	"honnef.co/go/wgpu"
)

// maxTimestamps bounds the number of timestamp queries per submission:
// two per dispatch.
const maxTimestamps = 128

// Timing is the measured GPU execution of one dispatch. Start and End are
// raw timestamp-query ticks; their unit is device-specific.
type Timing struct {
	Label    string
	Start    uint64
	End      uint64
	CPUStart time.Time
	CPUEnd   time.Time
}

// profiler records per-dispatch GPU timestamps. A nil profiler is valid
// and records nothing.
type profiler struct {
	dev        *wgpu.Device
	set        *wgpu.QuerySet
	resolveBuf *wgpu.Buffer
	mapBuf     *wgpu.Buffer
	results    []Timing
}

func newProfiler(dev *wgpu.Device) *profiler {
	return &profiler{
		dev: dev,
		set: dev.CreateQuerySet(&wgpu.QuerySetDescriptor{
			Type:  wgpu.QueryTypeTimestamp,
			Count: maxTimestamps,
		}),
		resolveBuf: dev.CreateBuffer(&wgpu.BufferDescriptor{
			Label: "profiler resolve",
			Usage: wgpu.BufferUsageQueryResolve | wgpu.BufferUsageCopySrc,
			Size:  maxTimestamps * 8,
		}),
		mapBuf: dev.CreateBuffer(&wgpu.BufferDescriptor{
			Label: "profiler map",
			Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
			Size:  maxTimestamps * 8,
		}),
	}
}

// profilerGroup accumulates the queries of one submission.
type profilerGroup struct {
	p       *profiler
	nextID  uint32
	pending []Timing
}

func (p *profiler) start() *profilerGroup {
	if p == nil {
		return nil
	}
	return &profilerGroup{p: p}
}

func (g *profilerGroup) computeTimestamps(label string) *wgpu.ComputePassTimestampWrites {
	if g == nil {
		return nil
	}
	if g.nextID+2 > maxTimestamps {
		return nil
	}
	startID := g.nextID
	endID := g.nextID + 1
	g.nextID += 2
	g.pending = append(g.pending, Timing{Label: label, CPUStart: time.Now()})
	return &wgpu.ComputePassTimestampWrites{
		QuerySet:                  g.p.set,
		BeginningOfPassWriteIndex: startID,
		EndOfPassWriteIndex:       endID,
	}
}

func (g *profilerGroup) resolve(enc *wgpu.CommandEncoder) {
	if g == nil || g.nextID == 0 {
		return
	}
	enc.ResolveQuerySet(g.p.set, 0, g.nextID, g.p.resolveBuf, 0)
	enc.CopyBufferToBuffer(g.p.resolveBuf, 0, g.p.mapBuf, 0, uint64(g.nextID)*8)
}

// collect reads the resolved timestamps back. The caller has already
// waited for the submission, so the map completes promptly.
func (g *profilerGroup) collect() {
	if g == nil || g.nextID == 0 {
		return
	}
	now := time.Now()
	ch := g.p.mapBuf.Map(g.p.dev, wgpu.MapModeRead, 0, int(g.nextID)*8)
	if err := <-ch; err != nil {
		return
	}
	values := safeish.SliceCast[[]uint64](g.p.mapBuf.ReadOnlyMappedRange(0, int(g.nextID)*8))
	for i := range g.pending {
		g.pending[i].Start = values[i*2]
		g.pending[i].End = values[i*2+1]
		g.pending[i].CPUEnd = now
	}
	g.p.mapBuf.Unmap()
	g.p.results = g.pending
}

func (p *profiler) timings() []Timing {
	if p == nil {
		return nil
	}
	return p.results
}

func (p *profiler) release() {
	if p == nil {
		return
	}
	p.set.Release()
	p.resolveBuf.Release()
	p.mapBuf.Release()
}
