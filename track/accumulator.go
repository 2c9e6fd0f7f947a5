package track

// AccSample is one sample handed to an Accumulator during the mux path, before
// it has been folded into run-compressed sample-table lists.
type AccSample struct {
	Size    uint32
	DTS     int64
	PTS     int64
	IsSync  bool
	HasSync bool // true if this track uses sync samples at all (audio tracks don't)
}

// durationRun is one run of the classic "count of consecutive samples sharing
// a value" encoding used by stts (delta) and stsc (samples-per-chunk).
type durationRun struct {
	count uint32
	value uint32
}

// compositionRun is one run of ctts entries; value is signed because
// composition offsets can be negative (version 1 ctts).
type compositionRun struct {
	count uint32
	value int32
}

// chunkEntry is one flushed chunk's starting byte offset, recorded at flush
// time by the caller (the muxer owns the media-data byte cursor).
type chunkEntry struct {
	offset       int64
	samplesInRun uint32 // samples-per-chunk value this chunk was flushed at
}

// Accumulator builds run-compressed sample-table lists from an append-only
// stream of samples, mirroring the stsz/stts/ctts/stsc/stss/stco family in
// reverse: Track.parseSamples walks boxes into a forward sample list, the
// Accumulator walks a forward sample list into boxes.
//
// Runs are grown by appending to the end of a slice, which Go already makes
// amortized O(1); the prepend-then-reverse-on-seal trick is not needed here.
type Accumulator struct {
	trackID  uint32
	chunkDur int64 // chunk flush threshold, in the track's own timescale ticks
	sealed   bool

	sampleCount  uint32
	constantSize uint32 // nonzero once every sample seen so far has shared this size
	sizes        []uint32

	deltaRuns []durationRun
	lastDTS   int64
	haveDTS   bool

	compRuns []compositionRun
	hasComp  bool

	syncSamples []uint32
	hasSync     bool
	sampleIndex uint32

	chunks         []chunkEntry
	chunkStartDTS  int64
	chunkSampleCnt uint32
	chunkRuns      []durationRun // samples-per-chunk runs, keyed like deltaRuns
}

// NewAccumulator creates an Accumulator for one track. chunkDuration is in
// the track's own timescale (mvhd/mdhd ticks, not seconds).
func NewAccumulator(trackID uint32, chunkDuration int64) *Accumulator {
	return &Accumulator{trackID: trackID, chunkDur: chunkDuration}
}

// ChunkBoundary reports whether the next appended sample should cause the
// caller to flush its pending chunk buffer before calling Append, based on
// elapsed dts since the chunk's first sample.
func (a *Accumulator) ChunkBoundary(nextDTS int64) bool {
	if a.chunkSampleCnt == 0 {
		return false
	}
	return nextDTS-a.chunkStartDTS >= a.chunkDur
}

// Append records one sample's metadata. It does not itself decide chunk
// boundaries; callers flush via FlushChunk at the point ChunkBoundary (or
// end-of-stream) tells them to.
func (a *Accumulator) Append(s AccSample) {
	if a.sampleCount == 0 {
		a.constantSize = s.Size
	} else if a.constantSize != s.Size {
		a.constantSize = 0
	}
	a.sizes = append(a.sizes, s.Size)

	if !a.haveDTS {
		a.haveDTS = true
		a.lastDTS = s.DTS
		a.chunkStartDTS = s.DTS
	} else {
		delta := uint32(s.DTS - a.lastDTS)
		a.lastDTS = s.DTS
		if a.sampleCount == 1 {
			// the first sample has no delta of its own; it retroactively
			// shares the second sample's delta rather than opening at zero
			a.deltaRuns = append(a.deltaRuns, durationRun{count: 2, value: delta})
		} else if n := len(a.deltaRuns); n > 0 && a.deltaRuns[n-1].value == delta {
			a.deltaRuns[n-1].count++
		} else {
			a.deltaRuns = append(a.deltaRuns, durationRun{count: 1, value: delta})
		}
	}

	// Every sample gets a composition-offset run entry, even a run of zeros,
	// so the run list's total count always matches the sample count; whether
	// a ctts box is worth emitting at all is decided by HasCompositionOffsets.
	comp := int32(s.PTS - s.DTS)
	if comp != 0 {
		a.hasComp = true
	}
	if n := len(a.compRuns); n > 0 && a.compRuns[n-1].value == comp {
		a.compRuns[n-1].count++
	} else {
		a.compRuns = append(a.compRuns, compositionRun{count: 1, value: comp})
	}

	a.sampleCount++
	a.sampleIndex++
	if a.chunkSampleCnt == 0 {
		a.chunkStartDTS = s.DTS
	}
	a.chunkSampleCnt++

	if s.HasSync {
		a.hasSync = true
		if s.IsSync {
			a.syncSamples = append(a.syncSamples, a.sampleIndex)
		}
	}
}

// FlushChunk closes the chunk currently being accumulated, recording offset
// as its starting byte position in the media-data stream (caller-owned
// cumulative byte count). A no-op if no samples have been appended since the
// last flush.
func (a *Accumulator) FlushChunk(offset int64) {
	if a.chunkSampleCnt == 0 {
		return
	}
	a.chunks = append(a.chunks, chunkEntry{offset: offset, samplesInRun: a.chunkSampleCnt})
	if n := len(a.chunkRuns); n > 0 && a.chunkRuns[n-1].value == a.chunkSampleCnt {
		a.chunkRuns[n-1].count++
	} else {
		a.chunkRuns = append(a.chunkRuns, durationRun{count: 1, value: a.chunkSampleCnt})
	}
	a.chunkSampleCnt = 0
}

// Seal finalizes accumulation: any still-open chunk is flushed at
// finalOffset. Run lists are built in forward order, so nothing else needs
// reordering. Seal is idempotent.
func (a *Accumulator) Seal(finalOffset int64) {
	if a.sealed {
		return
	}
	a.FlushChunk(finalOffset)
	a.sealed = true
}

// SampleCount returns the number of samples accumulated.
func (a *Accumulator) SampleCount() uint32 { return a.sampleCount }

// Duration returns the sum over decoding_deltas of count*delta, in the
// track's own timescale ticks.
func (a *Accumulator) Duration() uint64 {
	var total uint64
	for _, r := range a.deltaRuns {
		total += uint64(r.count) * uint64(r.value)
	}
	return total
}

// ConstantSampleSize returns the shared sample size and true if every
// accumulated sample had the same size (the stsz fast path); otherwise
// returns 0, false and callers must use SampleSizes.
func (a *Accumulator) ConstantSampleSize() (uint32, bool) {
	if a.sampleCount == 0 {
		return 0, false
	}
	return a.constantSize, a.constantSize != 0
}

// SampleSizes returns the per-sample size list, in sample order.
func (a *Accumulator) SampleSizes() []uint32 { return a.sizes }

// DecodingDeltaRuns returns the stts-style (count, delta) runs in forward
// sample order. The first run covers both the first and second sample (the
// first sample borrows the second's delta rather than opening at zero).
func (a *Accumulator) DecodingDeltaRuns() []struct {
	Count uint32
	Delta uint32
} {
	out := make([]struct {
		Count uint32
		Delta uint32
	}, len(a.deltaRuns))
	for i, r := range a.deltaRuns {
		out[i] = struct {
			Count uint32
			Delta uint32
		}{Count: r.count, Delta: r.value}
	}
	return out
}

// HasCompositionOffsets reports whether any sample had pts != dts.
func (a *Accumulator) HasCompositionOffsets() bool { return a.hasComp }

// CompositionOffsetRuns returns the ctts-style (count, offset) runs in
// forward sample order.
func (a *Accumulator) CompositionOffsetRuns() []struct {
	Count  uint32
	Offset int32
} {
	out := make([]struct {
		Count  uint32
		Offset int32
	}, len(a.compRuns))
	for i, r := range a.compRuns {
		out[i] = struct {
			Count  uint32
			Offset int32
		}{Count: r.count, Offset: r.value}
	}
	return out
}

// HasSyncSamples reports whether this track records sync samples at all
// (false for audio tracks, whose samples are all implicitly sync samples).
func (a *Accumulator) HasSyncSamples() bool { return a.hasSync }

// SyncSamples returns the 1-based sample indices marked as sync samples, in
// ascending order.
func (a *Accumulator) SyncSamples() []uint32 { return a.syncSamples }

// SamplesPerChunkRuns returns the stsc-style (first_chunk, samples_per_chunk)
// runs, with first_chunk computed from run lengths in forward order.
func (a *Accumulator) SamplesPerChunkRuns() []struct {
	FirstChunk      uint32
	SamplesPerChunk uint32
} {
	out := make([]struct {
		FirstChunk      uint32
		SamplesPerChunk uint32
	}, 0, len(a.chunkRuns))
	chunkIdx := uint32(1)
	for _, r := range a.chunkRuns {
		out = append(out, struct {
			FirstChunk      uint32
			SamplesPerChunk uint32
		}{FirstChunk: chunkIdx, SamplesPerChunk: r.value})
		chunkIdx += r.count
	}
	return out
}

// ChunkOffsets returns the recorded chunk starting byte offsets, in chunk
// order. Needs64Bit reports whether any offset exceeds 32 bits, the
// stco-vs-co64 decision point.
func (a *Accumulator) ChunkOffsets() (offsets []int64, needs64Bit bool) {
	offsets = make([]int64, len(a.chunks))
	for i, c := range a.chunks {
		offsets[i] = c.offset
		if c.offset > 0xFFFFFFFF {
			needs64Bit = true
		}
	}
	return offsets, needs64Bit
}
