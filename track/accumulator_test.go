package track

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAccumulatorDecodingDeltas(t *testing.T) {
	a := NewAccumulator(1, 1000)
	dts := []int64{0, 512, 1024, 1536, 2048}
	for _, d := range dts {
		a.Append(AccSample{Size: 100, DTS: d, PTS: d, HasSync: true, IsSync: d == 0})
	}
	a.Seal(0)

	require.Equal(t, uint32(5), a.SampleCount())

	runs := a.DecodingDeltaRuns()
	require.Len(t, runs, 1)
	require.Equal(t, uint32(5), runs[0].Count)
	require.Equal(t, uint32(512), runs[0].Delta)

	require.EqualValues(t, 512*5, a.Duration())
}

func TestAccumulatorDecodingDeltaRunBoundaries(t *testing.T) {
	a := NewAccumulator(1, 1000)
	dts := []int64{0, 100, 200, 400, 600, 800}
	for _, d := range dts {
		a.Append(AccSample{Size: 10, DTS: d, PTS: d})
	}
	a.Seal(0)

	runs := a.DecodingDeltaRuns()
	// delta sequence per spec: sample0 borrows sample1's delta (100), so runs
	// are [count=2,delta=100] then [count=1,delta=100] merged, then a jump to
	// 200 for the remaining three transitions.
	require.Equal(t, []struct {
		Count uint32
		Delta uint32
	}{
		{Count: 3, Delta: 100},
		{Count: 3, Delta: 200},
	}, runs)
}

func TestAccumulatorConstantSampleSize(t *testing.T) {
	a := NewAccumulator(1, 1000)
	for i := range 4 {
		a.Append(AccSample{Size: 42, DTS: int64(i) * 100, PTS: int64(i) * 100})
	}
	a.Seal(0)

	size, ok := a.ConstantSampleSize()
	require.True(t, ok)
	require.Equal(t, uint32(42), size)
}

func TestAccumulatorVariableSampleSize(t *testing.T) {
	a := NewAccumulator(1, 1000)
	sizes := []uint32{10, 20, 10}
	for i, s := range sizes {
		a.Append(AccSample{Size: s, DTS: int64(i) * 100, PTS: int64(i) * 100})
	}
	a.Seal(0)

	_, ok := a.ConstantSampleSize()
	require.False(t, ok)
	require.Equal(t, sizes, a.SampleSizes())
}

func TestAccumulatorCompositionOffsets(t *testing.T) {
	a := NewAccumulator(1, 1000)
	a.Append(AccSample{Size: 10, DTS: 0, PTS: 0})
	a.Append(AccSample{Size: 10, DTS: 100, PTS: 130})
	a.Append(AccSample{Size: 10, DTS: 200, PTS: 230})
	a.Append(AccSample{Size: 10, DTS: 300, PTS: 300})
	a.Seal(0)

	require.True(t, a.HasCompositionOffsets())
	runs := a.CompositionOffsetRuns()
	require.Equal(t, []struct {
		Count  uint32
		Offset int32
	}{
		{Count: 1, Offset: 0},
		{Count: 2, Offset: 30},
		{Count: 1, Offset: 0},
	}, runs)

	var total uint32
	for _, r := range runs {
		total += r.Count
	}
	require.Equal(t, a.SampleCount(), total)
}

func TestAccumulatorNoCompositionOffsets(t *testing.T) {
	a := NewAccumulator(1, 1000)
	for i := range 3 {
		a.Append(AccSample{Size: 10, DTS: int64(i) * 100, PTS: int64(i) * 100})
	}
	a.Seal(0)

	require.False(t, a.HasCompositionOffsets())
	runs := a.CompositionOffsetRuns()
	require.Len(t, runs, 1)
	require.Equal(t, uint32(3), runs[0].Count)
	require.Equal(t, int32(0), runs[0].Offset)
}

func TestAccumulatorSyncSamples(t *testing.T) {
	a := NewAccumulator(1, 1000)
	syncFlags := []bool{true, false, false, true, false}
	for i, sync := range syncFlags {
		a.Append(AccSample{Size: 10, DTS: int64(i) * 100, PTS: int64(i) * 100, HasSync: true, IsSync: sync})
	}
	a.Seal(0)

	require.True(t, a.HasSyncSamples())
	require.Equal(t, []uint32{1, 4}, a.SyncSamples())
}

func TestAccumulatorAudioTrackHasNoSyncTable(t *testing.T) {
	a := NewAccumulator(2, 1000)
	for i := range 3 {
		a.Append(AccSample{Size: 10, DTS: int64(i) * 100, PTS: int64(i) * 100})
	}
	a.Seal(0)

	require.False(t, a.HasSyncSamples())
	require.Empty(t, a.SyncSamples())
}

func TestAccumulatorChunkFlushAndSamplesPerChunk(t *testing.T) {
	a := NewAccumulator(1, 250)

	var offset int64
	for i := range 6 {
		dts := int64(i) * 100
		if a.ChunkBoundary(dts) {
			a.FlushChunk(offset)
			offset += 1000
		}
		a.Append(AccSample{Size: 100, DTS: dts, PTS: dts})
	}
	a.Seal(offset)

	offsets, needs64 := a.ChunkOffsets()
	require.False(t, needs64)
	require.Equal(t, []int64{0, 1000}, offsets)

	runs := a.SamplesPerChunkRuns()
	require.Equal(t, []struct {
		FirstChunk      uint32
		SamplesPerChunk uint32
	}{
		{FirstChunk: 1, SamplesPerChunk: 3},
	}, runs)
}

func TestAccumulatorSealIsIdempotent(t *testing.T) {
	a := NewAccumulator(1, 1000)
	a.Append(AccSample{Size: 10, DTS: 0, PTS: 0})
	a.Append(AccSample{Size: 10, DTS: 100, PTS: 100})

	a.Seal(500)
	offsetsBefore, _ := a.ChunkOffsets()

	a.Seal(999) // must not flush a second chunk
	offsetsAfter, _ := a.ChunkOffsets()

	require.Equal(t, offsetsBefore, offsetsAfter)
}

func TestAccumulatorChunkOffsetNeeds64Bit(t *testing.T) {
	a := NewAccumulator(1, 100)
	a.Append(AccSample{Size: 10, DTS: 0, PTS: 0})
	a.FlushChunk(1 << 33)
	a.Append(AccSample{Size: 10, DTS: 100, PTS: 100})
	a.Seal(1 << 34)

	_, needs64 := a.ChunkOffsets()
	require.True(t, needs64)
}
