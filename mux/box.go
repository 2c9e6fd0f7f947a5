package mux

import (
	"encoding/binary"

	"github.com/tetsuo/mp4"
	"github.com/tetsuo/mp4/track"
)

var isomBrand = [4]byte{'i', 's', 'o', '5'}

var isomCompatibleBrands = [][4]byte{
	{'i', 's', 'o', '6'},
	{'m', 'p', '4', '1'},
}

// movieTimescale is the timescale mvhd/tkhd durations are expressed in.
// 1000 (millisecond ticks) keeps movie-level duration math independent of
// any one track's media timescale.
const movieTimescale = 1000

func identityMatrix() [36]byte {
	var m [36]byte
	binary.BigEndian.PutUint32(m[0:4], 0x00010000)
	binary.BigEndian.PutUint32(m[16:20], 0x00010000)
	binary.BigEndian.PutUint32(m[32:36], 0x40000000)
	return m
}

// languageUndetermined is the packed ISO-639-2/T code for "und" (21956),
// the default mdhd/tkhd language this muxer never tries to guess.
const languageUndetermined = 21956

func buildFtyp() *mp4.Box {
	return &mp4.Box{Type: mp4.TypeFtyp, Ftyp: &mp4.Ftyp{
		Brand:            isomBrand,
		BrandVersion:     512,
		CompatibleBrands: isomCompatibleBrands,
	}}
}

// buildDinf builds a single-entry dinf/dref box pointing at a self-contained
// ("url ", flags=0x000001) data reference, the only shape a standalone file
// needs.
func buildDinf() *mp4.Box {
	dref := &mp4.Box{Type: mp4.TypeDref, Flags: 0, Dref: &mp4.DrefBox{
		Entries: []mp4.DrefEntry{
			{Type: [4]byte{'u', 'r', 'l', ' '}, Buf: []byte{0, 0, 0, 1}},
		},
	}}
	return &mp4.Box{Type: mp4.TypeDinf, Children: []*mp4.Box{dref}}
}

// buildStbl assembles the sample table boxes from one track's sealed
// Accumulator, shifting chunk offsets by mdatBase (the absolute byte
// position where this file's mdat payload begins).
func buildStbl(ts *trackState, mdatBase int64) *mp4.Box {
	acc := ts.acc
	children := []*mp4.Box{
		{Type: mp4.TypeStsd, Stsd: &mp4.Stsd{Entries: []*mp4.Box{ts.stsdEntry}}},
		buildStts(acc),
	}
	if acc.HasCompositionOffsets() {
		children = append(children, buildCtts(acc))
	}
	children = append(children, buildStsc(acc), buildStsz(acc))
	if acc.HasSyncSamples() {
		children = append(children, buildStss(acc))
	}
	children = append(children, buildChunkOffsets(acc, mdatBase))
	return &mp4.Box{Type: mp4.TypeStbl, Children: children}
}

func buildStts(acc *track.Accumulator) *mp4.Box {
	runs := acc.DecodingDeltaRuns()
	entries := make([]mp4.STTSEntry, len(runs))
	for i, r := range runs {
		entries[i] = mp4.STTSEntry{Count: r.Count, Duration: r.Delta}
	}
	return &mp4.Box{Type: mp4.TypeStts, Stts: &mp4.Stts{Entries: entries}}
}

func buildCtts(acc *track.Accumulator) *mp4.Box {
	runs := acc.CompositionOffsetRuns()
	entries := make([]mp4.CTTSEntry, len(runs))
	for i, r := range runs {
		entries[i] = mp4.CTTSEntry{Count: r.Count, CompositionOffset: r.Offset}
	}
	return &mp4.Box{Type: mp4.TypeCtts, Version: 1, Ctts: &mp4.Ctts{Entries: entries}}
}

func buildStsc(acc *track.Accumulator) *mp4.Box {
	runs := acc.SamplesPerChunkRuns()
	entries := make([]mp4.STSCEntry, len(runs))
	for i, r := range runs {
		entries[i] = mp4.STSCEntry{FirstChunk: r.FirstChunk, SamplesPerChunk: r.SamplesPerChunk, SampleDescriptionId: 1}
	}
	return &mp4.Box{Type: mp4.TypeStsc, Stsc: &mp4.Stsc{Entries: entries}}
}

func buildStsz(acc *track.Accumulator) *mp4.Box {
	if size, ok := acc.ConstantSampleSize(); ok {
		return &mp4.Box{Type: mp4.TypeStsz, Stsz: &mp4.Stsz{SampleSize: size, Entries: make([]uint32, acc.SampleCount())}}
	}
	return &mp4.Box{Type: mp4.TypeStsz, Stsz: &mp4.Stsz{Entries: acc.SampleSizes()}}
}

func buildStss(acc *track.Accumulator) *mp4.Box {
	return &mp4.Box{Type: mp4.TypeStss, Stco: &mp4.Stco{Entries: acc.SyncSamples()}}
}

func buildChunkOffsets(acc *track.Accumulator, mdatBase int64) *mp4.Box {
	offsets, needs64 := acc.ChunkOffsets()
	shifted := make([]int64, len(offsets))
	maxOffset := mdatBase
	for i, o := range offsets {
		shifted[i] = o + mdatBase
		if shifted[i] > maxOffset {
			maxOffset = shifted[i]
		}
	}
	if needs64 || maxOffset > 0xFFFFFFFF {
		entries := make([]uint64, len(shifted))
		for i, o := range shifted {
			entries[i] = uint64(o)
		}
		return &mp4.Box{Type: mp4.TypeCo64, Co64: &mp4.Co64{Entries: entries}}
	}
	entries := make([]uint32, len(shifted))
	for i, o := range shifted {
		entries[i] = uint32(o)
	}
	return &mp4.Box{Type: mp4.TypeStco, Stco: &mp4.Stco{Entries: entries}}
}

func buildTrak(ts *trackState, mdatBase int64) *mp4.Box {
	acc := ts.acc
	durationMovieScale := scaleTicks(acc.Duration(), ts.format.TimeScale, movieTimescale)

	volume := uint16(0)
	if ts.format.Kind == "audio" {
		volume = 0x0100
	}

	tkhd := &mp4.Box{Type: mp4.TypeTkhd, Flags: 0x000007, Tkhd: &mp4.Tkhd{
		TrackId:     ts.format.TrackID,
		Duration:    uint32(durationMovieScale),
		Volume:      volume,
		Matrix:      identityMatrix(),
		TrackWidth:  uint32(ts.format.Width) << 16,
		TrackHeight: uint32(ts.format.Height) << 16,
	}}

	mdhd := &mp4.Box{Type: mp4.TypeMdhd, Mdhd: &mp4.Mdhd{
		TimeScale: ts.format.TimeScale,
		Duration:  acc.Duration(),
		Language:  languageUndetermined,
	}}

	handlerType := [4]byte{'v', 'i', 'd', 'e'}
	handlerName := "VideoHandler"
	if ts.format.Kind == "audio" {
		handlerType = [4]byte{'s', 'o', 'u', 'n'}
		handlerName = "SoundHandler"
	}
	hdlr := &mp4.Box{Type: mp4.TypeHdlr, Hdlr: &mp4.Hdlr{HandlerType: handlerType, Name: handlerName}}

	var mediaHeader *mp4.Box
	if ts.format.Kind == "audio" {
		mediaHeader = &mp4.Box{Type: mp4.TypeSmhd, Flags: 0x000001, Smhd: &mp4.Smhd{}}
	} else {
		mediaHeader = &mp4.Box{Type: mp4.TypeVmhd, Flags: 0x000001, Vmhd: &mp4.Vmhd{}}
	}

	minf := &mp4.Box{Type: mp4.TypeMinf, Children: []*mp4.Box{
		mediaHeader,
		buildDinf(),
		buildStbl(ts, mdatBase),
	}}

	mdia := &mp4.Box{Type: mp4.TypeMdia, Children: []*mp4.Box{mdhd, hdlr, minf}}

	return &mp4.Box{Type: mp4.TypeTrak, Children: []*mp4.Box{tkhd, mdia}}
}

// buildMoov assembles the full moov tree, with each track's chunk offsets
// shifted by mdatBase (the absolute offset of the mdat payload in the
// eventually-emitted file).
func buildMoov(states []*trackState, mdatBase int64) *mp4.Box {
	var movieDuration uint64
	nextTrackID := uint32(1)
	children := make([]*mp4.Box, 0, len(states)+1)

	for _, ts := range states {
		d := scaleTicks(ts.acc.Duration(), ts.format.TimeScale, movieTimescale)
		if d > movieDuration {
			movieDuration = d
		}
		if ts.format.TrackID >= nextTrackID {
			nextTrackID = ts.format.TrackID + 1
		}
	}

	mvhd := &mp4.Box{Type: mp4.TypeMvhd, Mvhd: &mp4.Mvhd{
		TimeScale:   movieTimescale,
		Duration:    uint32(movieDuration),
		Matrix:      identityMatrix(),
		NextTrackId: nextTrackID,
	}}
	children = append(children, mvhd)

	for _, ts := range states {
		children = append(children, buildTrak(ts, mdatBase))
	}

	return &mp4.Box{Type: mp4.TypeMoov, Children: children}
}

// scaleTicks converts a duration from source to target timescale ticks,
// truncating toward zero.
func scaleTicks(v uint64, source, target uint32) uint64 {
	if source == 0 {
		return 0
	}
	return v * uint64(target) / uint64(source)
}

// scaleDuration converts a time.Duration (nanoseconds) to a track's own
// timescale ticks, rounding to nearest (halves away from zero), matching mux
// input->track conversion semantics.
func scaleDuration(ns int64, timescale uint32) int64 {
	v := ns * int64(timescale)
	if v >= 0 {
		return (v + 5e8) / 1e9
	}
	return (v - 5e8) / 1e9
}
