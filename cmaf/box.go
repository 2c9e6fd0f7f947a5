package cmaf

import (
	"github.com/tetsuo/mp4"
)

// Sample flags (ISO/IEC 14496-12 8.8.3.1): sample_depends_on=2 (does not
// depend on others) marks a sync sample; sample_is_non_sync_sample (bit 16)
// marks everything else.
const (
	sampleFlagSync    = 0x02000000
	sampleFlagNonSync = 0x00010000
)

func sampleFlags(keyFrame bool) uint32 {
	if keyFrame {
		return sampleFlagSync
	}
	return sampleFlagNonSync
}

var cmafBrand = [4]byte{'c', 'm', 'f', 'c'}

var cmafCompatibleBrands = [][4]byte{
	{'i', 's', 'o', '6'},
	{'d', 'a', 's', 'h'},
}

var segmentBrand = [4]byte{'m', 's', 'd', 'h'}

var segmentCompatibleBrands = [][4]byte{
	{'m', 's', 'd', 'h'},
	{'m', 's', 'i', 'x'},
}

func buildStyp() *mp4.Box {
	return &mp4.Box{Type: mp4.TypeStyp, Ftyp: &mp4.Ftyp{
		Brand:            segmentBrand,
		BrandVersion:     0,
		CompatibleBrands: segmentCompatibleBrands,
	}}
}

// buildMfhd builds the movie fragment header, carrying the segment's
// 1-based sequence number.
func buildMfhd(sequenceNumber uint32) *mp4.Box {
	return &mp4.Box{Type: mp4.TypeMfhd, Mfhd: &mp4.Mfhd{SequenceNumber: sequenceNumber}}
}

// trunFlags is always the same across every segment this muxer emits: every
// sample carries its own duration, size, flags and composition offset, and
// the trun as a whole carries a data_offset relative to the moof start.
const trunFlags = mp4.TrunDataOffsetPresent |
	mp4.TrunSampleDurationPresent |
	mp4.TrunSampleSizePresent |
	mp4.TrunSampleFlagsPresent |
	mp4.TrunSampleCompositionTimeOffsetPresent

// buildTraf assembles one track's fragment (tfhd/tfdt/trun) for a segment.
// dataOffset is the trun's data_offset, relative to the start of the moof
// box containing it (tfhd carries TfhdDefaultBaseIsMoof so no other base is
// in play); it must be filled in after the moof's total size is known, so
// this is called twice: once with a placeholder to measure moof's encoded
// length, and once more with the real value.
func buildTraf(trackID uint32, baseDecodeTime uint64, entries []mp4.TrunEntry, dataOffset int32) *mp4.Box {
	tfhd := &mp4.Box{
		Type:  mp4.TypeTfhd,
		Flags: mp4.TfhdDefaultBaseIsMoof,
		Tfhd:  &mp4.Tfhd{TrackId: trackID},
	}
	tfdt := &mp4.Box{
		Type:    mp4.TypeTfdt,
		Version: 1,
		Tfdt:    &mp4.Tfdt{BaseMediaDecodeTime: baseDecodeTime},
	}
	trun := &mp4.Box{
		Type:  mp4.TypeTrun,
		Flags: trunFlags,
		Trun:  &mp4.Trun{DataOffset: dataOffset, Entries: entries},
	}
	return &mp4.Box{Type: mp4.TypeTraf, Children: []*mp4.Box{tfhd, tfdt, trun}}
}

// buildMoof assembles the fragment header box from one segment's per-track
// fragments, in the order tracks are registered.
func buildMoof(sequenceNumber uint32, trafs []*mp4.Box) *mp4.Box {
	children := make([]*mp4.Box, 0, len(trafs)+1)
	children = append(children, buildMfhd(sequenceNumber))
	children = append(children, trafs...)
	return &mp4.Box{Type: mp4.TypeMoof, Children: children}
}

// buildSidx builds the segment index referencing the single moof+mdat pair
// that follows it; it must be built after moof and mdat have both been
// serialized so referencedSize is exact.
func buildSidx(referenceID uint32, timescale uint32, earliestPresentationTime uint64, subsegmentDuration uint32, startsWithSAP bool, referencedSize uint32) *mp4.Box {
	return &mp4.Box{Type: mp4.TypeSidx, Version: 1, Sidx: &mp4.Sidx{
		ReferenceID:              referenceID,
		Timescale:                timescale,
		EarliestPresentationTime: earliestPresentationTime,
		References: []mp4.SidxReference{
			{
				ReferenceType:      false,
				ReferencedSize:     referencedSize,
				SubsegmentDuration: subsegmentDuration,
				StartsWithSAP:      startsWithSAP,
				SAPType:            1,
			},
		},
	}}
}
