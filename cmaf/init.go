package cmaf

import (
	"encoding/binary"
	"fmt"

	"github.com/tetsuo/mp4"
)

const movieTimescale = 1000
const languageUndetermined = 21956

func identityMatrix() [36]byte {
	var m [36]byte
	binary.BigEndian.PutUint32(m[0:4], 0x00010000)
	binary.BigEndian.PutUint32(m[16:20], 0x00010000)
	binary.BigEndian.PutUint32(m[32:36], 0x40000000)
	return m
}

func buildDinf() *mp4.Box {
	dref := &mp4.Box{Type: mp4.TypeDref, Dref: &mp4.DrefBox{
		Entries: []mp4.DrefEntry{
			{Type: [4]byte{'u', 'r', 'l', ' '}, Buf: []byte{0, 0, 0, 1}},
		},
	}}
	return &mp4.Box{Type: mp4.TypeDinf, Children: []*mp4.Box{dref}}
}

// buildEmptyStbl builds a sample table with no samples: a fragmented track's
// actual sample tables live in each segment's moof/traf, not here, but an
// init segment's stbl must still exist, with an empty stts/stsc/stsz/stco.
func buildEmptyStbl(stsdEntry *mp4.Box) *mp4.Box {
	return &mp4.Box{Type: mp4.TypeStbl, Children: []*mp4.Box{
		{Type: mp4.TypeStsd, Stsd: &mp4.Stsd{Entries: []*mp4.Box{stsdEntry}}},
		{Type: mp4.TypeStts, Stts: &mp4.Stts{}},
		{Type: mp4.TypeStsc, Stsc: &mp4.Stsc{}},
		{Type: mp4.TypeStsz, Stsz: &mp4.Stsz{}},
		{Type: mp4.TypeStco, Stco: &mp4.Stco{}},
	}}
}

func buildInitTrak(t *cmafTrack) *mp4.Box {
	volume := uint16(0)
	if t.format.Kind == "audio" {
		volume = 0x0100
	}

	tkhd := &mp4.Box{Type: mp4.TypeTkhd, Flags: 0x000007, Tkhd: &mp4.Tkhd{
		TrackId:     t.format.TrackID,
		Volume:      volume,
		Matrix:      identityMatrix(),
		TrackWidth:  uint32(t.format.Width) << 16,
		TrackHeight: uint32(t.format.Height) << 16,
	}}

	mdhd := &mp4.Box{Type: mp4.TypeMdhd, Mdhd: &mp4.Mdhd{
		TimeScale: t.format.TimeScale,
		Language:  languageUndetermined,
	}}

	handlerType := [4]byte{'v', 'i', 'd', 'e'}
	handlerName := "VideoHandler"
	if t.format.Kind == "audio" {
		handlerType = [4]byte{'s', 'o', 'u', 'n'}
		handlerName = "SoundHandler"
	}
	hdlr := &mp4.Box{Type: mp4.TypeHdlr, Hdlr: &mp4.Hdlr{HandlerType: handlerType, Name: handlerName}}

	var mediaHeader *mp4.Box
	if t.format.Kind == "audio" {
		mediaHeader = &mp4.Box{Type: mp4.TypeSmhd, Flags: 0x000001, Smhd: &mp4.Smhd{}}
	} else {
		mediaHeader = &mp4.Box{Type: mp4.TypeVmhd, Flags: 0x000001, Vmhd: &mp4.Vmhd{}}
	}

	minf := &mp4.Box{Type: mp4.TypeMinf, Children: []*mp4.Box{
		mediaHeader,
		buildDinf(),
		buildEmptyStbl(t.stsdEntry),
	}}

	mdia := &mp4.Box{Type: mp4.TypeMdia, Children: []*mp4.Box{mdhd, hdlr, minf}}

	return &mp4.Box{Type: mp4.TypeTrak, Children: []*mp4.Box{tkhd, mdia}}
}

func buildTrex(trackID uint32) *mp4.Box {
	return &mp4.Box{Type: mp4.TypeTrex, Trex: &mp4.Trex{
		TrackId:                       trackID,
		DefaultSampleDescriptionIndex: 1,
		DefaultSampleFlags:            sampleFlagNonSync,
	}}
}

// buildInitSegment assembles the ftyp+moov pair every segment from this
// session's tracks refers back to, with an mvex/trex per track so players
// know this moov describes a fragmented file.
func buildInitSegment(states []*cmafTrack) ([]byte, error) {
	nextTrackID := uint32(1)
	children := make([]*mp4.Box, 0, len(states)+2)

	for _, t := range states {
		if t.format.TrackID >= nextTrackID {
			nextTrackID = t.format.TrackID + 1
		}
	}

	mvhd := &mp4.Box{Type: mp4.TypeMvhd, Mvhd: &mp4.Mvhd{
		TimeScale:   movieTimescale,
		Matrix:      identityMatrix(),
		NextTrackId: nextTrackID,
	}}
	children = append(children, mvhd)

	for _, t := range states {
		children = append(children, buildInitTrak(t))
	}

	trexes := make([]*mp4.Box, len(states))
	for i, t := range states {
		trexes[i] = buildTrex(t.format.TrackID)
	}
	children = append(children, &mp4.Box{Type: mp4.TypeMvex, Children: trexes})

	moov := &mp4.Box{Type: mp4.TypeMoov, Children: children}

	ftyp := &mp4.Box{Type: mp4.TypeFtyp, Ftyp: &mp4.Ftyp{
		Brand:            cmafBrand,
		BrandVersion:     0,
		CompatibleBrands: cmafCompatibleBrands,
	}}

	ftypBytes, err := mp4.EncodeToBytes(ftyp)
	if err != nil {
		return nil, fmt.Errorf("cmaf: encoding ftyp: %w", err)
	}
	moovBytes, err := mp4.EncodeToBytes(moov)
	if err != nil {
		return nil, fmt.Errorf("cmaf: encoding moov: %w", err)
	}

	out := make([]byte, 0, len(ftypBytes)+len(moovBytes))
	out = append(out, ftypBytes...)
	out = append(out, moovBytes...)
	return out, nil
}
