package cmaf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tetsuo/mp4"
)

// Sentinel errors identifying why a Demuxer call failed.
var (
	ErrNoMoov    = errors.New("cmaf: init segment has no moov box")
	ErrNoTrex    = errors.New("cmaf: moov has no mvex/trex default for one of its tracks")
	ErrNotParsed = errors.New("cmaf: ProcessSegment called before Parse")
)

// TrackInfo describes one track as declared by an init segment's moov, plus
// the trex defaults any trun in this session may omit per-sample.
type TrackInfo struct {
	ID           uint32
	Kind         string // "video" or "audio"
	Codec        string // sample entry fourCC, e.g. "avc1", "mp4a"
	TimeScale    uint32
	Width        uint16
	Height       uint16
	ChannelCount uint16
	SampleRate   uint32

	defaultSampleDuration uint32
	defaultSampleSize     uint32
	defaultSampleFlags    uint32
}

// Sample is one access unit recovered from a moof/mdat pair, with DTS/PTS
// expressed in its track's own timescale ticks, cumulative from the start
// of the session (tfdt's base_media_decode_time plus the trun's running
// offset).
type Sample struct {
	TrackID  uint32
	Payload  []byte
	DTS      int64
	PTS      int64
	Duration uint32
	IsSync   bool
}

// Demuxer parses one CMAF init segment's moov, then decodes a stream of
// subsequent moof/mdat segments against it.
type Demuxer struct {
	log    *slog.Logger
	tracks map[uint32]*TrackInfo
	order  []uint32
}

// NewDemuxer creates a Demuxer. Call Parse with the init segment before
// processing any media segment.
func NewDemuxer(cfg Config) *Demuxer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Demuxer{log: cfg.Logger, tracks: make(map[uint32]*TrackInfo)}
}

// Tracks returns the parsed track descriptions, in moov order.
func (d *Demuxer) Tracks() []*TrackInfo {
	out := make([]*TrackInfo, len(d.order))
	for i, id := range d.order {
		out[i] = d.tracks[id]
	}
	return out
}

// Parse reads an init segment's ftyp+moov and records each track's shape and
// trex defaults.
func (d *Demuxer) Parse(buf []byte) error {
	moovBox, err := findTopLevelBox(buf, mp4.TypeMoov)
	if err != nil {
		return err
	}
	if moovBox == nil {
		return ErrNoMoov
	}

	trexByID := make(map[uint32]*mp4.Trex)
	if mvex := moovBox.Child(mp4.TypeMvex); mvex != nil {
		for _, c := range mvex.Children {
			if c.Type == mp4.TypeTrex && c.Trex != nil {
				trexByID[c.Trex.TrackId] = c.Trex
			}
		}
	}

	for _, trak := range moovBox.ChildList(mp4.TypeTrak) {
		info, err := parseTrak(trak, trexByID)
		if err != nil {
			return err
		}
		d.tracks[info.ID] = info
		d.order = append(d.order, info.ID)
	}

	d.log.Debug("cmaf: init segment parsed", slog.Int("track_count", len(d.order)))
	return nil
}

func parseTrak(trak *mp4.Box, trexByID map[uint32]*mp4.Trex) (*TrackInfo, error) {
	tkhd := trak.Child(mp4.TypeTkhd)
	mdia := trak.Child(mp4.TypeMdia)
	if tkhd == nil || tkhd.Tkhd == nil || mdia == nil {
		return nil, fmt.Errorf("cmaf: trak missing tkhd or mdia")
	}
	mdhd := mdia.Child(mp4.TypeMdhd)
	hdlr := mdia.Child(mp4.TypeHdlr)
	if mdhd == nil || mdhd.Mdhd == nil || hdlr == nil || hdlr.Hdlr == nil {
		return nil, fmt.Errorf("cmaf: trak %d missing mdhd or hdlr", tkhd.Tkhd.TrackId)
	}

	kind := "video"
	if hdlr.Hdlr.HandlerType == [4]byte{'s', 'o', 'u', 'n'} {
		kind = "audio"
	}

	info := &TrackInfo{
		ID:        tkhd.Tkhd.TrackId,
		Kind:      kind,
		TimeScale: mdhd.Mdhd.TimeScale,
	}

	if stsd := mp4.GetBox(mdia, "minf", "stbl", "stsd"); stsd != nil && stsd.Stsd != nil && len(stsd.Stsd.Entries) > 0 {
		entry := stsd.Stsd.Entries[0]
		info.Codec = entry.Type.String()
		if entry.Visual != nil {
			info.Width = entry.Visual.Width
			info.Height = entry.Visual.Height
		}
		if entry.Audio != nil {
			info.ChannelCount = entry.Audio.ChannelCount
			info.SampleRate = entry.Audio.SampleRate >> 16
		}
	}

	trex, ok := trexByID[info.ID]
	if !ok {
		return nil, fmt.Errorf("%w: track %d", ErrNoTrex, info.ID)
	}
	info.defaultSampleDuration = trex.DefaultSampleDuration
	info.defaultSampleSize = trex.DefaultSampleSize
	info.defaultSampleFlags = trex.DefaultSampleFlags

	return info, nil
}

// ProcessSegment decodes one styp+sidx+moof+mdat segment (styp and sidx are
// optional and skipped if absent) and returns the samples it carries, keyed
// by track id, in trun order.
func (d *Demuxer) ProcessSegment(buf []byte) (map[uint32][]Sample, error) {
	if len(d.tracks) == 0 {
		return nil, ErrNotParsed
	}

	out := make(map[uint32][]Sample)
	offset := 0
	for offset+8 <= len(buf) {
		size, boxType, headerLen, err := peekBoxHeader(buf, offset)
		if err != nil {
			return nil, err
		}
		if boxType == mp4.TypeMoof {
			moof, err := mp4.Decode(buf, offset, offset+size)
			if err != nil {
				return nil, fmt.Errorf("cmaf: decoding moof: %w", err)
			}
			if err := d.decodeMoof(moof, offset, buf, out); err != nil {
				return nil, err
			}
		}
		_ = headerLen
		offset += size
	}
	return out, nil
}

func (d *Demuxer) decodeMoof(moof *mp4.Box, moofStart int, buf []byte, out map[uint32][]Sample) error {
	for _, traf := range moof.ChildList(mp4.TypeTraf) {
		tfhdBox := traf.Child(mp4.TypeTfhd)
		tfdtBox := traf.Child(mp4.TypeTfdt)
		trunBox := traf.Child(mp4.TypeTrun)
		if tfhdBox == nil || tfhdBox.Tfhd == nil || trunBox == nil || trunBox.Trun == nil {
			continue
		}
		trackID := tfhdBox.Tfhd.TrackId
		info, ok := d.tracks[trackID]
		if !ok {
			return fmt.Errorf("cmaf: moof references unknown track %d", trackID)
		}

		var baseDecodeTime uint64
		if tfdtBox != nil && tfdtBox.Tfdt != nil {
			baseDecodeTime = tfdtBox.Tfdt.BaseMediaDecodeTime
		}

		base := int64(moofStart)
		if tfhdBox.Flags&mp4.TfhdBaseDataOffsetPresent != 0 {
			base = int64(tfhdBox.Tfhd.BaseDataOffset)
		}

		trun := trunBox.Trun
		sampleOffset := base
		if trunBox.Flags&mp4.TrunDataOffsetPresent != 0 {
			sampleOffset += int64(trun.DataOffset)
		}

		defaultDuration := info.defaultSampleDuration
		if tfhdBox.Flags&mp4.TfhdDefaultSampleDurationPresent != 0 {
			defaultDuration = tfhdBox.Tfhd.DefaultSampleDuration
		}
		defaultSize := info.defaultSampleSize
		if tfhdBox.Flags&mp4.TfhdDefaultSampleSizePresent != 0 {
			defaultSize = tfhdBox.Tfhd.DefaultSampleSize
		}
		defaultFlags := info.defaultSampleFlags
		if tfhdBox.Flags&mp4.TfhdDefaultSampleFlagsPresent != 0 {
			defaultFlags = tfhdBox.Tfhd.DefaultSampleFlags
		}

		dts := int64(baseDecodeTime)
		for i, e := range trun.Entries {
			dur := e.SampleDuration
			if trunBox.Flags&mp4.TrunSampleDurationPresent == 0 {
				dur = defaultDuration
			}
			size := e.SampleSize
			if trunBox.Flags&mp4.TrunSampleSizePresent == 0 {
				size = defaultSize
			}
			flags := e.SampleFlags
			if trunBox.Flags&mp4.TrunSampleFlagsPresent == 0 {
				flags = defaultFlags
				if i == 0 && trunBox.Flags&mp4.TrunFirstSampleFlagsPresent != 0 {
					flags = trun.FirstSampleFlags
				}
			}
			cto := int64(0)
			if trunBox.Flags&mp4.TrunSampleCompositionTimeOffsetPresent != 0 {
				cto = int64(e.SampleCompositionTimeOffset)
			}

			if sampleOffset < 0 || sampleOffset+int64(size) > int64(len(buf)) {
				return fmt.Errorf("cmaf: sample for track %d at offset %d/size %d outside segment bounds", trackID, sampleOffset, size)
			}

			out[trackID] = append(out[trackID], Sample{
				TrackID:  trackID,
				Payload:  buf[sampleOffset : sampleOffset+int64(size)],
				DTS:      dts,
				PTS:      dts + cto,
				Duration: dur,
				IsSync:   flags&sampleFlagSync != 0,
			})

			sampleOffset += int64(size)
			dts += int64(dur)
		}
	}
	return nil
}

// findTopLevelBox walks buf's top-level boxes and returns the first one
// matching want, decoded in full, or nil if none is found.
func findTopLevelBox(buf []byte, want mp4.BoxType) (*mp4.Box, error) {
	offset := 0
	for offset+8 <= len(buf) {
		size, boxType, _, err := peekBoxHeader(buf, offset)
		if err != nil {
			return nil, err
		}
		if boxType == want {
			return mp4.Decode(buf, offset, offset+size)
		}
		offset += size
	}
	return nil, nil
}

// peekBoxHeader reads a box's size and type at offset without fully
// decoding it, resolving the 64-bit large-size form when present.
func peekBoxHeader(buf []byte, offset int) (size int, boxType mp4.BoxType, headerLen int, err error) {
	if offset+8 > len(buf) {
		return 0, boxType, 0, fmt.Errorf("cmaf: box header truncated at offset %d", offset)
	}
	sz := binary.BigEndian.Uint32(buf[offset : offset+4])
	copy(boxType[:], buf[offset+4:offset+8])
	headerLen = 8
	size = int(sz)
	if sz == 1 {
		if offset+16 > len(buf) {
			return 0, boxType, 0, fmt.Errorf("cmaf: large box header truncated at offset %d", offset)
		}
		size = int(binary.BigEndian.Uint64(buf[offset+8 : offset+16]))
		headerLen = 16
	} else if sz == 0 {
		size = len(buf) - offset
	}
	if size < headerLen || offset+size > len(buf) {
		return 0, boxType, 0, fmt.Errorf("cmaf: box at offset %d has invalid size %d", offset, size)
	}
	return size, boxType, headerLen, nil
}
