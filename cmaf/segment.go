package cmaf

import (
	"fmt"
	"time"

	"github.com/tetsuo/mp4"
)

// scaleTicks converts a wallclock duration to ticks in timescale, truncating
// toward zero.
func scaleTicks(d time.Duration, timescale uint32) int64 {
	return int64(d) * int64(timescale) / int64(time.Second)
}

// trackFragment holds one track's contribution to a single CMAF segment:
// the samples collected for it and the encoded trun entries derived from
// their timestamps.
type trackFragment struct {
	track   *cmafTrack
	samples []queuedSample
	entries []mp4.TrunEntry
	payload []byte
}

// buildTrunEntries derives each sample's duration (the tick gap to the next
// sample's DTS, or to nextWallDTS for the last one) and composition offset,
// in the track's own timescale.
func buildTrunEntries(samples []queuedSample, nextWallDTS *time.Duration, timescale uint32) []mp4.TrunEntry {
	entries := make([]mp4.TrunEntry, len(samples))
	for i, s := range samples {
		var dur int64
		switch {
		case i+1 < len(samples):
			dur = scaleTicks(samples[i+1].wallDTS-s.wallDTS, timescale)
		case nextWallDTS != nil:
			dur = scaleTicks(*nextWallDTS-s.wallDTS, timescale)
		case i > 0:
			dur = scaleTicks(s.wallDTS-samples[i-1].wallDTS, timescale)
		default:
			dur = 0
		}
		if dur < 0 {
			dur = 0
		}
		entries[i] = mp4.TrunEntry{
			SampleDuration:              uint32(dur),
			SampleSize:                  uint32(len(s.payload)),
			SampleFlags:                 sampleFlags(s.keyFrame),
			SampleCompositionTimeOffset: int32(scaleTicks(s.wallPTS-s.wallDTS, timescale)),
		}
	}
	return entries
}

// cutSegment builds one complete styp+sidx+moof+mdat segment: leaderTarget
// is the leader track's already-collected samples; every other registered
// track is cut at cutWall to stay aligned with the leader's chosen boundary.
func (m *Muxer) cutSegment(leader *cmafTrack, leaderTarget []queuedSample, cutWall time.Duration) ([]byte, error) {
	fragments := make([]*trackFragment, 0, len(m.order))

	for _, id := range m.order {
		t := m.tracks[id]
		var samples []queuedSample
		if t == leader {
			samples = leaderTarget
		} else {
			samples = t.queue.cutAt(cutWall)
		}
		if len(samples) == 0 {
			continue
		}

		var next *time.Duration
		if t == leader {
			next = &cutWall
		} else if len(t.queue.pending) > 0 {
			next = &t.queue.pending[0].wallDTS
		}

		entries := buildTrunEntries(samples, next, t.format.TimeScale)
		payload := make([]byte, 0, totalPayloadLen(samples))
		for _, s := range samples {
			payload = append(payload, s.payload...)
		}
		fragments = append(fragments, &trackFragment{track: t, samples: samples, entries: entries, payload: payload})
	}

	if len(fragments) == 0 {
		return nil, fmt.Errorf("cmaf: cutSegment called with no samples collected on any track")
	}

	moofLen, err := measureMoof(m.sequenceNumber+1, fragments)
	if err != nil {
		return nil, err
	}

	const mdatHeaderLen = 8
	dataOffset := int32(moofLen + mdatHeaderLen)
	var mdatPayload []byte
	trafs := make([]*mp4.Box, len(fragments))
	for i, fr := range fragments {
		trafs[i] = buildTraf(fr.track.format.TrackID, fr.track.emittedTicks, fr.entries, dataOffset)
		dataOffset += int32(len(fr.payload))
		mdatPayload = append(mdatPayload, fr.payload...)
	}
	m.sequenceNumber++
	moof := buildMoof(m.sequenceNumber, trafs)

	moofBytes, err := mp4.EncodeToBytes(moof)
	if err != nil {
		return nil, fmt.Errorf("cmaf: encoding moof: %w", err)
	}
	mdatBytes, err := mp4.EncodeToBytes(&mp4.Box{Type: mp4.TypeMdat, Mdat: &mp4.Mdat{Buffer: mdatPayload}})
	if err != nil {
		return nil, fmt.Errorf("cmaf: encoding mdat: %w", err)
	}

	leaderFrag := fragmentFor(fragments, leader)
	startsWithSAP := leaderFrag == nil || !leaderFrag.track.queue.isVideo || (len(leaderFrag.samples) > 0 && leaderFrag.samples[0].keyFrame)
	earliestPT := uint64(0)
	subsegDur := uint32(0)
	if leaderFrag != nil {
		earliestPT = uint64(scaleTicks(leaderFrag.samples[0].wallPTS, leader.format.TimeScale))
		subsegDur = uint32(scaleTicks(cutWall-leaderFrag.samples[0].wallDTS, leader.format.TimeScale))
	}
	sidx := buildSidx(leader.format.TrackID, leader.format.TimeScale, earliestPT, subsegDur, startsWithSAP, uint32(len(moofBytes)+len(mdatBytes)))
	sidxBytes, err := mp4.EncodeToBytes(sidx)
	if err != nil {
		return nil, fmt.Errorf("cmaf: encoding sidx: %w", err)
	}

	styp := buildStyp()
	stypBytes, err := mp4.EncodeToBytes(styp)
	if err != nil {
		return nil, fmt.Errorf("cmaf: encoding styp: %w", err)
	}

	for _, fr := range fragments {
		var total int64
		for _, e := range fr.entries {
			total += int64(e.SampleDuration)
		}
		fr.track.emittedTicks += uint64(total)
	}

	out := make([]byte, 0, len(stypBytes)+len(sidxBytes)+len(moofBytes)+len(mdatBytes))
	out = append(out, stypBytes...)
	out = append(out, sidxBytes...)
	out = append(out, moofBytes...)
	out = append(out, mdatBytes...)
	return out, nil
}

func fragmentFor(fragments []*trackFragment, t *cmafTrack) *trackFragment {
	for _, fr := range fragments {
		if fr.track == t {
			return fr
		}
	}
	return nil
}

func totalPayloadLen(samples []queuedSample) int {
	n := 0
	for _, s := range samples {
		n += len(s.payload)
	}
	return n
}

// measureMoof encodes a moof with every trun's data_offset set to zero, just
// to learn its serialized length: trun's data_offset is a fixed-width int32
// regardless of its value, so this length is exactly what the final moof
// (with real offsets filled in) will also encode to.
func measureMoof(sequenceNumber uint32, fragments []*trackFragment) (int, error) {
	trafs := make([]*mp4.Box, len(fragments))
	for i, fr := range fragments {
		trafs[i] = buildTraf(fr.track.format.TrackID, fr.track.emittedTicks, fr.entries, 0)
	}
	moof := buildMoof(sequenceNumber, trafs)
	return int(mp4.EncodingLength(moof)), nil
}
