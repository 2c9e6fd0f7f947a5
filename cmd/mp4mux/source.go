package main

import (
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"

	"github.com/tetsuo/mp4/pipeline"
)

const videoTimeScale = 90000

// adtsSampleRates is the MPEG-4 Audio sampling_frequency_index lookup table
// ADTS headers encode their sample rate against.
var adtsSampleRates = [16]int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350, 0, 0, 0,
}

// videoSource holds one H.264 elementary stream's parameter sets and the
// length-prefixed access units built from its Annex B NAL units, one NAL per
// sample.
type videoSource struct {
	sps     []byte
	pps     []byte
	samples [][]byte
	sync    []bool
}

// loadAnnexB reads path as an Annex B H.264 bitstream, splitting it into NAL
// units with mediacommon and sorting them into parameter sets versus
// length-prefixed (4-byte) video samples ready for an avc1 track.
func loadAnnexB(path string) (*videoSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var au h264.AnnexB
	if err := au.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("parsing Annex B stream %s: %w", path, err)
	}

	src := &videoSource{}
	for _, nal := range au {
		if len(nal) == 0 {
			continue
		}
		switch h264.NALUType(nal[0] & 0x1f) {
		case h264.NALUTypeSPS:
			src.sps = nal
		case h264.NALUTypePPS:
			src.pps = nal
		case h264.NALUTypeIDR:
			src.samples = append(src.samples, lengthPrefix(nal))
			src.sync = append(src.sync, true)
		case h264.NALUTypeNonIDR:
			src.samples = append(src.samples, lengthPrefix(nal))
			src.sync = append(src.sync, false)
		}
	}
	if src.sps == nil || src.pps == nil {
		return nil, fmt.Errorf("%s: no SPS/PPS found in Annex B stream", path)
	}
	return src, nil
}

// lengthPrefix wraps one NAL unit in the 4-byte big-endian length prefix an
// avcC sample table (lengthSizeMinusOne=3) expects in place of Annex B start
// codes.
func lengthPrefix(nal []byte) []byte {
	out := make([]byte, 4+len(nal))
	binary.BigEndian.PutUint32(out[0:4], uint32(len(nal)))
	copy(out[4:], nal)
	return out
}

// audioFrame is one ADTS frame's raw AAC payload (header stripped).
type audioFrame struct {
	payload []byte
}

// audioSource holds one ADTS elementary stream's AudioSpecificConfig and its
// raw AAC frames, each 1024 samples per ISO/IEC 14496-3.
type audioSource struct {
	asc    mpeg4audio.AudioSpecificConfig
	frames []audioFrame
}

// loadADTS reads path as an ADTS AAC bitstream, parsing each frame's header
// for its sampling rate and channel configuration (assumed constant across
// the stream) and collecting the raw AAC payloads.
func loadADTS(path string) (*audioSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	src := &audioSource{}
	haveConfig := false

	for i := 0; i+7 <= len(data); {
		if data[i] != 0xff || data[i+1]&0xf0 != 0xf0 {
			return nil, fmt.Errorf("%s: lost ADTS sync at byte %d", path, i)
		}

		protectionAbsent := data[i+1]&0x01 != 0
		sampleRateIndex := (data[i+2] >> 2) & 0x0f
		channelConfig := ((data[i+2] & 0x01) << 2) | ((data[i+3] >> 6) & 0x03)
		frameLength := (int(data[i+3]&0x03) << 11) | (int(data[i+4]) << 3) | (int(data[i+5]) >> 5)

		if int(sampleRateIndex) >= len(adtsSampleRates) || adtsSampleRates[sampleRateIndex] == 0 {
			return nil, fmt.Errorf("%s: invalid ADTS sampling_frequency_index %d", path, sampleRateIndex)
		}
		if frameLength < 7 || i+frameLength > len(data) {
			return nil, fmt.Errorf("%s: invalid ADTS frame length %d at byte %d", path, frameLength, i)
		}

		if !haveConfig {
			src.asc = mpeg4audio.AudioSpecificConfig{
				Type:         mpeg4audio.ObjectTypeAACLC,
				SampleRate:   adtsSampleRates[sampleRateIndex],
				ChannelCount: int(channelConfig),
			}
			haveConfig = true
		}

		headerLen := 7
		if !protectionAbsent {
			headerLen = 9
		}
		src.frames = append(src.frames, audioFrame{payload: data[i+headerLen : i+frameLength]})
		i += frameLength
	}

	if !haveConfig {
		return nil, fmt.Errorf("%s: no ADTS frames found", path)
	}
	return src, nil
}

// videoStreamFormat builds the pipeline.StreamFormat HandleStreamFormat
// expects for an avc1 track sourced from src.
func videoStreamFormat(trackID uint32, src *videoSource) pipeline.StreamFormat {
	return pipeline.StreamFormat{
		TrackID:   trackID,
		Kind:      "video",
		Codec:     "avc1",
		TimeScale: videoTimeScale,
		SPS:       src.sps,
		PPS:       src.pps,
	}
}

// audioStreamFormat builds the pipeline.StreamFormat HandleStreamFormat
// expects for an mp4a track sourced from src.
func audioStreamFormat(trackID uint32, src *audioSource) (pipeline.StreamFormat, error) {
	asc, err := src.asc.Marshal()
	if err != nil {
		return pipeline.StreamFormat{}, fmt.Errorf("marshaling AudioSpecificConfig: %w", err)
	}
	return pipeline.StreamFormat{
		TrackID:      trackID,
		Kind:         "audio",
		Codec:        "mp4a",
		TimeScale:    uint32(src.asc.SampleRate),
		ChannelCount: uint16(src.asc.ChannelCount),
		SampleRate:   uint32(src.asc.SampleRate),
		AudioConfig:  asc,
	}, nil
}

// videoBuffers lays out src's samples evenly at fps, DTS==PTS (no B-frame
// reordering support: every frame is either an I- or P-frame in display
// order).
func videoBuffers(trackID uint32, src *videoSource, fps float64) []pipeline.Buffer {
	tick := time.Duration(float64(time.Second) / fps)
	out := make([]pipeline.Buffer, len(src.samples))
	for i, payload := range src.samples {
		ts := time.Duration(i) * tick
		out[i] = pipeline.Buffer{
			TrackID:  trackID,
			Payload:  payload,
			DTS:      ts,
			PTS:      ts,
			KeyFrame: src.sync[i],
		}
	}
	return out
}

// audioBuffers lays out src's frames back to back, 1024 samples per frame
// at the stream's own sample rate.
func audioBuffers(trackID uint32, src *audioSource) []pipeline.Buffer {
	const samplesPerFrame = 1024
	frameDur := time.Duration(samplesPerFrame) * time.Second / time.Duration(src.asc.SampleRate)
	out := make([]pipeline.Buffer, len(src.frames))
	for i, f := range src.frames {
		ts := time.Duration(i) * frameDur
		out[i] = pipeline.Buffer{
			TrackID:  trackID,
			Payload:  f.payload,
			DTS:      ts,
			PTS:      ts,
			KeyFrame: true,
		}
	}
	return out
}
