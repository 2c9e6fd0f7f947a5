package mux

import (
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"

	"github.com/tetsuo/mp4"
	"github.com/tetsuo/mp4/codecconfig"
	"github.com/tetsuo/mp4/pipeline"
)

// BuildStsdEntry constructs the stsd sample entry box (avc1/hvc1/mp4a/Opus)
// and derives the RFC 6381 mime codec string for one track's StreamFormat,
// using codecconfig to build the decoder configuration record. Exported so
// the cmaf muxer can build the same moov-less sample entries its trak/stsd
// boxes need.
func BuildStsdEntry(f pipeline.StreamFormat) (*mp4.Box, string, error) {
	return buildStsdEntry(f)
}

func buildStsdEntry(f pipeline.StreamFormat) (*mp4.Box, string, error) {
	switch f.Codec {
	case "avc1":
		return buildAVCEntry(f)
	case "hvc1":
		return buildHEVCEntry(f)
	case "mp4a":
		return buildAACEntry(f)
	case "Opus":
		return buildOpusEntry(f)
	default:
		return nil, "", fmt.Errorf("mux: unsupported codec %q", f.Codec)
	}
}

func buildAVCEntry(f pipeline.StreamFormat) (*mp4.Box, string, error) {
	cfg, err := codecconfig.BuildAVCC(f.SPS, f.PPS, 4)
	if err != nil {
		return nil, "", err
	}
	avcC := &mp4.Box{Type: mp4.TypeAvcC, AvcC: &mp4.AvcC{Buffer: cfg.Buffer, MimeCodec: cfg.MimeCodec}}
	visual := &mp4.VisualSampleBox{
		DataReferenceIndex: 1,
		Width:              uint16(cfg.Width),
		Height:             uint16(cfg.Height),
		Children:           []*mp4.Box{avcC},
	}
	return &mp4.Box{Type: mp4.TypeAvc1, Visual: visual}, cfg.MimeCodec, nil
}

func buildHEVCEntry(f pipeline.StreamFormat) (*mp4.Box, string, error) {
	cfg, err := codecconfig.BuildHVCC(f.VPS, f.SPS, f.PPS, 4)
	if err != nil {
		return nil, "", err
	}
	hvcC := &mp4.Box{Type: mp4.TypeHvcC, HvcC: &mp4.HvcC{Buffer: cfg.Buffer}}
	visual := &mp4.VisualSampleBox{
		DataReferenceIndex: 1,
		Width:              uint16(cfg.Width),
		Height:             uint16(cfg.Height),
		Children:           []*mp4.Box{hvcC},
	}
	return &mp4.Box{Type: mp4.TypeHvc1, Visual: visual}, cfg.MimeCodec, nil
}

func buildAACEntry(f pipeline.StreamFormat) (*mp4.Box, string, error) {
	var asc mpeg4audio.AudioSpecificConfig
	if err := asc.Unmarshal(f.AudioConfig); err != nil {
		return nil, "", fmt.Errorf("mux: parsing AudioSpecificConfig: %w", err)
	}
	cfg, err := codecconfig.BuildEsds(asc)
	if err != nil {
		return nil, "", err
	}
	esds := &mp4.Box{Type: mp4.TypeEsds, Esds: &mp4.Esds{Buffer: cfg.Buffer, MimeCodec: cfg.MimeCodec}}
	audio := &mp4.AudioSampleBox{
		DataReferenceIndex: 1,
		ChannelCount:       uint16(cfg.ChannelCount),
		SampleRate:         uint32(cfg.SampleRate) << 16,
		Children:           []*mp4.Box{esds},
	}
	return &mp4.Box{Type: mp4.TypeMp4a, Audio: audio}, cfg.MimeCodec, nil
}

func buildOpusEntry(f pipeline.StreamFormat) (*mp4.Box, string, error) {
	cfg := codecconfig.BuildDOps(int(f.ChannelCount), f.SampleRate)
	dOps := &mp4.Box{Type: mp4.TypeDOps, DOps: &mp4.DOps{
		Version:              cfg.Version,
		OutputChannelCount:   cfg.OutputChannelCount,
		PreSkip:              cfg.PreSkip,
		InputSampleRate:      cfg.InputSampleRate,
		OutputGain:           cfg.OutputGain,
		ChannelMappingFamily: cfg.ChannelMappingFamily,
	}}
	audio := &mp4.AudioSampleBox{
		DataReferenceIndex: 1,
		ChannelCount:       f.ChannelCount,
		SampleRate:         f.SampleRate << 16,
		Children:           []*mp4.Box{dOps},
	}
	return &mp4.Box{Type: mp4.TypeOpus, Audio: audio}, cfg.MimeCodec, nil
}
