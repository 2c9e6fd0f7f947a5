package codecconfig

// OpusConfig is the result of building a dOps record for an Opus track.
// mediacommon has no dedicated Opus decoder-config package (the record's
// fields are exactly the RTP/Ogg Opus header fields, which callers already
// have in hand), so this is plain field bookkeeping rather than a parser.
type OpusConfig struct {
	Version              uint8
	OutputChannelCount   uint8
	PreSkip              uint16
	InputSampleRate      uint32
	OutputGain           int16
	ChannelMappingFamily uint8
	MimeCodec            string
}

// BuildDOps constructs a dOps configuration record's fields for the given
// channel count, using channel mapping family 0 (mono or stereo, no
// surround/ambisonics side channel), a pre-skip of 413 and an input sample
// rate of 0. sampleRate is not written into the record.
func BuildDOps(channelCount int, sampleRate uint32) *OpusConfig {
	return &OpusConfig{
		Version:              0,
		OutputChannelCount:   uint8(channelCount),
		PreSkip:              413,
		InputSampleRate:      0,
		OutputGain:           0,
		ChannelMappingFamily: 0,
		MimeCodec:            "Opus",
	}
}
