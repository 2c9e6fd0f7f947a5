// Package codecconfig builds the decoder configuration records and MIME
// codec strings that the container codec's decode path only ever reads
// (never writes): avcC, hvcC, esds, and dOps. Given raw parameter sets or a
// codec-specific config struct, it produces the exact byte layout described
// in ISO/IEC 14496-15 (AVC/HEVC) and 14496-14 (MPEG-4 audio), wiring
// mediacommon's structured codec parsers instead of hand-rolling NAL/ASC
// parsing a second time.
package codecconfig

import (
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

// AVCConfig is the result of building an avcC record from raw parameter
// sets: the record bytes (suitable for mp4.AvcC.Buffer) plus the track
// dimensions read from the active SPS.
type AVCConfig struct {
	Buffer    []byte
	MimeCodec string
	Width     int
	Height    int
	FPS       float64
}

// BuildAVCC constructs an avcC configuration record from one SPS and one PPS
// NAL unit (Annex B start codes must already be stripped). lengthSize is the
// NAL length field width the track's samples use (4 is universal in
// practice; some encoders emit 1 or 2).
func BuildAVCC(sps, pps []byte, lengthSize int) (*AVCConfig, error) {
	if len(sps) < 4 {
		return nil, fmt.Errorf("codecconfig: sps too short to build avcC")
	}

	var parsed h264.SPS
	if err := parsed.Unmarshal(sps); err != nil {
		return nil, fmt.Errorf("codecconfig: parsing sps: %w", err)
	}

	buf := make([]byte, 0, 11+len(sps)+len(pps))
	buf = append(buf, 1)                  // configurationVersion
	buf = append(buf, sps[1], sps[2], sps[3]) // profile_idc, profile_compatibility, level_idc, copied from the SPS itself
	buf = append(buf, 0xfc|byte(lengthSize-1))
	buf = append(buf, 0xe1) // reserved bits (111) + numOfSequenceParameterSets (00001)
	buf = append(buf, byte(len(sps)>>8), byte(len(sps)))
	buf = append(buf, sps...)
	buf = append(buf, 1) // numOfPictureParameterSets
	buf = append(buf, byte(len(pps)>>8), byte(len(pps)))
	buf = append(buf, pps...)

	return &AVCConfig{
		Buffer:    buf,
		MimeCodec: fmt.Sprintf("avc1.%02x%02x%02x", sps[1], sps[2], sps[3]),
		Width:     parsed.Width(),
		Height:    parsed.Height(),
		FPS:       parsed.FPS(),
	}, nil
}
