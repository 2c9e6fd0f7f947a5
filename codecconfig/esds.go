package codecconfig

import (
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
)

// MPEG4AudioObjectTypeIndication is the MPEG-4 systems object type
// indication esds.DecoderConfigDescriptor carries; 0x40 is MPEG-4 AAC.
const MPEG4AudioObjectTypeIndication = 0x40

// AACConfig is the result of building an esds record from an AAC
// AudioSpecificConfig.
type AACConfig struct {
	Buffer       []byte
	MimeCodec    string
	SampleRate   int
	ChannelCount int
}

// BuildEsds constructs a full esds descriptor tree (ESDescriptor wrapping a
// DecoderConfigDescriptor, DecoderSpecificInfo, and SLConfigDescriptor) from
// an AudioSpecificConfig, in the layout descriptor.go's decode path expects.
func BuildEsds(config mpeg4audio.AudioSpecificConfig) (*AACConfig, error) {
	asc, err := config.Marshal()
	if err != nil {
		return nil, fmt.Errorf("codecconfig: marshaling AudioSpecificConfig: %w", err)
	}

	dsi := appendDescriptor(nil, 0x05, asc)

	dcd := []byte{MPEG4AudioObjectTypeIndication, 0x15, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	dcd = appendDescriptor(nil, 0x04, append(dcd, dsi...))

	slc := appendDescriptor(nil, 0x06, []byte{0x02})

	esBody := append([]byte{0x00, 0x00, 0x00}, dcd...) // ES_ID(2) + flags(1, no dependsOn/URL/OCR)
	esBody = append(esBody, slc...)
	esd := appendDescriptor(nil, 0x03, esBody)

	return &AACConfig{
		Buffer:       esd,
		MimeCodec:    fmt.Sprintf("mp4a.40.%d", config.Type),
		SampleRate:   config.SampleRate,
		ChannelCount: config.ChannelCount,
	}, nil
}

// appendDescriptor wraps body in a tag + single-byte-length descriptor
// header and appends the result to dst. AAC's ASC and wrapper descriptors
// never approach the 128-byte threshold where the 7-bit length encoding
// would need to continue into a second byte.
func appendDescriptor(dst []byte, tag byte, body []byte) []byte {
	dst = append(dst, tag, byte(len(body)))
	return append(dst, body...)
}
