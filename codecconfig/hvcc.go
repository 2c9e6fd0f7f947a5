package codecconfig

import (
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"
)

var be = binary.BigEndian

// HEVCConfig is the result of building an hvcC record from raw parameter
// sets.
type HEVCConfig struct {
	Buffer    []byte
	MimeCodec string
	Width     int
	Height    int
	FPS       float64
}

// hvcCArray is one NAL-unit-type array inside the hvcC record.
type hvcCArray struct {
	nalUnitType byte
	nalus       [][]byte
}

// BuildHVCC constructs an hvcC configuration record from one VPS, SPS, and
// PPS NAL unit (2-byte HEVC NAL headers included, start codes stripped).
func BuildHVCC(vps, sps, pps []byte, lengthSize int) (*HEVCConfig, error) {
	if len(sps) < 15 {
		return nil, fmt.Errorf("codecconfig: sps too short to build hvcC")
	}

	var parsed h265.SPS
	if err := parsed.Unmarshal(sps); err != nil {
		return nil, fmt.Errorf("codecconfig: parsing sps: %w", err)
	}

	// The general_profile_space/tier/idc + compatibility flags + constraint
	// flags + level_idc fields hvcC wants are the same 12 bytes the SPS
	// already carries in its profile_tier_level, starting right after the
	// 2-byte NAL header and the 1-byte vps_id/max_sub_layers/nesting_flag
	// field: copy them straight through rather than re-deriving bit-by-bit.
	const ptlOffset = 3
	if len(sps) < ptlOffset+12 {
		return nil, fmt.Errorf("codecconfig: sps too short to contain profile_tier_level")
	}
	ptl := sps[ptlOffset : ptlOffset+12]

	buf := make([]byte, 0, 23)
	buf = append(buf, 1)     // configurationVersion
	buf = append(buf, ptl[0]&0xfc|(ptl[0]&0x03)) // general_profile_space(2)/tier_flag(1)/profile_idc(5)
	buf = append(buf, ptl[1:5]...)  // general_profile_compatibility_flags
	buf = append(buf, ptl[5:11]...) // general_constraint_indicator_flags
	buf = append(buf, ptl[11])      // general_level_idc
	buf = append(buf, 0xf0, 0x00)   // min_spatial_segmentation_idc, reserved bits set
	buf = append(buf, 0xfc)         // reserved(111111) + parallelismType(00)
	buf = append(buf, 0xfc|chromaFormatIDC(&parsed))
	buf = append(buf, 0xf8|bitDepthMinus8(&parsed))
	buf = append(buf, 0xf8|bitDepthMinus8Chroma(&parsed))
	buf = append(buf, 0, 0) // avgFrameRate
	buf = append(buf, 0x0f|byte((lengthSize-1)<<6)) // constant_frame_rate/num_temporal_layers/temporal_id_nested/lengthSizeMinusOne

	arrays := []hvcCArray{
		{nalUnitType: 32, nalus: [][]byte{vps}},
		{nalUnitType: 33, nalus: [][]byte{sps}},
		{nalUnitType: 34, nalus: [][]byte{pps}},
	}
	buf = append(buf, byte(len(arrays)))
	for _, a := range arrays {
		buf = append(buf, 0x80|a.nalUnitType) // array_completeness(1) + reserved(1) + NAL_unit_type(6)
		buf = append(buf, byte(len(a.nalus)>>8), byte(len(a.nalus)))
		for _, nalu := range a.nalus {
			buf = append(buf, byte(len(nalu)>>8), byte(len(nalu)))
			buf = append(buf, nalu...)
		}
	}

	return &HEVCConfig{
		Buffer:    buf,
		MimeCodec: hevcMimeCodec(ptl),
		Width:     parsed.Width(),
		Height:    parsed.Height(),
		FPS:       parsed.FPS(),
	}, nil
}

// hevcMimeCodec builds the RFC 6381 codec string from the 12-byte
// profile_tier_level section, following the general_profile_space.
// general_profile_idc.general_profile_compatibility_flags.
// general_tier_flag+general_level_idc.constraint_flags layout every HEVC
// player's codec-string parser expects.
func hevcMimeCodec(ptl []byte) string {
	profileSpace := (ptl[0] >> 6) & 0x03
	tierFlag := (ptl[0] >> 5) & 0x01
	profileIDC := ptl[0] & 0x1f
	compat := be.Uint32(ptl[1:5])
	levelIDC := ptl[11]

	var spacePrefix string
	switch profileSpace {
	case 1:
		spacePrefix = "A"
	case 2:
		spacePrefix = "B"
	case 3:
		spacePrefix = "C"
	}

	tier := "L"
	if tierFlag == 1 {
		tier = "H"
	}

	constraints := ptl[5:11]
	constraintStr := ""
	for i := len(constraints) - 1; i >= 0; i-- {
		if constraints[i] != 0 {
			constraintStr = "." + strconv.FormatUint(uint64(constraints[i]), 16)
		}
	}

	return fmt.Sprintf("hvc1.%s%d.%X.%s%d%s", spacePrefix, profileIDC, compat, tier, levelIDC, constraintStr)
}

func chromaFormatIDC(sps *h265.SPS) byte      { return byte(sps.ChromaFormatIdc) & 0x03 }
func bitDepthMinus8(sps *h265.SPS) byte       { return byte(sps.BitDepthLumaMinus8) & 0x07 }
func bitDepthMinus8Chroma(sps *h265.SPS) byte { return byte(sps.BitDepthChromaMinus8) & 0x07 }
