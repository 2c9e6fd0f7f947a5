package mp4

// SidxReference is one subsegment reference in a sidx box. The three
// bit-packed fields (reference_type, starts_with_sap, sap_type) are exposed
// as their own typed fields; the codec uses a bit cursor to read/write them.
type SidxReference struct {
	ReferenceType      bool // false: media content; true: another sidx
	ReferencedSize     uint32
	SubsegmentDuration uint32
	StartsWithSAP      bool
	SAPType            uint8
	SAPDeltaTime       uint32
}

// Sidx represents the segment index box.
type Sidx struct {
	ReferenceID              uint32
	Timescale                uint32
	EarliestPresentationTime uint64
	FirstOffset              uint64
	References               []SidxReference
}

func decodeSidx(box *Box, buf []byte, start, end int) error {
	b := buf[start:end]
	if len(b) < 12 {
		return malformedf("", "reference_ID", b, "sidx too short")
	}
	s := &Sidx{
		ReferenceID: be.Uint32(b[0:4]),
		Timescale:   be.Uint32(b[4:8]),
	}
	ptr := 8
	if box.Version == 0 {
		s.EarliestPresentationTime = uint64(be.Uint32(b[ptr:]))
		s.FirstOffset = uint64(be.Uint32(b[ptr+4:]))
		ptr += 8
	} else {
		s.EarliestPresentationTime = be.Uint64(b[ptr:])
		s.FirstOffset = be.Uint64(b[ptr+8:])
		ptr += 16
	}
	if ptr+4 > len(b) {
		return malformedf("", "reference_count", b, "sidx truncated before reference_count")
	}
	// reserved(16) + reference_count(16)
	refCount := int(be.Uint16(b[ptr+2 : ptr+4]))
	ptr += 4

	s.References = make([]SidxReference, refCount)
	cur := newBitCursor(b[ptr:])
	for i := 0; i < refCount; i++ {
		s.References[i] = SidxReference{
			ReferenceType:  cur.readBit(),
			ReferencedSize: cur.readBits(31),
		}
		s.References[i].SubsegmentDuration = cur.readBits(32)
		s.References[i].StartsWithSAP = cur.readBit()
		s.References[i].SAPType = uint8(cur.readBits(3))
		s.References[i].SAPDeltaTime = cur.readBits(28)
	}

	box.Sidx = s
	return nil
}

func encodeSidx(box *Box, buf []byte, offset int) int {
	s := box.Sidx
	b := buf[offset:]
	be.PutUint32(b[0:4], s.ReferenceID)
	be.PutUint32(b[4:8], s.Timescale)
	ptr := 8
	if box.Version == 0 {
		be.PutUint32(b[ptr:], uint32(s.EarliestPresentationTime))
		be.PutUint32(b[ptr+4:], uint32(s.FirstOffset))
		ptr += 8
	} else {
		be.PutUint64(b[ptr:], s.EarliestPresentationTime)
		be.PutUint64(b[ptr+8:], s.FirstOffset)
		ptr += 16
	}
	be.PutUint16(b[ptr:ptr+2], 0)
	be.PutUint16(b[ptr+2:ptr+4], uint16(len(s.References)))
	ptr += 4

	cur := newBitCursor(b[ptr:])
	for _, r := range s.References {
		cur.writeBit(r.ReferenceType)
		cur.writeBits(r.ReferencedSize, 31)
		cur.writeBits(r.SubsegmentDuration, 32)
		cur.writeBit(r.StartsWithSAP)
		cur.writeBits(uint32(r.SAPType), 3)
		cur.writeBits(r.SAPDeltaTime, 28)
	}
	ptr += len(s.References) * 12
	return ptr
}

func encodingLengthSidx(box *Box) int {
	n := 8
	if box.Version == 0 {
		n += 8
	} else {
		n += 16
	}
	n += 4
	n += len(box.Sidx.References) * 12
	return n
}

func init() {
	codecs[TypeSidx] = &codec{decodeSidx, encodeSidx, encodingLengthSidx}
	// styp shares ftyp's layout (major_brand, minor_version, compatible_brands).
	codecs[TypeStyp] = &codec{decodeFtyp, encodeFtyp, encodingLengthFtyp}
}
