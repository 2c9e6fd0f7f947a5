package mp4

// Reader walks a box tree directly over a byte slice without allocating,
// yielding one sibling at a time via Next and descending into a container's
// content via Enter/Exit. It is the zero-copy counterpart to Decode: the
// same buffer backs every returned slice.
type Reader struct {
	buf   []byte
	pos   int
	end   int
	stack []readerFrame

	boxStart     int
	contentStart int
	contentEnd   int
	boxSize      uint64
	boxType      BoxType
	version      uint8
	flags        uint32
}

type readerFrame struct {
	pos, end int
}

// NewReader creates a Reader over buf, starting at the top level.
func NewReader(buf []byte) Reader {
	return Reader{buf: buf, end: len(buf)}
}

// Next advances to the next sibling box at the current level, returning
// false once the level is exhausted or a box header does not fit.
func (r *Reader) Next() bool {
	if r.pos+8 > r.end {
		return false
	}
	size := uint64(be.Uint32(r.buf[r.pos : r.pos+4]))
	var t BoxType
	copy(t[:], r.buf[r.pos+4:r.pos+8])

	headerLen := 8
	if size == 1 {
		if r.pos+16 > r.end {
			return false
		}
		size = be.Uint64(r.buf[r.pos+8 : r.pos+16])
		headerLen = 16
	} else if size == 0 {
		size = uint64(r.end - r.pos)
	}

	boxEnd := r.pos + int(size)
	if size < uint64(headerLen) || boxEnd > r.end {
		return false
	}

	contentStart := r.pos + headerLen
	var version uint8
	var flags uint32
	if IsFullBox(t) {
		if contentStart+4 > boxEnd {
			return false
		}
		version = r.buf[contentStart]
		flags = uint32(r.buf[contentStart+1])<<16 | uint32(r.buf[contentStart+2])<<8 | uint32(r.buf[contentStart+3])
		contentStart += 4
	}

	r.boxStart = r.pos
	r.boxSize = size
	r.boxType = t
	r.version = version
	r.flags = flags
	r.contentStart = contentStart
	r.contentEnd = boxEnd
	r.pos = boxEnd
	return true
}

// Type returns the current box's type.
func (r *Reader) Type() BoxType { return r.boxType }

// Size returns the current box's total size, including its header.
func (r *Reader) Size() uint64 { return r.boxSize }

// Version returns the current full box's version.
func (r *Reader) Version() uint8 { return r.version }

// Flags returns the current full box's flags.
func (r *Reader) Flags() uint32 { return r.flags }

// Data returns the current box's content, after any full box preamble.
func (r *Reader) Data() []byte { return r.buf[r.contentStart:r.contentEnd] }

// RawBox returns the current box verbatim, header included.
func (r *Reader) RawBox() []byte { return r.buf[r.boxStart:r.contentEnd] }

// Enter descends into the current box's content; a matching Exit returns to
// the sibling level Enter was called from.
func (r *Reader) Enter() {
	r.stack = append(r.stack, readerFrame{pos: r.pos, end: r.end})
	r.pos = r.contentStart
	r.end = r.contentEnd
}

// Exit returns to the level Enter was called from.
func (r *Reader) Exit() {
	n := len(r.stack)
	f := r.stack[n-1]
	r.stack = r.stack[:n-1]
	r.pos = f.pos
	r.end = f.end
}

// Skip advances the read position within the current level by n bytes,
// without interpreting them as a box; used to step over fixed-width fields
// preceding a list of sub-boxes (e.g. stsd's entry count).
func (r *Reader) Skip(n int) { r.pos += n }

// EntryCount reads the 32-bit count field at the start of the current box's
// content, as found in stsd and dref.
func (r *Reader) EntryCount() uint32 {
	return be.Uint32(r.Data()[0:4])
}

// ReadMvhd reads timescale, duration, and next track ID from the current
// mvhd box.
func (r *Reader) ReadMvhd() (timescale, duration, nextTrackId uint32) {
	box := &Box{Type: TypeMvhd, Version: r.version}
	if err := decodeMvhd(box, r.buf, r.contentStart, r.contentEnd); err != nil {
		return 0, 0, 0
	}
	return box.Mvhd.TimeScale, box.Mvhd.Duration, box.Mvhd.NextTrackId
}

// ReadTkhd reads track ID, duration, and 16.16 fixed-point width/height
// from the current tkhd box.
func (r *Reader) ReadTkhd() (trackId, duration, width, height uint32) {
	box := &Box{Type: TypeTkhd, Version: r.version}
	if err := decodeTkhd(box, r.buf, r.contentStart, r.contentEnd); err != nil {
		return 0, 0, 0, 0
	}
	return box.Tkhd.TrackId, box.Tkhd.Duration, box.Tkhd.TrackWidth, box.Tkhd.TrackHeight
}

// ReadMdhd reads timescale, duration, and language from the current mdhd
// box.
func (r *Reader) ReadMdhd() (timescale uint32, duration uint64, language uint16) {
	box := &Box{Type: TypeMdhd}
	if err := decodeMdhd(box, r.buf, r.contentStart, r.contentEnd); err != nil {
		return 0, 0, 0
	}
	return box.Mdhd.TimeScale, box.Mdhd.Duration, box.Mdhd.Language
}

// ReadHdlr reads the handler type from the current hdlr box.
func (r *Reader) ReadHdlr() [4]byte {
	var t [4]byte
	copy(t[:], r.Data()[4:8])
	return t
}

// ReadHdlrName reads the handler name from the current hdlr box.
func (r *Reader) ReadHdlrName() string {
	data := r.Data()
	return readString(data, 20, len(data))
}

// ReadMehd reads the fragment duration from the current mehd box.
func (r *Reader) ReadMehd() uint32 {
	return be.Uint32(r.Data())
}

// ReadTrex reads track ID and default sample parameters from the current
// trex box.
func (r *Reader) ReadTrex() (trackId, sampleDescriptionIndex, sampleDuration, sampleSize, sampleFlags uint32) {
	b := r.Data()
	return be.Uint32(b[0:4]), be.Uint32(b[4:8]), be.Uint32(b[8:12]), be.Uint32(b[12:16]), be.Uint32(b[16:20])
}

// ReadMfhd reads the sequence number from the current mfhd box.
func (r *Reader) ReadMfhd() uint32 {
	return be.Uint32(r.Data())
}

// ReadTfhd reads the track ID from the current tfhd box.
func (r *Reader) ReadTfhd() uint32 {
	return be.Uint32(r.Data())
}

// ReadTfdt reads the base media decode time from the current tfdt box,
// honoring version 0 (32-bit) vs version 1 (64-bit).
func (r *Reader) ReadTfdt() uint64 {
	b := r.Data()
	if r.version == 0 {
		return uint64(be.Uint32(b))
	}
	return be.Uint64(b)
}

// ReadSidx reads the reference ID, timescale, earliest presentation time and
// reference count from the current sidx box, honoring version 0 (32-bit)
// vs version 1 (64-bit) presentation time/offset fields.
func (r *Reader) ReadSidx() (referenceId, timescale uint32, earliestPresentationTime uint64, referenceCount uint16) {
	b := r.Data()
	referenceId = be.Uint32(b[0:4])
	timescale = be.Uint32(b[4:8])
	ptr := 8
	if r.version == 0 {
		earliestPresentationTime = uint64(be.Uint32(b[ptr:]))
		ptr += 8
	} else {
		earliestPresentationTime = be.Uint64(b[ptr:])
		ptr += 16
	}
	referenceCount = be.Uint16(b[ptr+2 : ptr+4])
	return
}
