package mp4

// Writer builds a box tree directly into a caller-provided buffer, tracking
// box boundaries on a stack so sizes can be backpatched once a box's
// children are known. It does not grow its buffer: callers size it with
// EncodingLength up front, or over-allocate, as the benchmarks here do.
type Writer struct {
	buf   []byte
	pos   int
	stack []int
}

// NewWriter creates a Writer that writes into buf starting at offset 0.
func NewWriter(buf []byte) Writer {
	return Writer{buf: buf}
}

// Bytes returns the bytes written so far.
func (w *Writer) Bytes() []byte { return w.buf[:w.pos] }

// StartBox opens a container box of the given type; its size is backpatched
// when EndBox is called.
func (w *Writer) StartBox(t BoxType) {
	w.stack = append(w.stack, w.pos)
	be.PutUint32(w.buf[w.pos:w.pos+4], 0)
	copy(w.buf[w.pos+4:w.pos+8], t[:])
	w.pos += 8
}

// EndBox closes the most recently started box, writing its final size.
func (w *Writer) EndBox() {
	n := len(w.stack)
	start := w.stack[n-1]
	w.stack = w.stack[:n-1]
	be.PutUint32(w.buf[start:start+4], uint32(w.pos-start))
}

// writeBox serializes box at the current position and advances it,
// reusing the same codec table Decode/EncodeToBytes are built on.
func (w *Writer) writeBox(box *Box) {
	n, err := encodeBox(box, w.buf, w.pos)
	if err != nil {
		panic(err)
	}
	w.pos += n
}

// WriteFtyp writes a complete ftyp box.
func (w *Writer) WriteFtyp(brand [4]byte, brandVersion uint32, compatible [][4]byte) {
	w.writeBox(&Box{Type: TypeFtyp, Ftyp: &Ftyp{Brand: brand, BrandVersion: brandVersion, CompatibleBrands: compatible}})
}

// WriteMvhd writes a complete mvhd box with version 0 (32-bit times).
func (w *Writer) WriteMvhd(timescale, duration, nextTrackId uint32) {
	w.writeBox(&Box{Type: TypeMvhd, Mvhd: &Mvhd{
		TimeScale:   timescale,
		Duration:    duration,
		NextTrackId: nextTrackId,
	}})
}

// WriteTkhd writes a complete tkhd box with version 0 (32-bit times). width
// and height are 16.16 fixed-point, matching Tkhd.TrackWidth/TrackHeight.
func (w *Writer) WriteTkhd(flags, trackId, duration, width, height uint32) {
	w.writeBox(&Box{Type: TypeTkhd, Flags: flags, Tkhd: &Tkhd{
		TrackId:     trackId,
		Duration:    duration,
		TrackWidth:  width,
		TrackHeight: height,
	}})
}

// WriteMdhd writes a complete mdhd box with version 0 (32-bit times).
func (w *Writer) WriteMdhd(timescale, duration uint32, language uint16) {
	w.writeBox(&Box{Type: TypeMdhd, Mdhd: &Mdhd{
		TimeScale: timescale,
		Duration:  uint64(duration),
		Language:  language,
	}})
}

// WriteHdlr writes a complete hdlr box.
func (w *Writer) WriteHdlr(handlerType [4]byte, name string) {
	w.writeBox(&Box{Type: TypeHdlr, Hdlr: &Hdlr{HandlerType: handlerType, Name: name}})
}

// WriteTrex writes a complete trex box.
func (w *Writer) WriteTrex(trackId, sampleDescriptionIndex, sampleDuration, sampleSize, sampleFlags uint32) {
	w.writeBox(&Box{Type: TypeTrex, Trex: &Trex{
		TrackId:                       trackId,
		DefaultSampleDescriptionIndex: sampleDescriptionIndex,
		DefaultSampleDuration:         sampleDuration,
		DefaultSampleSize:             sampleSize,
		DefaultSampleFlags:            sampleFlags,
	}})
}

// WriteMfhd writes a complete mfhd box.
func (w *Writer) WriteMfhd(sequenceNumber uint32) {
	w.writeBox(&Box{Type: TypeMfhd, Mfhd: &Mfhd{SequenceNumber: sequenceNumber}})
}

// WriteTfhd writes a complete tfhd box. flags controls which of the
// optional Tfhd fields are serialized, per the TfhdXxxPresent constants.
func (w *Writer) WriteTfhd(flags uint32, tfhd *Tfhd) {
	w.writeBox(&Box{Type: TypeTfhd, Flags: flags, Tfhd: tfhd})
}

// WriteTfdt writes a complete tfdt box. version 1 serializes a 64-bit
// BaseMediaDecodeTime.
func (w *Writer) WriteTfdt(version uint8, baseMediaDecodeTime uint64) {
	w.writeBox(&Box{Type: TypeTfdt, Version: version, Tfdt: &Tfdt{BaseMediaDecodeTime: baseMediaDecodeTime}})
}

// WriteTrun writes a complete trun box. flags controls which TrunEntry
// fields are serialized, per the TrunXxxPresent constants.
func (w *Writer) WriteTrun(flags uint32, trun *Trun) {
	w.writeBox(&Box{Type: TypeTrun, Flags: flags, Trun: trun})
}

// WriteSidx writes a complete sidx box.
func (w *Writer) WriteSidx(version uint8, sidx *Sidx) {
	w.writeBox(&Box{Type: TypeSidx, Version: version, Sidx: sidx})
}

// WriteMdat writes a complete mdat box, copying buffer verbatim.
func (w *Writer) WriteMdat(buffer []byte) {
	w.writeBox(&Box{Type: TypeMdat, Mdat: &Mdat{Buffer: buffer}})
}
