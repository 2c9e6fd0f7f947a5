package mp4

import (
	"fmt"
	"io"
)

// ScanEntry describes one top-level box found by a Scanner, without its
// body having been read yet.
type ScanEntry struct {
	Type      BoxType
	Size      uint64
	headerLen int
}

// DataSize returns the size of the box's content, excluding its header.
func (e ScanEntry) DataSize() int64 { return int64(e.Size) - int64(e.headerLen) }

// Scanner streams top-level boxes off an io.Reader one at a time, reading
// only headers until the caller opts into a body via ReadBody. Unread
// bodies are discarded automatically when Next advances past them, so
// large boxes like mdat never need to be buffered whole.
type Scanner struct {
	r             io.Reader
	cur           ScanEntry
	bodyRemaining int64
	err           error
}

// NewScanner creates a Scanner reading from r.
func NewScanner(r io.Reader) Scanner {
	return Scanner{r: r}
}

// Next advances to the next top-level box, discarding any unread body
// bytes from the previous one. Returns false at EOF or on error; check Err
// to distinguish the two.
func (sc *Scanner) Next() bool {
	if sc.err != nil {
		return false
	}
	if sc.bodyRemaining > 0 {
		if _, err := io.CopyN(io.Discard, sc.r, sc.bodyRemaining); err != nil {
			sc.err = err
			return false
		}
		sc.bodyRemaining = 0
	}

	var hdr [8]byte
	if _, err := io.ReadFull(sc.r, hdr[:]); err != nil {
		if err != io.EOF && err != io.ErrUnexpectedEOF {
			sc.err = err
		}
		return false
	}

	size := uint64(be.Uint32(hdr[0:4]))
	var t BoxType
	copy(t[:], hdr[4:8])
	headerLen := 8

	if size == 1 {
		var ext [8]byte
		if _, err := io.ReadFull(sc.r, ext[:]); err != nil {
			sc.err = err
			return false
		}
		size = be.Uint64(ext[:])
		headerLen = 16
	}

	if size < uint64(headerLen) {
		sc.err = fmt.Errorf("scan %s: %w: declared size %d smaller than header", t, ErrMalformed, size)
		return false
	}

	sc.cur = ScanEntry{Type: t, Size: size, headerLen: headerLen}
	sc.bodyRemaining = int64(size) - int64(headerLen)
	return true
}

// Entry returns the box header most recently produced by Next.
func (sc *Scanner) Entry() ScanEntry { return sc.cur }

// ReadBody reads the current box's content into buf, which must be exactly
// DataSize() bytes.
func (sc *Scanner) ReadBody(buf []byte) error {
	if int64(len(buf)) != sc.bodyRemaining {
		return fmt.Errorf("scan %s: buffer size %d does not match remaining body %d", sc.cur.Type, len(buf), sc.bodyRemaining)
	}
	if _, err := io.ReadFull(sc.r, buf); err != nil {
		sc.err = err
		return err
	}
	sc.bodyRemaining = 0
	return nil
}

// Err returns the first non-EOF error encountered.
func (sc *Scanner) Err() error { return sc.err }
