package mp4

import (
	"encoding/binary"
	"fmt"
)

var be = binary.BigEndian

// clearBytes zeroes buf[start:end], used when serializing reserved fields.
func clearBytes(buf []byte, start, end int) {
	for i := start; i < end; i++ {
		buf[i] = 0
	}
}

// readString reads a NULL-terminated string from buf[start:end]; if no
// terminator is found before end, the remainder is returned as-is.
func readString(buf []byte, start, end int) string {
	if start >= end || start >= len(buf) {
		return ""
	}
	if end > len(buf) {
		end = len(buf)
	}
	for i := start; i < end; i++ {
		if buf[i] == 0 {
			return string(buf[start:i])
		}
	}
	return string(buf[start:end])
}

// Decode parses a single top-level box from buf[start:end], returning the
// parsed tree and an error carrying the box-name path when the bytes do not
// agree with the schema. end bounds the box's containing block (its parent's
// content end, or len(buf) at the root); a box extending past end is
// malformed.
func Decode(buf []byte, start, end int) (*Box, error) {
	return decodeAt(buf, start, end, "")
}

func decodeAt(buf []byte, start, end int, path string) (*Box, error) {
	if end-start < 8 {
		return nil, malformedf(path, "", buf[start:min(end, len(buf))], "box header truncated")
	}

	size := uint64(be.Uint32(buf[start : start+4]))
	var t BoxType
	copy(t[:], buf[start+4:start+8])
	childPath := path + "/" + t.String()

	headerLen := 8
	if size == 1 {
		if end-start < 16 {
			return nil, malformedf(childPath, "", buf[start:end], "large box header truncated")
		}
		size = be.Uint64(buf[start+8 : start+16])
		headerLen = 16
	} else if size == 0 {
		size = uint64(end - start)
	}

	boxEnd := start + int(size)
	if size < uint64(headerLen) || boxEnd > end {
		return nil, malformedf(childPath, "", buf[start:min(end, len(buf))], "declared size %d exceeds available bytes", size)
	}

	box := &Box{Type: t, Size: size, Start: start}
	contentStart := start + headerLen

	fieldsStart := contentStart
	if IsFullBox(t) {
		if contentStart+4 > boxEnd {
			return nil, malformedf(childPath, "", buf[contentStart:boxEnd], "full box preamble truncated")
		}
		box.Version = buf[contentStart]
		box.Flags = uint32(buf[contentStart+1])<<16 | uint32(buf[contentStart+2])<<8 | uint32(buf[contentStart+3])
		fieldsStart = contentStart + 4
	}

	if c := getCodec(t); c != nil {
		if err := c.decode(box, buf, fieldsStart, boxEnd); err != nil {
			return nil, &CodecError{Path: childPath, Err: err, Data: buf[fieldsStart:boxEnd]}
		}
		return box, nil
	}

	if IsContainerBox(t) {
		ptr := fieldsStart
		for ptr+8 <= boxEnd {
			child, err := decodeAt(buf, ptr, boxEnd, childPath)
			if err != nil {
				return nil, err
			}
			box.Children = append(box.Children, child)
			ptr += int(child.Size)
		}
		return box, nil
	}

	// Opaque: unknown box type, or a schema-known type with no registered
	// codec (free, skip, udta content, mfra, ...). Content is kept verbatim,
	// including any version/flags preamble, for byte-exact round-trip.
	raw := make([]byte, boxEnd-contentStart)
	copy(raw, buf[contentStart:boxEnd])
	box.Raw = raw
	return box, nil
}

// EncodingLength returns the total serialized size of box, in bytes,
// including its 8-byte header.
func EncodingLength(box *Box) uint64 {
	content := uint64(0)
	fullBox := IsFullBox(box.Type)
	if fullBox {
		content += 4
	}

	switch {
	case getCodec(box.Type) != nil:
		content += uint64(getCodec(box.Type).encodingLength(box))
	case IsContainerBox(box.Type):
		for _, c := range box.Children {
			content += EncodingLength(c)
		}
	default:
		return 8 + uint64(len(box.Raw))
	}
	return 8 + content
}

// EncodeToBytes serializes box (and its descendants) to a freshly allocated
// byte slice.
func EncodeToBytes(box *Box) ([]byte, error) {
	buf := make([]byte, EncodingLength(box))
	if _, err := encodeBox(box, buf, 0); err != nil {
		return nil, err
	}
	return buf, nil
}

// encodeBox writes box into buf starting at offset, returning the number of
// bytes written (== EncodingLength(box)).
func encodeBox(box *Box, buf []byte, offset int) (int, error) {
	total := int(EncodingLength(box))
	if offset+total > len(buf) {
		return 0, fmt.Errorf("box=%s: buffer too small: need %d bytes at offset %d, have %d", box.Type, total, offset, len(buf))
	}

	be.PutUint32(buf[offset:offset+4], uint32(total))
	copy(buf[offset+4:offset+8], box.Type[:])
	ptr := offset + 8

	if IsFullBox(box.Type) && (getCodec(box.Type) != nil || IsContainerBox(box.Type)) {
		buf[ptr] = box.Version
		buf[ptr+1] = byte(box.Flags >> 16)
		buf[ptr+2] = byte(box.Flags >> 8)
		buf[ptr+3] = byte(box.Flags)
		ptr += 4
	}

	switch {
	case getCodec(box.Type) != nil:
		n := getCodec(box.Type).encode(box, buf, ptr)
		ptr += n
	case IsContainerBox(box.Type):
		for _, c := range box.Children {
			n, err := encodeBox(c, buf, ptr)
			if err != nil {
				return 0, err
			}
			ptr += n
		}
	default:
		copy(buf[ptr:], box.Raw)
		ptr += len(box.Raw)
	}

	return ptr - offset, nil
}

// GetBox walks path (box names from the root) and returns the first matching
// descendant of box, or nil if any segment is absent. Ambiguity (repeated
// sibling names) is resolved by first occurrence, matching Child/ChildList.
func GetBox(box *Box, path ...string) *Box {
	cur := box
	for _, name := range path {
		if cur == nil {
			return nil
		}
		var t BoxType
		copy(t[:], name)
		cur = cur.Child(t)
	}
	return cur
}

// UpdateBox walks path exactly like GetBox and, if found, applies f to the
// matched box in place.
func UpdateBox(box *Box, f func(*Box), path ...string) bool {
	b := GetBox(box, path...)
	if b == nil {
		return false
	}
	f(b)
	return true
}
