// Package pipeline stands in for the host streaming framework the ISOM and
// CMAF muxer/demuxer elements run inside of. It is deliberately thin: just
// enough of a StreamFormat/Buffer/Action/Element contract that those
// elements can be built and unit-tested without a real pipeline runtime.
package pipeline

import "time"

// StreamFormat describes the codec and track shape an input is about to
// deliver samples for. Kind discriminates video/audio the same way
// track.TrackKind does on the demux side. Codec carries a four-character
// FourCC ("avc1", "hvc1", "mp4a", "Opus") rather than the full RFC 6381
// string: the mime codec string is derived once the decoder configuration
// record has been built from the parameter sets below.
type StreamFormat struct {
	TrackID      uint32
	Kind         string // "video" or "audio"
	Codec        string // "avc1", "hvc1", "mp4a", "Opus"
	TimeScale    uint32
	Width        uint16
	Height       uint16
	ChannelCount uint16
	SampleRate   uint32

	// Out-of-band codec parameters, carried once per track so the muxer can
	// build a decoder configuration record (avcC/hvcC/esds/dOps) before the
	// first sample arrives. Only the fields matching Codec are set.
	SPS         []byte // H.264/H.265
	PPS         []byte // H.264/H.265
	VPS         []byte // H.265 only
	AudioConfig []byte // raw MPEG-4 AudioSpecificConfig bytes, AAC only
}

// Buffer is one codec-level access unit flowing through the pipeline.
type Buffer struct {
	TrackID  uint32
	Payload  []byte
	DTS      time.Duration
	PTS      time.Duration
	KeyFrame bool
}

// ActionKind discriminates the variants of Action.
type ActionKind int

const (
	ActionEmitBuffer ActionKind = iota
	ActionEmitStreamFormat
	ActionRequestMore
	ActionEmitEOS
	ActionEmitSegment
)

// Action is a tagged union of the things an Element can ask its host to do
// in response to one event. Only the field matching Kind is valid.
//
// ActionEmitSegment is distinct from ActionEmitBuffer: a CMAF muxer produces
// complete styp+sidx+moof+mdat segments as its unit of output, not
// individual samples, and can produce one mid-stream (not only once at
// end of stream, unlike an ISOM muxer's single Finalize artifact).
type Action struct {
	Kind         ActionKind
	Buffer       Buffer
	StreamFormat StreamFormat
	Segment      []byte
}

// EmitBuffer builds an ActionEmitBuffer.
func EmitBuffer(b Buffer) Action { return Action{Kind: ActionEmitBuffer, Buffer: b} }

// EmitStreamFormat builds an ActionEmitStreamFormat.
func EmitStreamFormat(f StreamFormat) Action {
	return Action{Kind: ActionEmitStreamFormat, StreamFormat: f}
}

// RequestMore builds an ActionRequestMore.
func RequestMore() Action { return Action{Kind: ActionRequestMore} }

// EmitEOS builds an ActionEmitEOS.
func EmitEOS() Action { return Action{Kind: ActionEmitEOS} }

// EmitSegment builds an ActionEmitSegment carrying one complete CMAF
// segment's encoded bytes.
func EmitSegment(b []byte) Action { return Action{Kind: ActionEmitSegment, Segment: b} }

// Element is the interface the ISOM and CMAF muxer/demuxer types implement
// so they stay host-framework-agnostic: each handler reacts synchronously to
// one event and returns the ordered actions the host should carry out.
type Element interface {
	HandleStreamFormat(f StreamFormat) ([]Action, error)
	HandleBuffer(b Buffer) ([]Action, error)
	HandleEOS() ([]Action, error)
	HandleDemand() ([]Action, error)
}
