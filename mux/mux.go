// Package mux implements the ISOM muxer: it drives one track.Accumulator per
// input track from a stream of pipeline.Buffer samples and, once every
// track has reached end of stream, assembles a standalone
// ftyp+mdat+moov file (or, with fast start, ftyp+moov+mdat).
package mux

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tetsuo/mp4"
	"github.com/tetsuo/mp4/pipeline"
	"github.com/tetsuo/mp4/track"
)

type muxState int

const (
	stateWaitingStreamFormats muxState = iota
	stateAccumulating
	stateFinalizing
)

// Sentinel errors identifying why a Muxer call failed.
var (
	ErrAlreadyFinalized   = errors.New("mux: muxer already finalized")
	ErrUnknownTrack       = errors.New("mux: buffer references an unknown track id")
	ErrStreamFormatChange = errors.New("mux: stream format changed after the track was established")
	ErrNoTracks           = errors.New("mux: no tracks registered before finalize")
)

// DefaultChunkDurationSeconds is the flush threshold used when Config.ChunkDuration is 0.
const DefaultChunkDurationSeconds = 1

// maxFastStartIterations bounds the rebuild-to-learn-size loop; two passes
// converge unless shifting chunk offsets by the moov size pushes a track
// across the stco/co64 boundary, which a third pass always settles.
const maxFastStartIterations = 4

// Config configures an ISOM Muxer.
type Config struct {
	Logger *slog.Logger

	// ChunkDuration is the flush threshold for each track's chunk buffer, in
	// that track's own timescale ticks. Zero uses DefaultChunkDurationSeconds
	// worth of ticks once a track's timescale is known.
	ChunkDuration int64

	// FastStart rebuilds moov once to learn its encoded size so it can be
	// placed before mdat without a placeholder free box.
	FastStart bool
}

type trackState struct {
	format    pipeline.StreamFormat
	acc       *track.Accumulator
	stsdEntry *mp4.Box
	mimeCodec string

	chunkStart int64
	chunkOpen  bool
}

// Muxer drives one track.Accumulator per track from pipeline.Buffer samples
// and assembles a standalone ISOM file on Finalize. It implements
// pipeline.Element.
type Muxer struct {
	cfg   Config
	log   *slog.Logger
	state muxState

	tracks map[uint32]*trackState
	order  []uint32 // track ids in first-seen order, for deterministic trak emission

	mdat []byte
}

// New creates a Muxer.
func New(cfg Config) *Muxer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Muxer{
		cfg:    cfg,
		log:    cfg.Logger,
		tracks: make(map[uint32]*trackState),
	}
}

// HandleStreamFormat registers a new track, or validates that a repeated
// StreamFormat for an already-registered track id hasn't changed shape.
func (m *Muxer) HandleStreamFormat(f pipeline.StreamFormat) ([]pipeline.Action, error) {
	if m.state == stateFinalizing {
		return nil, ErrAlreadyFinalized
	}

	if existing, ok := m.tracks[f.TrackID]; ok {
		if existing.format.Codec != f.Codec || existing.format.TimeScale != f.TimeScale {
			return nil, fmt.Errorf("%w: track %d", ErrStreamFormatChange, f.TrackID)
		}
		return []pipeline.Action{pipeline.RequestMore()}, nil
	}

	entry, mime, err := buildStsdEntry(f)
	if err != nil {
		return nil, fmt.Errorf("mux: building sample entry for track %d: %w", f.TrackID, err)
	}

	chunkDur := m.cfg.ChunkDuration
	if chunkDur == 0 {
		chunkDur = int64(f.TimeScale) * DefaultChunkDurationSeconds
	}

	m.tracks[f.TrackID] = &trackState{
		format:    f,
		acc:       track.NewAccumulator(f.TrackID, chunkDur),
		stsdEntry: entry,
		mimeCodec: mime,
	}
	m.order = append(m.order, f.TrackID)
	m.state = stateAccumulating

	m.log.Debug("mux: track registered",
		slog.Uint64("track_id", uint64(f.TrackID)),
		slog.String("kind", f.Kind),
		slog.String("codec", mime))

	return []pipeline.Action{pipeline.RequestMore()}, nil
}

// HandleBuffer appends one sample to its track's accumulator, flushing the
// open chunk first if the sample would cross the chunk duration boundary.
func (m *Muxer) HandleBuffer(b pipeline.Buffer) ([]pipeline.Action, error) {
	if m.state == stateFinalizing {
		return nil, ErrAlreadyFinalized
	}
	ts, ok := m.tracks[b.TrackID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTrack, b.TrackID)
	}

	dts := scaleDuration(int64(b.DTS), ts.format.TimeScale)
	pts := scaleDuration(int64(b.PTS), ts.format.TimeScale)

	if !ts.chunkOpen {
		ts.chunkStart = int64(len(m.mdat))
		ts.chunkOpen = true
	} else if ts.acc.ChunkBoundary(dts) {
		ts.acc.FlushChunk(ts.chunkStart)
		ts.chunkStart = int64(len(m.mdat))
	}

	ts.acc.Append(track.AccSample{
		Size:    uint32(len(b.Payload)),
		DTS:     dts,
		PTS:     pts,
		IsSync:  b.KeyFrame,
		HasSync: ts.format.Kind == "video",
	})
	m.mdat = append(m.mdat, b.Payload...)

	return []pipeline.Action{pipeline.RequestMore()}, nil
}

// HandleEOS is a no-op: Finalize (not part of the pipeline.Element contract,
// since it returns the finished file rather than a list of Actions) is what
// an ISOM muxer host calls once every upstream track has signaled HandleEOS.
func (m *Muxer) HandleEOS() ([]pipeline.Action, error) {
	return []pipeline.Action{pipeline.EmitEOS()}, nil
}

// HandleDemand requests more input; the ISOM muxer has no internal buffer to
// drain on demand, unlike the CMAF muxer's SamplesQueue.
func (m *Muxer) HandleDemand() ([]pipeline.Action, error) {
	return []pipeline.Action{pipeline.RequestMore()}, nil
}

// Finalize seals every track's accumulator and serializes the standalone
// ISOM file. It is idempotent only in the sense that calling it twice
// returns ErrAlreadyFinalized on the second call; Muxer is single-use.
func (m *Muxer) Finalize() ([]byte, error) {
	if m.state == stateFinalizing {
		return nil, ErrAlreadyFinalized
	}
	if len(m.order) == 0 {
		return nil, ErrNoTracks
	}
	m.state = stateFinalizing

	states := make([]*trackState, len(m.order))
	for i, id := range m.order {
		ts := m.tracks[id]
		ts.acc.Seal(ts.chunkStart)
		states[i] = ts
	}

	ftyp := buildFtyp()
	ftypLen := int(mp4.EncodingLength(ftyp))
	const mdatHeaderLen = 8

	if !m.cfg.FastStart {
		mdatBase := int64(ftypLen + mdatHeaderLen)
		moov := buildMoov(states, mdatBase)
		return assemble(ftyp, moov, m.mdat, false)
	}

	return m.finalizeFastStart(ftyp, ftypLen, states)
}

// finalizeFastStart rebuilds moov until its encoded size stabilizes: moov's
// own size determines mdatBase (since moov now precedes mdat), and mdatBase
// determines each chunk offset's magnitude, which can occasionally cross the
// stco/co64 threshold and change moov's size again.
func (m *Muxer) finalizeFastStart(ftyp *mp4.Box, ftypLen int, states []*trackState) ([]byte, error) {
	const mdatHeaderLen = 8
	mdatBase := int64(ftypLen + mdatHeaderLen) // first guess, refined below
	var moov *mp4.Box

	for i := 0; i < maxFastStartIterations; i++ {
		moov = buildMoov(states, mdatBase)
		moovLen := int(mp4.EncodingLength(moov))
		nextBase := int64(ftypLen + moovLen + mdatHeaderLen)
		if nextBase == mdatBase {
			return assemble(ftyp, moov, m.mdat, true)
		}
		mdatBase = nextBase
	}

	m.log.Warn("mux: fast-start moov size did not converge, using last iteration",
		slog.Int("iterations", maxFastStartIterations))
	return assemble(ftyp, moov, m.mdat, true)
}

// assemble serializes ftyp, moov and mdat in file order and concatenates
// them. fastStart only affects ordering at the caller (moov is built with
// offsets that already assume the fast-start layout); assemble itself just
// lays out whichever order the caller built moov for.
func assemble(ftyp, moov *mp4.Box, mdat []byte, fastStart bool) ([]byte, error) {
	ftypBytes, err := mp4.EncodeToBytes(ftyp)
	if err != nil {
		return nil, fmt.Errorf("mux: encoding ftyp: %w", err)
	}
	moovBytes, err := mp4.EncodeToBytes(moov)
	if err != nil {
		return nil, fmt.Errorf("mux: encoding moov: %w", err)
	}
	mdatBox, err := mp4.EncodeToBytes(&mp4.Box{Type: mp4.TypeMdat, Mdat: &mp4.Mdat{Buffer: mdat}})
	if err != nil {
		return nil, fmt.Errorf("mux: encoding mdat: %w", err)
	}

	out := make([]byte, 0, len(ftypBytes)+len(moovBytes)+len(mdatBox))
	out = append(out, ftypBytes...)
	if fastStart {
		out = append(out, moovBytes...)
		out = append(out, mdatBox...)
	} else {
		out = append(out, mdatBox...)
		out = append(out, moovBytes...)
	}
	return out, nil
}

var _ pipeline.Element = (*Muxer)(nil)
