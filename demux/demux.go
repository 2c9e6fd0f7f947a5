// Package demux implements the ISOM demuxer: a pull-style Engine that walks
// an input's top-level boxes through a caller-supplied ReadAt callback,
// locates and parses moov (tolerating mdat appearing first, the common
// non-fast-start layout), and serves samples back out per track.
package demux

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tetsuo/mp4"
	"github.com/tetsuo/mp4/pipeline"
	"github.com/tetsuo/mp4/track"
)

// ReadAt pulls length bytes starting at offset from the underlying storage
// (a local file, an HTTP range request, a memory buffer, ...). It is the
// only I/O seam Engine needs.
type ReadAt func(offset, length int64) ([]byte, error)

// Sentinel errors identifying why an Engine call failed.
var (
	ErrNoMoov       = errors.New("demux: moov box not found before end of input")
	ErrUnknownTrack = errors.New("demux: unknown track id")
	ErrEndOfTrack   = errors.New("demux: no more samples on this track")
	ErrNotOpened    = errors.New("demux: engine used before Open succeeded")
)

// Engine parses an ISOM file's moov box through a pull-style data provider
// and serves samples back out per track.
type Engine struct {
	read ReadAt
	log  *slog.Logger

	tracks   []*track.Track
	duration uint64
	cursors  map[uint32]int // next sample index to read per track

	formatsEmitted bool
}

// Config configures an Engine.
type Config struct {
	Logger *slog.Logger
}

// NewEngine creates an Engine bound to a pull-style reader. Call Open
// before using it.
func NewEngine(read ReadAt, cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{read: read, log: cfg.Logger, cursors: make(map[uint32]int)}
}

// Open walks top-level boxes from the start of the stream until moov is
// found, or the read callback reports end of input. mdat (or any other box)
// encountered before moov is skipped by its declared size without being
// buffered, so a non-fast-start file's leading mdat never needs retrying.
func (e *Engine) Open() error {
	var offset int64
	for {
		header, err := e.read(offset, 8)
		if err != nil || len(header) < 8 {
			return ErrNoMoov
		}
		size := int64(binary.BigEndian.Uint32(header[0:4]))
		var boxType mp4.BoxType
		copy(boxType[:], header[4:8])
		headerLen := int64(8)

		if size == 1 {
			ext, err := e.read(offset+8, 8)
			if err != nil || len(ext) < 8 {
				return ErrNoMoov
			}
			size = int64(binary.BigEndian.Uint64(ext))
			headerLen = 16
		}
		if size < headerLen {
			return fmt.Errorf("%w: box at offset %d has size %d smaller than its header", ErrNoMoov, offset, size)
		}

		if boxType == mp4.TypeMoov {
			moovBuf, err := e.read(offset, size)
			if err != nil {
				return fmt.Errorf("demux: reading moov body: %w", err)
			}
			tracks, duration, err := track.ParseTracks(moovBuf)
			if err != nil {
				return fmt.Errorf("demux: parsing moov: %w", err)
			}
			e.tracks = tracks
			e.duration = duration
			for _, t := range tracks {
				e.cursors[t.ID] = 0
			}
			e.log.Debug("demux: moov parsed", slog.Int("track_count", len(tracks)), slog.Int64("moov_offset", offset))
			return nil
		}

		e.log.Debug("demux: skipping top-level box before moov", slog.String("type", boxType.String()), slog.Int64("offset", offset), slog.Int64("size", size))
		offset += size
	}
}

// Tracks returns the parsed tracks, in moov order.
func (e *Engine) Tracks() []*track.Track { return e.tracks }

// Duration returns the movie duration from mvhd, in mvhd's own timescale.
func (e *Engine) Duration() uint64 { return e.duration }

func (e *Engine) findTrack(trackID uint32) *track.Track {
	return track.FindTrack(e.tracks, trackID)
}

// Seek positions trackID's read cursor at the first sample whose DTS is at
// or after dtsMs (milliseconds). On tracks with sync samples (video) the
// cursor then moves back to the nearest sync sample at or before that one;
// tracks with no sync-sample table (audio) stay on it. A target past the
// last sample leaves the cursor at the end of the track.
func (e *Engine) Seek(trackID uint32, dtsMs int64) error {
	t := e.findTrack(trackID)
	if t == nil {
		return fmt.Errorf("%w: %d", ErrUnknownTrack, trackID)
	}
	target := dtsMs * int64(t.TimeScale) / 1000

	idx := len(t.Samples)
	for i, s := range t.Samples {
		if s.DTS >= target {
			idx = i
			break
		}
	}
	for idx > 0 && idx < len(t.Samples) && !t.Samples[idx].IsSync && hasAnySyncSample(t.Samples) {
		idx--
	}
	e.cursors[trackID] = idx
	return nil
}

func hasAnySyncSample(samples []track.Sample) bool {
	for _, s := range samples {
		if s.IsSync {
			return true
		}
	}
	return false
}

// ReadSample returns the next sample on trackID and advances its cursor.
func (e *Engine) ReadSample(trackID uint32) (track.Sample, []byte, error) {
	t := e.findTrack(trackID)
	if t == nil {
		return track.Sample{}, nil, fmt.Errorf("%w: %d", ErrUnknownTrack, trackID)
	}
	idx := e.cursors[trackID]
	if idx >= len(t.Samples) {
		return track.Sample{}, nil, ErrEndOfTrack
	}
	s := t.Samples[idx]
	payload, err := e.read(s.Offset, int64(s.Size))
	if err != nil {
		return track.Sample{}, nil, fmt.Errorf("demux: reading sample %d of track %d: %w", idx, trackID, err)
	}
	e.cursors[trackID] = idx + 1
	return s, payload, nil
}

// HandleStreamFormat is invalid on a source element; Engine only emits
// actions, it never consumes a StreamFormat from an upstream.
func (e *Engine) HandleStreamFormat(pipeline.StreamFormat) ([]pipeline.Action, error) {
	return nil, errors.New("demux: Engine is a source element, it does not accept a StreamFormat")
}

// HandleBuffer is invalid on a source element for the same reason.
func (e *Engine) HandleBuffer(pipeline.Buffer) ([]pipeline.Action, error) {
	return nil, errors.New("demux: Engine is a source element, it does not accept a Buffer")
}

// HandleEOS reports that the host should tear the element down; Engine has
// no state of its own to flush.
func (e *Engine) HandleEOS() ([]pipeline.Action, error) {
	return []pipeline.Action{pipeline.EmitEOS()}, nil
}

// HandleDemand emits the StreamFormat for every track once, then interleaves
// ReadSample calls across tracks in ascending DTS order, emitting one
// Buffer per call and EmitEOS once every track is exhausted.
func (e *Engine) HandleDemand() ([]pipeline.Action, error) {
	if e.tracks == nil {
		return nil, ErrNotOpened
	}
	if !e.formatsEmitted {
		e.formatsEmitted = true
		actions := make([]pipeline.Action, 0, len(e.tracks))
		for _, t := range e.tracks {
			actions = append(actions, pipeline.EmitStreamFormat(streamFormatFor(t)))
		}
		return actions, nil
	}

	var next *track.Track
	var nextDTS int64
	for _, t := range e.tracks {
		idx := e.cursors[t.ID]
		if idx >= len(t.Samples) {
			continue
		}
		dts := t.Samples[idx].DTS
		if next == nil || dts < nextDTS {
			next = t
			nextDTS = dts
		}
	}
	if next == nil {
		return []pipeline.Action{pipeline.EmitEOS()}, nil
	}

	s, payload, err := e.ReadSample(next.ID)
	if err != nil {
		return nil, err
	}
	return []pipeline.Action{pipeline.EmitBuffer(pipeline.Buffer{
		TrackID:  next.ID,
		Payload:  payload,
		DTS:      scaleToDuration(s.DTS, next.TimeScale),
		PTS:      scaleToDuration(s.PTS(), next.TimeScale),
		KeyFrame: s.IsSync,
	})}, nil
}

func streamFormatFor(t *track.Track) pipeline.StreamFormat {
	kind := "video"
	if t.Kind == track.TrackAudio {
		kind = "audio"
	}
	fourCC, _, _ := strings.Cut(t.Codec(), ".")
	return pipeline.StreamFormat{
		TrackID:      t.ID,
		Kind:         kind,
		Codec:        fourCC,
		TimeScale:    t.TimeScale,
		Width:        t.Width,
		Height:       t.Height,
		ChannelCount: t.ChannelCount,
		SampleRate:   t.SampleRate,
	}
}

func scaleToDuration(ticks int64, timescale uint32) time.Duration {
	if timescale == 0 {
		return 0
	}
	return time.Duration(ticks) * time.Second / time.Duration(timescale)
}

var _ pipeline.Element = (*Engine)(nil)
