// Package cmaf implements the CMAF muxer and demuxer: fragmented segments
// (styp+sidx+moof+mdat), each self-contained enough to append onto a prior
// init segment (ftyp+moov) for low-latency, DASH/HLS-style delivery.
package cmaf

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tetsuo/mp4"
	"github.com/tetsuo/mp4/mux"
	"github.com/tetsuo/mp4/pipeline"
)

// Sentinel errors identifying why a Muxer call failed.
var (
	ErrUnknownTrack    = errors.New("cmaf: buffer references an unknown track id")
	ErrNoTracks        = errors.New("cmaf: no tracks registered")
	ErrAlreadyFinished = errors.New("cmaf: muxer already reached end of stream")
)

// DefaultSegmentMinDuration and DefaultSegmentDuration are the thresholds
// used when Config leaves them zero.
const (
	DefaultSegmentMinDuration = 1 * time.Second
	DefaultSegmentDuration    = 2 * time.Second
)

// Config configures a CMAF Muxer.
type Config struct {
	Logger *slog.Logger

	// SegmentMinDuration is the "min" threshold below which a sample never
	// triggers segment collection, regardless of kind or key frame status.
	SegmentMinDuration time.Duration

	// SegmentDuration is the target segment length; its midpoint is the
	// "mid" threshold (video keyframe-gated collection) and its full value
	// is the "end" threshold (unconditional collection).
	SegmentDuration time.Duration
}

type cmafTrack struct {
	format       pipeline.StreamFormat
	stsdEntry    *mp4.Box
	queue        *samplesQueue
	isLeader     bool
	emittedTicks uint64 // cumulative track-timescale ticks emitted, for tfdt
}

// Muxer drives one samplesQueue per track from pipeline.Buffer samples and
// emits complete CMAF segments as soon as a track's queue crosses a
// collection threshold. It implements pipeline.Element; segments are
// delivered as ActionEmitSegment values rather than through a Finalize
// method, since a CMAF session can produce many of them over its lifetime.
type Muxer struct {
	cfg Config
	log *slog.Logger

	tracks    map[uint32]*cmafTrack
	order     []uint32
	leaderID  uint32
	hasLeader bool

	sequenceNumber uint32
	finished       bool
}

// New creates a Muxer.
func New(cfg Config) *Muxer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SegmentMinDuration == 0 {
		cfg.SegmentMinDuration = DefaultSegmentMinDuration
	}
	if cfg.SegmentDuration == 0 {
		cfg.SegmentDuration = DefaultSegmentDuration
	}
	return &Muxer{cfg: cfg, log: cfg.Logger, tracks: make(map[uint32]*cmafTrack)}
}

// InitSegment builds the ftyp+moov initialization segment all of this
// Muxer's subsequent CMAF segments are relative to. Every track must already
// have been registered via HandleStreamFormat.
func (m *Muxer) InitSegment() ([]byte, error) {
	if len(m.order) == 0 {
		return nil, ErrNoTracks
	}
	states := make([]*cmafTrack, len(m.order))
	for i, id := range m.order {
		states[i] = m.tracks[id]
	}
	return buildInitSegment(states)
}

// HandleStreamFormat registers a track. The first video track seen becomes
// the leader whose threshold crossings decide every segment's cut point; if
// no track is video, the first track registered leads instead.
func (m *Muxer) HandleStreamFormat(f pipeline.StreamFormat) ([]pipeline.Action, error) {
	if _, ok := m.tracks[f.TrackID]; ok {
		return []pipeline.Action{pipeline.RequestMore()}, nil
	}

	entry, mime, err := mux.BuildStsdEntry(f)
	if err != nil {
		return nil, fmt.Errorf("cmaf: building sample entry for track %d: %w", f.TrackID, err)
	}

	t := &cmafTrack{
		format:    f,
		stsdEntry: entry,
		queue:     newSamplesQueue(f.Kind == "video"),
	}
	m.tracks[f.TrackID] = t
	m.order = append(m.order, f.TrackID)

	if !m.hasLeader || (f.Kind == "video" && m.tracks[m.leaderID].format.Kind != "video") {
		if m.hasLeader {
			m.tracks[m.leaderID].isLeader = false
		}
		m.leaderID = f.TrackID
		m.hasLeader = true
		t.isLeader = true
	}

	m.log.Debug("cmaf: track registered",
		slog.Uint64("track_id", uint64(f.TrackID)),
		slog.String("kind", f.Kind),
		slog.String("codec", mime),
		slog.Bool("leader", t.isLeader))

	return []pipeline.Action{pipeline.RequestMore()}, nil
}

// HandleBuffer queues one sample. Only the leader track's own crossing
// decides the cut point; follower tracks are cut to align with whatever
// point the leader picks, via cutSegment's call into each follower queue's
// cutAt.
func (m *Muxer) HandleBuffer(b pipeline.Buffer) ([]pipeline.Action, error) {
	if m.finished {
		return nil, ErrAlreadyFinished
	}
	t, ok := m.tracks[b.TrackID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTrack, b.TrackID)
	}

	s := queuedSample{payload: b.Payload, wallDTS: b.DTS, wallPTS: b.PTS, keyFrame: b.KeyFrame}

	if !t.isLeader {
		t.queue.pending = append(t.queue.pending, s)
		return []pipeline.Action{pipeline.RequestMore()}, nil
	}

	target, collected := t.queue.push(s, m.cfg.SegmentMinDuration, m.cfg.SegmentDuration)
	if !collected {
		return []pipeline.Action{pipeline.RequestMore()}, nil
	}

	segment, err := m.cutSegment(t, target, s.wallDTS)
	if err != nil {
		return nil, err
	}
	return []pipeline.Action{pipeline.EmitSegment(segment), pipeline.RequestMore()}, nil
}

// FinalizeSegment forces collection of the leader's currently pending
// samples into one segment, regardless of whether the leader has crossed
// its own threshold; each follower contributes its pending samples whose
// DTS is before the leader's last pending DTS, and keeps the rest pending. This is the external "finalize current segment"
// control entry point; it is not part of pipeline.Element because nothing
// upstream triggers it, a host operator does.
func (m *Muxer) FinalizeSegment() ([]pipeline.Action, error) {
	if m.finished {
		return nil, ErrAlreadyFinished
	}
	leader, ok := m.tracks[m.leaderID]
	if !ok || len(leader.queue.pending) == 0 {
		return nil, nil
	}
	target := leader.queue.drain()
	cut := target[len(target)-1].wallDTS
	segment, err := m.cutSegment(leader, target, cut)
	if err != nil {
		return nil, err
	}
	return []pipeline.Action{pipeline.EmitSegment(segment)}, nil
}

// HandleEOS flushes every track's remaining pending samples as one final
// segment, then reports end of stream.
func (m *Muxer) HandleEOS() ([]pipeline.Action, error) {
	if m.finished {
		return []pipeline.Action{pipeline.EmitEOS()}, nil
	}
	m.finished = true

	leader, ok := m.tracks[m.leaderID]
	if !ok {
		return []pipeline.Action{pipeline.EmitEOS()}, nil
	}
	target := leader.queue.drain()
	var cut time.Duration
	remaining := len(target) > 0
	if remaining {
		cut = target[len(target)-1].wallDTS
	}
	for _, id := range m.order {
		q := m.tracks[id].queue
		if m.tracks[id] != leader && len(q.pending) > 0 {
			remaining = true
			if last := q.pending[len(q.pending)-1].wallDTS; last > cut {
				cut = last
			}
		}
	}
	if !remaining {
		return []pipeline.Action{pipeline.EmitEOS()}, nil
	}

	segment, err := m.cutSegment(leader, target, cut+1)
	if err != nil {
		return nil, err
	}
	return []pipeline.Action{pipeline.EmitSegment(segment), pipeline.EmitEOS()}, nil
}

// HandleDemand requests more input; the CMAF muxer emits segments eagerly
// from HandleBuffer, not on demand.
func (m *Muxer) HandleDemand() ([]pipeline.Action, error) {
	return []pipeline.Action{pipeline.RequestMore()}, nil
}

var _ pipeline.Element = (*Muxer)(nil)
