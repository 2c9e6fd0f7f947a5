package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tetsuo/mp4/cmaf"
	"github.com/tetsuo/mp4/pipeline"
)

func newCMAFCmd() *cobra.Command {
	var (
		videoPath          string
		audioPath          string
		initOutPath        string
		segmentOutPattern  string
		fps                float64
		segmentDuration    time.Duration
		segmentMinDuration time.Duration
	)

	cmd := &cobra.Command{
		Use:   "cmaf",
		Short: "Mux a raw H.264/AAC elementary stream pair into a CMAF init segment and a sequence of media segments",
		RunE: func(_ *cobra.Command, _ []string) error {
			if videoPath == "" && audioPath == "" {
				return fmt.Errorf("at least one of --video or --audio is required")
			}
			if initOutPath == "" || segmentOutPattern == "" {
				return fmt.Errorf("--init-out and --segment-out are required")
			}

			runID := newRunID()
			slog.Info("mp4mux: starting cmaf run", slog.String("run_id", runID), slog.String("init_out", initOutPath))

			m := cmaf.New(cmaf.Config{
				SegmentDuration:    segmentDuration,
				SegmentMinDuration: segmentMinDuration,
			})

			segmentCount := 0
			writeSegment := func(seg []byte) error {
				path := fmt.Sprintf(segmentOutPattern, segmentCount)
				segmentCount++
				return os.WriteFile(path, seg, 0o644)
			}

			if err := muxCMAF(m, videoPath, audioPath, fps, writeSegment); err != nil {
				return err
			}

			init, err := m.InitSegment()
			if err != nil {
				return fmt.Errorf("building init segment: %w", err)
			}
			if err := os.WriteFile(initOutPath, init, 0o644); err != nil {
				return fmt.Errorf("writing %s: %w", initOutPath, err)
			}

			slog.Info("mp4mux: cmaf run complete",
				slog.String("run_id", runID),
				slog.Int("segments", segmentCount))
			return nil
		},
	}

	cmd.Flags().StringVar(&videoPath, "video", "", "path to an Annex B H.264 elementary stream")
	cmd.Flags().StringVar(&audioPath, "audio", "", "path to an ADTS AAC elementary stream")
	cmd.Flags().StringVar(&initOutPath, "init-out", "", "output path for the CMAF init segment")
	cmd.Flags().StringVar(&segmentOutPattern, "segment-out", "", "printf pattern for media segment paths, e.g. segment-%d.m4s")
	cmd.Flags().Float64Var(&fps, "fps", 25, "video frame rate, used to space samples evenly")
	cmd.Flags().DurationVar(&segmentDuration, "segment-duration", cmaf.DefaultSegmentDuration, "target segment duration")
	cmd.Flags().DurationVar(&segmentMinDuration, "segment-min-duration", cmaf.DefaultSegmentMinDuration, "minimum segment duration")

	return cmd
}

// muxCMAF registers whichever of videoPath/audioPath are set as tracks on m,
// interleaving buffers across tracks in DTS order so the leader track's
// threshold crossings see every other track's samples arrive close to their
// own wallclock position, then flushes via HandleEOS. Emitted segments are
// handed to emit as soon as a HandleBuffer call produces one.
func muxCMAF(m *cmaf.Muxer, videoPath, audioPath string, fps float64, emit func([]byte) error) error {
	var nextTrackID uint32 = 1
	var videoBufs, audioBufs []pipeline.Buffer

	if videoPath != "" {
		src, err := loadAnnexB(videoPath)
		if err != nil {
			return err
		}
		trackID := nextTrackID
		nextTrackID++
		if _, err := m.HandleStreamFormat(videoStreamFormat(trackID, src)); err != nil {
			return fmt.Errorf("registering video track: %w", err)
		}
		videoBufs = videoBuffers(trackID, src, fps)
	}

	if audioPath != "" {
		src, err := loadADTS(audioPath)
		if err != nil {
			return err
		}
		trackID := nextTrackID
		nextTrackID++
		format, err := audioStreamFormat(trackID, src)
		if err != nil {
			return err
		}
		if _, err := m.HandleStreamFormat(format); err != nil {
			return fmt.Errorf("registering audio track: %w", err)
		}
		audioBufs = audioBuffers(trackID, src)
	}

	for _, b := range interleaveByDTS(videoBufs, audioBufs) {
		actions, err := m.HandleBuffer(b)
		if err != nil {
			return fmt.Errorf("track %d: appending sample: %w", b.TrackID, err)
		}
		if err := emitSegments(actions, emit); err != nil {
			return err
		}
	}

	actions, err := m.HandleEOS()
	if err != nil {
		return fmt.Errorf("signaling end of stream: %w", err)
	}
	return emitSegments(actions, emit)
}

func emitSegments(actions []pipeline.Action, emit func([]byte) error) error {
	for _, a := range actions {
		if a.Kind == pipeline.ActionEmitSegment {
			if err := emit(a.Segment); err != nil {
				return fmt.Errorf("writing segment: %w", err)
			}
		}
	}
	return nil
}

// interleaveByDTS merges two DTS-ordered buffer slices into one DTS-ordered
// slice, the shape a real pipeline host would deliver multi-track samples in
// (this CLI has no live sources, so it sorts its two pre-decoded slices
// instead of demultiplexing them as they arrive).
func interleaveByDTS(a, b []pipeline.Buffer) []pipeline.Buffer {
	out := make([]pipeline.Buffer, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i].DTS <= b[j].DTS {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}
