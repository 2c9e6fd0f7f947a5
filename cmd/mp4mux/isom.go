package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tetsuo/mp4/mux"
	"github.com/tetsuo/mp4/pipeline"
)

func newISOMCmd() *cobra.Command {
	var (
		videoPath     string
		audioPath     string
		outPath       string
		fps           float64
		fastStart     bool
		chunkDuration time.Duration
	)

	cmd := &cobra.Command{
		Use:   "isom",
		Short: "Mux a raw H.264/AAC elementary stream pair into a standalone ISOM file",
		RunE: func(_ *cobra.Command, _ []string) error {
			if videoPath == "" && audioPath == "" {
				return fmt.Errorf("at least one of --video or --audio is required")
			}
			if outPath == "" {
				return fmt.Errorf("--out is required")
			}

			runID := newRunID()
			slog.Info("mp4mux: starting isom run", slog.String("run_id", runID), slog.String("out", outPath))

			var chunkTicks int64
			if chunkDuration > 0 {
				chunkTicks = int64(chunkDuration.Seconds() * videoTimeScale)
			}

			m := mux.New(mux.Config{
				FastStart:     fastStart,
				ChunkDuration: chunkTicks,
			})

			if err := muxISOM(m, videoPath, audioPath, fps); err != nil {
				return err
			}

			out, err := m.Finalize()
			if err != nil {
				return fmt.Errorf("finalizing isom file: %w", err)
			}
			if err := os.WriteFile(outPath, out, 0o644); err != nil {
				return fmt.Errorf("writing %s: %w", outPath, err)
			}

			slog.Info("mp4mux: isom run complete",
				slog.String("run_id", runID),
				slog.Int("bytes", len(out)))
			return nil
		},
	}

	cmd.Flags().StringVar(&videoPath, "video", "", "path to an Annex B H.264 elementary stream")
	cmd.Flags().StringVar(&audioPath, "audio", "", "path to an ADTS AAC elementary stream")
	cmd.Flags().StringVar(&outPath, "out", "", "output ISOM file path")
	cmd.Flags().Float64Var(&fps, "fps", 25, "video frame rate, used to space samples evenly")
	cmd.Flags().BoolVar(&fastStart, "fast-start", false, "place moov before mdat")
	cmd.Flags().DurationVar(&chunkDuration, "chunk-duration", 0, "chunk flush threshold (0 uses the muxer default)")

	return cmd
}

// muxISOM registers whichever of videoPath/audioPath are set as tracks on m
// and feeds every sample through, in DTS order within each track (tracks
// themselves are interleaved track-by-track, not sample-interleaved: the
// ISOM muxer accumulates full per-track chunks regardless of call order).
func muxISOM(m pipeline.Element, videoPath, audioPath string, fps float64) error {
	var nextTrackID uint32 = 1

	if videoPath != "" {
		src, err := loadAnnexB(videoPath)
		if err != nil {
			return err
		}
		trackID := nextTrackID
		nextTrackID++
		if err := driveTrack(m, videoStreamFormat(trackID, src), videoBuffers(trackID, src, fps)); err != nil {
			return fmt.Errorf("video track: %w", err)
		}
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
		if err := driveTrack(m, format, audioBuffers(trackID, src)); err != nil {
			return fmt.Errorf("audio track: %w", err)
		}
	}

	if _, err := m.HandleEOS(); err != nil {
		return fmt.Errorf("signaling end of stream: %w", err)
	}
	return nil
}

// driveTrack pushes one track's StreamFormat and samples through m, the way
// a pipeline host would react to each one's returned actions by doing
// nothing but requesting more (mp4mux drives every track to completion
// up front rather than interleaving on demand).
func driveTrack(m pipeline.Element, format pipeline.StreamFormat, buffers []pipeline.Buffer) error {
	if _, err := m.HandleStreamFormat(format); err != nil {
		return fmt.Errorf("registering track %d: %w", format.TrackID, err)
	}
	for _, b := range buffers {
		if _, err := m.HandleBuffer(b); err != nil {
			return fmt.Errorf("track %d: appending sample: %w", format.TrackID, err)
		}
	}
	return nil
}
