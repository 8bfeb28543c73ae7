package cmd

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/audiolibrelab/jamfx/internal/audio"

	"github.com/spf13/cobra"
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record from the capture source, then convert and upload",
	Long: `Record audio from the configured PipeWire/JACK source. Press Enter to
pause or resume, Ctrl+C to stop. On stop the recording is converted to MP3
and uploaded, starting a new session.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		duration, _ := cmd.Flags().GetDuration("duration")
		if source, _ := cmd.Flags().GetString("source"); source != "" {
			cfg.Capture.Source = source
		}

		svc, err := newService(nil)
		if err != nil {
			return err
		}

		slog.Info("Record command started", "source", cfg.Capture.Source, "duration", duration)

		// Handle interruption
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := svc.StartRecording(ctx); err != nil {
			return fmt.Errorf("failed to start recording: %w", err)
		}

		if duration > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, duration)
			defer cancel()
			fmt.Printf("Recording for %s... Press Enter to pause/resume, Ctrl+C to stop early\n", duration)
		} else {
			fmt.Println("Recording... Press Enter to pause/resume, Ctrl+C to stop")
		}

		// Toggle pause on every line read from stdin
		go func() {
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				if err := svc.TogglePause(); err != nil {
					slog.Warn("Pause toggle failed", "error", err)
					continue
				}
				fmt.Printf("Recording %s\n", svc.RecordingStatus().Mode)
			}
		}()

		// Wait for stop, timeout or a device fault (controller back to IDLE)
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
	wait:
		for {
			select {
			case <-ctx.Done():
				break wait
			case <-ticker.C:
				if svc.RecordingStatus().Mode == audio.ModeIdle {
					break wait
				}
			}
		}
		stop()

		status := svc.RecordingStatus()
		if status.LastFault != "" {
			return fmt.Errorf("recording aborted: %s", status.LastFault)
		}
		slog.Info("Stopping recording...", "chunks", status.Chunks, "bytes", status.Bytes)

		// The signal context is done; conversion and upload get a fresh one
		uploadCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.Timeout+time.Minute)
		defer cancel()

		if _, err := svc.StopRecording(uploadCtx); err != nil {
			return fmt.Errorf("failed to stop recording: %w", err)
		}

		printSession(svc.ResolvedState())
		return nil
	},
}

func init() {
	recordCmd.Flags().Duration("duration", 0, "stop automatically after this long (0 = until Ctrl+C)")
	recordCmd.Flags().String("source", "", "capture source port (overrides config)")
}
