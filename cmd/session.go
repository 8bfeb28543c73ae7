package cmd

import (
	"context"
	"fmt"

	"github.com/audiolibrelab/jamfx/internal/dsp"
	"github.com/audiolibrelab/jamfx/internal/session"

	"github.com/spf13/cobra"
)

var uploadCmd = &cobra.Command{
	Use:   "upload [file.mp3]",
	Short: "Upload an MP3 file and start a new session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newService(nil)
		if err != nil {
			return err
		}

		if _, err := svc.UploadFile(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("upload failed: %w", err)
		}

		printSession(svc.ResolvedState())
		return nil
	},
}

var gainCmd = &cobra.Command{
	Use:   "gain",
	Short: "Apply 3-band EQ gain to the current original",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p := cfg.Effects.Gain
		overrideFloat(cmd, "low", &p.LowGain)
		overrideFloat(cmd, "mid", &p.MidGain)
		overrideFloat(cmd, "high", &p.HighGain)
		return applyEffect(cmd.Context(), p)
	},
}

var compressCmd = &cobra.Command{
	Use:     "compress",
	Aliases: []string{"compression"},
	Short:   "Apply dynamic range compression to the current original",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p := cfg.Effects.Compression
		overrideFloat(cmd, "threshold", &p.Threshold)
		overrideFloat(cmd, "ratio", &p.Ratio)
		return applyEffect(cmd.Context(), p)
	},
}

var pitchCmd = &cobra.Command{
	Use:     "pitch",
	Aliases: []string{"pitch-shift"},
	Short:   "Apply pitch shift / time stretch to the current original",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p := cfg.Effects.PitchShift
		overrideFloat(cmd, "rate", &p.Rate)
		if cmd.Flags().Changed("steps") {
			p.NSteps, _ = cmd.Flags().GetInt("steps")
		}
		return applyEffect(cmd.Context(), p)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newService(nil)
		if err != nil {
			return err
		}

		state := svc.ResolvedState()
		if !state.HasSession() {
			fmt.Println("No active session. Record or upload audio first.")
			return nil
		}
		printSession(state)
		return nil
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Forget the current session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newService(nil)
		if err != nil {
			return err
		}
		if err := svc.ResetSession(); err != nil {
			return fmt.Errorf("failed to reset session: %w", err)
		}
		fmt.Println("Session cleared")
		return nil
	},
}

// applyEffect validates p locally before any request is made
func applyEffect(ctx context.Context, p dsp.EffectParams) error {
	if err := p.Validate(); err != nil {
		return err
	}

	svc, err := newService(nil)
	if err != nil {
		return err
	}

	if _, err := svc.ApplyEffect(ctx, p); err != nil {
		return fmt.Errorf("%s failed: %w", p.Kind().Label(), err)
	}

	fmt.Printf("%s applied\n", p.Kind().Label())
	printSession(svc.ResolvedState())
	return nil
}

func overrideFloat(cmd *cobra.Command, name string, dst *float64) {
	if cmd.Flags().Changed(name) {
		*dst, _ = cmd.Flags().GetFloat64(name)
	}
}

func printSession(state session.ArtifactSet) {
	fmt.Printf("original:      %s\n", state.Original)
	fmt.Printf("processed:     %s\n", state.Processed)
	fmt.Printf("visualization: %s\n", state.Visualization)
}

func init() {
	gainCmd.Flags().Float64("low", 1, "low band gain (0-2, default from config)")
	gainCmd.Flags().Float64("mid", 1, "mid band gain (0-2, default from config)")
	gainCmd.Flags().Float64("high", 1, "high band gain (0-2, default from config)")

	compressCmd.Flags().Float64("threshold", -20, "threshold in dB (-60-0, default from config)")
	compressCmd.Flags().Float64("ratio", 4, "compression ratio (1-20, default from config)")

	pitchCmd.Flags().Float64("rate", 1, "time stretch rate (0.5-2, default from config)")
	pitchCmd.Flags().Int("steps", 0, "pitch shift in semitones (-12-12, default from config)")
}
