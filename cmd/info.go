package cmd

import (
	"fmt"

	"github.com/audiolibrelab/jamfx/internal/config"

	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show resolved configuration with profile inheritance",
	Long:  `Display the DSP service location, capture settings and effect presets after profile merging. Shows which values are inherited from the root configuration vs profile-specific.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		inh := cfg.Inheritance
		if inh == nil {
			inh = &rootInheritance
		}

		fmt.Printf("=== RESOLVED CONFIGURATION ===\n")
		if cfg.Profile != "" {
			fmt.Printf("profile: %s\n", cfg.Profile)
		}

		fmt.Printf("\n[Service]\n")
		fmt.Printf("base_url: %s %s\n", cfg.Service.BaseURL, getInheritanceIndicator(inh.BaseURL))
		fmt.Printf("timeout: %s\n", cfg.Service.Timeout)

		fmt.Printf("\n[Capture]\n")
		fmt.Printf("source: %s\n", cfg.Capture.Source)
		fmt.Printf("format: %s (%s, %d Hz, %d ch)\n", cfg.Capture.MimeType, cfg.Capture.Codec, cfg.Capture.SampleRate, cfg.Capture.Channels)
		fmt.Printf("chunk_interval: %s\n", cfg.Capture.ChunkInterval)

		fmt.Printf("\n[Effects]\n")
		g := cfg.Effects.Gain
		fmt.Printf("gain: low=%.2f mid=%.2f high=%.2f %s\n", g.LowGain, g.MidGain, g.HighGain, getInheritanceIndicator(inh.Gain))
		c := cfg.Effects.Compression
		fmt.Printf("compression: threshold=%.1fdB ratio=%.1f %s\n", c.Threshold, c.Ratio, getInheritanceIndicator(inh.Compression))
		p := cfg.Effects.PitchShift
		fmt.Printf("pitch_shift: rate=%.2f n_steps=%d %s\n", p.Rate, p.NSteps, getInheritanceIndicator(inh.PitchShift))

		fmt.Printf("\n[Session]\n")
		fmt.Printf("state_file: %s\n", cfg.Session.StateFile)

		return nil
	},
}

var rootInheritance = config.InheritanceInfo{
	BaseURL:     "inherited",
	Gain:        "inherited",
	Compression: "inherited",
	PitchShift:  "inherited",
}

// getInheritanceIndicator returns a formatted indicator for inheritance status
func getInheritanceIndicator(status string) string {
	switch status {
	case "inherited":
		return "[inherited]"
	case "profile-specific":
		return "[profile-specific]"
	default:
		return "[unknown]"
	}
}
