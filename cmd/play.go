package cmd

import (
	"fmt"

	"github.com/audiolibrelab/jamfx/internal/service"

	"github.com/spf13/cobra"
)

var playCmd = &cobra.Command{
	Use:   "play [original|processed|plot]",
	Short: "Play an artifact of the current session",
	Long: `Stream the original or processed audio from the DSP service using the first
available player (mpv, ffplay, vlc), or open the visualization plot with the
desktop image viewer. Plays the processed audio by default.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := ""
		if len(args) == 1 {
			name = args[0]
		}
		artifact, err := service.ParseArtifact(name)
		if err != nil {
			return err
		}

		svc, err := newService(nil)
		if err != nil {
			return err
		}

		if err := svc.Play(cmd.Context(), artifact); err != nil {
			return fmt.Errorf("playback failed: %w", err)
		}
		return nil
	},
}
