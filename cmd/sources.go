package cmd

import (
	"fmt"
	"runtime"

	"github.com/audiolibrelab/jamfx/internal/audio"

	"github.com/spf13/cobra"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List available audio sources",
	Long:  `List all PipeWire/JACK output ports that can be used as capture.source.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		device, err := audio.NewDevice(cfg.Capture)
		if err != nil {
			return err
		}
		lister, ok := device.(audio.SourceLister)
		if !ok {
			return fmt.Errorf("capture backend %s cannot list sources", device.Name())
		}

		sources, err := lister.ListSources()
		if err != nil {
			return fmt.Errorf("failed to get PipeWire sources: %w", err)
		}

		fmt.Printf("🎵 Audio Sources (%s, backends: %v)\n", runtime.GOOS, audio.GetAvailableBackends())
		fmt.Printf("═══════════════════════════════════════\n\n")

		fmt.Printf("📋 PIPEWIRE/JACK SOURCES (%d found):\n", len(sources))
		for i, source := range sources {
			marker := ""
			if source == cfg.Capture.Source {
				marker = "  ← configured"
			}
			fmt.Printf("  %d. %s%s\n", i+1, source, marker)
		}

		if cfg.Capture.Source != "" {
			if err := lister.ValidateSource(cfg.Capture.Source); err != nil {
				fmt.Printf("\n⚠️  Configured source: %v\n", err)
			}
		}

		fmt.Printf("\n💡 PipeWire Usage:\n")
		fmt.Printf("  • Format: \"Device: Audio (hw:X,Y):Z\" or \"Application:port\"\n")
		fmt.Printf("  • Example: \"Scarlett 2i2 USB: Audio (hw:1,0):capture_FL\"\n")
		fmt.Printf("  • Configure in capture.source, or pass --source to record\n\n")

		return nil
	},
}
