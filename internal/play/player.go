package play

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/audiolibrelab/jamfx/internal/config"
)

// lookPath is swapped in tests
var lookPath = exec.LookPath

type Player struct {
	cfg config.PlayerConfig
}

func New(cfg config.PlayerConfig) *Player {
	return &Player{cfg: cfg}
}

// Play streams an audio URL with the first available player and blocks
// until playback ends
func (p *Player) Play(ctx context.Context, audioURL string) error {
	if audioURL == "" {
		return fmt.Errorf("nothing to play")
	}

	name, args, err := p.command(audioURL)
	if err != nil {
		return err
	}

	slog.Info("Playing", "url", audioURL, "player", name)

	cmd := exec.CommandContext(ctx, name, args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("playback failed with %s: %w (output: %s)", name, err, strings.TrimSpace(string(output)))
	}

	slog.Debug("Playback completed", "url", audioURL)
	return nil
}

// OpenImage opens an image URL in the desktop's default viewer
func (p *Player) OpenImage(ctx context.Context, imageURL string) error {
	if imageURL == "" {
		return fmt.Errorf("no image to open")
	}
	if _, err := lookPath("xdg-open"); err != nil {
		return fmt.Errorf("xdg-open not found: %w", err)
	}

	slog.Info("Opening image", "url", imageURL)
	if err := exec.CommandContext(ctx, "xdg-open", imageURL).Start(); err != nil {
		return fmt.Errorf("failed to open %s: %w", imageURL, err)
	}
	return nil
}

// command returns the argv used to play audioURL
func (p *Player) command(audioURL string) (string, []string, error) {
	if p.cfg.Command != "" {
		fields := strings.Fields(p.cfg.Command)
		return fields[0], append(fields[1:], audioURL), nil
	}

	player, err := findAudioPlayer()
	if err != nil {
		return "", nil, fmt.Errorf("no suitable audio player found: %w", err)
	}

	switch player {
	case "mpv":
		return "mpv", []string{"--no-video", audioURL}, nil
	case "ffplay":
		return "ffplay", []string{"-nodisp", "-autoexit", "-loglevel", "error", audioURL}, nil
	case "vlc":
		return "vlc", []string{"--intf", "dummy", "--play-and-exit", audioURL}, nil
	default:
		return "", nil, fmt.Errorf("unsupported player: %s", player)
	}
}

func findAudioPlayer() (string, error) {
	// Players that can stream over HTTP, in order of preference
	players := []string{"mpv", "ffplay", "vlc"}

	for _, player := range players {
		if _, err := lookPath(player); err == nil {
			return player, nil
		}
	}

	return "", fmt.Errorf("no audio player found (tried: %s)", strings.Join(players, ", "))
}
