package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/hajimehoshi/go-mp3"
)

// FFmpegLoader returns a Loader that resolves and probes the ffmpeg binary
func FFmpegLoader(binary string) Loader {
	if binary == "" {
		binary = "ffmpeg"
	}
	return func(ctx context.Context) (Runtime, error) {
		path, err := exec.LookPath(binary)
		if err != nil {
			return nil, fmt.Errorf("ffmpeg not found: %w", err)
		}

		output, err := exec.CommandContext(ctx, path, "-hide_banner", "-version").Output()
		if err != nil {
			return nil, fmt.Errorf("failed to probe %s: %w", path, err)
		}

		version, _, _ := strings.Cut(string(output), "\n")
		slog.Debug("FFmpeg probed", "path", path, "version", version)
		return &ffmpegRuntime{path: path, version: strings.TrimSpace(version)}, nil
	}
}

type ffmpegRuntime struct {
	path    string
	version string
}

func (r *ffmpegRuntime) Name() string {
	return r.version
}

// Convert runs ffmpeg -i audio.<inExt> output.<outExt> in a scratch directory
func (r *ffmpegRuntime) Convert(ctx context.Context, in []byte, inExt, outExt string) ([]byte, error) {
	dir, err := os.MkdirTemp("", "jamfx-transcode-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	defer os.RemoveAll(dir)

	inputFile := "audio." + inExt
	outputFile := "output." + outExt

	if err := os.WriteFile(filepath.Join(dir, inputFile), in, 0644); err != nil {
		return nil, fmt.Errorf("failed to write input: %w", err)
	}

	logLevel := os.Getenv("FFMPEG_LOGLEVEL")
	if logLevel == "" {
		logLevel = "error"
	}

	cmd := exec.CommandContext(ctx, r.path,
		"-hide_banner",
		"-loglevel", logLevel,
		"-i", inputFile,
		"-y", // Overwrite output file
		outputFile,
	)
	cmd.Dir = dir

	slog.Debug("Running FFmpeg for conversion", "command", strings.Join(cmd.Args, " "))

	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("FFmpeg conversion failed: %w\nOutput: %s", err, strings.TrimSpace(string(output)))
	}

	data, err := os.ReadFile(filepath.Join(dir, outputFile))
	if err != nil {
		return nil, fmt.Errorf("output file not created: %w", err)
	}
	return data, nil
}

// ValidateMP3 checks that data starts with a decodable MP3 frame
func ValidateMP3(data []byte) error {
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("output is not valid MP3: %w", err)
	}
	if dec.SampleRate() <= 0 {
		return errors.New("output is not valid MP3: no sample rate")
	}

	buf := make([]byte, 4096)
	if _, err := dec.Read(buf); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("output is not valid MP3: %w", err)
	}
	return nil
}
