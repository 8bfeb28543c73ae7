package audio

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/audiolibrelab/jamfx/internal/config"
)

const stopTimeout = 5 * time.Second

// flushQuiet is how long a pause flush waits for stdout to go idle
const flushQuiet = 50 * time.Millisecond

// PipeWireDevice captures a JACK source through pw-jack ffmpeg, encoding to
// a streamable container written to stdout.
type PipeWireDevice struct {
	cfg      config.CaptureConfig
	pipewire *PipeWire
}

// NewPipeWireDevice creates a new PipeWire-based capture device
func NewPipeWireDevice(cfg config.CaptureConfig) *PipeWireDevice {
	return &PipeWireDevice{cfg: cfg, pipewire: NewPipeWire()}
}

func (d *PipeWireDevice) Name() string {
	if d.cfg.Source == "" {
		return "pipewire:" + d.cfg.ClientName
	}
	return "pipewire:" + d.cfg.Source
}

func (d *PipeWireDevice) MimeType() string {
	return d.cfg.MimeType
}

// ListSources returns available PipeWire/JACK ports
func (d *PipeWireDevice) ListSources() ([]string, error) {
	return d.pipewire.ListPorts()
}

// ValidateSource validates a PipeWire/JACK source
func (d *PipeWireDevice) ValidateSource(source string) error {
	return d.pipewire.ValidatePort(source)
}

// Open validates the source port, starts ffmpeg and connects the source
func (d *PipeWireDevice) Open(ctx context.Context, opts StreamOptions, h StreamHandler) (Stream, error) {
	if d.cfg.Source != "" {
		if err := d.pipewire.ValidatePort(d.cfg.Source); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
		}
	}

	args := d.buildArgs()
	slog.Info("Starting PipeWire FFmpeg", "command", strings.Join(args, " "))

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Env = append(os.Environ(),
		"PIPEWIRE_QUANTUM=256/48000",
		"PIPEWIRE_LATENCY=256/48000",
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: failed to start FFmpeg: %w", ErrDeviceUnavailable, err)
	}

	interval := opts.ChunkInterval
	if interval <= 0 {
		interval = time.Second
	}

	s := &ffmpegStream{
		cmd:     cmd,
		handler: h,
		flush:   make(chan chan struct{}),
		done:    make(chan struct{}),
		pw:      d.pipewire,
	}
	connectCtx, cancel := context.WithCancel(context.Background())
	s.cancelConnect = cancel

	go readStderr(stderr)
	go s.pump(stdout, interval)

	if d.cfg.Source != "" {
		go d.connectSource(connectCtx, s)
	}

	return s, nil
}

// buildArgs constructs the FFmpeg command line
func (d *PipeWireDevice) buildArgs() []string {
	channels := d.cfg.Channels
	if channels < 1 {
		channels = 1
	}
	if channels > 2 {
		channels = 2
	}

	return []string{
		"pw-jack",
		"ffmpeg",
		"-hide_banner",
		"-loglevel", ffmpegLogLevel(),
		"-f", "jack",
		"-channels", strconv.Itoa(channels),
		"-i", d.cfg.ClientName,
		"-ar", strconv.Itoa(d.cfg.SampleRate),
		"-c:a", d.cfg.Codec,
		"-f", d.cfg.Format,
		"pipe:1",
	}
}

// ffmpegLogLevel honours FFMPEG_LOGLEVEL, set by -vvv
func ffmpegLogLevel() string {
	if level := os.Getenv("FFMPEG_LOGLEVEL"); level != "" {
		return level
	}
	return "error"
}

// connectSource waits for the ffmpeg input port and links the source to it
func (d *PipeWireDevice) connectSource(ctx context.Context, s *ffmpegStream) {
	destPort := d.cfg.ClientName + ":input_1"

	waitCtx, cancel := context.WithTimeout(ctx, d.cfg.ConnectTimeout)
	defer cancel()
	if err := d.pipewire.WaitForPort(waitCtx, destPort, 100*time.Millisecond); err != nil {
		if ctx.Err() == nil {
			s.fail(fmt.Errorf("FFmpeg JACK port did not appear: %w", err))
		}
		return
	}

	if err := d.pipewire.ConnectPortsWithRetry(ctx, d.cfg.Source, destPort); err != nil {
		if ctx.Err() == nil {
			s.fail(fmt.Errorf("failed to connect %s: %w", d.cfg.Source, err))
		}
		return
	}
	s.addLink(d.cfg.Source, destPort)
	slog.Info("Connected capture source", "source", d.cfg.Source, "dest", destPort)

	if d.cfg.Channels == 2 {
		right := d.cfg.ClientName + ":input_2"
		if err := d.pipewire.ConnectPortsWithRetry(ctx, d.cfg.Source, right); err != nil {
			slog.Warn("Failed to connect right channel", "source", d.cfg.Source, "dest", right, "error", err)
			return
		}
		s.addLink(d.cfg.Source, right)
	}
}

// readStderr logs ffmpeg diagnostics
func readStderr(pipe io.ReadCloser) {
	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		slog.Debug("FFmpeg output", "stream", "stderr", "line", scanner.Text())
	}
}

// ffmpegStream slices ffmpeg stdout into timeslice chunks
type ffmpegStream struct {
	cmd     *exec.Cmd
	handler StreamHandler

	flush         chan chan struct{}
	done          chan struct{}
	cancelConnect context.CancelFunc

	pw      *PipeWire
	linksMu sync.Mutex
	links   [][2]string

	closing   atomic.Bool
	paused    atomic.Bool
	closeOnce sync.Once
	exitErr   error
}

// pump makes every OnData call. It closes done before reporting an
// unexpected exit so that Close from the fault path cannot block.
func (s *ffmpegStream) pump(stdout io.Reader, interval time.Duration) {
	data := make(chan []byte, 16)
	go func() {
		defer close(data)
		buf := make([]byte, 32*1024)
		for {
			n, err := stdout.Read(buf)
			if n > 0 {
				b := make([]byte, n)
				copy(b, buf[:n])
				data <- b
			}
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
					slog.Debug("FFmpeg stdout read error", "error", err)
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var pending []byte
	deliver := func() {
		if len(pending) > 0 && s.handler.OnData != nil {
			s.handler.OnData(pending)
		}
		pending = nil
	}
	exit := func() {
		deliver()
		s.exitErr = s.cmd.Wait()
		s.cancelConnect()
		close(s.done)
		if !s.closing.Load() {
			s.report(fmt.Errorf("FFmpeg exited unexpectedly: %v", s.exitErr))
		}
	}

	for {
		select {
		case b, ok := <-data:
			if !ok {
				exit()
				return
			}
			pending = append(pending, b...)
		case <-ticker.C:
			deliver()
		case ack := <-s.flush:
			// ffmpeg is stopped; collect what it wrote before the signal
			// until stdout stays idle
			quiet := time.NewTimer(flushQuiet)
		drain:
			for {
				select {
				case b, ok := <-data:
					if !ok {
						quiet.Stop()
						deliver()
						close(ack)
						exit()
						return
					}
					pending = append(pending, b...)
					quiet.Reset(flushQuiet)
				case <-quiet.C:
					break drain
				}
			}
			deliver()
			close(ack)
		}
	}
}

func (s *ffmpegStream) addLink(src, dst string) {
	s.linksMu.Lock()
	defer s.linksMu.Unlock()
	s.links = append(s.links, [2]string{src, dst})
}

// unlink removes the links made by connectSource so the source stops
// feeding ffmpeg before it is interrupted
func (s *ffmpegStream) unlink() {
	s.linksMu.Lock()
	links := s.links
	s.links = nil
	s.linksMu.Unlock()

	for _, l := range links {
		if err := s.pw.DisconnectPorts(l[0], l[1]); err != nil {
			slog.Debug("Failed to unlink capture source", "source", l[0], "dest", l[1], "error", err)
		}
	}
}

func (s *ffmpegStream) report(err error) {
	if s.handler.OnError != nil {
		s.handler.OnError(err)
	}
}

// fail reports a fault detected outside the pump. The owner releases the
// stream in response.
func (s *ffmpegStream) fail(err error) {
	if s.closing.Load() {
		return
	}
	s.report(err)
}

// Pause suspends ffmpeg and delivers everything it wrote before the signal
func (s *ffmpegStream) Pause() error {
	if err := s.cmd.Process.Signal(syscall.SIGSTOP); err != nil {
		return fmt.Errorf("failed to suspend FFmpeg: %w", err)
	}
	s.paused.Store(true)

	ack := make(chan struct{})
	select {
	case s.flush <- ack:
		<-ack
	case <-s.done:
	}
	return nil
}

func (s *ffmpegStream) Resume() error {
	if err := s.cmd.Process.Signal(syscall.SIGCONT); err != nil {
		return fmt.Errorf("failed to resume FFmpeg: %w", err)
	}
	s.paused.Store(false)
	return nil
}

// Close interrupts ffmpeg so it finalizes the container, waits for the last
// data to be delivered and force kills after a timeout
func (s *ffmpegStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		s.cancelConnect()

		select {
		case <-s.done:
			err = normalizeExit(s.exitErr)
			return
		default:
		}

		s.unlink()
		if s.paused.Load() {
			s.cmd.Process.Signal(syscall.SIGCONT)
		}
		slog.Debug("Sending SIGINT to FFmpeg process")
		if serr := s.cmd.Process.Signal(os.Interrupt); serr != nil {
			slog.Debug("Failed to send interrupt to FFmpeg, falling back to SIGKILL", "error", serr)
			s.cmd.Process.Kill()
		}

		select {
		case <-s.done:
			err = normalizeExit(s.exitErr)
		case <-time.After(stopTimeout):
			slog.Warn("FFmpeg did not exit within timeout, force killing")
			s.cmd.Process.Kill()
			<-s.done
		}
	})
	return err
}

// normalizeExit treats interrupt-driven exits as success
func normalizeExit(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// Exit code 255 is ffmpeg's graceful exit after an interrupt
		if exitErr.ExitCode() == 255 {
			return nil
		}
		if exitErr.ProcessState != nil {
			state := exitErr.ProcessState.String()
			if state == "signal: interrupt" || state == "signal: killed" {
				return nil
			}
		}
	}
	return fmt.Errorf("FFmpeg process failed: %w", err)
}
