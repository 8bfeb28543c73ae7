package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/audiolibrelab/jamfx/internal/metrics"
)

// Mode represents the current state of the capture controller
type Mode string

const (
	ModeIdle      Mode = "IDLE"
	ModeRecording Mode = "RECORDING"
	ModePaused    Mode = "PAUSED"
)

var (
	ErrDeviceUnavailable = errors.New("audio input device unavailable")
	ErrDeviceFault       = errors.New("audio input device fault")
	ErrEmptyCapture      = errors.New("no audio data was captured")
	ErrInvalidState      = errors.New("invalid capture state")
)

// Capture is the raw audio produced by one recording session
type Capture struct {
	Data     []byte
	MimeType string
	Chunks   int
	Duration time.Duration
}

// Options configures a Controller
type Options struct {
	// ChunkInterval is the timeslice requested from the stream (default 1s)
	ChunkInterval time.Duration
	// OnFault receives device faults that end a session
	OnFault func(error)
	// OnChunk observes every appended chunk
	OnChunk func(index, size int)
	Metrics *metrics.Metrics
}

// Snapshot is a point-in-time view of the controller
type Snapshot struct {
	Mode      Mode   `json:"mode"`
	Device    string `json:"device"`
	Chunks    int    `json:"chunks"`
	Bytes     int    `json:"bytes"`
	LastFault string `json:"last_fault,omitempty"`
}

// recording holds the state of one capture session. It is owned by the
// controller and discarded on stop or fault.
type recording struct {
	stream   Stream
	chunks   [][]byte
	size     int
	started  time.Time
	active   time.Duration
	resumed  time.Time
	pausing  bool
	stopping bool
	faulted  bool
}

// Controller drives a Device through the IDLE, RECORDING and PAUSED modes
// and accumulates the chunks it delivers.
type Controller struct {
	device Device
	opts   Options

	mu        sync.Mutex
	mode      Mode
	rec       *recording
	lastFault error
}

// NewController creates a controller for device
func NewController(device Device, opts Options) *Controller {
	if opts.ChunkInterval <= 0 {
		opts.ChunkInterval = time.Second
	}
	return &Controller{device: device, opts: opts, mode: ModeIdle}
}

// Start acquires the device and begins a new recording session
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.mode != ModeIdle || c.rec != nil {
		mode := c.mode
		c.mu.Unlock()
		return fmt.Errorf("%w: can only start recording from idle state, current: %s", ErrInvalidState, mode)
	}
	rec := &recording{started: time.Now()}
	c.rec = rec
	c.lastFault = nil
	c.mu.Unlock()

	slog.Debug("Opening capture device", "device", c.device.Name(), "timeslice", c.opts.ChunkInterval)

	stream, err := c.device.Open(ctx, StreamOptions{ChunkInterval: c.opts.ChunkInterval}, StreamHandler{
		OnData:  func(b []byte) { c.handleData(rec, b) },
		OnError: func(err error) { c.handleFault(rec, err) },
	})

	c.mu.Lock()
	if err != nil {
		if c.rec == rec {
			c.rec = nil
		}
		c.mu.Unlock()
		if !errors.Is(err, ErrDeviceUnavailable) {
			err = fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
		}
		slog.Error("Failed to open capture device", "device", c.device.Name(), "error", err)
		return err
	}
	rec.stream = stream
	if rec.faulted || c.rec != rec {
		fault := c.lastFault
		c.mu.Unlock()
		stream.Close()
		return fault
	}
	rec.resumed = time.Now()
	c.mode = ModeRecording
	c.mu.Unlock()

	slog.Info("Recording started", "device", c.device.Name())
	return nil
}

// Pause suspends chunk delivery without releasing the device
func (c *Controller) Pause() error {
	c.mu.Lock()
	rec := c.rec
	if c.mode != ModeRecording || rec == nil || rec.pausing || rec.stopping {
		mode := c.mode
		c.mu.Unlock()
		return fmt.Errorf("%w: can only pause from recording state, current: %s", ErrInvalidState, mode)
	}
	rec.pausing = true
	c.mu.Unlock()

	// The stream may flush buffered data through OnData before returning
	err := rec.stream.Pause()

	c.mu.Lock()
	defer c.mu.Unlock()
	rec.pausing = false
	if c.rec != rec {
		return fmt.Errorf("%w: recording ended while pausing", ErrInvalidState)
	}
	if err != nil {
		return fmt.Errorf("failed to pause capture stream: %w", err)
	}
	rec.active += time.Since(rec.resumed)
	c.mode = ModePaused
	slog.Info("Recording paused", "chunks", len(rec.chunks))
	return nil
}

// Resume continues a paused session
func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec := c.rec
	if c.mode != ModePaused || rec == nil || rec.stopping {
		return fmt.Errorf("%w: can only resume from paused state, current: %s", ErrInvalidState, c.mode)
	}
	if err := rec.stream.Resume(); err != nil {
		return fmt.Errorf("failed to resume capture stream: %w", err)
	}
	rec.resumed = time.Now()
	c.mode = ModeRecording
	slog.Info("Recording resumed", "chunks", len(rec.chunks))
	return nil
}

// Stop releases the device and returns the concatenated capture
func (c *Controller) Stop(ctx context.Context) (*Capture, error) {
	c.mu.Lock()
	rec := c.rec
	if c.mode == ModeIdle || rec == nil || rec.stopping {
		mode := c.mode
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: can only stop from recording or paused state, current: %s", ErrInvalidState, mode)
	}
	rec.stopping = true
	if c.mode == ModeRecording {
		rec.active += time.Since(rec.resumed)
	}
	c.mu.Unlock()

	slog.Debug("Stopping capture stream", "device", c.device.Name())

	// Closed outside the lock: the stream flushes its final chunk through OnData
	closeErr := rec.stream.Close()

	c.mu.Lock()
	if c.rec == rec {
		c.rec = nil
	}
	c.mode = ModeIdle
	chunks := rec.chunks
	size := rec.size
	c.mu.Unlock()

	if closeErr != nil {
		slog.Warn("Capture stream did not close cleanly", "error", closeErr)
		if size == 0 {
			c.opts.Metrics.CaptureStopped("fault")
			return nil, fmt.Errorf("%w: %w", ErrDeviceFault, closeErr)
		}
	}

	if size == 0 {
		c.opts.Metrics.CaptureStopped("empty")
		slog.Warn("Recording stopped without audio data", "device", c.device.Name())
		return nil, ErrEmptyCapture
	}

	data := make([]byte, 0, size)
	for _, chunk := range chunks {
		data = append(data, chunk...)
	}

	c.opts.Metrics.CaptureStopped("ok")
	slog.Info("Recording stopped", "chunks", len(chunks), "bytes", size, "duration", rec.active.Round(time.Millisecond))

	return &Capture{
		Data:     data,
		MimeType: c.device.MimeType(),
		Chunks:   len(chunks),
		Duration: rec.active,
	}, nil
}

// Mode returns the current mode
func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// ChunkCount returns the number of chunks accumulated in the current session
func (c *Controller) ChunkCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rec == nil {
		return 0
	}
	return len(c.rec.chunks)
}

// LastFault returns the fault that ended the latest session. Start clears it.
func (c *Controller) LastFault() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastFault
}

// Snapshot returns the controller state
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{Mode: c.mode, Device: c.device.Name()}
	if c.rec != nil {
		s.Chunks = len(c.rec.chunks)
		s.Bytes = c.rec.size
	}
	if c.lastFault != nil {
		s.LastFault = c.lastFault.Error()
	}
	return s
}

func (c *Controller) handleData(rec *recording, b []byte) {
	if len(b) == 0 {
		return
	}

	c.mu.Lock()
	if c.rec != rec || rec.faulted || (c.mode == ModePaused && !rec.stopping) {
		c.mu.Unlock()
		c.opts.Metrics.ChunkDropped()
		return
	}
	chunk := make([]byte, len(b))
	copy(chunk, b)
	rec.chunks = append(rec.chunks, chunk)
	rec.size += len(chunk)
	index := len(rec.chunks) - 1
	c.mu.Unlock()

	c.opts.Metrics.ChunkCaptured()
	if c.opts.OnChunk != nil {
		c.opts.OnChunk(index, len(chunk))
	}
}

func (c *Controller) handleFault(rec *recording, err error) {
	c.mu.Lock()
	if c.rec != rec || rec.stopping || rec.faulted {
		c.mu.Unlock()
		slog.Debug("Ignoring fault from inactive stream", "error", err)
		return
	}
	if !errors.Is(err, ErrDeviceFault) {
		err = fmt.Errorf("%w: %w", ErrDeviceFault, err)
	}
	rec.faulted = true
	dropped := len(rec.chunks)
	rec.chunks = nil
	rec.size = 0
	c.rec = nil
	c.mode = ModeIdle
	c.lastFault = err
	stream := rec.stream
	c.mu.Unlock()

	slog.Error("Capture device fault, recording discarded", "device", c.device.Name(), "dropped_chunks", dropped, "error", err)

	if stream != nil {
		if cerr := stream.Close(); cerr != nil {
			slog.Debug("Error releasing faulted stream", "error", cerr)
		}
	}

	c.opts.Metrics.CaptureStopped("fault")
	if c.opts.OnFault != nil {
		c.opts.OnFault(err)
	}
}
