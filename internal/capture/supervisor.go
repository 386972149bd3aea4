package capture

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sonicast-audio/companion/internal/logging"
)

var log = logging.L("capture")

const (
	// DefaultStartTimeout bounds the wait for the helper's STREAM_STARTED signal.
	DefaultStartTimeout = 10 * time.Second
	// DefaultStopTimeout bounds the graceful-exit wait before SIGKILL.
	DefaultStopTimeout = 5 * time.Second

	// Base64 audio lines can run to hundreds of KB per chunk.
	maxLineSize = 4 * 1024 * 1024

	defaultFrameChannelSize = 64
)

// State is the lifecycle state of the capture session.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateStreaming
	StateStopping
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateStreaming:
		return "streaming"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Format describes the raw PCM stream produced by the helper.
type Format struct {
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
	BitDepth   int    `json:"bitDepth"`
	Encoding   string `json:"format"`
}

// DefaultFormat is what the native helper emits.
func DefaultFormat() Format {
	return Format{SampleRate: 48000, Channels: 2, BitDepth: 16, Encoding: "PCM"}
}

// Frame is one decoded PCM payload from the helper.
type Frame struct {
	Payload  []byte
	Received time.Time
}

// Notifier receives out-of-band helper events destined for the UI layer.
// Methods are called from the supervisor's reader goroutine and must not block.
type Notifier interface {
	StreamStopped()
	RecordingStatus(code Code, timestamp time.Time, path string)
	PermissionDenied()
}

// Options configures a Supervisor. Zero values fall back to defaults.
type Options struct {
	HelperPath       string
	Format           Format
	StartTimeout     time.Duration
	StopTimeout      time.Duration
	BufferCapacity   int
	FrameChannelSize int
	Notifier         Notifier
}

// Supervisor owns the single audio-capture helper process. It spawns the
// helper, parses its line-delimited JSON output, buffers decoded frames for
// pull-based retrieval and pushes them on a bounded channel for live
// forwarding. It never restarts the helper on its own; a failed or stopped
// session restarts only when the caller invokes Start again.
type Supervisor struct {
	helperPath   string
	format       Format
	startTimeout time.Duration
	stopTimeout  time.Duration
	notifier     Notifier

	frames  chan Frame
	dropped atomic.Uint64

	mu     sync.Mutex
	state  State
	cmd    *exec.Cmd
	exited chan struct{}
	buffer *FrameBuffer
}

// NewSupervisor creates a supervisor for the given helper binary.
func NewSupervisor(opts Options) *Supervisor {
	if opts.Format == (Format{}) {
		opts.Format = DefaultFormat()
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = DefaultStartTimeout
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.FrameChannelSize <= 0 {
		opts.FrameChannelSize = defaultFrameChannelSize
	}
	return &Supervisor{
		helperPath:   opts.HelperPath,
		format:       opts.Format,
		startTimeout: opts.StartTimeout,
		stopTimeout:  opts.StopTimeout,
		notifier:     opts.Notifier,
		frames:       make(chan Frame, opts.FrameChannelSize),
		state:        StateIdle,
		buffer:       NewFrameBuffer(opts.BufferCapacity),
	}
}

// Start spawns the helper with --start-stream and waits for its readiness
// signal. Calling Start while a session is already Starting or Streaming is a
// no-op success; at most one helper process is ever live.
func (s *Supervisor) Start(ctx context.Context) (Format, error) {
	s.mu.Lock()
	switch s.state {
	case StateStarting, StateStreaming:
		s.mu.Unlock()
		log.Debug("stream already active, start is a no-op")
		return s.format, nil
	}

	cmd := exec.Command(s.helperPath, "--start-stream")
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.mu.Unlock()
		return Format{}, fmt.Errorf("pipe helper stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.mu.Unlock()
		return Format{}, fmt.Errorf("pipe helper stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		s.state = StateFailed
		s.mu.Unlock()
		return Format{}, fmt.Errorf("spawn capture helper: %w", err)
	}

	exited := make(chan struct{})
	s.cmd = cmd
	s.exited = exited
	s.state = StateStarting
	s.mu.Unlock()

	log.Info("capture helper started", "path", s.helperPath, "pid", cmd.Process.Pid)

	ready := make(chan error, 1)
	go s.drainStderr(stderr)
	go s.readLoop(stdout, ready)
	go s.waitLoop(cmd, exited)

	timer := time.NewTimer(s.startTimeout)
	defer timer.Stop()

	select {
	case err := <-ready:
		if err != nil {
			s.fail(cmd)
			return Format{}, fmt.Errorf("capture helper: %w", err)
		}
	case <-exited:
		s.fail(nil)
		return Format{}, errors.New("capture helper exited before signaling readiness")
	case <-timer.C:
		s.fail(cmd)
		return Format{}, fmt.Errorf("timed out after %s waiting for stream start", s.startTimeout)
	case <-ctx.Done():
		s.fail(cmd)
		return Format{}, ctx.Err()
	}

	s.mu.Lock()
	if s.state == StateStarting {
		s.state = StateStreaming
	}
	s.mu.Unlock()

	log.Info("audio streaming started",
		"sampleRate", s.format.SampleRate,
		"channels", s.format.Channels,
		"bitDepth", s.format.BitDepth,
	)
	return s.format, nil
}

// Stop gracefully terminates the helper, escalating to a forced kill if it
// has not exited within the stop timeout. A no-op unless currently Streaming.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.state != StateStreaming {
		s.mu.Unlock()
		return
	}
	s.state = StateStopping
	cmd := s.cmd
	exited := s.exited
	s.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		if err := terminate(cmd); err != nil {
			log.Warn("graceful terminate failed", "error", err)
		}
	}

	if exited != nil {
		timer := time.NewTimer(s.stopTimeout)
		defer timer.Stop()
		select {
		case <-exited:
		case <-timer.C:
			log.Warn("capture helper did not exit in time, killing", "timeout", s.stopTimeout)
			if cmd != nil {
				if err := killProcessGroup(cmd); err != nil {
					log.Warn("force kill failed", "error", err)
				}
			}
			<-exited
		}
	}

	s.mu.Lock()
	s.state = StateStopped
	s.buffer.Clear()
	s.mu.Unlock()

	log.Info("audio streaming stopped")
}

// CheckPermissions runs the helper with --check-permissions and reports
// whether the OS has granted audio capture access.
func (s *Supervisor) CheckPermissions(ctx context.Context) (bool, error) {
	out, err := exec.CommandContext(ctx, s.helperPath, "--check-permissions").Output()
	if err != nil {
		return false, fmt.Errorf("run permission check: %w", err)
	}
	for _, line := range bytes.Split(out, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		evt, err := ParseLine(line)
		if err != nil {
			continue
		}
		switch evt.Code {
		case CodePermissionGranted:
			return true, nil
		case CodePermissionDenied:
			return false, nil
		}
	}
	return false, errors.New("permission check produced no result")
}

// Frames returns the live push-path channel of decoded audio frames. Frames
// that arrive while the channel is full are dropped and counted rather than
// blocking the helper reader.
func (s *Supervisor) Frames() <-chan Frame { return s.frames }

// DroppedFrames reports how many live frames were discarded due to a slow consumer.
func (s *Supervisor) DroppedFrames() uint64 { return s.dropped.Load() }

// DrainBuffer returns and clears the pull-path frame buffer.
func (s *Supervisor) DrainBuffer() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer.Drain()
}

// Buffered reports the number of frames currently retained for the pull path.
func (s *Supervisor) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer.Len()
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Format returns the stream's audio format descriptor.
func (s *Supervisor) Format() Format { return s.format }

// Active reports whether a capture session is live.
func (s *Supervisor) Active() bool {
	st := s.State()
	return st == StateStarting || st == StateStreaming
}

func (s *Supervisor) fail(cmd *exec.Cmd) {
	s.mu.Lock()
	s.state = StateFailed
	s.mu.Unlock()
	if cmd != nil {
		_ = killProcessGroup(cmd)
	}
}

func (s *Supervisor) waitLoop(cmd *exec.Cmd, exited chan struct{}) {
	err := cmd.Wait()
	close(exited)

	s.mu.Lock()
	prev := s.state
	if s.cmd == cmd {
		s.cmd = nil
	}
	if prev == StateStreaming {
		s.state = StateStopped
	}
	s.mu.Unlock()

	if prev == StateStreaming {
		log.Warn("capture helper exited unexpectedly", "error", err)
		if s.notifier != nil {
			s.notifier.StreamStopped()
		}
	}
}

func (s *Supervisor) readLoop(r io.Reader, ready chan<- error) {
	signaled := false
	signal := func(err error) {
		if !signaled {
			signaled = true
			ready <- err
		}
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		evt, err := ParseLine(line)
		if err != nil {
			log.Warn("skipping malformed helper record", "error", err)
			continue
		}
		s.handleEvent(evt, signal)
	}
	if err := sc.Err(); err != nil {
		log.Warn("helper output read error", "error", err)
	}
	signal(errors.New("helper output closed before stream start"))
}

func (s *Supervisor) handleEvent(evt Event, signal func(error)) {
	switch evt.Code {
	case CodeStreamStarted:
		signal(nil)

	case CodeStreamFailed:
		msg := evt.Error
		if msg == "" {
			msg = "stream failed"
		}
		signal(errors.New(msg))

	case CodeAudioData:
		payload, err := evt.DecodePayload()
		if err != nil {
			log.Warn("skipping undecodable audio record", "error", err)
			return
		}
		s.acceptFrame(payload)

	case CodeRecordingStarted, CodeRecordingStopped:
		if s.notifier != nil {
			s.notifier.RecordingStatus(evt.Code, parseTimestamp(evt.Timestamp), evt.Path)
		}

	case CodePermissionDenied:
		if s.notifier != nil {
			s.notifier.PermissionDenied()
		}

	default:
		log.Debug("ignoring helper record", "code", string(evt.Code))
	}
}

func (s *Supervisor) acceptFrame(payload []byte) {
	s.mu.Lock()
	if s.state != StateStarting && s.state != StateStreaming {
		s.mu.Unlock()
		return
	}
	s.buffer.Push(payload)
	s.mu.Unlock()

	frame := Frame{Payload: payload, Received: time.Now()}
	select {
	case s.frames <- frame:
	default:
		s.dropped.Add(1)
	}
}

func (s *Supervisor) drainStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4*1024), 256*1024)
	for sc.Scan() {
		if line := bytes.TrimSpace(sc.Bytes()); len(line) > 0 {
			log.Debug("helper stderr", "line", string(line))
		}
	}
}

func parseTimestamp(raw string) time.Time {
	if raw == "" {
		return time.Now()
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Now()
	}
	return ts
}
