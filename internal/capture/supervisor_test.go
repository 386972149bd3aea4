package capture

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func writeHelper(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake helper scripts require a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "helper.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("write fake helper: %v", err)
	}
	return path
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func audioLine(payload []byte) string {
	return fmt.Sprintf(`{"code":"AUDIO_DATA","data":"%s"}`, base64.StdEncoding.EncodeToString(payload))
}

func TestStartDeliversFramesAndSkipsMalformedLines(t *testing.T) {
	helper := writeHelper(t, strings.Join([]string{
		`echo '{"code":"STREAM_STARTED"}'`,
		`echo '` + audioLine([]byte{1, 0, 2, 0}) + `'`,
		`echo 'stray debug output'`,
		`echo '` + audioLine([]byte{3, 0, 4, 0}) + `'`,
		`sleep 30`,
	}, "\n"))

	s := NewSupervisor(Options{HelperPath: helper, StopTimeout: 2 * time.Second})

	format, err := s.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if format.SampleRate != 48000 || format.Channels != 2 || format.BitDepth != 16 {
		t.Fatalf("unexpected format: %+v", format)
	}
	if s.State() != StateStreaming {
		t.Fatalf("state = %s, want streaming", s.State())
	}

	// Exactly the two valid frames arrive on the push path, in order.
	var got []Frame
	for len(got) < 2 {
		select {
		case f := <-s.Frames():
			got = append(got, f)
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out, received %d frames", len(got))
		}
	}
	if got[0].Payload[0] != 1 || got[1].Payload[0] != 3 {
		t.Fatalf("frames out of order: %v, %v", got[0].Payload, got[1].Payload)
	}

	waitFor(t, "pull buffer to hold both frames", func() bool { return s.Buffered() == 2 })

	s.Stop()
	if s.State() != StateStopped {
		t.Fatalf("state after Stop = %s, want stopped", s.State())
	}
	if s.Buffered() != 0 {
		t.Fatalf("buffer not cleared on Stop: %d frames", s.Buffered())
	}
}

func TestStartIsIdempotentWhileStreaming(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "pids")
	t.Setenv("HELPER_PID_FILE", pidFile)
	helper := writeHelper(t, strings.Join([]string{
		`echo $$ >> "$HELPER_PID_FILE"`,
		`echo '{"code":"STREAM_STARTED"}'`,
		`sleep 30`,
	}, "\n"))

	s := NewSupervisor(Options{HelperPath: helper, StopTimeout: 2 * time.Second})
	defer s.Stop()

	if _, err := s.Start(context.Background()); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if _, err := s.Start(context.Background()); err != nil {
		t.Fatalf("second Start should be a no-op success: %v", err)
	}

	data, err := os.ReadFile(pidFile)
	if err != nil {
		t.Fatalf("read pid file: %v", err)
	}
	if n := len(strings.Fields(string(data))); n != 1 {
		t.Fatalf("%d helper processes spawned, want 1", n)
	}
}

func TestStartTimesOutWithoutReadiness(t *testing.T) {
	helper := writeHelper(t, `sleep 30`)

	s := NewSupervisor(Options{HelperPath: helper, StartTimeout: 150 * time.Millisecond})

	_, err := s.Start(context.Background())
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("error = %v, want timeout", err)
	}
	if st := s.State(); st == StateStreaming {
		t.Fatalf("state = %s, must not be streaming after timeout", st)
	}
}

func TestStartSurfacesStreamFailure(t *testing.T) {
	helper := writeHelper(t, strings.Join([]string{
		`echo '{"code":"STREAM_FAILED","error":"capture device busy"}'`,
		`sleep 30`,
	}, "\n"))

	s := NewSupervisor(Options{HelperPath: helper})

	_, err := s.Start(context.Background())
	if err == nil || !strings.Contains(err.Error(), "capture device busy") {
		t.Fatalf("error = %v, want failure reason from helper", err)
	}
	if s.State() != StateFailed {
		t.Fatalf("state = %s, want failed", s.State())
	}
}

func TestStartFailsWhenHelperMissing(t *testing.T) {
	s := NewSupervisor(Options{HelperPath: filepath.Join(t.TempDir(), "nope")})
	if _, err := s.Start(context.Background()); err == nil {
		t.Fatal("expected spawn error")
	}
	if s.State() != StateFailed {
		t.Fatalf("state = %s, want failed", s.State())
	}
}

type stubNotifier struct {
	stopped    chan struct{}
	recordings chan Code
	denied     chan struct{}
}

func newStubNotifier() *stubNotifier {
	return &stubNotifier{
		stopped:    make(chan struct{}, 4),
		recordings: make(chan Code, 4),
		denied:     make(chan struct{}, 4),
	}
}

func (n *stubNotifier) StreamStopped() { n.stopped <- struct{}{} }
func (n *stubNotifier) RecordingStatus(code Code, _ time.Time, _ string) {
	n.recordings <- code
}
func (n *stubNotifier) PermissionDenied() { n.denied <- struct{}{} }

func TestUnexpectedExitNotifiesAndStops(t *testing.T) {
	helper := writeHelper(t, strings.Join([]string{
		`echo '{"code":"STREAM_STARTED"}'`,
		`sleep 0.1`,
	}, "\n"))

	notifier := newStubNotifier()
	s := NewSupervisor(Options{HelperPath: helper, Notifier: notifier})

	if _, err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-notifier.stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("no stopped notification after unexpected exit")
	}
	waitFor(t, "state to settle", func() bool { return s.State() == StateStopped })
}

func TestStopEscalatesToForcedKill(t *testing.T) {
	helper := writeHelper(t, strings.Join([]string{
		`trap '' TERM`,
		`echo '{"code":"STREAM_STARTED"}'`,
		`sleep 30`,
	}, "\n"))

	s := NewSupervisor(Options{HelperPath: helper, StopTimeout: 200 * time.Millisecond})

	if _, err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return after kill escalation")
	}
	if s.State() != StateStopped {
		t.Fatalf("state = %s, want stopped", s.State())
	}
}

func TestStopIsNoOpWhenNotStreaming(t *testing.T) {
	s := NewSupervisor(Options{HelperPath: "unused"})
	s.Stop()
	if s.State() != StateIdle {
		t.Fatalf("state = %s, want idle", s.State())
	}
}

func TestSlowConsumerDropsNewestFrames(t *testing.T) {
	helper := writeHelper(t, strings.Join([]string{
		`echo '{"code":"STREAM_STARTED"}'`,
		`echo '` + audioLine([]byte{1}) + `'`,
		`echo '` + audioLine([]byte{2}) + `'`,
		`echo '` + audioLine([]byte{3}) + `'`,
		`sleep 30`,
	}, "\n"))

	s := NewSupervisor(Options{HelperPath: helper, FrameChannelSize: 1, StopTimeout: 2 * time.Second})
	defer s.Stop()

	if _, err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Nobody reads Frames(): the pull buffer keeps everything, the push
	// channel holds one frame and the remaining two are counted as dropped.
	waitFor(t, "all frames buffered", func() bool { return s.Buffered() == 3 })
	if got := s.DroppedFrames(); got != 2 {
		t.Fatalf("DroppedFrames = %d, want 2", got)
	}
}

func TestCheckPermissions(t *testing.T) {
	tests := []struct {
		name   string
		code   string
		want   bool
	}{
		{"granted", "PERMISSION_GRANTED", true},
		{"denied", "PERMISSION_DENIED", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			helper := writeHelper(t, fmt.Sprintf(`echo '{"code":"%s"}'`, tt.code))
			s := NewSupervisor(Options{HelperPath: helper})

			got, err := s.CheckPermissions(context.Background())
			if err != nil {
				t.Fatalf("CheckPermissions: %v", err)
			}
			if got != tt.want {
				t.Fatalf("CheckPermissions = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRecordingStatusForwarded(t *testing.T) {
	helper := writeHelper(t, strings.Join([]string{
		`echo '{"code":"STREAM_STARTED"}'`,
		`echo '{"code":"RECORDING_STARTED","timestamp":"2024-05-01T10:00:00Z","path":"/tmp/rec.flac"}'`,
		`sleep 30`,
	}, "\n"))

	notifier := newStubNotifier()
	s := NewSupervisor(Options{HelperPath: helper, Notifier: notifier, StopTimeout: 2 * time.Second})
	defer s.Stop()

	if _, err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case code := <-notifier.recordings:
		if code != CodeRecordingStarted {
			t.Fatalf("recording code = %s, want %s", code, CodeRecordingStarted)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no recording status notification")
	}
}
