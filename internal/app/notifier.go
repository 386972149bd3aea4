package app

import (
	"time"

	"github.com/sonicast-audio/companion/internal/audio"
	"github.com/sonicast-audio/companion/internal/capture"
)

// Notifier is the surface the embedding process observes: live frames,
// decoded playback blocks, and capture lifecycle signals.
type Notifier interface {
	// AudioFrame delivers one raw interleaved PCM payload from the helper.
	AudioFrame(payload []byte)
	// DecodedAudio delivers one fixed-size block of de-interleaved float32
	// samples ready for playback.
	DecodedAudio(block audio.Block)
	// StreamStopped reports that the helper exited outside of an orderly stop.
	StreamStopped()
	// RecordingStatus forwards the helper's recording state changes.
	RecordingStatus(code capture.Code, timestamp time.Time, path string)
	// PermissionDenied reports that the helper lacks capture permission.
	PermissionDenied()
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

func (NopNotifier) AudioFrame([]byte) {}

func (NopNotifier) DecodedAudio(audio.Block) {}

func (NopNotifier) StreamStopped() {}

func (NopNotifier) RecordingStatus(capture.Code, time.Time, string) {}

func (NopNotifier) PermissionDenied() {}
