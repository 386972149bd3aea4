package peer

import (
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/sonicast-audio/companion/internal/logging"
)

// Session is one answered peer connection streaming raw PCM to a remote
// listener.
type Session struct {
	id       string
	peerConn *webrtc.PeerConnection
	audioDC  *webrtc.DataChannel
	done     chan struct{}
	stopOnce sync.Once
	dropped  atomic.Uint64
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// DroppedFrames reports how many PCM frames were discarded because the
// audio channel's send queue was saturated.
func (s *Session) DroppedFrames() uint64 {
	return s.dropped.Load()
}

// writeAudio ships one PCM payload over the audio channel. Silently skips
// until the channel opens; drops when the queue is over the byte bound.
func (s *Session) writeAudio(payload []byte) {
	dc := s.audioDC
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return
	}
	if dc.BufferedAmount() > maxBufferedBytes {
		s.dropped.Add(1)
		return
	}
	if err := dc.Send(payload); err != nil {
		s.dropped.Add(1)
	}
}

// Stop closes the session's transport.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		if s.audioDC != nil {
			_ = s.audioDC.Close()
		}
		if s.peerConn != nil {
			_ = s.peerConn.Close()
		}
		if n := s.dropped.Load(); n > 0 {
			log.Info("session stopped", logging.KeySessionID, s.id, "droppedFrames", n)
		} else {
			log.Info("session stopped", logging.KeySessionID, s.id)
		}
	})
}
