package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sonicast-audio/companion/internal/audio"
	"github.com/sonicast-audio/companion/internal/capture"
	"github.com/sonicast-audio/companion/internal/config"
	"github.com/sonicast-audio/companion/internal/health"
	"github.com/sonicast-audio/companion/internal/logging"
	"github.com/sonicast-audio/companion/internal/peer"
	"github.com/sonicast-audio/companion/internal/signaling"
	"github.com/sonicast-audio/companion/internal/websocket"
)

var log = logging.L("app")

// controlEvent carries recording start/stop requests from the relay's event
// loop onto the app's own goroutine so relay dispatch never blocks on the
// capture helper.
type controlEvent struct {
	start     bool
	sessionID string
}

// App wires the capture helper, the signaling relay, and the peer sessions
// into one process.
type App struct {
	cfg      *config.Config
	notifier Notifier

	relay   *signaling.Server
	client  *websocket.Client
	sup     *capture.Supervisor
	peers   *peer.Manager
	monitor *health.Monitor

	// bridgeMu serializes the frame pump's pushes with control-loop resets;
	// the bridge itself is single-goroutine.
	bridgeMu sync.Mutex
	bridge   *audio.Bridge

	controlCh chan controlEvent
	done      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// New assembles an App from configuration. notifier may be nil.
func New(cfg *config.Config, notifier Notifier) (*App, error) {
	if notifier == nil {
		notifier = NopNotifier{}
	}

	a := &App{
		cfg:       cfg,
		notifier:  notifier,
		controlCh: make(chan controlEvent, 16),
		done:      make(chan struct{}),
	}

	a.sup = capture.NewSupervisor(capture.Options{
		HelperPath: cfg.HelperPath,
		Format: capture.Format{
			SampleRate: cfg.SampleRate,
			Channels:   cfg.Channels,
			BitDepth:   cfg.BitDepth,
			Encoding:   "PCM",
		},
		StartTimeout: time.Duration(cfg.StartTimeoutSeconds) * time.Second,
		StopTimeout:  time.Duration(cfg.StopTimeoutSeconds) * time.Second,
		Notifier:     supervisorNotifier{a},
	})

	bridge, err := audio.NewBridge(cfg.SampleRate, cfg.Channels, audio.DefaultBlockSamples, func(b audio.Block) {
		a.notifier.DecodedAudio(b)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create playback bridge: %w", err)
	}
	a.bridge = bridge

	registry := signaling.NewRegistry()
	a.relay = signaling.NewServer(registry, signaling.NewRouter(registry, recordingControl{a}))

	a.monitor = health.NewMonitor()
	a.relay.SetHealth(a.monitor.Handler())

	return a, nil
}

// Health exposes the component health monitor.
func (a *App) Health() *health.Monitor {
	return a.monitor
}

// Start brings up the relay, connects the in-process server party, and
// begins the frame and control loops. Capture itself starts when a session
// asks for it.
func (a *App) Start(ctx context.Context) error {
	if err := a.relay.Start(a.cfg.SignalAddr); err != nil {
		return fmt.Errorf("failed to start relay: %w", err)
	}

	a.client = websocket.New(&websocket.Config{
		RelayURL: "ws://" + a.relay.Addr(),
		Role:     signaling.RoleServer,
	}, a.handleSignal)
	a.peers = peer.NewManager(peer.Config{
		ICEServers: a.cfg.ICEServers,
		SampleRate: a.cfg.SampleRate,
		Channels:   a.cfg.Channels,
	}, a.client)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.client.Start()
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.framePump()
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.controlLoop(ctx)
	}()

	a.monitor.Update("relay", health.Healthy, "")
	a.monitor.Update("capture", health.Healthy, "idle")

	log.Info("started", "relay", a.relay.Addr(), "helper", a.cfg.HelperPath)
	return nil
}

// Stop tears everything down in dependency order: peers first so no frames
// are in flight, then the helper, then the signaling plane.
func (a *App) Stop() {
	a.stopOnce.Do(func() {
		close(a.done)
		if a.peers != nil {
			a.peers.StopAll()
		}
		a.sup.Stop()
		if a.client != nil {
			a.client.Stop()
		}
		a.relay.Stop()
		a.wg.Wait()
		log.Info("stopped")
	})
}

// CheckPermissions asks the helper whether audio capture is authorized.
func (a *App) CheckPermissions(ctx context.Context) (bool, error) {
	return a.sup.CheckPermissions(ctx)
}

// CaptureState reports the helper supervisor's current state.
func (a *App) CaptureState() capture.State {
	return a.sup.State()
}

// handleSignal dispatches relay traffic addressed to this party. Recording
// lifecycle is driven through the in-process RecordingControl hook, so the
// start/stop directives mirrored over the wire are ignored here.
func (a *App) handleSignal(msg signaling.Message) {
	switch msg.Type {
	case signaling.TypeOffer:
		if err := a.peers.HandleOffer(msg.SessionID, msg.Data); err != nil {
			log.Warn("offer failed", logging.KeySessionID, msg.SessionID, logging.KeyError, err)
		}
	case signaling.TypeICECandidate:
		if err := a.peers.HandleRemoteCandidate(msg.SessionID, msg.Data); err != nil {
			log.Warn("candidate failed", logging.KeySessionID, msg.SessionID, logging.KeyError, err)
		}
	case signaling.TypeStartRecording, signaling.TypeStopRecording, signaling.TypeClientDisconnected:
		// Handled via RecordingControl.
	default:
		log.Debug("ignoring message", "type", string(msg.Type))
	}
}

// framePump moves live helper frames to the peers, the notifier, and the
// playback bridge.
func (a *App) framePump() {
	for {
		select {
		case <-a.done:
			return
		case frame := <-a.sup.Frames():
			a.peers.PushAudio(frame.Payload)
			a.notifier.AudioFrame(frame.Payload)
			a.bridgeMu.Lock()
			a.bridge.Push(frame.Payload)
			a.bridgeMu.Unlock()
		}
	}
}

// controlLoop serializes capture start/stop requests coming from the relay.
func (a *App) controlLoop(ctx context.Context) {
	for {
		select {
		case <-a.done:
			return
		case evt := <-a.controlCh:
			if evt.start {
				a.startCapture(ctx, evt.sessionID)
			} else {
				a.stopCapture(evt.sessionID)
			}
		}
	}
}

func (a *App) startCapture(ctx context.Context, sessionID string) {
	format, err := a.sup.Start(ctx)
	if err != nil {
		a.monitor.Update("capture", health.Unhealthy, err.Error())
		log.Error("capture start failed", logging.KeySessionID, sessionID, logging.KeyError, err)
		return
	}
	a.monitor.Update("capture", health.Healthy, "streaming")
	log.Info("capture running",
		logging.KeySessionID, sessionID,
		"sampleRate", format.SampleRate,
		"channels", format.Channels,
	)
}

func (a *App) stopCapture(sessionID string) {
	a.peers.StopSession(sessionID)
	if a.peers.ActiveSessions() > 0 {
		return // other listeners still live
	}
	a.sup.Stop()
	a.bridgeMu.Lock()
	a.bridge.Reset()
	a.bridgeMu.Unlock()
	a.monitor.Update("capture", health.Healthy, "idle")
	log.Info("capture stopped", logging.KeySessionID, sessionID)
}

// recordingControl adapts the relay's session lifecycle to the app's control
// loop. Called from the relay event loop; must not block.
type recordingControl struct{ a *App }

func (rc recordingControl) StartRecording(sessionID string) {
	rc.a.enqueueControl(controlEvent{start: true, sessionID: sessionID})
}

func (rc recordingControl) StopRecording(sessionID string) {
	rc.a.enqueueControl(controlEvent{start: false, sessionID: sessionID})
}

func (a *App) enqueueControl(evt controlEvent) {
	select {
	case a.controlCh <- evt:
	default:
		log.Warn("control queue full", logging.KeySessionID, evt.sessionID)
	}
}

// supervisorNotifier forwards helper lifecycle events to the app notifier.
type supervisorNotifier struct{ a *App }

func (n supervisorNotifier) StreamStopped() {
	n.a.monitor.Update("capture", health.Unhealthy, "helper exited unexpectedly")
	n.a.notifier.StreamStopped()
}

func (n supervisorNotifier) RecordingStatus(code capture.Code, ts time.Time, path string) {
	n.a.notifier.RecordingStatus(code, ts, path)
}

func (n supervisorNotifier) PermissionDenied() {
	n.a.monitor.Update("capture", health.Unhealthy, "capture permission denied")
	n.a.notifier.PermissionDenied()
}
