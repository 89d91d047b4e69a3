package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	// dataChannelLabel names the single data channel carrying all traffic.
	dataChannelLabel = "data"
	// iceGatherTimeout bounds candidate gathering before the local signal
	// payload is considered complete. Vanilla ICE: all candidates are
	// gathered before the payload is published, so the rendezvous store
	// needs exactly one round-trip per direction.
	iceGatherTimeout = 15 * time.Second
)

// Link is the production Channel over a WebRTC data channel. The remote
// negotiation (ICE, DTLS) is delegated entirely to pion; Link only drives
// the offer/answer choreography and the lifecycle state machine.
type Link struct {
	role   Role
	logger *slog.Logger

	pc *webrtc.PeerConnection

	mu    sync.Mutex
	state State
	dc    *webrtc.DataChannel

	// sendMu fences event emission against teardown: emitters hold the
	// read side, teardown takes the write side before closing events.
	sendMu sync.RWMutex
	halted bool
	events chan Event

	closed    chan struct{}
	closeOnce sync.Once
}

// LinkConfig configures a Link.
type LinkConfig struct {
	Role       Role
	ICEServers []string
	Logger     *slog.Logger
}

// NewLink creates an idle Link. The initiator opens the data channel; the
// responder accepts it once the remote description is applied.
func NewLink(config LinkConfig) (*Link, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var iceServers []webrtc.ICEServer
	if len(config.ICEServers) > 0 {
		iceServers = []webrtc.ICEServer{{URLs: config.ICEServers}}
	}

	// Loopback candidates keep same-machine sessions and test environments
	// working where loopback is the only interface.
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("channel: create peer connection: %w", err)
	}

	link := &Link{
		role:   config.Role,
		logger: logger,
		pc:     pc,
		state:  StateIdle,
		events: make(chan Event, 64),
		closed: make(chan struct{}),
	}

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		logger.Debug("ICE state change", "role", config.Role, "state", state.String())
		switch state {
		case webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateClosed:
			link.teardown(fmt.Errorf("channel: ICE %s", state))
		}
	})

	if config.Role == RoleInitiator {
		ordered := true
		dc, err := pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("channel: create data channel: %w", err)
		}
		link.bindDataChannel(dc)
	} else {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			link.bindDataChannel(dc)
		})
	}

	return link, nil
}

// LocalSignal produces this endpoint's complete session-establishment
// payload. For the initiator this is the SDP offer; for the responder it is
// the answer and requires ApplyRemote to have been called first. Blocks
// until ICE gathering completes.
func (l *Link) LocalSignal(ctx context.Context) (string, error) {
	l.setState(StateEstablishing)

	var description webrtc.SessionDescription
	var err error
	if l.role == RoleInitiator {
		description, err = l.pc.CreateOffer(nil)
	} else {
		if l.pc.RemoteDescription() == nil {
			return "", fmt.Errorf("channel: responder needs the remote payload before answering")
		}
		description, err = l.pc.CreateAnswer(nil)
	}
	if err != nil {
		return "", fmt.Errorf("channel: create local description: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(l.pc)
	if err := l.pc.SetLocalDescription(description); err != nil {
		return "", fmt.Errorf("channel: set local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-time.After(iceGatherTimeout):
		return "", fmt.Errorf("channel: ICE gathering timed out after %s", iceGatherTimeout)
	case <-ctx.Done():
		return "", ctx.Err()
	case <-l.closed:
		return "", ErrClosed
	}

	payload, err := json.Marshal(l.pc.LocalDescription())
	if err != nil {
		return "", fmt.Errorf("channel: marshal local description: %w", err)
	}
	return string(payload), nil
}

// ApplyRemote applies the peer's session-establishment payload.
func (l *Link) ApplyRemote(payload string) error {
	var description webrtc.SessionDescription
	if err := json.Unmarshal([]byte(payload), &description); err != nil {
		return fmt.Errorf("channel: decode remote payload: %w", err)
	}

	l.setState(StateEstablishing)
	if err := l.pc.SetRemoteDescription(description); err != nil {
		return fmt.Errorf("channel: set remote description: %w", err)
	}
	return nil
}

// Send writes one opaque message on the data channel.
func (l *Link) Send(payload []byte) error {
	l.mu.Lock()
	dc := l.dc
	state := l.state
	l.mu.Unlock()

	if state != StateOpen || dc == nil {
		return ErrNotOpen
	}
	if err := dc.Send(payload); err != nil {
		return fmt.Errorf("channel: send: %w", err)
	}
	return nil
}

// Events returns the inbound event stream. The stream is closed once the
// Link reaches closed, after any buffered events and the terminal state.
func (l *Link) Events() <-chan Event {
	return l.events
}

// State returns the current lifecycle state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Close tears the Link down. The PeerConnection is released exactly once;
// afterwards the Link is inert and a new one must be created.
func (l *Link) Close() error {
	l.teardown(nil)
	return nil
}

func (l *Link) bindDataChannel(dc *webrtc.DataChannel) {
	l.mu.Lock()
	l.dc = dc
	l.mu.Unlock()

	dc.OnOpen(func() {
		l.logger.Debug("data channel open", "role", l.role, "label", dc.Label())
		l.setState(StateOpen)
	})
	dc.OnClose(func() {
		l.teardown(nil)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		data := make([]byte, len(msg.Data))
		copy(data, msg.Data)
		l.emit(Event{Kind: EventMessage, Message: data})
	})
}

func (l *Link) emit(event Event) {
	l.sendMu.RLock()
	defer l.sendMu.RUnlock()
	if l.halted {
		return
	}
	select {
	case l.events <- event:
	case <-l.closed:
	}
}

func (l *Link) setState(state State) {
	l.mu.Lock()
	if l.state == state || l.state == StateClosed {
		l.mu.Unlock()
		return
	}
	l.state = state
	l.mu.Unlock()

	l.emit(Event{Kind: EventState, State: state})
}

// teardown moves the Link to closed and releases the transport. Any error
// or explicit disconnect lands here regardless of the prior state; there is
// no partial closing state.
func (l *Link) teardown(cause error) {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.state = StateClosed
		l.mu.Unlock()

		if cause != nil {
			l.logger.Warn("channel closed", "role", l.role, "error", cause)
		}
		_ = l.pc.Close()

		// Unblock emitters stuck on a full buffer, then fence off new
		// sends before closing the stream. Consumers that miss the
		// terminal event under backlog still observe the channel close.
		close(l.closed)
		l.sendMu.Lock()
		l.halted = true
		l.sendMu.Unlock()

		select {
		case l.events <- Event{Kind: EventState, State: StateClosed, Err: cause}:
		default:
		}
		close(l.events)
	})
}
