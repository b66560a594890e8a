package egress

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// SessionState is the negotiation state of the outbound peer connection.
type SessionState int32

// Session negotiation states. Failed is terminal for a given session;
// the next offer starts a fresh one.
const (
	SessionNew SessionState = iota
	SessionOfferReceived
	SessionAnswerSent
	SessionConnected
	SessionClosed
	SessionFailed
)

// String implements fmt.Stringer.
func (s SessionState) String() string {
	switch s {
	case SessionNew:
		return "new"
	case SessionOfferReceived:
		return "offer-received"
	case SessionAnswerSent:
		return "answer-sent"
	case SessionConnected:
		return "connected"
	case SessionClosed:
		return "closed"
	case SessionFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// DefaultNegotiationTimeout bounds how long a session may take to go from
// offer to an established media path before it is forced to Failed.
const DefaultNegotiationTimeout = 10 * time.Second

// Offer is the inbound session description, matching the signaling
// endpoint's JSON shape.
type Offer struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

// Answer is the outbound session description produced for an Offer.
type Answer struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

// NegotiatorConfig configures the session negotiator.
type NegotiatorConfig struct {
	STUNServer string
	Timeout    time.Duration
	Log        *slog.Logger
}

// Negotiator manages the signaling state machine for the single outbound
// session: exactly one answer per offer, asynchronous candidate exchange,
// a bounded time to reach Connected, and replacement of a live session
// when a new offer arrives. All transitions are serialized; a message
// arriving mid-transition waits rather than interleaving.
type Negotiator struct {
	cfg    NegotiatorConfig
	log    *slog.Logger
	bridge *Bridge

	mu       sync.Mutex
	state    SessionState
	pc       *webrtc.PeerConnection
	epoch    int // increments per session; stale async callbacks check it
	answered int64

	candidates chan webrtc.ICECandidateInit
}

// NewNegotiator creates a Negotiator that binds the given bridge to each
// successfully negotiated session.
func NewNegotiator(cfg NegotiatorConfig, bridge *Bridge) *Negotiator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultNegotiationTimeout
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Negotiator{
		cfg:        cfg,
		log:        log.With("component", "negotiator"),
		bridge:     bridge,
		state:      SessionNew,
		candidates: make(chan webrtc.ICECandidateInit, 16),
	}
}

// State returns the current session state.
func (n *Negotiator) State() SessionState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// AnswersProduced returns how many answers this negotiator has produced.
func (n *Negotiator) AnswersProduced() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.answered
}

// Candidates returns the channel of outbound ICE candidates gathered for
// the current session; the control surface relays them to the peer.
func (n *Negotiator) Candidates() <-chan webrtc.ICECandidateInit {
	return n.candidates
}

// HandleOffer validates the offer, builds a peer connection carrying the
// bridge's video track, and returns exactly one answer. A live session is
// closed and replaced. Malformed input drives the session to Failed and
// is reported synchronously.
func (n *Negotiator) HandleOffer(offer Offer) (Answer, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.pc != nil {
		n.log.Info("replacing existing session", "state", n.state.String())
		n.closeLocked(SessionClosed)
	}
	n.state = SessionNew

	if offer.Type != "offer" || offer.SDP == "" {
		n.state = SessionFailed
		return Answer{}, fmt.Errorf("malformed offer: type=%q, sdp empty=%t", offer.Type, offer.SDP == "")
	}
	n.state = SessionOfferReceived
	n.epoch++
	epoch := n.epoch

	answer, err := n.negotiateLocked(offer)
	if err != nil {
		n.closeLocked(SessionFailed)
		return Answer{}, err
	}

	n.state = SessionAnswerSent
	n.answered++
	n.log.Info("answer produced", "timeout", n.cfg.Timeout)

	time.AfterFunc(n.cfg.Timeout, func() { n.negotiationDeadline(epoch) })
	return answer, nil
}

// negotiateLocked builds the peer connection, attaches the track, applies
// the remote offer, and produces the local answer. Called with n.mu held.
func (n *Negotiator) negotiateLocked(offer Offer) (Answer, error) {
	var conf webrtc.Configuration
	if n.cfg.STUNServer != "" {
		conf.ICEServers = []webrtc.ICEServer{{URLs: []string{n.cfg.STUNServer}}}
	}

	pc, err := webrtc.NewPeerConnection(conf)
	if err != nil {
		return Answer{}, fmt.Errorf("new peer connection: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264},
		"video", "mosaic",
	)
	if err != nil {
		pc.Close()
		return Answer{}, fmt.Errorf("new track: %w", err)
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		pc.Close()
		return Answer{}, fmt.Errorf("add track: %w", err)
	}
	go drainRTCP(sender)

	epoch := n.epoch
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		n.mu.Lock()
		defer n.mu.Unlock()
		if epoch != n.epoch {
			return // gathered for a session that has since been replaced
		}
		select {
		case n.candidates <- c.ToJSON():
		default:
			n.log.Debug("candidate channel full, dropping candidate")
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		n.connectionStateChanged(epoch, s)
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer.SDP,
	}); err != nil {
		pc.Close()
		return Answer{}, fmt.Errorf("set remote description: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return Answer{}, fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return Answer{}, fmt.Errorf("set local description: %w", err)
	}

	n.pc = pc
	n.bridge.Bind(track)
	return Answer{SDP: answer.SDP, Type: "answer"}, nil
}

// AddCandidate applies a remote ICE candidate to the in-flight session.
func (n *Negotiator) AddCandidate(c webrtc.ICECandidateInit) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.pc == nil {
		return errors.New("no session in flight")
	}
	if err := n.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// connectionStateChanged reacts to transport-level state changes from the
// peer connection. Stale sessions (epoch mismatch) are ignored.
func (n *Negotiator) connectionStateChanged(epoch int, s webrtc.PeerConnectionState) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if epoch != n.epoch {
		return
	}

	switch s {
	case webrtc.PeerConnectionStateConnected:
		if n.state == SessionAnswerSent {
			n.state = SessionConnected
			n.log.Info("session connected")
		}
	case webrtc.PeerConnectionStateFailed:
		n.log.Warn("transport failed")
		n.closeLocked(SessionFailed)
	case webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
		n.log.Info("peer disconnected")
		n.closeLocked(SessionClosed)
	}
}

// negotiationDeadline forces a session that has not reached Connected
// within the timeout to Failed.
func (n *Negotiator) negotiationDeadline(epoch int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if epoch != n.epoch || n.state != SessionAnswerSent {
		return
	}
	n.log.Warn("negotiation timed out")
	n.closeLocked(SessionFailed)
}

// Close tears down the current session, if any. Safe to call repeatedly
// and from any state.
func (n *Negotiator) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closeLocked(SessionClosed)
}

// closeLocked unbinds the bridge, releases the transport, and records the
// terminal state. Called with n.mu held.
func (n *Negotiator) closeLocked(terminal SessionState) {
	n.bridge.Unbind()
	if n.pc != nil {
		if err := n.pc.Close(); err != nil {
			n.log.Debug("peer connection close", "error", err)
		}
		n.pc = nil
	}
	n.epoch++
	// Candidates queued for the dead session must never be served to the
	// next session's viewer. Producers hold n.mu and check the epoch, so
	// after the increment above nothing stale can land post-drain.
	for len(n.candidates) > 0 {
		<-n.candidates
	}
	if n.state != SessionClosed && n.state != SessionFailed {
		n.state = terminal
	}
}

// drainRTCP reads and discards RTCP from the sender so interceptors run.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
