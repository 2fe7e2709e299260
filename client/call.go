package client

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

var (
	ErrCallBusy  = errors.New("call in progress")
	ErrCallEnded = errors.New("call ended")
)

// CallState is the lifecycle of the single active call.
type CallState int

const (
	CallIdle CallState = iota
	CallOffering
	CallRinging
	CallConnected
)

func (s CallState) String() string {
	switch s {
	case CallIdle:
		return "idle"
	case CallOffering:
		return "offering"
	case CallRinging:
		return "ringing"
	case CallConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Signaler is the only surface the call machinery needs from the connection
// layer. ConnectionManager satisfies it.
type Signaler interface {
	SendOffer(toUserID string, sdp webrtc.SessionDescription) error
	SendAnswer(toUserID string, sdp webrtc.SessionDescription) error
	SendCandidate(toUserID string, candidate webrtc.ICECandidateInit) error
	SendEnd(toUserID string) error
}

// MediaHandle is an acquired local media capture. Release is idempotent here:
// the state machine releases exactly once per session.
type MediaHandle interface {
	Release()
}

// MediaSource acquires local media (microphone) before a call is set up.
// Acquisition failure aborts the call.
type MediaSource interface {
	Acquire(ctx context.Context) (MediaHandle, error)
}

// NopMediaSource satisfies MediaSource without capturing anything, for
// clients that wire real capture elsewhere.
type NopMediaSource struct{}

type nopHandle struct{}

func (nopHandle) Release() {}

// Acquire implements MediaSource.
func (NopMediaSource) Acquire(ctx context.Context) (MediaHandle, error) {
	return nopHandle{}, nil
}

// PeerConnection abstracts the WebRTC peer connection used per call.
type PeerConnection interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(sdp webrtc.SessionDescription) error
	SetRemoteDescription(sdp webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	OnICECandidate(fn func(webrtc.ICECandidateInit))
	Close() error
}

// PeerConnectionFactory builds one PeerConnection per call session.
type PeerConnectionFactory func() (PeerConnection, error)

// IncomingCall is handed to OnIncoming when an offer arrives. Exactly one of
// Accept or Reject should be called.
type IncomingCall struct {
	FromUserID string
	SDP        webrtc.SessionDescription

	Accept func(ctx context.Context) error
	Reject func()
}

// CallConfig tunes the state machine.
type CallConfig struct {
	// RingTimeout bounds how long an unanswered offer may sit in Offering or
	// Ringing before the call is torn down. Default 30s.
	RingTimeout   time.Duration
	OnIncoming    func(*IncomingCall)
	OnStateChange func(CallState)
}

// CallStateMachine drives one call at a time through
// idle → offering/ringing → connected. Remote candidates arriving before the
// remote description are buffered and applied in arrival order.
type CallStateMachine struct {
	sig     Signaler
	media   MediaSource
	newPeer PeerConnectionFactory
	cfg     CallConfig

	mu                sync.Mutex
	state             CallState
	session           int
	peerID            string
	pc                PeerConnection
	handle            MediaHandle
	remoteOffer       webrtc.SessionDescription
	remoteSet         bool
	pendingCandidates []webrtc.ICECandidateInit
	timer             *time.Timer
}

// NewCallStateMachine builds the state machine. sig, media and newPeer are
// required.
func NewCallStateMachine(sig Signaler, media MediaSource, newPeer PeerConnectionFactory, cfg CallConfig) *CallStateMachine {
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = 30 * time.Second
	}
	return &CallStateMachine{
		sig:     sig,
		media:   media,
		newPeer: newPeer,
		cfg:     cfg,
	}
}

// State returns the current call state.
func (m *CallStateMachine) State() CallState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// PeerID returns the remote user of the active call, empty when idle.
func (m *CallStateMachine) PeerID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peerID
}

// StartCall begins an outbound call to peerID: acquire media, create the
// peer connection, send the offer. Fails with ErrCallBusy when a call is
// already active; any setup failure returns the machine to idle.
func (m *CallStateMachine) StartCall(ctx context.Context, peerID string) error {
	m.mu.Lock()
	if m.state != CallIdle {
		m.mu.Unlock()
		return ErrCallBusy
	}
	m.session++
	sess := m.session
	m.state = CallOffering
	m.peerID = peerID
	m.mu.Unlock()
	m.notify(CallOffering)

	handle, pc, err := m.setupPeer(ctx, sess, peerID)
	if err != nil {
		m.abort(sess)
		return err
	}

	offer, err := pc.CreateOffer()
	if err == nil {
		err = pc.SetLocalDescription(offer)
	}
	if err != nil {
		handle.Release()
		pc.Close()
		m.abort(sess)
		return err
	}

	// Resources go live before the offer is on the wire, so an answer racing
	// back immediately finds the peer connection in place.
	if !m.commit(sess, handle, pc, CallOffering) {
		handle.Release()
		pc.Close()
		return ErrCallEnded
	}

	if err := m.sig.SendOffer(peerID, offer); err != nil {
		m.end(sess, false)
		return err
	}
	return nil
}

// HandleOffer feeds an inbound offer. When idle it moves to ringing and
// surfaces an IncomingCall; when busy the caller is cleared with an end
// signal.
func (m *CallStateMachine) HandleOffer(fromUserID string, sdp webrtc.SessionDescription) {
	m.mu.Lock()
	if m.state != CallIdle {
		busy := m.peerID != fromUserID
		m.mu.Unlock()
		if busy {
			if err := m.sig.SendEnd(fromUserID); err != nil {
				log.Printf("call busy signal to %s failed: %v", fromUserID, err)
			}
		}
		return
	}
	m.session++
	sess := m.session
	m.state = CallRinging
	m.peerID = fromUserID
	m.remoteOffer = sdp
	m.startTimer(sess)
	m.mu.Unlock()
	m.notify(CallRinging)

	if m.cfg.OnIncoming == nil {
		return
	}
	m.cfg.OnIncoming(&IncomingCall{
		FromUserID: fromUserID,
		SDP:        sdp,
		Accept: func(ctx context.Context) error {
			return m.accept(ctx, sess, fromUserID)
		},
		Reject: func() {
			m.end(sess, true)
		},
	})
}

func (m *CallStateMachine) accept(ctx context.Context, sess int, peerID string) error {
	m.mu.Lock()
	if m.session != sess || m.state != CallRinging {
		m.mu.Unlock()
		return ErrCallEnded
	}
	remoteOffer := m.remoteOffer
	m.mu.Unlock()

	handle, pc, err := m.setupPeer(ctx, sess, peerID)
	if err != nil {
		m.end(sess, true)
		return err
	}

	err = pc.SetRemoteDescription(remoteOffer)
	var answer webrtc.SessionDescription
	if err == nil {
		answer, err = pc.CreateAnswer()
	}
	if err == nil {
		err = pc.SetLocalDescription(answer)
	}
	if err == nil {
		err = m.sig.SendAnswer(peerID, answer)
	}
	if err != nil {
		handle.Release()
		pc.Close()
		m.end(sess, true)
		return err
	}

	m.mu.Lock()
	if m.session != sess {
		m.mu.Unlock()
		handle.Release()
		pc.Close()
		return ErrCallEnded
	}
	m.handle = handle
	m.pc = pc
	m.remoteSet = true
	buffered := m.pendingCandidates
	m.pendingCandidates = nil
	m.state = CallConnected
	m.stopTimer()
	m.mu.Unlock()

	for _, candidate := range buffered {
		if err := pc.AddICECandidate(candidate); err != nil {
			log.Printf("buffered candidate rejected: %v", err)
		}
	}
	m.notify(CallConnected)
	return nil
}

// HandleAnswer completes the outbound leg: remote description is applied,
// buffered candidates flush in arrival order, the call connects.
func (m *CallStateMachine) HandleAnswer(fromUserID string, sdp webrtc.SessionDescription) {
	m.mu.Lock()
	if m.state != CallOffering || m.peerID != fromUserID || m.pc == nil {
		m.mu.Unlock()
		return
	}
	pc := m.pc
	m.mu.Unlock()

	if err := pc.SetRemoteDescription(sdp); err != nil {
		log.Printf("answer rejected: %v", err)
		m.EndCall()
		return
	}

	m.mu.Lock()
	if m.pc != pc {
		m.mu.Unlock()
		return
	}
	m.remoteSet = true
	buffered := m.pendingCandidates
	m.pendingCandidates = nil
	m.state = CallConnected
	m.stopTimer()
	m.mu.Unlock()

	for _, candidate := range buffered {
		if err := pc.AddICECandidate(candidate); err != nil {
			log.Printf("buffered candidate rejected: %v", err)
		}
	}
	m.notify(CallConnected)
}

// HandleCandidate feeds a remote ICE candidate. Candidates arriving before
// the remote description is set are buffered.
func (m *CallStateMachine) HandleCandidate(fromUserID string, candidate webrtc.ICECandidateInit) {
	m.mu.Lock()
	if m.state == CallIdle || m.peerID != fromUserID {
		m.mu.Unlock()
		return
	}
	if !m.remoteSet || m.pc == nil {
		m.pendingCandidates = append(m.pendingCandidates, candidate)
		m.mu.Unlock()
		return
	}
	pc := m.pc
	m.mu.Unlock()

	if err := pc.AddICECandidate(candidate); err != nil {
		log.Printf("candidate rejected: %v", err)
	}
}

// HandleEnd feeds a remote hangup.
func (m *CallStateMachine) HandleEnd(fromUserID string) {
	m.mu.Lock()
	if m.state == CallIdle || m.peerID != fromUserID {
		m.mu.Unlock()
		return
	}
	sess := m.session
	m.mu.Unlock()
	m.end(sess, false)
}

// EndCall hangs up locally and signals the peer.
func (m *CallStateMachine) EndCall() {
	m.mu.Lock()
	if m.state == CallIdle {
		m.mu.Unlock()
		return
	}
	sess := m.session
	m.mu.Unlock()
	m.end(sess, true)
}

// HandleTransportDown tears the call down after the signaling connection is
// lost. No end signal is sent, there is nothing to send it on.
func (m *CallStateMachine) HandleTransportDown() {
	m.mu.Lock()
	if m.state == CallIdle {
		m.mu.Unlock()
		return
	}
	sess := m.session
	m.mu.Unlock()
	m.end(sess, false)
}

// setupPeer acquires media and builds the peer connection with candidate
// trickling wired to the signaler. The session guard drops candidates from
// torn-down calls.
func (m *CallStateMachine) setupPeer(ctx context.Context, sess int, peerID string) (MediaHandle, PeerConnection, error) {
	handle, err := m.media.Acquire(ctx)
	if err != nil {
		return nil, nil, err
	}

	pc, err := m.newPeer()
	if err != nil {
		handle.Release()
		return nil, nil, err
	}

	pc.OnICECandidate(func(candidate webrtc.ICECandidateInit) {
		m.mu.Lock()
		stale := m.session != sess
		m.mu.Unlock()
		if stale {
			return
		}
		if err := m.sig.SendCandidate(peerID, candidate); err != nil {
			log.Printf("candidate send to %s failed: %v", peerID, err)
		}
	})
	return handle, pc, nil
}

// commit stores the session resources unless the session died during setup.
func (m *CallStateMachine) commit(sess int, handle MediaHandle, pc PeerConnection, state CallState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != sess {
		return false
	}
	m.handle = handle
	m.pc = pc
	m.state = state
	m.startTimer(sess)
	return true
}

// abort resets a session that failed before resources were committed.
func (m *CallStateMachine) abort(sess int) {
	m.mu.Lock()
	if m.session != sess {
		m.mu.Unlock()
		return
	}
	m.reset()
	m.mu.Unlock()
	m.notify(CallIdle)
}

// end tears a session down, optionally signaling the peer.
func (m *CallStateMachine) end(sess int, signalPeer bool) {
	m.mu.Lock()
	if m.session != sess {
		m.mu.Unlock()
		return
	}
	peerID := m.peerID
	handle := m.handle
	pc := m.pc
	m.reset()
	m.mu.Unlock()

	if handle != nil {
		handle.Release()
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			log.Printf("peer connection close: %v", err)
		}
	}
	if signalPeer {
		if err := m.sig.SendEnd(peerID); err != nil {
			log.Printf("end signal to %s failed: %v", peerID, err)
		}
	}
	m.notify(CallIdle)
}

// reset clears session state. Caller holds m.mu.
func (m *CallStateMachine) reset() {
	m.session++
	m.state = CallIdle
	m.peerID = ""
	m.pc = nil
	m.handle = nil
	m.remoteOffer = webrtc.SessionDescription{}
	m.remoteSet = false
	m.pendingCandidates = nil
	m.stopTimer()
}

// startTimer arms the ring timeout for sess. Caller holds m.mu.
func (m *CallStateMachine) startTimer(sess int) {
	m.stopTimer()
	m.timer = time.AfterFunc(m.cfg.RingTimeout, func() {
		m.mu.Lock()
		expired := m.session == sess && (m.state == CallOffering || m.state == CallRinging)
		m.mu.Unlock()
		if expired {
			log.Printf("call timed out in %s", m.State())
			m.end(sess, true)
		}
	})
}

// stopTimer disarms the ring timeout. Caller holds m.mu.
func (m *CallStateMachine) stopTimer() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *CallStateMachine) notify(state CallState) {
	if m.cfg.OnStateChange != nil {
		m.cfg.OnStateChange(state)
	}
}
