package client

import (
	"github.com/pion/webrtc/v4"
)

// DefaultICEServers are the STUN servers used when none are configured.
var DefaultICEServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// NewPionPeerConnectionFactory returns a PeerConnectionFactory backed by pion.
// Each connection negotiates a bidirectional audio track.
func NewPionPeerConnectionFactory(iceServers []string) PeerConnectionFactory {
	if len(iceServers) == 0 {
		iceServers = DefaultICEServers
	}
	config := webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: iceServers}},
	}

	return func() (PeerConnection, error) {
		pc, err := webrtc.NewPeerConnection(config)
		if err != nil {
			return nil, err
		}
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio); err != nil {
			pc.Close()
			return nil, err
		}
		return &pionPeerConnection{pc: pc}, nil
	}
}

type pionPeerConnection struct {
	pc *webrtc.PeerConnection
}

func (p *pionPeerConnection) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *pionPeerConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *pionPeerConnection) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(sdp)
}

func (p *pionPeerConnection) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(sdp)
}

func (p *pionPeerConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(candidate)
}

func (p *pionPeerConnection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		// A nil candidate marks the end of gathering.
		if candidate == nil {
			return
		}
		fn(candidate.ToJSON())
	})
}

func (p *pionPeerConnection) Close() error {
	return p.pc.Close()
}
