package models

import "github.com/pion/webrtc/v4"

// Call signaling payloads. The relay forwards these verbatim after stamping
// FromUserID; all negotiation semantics live in the client.

type CallOffer struct {
	ToUserID   string                    `json:"toUserId"`
	FromUserID string                    `json:"fromUserId,omitempty"`
	SDP        webrtc.SessionDescription `json:"sdp"`
}

type CallAnswer struct {
	ToUserID   string                    `json:"toUserId"`
	FromUserID string                    `json:"fromUserId,omitempty"`
	SDP        webrtc.SessionDescription `json:"sdp"`
}

type CallCandidate struct {
	ToUserID   string                  `json:"toUserId"`
	FromUserID string                  `json:"fromUserId,omitempty"`
	Candidate  webrtc.ICECandidateInit `json:"candidate"`
}

type CallEnd struct {
	ToUserID   string `json:"toUserId"`
	FromUserID string `json:"fromUserId,omitempty"`
}
