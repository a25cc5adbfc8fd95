package domain

import (
	"errors"
	"fmt"
	"time"
)

type SignalKind string

const (
	SignalOffer        SignalKind = "offer"
	SignalAnswer       SignalKind = "answer"
	SignalICECandidate SignalKind = "ice-candidate"
	SignalCallRequest  SignalKind = "call-request"
	SignalCallAccept   SignalKind = "call-accept"
	SignalCallReject   SignalKind = "call-reject"
	SignalCallEnd      SignalKind = "call-end"
)

var ErrBadPayload = errors.New("payload does not match signal kind")

func (k SignalKind) Valid() bool {
	switch k {
	case SignalOffer, SignalAnswer, SignalICECandidate,
		SignalCallRequest, SignalCallAccept, SignalCallReject, SignalCallEnd:
		return true
	}
	return false
}

// SessionDescription mirrors RTCSessionDescriptionInit.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate mirrors RTCIceCandidateInit.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Payload is a tagged union keyed by SignalKind: offer and answer carry
// Description, ice-candidate carries Candidate, call-* carry nothing.
type Payload struct {
	Description *SessionDescription `json:"description,omitempty"`
	Candidate   *ICECandidate       `json:"candidate,omitempty"`
}

func DescriptionPayload(sd SessionDescription) Payload { return Payload{Description: &sd} }

func CandidatePayload(c ICECandidate) Payload { return Payload{Candidate: &c} }

// Validate checks that p has exactly the shape kind requires.
func (p Payload) Validate(kind SignalKind) error {
	switch kind {
	case SignalOffer, SignalAnswer:
		if p.Description == nil || p.Candidate != nil {
			return fmt.Errorf("%w: %s wants a session description", ErrBadPayload, kind)
		}
		if p.Description.SDP == "" {
			return fmt.Errorf("%w: %s has empty sdp", ErrBadPayload, kind)
		}
	case SignalICECandidate:
		if p.Candidate == nil || p.Description != nil {
			return fmt.Errorf("%w: %s wants a candidate", ErrBadPayload, kind)
		}
	case SignalCallRequest, SignalCallAccept, SignalCallReject, SignalCallEnd:
		if p.Candidate != nil || p.Description != nil {
			return fmt.Errorf("%w: %s carries no payload", ErrBadPayload, kind)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrBadPayload, kind)
	}
	return nil
}

// SignalMessage is one directed negotiation message. Seq and SentAt are
// assigned by the store on append.
type SignalMessage struct {
	Seq     int64      `json:"seq"`
	RoomID  RoomID     `json:"chatRoomId"`
	From    UserID     `json:"senderId"`
	To      UserID     `json:"receiverId"`
	Kind    SignalKind `json:"type"`
	Payload Payload    `json:"data"`
	SentAt  time.Time  `json:"timestamp"`
}
