package peerconnection

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/ysmood/gson"
)

// ErrUnknownSignal is returned for message bodies that are neither a
// session description, a candidate, nor BYE.
var ErrUnknownSignal = errors.New("unknown signaling message")

// SignalKind classifies a peer-to-peer message body.
type SignalKind int

const (
	SignalBye SignalKind = iota
	SignalOffer
	SignalAnswer
	SignalCandidate
)

func (k SignalKind) String() string {
	switch k {
	case SignalBye:
		return "bye"
	case SignalOffer:
		return "offer"
	case SignalAnswer:
		return "answer"
	case SignalCandidate:
		return "candidate"
	default:
		return fmt.Sprintf("SignalKind(%d)", int(k))
	}
}

// Signal is a decoded message body. The JSON shapes are the ones a browser
// produces with JSON.stringify on RTCSessionDescription and RTCIceCandidate.
type Signal struct {
	Kind        SignalKind
	Description webrtc.SessionDescription
	Candidate   webrtc.ICECandidateInit
}

// DecodeSignal parses a message body.
func DecodeSignal(body []byte) (Signal, error) {
	if string(body) == ByeMessage {
		return Signal{Kind: SignalBye}, nil
	}
	if !json.Valid(body) {
		return Signal{}, fmt.Errorf("%w: not JSON", ErrUnknownSignal)
	}

	j := gson.NewFrom(string(body))
	switch {
	case j.Has("type") && j.Has("sdp"):
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(body, &desc); err != nil {
			return Signal{}, fmt.Errorf("decode description: %w", err)
		}
		switch desc.Type {
		case webrtc.SDPTypeOffer:
			return Signal{Kind: SignalOffer, Description: desc}, nil
		case webrtc.SDPTypeAnswer:
			return Signal{Kind: SignalAnswer, Description: desc}, nil
		}
		return Signal{}, fmt.Errorf("%w: description type %q", ErrUnknownSignal, j.Get("type").Str())
	case j.Has("candidate"):
		var c webrtc.ICECandidateInit
		if err := json.Unmarshal(body, &c); err != nil {
			return Signal{}, fmt.Errorf("decode candidate: %w", err)
		}
		return Signal{Kind: SignalCandidate, Candidate: c}, nil
	}
	return Signal{}, ErrUnknownSignal
}

// EncodeDescription marshals an offer or answer.
func EncodeDescription(desc webrtc.SessionDescription) ([]byte, error) {
	return json.Marshal(desc)
}

// EncodeCandidate marshals a local ICE candidate.
func EncodeCandidate(c webrtc.ICECandidateInit) ([]byte, error) {
	return json.Marshal(c)
}
