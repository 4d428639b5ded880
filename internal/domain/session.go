// Package domain contains the call entities shared by every layer, without transport logic.
package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pion/sdp/v3"
)

type SessionID string

// Role is the side a coordinator plays in one call attempt.
type Role string

const (
	RoleNone   Role = ""
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// Peer returns the opposite role.
func (r Role) Peer() Role {
	switch r {
	case RoleCaller:
		return RoleCallee
	case RoleCallee:
		return RoleCaller
	}
	return RoleNone
}

type SDPType string

const (
	SDPTypeOffer  SDPType = "offer"
	SDPTypeAnswer SDPType = "answer"
)

var (
	ErrEmptySDP     = errors.New("empty sdp")
	ErrBadSDPType   = errors.New("unexpected sdp type")
	ErrMalformedSDP = errors.New("malformed sdp")
)

// SessionDescription is the wire shape of an offer or answer as stored on a session document.
type SessionDescription struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
}

// Validate checks the descriptor has the wanted type and a parsable SDP body.
func (d SessionDescription) Validate(want SDPType) error {
	if d.Type != want {
		return fmt.Errorf("%w: got %q, want %q", ErrBadSDPType, d.Type, want)
	}
	if strings.TrimSpace(d.SDP) == "" {
		return ErrEmptySDP
	}
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(d.SDP)); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedSDP, err)
	}
	return nil
}

// Media lists the m-line kinds in order, e.g. ["audio", "video"]. Unparsable SDP yields nil.
func (d SessionDescription) Media() []string {
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(d.SDP)); err != nil {
		return nil
	}
	out := make([]string, 0, len(parsed.MediaDescriptions))
	for _, md := range parsed.MediaDescriptions {
		out = append(out, md.MediaName.Media)
	}
	return out
}

// Session is one call attempt as stored in the directory.
// Offer is written once by the caller, Answer at most once by the callee; a session that already has an
// answer cannot be joined.
type Session struct {
	ID     SessionID           `json:"-"`
	Offer  *SessionDescription `json:"offer,omitempty"`
	Answer *SessionDescription `json:"answer,omitempty"`
}

// Candidate is one network-reachability hint. Once written it is never mutated.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// CallState is the coordinator lifecycle position shown to the user.
type CallState string

const (
	StateIdle        CallState = "idle"
	StateMediaReady  CallState = "media_ready"
	StateNegotiating CallState = "negotiating"
	StateConnected   CallState = "connected"
)
