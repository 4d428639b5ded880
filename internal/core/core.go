// Package core declares the collaborators the call coordinator drives. Adapters implement them; the
// coordinator never sees a concrete pion, directory or terminal type.
package core

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/peercall/internal/domain"
)

//go:generate mockgen -destination=mocks/mocks.go -package=mocks . MediaSource,Transport,TransportFactory,SessionStore,Presenter

type Constraints struct {
	Video bool
	Audio bool
}

// MediaSource acquires local capture tracks. Acquire fails with an error wrapping domain.ErrDevice.
type MediaSource interface {
	Acquire(ctx context.Context, c Constraints) ([]LocalTrack, error)
}

// LocalTrack is one outgoing track. Stop releases the underlying device or reader.
type LocalTrack interface {
	ID() string
	Kind() webrtc.RTPCodecType
	// Track is what gets attached to a transport. In-process fakes may return nil.
	Track() webrtc.TrackLocal
	SetEnabled(enabled bool)
	Enabled() bool
	Stop()
}

// RemoteTrack is one incoming track surfaced by a Transport.
type RemoteTrack interface {
	ID() string
	Kind() webrtc.RTPCodecType
	Stop()
}

// Transport is one peer connection. It is used for exactly one call attempt and then closed.
type Transport interface {
	CreateOffer(ctx context.Context) (domain.SessionDescription, error)
	CreateAnswer(ctx context.Context) (domain.SessionDescription, error)
	SetLocalDescription(ctx context.Context, d domain.SessionDescription) error
	SetRemoteDescription(ctx context.Context, d domain.SessionDescription) error
	// AddICECandidate must only be called after SetRemoteDescription succeeded.
	AddICECandidate(c domain.Candidate) error
	AddTrack(t LocalTrack) error

	// Handlers run on transport goroutines and must not block.
	OnLocalCandidate(fn func(domain.Candidate))
	OnRemoteTrack(fn func(RemoteTrack))
	OnStateChange(fn func(webrtc.PeerConnectionState))

	Close() error
}

type TransportFactory interface {
	NewTransport(ctx context.Context) (Transport, error)
}

// Subscription is a live change feed. Unsubscribe is idempotent.
type Subscription interface {
	Unsubscribe()
}

// SessionEvent is delivered for every change of a watched session document.
type SessionEvent struct {
	Session domain.Session
	Deleted bool
}

// CandidateEvent carries one appended candidate record. Key is unique within its collection.
type CandidateEvent struct {
	Key       string
	Candidate domain.Candidate
}

// SessionStore is the typed view of the session directory. Errors wrap domain.ErrNotFound for missing
// sessions and domain.ErrDirectory for every other store failure.
type SessionStore interface {
	Create(ctx context.Context) (domain.SessionID, error)
	Get(ctx context.Context, id domain.SessionID) (domain.Session, error)
	PublishOffer(ctx context.Context, id domain.SessionID, offer domain.SessionDescription) error
	// PublishAnswer fails when the session document no longer exists.
	PublishAnswer(ctx context.Context, id domain.SessionID, answer domain.SessionDescription) error
	// AppendCandidate writes to the collection owned by role.
	AppendCandidate(ctx context.Context, id domain.SessionID, role domain.Role, c domain.Candidate) error
	WatchSession(ctx context.Context, id domain.SessionID, fn func(SessionEvent)) (Subscription, error)
	// WatchCandidates delivers records appended by role, existing ones first, in write order.
	WatchCandidates(ctx context.Context, id domain.SessionID, role domain.Role, fn func(CandidateEvent)) (Subscription, error)
	// Delete removes the sessions and both of their candidate collections in one atomic batch.
	Delete(ctx context.Context, ids ...domain.SessionID) error
}

// Presenter is the UI side of the coordinator. Calls may arrive from any goroutine.
type Presenter interface {
	MediaReady()
	SessionCreated(id domain.SessionID)
	StateChanged(from, to domain.CallState)
	RemoteTrack(t RemoteTrack)
	MuteChanged(muted bool)
	ShowError(msg string)
	Reset()
}
