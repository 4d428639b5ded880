// Package media holds the track aggregates the coordinator owns: gated local tracks, remote tracks that
// fan packets out to sinks, and the Stream set that groups either.
package media

import (
	"slices"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Track is the part of core.LocalTrack and core.RemoteTrack a Stream needs.
type Track interface {
	ID() string
	Kind() webrtc.RTPCodecType
	Stop()
}

// Stream is an ordered set of tracks keyed by id.
type Stream[T Track] struct {
	mu     sync.RWMutex
	order  []string
	tracks map[string]T
}

func NewStream[T Track](tracks ...T) *Stream[T] {
	s := &Stream[T]{tracks: make(map[string]T)}
	for _, t := range tracks {
		s.Add(t)
	}
	return s
}

// Add inserts t. A track already present with the same id is stopped and replaced in place.
func (s *Stream[T]) Add(t T) {
	s.mu.Lock()
	old, ok := s.tracks[t.ID()]
	s.tracks[t.ID()] = t
	if !ok {
		s.order = append(s.order, t.ID())
	}
	s.mu.Unlock()
	if ok {
		log.Debug().Str("module", "media.stream").Str("track", t.ID()).Msg("replacing track")
		old.Stop()
	}
}

func (s *Stream[T]) Tracks() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]T, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.tracks[id])
	}
	return out
}

func (s *Stream[T]) OfKind(kind webrtc.RTPCodecType) []T {
	all := s.Tracks()
	return slices.DeleteFunc(all, func(t T) bool { return t.Kind() != kind })
}

func (s *Stream[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Stop stops every track and empties the stream.
func (s *Stream[T]) Stop() {
	s.mu.Lock()
	tracks := make([]T, 0, len(s.order))
	for _, id := range s.order {
		tracks = append(tracks, s.tracks[id])
	}
	s.order = nil
	s.tracks = make(map[string]T)
	s.mu.Unlock()
	for _, t := range tracks {
		t.Stop()
	}
}
