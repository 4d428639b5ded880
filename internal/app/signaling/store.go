// Package signaling maps call sessions onto directory documents:
//
//	calls/<id>                   offer, answer
//	calls/<id>/offerCandidates   caller candidates, append-only
//	calls/<id>/answerCandidates  callee candidates, append-only
package signaling

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/directory"
	"github.com/dkeye/peercall/internal/domain"
)

const (
	CallsCollection  = "calls"
	OfferCandidates  = "offerCandidates"
	AnswerCandidates = "answerCandidates"

	fieldOffer  = "offer"
	fieldAnswer = "answer"
)

// CandidateCollection names the collection a role writes its candidates to.
func CandidateCollection(role domain.Role) (string, error) {
	switch role {
	case domain.RoleCaller:
		return OfferCandidates, nil
	case domain.RoleCallee:
		return AnswerCandidates, nil
	}
	return "", fmt.Errorf("no candidate collection for role %q", role)
}

type Store struct {
	dir   directory.Directory
	calls directory.CollectionRef
	log   zerolog.Logger
}

var _ core.SessionStore = (*Store)(nil)

func NewStore(dir directory.Directory) *Store {
	return &Store{
		dir:   dir,
		calls: directory.Collection(CallsCollection),
		log:   log.With().Str("module", "signaling").Logger(),
	}
}

func (s *Store) ref(id domain.SessionID) directory.DocRef {
	return s.calls.Doc(string(id))
}

func (s *Store) candidates(id domain.SessionID, role domain.Role) (directory.CollectionRef, error) {
	name, err := CandidateCollection(role)
	if err != nil {
		return directory.CollectionRef{}, err
	}
	return s.ref(id).Collection(name), nil
}

func (s *Store) Create(ctx context.Context) (domain.SessionID, error) {
	ref, err := s.dir.Create(ctx, s.calls)
	if err != nil {
		return "", wrap("create session", err)
	}
	s.log.Debug().Str("sid", ref.ID).Msg("session created")
	return domain.SessionID(ref.ID), nil
}

func (s *Store) Get(ctx context.Context, id domain.SessionID) (domain.Session, error) {
	doc, err := s.dir.Get(ctx, s.ref(id))
	if err != nil {
		return domain.Session{}, wrap("get session", err)
	}
	return decodeSession(id, doc)
}

func decodeSession(id domain.SessionID, doc directory.Document) (domain.Session, error) {
	sess := domain.Session{ID: id}
	var offer, answer domain.SessionDescription
	ok, err := doc.Field(fieldOffer, &offer)
	if err != nil {
		return domain.Session{}, fmt.Errorf("%w: %w", domain.ErrMalformedSDP, err)
	}
	if ok {
		sess.Offer = &offer
	}
	ok, err = doc.Field(fieldAnswer, &answer)
	if err != nil {
		return domain.Session{}, fmt.Errorf("%w: %w", domain.ErrMalformedSDP, err)
	}
	if ok {
		sess.Answer = &answer
	}
	return sess, nil
}

func (s *Store) PublishOffer(ctx context.Context, id domain.SessionID, offer domain.SessionDescription) error {
	if err := s.dir.Set(ctx, s.ref(id), fieldOffer, offer); err != nil {
		return wrap("publish offer", err)
	}
	return nil
}

func (s *Store) PublishAnswer(ctx context.Context, id domain.SessionID, answer domain.SessionDescription) error {
	if err := s.dir.Update(ctx, s.ref(id), fieldAnswer, answer); err != nil {
		return wrap("publish answer", err)
	}
	return nil
}

func (s *Store) AppendCandidate(ctx context.Context, id domain.SessionID, role domain.Role, c domain.Candidate) error {
	coll, err := s.candidates(id, role)
	if err != nil {
		return err
	}
	if _, err := s.dir.Append(ctx, coll, c); err != nil {
		return wrap("append candidate", err)
	}
	return nil
}

func (s *Store) WatchSession(ctx context.Context, id domain.SessionID, fn func(core.SessionEvent)) (core.Subscription, error) {
	sub, err := s.dir.WatchDocument(ctx, s.ref(id), func(ch directory.Change) {
		if ch.Kind == directory.Removed {
			fn(core.SessionEvent{Session: domain.Session{ID: id}, Deleted: true})
			return
		}
		sess, err := decodeSession(id, ch.Doc)
		if err != nil {
			s.log.Warn().Err(err).Str("sid", string(id)).Msg("skip undecodable session change")
			return
		}
		fn(core.SessionEvent{Session: sess})
	})
	if err != nil {
		return nil, wrap("watch session", err)
	}
	return sub, nil
}

// WatchCandidates only reports additions; candidate records are never modified.
func (s *Store) WatchCandidates(ctx context.Context, id domain.SessionID, role domain.Role, fn func(core.CandidateEvent)) (core.Subscription, error) {
	coll, err := s.candidates(id, role)
	if err != nil {
		return nil, err
	}
	sub, err := s.dir.WatchCollection(ctx, coll, func(ch directory.Change) {
		if ch.Kind != directory.Added {
			return
		}
		var c domain.Candidate
		if err := ch.Doc.Decode(&c); err != nil || c.Candidate == "" {
			s.log.Warn().Err(err).Str("sid", string(id)).Str("key", ch.Doc.Ref.ID).Msg("skip malformed candidate")
			return
		}
		fn(core.CandidateEvent{Key: ch.Doc.Ref.ID, Candidate: c})
	})
	if err != nil {
		return nil, wrap("watch candidates", err)
	}
	return sub, nil
}

// Delete gathers every candidate record of the given sessions and removes them together with the
// session documents in one batch.
func (s *Store) Delete(ctx context.Context, ids ...domain.SessionID) error {
	if len(ids) == 0 {
		return nil
	}
	var refs []directory.DocRef
	for _, id := range ids {
		for _, name := range []string{OfferCandidates, AnswerCandidates} {
			docs, err := s.dir.List(ctx, s.ref(id).Collection(name))
			if err != nil {
				return wrap("list candidates", err)
			}
			for _, d := range docs {
				refs = append(refs, d.Ref)
			}
		}
		refs = append(refs, s.ref(id))
	}
	if err := s.dir.BatchDelete(ctx, refs); err != nil {
		return wrap("delete session", err)
	}
	s.log.Debug().Int("sessions", len(ids)).Int("refs", len(refs)).Msg("sessions deleted")
	return nil
}

func wrap(op string, err error) error {
	if errors.Is(err, directory.ErrNotFound) {
		return fmt.Errorf("%s: %w: %w", op, domain.ErrNotFound, err)
	}
	return fmt.Errorf("%s: %w: %w", op, domain.ErrDirectory, err)
}
