package watch

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/app"
	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/directory"
	"github.com/dkeye/peercall/internal/directory/wire"
)

func (ctl *Controller) handleSubscribe(ctx context.Context, id core.ConnID, c *WsFeedConn, f wire.ClientFrame) {
	if f.ID == "" {
		ctl.sendError(id, c, "", wire.Error{Code: wire.CodeBadRequest, Message: "subscription id required"})
		return
	}
	if err := ctl.Registry.Reserve(id, f.ID); err != nil {
		ctl.sendError(id, c, f.ID, registryError(err))
		return
	}

	subID := f.ID
	deliver := func(ch directory.Change) {
		wc := wire.FromChange(ch)
		ctl.send(id, c, wire.ServerFrame{Type: wire.TypeChange, ID: subID, Change: &wc})
	}

	var (
		sub directory.Subscription
		err error
	)
	switch f.Target {
	case wire.TargetDocument:
		var ref directory.DocRef
		if ref, err = directory.ParseDoc(f.Path); err == nil {
			sub, err = ctl.Dir.WatchDocument(ctx, ref, deliver)
		}
	case wire.TargetCollection:
		var coll directory.CollectionRef
		if coll, err = directory.ParseCollection(f.Path); err == nil {
			sub, err = ctl.Dir.WatchCollection(ctx, coll, deliver)
		}
	default:
		ctl.sendError(id, c, subID, wire.Error{Code: wire.CodeBadRequest, Message: "unknown target " + f.Target})
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("module", "watch").Str("conn", string(id)).Str("path", f.Path).Msg("subscribe failed")
		ctl.sendError(id, c, subID, wire.NewError(err))
		return
	}
	if err := ctl.Registry.AddSubscription(id, subID, sub); err != nil {
		ctl.sendError(id, c, subID, registryError(err))
		return
	}
	log.Debug().Str("module", "watch").Str("conn", string(id)).Str("sub", subID).Str("path", f.Path).Msg("subscribed")
	ctl.send(id, c, wire.ServerFrame{Type: wire.TypeSubscribed, ID: subID})
}

func (ctl *Controller) handleUnsubscribe(id core.ConnID, f wire.ClientFrame) {
	if !ctl.Registry.RemoveSubscription(id, f.ID) {
		log.Debug().Str("module", "watch").Str("conn", string(id)).Str("sub", f.ID).Msg("unsubscribe of unknown subscription")
	}
}

func (ctl *Controller) handlePing(id core.ConnID, c *WsFeedConn) {
	ctl.send(id, c, wire.ServerFrame{Type: wire.TypePong})
}

func registryError(err error) wire.Error {
	if errors.Is(err, app.ErrDuplicateSub) || errors.Is(err, app.ErrTooManyWatchers) {
		return wire.Error{Code: wire.CodeBadRequest, Message: err.Error()}
	}
	return wire.NewError(err)
}
