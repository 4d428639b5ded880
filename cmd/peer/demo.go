package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dkeye/peercall/internal/adapters/cli"
	appmedia "github.com/dkeye/peercall/internal/app/media"
	"github.com/dkeye/peercall/internal/app/orch"
	"github.com/dkeye/peercall/internal/app/signaling"
	"github.com/dkeye/peercall/internal/config"
	"github.com/dkeye/peercall/internal/directory"
	"github.com/dkeye/peercall/internal/directory/backend"
	"github.com/dkeye/peercall/internal/domain"
)

const (
	demoConnectTimeout = 30 * time.Second
	demoTalkTime       = 3 * time.Second
)

// runDemo calls between two coordinators in this process. The directory is in memory unless a backend was
// chosen explicitly.
func runDemo(ctx context.Context, cfg *config.Config, explicitBackend bool) error {
	var (
		dir directory.Directory
		err error
	)
	if explicitBackend {
		dir, err = backend.Open(ctx, cfg.Directory)
		if err != nil {
			return err
		}
	} else {
		dir = directory.NewMemory()
	}
	defer dir.Close()
	store := signaling.NewStore(dir)

	alice, err := newPeer(cfg, store, cli.NewTerminal(os.Stdout, "alice"))
	if err != nil {
		return err
	}
	bob, err := newPeer(cfg, store, cli.NewTerminal(os.Stdout, "bob"))
	if err != nil {
		return err
	}
	defer func() {
		cleanup := context.WithoutCancel(ctx)
		_ = alice.Hangup(cleanup)
		_ = bob.Hangup(cleanup)
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return alice.StartMedia(gctx) })
	g.Go(func() error { return bob.StartMedia(gctx) })
	if err := g.Wait(); err != nil {
		return err
	}

	id, err := alice.Call(ctx)
	if err != nil {
		return err
	}
	if err := bob.Answer(ctx, id); err != nil {
		return err
	}

	for _, p := range []*orch.Coordinator{alice, bob} {
		if err := waitState(ctx, p, domain.StateConnected, demoConnectTimeout); err != nil {
			return err
		}
	}

	select {
	case <-ctx.Done():
		return nil
	case <-time.After(demoTalkTime):
	}
	for name, p := range map[string]*orch.Coordinator{"alice": alice, "bob": bob} {
		for _, t := range p.RemoteTracks() {
			if rt, ok := t.(*appmedia.RemoteTrack); ok {
				fmt.Printf("[%s] received %d packets on %s (%s)\n", name, rt.Packets(), rt.ID(), rt.MimeType())
			}
		}
	}

	if err := alice.Hangup(ctx); err != nil {
		return err
	}
	return waitState(ctx, bob, domain.StateIdle, demoConnectTimeout)
}

func waitState(ctx context.Context, c *orch.Coordinator, want domain.CallState, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		if c.State() == want {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s, still %s: %w", want, c.State(), ctx.Err())
		case <-tick.C:
		}
	}
}
