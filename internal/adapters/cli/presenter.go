// Package cli is the terminal front end of a peer: a Presenter that prints coordinator updates and a shell
// that turns typed commands into coordinator operations.
package cli

import (
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

// Terminal prints every update as one line. It is safe for concurrent use.
type Terminal struct {
	mu     sync.Mutex
	out    io.Writer
	prefix string
	log    zerolog.Logger

	// OnRemoteTrack, if set, receives each remote track after it is printed, e.g. to record it.
	OnRemoteTrack func(core.RemoteTrack)
}

var _ core.Presenter = (*Terminal)(nil)

// NewTerminal writes to out. A non-empty name prefixes every line, which tells peers apart in demo mode.
func NewTerminal(out io.Writer, name string) *Terminal {
	t := &Terminal{out: out, log: log.With().Str("module", "cli").Logger()}
	if name != "" {
		t.prefix = "[" + name + "] "
		t.log = t.log.With().Str("peer", name).Logger()
	}
	return t
}

func (t *Terminal) printf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := fmt.Fprintf(t.out, t.prefix+format+"\n", args...); err != nil {
		t.log.Warn().Err(err).Msg("write to terminal")
	}
}

func (t *Terminal) MediaReady() {
	t.printf("local media ready; type 'call' or 'answer <id>'")
}

func (t *Terminal) SessionCreated(id domain.SessionID) {
	t.printf("call id: %s", id)
}

func (t *Terminal) StateChanged(from, to domain.CallState) {
	t.printf("state: %s -> %s", from, to)
}

func (t *Terminal) RemoteTrack(rt core.RemoteTrack) {
	t.printf("remote %s track %s", rt.Kind(), rt.ID())
	if t.OnRemoteTrack != nil {
		t.OnRemoteTrack(rt)
	}
}

func (t *Terminal) MuteChanged(muted bool) {
	if muted {
		t.printf("microphone muted")
		return
	}
	t.printf("microphone unmuted")
}

func (t *Terminal) ShowError(msg string) {
	t.printf("error: %s", msg)
}

func (t *Terminal) Reset() {
	t.printf("idle; type 'webcam' to start again")
}
