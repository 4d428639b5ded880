package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/domain"
)

// Controller is the part of the coordinator the shell drives.
type Controller interface {
	StartMedia(ctx context.Context) error
	Call(ctx context.Context) (domain.SessionID, error)
	Answer(ctx context.Context, id domain.SessionID) error
	Hangup(ctx context.Context) error
	ToggleMute() bool
	State() domain.CallState
	Role() domain.Role
	SessionID() domain.SessionID
	Muted() bool
}

const help = `commands:
  webcam        start local camera and microphone
  call          create a call and print its id
  answer <id>   join the call with that id
  hangup        end the call
  mute          toggle the microphone
  state         show call state
  help          show this text
  quit          hang up and exit`

type Shell struct {
	ctl Controller
	in  io.Reader
	out *Terminal
}

func NewShell(ctl Controller, in io.Reader, out *Terminal) *Shell {
	return &Shell{ctl: ctl, in: in, out: out}
}

// Run reads commands until quit, end of input or ctx is done. The call is hung up before it returns.
func (s *Shell) Run(ctx context.Context) error {
	defer func() { _ = s.ctl.Hangup(context.WithoutCancel(ctx)) }()

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(s.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	s.out.printf("%s", help)
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case line := <-lines:
			if quit := s.Exec(ctx, line); quit {
				return nil
			}
		}
	}
}

// Exec runs one command line and reports whether the shell should exit. Operation failures have already
// been shown by the presenter, so they are only logged here.
func (s *Shell) Exec(ctx context.Context, line string) (quit bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	var err error
	switch cmd {
	case "webcam", "start":
		err = s.ctl.StartMedia(ctx)
	case "call":
		_, err = s.ctl.Call(ctx)
	case "answer", "join":
		var id string
		if len(args) > 0 {
			id = args[0]
		}
		err = s.ctl.Answer(ctx, domain.SessionID(id))
	case "hangup":
		err = s.ctl.Hangup(ctx)
	case "mute":
		s.ctl.ToggleMute()
	case "state":
		s.out.printf("%s", s.status())
	case "help", "?":
		s.out.printf("%s", help)
	case "quit", "exit":
		return true
	default:
		s.out.printf("unknown command %q; type 'help'", cmd)
	}
	if err != nil {
		log.Debug().Err(err).Str("module", "cli").Str("cmd", cmd).Msg("command failed")
	}
	return false
}

func (s *Shell) status() string {
	var b strings.Builder
	fmt.Fprintf(&b, "state=%s", s.ctl.State())
	if role := s.ctl.Role(); role != domain.RoleNone {
		fmt.Fprintf(&b, " role=%s", role)
	}
	if id := s.ctl.SessionID(); id != "" {
		fmt.Fprintf(&b, " call=%s", id)
	}
	fmt.Fprintf(&b, " muted=%t", s.ctl.Muted())
	return b.String()
}
