package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/dkeye/peercall/internal/adapters/cli"
	"github.com/dkeye/peercall/internal/adapters/media"
	"github.com/dkeye/peercall/internal/adapters/rtc"
	"github.com/dkeye/peercall/internal/app/orch"
	"github.com/dkeye/peercall/internal/app/signaling"
	"github.com/dkeye/peercall/internal/config"
	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/directory/backend"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// stdout belongs to the terminal UI; logs go to stderr.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	fs := pflag.NewFlagSet("peer", pflag.ExitOnError)
	config.RegisterFlags(fs)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: peer [flags] [demo]\n\n")
		fs.PrintDefaults()
	}
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.Load(fs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	zerolog.SetGlobalLevel(cfg.Level())

	switch fs.Arg(0) {
	case "":
		err = runInteractive(ctx, cfg)
	case "demo":
		err = runDemo(ctx, cfg, fs.Changed("backend"))
	default:
		fs.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.Error().Err(err).Msg("peer stopped")
		os.Exit(1)
	}
}

func runInteractive(ctx context.Context, cfg *config.Config) error {
	dir, err := backend.Open(ctx, cfg.Directory)
	if err != nil {
		return err
	}
	defer dir.Close()

	term := cli.NewTerminal(os.Stdout, "")
	coord, err := newPeer(cfg, signaling.NewStore(dir), term)
	if err != nil {
		return err
	}
	return cli.NewShell(coord, os.Stdin, term).Run(ctx)
}

// newPeer wires a coordinator from configuration. Remote media is recorded when a record dir is set.
func newPeer(cfg *config.Config, store core.SessionStore, term *cli.Terminal, extra ...orch.Option) (*orch.Coordinator, error) {
	src, configure, err := mediaSource(cfg.Media)
	if err != nil {
		return nil, err
	}
	settings := rtc.SettingsFromConfig(cfg.WebRTC)
	settings.ConfigureMedia = configure
	settings.Logger = rtc.LoggerFactory{Verbose: cfg.Level() <= zerolog.TraceLevel}
	factory, err := rtc.NewFactory(settings)
	if err != nil {
		return nil, err
	}

	if cfg.Media.RecordDir != "" {
		rec, err := media.NewRecorder(cfg.Media.RecordDir)
		if err != nil {
			return nil, err
		}
		term.OnRemoteTrack = func(t core.RemoteTrack) {
			if _, err := rec.Attach(t); err != nil {
				log.Warn().Err(err).Str("module", "peer").Str("track", t.ID()).Msg("not recording track")
			}
		}
	}

	opts := append([]orch.Option{
		orch.WithConstraints(core.Constraints{Audio: cfg.Media.Audio, Video: cfg.Media.Video}),
	}, extra...)
	return orch.NewCoordinator(src, factory, store, term, opts...), nil
}

func mediaSource(cfg config.MediaConfig) (core.MediaSource, func(*webrtc.MediaEngine) error, error) {
	switch cfg.Source {
	case "synthetic":
		return media.NewSynthetic(), nil, nil
	case "file":
		return media.NewFile(cfg.VideoFile, cfg.AudioFile), nil, nil
	case "devices":
		d, err := media.NewDevices()
		if err != nil {
			return nil, nil, err
		}
		return d, d.ConfigureMedia, nil
	}
	return nil, nil, fmt.Errorf("unknown media source %q", cfg.Source)
}
