// Command acoustictun is the CLI front end for the acoustic link: the
// sender/receiver/monitor menu of spec §6, wired from flags (or a JSON
// config file) down through the audio, FEC, transport, session, and
// bridge layers.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/xtaci/acoustictun/internal/applog"
	"github.com/xtaci/acoustictun/internal/audio"
	"github.com/xtaci/acoustictun/internal/bridge"
	"github.com/xtaci/acoustictun/internal/config"
	"github.com/xtaci/acoustictun/internal/fec"
	logsummary "github.com/xtaci/acoustictun/internal/log"
	"github.com/xtaci/acoustictun/internal/session"
	"github.com/xtaci/acoustictun/internal/stream"
	"github.com/xtaci/acoustictun/internal/transceiver"
)

// VERSION is injected by buildflags.
var VERSION = "SELFBUILD"

func main() {
	defaults := config.Default()

	myApp := cli.NewApp()
	myApp.Name = "acoustictun"
	myApp.Usage = "peer-to-peer data transport over an acoustic link"
	myApp.Version = VERSION
	myApp.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "mode",
			Value: defaults.Mode,
			Usage: "sender, receiver, monitor",
		},
		cli.StringFlag{
			Name:   "label",
			Usage:  "human-readable tag shown next to this session's fingerprint",
			EnvVar: "ACOUSTICTUN_KEY",
		},
		cli.BoolFlag{
			Name:  "demo",
			Usage: "run a sender and receiver in this one process over an in-memory medium, no audio hardware required",
		},
		cli.IntFlag{
			Name:  "frame-samples",
			Value: defaults.FrameSamples,
			Usage: "samples per device read/write call",
		},
		cli.IntFlag{
			Name:  "volume",
			Value: defaults.Volume,
			Usage: "modem playback volume, 0-100",
		},
		cli.IntFlag{
			Name:  "resend-timeout",
			Value: defaults.ResendTimeoutMS,
			Usage: "write_insecure resend timeout, in milliseconds",
		},
		cli.IntFlag{
			Name:  "abort-retries",
			Value: defaults.AbortRetries,
			Usage: "write_insecure resend attempts before aborting",
		},
		cli.IntFlag{
			Name:  "abort-timeout",
			Value: defaults.AbortTimeoutMS,
			Usage: "read_insecure abort timeout, in milliseconds",
		},
		cli.IntFlag{
			Name:  "reconnect-interval",
			Value: defaults.ReconnectIntervalMS,
			Usage: "handshake SYN retry interval, in milliseconds",
		},
		cli.IntFlag{
			Name:  "handshake-retries",
			Value: defaults.HandshakeRetries,
			Usage: "handshake restart attempts before giving up",
		},
		cli.IntFlag{
			Name:  "initiator-window-lo",
			Value: defaults.InitiatorWindowLoMS,
			Usage: "initiator's send-window start, offset into each second, in milliseconds",
		},
		cli.IntFlag{
			Name:  "initiator-window-hi",
			Value: defaults.InitiatorWindowHiMS,
			Usage: "initiator's send-window end, offset into each second, in milliseconds",
		},
		cli.IntFlag{
			Name:  "responder-window-lo",
			Value: defaults.ResponderWindowLoMS,
			Usage: "responder's send-window start, offset into each second, in milliseconds",
		},
		cli.IntFlag{
			Name:  "responder-window-hi",
			Value: defaults.ResponderWindowHiMS,
			Usage: "responder's send-window end, offset into each second, in milliseconds",
		},
		cli.IntFlag{
			Name:  "max-receiving-time",
			Value: defaults.MaxReceivingTimeMS,
			Usage: "force-stop an in-progress decode stuck longer than this, in milliseconds",
		},
		cli.IntFlag{
			Name:  "post-decode-settle",
			Value: defaults.PostDecodeSettleMS,
			Usage: "pause after a successful decode before resuming the read loop, in milliseconds",
		},
		cli.IntFlag{
			Name:  "chunk-size",
			Value: defaults.ChunkSize,
			Usage: "session payload chunk size, in bytes",
		},
		cli.IntFlag{
			Name:  "receive-timeout",
			Value: defaults.ReceiveTimeoutMS,
			Usage: "how long bridge.Receive waits for one message, in milliseconds",
		},
		cli.StringFlag{
			Name:  "log-level",
			Value: defaults.LogLevel,
			Usage: "error, warning, info, verbose, debug",
		},
		cli.StringFlag{
			Name:  "log-file",
			Usage: "redirect logs to this file instead of stderr",
		},
		cli.BoolFlag{
			Name:  "disable-log",
			Usage: "silence everything but errors",
		},
		cli.StringFlag{
			Name:  "c",
			Usage: "JSON config file overriding the flags above",
		},
	}

	myApp.Action = run

	if err := myApp.Run(os.Args); err != nil {
		checkError(err)
	}
}

func run(c *cli.Context) error {
	cfg := config.Default()
	cfg.Mode = c.String("mode")
	cfg.Label = c.String("label")
	cfg.FrameSamples = c.Int("frame-samples")
	cfg.Volume = c.Int("volume")
	cfg.ResendTimeoutMS = c.Int("resend-timeout")
	cfg.AbortRetries = c.Int("abort-retries")
	cfg.AbortTimeoutMS = c.Int("abort-timeout")
	cfg.ReconnectIntervalMS = c.Int("reconnect-interval")
	cfg.HandshakeRetries = c.Int("handshake-retries")
	cfg.InitiatorWindowLoMS = c.Int("initiator-window-lo")
	cfg.InitiatorWindowHiMS = c.Int("initiator-window-hi")
	cfg.ResponderWindowLoMS = c.Int("responder-window-lo")
	cfg.ResponderWindowHiMS = c.Int("responder-window-hi")
	cfg.MaxReceivingTimeMS = c.Int("max-receiving-time")
	cfg.PostDecodeSettleMS = c.Int("post-decode-settle")
	cfg.ChunkSize = c.Int("chunk-size")
	cfg.ReceiveTimeoutMS = c.Int("receive-timeout")
	cfg.LogLevel = c.String("log-level")
	cfg.LogFile = c.String("log-file")
	cfg.DisableLog = c.Bool("disable-log")

	if path := c.String("c"); path != "" {
		loaded, err := config.LoadJSON(path)
		if err != nil {
			return errors.Wrap(err, "load JSON config")
		}
		cfg = loaded
	}

	logger, closeLog, err := buildLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	demo := c.Bool("demo")

	switch config.Mode(cfg.Mode) {
	case config.ModeMonitor:
		return runMonitor(ctx, cfg, logger)
	case config.ModeSender:
		if demo {
			return runDemo(ctx, cfg, logger)
		}
		return runPeer(ctx, cfg, logger, transceiver.Initiator)
	case config.ModeReceiver:
		if demo {
			return runDemo(ctx, cfg, logger)
		}
		return runPeer(ctx, cfg, logger, transceiver.Responder)
	default:
		return fmt.Errorf("acoustictun: unknown mode %q", cfg.Mode)
	}
}

func buildLogger(cfg config.Config) (*applog.Logger, func(), error) {
	if cfg.DisableLog {
		return applog.Discard(), func() {}, nil
	}
	if cfg.LogFile == "" {
		return applog.New(os.Stderr, cfg.LogLevel), func() {}, nil
	}

	f, err := os.OpenFile(cfg.LogFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		return nil, nil, errors.Wrap(err, "open log file")
	}
	return applog.New(f, cfg.LogLevel), func() { f.Close() }, nil
}

func linkConfig(cfg config.Config) transceiver.LinkConfig {
	return transceiver.LinkConfig{
		FrameSamples:       cfg.FrameSamples,
		Volume:             cfg.Volume,
		PostDecodeSettle:   cfg.PostDecodeSettle(),
		MaxReceivingTime:   cfg.MaxReceivingTime(),
		InitiatorWindowLo:  cfg.InitiatorWindowLo(),
		InitiatorWindowHi:  cfg.InitiatorWindowHi(),
		ResponderWindowLo:  cfg.ResponderWindowLo(),
		ResponderWindowHi:  cfg.ResponderWindowHi(),
		SilenceBetweenTurn: transceiver.DefaultLinkConfig().SilenceBetweenTurn,
	}
}

func sessionConfig(cfg config.Config) session.Config {
	return session.Config{
		ChunkSize:            cfg.ChunkSize,
		ResendTimeout:        cfg.ResendTimeout(),
		AbortRetries:         cfg.AbortRetries,
		AbortTimeout:         cfg.AbortTimeout(),
		HandshakeReadTimeout: cfg.AbortTimeout(),
	}
}

// runPeer wires one side of the link against a real (or stub) hardware
// Device and runs either the sender's prompt loop or the receiver's
// print loop, depending on role.
func runPeer(ctx context.Context, cfg config.Config, logger *applog.Logger, role transceiver.Role) error {
	device, err := audio.OpenDevice(cfg.FrameSamples)
	if err != nil {
		return errors.Wrap(err, "open audio device")
	}
	defer device.Close()

	return runOnDevice(ctx, cfg, logger, role, device)
}

// runDemo wires a sender and a receiver together in this one process
// over an in-memory Medium, so the full stack can be exercised without
// audio hardware — the same role the teacher's loopback-oriented tests
// play, surfaced here as an actual CLI mode.
func runDemo(ctx context.Context, cfg config.Config, logger *applog.Logger) error {
	medium := audio.NewMedium()

	errs := make(chan error, 2)
	go func() { errs <- runOnDevice(ctx, cfg, logger.With("side", "sender"), transceiver.Initiator, medium.EndpointA()) }()
	go func() { errs <- runOnDevice(ctx, cfg, logger.With("side", "receiver"), transceiver.Responder, medium.EndpointB()) }()

	var first error
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil && first == nil {
			first = err
		}
	}
	return first
}

func runOnDevice(ctx context.Context, cfg config.Config, logger *applog.Logger, role transceiver.Role, device audio.Device) error {
	sess, linkDone, err := establishSession(ctx, cfg, logger, role, device)
	if err != nil {
		return err
	}

	label := cfg.Label
	if label == "" {
		label = "(unlabeled)"
	}
	color.Cyan("session established: label=%s my_fingerprint=%s peer_fingerprint=%s", label, sess.MyFingerprint, sess.PeerFingerprint)
	logger.Info("session established", "my_fingerprint", sess.MyFingerprint, "peer_fingerprint", sess.PeerFingerprint)

	br := bridge.New(sess, logger)

	switch role {
	case transceiver.Initiator:
		err = senderLoop(ctx, br)
	case transceiver.Responder:
		err = receiverLoop(ctx, br, cfg.ReceiveTimeout())
	}

	<-linkDone
	return err
}

// establishSession wires a Device into the full stack (component A-E)
// and runs the handshake and key exchange, returning a ready-to-use
// Session. Split out of runOnDevice so the wiring itself — the part
// that doesn't touch a terminal — can be exercised directly in tests.
func establishSession(ctx context.Context, cfg config.Config, logger *applog.Logger, role transceiver.Role, device audio.Device) (*session.Session, <-chan struct{}, error) {
	modem := audio.NewPassthroughModem()

	codec, err := fec.New()
	if err != nil {
		return nil, nil, errors.Wrap(err, "build FEC codec")
	}

	s := stream.New(stream.Read, logger)
	tc := transceiver.New(s, logger)

	link := transceiver.NewLink(device, modem, codec, s, role, linkConfig(cfg), logger)
	linkDone := make(chan struct{})
	go func() { link.Run(ctx); close(linkDone) }()

	if role == transceiver.Initiator {
		if err := tc.ConnectInitSender(ctx, cfg.ReconnectInterval(), cfg.HandshakeRetries); err != nil {
			return nil, nil, errors.Wrap(err, "handshake")
		}
	} else {
		if err := tc.ConnectInitReceiver(ctx, cfg.ReconnectInterval(), cfg.HandshakeRetries); err != nil {
			return nil, nil, errors.Wrap(err, "handshake")
		}
	}

	sess := session.New(tc, role, sessionConfig(cfg), logger)
	if err := sess.Establish(ctx); err != nil {
		return nil, nil, errors.Wrap(err, "session establish")
	}

	return sess, linkDone, nil
}

// senderLoop prompts for a line of text (or "/file <path>" to send a
// file) and sends it, repeating until stdin closes or ctx is done (spec
// §6: "sender prompts for text to send").
func senderLoop(ctx context.Context, br *bridge.Bridge) error {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		line := scanner.Text()
		if line == "" {
			continue
		}

		if path, ok := strings.CutPrefix(line, "/file "); ok {
			contents, err := os.ReadFile(strings.TrimSpace(path))
			if err != nil {
				color.Red("read %s: %v", path, err)
				continue
			}
			if err := br.SendFile(ctx, contents); err != nil {
				color.Red("send file: %v", err)
				continue
			}
			color.Green("sent file %s (%d bytes)", filepath.Base(path), len(contents))
			continue
		}

		if err := br.SendText(ctx, line); err != nil {
			color.Red("send text: %v", err)
			continue
		}
	}
	return scanner.Err()
}

// receiverLoop waits for incoming messages and prints decoded UTF-8 or
// hex (spec §6: "receiver waits for incoming messages and prints
// decoded UTF-8 or hex"), looping past per-call timeouts rather than
// exiting on them.
func receiverLoop(ctx context.Context, br *bridge.Bridge, timeout time.Duration) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		got, err := br.Receive(ctx, timeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			color.Yellow("receive: %v", err)
			continue
		}

		if got.IsText {
			fmt.Printf("[%s] %s\n", got.Kind, string(got.Data))
		} else {
			fmt.Printf("[%s, %d bytes, hex] %s\n", got.Kind, len(got.Data), got.HexView)
		}
	}
}

// runMonitor reports basic signal presence rather than the original's
// FFT visualization (spec §6 names FFT visualization non-core). If
// --log-file is set it instead summarizes that file's ERROR/WARNING
// activity and exits, the way the original's do_log_parsing.py dev
// script did against a raw session log.
func runMonitor(ctx context.Context, cfg config.Config, logger *applog.Logger) error {
	if cfg.LogFile != "" {
		summary, err := logsummary.Summarize(cfg.LogFile)
		if err != nil {
			return errors.Wrap(err, "summarize log file")
		}
		fmt.Printf("%s: %d lines, %d warnings, %d errors\n", cfg.LogFile, summary.Lines, summary.Warnings, summary.Errors)
		return nil
	}

	device, err := audio.OpenDevice(cfg.FrameSamples)
	if err != nil {
		return errors.Wrap(err, "open audio device")
	}
	defer device.Close()

	modem := audio.NewPassthroughModem()
	wasReceiving := false

	for ctx.Err() == nil {
		samples, err := device.ReadSamples(ctx, cfg.FrameSamples)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "read samples")
		}

		if chunk := modem.Decode(samples); chunk != nil {
			logger.Info("monitor: decoded chunk", "bytes", len(chunk))
		}

		if receiving := modem.IsReceiving(); receiving != wasReceiving {
			if receiving {
				color.Cyan("monitor: signal detected")
			} else {
				color.Cyan("monitor: idle")
			}
			wasReceiving = receiving
		}
	}
	return ctx.Err()
}

func checkError(err error) {
	fmt.Fprintf(os.Stderr, "%+v\n", err)
	os.Exit(-1)
}
