// Command roomcast is the CLI front-end for the streaming core: a
// `server` subcommand runs the source-side scheduler, `client` runs a
// sink session against a source, `devices` lists the (stub) capture/
// playback shims available, and `info` dumps the tuning constants.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"roomcast"
	"roomcast/pcm"
	"roomcast/sink"
	"roomcast/source"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "server":
		err = runServer(ctx, logger, os.Args[2:])
	case "client":
		err = runClient(ctx, logger, os.Args[2:])
	case "devices":
		runDevices()
	case "info":
		runInfo()
	default:
		usage()
		os.Exit(1)
	}

	if err != nil && ctx.Err() == nil {
		logger.Error("roomcast exited with error", "error", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: roomcast <server|client|devices|info> [flags]")
}

func sessionFormat() pcm.Format {
	return pcm.Format{
		SampleRate: roomcast.SampleRate,
		Channels:   roomcast.Channels,
		BitDepth:   roomcast.BitDepth,
		ChunkMs:    roomcast.ChunkDurationMs,
	}
}

func runServer(ctx context.Context, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", "", "path to an optional YAML config override")
	addr := fs.String("addr", "", "listen address (overrides config port)")
	toneHz := fs.Float64("tone-hz", 440, "frequency of the synthesized test tone")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := roomcast.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	listenAddr := *addr
	if listenAddr == "" {
		listenAddr = fmt.Sprintf(":%d", cfg.Port)
	}

	format := sessionFormat()
	cap := newToneCapture(format, *toneHz)
	sched := source.NewScheduler(logger, cap, format)

	logger.Info("starting source", "addr", listenAddr, "tone_hz", *toneHz)
	return sched.ListenAndServe(ctx, listenAddr)
}

func runClient(ctx context.Context, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("client", flag.ExitOnError)
	configPath := fs.String("config", "", "path to an optional YAML config override")
	url := fs.String("url", "", "source URL (ws://host:port) (overrides config server_url)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := roomcast.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	serverURL := *url
	if serverURL == "" {
		serverURL = cfg.ServerURL
	}
	if serverURL == "" {
		return fmt.Errorf("no server URL given (use -url or config server_url)")
	}

	format := sessionFormat()
	pb := discardPlayback{}
	sess := sink.NewSession(logger, pb, format, float64(cfg.TargetBufferMs), float64(cfg.MaxBufferMs))

	logger.Info("connecting to source", "url", serverURL)
	return sess.Connect(ctx, serverURL)
}

func runDevices() {
	fmt.Println("capture devices:")
	fmt.Println("  tone      deterministic sine-wave generator (default for `server`)")
	fmt.Println("playback devices:")
	fmt.Println("  discard   drops every frame (default for `client`)")
	fmt.Println()
	fmt.Println("real platform audio capture/playback is outside this module's scope;")
	fmt.Println("wire a source.Capture / sink.Playback implementation to use real devices.")
}

func runInfo() {
	for k, v := range roomcast.InfoTable() {
		fmt.Printf("%-20s %v\n", k, v)
	}
}
