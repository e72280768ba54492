package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"cartbridge/internal/config"
	"cartbridge/internal/fetch"
	"cartbridge/internal/hostcmd"
	"cartbridge/internal/httpd"
	"cartbridge/internal/transfer"
	"cartbridge/internal/version"
)

// pollInterval paces the main loop servicing the host command mailbox
// and the download engine, the Go rendition of the firmware's
// cooperative manager loop.
const pollInterval = 100 * time.Millisecond

func main() {
	var configPath string
	var showVersion bool
	var logLevel string

	flag.StringVar(&configPath, "config", "", "Path to config json file (defaults used when empty)")
	flag.BoolVar(&showVersion, "version", false, "Print version information and exit")
	flag.StringVar(&logLevel, "log-level", "", "Override configured log level (trace, debug, info, warn, error)")
	flag.Parse()

	if showVersion {
		fmt.Println(version.Get().String())
		return
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		With().Timestamp().Logger()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", configPath).Msg("load config")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	level := cfg.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	if lv, err := zerolog.ParseLevel(level); err == nil && level != "" {
		log = log.Level(lv)
	}

	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		log.Fatal().Err(err).Str("root", cfg.Root).Msg("create storage root")
	}
	rootAbs, err := filepath.Abs(cfg.Root)
	if err != nil {
		log.Fatal().Err(err).Str("root", cfg.Root).Msg("resolve storage root")
	}

	transfers := transfer.NewManager(log, cfg.UploadChunkSize, cfg.DownloadChunkSize)
	fetcher := fetch.NewEngine(log, rootAbs, cfg.MaxPath, cfg.MaxName,
		time.Duration(cfg.FetchStartDelaySec)*time.Second)

	srv, err := httpd.New(cfg, log, transfers, fetcher)
	if err != nil {
		log.Fatal().Err(err).Msg("server setup")
	}

	shared := hostcmd.NewSharedMemory()
	decoder := hostcmd.NewDecoder(log, shared, func() {
		log.Info().Msg("host requested mode switch")
	})
	decoder.Init()

	log.Info().
		Str("version", version.Get().String()).
		Str("listen", cfg.Listen).
		Str("root", srv.Root()).
		Msg("cartbridge manager starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv.StartMaintenance(ctx)
	srv.StartDiscovery()
	startBusFrontend(log, cfg.BusListen, decoder)

	// Bind first so a bad listen address fails early, then serve.
	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		log.Fatal().Err(err).Str("listen", cfg.Listen).Msg("listen failed")
	}
	go func() {
		err := http.Serve(ln, srv.Handler())
		// The listener is closed deliberately on mode switch.
		if err != nil && !errors.Is(err, net.ErrClosed) {
			log.Fatal().Err(err).Msg("http serve")
		}
	}()

	// Main poll loop: consume host commands and drive the download
	// engine until a mode switch is requested.
	t := time.NewTicker(pollInterval)
	defer t.Stop()
	for range t.C {
		decoder.Poll()
		fetcher.Tick()
		if decoder.RestartRequested() {
			break
		}
	}

	_ = ln.Close()
	if err := runHandoff(log, cfg.HandoffCommand); err != nil {
		log.Error().Err(err).Msg("handoff command failed")
		os.Exit(1)
	}
}

// startBusFrontend listens for captured bus addresses from the bridge
// hardware glue: datagrams of 32-bit little-endian addresses, fed to
// the decoder in order. This stands in for the DMA interrupt path.
func startBusFrontend(log zerolog.Logger, listen string, decoder *hostcmd.Decoder) {
	if strings.TrimSpace(listen) == "" {
		return
	}
	addr, err := net.ResolveUDPAddr("udp", listen)
	if err != nil {
		log.Warn().Err(err).Str("addr", listen).Msg("bus frontend address invalid")
		return
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		log.Warn().Err(err).Str("addr", listen).Msg("bus frontend listen failed")
		return
	}
	log.Info().Str("addr", listen).Msg("bus frontend listening")
	go func() {
		buf := make([]byte, 2048)
		for {
			n, _, err := conn.ReadFromUDP(buf)
			if err != nil {
				log.Warn().Err(err).Msg("bus frontend read error")
				continue
			}
			for off := 0; off+4 <= n; off += 4 {
				addr := uint32(buf[off]) | uint32(buf[off+1])<<8 |
					uint32(buf[off+2])<<16 | uint32(buf[off+3])<<24
				decoder.HandleBusAddress(addr)
			}
		}
	}()
}

// runHandoff executes the configured mode-switch command, the stand-in
// for the firmware jumping into the next boot image.
func runHandoff(log zerolog.Logger, command string) error {
	command = strings.TrimSpace(command)
	if command == "" {
		log.Info().Msg("no handoff command configured, exiting")
		return nil
	}
	log.Info().Str("command", command).Msg("running handoff command")
	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
