package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/pion/webrtc/v4"

	"github.com/fedicast/signal-relay/internal/config"
	"github.com/fedicast/signal-relay/internal/httpserver"
	"github.com/fedicast/signal-relay/internal/media"
	"github.com/fedicast/signal-relay/internal/metrics"
	"github.com/fedicast/signal-relay/internal/origin"
	"github.com/fedicast/signal-relay/internal/room"
	"github.com/fedicast/signal-relay/internal/signaling"
	"github.com/fedicast/signal-relay/internal/turncred"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	var configPath string
	fs := flag.NewFlagSet("signal-relay", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "path to a YAML config file (optional)")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		os.Exit(2)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting signal-relay",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"signaling_path", cfg.SignalingPath,
		"heartbeat_interval", cfg.HeartbeatInterval,
		"relay_urls", cfg.RelayURLs,
		"relay_time_boxed", cfg.RelaySharedSecret != "",
		"permissive_publish", cfg.PermissivePublish,
	)
	if cfg.PermissivePublish {
		logger.Warn("publish authorization is permissive: any password is accepted on the publish path")
	}

	issuer, err := turncred.New(turncred.Config{
		SubscriberSecret:  cfg.SubscriberSecret,
		PublisherSecret:   cfg.PublisherSecret,
		PermissivePublish: cfg.PermissivePublish,
		RelayURLs:         cfg.RelayURLs,
		SharedSecret:      cfg.RelaySharedSecret,
		TTL:               cfg.RelayTTL,
		IssuerTag:         cfg.RelayIssuerTag,
	})
	if err != nil {
		logger.Error("failed to configure credential issuer", "err", err)
		os.Exit(2)
	}

	// Construct the media engine early so codec misconfigurations are caught
	// on startup; no networking happens until a peer sends an offer.
	engine, err := media.NewEngine(media.Config{
		ICEServers: iceServers(cfg.RelayURLs),
	}, logger)
	if err != nil {
		logger.Error("failed to configure media engine", "err", err)
		os.Exit(2)
	}

	origins, err := origin.NewPolicy(cfg.AllowedOrigins)
	if err != nil {
		logger.Error("invalid origin policy", "err", err)
		os.Exit(2)
	}

	reg := metrics.New()
	registry := room.NewRegistry(engine, logger)
	gateway := signaling.NewServer(signaling.Config{
		Path:                 cfg.SignalingPath,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		MaxMessageBytes:      cfg.MaxMessageBytes,
		MaxMessagesPerSecond: cfg.MaxMessageRate,
		Authorizer:           issuer,
		Registry:             registry,
		Logger:               logger,
		Metrics:              reg,
		Origins:              origins,
	})

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, builtAt := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: builtAt}, gateway, reg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go gateway.Run(ctx)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, httpserver.ErrServerClosed) {
			logger.Error("http server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", "err", err)
		_ = srv.Close()
	}
	logger.Info("exited")
}

// iceServers converts the announced relay URL list into the credential-less
// ICE configuration used by server-side PeerConnections.
func iceServers(urls []string) []webrtc.ICEServer {
	if len(urls) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: urls}}
}

func resolveBuildInfo(commit, builtAt string) (string, string) {
	if commit != "" {
		return commit, builtAt
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			switch setting.Key {
			case "vcs.revision":
				commit = setting.Value
			case "vcs.time":
				if builtAt == "" {
					builtAt = setting.Value
				}
			}
		}
	}
	return commit, builtAt
}
