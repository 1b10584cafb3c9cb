// Command tentacle-node runs a peer that keeps secure multiplexed sessions
// with other nodes.
//
// The node listens for inbound sessions, keeps its bootnodes connected,
// optionally finds peers on the local network over mDNS, and runs the
// ping protocol and a line-based chat protocol on every session.
//
// Usage:
//
//	tentacle-node [flags]
//
// Flags:
//
//	-config string        Configuration file path (YAML)
//	-listen string        Listen address (overrides config)
//	-key string           Identity key file (overrides config)
//	-bootnode value       Bootnode peer@host:port (repeatable)
//	-mdns                 Enable mDNS discovery
//	-protocol-log string  Write protocol events to this file
//	-log-level string     Log level: debug, info, warn, error
//	-interactive          Start the interactive console
//	-print-config         Print the effective configuration and exit
//
// Metrics are kept in memory and dumped to stderr on SIGUSR1.
//
// Examples:
//
//	# Start a node with the default configuration
//	tentacle-node -listen :1337
//
//	# Join a network through a known node
//	tentacle-node -listen :1338 -bootnode 3f1c...e9@10.0.0.7:1337 -interactive
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tentacle-p2p/tentacle-go/cmd/tentacle-node/interactive"
	"github.com/tentacle-p2p/tentacle-go/pkg/config"
	"github.com/tentacle-p2p/tentacle-go/pkg/log"
	"github.com/tentacle-p2p/tentacle-go/pkg/secio"
)

// Flags holds command-line overrides.
type Flags struct {
	ConfigFile  string
	Listen      string
	KeyFile     string
	Bootnodes   []string
	MDNS        bool
	ProtocolLog string
	LogLevel    string
	Interactive bool
	PrintConfig bool
}

var flags Flags

func init() {
	flag.StringVar(&flags.ConfigFile, "config", "", "Configuration file path (YAML)")
	flag.StringVar(&flags.Listen, "listen", "", "Listen address (overrides config)")
	flag.StringVar(&flags.KeyFile, "key", "", "Identity key file (overrides config)")
	flag.Func("bootnode", "Bootnode peer@host:port or host:port (repeatable)", func(s string) error {
		if _, err := config.ParseBootnode(s); err != nil {
			return err
		}
		flags.Bootnodes = append(flags.Bootnodes, s)
		return nil
	})
	flag.BoolVar(&flags.MDNS, "mdns", false, "Enable mDNS discovery")
	flag.StringVar(&flags.ProtocolLog, "protocol-log", "", "Write protocol events to this file")
	flag.StringVar(&flags.LogLevel, "log-level", "", "Log level: debug, info, warn, error")
	flag.BoolVar(&flags.Interactive, "interactive", false, "Start the interactive console")
	flag.BoolVar(&flags.PrintConfig, "print-config", false, "Print the effective configuration and exit")
}

func main() {
	flag.Parse()

	cfg, err := loadConfig(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if flags.PrintConfig {
		data, err := cfg.Marshal()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		os.Stdout.Write(data)
		return
	}

	if err := run(cfg, flags.Interactive); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration file, if any, and applies flag
// overrides.
func loadConfig(f Flags) (*config.Config, error) {
	cfg := config.Default()
	if f.ConfigFile != "" {
		loaded, err := config.Load(f.ConfigFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if f.Listen != "" {
		cfg.Listen = f.Listen
	}
	if f.KeyFile != "" {
		cfg.KeyFile = f.KeyFile
	}
	cfg.Bootnodes = append(cfg.Bootnodes, f.Bootnodes...)
	if f.MDNS {
		cfg.MDNS.Enabled = true
	}
	if f.ProtocolLog != "" {
		cfg.ProtocolLog = f.ProtocolLog
	}
	if f.LogLevel != "" {
		cfg.LogLevel = f.LogLevel
	}
	return cfg, cfg.Validate()
}

func run(cfg *config.Config, interactiveMode bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var console *interactive.Console
	var logOut io.Writer = os.Stderr
	if interactiveMode {
		c, err := interactive.New()
		if err != nil {
			return err
		}
		console = c
		logOut = c.Stderr()
	}

	level, _ := cfg.Level()
	logger := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: level}))

	// Protocol events go to the capture file and, at debug level, to the
	// operational log.
	var sinks []log.Logger
	if cfg.ProtocolLog != "" {
		fl, err := log.NewFileLogger(cfg.ProtocolLog)
		if err != nil {
			return fmt.Errorf("protocol log: %w", err)
		}
		defer fl.Close()
		sinks = append(sinks, fl)
		logger.Info("Protocol logging enabled", "file", cfg.ProtocolLog)
	}
	if level <= slog.LevelDebug {
		sinks = append(sinks, log.NewSlogAdapter(logger))
	}
	var plog log.Logger
	if len(sinks) > 0 {
		plog = log.NewMultiLogger(sinks...)
	}

	kp, err := secio.LoadOrGenerateKeyPair(cfg.KeyFile)
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}

	sink := setupMetrics()
	defer sink.Stop()

	node, err := NewNode(cfg, kp, logger, plog)
	if err != nil {
		return err
	}
	if err := node.Start(ctx); err != nil {
		return err
	}
	logger.Info("Node started", "peer", kp.PeerID(), "listen", node.ListenAddr())

	if console != nil {
		console.Attach(node, sink.inm)
		node.SetOutput(console.Stdout())
		go console.Run(ctx, cancel)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("Received signal", "signal", sig)
	case <-ctx.Done():
	}

	logger.Info("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := node.Stop(shutdownCtx); err != nil {
		logger.Warn("Shutdown incomplete", "error", err)
	}
	return nil
}
