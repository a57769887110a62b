// Package main provides the cardstream CLI: stream a card from an
// endpoint or replay a local document, printing section completions as
// they land and the final card JSON at the end.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Inutilepat83/OSI-Cards-sub006/config"
	"github.com/Inutilepat83/OSI-Cards-sub006/metric"
	"github.com/Inutilepat83/OSI-Cards-sub006/offload"
	"github.com/Inutilepat83/OSI-Cards-sub006/orchestrator"
	"github.com/Inutilepat83/OSI-Cards-sub006/session"
	"github.com/Inutilepat83/OSI-Cards-sub006/transport"

	// Register the transport implementations
	_ "github.com/Inutilepat83/OSI-Cards-sub006/transport/httpstream"
	_ "github.com/Inutilepat83/OSI-Cards-sub006/transport/mock"
	_ "github.com/Inutilepat83/OSI-Cards-sub006/transport/natsbridge"
	_ "github.com/Inutilepat83/OSI-Cards-sub006/transport/sse"
	_ "github.com/Inutilepat83/OSI-Cards-sub006/transport/websocket"
)

type cliFlags struct {
	url        string
	protocol   string
	configPath string
	file       string
	instant    bool
	metricPort int
	verbose    bool
}

func parseFlags() cliFlags {
	var f cliFlags
	flag.StringVar(&f.url, "url", "", "streaming endpoint URL")
	flag.StringVar(&f.protocol, "protocol", "", "transport protocol (httpstream, sse, websocket, nats, longpoll); empty = auto")
	flag.StringVar(&f.configPath, "config", "", "YAML config file path")
	flag.StringVar(&f.file, "file", "", "replay a local card document instead of connecting")
	flag.BoolVar(&f.instant, "instant", false, "replay with no pacing (with -file)")
	flag.IntVar(&f.metricPort, "metrics-port", 0, "serve Prometheus metrics on this port (0 = disabled)")
	flag.BoolVar(&f.verbose, "v", false, "debug logging")
	flag.Parse()
	return f
}

func setupLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func loadConfig(f cliFlags) (config.Stream, error) {
	cfg := config.Default()
	if f.configPath != "" {
		loaded, err := config.Load(f.configPath)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	} else {
		fromEnv, err := config.FromEnv()
		if err != nil {
			return cfg, err
		}
		cfg = fromEnv
	}
	if f.url != "" {
		cfg.URL = f.url
	}
	if f.protocol != "" {
		cfg.Protocol = config.Protocol(f.protocol)
	}
	return cfg, nil
}

func main() {
	flags := parseFlags()
	logger := setupLogger(flags.verbose)
	slog.SetDefault(logger)

	if err := run(flags, logger); err != nil {
		logger.Error("stream failed", "error", err)
		os.Exit(1)
	}
}

func run(flags cliFlags, logger *slog.Logger) error {
	registry := metric.NewMetricsRegistry()

	if flags.metricPort > 0 {
		metricServer := metric.NewServer(flags.metricPort, "/metrics", registry)
		if err := metricServer.Start(); err != nil {
			return err
		}
		defer metricServer.Stop(5 * time.Second)
	}

	off := offload.New(
		offload.WithLogger(logger),
		offload.WithMetrics(registry),
	)
	defer off.Close()

	factory := transport.NewFactory(transport.Options{
		Logger:  logger,
		Metrics: registry,
	})

	orch := orchestrator.New(factory,
		orchestrator.WithLogger(logger),
		orchestrator.WithMetrics(registry),
		orchestrator.WithOffloader(off),
	)
	defer orch.Close()

	updates, cancelUpdates := orch.Updates()
	defer cancelUpdates()
	sessions, cancelSessions := orch.Sessions()
	defer cancelSessions()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if flags.file != "" {
		doc, err := os.ReadFile(flags.file)
		if err != nil {
			return err
		}
		err = orch.StartFromDocument(ctx, string(doc), orchestrator.DocumentOptions{
			Instant: flags.instant,
		})
		if err != nil {
			return err
		}
	} else {
		cfg, err := loadConfig(flags)
		if err != nil {
			return err
		}
		if err := orch.StartStream(ctx, cfg); err != nil {
			return err
		}
	}

	return consume(ctx, orch, updates, sessions)
}

// consume prints section completions as they arrive and the final card
// when the session seals.
func consume(ctx context.Context, orch *orchestrator.Orchestrator,
	updates <-chan orchestrator.CardStreamUpdate, sessions <-chan session.Session) error {

	seen := make(map[int]bool)

	for {
		select {
		case <-ctx.Done():
			orch.Stop()
			// Drain the sealed record so the summary still prints
			select {
			case record := <-sessions:
				printSummary(record)
			case <-time.After(2 * time.Second):
			}
			return nil

		case update, ok := <-updates:
			if !ok {
				return nil
			}
			for _, idx := range update.CompletedSections {
				if seen[idx] {
					continue
				}
				seen[idx] = true
				title := ""
				if update.Card != nil && idx < len(update.Card.Sections) {
					title = update.Card.Sections[idx].Title
				}
				fmt.Printf("section %d complete: %s\n", idx, title)
			}
			if update.IsComplete {
				if update.Card != nil {
					out, err := json.MarshalIndent(update.Card, "", "  ")
					if err == nil {
						fmt.Println(string(out))
					}
				}
			}

		case record, ok := <-sessions:
			if !ok {
				return nil
			}
			printSummary(record)
			return nil
		}
	}
}

func printSummary(record session.Session) {
	fmt.Fprintf(os.Stderr, "session %s: %d chunks, %d bytes, %d sections, %d errors\n",
		record.ID, record.TotalChunks, record.TotalBytes,
		record.SectionsGenerated, len(record.Errors))
}
