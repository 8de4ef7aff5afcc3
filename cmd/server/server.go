package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"matchbook/internal/api"
	"matchbook/internal/config"
	"matchbook/internal/engine"
	"matchbook/internal/net"
	"matchbook/internal/publish"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	zerolog.SetGlobalLevel(cfg.LogLevel)
	if cfg.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer stop()

	// Setup the matching engine.
	eng := engine.New()
	for _, m := range cfg.Markets {
		if _, err := eng.AddMarket(m.Ticker, m.Base, m.Quote); err != nil {
			log.Fatal().Err(err).Str("ticker", m.Ticker).Msg("unable to add market")
		}
	}

	// Every trade goes to the gateway sessions, plus the websocket feed and
	// Kafka when they are enabled.
	srv := net.New(cfg.GatewayAddress, cfg.GatewayPort, cfg.Workers, eng)
	reporters := engine.Reporters{srv}

	var feed *api.TradeFeed
	if cfg.HTTPAddress != "" {
		feed = api.NewTradeFeed()
		reporters = append(reporters, feed)
	}

	var publisher *publish.KafkaPublisher
	if len(cfg.KafkaBrokers) > 0 {
		publisher = publish.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaQueue)
		reporters = append(reporters, publisher)
	}
	eng.SetReporter(reporters)

	t, ctx := tomb.WithContext(ctx)
	t.Go(func() error {
		return srv.Run(ctx)
	})
	if feed != nil {
		httpServer := api.New(eng, feed)
		t.Go(func() error {
			return httpServer.Run(ctx, cfg.HTTPAddress)
		})
	}
	if publisher != nil {
		t.Go(func() error {
			return publisher.Run(ctx)
		})
	}

	// Block until a signal arrives or a component fails.
	if err := t.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("server stopped")
		os.Exit(1)
	}
	log.Info().Msg("server stopped")
}
