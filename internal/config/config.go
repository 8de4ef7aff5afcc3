package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

const envPrefix = "MATCHBOOK_"

var ErrInvalidMarketList = errors.New("invalid market list")

// Market is one market to open at startup.
type Market struct {
	Ticker string
	Base   string
	Quote  string
}

type Config struct {
	GatewayAddress string
	GatewayPort    int
	Workers        int
	HTTPAddress    string // Empty disables the HTTP API
	Markets        []Market
	KafkaBrokers   []string // Empty disables publishing
	KafkaTopic     string
	KafkaQueue     int
	LogLevel       zerolog.Level
	Pretty         bool
}

// Load parses command line args (without the program name), falling back to
// MATCHBOOK_* environment variables and then to built in defaults.
func Load(args []string) (Config, error) {
	return load(args, os.LookupEnv)
}

func load(args []string, lookup func(string) (string, bool)) (Config, error) {
	env := func(key, fallback string) string {
		if value, ok := lookup(envPrefix + key); ok && value != "" {
			return value
		}
		return fallback
	}
	envInt := func(key string, fallback int) (int, error) {
		raw := env(key, "")
		if raw == "" {
			return fallback, nil
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return 0, fmt.Errorf("%s%s: %w", envPrefix, key, err)
		}
		return n, nil
	}

	port, err := envInt("GATEWAY_PORT", 9001)
	if err != nil {
		return Config{}, err
	}
	workers, err := envInt("WORKERS", 10)
	if err != nil {
		return Config{}, err
	}
	queue, err := envInt("KAFKA_QUEUE", 1024)
	if err != nil {
		return Config{}, err
	}
	pretty, err := strconv.ParseBool(env("PRETTY", "false"))
	if err != nil {
		return Config{}, fmt.Errorf("%sPRETTY: %w", envPrefix, err)
	}

	fs := flag.NewFlagSet("matchbook", flag.ContinueOnError)
	var (
		cfg     Config
		markets string
		brokers string
		level   string
	)
	fs.StringVar(&cfg.GatewayAddress, "gateway-address", env("GATEWAY_ADDRESS", "0.0.0.0"), "Binary order gateway listen address")
	fs.IntVar(&cfg.GatewayPort, "gateway-port", port, "Binary order gateway listen port")
	fs.IntVar(&cfg.Workers, "workers", workers, "Gateway connection reader workers")
	fs.StringVar(&cfg.HTTPAddress, "http-address", env("HTTP_ADDRESS", ":8080"), "HTTP API listen address, empty to disable")
	fs.StringVar(&markets, "markets", env("MARKETS", "BTC/USD,ETH/USD"), "Comma separated BASE/QUOTE markets to open")
	fs.StringVar(&brokers, "kafka-brokers", env("KAFKA_BROKERS", ""), "Comma separated Kafka brokers, empty to disable")
	fs.StringVar(&cfg.KafkaTopic, "kafka-topic", env("KAFKA_TOPIC", "trades"), "Kafka topic for trades")
	fs.IntVar(&cfg.KafkaQueue, "kafka-queue", queue, "Trades buffered for Kafka before dropping")
	fs.StringVar(&level, "log-level", env("LOG_LEVEL", "info"), "Log level")
	fs.BoolVar(&cfg.Pretty, "pretty", pretty, "Human readable console logs")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if cfg.GatewayPort < 0 || cfg.GatewayPort > 65535 {
		return Config{}, fmt.Errorf("gateway port %d out of range", cfg.GatewayPort)
	}
	if cfg.Markets, err = ParseMarkets(markets); err != nil {
		return Config{}, err
	}
	cfg.KafkaBrokers = splitList(brokers)
	if cfg.LogLevel, err = zerolog.ParseLevel(level); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ParseMarkets parses "BTC/USD,ETH/USD". Each market's ticker joins base and
// quote with a dash so it can be used in URLs.
func ParseMarkets(list string) ([]Market, error) {
	var markets []Market
	seen := make(map[string]bool)
	for _, item := range splitList(list) {
		base, quote, ok := strings.Cut(item, "/")
		base, quote = strings.ToUpper(strings.TrimSpace(base)), strings.ToUpper(strings.TrimSpace(quote))
		if !ok || base == "" || quote == "" || strings.Contains(quote, "/") {
			return nil, fmt.Errorf("%w: %q", ErrInvalidMarketList, item)
		}
		ticker := base + "-" + quote
		if seen[ticker] {
			return nil, fmt.Errorf("%w: duplicate %q", ErrInvalidMarketList, item)
		}
		seen[ticker] = true
		markets = append(markets, Market{Ticker: ticker, Base: base, Quote: quote})
	}
	if len(markets) == 0 {
		return nil, fmt.Errorf("%w: no markets", ErrInvalidMarketList)
	}
	return markets, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
