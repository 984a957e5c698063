// Package config loads seekbuf settings from flags, the environment and an
// optional .env file, in that order of precedence.
package config

import (
	"errors"
	"flag"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Locator        string
	Live           bool
	CredentialsRef string

	Addr         string
	SnapshotPath string

	BufferedChunks int
	ChunkSize      int
	MaxRetries     int
	RetryDelay     time.Duration
	PullInterval   time.Duration

	// ConsumeInterval paces the built-in consumer; zero drains as fast as
	// chunks arrive.
	ConsumeInterval time.Duration
	TrackerWindow   int

	LogLevel slog.Level
}

// Load parses args with environment fallbacks. envFile may be empty; a missing
// file is not an error.
func Load(args []string, envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, err
		}
	}

	fs := flag.NewFlagSet("seekbuf", flag.ContinueOnError)

	var (
		locator        = fs.String("source", getenv("SEEKBUF_SOURCE", ""), "file path or http(s) url to buffer")
		live           = fs.Bool("live", getenvBool("SEEKBUF_LIVE", false), "follow a growing local file")
		credentialsRef = fs.String("credentials-env", getenv("SEEKBUF_CREDENTIALS_ENV", ""), "env var holding the Authorization header")
		addr           = fs.String("addr", getenv("SEEKBUF_ADDR", ":8090"), "status listen address")
		snapshotPath   = fs.String("snapshot", getenv("SEEKBUF_SNAPSHOT", "./data/seekbuf.snapshot"), "snapshot file")
		bufferedChunks = fs.Int("buffered-chunks", getenvInt("SEEKBUF_BUFFERED_CHUNKS", 64), "chunks to keep buffered ahead")
		chunkSize      = fs.Int("chunk-size", getenvInt("SEEKBUF_CHUNK_SIZE", 64*1024), "chunk size in bytes")
		maxRetries     = fs.Int("max-retries", getenvInt("SEEKBUF_MAX_RETRIES", 10), "source read retries, 0 for a single attempt")
		retryDelay     = fs.Duration("retry-delay", getenvDuration("SEEKBUF_RETRY_DELAY", 5*time.Second), "pause between source retries")
		pullInterval   = fs.Duration("pull-interval", getenvDuration("SEEKBUF_PULL_INTERVAL", 500*time.Millisecond), "background fetch pace")
		consume        = fs.Duration("consume-interval", getenvDuration("SEEKBUF_CONSUME_INTERVAL", 0), "pause between consumed chunks")
		window         = fs.Int("tracker-window", getenvInt("SEEKBUF_TRACKER_WINDOW", 20), "throughput samples kept")
		logLevel       = fs.String("log-level", getenv("SEEKBUF_LOG_LEVEL", "info"), "debug, info, warn or error")
	)

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		return Config{}, err
	}

	cfg := Config{
		Locator:         *locator,
		Live:            *live,
		CredentialsRef:  *credentialsRef,
		Addr:            *addr,
		SnapshotPath:    *snapshotPath,
		BufferedChunks:  *bufferedChunks,
		ChunkSize:       *chunkSize,
		MaxRetries:      *maxRetries,
		RetryDelay:      *retryDelay,
		PullInterval:    *pullInterval,
		ConsumeInterval: *consume,
		TrackerWindow:   *window,
		LogLevel:        level,
	}

	return cfg, cfg.validate()
}

func (cfg Config) validate() error {
	if cfg.BufferedChunks < 1 {
		return errors.New("buffered-chunks must be positive")
	}
	if cfg.ChunkSize < 1 {
		return errors.New("chunk-size must be positive")
	}
	if cfg.MaxRetries < 0 {
		return errors.New("max-retries must not be negative")
	}
	return nil
}

func getenv(k, fallback string) string {
	v := os.Getenv(k)
	if v == "" {
		return fallback
	}
	return v
}

func getenvBool(k string, fallback bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return fallback
	}
	return v == "1" || strings.EqualFold(v, "true") || v == "yes"
}

func getenvInt(k string, fallback int) int {
	v, err := strconv.Atoi(os.Getenv(k))
	if err != nil {
		return fallback
	}
	return v
}

func getenvDuration(k string, fallback time.Duration) time.Duration {
	v, err := time.ParseDuration(os.Getenv(k))
	if err != nil {
		return fallback
	}
	return v
}
