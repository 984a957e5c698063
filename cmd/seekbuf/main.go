package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	sb "github.com/sushydev/seek_buffer_go"
	"github.com/sushydev/seek_buffer_go/internal/config"
	"github.com/sushydev/seek_buffer_go/internal/server"
	"github.com/sushydev/seek_buffer_go/source"
)

func main() {
	cfg, err := config.Load(os.Args[1:], ".env")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("seekbuf stopped with error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	buffer, desc, err := openBuffer(ctx, cfg)
	if err != nil {
		return err
	}

	buffer.SetPaused(desc.PauseDownload)
	pulling := buffer.Start(ctx)

	tracker := sb.NewThroughputTracker(buffer, sb.TrackerConfig{Window: cfg.TrackerWindow}, "seekbuf")

	snapshot := func(ctx context.Context) (string, error) {
		snap, err := sb.ToSnapshot(tracker, desc)
		if err != nil {
			return "", err
		}
		if err := sb.SaveSnapshotFile(cfg.SnapshotPath, snap); err != nil {
			return "", err
		}
		slog.Info("snapshot written", "path", cfg.SnapshotPath, "id", snap.ID)
		return cfg.SnapshotPath, nil
	}

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: server.New(tracker, snapshot).Router(),
	}

	go func() {
		slog.Info("status server listening", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("status server failed", "err", err)
		}
	}()

	consumed := make(chan error, 1)
	go func() {
		consumed <- consume(ctx, tracker, cfg.ConsumeInterval)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-consumed:
		if err != nil {
			slog.Error("consumer stopped", "err", err)
		}
	}

	if _, err := snapshot(context.Background()); err != nil {
		slog.Error("final snapshot failed", "err", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	httpServer.Shutdown(shutdownCtx)

	tracker.Close()
	<-pulling

	return buffer.Err()
}

// openBuffer resumes from the snapshot file when there is one, else opens the
// configured source fresh.
func openBuffer(ctx context.Context, cfg config.Config) (*sb.RangeFetchBuffer, sb.StreamDescriptor, error) {
	fetchCfg := sb.FetchConfig{
		BufferedChunks: cfg.BufferedChunks,
		ChunkSize:      cfg.ChunkSize,
		MaxRetries:     cfg.MaxRetries,
		RetryDelay:     cfg.RetryDelay,
		PullInterval:   cfg.PullInterval,
		Live:           cfg.Live,
	}

	snap, err := sb.LoadSnapshotFile(cfg.SnapshotPath)
	switch {
	case err == nil && snap.Kind == sb.SnapshotFetch:
		src, err := source.Open(ctx, snap.Stream)
		if err != nil {
			return nil, sb.StreamDescriptor{}, fmt.Errorf("reopen snapshot source: %w", err)
		}
		restored, err := sb.RestoreFetchBuffer(snap, src, fetchCfg, sb.WithName("seekbuf"))
		if err != nil {
			src.Close()
			return nil, sb.StreamDescriptor{}, fmt.Errorf("restore snapshot: %w", err)
		}
		slog.Info("resumed from snapshot", "id", snap.ID, "locator", snap.Stream.Locator)
		return restored, snap.Stream, nil

	case err == nil:
		slog.Warn("ignoring snapshot of another buffer kind", "kind", snap.Kind)

	case errors.Is(err, os.ErrNotExist):
		slog.Info("no snapshot found, starting fresh")

	default:
		slog.Warn("unreadable snapshot, starting fresh", "err", err)
	}

	if cfg.Locator == "" {
		return nil, sb.StreamDescriptor{}, errors.New("no source configured and no snapshot to resume")
	}

	desc := sb.StreamDescriptor{
		Locator:        cfg.Locator,
		CredentialsRef: cfg.CredentialsRef,
		Playing:        true,
		Kind:           sb.StreamDownload,
	}
	if cfg.Live {
		desc.Kind = sb.StreamLive
	}

	src, err := source.Open(ctx, desc)
	if err != nil {
		return nil, sb.StreamDescriptor{}, err
	}

	buffer, err := sb.NewRangeFetchBuffer(src, fetchCfg, sb.WithName("seekbuf"))
	if err != nil {
		src.Close()
		return nil, sb.StreamDescriptor{}, err
	}

	return buffer, desc, nil
}

func consume(ctx context.Context, buffer sb.RingBuffer, interval time.Duration) error {
	var total int64

	for {
		chunk, err := buffer.Next(ctx)
		if errors.Is(err, sb.ErrClosed) {
			slog.Info("stream finished", "bytes", total)
			return nil
		}
		if errors.Is(err, sb.ErrInterrupted) {
			return nil
		}
		if err != nil {
			return err
		}

		total += int64(chunk.Len())
		slog.Debug("chunk consumed", "label", chunk.Metadata, "bytes", chunk.Len())

		if interval > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(interval):
			}
		}
	}
}
