package main

import (
	"context"
	"flag"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/modmail/internal/archive"
	"github.com/agentworkforce/modmail/internal/logger"
	"github.com/agentworkforce/modmail/internal/modmail"
)

func main() {
	baseURL := flag.String("base-url", envOrDefault("MODMAIL_BASE_URL", "http://127.0.0.1:8080"), "modmail operator API base URL")
	token := flag.String("token", strings.TrimSpace(os.Getenv("MODMAIL_ARCHIVE_TOKEN")), "bearer token with logs:read")
	logStoreDSN := flag.String("log-store-dsn", strings.TrimSpace(os.Getenv("MODMAIL_ARCHIVE_LOG_STORE_DSN")), "read the log store directly instead of the API")
	localDir := flag.String("dir", strings.TrimSpace(os.Getenv("MODMAIL_ARCHIVE_DIR")), "archive directory")
	stateFile := flag.String("state-file", strings.TrimSpace(os.Getenv("MODMAIL_ARCHIVE_STATE_FILE")), "state file path")
	pageSize := flag.Int("page-size", intEnv("MODMAIL_ARCHIVE_PAGE_SIZE", 100), "logs fetched per request")
	interval := flag.Duration("interval", durationEnv("MODMAIL_ARCHIVE_INTERVAL", time.Minute), "sync interval")
	intervalJitter := flag.Float64("interval-jitter", floatEnv("MODMAIL_ARCHIVE_INTERVAL_JITTER", 0.2), "sync interval jitter ratio (0.0-1.0)")
	timeout := flag.Duration("timeout", durationEnv("MODMAIL_ARCHIVE_TIMEOUT", 2*time.Minute), "per-sync timeout")
	once := flag.Bool("once", false, "run one sync cycle and exit")
	flag.Parse()

	zl := logger.FromEnv()
	defer func() { _ = zl.Sync() }()

	if strings.TrimSpace(*localDir) == "" {
		log.Fatalf("dir is required (--dir or MODMAIL_ARCHIVE_DIR)")
	}
	if *logStoreDSN == "" && strings.TrimSpace(*token) == "" {
		log.Fatalf("token is required (--token or MODMAIL_ARCHIVE_TOKEN) unless --log-store-dsn is set")
	}
	if *interval <= 0 {
		*interval = time.Minute
	}
	if *timeout <= 0 {
		*timeout = 2 * time.Minute
	}
	*intervalJitter = clampJitterRatio(*intervalJitter)

	var source archive.LogSource
	if *logStoreDSN != "" {
		store, err := modmail.BuildLogStoreFromDSN(*logStoreDSN)
		if err != nil {
			log.Fatalf("failed to open log store: %v", err)
		}
		defer store.Close()
		source = archive.StoreSource{Store: store}
	} else {
		source = archive.NewHTTPClient(*baseURL, *token, &http.Client{Timeout: *timeout})
	}
	mirror, err := archive.NewMirror(source, archive.MirrorOptions{
		LocalRoot: *localDir,
		StateFile: *stateFile,
		PageSize:  *pageSize,
		Logger:    zl,
	})
	if err != nil {
		log.Fatalf("failed to initialize archive mirror: %v", err)
	}
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	run := func() {
		ctx, cancel := context.WithTimeout(rootCtx, *timeout)
		defer cancel()
		result, err := mirror.SyncOnce(ctx)
		if err != nil {
			zl.Warn("archive_sync_failed", zap.Error(err))
			return
		}
		zl.Debug("archive_sync_completed",
			zap.Int("written", result.Written),
			zap.Int("unchanged", result.Unchanged),
		)
	}

	run()
	if *once {
		return
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-rootCtx.Done():
			zl.Info("archive_stopping", zap.Error(rootCtx.Err()))
			return
		case <-timer.C:
			run()
			timer.Reset(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
		}
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
