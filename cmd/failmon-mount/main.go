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
	"time"

	"github.com/im-red/failed-requests-monitor/internal/httpapi"
	"github.com/im-red/failed-requests-monitor/internal/mountfs"
	"github.com/im-red/failed-requests-monitor/internal/mountsync"
	"github.com/im-red/failed-requests-monitor/internal/surface"
	"golang.org/x/sys/unix"
)

func main() {
	baseURL := flag.String("base-url", envOrDefault("FAILMON_BASE_URL", "http://127.0.0.1:8080"), "failmon engine base URL")
	token := flag.String("token", strings.TrimSpace(os.Getenv("FAILMON_TOKEN")), "bearer token")
	localDir := flag.String("local-dir", strings.TrimSpace(os.Getenv("FAILMON_LOCAL_DIR")), "local mirror or mount directory")
	stateFile := flag.String("state-file", strings.TrimSpace(os.Getenv("FAILMON_MOUNT_STATE_FILE")), "state file path")
	interval := flag.Duration("interval", durationEnv("FAILMON_MOUNT_INTERVAL", 2*time.Second), "sync interval")
	intervalJitter := flag.Float64("interval-jitter", floatEnv("FAILMON_MOUNT_INTERVAL_JITTER", 0.2), "sync interval jitter ratio (0.0-1.0)")
	timeout := flag.Duration("timeout", durationEnv("FAILMON_MOUNT_TIMEOUT", 15*time.Second), "per-sync timeout")
	once := flag.Bool("once", false, "run one sync cycle and exit")
	useFuse := flag.Bool("fuse", false, "serve a FUSE view instead of mirroring files")
	debug := flag.Bool("debug", false, "verbose logging")
	flag.Parse()

	if strings.TrimSpace(*localDir) == "" {
		log.Fatalf("local-dir is required (--local-dir or FAILMON_LOCAL_DIR)")
	}
	resolvedToken, err := surface.ResolveToken(*token, os.Getenv("FAILMON_JWT_SECRET"), "failmon-mount",
		[]string{httpapi.ScopeFailuresRead, httpapi.ScopeFailuresWrite})
	if err != nil {
		log.Fatalf("token is required (--token, FAILMON_TOKEN or FAILMON_JWT_SECRET): %v", err)
	}
	if *interval <= 0 {
		*interval = 2 * time.Second
	}
	if *timeout <= 0 {
		*timeout = 15 * time.Second
	}
	*intervalJitter = clampJitterRatio(*intervalJitter)

	client := surface.NewHTTPClient(*baseURL, resolvedToken, &http.Client{Timeout: *timeout})
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()

	if *useFuse {
		fsys, err := mountfs.New(client, mountfs.Options{Logger: log.Default(), Debug: *debug})
		if err != nil {
			log.Fatalf("failed to initialize mount: %v", err)
		}
		log.Printf("serving failures at %s", *localDir)
		if err := mountfs.Mount(rootCtx, *localDir, fsys); err != nil {
			log.Fatalf("mount failed: %v", err)
		}
		return
	}

	syncer, err := mountsync.NewSyncer(client, mountsync.SyncerOptions{
		LocalRoot: *localDir,
		StateFile: *stateFile,
		Logger:    log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize mount syncer: %v", err)
	}

	run := func() {
		ctx, cancel := context.WithTimeout(rootCtx, *timeout)
		defer cancel()
		stats, err := syncer.SyncOnce(ctx)
		if err != nil {
			log.Printf("mount sync cycle failed: %v", err)
			return
		}
		if *debug || stats.Written+stats.Pruned+stats.Removed > 0 {
			log.Printf("mount sync cycle completed: %d written, %d pruned, %d removed", stats.Written, stats.Pruned, stats.Removed)
		}
	}

	run()
	if *once {
		return
	}

	changes, err := syncer.WatchLocal(rootCtx)
	if err != nil {
		log.Printf("local watch unavailable, polling only: %v", err)
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-rootCtx.Done():
			log.Printf("mount sync stopping: %v", rootCtx.Err())
			return
		case _, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			run()
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
