// Command failmon runs the failure log engine behind its HTTP surface.
//
// The process-start refresh only reaches a tab the engine already knows to be
// active. The browser shim is expected to POST /v1/events/startup with its
// activeTabId once it connects, so the badge is correct before the first
// tab switch.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/im-red/failed-requests-monitor/internal/config"
	"github.com/im-red/failed-requests-monitor/internal/failurelog"
	"github.com/im-red/failed-requests-monitor/internal/httpapi"
	"golang.org/x/sys/unix"
)

const (
	notifierBuffer  = 64
	shutdownTimeout = 5 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	logger := log.Default()

	eng, err := buildEngine(cfg, logger)
	if err != nil {
		log.Fatalf("failed to initialize engine: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()

	if err := eng.serve(rootCtx, cfg.Addr); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

type engine struct {
	cfg      config.Config
	logger   *log.Logger
	log      *failurelog.Log
	notifier *failurelog.Broadcaster
	router   *failurelog.Router
	handler  http.Handler
	slotFile *failurelog.JSONFileStateBackend
}

func buildEngine(cfg config.Config, logger *log.Logger) (*engine, error) {
	dsn, err := cfg.ResolveStateDSN()
	if err != nil {
		return nil, err
	}
	backend, err := failurelog.BuildStateBackendFromDSN(dsn)
	if err != nil {
		return nil, err
	}
	failureLog := failurelog.NewLog(failurelog.LogOptions{
		Backend:    backend,
		MaxRecords: cfg.MaxRecords,
		Logger:     logger,
		Debug:      cfg.Debug,
	})
	notifier := failurelog.NewBroadcaster(notifierBuffer)
	board := failurelog.NewBadgeBoard(notifier)
	router, err := failurelog.NewRouter(failurelog.RouterOptions{
		Log:      failureLog,
		Badges:   failurelog.NewBadgeSynchronizer(failureLog, board),
		Notifier: notifier,
		Logger:   logger,
		Debug:    cfg.Debug,
	})
	if err != nil {
		_ = failureLog.Close()
		return nil, err
	}
	handler := httpapi.NewServerWithConfig(router, httpapi.ServerConfig{
		JWTSecret:       cfg.JWTSecret,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
		MaxBodyBytes:    cfg.MaxBodyBytes,
		AllowedOrigins:  cfg.AllowedOrigins,
	})
	slotFile, _ := backend.(*failurelog.JSONFileStateBackend)
	return &engine{
		cfg:      cfg,
		logger:   logger,
		log:      failureLog,
		notifier: notifier,
		router:   router,
		handler:  handler,
		slotFile: slotFile,
	}, nil
}

// start runs the router and optional slot watcher and announces startup.
// They keep running after ctx ends; the returned function stops both,
// letting the router handle everything already admitted, and closes the log.
func (e *engine) start(ctx context.Context) (func(), error) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	routerDone := make(chan struct{})
	go func() {
		defer close(routerDone)
		if err := e.router.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Printf("router stopped: %v", err)
		}
	}()

	watchDone := make(chan struct{})
	if e.cfg.WatchStateFile && e.slotFile != nil {
		go func() {
			defer close(watchDone)
			err := failurelog.WatchStateFile(runCtx, e.slotFile, e.router, failurelog.WatchOptions{Logger: e.logger})
			if err != nil && !errors.Is(err, context.Canceled) {
				e.logger.Printf("state file watch stopped: %v", err)
			}
		}()
	} else {
		close(watchDone)
	}

	stop := func() {
		cancel()
		<-routerDone
		<-watchDone
		if err := e.log.Close(); err != nil {
			e.logger.Printf("close failure log: %v", err)
		}
	}
	if err := e.router.Submit(ctx, failurelog.StartupEvent{Reason: "process-start"}); err != nil {
		stop()
		return nil, err
	}
	return stop, nil
}

func (e *engine) serve(ctx context.Context, addr string) error {
	stop, err := e.start(ctx)
	if err != nil {
		return err
	}
	// deferred so the router outlives server.Shutdown and drains what the
	// in-flight requests admitted
	defer stop()

	server := &http.Server{
		Addr:              addr,
		Handler:           e.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		e.logger.Printf("failmon listening on %s (backend %s)", addr, failurelog.BackendKind(e.log.Backend()))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	e.logger.Printf("failmon stopping: %v", ctx.Err())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
