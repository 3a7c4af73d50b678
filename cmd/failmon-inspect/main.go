package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/im-red/failed-requests-monitor/internal/httpapi"
	"github.com/im-red/failed-requests-monitor/internal/surface"
	"golang.org/x/sys/unix"
)

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(2)
	}
	switch os.Args[1] {
	case "help", "-h", "--help":
		printUsage(os.Stdout)
		return
	}

	token, err := surface.ResolveToken(os.Getenv("FAILMON_TOKEN"), os.Getenv("FAILMON_JWT_SECRET"), "failmon-inspect",
		[]string{httpapi.ScopeFailuresRead, httpapi.ScopeFailuresWrite})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	baseURL := strings.TrimSpace(os.Getenv("FAILMON_BASE_URL"))
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	client := surface.NewHTTPClient(baseURL, token, &http.Client{Timeout: 15 * time.Second})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()

	app := &inspector{client: client, stdout: os.Stdout, stderr: os.Stderr, now: time.Now}
	os.Exit(app.run(ctx, os.Args[1:]))
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, "Usage: failmon-inspect <command> [flags]\n\n")
	fmt.Fprintf(w, "Commands:\n")
	fmt.Fprintf(w, "  list [-tab N] [-filter q] [-json]  List recorded failures, newest first\n")
	fmt.Fprintf(w, "  badge -tab N                       Show the badge for a tab\n")
	fmt.Fprintf(w, "  status                             Show engine status\n")
	fmt.Fprintf(w, "  clear                              Remove every recorded failure\n")
	fmt.Fprintf(w, "  remove ID                          Remove one failure\n")
	fmt.Fprintf(w, "  curl ID                            Print a curl command that replays a failure\n")
	fmt.Fprintf(w, "  watch                              Stream notifications until interrupted\n")
	fmt.Fprintf(w, "\nEnvironment:\n")
	fmt.Fprintf(w, "  FAILMON_BASE_URL    engine URL (default http://127.0.0.1:8080)\n")
	fmt.Fprintf(w, "  FAILMON_TOKEN       bearer token\n")
	fmt.Fprintf(w, "  FAILMON_JWT_SECRET  signing secret used to mint a token when FAILMON_TOKEN is unset\n")
}
