package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/im-red/failed-requests-monitor/internal/failurelog"
	"github.com/im-red/failed-requests-monitor/internal/surface"
	"github.com/sahilm/fuzzy"
	"github.com/tidwall/pretty"
)

type notificationStreamer interface {
	Stream(ctx context.Context, handler surface.NotificationHandler) error
}

type inspector struct {
	client surface.Client
	stdout io.Writer
	stderr io.Writer
	now    func() time.Time
}

func (a *inspector) run(ctx context.Context, args []string) int {
	if len(args) == 0 {
		printUsage(a.stderr)
		return 2
	}
	var err error
	switch args[0] {
	case "list":
		err = a.list(ctx, args[1:])
	case "badge":
		err = a.badge(ctx, args[1:])
	case "status":
		err = a.status(ctx)
	case "clear":
		err = a.clear(ctx)
	case "remove":
		err = a.remove(ctx, args[1:])
	case "curl":
		err = a.curl(ctx, args[1:])
	case "watch":
		err = a.watch(ctx)
	default:
		fmt.Fprintf(a.stderr, "Error: unknown command %q\n\n", args[0])
		printUsage(a.stderr)
		return 2
	}
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(a.stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func (a *inspector) flagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	return fs
}

func (a *inspector) list(ctx context.Context, args []string) error {
	fs := a.flagSet("list")
	tabFlag := fs.Int("tab", -1, "only show failures of this tab")
	filterFlag := fs.String("filter", "", "fuzzy match against URL and error")
	jsonFlag := fs.Bool("json", false, "print JSON instead of a table")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var records []failurelog.FailureRecord
	var err error
	if *tabFlag >= 0 {
		records, err = a.client.TabFailures(ctx, *tabFlag)
	} else {
		records, err = a.client.ListFailures(ctx)
	}
	if err != nil {
		return err
	}
	records = filterRecords(records, *filterFlag)

	if *jsonFlag {
		return writePrettyJSON(a.stdout, records)
	}
	if len(records) == 0 {
		fmt.Fprintln(a.stdout, "no failed requests")
		return nil
	}
	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tWHEN\tTAB\tMETHOD\tURL\tERROR")
	for _, record := range records {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
			record.ID,
			humanize.RelTime(record.Time, a.now(), "ago", "from now"),
			record.TabID,
			record.Method,
			record.URL,
			record.ErrorReason,
		)
	}
	return tw.Flush()
}

// filterRecords keeps records whose URL or error fuzzily matches query,
// best match first. A blank query keeps everything in log order.
func filterRecords(records []failurelog.FailureRecord, query string) []failurelog.FailureRecord {
	query = strings.TrimSpace(query)
	if query == "" {
		return records
	}
	haystack := make([]string, len(records))
	for i, record := range records {
		haystack[i] = record.URL + " " + record.ErrorReason
	}
	matches := fuzzy.Find(query, haystack)
	out := make([]failurelog.FailureRecord, 0, len(matches))
	for _, match := range matches {
		out = append(out, records[match.Index])
	}
	return out
}

func (a *inspector) badge(ctx context.Context, args []string) error {
	fs := a.flagSet("badge")
	tabFlag := fs.Int("tab", -1, "tab id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *tabFlag < 0 {
		return fmt.Errorf("-tab is required")
	}
	state, err := a.client.Badge(ctx, *tabFlag)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "tab %d: %s (%s) %s\n", state.TabID, state.Text, state.Kind, state.Color)
	return nil
}

func (a *inspector) status(ctx context.Context) error {
	status, err := a.client.Status(ctx)
	if err != nil {
		return err
	}
	active := "none"
	if status.ActiveTabID != nil {
		active = fmt.Sprintf("%d", *status.ActiveTabID)
	}
	fmt.Fprintf(a.stdout, "backend:     %s\n", status.Backend)
	fmt.Fprintf(a.stdout, "records:     %s of %s\n", humanize.Comma(int64(status.Records)), humanize.Comma(int64(status.Capacity)))
	fmt.Fprintf(a.stdout, "tabs:        %d\n", len(status.Tabs))
	fmt.Fprintf(a.stdout, "active tab:  %s\n", active)
	fmt.Fprintf(a.stdout, "events:      %s handled, %s discarded\n",
		humanize.Comma(int64(status.Handled)), humanize.Comma(int64(status.Discarded)))
	fmt.Fprintf(a.stdout, "subscribers: %d (%s published, %s dropped)\n",
		status.Subscribers, humanize.Comma(int64(status.Published)), humanize.Comma(int64(status.Dropped)))
	return nil
}

func (a *inspector) clear(ctx context.Context) error {
	if err := a.client.Clear(ctx); err != nil {
		return err
	}
	fmt.Fprintln(a.stdout, "cleared")
	return nil
}

func (a *inspector) remove(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("remove takes exactly one failure id")
	}
	if err := a.client.Remove(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "removed %s\n", args[0])
	return nil
}

func (a *inspector) curl(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("curl takes exactly one failure id")
	}
	records, err := a.client.ListFailures(ctx)
	if err != nil {
		return err
	}
	for _, record := range records {
		if record.ID == args[0] {
			fmt.Fprintln(a.stdout, asCurl(record))
			return nil
		}
	}
	return fmt.Errorf("failure %q not found", args[0])
}

func (a *inspector) watch(ctx context.Context) error {
	streamer, ok := a.client.(notificationStreamer)
	if !ok {
		return fmt.Errorf("client does not support streaming")
	}
	err := streamer.Stream(ctx, func(n failurelog.Notification) error {
		fmt.Fprintln(a.stdout, describeNotification(n))
		return nil
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func describeNotification(n failurelog.Notification) string {
	switch {
	case n.Record != nil:
		return fmt.Sprintf("%s tab=%d %s %s: %s", n.Type, n.Record.TabID, n.Record.Method, n.Record.URL, n.Record.ErrorReason)
	case n.Badge != nil:
		return fmt.Sprintf("%s tab=%d count=%d", n.Type, n.Badge.TabID, n.Badge.Count)
	case n.ID != "":
		return fmt.Sprintf("%s id=%s", n.Type, n.ID)
	default:
		return string(n.Type)
	}
}

func writePrettyJSON(w io.Writer, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = w.Write(pretty.Pretty(data))
	return err
}
